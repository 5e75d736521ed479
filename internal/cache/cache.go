package cache

import (
	"context"
	"time"

	"go.uber.org/zap"

	"aicall-gateway/internal/metrics"
	"aicall-gateway/internal/store"
	"aicall-gateway/pkg/logging/logging"
	"aicall-gateway/pkg/types"
)

const (
	tierLocal  = "local"
	tierShared = "shared"
)

type Config struct {
	Enabled bool

	// LocalTTL bounds how long a process trusts its own copy before
	// re-reading the shared tier.
	LocalTTL time.Duration
	// GenerativeTTL and GeneralTTL are the shared-tier lifetimes per Class.
	GenerativeTTL time.Duration
	GeneralTTL    time.Duration

	LocalMaxEntries int
	CleanupInterval time.Duration

	KeyPrefix string
}

// DefaultConfig: 5m local, 6h generative, 24h general.
func DefaultConfig() Config {
	return Config{
		Enabled:         true,
		LocalTTL:        5 * time.Minute,
		GenerativeTTL:   6 * time.Hour,
		GeneralTTL:      24 * time.Hour,
		LocalMaxEntries: 1000,
		CleanupInterval: 30 * time.Minute,
		KeyPrefix:       "ai_call_cache:",
	}
}

// TTLFor returns the shared-tier TTL for class.
func (c Config) TTLFor(class Class) time.Duration {
	if class == ClassGenerative {
		return c.GenerativeTTL
	}
	return c.GeneralTTL
}

// ResponseCache is the two-tier answer cache. The shared tier is strictly
// best-effort: store failures are logged and read as misses.
type ResponseCache struct {
	cfg      Config
	local    *LocalTier
	shared   store.Store
	classify Classifier
	logger   *zap.Logger
	now      func() time.Time
}

type Option func(*ResponseCache)

func WithClassifier(c Classifier) Option {
	return func(rc *ResponseCache) {
		if c != nil {
			rc.classify = c
		}
	}
}

func WithLogger(l *zap.Logger) Option {
	return func(rc *ResponseCache) { rc.logger = logging.Or(l) }
}

// WithClock sets the time source of the local tier.
func WithClock(now func() time.Time) Option {
	return func(rc *ResponseCache) {
		if now != nil {
			rc.now = now
		}
	}
}

// New creates a ResponseCache over shared.
func New(cfg Config, shared store.Store, opts ...Option) *ResponseCache {
	rc := &ResponseCache{
		cfg:      cfg,
		shared:   shared,
		classify: DefaultClassifier,
		logger:   zap.NewNop(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(rc)
	}
	rc.logger = rc.logger.Named("response_cache")
	rc.local = newLocalTier(cfg.LocalMaxEntries, cfg.CleanupInterval, rc.now)
	return rc
}

func (c *ResponseCache) sharedKey(fingerprint string) string {
	return c.cfg.KeyPrefix + fingerprint
}

// Get returns the cached answer for the request, checking the local tier
// before the shared one.
func (c *ResponseCache) Get(ctx context.Context, content, category string, params types.Params) (string, bool) {
	if !c.cfg.Enabled {
		return "", false
	}

	fp, err := Fingerprint(content, category, params)
	if err != nil {
		c.logger.Warn("cache_fingerprint_error", zap.Error(err))
		return "", false
	}
	return c.GetByFingerprint(ctx, fp)
}

// GetByFingerprint is Get for callers that already computed the fingerprint.
func (c *ResponseCache) GetByFingerprint(ctx context.Context, fp string) (string, bool) {
	if !c.cfg.Enabled {
		return "", false
	}

	if v, ok := c.local.Get(fp); ok {
		metrics.CacheLookupsTotal.WithLabelValues(tierLocal, "hit").Inc()
		c.logger.Debug("cache_get",
			zap.String("cache_tier", tierLocal),
			zap.String("cache_result", "hit"),
			zap.String("fingerprint", fp),
		)
		return v, true
	}
	metrics.CacheLookupsTotal.WithLabelValues(tierLocal, "miss").Inc()

	start := time.Now()
	v, ok, err := c.shared.Get(ctx, c.sharedKey(fp))
	latencyMs := float64(time.Since(start).Microseconds()) / 1000.0

	result := "miss"
	switch {
	case err != nil:
		result = "error"
	case ok:
		result = "hit"
	}
	metrics.CacheLookupsTotal.WithLabelValues(tierShared, result).Inc()

	fields := []zap.Field{
		zap.String("cache_tier", tierShared),
		zap.String("cache_result", result),
		zap.String("fingerprint", fp),
		zap.Float64("latency_ms", latencyMs),
	}
	if err != nil {
		c.logger.Warn("cache_get", append(fields, zap.Error(err))...)
		return "", false
	}
	c.logger.Debug("cache_get", fields...)

	if !ok {
		return "", false
	}

	c.local.Set(fp, v, c.cfg.LocalTTL)
	return v, true
}

// Put stores value in both tiers. The shared TTL depends on the request's
// Class.
func (c *ResponseCache) Put(ctx context.Context, content, category string, params types.Params, value string) {
	if !c.cfg.Enabled {
		return
	}

	fp, err := Fingerprint(content, category, params)
	if err != nil {
		c.logger.Warn("cache_fingerprint_error", zap.Error(err))
		return
	}
	c.PutByFingerprint(ctx, fp, c.classify(content, category), value)
}

// PutByFingerprint is Put for callers that already computed the
// fingerprint and class.
func (c *ResponseCache) PutByFingerprint(ctx context.Context, fp string, class Class, value string) {
	if !c.cfg.Enabled {
		return
	}

	ttl := c.cfg.TTLFor(class)

	start := time.Now()
	err := c.shared.Set(ctx, c.sharedKey(fp), value, ttl)
	latencyMs := float64(time.Since(start).Microseconds()) / 1000.0

	fields := []zap.Field{
		zap.String("fingerprint", fp),
		zap.String("cache_class", class.String()),
		zap.Duration("ttl", ttl),
		zap.Float64("latency_ms", latencyMs),
	}
	if err != nil {
		c.logger.Warn("cache_set", append(fields, zap.Error(err))...)
	} else {
		c.logger.Debug("cache_set", fields...)
	}

	// written even when the shared write failed
	c.local.Set(fp, value, c.cfg.LocalTTL)
}

// Classify exposes the configured classifier.
func (c *ResponseCache) Classify(content, category string) Class {
	return c.classify(content, category)
}

type Stats struct {
	Enabled      bool `json:"enabled"`
	LocalEntries int  `json:"local_entries"`
	// SharedEntries is -1 when the shared tier could not be enumerated.
	SharedEntries int `json:"shared_entries"`
}

// Stats reports tier sizes. Enumerating the shared tier scans the store, so
// this is meant for the stats endpoints, not the request path.
func (c *ResponseCache) Stats(ctx context.Context) Stats {
	s := Stats{
		Enabled:      c.cfg.Enabled,
		LocalEntries: c.local.Len(),
	}

	keys, err := c.shared.Keys(ctx, c.cfg.KeyPrefix)
	if err != nil {
		c.logger.Warn("cache_stats_shared_error", zap.Error(err))
		s.SharedEntries = -1
	} else {
		s.SharedEntries = len(keys)
	}
	return s
}

// Close stops the local tier's cleanup goroutine. It does not close the
// shared store.
func (c *ResponseCache) Close() error {
	return c.local.Close()
}
