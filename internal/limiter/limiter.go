package limiter

import (
	"context"
	"errors"
	"strconv"
	"time"

	"go.uber.org/zap"

	"aicall-gateway/internal/metrics"
	"aicall-gateway/internal/store"
	"aicall-gateway/pkg/logging/logging"
)

type Config struct {
	Enabled bool
	// MaxCallsPerWindow is the per-caller quota.
	MaxCallsPerWindow int64
	Window            time.Duration
	KeyPrefix         string
}

// DefaultConfig allows 100 calls per caller per hour.
func DefaultConfig() Config {
	return Config{
		Enabled:           true,
		MaxCallsPerWindow: 100,
		Window:            time.Hour,
		KeyPrefix:         "ai_rate_limit:",
	}
}

// Limiter enforces a per-caller quota with a fixed-window counter kept in
// the shared store: the window index is floor(now / Window) and every
// window gets a brand-new counter key. A caller can therefore burst up to
// 2x the quota across a window boundary.
//
// Store failures fail open.
type Limiter struct {
	cfg    Config
	store  store.Store
	now    func() time.Time
	logger *zap.Logger
}

type Option func(*Limiter)

func WithClock(now func() time.Time) Option {
	return func(l *Limiter) {
		if now != nil {
			l.now = now
		}
	}
}

func WithLogger(logger *zap.Logger) Option {
	return func(l *Limiter) { l.logger = logging.Or(logger) }
}

func New(cfg Config, s store.Store, opts ...Option) *Limiter {
	switch {
	case cfg.Window <= 0:
		cfg.Window = time.Hour
	case cfg.Window < time.Millisecond:
		// window indexes are whole milliseconds
		cfg.Window = time.Millisecond
	}
	l := &Limiter{
		cfg:    cfg,
		store:  s,
		now:    time.Now,
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(l)
	}
	l.logger = l.logger.Named("limiter")
	return l
}

func (l *Limiter) windowIndex(now time.Time) int64 {
	return now.UnixMilli() / l.cfg.Window.Milliseconds()
}

func (l *Limiter) counterKey(callerID string, window int64) string {
	return l.cfg.KeyPrefix + callerID + ":" + strconv.FormatInt(window, 10)
}

// TryAcquire consumes one call from the caller's current window and reports
// whether it fits the quota. The check and the increment are one atomic
// store operation, so concurrent callers sharing a quota cannot both slip
// through on the last slot.
func (l *Limiter) TryAcquire(ctx context.Context, callerID string) bool {
	if !l.cfg.Enabled {
		return true
	}

	key := l.counterKey(callerID, l.windowIndex(l.now()))

	count, err := l.store.IncrWithTTL(ctx, key, l.cfg.Window)
	if err != nil {
		metrics.AdmissionDecisionsTotal.WithLabelValues("fail_open").Inc()
		l.logger.Warn("rate_limit_check_failed",
			zap.String("user_id", callerID),
			zap.Error(err),
		)
		return true
	}

	if count > l.cfg.MaxCallsPerWindow {
		metrics.AdmissionDecisionsTotal.WithLabelValues("denied").Inc()
		l.logger.Warn("rate_limit_exceeded",
			zap.String("user_id", callerID),
			zap.Int64("count", count),
			zap.Int64("limit", l.cfg.MaxCallsPerWindow),
		)
		return false
	}

	metrics.AdmissionDecisionsTotal.WithLabelValues("allowed").Inc()
	return true
}

// Remaining returns how many calls the caller has left in the current
// window. When the store is unreachable the full quota is reported,
// matching the fail-open admission policy.
func (l *Limiter) Remaining(ctx context.Context, callerID string) int64 {
	if !l.cfg.Enabled {
		return l.cfg.MaxCallsPerWindow
	}

	key := l.counterKey(callerID, l.windowIndex(l.now()))

	raw, ok, err := l.store.Get(ctx, key)
	if err != nil {
		l.logger.Warn("rate_limit_remaining_failed",
			zap.String("user_id", callerID),
			zap.Error(err),
		)
		return l.cfg.MaxCallsPerWindow
	}
	if !ok {
		return l.cfg.MaxCallsPerWindow
	}

	count, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		l.logger.Warn("rate_limit_counter_corrupt",
			zap.String("user_id", callerID),
			zap.Error(errors.New("non-integer counter value")),
		)
		return l.cfg.MaxCallsPerWindow
	}

	return max(0, l.cfg.MaxCallsPerWindow-count)
}

// ResetIn returns the time left until the current window ends.
func (l *Limiter) ResetIn() time.Duration {
	now := l.now()
	windowMs := l.cfg.Window.Milliseconds()
	elapsed := now.UnixMilli() % windowMs
	return time.Duration(windowMs-elapsed) * time.Millisecond
}

// Quota returns the configured per-window limit.
func (l *Limiter) Quota() int64 {
	return l.cfg.MaxCallsPerWindow
}

func (l *Limiter) Enabled() bool {
	return l.cfg.Enabled
}

func (l *Limiter) Window() time.Duration {
	return l.cfg.Window
}
