package batcher

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"aicall-gateway/internal/cache"
	"aicall-gateway/internal/metrics"
	"aicall-gateway/pkg/logging/logging"
	"aicall-gateway/pkg/types"
)

var (
	ErrBatchTooLarge = errors.New("batcher: batch too large")
	ErrInvalidBatch  = errors.New("batcher: invalid batch")
)

type Config struct {
	// GroupingEnabled collapses requests with the same normalized content
	// into one upstream call. When false every request is its own group.
	GroupingEnabled bool
	MaxBatchSize    int
	// MaxConcurrentGroups bounds how many groups are resolved at once.
	MaxConcurrentGroups int
}

func DefaultConfig() Config {
	return Config{
		GroupingEnabled:     true,
		MaxBatchSize:        100,
		MaxConcurrentGroups: 8,
	}
}

// Result is the outcome for one request of a batch.
type Result struct {
	Value    string
	Err      error
	CacheHit bool
	GroupKey string
	// Latency is the time spent resolving the request's group.
	Latency time.Duration
}

// GroupError is delivered to every member of a group whose upstream call
// failed.
type GroupError struct {
	GroupKey string
	Members  int
	Err      error
}

func (e *GroupError) Error() string {
	return fmt.Sprintf("batch group of %d request(s) failed: %v", e.Members, e.Err)
}

func (e *GroupError) Unwrap() error { return e.Err }

type group struct {
	key     string
	members []types.Request
}

// Batcher resolves a batch with at most one upstream call per group.
type Batcher struct {
	cfg      Config
	cache    *cache.ResponseCache
	upstream types.UpstreamFunc
	logger   *zap.Logger
	now      func() time.Time
}

type Option func(*Batcher)

func WithLogger(l *zap.Logger) Option {
	return func(b *Batcher) { b.logger = logging.Or(l) }
}

func WithClock(now func() time.Time) Option {
	return func(b *Batcher) {
		if now != nil {
			b.now = now
		}
	}
}

func New(cfg Config, c *cache.ResponseCache, upstream types.UpstreamFunc, opts ...Option) *Batcher {
	if cfg.MaxConcurrentGroups <= 0 {
		cfg.MaxConcurrentGroups = 1
	}
	b := &Batcher{
		cfg:      cfg,
		cache:    c,
		upstream: upstream,
		logger:   zap.NewNop(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(b)
	}
	b.logger = b.logger.Named("batcher")
	return b
}

// GroupKey returns the key req is grouped under. Requests of different
// categories never share a group.
func (b *Batcher) GroupKey(req types.Request) string {
	if !b.cfg.GroupingEnabled {
		return req.Category + "\x00" + req.RequestID
	}
	return req.Category + "\x00" + NormalizeKey(req.Content)
}

const groupBasePrefix = "batch_group\x00"

// baseFingerprint keys the unadjusted upstream answer of a group. It is kept
// apart from the members' own entries, which hold adjusted answers.
func (b *Batcher) baseFingerprint(g *group) (string, error) {
	rep := g.members[0]
	if !b.cfg.GroupingEnabled {
		return cache.Fingerprint(groupBasePrefix+rep.Content, rep.Category, rep.Params)
	}
	return cache.Fingerprint(groupBasePrefix+NormalizeKey(rep.Content), rep.Category, nil)
}

func (b *Batcher) group(reqs []types.Request) []*group {
	var groups []*group
	byKey := make(map[string]*group)
	for _, r := range reqs {
		key := b.GroupKey(r)
		g, ok := byKey[key]
		if !ok {
			g = &group{key: key}
			byKey[key] = g
			groups = append(groups, g)
		}
		g.members = append(g.members, r)
	}
	return groups
}

func validate(reqs []types.Request) error {
	seen := make(map[string]struct{}, len(reqs))
	for i, r := range reqs {
		if r.RequestID == "" {
			return fmt.Errorf("%w: requests[%d] has no request_id", ErrInvalidBatch, i)
		}
		if _, dup := seen[r.RequestID]; dup {
			return fmt.Errorf("%w: duplicate request_id %q", ErrInvalidBatch, r.RequestID)
		}
		seen[r.RequestID] = struct{}{}
	}
	return nil
}

// SubmitBatch resolves every request and returns one Result per request ID.
// Within one call each distinct group triggers at most one upstream call;
// a failed group does not affect the others.
func (b *Batcher) SubmitBatch(ctx context.Context, reqs []types.Request) (map[string]Result, error) {
	if b.cfg.MaxBatchSize > 0 && len(reqs) > b.cfg.MaxBatchSize {
		return nil, fmt.Errorf("%w: %d requests, max %d", ErrBatchTooLarge, len(reqs), b.cfg.MaxBatchSize)
	}
	if err := validate(reqs); err != nil {
		return nil, err
	}

	metrics.BatchRequestsTotal.Add(float64(len(reqs)))

	groups := b.group(reqs)
	resolved := make([][]Result, len(groups))

	var eg errgroup.Group
	eg.SetLimit(b.cfg.MaxConcurrentGroups)
	for i, g := range groups {
		eg.Go(func() error {
			resolved[i] = b.resolve(ctx, g)
			return nil
		})
	}
	_ = eg.Wait()

	out := make(map[string]Result, len(reqs))
	for i, g := range groups {
		for j, m := range g.members {
			out[m.RequestID] = resolved[i][j]
		}
	}

	b.logger.Info("batch_processed",
		zap.Int("requests", len(reqs)),
		zap.Int("groups", len(groups)),
	)
	return out, nil
}

func (b *Batcher) resolve(ctx context.Context, g *group) []Result {
	start := b.now()
	rep := g.members[0]
	results := make([]Result, len(g.members))

	fp, fpErr := b.baseFingerprint(g)
	if fpErr != nil {
		b.logger.Warn("batch_group_uncacheable", zap.String("representative", rep.RequestID), zap.Error(fpErr))
	}

	var (
		base string
		hit  bool
	)
	if fpErr == nil {
		base, hit = b.cache.GetByFingerprint(ctx, fp)
	}
	if hit {
		metrics.BatchGroupsTotal.WithLabelValues("cache").Inc()
	} else {
		var err error
		base, err = b.upstream(ctx, rep.Content, rep.Category, rep.Params)
		if err != nil {
			metrics.BatchGroupsTotal.WithLabelValues("error").Inc()
			b.logger.Warn("batch_group_failed",
				zap.Int("members", len(g.members)),
				zap.String("representative", rep.RequestID),
				zap.Error(err),
			)
			gerr := &GroupError{GroupKey: g.key, Members: len(g.members), Err: err}
			latency := b.now().Sub(start)
			for i := range results {
				results[i] = Result{Err: gerr, GroupKey: g.key, Latency: latency}
			}
			return results
		}
		metrics.BatchGroupsTotal.WithLabelValues("upstream").Inc()
		if fpErr == nil && base != "" {
			b.cache.PutByFingerprint(ctx, fp, b.cache.Classify(rep.Content, rep.Category), base)
		}
	}

	latency := b.now().Sub(start)
	for i, m := range g.members {
		v := Adjust(base, m.Params)
		if v != "" {
			b.cache.Put(ctx, m.Content, m.Category, m.Params, v)
		}
		results[i] = Result{Value: v, CacheHit: hit, GroupKey: g.key, Latency: latency}
	}

	b.logger.Debug("batch_group_resolved",
		zap.Int("members", len(g.members)),
		zap.Bool("cache_hit", hit),
		zap.Duration("latency", latency),
	)
	return results
}
