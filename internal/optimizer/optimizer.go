package optimizer

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"aicall-gateway/internal/batcher"
	"aicall-gateway/internal/cache"
	"aicall-gateway/internal/limiter"
	"aicall-gateway/internal/metrics"
	"aicall-gateway/internal/monitor"
	"aicall-gateway/pkg/logging/logging"
	"aicall-gateway/pkg/types"
)

type Config struct {
	// WarmupDelay separates consecutive warmup calls.
	WarmupDelay time.Duration
	// WarmupContents is used when Warmup is called without contents.
	WarmupContents []string
	WarmupCategory string
}

func DefaultConfig() Config {
	return Config{
		WarmupDelay: 100 * time.Millisecond,
		WarmupContents: []string{
			"一个现代风格的椅子",
			"简约的木质桌子",
			"舒适的沙发",
			"优雅的台灯",
			"实用的书架",
		},
		WarmupCategory: "prompt",
	}
}

// Deps are the components the Optimizer drives.
type Deps struct {
	Limiter  *limiter.Limiter
	Cache    *cache.ResponseCache
	Batcher  *batcher.Batcher
	Monitor  *monitor.Monitor
	Upstream types.UpstreamFunc
}

// Optimizer is the single entry point in front of the upstream AI call:
// admission, then cache, then upstream, with every outcome recorded.
type Optimizer struct {
	cfg      Config
	limiter  *limiter.Limiter
	cache    *cache.ResponseCache
	batcher  *batcher.Batcher
	monitor  *monitor.Monitor
	upstream types.UpstreamFunc

	flights singleflight.Group
	logger  *zap.Logger
	now     func() time.Time
	sleep   func(ctx context.Context, d time.Duration) error
}

type Option func(*Optimizer)

func WithLogger(l *zap.Logger) Option {
	return func(o *Optimizer) { o.logger = logging.Or(l) }
}

func WithClock(now func() time.Time) Option {
	return func(o *Optimizer) {
		if now != nil {
			o.now = now
		}
	}
}

func New(cfg Config, deps Deps, opts ...Option) *Optimizer {
	o := &Optimizer{
		cfg:      cfg,
		limiter:  deps.Limiter,
		cache:    deps.Cache,
		batcher:  deps.Batcher,
		monitor:  deps.Monitor,
		upstream: deps.Upstream,
		logger:   zap.NewNop(),
		now:      time.Now,
		sleep:    sleepCtx,
	}
	for _, opt := range opts {
		opt(o)
	}
	o.logger = o.logger.Named("optimizer")
	return o
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func (o *Optimizer) quotaError(ctx context.Context, callerID string) error {
	return &QuotaExceededError{
		CallerID:   callerID,
		Remaining:  o.limiter.Remaining(ctx, callerID),
		RetryAfter: o.limiter.ResetIn(),
	}
}

// Call answers one request. It returns a *QuotaExceededError when the
// caller is over quota and an *UpstreamError when the upstream call fails.
// Consumed quota is never refunded.
func (o *Optimizer) Call(ctx context.Context, callerID, content, category string, params types.Params) (string, error) {
	return o.call(ctx, monitor.OpCall, callerID, content, category, params)
}

func (o *Optimizer) call(ctx context.Context, op, callerID, content, category string, params types.Params) (string, error) {
	start := o.now()

	if !o.limiter.TryAcquire(ctx, callerID) {
		return "", o.quotaError(ctx, callerID)
	}

	fp, fpErr := cache.Fingerprint(content, category, params)
	if fpErr == nil {
		if v, ok := o.cache.GetByFingerprint(ctx, fp); ok {
			o.record(callerID, op, start, true, true)
			return v, nil
		}
	} else {
		o.logger.Warn("request_uncacheable", zap.String("user_id", callerID), zap.Error(fpErr))
	}

	var (
		v   string
		err error
	)
	if fpErr != nil {
		v, err = o.invokeUpstream(ctx, content, category, params)
	} else {
		v, err = o.sharedInvoke(ctx, fp, content, category, params)
	}

	if err != nil {
		o.record(callerID, op, start, false, false)
		o.logger.Error("ai_call_failed",
			zap.String("user_id", callerID),
			zap.String("operation", op),
			zap.Error(err),
		)
		return "", &UpstreamError{Err: err}
	}

	o.record(callerID, op, start, true, false)
	return v, nil
}

// sharedInvoke runs one upstream call per fingerprint at a time; identical
// concurrent misses wait for the same result. The flight is detached from
// any single caller's cancellation.
func (o *Optimizer) sharedInvoke(ctx context.Context, fp, content, category string, params types.Params) (string, error) {
	flightCtx := context.WithoutCancel(ctx)
	ch := o.flights.DoChan(fp, func() (any, error) {
		v, err := o.invokeUpstream(flightCtx, content, category, params)
		if err != nil {
			return "", err
		}
		if v != "" {
			o.cache.PutByFingerprint(flightCtx, fp, o.cache.Classify(content, category), v)
		}
		return v, nil
	})

	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case res := <-ch:
		if res.Shared {
			metrics.UpstreamSharedTotal.Inc()
		}
		if res.Err != nil {
			return "", res.Err
		}
		return res.Val.(string), nil
	}
}

func (o *Optimizer) invokeUpstream(ctx context.Context, content, category string, params types.Params) (string, error) {
	start := time.Now()
	v, err := o.upstream(ctx, content, category, params)
	metrics.UpstreamLatencySeconds.Observe(time.Since(start).Seconds())
	if err != nil {
		metrics.UpstreamCallsTotal.WithLabelValues("error").Inc()
		return "", err
	}
	metrics.UpstreamCallsTotal.WithLabelValues("success").Inc()
	return v, nil
}

func (o *Optimizer) record(callerID, op string, start time.Time, success, cacheHit bool) {
	o.monitor.Record(monitor.Event{
		CallerID:  callerID,
		Operation: op,
		Latency:   o.now().Sub(start),
		Success:   success,
		CacheHit:  cacheHit,
	})
}

// SubmitBatch admits the whole batch with one quota check and resolves it
// through the batcher. Each request is recorded as one batch event.
func (o *Optimizer) SubmitBatch(ctx context.Context, callerID string, reqs []types.Request) (map[string]batcher.Result, error) {
	if !o.limiter.TryAcquire(ctx, callerID) {
		return nil, o.quotaError(ctx, callerID)
	}

	results, err := o.batcher.SubmitBatch(ctx, reqs)
	if err != nil {
		return nil, err
	}

	for _, r := range results {
		o.monitor.Record(monitor.Event{
			CallerID:  callerID,
			Operation: monitor.OpBatch,
			Latency:   r.Latency,
			Success:   r.Err == nil,
			CacheHit:  r.CacheHit,
		})
	}
	return results, nil
}

// WarmupReport summarizes one Warmup run.
type WarmupReport struct {
	Requested int    `json:"requested"`
	Warmed    int    `json:"warmed"`
	Failed    int    `json:"failed"`
	Skipped   int    `json:"skipped"`
	Stopped   string `json:"stopped,omitempty"`
}

// Warmup populates the cache by calling each content in turn, pausing
// WarmupDelay between calls. Individual failures are skipped; running out
// of quota ends the warmup early.
func (o *Optimizer) Warmup(ctx context.Context, callerID string, contents []string) (WarmupReport, error) {
	if len(contents) == 0 {
		contents = o.cfg.WarmupContents
	}
	report := WarmupReport{Requested: len(contents)}

	o.logger.Info("cache_warmup_started",
		zap.String("user_id", callerID),
		zap.Int("contents", len(contents)),
	)

	for i, content := range contents {
		if i > 0 {
			if err := o.sleep(ctx, o.cfg.WarmupDelay); err != nil {
				report.Skipped = len(contents) - i
				report.Stopped = "canceled"
				return report, err
			}
		}

		_, err := o.call(ctx, monitor.OpWarmup, callerID, content, o.cfg.WarmupCategory, types.Params{})
		if err == nil {
			report.Warmed++
			continue
		}

		var qerr *QuotaExceededError
		if errors.As(err, &qerr) {
			report.Skipped = len(contents) - i
			report.Stopped = "quota_exceeded"
			o.logger.Warn("cache_warmup_stopped",
				zap.String("user_id", callerID),
				zap.Int("warmed", report.Warmed),
				zap.Error(err),
			)
			return report, nil
		}

		report.Failed++
		o.logger.Warn("cache_warmup_item_failed",
			zap.String("user_id", callerID),
			zap.String("content", content),
			zap.Error(err),
		)
	}

	o.logger.Info("cache_warmup_completed",
		zap.String("user_id", callerID),
		zap.Int("warmed", report.Warmed),
		zap.Int("failed", report.Failed),
	)
	return report, nil
}
