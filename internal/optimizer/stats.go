package optimizer

import (
	"context"

	"aicall-gateway/internal/cache"
	"aicall-gateway/internal/monitor"
)

type UserStats struct {
	RemainingCalls int64 `json:"remaining_calls"`
	Quota          int64 `json:"quota"`
	ResetInSeconds int64 `json:"reset_in_seconds"`
	monitor.UserStats
}

type RateLimitSummary struct {
	Enabled       bool  `json:"enabled"`
	Quota         int64 `json:"max_calls_per_window"`
	WindowSeconds int64 `json:"window_seconds"`
}

type GlobalStats struct {
	monitor.GlobalStats
	Cache     cache.Stats      `json:"cache"`
	RateLimit RateLimitSummary `json:"rate_limit"`
}

// UserStats reports the caller's remaining quota alongside its recorded
// call statistics.
func (o *Optimizer) UserStats(ctx context.Context, callerID string) UserStats {
	return UserStats{
		RemainingCalls: o.limiter.Remaining(ctx, callerID),
		Quota:          o.limiter.Quota(),
		ResetInSeconds: int64(o.limiter.ResetIn().Seconds()),
		UserStats:      o.monitor.UserStats(ctx, callerID),
	}
}

func (o *Optimizer) GlobalStats(ctx context.Context) GlobalStats {
	return GlobalStats{
		GlobalStats: o.monitor.GlobalStats(ctx),
		Cache:       o.cache.Stats(ctx),
		RateLimit: RateLimitSummary{
			Enabled:       o.limiter.Enabled(),
			Quota:         o.limiter.Quota(),
			WindowSeconds: int64(o.limiter.Window().Seconds()),
		},
	}
}
