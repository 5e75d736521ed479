package monitor

import (
	"context"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
)

// HourBucket is one hour of a caller's shared aggregates, summed over
// operations.
type HourBucket struct {
	Hour string `json:"hour"`
	Totals
}

type UserStats struct {
	CallerID string `json:"user_id"`

	// Session holds this process's counters since the last reset; the
	// derived rates are computed from it.
	Session    Totals            `json:"session"`
	Operations map[string]Totals `json:"operations"`
	Derived

	Today   Totals       `json:"today"`
	Last24h []HourBucket `json:"last_24h"`

	// SharedAvailable is false when the store could not be read; Today and
	// Last24h are then empty.
	SharedAvailable bool      `json:"shared_available"`
	WindowStartedAt time.Time `json:"window_started_at"`
}

type ConfigSummary struct {
	SlowThresholdMs      int64 `json:"slow_threshold_ms"`
	RetentionHours       int64 `json:"retention_hours"`
	ResetIntervalSeconds int64 `json:"reset_interval_seconds"`
	DetailedLogging      bool  `json:"detailed_logging"`
}

type GlobalStats struct {
	Date        string `json:"date"`
	Today       Totals `json:"today"`
	UniqueUsers int64  `json:"unique_users"`

	Session       Totals `json:"session"`
	ActiveCallers int    `json:"active_callers"`
	Derived

	Features map[string]bool `json:"features"`
	Config   ConfigSummary   `json:"config"`

	SharedAvailable bool      `json:"shared_available"`
	WindowStartedAt time.Time `json:"window_started_at"`
	DroppedEvents   int64     `json:"dropped_events"`
}

func parseInt(h map[string]string, field string) int64 {
	n, _ := strconv.ParseInt(h[field], 10, 64)
	return n
}

func parseTotals(h map[string]string, callsField string) Totals {
	return Totals{
		Calls:          parseInt(h, callsField),
		TotalLatencyMs: parseInt(h, "total_response_time"),
		Errors:         parseInt(h, "error_count"),
		CacheHits:      parseInt(h, "cache_hits"),
		CacheMisses:    parseInt(h, "cache_misses"),
	}
}

// hourTotals sums every operation recorded for caller in hour, including
// operations written by other instances.
func (m *Monitor) hourTotals(ctx context.Context, hour, callerID string) (Totals, error) {
	prefix := m.hourKey(hour, callerID, "")
	keys, err := m.store.Keys(ctx, prefix)
	if err != nil {
		return Totals{}, err
	}

	var total Totals
	for _, k := range keys {
		// skip callers whose ID extends this one past a colon
		if strings.Contains(k[len(prefix):], ":") {
			continue
		}
		h, err := m.store.HashGetAll(ctx, k)
		if err != nil {
			return Totals{}, err
		}
		total = total.add(parseTotals(h, "call_count"))
	}
	return total, nil
}

// UserStats merges the caller's in-process counters with today's day
// aggregate and the last 24 hourly aggregates, oldest first.
func (m *Monitor) UserStats(ctx context.Context, callerID string) UserStats {
	t := m.current.Load()
	out := UserStats{
		CallerID:        callerID,
		Operations:      make(map[string]Totals),
		WindowStartedAt: t.startedAt,
	}

	t.m.Range(func(k, v any) bool {
		key := k.(statKey)
		if key.caller != callerID {
			return true
		}
		snap := v.(*accumulator).snapshot()
		out.Operations[key.operation] = snap
		out.Session = out.Session.add(snap)
		return true
	})
	out.Derived = out.Session.Derived()

	now := m.now()
	day, err := m.store.HashGetAll(ctx, m.dayKey(now.Format(dayLayout), callerID))
	if err != nil {
		m.logger.Warn("stats_read_failed", zap.String("bucket", "day"), zap.Error(err))
		return out
	}
	out.Today = parseTotals(day, "total_calls")

	buckets := make([]HourBucket, 0, 24)
	for i := 23; i >= 0; i-- {
		hour := now.Add(-time.Duration(i) * time.Hour).Format(hourLayout)
		b := HourBucket{Hour: hour}
		totals, err := m.hourTotals(ctx, hour, callerID)
		if err != nil {
			m.logger.Warn("stats_read_failed", zap.String("bucket", "hour"), zap.Error(err))
			out.Today = Totals{}
			return out
		}
		b.Totals = totals
		buckets = append(buckets, b)
	}
	out.Last24h = buckets
	out.SharedAvailable = true
	return out
}

// GlobalStats reports today's global aggregate, this process's totals across
// every caller, and the monitor's configuration.
func (m *Monitor) GlobalStats(ctx context.Context) GlobalStats {
	t := m.current.Load()
	now := m.now()
	out := GlobalStats{
		Date:     now.Format(dayLayout),
		Features: m.features,
		Config: ConfigSummary{
			SlowThresholdMs:      m.cfg.SlowThreshold.Milliseconds(),
			RetentionHours:       int64(m.cfg.Retention / time.Hour),
			ResetIntervalSeconds: int64(m.cfg.ResetInterval / time.Second),
			DetailedLogging:      m.cfg.DetailedLogging,
		},
		WindowStartedAt: t.startedAt,
		DroppedEvents:   m.dropped.Load(),
	}

	callers := make(map[string]struct{})
	t.m.Range(func(k, v any) bool {
		callers[k.(statKey).caller] = struct{}{}
		out.Session = out.Session.add(v.(*accumulator).snapshot())
		return true
	})
	out.ActiveCallers = len(callers)
	out.Derived = out.Session.Derived()

	g, err := m.store.HashGetAll(ctx, m.globalKey(out.Date))
	if err != nil {
		m.logger.Warn("stats_read_failed", zap.String("bucket", "global"), zap.Error(err))
		return out
	}
	out.Today = parseTotals(g, "total_calls")
	out.UniqueUsers = parseInt(g, "unique_users")
	out.SharedAvailable = true
	return out
}
