package monitor

import (
	"sync"
	"sync/atomic"
	"time"
)

type statKey struct {
	caller    string
	operation string
}

type accumulator struct {
	calls     atomic.Int64
	latencyMs atomic.Int64
	errors    atomic.Int64
	hits      atomic.Int64
	misses    atomic.Int64
}

func (a *accumulator) add(e Event) {
	a.calls.Add(1)
	a.latencyMs.Add(e.Latency.Milliseconds())
	if !e.Success {
		a.errors.Add(1)
	}
	if e.CacheHit {
		a.hits.Add(1)
	} else {
		a.misses.Add(1)
	}
}

func (a *accumulator) snapshot() Totals {
	return Totals{
		Calls:          a.calls.Load(),
		TotalLatencyMs: a.latencyMs.Load(),
		Errors:         a.errors.Load(),
		CacheHits:      a.hits.Load(),
		CacheMisses:    a.misses.Load(),
	}
}

// table is one reset cycle worth of accumulators. It is replaced wholesale
// on reset; increments racing with the swap may land in the old table.
type table struct {
	startedAt time.Time
	m         sync.Map // statKey -> *accumulator
}

func newTable(now time.Time) *table {
	return &table{startedAt: now}
}

func (t *table) get(k statKey) *accumulator {
	if v, ok := t.m.Load(k); ok {
		return v.(*accumulator)
	}
	v, _ := t.m.LoadOrStore(k, &accumulator{})
	return v.(*accumulator)
}

// Totals is a set of raw counters with the derived metrics computed on read.
type Totals struct {
	Calls          int64 `json:"call_count"`
	TotalLatencyMs int64 `json:"total_response_time_ms"`
	Errors         int64 `json:"error_count"`
	CacheHits      int64 `json:"cache_hits"`
	CacheMisses    int64 `json:"cache_misses"`
}

func (t Totals) add(o Totals) Totals {
	return Totals{
		Calls:          t.Calls + o.Calls,
		TotalLatencyMs: t.TotalLatencyMs + o.TotalLatencyMs,
		Errors:         t.Errors + o.Errors,
		CacheHits:      t.CacheHits + o.CacheHits,
		CacheMisses:    t.CacheMisses + o.CacheMisses,
	}
}

// AvgLatencyMs is 0 when no call was recorded.
func (t Totals) AvgLatencyMs() float64 {
	if t.Calls == 0 {
		return 0
	}
	return float64(t.TotalLatencyMs) / float64(t.Calls)
}

// ErrorRate is 0 when no call was recorded.
func (t Totals) ErrorRate() float64 {
	if t.Calls == 0 {
		return 0
	}
	return float64(t.Errors) / float64(t.Calls)
}

// CacheHitRate is hits/(hits+misses), 0 when both are 0.
func (t Totals) CacheHitRate() float64 {
	lookups := t.CacheHits + t.CacheMisses
	if lookups == 0 {
		return 0
	}
	return float64(t.CacheHits) / float64(lookups)
}

// Derived holds the computed rates for JSON output.
type Derived struct {
	AvgLatencyMs float64 `json:"avg_response_time_ms"`
	ErrorRate    float64 `json:"error_rate"`
	CacheHitRate float64 `json:"cache_hit_rate"`
}

func (t Totals) Derived() Derived {
	return Derived{
		AvgLatencyMs: t.AvgLatencyMs(),
		ErrorRate:    t.ErrorRate(),
		CacheHitRate: t.CacheHitRate(),
	}
}
