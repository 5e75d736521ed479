package monitor

import (
	"context"
	"math"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"aicall-gateway/internal/store"
	"aicall-gateway/internal/store/storetest"
)

var fixedNow = time.Date(2026, 3, 1, 9, 30, 0, 0, time.UTC)

func newTestMonitor(t *testing.T, cfg Config, opts ...Option) (*Monitor, *store.Memory) {
	t.Helper()
	s := store.NewMemory(time.Hour)
	s.SetClock(func() time.Time { return fixedNow })
	t.Cleanup(func() { s.Close() })

	opts = append([]Option{WithClock(func() time.Time { return fixedNow })}, opts...)
	m := New(cfg, s, opts...)
	t.Cleanup(func() { m.Close() })
	return m, s
}

func almostEqual(a, b float64) bool {
	return math.Abs(a-b) < 1e-9
}

func TestDerivedMetrics(t *testing.T) {
	m, _ := newTestMonitor(t, DefaultConfig())

	// N=10 calls, K=3 failures, H=4 cache hits.
	for i := 0; i < 10; i++ {
		m.Record(Event{
			CallerID:  "u1",
			Operation: OpCall,
			Latency:   time.Duration(10*(i+1)) * time.Millisecond,
			Success:   i >= 3,
			CacheHit:  i >= 6,
		})
	}

	s := m.UserStats(context.Background(), "u1")
	if s.Session.Calls != 10 {
		t.Fatalf("expected 10 calls, got %d", s.Session.Calls)
	}
	if !almostEqual(s.ErrorRate, 0.3) {
		t.Fatalf("expected error rate 0.3, got %v", s.ErrorRate)
	}
	if !almostEqual(s.CacheHitRate, 0.4) {
		t.Fatalf("expected cache hit rate 0.4, got %v", s.CacheHitRate)
	}
	if !almostEqual(s.AvgLatencyMs, 55) {
		t.Fatalf("expected avg latency 55ms, got %v", s.AvgLatencyMs)
	}
}

func TestDerivedMetrics_ZeroCalls(t *testing.T) {
	var z Totals
	if z.ErrorRate() != 0 || z.CacheHitRate() != 0 || z.AvgLatencyMs() != 0 {
		t.Fatalf("derived metrics must be 0 with no calls: %+v", z.Derived())
	}

	m, _ := newTestMonitor(t, DefaultConfig())
	s := m.UserStats(context.Background(), "nobody")
	if s.ErrorRate != 0 || s.CacheHitRate != 0 || s.AvgLatencyMs != 0 {
		t.Fatalf("unknown caller must report zero rates, got %+v", s.Derived)
	}
}

func TestRecord_WritesSharedAggregates(t *testing.T) {
	m, s := newTestMonitor(t, DefaultConfig())
	ctx := context.Background()

	m.Record(Event{CallerID: "u1", Operation: OpCall, Latency: 120 * time.Millisecond, Success: true, CacheHit: false})
	m.Record(Event{CallerID: "u1", Operation: OpCall, Latency: 30 * time.Millisecond, Success: true, CacheHit: true})
	m.Record(Event{CallerID: "u2", Operation: OpBatch, Latency: 50 * time.Millisecond, Success: false})
	m.Close() // drain

	hour, err := s.HashGetAll(ctx, "ai:stats:hour:2026-03-01-09:u1:call")
	if err != nil {
		t.Fatalf("HashGetAll: %v", err)
	}
	if hour["call_count"] != "2" || hour["total_response_time"] != "150" || hour["cache_hits"] != "1" {
		t.Fatalf("unexpected hour bucket: %v", hour)
	}

	day, _ := s.HashGetAll(ctx, "ai:stats:day:2026-03-01:u2")
	if day["total_calls"] != "1" || day["error_count"] != "1" {
		t.Fatalf("unexpected day bucket: %v", day)
	}

	if ttl := s.TTL("ai:stats:day:2026-03-01:u2"); ttl != 168*time.Hour {
		t.Fatalf("expected retention TTL, got %v", ttl)
	}

	g := m.GlobalStats(ctx)
	if !g.SharedAvailable || g.Today.Calls != 3 || g.UniqueUsers != 2 {
		t.Fatalf("unexpected global stats: %+v", g)
	}
	if g.ActiveCallers != 2 || g.Session.Calls != 3 {
		t.Fatalf("unexpected in-process totals: %+v", g)
	}
}

func TestUserStats_Last24h(t *testing.T) {
	m, s := newTestMonitor(t, DefaultConfig())
	ctx := context.Background()

	// An older hour written directly, as another instance would.
	_ = s.IncrHash(ctx, "ai:stats:hour:2026-03-01-02:u1:batch", map[string]int64{"call_count": 4}, time.Hour)

	m.Record(Event{CallerID: "u1", Operation: OpCall, Latency: time.Millisecond, Success: true})
	m.Close()

	st := m.UserStats(ctx, "u1")
	if !st.SharedAvailable {
		t.Fatalf("expected shared stats")
	}
	if len(st.Last24h) != 24 {
		t.Fatalf("expected 24 hourly buckets, got %d", len(st.Last24h))
	}
	first, last := st.Last24h[0], st.Last24h[23]
	if first.Hour != "2026-02-28-10" || last.Hour != "2026-03-01-09" {
		t.Fatalf("expected oldest-first ordering, got %s..%s", first.Hour, last.Hour)
	}
	if last.Calls != 1 {
		t.Fatalf("expected current hour to hold 1 call, got %d", last.Calls)
	}
	if st.Last24h[16].Hour != "2026-03-01-02" || st.Last24h[16].Calls != 4 {
		t.Fatalf("expected 02:00 bucket with 4 calls, got %+v", st.Last24h[16])
	}
	if st.Today.Calls != 1 {
		t.Fatalf("expected today's day record to hold 1 call, got %d", st.Today.Calls)
	}
}

func TestUserStats_Last24hIncludesForeignOperations(t *testing.T) {
	m, s := newTestMonitor(t, DefaultConfig())
	ctx := context.Background()

	// written by another instance under an operation this one never records
	_ = s.IncrHash(ctx, "ai:stats:hour:2026-03-01-08:u1:render", map[string]int64{"call_count": 2, "error_count": 1}, time.Hour)
	_ = s.IncrHash(ctx, "ai:stats:hour:2026-03-01-08:u1:call", map[string]int64{"call_count": 3}, time.Hour)
	// a different caller whose ID shares the prefix
	_ = s.IncrHash(ctx, "ai:stats:hour:2026-03-01-08:u1:x:call", map[string]int64{"call_count": 7}, time.Hour)
	m.Close()

	st := m.UserStats(ctx, "u1")
	if !st.SharedAvailable {
		t.Fatalf("expected shared stats")
	}
	b := st.Last24h[22]
	if b.Hour != "2026-03-01-08" {
		t.Fatalf("unexpected bucket hour %s", b.Hour)
	}
	if b.Calls != 5 || b.Errors != 1 {
		t.Fatalf("expected 5 calls and 1 error in 08:00, got %+v", b.Totals)
	}
}

func TestRecord_StoreDownStillCountsInProcess(t *testing.T) {
	down := &storetest.Down{}
	m := New(DefaultConfig(), down)

	m.Record(Event{CallerID: "u1", Operation: OpCall, Success: true})
	m.Close()

	st := m.UserStats(context.Background(), "u1")
	if st.Session.Calls != 1 {
		t.Fatalf("expected in-process count with store down, got %d", st.Session.Calls)
	}
	if st.SharedAvailable || st.Last24h != nil {
		t.Fatalf("shared stats must be absent with store down: %+v", st)
	}
	if g := m.GlobalStats(context.Background()); g.SharedAvailable {
		t.Fatalf("global shared stats must be absent with store down")
	}
}

func TestRecord_SlowCall(t *testing.T) {
	core, logs := observer.New(zap.WarnLevel)
	cfg := DefaultConfig()
	cfg.SlowThreshold = 100 * time.Millisecond
	m, _ := newTestMonitor(t, cfg, WithLogger(zap.New(core)))

	m.Record(Event{CallerID: "u1", Operation: OpCall, Latency: 50 * time.Millisecond, Success: true})
	m.Record(Event{CallerID: "u1", Operation: OpCall, Latency: 250 * time.Millisecond, Success: true})

	slow := logs.FilterMessage("slow_ai_call").All()
	if len(slow) != 1 {
		t.Fatalf("expected exactly one slow_ai_call log, got %d", len(slow))
	}
	if got := slow[0].ContextMap()["response_time_ms"]; got != int64(250) {
		t.Fatalf("expected response_time_ms=250, got %v", got)
	}
}

func TestRecord_QueueFullDropsSharedOnly(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Workers = 1
	cfg.QueueSize = 1

	block := make(chan struct{})
	s := &blockingStore{Store: store.NewMemory(time.Hour), block: block}
	m := New(cfg, s)

	for i := 0; i < 20; i++ {
		m.Record(Event{CallerID: "u1", Operation: OpCall, Success: true})
	}
	if m.Dropped() == 0 {
		t.Fatalf("expected dropped events with a blocked writer")
	}
	if got := m.UserStats(context.Background(), "u1").Session.Calls; got != 20 {
		t.Fatalf("in-process count must include dropped events, got %d", got)
	}

	close(block)
	m.Close()
}

func TestReset(t *testing.T) {
	m, _ := newTestMonitor(t, DefaultConfig())

	m.Record(Event{CallerID: "u1", Operation: OpCall, Success: true})
	m.Record(Event{CallerID: "u2", Operation: OpCall, Success: true})

	if prev := m.Reset(); prev.Calls != 2 {
		t.Fatalf("expected reset to report 2 calls, got %d", prev.Calls)
	}
	if got := m.UserStats(context.Background(), "u1").Session.Calls; got != 0 {
		t.Fatalf("expected empty accumulators after reset, got %d", got)
	}
}

func TestRecord_Concurrent(t *testing.T) {
	m, _ := newTestMonitor(t, DefaultConfig())

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 20; j++ {
				m.Record(Event{CallerID: "u1", Operation: OpCall, Success: true, CacheHit: j%2 == 0})
			}
		}()
	}
	wg.Wait()

	st := m.UserStats(context.Background(), "u1")
	if st.Session.Calls != 1000 || st.Session.CacheHits != 500 {
		t.Fatalf("lost updates: %+v", st.Session)
	}
}

func TestRecord_Disabled(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Enabled = false
	m, _ := newTestMonitor(t, cfg)

	m.Record(Event{CallerID: "u1", Operation: OpCall})
	if got := m.UserStats(context.Background(), "u1").Session.Calls; got != 0 {
		t.Fatalf("disabled monitor must not count, got %d", got)
	}
}

// blockingStore stalls every hash write until block is closed.
type blockingStore struct {
	store.Store
	block chan struct{}
}

func (b *blockingStore) IncrHash(ctx context.Context, key string, deltas map[string]int64, ttl time.Duration) error {
	<-b.block
	return b.Store.IncrHash(ctx, key, deltas, ttl)
}
