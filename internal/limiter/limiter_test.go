package limiter

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"aicall-gateway/internal/store"
	"aicall-gateway/internal/store/storetest"
)

type testClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *testClock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *testClock) advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func newTestLimiter(t *testing.T, quota int64, window time.Duration) (*Limiter, *testClock) {
	t.Helper()
	// Aligned to a window boundary so "same window" is unambiguous.
	clock := &testClock{t: time.Unix(1_800_000_000, 0).Truncate(window)}
	s := store.NewMemory(time.Hour)
	s.SetClock(clock.now)
	t.Cleanup(func() { s.Close() })

	cfg := Config{Enabled: true, MaxCallsPerWindow: quota, Window: window, KeyPrefix: "rl:"}
	return New(cfg, s, WithClock(clock.now)), clock
}

func TestTryAcquire_QuotaBoundary(t *testing.T) {
	l, clock := newTestLimiter(t, 5, time.Minute)
	ctx := context.Background()

	for i := 1; i <= 5; i++ {
		if !l.TryAcquire(ctx, "u1") {
			t.Fatalf("call %d should be allowed", i)
		}
	}
	if l.TryAcquire(ctx, "u1") {
		t.Fatalf("call 6 should be denied")
	}
	if got := l.Remaining(ctx, "u1"); got != 0 {
		t.Fatalf("expected 0 remaining, got %d", got)
	}

	// Other callers have their own counters.
	if !l.TryAcquire(ctx, "u2") {
		t.Fatalf("u2 should not share u1's quota")
	}

	clock.advance(time.Minute)

	if !l.TryAcquire(ctx, "u1") {
		t.Fatalf("first call of the next window should be allowed")
	}
	if got := l.Remaining(ctx, "u1"); got != 4 {
		t.Fatalf("expected 4 remaining in new window, got %d", got)
	}
}

func TestTryAcquire_BoundaryBurst(t *testing.T) {
	l, clock := newTestLimiter(t, 3, time.Minute)
	ctx := context.Background()

	clock.advance(59 * time.Second)
	for i := 0; i < 3; i++ {
		if !l.TryAcquire(ctx, "u1") {
			t.Fatalf("end-of-window call %d should be allowed", i+1)
		}
	}

	clock.advance(2 * time.Second)
	for i := 0; i < 3; i++ {
		if !l.TryAcquire(ctx, "u1") {
			t.Fatalf("start-of-window call %d should be allowed", i+1)
		}
	}
}

func TestTryAcquire_FailOpen(t *testing.T) {
	down := &storetest.Down{}
	l := New(Config{Enabled: true, MaxCallsPerWindow: 1, Window: time.Minute, KeyPrefix: "rl:"}, down)
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		if !l.TryAcquire(ctx, "u1") {
			t.Fatalf("limiter must fail open when the store is down")
		}
	}
	if got := l.Remaining(ctx, "u1"); got != 1 {
		t.Fatalf("expected full quota reported on store failure, got %d", got)
	}
	if down.Calls.Load() == 0 {
		t.Fatalf("expected the store to be consulted")
	}
}

func TestTryAcquire_Disabled(t *testing.T) {
	down := &storetest.Down{}
	l := New(Config{Enabled: false, MaxCallsPerWindow: 1, Window: time.Minute}, down)

	for i := 0; i < 3; i++ {
		if !l.TryAcquire(context.Background(), "u1") {
			t.Fatalf("disabled limiter must always allow")
		}
	}
	if down.Calls.Load() != 0 {
		t.Fatalf("disabled limiter must not touch the store")
	}
}

func TestTryAcquire_ConcurrentCallersShareQuota(t *testing.T) {
	l, _ := newTestLimiter(t, 50, time.Hour)
	ctx := context.Background()

	var allowed atomic.Int64
	var wg sync.WaitGroup
	for i := 0; i < 200; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if l.TryAcquire(ctx, "shared") {
				allowed.Add(1)
			}
		}()
	}
	wg.Wait()

	if got := allowed.Load(); got != 50 {
		t.Fatalf("expected exactly 50 admissions, got %d", got)
	}
}

func TestResetIn(t *testing.T) {
	l, clock := newTestLimiter(t, 1, time.Minute)

	if got := l.ResetIn(); got != time.Minute {
		t.Fatalf("expected full window at boundary, got %v", got)
	}
	clock.advance(45 * time.Second)
	if got := l.ResetIn(); got != 15*time.Second {
		t.Fatalf("expected 15s, got %v", got)
	}
}

func TestNew_SubMillisecondWindow(t *testing.T) {
	l, _ := newTestLimiter(t, 3, 500*time.Microsecond)

	if got := l.Window(); got != time.Millisecond {
		t.Fatalf("expected window clamped to 1ms, got %v", got)
	}
	if !l.TryAcquire(context.Background(), "u1") {
		t.Fatalf("first call should be allowed")
	}
	if got := l.ResetIn(); got <= 0 || got > time.Millisecond {
		t.Fatalf("unexpected reset hint %v", got)
	}
}
