package cache

import (
	"testing"
	"time"
)

type testClock struct{ t time.Time }

func (c *testClock) now() time.Time          { return c.t }
func (c *testClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newClock() *testClock {
	return &testClock{t: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
}

func TestLocalTier_TTL(t *testing.T) {
	clock := newClock()
	c := newLocalTier(0, time.Hour, clock.now)
	defer c.Close()

	c.Set("test:key", "hello", 20*time.Millisecond)

	got, hit := c.Get("test:key")
	if !hit {
		t.Fatalf("expected hit immediately after Set")
	}
	if got != "hello" {
		t.Fatalf("expected 'hello', got %q", got)
	}

	clock.advance(30 * time.Millisecond)

	if _, hit := c.Get("test:key"); hit {
		t.Fatalf("expected miss after TTL expiry")
	}
	if c.Len() != 0 {
		t.Fatalf("expired entry should be dropped on read, len=%d", c.Len())
	}
}

func TestLocalTier_BoundedSize(t *testing.T) {
	clock := newClock()
	c := newLocalTier(localShards, time.Hour, clock.now) // one entry per shard
	defer c.Close()

	for i := 0; i < 500; i++ {
		c.Set(string(rune('a'+i%26))+time.Duration(i).String(), "v", time.Minute)
	}

	if n := c.Len(); n > localShards {
		t.Fatalf("expected at most %d entries, got %d", localShards, n)
	}
}

func TestLocalTier_Purge(t *testing.T) {
	clock := newClock()
	c := newLocalTier(0, time.Hour, clock.now)
	defer c.Close()

	c.Set("short", "v", time.Second)
	c.Set("long", "v", time.Hour)
	clock.advance(time.Minute)

	if n := c.Purge(); n != 1 {
		t.Fatalf("expected 1 purged entry, got %d", n)
	}
	if _, ok := c.Get("long"); !ok {
		t.Fatalf("unexpired entry must survive purge")
	}
}
