package store

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"sync"
	"time"
)

var errWrongType = errors.New("operation against a key holding the wrong kind of value")

type memoryEntry struct {
	value     string
	hash      map[string]int64
	expiresAt time.Time // zero means no expiry
}

func (e memoryEntry) expired(now time.Time) bool {
	return !e.expiresAt.IsZero() && now.After(e.expiresAt)
}

// Memory is a process-local Store. It is only "shared" between goroutines of
// one process, which is enough for a single instance and for tests.
type Memory struct {
	mu              sync.Mutex
	items           map[string]memoryEntry
	now             func() time.Time
	stopCleanup     chan struct{}
	cleanupOnce     sync.Once
	cleanupInterval time.Duration
}

// NewMemory creates an in-memory store. A cleanupInterval <= 0 defaults to
// one minute.
func NewMemory(cleanupInterval time.Duration) *Memory {
	if cleanupInterval <= 0 {
		cleanupInterval = time.Minute
	}

	m := &Memory{
		items:           make(map[string]memoryEntry),
		now:             time.Now,
		stopCleanup:     make(chan struct{}),
		cleanupInterval: cleanupInterval,
	}

	go m.cleanupExpired()

	return m
}

// SetClock replaces the time source. Tests use it to move past TTLs.
func (m *Memory) SetClock(now func() time.Time) {
	m.mu.Lock()
	m.now = now
	m.mu.Unlock()
}

// lookup returns the live entry for key, dropping it if expired.
// Caller must hold m.mu.
func (m *Memory) lookup(key string) (memoryEntry, bool) {
	e, ok := m.items[key]
	if !ok {
		return memoryEntry{}, false
	}
	if e.expired(m.now()) {
		delete(m.items, key)
		return memoryEntry{}, false
	}
	return e, true
}

func (m *Memory) expiry(ttl time.Duration) time.Time {
	if ttl <= 0 {
		return time.Time{}
	}
	return m.now().Add(ttl)
}

func (m *Memory) Get(ctx context.Context, key string) (string, bool, error) {
	if err := ctx.Err(); err != nil {
		return "", false, opError("get", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.lookup(key)
	if !ok {
		return "", false, nil
	}
	if e.hash != nil {
		return "", false, opError("get", errWrongType)
	}
	return e.value, true, nil
}

func (m *Memory) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	if err := ctx.Err(); err != nil {
		return opError("set", err)
	}

	m.mu.Lock()
	m.items[key] = memoryEntry{value: value, expiresAt: m.expiry(ttl)}
	m.mu.Unlock()
	return nil
}

func (m *Memory) IncrWithTTL(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, opError("incr", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.lookup(key)
	if e.hash != nil {
		return 0, opError("incr", errWrongType)
	}

	var n int64
	if ok {
		parsed, err := strconv.ParseInt(e.value, 10, 64)
		if err != nil {
			return 0, opError("incr", err)
		}
		n = parsed
	}
	n++

	if n == 1 {
		e.expiresAt = m.expiry(ttl)
	}
	e.value = strconv.FormatInt(n, 10)
	m.items[key] = e

	return n, nil
}

func (m *Memory) IncrHash(ctx context.Context, key string, deltas map[string]int64, ttl time.Duration) error {
	if err := ctx.Err(); err != nil {
		return opError("hincrby", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.lookup(key)
	if ok && e.hash == nil {
		return opError("hincrby", errWrongType)
	}
	if !ok {
		e = memoryEntry{hash: make(map[string]int64, len(deltas))}
	}
	for field, d := range deltas {
		e.hash[field] += d
	}
	if ttl > 0 {
		e.expiresAt = m.expiry(ttl)
	}
	m.items[key] = e

	return nil
}

func (m *Memory) HashGetAll(ctx context.Context, key string) (map[string]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, opError("hgetall", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	out := make(map[string]string)
	e, ok := m.lookup(key)
	if !ok {
		return out, nil
	}
	if e.hash == nil {
		return nil, opError("hgetall", errWrongType)
	}
	for field, v := range e.hash {
		out[field] = strconv.FormatInt(v, 10)
	}
	return out, nil
}

func (m *Memory) Keys(ctx context.Context, prefix string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, opError("keys", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	var keys []string
	for k, e := range m.items {
		if e.expired(now) || !strings.HasPrefix(k, prefix) {
			continue
		}
		keys = append(keys, k)
	}
	return keys, nil
}

func (m *Memory) Delete(ctx context.Context, keys ...string) error {
	if err := ctx.Err(); err != nil {
		return opError("del", err)
	}

	m.mu.Lock()
	for _, k := range keys {
		delete(m.items, k)
	}
	m.mu.Unlock()
	return nil
}

func (m *Memory) Ping(ctx context.Context) error {
	return opError("ping", ctx.Err())
}

// TTL reports the remaining lifetime of key (0 when missing or persistent).
func (m *Memory) TTL(key string) time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.lookup(key)
	if !ok || e.expiresAt.IsZero() {
		return 0
	}
	return e.expiresAt.Sub(m.now())
}

// cleanupExpired runs periodically to remove expired entries.
func (m *Memory) cleanupExpired() {
	ticker := time.NewTicker(m.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.mu.Lock()
			now := m.now()
			for k, e := range m.items {
				if e.expired(now) {
					delete(m.items, k)
				}
			}
			m.mu.Unlock()
		case <-m.stopCleanup:
			return
		}
	}
}

// Close stops the cleanup goroutine.
func (m *Memory) Close() error {
	m.cleanupOnce.Do(func() {
		close(m.stopCleanup)
	})
	return nil
}

var _ Store = (*Memory)(nil)
