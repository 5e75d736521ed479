package cache

import (
	"hash/fnv"
	"sync"
	"time"
)

const localShards = 32

type localEntry struct {
	value     string
	expiresAt time.Time
}

type localShard struct {
	mu    sync.RWMutex
	items map[string]localEntry
}

// LocalTier is the in-process hot tier. Keys are spread over independently
// locked shards so concurrent lookups of different fingerprints never
// contend on one mutex.
type LocalTier struct {
	shards      [localShards]*localShard
	maxPerShard int

	now func() time.Time

	stopCleanup     chan struct{}
	cleanupOnce     sync.Once
	cleanupInterval time.Duration
}

// NewLocalTier creates the local tier. maxEntries <= 0 disables the size
// bound; cleanupInterval <= 0 defaults to 5 minutes.
func NewLocalTier(maxEntries int, cleanupInterval time.Duration) *LocalTier {
	return newLocalTier(maxEntries, cleanupInterval, time.Now)
}

func newLocalTier(maxEntries int, cleanupInterval time.Duration, now func() time.Time) *LocalTier {
	if cleanupInterval <= 0 {
		cleanupInterval = 5 * time.Minute
	}

	t := &LocalTier{
		now:             now,
		stopCleanup:     make(chan struct{}),
		cleanupInterval: cleanupInterval,
	}
	if maxEntries > 0 {
		t.maxPerShard = (maxEntries + localShards - 1) / localShards
	}
	for i := range t.shards {
		t.shards[i] = &localShard{items: make(map[string]localEntry)}
	}

	go t.cleanupLoop()

	return t
}

func (t *LocalTier) shard(key string) *localShard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return t.shards[h.Sum32()%localShards]
}

// Get returns the value if present and not locally expired.
func (t *LocalTier) Get(key string) (string, bool) {
	s := t.shard(key)

	s.mu.RLock()
	entry, ok := s.items[key]
	s.mu.RUnlock()

	if !ok {
		return "", false
	}

	now := t.now()
	if now.After(entry.expiresAt) {
		s.mu.Lock()
		if e, exists := s.items[key]; exists && now.After(e.expiresAt) {
			delete(s.items, key)
		}
		s.mu.Unlock()
		return "", false
	}

	return entry.value, true
}

// Set stores value for ttl. A ttl <= 0 removes the key.
func (t *LocalTier) Set(key, value string, ttl time.Duration) {
	s := t.shard(key)

	if ttl <= 0 {
		s.mu.Lock()
		delete(s.items, key)
		s.mu.Unlock()
		return
	}

	now := t.now()

	s.mu.Lock()
	if _, exists := s.items[key]; !exists && t.maxPerShard > 0 && len(s.items) >= t.maxPerShard {
		s.evictLocked(now)
	}
	s.items[key] = localEntry{value: value, expiresAt: now.Add(ttl)}
	s.mu.Unlock()
}

// evictLocked drops expired entries, and if none were expired the entry
// closest to expiry. Caller must hold s.mu.
func (s *localShard) evictLocked(now time.Time) {
	var (
		victim   string
		earliest time.Time
		removed  bool
	)
	for k, e := range s.items {
		if now.After(e.expiresAt) {
			delete(s.items, k)
			removed = true
			continue
		}
		if victim == "" || e.expiresAt.Before(earliest) {
			victim, earliest = k, e.expiresAt
		}
	}
	if !removed && victim != "" {
		delete(s.items, victim)
	}
}

// Purge removes expired entries and returns how many were dropped.
func (t *LocalTier) Purge() int {
	now := t.now()
	n := 0
	for _, s := range t.shards {
		s.mu.Lock()
		for k, e := range s.items {
			if now.After(e.expiresAt) {
				delete(s.items, k)
				n++
			}
		}
		s.mu.Unlock()
	}
	return n
}

func (t *LocalTier) cleanupLoop() {
	ticker := time.NewTicker(t.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			t.Purge()
		case <-t.stopCleanup:
			return
		}
	}
}

// Close stops the cleanup goroutine.
func (t *LocalTier) Close() error {
	t.cleanupOnce.Do(func() {
		close(t.stopCleanup)
	})
	return nil
}

// Len returns the number of entries, expired ones included until purged.
func (t *LocalTier) Len() int {
	n := 0
	for _, s := range t.shards {
		s.mu.RLock()
		n += len(s.items)
		s.mu.RUnlock()
	}
	return n
}

// Clear removes all entries.
func (t *LocalTier) Clear() {
	for _, s := range t.shards {
		s.mu.Lock()
		s.items = make(map[string]localEntry)
		s.mu.Unlock()
	}
}
