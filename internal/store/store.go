package store

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrUnavailable is matched (via errors.Is) by every error a Store returns.
// Callers in the cache, limiter and monitor treat it as "absent / no-op".
var ErrUnavailable = errors.New("store: unavailable")

// Store is the shared key/value store reachable by every gateway instance.
// Implemented by the in-memory store (dev, tests) and Redis (prod).
type Store interface {
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string, ttl time.Duration) error

	// IncrWithTTL atomically increments key and applies ttl only when the
	// increment created the counter (result == 1).
	IncrWithTTL(ctx context.Context, key string, ttl time.Duration) (int64, error)

	// IncrHash adds every delta to the matching hash field and refreshes
	// the hash TTL.
	IncrHash(ctx context.Context, key string, deltas map[string]int64, ttl time.Duration) error
	HashGetAll(ctx context.Context, key string) (map[string]string, error)

	// Keys lists keys starting with prefix.
	Keys(ctx context.Context, prefix string) ([]string, error)
	Delete(ctx context.Context, keys ...string) error
	Ping(ctx context.Context) error
	Close() error
}

// OpError wraps a backend failure with the failing operation.
type OpError struct {
	Op  string
	Err error
}

func (e *OpError) Error() string {
	return fmt.Sprintf("store %s failed: %v", e.Op, e.Err)
}

func (e *OpError) Unwrap() error { return e.Err }

func (e *OpError) Is(target error) bool { return target == ErrUnavailable }

func opError(op string, err error) error {
	if err == nil {
		return nil
	}
	return &OpError{Op: op, Err: err}
}
