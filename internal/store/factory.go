package store

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	BackendMemory = "memory"
	BackendRedis  = "redis"
)

type Config struct {
	Backend       string
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	Prefix        string
	DialTimeout   time.Duration
}

// New builds the configured backend. For Redis it pings once so a
// misconfigured address fails at startup instead of silently degrading every
// cache lookup to a miss.
func New(ctx context.Context, cfg Config) (Store, error) {
	switch cfg.Backend {
	case BackendRedis:
		client := redis.NewClient(&redis.Options{
			Addr:        cfg.RedisAddr,
			Password:    cfg.RedisPassword,
			DB:          cfg.RedisDB,
			DialTimeout: cfg.DialTimeout,
		})
		s := NewRedis(client, RedisConfig{Prefix: cfg.Prefix})
		if err := s.Ping(ctx); err != nil {
			_ = client.Close()
			return nil, fmt.Errorf("connect redis %s: %w", cfg.RedisAddr, err)
		}
		return s, nil
	case BackendMemory, "":
		return NewMemory(time.Minute), nil
	default:
		return nil, fmt.Errorf("unknown store backend %q", cfg.Backend)
	}
}
