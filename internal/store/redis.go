package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// incrScript collapses INCR + first-write PEXPIRE into one atomic step so a
// crash between the two can never leave a counter without a TTL.
var incrScript = redis.NewScript(`
local n = redis.call("INCR", KEYS[1])
if n == 1 and tonumber(ARGV[1]) > 0 then
	redis.call("PEXPIRE", KEYS[1], ARGV[1])
end
return n
`)

// Redis implements Store on top of a go-redis client.
type Redis struct {
	client    redis.UniversalClient
	prefix    string
	scanCount int64
}

type RedisConfig struct {
	// Prefix namespaces every key, e.g. "aicall". Empty means no namespace.
	Prefix string
	// ScanCount is the COUNT hint used when enumerating keys.
	ScanCount int64
}

// NewRedis creates a Redis-backed store.
func NewRedis(client redis.UniversalClient, config RedisConfig) *Redis {
	if config.ScanCount <= 0 {
		config.ScanCount = 100
	}
	return &Redis{
		client:    client,
		prefix:    config.Prefix,
		scanCount: config.ScanCount,
	}
}

// key builds the final Redis key with prefix.
func (r *Redis) key(k string) string {
	if r.prefix == "" {
		return k
	}
	return r.prefix + ":" + k
}

func (r *Redis) Get(ctx context.Context, key string) (string, bool, error) {
	res, err := r.client.Get(ctx, r.key(key)).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, opError("get", err)
	}
	return res, true, nil
}

// Set stores value with ttl. A ttl <= 0 stores without expiry.
func (r *Redis) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	if ttl < 0 {
		ttl = 0
	}
	return opError("set", r.client.Set(ctx, r.key(key), value, ttl).Err())
}

func (r *Redis) IncrWithTTL(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	n, err := incrScript.Run(ctx, r.client, []string{r.key(key)}, ttl.Milliseconds()).Int64()
	if err != nil {
		return 0, opError("incr", err)
	}
	return n, nil
}

func (r *Redis) IncrHash(ctx context.Context, key string, deltas map[string]int64, ttl time.Duration) error {
	k := r.key(key)
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for field, d := range deltas {
			pipe.HIncrBy(ctx, k, field, d)
		}
		if ttl > 0 {
			pipe.Expire(ctx, k, ttl)
		}
		return nil
	})
	return opError("hincrby", err)
}

func (r *Redis) HashGetAll(ctx context.Context, key string) (map[string]string, error) {
	res, err := r.client.HGetAll(ctx, r.key(key)).Result()
	if err != nil {
		return nil, opError("hgetall", err)
	}
	return res, nil
}

// Keys enumerates with SCAN rather than KEYS so large keyspaces do not block
// the server. Returned keys have the store namespace stripped.
func (r *Redis) Keys(ctx context.Context, prefix string) ([]string, error) {
	pattern := escapeGlob(r.key(prefix)) + "*"

	var (
		keys   []string
		cursor uint64
	)
	for {
		batch, next, err := r.client.Scan(ctx, cursor, pattern, r.scanCount).Result()
		if err != nil {
			return nil, opError("scan", err)
		}
		for _, k := range batch {
			keys = append(keys, r.unprefix(k))
		}
		cursor = next
		if cursor == 0 {
			break
		}
	}
	return keys, nil
}

func (r *Redis) unprefix(k string) string {
	if r.prefix == "" {
		return k
	}
	return strings.TrimPrefix(k, r.prefix+":")
}

func (r *Redis) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	full := make([]string, len(keys))
	for i, k := range keys {
		full[i] = r.key(k)
	}
	return opError("del", r.client.Del(ctx, full...).Err())
}

func (r *Redis) Ping(ctx context.Context) error {
	if err := r.client.Ping(ctx).Err(); err != nil {
		return opError("ping", fmt.Errorf("redis ping: %w", err))
	}
	return nil
}

func (r *Redis) Close() error {
	return r.client.Close()
}

// escapeGlob escapes SCAN MATCH metacharacters in a literal prefix.
func escapeGlob(s string) string {
	var b strings.Builder
	for _, c := range s {
		switch c {
		case '*', '?', '[', ']', '\\':
			b.WriteByte('\\')
		}
		b.WriteRune(c)
	}
	return b.String()
}

var _ Store = (*Redis)(nil)
