package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"aicall-gateway/internal/batcher"
	"aicall-gateway/internal/cache"
	"aicall-gateway/internal/limiter"
	"aicall-gateway/internal/llm"
	"aicall-gateway/internal/monitor"
	"aicall-gateway/internal/optimizer"
	"aicall-gateway/internal/store"
)

// Config is the gateway configuration. Load fills it from YAML on top of
// Default; ApplyEnv then overrides the deployment-specific fields.
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Log        LogConfig        `yaml:"log"`
	Store      StoreConfig      `yaml:"store"`
	Upstream   UpstreamConfig   `yaml:"upstream"`
	Cache      CacheConfig      `yaml:"cache"`
	RateLimit  RateLimitConfig  `yaml:"rate_limit"`
	Batch      BatchConfig      `yaml:"batch"`
	Monitoring MonitoringConfig `yaml:"monitoring"`
	Warmup     WarmupConfig     `yaml:"warmup"`
}

type ServerConfig struct {
	Port            string        `yaml:"port"`
	RequestTimeout  time.Duration `yaml:"request_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	MaxBodyBytes    int64         `yaml:"max_body_bytes"`
}

type LogConfig struct {
	Env   string `yaml:"env"`
	Level string `yaml:"level"`
}

type StoreConfig struct {
	Backend       string        `yaml:"backend"` // memory | redis
	RedisAddr     string        `yaml:"redis_addr"`
	RedisPassword string        `yaml:"redis_password"`
	RedisDB       int           `yaml:"redis_db"`
	KeyPrefix     string        `yaml:"key_prefix"`
	DialTimeout   time.Duration `yaml:"dial_timeout"`
}

type UpstreamConfig struct {
	BaseURL     string        `yaml:"base_url"`
	APIKey      string        `yaml:"api_key"`
	Model       string        `yaml:"model"`
	Timeout     time.Duration `yaml:"timeout"`
	MaxRetries  int           `yaml:"max_retries"`
	MaxConns    int           `yaml:"max_conns"`
	Temperature float64       `yaml:"temperature"`
	TopP        float64       `yaml:"top_p"`
	MaxTokens   int           `yaml:"max_tokens"`
	// SystemPrompts maps a category to its prompt template.
	SystemPrompts map[string]string `yaml:"system_prompts"`
}

type CacheConfig struct {
	Enabled         bool          `yaml:"enabled"`
	LocalTTL        time.Duration `yaml:"local_ttl"`
	GenerativeTTL   time.Duration `yaml:"generative_ttl"`
	GeneralTTL      time.Duration `yaml:"general_ttl"`
	LocalMaxEntries int           `yaml:"local_max_entries"`
	CleanupInterval time.Duration `yaml:"cleanup_interval"`
	KeyPrefix       string        `yaml:"key_prefix"`
	// GenerativeCategories and GenerativeMarkers drive the TTL classifier.
	GenerativeCategories []string `yaml:"generative_categories"`
	GenerativeMarkers    []string `yaml:"generative_markers"`
}

type RateLimitConfig struct {
	Enabled           bool          `yaml:"enabled"`
	MaxCallsPerWindow int64         `yaml:"max_calls_per_window"`
	Window            time.Duration `yaml:"window"`
	KeyPrefix         string        `yaml:"key_prefix"`
}

type BatchConfig struct {
	GroupingEnabled     bool `yaml:"grouping_enabled"`
	MaxBatchSize        int  `yaml:"max_batch_size"`
	MaxConcurrentGroups int  `yaml:"max_concurrent_groups"`
}

type MonitoringConfig struct {
	Enabled         bool          `yaml:"enabled"`
	DetailedLogging bool          `yaml:"detailed_logging"`
	SlowThreshold   time.Duration `yaml:"slow_threshold"`
	Retention       time.Duration `yaml:"retention"`
	ResetInterval   time.Duration `yaml:"reset_interval"`
	KeyPrefix       string        `yaml:"key_prefix"`
	Workers         int           `yaml:"workers"`
	QueueSize       int           `yaml:"queue_size"`
}

type WarmupConfig struct {
	Delay    time.Duration `yaml:"delay"`
	Category string        `yaml:"category"`
	Contents []string      `yaml:"contents"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	up := llm.DefaultUpstreamConfig()
	cc := cache.DefaultConfig()
	lc := limiter.DefaultConfig()
	bc := batcher.DefaultConfig()
	mc := monitor.DefaultConfig()
	oc := optimizer.DefaultConfig()

	return &Config{
		Server: ServerConfig{
			Port:            "8080",
			RequestTimeout:  60 * time.Second,
			ShutdownTimeout: 10 * time.Second,
			MaxBodyBytes:    512 * 1024,
		},
		Store: StoreConfig{
			Backend:     store.BackendMemory,
			RedisAddr:   "127.0.0.1:6379",
			DialTimeout: 5 * time.Second,
		},
		Upstream: UpstreamConfig{
			BaseURL:       "https://api.openai.com",
			Model:         "gpt-4o-mini",
			Timeout:       30 * time.Second,
			MaxRetries:    2,
			MaxConns:      32,
			Temperature:   up.Temperature,
			TopP:          up.TopP,
			SystemPrompts: up.SystemPrompts,
		},
		Cache: CacheConfig{
			Enabled:              cc.Enabled,
			LocalTTL:             cc.LocalTTL,
			GenerativeTTL:        cc.GenerativeTTL,
			GeneralTTL:           cc.GeneralTTL,
			LocalMaxEntries:      cc.LocalMaxEntries,
			CleanupInterval:      cc.CleanupInterval,
			KeyPrefix:            cc.KeyPrefix,
			GenerativeCategories: []string{"prompt", "generate"},
			GenerativeMarkers:    []string{"generate", "model", "3D模型描述"},
		},
		RateLimit: RateLimitConfig{
			Enabled:           lc.Enabled,
			MaxCallsPerWindow: lc.MaxCallsPerWindow,
			Window:            lc.Window,
			KeyPrefix:         lc.KeyPrefix,
		},
		Batch: BatchConfig{
			GroupingEnabled:     bc.GroupingEnabled,
			MaxBatchSize:        bc.MaxBatchSize,
			MaxConcurrentGroups: bc.MaxConcurrentGroups,
		},
		Monitoring: MonitoringConfig{
			Enabled:       mc.Enabled,
			SlowThreshold: mc.SlowThreshold,
			Retention:     mc.Retention,
			ResetInterval: mc.ResetInterval,
			KeyPrefix:     mc.KeyPrefix,
			Workers:       mc.Workers,
			QueueSize:     mc.QueueSize,
		},
		Warmup: WarmupConfig{
			Delay:    oc.WarmupDelay,
			Category: oc.WarmupCategory,
			Contents: oc.WarmupContents,
		},
	}
}

// Load reads a YAML config file, expanding ${VAR} references, on top of
// Default.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	expanded := os.ExpandEnv(string(data))

	cfg := Default()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	return cfg, nil
}

// ApplyEnv overrides fields from the environment. Unset variables leave the
// current value in place.
func (c *Config) ApplyEnv() error {
	c.Server.Port = getenv("PORT", c.Server.Port)
	c.Log.Env = getenv("ENV", c.Log.Env)
	c.Log.Level = getenv("LOG_LEVEL", c.Log.Level)
	c.Store.Backend = getenv("STORE_BACKEND", c.Store.Backend)
	c.Store.RedisAddr = getenv("REDIS_ADDR", c.Store.RedisAddr)
	c.Store.RedisPassword = getenv("REDIS_PASSWORD", c.Store.RedisPassword)
	c.Upstream.BaseURL = getenv("LLM_BASE_URL", c.Upstream.BaseURL)
	c.Upstream.APIKey = getenv("LLM_API_KEY", c.Upstream.APIKey)
	c.Upstream.Model = getenv("LLM_MODEL", c.Upstream.Model)

	if v := os.Getenv("RATE_LIMIT_MAX_CALLS"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return fmt.Errorf("RATE_LIMIT_MAX_CALLS: %w", err)
		}
		c.RateLimit.MaxCallsPerWindow = n
	}
	return nil
}

// Validate reports every invalid field at once.
func (c *Config) Validate() error {
	var errs []error

	if c.Server.Port == "" {
		errs = append(errs, errors.New("server.port is required"))
	}
	switch c.Store.Backend {
	case store.BackendMemory:
	case store.BackendRedis:
		if c.Store.RedisAddr == "" {
			errs = append(errs, errors.New("store.redis_addr is required for the redis backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("store.backend %q is not one of memory, redis", c.Store.Backend))
	}
	if c.Upstream.BaseURL == "" {
		errs = append(errs, errors.New("upstream.base_url is required"))
	}
	if c.Upstream.Model == "" {
		errs = append(errs, errors.New("upstream.model is required"))
	}
	if c.Cache.Enabled && c.Cache.GenerativeTTL > c.Cache.GeneralTTL {
		errs = append(errs, errors.New("cache.generative_ttl must not exceed cache.general_ttl"))
	}
	if c.Cache.Enabled && c.Cache.LocalTTL <= 0 {
		errs = append(errs, errors.New("cache.local_ttl must be positive"))
	}
	if c.RateLimit.Enabled {
		if c.RateLimit.MaxCallsPerWindow <= 0 {
			errs = append(errs, errors.New("rate_limit.max_calls_per_window must be positive"))
		}
		if c.RateLimit.Window < time.Millisecond {
			errs = append(errs, errors.New("rate_limit.window must be at least 1ms"))
		}
	}
	if c.Batch.MaxBatchSize < 0 {
		errs = append(errs, errors.New("batch.max_batch_size must not be negative"))
	}
	if c.Monitoring.Enabled && c.Monitoring.Retention <= 0 {
		errs = append(errs, errors.New("monitoring.retention must be positive"))
	}

	return errors.Join(errs...)
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
