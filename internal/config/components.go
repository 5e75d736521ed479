package config

import (
	"aicall-gateway/internal/batcher"
	"aicall-gateway/internal/cache"
	"aicall-gateway/internal/limiter"
	"aicall-gateway/internal/llm"
	"aicall-gateway/internal/monitor"
	"aicall-gateway/internal/optimizer"
	"aicall-gateway/internal/store"
)

func (c *Config) StoreConfig() store.Config {
	return store.Config{
		Backend:       c.Store.Backend,
		RedisAddr:     c.Store.RedisAddr,
		RedisPassword: c.Store.RedisPassword,
		RedisDB:       c.Store.RedisDB,
		Prefix:        c.Store.KeyPrefix,
		DialTimeout:   c.Store.DialTimeout,
	}
}

func (c *Config) LLMConfig() llm.Config {
	return llm.Config{
		BaseURL:         c.Upstream.BaseURL,
		APIKey:          c.Upstream.APIKey,
		Model:           c.Upstream.Model,
		UpstreamTimeout: c.Upstream.Timeout,
		MaxRetries:      c.Upstream.MaxRetries,
		MaxConns:        c.Upstream.MaxConns,
	}
}

func (c *Config) UpstreamConfig() llm.UpstreamConfig {
	return llm.UpstreamConfig{
		SystemPrompts: c.Upstream.SystemPrompts,
		Temperature:   c.Upstream.Temperature,
		TopP:          c.Upstream.TopP,
		MaxTokens:     c.Upstream.MaxTokens,
	}
}

func (c *Config) CacheConfig() cache.Config {
	return cache.Config{
		Enabled:         c.Cache.Enabled,
		LocalTTL:        c.Cache.LocalTTL,
		GenerativeTTL:   c.Cache.GenerativeTTL,
		GeneralTTL:      c.Cache.GeneralTTL,
		LocalMaxEntries: c.Cache.LocalMaxEntries,
		CleanupInterval: c.Cache.CleanupInterval,
		KeyPrefix:       c.Cache.KeyPrefix,
	}
}

func (c *Config) Classifier() cache.Classifier {
	return cache.KeywordClassifier(c.Cache.GenerativeCategories, c.Cache.GenerativeMarkers)
}

func (c *Config) LimiterConfig() limiter.Config {
	return limiter.Config{
		Enabled:           c.RateLimit.Enabled,
		MaxCallsPerWindow: c.RateLimit.MaxCallsPerWindow,
		Window:            c.RateLimit.Window,
		KeyPrefix:         c.RateLimit.KeyPrefix,
	}
}

func (c *Config) BatcherConfig() batcher.Config {
	return batcher.Config{
		GroupingEnabled:     c.Batch.GroupingEnabled,
		MaxBatchSize:        c.Batch.MaxBatchSize,
		MaxConcurrentGroups: c.Batch.MaxConcurrentGroups,
	}
}

func (c *Config) MonitorConfig() monitor.Config {
	mc := monitor.DefaultConfig()
	mc.Enabled = c.Monitoring.Enabled
	mc.DetailedLogging = c.Monitoring.DetailedLogging
	mc.SlowThreshold = c.Monitoring.SlowThreshold
	mc.Retention = c.Monitoring.Retention
	mc.ResetInterval = c.Monitoring.ResetInterval
	mc.KeyPrefix = c.Monitoring.KeyPrefix
	mc.Workers = c.Monitoring.Workers
	mc.QueueSize = c.Monitoring.QueueSize
	return mc
}

func (c *Config) OptimizerConfig() optimizer.Config {
	return optimizer.Config{
		WarmupDelay:    c.Warmup.Delay,
		WarmupContents: c.Warmup.Contents,
		WarmupCategory: c.Warmup.Category,
	}
}

// Features are the optimization switches reported by the global stats.
func (c *Config) Features() map[string]bool {
	return map[string]bool{
		"cache_enabled":          c.Cache.Enabled,
		"rate_limit_enabled":     c.RateLimit.Enabled,
		"batch_grouping_enabled": c.Batch.GroupingEnabled,
		"monitoring_enabled":     c.Monitoring.Enabled,
	}
}
