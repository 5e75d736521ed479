package main

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"aicall-gateway/internal/batcher"
	"aicall-gateway/internal/cache"
	"aicall-gateway/internal/config"
	"aicall-gateway/internal/limiter"
	"aicall-gateway/internal/monitor"
	"aicall-gateway/internal/optimizer"
	"aicall-gateway/internal/store"
	"aicall-gateway/pkg/types"
)

// app holds the wired components so they can be shut down in order.
type app struct {
	store     store.Store
	cache     *cache.ResponseCache
	monitor   *monitor.Monitor
	optimizer *optimizer.Optimizer
}

func newApp(ctx context.Context, cfg *config.Config, logger *zap.Logger, upstream types.UpstreamFunc) (*app, error) {
	st, err := store.New(ctx, cfg.StoreConfig())
	if err != nil {
		return nil, fmt.Errorf("init store: %w", err)
	}
	logger.Info("store_ready", zap.String("backend", cfg.Store.Backend))

	rc := cache.New(cfg.CacheConfig(), st,
		cache.WithClassifier(cfg.Classifier()),
		cache.WithLogger(logger),
	)
	lim := limiter.New(cfg.LimiterConfig(), st, limiter.WithLogger(logger))
	mon := monitor.New(cfg.MonitorConfig(), st,
		monitor.WithLogger(logger),
		monitor.WithFeatures(cfg.Features()),
	)
	bat := batcher.New(cfg.BatcherConfig(), rc, upstream, batcher.WithLogger(logger))

	opt := optimizer.New(cfg.OptimizerConfig(), optimizer.Deps{
		Limiter:  lim,
		Cache:    rc,
		Batcher:  bat,
		Monitor:  mon,
		Upstream: upstream,
	}, optimizer.WithLogger(logger))

	return &app{store: st, cache: rc, monitor: mon, optimizer: opt}, nil
}

// Close flushes queued monitoring events before the store goes away.
func (a *app) Close() error {
	return errors.Join(
		a.monitor.Close(),
		a.cache.Close(),
		a.store.Close(),
	)
}
