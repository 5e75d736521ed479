package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"aicall-gateway/internal/handlers"
	"aicall-gateway/internal/httpserver"
	"aicall-gateway/internal/llm"
	"aicall-gateway/internal/metrics"
	"aicall-gateway/pkg/logging/logging"
)

func newServeCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP gateway",
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve(*configPath)
		},
	}
}

func serve(configPath string) error {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}

	// ----- Logger -----
	logger, err := logging.NewLogger(logging.Options{Env: cfg.Log.Env, Level: cfg.Log.Level})
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	// ----- Metrics -----
	metrics.Register()

	logger.Info("loaded_config",
		zap.String("port", cfg.Server.Port),
		zap.String("store_backend", cfg.Store.Backend),
		zap.String("llm_base_url", cfg.Upstream.BaseURL),
		zap.String("llm_model", cfg.Upstream.Model),
		zap.Bool("cache_enabled", cfg.Cache.Enabled),
		zap.Bool("rate_limit_enabled", cfg.RateLimit.Enabled),
		zap.Int64("max_calls_per_window", cfg.RateLimit.MaxCallsPerWindow),
	)

	// ----- LLM client -----
	if cfg.Upstream.APIKey == "" {
		return errors.New("LLM_API_KEY is required")
	}
	llmClient, err := llm.NewClient(cfg.LLMConfig(), logger)
	if err != nil {
		return err
	}
	defer func() { _ = llmClient.Close() }()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ----- Components -----
	a, err := newApp(ctx, cfg, logger, llm.NewUpstream(llmClient, cfg.UpstreamConfig()))
	if err != nil {
		return err
	}
	defer func() {
		if err := a.Close(); err != nil {
			logger.Error("component_close_failed", zap.Error(err))
		}
	}()
	go a.monitor.Run(ctx)

	// ----- Router + middleware -----
	r := chi.NewRouter()
	httpserver.SetupRouter(r, logger, handlers.New(a.optimizer), a.store, httpserver.Options{
		RequestTimeout: cfg.Server.RequestTimeout,
		MaxBodyBytes:   cfg.Server.MaxBodyBytes,
	})

	// ----- HTTP server -----
	srv := &http.Server{
		Addr:              ":" + cfg.Server.Port,
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      cfg.Server.RequestTimeout + 10*time.Second,
		IdleTimeout:       60 * time.Second,
	}

	logger.Info("starting_gateway", zap.String("addr", srv.Addr))

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	// ----- Graceful shutdown -----
	select {
	case err := <-errCh:
		logger.Error("server_error", zap.Error(err))
		return err
	case <-ctx.Done():
	}
	logger.Info("shutdown_signal_received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server_shutdown_error", zap.Error(err))
		return err
	}

	logger.Info("server_shutdown_complete")
	return nil
}
