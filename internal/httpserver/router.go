package httpserver

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"aicall-gateway/internal/handlers"
	"aicall-gateway/internal/metrics"
	"aicall-gateway/internal/middleware"
)

// Pinger reports whether the shared store is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

type Options struct {
	RequestTimeout time.Duration
	MaxBodyBytes   int64
}

func SetupRouter(r *chi.Mux, baseLogger *zap.Logger, h *handlers.Handler, store Pinger, opts Options) {

	r.Use(metrics.Middleware)

	// base middleware
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)

	r.Use(middleware.LoggingContext(baseLogger))
	r.Use(middleware.Recoverer())
	r.Use(middleware.Timeout(opts.RequestTimeout))
	r.Use(middleware.MaxBodySize(opts.MaxBodyBytes))

	r.Route("/v1", func(r chi.Router) {
		r.Post("/calls", h.Call)
		r.Post("/batches", h.Batch)
		r.Post("/warmup", h.Warmup)
		r.Get("/stats/me", h.UserStats)
		r.Get("/stats/global", h.GlobalStats)
	})

	// the gateway keeps serving with the store down, so health only
	// reports it
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), time.Second)
		defer cancel()
		if err := store.Ping(ctx); err != nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte("store unavailable"))
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	r.Handle("/metrics", metrics.Handler())
}
