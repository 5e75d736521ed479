package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"go.uber.org/zap"

	"aicall-gateway/internal/batcher"
	"aicall-gateway/internal/optimizer"
	"aicall-gateway/pkg/types"
)

// Service is the optimizer surface the HTTP handlers call into.
type Service interface {
	Call(ctx context.Context, callerID, content, category string, params types.Params) (string, error)
	SubmitBatch(ctx context.Context, callerID string, reqs []types.Request) (map[string]batcher.Result, error)
	Warmup(ctx context.Context, callerID string, contents []string) (optimizer.WarmupReport, error)
	UserStats(ctx context.Context, callerID string) optimizer.UserStats
	GlobalStats(ctx context.Context) optimizer.GlobalStats
}

// Handler serves the gateway's JSON endpoints.
type Handler struct {
	svc Service
}

func New(svc Service) *Handler {
	return &Handler{svc: svc}
}

const (
	callerHeader    = "X-User-ID"
	anonymousCaller = "anon"
)

func callerID(r *http.Request) string {
	if id := r.Header.Get(callerHeader); id != "" {
		return id
	}
	return anonymousCaller
}

type errorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}

type quotaResponse struct {
	Error             string `json:"error"`
	Remaining         int64  `json:"remaining"`
	RetryAfterSeconds int64  `json:"retry_after_seconds"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, msg string) {
	writeJSON(w, status, errorResponse{Error: code, Message: msg})
}

// writeCallError maps facade errors to HTTP responses.
func writeCallError(w http.ResponseWriter, logger *zap.Logger, err error) {
	var qerr *optimizer.QuotaExceededError
	if errors.As(err, &qerr) {
		retry := int64(qerr.RetryAfter.Seconds())
		if retry < 1 {
			retry = 1
		}
		w.Header().Set("Retry-After", strconv.FormatInt(retry, 10))
		writeJSON(w, http.StatusTooManyRequests, quotaResponse{
			Error:             "quota_exceeded",
			Remaining:         qerr.Remaining,
			RetryAfterSeconds: retry,
		})
		return
	}

	// a caller deadline surfaces wrapped in *optimizer.UpstreamError
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		writeError(w, http.StatusGatewayTimeout, "gateway_timeout", "")
		return
	}

	if errors.Is(err, optimizer.ErrUpstreamFailure) {
		writeError(w, http.StatusBadGateway, "upstream_failure", err.Error())
		return
	}

	if errors.Is(err, batcher.ErrBatchTooLarge) || errors.Is(err, batcher.ErrInvalidBatch) {
		writeError(w, http.StatusBadRequest, "invalid_batch", err.Error())
		return
	}

	logger.Error("unhandled_call_error", zap.Error(err))
	writeError(w, http.StatusInternalServerError, "internal_server_error", "")
}

func decodeJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}
