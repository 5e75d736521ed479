package handlers

import (
	"errors"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"aicall-gateway/pkg/logging/logging"
	"aicall-gateway/pkg/types"
)

type callRequest struct {
	Content  string       `json:"content"`
	Category string       `json:"category"`
	Params   types.Params `json:"params"`
}

type callResponse struct {
	Value string `json:"value"`
}

// Call handles POST /v1/calls.
func (h *Handler) Call(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	logger := logging.L(ctx)
	start := time.Now()

	var req callRequest
	if err := decodeJSON(r, &req); err != nil {
		logger.Warn("invalid_request", zap.Error(err))
		writeError(w, http.StatusBadRequest, "invalid_request", "invalid JSON")
		return
	}
	if req.Content == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "content is required")
		return
	}

	userID := callerID(r)
	value, err := h.svc.Call(ctx, userID, req.Content, req.Category, req.Params)
	if err != nil {
		logger.Info("call_rejected",
			zap.String("user_id", userID),
			zap.Duration("total_latency", time.Since(start)),
			zap.Error(err),
		)
		writeCallError(w, logger, err)
		return
	}

	logger.Info("call_completed",
		zap.String("user_id", userID),
		zap.String("category", req.Category),
		zap.Duration("total_latency", time.Since(start)),
	)
	writeJSON(w, http.StatusOK, callResponse{Value: value})
}

type batchRequest struct {
	Requests []types.Request `json:"requests"`
}

type batchItem struct {
	Value    string `json:"value,omitempty"`
	Error    string `json:"error,omitempty"`
	CacheHit bool   `json:"cache_hit"`
}

type batchResponse struct {
	Results map[string]batchItem `json:"results"`
}

// Batch handles POST /v1/batches.
func (h *Handler) Batch(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	logger := logging.L(ctx)

	var req batchRequest
	if err := decodeJSON(r, &req); err != nil {
		logger.Warn("invalid_request", zap.Error(err))
		writeError(w, http.StatusBadRequest, "invalid_request", "invalid JSON")
		return
	}
	if len(req.Requests) == 0 {
		writeError(w, http.StatusBadRequest, "invalid_request", "requests must not be empty")
		return
	}

	results, err := h.svc.SubmitBatch(ctx, callerID(r), req.Requests)
	if err != nil {
		writeCallError(w, logger, err)
		return
	}

	out := batchResponse{Results: make(map[string]batchItem, len(results))}
	for id, res := range results {
		item := batchItem{Value: res.Value, CacheHit: res.CacheHit}
		if res.Err != nil {
			item = batchItem{Error: res.Err.Error()}
		}
		out.Results[id] = item
	}
	writeJSON(w, http.StatusOK, out)
}

type warmupRequest struct {
	Contents []string `json:"contents"`
}

// Warmup handles POST /v1/warmup. An empty body warms the configured
// defaults.
func (h *Handler) Warmup(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	logger := logging.L(ctx)

	var req warmupRequest
	if err := decodeJSON(r, &req); err != nil && !errors.Is(err, io.EOF) {
		logger.Warn("invalid_request", zap.Error(err))
		writeError(w, http.StatusBadRequest, "invalid_request", "invalid JSON")
		return
	}

	report, err := h.svc.Warmup(ctx, callerID(r), req.Contents)
	if err != nil {
		writeCallError(w, logger, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}
