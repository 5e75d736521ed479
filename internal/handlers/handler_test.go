package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"aicall-gateway/internal/batcher"
	"aicall-gateway/internal/optimizer"
	"aicall-gateway/pkg/types"
)

type fakeService struct {
	callValue string
	callErr   error
	gotCaller string
	gotParams types.Params

	batch    map[string]batcher.Result
	batchErr error

	warmupContents []string
	warmup         optimizer.WarmupReport
}

func (f *fakeService) Call(_ context.Context, callerID, _, _ string, params types.Params) (string, error) {
	f.gotCaller = callerID
	f.gotParams = params
	return f.callValue, f.callErr
}

func (f *fakeService) SubmitBatch(_ context.Context, callerID string, _ []types.Request) (map[string]batcher.Result, error) {
	f.gotCaller = callerID
	return f.batch, f.batchErr
}

func (f *fakeService) Warmup(_ context.Context, callerID string, contents []string) (optimizer.WarmupReport, error) {
	f.gotCaller = callerID
	f.warmupContents = contents
	return f.warmup, nil
}

func (f *fakeService) UserStats(_ context.Context, callerID string) optimizer.UserStats {
	f.gotCaller = callerID
	return optimizer.UserStats{RemainingCalls: 42, Quota: 100}
}

func (f *fakeService) GlobalStats(context.Context) optimizer.GlobalStats {
	return optimizer.GlobalStats{RateLimit: optimizer.RateLimitSummary{Enabled: true, Quota: 100}}
}

func do(t *testing.T, h http.HandlerFunc, method, body string, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, "/", strings.NewReader(body))
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rr := httptest.NewRecorder()
	h(rr, req)
	return rr
}

func TestCall_Success(t *testing.T) {
	svc := &fakeService{callValue: "a chair"}
	h := New(svc)

	rr := do(t, h.Call, http.MethodPost,
		`{"content":"chair","category":"prompt","params":{"style":"modern"}}`,
		map[string]string{"X-User-ID": "u1"})

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	var resp callResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Value != "a chair" {
		t.Fatalf("unexpected value %q", resp.Value)
	}
	if svc.gotCaller != "u1" || svc.gotParams["style"] != "modern" {
		t.Fatalf("unexpected call args caller=%q params=%v", svc.gotCaller, svc.gotParams)
	}
}

func TestCall_AnonymousCaller(t *testing.T) {
	svc := &fakeService{callValue: "x"}
	do(t, New(svc).Call, http.MethodPost, `{"content":"chair"}`, nil)
	if svc.gotCaller != anonymousCaller {
		t.Fatalf("expected anonymous caller, got %q", svc.gotCaller)
	}
}

func TestCall_InvalidRequest(t *testing.T) {
	h := New(&fakeService{})

	cases := map[string]string{
		"bad json":      `{"content":`,
		"unknown field": `{"content":"x","model":"y"}`,
		"empty content": `{"content":""}`,
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			rr := do(t, h.Call, http.MethodPost, body, nil)
			if rr.Code != http.StatusBadRequest {
				t.Fatalf("expected 400, got %d", rr.Code)
			}
		})
	}
}

func TestCall_QuotaExceeded(t *testing.T) {
	svc := &fakeService{callErr: &optimizer.QuotaExceededError{
		CallerID:   "u1",
		Remaining:  0,
		RetryAfter: 90 * time.Second,
	}}

	rr := do(t, New(svc).Call, http.MethodPost, `{"content":"chair"}`, nil)

	if rr.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", rr.Code)
	}
	if got := rr.Header().Get("Retry-After"); got != "90" {
		t.Fatalf("expected Retry-After 90, got %q", got)
	}
	var resp quotaResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Error != "quota_exceeded" || resp.RetryAfterSeconds != 90 {
		t.Fatalf("unexpected body %+v", resp)
	}
}

func TestCall_RetryAfterAtLeastOneSecond(t *testing.T) {
	svc := &fakeService{callErr: &optimizer.QuotaExceededError{RetryAfter: 200 * time.Millisecond}}
	rr := do(t, New(svc).Call, http.MethodPost, `{"content":"chair"}`, nil)
	if got := rr.Header().Get("Retry-After"); got != "1" {
		t.Fatalf("expected Retry-After 1, got %q", got)
	}
}

func TestCall_UpstreamFailure(t *testing.T) {
	svc := &fakeService{callErr: &optimizer.UpstreamError{Err: errors.New("connection refused")}}

	rr := do(t, New(svc).Call, http.MethodPost, `{"content":"chair"}`, nil)

	if rr.Code != http.StatusBadGateway {
		t.Fatalf("expected 502, got %d", rr.Code)
	}
	if !strings.Contains(rr.Body.String(), "upstream_failure") {
		t.Fatalf("unexpected body %s", rr.Body.String())
	}
}

func TestCall_Deadline(t *testing.T) {
	svc := &fakeService{callErr: context.DeadlineExceeded}
	rr := do(t, New(svc).Call, http.MethodPost, `{"content":"chair"}`, nil)
	if rr.Code != http.StatusGatewayTimeout {
		t.Fatalf("expected 504, got %d", rr.Code)
	}
}

func TestCall_DeadlineWrappedAsUpstreamError(t *testing.T) {
	svc := &fakeService{callErr: &optimizer.UpstreamError{Err: context.DeadlineExceeded}}
	rr := do(t, New(svc).Call, http.MethodPost, `{"content":"chair"}`, nil)
	if rr.Code != http.StatusGatewayTimeout {
		t.Fatalf("expected 504, got %d", rr.Code)
	}
}

func TestBatch(t *testing.T) {
	svc := &fakeService{batch: map[string]batcher.Result{
		"r1": {Value: "ok", CacheHit: true},
		"r2": {Err: errors.New("upstream down")},
	}}

	rr := do(t, New(svc).Batch, http.MethodPost,
		`{"requests":[{"request_id":"r1","content":"a"},{"request_id":"r2","content":"b"}]}`,
		map[string]string{"X-User-ID": "u2"})

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	var resp batchResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if r1 := resp.Results["r1"]; r1.Value != "ok" || !r1.CacheHit {
		t.Fatalf("unexpected r1 %+v", r1)
	}
	if r2 := resp.Results["r2"]; r2.Error != "upstream down" || r2.Value != "" {
		t.Fatalf("unexpected r2 %+v", r2)
	}
	if svc.gotCaller != "u2" {
		t.Fatalf("unexpected caller %q", svc.gotCaller)
	}
}

func TestBatch_Errors(t *testing.T) {
	rr := do(t, New(&fakeService{}).Batch, http.MethodPost, `{"requests":[]}`, nil)
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for empty batch, got %d", rr.Code)
	}

	svc := &fakeService{batchErr: batcher.ErrBatchTooLarge}
	rr = do(t, New(svc).Batch, http.MethodPost, `{"requests":[{"request_id":"r1","content":"a"}]}`, nil)
	if rr.Code != http.StatusBadRequest || !strings.Contains(rr.Body.String(), "invalid_batch") {
		t.Fatalf("expected invalid_batch 400, got %d %s", rr.Code, rr.Body.String())
	}
}

func TestWarmup_EmptyBody(t *testing.T) {
	svc := &fakeService{warmup: optimizer.WarmupReport{Requested: 5, Warmed: 5}}

	rr := do(t, New(svc).Warmup, http.MethodPost, "", nil)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	if svc.warmupContents != nil {
		t.Fatalf("expected default contents, got %v", svc.warmupContents)
	}
	var report optimizer.WarmupReport
	if err := json.Unmarshal(rr.Body.Bytes(), &report); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if report.Warmed != 5 {
		t.Fatalf("unexpected report %+v", report)
	}
}

func TestWarmup_WithContents(t *testing.T) {
	svc := &fakeService{}
	rr := do(t, New(svc).Warmup, http.MethodPost, `{"contents":["a","b"]}`, nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	if len(svc.warmupContents) != 2 {
		t.Fatalf("unexpected contents %v", svc.warmupContents)
	}
}

func TestStats(t *testing.T) {
	svc := &fakeService{}
	h := New(svc)

	rr := do(t, h.UserStats, http.MethodGet, "", map[string]string{"X-User-ID": "u3"})
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	var user map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &user); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if user["remaining_calls"] != float64(42) || svc.gotCaller != "u3" {
		t.Fatalf("unexpected user stats %v caller=%q", user, svc.gotCaller)
	}

	rr = do(t, h.GlobalStats, http.MethodGet, "", nil)
	var global map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &global); err != nil {
		t.Fatalf("decode: %v", err)
	}
	rl, ok := global["rate_limit"].(map[string]any)
	if !ok || rl["max_calls_per_window"] != float64(100) {
		t.Fatalf("unexpected global stats %v", global)
	}
}
