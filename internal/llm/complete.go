package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"
)

const (
	maxRequestSize = 2 * 1024 * 1024 // 2MB total JSON payload
	maxMessageSize = 512 * 1024      // 512KB per message content
)

func (c *client) Complete(parentCtx context.Context, req *CompletionRequest) (*Completion, error) {
	start := time.Now()

	if req == nil {
		return nil, fmt.Errorf("llmclient: request is nil")
	}
	if req.Model == "" {
		req.Model = c.cfg.Model
	}

	if err := req.Validate(); err != nil {
		return nil, fmt.Errorf("llmclient: invalid request: %w", err)
	}

	for i, m := range req.Messages {
		if len(m.Content) > maxMessageSize {
			return nil, fmt.Errorf(
				"llmclient: message[%d] content too large (%d bytes, max %d)",
				i, len(m.Content), maxMessageSize,
			)
		}
	}

	// The timeout spans every retry attempt.
	ctx, cancel := context.WithTimeout(parentCtx, c.cfg.UpstreamTimeout)
	defer cancel()

	bodyBytes, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("llmclient: marshal request: %w", err)
	}
	if len(bodyBytes) > maxRequestSize {
		return nil, fmt.Errorf(
			"llmclient: request too large (%d bytes, max %d)",
			len(bodyBytes), maxRequestSize,
		)
	}

	url := c.cfg.endpoint()

	doOnce := func(ctx context.Context, body []byte) (*http.Response, error) {
		httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
		if err != nil {
			return nil, fmt.Errorf("llmclient: build HTTP request: %w", err)
		}
		httpReq.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
		httpReq.Header.Set("Content-Type", "application/json")
		return c.httpClient.Do(httpReq)
	}

	resp, err := c.doWithRetry(ctx, bodyBytes, doOnce)
	if err != nil {
		c.logger.Error("llm_request_failed",
			zap.String("model", req.Model),
			zap.Duration("duration", time.Since(start)),
			zap.Error(err),
		)
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))

		var perr providerError
		if err := json.Unmarshal(body, &perr); err == nil && perr.Error.Message != "" {
			c.logger.Error("llm_provider_error",
				zap.Int("status", resp.StatusCode),
				zap.String("error_type", perr.Error.Type),
				zap.String("error_message", perr.Error.Message),
			)
			return nil, fmt.Errorf("llmclient: upstream %d: %s (%s)",
				resp.StatusCode, perr.Error.Message, perr.Error.Type)
		}

		c.logger.Error("llm_upstream_error",
			zap.Int("status", resp.StatusCode),
			zap.String("body", truncate(string(body), 200)),
		)
		return nil, fmt.Errorf("llmclient: upstream %d: %s",
			resp.StatusCode, truncate(string(body), 200))
	}

	var pResp providerResponse
	if err := json.NewDecoder(resp.Body).Decode(&pResp); err != nil {
		return nil, fmt.Errorf("llmclient: decode upstream response: %w", err)
	}
	if len(pResp.Choices) == 0 {
		c.logger.Error("llm_no_choices", zap.String("model", req.Model))
		return nil, fmt.Errorf("llmclient: provider returned no choices")
	}

	first := pResp.Choices[0]
	out := &Completion{
		ID:           pResp.ID,
		Model:        pResp.Model,
		Text:         first.Message.Content,
		FinishReason: first.FinishReason,
	}
	if pResp.Usage != nil {
		out.Usage = *pResp.Usage
	}

	c.logger.Info("llm_request_completed",
		zap.String("model", out.Model),
		zap.Int("prompt_tokens", out.Usage.PromptTokens),
		zap.Int("completion_tokens", out.Usage.CompletionTokens),
		zap.Duration("duration", time.Since(start)),
	)

	return out, nil
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}
