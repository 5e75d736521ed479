package llm

import (
	"context"
	"errors"
	"fmt"
)

const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type CompletionRequest struct {
	Model       string    `json:"model"`
	Messages    []Message `json:"messages"`
	// nil leaves the provider default; an explicit 0 is sent as 0.
	Temperature *float64 `json:"temperature,omitempty"`
	TopP        *float64 `json:"top_p,omitempty"`
	MaxTokens   int       `json:"max_tokens,omitempty"`
}

func (r *CompletionRequest) Validate() error {
	if r.Model == "" {
		return errors.New("model is required")
	}

	if len(r.Messages) == 0 {
		return errors.New("at least one message is required")
	}

	for i, m := range r.Messages {
		if m.Role != RoleSystem && m.Role != RoleUser && m.Role != RoleAssistant {
			return fmt.Errorf("invalid role %q in messages[%d]", m.Role, i)
		}
		if m.Content == "" && m.Role != RoleSystem {
			return fmt.Errorf("content is required for messages[%d]", i)
		}
	}

	if t := r.Temperature; t != nil && (*t < 0 || *t > 2) {
		return errors.New("temperature must be between 0 and 2")
	}
	if p := r.TopP; p != nil && (*p < 0 || *p > 1) {
		return errors.New("top_p must be between 0 and 1")
	}

	return nil
}

type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Completion is the first choice of an upstream chat completion.
type Completion struct {
	ID           string
	Model        string
	Text         string
	FinishReason string
	Usage        Usage
}

// Client talks to an OpenAI-compatible chat completion endpoint.
type Client interface {
	Complete(ctx context.Context, req *CompletionRequest) (*Completion, error)
	Close() error
}
