package llm

import (
	"context"
	"strings"

	"aicall-gateway/pkg/types"
)

// UpstreamConfig maps gateway requests onto chat completion requests.
type UpstreamConfig struct {
	// SystemPrompts wraps content of the given category. "{content}" in the
	// template is replaced by the caller's content; without the placeholder
	// the template is sent as a separate system message.
	SystemPrompts map[string]string

	Temperature float64 // default when params carry no "temperature"
	TopP        float64 // default when params carry no "top_p"
	MaxTokens   int
}

func DefaultUpstreamConfig() UpstreamConfig {
	return UpstreamConfig{
		SystemPrompts: map[string]string{
			"prompt": "你是一个专业的3D建模助手。请根据用户的描述，生成一个详细、准确的3D模型描述，" +
				"包括物体的形状、材质、颜色、尺寸比例等关键信息。描述要具体且适合3D建模软件理解。\n\n" +
				"用户描述：{content}",
		},
		Temperature: 0.7,
		TopP:        0.9,
	}
}

const contentPlaceholder = "{content}"

// Messages builds the chat messages for content of category.
func (u UpstreamConfig) Messages(content, category string) []Message {
	tmpl, ok := u.SystemPrompts[category]
	switch {
	case !ok || tmpl == "":
		return []Message{{Role: RoleUser, Content: content}}
	case strings.Contains(tmpl, contentPlaceholder):
		return []Message{{Role: RoleUser, Content: strings.ReplaceAll(tmpl, contentPlaceholder, content)}}
	default:
		return []Message{
			{Role: RoleSystem, Content: tmpl},
			{Role: RoleUser, Content: content},
		}
	}
}

// NewUpstream adapts c to the gateway's upstream call. Sampling parameters
// come from params ("temperature", "top_p") with cfg's values as defaults.
func NewUpstream(c Client, cfg UpstreamConfig) types.UpstreamFunc {
	return func(ctx context.Context, content, category string, params types.Params) (string, error) {
		resp, err := c.Complete(ctx, &CompletionRequest{
			Messages:    cfg.Messages(content, category),
			Temperature: floatPtr(params.Float("temperature", cfg.Temperature)),
			TopP:        floatPtr(params.Float("top_p", cfg.TopP)),
			MaxTokens:   cfg.MaxTokens,
		})
		if err != nil {
			return "", err
		}
		return resp.Text, nil
	}
}

func floatPtr(v float64) *float64 { return &v }
