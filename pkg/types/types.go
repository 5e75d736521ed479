package types

import "context"

// Params carries caller-supplied generation parameters (style, dimensions,
// temperature, ...). Values must be JSON-serializable to be cacheable.
type Params map[string]any

// Request describes one entry of a batch submission.
type Request struct {
	RequestID string `json:"request_id"`
	Content   string `json:"content"`
	Category  string `json:"category"`
	Params    Params `json:"params,omitempty"`
}

// UpstreamFunc performs the expensive AI call. It is expected to enforce its
// own timeout.
type UpstreamFunc func(ctx context.Context, content, category string, params Params) (string, error)

// String returns params[key] formatted for text substitution.
func (p Params) String(key string) (string, bool) {
	v, ok := p[key]
	if !ok || v == nil {
		return "", false
	}
	switch x := v.(type) {
	case string:
		return x, x != ""
	default:
		return formatScalar(x), true
	}
}

// Float returns params[key] as float64 when it holds a number.
func (p Params) Float(key string, def float64) float64 {
	switch x := p[key].(type) {
	case float64:
		return x
	case float32:
		return float64(x)
	case int:
		return float64(x)
	case int64:
		return float64(x)
	default:
		return def
	}
}
