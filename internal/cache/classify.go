package cache

import "strings"

// Class selects the shared-tier TTL of a cached answer.
type Class int

const (
	// ClassGeneral answers are stable and kept for GeneralTTL.
	ClassGeneral Class = iota
	// ClassGenerative answers come from creative prompts and are kept for
	// the shorter GenerativeTTL.
	ClassGenerative
)

func (c Class) String() string {
	switch c {
	case ClassGenerative:
		return "generative"
	default:
		return "general"
	}
}

// Classifier maps a request to a Class. It must be safe for concurrent use.
type Classifier func(content, category string) Class

// KeywordClassifier classifies as generative when category is one of
// categories, or when content contains any of markers (case-insensitive).
func KeywordClassifier(categories, markers []string) Classifier {
	cats := make(map[string]struct{}, len(categories))
	for _, c := range categories {
		cats[strings.ToLower(c)] = struct{}{}
	}
	lowered := make([]string, 0, len(markers))
	for _, m := range markers {
		if m != "" {
			lowered = append(lowered, strings.ToLower(m))
		}
	}

	return func(content, category string) Class {
		if _, ok := cats[strings.ToLower(category)]; ok {
			return ClassGenerative
		}
		lc := strings.ToLower(content)
		for _, m := range lowered {
			if strings.Contains(lc, m) {
				return ClassGenerative
			}
		}
		return ClassGeneral
	}
}

// DefaultClassifier treats prompt-generation traffic as generative.
var DefaultClassifier = KeywordClassifier(
	[]string{"prompt", "generate"},
	[]string{"generate", "model", "3D模型描述"},
)
