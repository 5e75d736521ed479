package batcher

import (
	"fmt"
	"regexp"
	"strings"

	"aicall-gateway/pkg/types"
)

// DefaultStylePlaceholder is the phrase an upstream answer uses when no
// style was requested; Adjust swaps it for the member's own style.
const DefaultStylePlaceholder = "默认风格"

var (
	digitRun = regexp.MustCompile(`\d+`)

	zhDimension = regexp.MustCompile(`(长|宽|高)度?\s*[\d.]+\s*[米m]?`)
	enDimension = regexp.MustCompile(`(?i)\b(length|width|height)\s*[:=]?\s*\d+(?:\.\d+)?(?:\s*(?:meters?|metres?|m)\b)?`)
)

type dimension struct {
	param string
	zh    *regexp.Regexp
	en    *regexp.Regexp
	zhFmt string
	enFmt string
}

var dimensions = []dimension{
	{
		param: "length",
		zh:    regexp.MustCompile(`长度?\s*[\d.]+\s*[米m]?`),
		en:    regexp.MustCompile(`(?i)\blength\s*[:=]?\s*\d+(?:\.\d+)?(?:\s*(?:meters?|metres?|m)\b)?`),
		zhFmt: "长%s米",
		enFmt: "length %sm",
	},
	{
		param: "width",
		zh:    regexp.MustCompile(`宽度?\s*[\d.]+\s*[米m]?`),
		en:    regexp.MustCompile(`(?i)\bwidth\s*[:=]?\s*\d+(?:\.\d+)?(?:\s*(?:meters?|metres?|m)\b)?`),
		zhFmt: "宽%s米",
		enFmt: "width %sm",
	},
	{
		param: "height",
		zh:    regexp.MustCompile(`高度?\s*[\d.]+\s*[米m]?`),
		en:    regexp.MustCompile(`(?i)\bheight\s*[:=]?\s*\d+(?:\.\d+)?(?:\s*(?:meters?|metres?|m)\b)?`),
		zhFmt: "高%s米",
		enFmt: "height %sm",
	},
}

// NormalizeKey maps content to its grouping key. Dimension phrases collapse
// to a canonical form first, then any remaining digit run becomes "X", so
// "长2米的桌子" and "长3.5m的桌子" share a key.
func NormalizeKey(content string) string {
	key := zhDimension.ReplaceAllString(content, "${1}X米")
	key = enDimension.ReplaceAllStringFunc(key, func(m string) string {
		sub := enDimension.FindStringSubmatch(m)
		return strings.ToLower(sub[1]) + " X"
	})
	key = digitRun.ReplaceAllString(key, "X")
	return strings.Join(strings.Fields(key), " ")
}

// Adjust derives a member's answer from its group's shared answer by
// substituting the member's own style and dimensions.
func Adjust(base string, params types.Params) string {
	out := base

	if style, ok := params.String("style"); ok {
		out = strings.ReplaceAll(out, DefaultStylePlaceholder, style)
	}

	for _, d := range dimensions {
		v, ok := params.String(d.param)
		if !ok {
			continue
		}
		out = d.zh.ReplaceAllLiteralString(out, fmt.Sprintf(d.zhFmt, v))
		out = d.en.ReplaceAllLiteralString(out, fmt.Sprintf(d.enFmt, v))
	}
	return out
}
