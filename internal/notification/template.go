package notification

import (
	"encoding/json"
	"fmt"
	"html"
	"regexp"
	"strings"
)

var placeholderRegex = regexp.MustCompile(`\{\{([A-Za-z_][A-Za-z0-9_]*)\}\}`)

// Render replaces {{key}} placeholders with values from data. Unknown
// placeholders are left verbatim.
func Render(template string, data map[string]any) string {
	return render(template, data, ValueString)
}

// RenderHTML is Render with every substituted value HTML-entity-encoded.
func RenderHTML(template string, data map[string]any) string {
	return render(template, data, func(v any) string {
		return html.EscapeString(ValueString(v))
	})
}

func render(template string, data map[string]any, format func(any) string) string {
	if template == "" || len(data) == 0 {
		return template
	}
	return placeholderRegex.ReplaceAllStringFunc(template, func(match string) string {
		sub := placeholderRegex.FindStringSubmatch(match)
		if len(sub) != 2 {
			return match
		}
		value, ok := data[sub[1]]
		if !ok {
			return match
		}
		return format(value)
	})
}

// ValueString converts a template value to its string form. Primitive values
// use their natural representation, anything else is JSON encoded.
func ValueString(v any) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return val
	case fmt.Stringer:
		return val.String()
	case bool, int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64, float32, float64:
		return fmt.Sprint(val)
	default:
		b, err := json.Marshal(val)
		if err != nil {
			return fmt.Sprint(val)
		}
		return string(b)
	}
}

var (
	tagRegex        = regexp.MustCompile(`(?s)<[^>]*>`)
	blockRegex      = regexp.MustCompile(`(?is)<(script|style)\b[^>]*>.*?</(script|style)>`)
	breakRegex      = regexp.MustCompile(`(?i)<br\s*/?>|</p>|</div>|</li>|</tr>|</h[1-6]>`)
	spaceRegex      = regexp.MustCompile(`[ \t]+`)
	blankLinesRegex = regexp.MustCompile(`\n{3,}`)
)

// HTMLToText produces a plain-text companion of an HTML body.
func HTMLToText(body string) string {
	text := blockRegex.ReplaceAllString(body, "")
	text = breakRegex.ReplaceAllString(text, "\n")
	text = tagRegex.ReplaceAllString(text, "")
	text = strings.ReplaceAll(text, "&nbsp;", " ")
	text = html.UnescapeString(text)

	lines := strings.Split(text, "\n")
	for i, line := range lines {
		lines[i] = strings.TrimSpace(spaceRegex.ReplaceAllString(line, " "))
	}
	text = strings.Join(lines, "\n")
	text = blankLinesRegex.ReplaceAllString(text, "\n\n")
	return strings.TrimSpace(text)
}
