package pane

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// RenderDescription expands a rule description template against a payload.
// Placeholders take the form {key} or {key:maxlen}; values longer than maxlen
// are truncated with a trailing ellipsis. Unknown keys render empty.
func RenderDescription(template string, payload map[string]any) string {
	if template == "" || !strings.Contains(template, "{") {
		return template
	}
	var b strings.Builder
	b.Grow(len(template))
	rest := template
	for {
		open := strings.IndexByte(rest, '{')
		if open < 0 {
			b.WriteString(rest)
			break
		}
		closing := strings.IndexByte(rest[open:], '}')
		if closing < 0 {
			b.WriteString(rest)
			break
		}
		closing += open
		b.WriteString(rest[:open])
		b.WriteString(expandPlaceholder(rest[open+1:closing], payload))
		rest = rest[closing+1:]
	}
	return b.String()
}

func expandPlaceholder(spec string, payload map[string]any) string {
	key := spec
	maxLen := 0
	if colon := strings.IndexByte(spec, ':'); colon >= 0 {
		key = spec[:colon]
		if n, err := strconv.Atoi(spec[colon+1:]); err == nil && n > 0 {
			maxLen = n
		}
	}
	v, ok := payload[key]
	if !ok || v == nil {
		return ""
	}
	s := stringify(v)
	// Collapse newlines so multi-line commands stay one display line.
	s = strings.Join(strings.Fields(s), " ")
	if maxLen > 0 && len(s) > maxLen {
		s = strings.TrimRight(s[:maxLen], " ") + "..."
	}
	return s
}

func stringify(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case int:
		return strconv.Itoa(t)
	case int64:
		return strconv.FormatInt(t, 10)
	case float64:
		// JSON numbers decode as float64; render integral values plainly.
		if t == float64(int64(t)) {
			return strconv.FormatInt(int64(t), 10)
		}
		return strconv.FormatFloat(t, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(t)
	default:
		return fmt.Sprintf("%v", t)
	}
}

// formatElapsed renders a duration in coarse human units for descriptions.
func formatElapsed(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	switch {
	case d < time.Minute:
		return fmt.Sprintf("%ds", int(d.Seconds()))
	case d < time.Hour:
		return fmt.Sprintf("%dm", int(d.Minutes()))
	default:
		return fmt.Sprintf("%dh%dm", int(d.Hours()), int(d.Minutes())%60)
	}
}
