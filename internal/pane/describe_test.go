package pane

import (
	"testing"
	"time"
)

func TestRenderDescription(t *testing.T) {
	tests := []struct {
		name     string
		template string
		payload  map[string]any
		want     string
	}{
		{
			name:     "plain text",
			template: "session started",
			payload:  nil,
			want:     "session started",
		},
		{
			name:     "simple substitution",
			template: "tool: {tool_name}",
			payload:  map[string]any{"tool_name": "Bash"},
			want:     "tool: Bash",
		},
		{
			name:     "truncation",
			template: "run: {command:10}",
			payload:  map[string]any{"command": "make test VERBOSE=1"},
			want:     "run: make test...",
		},
		{
			name:     "under limit untouched",
			template: "run: {command:30}",
			payload:  map[string]any{"command": "ls"},
			want:     "run: ls",
		},
		{
			name:     "missing key renders empty",
			template: "run: {command}",
			payload:  map[string]any{},
			want:     "run: ",
		},
		{
			name:     "integer payload",
			template: "failed (exit={exit_code})",
			payload:  map[string]any{"exit_code": 127},
			want:     "failed (exit=127)",
		},
		{
			name:     "json float renders as integer",
			template: "failed (exit={exit_code})",
			payload:  map[string]any{"exit_code": float64(2)},
			want:     "failed (exit=2)",
		},
		{
			name:     "newlines collapsed",
			template: "run: {command}",
			payload:  map[string]any{"command": "echo a\necho b"},
			want:     "run: echo a echo b",
		},
		{
			name:     "unterminated brace passes through",
			template: "run: {command",
			payload:  map[string]any{"command": "ls"},
			want:     "run: {command",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := RenderDescription(tt.template, tt.payload); got != tt.want {
				t.Fatalf("RenderDescription(%q) = %q, want %q", tt.template, got, tt.want)
			}
		})
	}
}

func TestFormatElapsed(t *testing.T) {
	tests := []struct {
		d    time.Duration
		want string
	}{
		{5 * time.Second, "5s"},
		{61 * time.Second, "1m"},
		{59 * time.Minute, "59m"},
		{90 * time.Minute, "1h30m"},
		{-time.Second, "0s"},
	}
	for _, tt := range tests {
		if got := formatElapsed(tt.d); got != tt.want {
			t.Fatalf("formatElapsed(%v) = %q, want %q", tt.d, got, tt.want)
		}
	}
}
