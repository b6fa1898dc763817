package pane

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDefaultRulesValidate(t *testing.T) {
	require.NoError(t, ValidateRules(DefaultRules()))
}

func TestValidateRulesRejectsMalformedTables(t *testing.T) {
	base := func() Rule {
		return Rule{
			Name:     "ok",
			Signal:   "shell.command_start",
			To:       StatusRunning,
			ToSource: SourceShell,
			Reset:    ResetAlways,
		}
	}

	tests := []struct {
		name   string
		mutate func(*Rule)
	}{
		{"no name", func(r *Rule) { r.Name = "" }},
		{"no signal", func(r *Rule) { r.Signal = "" }},
		{"unknown target status", func(r *Rule) { r.To = Status("bogus") }},
		{"unknown from status", func(r *Rule) { r.FromStatus = []Status{Status("bogus")} }},
		{"no target source", func(r *Rule) { r.ToSource = "" }},
		{"bad reset mode", func(r *Rule) { r.Reset = ResetMode("sometimes") }},
		{"unknown predicate", func(r *Rule) { r.Predicates = []Predicate{{Kind: "nope"}} }},
		{"subtype without value", func(r *Rule) { r.Predicates = []Predicate{{Kind: PredNotificationSubtype}} }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := base()
			tt.mutate(&r)
			require.Error(t, ValidateRules([]Rule{r}))
		})
	}

	t.Run("empty table", func(t *testing.T) {
		require.Error(t, ValidateRules(nil))
	})
	t.Run("duplicate names", func(t *testing.T) {
		require.Error(t, ValidateRules([]Rule{base(), base()}))
	})
}

func TestRuleSourceMatching(t *testing.T) {
	tests := []struct {
		name          string
		fromSource    string
		currentSource string
		signalSource  string
		want          bool
	}{
		{"wildcard", SourceAny, "shell", "claude-code", true},
		{"empty means any", "", "shell", "claude-code", true},
		{"same matches", SourceSame, "shell", "shell", true},
		{"same mismatch", SourceSame, "shell", "claude-code", false},
		{"exact match", "shell", "shell", "timer", true},
		{"exact mismatch", "shell", "claude-code", "timer", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := Rule{FromSource: tt.fromSource}
			require.Equal(t, tt.want, r.matchesSource(tt.currentSource, tt.signalSource))
		})
	}
}

func TestPredicateFailureFallsThroughToNextRule(t *testing.T) {
	// Two rules match shell.command_end by shape; the exit-code predicates
	// pick one. An exit_code of 1 must skip the DONE rule, not stop there.
	m := newTestMachine(t, "p1")
	m.Process(shellSignal("p1", "command_start", nil))

	tr := m.Process(shellSignal("p1", "command_end", map[string]any{"exit_code": 1}))
	require.True(t, tr.Changed)
	require.Equal(t, StatusFailed, tr.To)
	require.Equal(t, "shell_command_end_failed", tr.Rule)
}

func TestFirstMatchingRuleWins(t *testing.T) {
	rules := []Rule{
		{
			Name:     "first",
			Signal:   "shell.command_start",
			To:       StatusRunning,
			ToSource: SourceShell,
			Reset:    ResetAlways,
		},
		{
			Name:     "second",
			Signal:   "shell.command_start",
			To:       StatusFailed,
			ToSource: SourceShell,
			Reset:    ResetAlways,
		},
	}
	require.NoError(t, ValidateRules(rules))

	m := NewStateMachine("p1", rules, 10, nil)
	tr := m.Process(shellSignal("p1", "command_start", nil))
	require.True(t, tr.Changed)
	require.Equal(t, "first", tr.Rule)
	require.Equal(t, StatusRunning, tr.To)
}

func TestSameGenerationPredicate(t *testing.T) {
	snap := StateSnapshot{Generation: 3}
	p := Predicate{Kind: PredSameGeneration}

	old := Signal{Generation: 2}
	require.False(t, p.Evaluate(old, snap))

	live := Signal{Generation: 3}
	require.True(t, p.Evaluate(live, snap))

	newer := Signal{Generation: 4}
	require.True(t, p.Evaluate(newer, snap))
}

func TestStickyPredicateAllowsNewGeneration(t *testing.T) {
	p := Predicate{Kind: PredStickyLongRunning}
	snap := StateSnapshot{Status: StatusLongRunning, Source: SourceShell, Generation: 1}

	same := Signal{Source: SourceShell, Generation: 1}
	require.False(t, p.Evaluate(same, snap))

	// A fresh session (newer generation) may restart even from the same source.
	rebound := Signal{Source: SourceShell, Generation: 2}
	require.True(t, p.Evaluate(rebound, snap))
}
