package pane

import (
	"fmt"
	"time"
)

// PredicateKind is the closed set of payload checks a rule may require.
// Rules carry tagged predicate records instead of closures so the table is
// serializable and exhaustively checkable at startup.
type PredicateKind string

const (
	// PredExitCodeZero passes when payload exit_code == 0.
	PredExitCodeZero PredicateKind = "exit_code_zero"

	// PredExitCodeNonzero passes when payload exit_code is present and != 0.
	PredExitCodeNonzero PredicateKind = "exit_code_nonzero"

	// PredStickyLongRunning rejects same-source re-activation while the pane
	// is LONG_RUNNING with an unchanged generation, so a noisy source cannot
	// demote the promoted state.
	PredStickyLongRunning PredicateKind = "sticky_long_running"

	// PredNotificationSubtype passes when payload notification_type equals
	// the predicate value.
	PredNotificationSubtype PredicateKind = "notification_subtype"

	// PredSameGeneration passes when the signal generation is at least the
	// pane's current generation.
	PredSameGeneration PredicateKind = "same_generation"
)

var knownPredicates = map[PredicateKind]bool{
	PredExitCodeZero:        true,
	PredExitCodeNonzero:     true,
	PredStickyLongRunning:   true,
	PredNotificationSubtype: true,
	PredSameGeneration:      true,
}

// Predicate is one tagged payload check attached to a rule.
type Predicate struct {
	Kind  PredicateKind
	Value string // subtype for PredNotificationSubtype, unused otherwise
}

// StateSnapshot is the read-only view of machine state handed to predicates.
type StateSnapshot struct {
	Status     Status
	Source     string
	StateID    int64
	StartedAt  time.Time
	Generation int
	Now        time.Time
}

// Evaluate runs the predicate against a signal and snapshot.
func (p Predicate) Evaluate(sig Signal, snap StateSnapshot) bool {
	switch p.Kind {
	case PredExitCodeZero:
		code, ok := sig.PayloadInt("exit_code")
		return ok && code == 0
	case PredExitCodeNonzero:
		code, ok := sig.PayloadInt("exit_code")
		return ok && code != 0
	case PredStickyLongRunning:
		if snap.Status != StatusLongRunning {
			return true
		}
		if sig.Source != snap.Source {
			return true
		}
		// A newer generation means a fresh session; allow the restart.
		return sig.Generation > snap.Generation
	case PredNotificationSubtype:
		subtype, ok := sig.PayloadString("notification_type")
		return ok && subtype == p.Value
	case PredSameGeneration:
		return sig.Generation >= snap.Generation
	default:
		return false
	}
}

// ResetMode controls how a rule treats started_at on transition.
type ResetMode string

const (
	// ResetAlways stamps started_at with the transition time.
	ResetAlways ResetMode = "always"

	// ResetNever preserves the previous started_at (completion rules keep it
	// for duration accounting).
	ResetNever ResetMode = "never"

	// ResetUnlessSameSource resets only when the signal comes from a
	// different source than the current state, so retry-like repeats from
	// one source do not restart the duration timer.
	ResetUnlessSameSource ResetMode = "unless_same_source"
)

// SourceAny and SourceSame are the from_source wildcards.
const (
	SourceAny  = "*"
	SourceSame = "="
)

// Rule is one row of the ordered transition table. First matching rule (after
// predicate checks) wins; a predicate failure falls through to the next row.
type Rule struct {
	// Name identifies the rule in logs and tests.
	Name string

	// FromStatus is the set of statuses the rule applies from; empty = any.
	FromStatus []Status

	// FromSource constrains the pane's current source: SourceAny, SourceSame
	// ("must equal the signal source"), or an exact source name.
	FromSource string

	// Signal is the exact signal key the rule matches.
	Signal string

	// To is the target status.
	To Status

	// ToSource is the new source, or SourceSame to preserve the current one.
	ToSource string

	// Description is a payload template ("run: {command:30}").
	Description string

	// Reset controls started_at handling.
	Reset ResetMode

	// Predicates must all pass for the rule to fire.
	Predicates []Predicate
}

func (r Rule) matchesStatus(current Status) bool {
	if len(r.FromStatus) == 0 {
		return true
	}
	for _, s := range r.FromStatus {
		if s == current {
			return true
		}
	}
	return false
}

func (r Rule) matchesSource(currentSource, signalSource string) bool {
	switch r.FromSource {
	case "", SourceAny:
		return true
	case SourceSame:
		return currentSource == signalSource
	default:
		return currentSource == r.FromSource
	}
}

// targetSource resolves ToSource against the current source.
func (r Rule) targetSource(currentSource string) string {
	if r.ToSource == SourceSame {
		return currentSource
	}
	return r.ToSource
}

// checkPredicates evaluates every predicate; all must pass.
func (r Rule) checkPredicates(sig Signal, snap StateSnapshot) bool {
	for _, p := range r.Predicates {
		if !p.Evaluate(sig, snap) {
			return false
		}
	}
	return true
}

var runningStates = []Status{StatusRunning, StatusLongRunning}

// DefaultRules returns the ordered transition table.
func DefaultRules() []Rule {
	return []Rule{
		// Shell
		{
			Name:        "shell_command_start",
			FromSource:  SourceAny,
			Signal:      "shell.command_start",
			To:          StatusRunning,
			ToSource:    SourceShell,
			Description: "run: {command:30}",
			Reset:       ResetAlways,
			Predicates:  []Predicate{{Kind: PredStickyLongRunning}},
		},
		{
			Name:        "shell_command_end_ok",
			FromStatus:  runningStates,
			FromSource:  SourceShell,
			Signal:      "shell.command_end",
			To:          StatusDone,
			ToSource:    SourceShell,
			Description: "command finished",
			Reset:       ResetNever,
			Predicates:  []Predicate{{Kind: PredExitCodeZero}},
		},
		{
			Name:        "shell_command_end_failed",
			FromStatus:  runningStates,
			FromSource:  SourceShell,
			Signal:      "shell.command_end",
			To:          StatusFailed,
			ToSource:    SourceShell,
			Description: "failed (exit={exit_code})",
			Reset:       ResetNever,
			Predicates:  []Predicate{{Kind: PredExitCodeNonzero}},
		},

		// Claude Code hooks
		{
			Name:        "claude_session_start",
			FromSource:  SourceAny,
			Signal:      "claude-code.SessionStart",
			To:          StatusRunning,
			ToSource:    SourceClaude,
			Description: "session started",
			Reset:       ResetAlways,
			Predicates:  []Predicate{{Kind: PredStickyLongRunning}},
		},
		{
			Name:        "claude_pre_tool_use",
			FromSource:  SourceAny,
			Signal:      "claude-code.PreToolUse",
			To:          StatusRunning,
			ToSource:    SourceClaude,
			Description: "tool: {tool_name:30}",
			Reset:       ResetUnlessSameSource,
			Predicates:  []Predicate{{Kind: PredStickyLongRunning}},
		},
		{
			Name:        "claude_stop",
			FromStatus:  runningStates,
			FromSource:  SourceClaude,
			Signal:      "claude-code.Stop",
			To:          StatusDone,
			ToSource:    SourceClaude,
			Description: "reply finished",
			Reset:       ResetNever,
		},
		{
			Name:        "claude_permission_prompt",
			FromSource:  SourceAny,
			Signal:      "claude-code.Notification",
			To:          StatusWaitingApproval,
			ToSource:    SourceClaude,
			Description: "needs approval",
			Reset:       ResetNever,
			Predicates:  []Predicate{{Kind: PredNotificationSubtype, Value: "permission_prompt"}},
		},
		{
			Name:       "claude_idle_prompt",
			FromSource: SourceAny,
			Signal:     "claude-code.Notification",
			To:         StatusIdle,
			ToSource:   SourceClaude,
			Reset:      ResetAlways,
			Predicates: []Predicate{{Kind: PredNotificationSubtype, Value: "idle_prompt"}},
		},
		{
			Name:       "claude_session_end",
			FromSource: SourceAny,
			Signal:     "claude-code.SessionEnd",
			To:         StatusIdle,
			ToSource:   SourceClaude,
			Reset:      ResetAlways,
		},

		// Timer
		{
			Name:        "timer_long_running",
			FromStatus:  []Status{StatusRunning},
			FromSource:  SourceAny,
			Signal:      SignalTimerCheck,
			To:          StatusLongRunning,
			ToSource:    SourceSame,
			Description: "running for {elapsed}",
			Reset:       ResetNever,
		},
		{
			Name:        "waiting_fallback_running",
			FromStatus:  []Status{StatusWaitingApproval},
			FromSource:  SourceAny,
			Signal:      SignalWaitingFallbackRun,
			To:          StatusRunning,
			ToSource:    SourceSame,
			Description: "resumed after timeout (content changed)",
			Reset:       ResetNever,
		},
		{
			Name:        "waiting_fallback_idle",
			FromStatus:  []Status{StatusWaitingApproval},
			FromSource:  SourceAny,
			Signal:      SignalWaitingFallbackIdle,
			To:          StatusIdle,
			ToSource:    SourceSame,
			Description: "cleared after timeout",
			Reset:       ResetAlways,
		},

		// User acknowledgment (focus or dashboard click)
		{
			Name:       "user_clear_waiting_focus",
			FromStatus: []Status{StatusWaitingApproval},
			FromSource: SourceAny,
			Signal:     "iterm.focus",
			To:         StatusIdle,
			ToSource:   SourceUser,
			Reset:      ResetAlways,
		},
		{
			Name:       "user_clear_waiting_click",
			FromStatus: []Status{StatusWaitingApproval},
			FromSource: SourceAny,
			Signal:     "frontend.click_pane",
			To:         StatusIdle,
			ToSource:   SourceUser,
			Reset:      ResetAlways,
		},
		{
			Name:       "user_clear_done_focus",
			FromStatus: []Status{StatusDone, StatusFailed},
			FromSource: SourceAny,
			Signal:     "iterm.focus",
			To:         StatusIdle,
			ToSource:   SourceUser,
			Reset:      ResetAlways,
		},
		{
			Name:       "user_clear_done_click",
			FromStatus: []Status{StatusDone, StatusFailed},
			FromSource: SourceAny,
			Signal:     "frontend.click_pane",
			To:         StatusIdle,
			ToSource:   SourceUser,
			Reset:      ResetAlways,
		},

		// Content resume while waiting
		{
			Name:        "content_resume_waiting",
			FromStatus:  []Status{StatusWaitingApproval},
			FromSource:  SourceAny,
			Signal:      SignalContentUpdate,
			To:          StatusRunning,
			ToSource:    SourceSame,
			Description: "content changed, resuming",
			Reset:       ResetNever,
		},
		{
			Name:        "content_resume_waiting_legacy",
			FromStatus:  []Status{StatusWaitingApproval},
			FromSource:  SourceAny,
			Signal:      SignalContentChangedLegacy,
			To:          StatusRunning,
			ToSource:    SourceSame,
			Description: "content changed, resuming",
			Reset:       ResetNever,
		},
	}
}

// ValidateRules checks the table for contract violations. A malformed table
// is a programming error and fails fast before any signal is processed.
func ValidateRules(rules []Rule) error {
	if len(rules) == 0 {
		return fmt.Errorf("pane: empty rule table")
	}
	seen := make(map[string]bool, len(rules))
	for i, r := range rules {
		if r.Name == "" {
			return fmt.Errorf("pane: rule %d has no name", i)
		}
		if seen[r.Name] {
			return fmt.Errorf("pane: duplicate rule name %q", r.Name)
		}
		seen[r.Name] = true
		if r.Signal == "" {
			return fmt.Errorf("pane: rule %q has no signal pattern", r.Name)
		}
		if !r.To.Valid() {
			return fmt.Errorf("pane: rule %q targets unknown status %q", r.Name, r.To)
		}
		for _, s := range r.FromStatus {
			if !s.Valid() {
				return fmt.Errorf("pane: rule %q matches unknown status %q", r.Name, s)
			}
		}
		if r.ToSource == "" {
			return fmt.Errorf("pane: rule %q has no target source", r.Name)
		}
		switch r.Reset {
		case ResetAlways, ResetNever, ResetUnlessSameSource:
		default:
			return fmt.Errorf("pane: rule %q has invalid reset mode %q", r.Name, r.Reset)
		}
		for _, p := range r.Predicates {
			if !knownPredicates[p.Kind] {
				return fmt.Errorf("pane: rule %q uses unknown predicate %q", r.Name, p.Kind)
			}
			if p.Kind == PredNotificationSubtype && p.Value == "" {
				return fmt.Errorf("pane: rule %q predicate %q needs a value", r.Name, p.Kind)
			}
		}
	}
	return nil
}

// findCandidates returns rules whose shape matches, in table order.
// Predicates are checked by the caller so a failure can fall through.
func findCandidates(rules []Rule, signalKey string, status Status, source, signalSource string) []Rule {
	var out []Rule
	for _, r := range rules {
		if r.Signal != signalKey {
			continue
		}
		if !r.matchesStatus(status) {
			continue
		}
		if !r.matchesSource(source, signalSource) {
			continue
		}
		out = append(out, r)
	}
	return out
}
