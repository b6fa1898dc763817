// Package pane implements the pane state supervision pipeline: per-pane
// bounded event queues, a rule-driven state machine with transition history,
// a delayed/suppressed display layer, and the supervisor that serializes
// processing per pane while broadcasting one outward change stream.
package pane

import "fmt"

// Status is the closed set of pane task states.
type Status string

const (
	StatusIdle            Status = "idle"
	StatusRunning         Status = "running"
	StatusLongRunning     Status = "long_running"
	StatusWaitingApproval Status = "waiting_approval"
	StatusDone            Status = "done"
	StatusFailed          Status = "failed"
)

// allStatuses is the authoritative enumeration used for validation.
var allStatuses = map[Status]bool{
	StatusIdle:            true,
	StatusRunning:         true,
	StatusLongRunning:     true,
	StatusWaitingApproval: true,
	StatusDone:            true,
	StatusFailed:          true,
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	return allStatuses[s]
}

// ParseStatus converts a string into a Status, rejecting unknown values.
func ParseStatus(raw string) (Status, error) {
	s := Status(raw)
	if !s.Valid() {
		return "", fmt.Errorf("pane: unknown status %q", raw)
	}
	return s, nil
}

// IsRunning reports whether the status is an active-execution state.
func (s Status) IsRunning() bool {
	return s == StatusRunning || s == StatusLongRunning
}

// IsTerminal reports whether the status is a completion state awaiting
// acknowledgment.
func (s Status) IsTerminal() bool {
	return s == StatusDone || s == StatusFailed
}

// NeedsAttention reports whether the frontend should draw attention effects.
func (s Status) NeedsAttention() bool {
	return s == StatusWaitingApproval || s == StatusDone || s == StatusFailed
}

// Visible reports whether the frontend displays the status at all.
func (s Status) Visible() bool {
	return s != StatusIdle
}

// Color returns the display color associated with the status.
func (s Status) Color() string {
	switch s {
	case StatusRunning:
		return "blue"
	case StatusLongRunning:
		return "darkblue"
	case StatusWaitingApproval:
		return "yellow"
	case StatusDone:
		return "green"
	case StatusFailed:
		return "red"
	default:
		return "gray"
	}
}
