package pane

import (
	"time"
)

// Well-known signal sources.
const (
	SourceShell    = "shell"
	SourceClaude   = "claude-code"
	SourceContent  = "content"
	SourceTimer    = "timer"
	SourceITerm    = "iterm"
	SourceFrontend = "frontend"
	SourceUser     = "user"
)

// Signal keys synthesized by the supervisor's scheduler.
const (
	SignalTimerCheck           = "timer.check"
	SignalWaitingFallbackRun   = "timer.waiting_fallback_running"
	SignalWaitingFallbackIdle  = "timer.waiting_fallback_idle"
	SignalContentUpdate        = "content.update"
	SignalContentChangedLegacy = "content.changed"
)

// Signal is the normalized unit of status-relevant input from any source.
// Immutable once constructed; the supervisor fills Generation and Timestamp
// when the producer leaves them unset.
type Signal struct {
	Source     string         `json:"source"`
	PaneID     string         `json:"pane_id"`
	EventType  string         `json:"event_type"`
	Payload    map[string]any `json:"payload,omitempty"`
	Generation int            `json:"generation"`
	Timestamp  time.Time      `json:"timestamp"`
}

// Key derives the full signal key "source.event_type". Payload-dependent
// subtypes (notification kind, exit-code parity) are resolved by rule
// predicates, not baked into the key.
func (s Signal) Key() string {
	return s.Source + "." + s.EventType
}

// NewSignal builds a signal with the timestamp set to now. Generation 0 means
// "fill with the pane's current generation at enqueue".
func NewSignal(source, paneID, eventType string, payload map[string]any) Signal {
	return Signal{
		Source:    source,
		PaneID:    paneID,
		EventType: eventType,
		Payload:   payload,
		Timestamp: time.Now(),
	}
}

// PayloadInt reads an integer payload field, tolerating the float64 that
// encoding/json produces for numbers.
func (s Signal) PayloadInt(key string) (int, bool) {
	v, ok := s.Payload[key]
	if !ok {
		return 0, false
	}
	switch n := v.(type) {
	case int:
		return n, true
	case int64:
		return int(n), true
	case float64:
		return int(n), true
	default:
		return 0, false
	}
}

// PayloadString reads a string payload field.
func (s Signal) PayloadString(key string) (string, bool) {
	v, ok := s.Payload[key]
	if !ok {
		return "", false
	}
	str, ok := v.(string)
	return str, ok
}

// isContentSignal reports whether the key carries a pane content update.
func isContentSignal(key string) bool {
	return key == SignalContentUpdate || key == SignalContentChangedLegacy
}
