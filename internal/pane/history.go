package pane

import "time"

// Outcome classifies a transition attempt.
type Outcome string

const (
	OutcomeAccepted Outcome = "accepted"
	OutcomeRejected Outcome = "rejected"
)

// Rejection reasons recorded in history. These are steady-state conditions,
// never errors.
const (
	ReasonStaleGeneration = "stale_generation"
	ReasonNoRuleMatched   = "no_rule_matched"
	ReasonPredicateFailed = "predicate_failed"
)

// HistoryEntry records one transition attempt, accepted or rejected.
type HistoryEntry struct {
	Signal      string    `json:"signal"`
	FromStatus  Status    `json:"from_status"`
	ToStatus    Status    `json:"to_status"`
	Source      string    `json:"source"`
	Outcome     Outcome   `json:"outcome"`
	Reason      string    `json:"reason,omitempty"`
	Description string    `json:"description,omitempty"`
	StateID     int64     `json:"state_id"`
	Timestamp   time.Time `json:"timestamp"`
}

// historyRing is a fixed-size ring of transition attempts. Oldest entries
// drop silently. Not safe for concurrent use; the owning machine is
// serialized by the actor discipline.
type historyRing struct {
	entries []HistoryEntry
	max     int
	start   int
	count   int
}

func newHistoryRing(max int) *historyRing {
	if max <= 0 {
		max = 30
	}
	return &historyRing{
		entries: make([]HistoryEntry, max),
		max:     max,
	}
}

func (h *historyRing) append(entry HistoryEntry) {
	if h.count < h.max {
		h.entries[(h.start+h.count)%h.max] = entry
		h.count++
		return
	}
	// Full: overwrite the oldest slot and advance.
	h.entries[h.start] = entry
	h.start = (h.start + 1) % h.max
}

// list returns entries in chronological order.
func (h *historyRing) list() []HistoryEntry {
	out := make([]HistoryEntry, 0, h.count)
	for i := 0; i < h.count; i++ {
		out = append(out, h.entries[(h.start+i)%h.max])
	}
	return out
}
