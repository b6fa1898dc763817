package pane

import (
	"log/slog"
	"sync/atomic"
	"time"
)

// stateIDCounter issues globally unique, monotonically increasing state IDs
// across all panes. The ID total-orders every accepted transition in the
// process and is the sole staleness authority for the display layer.
var stateIDCounter atomic.Int64

func nextStateID() int64 {
	return stateIDCounter.Add(1)
}

// ensureStateIDFloor raises the counter to at least floor, so IDs issued
// after a snapshot restore never collide with persisted ones.
func ensureStateIDFloor(floor int64) {
	for {
		cur := stateIDCounter.Load()
		if cur >= floor {
			return
		}
		if stateIDCounter.CompareAndSwap(cur, floor) {
			return
		}
	}
}

// Transition is the result of processing one signal.
type Transition struct {
	Changed     bool    `json:"changed"`
	Outcome     Outcome `json:"outcome"`
	Reason      string  `json:"reason,omitempty"`
	Rule        string  `json:"rule,omitempty"`
	From        Status  `json:"from,omitempty"`
	To          Status  `json:"to,omitempty"`
	StateID     int64   `json:"state_id,omitempty"`
	Description string  `json:"description,omitempty"`
}

// MachineState is the serializable state of one pane's machine.
type MachineState struct {
	PaneID      string         `json:"pane_id"`
	Status      Status         `json:"status"`
	Source      string         `json:"source"`
	Description string         `json:"description"`
	StateID     int64          `json:"state_id"`
	Generation  int            `json:"generation"`
	StartedAt   time.Time      `json:"started_at"`
	ChangedAt   time.Time      `json:"changed_at"`
	History     []HistoryEntry `json:"history,omitempty"`
}

// StateMachine holds one pane's authoritative status. It carries no locking;
// the owning actor serializes all calls.
type StateMachine struct {
	paneID      string
	rules       []Rule
	status      Status
	source      string
	description string
	stateID     int64
	generation  int
	startedAt   time.Time
	changedAt   time.Time
	history     *historyRing
	log         *slog.Logger
	now         func() time.Time
}

// NewStateMachine builds a machine in IDLE at generation 1. The rule table
// must have passed ValidateRules.
func NewStateMachine(paneID string, rules []Rule, historySize int, log *slog.Logger) *StateMachine {
	m := &StateMachine{
		paneID:     paneID,
		rules:      rules,
		status:     StatusIdle,
		generation: 1,
		history:    newHistoryRing(historySize),
		log:        log,
		now:        time.Now,
	}
	m.changedAt = m.now()
	return m
}

// Process runs one signal through the generation fence and rule table.
// Never returns an error: unmatched or fenced signals are steady-state
// rejections recorded in history.
func (m *StateMachine) Process(sig Signal) Transition {
	now := m.now()

	if sig.Generation != 0 && sig.Generation < m.generation {
		return m.reject(sig, ReasonStaleGeneration, now)
	}
	if sig.Generation > m.generation {
		// A producer from a newer session; adopt its generation.
		m.generation = sig.Generation
	}

	key := sig.Key()
	candidates := findCandidates(m.rules, key, m.status, m.source, sig.Source)
	if len(candidates) == 0 {
		return m.reject(sig, ReasonNoRuleMatched, now)
	}

	snap := m.snapshotLocked(now)
	var matched *Rule
	for i := range candidates {
		if candidates[i].checkPredicates(sig, snap) {
			matched = &candidates[i]
			break
		}
	}
	if matched == nil {
		return m.reject(sig, ReasonPredicateFailed, now)
	}

	return m.apply(*matched, sig, now)
}

func (m *StateMachine) apply(rule Rule, sig Signal, now time.Time) Transition {
	from := m.status
	fromSource := m.source

	switch rule.Reset {
	case ResetAlways:
		m.startedAt = now
	case ResetUnlessSameSource:
		if fromSource != sig.Source || m.startedAt.IsZero() {
			m.startedAt = now
		}
	case ResetNever:
		if m.startedAt.IsZero() {
			m.startedAt = now
		}
	}

	m.status = rule.To
	m.source = rule.targetSource(fromSource)
	m.description = m.renderDescription(rule, sig, now)
	m.stateID = nextStateID()
	m.changedAt = now

	m.history.append(HistoryEntry{
		Signal:      sig.Key(),
		FromStatus:  from,
		ToStatus:    m.status,
		Source:      sig.Source,
		Outcome:     OutcomeAccepted,
		Description: m.description,
		StateID:     m.stateID,
		Timestamp:   now,
	})
	if m.log != nil {
		m.log.Debug("transition",
			"pane", m.paneID,
			"rule", rule.Name,
			"from", from,
			"to", m.status,
			"state_id", m.stateID)
	}

	return Transition{
		Changed:     true,
		Outcome:     OutcomeAccepted,
		Rule:        rule.Name,
		From:        from,
		To:          m.status,
		StateID:     m.stateID,
		Description: m.description,
	}
}

func (m *StateMachine) renderDescription(rule Rule, sig Signal, now time.Time) string {
	if rule.Description == "" {
		return ""
	}
	payload := sig.Payload
	if rule.Signal == SignalTimerCheck {
		merged := make(map[string]any, len(payload)+1)
		for k, v := range payload {
			merged[k] = v
		}
		merged["elapsed"] = formatElapsed(now.Sub(m.startedAt))
		payload = merged
	}
	return RenderDescription(rule.Description, payload)
}

func (m *StateMachine) reject(sig Signal, reason string, now time.Time) Transition {
	// Timer ticks and content polls with no applicable rule arrive constantly
	// for every pane; keeping them out of history preserves it for real
	// activity.
	noisy := sig.Source == SourceTimer || isContentSignal(sig.Key())
	if !(noisy && reason == ReasonNoRuleMatched) {
		m.history.append(HistoryEntry{
			Signal:     sig.Key(),
			FromStatus: m.status,
			ToStatus:   m.status,
			Source:     sig.Source,
			Outcome:    OutcomeRejected,
			Reason:     reason,
			StateID:    m.stateID,
			Timestamp:  now,
		})
	}
	return Transition{
		Changed: false,
		Outcome: OutcomeRejected,
		Reason:  reason,
		From:    m.status,
		To:      m.status,
		StateID: m.stateID,
	}
}

// RecordRejection appends a rejected attempt to history without touching
// state. Used by the supervisor when the queue fences a signal at enqueue,
// so operators can still see why it had no effect.
func (m *StateMachine) RecordRejection(sig Signal, reason string) {
	m.reject(sig, reason, m.now())
}

// ShouldPromoteLongRunning reports whether the pane has been RUNNING past
// the threshold. Callers react by enqueueing a timer signal, not by mutating
// state directly.
func (m *StateMachine) ShouldPromoteLongRunning(threshold time.Duration) bool {
	return m.status == StatusRunning && !m.startedAt.IsZero() &&
		m.now().Sub(m.startedAt) >= threshold
}

// BumpGeneration invalidates all in-flight signals carrying the previous
// generation and returns the new one.
func (m *StateMachine) BumpGeneration() int {
	m.generation++
	return m.generation
}

// Generation returns the current session generation.
func (m *StateMachine) Generation() int { return m.generation }

// Status returns the current status.
func (m *StateMachine) Status() Status { return m.status }

// StateID returns the ID of the last accepted transition.
func (m *StateMachine) StateID() int64 { return m.stateID }

// History returns the recorded transition attempts, oldest first.
func (m *StateMachine) History() []HistoryEntry { return m.history.list() }

func (m *StateMachine) snapshotLocked(now time.Time) StateSnapshot {
	return StateSnapshot{
		Status:     m.status,
		Source:     m.source,
		StateID:    m.stateID,
		StartedAt:  m.startedAt,
		Generation: m.generation,
		Now:        now,
	}
}

// State returns the serializable machine state including history.
func (m *StateMachine) State() MachineState {
	return MachineState{
		PaneID:      m.paneID,
		Status:      m.status,
		Source:      m.source,
		Description: m.description,
		StateID:     m.stateID,
		Generation:  m.generation,
		StartedAt:   m.startedAt,
		ChangedAt:   m.changedAt,
		History:     m.history.list(),
	}
}

// Restore rehydrates the machine from a persisted state and raises the
// global ID counter past the restored state ID.
func (m *StateMachine) Restore(st MachineState) {
	if st.Status.Valid() {
		m.status = st.Status
	}
	m.source = st.Source
	m.description = st.Description
	m.stateID = st.StateID
	if st.Generation > 0 {
		m.generation = st.Generation
	}
	m.startedAt = st.StartedAt
	m.changedAt = st.ChangedAt
	for _, e := range st.History {
		m.history.append(e)
	}
	ensureStateIDFloor(st.StateID)
}
