package pane

import (
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/asheshgoplani/pane-supervisor/internal/logging"
	"github.com/asheshgoplani/pane-supervisor/internal/metrics"
)

// protectedSignals never get dropped under pressure: losing one desyncs the
// machine from reality permanently (a missed command_end strands RUNNING).
var protectedSignals = map[string]bool{
	"shell.command_end":      true,
	"claude-code.Stop":       true,
	"claude-code.SessionEnd": true,
}

// IsProtected reports whether a signal key must survive queue pressure.
func IsProtected(key string) bool {
	return protectedSignals[key]
}

// isLowPriority marks keys that are safe to shed: they are re-derivable
// from the next poll or tick.
func isLowPriority(key string) bool {
	return isContentSignal(key) || key == SignalTimerCheck
}

// DropPolicy chooses the eviction victim when a full queue must admit a
// new signal.
type DropPolicy interface {
	// Victim returns the index of the queued signal to evict, or -1 to
	// reject the incoming signal instead.
	Victim(queued []Signal, incoming Signal) int
}

// dropOldestPolicy always evicts the head of the queue.
type dropOldestPolicy struct{}

func (dropOldestPolicy) Victim(queued []Signal, incoming Signal) int {
	if len(queued) == 0 {
		return -1
	}
	return 0
}

// ProtectiveDropPolicy evicts the oldest low-priority signal first, then the
// oldest unprotected one, and otherwise rejects the newcomer. The supervisor
// installs this so completion signals survive bursts.
type ProtectiveDropPolicy struct{}

func (ProtectiveDropPolicy) Victim(queued []Signal, incoming Signal) int {
	for i, s := range queued {
		if isLowPriority(s.Key()) {
			return i
		}
	}
	for i, s := range queued {
		if !IsProtected(s.Key()) {
			return i
		}
	}
	return -1
}

// EnqueueOutcome classifies what happened to a submitted signal.
type EnqueueOutcome int

const (
	// EnqueueAdmitted means the signal was buffered.
	EnqueueAdmitted EnqueueOutcome = iota
	// EnqueueMerged means the signal replaced a queued content update.
	EnqueueMerged
	// EnqueueShed means a low-value signal was discarded under pressure.
	EnqueueShed
	// EnqueueStale means the signal's generation predates the fence.
	EnqueueStale
	// EnqueueRejected means the queue was full of undroppable signals.
	EnqueueRejected
)

// Buffered reports whether the signal will reach the drain loop.
func (o EnqueueOutcome) Buffered() bool {
	return o == EnqueueAdmitted || o == EnqueueMerged
}

// QueueStats counts queue outcomes since startup.
type QueueStats struct {
	Enqueued      int64 `json:"enqueued"`
	Dequeued      int64 `json:"dequeued"`
	Merged        int64 `json:"merged"`
	ShedContent   int64 `json:"shed_content"`
	DroppedOldest int64 `json:"dropped_oldest"`
	RejectedStale int64 `json:"rejected_stale"`
	RejectedFull  int64 `json:"rejected_full"`
}

// QueueSnapshot is the debug view of one queue.
type QueueSnapshot struct {
	Depth    int        `json:"depth"`
	Capacity int        `json:"capacity"`
	Stats    QueueStats `json:"stats"`
	Pending  []string   `json:"pending,omitempty"`
}

// EventQueue is a bounded FIFO of signals for one pane. Producers never
// block: under pressure the queue merges and sheds low-value signals early
// and evicts per the drop policy at capacity. Signals older than the
// generation fence are rejected at the door instead of buffered. Safe for
// concurrent use.
type EventQueue struct {
	mu       sync.Mutex
	items    []Signal
	capacity int
	shedAt   int // depth at which incoming content signals are shed
	warnAt   int // depth at which a pressure warning is logged
	policy   DropPolicy
	fence    atomic.Int64 // minimum admissible generation
	stats    QueueStats
	log      *slog.Logger
}

// NewEventQueue builds a queue with the given capacity. A nil policy gets
// plain drop-oldest.
func NewEventQueue(capacity int, policy DropPolicy, log *slog.Logger) *EventQueue {
	if capacity <= 0 {
		capacity = 256
	}
	if policy == nil {
		policy = dropOldestPolicy{}
	}
	return &EventQueue{
		items:    make([]Signal, 0, capacity),
		capacity: capacity,
		shedAt:   capacity / 2,
		warnAt:   capacity * 3 / 4,
		policy:   policy,
		log:      log,
	}
}

// SetWatermarks adjusts the content-shed and warning fill ratios.
func (q *EventQueue) SetWatermarks(shed, warn float64) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if shed > 0 && shed <= 1 {
		q.shedAt = int(float64(q.capacity) * shed)
	}
	if warn > 0 && warn <= 1 {
		q.warnAt = int(float64(q.capacity) * warn)
	}
}

// SetGenerationFence raises the minimum generation a signal must carry to
// be admitted. Signals with generation 0 (unset) always pass.
func (q *EventQueue) SetGenerationFence(gen int) {
	q.fence.Store(int64(gen))
}

// Enqueue admits a signal, merging, shedding, fencing, or evicting as needed.
func (q *EventQueue) Enqueue(sig Signal) EnqueueOutcome {
	key := sig.Key()

	if sig.Generation != 0 && int64(sig.Generation) < q.fence.Load() {
		q.mu.Lock()
		q.stats.RejectedStale++
		q.mu.Unlock()
		metrics.Inc("queue.rejected_stale", nil)
		logging.Aggregate(logging.CompQueue, "rejected_stale", slog.String("pane", sig.PaneID))
		return EnqueueStale
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	if isContentSignal(key) {
		// Consecutive content updates collapse to the newest: only the
		// latest content matters.
		if n := len(q.items); n > 0 && isContentSignal(q.items[n-1].Key()) {
			q.items[n-1] = sig
			q.stats.Merged++
			metrics.Inc("queue.merged", nil)
			logging.Aggregate(logging.CompQueue, "content_merged", slog.String("pane", sig.PaneID))
			return EnqueueMerged
		}
		if len(q.items) >= q.shedAt {
			q.stats.ShedContent++
			metrics.Inc("queue.shed_content", nil)
			logging.Aggregate(logging.CompQueue, "content_shed", slog.String("pane", sig.PaneID))
			return EnqueueShed
		}
	}

	if len(q.items) >= q.capacity {
		victim := q.policy.Victim(q.items, sig)
		if victim < 0 {
			q.stats.RejectedFull++
			metrics.Inc("queue.rejected_full", nil)
			if q.log != nil {
				q.log.Warn("queue full, rejecting signal",
					"pane", sig.PaneID, "signal", key, "depth", len(q.items))
			}
			return EnqueueRejected
		}
		dropped := q.items[victim]
		q.items = append(q.items[:victim], q.items[victim+1:]...)
		q.stats.DroppedOldest++
		metrics.Inc("queue.dropped_oldest", nil)
		if q.log != nil {
			q.log.Warn("queue full, evicting oldest",
				"pane", sig.PaneID, "evicted", dropped.Key(), "admitted", key)
		}
	}

	q.items = append(q.items, sig)
	q.stats.Enqueued++
	if len(q.items) == q.warnAt && q.log != nil {
		q.log.Warn("queue depth high", "pane", sig.PaneID, "depth", len(q.items), "capacity", q.capacity)
	}
	return EnqueueAdmitted
}

// Dequeue removes and returns the oldest signal.
func (q *EventQueue) Dequeue() (Signal, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return Signal{}, false
	}
	sig := q.items[0]
	q.items = q.items[1:]
	q.stats.Dequeued++
	return sig, true
}

// Len returns the current depth.
func (q *EventQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Clear drops all queued signals, returning how many were discarded.
func (q *EventQueue) Clear() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := len(q.items)
	q.items = q.items[:0]
	return n
}

// Stats returns a copy of the outcome counters.
func (q *EventQueue) Stats() QueueStats {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.stats
}

// Snapshot returns the debug view, including up to the last 16 pending keys.
func (q *EventQueue) Snapshot() QueueSnapshot {
	q.mu.Lock()
	defer q.mu.Unlock()
	snap := QueueSnapshot{
		Depth:    len(q.items),
		Capacity: q.capacity,
		Stats:    q.stats,
	}
	start := 0
	if len(q.items) > 16 {
		start = len(q.items) - 16
	}
	for _, s := range q.items[start:] {
		snap.Pending = append(snap.Pending, s.Key())
	}
	return snap
}
