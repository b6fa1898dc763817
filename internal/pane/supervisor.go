package pane

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/asheshgoplani/pane-supervisor/internal/metrics"
)

// Schedule is the scheduler surface the supervisor needs: a periodic tick
// plus named, replaceable delayed tasks.
type Schedule interface {
	Delayer
	RegisterInterval(name string, interval time.Duration, callback func())
	UnregisterInterval(name string) bool
	PendingDelays(prefix string) []string
}

// Options configures a Supervisor.
type Options struct {
	// Rules is the transition table; nil gets DefaultRules.
	Rules []Rule

	// TickInterval drives TickAll (default 1s).
	TickInterval time.Duration

	// LongRunningAfter promotes RUNNING panes (default 60s).
	LongRunningAfter time.Duration

	// WaitingFallback bounds time in WAITING_APPROVAL (default 25s).
	WaitingFallback time.Duration

	// WaitingFallbackToRunning resumes RUNNING when content changed while
	// waiting; false always falls to IDLE.
	WaitingFallbackToRunning bool

	// HistoryLength bounds per-pane transition history (default 30).
	HistoryLength int

	// QueueCapacity bounds each pane's event queue (default 256).
	QueueCapacity int

	// QueueShedWatermark and QueueWarnWatermark are fill ratios for content
	// shedding and depth warnings.
	QueueShedWatermark float64
	QueueWarnWatermark float64

	// QueuePolicy overrides the eviction policy; nil gets ProtectiveDropPolicy.
	QueuePolicy DropPolicy

	// Display configures per-pane display controllers.
	Display DisplayOptions

	// Notify is the single outward callback for applied display changes.
	Notify func(DisplayUpdate)

	Log *slog.Logger
}

func (o *Options) applyDefaults() {
	if o.Rules == nil {
		o.Rules = DefaultRules()
	}
	if o.TickInterval <= 0 {
		o.TickInterval = time.Second
	}
	if o.LongRunningAfter <= 0 {
		o.LongRunningAfter = 60 * time.Second
	}
	if o.WaitingFallback <= 0 {
		o.WaitingFallback = 25 * time.Second
		o.WaitingFallbackToRunning = true
	}
	if o.HistoryLength <= 0 {
		o.HistoryLength = 30
	}
	if o.QueueCapacity <= 0 {
		o.QueueCapacity = 256
	}
	if o.QueuePolicy == nil {
		o.QueuePolicy = ProtectiveDropPolicy{}
	}
}

// PaneDebug is the read-only introspection view of one pane.
type PaneDebug struct {
	Machine       MachineState  `json:"machine"`
	Display       DisplayState  `json:"display"`
	Queue         QueueSnapshot `json:"queue"`
	PendingDelays []string      `json:"pending_delays,omitempty"`
}

// paneActor owns one pane's queue, machine, and display, and drains the
// queue on a dedicated goroutine so processing is serialized per pane.
type paneActor struct {
	id      string
	queue   *EventQueue
	machine *StateMachine
	display *DisplayController

	mu sync.Mutex // serializes machine access across drain and readers

	wake chan struct{}
	stop chan struct{}

	// waiting-fallback bookkeeping, guarded by mu
	waitingStateID int64
	waitingContent bool
}

// Supervisor owns the pane map and guarantees actor-discipline processing:
// producers hand off and return; each pane drains in FIFO order with at most
// one transition in flight; different panes process fully in parallel.
type Supervisor struct {
	opts  Options
	sched Schedule
	log   *slog.Logger
	now   func() time.Time

	mu     sync.Mutex
	panes  map[string]*paneActor
	closed bool
}

// NewSupervisor validates the rule table and builds an empty supervisor.
func NewSupervisor(sched Schedule, opts Options) (*Supervisor, error) {
	opts.applyDefaults()
	if err := ValidateRules(opts.Rules); err != nil {
		return nil, err
	}
	log := opts.Log
	if log == nil {
		log = slog.Default()
	}
	return &Supervisor{
		opts:  opts,
		sched: sched,
		log:   log,
		now:   time.Now,
		panes: make(map[string]*paneActor),
	}, nil
}

// Start registers the periodic status tick.
func (s *Supervisor) Start() {
	s.sched.RegisterInterval("supervisor.tick", s.opts.TickInterval, func() {
		s.TickAll(s.now())
	})
}

// Close stops the tick and every pane actor. Idempotent; Forget and
// PruneClosed after Close are no-ops.
func (s *Supervisor) Close() {
	s.sched.UnregisterInterval("supervisor.tick")
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	actors := make([]*paneActor, 0, len(s.panes))
	for _, a := range s.panes {
		actors = append(actors, a)
	}
	s.panes = make(map[string]*paneActor)
	metrics.Gauge("supervisor.panes", nil, 0)
	s.mu.Unlock()
	for _, a := range actors {
		s.teardown(a)
	}
}

// Enqueue normalizes and submits a signal. Never blocks: the pane's bounded
// queue absorbs or sheds it and the drain goroutine is woken. Returns the
// enqueue outcome for producers that care (the ingest API reports it).
func (s *Supervisor) Enqueue(paneID string, sig Signal) EnqueueOutcome {
	if paneID == "" {
		paneID = sig.PaneID
	}
	sig.PaneID = paneID
	a := s.getOrCreate(paneID)
	if a == nil {
		return EnqueueRejected
	}

	if sig.Timestamp.IsZero() {
		sig.Timestamp = s.now()
	}
	if sig.Generation == 0 {
		a.mu.Lock()
		sig.Generation = a.machine.Generation()
		a.mu.Unlock()
	}

	outcome := a.queue.Enqueue(sig)
	switch outcome {
	case EnqueueStale:
		a.mu.Lock()
		a.machine.RecordRejection(sig, ReasonStaleGeneration)
		a.mu.Unlock()
	case EnqueueAdmitted, EnqueueMerged:
		select {
		case a.wake <- struct{}{}:
		default:
		}
	}
	return outcome
}

// TickAll synthesizes timer.check for every pane due for long-running
// promotion. Driven by the scheduler interval; callable directly in tests.
func (s *Supervisor) TickAll(now time.Time) {
	for _, a := range s.actors() {
		a.mu.Lock()
		due := a.machine.ShouldPromoteLongRunning(s.opts.LongRunningAfter)
		gen := a.machine.Generation()
		a.mu.Unlock()
		if !due {
			continue
		}
		sig := NewSignal(SourceTimer, a.id, "check", nil)
		sig.Generation = gen
		sig.Timestamp = now
		s.Enqueue(a.id, sig)
	}
}

// getOrCreate returns the pane's actor, creating it lazily on first signal.
func (s *Supervisor) getOrCreate(paneID string) *paneActor {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	if a, ok := s.panes[paneID]; ok {
		return a
	}

	log := s.log.With("pane", paneID)
	a := &paneActor{
		id:      paneID,
		queue:   NewEventQueue(s.opts.QueueCapacity, s.opts.QueuePolicy, log),
		machine: NewStateMachine(paneID, s.opts.Rules, s.opts.HistoryLength, log),
		wake:    make(chan struct{}, 1),
		stop:    make(chan struct{}),
	}
	if s.opts.QueueShedWatermark > 0 || s.opts.QueueWarnWatermark > 0 {
		a.queue.SetWatermarks(s.opts.QueueShedWatermark, s.opts.QueueWarnWatermark)
	}
	a.display = NewDisplayController(paneID, s.sched, s.opts.Display, s.emit, log)
	s.panes[paneID] = a
	metrics.Gauge("supervisor.panes", nil, int64(len(s.panes)))

	go s.drain(a)
	return a
}

// drain is the actor loop: one goroutine per pane, processing signals in
// FIFO order. The per-signal lock lets snapshot readers interleave between
// signals without ever observing a half-applied transition.
func (s *Supervisor) drain(a *paneActor) {
	for {
		select {
		case <-a.stop:
			return
		case <-a.wake:
		}
		for {
			sig, ok := a.queue.Dequeue()
			if !ok {
				break
			}
			s.process(a, sig)
		}
	}
}

func (s *Supervisor) process(a *paneActor, sig Signal) {
	key := sig.Key()

	if isContentSignal(key) {
		a.display.ContentChanged(contentHash(sig))
	}

	a.mu.Lock()
	if isContentSignal(key) && a.machine.Status() == StatusWaitingApproval {
		a.waitingContent = true
	}

	tr := a.machine.Process(sig)
	if !tr.Changed {
		a.mu.Unlock()
		metrics.Inc("supervisor.rejected", map[string]string{"reason": tr.Reason})
		return
	}

	st := a.machine.State()
	s.manageWaitingFallback(a, tr, st)
	a.mu.Unlock()

	metrics.Inc("supervisor.transitions", nil)
	a.display.HandleStateChange(st, tr.From)
}

// manageWaitingFallback registers the timeout delay on entry to WAITING and
// cancels or reschedules it on any later transition. Called with a.mu held.
func (s *Supervisor) manageWaitingFallback(a *paneActor, tr Transition, st MachineState) {
	name := "waiting.fallback." + a.id
	if st.Status != StatusWaitingApproval {
		if a.waitingStateID != 0 {
			a.waitingStateID = 0
			a.waitingContent = false
			s.sched.CancelDelay(name)
		}
		return
	}

	a.waitingStateID = st.StateID
	a.waitingContent = false
	stateID := st.StateID
	gen := st.Generation
	s.sched.RegisterDelay(name, s.opts.WaitingFallback, func() {
		s.fireWaitingFallback(a, stateID, gen)
	})
}

// fireWaitingFallback synthesizes the timeout signal. It re-validates the
// state_id: if the pane moved on since entering WAITING, this is a no-op.
func (s *Supervisor) fireWaitingFallback(a *paneActor, stateID int64, gen int) {
	a.mu.Lock()
	stale := a.machine.StateID() != stateID || a.machine.Status() != StatusWaitingApproval
	resume := a.waitingContent && s.opts.WaitingFallbackToRunning
	a.mu.Unlock()
	if stale {
		return
	}

	event := "waiting_fallback_idle"
	if resume {
		event = "waiting_fallback_running"
	}
	sig := NewSignal(SourceTimer, a.id, event, nil)
	sig.Generation = gen
	s.Enqueue(a.id, sig)
}

// emit forwards a display update through the single outward callback.
func (s *Supervisor) emit(update DisplayUpdate) {
	metrics.Inc("supervisor.display_updates", nil)
	if s.opts.Notify != nil {
		s.opts.Notify(update)
	}
}

// BumpGeneration invalidates in-flight signals for a pane (rebind to a new
// underlying session). Queued signals from the old generation are cleared.
func (s *Supervisor) BumpGeneration(paneID string) int {
	a := s.getOrCreate(paneID)
	if a == nil {
		return 0
	}
	a.mu.Lock()
	gen := a.machine.BumpGeneration()
	a.mu.Unlock()
	a.queue.SetGenerationFence(gen)
	if n := a.queue.Clear(); n > 0 {
		s.log.Info("cleared queue on generation bump", "pane", paneID, "dropped", n)
	}
	return gen
}

// Forget tears a pane down: pending delays canceled, actor stopped, state
// discarded.
func (s *Supervisor) Forget(paneID string) bool {
	s.mu.Lock()
	a, ok := s.panes[paneID]
	if ok {
		delete(s.panes, paneID)
		metrics.Gauge("supervisor.panes", nil, int64(len(s.panes)))
	}
	s.mu.Unlock()
	if !ok {
		return false
	}
	s.teardown(a)
	return true
}

// PruneClosed forgets every pane not present in alive, returning how many
// were removed. Callers feed it the set of panes that still exist.
func (s *Supervisor) PruneClosed(alive map[string]bool) int {
	var victims []string
	s.mu.Lock()
	for id := range s.panes {
		if !alive[id] {
			victims = append(victims, id)
		}
	}
	s.mu.Unlock()
	for _, id := range victims {
		s.Forget(id)
	}
	return len(victims)
}

func (s *Supervisor) teardown(a *paneActor) {
	close(a.stop)
	a.display.CancelPending()
	s.sched.CancelDelay("waiting.fallback." + a.id)
	a.queue.Clear()
}

// Debug returns the introspection snapshot for one pane.
func (s *Supervisor) Debug(paneID string) (PaneDebug, bool) {
	s.mu.Lock()
	a, ok := s.panes[paneID]
	s.mu.Unlock()
	if !ok {
		return PaneDebug{}, false
	}
	a.mu.Lock()
	st := a.machine.State()
	a.mu.Unlock()
	return PaneDebug{
		Machine:       st,
		Display:       a.display.State(),
		Queue:         a.queue.Snapshot(),
		PendingDelays: s.pendingDelays(paneID),
	}, true
}

// pendingDelays lists this pane's scheduled deferred tasks. Pane-scoped task
// names end in the pane ID, so each family is queried by its full name.
func (s *Supervisor) pendingDelays(paneID string) []string {
	var out []string
	for _, prefix := range []string{"display.clear.", "display.dismiss.", "waiting.fallback."} {
		out = append(out, s.sched.PendingDelays(prefix+paneID)...)
	}
	return out
}

// PaneSummary is the per-pane row served to dashboards.
type PaneSummary struct {
	PaneID                 string    `json:"pane_id"`
	Status                 Status    `json:"status"`
	Source                 string    `json:"source,omitempty"`
	Description            string    `json:"description,omitempty"`
	StateID                int64     `json:"state_id"`
	Generation             int       `json:"generation"`
	ContentHash            string    `json:"content_hash,omitempty"`
	QuietCompletion        bool      `json:"quiet_completion"`
	SuppressedNotification bool      `json:"suppressed_notification"`
	RecentlyFinished       bool      `json:"recently_finished"`
	ChangedAt              time.Time `json:"changed_at"`
}

// Summaries returns one row per pane, sorted by pane ID.
func (s *Supervisor) Summaries() []PaneSummary {
	actors := s.actors()
	out := make([]PaneSummary, 0, len(actors))
	for _, a := range actors {
		a.mu.Lock()
		st := a.machine.State()
		a.mu.Unlock()
		disp := a.display.State()
		out = append(out, PaneSummary{
			PaneID:                 a.id,
			Status:                 disp.VisibleStatus,
			Source:                 st.Source,
			Description:            disp.Description,
			StateID:                st.StateID,
			Generation:             st.Generation,
			ContentHash:            disp.ContentHash,
			QuietCompletion:        disp.QuietCompletion,
			SuppressedNotification: disp.SuppressedNotification,
			RecentlyFinished:       disp.RecentlyFinished,
			ChangedAt:              st.ChangedAt,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PaneID < out[j].PaneID })
	return out
}

// PaneCount returns the number of tracked panes.
func (s *Supervisor) PaneCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.panes)
}

func (s *Supervisor) actors() []*paneActor {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*paneActor, 0, len(s.panes))
	for _, a := range s.panes {
		out = append(out, a)
	}
	return out
}

// contentHash derives the display content hash from a content signal: an
// explicit hash payload wins, otherwise the content text is hashed.
func contentHash(sig Signal) string {
	if h, ok := sig.PayloadString("hash"); ok && h != "" {
		return h
	}
	if body, ok := sig.PayloadString("content"); ok {
		sum := sha256.Sum256([]byte(body))
		return hex.EncodeToString(sum[:8])
	}
	return ""
}

// Export returns the serializable state of every pane for persistence.
func (s *Supervisor) Export() []PaneRecord {
	actors := s.actors()
	out := make([]PaneRecord, 0, len(actors))
	for _, a := range actors {
		a.mu.Lock()
		st := a.machine.State()
		a.mu.Unlock()
		out = append(out, PaneRecord{
			Machine: st,
			Display: a.display.State(),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Machine.PaneID < out[j].Machine.PaneID })
	return out
}

// Import rehydrates panes from persisted records. Each restored pane gets a
// generation bump so signals from before the restart are fenced out.
func (s *Supervisor) Import(records []PaneRecord) error {
	for _, rec := range records {
		if rec.Machine.PaneID == "" {
			return fmt.Errorf("pane: record without pane_id")
		}
		a := s.getOrCreate(rec.Machine.PaneID)
		if a == nil {
			return fmt.Errorf("pane: supervisor closed")
		}
		a.mu.Lock()
		a.machine.Restore(rec.Machine)
		gen := a.machine.BumpGeneration()
		a.mu.Unlock()
		a.queue.SetGenerationFence(gen)
		a.display.Restore(rec.Display)
	}
	return nil
}
