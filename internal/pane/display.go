package pane

import (
	"log/slog"
	"sync"
	"time"

	"github.com/asheshgoplani/pane-supervisor/internal/metrics"
)

// Delayer is the slice of the scheduler the display layer needs: named,
// replaceable delayed tasks.
type Delayer interface {
	RegisterDelay(name string, delay time.Duration, callback func())
	CancelDelay(name string) bool
}

// DisplayUpdate is the outward notification emitted for every applied
// display change.
type DisplayUpdate struct {
	PaneID                 string    `json:"pane_id"`
	VisibleStatus          Status    `json:"visible_status"`
	Source                 string    `json:"source"`
	StateID                int64     `json:"state_id"`
	ContentHash            string    `json:"content_hash,omitempty"`
	Description            string    `json:"description,omitempty"`
	QuietCompletion        bool      `json:"quiet_completion,omitempty"`
	SuppressedNotification bool      `json:"suppressed_notification"`
	RecentlyFinished       bool      `json:"recently_finished,omitempty"`
	Timestamp              time.Time `json:"timestamp"`
}

// DisplayState is the display layer's view of one pane, owned exclusively
// by its controller.
type DisplayState struct {
	VisibleStatus          Status `json:"visible_status"`
	Source                 string `json:"source"`
	Description            string `json:"description,omitempty"`
	ContentHash            string `json:"content_hash,omitempty"`
	QuietCompletion        bool   `json:"quiet_completion"`
	SuppressedNotification bool   `json:"suppressed_notification"`
	RecentlyFinished       bool   `json:"recently_finished"`
	LastAppliedStateID     int64  `json:"last_applied_state_id"`
	StaleDropped           int64  `json:"stale_dropped"`
}

// FocusFunc reports whether the user currently has the pane focused.
// Focused panes get their completion notifications suppressed.
type FocusFunc func(paneID string) bool

// DisplayController decides when and how one pane's state changes surface.
// Terminal statuses appear immediately; clears out of them dwell. Every
// update is fenced by state_id so late-firing deferred tasks become no-ops.
type DisplayController struct {
	paneID        string
	delayer       Delayer
	emit          func(DisplayUpdate)
	focused       FocusFunc
	dwell         time.Duration
	suppressBelow time.Duration
	hintFor       time.Duration
	log           *slog.Logger
	now           func() time.Time

	mu            sync.Mutex
	visible       Status
	source        string
	description   string
	contentHash   string
	quiet         bool
	suppressed    bool
	lastApplied   int64
	recentFinish  time.Time // hint expiry after auto-dismiss
	staleDropped  int64
}

// DisplayOptions configures a controller.
type DisplayOptions struct {
	Dwell         time.Duration
	SuppressBelow time.Duration
	HintFor       time.Duration
	Focused       FocusFunc
}

// NewDisplayController builds a controller for one pane. emit receives every
// applied update and must not block for long; it runs on whatever goroutine
// applied the change (actor drain or scheduler).
func NewDisplayController(paneID string, delayer Delayer, opts DisplayOptions, emit func(DisplayUpdate), log *slog.Logger) *DisplayController {
	if opts.Dwell <= 0 {
		opts.Dwell = 5 * time.Second
	}
	if opts.SuppressBelow <= 0 {
		opts.SuppressBelow = 3 * time.Second
	}
	if opts.HintFor <= 0 {
		opts.HintFor = 10 * time.Second
	}
	return &DisplayController{
		paneID:        paneID,
		delayer:       delayer,
		emit:          emit,
		focused:       opts.Focused,
		dwell:         opts.Dwell,
		suppressBelow: opts.SuppressBelow,
		hintFor:       opts.HintFor,
		visible:       StatusIdle,
		log:           log,
		now:           time.Now,
	}
}

func (d *DisplayController) clearTask() string   { return "display.clear." + d.paneID }
func (d *DisplayController) dismissTask() string { return "display.dismiss." + d.paneID }

// HandleStateChange reacts to an accepted machine transition. from is the
// status before the transition; st is the machine state after it.
func (d *DisplayController) HandleStateChange(st MachineState, from Status) {
	now := d.now()
	update := DisplayUpdate{
		PaneID:        d.paneID,
		VisibleStatus: st.Status,
		Source:        st.Source,
		StateID:       st.StateID,
		Description:   st.Description,
		Timestamp:     now,
	}

	if st.Status.IsTerminal() {
		// Quiet completion marks a run too short to have been worth watching;
		// it sticks to the state regardless of focus. Suppression additionally
		// covers focused panes and affects alerting only; the status itself
		// still shows.
		runFor := now.Sub(st.StartedAt)
		if st.StartedAt.IsZero() {
			runFor = 0
		}
		if runFor < d.suppressBelow {
			update.QuietCompletion = true
			update.SuppressedNotification = true
		}
		if d.focused != nil && d.focused(d.paneID) {
			update.SuppressedNotification = true
		}
		if d.apply(update) {
			d.scheduleAutoDismiss(st.StateID)
		}
		return
	}

	if from.IsTerminal() && st.Status == StatusIdle {
		// Let the completion dwell on screen. The deferred clear carries the
		// transition's state_id, so a newer update landing first makes it a
		// stale no-op at fire time.
		d.delayer.RegisterDelay(d.clearTask(), d.dwell, func() {
			d.apply(update)
		})
		return
	}

	d.apply(update)
}

// scheduleAutoDismiss clears a lingering terminal status from the display
// without any machine transition, leaving a recently-finished hint.
func (d *DisplayController) scheduleAutoDismiss(stateID int64) {
	d.delayer.RegisterDelay(d.dismissTask(), d.dwell, func() {
		d.mu.Lock()
		if d.lastApplied != stateID || !d.visible.IsTerminal() {
			d.mu.Unlock()
			return
		}
		d.visible = StatusIdle
		d.description = ""
		d.quiet = false
		d.recentFinish = d.now().Add(d.hintFor)
		update := DisplayUpdate{
			PaneID:           d.paneID,
			VisibleStatus:    StatusIdle,
			Source:           d.source,
			StateID:          stateID,
			ContentHash:      d.contentHash,
			RecentlyFinished: true,
			Timestamp:        d.now(),
		}
		d.mu.Unlock()
		d.emit(update)
	})
}

// apply commits an update unless it is stale. Returns whether it applied.
func (d *DisplayController) apply(update DisplayUpdate) bool {
	d.mu.Lock()
	if update.StateID <= d.lastApplied {
		d.staleDropped++
		d.mu.Unlock()
		metrics.Inc("display.stale_dropped", nil)
		if d.log != nil {
			d.log.Debug("dropping stale display update",
				"pane", d.paneID, "state_id", update.StateID)
		}
		return false
	}
	d.visible = update.VisibleStatus
	d.source = update.Source
	d.description = update.Description
	d.quiet = update.QuietCompletion
	d.suppressed = update.SuppressedNotification
	d.lastApplied = update.StateID
	d.recentFinish = time.Time{}
	if update.ContentHash == "" {
		update.ContentHash = d.contentHash
	} else {
		d.contentHash = update.ContentHash
	}
	d.mu.Unlock()

	d.emit(update)
	return true
}

// ContentChanged records a new content hash. Content flows independently of
// status and never advances or regresses the applied state_id.
func (d *DisplayController) ContentChanged(hash string) {
	d.mu.Lock()
	if hash == d.contentHash {
		d.mu.Unlock()
		return
	}
	d.contentHash = hash
	update := DisplayUpdate{
		PaneID:                 d.paneID,
		VisibleStatus:          d.visible,
		Source:                 d.source,
		StateID:                d.lastApplied,
		ContentHash:            hash,
		Description:            d.description,
		QuietCompletion:        d.quiet,
		SuppressedNotification: d.suppressed,
		RecentlyFinished:       d.now().Before(d.recentFinish),
		Timestamp:              d.now(),
	}
	d.mu.Unlock()

	d.emit(update)
}

// CancelPending drops any deferred clear or dismiss for this pane.
func (d *DisplayController) CancelPending() {
	d.delayer.CancelDelay(d.clearTask())
	d.delayer.CancelDelay(d.dismissTask())
}

// State returns a copy of the display state.
func (d *DisplayController) State() DisplayState {
	d.mu.Lock()
	defer d.mu.Unlock()
	return DisplayState{
		VisibleStatus:          d.visible,
		Source:                 d.source,
		Description:            d.description,
		ContentHash:            d.contentHash,
		QuietCompletion:        d.quiet,
		SuppressedNotification: d.suppressed,
		RecentlyFinished:       d.now().Before(d.recentFinish),
		LastAppliedStateID:     d.lastApplied,
		StaleDropped:           d.staleDropped,
	}
}

// Restore rehydrates display state from a persisted snapshot.
func (d *DisplayController) Restore(st DisplayState) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if st.VisibleStatus.Valid() {
		d.visible = st.VisibleStatus
	}
	d.source = st.Source
	d.description = st.Description
	d.contentHash = st.ContentHash
	d.quiet = st.QuietCompletion
	d.suppressed = st.SuppressedNotification
	d.lastApplied = st.LastAppliedStateID
}

// setNow is a test hook.
func (d *DisplayController) setNow(now func() time.Time) {
	d.mu.Lock()
	d.now = now
	d.mu.Unlock()
}
