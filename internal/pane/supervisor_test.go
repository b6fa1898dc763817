package pane

import (
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// fakeSchedule implements Schedule for deterministic supervisor tests.
type fakeSchedule struct {
	*fakeDelayer
	imu       sync.Mutex
	intervals map[string]func()
}

func newFakeSchedule() *fakeSchedule {
	return &fakeSchedule{
		fakeDelayer: newFakeDelayer(),
		intervals:   make(map[string]func()),
	}
}

func (f *fakeSchedule) RegisterInterval(name string, _ time.Duration, callback func()) {
	f.imu.Lock()
	defer f.imu.Unlock()
	f.intervals[name] = callback
}

func (f *fakeSchedule) UnregisterInterval(name string) bool {
	f.imu.Lock()
	defer f.imu.Unlock()
	_, ok := f.intervals[name]
	delete(f.intervals, name)
	return ok
}

func (f *fakeSchedule) PendingDelays(prefix string) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for name := range f.tasks {
		if strings.HasPrefix(name, prefix) {
			out = append(out, name)
		}
	}
	return out
}

type supFixture struct {
	sup   *Supervisor
	sched *fakeSchedule
	mu    sync.Mutex
	seen  []DisplayUpdate
}

func newSupFixture(t *testing.T, opts Options) *supFixture {
	t.Helper()
	f := &supFixture{sched: newFakeSchedule()}
	opts.Notify = func(u DisplayUpdate) {
		f.mu.Lock()
		f.seen = append(f.seen, u)
		f.mu.Unlock()
	}
	sup, err := NewSupervisor(f.sched, opts)
	require.NoError(t, err)
	f.sup = sup
	t.Cleanup(sup.Close)
	return f
}

func (f *supFixture) waitForStatus(t *testing.T, paneID string, want Status) {
	t.Helper()
	require.Eventually(t, func() bool {
		debug, ok := f.sup.Debug(paneID)
		return ok && debug.Machine.Status == want
	}, 2*time.Second, 5*time.Millisecond, "pane %s never reached %s", paneID, want)
}

func TestSupervisorProcessesInOrder(t *testing.T) {
	f := newSupFixture(t, Options{})

	f.sup.Enqueue("p1", NewSignal(SourceShell, "p1", "command_start", map[string]any{"command": "go vet"}))
	f.sup.Enqueue("p1", NewSignal(SourceShell, "p1", "command_end", map[string]any{"exit_code": 0}))

	f.waitForStatus(t, "p1", StatusDone)

	debug, _ := f.sup.Debug("p1")
	require.Len(t, debug.Machine.History, 2)
	require.Equal(t, StatusRunning, debug.Machine.History[0].ToStatus)
	require.Equal(t, StatusDone, debug.Machine.History[1].ToStatus)
	require.Less(t, debug.Machine.History[0].StateID, debug.Machine.History[1].StateID)
}

func TestSupervisorCreatesPanesLazily(t *testing.T) {
	f := newSupFixture(t, Options{})
	require.Zero(t, f.sup.PaneCount())

	f.sup.Enqueue("p1", NewSignal(SourceShell, "p1", "command_start", nil))
	f.sup.Enqueue("p2", NewSignal(SourceShell, "p2", "command_start", nil))
	require.Equal(t, 2, f.sup.PaneCount())
}

func TestConcurrentProducersNeverInterleave(t *testing.T) {
	f := newSupFixture(t, Options{})

	const producers = 8
	const perProducer = 25
	var wg sync.WaitGroup
	for p := 0; p < producers; p++ {
		wg.Add(1)
		go func(p int) {
			defer wg.Done()
			for i := 0; i < perProducer; i++ {
				f.sup.Enqueue("p1", NewSignal(SourceShell, "p1", "command_start",
					map[string]any{"command": fmt.Sprintf("cmd-%d-%d", p, i)}))
			}
		}(p)
	}
	wg.Wait()

	f.waitForStatus(t, "p1", StatusRunning)
	require.Eventually(t, func() bool {
		debug, _ := f.sup.Debug("p1")
		return debug.Queue.Depth == 0
	}, 2*time.Second, 5*time.Millisecond)

	// Every accepted transition carries a strictly increasing state_id:
	// no lost or interleaved partial updates.
	debug, _ := f.sup.Debug("p1")
	var last int64
	for _, e := range debug.Machine.History {
		require.Equal(t, OutcomeAccepted, e.Outcome)
		require.Greater(t, e.StateID, last)
		last = e.StateID
	}
}

func TestTickAllPromotesLongRunning(t *testing.T) {
	f := newSupFixture(t, Options{LongRunningAfter: 10 * time.Millisecond})

	f.sup.Enqueue("p1", NewSignal(SourceShell, "p1", "command_start", nil))
	f.waitForStatus(t, "p1", StatusRunning)

	time.Sleep(20 * time.Millisecond)
	f.sup.TickAll(time.Now())
	f.waitForStatus(t, "p1", StatusLongRunning)

	debug, _ := f.sup.Debug("p1")
	require.Equal(t, SourceShell, debug.Machine.Source)
}

func TestWaitingFallbackFallsToIdle(t *testing.T) {
	f := newSupFixture(t, Options{})

	f.sup.Enqueue("p1", NewSignal(SourceClaude, "p1", "Notification",
		map[string]any{"notification_type": "permission_prompt"}))
	f.waitForStatus(t, "p1", StatusWaitingApproval)

	require.Eventually(t, func() bool {
		return f.sched.HasDelay("waiting.fallback.p1")
	}, time.Second, 5*time.Millisecond)

	// Nothing happens within the window; the fallback fires and the pane
	// falls to IDLE through the normal queue.
	f.sched.fire("waiting.fallback.p1")
	f.waitForStatus(t, "p1", StatusIdle)
}

func TestWaitingFallbackCanceledOnTransition(t *testing.T) {
	f := newSupFixture(t, Options{})

	f.sup.Enqueue("p1", NewSignal(SourceClaude, "p1", "Notification",
		map[string]any{"notification_type": "permission_prompt"}))
	f.waitForStatus(t, "p1", StatusWaitingApproval)

	// Content resumes the pane before the window expires.
	f.sup.Enqueue("p1", NewSignal(SourceContent, "p1", "update", map[string]any{"hash": "a"}))
	f.waitForStatus(t, "p1", StatusRunning)

	require.Eventually(t, func() bool {
		return !f.sched.HasDelay("waiting.fallback.p1")
	}, time.Second, 5*time.Millisecond)
}

func TestWaitingFallbackStaleAfterStateChange(t *testing.T) {
	f := newSupFixture(t, Options{})

	f.sup.Enqueue("p1", NewSignal(SourceClaude, "p1", "Notification",
		map[string]any{"notification_type": "permission_prompt"}))
	f.waitForStatus(t, "p1", StatusWaitingApproval)

	f.sched.mu.Lock()
	callback := f.sched.tasks["waiting.fallback.p1"]
	f.sched.mu.Unlock()
	require.NotNil(t, callback)

	// The pane moves on before the callback runs; the late fire is a no-op.
	f.sup.Enqueue("p1", NewSignal(SourceITerm, "p1", "focus", nil))
	f.waitForStatus(t, "p1", StatusIdle)
	debug, _ := f.sup.Debug("p1")
	before := debug.Machine.StateID

	callback()
	time.Sleep(20 * time.Millisecond)
	debug, _ = f.sup.Debug("p1")
	require.Equal(t, before, debug.Machine.StateID)
}

func TestBumpGenerationFencesOldSignals(t *testing.T) {
	f := newSupFixture(t, Options{})

	f.sup.Enqueue("p1", NewSignal(SourceShell, "p1", "command_start", nil))
	f.waitForStatus(t, "p1", StatusRunning)

	gen := f.sup.BumpGeneration("p1")
	require.Equal(t, 2, gen)

	stale := NewSignal(SourceShell, "p1", "command_end", map[string]any{"exit_code": 0})
	stale.Generation = 1
	require.Equal(t, EnqueueStale, f.sup.Enqueue("p1", stale))

	debug, _ := f.sup.Debug("p1")
	require.Equal(t, StatusRunning, debug.Machine.Status)
	last := debug.Machine.History[len(debug.Machine.History)-1]
	require.Equal(t, OutcomeRejected, last.Outcome)
	require.Equal(t, ReasonStaleGeneration, last.Reason)
}

func TestForgetAndPrune(t *testing.T) {
	f := newSupFixture(t, Options{})

	f.sup.Enqueue("p1", NewSignal(SourceShell, "p1", "command_start", nil))
	f.sup.Enqueue("p2", NewSignal(SourceShell, "p2", "command_start", nil))
	f.sup.Enqueue("p3", NewSignal(SourceShell, "p3", "command_start", nil))
	require.Equal(t, 3, f.sup.PaneCount())

	require.True(t, f.sup.Forget("p1"))
	require.False(t, f.sup.Forget("p1"))

	removed := f.sup.PruneClosed(map[string]bool{"p2": true})
	require.Equal(t, 1, removed)
	require.Equal(t, 1, f.sup.PaneCount())
}

func TestForgetAfterCloseIsNoOp(t *testing.T) {
	f := newSupFixture(t, Options{})

	f.sup.Enqueue("p1", NewSignal(SourceShell, "p1", "command_start", nil))
	f.waitForStatus(t, "p1", StatusRunning)

	f.sup.Close()
	require.NotPanics(t, func() {
		require.False(t, f.sup.Forget("p1"))
		require.Zero(t, f.sup.PruneClosed(map[string]bool{}))
		f.sup.Close()
	})
	require.Zero(t, f.sup.PaneCount())
}

func TestWaitingFallbackResumesAfterContent(t *testing.T) {
	// A rule table without the content-resume rules leaves the pane in
	// WAITING when output changes; the fallback then resumes RUNNING
	// instead of clearing to IDLE.
	var rules []Rule
	for _, r := range DefaultRules() {
		if strings.HasPrefix(r.Name, "content_resume") {
			continue
		}
		rules = append(rules, r)
	}
	f := newSupFixture(t, Options{Rules: rules})

	f.sup.Enqueue("p1", NewSignal(SourceClaude, "p1", "Notification",
		map[string]any{"notification_type": "permission_prompt"}))
	f.waitForStatus(t, "p1", StatusWaitingApproval)

	f.sup.Enqueue("p1", NewSignal(SourceContent, "p1", "update", map[string]any{"hash": "a"}))
	require.Eventually(t, func() bool {
		debug, _ := f.sup.Debug("p1")
		h := debug.Machine.History
		return len(h) > 0 && h[len(h)-1].Reason == ReasonNoRuleMatched
	}, time.Second, 5*time.Millisecond)

	f.sched.fire("waiting.fallback.p1")
	f.waitForStatus(t, "p1", StatusRunning)

	debug, _ := f.sup.Debug("p1")
	require.Equal(t, SourceClaude, debug.Machine.Source)
}

func TestDisplayUpdatesFlowThroughSingleCallback(t *testing.T) {
	f := newSupFixture(t, Options{})

	f.sup.Enqueue("p1", NewSignal(SourceShell, "p1", "command_start", map[string]any{"command": "ls"}))
	f.waitForStatus(t, "p1", StatusRunning)

	require.Eventually(t, func() bool {
		f.mu.Lock()
		defer f.mu.Unlock()
		return len(f.seen) >= 1
	}, time.Second, 5*time.Millisecond)

	f.mu.Lock()
	defer f.mu.Unlock()
	update := f.seen[0]
	require.Equal(t, "p1", update.PaneID)
	require.Equal(t, StatusRunning, update.VisibleStatus)
	require.Equal(t, "run: ls", update.Description)
}

func TestExportImportRoundTrip(t *testing.T) {
	f := newSupFixture(t, Options{})

	f.sup.Enqueue("p1", NewSignal(SourceShell, "p1", "command_start", map[string]any{"command": "make"}))
	f.waitForStatus(t, "p1", StatusRunning)

	records := f.sup.Export()
	require.Len(t, records, 1)

	g := newSupFixture(t, Options{})
	require.NoError(t, g.sup.Import(records))

	debug, ok := g.sup.Debug("p1")
	require.True(t, ok)
	require.Equal(t, StatusRunning, debug.Machine.Status)
	// Restored panes get a generation bump to fence pre-restart signals.
	require.Equal(t, records[0].Machine.Generation+1, debug.Machine.Generation)
}

func TestDebugSnapshotSurface(t *testing.T) {
	f := newSupFixture(t, Options{})

	f.sup.Enqueue("p1", NewSignal(SourceClaude, "p1", "Notification",
		map[string]any{"notification_type": "permission_prompt"}))
	f.waitForStatus(t, "p1", StatusWaitingApproval)

	debug, ok := f.sup.Debug("p1")
	require.True(t, ok)
	require.Equal(t, StatusWaitingApproval, debug.Machine.Status)
	require.NotEmpty(t, debug.Machine.History)
	require.Contains(t, debug.PendingDelays, "waiting.fallback.p1")

	_, ok = f.sup.Debug("missing")
	require.False(t, ok)
}

func TestSummariesSorted(t *testing.T) {
	f := newSupFixture(t, Options{})

	for _, id := range []string{"p3", "p1", "p2"} {
		f.sup.Enqueue(id, NewSignal(SourceShell, id, "command_start", nil))
		f.waitForStatus(t, id, StatusRunning)
	}

	summaries := f.sup.Summaries()
	require.Len(t, summaries, 3)
	require.Equal(t, "p1", summaries[0].PaneID)
	require.Equal(t, "p2", summaries[1].PaneID)
	require.Equal(t, "p3", summaries[2].PaneID)
	for _, s := range summaries {
		require.Equal(t, StatusRunning, s.Status)
	}
}
