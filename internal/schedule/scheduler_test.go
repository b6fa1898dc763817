package schedule

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// advance moves the scheduler clock forward and runs one tick.
func advance(s *Scheduler, now *time.Time, d time.Duration) {
	*now = now.Add(d)
	s.Tick()
}

func newTestScheduler() (*Scheduler, *time.Time) {
	s := New(time.Second)
	now := time.Now()
	s.SetNow(func() time.Time { return now })
	return s, &now
}

func TestIntervalFiresOnCadence(t *testing.T) {
	s, now := newTestScheduler()

	var fired atomic.Int32
	s.RegisterInterval("tick", 5*time.Second, func() { fired.Add(1) })

	for i := 0; i < 4; i++ {
		advance(s, now, time.Second)
	}
	require.Equal(t, int32(0), fired.Load())

	advance(s, now, time.Second)
	require.Equal(t, int32(1), fired.Load())

	// Another full period elapses before the next fire.
	advance(s, now, time.Second)
	require.Equal(t, int32(1), fired.Load())
	advance(s, now, 4*time.Second)
	require.Equal(t, int32(2), fired.Load())
}

func TestReregisterIntervalReplaces(t *testing.T) {
	s, now := newTestScheduler()

	var first, second atomic.Int32
	s.RegisterInterval("job", time.Second, func() { first.Add(1) })
	s.RegisterInterval("job", time.Second, func() { second.Add(1) })
	require.Equal(t, 1, s.IntervalCount())

	advance(s, now, time.Second)
	require.Equal(t, int32(0), first.Load())
	require.Equal(t, int32(1), second.Load())
}

func TestDelayFiresOnceAfterWindow(t *testing.T) {
	s, now := newTestScheduler()

	var fired atomic.Int32
	s.RegisterDelay("clear", 3*time.Second, func() { fired.Add(1) })
	require.True(t, s.HasDelay("clear"))

	advance(s, now, 2*time.Second)
	require.Equal(t, int32(0), fired.Load())

	advance(s, now, time.Second)
	require.Equal(t, int32(1), fired.Load())
	require.False(t, s.HasDelay("clear"))

	// One-shot: does not fire again.
	advance(s, now, 10*time.Second)
	require.Equal(t, int32(1), fired.Load())
}

func TestReregisterDelayCancelsPending(t *testing.T) {
	s, now := newTestScheduler()

	var first, second atomic.Int32
	s.RegisterDelay("clear", time.Second, func() { first.Add(1) })
	s.RegisterDelay("clear", 3*time.Second, func() { second.Add(1) })
	require.Equal(t, 1, s.DelayCount())

	advance(s, now, 2*time.Second)
	require.Equal(t, int32(0), first.Load())
	require.Equal(t, int32(0), second.Load())

	advance(s, now, time.Second)
	require.Equal(t, int32(0), first.Load())
	require.Equal(t, int32(1), second.Load())
}

func TestCancelDelay(t *testing.T) {
	s, now := newTestScheduler()

	var fired atomic.Int32
	s.RegisterDelay("clear", time.Second, func() { fired.Add(1) })
	require.True(t, s.CancelDelay("clear"))
	require.False(t, s.CancelDelay("clear"))

	advance(s, now, 5*time.Second)
	require.Equal(t, int32(0), fired.Load())
}

func TestPendingDelaysByPrefix(t *testing.T) {
	s, _ := newTestScheduler()

	s.RegisterDelay("display.clear.p1", time.Second, func() {})
	s.RegisterDelay("display.clear.p2", time.Second, func() {})
	s.RegisterDelay("waiting.fallback.p1", time.Second, func() {})

	require.Equal(t, []string{"display.clear.p1", "display.clear.p2"}, s.PendingDelays("display.clear."))
	require.Len(t, s.PendingDelays(""), 3)
}

func TestPanicInOneTaskDoesNotStopOthers(t *testing.T) {
	s, now := newTestScheduler()

	var survived atomic.Int32
	s.RegisterDelay("boom", time.Second, func() { panic("task exploded") })
	s.RegisterDelay("fine", time.Second, func() { survived.Add(1) })
	s.RegisterInterval("also-fine", time.Second, func() { survived.Add(1) })

	require.NotPanics(t, func() {
		advance(s, now, time.Second)
	})
	require.Equal(t, int32(2), survived.Load())

	// The scheduler keeps ticking afterwards.
	advance(s, now, time.Second)
	require.Equal(t, int32(3), survived.Load())
}

func TestTasksRegisteredInsideCallbacks(t *testing.T) {
	s, now := newTestScheduler()

	var chained atomic.Int32
	s.RegisterDelay("outer", time.Second, func() {
		s.RegisterDelay("inner", time.Second, func() { chained.Add(1) })
	})

	advance(s, now, time.Second)
	require.True(t, s.HasDelay("inner"))
	advance(s, now, time.Second)
	require.Equal(t, int32(1), chained.Load())
}
