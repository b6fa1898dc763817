// Package schedule provides the single cooperative time source for the
// supervisor: repeating interval callbacks and named, cancelable one-shot
// delays, with per-task failure isolation.
package schedule

import (
	"context"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/asheshgoplani/pane-supervisor/internal/logging"
	"github.com/asheshgoplani/pane-supervisor/internal/metrics"
)

var schedLog = logging.ForComponent(logging.CompSched)

type intervalTask struct {
	name     string
	interval time.Duration
	callback func()
	lastRun  time.Time
}

type delayTask struct {
	name      string
	callback  func()
	triggerAt time.Time
}

// Scheduler drives all time-based work from one tick loop.
// Callbacks run on the scheduler goroutine; they must not block.
type Scheduler struct {
	tickInterval time.Duration

	mu        sync.Mutex
	intervals map[string]*intervalTask
	delays    map[string]*delayTask
	running   bool

	now func() time.Time // overridable in tests
}

// New creates a scheduler with the given tick cadence.
func New(tickInterval time.Duration) *Scheduler {
	if tickInterval <= 0 {
		tickInterval = time.Second
	}
	return &Scheduler{
		tickInterval: tickInterval,
		intervals:    make(map[string]*intervalTask),
		delays:       make(map[string]*delayTask),
		now:          time.Now,
	}
}

// RegisterInterval registers a repeating task. Re-registering a name replaces
// the previous task.
func (s *Scheduler) RegisterInterval(name string, interval time.Duration, callback func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.intervals[name] = &intervalTask{
		name:     name,
		interval: interval,
		callback: callback,
		lastRun:  s.now(),
	}
	schedLog.Debug("interval_registered", slog.String("task", name), slog.Duration("interval", interval))
}

// UnregisterInterval removes a repeating task.
func (s *Scheduler) UnregisterInterval(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.intervals[name]; !ok {
		return false
	}
	delete(s.intervals, name)
	return true
}

// RegisterDelay schedules a named one-shot callback. Scheduling under an
// existing name cancels and replaces the pending task.
func (s *Scheduler) RegisterDelay(name string, delay time.Duration, callback func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.delays[name]; ok {
		schedLog.Debug("delay_replaced", slog.String("task", name))
	}
	s.delays[name] = &delayTask{
		name:      name,
		callback:  callback,
		triggerAt: s.now().Add(delay),
	}
}

// CancelDelay removes a pending delayed task. Returns whether one was pending.
func (s *Scheduler) CancelDelay(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.delays[name]; !ok {
		return false
	}
	delete(s.delays, name)
	return true
}

// HasDelay reports whether a delayed task with the name is pending.
func (s *Scheduler) HasDelay(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.delays[name]
	return ok
}

// PendingDelays returns the names of pending delayed tasks with the given
// prefix, sorted. Used by the debug snapshot surface.
func (s *Scheduler) PendingDelays(prefix string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var names []string
	for name := range s.delays {
		if strings.HasPrefix(name, prefix) {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}

// Run blocks, ticking until ctx is canceled.
func (s *Scheduler) Run(ctx context.Context) {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		schedLog.Warn("already_running")
		return
	}
	s.running = true
	s.mu.Unlock()

	schedLog.Info("started", slog.Duration("tick", s.tickInterval))

	ticker := time.NewTicker(s.tickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.mu.Lock()
			s.running = false
			s.delays = make(map[string]*delayTask)
			s.mu.Unlock()
			schedLog.Info("stopped")
			return
		case <-ticker.C:
			s.Tick()
		}
	}
}

// Tick runs one pass over due interval and delay tasks. Exported so tests
// (and headless embedding) can drive time deterministically.
func (s *Scheduler) Tick() {
	now := s.now()

	s.mu.Lock()
	var due []func()
	var names []string
	for _, task := range s.intervals {
		if now.Sub(task.lastRun) >= task.interval {
			task.lastRun = now
			due = append(due, task.callback)
			names = append(names, task.name)
		}
	}
	for name, task := range s.delays {
		if !now.Before(task.triggerAt) {
			delete(s.delays, name)
			due = append(due, task.callback)
			names = append(names, task.name)
		}
	}
	s.mu.Unlock()

	for i, callback := range due {
		s.execute(names[i], callback)
	}
}

// execute runs one callback with panic isolation: a failing task never stops
// the loop or other due tasks in the same tick.
func (s *Scheduler) execute(name string, callback func()) {
	defer func() {
		if rec := recover(); rec != nil {
			schedLog.Error("task_panicked",
				slog.String("task", name),
				slog.Any("recover", rec))
			metrics.Inc("sched.task_error", map[string]string{"task": name})
		}
	}()
	callback()
}

// DelayCount returns the number of pending delayed tasks.
func (s *Scheduler) DelayCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.delays)
}

// IntervalCount returns the number of registered interval tasks.
func (s *Scheduler) IntervalCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.intervals)
}

// SetNow overrides the scheduler clock (tests only).
func (s *Scheduler) SetNow(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}
