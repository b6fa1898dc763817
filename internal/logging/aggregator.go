package logging

import (
	"log/slog"
	"sync"
	"time"
)

// bucketKey groups repeated events by component and event name.
type bucketKey struct {
	component string
	event     string
}

// bucket accumulates one event family inside the current window. attrs keep
// the most recent call's context, which is the occurrence an operator asks
// about when a summary line shows a spike.
type bucket struct {
	count int64
	first time.Time
	attrs []slog.Attr
}

// Aggregator turns event floods into periodic summary lines. Content churn
// from a busy pane or a burst of stale rejections after a generation bump
// would otherwise dominate the log; one line per window with a count keeps
// the signal readable.
type Aggregator struct {
	logger *slog.Logger
	window time.Duration

	mu      sync.Mutex
	buckets map[bucketKey]*bucket

	done chan struct{}
	wg   sync.WaitGroup
}

// NewAggregator builds an aggregator flushing every intervalSecs seconds.
// A nil logger swallows everything recorded.
func NewAggregator(logger *slog.Logger, intervalSecs int) *Aggregator {
	if intervalSecs <= 0 {
		intervalSecs = 30
	}
	return &Aggregator{
		logger:  logger,
		window:  time.Duration(intervalSecs) * time.Second,
		buckets: make(map[bucketKey]*bucket),
		done:    make(chan struct{}),
	}
}

// Start launches the flush goroutine.
func (a *Aggregator) Start() {
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		ticker := time.NewTicker(a.window)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				a.flush()
			case <-a.done:
				a.flush()
				return
			}
		}
	}()
}

// Stop drains the current window and stops the goroutine.
func (a *Aggregator) Stop() {
	close(a.done)
	a.wg.Wait()
}

// Record counts one occurrence of component/event in the current window.
func (a *Aggregator) Record(component, event string, fields ...slog.Attr) {
	a.mu.Lock()
	defer a.mu.Unlock()

	key := bucketKey{component: component, event: event}
	b := a.buckets[key]
	if b == nil {
		b = &bucket{first: time.Now()}
		a.buckets[key] = b
	}
	b.count++
	if len(fields) > 0 {
		b.attrs = fields
	}
}

// flush emits one summary line per non-empty bucket and resets the window.
func (a *Aggregator) flush() {
	a.mu.Lock()
	if len(a.buckets) == 0 {
		a.mu.Unlock()
		return
	}
	buckets := a.buckets
	a.buckets = make(map[bucketKey]*bucket)
	a.mu.Unlock()

	if a.logger == nil {
		return
	}

	for key, b := range buckets {
		attrs := []any{
			slog.String("component", key.component),
			slog.String("event", key.event),
			slog.Int64("count", b.count),
			slog.Duration("span", time.Since(b.first).Round(time.Second)),
		}
		for _, f := range b.attrs {
			attrs = append(attrs, f)
		}
		a.logger.Info("aggregated", attrs...)
	}
}
