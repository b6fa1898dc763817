package metrics

import (
	"sync"
	"testing"
)

func TestCounterAndGauge(t *testing.T) {
	r := NewRegistry()

	r.Inc("queue.dropped", nil)
	r.Inc("queue.dropped", nil)
	r.Add("queue.dropped", nil, 3)
	if got := r.Counter("queue.dropped", nil); got != 5 {
		t.Fatalf("counter = %d, want 5", got)
	}

	r.Gauge("panes", nil, 7)
	r.Gauge("panes", nil, 4)
	_, gauges := r.Snapshot()
	if gauges["panes"] != 4 {
		t.Fatalf("gauge = %d, want 4", gauges["panes"])
	}
}

func TestLabelsSortedIntoStableKeys(t *testing.T) {
	r := NewRegistry()
	r.Inc("rejected", map[string]string{"reason": "stale", "pane": "p1"})
	r.Inc("rejected", map[string]string{"pane": "p1", "reason": "stale"})

	counters, _ := r.Snapshot()
	if len(counters) != 1 {
		t.Fatalf("expected one series, got %d: %v", len(counters), counters)
	}
	if counters["rejected{pane=p1,reason=stale}"] != 2 {
		t.Fatalf("unexpected series keys: %v", counters)
	}
}

func TestSnapshotIsACopy(t *testing.T) {
	r := NewRegistry()
	r.Inc("a", nil)
	counters, _ := r.Snapshot()
	counters["a"] = 100
	if got := r.Counter("a", nil); got != 1 {
		t.Fatalf("registry mutated through snapshot: %d", got)
	}
}

func TestConcurrentIncrements(t *testing.T) {
	r := NewRegistry()
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				r.Inc("hits", nil)
			}
		}()
	}
	wg.Wait()
	if got := r.Counter("hits", nil); got != 800 {
		t.Fatalf("counter = %d, want 800", got)
	}
}

func TestDefaultRegistrySwap(t *testing.T) {
	old := Default()
	defer SetDefault(old)

	r := NewRegistry()
	SetDefault(r)
	Inc("x", nil)
	if got := r.Counter("x", nil); got != 1 {
		t.Fatalf("default registry counter = %d, want 1", got)
	}
}
