// Package metrics is a minimal in-process counter/gauge registry.
// Steady-state conditions (queue drops, stale rejections, scheduler task
// failures) are counted here instead of raising errors; the web debug API
// exposes a snapshot.
package metrics

import (
	"sort"
	"strings"
	"sync"
)

// Registry holds named counters and gauges. Safe for concurrent use.
type Registry struct {
	mu       sync.RWMutex
	counters map[string]int64
	gauges   map[string]int64
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		counters: make(map[string]int64),
		gauges:   make(map[string]int64),
	}
}

// key builds "name{k=v,...}" with labels in sorted order so the same labels
// always map to the same series.
func key(name string, labels map[string]string) string {
	if len(labels) == 0 {
		return name
	}
	pairs := make([]string, 0, len(labels))
	for k, v := range labels {
		pairs = append(pairs, k+"="+v)
	}
	sort.Strings(pairs)
	return name + "{" + strings.Join(pairs, ",") + "}"
}

// Inc increments a counter by 1.
func (r *Registry) Inc(name string, labels map[string]string) {
	r.Add(name, labels, 1)
}

// Add increments a counter by delta.
func (r *Registry) Add(name string, labels map[string]string, delta int64) {
	k := key(name, labels)
	r.mu.Lock()
	r.counters[k] += delta
	r.mu.Unlock()
}

// Gauge sets a gauge to value.
func (r *Registry) Gauge(name string, labels map[string]string, value int64) {
	k := key(name, labels)
	r.mu.Lock()
	r.gauges[k] = value
	r.mu.Unlock()
}

// Counter returns the current value of a counter (0 if never incremented).
func (r *Registry) Counter(name string, labels map[string]string) int64 {
	k := key(name, labels)
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.counters[k]
}

// Snapshot returns a copy of all counters and gauges.
func (r *Registry) Snapshot() (counters, gauges map[string]int64) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	counters = make(map[string]int64, len(r.counters))
	for k, v := range r.counters {
		counters[k] = v
	}
	gauges = make(map[string]int64, len(r.gauges))
	for k, v := range r.gauges {
		gauges[k] = v
	}
	return counters, gauges
}

var (
	defaultMu       sync.RWMutex
	defaultRegistry = NewRegistry()
)

// Default returns the process-wide registry.
func Default() *Registry {
	defaultMu.RLock()
	defer defaultMu.RUnlock()
	return defaultRegistry
}

// SetDefault replaces the process-wide registry (tests).
func SetDefault(r *Registry) {
	defaultMu.Lock()
	defaultRegistry = r
	defaultMu.Unlock()
}

// Inc increments a counter on the default registry.
func Inc(name string, labels map[string]string) {
	Default().Inc(name, labels)
}

// Gauge sets a gauge on the default registry.
func Gauge(name string, labels map[string]string, value int64) {
	Default().Gauge(name, labels, value)
}
