package hooks

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/asheshgoplani/pane-supervisor/internal/pane"
)

type recordingSink struct {
	mu      sync.Mutex
	signals []pane.Signal
}

func (r *recordingSink) Enqueue(paneID string, sig pane.Signal) pane.EnqueueOutcome {
	r.mu.Lock()
	r.signals = append(r.signals, sig)
	r.mu.Unlock()
	return pane.EnqueueAdmitted
}

func (r *recordingSink) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.signals)
}

func writeSignalFile(t *testing.T, dir, name string, sf signalFile) string {
	t.Helper()
	data, err := json.Marshal(sf)
	require.NoError(t, err)
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, data, 0o644))
	return path
}

func TestWatcherProcessesExistingFiles(t *testing.T) {
	dir := t.TempDir()
	sink := &recordingSink{}

	path := writeSignalFile(t, dir, "a.json", signalFile{
		Source:    "shell",
		PaneID:    "p1",
		EventType: "command_start",
		Payload:   map[string]any{"command": "ls"},
		Timestamp: time.Now().Unix(),
	})

	w, err := NewWatcher(dir, sink)
	require.NoError(t, err)
	go w.Start()
	defer w.Stop()

	require.Eventually(t, func() bool { return sink.count() == 1 }, 2*time.Second, 10*time.Millisecond)

	sink.mu.Lock()
	sig := sink.signals[0]
	sink.mu.Unlock()
	require.Equal(t, "shell.command_start", sig.Key())
	require.Equal(t, "p1", sig.PaneID)

	// Consumed files are removed.
	_, statErr := os.Stat(path)
	require.True(t, os.IsNotExist(statErr))
}

func TestWatcherPicksUpNewFiles(t *testing.T) {
	dir := t.TempDir()
	sink := &recordingSink{}

	w, err := NewWatcher(dir, sink)
	require.NoError(t, err)
	go w.Start()
	defer w.Stop()

	// Give the watcher a moment to install the fsnotify watch.
	time.Sleep(50 * time.Millisecond)

	writeSignalFile(t, dir, "b.json", signalFile{
		Source:    "claude-code",
		PaneID:    "p2",
		EventType: "Stop",
	})

	require.Eventually(t, func() bool { return sink.count() == 1 }, 2*time.Second, 10*time.Millisecond)

	sink.mu.Lock()
	sig := sink.signals[0]
	sink.mu.Unlock()
	require.Equal(t, "claude-code.Stop", sig.Key())
}

func TestWatcherSkipsMalformedFiles(t *testing.T) {
	dir := t.TempDir()
	sink := &recordingSink{}

	require.NoError(t, os.WriteFile(filepath.Join(dir, "bad.json"), []byte("not json"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "ignored.txt"), []byte("{}"), 0o644))
	writeSignalFile(t, dir, "incomplete.json", signalFile{Source: "shell"})
	writeSignalFile(t, dir, "good.json", signalFile{
		Source:    "shell",
		PaneID:    "p1",
		EventType: "command_end",
		Payload:   map[string]any{"exit_code": 0},
	})

	w, err := NewWatcher(dir, sink)
	require.NoError(t, err)
	go w.Start()
	defer w.Stop()

	require.Eventually(t, func() bool { return sink.count() == 1 }, 2*time.Second, 10*time.Millisecond)

	// Bad JSON files are removed too so they cannot wedge the directory;
	// non-JSON files are left alone.
	require.Eventually(t, func() bool {
		_, err := os.Stat(filepath.Join(dir, "bad.json"))
		return os.IsNotExist(err)
	}, 2*time.Second, 10*time.Millisecond)
	_, err = os.Stat(filepath.Join(dir, "ignored.txt"))
	require.NoError(t, err)
}
