// Package hooks ingests signal files dropped by shell integration and
// Claude Code hook scripts. Each file is one JSON signal; the watcher
// enqueues it and removes the file.
package hooks

import (
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/asheshgoplani/pane-supervisor/internal/logging"
	"github.com/asheshgoplani/pane-supervisor/internal/pane"
)

var hookLog = logging.ForComponent(logging.CompHooks)

// debounceWindow coalesces rapid file events from scripts that write and
// rename in quick succession.
const debounceWindow = 100 * time.Millisecond

// Enqueuer is the supervisor surface the watcher needs.
type Enqueuer interface {
	Enqueue(paneID string, sig pane.Signal) pane.EnqueueOutcome
}

// signalFile is the on-disk shape hook scripts write.
type signalFile struct {
	Source     string         `json:"source"`
	PaneID     string         `json:"pane_id"`
	EventType  string         `json:"event_type"`
	Payload    map[string]any `json:"payload"`
	Generation int            `json:"generation"`
	Timestamp  int64          `json:"ts"`
}

// Watcher tails the signals directory and feeds parsed files to the
// supervisor.
type Watcher struct {
	dir     string
	watcher *fsnotify.Watcher
	sink    Enqueuer

	ctx    context.Context
	cancel context.CancelFunc
}

// NewWatcher creates a watcher over dir (created if absent).
// Call Start() in a goroutine to begin watching.
func NewWatcher(dir string, sink Enqueuer) (*Watcher, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, err
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Watcher{
		dir:     dir,
		watcher: fsw,
		sink:    sink,
		ctx:     ctx,
		cancel:  cancel,
	}, nil
}

// Start begins watching. Must be called in a goroutine.
func (w *Watcher) Start() {
	if err := w.watcher.Add(w.dir); err != nil {
		hookLog.Warn("watch_add_failed", slog.String("dir", w.dir), slog.String("error", err.Error()))
		return
	}

	// Drain any files left over from before startup
	w.processExisting()

	var debounceTimer *time.Timer
	pendingFiles := make(map[string]bool)
	var pendingMu sync.Mutex

	for {
		select {
		case <-w.ctx.Done():
			return

		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Ext(event.Name) != ".json" {
				continue
			}
			if event.Op&(fsnotify.Create|fsnotify.Write) == 0 {
				continue
			}

			pendingMu.Lock()
			pendingFiles[event.Name] = true
			if debounceTimer != nil {
				debounceTimer.Stop()
			}
			debounceTimer = time.AfterFunc(debounceWindow, func() {
				pendingMu.Lock()
				files := make([]string, 0, len(pendingFiles))
				for f := range pendingFiles {
					files = append(files, f)
				}
				pendingFiles = make(map[string]bool)
				pendingMu.Unlock()

				for _, f := range files {
					w.processFile(f)
				}
			})
			pendingMu.Unlock()

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			hookLog.Warn("watch_error", slog.String("error", err.Error()))
		}
	}
}

// Stop shuts down the watcher.
func (w *Watcher) Stop() {
	w.cancel()
	_ = w.watcher.Close()
}

// processExisting consumes files written while the supervisor was down.
func (w *Watcher) processExisting() {
	entries, err := os.ReadDir(w.dir)
	if err != nil {
		return
	}
	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".json" {
			continue
		}
		w.processFile(filepath.Join(w.dir, entry.Name()))
	}
}

// processFile parses one signal file, enqueues it, and removes it.
func (w *Watcher) processFile(path string) {
	data, err := os.ReadFile(path)
	if err != nil {
		return
	}

	var sf signalFile
	if err := json.Unmarshal(data, &sf); err != nil {
		hookLog.Warn("bad_signal_file", slog.String("file", filepath.Base(path)), slog.String("error", err.Error()))
		_ = os.Remove(path)
		return
	}
	if sf.Source == "" || sf.PaneID == "" || sf.EventType == "" {
		hookLog.Warn("incomplete_signal_file", slog.String("file", filepath.Base(path)))
		_ = os.Remove(path)
		return
	}

	sig := pane.Signal{
		Source:     sf.Source,
		PaneID:     sf.PaneID,
		EventType:  sf.EventType,
		Payload:    sf.Payload,
		Generation: sf.Generation,
	}
	if sf.Timestamp > 0 {
		sig.Timestamp = time.Unix(sf.Timestamp, 0)
	}

	outcome := w.sink.Enqueue(sf.PaneID, sig)
	hookLog.Debug("signal_file_ingested",
		slog.String("pane", sf.PaneID),
		slog.String("signal", sig.Key()),
		slog.Int("outcome", int(outcome)),
	)

	_ = os.Remove(path)
}
