// Package config loads the TOML user configuration for pane-supervisor.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
)

// FileName is the TOML config file for user preferences.
const FileName = "config.toml"

// Config is the user-facing configuration in TOML format.
type Config struct {
	// Status defines state machine thresholds
	Status StatusSettings `toml:"status"`

	// Queue defines per-pane event queue limits
	Queue QueueSettings `toml:"queue"`

	// Display defines display layer delays and suppression
	Display DisplaySettings `toml:"display"`

	// Logs defines logging behavior
	Logs LogSettings `toml:"logs"`

	// Web defines the HTTP/WebSocket server
	Web WebSettings `toml:"web"`

	// Persist defines optional snapshot persistence
	Persist PersistSettings `toml:"persist"`
}

// StatusSettings defines state machine thresholds.
type StatusSettings struct {
	// TickIntervalSecs is the scheduler tick cadence (default: 1)
	TickIntervalSecs int `toml:"tick_interval_secs"`

	// LongRunningThresholdSecs promotes RUNNING to LONG_RUNNING (default: 60)
	LongRunningThresholdSecs int `toml:"long_running_threshold_secs"`

	// WaitingFallbackSecs is the WAITING_APPROVAL timeout (default: 25)
	WaitingFallbackSecs int `toml:"waiting_fallback_secs"`

	// WaitingFallbackToRunning resumes RUNNING after a timeout when pane
	// content changed while waiting; otherwise fall to IDLE (default: true)
	WaitingFallbackToRunning bool `toml:"waiting_fallback_to_running"`

	// HistoryLength is the per-pane transition history kept in memory (default: 30)
	HistoryLength int `toml:"history_length"`
}

// QueueSettings defines per-pane event queue limits.
type QueueSettings struct {
	// Capacity is the bounded queue size per pane (default: 256)
	Capacity int `toml:"capacity"`

	// HighWatermark is the fill ratio that triggers depth warnings (default: 0.75)
	HighWatermark float64 `toml:"high_watermark"`

	// LowPriorityWatermark is the fill ratio above which low-priority
	// signals are shed (default: 0.5)
	LowPriorityWatermark float64 `toml:"low_priority_watermark"`
}

// DisplaySettings defines display layer delays and suppression.
type DisplaySettings struct {
	// DwellSecs keeps DONE/FAILED visible before a deferred clear (default: 5)
	DwellSecs int `toml:"dwell_secs"`

	// SuppressBelowSecs suppresses completion notifications for runs
	// shorter than this (default: 3)
	SuppressBelowSecs int `toml:"suppress_below_secs"`

	// RecentlyFinishedHintSecs keeps the recently_finished flag set after an
	// auto-dismiss (default: 10)
	RecentlyFinishedHintSecs int `toml:"recently_finished_hint_secs"`
}

// LogSettings defines logging behavior.
type LogSettings struct {
	// Dir is the log directory; empty discards logs unless debug is on
	Dir string `toml:"dir"`

	// Level is "debug", "info", "warn" or "error" (default: "info")
	Level string `toml:"level"`

	// Format is "json" (default) or "text"
	Format string `toml:"format"`

	// MaxSizeMB before rotation (default: 10)
	MaxSizeMB int `toml:"max_size_mb"`

	// MaxBackups of rotated files (default: 5)
	MaxBackups int `toml:"max_backups"`
}

// WebSettings defines the HTTP/WebSocket server.
type WebSettings struct {
	// ListenAddr for the server (default: "127.0.0.1:8430")
	ListenAddr string `toml:"listen_addr"`

	// Token guards mutating endpoints when non-empty
	Token string `toml:"token"`

	// IngestRatePerSec limits POST /api/signal (default: 200)
	IngestRatePerSec int `toml:"ingest_rate_per_sec"`

	// IngestBurst is the limiter burst (default: 400)
	IngestBurst int `toml:"ingest_burst"`
}

// PersistSettings defines optional snapshot persistence.
type PersistSettings struct {
	// Enabled turns on SQLite snapshots (default: false; the core runs
	// entirely in memory without it)
	Enabled bool `toml:"enabled"`

	// Path to the SQLite database file; empty uses <dir>/state.db
	Path string `toml:"path"`

	// FlushIntervalSecs between periodic snapshots (default: 30)
	FlushIntervalSecs int `toml:"flush_interval_secs"`
}

// Dir returns the pane-supervisor config/state directory.
func Dir() string {
	if dir := os.Getenv("PANE_SUPERVISOR_DIR"); dir != "" {
		return dir
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(os.TempDir(), ".pane-supervisor")
	}
	return filepath.Join(home, ".pane-supervisor")
}

// Default returns a Config with every default applied.
func Default() Config {
	var c Config
	c.applyDefaults()
	return c
}

// Load reads the config file from dir, applying defaults for anything unset.
// A missing file is not an error: defaults are returned.
func Load(dir string) (Config, error) {
	var c Config

	path := filepath.Join(dir, FileName)
	if _, err := os.Stat(path); err == nil {
		if _, err := toml.DecodeFile(path, &c); err != nil {
			return Config{}, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}

	c.applyDefaults()
	if err := c.Validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}

func (c *Config) applyDefaults() {
	if c.Status.TickIntervalSecs <= 0 {
		c.Status.TickIntervalSecs = 1
	}
	if c.Status.LongRunningThresholdSecs <= 0 {
		c.Status.LongRunningThresholdSecs = 60
	}
	if c.Status.WaitingFallbackSecs <= 0 {
		c.Status.WaitingFallbackSecs = 25
		c.Status.WaitingFallbackToRunning = true
	}
	if c.Status.HistoryLength <= 0 {
		c.Status.HistoryLength = 30
	}
	if c.Queue.Capacity <= 0 {
		c.Queue.Capacity = 256
	}
	if c.Queue.HighWatermark <= 0 || c.Queue.HighWatermark > 1 {
		c.Queue.HighWatermark = 0.75
	}
	if c.Queue.LowPriorityWatermark <= 0 || c.Queue.LowPriorityWatermark > 1 {
		c.Queue.LowPriorityWatermark = 0.5
	}
	if c.Display.DwellSecs <= 0 {
		c.Display.DwellSecs = 5
	}
	if c.Display.SuppressBelowSecs <= 0 {
		c.Display.SuppressBelowSecs = 3
	}
	if c.Display.RecentlyFinishedHintSecs <= 0 {
		c.Display.RecentlyFinishedHintSecs = 10
	}
	if c.Logs.Level == "" {
		c.Logs.Level = "info"
	}
	if c.Logs.Format == "" {
		c.Logs.Format = "json"
	}
	if c.Web.ListenAddr == "" {
		c.Web.ListenAddr = "127.0.0.1:8430"
	}
	if c.Web.IngestRatePerSec <= 0 {
		c.Web.IngestRatePerSec = 200
	}
	if c.Web.IngestBurst <= 0 {
		c.Web.IngestBurst = 400
	}
	if c.Persist.FlushIntervalSecs <= 0 {
		c.Persist.FlushIntervalSecs = 30
	}
}

// Validate rejects values the supervisor cannot run with.
func (c *Config) Validate() error {
	switch c.Logs.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("config: invalid logs.level %q", c.Logs.Level)
	}
	switch c.Logs.Format {
	case "json", "text":
	default:
		return fmt.Errorf("config: invalid logs.format %q", c.Logs.Format)
	}
	if c.Status.WaitingFallbackSecs <= c.Status.TickIntervalSecs {
		return fmt.Errorf("config: status.waiting_fallback_secs must exceed the tick interval")
	}
	return nil
}

// Save writes the config to dir (mainly for `config init`).
func (c Config) Save(dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("config: mkdir: %w", err)
	}
	path := filepath.Join(dir, FileName)
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("config: create: %w", err)
	}
	defer f.Close()
	if err := toml.NewEncoder(f).Encode(c); err != nil {
		return fmt.Errorf("config: encode: %w", err)
	}
	return nil
}
