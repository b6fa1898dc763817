package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDefaultValues(t *testing.T) {
	c := Default()

	require.Equal(t, 1, c.Status.TickIntervalSecs)
	require.Equal(t, 60, c.Status.LongRunningThresholdSecs)
	require.Equal(t, 25, c.Status.WaitingFallbackSecs)
	require.True(t, c.Status.WaitingFallbackToRunning)
	require.Equal(t, 30, c.Status.HistoryLength)
	require.Equal(t, 256, c.Queue.Capacity)
	require.Equal(t, 0.75, c.Queue.HighWatermark)
	require.Equal(t, 0.5, c.Queue.LowPriorityWatermark)
	require.Equal(t, 5, c.Display.DwellSecs)
	require.Equal(t, 3, c.Display.SuppressBelowSecs)
	require.Equal(t, "info", c.Logs.Level)
	require.Equal(t, "json", c.Logs.Format)
	require.Equal(t, "127.0.0.1:8430", c.Web.ListenAddr)
	require.False(t, c.Persist.Enabled)
}

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	c, err := Load(t.TempDir())
	require.NoError(t, err)
	require.Equal(t, Default(), c)
}

func TestLoadPartialFileKeepsDefaults(t *testing.T) {
	dir := t.TempDir()
	content := `
[status]
long_running_threshold_secs = 120

[web]
listen_addr = "127.0.0.1:9999"
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, FileName), []byte(content), 0o644))

	c, err := Load(dir)
	require.NoError(t, err)
	require.Equal(t, 120, c.Status.LongRunningThresholdSecs)
	require.Equal(t, "127.0.0.1:9999", c.Web.ListenAddr)
	// Everything unset falls back to defaults.
	require.Equal(t, 256, c.Queue.Capacity)
	require.Equal(t, 5, c.Display.DwellSecs)
}

func TestLoadRejectsMalformedTOML(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, FileName), []byte("[status\n"), 0o644))

	_, err := Load(dir)
	require.Error(t, err)
}

func TestValidateRejectsBadValues(t *testing.T) {
	c := Default()
	c.Logs.Level = "verbose"
	require.Error(t, c.Validate())

	c = Default()
	c.Logs.Format = "xml"
	require.Error(t, c.Validate())

	c = Default()
	c.Status.WaitingFallbackSecs = 1
	c.Status.TickIntervalSecs = 5
	require.Error(t, c.Validate())
}

func TestSaveLoadRoundTrip(t *testing.T) {
	dir := t.TempDir()

	c := Default()
	c.Status.LongRunningThresholdSecs = 90
	c.Web.Token = "secret"
	require.NoError(t, c.Save(dir))

	loaded, err := Load(dir)
	require.NoError(t, err)
	require.Equal(t, 90, loaded.Status.LongRunningThresholdSecs)
	require.Equal(t, "secret", loaded.Web.Token)
}

func TestDirHonorsEnvOverride(t *testing.T) {
	t.Setenv("PANE_SUPERVISOR_DIR", "/tmp/custom-supervisor")
	require.Equal(t, "/tmp/custom-supervisor", Dir())
}
