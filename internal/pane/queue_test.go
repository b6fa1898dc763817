package pane

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestQueueFIFO(t *testing.T) {
	q := NewEventQueue(8, nil, nil)

	for i := 0; i < 3; i++ {
		sig := NewSignal(SourceShell, "p1", fmt.Sprintf("event_%d", i), nil)
		require.Equal(t, EnqueueAdmitted, q.Enqueue(sig))
	}

	for i := 0; i < 3; i++ {
		sig, ok := q.Dequeue()
		require.True(t, ok)
		require.Equal(t, fmt.Sprintf("event_%d", i), sig.EventType)
	}
	_, ok := q.Dequeue()
	require.False(t, ok)
}

func TestQueueOverflowDropsOldest(t *testing.T) {
	q := NewEventQueue(3, nil, nil)

	for i := 0; i < 4; i++ {
		sig := NewSignal(SourceShell, "p1", fmt.Sprintf("event_%d", i), nil)
		q.Enqueue(sig)
	}

	stats := q.Stats()
	require.Equal(t, int64(1), stats.DroppedOldest)
	require.Equal(t, 3, q.Len())

	// The oldest entry was dropped, never the newest.
	sig, ok := q.Dequeue()
	require.True(t, ok)
	require.Equal(t, "event_1", sig.EventType)
}

func TestProtectivePolicySparesCompletionSignals(t *testing.T) {
	q := NewEventQueue(3, ProtectiveDropPolicy{}, nil)

	q.Enqueue(NewSignal(SourceShell, "p1", "command_end", map[string]any{"exit_code": 0}))
	q.Enqueue(NewSignal(SourceShell, "p1", "command_start", nil))
	q.Enqueue(NewSignal(SourceClaude, "p1", "Stop", nil))

	// Overflow evicts the oldest unprotected signal, not the command_end.
	q.Enqueue(NewSignal(SourceShell, "p1", "command_start", nil))
	require.Equal(t, 3, q.Len())

	var keys []string
	for {
		sig, ok := q.Dequeue()
		if !ok {
			break
		}
		keys = append(keys, sig.Key())
	}
	require.Equal(t, []string{"shell.command_end", "claude-code.Stop", "shell.command_start"}, keys)
}

func TestProtectivePolicyRejectsWhenAllProtected(t *testing.T) {
	q := NewEventQueue(2, ProtectiveDropPolicy{}, nil)

	q.Enqueue(NewSignal(SourceShell, "p1", "command_end", map[string]any{"exit_code": 0}))
	q.Enqueue(NewSignal(SourceClaude, "p1", "SessionEnd", nil))

	outcome := q.Enqueue(NewSignal(SourceShell, "p1", "command_start", nil))
	require.Equal(t, EnqueueRejected, outcome)
	require.Equal(t, int64(1), q.Stats().RejectedFull)
	require.Equal(t, 2, q.Len())
}

func TestContentSignalsMerge(t *testing.T) {
	q := NewEventQueue(8, nil, nil)

	q.Enqueue(NewSignal(SourceContent, "p1", "update", map[string]any{"hash": "a"}))
	q.Enqueue(NewSignal(SourceContent, "p1", "update", map[string]any{"hash": "b"}))
	q.Enqueue(NewSignal(SourceContent, "p1", "update", map[string]any{"hash": "c"}))

	require.Equal(t, 1, q.Len())
	require.Equal(t, int64(2), q.Stats().Merged)

	sig, ok := q.Dequeue()
	require.True(t, ok)
	hash, _ := sig.PayloadString("hash")
	require.Equal(t, "c", hash)
}

func TestContentShedAboveWatermark(t *testing.T) {
	q := NewEventQueue(4, nil, nil) // shed at depth 2

	q.Enqueue(NewSignal(SourceShell, "p1", "command_start", nil))
	q.Enqueue(NewSignal(SourceShell, "p1", "command_start", nil))

	outcome := q.Enqueue(NewSignal(SourceContent, "p1", "update", map[string]any{"hash": "a"}))
	require.Equal(t, EnqueueShed, outcome)
	require.Equal(t, int64(1), q.Stats().ShedContent)
	require.Equal(t, 2, q.Len())
}

func TestGenerationFenceRejectsAtEnqueue(t *testing.T) {
	q := NewEventQueue(8, nil, nil)
	q.SetGenerationFence(3)

	stale := NewSignal(SourceShell, "p1", "command_start", nil)
	stale.Generation = 2
	require.Equal(t, EnqueueStale, q.Enqueue(stale))

	// Generation 0 means "fill later" and always passes.
	unset := NewSignal(SourceShell, "p1", "command_start", nil)
	require.Equal(t, EnqueueAdmitted, q.Enqueue(unset))

	live := NewSignal(SourceShell, "p1", "command_start", nil)
	live.Generation = 3
	require.Equal(t, EnqueueAdmitted, q.Enqueue(live))

	require.Equal(t, int64(1), q.Stats().RejectedStale)
}

func TestQueueSnapshot(t *testing.T) {
	q := NewEventQueue(8, nil, nil)
	q.Enqueue(NewSignal(SourceShell, "p1", "command_start", nil))

	snap := q.Snapshot()
	require.Equal(t, 1, snap.Depth)
	require.Equal(t, 8, snap.Capacity)
	require.Equal(t, []string{"shell.command_start"}, snap.Pending)
}

func TestQueueClear(t *testing.T) {
	q := NewEventQueue(8, nil, nil)
	q.Enqueue(NewSignal(SourceShell, "p1", "command_start", nil))
	q.Enqueue(NewSignal(SourceShell, "p1", "command_end", nil))

	require.Equal(t, 2, q.Clear())
	require.Zero(t, q.Len())
}
