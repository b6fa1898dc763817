package pane

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
)

// SnapshotVersion is bumped whenever the persisted record shape changes in
// a way old readers cannot tolerate.
const SnapshotVersion = 1

// PaneRecord is the persisted snapshot of one pane: machine state with
// history plus the display layer's view.
type PaneRecord struct {
	Machine MachineState `json:"machine"`
	Display DisplayState `json:"display"`
}

// EncodeRecord serializes a record and returns its payload and checksum.
func EncodeRecord(rec PaneRecord) (payload []byte, checksum string, err error) {
	payload, err = json.Marshal(rec)
	if err != nil {
		return nil, "", fmt.Errorf("pane: encode snapshot for %s: %w", rec.Machine.PaneID, err)
	}
	return payload, Checksum(payload), nil
}

// DecodeRecord verifies the checksum and version before deserializing.
// A mismatched checksum or unknown version rejects the snapshot; the caller
// falls back to a cold start for that pane.
func DecodeRecord(payload []byte, checksum string, version int) (PaneRecord, error) {
	var rec PaneRecord
	if version != SnapshotVersion {
		return rec, fmt.Errorf("pane: unsupported snapshot version %d", version)
	}
	if got := Checksum(payload); got != checksum {
		return rec, fmt.Errorf("pane: snapshot checksum mismatch: have %s, want %s", got, checksum)
	}
	if err := json.Unmarshal(payload, &rec); err != nil {
		return rec, fmt.Errorf("pane: decode snapshot: %w", err)
	}
	if rec.Machine.PaneID == "" {
		return rec, fmt.Errorf("pane: snapshot missing pane_id")
	}
	return rec, nil
}

// Checksum returns the hex SHA-256 of a snapshot payload.
func Checksum(payload []byte) string {
	sum := sha256.Sum256(payload)
	return hex.EncodeToString(sum[:])
}
