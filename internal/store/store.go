// Package store persists pane snapshots in SQLite. The supervisor runs
// correctly with it entirely absent; when wired, snapshots are versioned and
// checksummed so a torn write rehydrates as a cold start instead of corrupt
// state.
package store

import (
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/asheshgoplani/pane-supervisor/internal/pane"
)

// SchemaVersion tracks the current database schema version.
// Bump this when adding migrations.
const SchemaVersion = 1

// Store wraps a SQLite database holding per-pane snapshots.
// Thread-safe for concurrent use from multiple goroutines within one process.
type Store struct {
	db  *sql.DB
	log *slog.Logger
}

// Open creates or opens the snapshot database at dbPath with WAL mode and
// busy timeout, and runs migrations.
func Open(dbPath string, log *slog.Logger) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0700); err != nil {
		return nil, fmt.Errorf("store: mkdir: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("store: open: %w", err)
	}

	// WAL mode: allows concurrent readers while writing
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: wal mode: %w", err)
	}

	// Busy timeout: wait up to 5s if another process holds a lock
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: busy timeout: %w", err)
	}

	s := &Store{db: db, log: log}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Close checkpoints WAL and closes the database.
func (s *Store) Close() error {
	_, _ = s.db.Exec("PRAGMA wal_checkpoint(TRUNCATE)")
	return s.db.Close()
}

// DB returns the underlying sql.DB for advanced use cases (e.g., testing).
func (s *Store) DB() *sql.DB {
	return s.db
}

func (s *Store) migrate() error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("store: begin migrate: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.Exec(`
		CREATE TABLE IF NOT EXISTS metadata (
			key   TEXT PRIMARY KEY,
			value TEXT NOT NULL
		)
	`); err != nil {
		return fmt.Errorf("store: create metadata: %w", err)
	}

	if _, err := tx.Exec(`
		CREATE TABLE IF NOT EXISTS pane_snapshots (
			pane_id    TEXT PRIMARY KEY,
			version    INTEGER NOT NULL,
			checksum   TEXT NOT NULL,
			payload    TEXT NOT NULL,
			updated_at INTEGER NOT NULL
		)
	`); err != nil {
		return fmt.Errorf("store: create pane_snapshots: %w", err)
	}

	if _, err := tx.Exec(
		`INSERT OR REPLACE INTO metadata (key, value) VALUES ('schema_version', ?)`,
		fmt.Sprintf("%d", SchemaVersion),
	); err != nil {
		return fmt.Errorf("store: set schema version: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("store: commit migrate: %w", err)
	}
	return nil
}

// SaveAll replaces the persisted snapshot set with the given records in one
// transaction, so readers never observe a partially written flush.
func (s *Store) SaveAll(records []pane.PaneRecord) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("store: begin save: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.Exec(`DELETE FROM pane_snapshots`); err != nil {
		return fmt.Errorf("store: clear snapshots: %w", err)
	}

	now := time.Now().Unix()
	stmt, err := tx.Prepare(`
		INSERT INTO pane_snapshots (pane_id, version, checksum, payload, updated_at)
		VALUES (?, ?, ?, ?, ?)
	`)
	if err != nil {
		return fmt.Errorf("store: prepare insert: %w", err)
	}
	defer stmt.Close()

	for _, rec := range records {
		payload, checksum, err := pane.EncodeRecord(rec)
		if err != nil {
			return err
		}
		if _, err := stmt.Exec(rec.Machine.PaneID, pane.SnapshotVersion, checksum, string(payload), now); err != nil {
			return fmt.Errorf("store: insert %s: %w", rec.Machine.PaneID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("store: commit save: %w", err)
	}
	return nil
}

// Save upserts one pane's snapshot.
func (s *Store) Save(rec pane.PaneRecord) error {
	payload, checksum, err := pane.EncodeRecord(rec)
	if err != nil {
		return err
	}
	if _, err := s.db.Exec(`
		INSERT INTO pane_snapshots (pane_id, version, checksum, payload, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(pane_id) DO UPDATE SET
			version    = excluded.version,
			checksum   = excluded.checksum,
			payload    = excluded.payload,
			updated_at = excluded.updated_at
	`, rec.Machine.PaneID, pane.SnapshotVersion, checksum, string(payload), time.Now().Unix()); err != nil {
		return fmt.Errorf("store: save %s: %w", rec.Machine.PaneID, err)
	}
	return nil
}

// Load returns one pane's snapshot, or found=false when absent.
func (s *Store) Load(paneID string) (pane.PaneRecord, bool, error) {
	var (
		version  int
		checksum string
		payload  string
	)
	err := s.db.QueryRow(
		`SELECT version, checksum, payload FROM pane_snapshots WHERE pane_id = ?`,
		paneID,
	).Scan(&version, &checksum, &payload)
	if err == sql.ErrNoRows {
		return pane.PaneRecord{}, false, nil
	}
	if err != nil {
		return pane.PaneRecord{}, false, fmt.Errorf("store: load %s: %w", paneID, err)
	}
	rec, err := pane.DecodeRecord([]byte(payload), checksum, version)
	if err != nil {
		return pane.PaneRecord{}, false, err
	}
	return rec, true, nil
}

// LoadAll returns every valid snapshot. Corrupt or unversioned rows are
// logged and skipped rather than failing the whole restore.
func (s *Store) LoadAll() ([]pane.PaneRecord, error) {
	rows, err := s.db.Query(`SELECT pane_id, version, checksum, payload FROM pane_snapshots ORDER BY pane_id`)
	if err != nil {
		return nil, fmt.Errorf("store: load all: %w", err)
	}
	defer rows.Close()

	var out []pane.PaneRecord
	for rows.Next() {
		var (
			paneID   string
			version  int
			checksum string
			payload  string
		)
		if err := rows.Scan(&paneID, &version, &checksum, &payload); err != nil {
			return nil, fmt.Errorf("store: scan: %w", err)
		}
		rec, err := pane.DecodeRecord([]byte(payload), checksum, version)
		if err != nil {
			if s.log != nil {
				s.log.Warn("skipping bad snapshot", "pane", paneID, "error", err)
			}
			continue
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// Delete removes one pane's snapshot. Deleting a missing row is not an error.
func (s *Store) Delete(paneID string) error {
	if _, err := s.db.Exec(`DELETE FROM pane_snapshots WHERE pane_id = ?`, paneID); err != nil {
		return fmt.Errorf("store: delete %s: %w", paneID, err)
	}
	return nil
}
