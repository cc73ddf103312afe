package storage

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

const (
	// DefaultDBFileName is the trust store filename inside the data dir.
	DefaultDBFileName = "trust.db"
	// DefaultWALCheckpointInterval controls periodic WAL truncation.
	DefaultWALCheckpointInterval = 24 * time.Hour
)

var migrations = []string{
	`
CREATE TABLE IF NOT EXISTS trusted_peers (
  device_id           TEXT PRIMARY KEY,
  device_name         TEXT NOT NULL,
  ed25519_public_key  TEXT NOT NULL,
  key_fingerprint     TEXT NOT NULL,
  paired_at           INTEGER NOT NULL,
  last_seen_timestamp INTEGER
);
`,
	`
CREATE TABLE IF NOT EXISTS key_rotation_events (
  id                  INTEGER PRIMARY KEY AUTOINCREMENT,
  peer_device_id      TEXT NOT NULL REFERENCES trusted_peers(device_id) ON DELETE CASCADE,
  old_key_fingerprint TEXT NOT NULL,
  new_key_fingerprint TEXT NOT NULL,
  decision            TEXT NOT NULL CHECK(decision IN ('trusted','rejected')),
  timestamp           INTEGER NOT NULL
);
`,
	`
CREATE INDEX IF NOT EXISTS idx_key_rotation_events_peer_time
ON key_rotation_events (peer_device_id, timestamp DESC, id DESC);
`,
	`
ALTER TABLE trusted_peers ADD COLUMN paired INTEGER NOT NULL DEFAULT 0;
`,
}

// Store is the local trust store: pinned peer identities from pairing or first use.
type Store struct {
	db *sql.DB

	stopCheckpoints context.CancelFunc
	checkpoints     sync.WaitGroup
	closeOnce       sync.Once
}

// Open opens (or creates) trust.db under dataDir.
func Open(dataDir string) (*Store, string, error) {
	if err := os.MkdirAll(dataDir, 0o700); err != nil {
		return nil, "", fmt.Errorf("create storage directory: %w", err)
	}
	dbPath := filepath.Join(dataDir, DefaultDBFileName)
	store, err := OpenPath(dbPath)
	return store, dbPath, err
}

// OpenPath opens the database at dbPath, switches it to WAL and migrates it.
func OpenPath(dbPath string) (_ *Store, err error) {
	dsn := fmt.Sprintf("file:%s?_foreign_keys=on&_busy_timeout=5000", filepath.ToSlash(dbPath))
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}
	defer func() {
		if err != nil {
			_ = db.Close()
		}
	}()

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping sqlite database: %w", err)
	}
	var journalMode string
	if err := db.QueryRow("PRAGMA journal_mode=WAL;").Scan(&journalMode); err != nil {
		return nil, fmt.Errorf("enable WAL mode: %w", err)
	}
	if !strings.EqualFold(journalMode, "wal") {
		return nil, fmt.Errorf("enable WAL mode: journal mode is %q", journalMode)
	}
	if err := migrate(db); err != nil {
		return nil, err
	}

	store := &Store{db: db}
	if err := store.checkpoint(); err != nil {
		return nil, err
	}
	store.runCheckpoints(DefaultWALCheckpointInterval)
	return store, nil
}

// Close stops the checkpoint loop and closes the database. It is idempotent.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	var err error
	s.closeOnce.Do(func() {
		if s.stopCheckpoints != nil {
			s.stopCheckpoints()
			s.checkpoints.Wait()
		}
		err = s.db.Close()
	})
	return err
}

// migrate applies every migration past PRAGMA user_version in one transaction.
func migrate(db *sql.DB) error {
	var version int
	if err := db.QueryRow("PRAGMA user_version;").Scan(&version); err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}
	pending := migrations[min(version, len(migrations)):]
	if len(pending) == 0 {
		return nil
	}

	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("begin migration: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	for i, stmt := range pending {
		step := version + i + 1
		if _, err := tx.Exec(stmt); err != nil {
			return fmt.Errorf("apply migration %d: %w", step, err)
		}
		if _, err := tx.Exec(fmt.Sprintf("PRAGMA user_version = %d;", step)); err != nil {
			return fmt.Errorf("set schema version %d: %w", step, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit migration: %w", err)
	}
	return nil
}

func (s *Store) checkpoint() error {
	if _, err := s.db.Exec("PRAGMA wal_checkpoint(TRUNCATE);"); err != nil {
		return fmt.Errorf("wal checkpoint: %w", err)
	}
	return nil
}

// runCheckpoints truncates the WAL every interval until Close.
func (s *Store) runCheckpoints(interval time.Duration) {
	if interval <= 0 {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	s.stopCheckpoints = cancel
	s.checkpoints.Add(1)
	go func() {
		defer s.checkpoints.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				_ = s.checkpoint()
			}
		}
	}()
}
