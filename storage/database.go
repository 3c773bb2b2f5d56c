package storage

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

const (
	// DefaultDBFileName is the SQLite filename under the data dir.
	DefaultDBFileName = "journal.db"
	// DefaultEventRetention controls automatic peer-event pruning.
	DefaultEventRetention = 7 * 24 * time.Hour
)

var migrations = []string{
	`
CREATE TABLE IF NOT EXISTS peer_events (
  id         INTEGER PRIMARY KEY AUTOINCREMENT,
  event_type TEXT NOT NULL CHECK(event_type IN ('handshake_accepted','handshake_rejected','probe_failed','peer_evicted')),
  peer_id    TEXT,
  details    TEXT NOT NULL,
  timestamp  INTEGER NOT NULL
);
`,
	`
CREATE INDEX IF NOT EXISTS idx_peer_events_time
ON peer_events (timestamp DESC, id DESC);
`,
	`
CREATE INDEX IF NOT EXISTS idx_peer_events_peer
ON peer_events (peer_id, timestamp DESC, id DESC);
`,
}

// Journal is a thin wrapper around a SQLite connection holding the
// peer-event history.
//
// The live peer table is process memory and is rebuilt from traffic on
// restart; the journal only records what happened for operators.
type Journal struct {
	db *sql.DB

	retention time.Duration
	closeOnce sync.Once
}

// Open opens (or creates) journal.db under the given data directory and runs
// migrations.
func Open(dataDir string) (*Journal, string, error) {
	if err := os.MkdirAll(dataDir, 0o700); err != nil {
		return nil, "", fmt.Errorf("create storage directory: %w", err)
	}

	dbPath := filepath.Join(dataDir, DefaultDBFileName)
	journal, err := OpenPath(dbPath)
	if err != nil {
		return nil, "", err
	}

	return journal, dbPath, nil
}

// OpenPath opens SQLite at an explicit path and runs schema migrations.
func OpenPath(dbPath string) (*Journal, error) {
	dsn := fmt.Sprintf("file:%s?_busy_timeout=5000", filepath.ToSlash(dbPath))
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite database: %w", err)
	}

	journal := &Journal{
		db:        db,
		retention: DefaultEventRetention,
	}

	if err := journal.migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}

	return journal, nil
}

// SetRetention configures the automatic event pruning horizon.
func (j *Journal) SetRetention(retention time.Duration) {
	if retention <= 0 {
		retention = DefaultEventRetention
	}
	j.retention = retention
}

// Close closes the underlying database.
func (j *Journal) Close() error {
	var err error
	j.closeOnce.Do(func() {
		err = j.db.Close()
	})
	return err
}

func (j *Journal) migrate() error {
	for i, migration := range migrations {
		if _, err := j.db.Exec(migration); err != nil {
			return fmt.Errorf("apply migration %d: %w", i+1, err)
		}
	}
	return nil
}

func nowUnixMilli() int64 {
	return time.Now().UnixMilli()
}
