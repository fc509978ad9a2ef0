package agent

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/vmihailenco/msgpack/v5"
	_ "modernc.org/sqlite"

	"github.com/thobiasn/beacon/internal/protocol"
)

// currentSchemaVersion is incremented when the schema changes in a way that
// requires data migration (not just adding tables).
const currentSchemaVersion = 1

const schema = `
CREATE TABLE IF NOT EXISTS workers (
	name      TEXT    PRIMARY KEY,
	record    BLOB    NOT NULL,
	last_seen INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_workers_seen ON workers(last_seen);
`

// Store persists the latest record of every reported worker so they survive
// an agent restart. It keeps current state only, never history.
type Store struct {
	db   *sql.DB
	path string
}

// StoredWorker is one row of the workers table.
type StoredWorker struct {
	Record   protocol.StatusRecord
	LastSeen time.Time
}

// OpenStore opens or creates a SQLite database at the given path with WAL mode.
func OpenStore(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}

	s := &Store{db: db, path: path}

	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	if _, err := db.ExecContext(context.Background(), schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}

	// Reported records may carry endpoints on private networks.
	if err := os.Chmod(path, 0o600); err != nil {
		slog.Warn("failed to set database file permissions", "error", err)
	}
	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// migrate tracks the schema with PRAGMA user_version.
func (s *Store) migrate() error {
	var version int
	if err := s.db.QueryRow("PRAGMA user_version").Scan(&version); err != nil {
		return fmt.Errorf("read user_version: %w", err)
	}
	if version >= currentSchemaVersion {
		return nil
	}
	if _, err := s.db.Exec(fmt.Sprintf("PRAGMA user_version = %d", currentSchemaVersion)); err != nil {
		return fmt.Errorf("set user_version: %w", err)
	}
	return nil
}

// SaveWorker upserts the latest record for one worker. A save older than the
// stored row is ignored.
func (s *Store) SaveWorker(ctx context.Context, rec *protocol.StatusRecord, seen time.Time) error {
	blob, err := msgpack.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode record: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO workers (name, record, last_seen) VALUES (?, ?, ?)
		 ON CONFLICT(name) DO UPDATE SET record = excluded.record, last_seen = excluded.last_seen
		 WHERE excluded.last_seen >= workers.last_seen`,
		rec.Name, blob, seen.UnixMilli())
	if err != nil {
		return fmt.Errorf("save worker %q: %w", rec.Name, err)
	}
	return nil
}

// LoadWorkers returns every stored worker ordered by name. Rows that fail to
// decode are skipped with a warning.
func (s *Store) LoadWorkers(ctx context.Context) ([]StoredWorker, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT name, record, last_seen FROM workers ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("query workers: %w", err)
	}
	defer rows.Close()

	var out []StoredWorker
	for rows.Next() {
		var (
			name string
			blob []byte
			seen int64
		)
		if err := rows.Scan(&name, &blob, &seen); err != nil {
			return nil, fmt.Errorf("scan worker: %w", err)
		}
		var w StoredWorker
		if err := msgpack.Unmarshal(blob, &w.Record); err != nil {
			slog.Warn("skipping unreadable worker record", "name", name, "error", err)
			continue
		}
		w.Record.Name = name
		w.LastSeen = time.UnixMilli(seen)
		out = append(out, w)
	}
	return out, rows.Err()
}

// Prune deletes workers not seen since before.
func (s *Store) Prune(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM workers WHERE last_seen < ?`, before.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("prune workers: %w", err)
	}
	return res.RowsAffected()
}
