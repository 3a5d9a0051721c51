// Package meta keeps the transfer ledger: a SQLite record of every job
// queued, delivered or received, and of every repair issued.
package meta

import (
	"context"
	"database/sql"
	"errors"
	"time"

	_ "modernc.org/sqlite"
)

// Transfer states.
const (
	StateQueued   = "QUEUED"
	StateSent     = "SENT"
	StateReceived = "RECEIVED"
	StateFailed   = "FAILED"
)

// Store wraps the SQLite ledger database.
type Store struct {
	db *sql.DB
}

// Open opens or creates the ledger at the given path.
func Open(path string) (*Store, error) {
	if path == "" {
		return nil, errors.New("meta: db path required")
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	store := &Store{db: db}
	if err := store.applyPragmas(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := store.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

// Close closes the database.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Flush forces a WAL checkpoint to durably persist changes.
func (s *Store) Flush() error {
	if s == nil || s.db == nil {
		return nil
	}
	_, err := s.db.Exec("PRAGMA wal_checkpoint(TRUNCATE)")
	return err
}

func (s *Store) applyPragmas(ctx context.Context) error {
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=FULL",
		"PRAGMA busy_timeout=5000",
	} {
		if _, err := s.db.ExecContext(ctx, pragma); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) migrate(ctx context.Context) (err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	if _, err = tx.ExecContext(ctx, `
CREATE TABLE IF NOT EXISTS schema_migrations (
	version INTEGER PRIMARY KEY,
	applied_at TEXT NOT NULL
)`); err != nil {
		return err
	}

	var version int
	if err = tx.QueryRowContext(ctx, "SELECT COALESCE(MAX(version), 0) FROM schema_migrations").Scan(&version); err != nil {
		return err
	}
	steps := []func(context.Context, *sql.Tx) error{applyV1, applyV2}
	for i := version; i < len(steps); i++ {
		if err = steps[i](ctx, tx); err != nil {
			return err
		}
		if _, err = tx.ExecContext(ctx, "INSERT INTO schema_migrations(version, applied_at) VALUES(?, ?)", i+1, now()); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func applyV1(ctx context.Context, tx *sql.Tx) error {
	ddl := []string{
		`CREATE TABLE IF NOT EXISTS transfers (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			sha256 TEXT NOT NULL,
			object_name TEXT NOT NULL,
			object_size INTEGER NOT NULL,
			window_size INTEGER NOT NULL,
			total_windows INTEGER NOT NULL,
			path TEXT NOT NULL,
			state TEXT NOT NULL,
			transport TEXT NOT NULL DEFAULT '',
			error TEXT NOT NULL DEFAULT '',
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS transfers_sha_idx ON transfers(sha256)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS transfers_path_idx ON transfers(path)`,
	}
	for _, stmt := range ddl {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

func applyV2(ctx context.Context, tx *sql.Tx) error {
	_, err := tx.ExecContext(ctx, `
CREATE TABLE IF NOT EXISTS repairs (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	sha256 TEXT NOT NULL,
	stored TEXT NOT NULL,
	window_size INTEGER NOT NULL,
	windows INTEGER NOT NULL,
	bytes INTEGER NOT NULL,
	ok INTEGER NOT NULL,
	error TEXT NOT NULL DEFAULT '',
	created_at TEXT NOT NULL
)`)
	return err
}

func now() string {
	return time.Now().UTC().Format(time.RFC3339Nano)
}

// Transfer is one ledger row.
type Transfer struct {
	ID           int64
	SHA256       string
	ObjectName   string
	ObjectSize   int64
	WindowSize   int
	TotalWindows int
	Path         string
	State        string
	Transport    string
	Error        string
	CreatedAt    string
	UpdatedAt    string
}

// RecordTransfer inserts t, or updates the row with the same path.
func (s *Store) RecordTransfer(ctx context.Context, t Transfer) error {
	if t.Path == "" {
		return errors.New("meta: transfer path required")
	}
	if t.State == "" {
		t.State = StateQueued
	}
	ts := now()
	_, err := s.db.ExecContext(ctx, `
INSERT INTO transfers(sha256, object_name, object_size, window_size, total_windows, path, state, transport, error, created_at, updated_at)
VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(path) DO UPDATE SET
	sha256=excluded.sha256,
	object_name=excluded.object_name,
	object_size=excluded.object_size,
	window_size=excluded.window_size,
	total_windows=excluded.total_windows,
	state=excluded.state,
	transport=excluded.transport,
	error=excluded.error,
	updated_at=excluded.updated_at`,
		t.SHA256, t.ObjectName, t.ObjectSize, t.WindowSize, t.TotalWindows, t.Path, t.State, t.Transport, t.Error, ts, ts)
	return err
}

// MarkState moves the transfer at path to state. A missing row is not an
// error: the ledger is advisory and may be created after jobs exist.
func (s *Store) MarkState(ctx context.Context, path, state, transport, errMsg string) error {
	_, err := s.db.ExecContext(ctx, `
UPDATE transfers SET state=?, transport=?, error=?, updated_at=? WHERE path=?`,
		state, transport, errMsg, now(), path)
	return err
}

// GetTransfer returns the row for path.
func (s *Store) GetTransfer(ctx context.Context, path string) (*Transfer, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT id, sha256, object_name, object_size, window_size, total_windows, path, state, transport, error, created_at, updated_at
FROM transfers WHERE path=?`, path)
	var t Transfer
	if err := row.Scan(&t.ID, &t.SHA256, &t.ObjectName, &t.ObjectSize, &t.WindowSize, &t.TotalWindows, &t.Path, &t.State, &t.Transport, &t.Error, &t.CreatedAt, &t.UpdatedAt); err != nil {
		return nil, err
	}
	return &t, nil
}

// ListTransfers returns rows in insertion order, optionally filtered by
// state. A limit <= 0 means no limit.
func (s *Store) ListTransfers(ctx context.Context, state string, limit int) ([]Transfer, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx, `
SELECT id, sha256, object_name, object_size, window_size, total_windows, path, state, transport, error, created_at, updated_at
FROM transfers WHERE (? = '' OR state = ?) ORDER BY id LIMIT ?`, state, state, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Transfer
	for rows.Next() {
		var t Transfer
		if err := rows.Scan(&t.ID, &t.SHA256, &t.ObjectName, &t.ObjectSize, &t.WindowSize, &t.TotalWindows, &t.Path, &t.State, &t.Transport, &t.Error, &t.CreatedAt, &t.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// CountByState returns the number of transfers per state.
func (s *Store) CountByState(ctx context.Context) (map[string]int, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT state, COUNT(*) FROM transfers GROUP BY state")
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make(map[string]int)
	for rows.Next() {
		var state string
		var n int
		if err := rows.Scan(&state, &n); err != nil {
			return nil, err
		}
		out[state] = n
	}
	return out, rows.Err()
}

// Repair is one issued or applied repair.
type Repair struct {
	SHA256     string
	Stored     string
	WindowSize int
	Windows    int
	Bytes      int64
	OK         bool
	Error      string
	CreatedAt  string
}

// RecordRepair appends a repair outcome.
func (s *Store) RecordRepair(ctx context.Context, r Repair) error {
	ok := 0
	if r.OK {
		ok = 1
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO repairs(sha256, stored, window_size, windows, bytes, ok, error, created_at)
VALUES(?, ?, ?, ?, ?, ?, ?, ?)`,
		r.SHA256, r.Stored, r.WindowSize, r.Windows, r.Bytes, ok, r.Error, now())
	return err
}

// ListRepairs returns repairs for sha, newest first. An empty sha lists all.
func (s *Store) ListRepairs(ctx context.Context, sha string) ([]Repair, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT sha256, stored, window_size, windows, bytes, ok, error, created_at
FROM repairs WHERE (? = '' OR sha256 = ?) ORDER BY id DESC`, sha, sha)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Repair
	for rows.Next() {
		var r Repair
		var ok int
		if err := rows.Scan(&r.SHA256, &r.Stored, &r.WindowSize, &r.Windows, &r.Bytes, &ok, &r.Error, &r.CreatedAt); err != nil {
			return nil, err
		}
		r.OK = ok == 1
		out = append(out, r)
	}
	return out, rows.Err()
}
