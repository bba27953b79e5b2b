package statestore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	_ "modernc.org/sqlite" // Pure Go SQLite driver
)

var _ Store = (*SQLiteStore)(nil)

// SQLiteStore persists snapshots to a SQLite database. It is suitable for
// single-process production use.
type SQLiteStore struct {
	db     *sql.DB
	mu     sync.RWMutex
	closed bool
}

// NewSQLiteStore opens (or creates) the database at path. Use ":memory:" in
// tests.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// a single connection keeps ":memory:" databases shared and serializes writers
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable WAL mode: %w", err)
	}

	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS checkpoint_states (
			job TEXT NOT NULL,
			checkpoint_id INTEGER NOT NULL,
			instance INTEGER NOT NULL,
			data BLOB NOT NULL,
			PRIMARY KEY (job, checkpoint_id, instance)
		)
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("create states table: %w", err)
	}

	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS checkpoints (
			job TEXT NOT NULL,
			checkpoint_id INTEGER NOT NULL,
			parallelism INTEGER NOT NULL,
			completed_at TEXT NOT NULL,
			PRIMARY KEY (job, checkpoint_id)
		)
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("create checkpoints table: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Save(ctx context.Context, job string, checkpointID int64, instance int, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrStoreClosed
	}

	if data == nil {
		data = []byte{}
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO checkpoint_states (job, checkpoint_id, instance, data)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(job, checkpoint_id, instance) DO UPDATE SET
			data = excluded.data
	`, job, checkpointID, instance, data)
	if err != nil {
		return fmt.Errorf("save state: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Complete(ctx context.Context, job string, checkpointID int64, parallelism int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrStoreClosed
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin complete: %w", err)
	}
	defer tx.Rollback()

	var saved int
	if err := tx.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM checkpoint_states
		WHERE job = ? AND checkpoint_id = ? AND instance >= 0 AND instance < ?
	`, job, checkpointID, parallelism).Scan(&saved); err != nil {
		return fmt.Errorf("count states: %w", err)
	}
	if saved != parallelism {
		return fmt.Errorf(
			"complete checkpoint %d of %s: %d of %d states saved: %w",
			checkpointID, job, saved, parallelism, ErrIncomplete,
		)
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO checkpoints (job, checkpoint_id, parallelism, completed_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(job, checkpoint_id) DO UPDATE SET
			parallelism = excluded.parallelism,
			completed_at = excluded.completed_at
	`, job, checkpointID, parallelism, time.Now().UTC().Format(time.RFC3339Nano)); err != nil {
		return fmt.Errorf("complete checkpoint: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit complete: %w", err)
	}
	return nil
}

func (s *SQLiteStore) LatestComplete(ctx context.Context, job string) (Checkpoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return Checkpoint{}, ErrStoreClosed
	}

	var (
		cp        Checkpoint
		completed string
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT checkpoint_id, parallelism, completed_at FROM checkpoints
		WHERE job = ?
		ORDER BY checkpoint_id DESC
		LIMIT 1
	`, job).Scan(&cp.ID, &cp.Parallelism, &completed)
	if errors.Is(err, sql.ErrNoRows) {
		return Checkpoint{}, ErrNotFound
	}
	if err != nil {
		return Checkpoint{}, fmt.Errorf("load latest checkpoint: %w", err)
	}
	cp.CompletedAt, _ = time.Parse(time.RFC3339Nano, completed)

	rows, err := s.db.QueryContext(ctx, `
		SELECT instance, data FROM checkpoint_states
		WHERE job = ? AND checkpoint_id = ? AND instance < ?
		ORDER BY instance
	`, job, cp.ID, cp.Parallelism)
	if err != nil {
		return Checkpoint{}, fmt.Errorf("load states: %w", err)
	}
	defer rows.Close()

	cp.States = make([][]byte, cp.Parallelism)
	for rows.Next() {
		var (
			instance int
			data     []byte
		)
		if err := rows.Scan(&instance, &data); err != nil {
			return Checkpoint{}, fmt.Errorf("scan state: %w", err)
		}
		cp.States[instance] = data
	}
	if err := rows.Err(); err != nil {
		return Checkpoint{}, fmt.Errorf("iterate states: %w", err)
	}

	return cp, nil
}

func (s *SQLiteStore) Prune(ctx context.Context, job string, checkpointID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrStoreClosed
	}

	if _, err := s.db.ExecContext(ctx, `
		DELETE FROM checkpoint_states WHERE job = ? AND checkpoint_id < ?
	`, job, checkpointID); err != nil {
		return fmt.Errorf("prune states: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, `
		DELETE FROM checkpoints WHERE job = ? AND checkpoint_id < ?
	`, job, checkpointID); err != nil {
		return fmt.Errorf("prune checkpoints: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}

	s.closed = true
	return s.db.Close()
}
