package progress

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	_ "modernc.org/sqlite" // Pure Go SQLite driver

	"github.com/randalmurphal/kgstream/pkg/kgstream/eventlog"
)

// SQLiteStore persists progress to SQLite.
// It is suitable for single-process production use.
type SQLiteStore struct {
	db     *sql.DB
	mu     sync.RWMutex
	closed bool
}

var _ Store = (*SQLiteStore)(nil)

// NewSQLiteStore creates a new SQLite progress store.
// The path should be a file path (e.g., "./progress.db") or ":memory:" for testing.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// A single connection keeps ":memory:" databases shared and serializes writers.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable WAL mode: %w", err)
	}

	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS projection_progress (
			projection_id TEXT PRIMARY KEY,
			last_offset INTEGER NOT NULL,
			processed INTEGER NOT NULL DEFAULT 0,
			discarded INTEGER NOT NULL DEFAULT 0,
			failed INTEGER NOT NULL DEFAULT 0,
			updated_at TEXT NOT NULL
		)
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("create table: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

// Save implements Store.
func (s *SQLiteStore) Save(ctx context.Context, projection string, p Progress) error {
	if err := checkProjection(projection); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrStoreClosed
	}

	// The WHERE clause on the upsert keeps the stored offset monotonic.
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO projection_progress (projection_id, last_offset, processed, discarded, failed, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(projection_id) DO UPDATE SET
			last_offset = excluded.last_offset,
			processed = excluded.processed,
			discarded = excluded.discarded,
			failed = excluded.failed,
			updated_at = excluded.updated_at
		WHERE excluded.last_offset >= projection_progress.last_offset
	`, projection, int64(p.Offset), p.Processed, p.Discarded, p.Failed,
		p.Timestamp.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("save progress: %w", err)
	}
	return nil
}

// Load implements Store.
func (s *SQLiteStore) Load(ctx context.Context, projection string) (Progress, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return NoProgress, ErrStoreClosed
	}

	var (
		p         Progress
		offset    int64
		timestamp string
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT last_offset, processed, discarded, failed, updated_at
		FROM projection_progress
		WHERE projection_id = ?
	`, projection).Scan(&offset, &p.Processed, &p.Discarded, &p.Failed, &timestamp)

	if errors.Is(err, sql.ErrNoRows) {
		return NoProgress, nil
	}
	if err != nil {
		return NoProgress, fmt.Errorf("load progress: %w", err)
	}
	p.Offset = eventlog.Offset(offset)
	p.Timestamp, _ = time.Parse(time.RFC3339Nano, timestamp)
	return p, nil
}

// Delete implements Store.
func (s *SQLiteStore) Delete(ctx context.Context, projection string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrStoreClosed
	}

	if _, err := s.db.ExecContext(ctx, `
		DELETE FROM projection_progress WHERE projection_id = ?
	`, projection); err != nil {
		return fmt.Errorf("delete progress: %w", err)
	}
	return nil
}

// List returns the stored progress of every projection.
func (s *SQLiteStore) List(ctx context.Context) (map[string]Progress, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, ErrStoreClosed
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT projection_id, last_offset, processed, discarded, failed, updated_at
		FROM projection_progress
		ORDER BY projection_id
	`)
	if err != nil {
		return nil, fmt.Errorf("list progress: %w", err)
	}
	defer rows.Close()

	out := make(map[string]Progress)
	for rows.Next() {
		var (
			id        string
			p         Progress
			offset    int64
			timestamp string
		)
		if err := rows.Scan(&id, &offset, &p.Processed, &p.Discarded, &p.Failed, &timestamp); err != nil {
			return nil, fmt.Errorf("scan progress: %w", err)
		}
		p.Offset = eventlog.Offset(offset)
		p.Timestamp, _ = time.Parse(time.RFC3339Nano, timestamp)
		out[id] = p
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate progress: %w", err)
	}
	return out, nil
}

// Close implements Store.
func (s *SQLiteStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}

	s.closed = true
	return s.db.Close()
}
