package index

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"modernc.org/sqlite" // Pure Go SQLite driver
	sqlite3 "modernc.org/sqlite/lib"

	kgerrors "github.com/randalmurphal/kgstream/pkg/kgstream/errors"
)

// ErrClosed indicates the index has been closed.
var ErrClosed = errors.New("index closed")

// SQLiteIndex is a single-node document store backed by SQLite.
// Documents are upserted by (index, id); a bulk is one transaction.
type SQLiteIndex struct {
	db     *sql.DB
	mu     sync.RWMutex
	closed bool
}

var _ Client = (*SQLiteIndex)(nil)

// NewSQLiteIndex opens or creates a document store at path.
// The path should be a file path or ":memory:" for testing.
func NewSQLiteIndex(path string) (*SQLiteIndex, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable WAL mode: %w", err)
	}

	for _, stmt := range []string{
		`CREATE TABLE IF NOT EXISTS indices (
			name TEXT PRIMARY KEY,
			mapping TEXT NOT NULL,
			created_at TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS documents (
			index_name TEXT NOT NULL,
			doc_id TEXT NOT NULL,
			body TEXT NOT NULL,
			updated_at TEXT NOT NULL,
			PRIMARY KEY (index_name, doc_id)
		)`,
	} {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("create schema: %w", err)
		}
	}

	return &SQLiteIndex{db: db}, nil
}

// CreateIndexIfAbsent implements Client.
func (s *SQLiteIndex) CreateIndexIfAbsent(ctx context.Context, name string, mapping json.RawMessage) error {
	if name == "" {
		return &Error{Status: http.StatusBadRequest, Message: "index name is required"}
	}
	if len(mapping) == 0 {
		mapping = json.RawMessage(`{}`)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrClosed
	}

	if _, err := s.db.ExecContext(ctx, `
		INSERT INTO indices (name, mapping, created_at)
		VALUES (?, ?, ?)
		ON CONFLICT(name) DO NOTHING
	`, name, string(mapping), time.Now().UTC().Format(time.RFC3339Nano)); err != nil {
		return sqliteErr(err, "create index "+name)
	}
	return nil
}

// Bulk implements Client. The refresh policy is ignored: committed writes
// are visible immediately.
func (s *SQLiteIndex) Bulk(ctx context.Context, ops []Op, _ Refresh) error {
	for _, op := range ops {
		if err := op.Validate(); err != nil {
			return err
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrClosed
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return sqliteErr(err, "begin bulk")
	}
	defer tx.Rollback()

	now := time.Now().UTC().Format(time.RFC3339Nano)
	known := make(map[string]bool)
	for _, op := range ops {
		if _, seen := known[op.Index]; !seen {
			var n int
			if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM indices WHERE name = ?`, op.Index).Scan(&n); err != nil {
				return sqliteErr(err, "lookup index "+op.Index)
			}
			known[op.Index] = n > 0
		}
		if !known[op.Index] {
			return &Error{Status: http.StatusNotFound, Index: op.Index, Message: "no such index"}
		}

		switch op.Kind {
		case OpIndex:
			_, err = tx.ExecContext(ctx, `
				INSERT INTO documents (index_name, doc_id, body, updated_at)
				VALUES (?, ?, ?, ?)
				ON CONFLICT(index_name, doc_id) DO UPDATE SET
					body = excluded.body,
					updated_at = excluded.updated_at
			`, op.Index, op.ID, string(op.Body), now)
		case OpDelete:
			_, err = tx.ExecContext(ctx, `
				DELETE FROM documents WHERE index_name = ? AND doc_id = ?
			`, op.Index, op.ID)
		}
		if err != nil {
			return sqliteErr(err, fmt.Sprintf("bulk %s %s/%s", op.Kind, op.Index, op.ID))
		}
	}

	if err := tx.Commit(); err != nil {
		return sqliteErr(err, "commit bulk")
	}
	return nil
}

// sqliteErr marks lock contention with another connection as transient.
func sqliteErr(err error, op string) error {
	var se *sqlite.Error
	if errors.As(err, &se) {
		switch se.Code() & 0xff {
		case sqlite3.SQLITE_BUSY, sqlite3.SQLITE_LOCKED:
			return kgerrors.Transient(err, op)
		}
	}
	return fmt.Errorf("%s: %w", op, err)
}

// Get returns a stored document.
func (s *SQLiteIndex) Get(ctx context.Context, index, id string) (json.RawMessage, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, false, ErrClosed
	}

	var body string
	err := s.db.QueryRowContext(ctx, `
		SELECT body FROM documents WHERE index_name = ? AND doc_id = ?
	`, index, id).Scan(&body)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("get document: %w", err)
	}
	return json.RawMessage(body), true, nil
}

// Count returns the number of documents in index.
func (s *SQLiteIndex) Count(ctx context.Context, index string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return 0, ErrClosed
	}

	var n int
	if err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM documents WHERE index_name = ?
	`, index).Scan(&n); err != nil {
		return 0, fmt.Errorf("count documents: %w", err)
	}
	return n, nil
}

// Close closes the database.
func (s *SQLiteIndex) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}
