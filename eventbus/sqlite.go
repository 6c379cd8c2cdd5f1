package eventbus

import (
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	_ "modernc.org/sqlite" // Pure Go SQLite driver
)

// SQLiteCursors persists consumer cursors to SQLite so a restarted process
// resumes from where it stopped instead of dropping the backlog. Suitable for
// single-process production use.
type SQLiteCursors struct {
	db *sql.DB
	mu sync.RWMutex
}

// NewSQLiteCursors opens (or creates) the cursor database at path. Use
// ":memory:" for testing.
func NewSQLiteCursors(path string) (*SQLiteCursors, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open cursor database: %w", err)
	}

	// WAL keeps cursor writes from blocking concurrent readers
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable WAL mode: %w", err)
	}

	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS cursors (
			stream TEXT PRIMARY KEY,
			position INTEGER NOT NULL,
			updated_at TEXT NOT NULL
		)
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("create cursors table: %w", err)
	}

	return &SQLiteCursors{db: db}, nil
}

var _ CursorStore = (*SQLiteCursors)(nil)

// Get implements CursorStore.
func (s *SQLiteCursors) Get(stream string) (uint64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var pos uint64
	err := s.db.QueryRow(`SELECT position FROM cursors WHERE stream = ?`, stream).Scan(&pos)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, ErrCursorNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("load cursor for %s: %w", stream, err)
	}

	return pos, nil
}

// Set implements CursorStore.
func (s *SQLiteCursors) Set(stream string, pos uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`
		INSERT INTO cursors (stream, position, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(stream) DO UPDATE SET
			position = excluded.position,
			updated_at = excluded.updated_at
	`, stream, pos, time.Now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("save cursor for %s: %w", stream, err)
	}

	return nil
}

// Close releases the database handle.
func (s *SQLiteCursors) Close() error { return s.db.Close() }
