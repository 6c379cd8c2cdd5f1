package eventbus

import (
	"errors"
	"sync"
)

// ErrCursorNotFound indicates no cursor has been stored for a stream yet.
var ErrCursorNotFound = errors.New("cursor not found")

// CursorStore persists per-stream consumer cursors (the position of the last
// delivered entry). Implementations must be safe for concurrent use.
//
// With an in-memory store every process start subscribes from "now" and the
// backlog published while the consumer was down is skipped. Use a persistent
// store (SQLiteCursors) when restarts must resume where they left off.
type CursorStore interface {
	// Get returns the stored cursor for a stream, or ErrCursorNotFound.
	Get(stream string) (uint64, error)

	// Set stores the cursor for a stream.
	Set(stream string, pos uint64) error
}

// MemCursors is a process-local cursor store.
type MemCursors struct {
	mu sync.RWMutex
	m  map[string]uint64
}

// NewMemCursors constructs an empty in-memory cursor store.
func NewMemCursors() *MemCursors {
	return &MemCursors{m: make(map[string]uint64)}
}

var _ CursorStore = (*MemCursors)(nil)

func (s *MemCursors) Get(stream string) (uint64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	pos, ok := s.m[stream]
	if !ok {
		return 0, ErrCursorNotFound
	}

	return pos, nil
}

func (s *MemCursors) Set(stream string, pos uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.m[stream] = pos

	return nil
}
