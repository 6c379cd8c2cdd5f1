package eventbus_test

import (
	"errors"
	"path/filepath"
	"testing"

	"github.com/storyloom/loom-core/eventbus"
)

func Test_MemCursorsRoundTrip(t *testing.T) {
	s := eventbus.NewMemCursors()

	if _, err := s.Get("events.chapter.drafted"); !errors.Is(err, eventbus.ErrCursorNotFound) {
		t.Fatalf("expected ErrCursorNotFound, got %v", err)
	}

	if err := s.Set("events.chapter.drafted", 42); err != nil {
		t.Fatalf("set: %v", err)
	}

	pos, err := s.Get("events.chapter.drafted")
	if err != nil || pos != 42 {
		t.Fatalf("get: %d %v", pos, err)
	}
}

func Test_SQLiteCursorsPersistAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cursors.db")

	s, err := eventbus.NewSQLiteCursors(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}

	if _, err := s.Get("events.memory.updated"); !errors.Is(err, eventbus.ErrCursorNotFound) {
		t.Fatalf("expected ErrCursorNotFound, got %v", err)
	}

	if err := s.Set("events.memory.updated", 7); err != nil {
		t.Fatalf("set: %v", err)
	}

	// upsert overwrites
	if err := s.Set("events.memory.updated", 9); err != nil {
		t.Fatalf("set: %v", err)
	}

	if err := s.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	s2, err := eventbus.NewSQLiteCursors(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer s2.Close()

	pos, err := s2.Get("events.memory.updated")
	if err != nil || pos != 9 {
		t.Fatalf("get after reopen: %d %v", pos, err)
	}
}
