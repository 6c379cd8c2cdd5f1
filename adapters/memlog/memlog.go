// Package memlog is an in-memory append-only log implementing the durable
// stream contract. It exists for tests and single-node deployments; entries
// do not survive the process.
package memlog

import (
	"context"
	"fmt"
	"maps"
	"sync"
	"time"

	cerr "github.com/storyloom/loom-core/contract/errors"
	"github.com/storyloom/loom-core/contract/stream"
)

// Log is a thread-safe in-memory stream.Log.
type Log struct {
	mu      sync.Mutex
	streams map[string][]stream.Entry
	notify  chan struct{} // closed and replaced on every append
	closed  bool
}

// New constructs an empty log.
func New() *Log {
	return &Log{
		streams: make(map[string][]stream.Entry),
		notify:  make(chan struct{}),
	}
}

var _ stream.Log = (*Log)(nil)

// Append implements stream.Log. Positions start at 1 per stream.
func (l *Log) Append(ctx context.Context, streamName string, rec stream.Record) (uint64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return 0, fmt.Errorf("append to %s: %w", streamName, cerr.ErrStreamClosed)
	}

	pos := uint64(len(l.streams[streamName])) + 1
	l.streams[streamName] = append(l.streams[streamName], stream.Entry{
		Position: pos,
		Record:   maps.Clone(rec),
	})

	// wake blocked readers
	close(l.notify)
	l.notify = make(chan struct{})

	return pos, nil
}

// Read implements stream.Log: collects entries after each cursor, blocking up
// to block when nothing is available yet.
func (l *Log) Read(ctx context.Context, reqs []stream.ReadRequest, maxBatch int, block time.Duration) ([]stream.Batch, error) {
	if maxBatch <= 0 {
		maxBatch = 1
	}

	timer := time.NewTimer(block)
	defer timer.Stop()

	for {
		batches, wait, err := l.collect(reqs, maxBatch)
		if err != nil {
			return nil, err
		}
		if len(batches) > 0 || block <= 0 {
			return batches, nil
		}

		select {
		case <-wait:
			// new entries appended, re-collect
		case <-timer.C:
			return nil, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func (l *Log) collect(reqs []stream.ReadRequest, maxBatch int) ([]stream.Batch, <-chan struct{}, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return nil, nil, fmt.Errorf("read: %w", cerr.ErrStreamClosed)
	}

	var batches []stream.Batch

	remaining := maxBatch
	for _, req := range reqs {
		if remaining <= 0 {
			break
		}

		entries := l.streams[req.Stream]
		if uint64(len(entries)) <= req.Cursor {
			continue
		}

		newEntries := entries[req.Cursor:]
		if len(newEntries) > remaining {
			newEntries = newEntries[:remaining]
		}
		remaining -= len(newEntries)

		batches = append(batches, stream.Batch{
			Stream:  req.Stream,
			Entries: append([]stream.Entry(nil), newEntries...),
		})
	}

	return batches, l.notify, nil
}

// Last implements stream.Log.
func (l *Log) Last(ctx context.Context, streamName string) (uint64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return 0, fmt.Errorf("last of %s: %w", streamName, cerr.ErrStreamClosed)
	}

	return uint64(len(l.streams[streamName])), nil
}

// Close implements stream.Log. Blocked readers are released.
func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.closed {
		l.closed = true
		close(l.notify)
	}

	return nil
}
