package stream

import (
	"context"
	"time"
)

// Record is the wire form of a stream entry: a flat string-keyed map. The
// core assumes the "payload" field holds a JSON-encoded document and the
// "type" field holds the event's type name as a plain string.
type Record map[string]string

// Entry is a record together with its log-assigned position. Positions are
// strictly increasing per stream and start at 1.
type Entry struct {
	Position uint64
	Record   Record
}

// ReadRequest names a stream and the cursor to read after. Only entries with
// Position > Cursor are returned.
type ReadRequest struct {
	Stream string
	Cursor uint64
}

// Batch is the ordered slice of new entries read from one stream.
type Batch struct {
	Stream  string
	Entries []Entry
}

// Log is the durable append-only stream backend contract. Implementations
// must be safe for concurrent use.
type Log interface {
	// Append appends a record to the named stream and returns its assigned
	// position.
	Append(ctx context.Context, stream string, rec Record) (uint64, error)

	// Read returns per-stream ordered batches of entries after each
	// request's cursor, at most maxBatch entries in total. When no entries
	// exist it blocks up to the block duration waiting for new ones, then
	// returns an empty result.
	Read(ctx context.Context, reqs []ReadRequest, maxBatch int, block time.Duration) ([]Batch, error)

	// Last returns the position of the newest entry in the stream, or zero
	// when the stream is empty or unknown. Used to initialize "only new
	// entries from now" cursors.
	Last(ctx context.Context, stream string) (uint64, error)

	// Close releases backend resources. Append and Read fail with
	// ErrStreamClosed afterwards.
	Close() error
}
