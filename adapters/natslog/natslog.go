// Package natslog implements the durable stream contract on NATS JetStream.
// Each logical stream maps to one JetStream stream with a single subject;
// JetStream sequence numbers are the contract's positions. Cursor tracking
// stays in the consumer, so JetStream consumers are ephemeral and ack-less.
package natslog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	natsgo "github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	cerr "github.com/storyloom/loom-core/contract/errors"
	"github.com/storyloom/loom-core/contract/stream"
)

const defaultStreamPrefix = "LOOM"

// Config configures the JetStream-backed log.
type Config struct {
	URL           string
	Name          string
	ConnTimeout   time.Duration
	MaxReconnects int

	// StreamPrefix namespaces the JetStream streams. Default: "LOOM".
	StreamPrefix string

	// Log for diagnostics (optional).
	Log *slog.Logger
}

// Log is a stream.Log backed by JetStream.
type Log struct {
	nc     *natsgo.Conn
	js     jetstream.JetStream
	prefix string
	log    *slog.Logger

	mu      sync.Mutex
	streams map[string]jetstream.Stream
	readers map[string]*reader
	closed  bool
}

// reader caches an ephemeral JetStream consumer together with the next
// position it will deliver, so sequential reads reuse it and cursor jumps
// recreate it. next is guarded by the Log's mu.
type reader struct {
	consumer jetstream.Consumer
	next     uint64
}

// New connects to NATS and returns the log.
func New(cfg Config) (*Log, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("%w: nats url required", cerr.ErrPublishFailed)
	}

	opts := []natsgo.Option{}
	if cfg.Name != "" {
		opts = append(opts, natsgo.Name(cfg.Name))
	}
	if cfg.ConnTimeout > 0 {
		opts = append(opts, natsgo.Timeout(cfg.ConnTimeout))
	}
	if cfg.MaxReconnects != 0 {
		opts = append(opts, natsgo.MaxReconnects(cfg.MaxReconnects))
	}

	nc, err := natsgo.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("%w: nats connect: %w", cerr.ErrPublishFailed, err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("%w: jetstream init: %w", cerr.ErrPublishFailed, err)
	}

	prefix := cfg.StreamPrefix
	if prefix == "" {
		prefix = defaultStreamPrefix
	}

	logger := cfg.Log
	if logger == nil {
		logger = slog.Default()
	}

	return &Log{
		nc:      nc,
		js:      js,
		prefix:  prefix,
		log:     logger.With(slog.String("store", "nats_js")),
		streams: make(map[string]jetstream.Stream),
		readers: make(map[string]*reader),
	}, nil
}

var _ stream.Log = (*Log)(nil)

// Append implements stream.Log.
func (l *Log) Append(ctx context.Context, streamName string, rec stream.Record) (uint64, error) {
	if _, err := l.ensureStream(ctx, streamName); err != nil {
		return 0, err
	}

	data, err := json.Marshal(rec)
	if err != nil {
		return 0, fmt.Errorf("append to %s: %w", streamName, errors.Join(cerr.ErrSerializationFailed, err))
	}

	ack, err := l.js.Publish(ctx, l.subjectFor(streamName), data)
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return 0, err
		}

		return 0, fmt.Errorf("append to %s: %w", streamName, errors.Join(cerr.ErrPublishFailed, err))
	}

	return ack.Sequence, nil
}

// Read implements stream.Log. The block wait applies to the first stream that
// comes up empty; streams with buffered entries return immediately.
func (l *Log) Read(ctx context.Context, reqs []stream.ReadRequest, maxBatch int, block time.Duration) ([]stream.Batch, error) {
	if maxBatch <= 0 {
		maxBatch = 1
	}

	var batches []stream.Batch

	remaining := maxBatch
	for _, req := range reqs {
		if remaining <= 0 {
			break
		}

		entries, err := l.fetch(ctx, req, remaining, block)
		if err != nil {
			return nil, err
		}
		if len(entries) == 0 {
			continue
		}

		remaining -= len(entries)
		batches = append(batches, stream.Batch{Stream: req.Stream, Entries: entries})
	}

	return batches, nil
}

func (l *Log) fetch(ctx context.Context, req stream.ReadRequest, limit int, block time.Duration) ([]stream.Entry, error) {
	cons, err := l.readerFor(ctx, req)
	if err != nil {
		return nil, err
	}

	wait := block
	if wait <= 0 {
		wait = time.Millisecond
	}

	batch, err := cons.consumer.Fetch(limit, jetstream.FetchMaxWait(wait))
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", req.Stream, err)
	}

	var entries []stream.Entry

	for msg := range batch.Messages() {
		meta, err := msg.Metadata()
		if err != nil {
			return nil, fmt.Errorf("fetch %s: metadata: %w", req.Stream, err)
		}

		var rec stream.Record
		if err := json.Unmarshal(msg.Data(), &rec); err != nil {
			return nil, fmt.Errorf("fetch %s: %w", req.Stream, errors.Join(cerr.ErrSerializationFailed, err))
		}

		entries = append(entries, stream.Entry{Position: meta.Sequence.Stream, Record: rec})
	}
	if err := batch.Error(); err != nil {
		return nil, fmt.Errorf("fetch %s: %w", req.Stream, err)
	}

	if n := len(entries); n > 0 {
		l.mu.Lock()
		cons.next = entries[n-1].Position + 1
		l.mu.Unlock()
	}

	return entries, nil
}

// readerFor reuses the cached consumer when the requested cursor continues
// where it stopped; otherwise it creates a fresh ephemeral consumer starting
// at cursor+1.
func (l *Log) readerFor(ctx context.Context, req stream.ReadRequest) (*reader, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return nil, fmt.Errorf("read %s: %w", req.Stream, cerr.ErrStreamClosed)
	}

	if r, ok := l.readers[req.Stream]; ok && r.next == req.Cursor+1 {
		return r, nil
	}

	s, err := l.ensureStreamLocked(ctx, req.Stream)
	if err != nil {
		return nil, err
	}

	cfg := jetstream.ConsumerConfig{
		AckPolicy:         jetstream.AckNonePolicy,
		InactiveThreshold: 10 * time.Minute,
	}
	if req.Cursor == 0 {
		cfg.DeliverPolicy = jetstream.DeliverAllPolicy
	} else {
		cfg.DeliverPolicy = jetstream.DeliverByStartSequencePolicy
		cfg.OptStartSeq = req.Cursor + 1
	}

	cons, err := s.CreateOrUpdateConsumer(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create consumer for %s: %w", req.Stream, err)
	}

	r := &reader{consumer: cons, next: req.Cursor + 1}
	l.readers[req.Stream] = r

	return r, nil
}

// Last implements stream.Log.
func (l *Log) Last(ctx context.Context, streamName string) (uint64, error) {
	s, err := l.ensureStream(ctx, streamName)
	if err != nil {
		return 0, err
	}

	info, err := s.Info(ctx)
	if err != nil {
		return 0, fmt.Errorf("last of %s: %w", streamName, err)
	}

	return info.State.LastSeq, nil
}

// Close drains the connection.
func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return nil
	}
	l.closed = true

	if !l.nc.IsClosed() {
		_ = l.nc.Drain() //nolint:errcheck // best-effort shutdown
		l.nc.Close()
	}

	return nil
}

func (l *Log) ensureStream(ctx context.Context, streamName string) (jetstream.Stream, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return nil, fmt.Errorf("stream %s: %w", streamName, cerr.ErrStreamClosed)
	}

	return l.ensureStreamLocked(ctx, streamName)
}

func (l *Log) ensureStreamLocked(ctx context.Context, streamName string) (jetstream.Stream, error) {
	if s, ok := l.streams[streamName]; ok {
		return s, nil
	}

	jsName := l.jsStreamName(streamName)

	s, err := l.js.CreateStream(ctx, jetstream.StreamConfig{
		Name:     jsName,
		Subjects: []string{l.subjectFor(streamName)},
		Storage:  jetstream.FileStorage,
		FirstSeq: 1,
	})
	if errors.Is(err, jetstream.ErrStreamNameAlreadyInUse) {
		s, err = l.js.Stream(ctx, jsName)
	}
	if err != nil {
		return nil, fmt.Errorf("ensure stream %s: %w", streamName, err)
	}

	l.log.Debug("ensured stream", slog.String("stream", jsName))
	l.streams[streamName] = s

	return s, nil
}

// jsStreamName maps a logical stream name to a valid JetStream stream name.
func (l *Log) jsStreamName(streamName string) string {
	sanitized := strings.NewReplacer(".", "_", " ", "_", "*", "_", ">", "_").Replace(streamName)
	return strings.ToUpper(l.prefix + "_" + sanitized)
}

func (l *Log) subjectFor(streamName string) string {
	return strings.ToLower(l.prefix) + "." + streamName
}
