// Package kafkalog implements the durable stream contract on Kafka via
// franz-go. Each logical stream maps to a single-partition topic so Kafka
// offsets give a total order; the contract's position for an entry is its
// offset plus one, keeping positions 1-based.
package kafkalog

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/twmb/franz-go/pkg/kadm"
	"github.com/twmb/franz-go/pkg/kerr"
	"github.com/twmb/franz-go/pkg/kgo"

	cerr "github.com/storyloom/loom-core/contract/errors"
	"github.com/storyloom/loom-core/contract/stream"
)

// Config configures the Kafka-backed log.
type Config struct {
	Brokers  []string
	ClientID string
	TLS      *tls.Config

	// TopicPrefix namespaces the topics. Default: "loom".
	TopicPrefix string

	// Partitions per topic. The log only ever writes partition 0; extra
	// partitions stay empty. Default: 1.
	Partitions int32

	// Log for diagnostics (optional).
	Log *slog.Logger
}

// Log is a stream.Log backed by Kafka topics.
type Log struct {
	producer *kgo.Client
	admin    *kadm.Client
	brokers  []string
	clientID string
	tlsCfg   *tls.Config
	prefix   string
	parts    int32
	log      *slog.Logger

	mu      sync.Mutex
	topics  map[string]struct{}
	readers map[string]*reader
	closed  bool
}

// reader owns one consumer client pinned to a topic's partition 0 and tracks
// the next position it expects to deliver. next is guarded by the Log's mu.
type reader struct {
	client *kgo.Client
	next   uint64
}

// New builds the producer and admin clients; per-stream consumers are created
// lazily on first read.
func New(cfg Config) (*Log, error) {
	if len(cfg.Brokers) == 0 {
		return nil, fmt.Errorf("%w: kafka brokers required", cerr.ErrPublishFailed)
	}

	if cfg.TopicPrefix == "" {
		cfg.TopicPrefix = "loom"
	}
	if cfg.Partitions <= 0 {
		cfg.Partitions = 1
	}
	if cfg.Log == nil {
		cfg.Log = slog.Default()
	}

	opts := []kgo.Opt{
		kgo.SeedBrokers(cfg.Brokers...),
		// single-partition topics: route everything to partition 0
		kgo.RecordPartitioner(kgo.ManualPartitioner()),
	}
	if cfg.ClientID != "" {
		opts = append(opts, kgo.ClientID(cfg.ClientID))
	}
	if cfg.TLS != nil {
		opts = append(opts, kgo.DialTLSConfig(cfg.TLS))
	}

	cl, err := kgo.NewClient(opts...)
	if err != nil {
		return nil, fmt.Errorf("%w: kafka client init: %w", cerr.ErrPublishFailed, err)
	}

	return &Log{
		producer: cl,
		admin:    kadm.NewClient(cl),
		brokers:  cfg.Brokers,
		clientID: cfg.ClientID,
		tlsCfg:   cfg.TLS,
		prefix:   cfg.TopicPrefix,
		parts:    cfg.Partitions,
		log:      cfg.Log.With(slog.String("store", "kafka")),
		topics:   make(map[string]struct{}),
		readers:  make(map[string]*reader),
	}, nil
}

var _ stream.Log = (*Log)(nil)

// Append implements stream.Log.
func (l *Log) Append(ctx context.Context, streamName string, rec stream.Record) (uint64, error) {
	if err := l.ensureTopic(ctx, streamName); err != nil {
		return 0, err
	}

	data, err := json.Marshal(rec)
	if err != nil {
		return 0, fmt.Errorf("append to %s: %w", streamName, errors.Join(cerr.ErrSerializationFailed, err))
	}

	krec := &kgo.Record{
		Topic:     l.topicFor(streamName),
		Partition: 0,
		Value:     data,
	}

	res := l.producer.ProduceSync(ctx, krec)
	if err := res.FirstErr(); err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return 0, err
		}

		return 0, fmt.Errorf("append to %s: %w", streamName, errors.Join(cerr.ErrPublishFailed, err))
	}

	produced, err := res.First()
	if err != nil {
		return 0, fmt.Errorf("append to %s: %w", streamName, errors.Join(cerr.ErrPublishFailed, err))
	}

	return uint64(produced.Offset) + 1, nil
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
	r, err := l.readerFor(req)
	if err != nil {
		return nil, err
	}

	wait := block
	if wait <= 0 {
		wait = time.Millisecond
	}

	pollCtx, cancel := context.WithTimeout(ctx, wait)
	defer cancel()

	fetches := r.client.PollRecords(pollCtx, limit)
	if err := fetches.Err0(); err != nil {
		// the poll deadline firing just means no records arrived in time
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			return nil, nil
		}
		if errors.Is(err, context.Canceled) {
			return nil, context.Canceled
		}

		return nil, fmt.Errorf("fetch %s: %w", req.Stream, err)
	}

	var entries []stream.Entry

	for _, krec := range fetches.Records() {
		var rec stream.Record
		if err := json.Unmarshal(krec.Value, &rec); err != nil {
			return nil, fmt.Errorf("fetch %s: %w", req.Stream, errors.Join(cerr.ErrSerializationFailed, err))
		}

		pos := uint64(krec.Offset) + 1
		entries = append(entries, stream.Entry{Position: pos, Record: rec})
	}

	if n := len(entries); n > 0 {
		l.mu.Lock()
		r.next = entries[n-1].Position + 1
		l.mu.Unlock()
	}

	return entries, nil
}

// readerFor reuses the cached consumer client when the requested cursor
// continues where it stopped; a cursor jump tears the client down and builds a
// fresh one at offset cursor.
func (l *Log) readerFor(req stream.ReadRequest) (*reader, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return nil, fmt.Errorf("read %s: %w", req.Stream, cerr.ErrStreamClosed)
	}

	if r, ok := l.readers[req.Stream]; ok {
		if r.next == req.Cursor+1 {
			return r, nil
		}

		r.client.Close()
		delete(l.readers, req.Stream)
	}

	opts := []kgo.Opt{
		kgo.SeedBrokers(l.brokers...),
		kgo.ConsumePartitions(map[string]map[int32]kgo.Offset{
			// position N lives at offset N-1, so cursor N means "resume at offset N"
			l.topicFor(req.Stream): {0: kgo.NewOffset().At(int64(req.Cursor))},
		}),
	}
	if l.clientID != "" {
		opts = append(opts, kgo.ClientID(l.clientID))
	}
	if l.tlsCfg != nil {
		opts = append(opts, kgo.DialTLSConfig(l.tlsCfg))
	}

	cl, err := kgo.NewClient(opts...)
	if err != nil {
		return nil, fmt.Errorf("consumer for %s: %w", req.Stream, err)
	}

	r := &reader{client: cl, next: req.Cursor + 1}
	l.readers[req.Stream] = r

	return r, nil
}

// Last implements stream.Log via the topic's end offset.
func (l *Log) Last(ctx context.Context, streamName string) (uint64, error) {
	if err := l.ensureTopic(ctx, streamName); err != nil {
		return 0, err
	}

	topic := l.topicFor(streamName)

	offsets, err := l.admin.ListEndOffsets(ctx, topic)
	if err != nil {
		return 0, fmt.Errorf("last of %s: %w", streamName, err)
	}

	off, ok := offsets.Lookup(topic, 0)
	if !ok {
		return 0, fmt.Errorf("last of %s: partition 0 missing", streamName)
	}

	// end offset is the next offset to be written, which equals the count of
	// entries and therefore the last assigned position
	return uint64(off.Offset), nil
}

// Close shuts down every client.
func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return nil
	}
	l.closed = true

	for _, r := range l.readers {
		r.client.Close()
	}

	l.producer.Close()

	return nil
}

func (l *Log) ensureTopic(ctx context.Context, streamName string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return fmt.Errorf("stream %s: %w", streamName, cerr.ErrStreamClosed)
	}

	if _, ok := l.topics[streamName]; ok {
		return nil
	}

	topic := l.topicFor(streamName)

	_, err := l.admin.CreateTopic(ctx, l.parts, 1, nil, topic)
	if err != nil && !errors.Is(err, kerr.TopicAlreadyExists) {
		return fmt.Errorf("ensure topic %s: %w", topic, err)
	}

	l.log.Debug("ensured topic", slog.String("topic", topic))
	l.topics[streamName] = struct{}{}

	return nil
}

func (l *Log) topicFor(streamName string) string {
	return l.prefix + "." + streamName
}
