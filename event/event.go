package event

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	cerr "github.com/storyloom/loom-core/contract/errors"
	"github.com/storyloom/loom-core/contract/stream"
)

// Record field names shared by Flatten and FromRecord.
const (
	fieldID          = "id"
	fieldType        = "type"
	fieldOccurredAt  = "occurred_at"
	fieldCorrelation = "correlation_id"
	fieldCausation   = "causation_id"
	fieldPayload     = "payload"
)

// Metadata carries the self-describing part of a domain event.
type Metadata struct {
	ID            string    `json:"id"`
	Type          string    `json:"type"`
	OccurredAt    time.Time `json:"occurred_at"`
	CorrelationID string    `json:"correlation_id"`
	CausationID   string    `json:"causation_id,omitempty"`
}

// Event is an immutable record of a fact that already happened. The ID is
// assigned once at construction and never changes; treat values as read-only
// after New.
type Event struct {
	Meta    Metadata
	Payload any
}

// Option configures event construction.
type Option func(*Metadata)

// WithCorrelationID ties the event into an existing causal chain.
func WithCorrelationID(id string) Option {
	return func(m *Metadata) { m.CorrelationID = id }
}

// WithCausationID records the event/command that produced this one.
func WithCausationID(id string) Option {
	return func(m *Metadata) { m.CausationID = id }
}

// WithOccurredAt overrides the occurrence timestamp (default: time.Now).
func WithOccurredAt(t time.Time) Option {
	return func(m *Metadata) { m.OccurredAt = t }
}

// New constructs an event of the given type. The identifier is a fresh UUID;
// when no correlation id is supplied the event starts its own chain.
func New(eventType string, payload any, opts ...Option) Event {
	m := Metadata{
		ID:         uuid.New().String(),
		Type:       eventType,
		OccurredAt: time.Now().UTC(),
	}
	for _, opt := range opts {
		opt(&m)
	}

	if m.CorrelationID == "" {
		m.CorrelationID = m.ID
	}

	return Event{Meta: m, Payload: payload}
}

// NewFromParent constructs an event caused by parent: it inherits the parent's
// correlation id and records the parent's id as causation.
func NewFromParent(parent Event, eventType string, payload any, opts ...Option) Event {
	base := []Option{
		WithCorrelationID(parent.Meta.CorrelationID),
		WithCausationID(parent.Meta.ID),
	}

	return New(eventType, payload, append(base, opts...)...)
}

// Flatten renders the event as a flat string-keyed record for transport.
// Timestamps are RFC3339Nano strings and the payload is a JSON document.
// The rendering is deterministic for a given event.
func (e Event) Flatten() (stream.Record, error) {
	body, err := json.Marshal(e.Payload)
	if err != nil {
		return nil, fmt.Errorf("flatten event %s: %w", e.Meta.Type, cerr.ErrSerializationFailed)
	}

	rec := stream.Record{
		fieldID:          e.Meta.ID,
		fieldType:        e.Meta.Type,
		fieldOccurredAt:  e.Meta.OccurredAt.Format(time.RFC3339Nano),
		fieldCorrelation: e.Meta.CorrelationID,
		fieldPayload:     string(body),
	}
	if e.Meta.CausationID != "" {
		rec[fieldCausation] = e.Meta.CausationID
	}

	return rec, nil
}

// FromRecord parses a transport record back into an event. The payload is
// kept as json.RawMessage; consumers decode it into their own types.
func FromRecord(rec stream.Record) (Event, error) {
	occurredAt, err := time.Parse(time.RFC3339Nano, rec[fieldOccurredAt])
	if err != nil {
		return Event{}, fmt.Errorf("parse event record occurred_at %q: %w", rec[fieldOccurredAt], cerr.ErrSerializationFailed)
	}

	if rec[fieldID] == "" || rec[fieldType] == "" {
		return Event{}, fmt.Errorf("parse event record: missing id or type: %w", cerr.ErrSerializationFailed)
	}

	return Event{
		Meta: Metadata{
			ID:            rec[fieldID],
			Type:          rec[fieldType],
			OccurredAt:    occurredAt,
			CorrelationID: rec[fieldCorrelation],
			CausationID:   rec[fieldCausation],
		},
		Payload: json.RawMessage(rec[fieldPayload]),
	}, nil
}

// DecodePayload unmarshals the event payload into out. It accepts both live
// events (payload is the original value) and events parsed from records
// (payload is raw JSON).
func DecodePayload(e Event, out any) error {
	raw, ok := e.Payload.(json.RawMessage)
	if !ok {
		body, err := json.Marshal(e.Payload)
		if err != nil {
			return fmt.Errorf("decode payload of %s: %w", e.Meta.Type, cerr.ErrSerializationFailed)
		}
		raw = body
	}

	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("decode payload of %s: %w", e.Meta.Type, err)
	}

	return nil
}
