package es

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"time"
)

// Event is a single committed (or pending) record of a stream.
// It is immutable once committed; only Dispatched is flipped later on.
type Event struct {
	// ID is the backend-unique identifier of this event.
	ID string `json:"id"`
	// Seq is the global position assigned by the backend on append. It is
	// strictly increasing in global commit order.
	Seq uint64 `json:"seq"`
	// StreamID is the canonical stream identity, see Query.StreamID.
	StreamID    string `json:"stream_id"`
	AggregateID string `json:"aggregate_id"`
	Aggregate   string `json:"aggregate,omitempty"`
	Context     string `json:"context,omitempty"`
	// StreamRevision is the position of the event within its stream.
	StreamRevision Revision `json:"stream_revision"`
	// CommitID is shared by all events that were committed together.
	CommitID string `json:"commit_id"`
	// CommitSequence is the index of the event within its commit batch.
	CommitSequence int `json:"commit_sequence"`
	// RestInCommitStream counts the events following this one in the same
	// commit batch, zero on the last one.
	RestInCommitStream int       `json:"rest_in_commit_stream"`
	CommitStamp        time.Time `json:"commit_stamp"`
	Dispatched         bool      `json:"dispatched"`
	// Payload is the JSON encoded domain event.
	Payload json.RawMessage `json:"payload,omitempty"`
}

// EventRef identifies an event, either by an Event value or an EventID.
type EventRef interface {
	EventID() string
}

// EventID is a bare event identifier usable where an EventRef is expected.
type EventID string

func (id EventID) EventID() string { return string(id) }

func (e Event) EventID() string { return e.ID }

// Query returns the addressing the event was written with.
func (e Event) Query() Query {
	return Query{AggregateID: e.AggregateID, Aggregate: e.Aggregate, Context: e.Context}
}

// Decode unmarshals the payload into v.
func (e Event) Decode(v any) error {
	if len(e.Payload) == 0 {
		return fmt.Errorf("event %s has no payload", e.ID)
	}
	return json.Unmarshal(e.Payload, v)
}

func (e Event) logAttrs() slog.Attr {
	return slog.Group(
		"event",
		slog.String("id", e.ID),
		slog.Uint64("seq", e.Seq),
		slog.String("stream_id", e.StreamID),
		e.StreamRevision.SlogAttrWithKey("revision"),
		slog.String("commit_id", e.CommitID),
	)
}

func encodePayload(payload any) (json.RawMessage, error) {
	switch p := payload.(type) {
	case nil:
		return nil, nil
	case json.RawMessage:
		if !json.Valid(p) {
			return nil, newValidationError("payload", "is not valid json")
		}
		return append(json.RawMessage(nil), p...), nil
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, &ValidationError{Field: "payload", Reason: err.Error()}
	}
	return data, nil
}

// ValidateBatch checks the invariants every backend enforces before an
// append: the batch is non-empty, belongs to a single stream and carries
// revisions expected+1 … expected+n.
func ValidateBatch(expected Revision, events []Event) error {
	if len(events) == 0 {
		return newValidationError("events", "must not be empty")
	}
	if expected < NoRevision {
		return newValidationError("expected revision", "must be >= -1")
	}
	streamID := events[0].StreamID
	for i, ev := range events {
		if ev.AggregateID == "" {
			return newValidationError("aggregate id", "is required")
		}
		if err := validateStreamID(ev.StreamID); err != nil {
			return err
		}
		if ev.StreamID != streamID {
			return newValidationError("events", "span multiple streams")
		}
		if ev.StreamRevision != expected+Revision(i+1) {
			return &ValidationError{
				Field:  "stream revision",
				Reason: fmt.Sprintf("of event %d is %d, want %d", i, ev.StreamRevision, expected+Revision(i+1)),
			}
		}
		if ev.CommitSequence != i || ev.RestInCommitStream != len(events)-1-i {
			return newValidationError("commit sequence", "is inconsistent")
		}
	}
	return nil
}
