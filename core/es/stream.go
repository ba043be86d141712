package es

import (
	"context"
	"slices"
)

// EventStream is a caller-owned view of one stream: its committed events,
// its pending events and the revision pending events will be based on.
// An EventStream is not safe for concurrent use.
type EventStream struct {
	store        *Store
	query        Query
	events       []Event
	uncommitted  []Event
	lastRevision Revision
}

// newEventStream builds a stream from the unfiltered events of q's stream
// identity. Only events matching q are kept, but the revision pending
// events are based on is the last one of the whole stream.
func newEventStream(store *Store, q Query, all []Event) *EventStream {
	s := &EventStream{
		store:        store,
		query:        q,
		events:       slices.DeleteFunc(all, func(ev Event) bool { return !q.Matches(ev) }),
		lastRevision: NoRevision,
	}
	if n := len(all); n > 0 {
		s.lastRevision = all[n-1].StreamRevision
	}
	return s
}

func (s *EventStream) StreamID() string { return s.query.StreamID() }
func (s *EventStream) Query() Query     { return s.query }

// CurrentRevision is the highest committed revision, NoRevision if empty.
func (s *EventStream) CurrentRevision() Revision { return s.lastRevision }

func (s *EventStream) Events() []Event            { return slices.Clone(s.events) }
func (s *EventStream) UncommittedEvents() []Event { return slices.Clone(s.uncommitted) }

// AddEvent appends a pending event. payload is JSON encoded; a
// json.RawMessage is taken as is. No I/O happens until Commit.
func (s *EventStream) AddEvent(payload any) error {
	data, err := encodePayload(payload)
	if err != nil {
		return err
	}
	s.uncommitted = append(s.uncommitted, Event{
		StreamID:       s.query.StreamID(),
		AggregateID:    s.query.AggregateID,
		Aggregate:      s.query.Aggregate,
		Context:        s.query.Context,
		StreamRevision: NoRevision,
		Payload:        data,
	})
	return nil
}

func (s *EventStream) AddEvents(payloads ...any) error {
	for _, p := range payloads {
		if err := s.AddEvent(p); err != nil {
			return err
		}
	}
	return nil
}

// Commit persists the pending events, see Store.Commit.
func (s *EventStream) Commit(ctx context.Context) (*EventStream, error) {
	if s.store == nil {
		return nil, ErrNotConfigured
	}
	return s.store.Commit(ctx, s)
}

// applyCommit moves a persisted batch from pending to committed.
func (s *EventStream) applyCommit(batch []Event) {
	s.events = append(s.events, batch...)
	s.lastRevision = batch[len(batch)-1].StreamRevision
	s.uncommitted = nil
}
