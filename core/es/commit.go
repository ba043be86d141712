package es

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
)

// Commit persists the stream's pending events as one batch based on the
// stream's current revision. On success the events move to the committed
// side and the stream is returned; on failure the stream is left untouched.
// A stale base revision fails with a *ConcurrencyError; Commit never retries.
func (s *Store) Commit(ctx context.Context, stream *EventStream) (_ *EventStream, err error) {
	backend, err := s.ready()
	if err != nil {
		return nil, err
	}
	if len(stream.uncommitted) == 0 {
		return stream, nil
	}

	var (
		q     = stream.query
		label = q.metricLabel()
		base  = stream.lastRevision
	)

	ctx, span := s.startSpan(ctx, "Commit", q,
		attribute.Int64("estore.revision.base", int64(base)),
		attribute.Int("estore.events", len(stream.uncommitted)),
	)
	defer func() { endSpan(span, err) }()
	defer s.metrics.CommitDuration(label).ObserveDuration()

	batch, err := s.prepareCommit(ctx, backend, stream)
	if err != nil {
		return nil, err
	}

	if err = backend.AddEvents(ctx, base, batch); err != nil {
		if IsConcurrencyConflict(err) {
			s.metrics.ConcurrencyConflict(label)
			s.log.Debug("commit conflict", q.logAttrs(), base.SlogAttrWithKey("base"), slog.Any("error", err))
			return nil, err
		}
		return nil, StorageFailure("add events", err)
	}

	stream.applyCommit(batch)
	s.metrics.EventsCommitted(label, len(batch))
	s.log.Debug(
		"committed",
		q.logAttrs(),
		slog.String("commit_id", batch[0].CommitID),
		slog.Int("events", len(batch)),
		stream.lastRevision.SlogAttr(),
	)

	if d := s.Dispatcher(); d != nil {
		d.Trigger()
	}
	return stream, nil
}

// prepareCommit validates the pending events and annotates a copy of them
// with commit id, commit sequence and stream revisions.
func (s *Store) prepareCommit(ctx context.Context, backend Backend, stream *EventStream) ([]Event, error) {
	for _, ev := range stream.uncommitted {
		if ev.AggregateID == "" {
			return nil, newValidationError("aggregate id", "is required")
		}
	}
	if err := stream.query.Validate(); err != nil {
		return nil, err
	}

	commitID, err := backend.NewID(ctx)
	if err != nil {
		return nil, StorageFailure("new id", err)
	}

	var (
		n     = len(stream.uncommitted)
		stamp = time.Now().UTC().Truncate(time.Millisecond)
		batch = make([]Event, n)
	)
	for i, ev := range stream.uncommitted {
		if ev.ID, err = backend.NewID(ctx); err != nil {
			return nil, StorageFailure("new id", err)
		}
		ev.StreamID = stream.query.StreamID()
		ev.StreamRevision = stream.lastRevision + Revision(i+1)
		ev.CommitID = commitID
		ev.CommitSequence = i
		ev.RestInCommitStream = n - 1 - i
		ev.CommitStamp = stamp
		ev.Dispatched = false
		ev.Seq = 0
		batch[i] = ev
	}
	return batch, nil
}

// RetryOnConflict runs fn up to attempts times while it fails with a
// concurrency conflict. fn is expected to reload the stream it commits.
func RetryOnConflict(ctx context.Context, attempts int, fn func(ctx context.Context) error) error {
	if attempts < 1 {
		attempts = 1
	}
	var err error
	for i := 0; i < attempts; i++ {
		if err = ctx.Err(); err != nil {
			return err
		}
		if err = fn(ctx); err == nil || !IsConcurrencyConflict(err) {
			return err
		}
	}
	return fmt.Errorf("giving up after %d attempts: %w", attempts, err)
}
