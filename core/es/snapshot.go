package es

import (
	"bytes"
	"context"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
)

// Snapshot is a point-in-time serialization of aggregate state taken at
// Revision. Several snapshots of one stream may coexist; lookups pick the
// one with the highest revision.
type Snapshot struct {
	ID          string   `json:"id"`
	StreamID    string   `json:"stream_id"`
	AggregateID string   `json:"aggregate_id"`
	Aggregate   string   `json:"aggregate,omitempty"`
	Context     string   `json:"context,omitempty"`
	Revision    Revision `json:"revision"`
	// Version is the caller's schema version of Data.
	Version   int       `json:"version"`
	Data      []byte    `json:"data"`
	CreatedAt time.Time `json:"created_at"`
}

func (s *Snapshot) Query() Query {
	return Query{AggregateID: s.AggregateID, Aggregate: s.Aggregate, Context: s.Context}
}

func (s *Snapshot) logAttrs() slog.Attr {
	return slog.Group(
		"snapshot",
		slog.String("id", s.ID),
		slog.String("stream_id", s.StreamID),
		s.Revision.SlogAttr(),
		slog.Int("version", s.Version),
		slog.Int("size", len(s.Data)),
	)
}

// CreateSnapshot stores data as the state of the addressed stream at
// revision. Aggregate and Context of q are echoed into the snapshot.
func (s *Store) CreateSnapshot(ctx context.Context, q Query, revision Revision, data []byte, version int) (err error) {
	backend, err := s.ready()
	if err != nil {
		return err
	}
	if err := q.Validate(); err != nil {
		return err
	}
	if revision < 0 {
		return newValidationError("snapshot revision", "must be >= 0")
	}

	ctx, span := s.startSpan(ctx, "CreateSnapshot", q, attribute.Int64("estore.revision", int64(revision)))
	defer func() { endSpan(span, err) }()
	defer s.metrics.SnapshotSaveDuration(q.metricLabel()).ObserveDuration()

	id, err := backend.NewID(ctx)
	if err != nil {
		return StorageFailure("new id", err)
	}
	snap := Snapshot{
		ID:          id,
		StreamID:    q.StreamID(),
		AggregateID: q.AggregateID,
		Aggregate:   q.Aggregate,
		Context:     q.Context,
		Revision:    revision,
		Version:     version,
		Data:        append([]byte(nil), data...),
		CreatedAt:   time.Now().UTC().Truncate(time.Millisecond),
	}
	if err = backend.AddSnapshot(ctx, snap); err != nil {
		return StorageFailure("add snapshot", err)
	}
	s.invalidateSnapshots(&snap)
	s.log.Debug("created snapshot", snap.logAttrs())
	return nil
}

// GetFromSnapshot returns the latest snapshot of the addressed stream and a
// stream holding the events committed after it. The stream's current
// revision is the higher of the snapshot revision and its last event. If
// there is no snapshot, the snapshot is nil and the stream is loaded from
// revision 0.
func (s *Store) GetFromSnapshot(ctx context.Context, q Query) (_ *Snapshot, _ *EventStream, err error) {
	backend, err := s.ready()
	if err != nil {
		return nil, nil, err
	}
	if err := q.Validate(); err != nil {
		return nil, nil, err
	}

	ctx, span := s.startSpan(ctx, "GetFromSnapshot", q)
	defer func() { endSpan(span, err) }()

	snap, err := s.loadSnapshot(ctx, backend, q)
	if err != nil {
		return nil, nil, err
	}

	from := Revision(0)
	if snap != nil {
		from = snap.Revision + 1
	}
	events, err := backend.GetEventsByRevision(ctx, StreamID(q.StreamID()), from, NoRevision)
	if err != nil {
		return nil, nil, StorageFailure("get events by revision", err)
	}

	stream := newEventStream(s, q, events)
	if snap != nil && snap.Revision > stream.lastRevision {
		stream.lastRevision = snap.Revision
	}
	return snap, stream, nil
}

func (s *Store) loadSnapshot(ctx context.Context, backend Backend, q Query) (*Snapshot, error) {
	label := q.metricLabel()
	key := q.key()

	snap, ok := s.snapshots.Get(key)
	if ok {
		s.metrics.SnapshotCacheHit(label)
	} else {
		s.metrics.SnapshotCacheMiss(label)

		var (
			err error
			gen = s.snapshotGen.Load()
		)
		snap, _, err = s.snapshotSF.Do(key, func() (*Snapshot, error) {
			defer s.metrics.SnapshotLoadDuration(label).ObserveDuration()
			snap, err := backend.GetSnapshot(ctx, q, NoRevision)
			if err != nil {
				return nil, StorageFailure("get snapshot", err)
			}
			if snap != nil && s.snapshotGen.Load() == gen {
				s.snapshots.Put(key, snap)
			}
			return snap, nil
		})
		if err != nil {
			return nil, err
		}
	}
	if snap == nil {
		return nil, nil
	}
	out := *snap
	out.Data = bytes.Clone(snap.Data)
	return &out, nil
}

// invalidateSnapshots drops cached lookups a new snapshot may supersede.
func (s *Store) invalidateSnapshots(snap *Snapshot) {
	s.snapshotGen.Add(1)
	for _, q := range snap.Query().subsets() {
		key := q.key()
		s.snapshotSF.Forget(key)
		s.snapshots.Delete(key)
	}
}
