package pebblestore

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/cockroachdb/pebble"
	gonanoid "github.com/matoous/go-nanoid/v2"

	"github.com/codewandler/estore/core/es"
	"github.com/codewandler/estore/internal/codec"
)

// Config configures a Backend.
type Config struct {
	// Dir is the Pebble data directory. Pebble locks it, so one process
	// owns a store at a time.
	Dir           string
	Fsync         FsyncMode
	FsyncInterval time.Duration
	// PebbleOptions allows advanced tuning. If nil, defaults are used.
	PebbleOptions *pebble.Options
	Log           *slog.Logger
}

// Backend stores events in a local Pebble database. Writes are serialized
// by a mutex; every append is a single atomic batch.
type Backend struct {
	es.Notifier

	cfg   Config
	log   *slog.Logger
	codec codec.Codec

	mu          sync.RWMutex
	db          *db
	lastSeq     uint64
	snapshotSeq uint64
}

func New(cfg Config) (*Backend, error) {
	if cfg.Dir == "" {
		return nil, errors.New("pebble: Config.Dir is required")
	}
	if cfg.Log == nil {
		cfg.Log = slog.Default()
	}
	return &Backend{
		cfg:   cfg,
		log:   cfg.Log.With(slog.String("backend", "pebble")),
		codec: codec.Default,
	}, nil
}

func (b *Backend) Connect(context.Context) error {
	b.mu.Lock()
	if b.db != nil {
		b.mu.Unlock()
		b.Notify(es.NotificationConnected)
		return nil
	}

	d, err := openDB(dbOptions{
		dir:           b.cfg.Dir,
		fsync:         b.cfg.Fsync,
		fsyncInterval: b.cfg.FsyncInterval,
		pebbleOptions: b.cfg.PebbleOptions,
		log:           b.log,
	})
	if err != nil {
		b.mu.Unlock()
		return es.StorageFailure("pebble open", err)
	}
	if err := b.loadCounters(d); err != nil {
		_ = d.close()
		b.mu.Unlock()
		return es.StorageFailure("pebble load counters", err)
	}
	b.db = d
	b.mu.Unlock()

	b.log.Info("connected", slog.String("dir", b.cfg.Dir), slog.Uint64("last_seq", b.lastSeq))
	b.Notify(es.NotificationConnected)
	return nil
}

func (b *Backend) loadCounters(d *db) error {
	for key, dst := range map[string]*uint64{
		string(keyLastSeq):     &b.lastSeq,
		string(keySnapshotSeq): &b.snapshotSeq,
	} {
		val, ok, err := get(d.inner, []byte(key))
		if err != nil {
			return err
		}
		*dst = 0
		if ok {
			*dst = readBE8(val)
		}
	}
	return nil
}

func (b *Backend) Disconnect(context.Context) error {
	b.mu.Lock()
	d := b.db
	b.db = nil
	b.mu.Unlock()

	if err := d.close(); err != nil {
		return es.StorageFailure("pebble close", err)
	}
	b.Notify(es.NotificationDisconnected)
	return nil
}

func (b *Backend) NewID(context.Context) (string, error) {
	return gonanoid.New()
}

func (b *Backend) AddEvents(_ context.Context, expected es.Revision, events []es.Event) error {
	if err := es.ValidateBatch(expected, events); err != nil {
		return err
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.db == nil {
		return es.ErrNotConnected
	}

	streamID := events[0].StreamID
	head, err := b.head(b.db.inner, streamID)
	if err != nil {
		return es.StorageFailure("pebble read head", err)
	}
	if head != expected {
		return &es.ConcurrencyError{StreamID: streamID, Expected: expected, Actual: head}
	}
	for _, ev := range events {
		_, exists, err := get(b.db.inner, keyID(ev.ID))
		if err != nil {
			return es.StorageFailure("pebble read id", err)
		}
		if exists {
			return &es.ValidationError{Field: "event id", Reason: "already exists"}
		}
	}

	batch := b.db.inner.NewBatch()
	defer batch.Close()

	seq := b.lastSeq
	seqs := make([]uint64, len(events))
	for i, ev := range events {
		seq++
		seqs[i] = seq
		ev.Seq = seq
		rec, err := b.codec.Marshal(ev)
		if err != nil {
			return es.StorageFailure("pebble encode event", err)
		}
		for _, kv := range [][2][]byte{
			{keyEvent(seq), rec},
			{keyStreamRevision(streamID, uint64(ev.StreamRevision)), be8(seq)},
			{keyID(ev.ID), be8(seq)},
			{keyUndispatched(seq), nil},
		} {
			if err := batch.Set(kv[0], kv[1], nil); err != nil {
				return es.StorageFailure("pebble batch", err)
			}
		}
	}
	last := events[len(events)-1].StreamRevision
	if err := batch.Set(keyHead(streamID), be8(uint64(last)), nil); err != nil {
		return es.StorageFailure("pebble batch", err)
	}
	if err := batch.Set(keyLastSeq, be8(seq), nil); err != nil {
		return es.StorageFailure("pebble batch", err)
	}
	if err := b.db.commit(batch); err != nil {
		return es.StorageFailure("pebble commit", err)
	}

	b.lastSeq = seq
	for i := range events {
		events[i].Seq = seqs[i]
	}
	b.log.Debug(
		"append",
		slog.String("stream_id", streamID),
		last.SlogAttr(),
		slog.Uint64("last_seq", seq),
	)
	return nil
}

func (b *Backend) head(r reader, streamID string) (es.Revision, error) {
	val, ok, err := get(r, keyHead(streamID))
	if err != nil || !ok {
		return es.NoRevision, err
	}
	return es.Revision(readBE8(val)), nil
}

func (b *Backend) readEvent(r reader, seq uint64) (es.Event, error) {
	val, ok, err := get(r, keyEvent(seq))
	if err != nil {
		return es.Event{}, err
	}
	if !ok {
		return es.Event{}, errors.New("pebble: index points to a missing event")
	}
	return codec.Decode[es.Event](b.codec, val)
}

// read runs fn against a consistent point-in-time view of the database.
func (b *Backend) read(op string, fn func(r reader) error) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.db == nil {
		return es.ErrNotConnected
	}
	snap := b.db.inner.NewSnapshot()
	defer snap.Close()
	return es.StorageFailure(op, fn(snap))
}

// streamEvents scans the stream's revision index from lower to upper and
// returns matching events after skipping skip of them, at most limit.
func (b *Backend) streamEvents(r reader, q es.Query, lower, upper []byte, skip, limit int) ([]es.Event, error) {
	out := make([]es.Event, 0)
	err := scan(r, lower, upper, false, func(_, value []byte) (bool, error) {
		ev, err := b.readEvent(r, readBE8(value))
		if err != nil {
			return false, err
		}
		if !q.Matches(ev) {
			return true, nil
		}
		if skip > 0 {
			skip--
			return true, nil
		}
		out = append(out, ev)
		return limit < 0 || len(out) < limit, nil
	})
	return out, err
}

func (b *Backend) GetEvents(_ context.Context, q es.Query, skip, limit int) ([]es.Event, error) {
	if limit == 0 {
		return []es.Event{}, nil
	}
	var out []es.Event
	err := b.read("pebble get events", func(r reader) (err error) {
		prefix := keyStreamPrefix(prefixStream, q.StreamID())
		out, err = b.streamEvents(r, q, prefix, upperBound(prefix), max(skip, 0), limit)
		return err
	})
	return out, err
}

func (b *Backend) GetEventsByRevision(_ context.Context, q es.Query, min, max es.Revision) ([]es.Event, error) {
	if min < 0 {
		min = 0
	}
	if max >= 0 && max < min {
		return []es.Event{}, nil
	}
	var out []es.Event
	err := b.read("pebble get events by revision", func(r reader) (err error) {
		lower := keyStreamRevision(q.StreamID(), uint64(min))
		upper := upperBound(keyStreamPrefix(prefixStream, q.StreamID()))
		if max >= 0 {
			upper = keyStreamRevision(q.StreamID(), uint64(max)+1)
		}
		out, err = b.streamEvents(r, q, lower, upper, 0, -1)
		return err
	})
	return out, err
}

// GetAllEvents seeks straight to the requested window since sequence
// numbers are dense.
func (b *Backend) GetAllEvents(_ context.Context, skip, limit int) ([]es.Event, error) {
	if limit == 0 {
		return []es.Event{}, nil
	}
	skip = max(skip, 0)
	out := make([]es.Event, 0)
	err := b.read("pebble get all events", func(r reader) error {
		lower := keyEvent(uint64(skip) + 1)
		upper := upperBound(prefixEvent)
		if limit > 0 {
			upper = keyEvent(uint64(skip+limit) + 1)
		}
		return scan(r, lower, upper, false, func(_, value []byte) (bool, error) {
			ev, err := codec.Decode[es.Event](b.codec, value)
			if err != nil {
				return false, err
			}
			out = append(out, ev)
			return true, nil
		})
	})
	return out, err
}

func (b *Backend) GetSnapshot(_ context.Context, q es.Query, max es.Revision) (*es.Snapshot, error) {
	var found *es.Snapshot
	err := b.read("pebble get snapshot", func(r reader) error {
		prefix := keyStreamPrefix(prefixSnapshot, q.StreamID())
		upper := upperBound(prefix)
		if max >= 0 {
			upper = appendBE8(prefix, uint64(max)+1)
		}
		return scan(r, prefix, upper, true, func(_, value []byte) (bool, error) {
			snap, err := codec.Decode[es.Snapshot](b.codec, value)
			if err != nil {
				return false, err
			}
			if !q.MatchesSnapshot(snap) {
				return true, nil
			}
			found = &snap
			return false, nil
		})
	})
	return found, err
}

func (b *Backend) AddSnapshot(_ context.Context, s es.Snapshot) error {
	if err := es.StreamID(s.StreamID).Validate(); err != nil {
		return err
	}
	if s.Revision < 0 {
		return &es.ValidationError{Field: "snapshot revision", Reason: "must be >= 0"}
	}
	rec, err := b.codec.Marshal(s)
	if err != nil {
		return es.StorageFailure("pebble encode snapshot", err)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.db == nil {
		return es.ErrNotConnected
	}

	n := b.snapshotSeq + 1
	batch := b.db.inner.NewBatch()
	defer batch.Close()
	if err := batch.Set(keySnapshot(s.StreamID, uint64(s.Revision), n), rec, nil); err != nil {
		return es.StorageFailure("pebble batch", err)
	}
	if err := batch.Set(keySnapshotSeq, be8(n), nil); err != nil {
		return es.StorageFailure("pebble batch", err)
	}
	if err := b.db.commit(batch); err != nil {
		return es.StorageFailure("pebble commit", err)
	}
	b.snapshotSeq = n
	return nil
}

func (b *Backend) GetUndispatchedEvents(context.Context) ([]es.Event, error) {
	out := make([]es.Event, 0)
	err := b.read("pebble get undispatched events", func(r reader) error {
		return scan(r, prefixUndispatched, upperBound(prefixUndispatched), false, func(key, _ []byte) (bool, error) {
			ev, err := b.readEvent(r, readBE8(key))
			if err != nil {
				return false, err
			}
			out = append(out, ev)
			return true, nil
		})
	})
	return out, err
}

func (b *Backend) SetEventToDispatched(_ context.Context, id string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.db == nil {
		return es.ErrNotConnected
	}

	val, ok, err := get(b.db.inner, keyID(id))
	if err != nil {
		return es.StorageFailure("pebble read id", err)
	}
	if !ok {
		return nil
	}
	seq := readBE8(val)
	ev, err := b.readEvent(b.db.inner, seq)
	if err != nil {
		return es.StorageFailure("pebble read event", err)
	}
	if ev.Dispatched {
		return nil
	}
	ev.Dispatched = true
	rec, err := b.codec.Marshal(ev)
	if err != nil {
		return es.StorageFailure("pebble encode event", err)
	}

	batch := b.db.inner.NewBatch()
	defer batch.Close()
	if err := batch.Set(keyEvent(seq), rec, nil); err != nil {
		return es.StorageFailure("pebble batch", err)
	}
	if err := batch.Delete(keyUndispatched(seq), nil); err != nil {
		return es.StorageFailure("pebble batch", err)
	}
	return es.StorageFailure("pebble commit", b.db.commit(batch))
}

func (b *Backend) Clear(context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.db == nil {
		return es.ErrNotConnected
	}

	batch := b.db.inner.NewBatch()
	defer batch.Close()
	for _, prefix := range allPrefixes {
		if err := batch.DeleteRange(prefix, upperBound(prefix), nil); err != nil {
			return es.StorageFailure("pebble batch", err)
		}
	}
	if err := b.db.commit(batch); err != nil {
		return es.StorageFailure("pebble commit", err)
	}
	b.lastSeq, b.snapshotSeq = 0, 0
	b.log.Debug("cleared")
	return nil
}

var _ es.Backend = (*Backend)(nil)
