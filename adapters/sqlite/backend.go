// Package sqlite provides a SQLite-backed es.Backend.
//
// Appends run in an immediate transaction that checks the stream head; the
// UNIQUE(stream_id, stream_revision) constraint additionally rejects stale
// writers from other processes sharing the database file.
package sqlite

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"time"

	gonanoid "github.com/matoous/go-nanoid/v2"
	msqlite "modernc.org/sqlite"
	sqlite3lib "modernc.org/sqlite/lib"

	"github.com/codewandler/estore/core/es"
)

//go:embed schema.sql
var schema string

// Config configures a Backend.
type Config struct {
	// Path is the database file. It is created if missing.
	Path        string
	BusyTimeout time.Duration
	Log         *slog.Logger
}

type Backend struct {
	es.Notifier

	cfg Config
	log *slog.Logger

	mu    sync.RWMutex
	sqlDB *sql.DB
}

func New(cfg Config) (*Backend, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("sqlite: Config.Path is required")
	}
	if cfg.BusyTimeout <= 0 {
		cfg.BusyTimeout = 5 * time.Second
	}
	if cfg.Log == nil {
		cfg.Log = slog.Default()
	}
	return &Backend{
		cfg: cfg,
		log: cfg.Log.With(slog.String("backend", "sqlite")),
	}, nil
}

func (b *Backend) dsn() string {
	return fmt.Sprintf(
		"file:%s?_pragma=busy_timeout(%d)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_txlock=immediate",
		filepath.Clean(b.cfg.Path), b.cfg.BusyTimeout.Milliseconds(),
	)
}

func (b *Backend) Connect(ctx context.Context) error {
	if err := b.open(ctx); err != nil {
		return err
	}
	b.Notify(es.NotificationConnected)
	return nil
}

func (b *Backend) open(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.sqlDB != nil {
		return nil
	}

	sqlDB, err := sql.Open("sqlite", b.dsn())
	if err != nil {
		return es.StorageFailure("sqlite open", err)
	}
	if err := sqlDB.PingContext(ctx); err != nil {
		_ = sqlDB.Close()
		return es.StorageFailure("sqlite ping", err)
	}
	if _, err := sqlDB.ExecContext(ctx, schema); err != nil {
		_ = sqlDB.Close()
		return es.StorageFailure("sqlite schema", err)
	}
	b.sqlDB = sqlDB
	b.log.Info("connected", slog.String("path", b.cfg.Path))
	return nil
}

func (b *Backend) Disconnect(context.Context) error {
	b.mu.Lock()
	sqlDB := b.sqlDB
	b.sqlDB = nil
	b.mu.Unlock()

	if sqlDB != nil {
		if err := sqlDB.Close(); err != nil {
			return es.StorageFailure("sqlite close", err)
		}
	}
	b.Notify(es.NotificationDisconnected)
	return nil
}

func (b *Backend) db() (*sql.DB, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.sqlDB == nil {
		return nil, es.ErrNotConnected
	}
	return b.sqlDB, nil
}

func (b *Backend) NewID(context.Context) (string, error) {
	return gonanoid.New()
}

func toMillis(t time.Time) int64    { return t.UTC().UnixMilli() }
func fromMillis(ms int64) time.Time { return time.UnixMilli(ms).UTC() }

func boolToInt(v bool) int {
	if v {
		return 1
	}
	return 0
}

func nullableBytes(b []byte) any {
	if b == nil {
		return nil
	}
	return b
}

func (b *Backend) AddEvents(ctx context.Context, expected es.Revision, events []es.Event) error {
	if err := es.ValidateBatch(expected, events); err != nil {
		return err
	}
	sqlDB, err := b.db()
	if err != nil {
		return err
	}

	tx, err := sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return es.StorageFailure("sqlite begin", err)
	}
	defer tx.Rollback()

	streamID := events[0].StreamID
	var head sql.NullInt64
	if err := tx.QueryRowContext(ctx,
		`SELECT MAX(stream_revision) FROM events WHERE stream_id = ?`, streamID,
	).Scan(&head); err != nil {
		return es.StorageFailure("sqlite read head", err)
	}
	actual := es.NoRevision
	if head.Valid {
		actual = es.Revision(head.Int64)
	}
	if actual != expected {
		return &es.ConcurrencyError{StreamID: streamID, Expected: expected, Actual: actual}
	}

	seqs := make([]uint64, len(events))
	for i, ev := range events {
		res, err := tx.ExecContext(ctx,
			`INSERT INTO events (
			   id, stream_id, aggregate_id, aggregate, context, stream_revision,
			   commit_id, commit_sequence, rest_in_commit_stream, commit_stamp,
			   dispatched, payload
			 ) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			ev.ID, ev.StreamID, ev.AggregateID, ev.Aggregate, ev.Context, int64(ev.StreamRevision),
			ev.CommitID, ev.CommitSequence, ev.RestInCommitStream, toMillis(ev.CommitStamp),
			boolToInt(ev.Dispatched), nullableBytes(ev.Payload),
		)
		if err != nil {
			return classifyInsertError(streamID, expected, err)
		}
		seq, err := res.LastInsertId()
		if err != nil {
			return es.StorageFailure("sqlite last insert id", err)
		}
		seqs[i] = uint64(seq)
	}
	if err := tx.Commit(); err != nil {
		return classifyInsertError(streamID, expected, err)
	}

	for i := range events {
		events[i].Seq = seqs[i]
	}
	b.log.Debug(
		"append",
		slog.String("stream_id", streamID),
		slog.Uint64("last_seq", seqs[len(seqs)-1]),
		slog.Int("num_events", len(events)),
	)
	return nil
}

// classifyInsertError maps constraint violations to the error taxonomy. A
// revision collision means another writer won the race for the same base.
func classifyInsertError(streamID string, expected es.Revision, err error) error {
	if !isUniqueViolation(err) {
		return es.StorageFailure("sqlite insert event", err)
	}
	if strings.Contains(err.Error(), "events.id") {
		return &es.ValidationError{Field: "event id", Reason: "already exists"}
	}
	return &es.ConcurrencyError{StreamID: streamID, Expected: expected, Actual: es.UnknownRevision}
}

func isUniqueViolation(err error) bool {
	var sqliteErr *msqlite.Error
	if errors.As(err, &sqliteErr) {
		switch sqliteErr.Code() {
		case sqlite3lib.SQLITE_CONSTRAINT_PRIMARYKEY, sqlite3lib.SQLITE_CONSTRAINT_UNIQUE:
			return true
		}
	}
	return strings.Contains(strings.ToLower(err.Error()), "unique constraint failed")
}

const eventColumns = `seq, id, stream_id, aggregate_id, aggregate, context, stream_revision,
	commit_id, commit_sequence, rest_in_commit_stream, commit_stamp, dispatched, payload`

// metaFilter narrows by aggregate and context only when the query sets them.
const metaFilter = `(? = '' OR aggregate = ?) AND (? = '' OR context = ?)`

func metaArgs(q es.Query) []any {
	return []any{q.Aggregate, q.Aggregate, q.Context, q.Context}
}

func scanEvents(rows *sql.Rows) ([]es.Event, error) {
	defer rows.Close()
	out := make([]es.Event, 0)
	for rows.Next() {
		var (
			ev      es.Event
			rev     int64
			stamp   int64
			payload []byte
		)
		if err := rows.Scan(
			&ev.Seq, &ev.ID, &ev.StreamID, &ev.AggregateID, &ev.Aggregate, &ev.Context, &rev,
			&ev.CommitID, &ev.CommitSequence, &ev.RestInCommitStream, &stamp, &ev.Dispatched, &payload,
		); err != nil {
			return nil, err
		}
		ev.StreamRevision = es.Revision(rev)
		ev.CommitStamp = fromMillis(stamp)
		ev.Payload = payload
		out = append(out, ev)
	}
	return out, rows.Err()
}

func (b *Backend) queryEvents(ctx context.Context, op, query string, args ...any) ([]es.Event, error) {
	sqlDB, err := b.db()
	if err != nil {
		return nil, err
	}
	rows, err := sqlDB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, es.StorageFailure(op, err)
	}
	events, err := scanEvents(rows)
	return events, es.StorageFailure(op, err)
}

func (b *Backend) GetEvents(ctx context.Context, q es.Query, skip, limit int) ([]es.Event, error) {
	args := append([]any{q.StreamID()}, metaArgs(q)...)
	return b.queryEvents(ctx, "sqlite get events",
		`SELECT `+eventColumns+` FROM events
		 WHERE stream_id = ? AND `+metaFilter+`
		 ORDER BY stream_revision LIMIT ? OFFSET ?`,
		append(args, limit, max(skip, 0))...,
	)
}

func (b *Backend) GetEventsByRevision(ctx context.Context, q es.Query, min, max es.Revision) ([]es.Event, error) {
	args := append([]any{q.StreamID()}, metaArgs(q)...)
	return b.queryEvents(ctx, "sqlite get events by revision",
		`SELECT `+eventColumns+` FROM events
		 WHERE stream_id = ? AND `+metaFilter+`
		   AND stream_revision >= ? AND (? < 0 OR stream_revision <= ?)
		 ORDER BY stream_revision`,
		append(args, int64(min), int64(max), int64(max))...,
	)
}

func (b *Backend) GetAllEvents(ctx context.Context, skip, limit int) ([]es.Event, error) {
	return b.queryEvents(ctx, "sqlite get all events",
		`SELECT `+eventColumns+` FROM events ORDER BY seq LIMIT ? OFFSET ?`,
		limit, max(skip, 0),
	)
}

func (b *Backend) GetSnapshot(ctx context.Context, q es.Query, max es.Revision) (*es.Snapshot, error) {
	sqlDB, err := b.db()
	if err != nil {
		return nil, err
	}

	var (
		snap    es.Snapshot
		rev     int64
		created int64
	)
	args := append([]any{q.StreamID()}, metaArgs(q)...)
	err = sqlDB.QueryRowContext(ctx,
		`SELECT id, stream_id, aggregate_id, aggregate, context, revision, version, data, created_at
		 FROM snapshots
		 WHERE stream_id = ? AND `+metaFilter+` AND (? < 0 OR revision <= ?)
		 ORDER BY revision DESC, n DESC LIMIT 1`,
		append(args, int64(max), int64(max))...,
	).Scan(
		&snap.ID, &snap.StreamID, &snap.AggregateID, &snap.Aggregate, &snap.Context,
		&rev, &snap.Version, &snap.Data, &created,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, es.StorageFailure("sqlite get snapshot", err)
	}
	snap.Revision = es.Revision(rev)
	snap.CreatedAt = fromMillis(created)
	return &snap, nil
}

func (b *Backend) AddSnapshot(ctx context.Context, s es.Snapshot) error {
	if err := es.StreamID(s.StreamID).Validate(); err != nil {
		return err
	}
	if s.Revision < 0 {
		return &es.ValidationError{Field: "snapshot revision", Reason: "must be >= 0"}
	}
	sqlDB, err := b.db()
	if err != nil {
		return err
	}
	_, err = sqlDB.ExecContext(ctx,
		`INSERT INTO snapshots (id, stream_id, aggregate_id, aggregate, context, revision, version, data, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		s.ID, s.StreamID, s.AggregateID, s.Aggregate, s.Context,
		int64(s.Revision), s.Version, nullableBytes(s.Data), toMillis(s.CreatedAt),
	)
	return es.StorageFailure("sqlite add snapshot", err)
}

func (b *Backend) GetUndispatchedEvents(ctx context.Context) ([]es.Event, error) {
	return b.queryEvents(ctx, "sqlite get undispatched events",
		`SELECT `+eventColumns+` FROM events WHERE dispatched = 0 ORDER BY seq`,
	)
}

func (b *Backend) SetEventToDispatched(ctx context.Context, id string) error {
	sqlDB, err := b.db()
	if err != nil {
		return err
	}
	_, err = sqlDB.ExecContext(ctx, `UPDATE events SET dispatched = 1 WHERE id = ? AND dispatched = 0`, id)
	return es.StorageFailure("sqlite set dispatched", err)
}

func (b *Backend) Clear(ctx context.Context) error {
	sqlDB, err := b.db()
	if err != nil {
		return err
	}
	tx, err := sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return es.StorageFailure("sqlite begin", err)
	}
	defer tx.Rollback()

	for _, stmt := range []string{
		`DELETE FROM events`,
		`DELETE FROM snapshots`,
		`DELETE FROM sqlite_sequence WHERE name IN ('events', 'snapshots')`,
	} {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return es.StorageFailure("sqlite clear", err)
		}
	}
	return es.StorageFailure("sqlite clear", tx.Commit())
}

var _ es.Backend = (*Backend)(nil)
