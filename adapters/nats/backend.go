package nats

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	gonanoid "github.com/matoous/go-nanoid/v2"
	natsgo "github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/codewandler/estore/core/es"
	"github.com/codewandler/estore/internal/codec"
)

const (
	defaultSubjectPrefix = "estore.events"
	defaultStreamName    = "ESTORE"
	defaultBucketPrefix  = "estore"

	// seqShift leaves room for the position of an event within its commit
	// message when deriving es.Event.Seq from the stream sequence.
	seqShift     = 20
	maxBatchSize = 1<<seqShift - 1

	fetchBatchSize = 256
	fetchMaxWait   = time.Second

	headerStreamID     = "x-stream-id"
	headerLastRevision = "x-last-revision"
	headerCommitID     = "x-commit-id"

	keyWatermark = "watermark"

	errCodeWrongLastSequence jetstream.ErrorCode = 10071
)

// StorageType selects where JetStream keeps the stream and buckets.
type StorageType int

const (
	StorageFile StorageType = iota
	StorageMemory
)

func (s StorageType) toJetStream() jetstream.StorageType {
	if s == StorageMemory {
		return jetstream.MemoryStorage
	}
	return jetstream.FileStorage
}

type Config struct {
	Connect Connector    // Connect is used to create the underlying NATS connection. If nil, ConnectDefault() is used.
	Log     *slog.Logger // Log for diagnostics (optional)

	// SubjectPrefix is the prefix of the per-stream subjects, one subject
	// per event stream.
	SubjectPrefix string
	StreamName    string
	// BucketPrefix names the snapshot (<prefix>_snapshots) and dispatch
	// (<prefix>_dispatch) key-value buckets.
	BucketPrefix string

	Storage  StorageType
	Replicas int
	// MaxAge and MaxBytes bound the stream. Zero means unlimited; events
	// dropped by a limit are gone for good.
	MaxAge   time.Duration
	MaxBytes int64
}

// Backend stores events in a JetStream stream. Every commit batch becomes a
// single message on the subject of its event stream; the server enforces
// optimistic concurrency with an expected last sequence per subject.
type Backend struct {
	es.Notifier

	cfg   Config
	log   *slog.Logger
	codec codec.Codec

	mu   sync.RWMutex
	conn *conn
}

type conn struct {
	js      jetstream.JetStream
	release func()
	stream  jetstream.Stream

	snapshots kvStore[es.Snapshot]
	marks     kvStore[time.Time]
	watermark kvStore[uint64]
}

func New(cfg Config) (*Backend, error) {
	if cfg.Connect == nil {
		cfg.Connect = ConnectDefault()
	}
	if cfg.Log == nil {
		cfg.Log = slog.Default()
	}
	cfg.StreamName = strings.ToUpper(cfg.StreamName)
	if cfg.StreamName == "" {
		cfg.StreamName = defaultStreamName
	}
	if cfg.SubjectPrefix == "" {
		cfg.SubjectPrefix = defaultSubjectPrefix
	}
	if cfg.BucketPrefix == "" {
		cfg.BucketPrefix = defaultBucketPrefix
	}
	for field, name := range map[string]string{
		"StreamName":   cfg.StreamName,
		"BucketPrefix": cfg.BucketPrefix,
	} {
		if strings.ContainsAny(name, ". *>") {
			return nil, fmt.Errorf("nats: Config.%s %q contains invalid characters", field, name)
		}
	}
	if strings.ContainsAny(cfg.SubjectPrefix, " *>") || strings.HasSuffix(cfg.SubjectPrefix, ".") {
		return nil, fmt.Errorf("nats: Config.SubjectPrefix %q is not a valid subject prefix", cfg.SubjectPrefix)
	}

	return &Backend{
		cfg: cfg,
		log: cfg.Log.With(
			slog.String("backend", "nats"),
			slog.String("stream", cfg.StreamName),
		),
		codec: codec.Default,
	}, nil
}

func (b *Backend) Connect(ctx context.Context) error {
	b.mu.Lock()
	if b.conn != nil {
		b.mu.Unlock()
		b.Notify(es.NotificationConnected)
		return nil
	}

	c, err := b.open(ctx)
	if err != nil {
		b.mu.Unlock()
		return es.StorageFailure("nats connect", err)
	}
	b.conn = c
	b.mu.Unlock()

	b.log.Info("connected", slog.String("subjects", b.allSubjects()))
	b.Notify(es.NotificationConnected)
	return nil
}

func (b *Backend) open(ctx context.Context) (_ *conn, err error) {
	nc, release, err := b.cfg.Connect()
	if err != nil {
		return nil, err
	}
	defer func() {
		if err != nil {
			release()
		}
	}()

	js, err := jetstream.New(nc)
	if err != nil {
		return nil, err
	}

	maxBytes := b.cfg.MaxBytes
	if maxBytes == 0 {
		maxBytes = -1
	}
	stream, info, err := ensureStream(ctx, js, jetstream.StreamConfig{
		Name:       b.cfg.StreamName,
		Subjects:   []string{b.allSubjects()},
		Retention:  jetstream.LimitsPolicy,
		Discard:    jetstream.DiscardNew,
		Storage:    b.cfg.Storage.toJetStream(),
		Replicas:   max(b.cfg.Replicas, 1),
		MaxAge:     b.cfg.MaxAge,
		MaxBytes:   maxBytes,
		MaxMsgs:    -1,
		Duplicates: 2 * time.Minute,
		FirstSeq:   1,
	})
	if err != nil {
		return nil, err
	}
	b.log.Debug("ensured stream", slog.Uint64("last_seq", info.State.LastSeq))

	c := &conn{js: js, release: release, stream: stream}
	if err := b.openBuckets(ctx, c); err != nil {
		return nil, err
	}
	return c, nil
}

func (b *Backend) openBuckets(ctx context.Context, c *conn) error {
	snapshots, err := ensureBucket(ctx, c.js, jetstream.KeyValueConfig{
		Bucket:   b.cfg.BucketPrefix + "_snapshots",
		Storage:  b.cfg.Storage.toJetStream(),
		Replicas: max(b.cfg.Replicas, 1),
		History:  1,
	})
	if err != nil {
		return err
	}
	dispatch, err := ensureBucket(ctx, c.js, jetstream.KeyValueConfig{
		Bucket:   b.cfg.BucketPrefix + "_dispatch",
		Storage:  b.cfg.Storage.toJetStream(),
		Replicas: max(b.cfg.Replicas, 1),
		History:  1,
	})
	if err != nil {
		return err
	}
	c.snapshots = kvStore[es.Snapshot]{kv: snapshots, codec: b.codec}
	c.marks = kvStore[time.Time]{kv: dispatch, codec: b.codec}
	c.watermark = kvStore[uint64]{kv: dispatch, codec: b.codec}
	return nil
}

func ensureStream(ctx context.Context, js jetstream.JetStream, cfg jetstream.StreamConfig) (jetstream.Stream, *jetstream.StreamInfo, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*natsgo.DefaultTimeout)
	defer cancel()

	s, err := js.CreateOrUpdateStream(ctx, cfg)
	if err != nil {
		return nil, nil, fmt.Errorf("ensure stream %s: %w", cfg.Name, err)
	}
	si, err := s.Info(ctx)
	if err != nil {
		return nil, nil, err
	}
	return s, si, nil
}

func (b *Backend) Disconnect(context.Context) error {
	b.mu.Lock()
	c := b.conn
	b.conn = nil
	b.mu.Unlock()

	if c != nil {
		c.release()
	}
	b.Notify(es.NotificationDisconnected)
	return nil
}

func (b *Backend) current() (*conn, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.conn == nil {
		return nil, es.ErrNotConnected
	}
	return b.conn, nil
}

func (b *Backend) NewID(context.Context) (string, error) {
	return gonanoid.New()
}

func (b *Backend) AddEvents(ctx context.Context, expected es.Revision, events []es.Event) error {
	if err := es.ValidateBatch(expected, events); err != nil {
		return err
	}
	if len(events) > maxBatchSize {
		return &es.ValidationError{Field: "events", Reason: fmt.Sprintf("more than %d in one commit", maxBatchSize)}
	}
	c, err := b.current()
	if err != nil {
		return err
	}

	streamID := events[0].StreamID
	subject := b.subject(streamID)
	head, lastMsgSeq, err := b.head(ctx, c, subject)
	if err != nil {
		return es.StorageFailure("nats read head", err)
	}
	if head != expected {
		return &es.ConcurrencyError{StreamID: streamID, Expected: expected, Actual: head}
	}

	stored := slices.Clone(events)
	for i := range stored {
		stored[i].Seq = 0
		stored[i].Dispatched = false
	}
	data, err := b.codec.Marshal(stored)
	if err != nil {
		return es.StorageFailure("nats encode commit", err)
	}

	last := events[len(events)-1].StreamRevision
	msg := natsgo.NewMsg(subject)
	msg.Data = data
	msg.Header.Set(headerStreamID, streamID)
	msg.Header.Set(headerLastRevision, strconv.FormatInt(int64(last), 10))

	opts := []jetstream.PublishOpt{jetstream.WithExpectLastSequencePerSubject(lastMsgSeq)}
	if commitID := events[0].CommitID; commitID != "" {
		msg.Header.Set(headerCommitID, commitID)
		opts = append(opts, jetstream.WithMsgID(commitID))
	}

	ack, err := c.js.PublishMsg(ctx, msg, opts...)
	if err != nil {
		if isWrongLastSequence(err) {
			return &es.ConcurrencyError{StreamID: streamID, Expected: expected, Actual: es.UnknownRevision}
		}
		return es.StorageFailure("nats publish", err)
	}
	if ack.Duplicate {
		return &es.ValidationError{Field: "commit id", Reason: "already stored"}
	}

	for i := range events {
		events[i].Seq = eventSeq(ack.Sequence, i)
	}
	b.log.Debug(
		"append",
		slog.String("stream_id", streamID),
		last.SlogAttr(),
		slog.Uint64("msg_seq", ack.Sequence),
	)
	return nil
}

func isWrongLastSequence(err error) bool {
	var apiErr *jetstream.APIError
	if errors.As(err, &apiErr) && apiErr.ErrorCode == errCodeWrongLastSequence {
		return true
	}
	return strings.Contains(err.Error(), "wrong last sequence")
}

// head returns the stream revision and message sequence of the last commit
// on subject, or es.NoRevision and 0.
func (b *Backend) head(ctx context.Context, c *conn, subject string) (es.Revision, uint64, error) {
	raw, err := c.stream.GetLastMsgForSubject(ctx, subject)
	if err != nil {
		if errors.Is(err, jetstream.ErrMsgNotFound) {
			return es.NoRevision, 0, nil
		}
		return es.NoRevision, 0, err
	}
	if rev, err := strconv.ParseInt(raw.Header.Get(headerLastRevision), 10, 64); err == nil {
		return es.Revision(rev), raw.Sequence, nil
	}
	events, err := b.decodeCommit(raw.Sequence, raw.Data)
	if err != nil {
		return es.NoRevision, 0, err
	}
	if len(events) == 0 {
		return es.NoRevision, 0, errors.New("nats: empty commit message")
	}
	return events[len(events)-1].StreamRevision, raw.Sequence, nil
}

func eventSeq(msgSeq uint64, i int) uint64 { return msgSeq<<seqShift | uint64(i) }

func (b *Backend) decodeCommit(msgSeq uint64, data []byte) ([]es.Event, error) {
	events, err := codec.Decode[[]es.Event](b.codec, data)
	if err != nil {
		return nil, err
	}
	for i := range events {
		events[i].Seq = eventSeq(msgSeq, i)
	}
	return events, nil
}

// consume delivers the messages on subject with stream sequences in
// [from, to] to fn, in order, until fn returns false.
func consume(ctx context.Context, stream jetstream.Stream, subject string, from, to uint64, fn func(seq uint64, data []byte) (bool, error)) error {
	from = max(from, 1)
	if to < from {
		return nil
	}
	cons, err := stream.OrderedConsumer(ctx, jetstream.OrderedConsumerConfig{
		FilterSubjects:    []string{subject},
		DeliverPolicy:     jetstream.DeliverByStartSequencePolicy,
		OptStartSeq:       from,
		InactiveThreshold: 30 * time.Second,
	})
	if err != nil {
		return err
	}

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		batch, err := cons.Fetch(fetchBatchSize, jetstream.FetchMaxWait(fetchMaxWait))
		if err != nil {
			return err
		}
		received := 0
		for msg := range batch.Messages() {
			received++
			md, err := msg.Metadata()
			if err != nil {
				return err
			}
			seq := md.Sequence.Stream
			if seq > to {
				return nil
			}
			if more, err := fn(seq, msg.Data()); err != nil || !more {
				return err
			}
			if seq == to {
				return nil
			}
		}
		if err := batch.Error(); err != nil {
			return err
		}
		if received == 0 {
			return nil
		}
	}
}

// dispatchState answers whether an event has been dispatched. Messages below
// the watermark contain only dispatched events.
type dispatchState struct {
	c         *conn
	watermark uint64
}

func (c *conn) dispatchState(ctx context.Context) (dispatchState, error) {
	wm, _, err := c.watermark.get(ctx, keyWatermark)
	return dispatchState{c: c, watermark: wm}, err
}

func (d dispatchState) dispatched(ctx context.Context, msgSeq uint64, id string) (bool, error) {
	if msgSeq < d.watermark {
		return true, nil
	}
	return d.c.marks.exists(ctx, markKey(id))
}

// scanStream calls fn for every event of the addressed stream in revision
// order until fn returns false.
func (b *Backend) scanStream(ctx context.Context, c *conn, q es.Query, fn func(es.Event) bool) error {
	subject := b.subject(q.StreamID())
	head, last, err := b.head(ctx, c, subject)
	if err != nil || head == es.NoRevision {
		return err
	}
	state, err := c.dispatchState(ctx)
	if err != nil {
		return err
	}
	return consume(ctx, c.stream, subject, 1, last, func(seq uint64, data []byte) (bool, error) {
		events, err := b.decodeCommit(seq, data)
		if err != nil {
			return false, err
		}
		for _, ev := range events {
			if !q.Matches(ev) {
				continue
			}
			if ev.Dispatched, err = state.dispatched(ctx, seq, ev.ID); err != nil {
				return false, err
			}
			if !fn(ev) {
				return false, nil
			}
		}
		return true, nil
	})
}

func (b *Backend) GetEvents(ctx context.Context, q es.Query, skip, limit int) ([]es.Event, error) {
	if limit == 0 {
		return []es.Event{}, nil
	}
	c, err := b.current()
	if err != nil {
		return nil, err
	}
	out := make([]es.Event, 0)
	err = b.scanStream(ctx, c, q, func(ev es.Event) bool {
		if skip > 0 {
			skip--
			return true
		}
		out = append(out, ev)
		return limit < 0 || len(out) < limit
	})
	return out, es.StorageFailure("nats get events", err)
}

func (b *Backend) GetEventsByRevision(ctx context.Context, q es.Query, min, max es.Revision) ([]es.Event, error) {
	if max >= 0 && max < min {
		return []es.Event{}, nil
	}
	c, err := b.current()
	if err != nil {
		return nil, err
	}
	out := make([]es.Event, 0)
	err = b.scanStream(ctx, c, q, func(ev es.Event) bool {
		if max >= 0 && ev.StreamRevision > max {
			return false
		}
		if es.InRevisionRange(ev.StreamRevision, min, max) {
			out = append(out, ev)
		}
		return true
	})
	return out, es.StorageFailure("nats get events by revision", err)
}

func (b *Backend) GetAllEvents(ctx context.Context, skip, limit int) ([]es.Event, error) {
	if limit == 0 {
		return []es.Event{}, nil
	}
	c, err := b.current()
	if err != nil {
		return nil, err
	}
	out := make([]es.Event, 0)
	err = b.scanAll(ctx, c, func(_ dispatchState, seq uint64, events []es.Event) (bool, error) {
		if skip >= len(events) {
			skip -= len(events)
			return true, nil
		}
		events = events[max(skip, 0):]
		skip = 0
		for _, ev := range events {
			out = append(out, ev)
			if limit > 0 && len(out) == limit {
				return false, nil
			}
		}
		return true, nil
	}, true)
	return out, es.StorageFailure("nats get all events", err)
}

// scanAll walks every commit message in the stream from the watermark (or
// the first message, if all is set) up to the current last message.
func (b *Backend) scanAll(ctx context.Context, c *conn, fn func(dispatchState, uint64, []es.Event) (bool, error), all bool) error {
	info, err := c.stream.Info(ctx)
	if err != nil {
		return err
	}
	if info.State.Msgs == 0 {
		return nil
	}
	state, err := c.dispatchState(ctx)
	if err != nil {
		return err
	}
	from := info.State.FirstSeq
	if !all {
		from = max(from, state.watermark)
	}
	return consume(ctx, c.stream, b.allSubjects(), from, info.State.LastSeq, func(seq uint64, data []byte) (bool, error) {
		events, err := b.decodeCommit(seq, data)
		if err != nil {
			return false, err
		}
		if all {
			for i := range events {
				if events[i].Dispatched, err = state.dispatched(ctx, seq, events[i].ID); err != nil {
					return false, err
				}
			}
		}
		return fn(state, seq, events)
	})
}

// GetUndispatchedEvents also advances the watermark past every leading
// message whose events are all dispatched.
func (b *Backend) GetUndispatchedEvents(ctx context.Context) ([]es.Event, error) {
	c, err := b.current()
	if err != nil {
		return nil, err
	}

	var (
		out          = make([]es.Event, 0)
		firstPending uint64
		lastSeen     uint64
		watermark    uint64
	)
	err = b.scanAll(ctx, c, func(state dispatchState, seq uint64, events []es.Event) (bool, error) {
		watermark = state.watermark
		lastSeen = seq
		for _, ev := range events {
			done, err := state.dispatched(ctx, seq, ev.ID)
			if err != nil {
				return false, err
			}
			if done {
				continue
			}
			if firstPending == 0 {
				firstPending = seq
			}
			out = append(out, ev)
		}
		return true, nil
	}, false)
	if err != nil {
		return nil, es.StorageFailure("nats get undispatched events", err)
	}

	next := lastSeen + 1
	if firstPending != 0 {
		next = firstPending
	}
	if lastSeen != 0 && next > watermark {
		if err := c.watermark.put(ctx, keyWatermark, next); err != nil {
			b.log.Warn("failed to advance dispatch watermark", slog.Any("error", err))
		}
	}
	return out, nil
}

func (b *Backend) SetEventToDispatched(ctx context.Context, id string) error {
	c, err := b.current()
	if err != nil {
		return err
	}
	return es.StorageFailure("nats mark dispatched", c.marks.put(ctx, markKey(id), time.Now().UTC()))
}

func (b *Backend) GetSnapshot(ctx context.Context, q es.Query, max es.Revision) (*es.Snapshot, error) {
	c, err := b.current()
	if err != nil {
		return nil, err
	}
	prefix := token(q.StreamID()) + "."
	keys, err := c.snapshots.keys(ctx, prefix+"*.*")
	if err != nil {
		return nil, es.StorageFailure("nats list snapshots", err)
	}
	keys = slices.DeleteFunc(keys, func(key string) bool {
		rev, ok := snapshotKeyRevision(key, prefix)
		return !ok || (max >= 0 && rev > max)
	})
	// revisions are zero padded, so lexical order is revision order
	slices.Sort(keys)
	slices.Reverse(keys)

	var (
		found    *es.Snapshot
		foundSeq uint64
	)
	for _, key := range keys {
		rev, _ := snapshotKeyRevision(key, prefix)
		if found != nil && rev < found.Revision {
			break
		}
		snap, seq, ok, err := c.snapshots.getRevision(ctx, key)
		if err != nil {
			return nil, es.StorageFailure("nats get snapshot", err)
		}
		// the later write wins among matches at one revision
		if ok && q.MatchesSnapshot(snap) && (found == nil || seq > foundSeq) {
			found, foundSeq = &snap, seq
		}
	}
	return found, nil
}

func (b *Backend) AddSnapshot(ctx context.Context, s es.Snapshot) error {
	if err := es.StreamID(s.StreamID).Validate(); err != nil {
		return err
	}
	if s.Revision < 0 {
		return &es.ValidationError{Field: "snapshot revision", Reason: "must be >= 0"}
	}
	c, err := b.current()
	if err != nil {
		return err
	}
	return es.StorageFailure("nats put snapshot", c.snapshots.put(ctx, snapshotKey(s), s))
}

// Clear purges the stream and recreates both buckets.
func (b *Backend) Clear(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	c := b.conn
	if c == nil {
		return es.ErrNotConnected
	}

	if err := c.stream.Purge(ctx); err != nil {
		return es.StorageFailure("nats purge", err)
	}
	for _, bucket := range []string{b.cfg.BucketPrefix + "_snapshots", b.cfg.BucketPrefix + "_dispatch"} {
		if err := c.js.DeleteKeyValue(ctx, bucket); err != nil && !errors.Is(err, jetstream.ErrBucketNotFound) {
			return es.StorageFailure("nats delete bucket", err)
		}
	}
	fresh := &conn{js: c.js, release: c.release, stream: c.stream}
	if err := b.openBuckets(ctx, fresh); err != nil {
		return es.StorageFailure("nats create buckets", err)
	}
	b.conn = fresh
	b.log.Debug("cleared")
	return nil
}

func (b *Backend) subject(streamID string) string {
	return b.cfg.SubjectPrefix + "." + token(streamID)
}

func (b *Backend) allSubjects() string { return b.cfg.SubjectPrefix + ".>" }

// token encodes s into a single subject token and key-value key segment.
func token(s string) string {
	return base64.RawURLEncoding.EncodeToString([]byte(s))
}

// snapshotKey is <stream>.<revision>.<metas>, so snapshots of one revision
// with different aggregate or context metas are kept apart.
func snapshotKey(s es.Snapshot) string {
	return fmt.Sprintf("%s.%020d.%s", token(s.StreamID), int64(s.Revision), token(s.Aggregate+"\x00"+s.Context))
}

func snapshotKeyRevision(key, prefix string) (es.Revision, bool) {
	revPart, _, ok := strings.Cut(strings.TrimPrefix(key, prefix), ".")
	if !ok {
		return 0, false
	}
	rev, err := strconv.ParseInt(revPart, 10, 64)
	return es.Revision(rev), err == nil
}

func markKey(eventID string) string { return "e." + token(eventID) }

var _ es.Backend = (*Backend)(nil)
