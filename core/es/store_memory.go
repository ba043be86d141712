package es

import (
	"context"
	"log/slog"
	"slices"
	"sync"

	gonanoid "github.com/matoous/go-nanoid/v2"
)

// InMemoryBackend is the reference Backend for tests and development. All
// state lives in process memory and is lost on exit.
type InMemoryBackend struct {
	Notifier

	mu        sync.RWMutex
	log       *slog.Logger
	connected bool
	// all holds every event in global order; Seq is index+1.
	all       []Event
	streams   map[string][]int
	byID      map[string]int
	snapshots map[string][]Snapshot
}

func NewInMemoryBackend(opts ...MemoryOption) *InMemoryBackend {
	options := memoryOptions{log: slog.Default()}
	for _, opt := range opts {
		opt.applyToMemory(&options)
	}
	b := &InMemoryBackend{log: options.log.With(slog.String("backend", "memory"))}
	b.reset()
	return b
}

func (b *InMemoryBackend) reset() {
	b.all = nil
	b.streams = map[string][]int{}
	b.byID = map[string]int{}
	b.snapshots = map[string][]Snapshot{}
}

func (b *InMemoryBackend) Connect(context.Context) error {
	b.mu.Lock()
	b.connected = true
	b.mu.Unlock()
	b.Notify(NotificationConnected)
	return nil
}

func (b *InMemoryBackend) Disconnect(context.Context) error {
	b.mu.Lock()
	b.connected = false
	b.mu.Unlock()
	b.Notify(NotificationDisconnected)
	return nil
}

func (b *InMemoryBackend) NewID(context.Context) (string, error) {
	return gonanoid.New()
}

func (b *InMemoryBackend) AddEvents(_ context.Context, expected Revision, events []Event) error {
	if err := ValidateBatch(expected, events); err != nil {
		return err
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.connected {
		return ErrNotConnected
	}

	streamID := events[0].StreamID
	idx := b.streams[streamID]
	head := NoRevision
	if len(idx) > 0 {
		head = b.all[idx[len(idx)-1]].StreamRevision
	}
	if head != expected {
		return &ConcurrencyError{StreamID: streamID, Expected: expected, Actual: head}
	}
	for _, ev := range events {
		if _, dup := b.byID[ev.ID]; dup {
			return newValidationError("event id", "already exists")
		}
	}

	for i := range events {
		events[i].Seq = uint64(len(b.all) + 1)
		b.byID[events[i].ID] = len(b.all)
		idx = append(idx, len(b.all))
		b.all = append(b.all, events[i])
	}
	b.streams[streamID] = idx

	b.log.Debug(
		"append",
		slog.String("stream_id", streamID),
		slog.Uint64("last_seq", events[len(events)-1].Seq),
		slog.Int("num_events", len(events)),
	)
	return nil
}

// streamEvents returns copies of the stream's events matching q.
func (b *InMemoryBackend) streamEvents(q Query, keep func(Event) bool) []Event {
	out := make([]Event, 0)
	for _, i := range b.streams[q.StreamID()] {
		ev := b.all[i]
		if q.Matches(ev) && keep(ev) {
			out = append(out, ev)
		}
	}
	return out
}

func (b *InMemoryBackend) GetEvents(_ context.Context, q Query, skip, limit int) ([]Event, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if !b.connected {
		return nil, ErrNotConnected
	}
	return Window(b.streamEvents(q, func(Event) bool { return true }), skip, limit), nil
}

func (b *InMemoryBackend) GetEventsByRevision(_ context.Context, q Query, min, max Revision) ([]Event, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if !b.connected {
		return nil, ErrNotConnected
	}
	return b.streamEvents(q, func(ev Event) bool {
		return InRevisionRange(ev.StreamRevision, min, max)
	}), nil
}

func (b *InMemoryBackend) GetAllEvents(_ context.Context, skip, limit int) ([]Event, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if !b.connected {
		return nil, ErrNotConnected
	}
	return slices.Clone(Window(b.all, skip, limit)), nil
}

func (b *InMemoryBackend) GetSnapshot(_ context.Context, q Query, max Revision) (*Snapshot, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if !b.connected {
		return nil, ErrNotConnected
	}

	var found *Snapshot
	for _, s := range b.snapshots[q.StreamID()] {
		if !q.MatchesSnapshot(s) || (max >= 0 && s.Revision > max) {
			continue
		}
		// later snapshots win ties
		if found == nil || s.Revision >= found.Revision {
			found = &s
		}
	}
	if found == nil {
		return nil, nil
	}
	out := *found
	return &out, nil
}

func (b *InMemoryBackend) AddSnapshot(_ context.Context, s Snapshot) error {
	if err := validateStreamID(s.StreamID); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.connected {
		return ErrNotConnected
	}
	b.snapshots[s.StreamID] = append(b.snapshots[s.StreamID], s)
	return nil
}

func (b *InMemoryBackend) GetUndispatchedEvents(context.Context) ([]Event, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if !b.connected {
		return nil, ErrNotConnected
	}
	out := make([]Event, 0)
	for _, ev := range b.all {
		if !ev.Dispatched {
			out = append(out, ev)
		}
	}
	return out, nil
}

func (b *InMemoryBackend) SetEventToDispatched(_ context.Context, id string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.connected {
		return ErrNotConnected
	}
	if i, ok := b.byID[id]; ok {
		b.all[i].Dispatched = true
	}
	return nil
}

func (b *InMemoryBackend) Clear(context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.connected {
		return ErrNotConnected
	}
	b.reset()
	return nil
}

var _ Backend = (*InMemoryBackend)(nil)
