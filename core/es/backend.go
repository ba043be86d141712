package es

import (
	"context"
	"sync"
)

// Backend is the storage contract every persistence technology implements.
// Implementations must behave identically; the conformance suite in
// core/es/estests runs against each of them.
//
// A limit or max revision of -1 means unbounded. Reads of absent streams or
// snapshots return empty results, not errors.
type Backend interface {
	Notifying

	// Connect establishes the connection. It is idempotent and emits
	// NotificationConnected.
	Connect(ctx context.Context) error
	// Disconnect releases the connection and emits NotificationDisconnected.
	Disconnect(ctx context.Context) error

	// NewID returns a fresh, backend-unique identifier.
	NewID(ctx context.Context) (string, error)

	// AddEvents appends a batch to a single stream, all or nothing. expected
	// is the revision the batch was based on; a mismatch with the stream's
	// head fails with a *ConcurrencyError. On success the backend sets Seq
	// on every element of events.
	AddEvents(ctx context.Context, expected Revision, events []Event) error

	// GetEvents returns events of the addressed stream in revision order.
	GetEvents(ctx context.Context, q Query, skip, limit int) ([]Event, error)
	// GetEventsByRevision returns events with min <= revision <= max.
	GetEventsByRevision(ctx context.Context, q Query, min, max Revision) ([]Event, error)
	// GetAllEvents returns events of all streams in global commit order.
	GetAllEvents(ctx context.Context, skip, limit int) ([]Event, error)

	// GetSnapshot returns the most recent snapshot with a revision at or
	// before max, or nil.
	GetSnapshot(ctx context.Context, q Query, max Revision) (*Snapshot, error)
	AddSnapshot(ctx context.Context, s Snapshot) error

	// GetUndispatchedEvents returns all events not yet dispatched, oldest first.
	GetUndispatchedEvents(ctx context.Context) ([]Event, error)
	// SetEventToDispatched marks the event as dispatched. Marking an event
	// twice is not an error.
	SetEventToDispatched(ctx context.Context, id string) error

	// Clear removes all stored state.
	Clear(ctx context.Context) error
}

type Notification string

const (
	NotificationConnected    Notification = "connected"
	NotificationDisconnected Notification = "disconnected"
)

type Notifying interface {
	OnNotification(fn func(Notification))
}

// Notifier is embedded by backends to fan out lifecycle notifications.
type Notifier struct {
	mu        sync.Mutex
	listeners []func(Notification)
}

func (n *Notifier) OnNotification(fn func(Notification)) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.listeners = append(n.listeners, fn)
}

// Notify calls every registered listener synchronously.
func (n *Notifier) Notify(note Notification) {
	n.mu.Lock()
	listeners := append([]func(Notification){}, n.listeners...)
	n.mu.Unlock()
	for _, fn := range listeners {
		fn(note)
	}
}

// Window applies skip and limit to a slice already in order.
func Window[T any](items []T, skip, limit int) []T {
	if skip < 0 {
		skip = 0
	}
	if skip >= len(items) {
		return []T{}
	}
	items = items[skip:]
	if limit >= 0 && limit < len(items) {
		items = items[:limit]
	}
	return items
}

// InRevisionRange reports whether rev lies within [min, max], max -1 meaning
// unbounded.
func InRevisionRange(rev, min, max Revision) bool {
	if rev < min {
		return false
	}
	return max < 0 || rev <= max
}
