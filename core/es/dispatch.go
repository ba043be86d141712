package es

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/codewandler/estore/core/perkey"
)

// Publisher receives committed events from the in-process Dispatcher.
// Returning an error leaves the event undispatched; it is offered again on
// the next pass.
type Publisher interface {
	Publish(ctx context.Context, ev Event) error
}

type PublisherFunc func(ctx context.Context, ev Event) error

func (f PublisherFunc) Publish(ctx context.Context, ev Event) error { return f(ctx, ev) }

// GetUndispatchedEvents returns every committed event not yet marked as
// dispatched, oldest first.
func (s *Store) GetUndispatchedEvents(ctx context.Context) ([]Event, error) {
	backend, err := s.ready()
	if err != nil {
		return nil, err
	}
	events, err := backend.GetUndispatchedEvents(ctx)
	return events, StorageFailure("get undispatched events", err)
}

// SetEventToDispatched marks the referenced event as dispatched. It is
// idempotent.
func (s *Store) SetEventToDispatched(ctx context.Context, ref EventRef) error {
	backend, err := s.ready()
	if err != nil {
		return err
	}
	if ref == nil || ref.EventID() == "" {
		return newValidationError("event id", "is required")
	}
	return StorageFailure("set event to dispatched", backend.SetEventToDispatched(ctx, ref.EventID()))
}

// Stream workers idle for this many dispatch intervals are released.
const idleWorkerFactor = 10

// Dispatcher hands undispatched events to a Publisher and marks them as
// dispatched afterward, giving at-least-once delivery. Events of one stream
// are published in revision order; different streams proceed in parallel.
type Dispatcher struct {
	backend   Backend
	publisher Publisher
	log       *slog.Logger
	metrics   Metrics
	sched     *perkey.Queue[string]
	interval  time.Duration

	passMu    sync.Mutex
	trigger   chan struct{}
	closeChan chan struct{}
	closeOnce sync.Once
	done      chan struct{}
}

func newDispatcher(backend Backend, publisher Publisher, opts storeOptions) *Dispatcher {
	return &Dispatcher{
		backend:   backend,
		publisher: publisher,
		log:       opts.log.With(slog.String("component", "dispatcher")),
		metrics:   opts.metrics,
		sched: perkey.New[string](
			perkey.Buffer(opts.dispatchBuffer),
			perkey.IdleAfter(idleWorkerFactor*opts.dispatchInterval),
		),
		interval:  opts.dispatchInterval,
		trigger:   make(chan struct{}, 1),
		closeChan: make(chan struct{}),
		done:      make(chan struct{}),
	}
}

// Start replays everything left undispatched and then keeps dispatching
// whenever triggered or when the retry interval elapses.
func (d *Dispatcher) Start(ctx context.Context) error {
	n, err := d.DispatchPending(ctx)
	if err != nil {
		if IsStorage(err) {
			d.sched.Close()
			return err
		}
		d.log.Warn("initial dispatch incomplete", slog.Any("error", err))
	}
	d.log.Debug("replayed undispatched events", slog.Int("dispatched", n))

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	go func() {
		defer close(d.done)
		defer cancel()

		ticker := time.NewTicker(d.interval)
		defer ticker.Stop()

		for {
			select {
			case <-d.closeChan:
				return
			case <-d.trigger:
			case <-ticker.C:
			}
			if _, err := d.DispatchPending(runCtx); err != nil && !isCanceled(err) {
				d.log.Error("dispatch failed", slog.Any("error", err))
			}
		}
	}()
	return nil
}

// Trigger requests a dispatch pass without waiting for it.
func (d *Dispatcher) Trigger() {
	select {
	case d.trigger <- struct{}{}:
	default:
	}
}

func (d *Dispatcher) Stop() {
	d.closeOnce.Do(func() {
		close(d.closeChan)
		<-d.done
		d.sched.Close()
		d.log.Debug("stopped")
	})
}

// DispatchPending runs a single pass over all undispatched events and
// returns how many were dispatched. A failed publish stops its stream for
// this pass so later events never overtake it.
func (d *Dispatcher) DispatchPending(ctx context.Context) (int, error) {
	d.passMu.Lock()
	defer d.passMu.Unlock()

	events, err := d.backend.GetUndispatchedEvents(ctx)
	if err != nil {
		return 0, StorageFailure("get undispatched events", err)
	}
	d.metrics.DispatchBacklog(len(events))
	if len(events) == 0 {
		return 0, nil
	}

	var (
		order  []string
		groups = map[string][]Event{}
	)
	for _, ev := range events {
		if _, ok := groups[ev.StreamID]; !ok {
			order = append(order, ev.StreamID)
		}
		groups[ev.StreamID] = append(groups[ev.StreamID], ev)
	}

	var (
		wg         sync.WaitGroup
		mu         sync.Mutex
		errs       []error
		dispatched atomic.Int64
	)
	for _, streamID := range order {
		evs := groups[streamID]
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := d.sched.Run(ctx, streamID, func(ctx context.Context) error {
				return d.dispatchStream(ctx, evs, &dispatched)
			})
			if err != nil {
				mu.Lock()
				errs = append(errs, err)
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	d.metrics.DispatchBacklog(len(events) - int(dispatched.Load()))
	return int(dispatched.Load()), errors.Join(errs...)
}

func (d *Dispatcher) dispatchStream(ctx context.Context, events []Event, dispatched *atomic.Int64) error {
	for _, ev := range events {
		label := ev.Query().metricLabel()
		if err := d.publisher.Publish(ctx, ev); err != nil {
			d.metrics.EventDispatched(label, false)
			return fmt.Errorf("publish event %s: %w", ev.ID, err)
		}
		if err := d.backend.SetEventToDispatched(ctx, ev.ID); err != nil {
			d.metrics.EventDispatched(label, false)
			return StorageFailure("set event to dispatched", err)
		}
		d.metrics.EventDispatched(label, true)
		dispatched.Add(1)
		d.log.Debug("dispatched", ev.logAttrs())
	}
	return nil
}
