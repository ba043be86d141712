// Package perkey runs tasks one at a time per key while tasks for different
// keys run concurrently.
//
// The dispatcher uses it to publish one stream's events in revision order
// without streams waiting on each other. Each key gets a lane goroutine that
// exits after it has had no work for the IdleAfter duration, so goroutines
// follow the set of active streams.
package perkey

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrClosed is returned by Run once the queue is closed.
var ErrClosed = errors.New("perkey: queue closed")

const defaultBuffer = 64

type settings struct {
	buffer    int
	idleAfter time.Duration
}

type Option func(*settings)

// Buffer sets how many tasks may wait in one lane. Non-positive values keep
// the default of 64.
func Buffer(n int) Option {
	return func(s *settings) {
		if n > 0 {
			s.buffer = n
		}
	}
}

// IdleAfter retires a lane once it has had no work for d. Zero keeps lanes
// until Close.
func IdleAfter(d time.Duration) Option {
	return func(s *settings) {
		if d >= 0 {
			s.idleAfter = d
		}
	}
}

// Queue serializes tasks sharing a key in submission order.
type Queue[K comparable] struct {
	settings

	mu       sync.Mutex
	lanes    map[K]*lane
	closed   bool
	inflight sync.WaitGroup
}

type lane struct {
	jobs chan job
	// users counts Run calls bound to the lane; guarded by Queue.mu.
	users int
}

type job struct {
	ctx    context.Context
	fn     func(context.Context) error
	result chan error
}

func (j job) exec() error {
	if err := j.ctx.Err(); err != nil {
		return err
	}
	return j.fn(j.ctx)
}

func New[K comparable](opts ...Option) *Queue[K] {
	s := settings{buffer: defaultBuffer}
	for _, opt := range opts {
		opt(&s)
	}
	return &Queue[K]{settings: s, lanes: make(map[K]*lane)}
}

// Run executes fn on key's lane and waits for its result. It returns the
// context error when ctx ends first; a task whose context ended before its
// turn is skipped.
func (q *Queue[K]) Run(ctx context.Context, key K, fn func(context.Context) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	l, err := q.acquire(key)
	if err != nil {
		return err
	}
	defer q.release(l)

	j := job{ctx: ctx, fn: fn, result: make(chan error, 1)}
	select {
	case l.jobs <- j:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-j.result:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Active returns the number of live lanes.
func (q *Queue[K]) Active() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.lanes)
}

// Close rejects new work, waits for pending Run calls and stops every lane.
func (q *Queue[K]) Close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	q.mu.Unlock()

	q.inflight.Wait()

	q.mu.Lock()
	defer q.mu.Unlock()
	for _, l := range q.lanes {
		close(l.jobs)
	}
	clear(q.lanes)
}

func (q *Queue[K]) acquire(key K) (*lane, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return nil, ErrClosed
	}
	l, ok := q.lanes[key]
	if !ok {
		l = &lane{jobs: make(chan job, q.buffer)}
		q.lanes[key] = l
		go q.drain(key, l)
	}
	l.users++
	q.inflight.Add(1)
	return l, nil
}

func (q *Queue[K]) release(l *lane) {
	q.mu.Lock()
	l.users--
	q.mu.Unlock()
	q.inflight.Done()
}

func (q *Queue[K]) drain(key K, l *lane) {
	var (
		idle  <-chan time.Time
		timer *time.Timer
	)
	if q.idleAfter > 0 {
		timer = time.NewTimer(q.idleAfter)
		defer timer.Stop()
		idle = timer.C
	}

	for {
		select {
		case j, ok := <-l.jobs:
			if !ok {
				return
			}
			j.result <- j.exec()
		case <-idle:
			if q.retire(key, l) {
				return
			}
		}
		if timer != nil {
			timer.Reset(q.idleAfter)
		}
	}
}

// retire drops l when no caller holds it and nothing is queued.
func (q *Queue[K]) retire(key K, l *lane) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if l.users > 0 || len(l.jobs) > 0 || q.lanes[key] != l {
		return false
	}
	delete(q.lanes, key)
	return true
}
