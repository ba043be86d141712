package es

import (
	"context"
	"iter"
)

// Page is one window of the global event order. Next fetches the following
// window with the same limit. Pages are computed against the backend state
// at the time each page is requested; concurrent commits may show up in
// later pages.
type Page struct {
	Events []Event
	Skip   int
	Limit  int

	fetch func(ctx context.Context, skip, limit int) (*Page, error)
}

// Done reports whether no further events can follow this page.
func (p *Page) Done() bool {
	return p.Limit < 0 || len(p.Events) < p.Limit
}

// Next returns the page directly after p.
func (p *Page) Next(ctx context.Context) (*Page, error) {
	if p.Limit < 0 {
		return &Page{Events: []Event{}, Skip: p.Skip + len(p.Events), Limit: p.Limit, fetch: p.fetch}, nil
	}
	return p.fetch(ctx, p.Skip+p.Limit, p.Limit)
}

// NextRange fetches an arbitrary window using the same source as p.
func (p *Page) NextRange(ctx context.Context, skip, limit int) (*Page, error) {
	return p.fetch(ctx, skip, limit)
}

// GetAllEvents returns events of all streams in global commit order,
// skipping skip events and returning at most limit (-1 for all).
func (s *Store) GetAllEvents(ctx context.Context, skip, limit int) (*Page, error) {
	backend, err := s.ready()
	if err != nil {
		return nil, err
	}
	if skip < 0 {
		return nil, newValidationError("skip", "must be >= 0")
	}
	if limit < -1 || limit == 0 {
		return nil, newValidationError("limit", "must be positive or -1")
	}

	var fetch func(ctx context.Context, skip, limit int) (*Page, error)
	fetch = func(ctx context.Context, skip, limit int) (*Page, error) {
		events, err := backend.GetAllEvents(ctx, skip, limit)
		if err != nil {
			return nil, StorageFailure("get all events", err)
		}
		return &Page{Events: events, Skip: skip, Limit: limit, fetch: fetch}, nil
	}
	return fetch(ctx, skip, limit)
}

// AllEvents walks every committed event in global order, fetching pageSize
// events per backend call.
func (s *Store) AllEvents(ctx context.Context, pageSize int) iter.Seq2[Event, error] {
	return func(yield func(Event, error) bool) {
		page, err := s.GetAllEvents(ctx, 0, pageSize)
		for {
			if err != nil {
				yield(Event{}, err)
				return
			}
			for _, ev := range page.Events {
				if !yield(ev, nil) {
					return
				}
			}
			if page.Done() {
				return
			}
			page, err = page.Next(ctx)
		}
	}
}
