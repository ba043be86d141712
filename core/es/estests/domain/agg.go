// Package domain holds a small counter aggregate used to exercise the store
// the way an application would: fold events, snapshot state, replay the tail.
package domain

import (
	"encoding/json"
	"fmt"

	"github.com/codewandler/estore/core/es"
)

const (
	AggregateType = "counter"
	Context       = "test"

	snapshotVersion = 1
	maxCount        = 24
)

type (
	Counter struct {
		ID string `json:"-"`

		Count          int `json:"count"`
		NumIncrements  int `json:"num_increments"`
		NumResets      int `json:"num_resets"`
		NumTotalEvents int `json:"num_total_events"`

		revision es.Revision
	}

	Incremented struct {
		Inc   int  `json:"inc,omitempty"`
		Reset bool `json:"reset,omitempty"`
	}
)

func NewCounter(id string) *Counter {
	return &Counter{ID: id, revision: es.NoRevision}
}

// Query addresses the counter's event stream.
func (c *Counter) Query() es.Query {
	return es.Query{AggregateID: c.ID, Aggregate: AggregateType, Context: Context}
}

// Revision is the revision of the last event applied.
func (c *Counter) Revision() es.Revision { return c.revision }

func (c *Counter) apply(e Incremented) {
	c.NumTotalEvents++
	if e.Inc > 0 {
		c.Count += e.Inc
		c.NumIncrements++
	}
	if e.Reset {
		c.Count = 0
		c.NumResets++
	}
}

// Apply folds committed events into the counter.
func (c *Counter) Apply(events ...es.Event) error {
	for _, ev := range events {
		var e Incremented
		if err := ev.Decode(&e); err != nil {
			return fmt.Errorf("apply event %s: %w", ev.ID, err)
		}
		c.apply(e)
		c.revision = ev.StreamRevision
	}
	return nil
}

// === Commands ===

func (c *Counter) IncBy(stream *es.EventStream, v int) error {
	if c.Count+v > maxCount {
		return fmt.Errorf("counter cannot exceed %d", maxCount)
	}
	e := Incremented{Inc: v}
	c.apply(e)
	return stream.AddEvent(e)
}

func (c *Counter) Reset(stream *es.EventStream) error {
	e := Incremented{Reset: true}
	c.apply(e)
	return stream.AddEvent(e)
}

// === Snapshots ===

func (c *Counter) Snapshot() ([]byte, int, error) {
	data, err := json.Marshal(c)
	return data, snapshotVersion, err
}

// Restore loads the counter from the latest snapshot (if any) and the
// events committed after it.
func Restore(snap *es.Snapshot, tail *es.EventStream) (*Counter, error) {
	c := NewCounter(tail.Query().AggregateID)
	if snap != nil {
		if snap.Version != snapshotVersion {
			return nil, fmt.Errorf("unsupported snapshot version %d", snap.Version)
		}
		if err := json.Unmarshal(snap.Data, c); err != nil {
			return nil, err
		}
		c.revision = snap.Revision
	}
	if err := c.Apply(tail.Events()...); err != nil {
		return nil, err
	}
	return c, nil
}
