package es

import (
	"log/slog"
	"strconv"
	"strings"
)

// Query addresses a stream. AggregateID identifies the stream; Aggregate and
// Context narrow reads when set and are echoed into written events.
type Query struct {
	AggregateID string `json:"aggregate_id"`
	Aggregate   string `json:"aggregate,omitempty"`
	Context     string `json:"context,omitempty"`
}

// StreamID builds a Query from a bare aggregate id, without metas.
func StreamID(id string) Query { return Query{AggregateID: id} }

// StreamID is the canonical stream identity used for revisions, concurrency
// and snapshots.
func (q Query) StreamID() string { return q.AggregateID }

// Address renders context/aggregate/aggregateId with absent parts omitted.
// It is for logs and spans; different queries may share an address.
func (q Query) Address() string {
	parts := make([]string, 0, 3)
	if q.Context != "" {
		parts = append(parts, q.Context)
	}
	if q.Aggregate != "" {
		parts = append(parts, q.Aggregate)
	}
	parts = append(parts, q.AggregateID)
	return strings.Join(parts, "/")
}

// key identifies q exactly. Context and aggregate are length prefixed so
// no two queries share a key.
func (q Query) key() string {
	var b strings.Builder
	b.Grow(len(q.Context) + len(q.Aggregate) + len(q.AggregateID) + 8)
	for _, part := range []string{q.Context, q.Aggregate} {
		b.WriteString(strconv.Itoa(len(part)))
		b.WriteByte(':')
		b.WriteString(part)
	}
	b.WriteString(q.AggregateID)
	return b.String()
}

func (q Query) Validate() error {
	if q.AggregateID == "" {
		return newValidationError("aggregate id", "is required")
	}
	return validateStreamID(q.StreamID())
}

// Matches reports whether ev belongs to the addressed stream. Aggregate and
// Context only narrow the match when they are set on the query.
func (q Query) Matches(ev Event) bool {
	return q.matches(ev.AggregateID, ev.Aggregate, ev.Context)
}

func (q Query) MatchesSnapshot(s Snapshot) bool {
	return q.matches(s.AggregateID, s.Aggregate, s.Context)
}

func (q Query) matches(aggregateID, aggregate, context string) bool {
	if q.AggregateID != aggregateID {
		return false
	}
	if q.Aggregate != "" && q.Aggregate != aggregate {
		return false
	}
	if q.Context != "" && q.Context != context {
		return false
	}
	return true
}

// subsets returns every query that would match the same records as q when
// dropping any of the optional metas.
func (q Query) subsets() []Query {
	out := []Query{{AggregateID: q.AggregateID}}
	if q.Aggregate != "" {
		out = append(out, Query{AggregateID: q.AggregateID, Aggregate: q.Aggregate})
	}
	if q.Context != "" {
		out = append(out, Query{AggregateID: q.AggregateID, Context: q.Context})
	}
	if q.Aggregate != "" && q.Context != "" {
		out = append(out, q)
	}
	return out
}

// metricLabel keeps label cardinality bounded: aggregate ids are never used.
func (q Query) metricLabel() string {
	if q.Aggregate == "" {
		return "none"
	}
	return q.Aggregate
}

func (q Query) logAttrs() slog.Attr {
	return slog.Group(
		"stream",
		slog.String("id", q.StreamID()),
		slog.String("address", q.Address()),
	)
}

func validateStreamID(id string) error {
	if id == "" {
		return newValidationError("stream id", "is required")
	}
	if strings.IndexByte(id, 0) >= 0 {
		return newValidationError("stream id", "must not contain NUL bytes")
	}
	return nil
}
