package es

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

var (
	attrStreamID = attribute.Key("estore.stream_id")
	attrAddress  = attribute.Key("estore.address")
)

func (s *Store) startSpan(ctx context.Context, op string, q Query, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	attrs = append(attrs,
		attrStreamID.String(q.StreamID()),
		attrAddress.String(q.Address()),
	)
	return s.opts.tracer.Start(ctx, "estore."+op,
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(attrs...),
	)
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
