package otel

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Attribute keys shared by ctxwin spans and metrics.
var (
	AttrSessionID        = attribute.Key("ctxwin.session.id")
	AttrTraceID          = attribute.Key("ctxwin.trace.id")
	AttrModel            = attribute.Key("ctxwin.model")
	AttrStrategy         = attribute.Key("ctxwin.prune.strategy")
	AttrItemsRemoved     = attribute.Key("ctxwin.items.removed")
	AttrItemCount        = attribute.Key("ctxwin.items.count")
	AttrTokensBefore     = attribute.Key("ctxwin.tokens.before")
	AttrTokensAfter      = attribute.Key("ctxwin.tokens.after")
	AttrSummarizer       = attribute.Key("ctxwin.summarizer")
	AttrCompressionRatio = attribute.Key("ctxwin.compact.ratio")
	AttrErrorClass       = attribute.Key("ctxwin.error.class")
)

// StartSpan starts an internal span for a window mutation.
func StartSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
}

// StartClientSpan starts a span for an outbound call such as a summarizer
// request or a remote token count.
func StartClientSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindClient),
	)
}

// MarkError records err on span and sets its status. A nil err is ignored.
func MarkError(span trace.Span, err error, class string) {
	if err == nil {
		return
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	if class != "" {
		span.SetAttributes(AttrErrorClass.String(class))
	}
}
