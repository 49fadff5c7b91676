package otel

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics holds the context window instruments.
type Metrics struct {
	TokensAdded     metric.Int64Counter
	TokensFreed     metric.Int64Counter
	CompactDuration metric.Float64Histogram
	CompactFailures metric.Int64Counter
	UsageRatio      metric.Float64Histogram
	SessionsActive  metric.Int64UpDownCounter
	DriftCorrected  metric.Int64Counter
}

// NewMetrics creates all metric instruments from the given meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.TokensAdded, err = meter.Int64Counter("ctxwin.tokens.added",
		metric.WithDescription("Tokens appended to context windows"),
	)
	if err != nil {
		return nil, err
	}

	m.TokensFreed, err = meter.Int64Counter("ctxwin.tokens.freed",
		metric.WithDescription("Tokens released by pruning and compaction"),
	)
	if err != nil {
		return nil, err
	}

	m.CompactDuration, err = meter.Float64Histogram("ctxwin.compact.duration",
		metric.WithDescription("Compaction duration in seconds, summarizer call included"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.CompactFailures, err = meter.Int64Counter("ctxwin.compact.failures",
		metric.WithDescription("Compaction attempts that left the window unchanged due to an error"),
	)
	if err != nil {
		return nil, err
	}

	m.UsageRatio, err = meter.Float64Histogram("ctxwin.usage.ratio",
		metric.WithDescription("Window usage (total tokens / max tokens) observed after each mutation"),
	)
	if err != nil {
		return nil, err
	}

	m.SessionsActive, err = meter.Int64UpDownCounter("ctxwin.sessions.active",
		metric.WithDescription("Number of live session trackers"),
	)
	if err != nil {
		return nil, err
	}

	m.DriftCorrected, err = meter.Int64Counter("ctxwin.drift.corrected",
		metric.WithDescription("Absolute token drift corrected by recompute"),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}

// RecordUsage records the usage ratio of one session.
func (m *Metrics) RecordUsage(ctx context.Context, sessionID, model string, ratio float64) {
	if m == nil {
		return
	}
	m.UsageRatio.Record(ctx, ratio, metric.WithAttributes(
		AttrSessionID.String(sessionID),
		AttrModel.String(model),
	))
}

// RecordFreed counts tokens released by a prune strategy or compaction.
func (m *Metrics) RecordFreed(ctx context.Context, operation string, tokens int) {
	if m == nil || tokens <= 0 {
		return
	}
	m.TokensFreed.Add(ctx, int64(tokens), metric.WithAttributes(attribute.String("operation", operation)))
}

// RecordAdded counts tokens appended to a window.
func (m *Metrics) RecordAdded(ctx context.Context, kind string, tokens int) {
	if m == nil || tokens <= 0 {
		return
	}
	m.TokensAdded.Add(ctx, int64(tokens), metric.WithAttributes(attribute.String("kind", kind)))
}

// RecordCompaction records the duration of a compaction attempt and counts
// it as a failure when errorClass is set.
func (m *Metrics) RecordCompaction(ctx context.Context, seconds float64, errorClass string) {
	if m == nil {
		return
	}
	outcome := "ok"
	if errorClass != "" {
		outcome = "error"
		m.CompactFailures.Add(ctx, 1, metric.WithAttributes(AttrErrorClass.String(errorClass)))
	}
	m.CompactDuration.Record(ctx, seconds, metric.WithAttributes(attribute.String("outcome", outcome)))
}

// RecordDrift counts the absolute drift a recompute corrected.
func (m *Metrics) RecordDrift(ctx context.Context, drift int) {
	if m == nil || drift == 0 {
		return
	}
	if drift < 0 {
		drift = -drift
	}
	m.DriftCorrected.Add(ctx, int64(drift))
}

// SessionOpened and SessionClosed move the active sessions gauge.
func (m *Metrics) SessionOpened(ctx context.Context) {
	if m == nil {
		return
	}
	m.SessionsActive.Add(ctx, 1)
}

func (m *Metrics) SessionClosed(ctx context.Context) {
	if m == nil {
		return
	}
	m.SessionsActive.Add(ctx, -1)
}
