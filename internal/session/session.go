// Package session is the caller-facing surface over one context window per
// conversation. Every mutation of a session runs on that session's actor
// goroutine in arrival order; reads go straight to the tracker.
package session

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/basket/ctxwin/internal/audit"
	"github.com/basket/ctxwin/internal/bus"
	"github.com/basket/ctxwin/internal/compact"
	"github.com/basket/ctxwin/internal/inspect"
	"github.com/basket/ctxwin/internal/otel"
	"github.com/basket/ctxwin/internal/prune"
	"github.com/basket/ctxwin/internal/shared"
	"github.com/basket/ctxwin/internal/window"
)

// queueSize bounds the number of requests waiting for the actor.
const queueSize = 64

var (
	ErrClosed        = errors.New("session closed")
	ErrSessionExists = errors.New("session already exists")
)

type request struct {
	ctx  context.Context
	fn   func(ctx context.Context)
	err  error
	done chan struct{}
}

// policy is the reduction configuration a session captured at creation.
type policy struct {
	pruneThreshold   float64
	compactThreshold float64
	prune            prune.Options
}

// ReduceResult reports what Reduce did. Pruned and Compacted are nil when
// the step did not run.
type ReduceResult struct {
	Before    window.Status
	After     window.Status
	Pruned    *prune.Result
	Compacted *compact.Result
}

// TokensFreed is the total reduction across both steps.
func (r ReduceResult) TokensFreed() int {
	return r.Before.TotalTokens - r.After.TotalTokens
}

// Session owns the tracker of one conversation.
type Session struct {
	id        string
	tracker   *window.Tracker
	pruner    *prune.Pruner
	compactor *compact.Compactor
	policy    policy
	createdAt time.Time

	bus     *bus.Bus
	metrics *otel.Metrics
	tracer  trace.Tracer
	journal *audit.Journal
	logger  *slog.Logger

	mu      sync.RWMutex
	closed  bool
	queue   chan *request
	stopped chan struct{}
}

func (s *Session) start() {
	s.queue = make(chan *request, queueSize)
	s.stopped = make(chan struct{})
	go s.run()
}

func (s *Session) run() {
	defer close(s.stopped)
	for req := range s.queue {
		if err := req.ctx.Err(); err != nil {
			req.err = err
		} else {
			req.fn(req.ctx)
		}
		close(req.done)
	}
}

// submit queues fn for the actor and waits until it ran. A request whose
// context is cancelled before its turn is skipped.
func (s *Session) submit(ctx context.Context, fn func(ctx context.Context)) error {
	ctx = shared.WithRequest(ctx, s.id)
	req := &request{ctx: ctx, fn: fn, done: make(chan struct{})}

	s.mu.RLock()
	if s.closed {
		s.mu.RUnlock()
		return ErrClosed
	}
	select {
	case s.queue <- req:
	case <-ctx.Done():
		s.mu.RUnlock()
		return ctx.Err()
	}
	s.mu.RUnlock()

	<-req.done
	return req.err
}

// close stops accepting requests, lets the queued ones finish and waits
// for the actor to exit. It reports whether this call closed the session.
func (s *Session) close() bool {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		<-s.stopped
		return false
	}
	s.closed = true
	close(s.queue)
	s.mu.Unlock()
	<-s.stopped
	return true
}

func (s *Session) ID() string           { return s.id }
func (s *Session) Model() string        { return s.tracker.Model() }
func (s *Session) MaxTokens() int       { return s.tracker.MaxTokens() }
func (s *Session) CreatedAt() time.Time { return s.createdAt }

// Closed reports whether the session stopped accepting mutations.
func (s *Session) Closed() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.closed
}

func (s *Session) AddSystemPrompt(ctx context.Context, content string, opts ...window.ItemOption) (window.Item, error) {
	return s.add(ctx, window.KindSystemPrompt, content, opts)
}

func (s *Session) AddUserMessage(ctx context.Context, content string, opts ...window.ItemOption) (window.Item, error) {
	return s.add(ctx, window.KindUserMessage, content, opts)
}

func (s *Session) AddAssistantMessage(ctx context.Context, content string, opts ...window.ItemOption) (window.Item, error) {
	return s.add(ctx, window.KindAssistantMessage, content, opts)
}

func (s *Session) AddToolCall(ctx context.Context, content string, opts ...window.ItemOption) (window.Item, error) {
	return s.add(ctx, window.KindToolCall, content, opts)
}

func (s *Session) AddToolResult(ctx context.Context, content string, opts ...window.ItemOption) (window.Item, error) {
	return s.add(ctx, window.KindToolResult, content, opts)
}

// Add appends an item of any caller-visible kind.
func (s *Session) Add(ctx context.Context, kind window.Kind, content string, opts ...window.ItemOption) (window.Item, error) {
	return s.add(ctx, kind, content, opts)
}

func (s *Session) add(ctx context.Context, kind window.Kind, content string, opts []window.ItemOption) (window.Item, error) {
	var (
		it     window.Item
		addErr error
	)
	err := s.submit(ctx, func(ctx context.Context) {
		it, addErr = s.tracker.Add(ctx, kind, content, opts...)
		if addErr != nil {
			return
		}
		st := s.tracker.Status()
		s.metrics.RecordAdded(ctx, string(kind), it.Tokens)
		s.metrics.RecordUsage(ctx, s.id, st.Model, st.UsagePercent)
		s.publish(bus.TopicItemAdded, bus.ItemAddedEvent{
			SessionID:    s.id,
			ItemID:       it.ID,
			Kind:         string(kind),
			Tokens:       it.Tokens,
			Estimated:    it.Estimated,
			TotalTokens:  st.TotalTokens,
			UsagePercent: st.UsagePercent,
		})
	})
	if err != nil {
		return window.Item{}, err
	}
	return it, addErr
}

// Remove deletes one item. Unknown, pinned and system items are left alone
// and reported as false.
func (s *Session) Remove(ctx context.Context, id uint64) (bool, error) {
	var removed bool
	err := s.submit(ctx, func(ctx context.Context) {
		it, ok := s.tracker.Item(id)
		if !ok {
			return
		}
		removed = s.tracker.Remove(id)
		if !removed {
			s.logger.DebugContext(ctx, "remove rejected", "session_id", s.id, "item_id", id, "kind", it.Kind, "pinned", it.Pinned)
			return
		}
		st := s.tracker.Status()
		s.metrics.RecordUsage(ctx, s.id, st.Model, st.UsagePercent)
		s.publish(bus.TopicItemRemoved, bus.ItemRemovedEvent{
			SessionID:   s.id,
			ItemID:      id,
			Tokens:      it.Tokens,
			TotalTokens: st.TotalTokens,
		})
	})
	return removed, err
}

func (s *Session) Pin(ctx context.Context, id uint64) (bool, error) {
	var ok bool
	err := s.submit(ctx, func(context.Context) { ok = s.tracker.Pin(id) })
	return ok, err
}

func (s *Session) Unpin(ctx context.Context, id uint64) (bool, error) {
	var ok bool
	err := s.submit(ctx, func(context.Context) { ok = s.tracker.Unpin(id) })
	return ok, err
}

// PruneTimeBased removes unprotected items older than maxAge, oldest first,
// until usage is at or below target. A target of zero or less removes every
// aged item.
func (s *Session) PruneTimeBased(ctx context.Context, maxAge time.Duration, keepRecent int, target float64) (prune.Result, error) {
	return s.prune(ctx, prune.StrategyTimeBased, func() prune.Result {
		return s.pruner.TimeBased(s.tracker, maxAge, keepRecent, target)
	})
}

func (s *Session) PruneByImportance(ctx context.Context, minImportance float64, keepRecent int) (prune.Result, error) {
	return s.prune(ctx, prune.StrategyImportance, func() prune.Result {
		return s.pruner.ByImportance(s.tracker, minImportance, keepRecent)
	})
}

func (s *Session) PruneToolResults(ctx context.Context, keepRecent int) (prune.Result, error) {
	return s.prune(ctx, prune.StrategyToolResults, func() prune.Result {
		return s.pruner.ToolResults(s.tracker, keepRecent)
	})
}

// PruneToTarget prunes with the session's configured options until usage
// is at or below target.
func (s *Session) PruneToTarget(ctx context.Context, target float64) (prune.Result, error) {
	return s.prune(ctx, prune.StrategyTarget, func() prune.Result {
		return s.pruner.ToTarget(s.tracker, target, s.policy.prune)
	})
}

func (s *Session) prune(ctx context.Context, strategy prune.Strategy, run func() prune.Result) (prune.Result, error) {
	var res prune.Result
	err := s.submit(ctx, func(ctx context.Context) {
		res = s.runPrune(ctx, strategy, run)
	})
	return res, err
}

func (s *Session) runPrune(ctx context.Context, strategy prune.Strategy, run func() prune.Result) prune.Result {
	ctx, span := otel.StartSpan(ctx, s.tracer, "ctxwin.prune",
		otel.AttrSessionID.String(s.id),
		otel.AttrTraceID.String(shared.TraceID(ctx)),
		otel.AttrStrategy.String(string(strategy)),
	)
	defer span.End()

	res := run()
	span.SetAttributes(
		otel.AttrItemsRemoved.Int(len(res.ItemsRemoved)),
		otel.AttrTokensBefore.Int(res.TokensBefore),
		otel.AttrTokensAfter.Int(res.TokensAfter),
	)
	if len(res.ItemsRemoved) == 0 {
		return res
	}

	st := s.tracker.Status()
	s.metrics.RecordFreed(ctx, string(res.Strategy), res.TokensFreed)
	s.metrics.RecordUsage(ctx, s.id, st.Model, st.UsagePercent)
	s.publish(bus.TopicPruned, bus.PrunedEvent{
		SessionID:     s.id,
		Strategy:      string(res.Strategy),
		ItemsRemoved:  res.ItemsRemoved,
		TokensFreed:   res.TokensFreed,
		TokensAfter:   res.TokensAfter,
		TargetReached: res.TargetReached,
	})
	_, _ = s.journal.RecordPrune(ctx, s.id, res)
	return res
}

// Compact replaces the largest eligible span with a summary. The returned
// error only reports that the request never ran; summarizer failures are in
// the Result.
func (s *Session) Compact(ctx context.Context) (compact.Result, error) {
	var res compact.Result
	err := s.submit(ctx, func(ctx context.Context) {
		res = s.runCompact(ctx)
	})
	return res, err
}

func (s *Session) runCompact(ctx context.Context) compact.Result {
	ctx, span := otel.StartSpan(ctx, s.tracer, "ctxwin.compact",
		otel.AttrSessionID.String(s.id),
		otel.AttrTraceID.String(shared.TraceID(ctx)),
		otel.AttrModel.String(s.tracker.Model()),
	)
	defer span.End()

	res := s.compactor.Compact(ctx, s.tracker)
	if res.Err != nil {
		otel.MarkError(span, res.Err, string(res.ErrorClass))
		s.metrics.RecordCompaction(ctx, res.Duration.Seconds(), string(res.ErrorClass))
		s.publish(bus.TopicCompactFailed, bus.CompactFailedEvent{
			SessionID:  s.id,
			Error:      res.Err.Error(),
			ErrorClass: string(res.ErrorClass),
			Retryable:  res.Retryable,
		})
		_, _ = s.journal.RecordCompact(ctx, s.id, res)
		return res
	}
	if !res.Compacted() {
		return res
	}

	if res.Summary.Provenance != nil {
		span.SetAttributes(otel.AttrSummarizer.String(res.Summary.Provenance.Summarizer))
	}
	span.SetAttributes(
		otel.AttrItemsRemoved.Int(len(res.ItemsCompacted)),
		otel.AttrTokensBefore.Int(res.OriginalTokens),
		otel.AttrTokensAfter.Int(res.SummaryTokens),
		otel.AttrCompressionRatio.Float64(res.CompressionRatio),
	)
	st := s.tracker.Status()
	s.metrics.RecordCompaction(ctx, res.Duration.Seconds(), "")
	s.metrics.RecordFreed(ctx, "compact", res.TokensSaved)
	s.metrics.RecordUsage(ctx, s.id, st.Model, st.UsagePercent)
	s.publish(bus.TopicCompacted, bus.CompactedEvent{
		SessionID:        s.id,
		SummaryID:        res.Summary.ID,
		ItemsCompacted:   res.ItemsCompacted,
		OriginalTokens:   res.OriginalTokens,
		SummaryTokens:    res.SummaryTokens,
		CompressionRatio: res.CompressionRatio,
	})
	_, _ = s.journal.RecordCompact(ctx, s.id, res)
	return res
}

// Recompute rescans the items and returns the drift it corrected.
func (s *Session) Recompute(ctx context.Context) (int, error) {
	var drift int
	err := s.submit(ctx, func(ctx context.Context) {
		drift = s.tracker.Recompute()
		if drift == 0 {
			return
		}
		s.logger.WarnContext(ctx, "token total drift corrected", "session_id", s.id, "drift", drift)
		s.metrics.RecordDrift(ctx, drift)
		s.publish(bus.TopicDriftCorrected, bus.DriftCorrectedEvent{SessionID: s.id, Drift: drift})
	})
	return drift, err
}

// Reduce applies the escalation ladder as one request: at or above the
// prune threshold it prunes down to the compaction threshold, and if usage
// is still above that it compacts once.
func (s *Session) Reduce(ctx context.Context) (ReduceResult, error) {
	var rr ReduceResult
	err := s.submit(ctx, func(ctx context.Context) {
		rr.Before = s.tracker.Status()
		rr.After = rr.Before
		if rr.Before.UsagePercent < s.policy.pruneThreshold {
			return
		}

		pruned := s.runPrune(ctx, prune.StrategyTarget, func() prune.Result {
			return s.pruner.ToTarget(s.tracker, s.policy.compactThreshold, s.policy.prune)
		})
		rr.Pruned = &pruned

		if s.tracker.Status().Above(s.policy.compactThreshold) {
			compacted := s.runCompact(ctx)
			rr.Compacted = &compacted
		}
		rr.After = s.tracker.Status()
		s.logger.InfoContext(ctx, "context reduced",
			"session_id", s.id,
			"tokens_before", rr.Before.TotalTokens,
			"tokens_after", rr.After.TotalTokens,
			"usage_after", rr.After.UsagePercent,
			"compacted", rr.Compacted != nil && rr.Compacted.Compacted(),
		)
	})
	return rr, err
}

// NeedsPruning reports whether usage reached the prune threshold.
func (s *Session) NeedsPruning() bool {
	return s.tracker.Status().UsagePercent >= s.policy.pruneThreshold
}

// NeedsCompaction reports whether usage is above the compaction threshold.
func (s *Session) NeedsCompaction() bool {
	return s.tracker.Status().Above(s.policy.compactThreshold)
}

// Thresholds returns the prune and compaction thresholds the session was
// created with.
func (s *Session) Thresholds() (pruneAt, compactAt float64) {
	return s.policy.pruneThreshold, s.policy.compactThreshold
}

func (s *Session) GetStatus() window.Status { return s.tracker.Status() }
func (s *Session) Items() []window.Item     { return s.tracker.Items() }

func (s *Session) StatusSummary() string { return inspect.StatusSummary(s.tracker) }

func (s *Session) ItemsList(previewLen int) []string {
	return inspect.ItemsList(s.tracker, previewLen)
}

func (s *Session) DetailedBreakdown() inspect.Breakdown {
	return inspect.DetailedBreakdown(s.tracker)
}

func (s *Session) publish(topic string, payload any) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(topic, payload)
}
