// Package compact replaces a contiguous span of context items with a single
// summary item produced by an external summarizer.
package compact

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/zeebo/blake3"

	"github.com/basket/ctxwin/internal/window"
)

const (
	DefaultMinSpanTokens = 1000
	DefaultTimeout       = 30 * time.Second
	DefaultTargetRatio   = 0.2
)

// Options controls span selection and the summarizer call.
type Options struct {
	// MinSpanTokens is the size a span must exceed to be worth summarizing.
	MinSpanTokens int
	Timeout       time.Duration
	// TargetRatio sets the length hint passed to the summarizer as a
	// fraction of the span's tokens.
	TargetRatio float64
	// KeepRecent leaves the most recent unprotected items out of any span.
	KeepRecent int
}

func (o Options) withDefaults() Options {
	if o.MinSpanTokens <= 0 {
		o.MinSpanTokens = DefaultMinSpanTokens
	}
	if o.Timeout <= 0 {
		o.Timeout = DefaultTimeout
	}
	if o.TargetRatio <= 0 || o.TargetRatio >= 1 {
		o.TargetRatio = DefaultTargetRatio
	}
	if o.KeepRecent < 0 {
		o.KeepRecent = 0
	}
	return o
}

// Result describes one compaction attempt. A failed attempt changes nothing
// and reports Err; ItemsCompacted is then empty.
type Result struct {
	ItemsCompacted   []uint64
	Replaced         []window.Item
	Summary          window.Item
	OriginalTokens   int
	SummaryTokens    int
	TokensSaved      int
	CompressionRatio float64
	Duration         time.Duration

	Err        error
	ErrorClass ErrorClass
	Retryable  bool
}

// Compacted reports whether a span was replaced.
func (r Result) Compacted() bool {
	return len(r.ItemsCompacted) > 0
}

// Compactor summarizes spans of a tracker.
type Compactor struct {
	summarizer Summarizer
	name       string
	opts       Options
	logger     *slog.Logger
}

// New creates a Compactor. A nil summarizer falls back to StaticSummarizer.
func New(s Summarizer, opts Options, logger *slog.Logger) *Compactor {
	if s == nil {
		s = StaticSummarizer{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Compactor{
		summarizer: s,
		name:       summarizerName(s),
		opts:       opts.withDefaults(),
		logger:     logger,
	}
}

// Options returns the effective options.
func (c *Compactor) Options() Options { return c.opts }

// Compact finds the largest eligible span in t, summarizes it and replaces
// it with one summary item. The summarizer runs without holding the
// tracker lock; if the span changed in the meantime the attempt is dropped.
// Calling Compact when no span qualifies is a no-op.
func (c *Compactor) Compact(ctx context.Context, t *window.Tracker) Result {
	started := time.Now()
	var span []window.Item
	t.View(func(items []window.Item, _ window.Status) {
		start, end, ok := FindSpan(items, c.opts.MinSpanTokens, c.opts.KeepRecent)
		if ok {
			span = append([]window.Item(nil), items[start:end]...)
		}
	})
	if len(span) == 0 {
		c.logger.Debug("no compactable span", "session_id", t.SessionID(), "min_span_tokens", c.opts.MinSpanTokens)
		return Result{}
	}

	ids := make([]uint64, len(span))
	original := 0
	for i, it := range span {
		ids[i] = it.ID
		original += it.Tokens
	}
	target := int(float64(original) * c.opts.TargetRatio)
	if target < 1 {
		target = 1
	}

	req := SummaryRequest{
		SessionID:      t.SessionID(),
		Text:           renderSpan(span),
		ItemCount:      len(span),
		OriginalTokens: original,
		TargetTokens:   target,
	}
	text, err := c.summarize(ctx, req)
	if err != nil {
		return c.fail(t, "summarize", fmt.Errorf("%w: %w", ErrSummarizationFailed, err), original, started)
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return c.fail(t, "summarize", fmt.Errorf("%w: empty summary", ErrSummarizationFailed), original, started)
	}

	counted := t.Count(ctx, text)
	if counted.Tokens >= original {
		return c.fail(t, "summarize", fmt.Errorf("%w: %d >= %d tokens", ErrNoReduction, counted.Tokens, original), original, started)
	}
	if err := ctx.Err(); err != nil {
		return c.fail(t, "apply", err, original, started)
	}

	var summary window.Item
	err = t.Update(func(tx *window.Txn) error {
		var err error
		summary, err = tx.ReplaceSpan(ids, window.Replacement{
			Content:   text,
			Tokens:    counted.Tokens,
			Estimated: counted.Estimated,
			Provenance: window.Provenance{
				OriginalTokens: original,
				Digest:         Digest(span),
				Summarizer:     c.name,
			},
		})
		return err
	})
	if err != nil {
		return c.fail(t, "apply", err, original, started)
	}

	res := Result{
		ItemsCompacted:   ids,
		Replaced:         span,
		Summary:          summary,
		OriginalTokens:   original,
		SummaryTokens:    summary.Tokens,
		TokensSaved:      original - summary.Tokens,
		CompressionRatio: float64(summary.Tokens) / float64(original),
		Duration:         time.Since(started),
	}
	c.logger.Info("context compacted",
		"session_id", t.SessionID(),
		"items_compacted", len(ids),
		"first_id", ids[0],
		"last_id", ids[len(ids)-1],
		"original_tokens", original,
		"summary_tokens", summary.Tokens,
		"compression_ratio", res.CompressionRatio,
		"summarizer", c.name)
	return res
}

// summarize calls the summarizer under the configured timeout. The call is
// abandoned when the deadline passes even if the summarizer ignores ctx.
func (c *Compactor) summarize(ctx context.Context, req SummaryRequest) (string, error) {
	sctx, cancel := context.WithTimeout(ctx, c.opts.Timeout)
	defer cancel()

	type outcome struct {
		text string
		err  error
	}
	done := make(chan outcome, 1)
	go func() {
		text, err := c.summarizer.Summarize(sctx, req)
		done <- outcome{text: text, err: err}
	}()

	select {
	case o := <-done:
		if o.err != nil && ctx.Err() == nil && errors.Is(sctx.Err(), context.DeadlineExceeded) {
			return "", ErrTimeout
		}
		return o.text, o.err
	case <-sctx.Done():
		if err := ctx.Err(); err != nil {
			return "", err
		}
		return "", ErrTimeout
	}
}

func (c *Compactor) fail(t *window.Tracker, op string, err error, original int, started time.Time) Result {
	class := ClassifyError(err)
	res := Result{
		OriginalTokens: original,
		Duration:       time.Since(started),
		Err:            &Error{Op: op, SessionID: t.SessionID(), Err: err},
		ErrorClass:     class,
		Retryable:      class.Retryable(),
	}
	c.logger.Warn("compaction skipped",
		"session_id", t.SessionID(),
		"op", op,
		"error", err,
		"error_class", string(class),
		"retryable", res.Retryable)
	return res
}

// FindSpan returns the [start, end) bounds of the contiguous run of
// unprotected items with the largest token total, ties going to the
// earliest run. A run qualifies when its total exceeds minSpanTokens and it
// holds at least one item that is not already a summary, so a lone summary
// is never summarized again. The keepRecent most recent unprotected items
// are left out of every run.
func FindSpan(items []window.Item, minSpanTokens, keepRecent int) (start, end int, ok bool) {
	limit := len(items)
	for kept := 0; limit > 0 && kept < keepRecent; limit-- {
		if !items[limit-1].Protected() {
			kept++
		}
	}

	best := 0
	runStart, runTokens, fresh := -1, 0, false
	closeRun := func(i int) {
		if runStart >= 0 && fresh && runTokens > minSpanTokens && runTokens > best {
			start, end, best, ok = runStart, i, runTokens, true
		}
		runStart, runTokens, fresh = -1, 0, false
	}
	for i := 0; i < limit; i++ {
		it := items[i]
		if it.Protected() {
			closeRun(i)
			continue
		}
		if runStart < 0 {
			runStart = i
		}
		runTokens += it.Tokens
		if it.Kind != window.KindSummary {
			fresh = true
		}
	}
	closeRun(limit)
	return start, end, ok
}

func renderSpan(span []window.Item) string {
	var sb strings.Builder
	for _, it := range span {
		sb.WriteString(string(it.Kind))
		sb.WriteString(": ")
		sb.WriteString(it.Content)
		sb.WriteString("\n")
	}
	return sb.String()
}

// Digest is the BLAKE3 hash of a span's ids, kinds and contents, so a
// summary can later be matched to the archived originals.
func Digest(span []window.Item) string {
	h := blake3.New()
	for _, it := range span {
		fmt.Fprintf(h, "%d\x00%s\x00%d\x00", it.ID, it.Kind, len(it.Content))
		_, _ = h.Write([]byte(it.Content))
	}
	return hex.EncodeToString(h.Sum(nil))
}
