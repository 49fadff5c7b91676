package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/basket/ctxwin/internal/bus"
	"github.com/basket/ctxwin/internal/compact"
	otelPkg "github.com/basket/ctxwin/internal/otel"
	"github.com/basket/ctxwin/internal/pricing"
	"github.com/basket/ctxwin/internal/prune"
	"github.com/basket/ctxwin/internal/session"
	"github.com/basket/ctxwin/internal/window"
)

// transcript is the YAML document replay reads.
type transcript struct {
	SessionID string           `yaml:"session_id"`
	Model     string           `yaml:"model"`
	Items     []transcriptItem `yaml:"items"`
}

type transcriptItem struct {
	Kind       string   `yaml:"kind"`
	Content    string   `yaml:"content"`
	Pinned     bool     `yaml:"pinned"`
	Importance *float64 `yaml:"importance"`
	// Age is how long before the replay the item was added, e.g. "45m".
	Age string `yaml:"age"`

	age time.Duration
}

func loadTranscript(path string) (transcript, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return transcript{}, fmt.Errorf("read transcript: %w", err)
	}
	var tr transcript
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&tr); err != nil {
		return transcript{}, fmt.Errorf("parse transcript: %w", err)
	}
	if len(tr.Items) == 0 {
		return transcript{}, errors.New("transcript has no items")
	}
	for i := range tr.Items {
		it := &tr.Items[i]
		kind := window.Kind(it.Kind)
		if !kind.Valid() || kind == window.KindSummary {
			return transcript{}, fmt.Errorf("item %d: invalid kind %q", i+1, it.Kind)
		}
		if it.Importance != nil && (*it.Importance < 0 || *it.Importance > 1) {
			return transcript{}, fmt.Errorf("item %d: importance %g outside [0, 1]", i+1, *it.Importance)
		}
		if it.Age != "" {
			d, err := time.ParseDuration(it.Age)
			if err != nil || d < 0 {
				return transcript{}, fmt.Errorf("item %d: invalid age %q", i+1, it.Age)
			}
			it.age = d
		}
	}
	return tr, nil
}

// replayClock lets items carry their transcript age while the session
// otherwise sees the replay start time.
type replayClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *replayClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *replayClock) Set(t time.Time) {
	c.mu.Lock()
	c.now = t
	c.mu.Unlock()
}

type replayOptions struct {
	strategy      string
	target        float64
	keepRecent    int
	maxAge        time.Duration
	minImportance float64
	preview       int
	events        bool
	metrics       bool
	noColor       bool
}

var replayStrategies = []string{"reduce", "target", "time", "importance", "tool-results", "compact", "none"}

func runReplayCommand(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	var (
		home string
		opts replayOptions
	)
	fs := newFlagSet("replay", &home, stderr)
	fs.StringVarP(&opts.strategy, "strategy", "s", "reduce", "reduction to run: "+strings.Join(replayStrategies, ", "))
	fs.Float64Var(&opts.target, "target", 0, "usage fraction to prune down to; the target strategy defaults to the compaction threshold")
	fs.IntVar(&opts.keepRecent, "keep-recent", -1, "trailing items to spare (default: pruning.keep_recent)")
	fs.DurationVar(&opts.maxAge, "max-age", 30*time.Minute, "age limit for the time strategy")
	fs.Float64Var(&opts.minImportance, "min-importance", -1, "importance floor for the importance strategy (default: pruning.min_importance)")
	fs.IntVar(&opts.preview, "preview", 60, "characters of content shown per item")
	fs.BoolVar(&opts.events, "events", false, "print the events published during the replay")
	fs.BoolVar(&opts.metrics, "metrics", false, "print the collected metrics (enables telemetry with no span export if it is off)")
	fs.BoolVar(&opts.noColor, "no-color", false, "disable styled output")
	if code, done := parseFlags(fs, args); done {
		return code
	}
	if fs.NArg() != 1 {
		fmt.Fprintln(stderr, "usage: ctxwin replay [flags] <transcript.yaml>")
		return exitUsage
	}
	if !validStrategy(opts.strategy) {
		fmt.Fprintf(stderr, "unknown strategy %q (want one of %s)\n", opts.strategy, strings.Join(replayStrategies, ", "))
		return exitUsage
	}

	tr, err := loadTranscript(fs.Arg(0))
	if err != nil {
		fmt.Fprintf(stderr, "replay: %v\n", err)
		return exitError
	}
	cfg, err := loadConfig(home)
	if err != nil {
		fmt.Fprintf(stderr, "config load: %v\n", err)
		return exitError
	}
	if opts.keepRecent < 0 {
		opts.keepRecent = cfg.Pruning.KeepRecent
	}
	if opts.minImportance < 0 {
		opts.minImportance = cfg.Pruning.MinImportance
	}
	if !fs.Changed("target") && opts.strategy == "target" {
		opts.target = cfg.Compaction.Threshold
	}

	if opts.metrics && !cfg.Telemetry.Enabled {
		cfg.Telemetry.Enabled = true
		cfg.Telemetry.Exporter = "none"
	}
	if cfg.Telemetry.Exporter == "stdout" {
		cfg.Telemetry.SpanWriter = stderr
	}

	clock := &replayClock{now: time.Now()}
	rt, err := newRuntime(ctx, cfg, session.Options{Now: clock.Now})
	if err != nil {
		fmt.Fprintf(stderr, "startup: %v\n", err)
		return exitError
	}
	defer rt.Close()

	if err := replay(ctx, rt, tr, clock, opts, newRenderer(stdout, useColor(stdout, opts.noColor))); err != nil {
		fmt.Fprintf(stderr, "replay: %v\n", err)
		return exitError
	}
	return exitOK
}

func validStrategy(s string) bool {
	for _, v := range replayStrategies {
		if v == s {
			return true
		}
	}
	return false
}

func replay(ctx context.Context, rt *runtime, tr transcript, clock *replayClock, opts replayOptions, out *renderer) error {
	s, err := rt.manager.CreateTracker(tr.SessionID, tr.Model)
	if err != nil {
		return err
	}
	var sub *bus.Subscription
	if opts.events {
		// Room for every add plus the reduction events.
		sub = rt.bus.Subscribe("context.", bus.ForSession(s.ID()), bus.WithBuffer(2*len(tr.Items)+16))
		defer rt.bus.Unsubscribe(sub)
	}
	start := clock.Now()
	for i, it := range tr.Items {
		var itemOpts []window.ItemOption
		if it.Pinned {
			itemOpts = append(itemOpts, window.Pinned())
		}
		if it.Importance != nil {
			itemOpts = append(itemOpts, window.WithImportance(*it.Importance))
		}
		clock.Set(start.Add(-it.age))
		if _, err := s.Add(ctx, window.Kind(it.Kind), it.Content, itemOpts...); err != nil {
			return fmt.Errorf("item %d: %w", i+1, err)
		}
	}
	clock.Set(start)

	pruneAt, compactAt := s.Thresholds()
	before := s.GetStatus()
	out.heading("Before")
	out.line("%s", out.usage(before, pruneAt, compactAt, s.StatusSummary()))
	out.line("")

	if err := applyStrategy(ctx, s, opts, out); err != nil {
		return err
	}

	after := s.GetStatus()
	out.line("")
	out.heading("After")
	out.line("%s", out.usage(after, pruneAt, compactAt, s.StatusSummary()))
	if was, ok := pricing.PromptCost(after.Model, before.TotalTokens); ok && before.TotalTokens != after.TotalTokens {
		now, _ := pricing.PromptCost(after.Model, after.TotalTokens)
		out.dimLine(fmt.Sprintf("prompt cost per request: $%.4f -> $%.4f", was, now))
	}
	out.line("")
	out.heading("Items")
	for _, l := range s.ItemsList(opts.preview) {
		out.line("%s", l)
	}
	out.line("")
	out.heading("Breakdown")
	out.block(s.DetailedBreakdown().Format())

	auditor, err := session.NewDriftAuditor(session.DriftAuditorConfig{
		Manager:  rt.manager,
		Schedule: rt.cfg.DriftAuditSchedule,
		Logger:   rt.logger,
	})
	if err != nil {
		return err
	}
	checked, corrected := auditor.RunOnce(ctx)
	out.dimLine(fmt.Sprintf("drift audit: %d checked, %d corrected", checked, corrected))

	if sub != nil {
		out.line("")
		out.heading("Events")
		printEvents(out, sub)
	}
	if opts.metrics {
		points, err := rt.provider.Snapshot(ctx)
		if err != nil {
			return err
		}
		out.line("")
		out.heading("Metrics")
		printMetrics(out, points)
	}
	return nil
}

func printMetrics(out *renderer, points []otelPkg.MetricPoint) {
	rows := make([][]string, 0, len(points))
	for _, pt := range points {
		value := strconv.FormatFloat(pt.Value, 'f', -1, 64)
		if pt.Count > 0 {
			value = fmt.Sprintf("%d obs, sum %.4g", pt.Count, pt.Value)
		}
		rows = append(rows, []string{pt.Name, pt.Attrs, value})
	}
	out.table([]string{"METRIC", "ATTRIBUTES", "VALUE"}, rows)
}

func applyStrategy(ctx context.Context, s *session.Session, opts replayOptions, out *renderer) error {
	var (
		pr  prune.Result
		err error
	)
	switch opts.strategy {
	case "none":
		out.dimLine("no reduction requested")
		return nil
	case "reduce":
		rr, err := s.Reduce(ctx)
		if err != nil {
			return err
		}
		if rr.Pruned == nil {
			out.dimLine("below the prune threshold, nothing to do")
			return nil
		}
		printPrune(out, *rr.Pruned)
		if rr.Compacted != nil {
			printCompact(out, *rr.Compacted)
		}
		out.line("freed %d tokens in total", rr.TokensFreed())
		return nil
	case "compact":
		res, err := s.Compact(ctx)
		if err != nil {
			return err
		}
		printCompact(out, res)
		return nil
	case "target":
		pr, err = s.PruneToTarget(ctx, opts.target)
	case "time":
		pr, err = s.PruneTimeBased(ctx, opts.maxAge, opts.keepRecent, opts.target)
	case "importance":
		pr, err = s.PruneByImportance(ctx, opts.minImportance, opts.keepRecent)
	case "tool-results":
		pr, err = s.PruneToolResults(ctx, opts.keepRecent)
	}
	if err != nil {
		return err
	}
	printPrune(out, pr)
	return nil
}

func printPrune(out *renderer, res prune.Result) {
	msg := fmt.Sprintf("prune (%s): removed %d items, freed %d tokens (%d -> %d)",
		res.Strategy, len(res.ItemsRemoved), res.TokensFreed, res.TokensBefore, res.TokensAfter)
	switch {
	case res.TargetReached:
		msg += ", target reached"
	case res.Exhausted:
		msg = out.style(out.warn, msg+", nothing left to remove")
	}
	out.line("%s", msg)
}

func printCompact(out *renderer, res compact.Result) {
	switch {
	case res.Err != nil:
		retry := "not retryable"
		if res.Retryable {
			retry = "retryable"
		}
		out.line("%s", out.style(out.bad, fmt.Sprintf("compact failed (%s, %s): %v", res.ErrorClass, retry, res.Err)))
	case res.Compacted():
		out.line("compact: %d items -> summary #%d, %d -> %d tokens (ratio %.2f, %s)",
			len(res.ItemsCompacted), res.Summary.ID, res.OriginalTokens, res.SummaryTokens,
			res.CompressionRatio, res.Duration.Round(time.Millisecond))
	default:
		out.dimLine("compact: no eligible span")
	}
}

// printEvents drains what the bus delivered so far, grouped by topic.
func printEvents(out *renderer, sub *bus.Subscription) {
	counts := map[string]int{}
	for {
		select {
		case ev := <-sub.Ch():
			counts[ev.Topic]++
			if ev.Topic != bus.TopicItemAdded {
				out.line("%-26s %+v", ev.Topic, ev.Payload)
			}
			continue
		default:
		}
		break
	}
	topics := make([]string, 0, len(counts))
	for topic := range counts {
		topics = append(topics, topic)
	}
	sort.Strings(topics)
	for _, topic := range topics {
		out.dimLine(fmt.Sprintf("%s x%d", topic, counts[topic]))
	}
	if n := sub.Dropped(); n > 0 {
		out.line("%s", out.style(out.warn, fmt.Sprintf("%d events dropped", n)))
	}
}
