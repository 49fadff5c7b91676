package session

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/basket/ctxwin/internal/audit"
	"github.com/basket/ctxwin/internal/bus"
	"github.com/basket/ctxwin/internal/compact"
	"github.com/basket/ctxwin/internal/config"
	"github.com/basket/ctxwin/internal/otel"
	"github.com/basket/ctxwin/internal/prune"
	"github.com/basket/ctxwin/internal/shared"
	"github.com/basket/ctxwin/internal/tokenutil"
	"github.com/basket/ctxwin/internal/window"
)

// byteCounter counts one token per byte so tests can size items exactly.
var byteCounter = tokenutil.CounterFunc(func(_ context.Context, text, _ string) tokenutil.Result {
	return tokenutil.Result{Tokens: len(text), Scheme: tokenutil.SchemeChars}
})

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testConfig() config.Config {
	cfg := config.Default()
	cfg.DefaultModel = "test-model"
	cfg.Models = []config.ModelConfig{{Match: "test-model", MaxTokens: 1000, Scheme: "chars"}}
	cfg.Pruning.KeepRecent = 4
	cfg.Compaction.MinSpanTokens = 100
	cfg.Compaction.KeepRecent = 0
	return cfg
}

func newManager(t *testing.T, mutate func(*Options)) *Manager {
	t.Helper()
	opts := Options{
		Config:     testConfig(),
		Counter:    byteCounter,
		Summarizer: compact.StaticSummarizer{},
		Logger:     discardLogger(),
	}
	if mutate != nil {
		mutate(&opts)
	}
	m, err := NewManager(context.Background(), opts)
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	t.Cleanup(m.Shutdown)
	return m
}

func newSession(t *testing.T, m *Manager) *Session {
	t.Helper()
	s, err := m.CreateTracker("", "")
	if err != nil {
		t.Fatalf("CreateTracker: %v", err)
	}
	return s
}

func fill(t *testing.T, s *Session, kind window.Kind, tokens int, opts ...window.ItemOption) window.Item {
	t.Helper()
	it, err := s.Add(context.Background(), kind, strings.Repeat("x", tokens), opts...)
	if err != nil {
		t.Fatalf("Add: %v", err)
	}
	return it
}

func checkSum(t *testing.T, s *Session) {
	t.Helper()
	sum := 0
	for _, it := range s.Items() {
		sum += it.Tokens
	}
	if got := s.GetStatus().TotalTokens; got != sum {
		t.Fatalf("TotalTokens = %d, items sum to %d", got, sum)
	}
}

func TestManager_CreateTrackerDefaults(t *testing.T) {
	m := newManager(t, nil)
	s := newSession(t, m)

	if _, err := uuid.Parse(s.ID()); err != nil {
		t.Fatalf("generated id %q is not a uuid: %v", s.ID(), err)
	}
	if s.Model() != "test-model" || s.MaxTokens() != 1000 {
		t.Fatalf("model=%q max=%d", s.Model(), s.MaxTokens())
	}
	got, ok := m.Get(s.ID())
	if !ok || got != s {
		t.Fatal("Get did not return the created session")
	}
	pruneAt, compactAt := s.Thresholds()
	if pruneAt != 0.8 || compactAt != 0.7 {
		t.Fatalf("thresholds = %v/%v", pruneAt, compactAt)
	}
}

func TestManager_ModelBudgets(t *testing.T) {
	m := newManager(t, nil)
	tests := []struct {
		model string
		want  int
	}{
		{"claude-sonnet-4", 200_000},
		{"gpt-4o-mini", 128_000},
		{"acme-unknown", tokenutil.DefaultMaxTokens},
	}
	for _, tt := range tests {
		s, err := m.CreateTracker("", tt.model)
		if err != nil {
			t.Fatalf("CreateTracker(%q): %v", tt.model, err)
		}
		if s.MaxTokens() != tt.want {
			t.Errorf("%s: MaxTokens = %d, want %d", tt.model, s.MaxTokens(), tt.want)
		}
	}
}

func TestManager_DuplicateSession(t *testing.T) {
	m := newManager(t, nil)
	if _, err := m.CreateTracker("s1", ""); err != nil {
		t.Fatalf("CreateTracker: %v", err)
	}
	if _, err := m.CreateTracker("s1", ""); !errors.Is(err, ErrSessionExists) {
		t.Fatalf("expected ErrSessionExists, got %v", err)
	}
}

func TestManager_CloseAndShutdown(t *testing.T) {
	b := bus.New()
	sub := b.Subscribe(bus.TopicSessionClosed)
	defer b.Unsubscribe(sub)
	m := newManager(t, func(o *Options) { o.Bus = b })

	a, _ := m.CreateTracker("a", "")
	_, _ = m.CreateTracker("b", "")
	fill(t, a, window.KindUserMessage, 30)

	if got := m.Sessions(); len(got) != 2 || got[0] != "a" || got[1] != "b" {
		t.Fatalf("Sessions = %v", got)
	}
	if !m.Close("a") {
		t.Fatal("Close(a) = false")
	}
	if m.Close("a") {
		t.Fatal("second Close(a) = true")
	}
	if _, ok := m.Get("a"); ok {
		t.Fatal("closed session still listed")
	}
	if _, err := a.AddUserMessage(context.Background(), "late"); !errors.Is(err, ErrClosed) {
		t.Fatalf("add after close = %v, want ErrClosed", err)
	}

	select {
	case ev := <-sub.Ch():
		closed := ev.Payload.(bus.SessionClosedEvent)
		if closed.SessionID != "a" || closed.TotalTokens != 30 || closed.ItemCount != 1 {
			t.Fatalf("closed event = %+v", closed)
		}
	case <-time.After(time.Second):
		t.Fatal("no session_closed event")
	}

	m.Shutdown()
	if len(m.Sessions()) != 0 {
		t.Fatalf("sessions after shutdown: %v", m.Sessions())
	}
	if _, err := m.CreateTracker("c", ""); !errors.Is(err, ErrClosed) {
		t.Fatalf("create after shutdown = %v, want ErrClosed", err)
	}
}

func TestSession_PruneToTargetKeepsSystemPrompt(t *testing.T) {
	m := newManager(t, nil)
	s := newSession(t, m)
	sys := fill(t, s, window.KindSystemPrompt, 200, window.Pinned())
	for i := 0; i < 50; i++ {
		fill(t, s, window.KindUserMessage, 20)
		fill(t, s, window.KindAssistantMessage, 20)
	}

	res, err := s.PruneToTarget(context.Background(), 0.5)
	if err != nil {
		t.Fatalf("PruneToTarget: %v", err)
	}
	st := s.GetStatus()
	if st.UsagePercent > 0.5 {
		t.Fatalf("usage %.3f above target", st.UsagePercent)
	}
	if !res.TargetReached || res.TokensFreed != res.TokensBefore-res.TokensAfter {
		t.Fatalf("result = %+v", res)
	}
	if _, ok := s.tracker.Item(sys.ID); !ok {
		t.Fatal("system prompt removed")
	}
	checkSum(t, s)
}

func TestSession_AddHelpersSetKind(t *testing.T) {
	m := newManager(t, nil)
	s := newSession(t, m)
	ctx := context.Background()

	tests := []struct {
		name           string
		add            func(context.Context, string, ...window.ItemOption) (window.Item, error)
		content        string
		opts           []window.ItemOption
		wantKind       window.Kind
		wantImportance float64
	}{
		{"system prompt", s.AddSystemPrompt, "be brief", nil, window.KindSystemPrompt, window.SystemImportance},
		{"user", s.AddUserMessage, "hello", nil, window.KindUserMessage, window.DefaultImportance},
		{"assistant", s.AddAssistantMessage, "hi there", nil, window.KindAssistantMessage, window.DefaultImportance},
		{"tool call", s.AddToolCall, `{"tool":"ls"}`, nil, window.KindToolCall, window.DefaultImportance},
		{"tool result", s.AddToolResult, "a.go b.go", []window.ItemOption{window.WithImportance(0.2)}, window.KindToolResult, 0.2},
	}
	var added []window.Item
	for _, tt := range tests {
		it, err := tt.add(ctx, tt.content, tt.opts...)
		if err != nil {
			t.Fatalf("%s: add: %v", tt.name, err)
		}
		if it.Kind != tt.wantKind || it.Content != tt.content || it.Tokens != len(tt.content) {
			t.Errorf("%s: item = %+v", tt.name, it)
		}
		if it.Importance != tt.wantImportance {
			t.Errorf("%s: importance = %v, want %v", tt.name, it.Importance, tt.wantImportance)
		}
		added = append(added, it)
	}

	items := s.Items()
	if len(items) != len(tests) {
		t.Fatalf("items = %d, want %d", len(items), len(tests))
	}
	for i, it := range items {
		if it.ID != added[i].ID || it.Kind != tests[i].wantKind {
			t.Errorf("item %d = %+v, want id %d kind %s", i, it, added[i].ID, tests[i].wantKind)
		}
	}
	checkSum(t, s)
}

func TestSession_RemoveRespectsProtection(t *testing.T) {
	m := newManager(t, nil)
	s := newSession(t, m)
	ctx := context.Background()
	sys := fill(t, s, window.KindSystemPrompt, 10)
	pinned := fill(t, s, window.KindUserMessage, 10, window.Pinned())
	plain := fill(t, s, window.KindUserMessage, 10)

	tests := []struct {
		name string
		id   uint64
		want bool
	}{
		{"system prompt", sys.ID, false},
		{"pinned", pinned.ID, false},
		{"unknown", 999, false},
		{"plain", plain.ID, true},
	}
	for _, tt := range tests {
		got, err := s.Remove(ctx, tt.id)
		if err != nil || got != tt.want {
			t.Errorf("%s: Remove = (%v, %v), want %v", tt.name, got, err, tt.want)
		}
	}

	if ok, _ := s.Unpin(ctx, pinned.ID); !ok {
		t.Fatal("Unpin failed")
	}
	if ok, _ := s.Remove(ctx, pinned.ID); !ok {
		t.Fatal("unpinned item not removable")
	}
	if ok, _ := s.Unpin(ctx, sys.ID); !ok {
		t.Fatal("Unpin of system prompt should succeed as a no-op")
	}
	if ok, _ := s.Remove(ctx, sys.ID); ok {
		t.Fatal("system prompt removed after unpin")
	}
	checkSum(t, s)
}

func TestSession_ReduceBelowThresholdIsNoop(t *testing.T) {
	m := newManager(t, nil)
	s := newSession(t, m)
	fill(t, s, window.KindUserMessage, 500)

	if s.NeedsPruning() {
		t.Fatal("NeedsPruning at 50%")
	}
	rr, err := s.Reduce(context.Background())
	if err != nil {
		t.Fatalf("Reduce: %v", err)
	}
	if rr.Pruned != nil || rr.Compacted != nil || rr.TokensFreed() != 0 {
		t.Fatalf("unexpected reduction %+v", rr)
	}
}

func TestSession_ReducePruningSuffices(t *testing.T) {
	m := newManager(t, nil)
	s := newSession(t, m)
	for i := 0; i < 10; i++ {
		fill(t, s, window.KindUserMessage, 85)
	}
	if !s.NeedsPruning() {
		t.Fatal("expected NeedsPruning at 85%")
	}

	rr, err := s.Reduce(context.Background())
	if err != nil {
		t.Fatalf("Reduce: %v", err)
	}
	if rr.Pruned == nil || !rr.Pruned.TargetReached {
		t.Fatalf("prune step = %+v", rr.Pruned)
	}
	if rr.Compacted != nil {
		t.Fatalf("compaction ran although pruning reached the target")
	}
	if rr.After.UsagePercent > 0.7 || s.NeedsCompaction() {
		t.Fatalf("usage after reduce = %.3f", rr.After.UsagePercent)
	}
	checkSum(t, s)
}

func TestSession_ReduceEscalatesToCompaction(t *testing.T) {
	m := newManager(t, nil)
	s := newSession(t, m)
	fill(t, s, window.KindSystemPrompt, 100)
	for i := 0; i < 4; i++ {
		fill(t, s, window.KindUserMessage, 200)
	}

	rr, err := s.Reduce(context.Background())
	if err != nil {
		t.Fatalf("Reduce: %v", err)
	}
	if rr.Pruned == nil || len(rr.Pruned.ItemsRemoved) != 0 || !rr.Pruned.Exhausted {
		t.Fatalf("keep_recent should leave nothing to prune: %+v", rr.Pruned)
	}
	if rr.Compacted == nil || !rr.Compacted.Compacted() {
		t.Fatalf("compaction did not run: %+v", rr.Compacted)
	}
	summary := "[Summary of 4 earlier messages]"
	if rr.After.TotalTokens != 100+len(summary) {
		t.Fatalf("tokens after = %d", rr.After.TotalTokens)
	}
	items := s.Items()
	if len(items) != 2 || items[1].Kind != window.KindSummary || items[1].Content != summary {
		t.Fatalf("items after reduce = %+v", items)
	}
	checkSum(t, s)
}

func TestSession_CompactFailureReportedAndJournaled(t *testing.T) {
	j, err := audit.Open(filepath.Join(t.TempDir(), "audit.db"), discardLogger())
	if err != nil {
		t.Fatalf("open journal: %v", err)
	}
	defer j.Close()
	b := bus.New()
	sub := b.Subscribe(bus.TopicCompactFailed)
	defer b.Unsubscribe(sub)

	failing := compact.SummarizerFunc(func(context.Context, compact.SummaryRequest) (string, error) {
		return "", errors.New("upstream 503 overloaded")
	})
	m := newManager(t, func(o *Options) {
		o.Summarizer = failing
		o.Journal = j
		o.Bus = b
	})
	s := newSession(t, m)
	for i := 0; i < 3; i++ {
		fill(t, s, window.KindUserMessage, 200)
	}
	before := s.Items()

	res, err := s.Compact(context.Background())
	if err != nil {
		t.Fatalf("Compact: %v", err)
	}
	if res.Err == nil || !errors.Is(res.Err, compact.ErrSummarizationFailed) || !res.Retryable {
		t.Fatalf("result = %+v", res)
	}
	if res.Compacted() {
		t.Fatal("failed compaction reported items")
	}
	after := s.Items()
	if len(after) != len(before) {
		t.Fatalf("items changed: %d -> %d", len(before), len(after))
	}
	for i := range before {
		if before[i].ID != after[i].ID || before[i].Content != after[i].Content {
			t.Fatalf("item %d changed", i)
		}
	}

	select {
	case ev := <-sub.Ch():
		failed := ev.Payload.(bus.CompactFailedEvent)
		if failed.SessionID != s.ID() || !failed.Retryable {
			t.Fatalf("failed event = %+v", failed)
		}
	case <-time.After(time.Second):
		t.Fatal("no compact_failed event")
	}

	events, err := j.Events(context.Background(), s.ID(), 0)
	if err != nil || len(events) != 1 || events[0].Error == "" {
		t.Fatalf("journal events = %+v, %v", events, err)
	}
}

func TestSession_PruneIsJournaledWithArchive(t *testing.T) {
	j, err := audit.Open(filepath.Join(t.TempDir(), "audit.db"), discardLogger())
	if err != nil {
		t.Fatalf("open journal: %v", err)
	}
	defer j.Close()
	m := newManager(t, func(o *Options) { o.Journal = j })
	s := newSession(t, m)
	ctx := context.Background()

	fill(t, s, window.KindToolCall, 10)
	old := fill(t, s, window.KindToolResult, 300)
	fill(t, s, window.KindToolCall, 10)
	fill(t, s, window.KindToolResult, 20)

	res, err := s.PruneToolResults(shared.WithTraceID(ctx, "trace-abc"), 2)
	if err != nil {
		t.Fatalf("PruneToolResults: %v", err)
	}
	if len(res.ItemsRemoved) != 2 || res.TokensFreed != 310 {
		t.Fatalf("result = %+v", res)
	}

	events, err := j.Events(ctx, s.ID(), 0)
	if err != nil || len(events) != 1 {
		t.Fatalf("events = %+v, %v", events, err)
	}
	if events[0].Strategy != string(prune.StrategyToolResults) {
		t.Fatalf("strategy = %q", events[0].Strategy)
	}
	if events[0].TraceID != "trace-abc" {
		t.Fatalf("trace id = %q, want the caller's", events[0].TraceID)
	}
	archived, err := j.Archived(ctx, events[0].ID)
	if err != nil {
		t.Fatalf("archived: %v", err)
	}
	found := false
	for _, a := range archived {
		if a.ID == old.ID && a.Tokens == 300 {
			found = true
		}
	}
	if !found {
		t.Fatalf("removed tool result not archived: %+v", archived)
	}
}

func TestSession_PublishesItemEvents(t *testing.T) {
	b := bus.New()
	sub := b.Subscribe("context.item_")
	defer b.Unsubscribe(sub)
	m := newManager(t, func(o *Options) { o.Bus = b })
	s := newSession(t, m)
	ctx := context.Background()

	it, err := s.AddUserMessage(ctx, "hello")
	if err != nil {
		t.Fatalf("AddUserMessage: %v", err)
	}
	if _, err := s.Remove(ctx, it.ID); err != nil {
		t.Fatalf("Remove: %v", err)
	}

	want := []string{bus.TopicItemAdded, bus.TopicItemRemoved}
	for _, topic := range want {
		select {
		case ev := <-sub.Ch():
			if ev.Topic != topic {
				t.Fatalf("topic = %q, want %q", ev.Topic, topic)
			}
			if added, ok := ev.Payload.(bus.ItemAddedEvent); ok {
				if added.Tokens != 5 || added.TotalTokens != 5 || added.UsagePercent != 0.005 {
					t.Fatalf("added event = %+v", added)
				}
			}
		case <-time.After(time.Second):
			t.Fatalf("missing %s event", topic)
		}
	}
}

func TestSession_ConcurrentAddsKeepExactTotals(t *testing.T) {
	m := newManager(t, nil)
	s := newSession(t, m)
	ctx := context.Background()

	var wg sync.WaitGroup
	for g := 0; g < 20; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 10; i++ {
				if _, err := s.AddUserMessage(ctx, "abcd"); err != nil {
					t.Errorf("add: %v", err)
				}
				_ = s.GetStatus()
			}
		}()
	}
	wg.Wait()

	st := s.GetStatus()
	if st.ItemCount != 200 || st.TotalTokens != 800 {
		t.Fatalf("status = %d items, %d tokens", st.ItemCount, st.TotalTokens)
	}
	if drift, err := s.Recompute(ctx); err != nil || drift != 0 {
		t.Fatalf("Recompute = (%d, %v)", drift, err)
	}
	checkSum(t, s)
}

func TestSession_MutationsRunInArrivalOrder(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	slow := compact.SummarizerFunc(func(ctx context.Context, req compact.SummaryRequest) (string, error) {
		close(started)
		<-release
		return "short", nil
	})
	m := newManager(t, func(o *Options) { o.Summarizer = slow })
	s := newSession(t, m)
	for i := 0; i < 3; i++ {
		fill(t, s, window.KindUserMessage, 200)
	}

	compacted := make(chan compact.Result, 1)
	go func() {
		res, _ := s.Compact(context.Background())
		compacted <- res
	}()
	<-started

	added := make(chan error, 1)
	go func() {
		_, err := s.AddUserMessage(context.Background(), "tail")
		added <- err
	}()
	select {
	case <-added:
		t.Fatal("add finished while compaction held the session")
	case <-time.After(50 * time.Millisecond):
	}

	close(release)
	if res := <-compacted; !res.Compacted() {
		t.Fatalf("compaction failed: %v", res.Err)
	}
	if err := <-added; err != nil {
		t.Fatalf("add: %v", err)
	}
	items := s.Items()
	if len(items) != 2 || items[0].Kind != window.KindSummary || items[1].Content != "tail" {
		t.Fatalf("items = %+v", items)
	}
	// Reads are not queued behind the actor.
	if st := s.GetStatus(); st.TotalTokens != len("short")+len("tail") {
		t.Fatalf("total = %d", st.TotalTokens)
	}
}

func TestSession_CancelledContextChangesNothing(t *testing.T) {
	m := newManager(t, nil)
	s := newSession(t, m)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := s.AddUserMessage(ctx, "hello"); !errors.Is(err, context.Canceled) {
		t.Fatalf("add with cancelled ctx = %v", err)
	}
	if _, err := s.Compact(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("compact with cancelled ctx = %v", err)
	}
	if st := s.GetStatus(); st.ItemCount != 0 {
		t.Fatalf("items = %d", st.ItemCount)
	}
}

func TestSession_InspectorViews(t *testing.T) {
	m := newManager(t, nil)
	s := newSession(t, m)
	fill(t, s, window.KindSystemPrompt, 100)
	fill(t, s, window.KindToolResult, 50)

	if got := s.StatusSummary(); !strings.Contains(got, "150/1000 tokens") {
		t.Fatalf("StatusSummary = %q", got)
	}
	if lines := s.ItemsList(20); len(lines) != 2 {
		t.Fatalf("ItemsList = %v", lines)
	}
	b := s.DetailedBreakdown()
	if b.SystemTokens != 100 || b.ToolTokens != 50 || b.TotalTokens != 150 {
		t.Fatalf("breakdown = %+v", b)
	}
}

func TestSession_MetricsRecorded(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	p, err := otel.Init(context.Background(), otel.Config{Enabled: true, Exporter: "none", MetricReader: reader})
	if err != nil {
		t.Fatalf("otel.Init: %v", err)
	}
	defer p.Shutdown(context.Background())
	metrics, err := otel.NewMetrics(p.Meter)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	m := newManager(t, func(o *Options) {
		o.Metrics = metrics
		o.Tracer = p.Tracer
	})
	s := newSession(t, m)
	fill(t, s, window.KindToolResult, 300)
	fill(t, s, window.KindToolResult, 40)
	if _, err := s.PruneToolResults(context.Background(), 1); err != nil {
		t.Fatalf("PruneToolResults: %v", err)
	}

	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect: %v", err)
	}
	sums := map[string]int64{}
	for _, sm := range rm.ScopeMetrics {
		for _, md := range sm.Metrics {
			if data, ok := md.Data.(metricdata.Sum[int64]); ok {
				for _, dp := range data.DataPoints {
					sums[md.Name] += dp.Value
				}
			}
		}
	}
	if sums["ctxwin.tokens.added"] != 340 {
		t.Errorf("tokens.added = %d, want 340", sums["ctxwin.tokens.added"])
	}
	if sums["ctxwin.tokens.freed"] != 300 {
		t.Errorf("tokens.freed = %d, want 300", sums["ctxwin.tokens.freed"])
	}
	if sums["ctxwin.sessions.active"] != 1 {
		t.Errorf("sessions.active = %d, want 1", sums["ctxwin.sessions.active"])
	}
}
