package prune

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/basket/ctxwin/internal/tokenutil"
	"github.com/basket/ctxwin/internal/window"
)

var byteCounter = tokenutil.CounterFunc(func(_ context.Context, text, _ string) tokenutil.Result {
	return tokenutil.Result{Tokens: len(text), Scheme: tokenutil.SchemeChars}
})

// newTracker returns a tracker whose clock advances one minute per reading.
func newTracker(t *testing.T, maxTokens int) *window.Tracker {
	t.Helper()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	var mu sync.Mutex
	tick := 0
	tr, err := window.New(window.Config{
		SessionID: "prune-test",
		Model:     "test",
		MaxTokens: maxTokens,
		Counter:   byteCounter,
		Now: func() time.Time {
			mu.Lock()
			defer mu.Unlock()
			tick++
			return base.Add(time.Duration(tick) * time.Minute)
		},
	})
	if err != nil {
		t.Fatalf("window.New: %v", err)
	}
	return tr
}

func add(t *testing.T, tr *window.Tracker, kind window.Kind, tokens int, opts ...window.ItemOption) window.Item {
	t.Helper()
	it, err := tr.Add(context.Background(), kind, strings.Repeat("a", tokens), opts...)
	if err != nil {
		t.Fatalf("Add: %v", err)
	}
	return it
}

func ids(items []window.Item) []uint64 {
	out := make([]uint64, len(items))
	for i, it := range items {
		out[i] = it.ID
	}
	return out
}

func sameIDs(a, b []uint64) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// checkInvariants verifies the sum, protection and order invariants between
// a before and after snapshot.
func checkInvariants(t *testing.T, tr *window.Tracker, before []window.Item, res Result) {
	t.Helper()
	after := tr.Items()
	sum := 0
	for _, it := range after {
		sum += it.Tokens
	}
	st := tr.Status()
	if st.TotalTokens != sum {
		t.Fatalf("sum invariant: total %d, items %d", st.TotalTokens, sum)
	}
	if res.TokensFreed != res.TokensBefore-res.TokensAfter {
		t.Fatalf("TokensFreed %d != before %d - after %d", res.TokensFreed, res.TokensBefore, res.TokensAfter)
	}
	if res.TokensAfter != st.TotalTokens {
		t.Fatalf("TokensAfter %d != status %d", res.TokensAfter, st.TotalTokens)
	}

	present := make(map[uint64]bool)
	for _, it := range after {
		present[it.ID] = true
	}
	for _, it := range before {
		if it.Protected() && !present[it.ID] {
			t.Fatalf("protected item %d was removed", it.ID)
		}
	}
	// after must be a subsequence of before
	j := 0
	for _, it := range before {
		if j < len(after) && after[j].ID == it.ID {
			j++
		}
	}
	if j != len(after) {
		t.Fatalf("order invariant broken: before %v after %v", ids(before), ids(after))
	}
}

func TestToTarget_PinnedSystemPromptSurvives(t *testing.T) {
	tr := newTracker(t, 1000)
	sys := add(t, tr, window.KindSystemPrompt, 200, window.Pinned())
	for i := 0; i < 50; i++ {
		add(t, tr, window.KindUserMessage, 20)
		add(t, tr, window.KindAssistantMessage, 20)
	}
	before := tr.Items()

	res := New(nil).ToTarget(tr, 0.5, Options{KeepRecent: 4, MinImportance: 0.3})
	checkInvariants(t, tr, before, res)

	st := tr.Status()
	if st.UsagePercent > 0.5 {
		t.Fatalf("usage = %v; want <= 0.5", st.UsagePercent)
	}
	if !res.TargetReached || res.Exhausted {
		t.Fatalf("TargetReached=%v Exhausted=%v", res.TargetReached, res.Exhausted)
	}
	if _, ok := tr.Item(sys.ID); !ok {
		t.Fatal("system prompt removed")
	}
	if res.TokensFreed != 1700 || len(res.ItemsRemoved) != 85 {
		t.Fatalf("freed %d in %d items; want 1700 in 85", res.TokensFreed, len(res.ItemsRemoved))
	}
	// oldest go first when importance ties
	if res.ItemsRemoved[0] != before[1].ID {
		t.Fatalf("first removed = %d; want oldest %d", res.ItemsRemoved[0], before[1].ID)
	}
}

func TestTimeBased_RemovesLargeToolResult(t *testing.T) {
	tr := newTracker(t, 100_000)
	big := add(t, tr, window.KindToolResult, 5000)
	before := tr.Items()

	res := New(nil).TimeBased(tr, 0, 0, 0)
	checkInvariants(t, tr, before, res)
	if !sameIDs(res.ItemsRemoved, []uint64{big.ID}) {
		t.Fatalf("removed %v; want [%d]", res.ItemsRemoved, big.ID)
	}
	if res.TokensFreed != 5000 {
		t.Fatalf("TokensFreed = %d; want 5000", res.TokensFreed)
	}
	if res.Strategy != StrategyTimeBased {
		t.Fatalf("strategy = %q", res.Strategy)
	}
}

func TestAllPinned_NothingRemoved(t *testing.T) {
	tr := newTracker(t, 100)
	add(t, tr, window.KindSystemPrompt, 40)
	add(t, tr, window.KindUserMessage, 40, window.Pinned(), window.WithImportance(0))
	add(t, tr, window.KindToolResult, 40, window.Pinned(), window.WithImportance(0))
	before := tr.Items()
	p := New(nil)

	results := []Result{
		p.TimeBased(tr, 0, 0, 0),
		p.ByImportance(tr, 1.0, 0),
		p.ToolResults(tr, 0),
		p.ToTarget(tr, 0.1, Options{}),
	}
	for _, res := range results {
		if len(res.ItemsRemoved) != 0 || res.TokensFreed != 0 {
			t.Fatalf("%s removed %v", res.Strategy, res.ItemsRemoved)
		}
		checkInvariants(t, tr, before, res)
	}
	if last := results[3]; !last.Exhausted || last.TargetReached {
		t.Fatalf("ToTarget should report exhausted: %+v", last)
	}
}

func TestTimeBased_StopsAtTargetAndHonorsKeepRecent(t *testing.T) {
	tests := []struct {
		name        string
		keepRecent  int
		target      float64
		wantRemoved int
		wantReached bool
	}{
		{"stops at target", 0, 0.3, 2, true},
		{"no target removes all aged", 0, 0, 5, false},
		{"keep recent exempts tail", 2, 0, 3, false},
		{"keep recent blocks target", 4, 0.3, 1, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tr := newTracker(t, 1000)
			for i := 0; i < 5; i++ {
				add(t, tr, window.KindUserMessage, 100)
			}
			before := tr.Items()
			res := New(nil).TimeBased(tr, 0, tt.keepRecent, tt.target)
			checkInvariants(t, tr, before, res)
			if len(res.ItemsRemoved) != tt.wantRemoved {
				t.Fatalf("removed %d; want %d", len(res.ItemsRemoved), tt.wantRemoved)
			}
			if !sameIDs(res.ItemsRemoved, ids(before[:tt.wantRemoved])) {
				t.Fatalf("removed %v; want oldest first", res.ItemsRemoved)
			}
			if res.TargetReached != tt.wantReached {
				t.Fatalf("TargetReached = %v; want %v", res.TargetReached, tt.wantReached)
			}
		})
	}
}

func TestTimeBased_YoungItemsSurvive(t *testing.T) {
	tr := newTracker(t, 1000)
	old := add(t, tr, window.KindUserMessage, 10)
	for i := 0; i < 3; i++ {
		add(t, tr, window.KindUserMessage, 10)
	}
	// items sit at minutes 1..4 and the prune reads minute 5
	res := New(nil).TimeBased(tr, 4*time.Minute, 0, 0)
	if !sameIDs(res.ItemsRemoved, []uint64{old.ID}) {
		t.Fatalf("removed %v; want only %d", res.ItemsRemoved, old.ID)
	}
}

func TestByImportance(t *testing.T) {
	tr := newTracker(t, 1000)
	a := add(t, tr, window.KindUserMessage, 10, window.WithImportance(0.1))
	b := add(t, tr, window.KindAssistantMessage, 10, window.WithImportance(0.05))
	add(t, tr, window.KindUserMessage, 10, window.WithImportance(0.9))
	c := add(t, tr, window.KindToolResult, 10, window.WithImportance(0.1))
	add(t, tr, window.KindUserMessage, 10, window.WithImportance(0.0), window.Pinned())
	tail := add(t, tr, window.KindUserMessage, 10, window.WithImportance(0.0))
	before := tr.Items()

	res := New(nil).ByImportance(tr, 0.3, 1)
	checkInvariants(t, tr, before, res)
	if !sameIDs(res.ItemsRemoved, []uint64{a.ID, b.ID, c.ID}) {
		t.Fatalf("removed %v; want %v in conversation order", res.ItemsRemoved, []uint64{a.ID, b.ID, c.ID})
	}
	if _, ok := tr.Item(tail.ID); !ok {
		t.Fatal("keepRecent item removed")
	}
	if !sameIDs(ids(res.Removed), res.ItemsRemoved) {
		t.Fatal("Removed and ItemsRemoved disagree")
	}
}

func TestToolResults(t *testing.T) {
	tr := newTracker(t, 1000)
	user := add(t, tr, window.KindUserMessage, 10)
	tc1 := add(t, tr, window.KindToolCall, 10)
	tr1 := add(t, tr, window.KindToolResult, 10)
	pinned := add(t, tr, window.KindToolCall, 10, window.Pinned())
	tr2 := add(t, tr, window.KindToolResult, 10)
	asst := add(t, tr, window.KindAssistantMessage, 10)
	tc3 := add(t, tr, window.KindToolCall, 10)
	before := tr.Items()

	res := New(nil).ToolResults(tr, 1)
	checkInvariants(t, tr, before, res)
	if !sameIDs(res.ItemsRemoved, []uint64{tc1.ID, tr1.ID, tr2.ID}) {
		t.Fatalf("removed %v", res.ItemsRemoved)
	}
	want := []uint64{user.ID, pinned.ID, asst.ID, tc3.ID}
	if got := ids(tr.Items()); !sameIDs(got, want) {
		t.Fatalf("remaining %v; want %v", got, want)
	}

	// keepRecent larger than the tool count removes nothing
	res = New(nil).ToolResults(tr, 10)
	if len(res.ItemsRemoved) != 0 || res.TokensBefore != res.TokensAfter {
		t.Fatalf("unexpected removal: %+v", res)
	}
}

func TestToTarget_LowestImportanceFirst(t *testing.T) {
	tr := newTracker(t, 1000)
	add(t, tr, window.KindUserMessage, 100, window.WithImportance(0.9))
	low := add(t, tr, window.KindUserMessage, 100, window.WithImportance(0.2))
	add(t, tr, window.KindUserMessage, 100, window.WithImportance(0.5))

	res := New(nil).ToTarget(tr, 0.2, Options{})
	if !sameIDs(res.ItemsRemoved, []uint64{low.ID}) || !res.TargetReached {
		t.Fatalf("res = %+v", res)
	}
}

func TestToTarget_AgedPassBeforeImportancePass(t *testing.T) {
	tr := newTracker(t, 1000)
	old1 := add(t, tr, window.KindUserMessage, 100, window.WithImportance(0.9))
	old2 := add(t, tr, window.KindUserMessage, 100, window.WithImportance(0.9))
	low := add(t, tr, window.KindUserMessage, 100, window.WithImportance(0.1))
	add(t, tr, window.KindUserMessage, 100, window.WithImportance(0.5))

	// items at minutes 1..4, prune reads minute 5: a 3 minute age covers 1 and 2
	res := New(nil).ToTarget(tr, 0.2, Options{MaxAge: 3 * time.Minute, MinImportance: 0.3})
	if !sameIDs(res.ItemsRemoved, []uint64{old1.ID, old2.ID}) {
		t.Fatalf("removed %v; want both aged items, oldest first", res.ItemsRemoved)
	}
	if _, ok := tr.Item(low.ID); !ok {
		t.Fatal("unimportant item removed although the aged pass reached the target")
	}
	if res.Passes != 1 || !res.TargetReached {
		t.Fatalf("passes=%d reached=%v", res.Passes, res.TargetReached)
	}
}

func TestToTarget_PassOrder(t *testing.T) {
	tests := []struct {
		name       string
		target     float64
		wantOrder  []int
		wantPasses int
	}{
		// aged (0, 1), then unimportant (3 at 0.1, 2 at 0.2), then rest (5 at 0.4, 4 at 0.6);
		// removals are reported in conversation order
		{name: "aged pass only", target: 0.4, wantOrder: []int{0, 1}, wantPasses: 1},
		{name: "into importance pass", target: 0.3, wantOrder: []int{0, 1, 3}, wantPasses: 2},
		{name: "into final pass", target: 0.1, wantOrder: []int{0, 1, 2, 3, 5}, wantPasses: 3},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tr := newTracker(t, 1000)
			imps := []float64{0.1, 0.9, 0.2, 0.1, 0.6, 0.4}
			var added []window.Item
			for _, imp := range imps {
				added = append(added, add(t, tr, window.KindUserMessage, 100, window.WithImportance(imp)))
			}
			before := tr.Items()

			// items at minutes 1..6, prune reads minute 7: 5 minutes covers 1 and 2
			res := New(nil).ToTarget(tr, tt.target, Options{MaxAge: 5 * time.Minute, MinImportance: 0.3})
			checkInvariants(t, tr, before, res)
			var want []uint64
			for _, i := range tt.wantOrder {
				want = append(want, added[i].ID)
			}
			if !sameIDs(res.ItemsRemoved, want) {
				t.Fatalf("removed %v, want %v", res.ItemsRemoved, want)
			}
			if res.Passes != tt.wantPasses || !res.TargetReached {
				t.Fatalf("passes=%d reached=%v", res.Passes, res.TargetReached)
			}
		})
	}
}

func TestToTarget_AlreadyBelowTarget(t *testing.T) {
	tr := newTracker(t, 1000)
	add(t, tr, window.KindUserMessage, 100)
	res := New(nil).ToTarget(tr, 0.5, Options{})
	if !res.TargetReached || res.Exhausted || len(res.ItemsRemoved) != 0 || res.Passes != 0 {
		t.Fatalf("res = %+v", res)
	}
}

func TestToTarget_PartialResult(t *testing.T) {
	tr := newTracker(t, 100)
	add(t, tr, window.KindSystemPrompt, 80)
	small := add(t, tr, window.KindUserMessage, 10)
	before := tr.Items()

	res := New(nil).ToTarget(tr, 0.5, Options{})
	checkInvariants(t, tr, before, res)
	if !sameIDs(res.ItemsRemoved, []uint64{small.ID}) {
		t.Fatalf("removed %v", res.ItemsRemoved)
	}
	if res.TargetReached || !res.Exhausted {
		t.Fatalf("expected exhausted partial result: %+v", res)
	}
}
