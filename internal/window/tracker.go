// Package window tracks the items of one session's context window and keeps
// exact running token totals for them.
package window

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/basket/ctxwin/internal/tokenutil"
)

var (
	// ErrInvalidKind is returned by Add for kinds callers may not append.
	ErrInvalidKind = errors.New("invalid item kind")
	// ErrContextWindowFull is available to callers that want to refuse work
	// once Status.Full is set. The tracker itself never refuses an Add.
	ErrContextWindowFull = errors.New("context window full")
	// ErrSpanChanged means a replacement span is no longer present or no
	// longer contiguous.
	ErrSpanChanged = errors.New("span changed")
	// ErrProtected means a mutation would touch a pinned or system item.
	ErrProtected = errors.New("item is protected")
)

// Config describes a tracker.
type Config struct {
	SessionID string
	Model     string
	MaxTokens int
	Counter   tokenutil.Counter
	// Now overrides the clock, mostly for tests.
	Now func() time.Time
}

// Tracker holds the ordered items of one session. All methods are safe for
// concurrent use; reads share a lock and never see a half-applied mutation.
type Tracker struct {
	sessionID string
	model     string
	maxTokens int
	counter   tokenutil.Counter
	now       func() time.Time

	mu     sync.RWMutex
	items  []Item
	nextID uint64
	totals totals
}

type totals struct {
	all       int
	byKind    map[Kind]int
	pinned    int
	estimated int
}

func (t *totals) add(it Item) {
	t.all += it.Tokens
	t.byKind[it.Kind] += it.Tokens
	if it.Pinned {
		t.pinned += it.Tokens
	}
	if it.Estimated {
		t.estimated++
	}
}

func (t *totals) sub(it Item) {
	t.all -= it.Tokens
	t.byKind[it.Kind] -= it.Tokens
	if it.Pinned {
		t.pinned -= it.Tokens
	}
	if it.Estimated {
		t.estimated--
	}
}

// New creates an empty tracker.
func New(cfg Config) (*Tracker, error) {
	if cfg.Counter == nil {
		return nil, fmt.Errorf("tracker: counter is required")
	}
	if cfg.MaxTokens <= 0 {
		return nil, fmt.Errorf("tracker: max tokens must be positive, got %d", cfg.MaxTokens)
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Tracker{
		sessionID: cfg.SessionID,
		model:     cfg.Model,
		maxTokens: cfg.MaxTokens,
		counter:   cfg.Counter,
		now:       now,
		nextID:    1,
		totals:    totals{byKind: make(map[Kind]int)},
	}, nil
}

func (t *Tracker) SessionID() string { return t.sessionID }
func (t *Tracker) Model() string     { return t.model }
func (t *Tracker) MaxTokens() int    { return t.maxTokens }

// Count runs the tracker's counter for its model.
func (t *Tracker) Count(ctx context.Context, text string) tokenutil.Result {
	return t.counter.Count(ctx, text, t.model)
}

// Add counts content and appends a new item. Counting happens before the
// lock is taken; a cancelled context leaves the tracker untouched.
func (t *Tracker) Add(ctx context.Context, kind Kind, content string, opts ...ItemOption) (Item, error) {
	if !kind.Valid() || kind == KindSummary {
		return Item{}, fmt.Errorf("%w: %q", ErrInvalidKind, kind)
	}
	if err := ctx.Err(); err != nil {
		return Item{}, err
	}

	res := t.Count(ctx, content)
	if err := ctx.Err(); err != nil {
		return Item{}, err
	}

	it := Item{
		Kind:       kind,
		Content:    content,
		Tokens:     res.Tokens,
		Estimated:  res.Estimated,
		Importance: DefaultImportance,
	}
	if kind == KindSystemPrompt {
		it.Importance = SystemImportance
	}
	for _, opt := range opts {
		opt(&it)
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	it.ID = t.nextID
	t.nextID++
	it.CreatedAt = t.now()
	t.items = append(t.items, it)
	t.totals.add(it)
	return it, nil
}

// Remove deletes one item by id. It returns false for unknown ids and for
// pinned or system items.
func (t *Tracker) Remove(id uint64) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	i := t.indexOf(id)
	if i < 0 || t.items[i].Protected() {
		return false
	}
	t.removeAt(i)
	return true
}

// Pin marks an item pinned. Order and token counts are unchanged.
func (t *Tracker) Pin(id uint64) bool {
	return t.setPinned(id, true)
}

// Unpin clears the pinned flag so the item becomes removable again.
// System prompts stay protected regardless.
func (t *Tracker) Unpin(id uint64) bool {
	return t.setPinned(id, false)
}

func (t *Tracker) setPinned(id uint64, pinned bool) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	i := t.indexOf(id)
	if i < 0 {
		return false
	}
	old := t.items[i]
	if old.Pinned == pinned {
		return true
	}
	updated := old
	updated.Pinned = pinned
	t.totals.sub(old)
	t.totals.add(updated)
	t.items[i] = updated
	return true
}

// Item returns a copy of the item with the given id.
func (t *Tracker) Item(id uint64) (Item, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	i := t.indexOf(id)
	if i < 0 {
		return Item{}, false
	}
	return t.items[i].clone(), true
}

// Items returns a copy of all items in conversation order.
func (t *Tracker) Items() []Item {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]Item, len(t.items))
	for i, it := range t.items {
		out[i] = it.clone()
	}
	return out
}

// Status returns the current totals.
func (t *Tracker) Status() Status {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.statusLocked()
}

// View runs fn under the read lock. fn must not retain items.
func (t *Tracker) View(fn func(items []Item, st Status)) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	fn(t.items, t.statusLocked())
}

// Update runs fn with exclusive access. Bulk removals and span
// replacement are only possible through the Txn.
func (t *Tracker) Update(fn func(tx *Txn) error) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return fn(&Txn{t: t})
}

// Recompute rebuilds the running totals from the items and returns how far
// the running total had drifted from the exact sum.
func (t *Tracker) Recompute() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	fresh := totals{byKind: make(map[Kind]int)}
	for _, it := range t.items {
		fresh.add(it)
	}
	drift := t.totals.all - fresh.all
	t.totals = fresh
	return drift
}

func (t *Tracker) indexOf(id uint64) int {
	// Ids are assigned in increasing order but summaries take the slot of
	// the span they replace, so the slice is not sorted by id.
	for i := range t.items {
		if t.items[i].ID == id {
			return i
		}
	}
	return -1
}

func (t *Tracker) removeAt(i int) Item {
	it := t.items[i]
	t.items = append(t.items[:i], t.items[i+1:]...)
	t.totals.sub(it)
	return it
}

func (t *Tracker) statusLocked() Status {
	st := Status{
		SessionID:      t.sessionID,
		Model:          t.model,
		TotalTokens:    t.totals.all,
		MaxTokens:      t.maxTokens,
		ItemCount:      len(t.items),
		PinnedTokens:   t.totals.pinned,
		EstimatedItems: t.totals.estimated,
		KindTokens:     make(map[Kind]int, len(t.totals.byKind)),
	}
	for k, v := range t.totals.byKind {
		if v == 0 {
			continue
		}
		st.KindTokens[k] = v
		switch k.Group() {
		case GroupSystem:
			st.SystemTokens += v
		case GroupTool:
			st.ToolTokens += v
		default:
			st.MessageTokens += v
		}
	}
	st.UsagePercent = float64(st.TotalTokens) / float64(t.maxTokens)
	st.Full = st.UsagePercent >= 1.0
	return st
}
