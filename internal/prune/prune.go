// Package prune removes items from a context window by strategy.
//
// Every strategy leaves pinned items, system prompts and the KeepRecent most
// recent unprotected items in place, and never reorders what survives.
package prune

import (
	"log/slog"
	"sort"
	"time"

	"github.com/basket/ctxwin/internal/window"
)

// Strategy names a pruning strategy.
type Strategy string

const (
	StrategyTimeBased   Strategy = "time_based"
	StrategyImportance  Strategy = "importance"
	StrategyToolResults Strategy = "tool_results"
	StrategyTarget      Strategy = "target_percentage"
)

// Result describes one pruning run.
type Result struct {
	Strategy     Strategy
	ItemsRemoved []uint64
	// Removed holds the removed items themselves, in conversation order.
	Removed      []window.Item
	TokensFreed  int
	TokensBefore int
	TokensAfter  int
	// TargetReached is set when a target was given and usage ended at or
	// below it. Exhausted is set when a target was given, it was missed,
	// and nothing removable is left.
	TargetReached bool
	Exhausted     bool
	Passes        int
}

// Options are the knobs shared by the strategies.
type Options struct {
	KeepRecent    int
	MaxAge        time.Duration
	MinImportance float64
}

// Pruner applies strategies to trackers. It holds no per-session state.
type Pruner struct {
	logger *slog.Logger
}

func New(logger *slog.Logger) *Pruner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Pruner{logger: logger}
}

// TimeBased removes unprotected items at least maxAge old, oldest first.
// With target > 0 it stops as soon as usage is at or below target.
func (p *Pruner) TimeBased(t *window.Tracker, maxAge time.Duration, keepRecent int, target float64) Result {
	res := Result{Strategy: StrategyTimeBased, Passes: 1}
	_ = t.Update(func(tx *window.Txn) error {
		items := begin(tx, &res)
		exempt := exemptSet(items, keepRecent)
		cutoff := tx.Now().Add(-maxAge)
		var order []window.Item
		for _, it := range items {
			if !exempt[it.ID] && !it.CreatedAt.After(cutoff) {
				order = append(order, it)
			}
		}
		p.removeInOrder(tx, order, target, &res)
		finish(items, &res)
		return nil
	})
	p.log(t, res)
	return res
}

// ByImportance removes unprotected items whose importance is below
// minImportance, lowest first and oldest first among equals.
func (p *Pruner) ByImportance(t *window.Tracker, minImportance float64, keepRecent int) Result {
	res := Result{Strategy: StrategyImportance, Passes: 1}
	_ = t.Update(func(tx *window.Txn) error {
		items := begin(tx, &res)
		exempt := exemptSet(items, keepRecent)
		var order []window.Item
		for _, it := range items {
			if !exempt[it.ID] && it.Importance < minImportance {
				order = append(order, it)
			}
		}
		sortByImportance(order)
		p.removeInOrder(tx, order, 0, &res)
		finish(items, &res)
		return nil
	})
	p.log(t, res)
	return res
}

// ToolResults removes tool calls and tool results except the keepRecent
// most recent unprotected ones. Other kinds are never touched.
func (p *Pruner) ToolResults(t *window.Tracker, keepRecent int) Result {
	res := Result{Strategy: StrategyToolResults, Passes: 1}
	_ = t.Update(func(tx *window.Txn) error {
		items := begin(tx, &res)
		var tools []window.Item
		for _, it := range items {
			if it.Kind.IsTool() && !it.Protected() {
				tools = append(tools, it)
			}
		}
		if keepRecent < 0 {
			keepRecent = 0
		}
		if len(tools) > keepRecent {
			p.removeInOrder(tx, tools[:len(tools)-keepRecent], 0, &res)
		}
		finish(items, &res)
		return nil
	})
	p.log(t, res)
	return res
}

// ToTarget removes items until usage is at or below target, in up to three
// passes: items older than opts.MaxAge, oldest first (skipped when MaxAge is
// zero); then items below opts.MinImportance, least important first; then
// every other unprotected item, least important first. Importance ties go to
// the older item. Each item is considered once.
func (p *Pruner) ToTarget(t *window.Tracker, target float64, opts Options) Result {
	res := Result{Strategy: StrategyTarget}
	_ = t.Update(func(tx *window.Txn) error {
		items := begin(tx, &res)
		if tx.Status().UsagePercent <= target {
			res.TargetReached = true
			return nil
		}
		exempt := exemptSet(items, opts.KeepRecent)
		var cutoff time.Time
		if opts.MaxAge > 0 {
			cutoff = tx.Now().Add(-opts.MaxAge)
		}
		var aged, unimportant, rest []window.Item
		for _, it := range items {
			switch {
			case exempt[it.ID]:
			case opts.MaxAge > 0 && !it.CreatedAt.After(cutoff):
				aged = append(aged, it)
			case it.Importance < opts.MinImportance:
				unimportant = append(unimportant, it)
			default:
				rest = append(rest, it)
			}
		}
		sortByAge(aged)
		sortByImportance(unimportant)
		sortByImportance(rest)

		for _, pass := range [][]window.Item{aged, unimportant, rest} {
			if len(pass) == 0 {
				continue
			}
			res.Passes++
			if p.removeInOrder(tx, pass, target, &res) {
				break
			}
		}
		res.TargetReached = tx.Status().UsagePercent <= target
		finish(items, &res)
		return nil
	})
	if !res.TargetReached {
		res.Exhausted = true
	}
	p.log(t, res)
	return res
}

// removeInOrder removes candidates one by one. With target > 0 it stops
// once usage is at or below target and reports whether that happened.
func (p *Pruner) removeInOrder(tx *window.Txn, order []window.Item, target float64, res *Result) bool {
	reached := target > 0 && tx.Status().UsagePercent <= target
	for _, it := range order {
		if reached {
			break
		}
		for _, removed := range tx.Remove(it.ID) {
			res.ItemsRemoved = append(res.ItemsRemoved, removed.ID)
			res.Removed = append(res.Removed, removed)
		}
		if target > 0 && tx.Status().UsagePercent <= target {
			reached = true
		}
	}
	res.TokensAfter = tx.Status().TotalTokens
	res.TokensFreed = res.TokensBefore - res.TokensAfter
	if target > 0 {
		res.TargetReached = reached
	}
	return reached
}

// begin records the starting total and returns a copy of the items.
func begin(tx *window.Txn, res *Result) []window.Item {
	st := tx.Status()
	res.TokensBefore, res.TokensAfter = st.TotalTokens, st.TotalTokens
	return append([]window.Item(nil), tx.Items()...)
}

// finish reports removed items in conversation order.
func finish(items []window.Item, res *Result) {
	pos := make(map[uint64]int, len(items))
	for i, it := range items {
		pos[it.ID] = i
	}
	sort.SliceStable(res.Removed, func(i, j int) bool {
		return pos[res.Removed[i].ID] < pos[res.Removed[j].ID]
	})
	for i, it := range res.Removed {
		res.ItemsRemoved[i] = it.ID
	}
}

func (p *Pruner) log(t *window.Tracker, res Result) {
	if len(res.ItemsRemoved) == 0 {
		p.logger.Debug("prune removed nothing",
			"session_id", t.SessionID(),
			"strategy", string(res.Strategy),
			"target_reached", res.TargetReached)
		return
	}
	p.logger.Info("context pruned",
		"session_id", t.SessionID(),
		"strategy", string(res.Strategy),
		"items_removed", len(res.ItemsRemoved),
		"tokens_freed", res.TokensFreed,
		"tokens_after", res.TokensAfter,
		"target_reached", res.TargetReached)
}

// exemptSet returns the ids no strategy may remove: protected items plus the
// keepRecent most recent unprotected ones.
func exemptSet(items []window.Item, keepRecent int) map[uint64]bool {
	exempt := make(map[uint64]bool)
	kept := 0
	for i := len(items) - 1; i >= 0; i-- {
		it := items[i]
		if it.Protected() {
			exempt[it.ID] = true
			continue
		}
		if kept < keepRecent {
			exempt[it.ID] = true
			kept++
		}
	}
	return exempt
}

func sortByAge(items []window.Item) {
	sort.SliceStable(items, func(i, j int) bool {
		return items[i].CreatedAt.Before(items[j].CreatedAt)
	})
}

// sortByImportance orders by importance ascending, then creation time.
func sortByImportance(items []window.Item) {
	sort.SliceStable(items, func(i, j int) bool {
		if items[i].Importance != items[j].Importance {
			return items[i].Importance < items[j].Importance
		}
		return items[i].CreatedAt.Before(items[j].CreatedAt)
	})
}
