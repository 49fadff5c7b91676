package window

import (
	"fmt"
	"time"
)

// Txn is exclusive access to a tracker for the duration of Update.
// It must not be used after the Update callback returns.
type Txn struct {
	t *Tracker
}

// Items returns the live item slice. Callers must not modify or retain it.
func (tx *Txn) Items() []Item {
	return tx.t.items
}

// Status returns the totals as of this point in the transaction.
func (tx *Txn) Status() Status {
	return tx.t.statusLocked()
}

// Now returns the tracker clock.
func (tx *Txn) Now() time.Time {
	return tx.t.now()
}

// Remove deletes the given ids and returns the items actually removed, in
// conversation order. Unknown and protected ids are skipped.
func (tx *Txn) Remove(ids ...uint64) []Item {
	if len(ids) == 0 {
		return nil
	}
	want := make(map[uint64]bool, len(ids))
	for _, id := range ids {
		want[id] = true
	}
	var removed []Item
	kept := tx.t.items[:0]
	for _, it := range tx.t.items {
		if want[it.ID] && !it.Protected() {
			removed = append(removed, it)
			tx.t.totals.sub(it)
			continue
		}
		kept = append(kept, it)
	}
	// Clear the tail so removed contents can be collected.
	for i := len(kept); i < len(tx.t.items); i++ {
		tx.t.items[i] = Item{}
	}
	tx.t.items = kept
	return removed
}

// Replacement is the summary that takes a span's place.
type Replacement struct {
	Content    string
	Tokens     int
	Estimated  bool
	Provenance Provenance
}

// ReplaceSpan swaps the items with the given ids, which must still be
// present, adjacent and in the given order, for a single summary item.
// Either the whole span is replaced or nothing changes.
func (tx *Txn) ReplaceSpan(ids []uint64, r Replacement) (Item, error) {
	if len(ids) == 0 {
		return Item{}, fmt.Errorf("%w: empty span", ErrSpanChanged)
	}
	t := tx.t
	start := t.indexOf(ids[0])
	if start < 0 || start+len(ids) > len(t.items) {
		return Item{}, fmt.Errorf("%w: item %d missing", ErrSpanChanged, ids[0])
	}
	span := t.items[start : start+len(ids)]
	importance := 0.0
	for i, it := range span {
		if it.ID != ids[i] {
			return Item{}, fmt.Errorf("%w: expected item %d at position %d", ErrSpanChanged, ids[i], start+i)
		}
		if it.Protected() {
			return Item{}, fmt.Errorf("%w: item %d", ErrProtected, it.ID)
		}
		if it.Importance > importance {
			importance = it.Importance
		}
	}

	prov := r.Provenance
	prov.FirstID = ids[0]
	prov.LastID = ids[len(ids)-1]
	prov.ReplacedIDs = append([]uint64(nil), ids...)

	summary := Item{
		ID:         t.nextID,
		Kind:       KindSummary,
		Content:    r.Content,
		Tokens:     r.Tokens,
		Estimated:  r.Estimated,
		CreatedAt:  span[len(span)-1].CreatedAt,
		Importance: importance,
		Provenance: &prov,
	}
	t.nextID++

	for _, it := range span {
		t.totals.sub(it)
	}
	rest := append([]Item(nil), t.items[start+len(ids):]...)
	t.items = append(append(t.items[:start], summary), rest...)
	t.totals.add(summary)
	return summary.clone(), nil
}
