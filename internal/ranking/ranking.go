// Package ranking keeps the popular-items scores derived from order events.
//
// The cache is not a source of truth: it can always be rebuilt by replaying
// the event log. Apply is the consumer's entry point; it is atomic per event
// and idempotent per eventID within the retention window.
package ranking

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"orderflow/internal/model"
)

// Delta is a score change for one item.
type Delta struct {
	Item   string
	Amount float64
}

// Cache is the ranking contract.
type Cache interface {
	Increment(ctx context.Context, item string, amount float64) error
	// Apply adds all deltas of one event. It reports false when eventID was
	// already applied.
	Apply(ctx context.Context, eventID string, deltas []Delta) (bool, error)
	// TopN returns at most n entries, score descending, item ascending on ties.
	TopN(ctx context.Context, n int) ([]model.RankingEntry, error)
	Snapshot(ctx context.Context) (map[string]float64, error)
	// Load replaces all scores, as when restoring from a snapshot.
	Load(ctx context.Context, scores map[string]float64) error
	// Reset drops all scores and dedup state.
	Reset(ctx context.Context) error
}

var ErrInvalidAmount = errors.New("ranking: amount must be positive")

// DeltasFor folds an order's line items into one delta per item, in first-seen order.
func DeltasFor(o model.Order) []Delta {
	idx := make(map[string]int, len(o.Items))
	var out []Delta
	for _, it := range o.Items {
		if i, ok := idx[it.Name]; ok {
			out[i].Amount += float64(it.Quantity)
			continue
		}
		idx[it.Name] = len(out)
		out = append(out, Delta{Item: it.Name, Amount: float64(it.Quantity)})
	}
	return out
}

func checkDeltas(deltas []Delta) error {
	for _, d := range deltas {
		if d.Item == "" || d.Amount <= 0 {
			return fmt.Errorf("%w: %q %v", ErrInvalidAmount, d.Item, d.Amount)
		}
	}
	return nil
}

// SortEntries orders entries by score desc, then item asc.
func SortEntries(entries []model.RankingEntry) {
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].Score != entries[j].Score {
			return entries[i].Score > entries[j].Score
		}
		return entries[i].Item < entries[j].Item
	})
}

func topOf(scores map[string]float64, n int) []model.RankingEntry {
	entries := make([]model.RankingEntry, 0, len(scores))
	for item, s := range scores {
		entries = append(entries, model.RankingEntry{Item: item, Score: s})
	}
	SortEntries(entries)
	if n >= 0 && n < len(entries) {
		entries = entries[:n]
	}
	return entries
}
