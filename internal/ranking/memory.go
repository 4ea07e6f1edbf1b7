package ranking

import (
	"context"
	"math"
	"sync"
	"sync/atomic"

	"orderflow/internal/model"
)

const DefaultDedupWindow = 10000

// score is a float64 updated with CAS on its bit pattern.
type score struct{ bits atomic.Uint64 }

func (s *score) add(v float64) {
	for {
		old := s.bits.Load()
		next := math.Float64bits(math.Float64frombits(old) + v)
		if s.bits.CompareAndSwap(old, next) {
			return
		}
	}
}

func (s *score) load() float64 { return math.Float64frombits(s.bits.Load()) }

// MemoryCache is an in-process Cache. Increments on different items never
// contend; each item is updated atomically. Writers hold the read side of view
// and whole-view readers hold the write side, so TopN and Snapshot never see
// half of an Apply.
type MemoryCache struct {
	view  sync.RWMutex
	items *sync.Map // item -> *score

	seenMu sync.Mutex
	seen   map[string]struct{}
	ring   []string
	next   int
}

// NewMemoryCache keeps the last window applied event ids for dedup.
func NewMemoryCache(window int) *MemoryCache {
	if window <= 0 {
		window = DefaultDedupWindow
	}
	return &MemoryCache{
		items: &sync.Map{},
		seen:  make(map[string]struct{}, window),
		ring:  make([]string, window),
	}
}

func (c *MemoryCache) add(item string, amount float64) {
	v, ok := c.items.Load(item)
	if !ok {
		v, _ = c.items.LoadOrStore(item, &score{})
	}
	v.(*score).add(amount)
}

func (c *MemoryCache) Increment(_ context.Context, item string, amount float64) error {
	if err := checkDeltas([]Delta{{Item: item, Amount: amount}}); err != nil {
		return err
	}
	c.view.RLock()
	defer c.view.RUnlock()
	c.add(item, amount)
	return nil
}

// markSeen records eventID and evicts the oldest id once the window is full.
func (c *MemoryCache) markSeen(eventID string) bool {
	c.seenMu.Lock()
	defer c.seenMu.Unlock()
	if _, dup := c.seen[eventID]; dup {
		return false
	}
	if old := c.ring[c.next]; old != "" {
		delete(c.seen, old)
	}
	c.ring[c.next] = eventID
	c.next = (c.next + 1) % len(c.ring)
	c.seen[eventID] = struct{}{}
	return true
}

func (c *MemoryCache) Apply(_ context.Context, eventID string, deltas []Delta) (bool, error) {
	if err := checkDeltas(deltas); err != nil {
		return false, err
	}
	c.view.RLock()
	defer c.view.RUnlock()
	if !c.markSeen(eventID) {
		return false, nil
	}
	for _, d := range deltas {
		c.add(d.Item, d.Amount)
	}
	return true, nil
}

func (c *MemoryCache) snapshotLocked() map[string]float64 {
	out := make(map[string]float64)
	c.items.Range(func(k, v any) bool {
		out[k.(string)] = v.(*score).load()
		return true
	})
	return out
}

func (c *MemoryCache) TopN(_ context.Context, n int) ([]model.RankingEntry, error) {
	c.view.Lock()
	scores := c.snapshotLocked()
	c.view.Unlock()
	return topOf(scores, n), nil
}

func (c *MemoryCache) Snapshot(_ context.Context) (map[string]float64, error) {
	c.view.Lock()
	defer c.view.Unlock()
	return c.snapshotLocked(), nil
}

func (c *MemoryCache) Load(_ context.Context, scores map[string]float64) error {
	m := &sync.Map{}
	for item, v := range scores {
		s := &score{}
		s.add(v)
		m.Store(item, s)
	}
	c.view.Lock()
	defer c.view.Unlock()
	c.items = m
	c.seenMu.Lock()
	c.seen = make(map[string]struct{}, len(c.ring))
	c.ring = make([]string, len(c.ring))
	c.next = 0
	c.seenMu.Unlock()
	return nil
}

func (c *MemoryCache) Reset(ctx context.Context) error { return c.Load(ctx, nil) }
