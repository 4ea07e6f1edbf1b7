package consumer

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"orderflow/internal/checkpoint"
	"orderflow/internal/eventlog"
	"orderflow/internal/ranking"
)

// Cut is the ranking state together with the offsets it reflects and each
// partition's dedup window at those offsets.
type Cut struct {
	Scores  map[string]float64
	Offsets map[int]int64
	Seen    map[int][]string
}

// Group runs one Loop per partition. Event processing holds the shared side
// of mu and Snapshot and Replay hold the exclusive side.
type Group struct {
	mu    sync.RWMutex
	loops []*Loop
	cache ranking.Cache
	cps   checkpoint.Store
	cfg   Config
}

func NewGroup(log eventlog.Log, cache ranking.Cache, cps checkpoint.Store, cfg Config) *Group {
	g := &Group{cache: cache, cps: cps, cfg: cfg.withDefaults()}
	for p := 0; p < log.Partitions(); p++ {
		l := NewLoop(p, log, cache, cps, cfg)
		l.cut = &g.mu
		g.loops = append(g.loops, l)
	}
	return g
}

func (g *Group) Partitions() int { return len(g.loops) }

// Run starts every partition loop and blocks until ctx is done.
func (g *Group) Run(ctx context.Context) error {
	eg, ctx := errgroup.WithContext(ctx)
	for _, l := range g.loops {
		l := l
		eg.Go(func() error { return l.Run(ctx) })
	}
	g.cfg.Logger.Info("consumer group started", zap.Int("partitions", len(g.loops)))
	err := eg.Wait()
	g.cfg.Logger.Info("consumer group stopped")
	return err
}

// PollAll runs one batch on every partition and returns the records consumed.
func (g *Group) PollAll(ctx context.Context) (int, error) {
	total := 0
	for _, l := range g.loops {
		n, err := l.Poll(ctx)
		total += n
		if err != nil {
			return total, fmt.Errorf("partition %d: %w", l.partition, err)
		}
	}
	return total, nil
}

// Drain polls until every partition is caught up.
func (g *Group) Drain(ctx context.Context) (int, error) {
	total := 0
	for {
		n, err := g.PollAll(ctx)
		total += n
		if err != nil || n == 0 {
			return total, err
		}
	}
}

// Snapshot returns a consistent cut: no event is half applied and the offsets
// are exactly those the scores include.
func (g *Group) Snapshot(ctx context.Context) (Cut, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	scores, err := g.cache.Snapshot(ctx)
	if err != nil {
		return Cut{}, fmt.Errorf("snapshot ranking: %w", err)
	}
	offsets := make(map[int]int64, len(g.loops))
	seen := make(map[int][]string, len(g.loops))
	for _, l := range g.loops {
		cp, err := g.cps.Load(ctx, l.partition)
		if err != nil {
			return Cut{}, fmt.Errorf("load checkpoint %d: %w", l.partition, err)
		}
		offsets[l.partition] = cp.Offset
		if len(cp.Seen) > 0 {
			seen[l.partition] = append([]string(nil), cp.Seen...)
		}
	}
	return Cut{Scores: scores, Offsets: offsets, Seen: seen}, nil
}

// Replay drops the ranking and rebuilds it from offset 0 of every partition.
// The group must not be running.
func (g *Group) Replay(ctx context.Context) (int, error) {
	g.mu.Lock()
	if err := g.cache.Reset(ctx); err != nil {
		g.mu.Unlock()
		return 0, fmt.Errorf("reset ranking: %w", err)
	}
	for _, l := range g.loops {
		if err := g.cps.Commit(ctx, checkpoint.Checkpoint{Partition: l.partition}); err != nil {
			g.mu.Unlock()
			return 0, fmt.Errorf("reset checkpoint %d: %w", l.partition, err)
		}
	}
	g.mu.Unlock()
	n, err := g.Drain(ctx)
	g.cfg.Logger.Info("ranking rebuilt from event log", zap.Int("events", n), zap.Error(err))
	return n, err
}
