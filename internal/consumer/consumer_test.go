package consumer

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"orderflow/internal/checkpoint"
	"orderflow/internal/eventlog"
	"orderflow/internal/model"
	"orderflow/internal/ranking"
	"orderflow/internal/retry"
)

var testCfg = Config{
	BatchSize:    3,
	PollInterval: 5 * time.Millisecond,
	ApplyRetry:   retry.Policy{Attempts: 2, Initial: time.Millisecond, Max: time.Millisecond},
}

func appendOrder(t *testing.T, l eventlog.Log, partition int, id string, items ...model.LineItem) {
	t.Helper()
	ev := model.NewEvent(model.Order{OrderID: id, Customer: "Alice", Items: items, Status: model.StatusReceived})
	ev.Partition = partition
	_, err := l.Append(context.Background(), &ev)
	require.NoError(t, err)
}

func item(name string, q int64) model.LineItem { return model.LineItem{Name: name, Quantity: q} }

// seedLog writes a fixed workload over two partitions.
func seedLog(t *testing.T) *eventlog.MemoryLog {
	l := eventlog.NewMemoryLog(2)
	appendOrder(t, l, 0, "ORD-1", item("Burger", 2))
	appendOrder(t, l, 1, "ORD-2", item("Pizza", 1), item("Fries", 1))
	appendOrder(t, l, 0, "ORD-3", item("Pizza", 3))
	appendOrder(t, l, 0, "ORD-4", item("Burger", 1))
	appendOrder(t, l, 1, "ORD-5", item("Sushi", 4))
	appendOrder(t, l, 0, "ORD-6", item("Fries", 2))
	appendOrder(t, l, 0, "ORD-7", item("Salad", 1))
	return l
}

var seedScores = map[string]float64{"Burger": 3, "Pizza": 4, "Fries": 3, "Sushi": 4, "Salad": 1}

// failingCommits lets the first n commits through, then fails.
type failingCommits struct {
	checkpoint.Store
	left atomic.Int32
}

func (f *failingCommits) Commit(ctx context.Context, cp checkpoint.Checkpoint) error {
	if f.left.Add(-1) < 0 {
		return errors.New("crash")
	}
	return f.Store.Commit(ctx, cp)
}

// flakyCache fails Apply while down is set.
type flakyCache struct {
	ranking.Cache
	down atomic.Bool
}

func (f *flakyCache) Apply(ctx context.Context, id string, d []ranking.Delta) (bool, error) {
	if f.down.Load() {
		return false, errors.New("redis down")
	}
	return f.Cache.Apply(ctx, id, d)
}

func TestGroup_DrainBuildsRanking(t *testing.T) {
	ctx := context.Background()
	cache := ranking.NewMemoryCache(0)
	cps := checkpoint.NewInMemory()
	g := NewGroup(seedLog(t), cache, cps, testCfg)

	n, err := g.Drain(ctx)
	require.NoError(t, err)
	assert.Equal(t, 7, n)

	cut, err := g.Snapshot(ctx)
	require.NoError(t, err)
	assert.Equal(t, seedScores, cut.Scores)
	assert.Equal(t, map[int]int64{0: 5, 1: 2}, cut.Offsets)
	assert.Len(t, cut.Seen[0], 5)
	assert.Len(t, cut.Seen[1], 2)

	top, err := cache.TopN(ctx, 2)
	require.NoError(t, err)
	assert.Equal(t, []model.RankingEntry{{Item: "Pizza", Score: 4}, {Item: "Sushi", Score: 4}}, top)

	n, err = g.Drain(ctx)
	require.NoError(t, err)
	assert.Zero(t, n, "caught up")
}

func TestLoop_CrashMidBatchRestartsToSameState(t *testing.T) {
	ctx := context.Background()
	log := seedLog(t)

	ref := ranking.NewMemoryCache(0)
	_, err := NewGroup(log, ref, checkpoint.NewInMemory(), testCfg).Drain(ctx)
	require.NoError(t, err)
	want, _ := ref.Snapshot(ctx)

	cfg := testCfg
	cfg.BatchSize = 10
	for crashAfter := int32(0); crashAfter < 5; crashAfter++ {
		t.Run(fmt.Sprintf("after_%d_commits", crashAfter), func(t *testing.T) {
			cache := ranking.NewMemoryCache(0)
			durable := checkpoint.NewInMemory()
			crashing := &failingCommits{Store: durable}
			crashing.left.Store(crashAfter)

			// The event after the last good commit is applied but never committed.
			_, err := NewLoop(0, log, cache, crashing, cfg).Poll(ctx)
			require.Error(t, err)

			_, err = NewGroup(log, cache, durable, testCfg).Drain(ctx)
			require.NoError(t, err)
			got, _ := cache.Snapshot(ctx)
			assert.Equal(t, want, got)
		})
	}
}

func TestLoop_PoisonEventAdvancesOffset(t *testing.T) {
	ctx := context.Background()
	log := eventlog.NewMemoryLog(1)
	appendOrder(t, log, 0, "ORD-1", item("Burger", 1))
	log.AppendRaw(0, []byte("{not json"))
	log.AppendRaw(0, []byte(`{"eventId":"EVT-x","orderId":"ORD-x","payload":{"orderId":"ORD-x","items":[]}}`))
	appendOrder(t, log, 0, "ORD-2", item("Burger", 1))

	cache := ranking.NewMemoryCache(0)
	cps := checkpoint.NewInMemory()
	l := NewLoop(0, log, cache, cps, Config{})
	n, err := l.Poll(ctx)
	require.NoError(t, err)
	assert.Equal(t, 4, n)

	cp, _ := cps.Load(ctx, 0)
	assert.Equal(t, int64(4), cp.Offset)
	assert.Equal(t, []string{"EVT-ORD-1", "EVT-ORD-2"}, cp.Seen)
	snap, _ := cache.Snapshot(ctx)
	assert.Equal(t, map[string]float64{"Burger": 2}, snap)
}

func TestLoop_RepublishedEventCountsOnce(t *testing.T) {
	ctx := context.Background()
	log := eventlog.NewMemoryLog(1)
	appendOrder(t, log, 0, "ORD-1", item("Pizza", 2))
	appendOrder(t, log, 0, "ORD-1", item("Pizza", 2))

	var notified int
	cfg := testCfg
	cfg.Notify = func(model.Event) { notified++ }
	cache := ranking.NewMemoryCache(0)
	_, err := NewGroup(log, cache, checkpoint.NewInMemory(), cfg).Drain(ctx)
	require.NoError(t, err)

	snap, _ := cache.Snapshot(ctx)
	assert.Equal(t, map[string]float64{"Pizza": 2}, snap)
	assert.Equal(t, 1, notified)
}

func TestLoop_FailedApplyIsRedelivered(t *testing.T) {
	ctx := context.Background()
	log := eventlog.NewMemoryLog(1)
	appendOrder(t, log, 0, "ORD-1", item("Sushi", 1))
	appendOrder(t, log, 0, "ORD-2", item("Sushi", 1))

	cache := &flakyCache{Cache: ranking.NewMemoryCache(0)}
	cps := checkpoint.NewInMemory()
	l := NewLoop(0, log, cache, cps, testCfg)

	cache.down.Store(true)
	n, err := l.Poll(ctx)
	require.Error(t, err)
	assert.Zero(t, n)
	cp, _ := cps.Load(ctx, 0)
	assert.Zero(t, cp.Offset, "failed apply must not commit")

	cache.down.Store(false)
	n, err = l.Poll(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	snap, _ := cache.Snapshot(ctx)
	assert.Equal(t, map[string]float64{"Sushi": 2}, snap)
}

func TestGroup_ReplayRebuildsFromZero(t *testing.T) {
	ctx := context.Background()
	cache := ranking.NewMemoryCache(0)
	g := NewGroup(seedLog(t), cache, checkpoint.NewInMemory(), testCfg)
	_, err := g.Drain(ctx)
	require.NoError(t, err)

	require.NoError(t, cache.Increment(ctx, "Bogus", 99))
	n, err := g.Replay(ctx)
	require.NoError(t, err)
	assert.Equal(t, 7, n)
	snap, _ := cache.Snapshot(ctx)
	assert.Equal(t, seedScores, snap)
}

func TestGroup_RunWithRedisCache(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	cache := ranking.NewRedisCache(rdb, "", time.Hour)

	log := eventlog.NewMemoryLog(2)
	g := NewGroup(log, cache, checkpoint.NewInMemory(), testCfg)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- g.Run(ctx) }()

	for i := 0; i < 100; i++ {
		appendOrder(t, log, i%2, fmt.Sprintf("ORD-%d", i), item("Pizza", 1))
	}
	require.Eventually(t, func() bool {
		top, err := cache.TopN(context.Background(), 1)
		return err == nil && len(top) == 1 && top[0].Score == 100
	}, 5*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("group did not stop")
	}
	top, _ := cache.TopN(context.Background(), 1)
	assert.Equal(t, []model.RankingEntry{{Item: "Pizza", Score: 100}}, top)
}
