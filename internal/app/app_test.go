package app

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"orderflow/internal/config"
	"orderflow/internal/manifest"
	"orderflow/internal/model"
	"orderflow/internal/pipeline"
)

func testConfig(t *testing.T) config.Config {
	t.Helper()
	cfg, err := config.Load(config.New(), "")
	require.NoError(t, err)
	cfg.Consumer.PollInterval = 5 * time.Millisecond
	return cfg
}

// consumeUntil runs Consume until cond holds, then stops it.
func consumeUntil(t *testing.T, a *App, cond func() bool) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Consume(ctx) }()
	require.Eventually(t, cond, 5*time.Second, 10*time.Millisecond)
	cancel()
	require.NoError(t, <-done)
}

func topIs(a *App, item string, score float64) func() bool {
	return func() bool {
		top, err := a.Cache.TopN(context.Background(), 1)
		return err == nil && len(top) == 1 && top[0].Item == item && top[0].Score == score
	}
}

func TestApp_MemoryBackends(t *testing.T) {
	a, err := New(testConfig(t), nil)
	require.NoError(t, err)
	defer a.Close()

	res, err := a.Ingestor.Submit(context.Background(), pipeline.Request{Customer: "Alice", Item: "Burger", Quantity: ptr(int64(2))})
	require.NoError(t, err)
	assert.Equal(t, pipeline.Acknowledged, res.State)

	consumeUntil(t, a, topIs(a, "Burger", 2))
}

func TestApp_DurableBackendsSurviveRestart(t *testing.T) {
	dir := t.TempDir()
	cfg := testConfig(t)
	cfg.Store.Backend = "pebble"
	cfg.Store.Dir = filepath.Join(dir, "orders")
	cfg.Log.Backend = "file"
	cfg.Log.Dir = filepath.Join(dir, "events")
	cfg.Log.Partitions = 2
	cfg.Recovery.SnapshotDir = filepath.Join(dir, "snapshots")
	cfg.Recovery.SnapshotInterval = 20 * time.Millisecond

	a, err := New(cfg, nil)
	require.NoError(t, err)
	for i := 0; i < 10; i++ {
		_, err := a.Ingestor.Submit(context.Background(), pipeline.Request{Customer: "Bob", Item: "Pizza"})
		require.NoError(t, err)
	}
	consumeUntil(t, a, func() bool {
		m, err := a.ManifestRd.ReadLatest(context.Background())
		return topIs(a, "Pizza", 10)() && err == nil && len(m.Offsets) == 2
	})
	require.NoError(t, a.Close())

	b, err := New(cfg, nil)
	require.NoError(t, err)
	defer b.Close()
	orders, err := b.Store.List(context.Background())
	require.NoError(t, err)
	assert.Len(t, orders, 10)
	for _, o := range orders {
		assert.Equal(t, model.StatusQueued, o.Status)
	}
	_, err = b.Ingestor.Submit(context.Background(), pipeline.Request{Customer: "Bob", Item: "Pizza"})
	require.NoError(t, err)
	consumeUntil(t, b, topIs(b, "Pizza", 11))
}

func TestApp_KafkaManifestIsClosedAndBounded(t *testing.T) {
	cfg := testConfig(t)
	cfg.Log.Brokers = "127.0.0.1:1"
	cfg.Recovery.SnapshotDir = t.TempDir()
	cfg.Recovery.ManifestTopic = "ranking-manifests"

	a, err := New(cfg, nil)
	require.NoError(t, err)
	n := len(a.closers)

	start := time.Now()
	_, err = a.ManifestRd.ReadLatest(context.Background())
	require.Error(t, err)
	assert.NotErrorIs(t, err, manifest.ErrNoManifest)
	assert.Less(t, time.Since(start), 9*time.Second)

	require.NoError(t, a.Close())
	assert.Greater(t, n, 3)
	assert.Empty(t, a.closers)
}

func ptr[T any](v T) *T { return &v }
