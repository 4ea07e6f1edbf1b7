// Package app builds the configured backends and wires them into the
// ingestion pipeline, consumer group, recovery and HTTP server.
package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"orderflow/internal/api"
	"orderflow/internal/checkpoint"
	"orderflow/internal/config"
	"orderflow/internal/consumer"
	"orderflow/internal/eventlog"
	"orderflow/internal/manifest"
	"orderflow/internal/metrics"
	"orderflow/internal/orderstore"
	"orderflow/internal/pipeline"
	"orderflow/internal/ranking"
	"orderflow/internal/restore"
	"orderflow/internal/snapshot"
)

type App struct {
	Config      config.Config
	Logger      *zap.Logger
	Metrics     *metrics.Registry
	Store       orderstore.Store
	Log         eventlog.Log
	Cache       ranking.Cache
	Checkpoints checkpoint.Store
	Ingestor    *pipeline.Ingestor
	Reconciler  *pipeline.Reconciler
	Group       *consumer.Group
	Snapshots   snapshot.Snapshotter
	Manifest    manifest.Publisher
	ManifestRd  manifest.Reader

	closers []func() error
}

// New opens every backend named in cfg. Close releases them in reverse order.
func New(cfg config.Config, logger *zap.Logger) (*App, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	a := &App{Config: cfg, Logger: logger, Metrics: metrics.NewRegistry()}
	steps := []func() error{a.openStore, a.openLog, a.openRanking, a.openCheckpoints}
	for _, step := range steps {
		if err := step(); err != nil {
			_ = a.Close()
			return nil, err
		}
	}
	a.wire()
	return a, nil
}

func (a *App) onClose(f func() error) { a.closers = append(a.closers, f) }

func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}

func (a *App) openStore() error {
	c := a.Config.Store
	var (
		s   orderstore.Store
		err error
	)
	switch c.Backend {
	case "memory":
		s = orderstore.NewInMemoryStore()
	case "pebble":
		s, err = orderstore.NewPebbleStore(c.Dir)
	case "badger":
		s, err = orderstore.NewBadgerStore(c.Dir)
	case "sqlite", "postgres":
		s, err = orderstore.OpenGorm(c.Backend, c.DSN)
	default:
		err = fmt.Errorf("unknown store backend %q", c.Backend)
	}
	if err != nil {
		return fmt.Errorf("open order store: %w", err)
	}
	a.Store = s
	a.onClose(s.Close)
	return nil
}

func (a *App) openLog() error {
	c := a.Config.Log
	kc := eventlog.KafkaConfig{
		Brokers:     eventlog.ParseBrokers(c.Brokers),
		Topic:       c.Topic,
		Partitions:  c.Partitions,
		ReadTimeout: c.ReadWait,
	}
	var (
		l   eventlog.Log
		err error
	)
	switch c.Backend {
	case "memory":
		l = eventlog.NewMemoryLog(c.Partitions)
	case "file":
		l, err = eventlog.OpenFileLog(c.Dir, c.Partitions)
	case "kafka":
		l = eventlog.NewKafkaLog(kc)
	case "confluent":
		l, err = eventlog.NewConfluentLog(kc, c.GroupID)
	default:
		err = fmt.Errorf("unknown log backend %q", c.Backend)
	}
	if err != nil {
		return fmt.Errorf("open event log: %w", err)
	}
	a.Log = l
	a.onClose(l.Close)
	return nil
}

func (a *App) openRanking() error {
	c := a.Config.Ranking
	switch c.Backend {
	case "memory":
		a.Cache = ranking.NewMemoryCache(c.DedupWindow)
	case "redis":
		rdb := redis.NewClient(&redis.Options{Addr: c.RedisAddr, Password: c.RedisPassword, DB: c.RedisDB})
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := rdb.Ping(ctx).Err(); err != nil {
			_ = rdb.Close()
			return fmt.Errorf("connect redis %s: %w", c.RedisAddr, err)
		}
		a.Cache = ranking.NewRedisCache(rdb, c.Key, c.DedupRetention)
		a.onClose(rdb.Close)
	default:
		return fmt.Errorf("unknown ranking backend %q", c.Backend)
	}
	return nil
}

func (a *App) openCheckpoints() error {
	c := a.Config.Consumer
	switch c.CheckpointStore {
	case "memory":
		a.Checkpoints = checkpoint.NewInMemory()
	case "pebble":
		s, err := checkpoint.NewPebbleStore(c.CheckpointDir)
		if err != nil {
			return fmt.Errorf("open checkpoints: %w", err)
		}
		a.Checkpoints = s
	default:
		return fmt.Errorf("unknown checkpoint store %q", c.CheckpointStore)
	}
	a.onClose(a.Checkpoints.Close)
	return nil
}

func (a *App) wire() {
	cfg := a.Config
	a.Ingestor = pipeline.NewIngestor(a.Store, a.Log, eventlog.NewPartitioner(cfg.Log.Partitions),
		pipeline.WithLogger(a.Logger.Named("pipeline")), pipeline.WithMetrics(a.Metrics))
	a.Reconciler = pipeline.NewReconciler(a.Ingestor, cfg.Reconcile.MinAge, cfg.Reconcile.GiveUpAfter)
	a.Group = consumer.NewGroup(a.Log, a.Cache, a.Checkpoints, consumer.Config{
		BatchSize:    cfg.Consumer.BatchSize,
		PollInterval: cfg.Consumer.PollInterval,
		Window:       cfg.Consumer.Window,
		Logger:       a.Logger.Named("consumer"),
		Metrics:      a.Metrics,
	})

	a.Snapshots = snapshot.NewFilesystemSnapshotter(cfg.Recovery.SnapshotDir)
	fs := manifest.NewFilesystemManifest(cfg.Recovery.SnapshotDir)
	a.Manifest, a.ManifestRd = fs, fs
	if cfg.Recovery.ManifestTopic != "" {
		brokers := eventlog.ParseBrokers(cfg.Log.Brokers)
		km := manifest.NewKafkaManifest(brokers, cfg.Recovery.ManifestTopic, cfg.Recovery.ManifestKey)
		a.onClose(km.Close)
		a.Manifest = manifest.MultiPublisher(fs, km)
		a.ManifestRd = manifest.NewKafkaReader(brokers, cfg.Recovery.ManifestTopic, cfg.Recovery.ManifestKey)
	}
}

func (a *App) Restorer() *restore.Restorer {
	return restore.NewRestorer(a.Cache, a.Checkpoints, a.Snapshots, a.ManifestRd, a.Logger.Named("restore"), a.Metrics)
}

func (a *App) Server() *api.Server {
	c := a.Config.HTTP
	return api.NewServer(a.Ingestor, a.Store, a.Cache, a.Metrics, a.Logger.Named("http"), api.Options{
		CORSOrigins:     c.CORSOrigins,
		RequestTimeout:  c.RequestTimeout,
		ShutdownTimeout: c.ShutdownTimeout,
		DefaultTopN:     a.Config.Ranking.TopN,
	})
}

// Serve runs the HTTP server and, when enabled, the consumer group, the
// reconciler and periodic snapshots until ctx is done.
func (a *App) Serve(ctx context.Context) error {
	eg, ctx := errgroup.WithContext(ctx)
	eg.Go(func() error { return a.Server().Run(ctx, a.Config.HTTP.Addr) })
	if a.Config.Consumer.Enabled {
		eg.Go(func() error { return a.Consume(ctx) })
	}
	if a.Config.Reconcile.Enabled {
		eg.Go(func() error { return a.Reconciler.Run(ctx, a.Config.Reconcile.Interval) })
	}
	return eg.Wait()
}

// Consume restores the ranking, then runs the consumer group and periodic
// snapshots until ctx is done.
func (a *App) Consume(ctx context.Context) error {
	if _, err := a.Restorer().RestoreAndReplay(ctx, a.Group); err != nil {
		return fmt.Errorf("recover ranking: %w", err)
	}
	eg, ctx := errgroup.WithContext(ctx)
	eg.Go(func() error { return a.Group.Run(ctx) })
	if iv := a.Config.Recovery.SnapshotInterval; iv > 0 {
		eg.Go(func() error {
			return snapshot.Run(ctx, iv, a.Group, a.Snapshots, a.Manifest, a.Logger.Named("snapshot"))
		})
	}
	return eg.Wait()
}
