// Package consumer drains the event log into the ranking cache.
//
// Delivery is at least once: a checkpoint is committed after the ranking
// update, so an event can be seen again after a crash. The checkpoint's
// dedup window and the cache's idempotent Apply keep such redeliveries from
// counting twice.
package consumer

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"

	"orderflow/internal/checkpoint"
	"orderflow/internal/eventlog"
	"orderflow/internal/metrics"
	"orderflow/internal/model"
	"orderflow/internal/ranking"
	"orderflow/internal/retry"
)

type Config struct {
	BatchSize    int
	PollInterval time.Duration
	// Window is the number of recent event ids kept in each checkpoint.
	Window     int
	ApplyRetry retry.Policy
	Logger     *zap.Logger
	Metrics    *metrics.Registry
	// Notify is called once for every newly applied event.
	Notify func(model.Event)
}

func (c Config) withDefaults() Config {
	if c.BatchSize <= 0 {
		c.BatchSize = 100
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 200 * time.Millisecond
	}
	if c.Window <= 0 {
		c.Window = checkpoint.DefaultWindow
	}
	if c.ApplyRetry.Attempts == 0 {
		c.ApplyRetry = retry.Default
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
	if c.Notify == nil {
		logger := c.Logger
		c.Notify = func(ev model.Event) {
			logger.Info("order received",
				zap.String("order_id", ev.OrderID), zap.String("customer", ev.Payload.Customer),
				zap.Int("items", len(ev.Payload.Items)), zap.Int64("offset", ev.Sequence))
		}
	}
	return c
}

// Loop consumes one partition. It is not safe for concurrent use.
type Loop struct {
	partition int
	log       eventlog.Log
	cache     ranking.Cache
	cps       checkpoint.Store
	cfg       Config
	// cut is held shared while one event is applied and committed.
	cut   *sync.RWMutex
	label string
}

func NewLoop(partition int, log eventlog.Log, cache ranking.Cache, cps checkpoint.Store, cfg Config) *Loop {
	return &Loop{
		partition: partition,
		log:       log,
		cache:     cache,
		cps:       cps,
		cfg:       cfg.withDefaults(),
		cut:       &sync.RWMutex{},
		label:     strconv.Itoa(partition),
	}
}

// Poll processes at most one batch from the committed offset and returns the
// number of records consumed. On error the failing record is not committed.
func (l *Loop) Poll(ctx context.Context) (int, error) {
	cp, err := l.cps.Load(ctx, l.partition)
	if err != nil {
		return 0, err
	}
	recs, err := l.log.ReadFrom(ctx, l.partition, cp.Offset, l.cfg.BatchSize)
	if err != nil {
		return 0, err
	}
	window := checkpoint.NewWindow(l.cfg.Window, cp.Seen)
	n := 0
	for _, rec := range recs {
		if err := l.handle(ctx, rec, window); err != nil {
			return n, err
		}
		n++
	}
	l.observeLag(ctx, cp.Offset+int64(n))
	return n, nil
}

func (l *Loop) handle(ctx context.Context, rec eventlog.Record, window *checkpoint.Window) error {
	l.cut.RLock()
	defer l.cut.RUnlock()

	ev, err := eventlog.DecodeEvent(rec)
	switch {
	case err != nil:
		l.cfg.Logger.Warn("skipping poison event",
			zap.Int("partition", rec.Partition), zap.Int64("offset", rec.Offset), zap.Error(err))
		l.count(func(m *metrics.Registry) { m.Poison.WithLabelValues(l.label).Inc() })
	case window.Contains(ev.EventID):
		l.count(func(m *metrics.Registry) { m.Skipped.WithLabelValues(l.label).Inc() })
	default:
		applied, err := retry.Do(ctx, l.cfg.ApplyRetry,
			func(err error) bool { return !errors.Is(err, ranking.ErrInvalidAmount) },
			func(err error, next time.Duration) {
				l.count(func(m *metrics.Registry) { m.ApplyErrors.WithLabelValues(l.label).Inc() })
				l.cfg.Logger.Warn("ranking apply retry", zap.String("event_id", ev.EventID), zap.Duration("next", next), zap.Error(err))
			},
			func() (bool, error) { return l.cache.Apply(ctx, ev.EventID, ranking.DeltasFor(ev.Payload)) })
		if err != nil {
			return err
		}
		window.Add(ev.EventID)
		if applied {
			l.count(func(m *metrics.Registry) { m.Applied.WithLabelValues(l.label).Inc() })
			l.cfg.Notify(ev)
		} else {
			l.count(func(m *metrics.Registry) { m.Skipped.WithLabelValues(l.label).Inc() })
		}
	}
	return l.cps.Commit(ctx, checkpoint.Checkpoint{
		Partition: l.partition,
		Offset:    rec.Offset + 1,
		Seen:      window.IDs(),
	})
}

func (l *Loop) observeLag(ctx context.Context, next int64) {
	if l.cfg.Metrics == nil {
		return
	}
	head, err := l.log.Head(ctx, l.partition)
	if err != nil {
		return
	}
	l.cfg.Metrics.Lag.WithLabelValues(l.label).Set(float64(head - next))
}

func (l *Loop) count(f func(*metrics.Registry)) {
	if l.cfg.Metrics != nil {
		f(l.cfg.Metrics)
	}
}

// Run polls until ctx is done, sleeping PollInterval when caught up or after
// an error.
func (l *Loop) Run(ctx context.Context) error {
	for {
		n, err := l.Poll(ctx)
		if ctx.Err() != nil {
			return nil
		}
		if err != nil {
			l.cfg.Logger.Error("consumer poll failed", zap.Int("partition", l.partition), zap.Error(err))
		}
		if n > 0 && err == nil {
			continue
		}
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(l.cfg.PollInterval):
		}
	}
}
