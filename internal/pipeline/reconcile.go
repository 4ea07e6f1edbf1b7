package pipeline

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"orderflow/internal/metrics"
	"orderflow/internal/model"
)

// ReconcileStats summarises one reconciler pass.
type ReconcileStats struct {
	Scanned     int
	Republished int
	GaveUp      int
	Pending     int
}

// Reconciler republishes orders left in received, for example after the log
// was unavailable or the process stopped between the store write and the
// append. The event id is derived from the order id, so an order whose event
// did reach the log is deduplicated by the consumer.
type Reconciler struct {
	ing         *Ingestor
	MinAge      time.Duration
	GiveUpAfter time.Duration
}

func NewReconciler(ing *Ingestor, minAge, giveUpAfter time.Duration) *Reconciler {
	return &Reconciler{ing: ing, MinAge: minAge, GiveUpAfter: giveUpAfter}
}

func (r *Reconciler) RunOnce(ctx context.Context) (ReconcileStats, error) {
	var st ReconcileStats
	orders, err := r.ing.store.List(ctx)
	if err != nil {
		return st, err
	}
	now := r.ing.now()
	for _, o := range orders {
		if o.Status != model.StatusReceived || now.Sub(o.CreatedAt) < r.MinAge {
			continue
		}
		if err := ctx.Err(); err != nil {
			return st, err
		}
		st.Scanned++
		if _, err := r.ing.publish(ctx, o); err != nil {
			if r.GiveUpAfter > 0 && now.Sub(o.CreatedAt) >= r.GiveUpAfter {
				if err := r.settle(ctx, o.OrderID, model.StatusFailed); err != nil {
					return st, err
				}
				st.GaveUp++
				r.ing.count(func(m *metrics.Registry) { m.ReconcileGaveUp.Inc() })
				r.ing.logger.Error("giving up on order", zap.String("order_id", o.OrderID), zap.Error(err))
				continue
			}
			st.Pending++
			continue
		}
		if err := r.settle(ctx, o.OrderID, model.StatusQueued); err != nil {
			return st, err
		}
		st.Republished++
		r.ing.count(func(m *metrics.Registry) { m.Reconciled.Inc() })
	}
	return st, nil
}

// settle tolerates orders another process already moved to a terminal state.
func (r *Reconciler) settle(ctx context.Context, orderID string, next model.Status) error {
	err := r.ing.store.SetStatus(ctx, orderID, next)
	if errors.Is(err, model.ErrTerminalStatus) {
		return nil
	}
	return err
}

// Run calls RunOnce every interval until ctx is done.
func (r *Reconciler) Run(ctx context.Context, interval time.Duration) error {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		st, err := r.RunOnce(ctx)
		if err != nil && ctx.Err() == nil {
			r.ing.logger.Warn("reconcile pass failed", zap.Error(err))
		} else if st.Scanned > 0 {
			r.ing.logger.Info("reconcile pass",
				zap.Int("scanned", st.Scanned), zap.Int("republished", st.Republished),
				zap.Int("gave_up", st.GaveUp), zap.Int("pending", st.Pending))
		}
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
		}
	}
}
