// Package pipeline turns order requests into persisted orders and published
// events, and reconciles orders whose event never made it to the log.
package pipeline

import (
	"context"
	"errors"
	"strings"
	"time"

	"go.uber.org/zap"

	"orderflow/internal/eventlog"
	"orderflow/internal/metrics"
	"orderflow/internal/model"
	"orderflow/internal/orderstore"
	"orderflow/internal/retry"
)

// State is a step of a submission. Validating, Persisting and Publishing
// are only seen by a trace hook; a Result always carries a final state.
type State string

const (
	Validating             State = "validating"
	Persisting             State = "persisting"
	Publishing             State = "publishing"
	Acknowledged           State = "acknowledged"
	RejectedInvalid        State = "rejected_invalid"
	PersistFailed          State = "persist_failed"
	PersistedPublishFailed State = "persisted_publish_failed"
)

// WarningReconciliationPending means the order is stored but its event is not
// yet in the log. The reconciler will publish it.
const WarningReconciliationPending = "ReconciliationPending"

// Request is the client's order submission. Either Items or the single
// Item/Quantity form is used.
type Request struct {
	OrderID  string           `json:"orderId"`
	Customer string           `json:"customer"`
	Items    []model.LineItem `json:"items"`
	Item     string           `json:"item"`
	Quantity *int64           `json:"quantity"`
}

// Result is returned for every submission that reached the store.
type Result struct {
	OrderID   string
	State     State
	Duplicate bool
	Warning   string
	Partition int
	Offset    int64
}

type Ingestor struct {
	store       orderstore.Store
	log         eventlog.Log
	partitioner eventlog.Partitioner
	storeRetry  retry.Policy
	pubRetry    retry.Policy
	logger      *zap.Logger
	metrics     *metrics.Registry
	now         func() time.Time
	trace       func(orderID string, s State)
}

type Option func(*Ingestor)

func WithLogger(l *zap.Logger) Option        { return func(i *Ingestor) { i.logger = l } }
func WithMetrics(m *metrics.Registry) Option { return func(i *Ingestor) { i.metrics = m } }
func WithClock(now func() time.Time) Option  { return func(i *Ingestor) { i.now = now } }

// WithTrace is called on every state a submission enters, final state included.
func WithTrace(f func(orderID string, s State)) Option { return func(i *Ingestor) { i.trace = f } }

// WithRetry sets the store and publish retry policies.
func WithRetry(store, publish retry.Policy) Option {
	return func(i *Ingestor) {
		i.storeRetry = store
		i.pubRetry = publish
	}
}

func NewIngestor(store orderstore.Store, log eventlog.Log, p eventlog.Partitioner, opts ...Option) *Ingestor {
	i := &Ingestor{
		store:       store,
		log:         log,
		partitioner: p,
		storeRetry:  retry.Default,
		pubRetry:    retry.Default,
		now:         time.Now,
	}
	for _, o := range opts {
		o(i)
	}
	if i.logger == nil {
		i.logger = zap.NewNop()
	}
	if i.partitioner == nil {
		i.partitioner = eventlog.Fixed(0)
	}
	if i.trace == nil {
		logger := i.logger
		i.trace = func(id string, s State) {
			logger.Debug("submission state", zap.String("order_id", id), zap.String("state", string(s)))
		}
	}
	return i
}

// Normalize fills defaults and expands the single item form.
func Normalize(req Request, now time.Time) model.Order {
	customer := strings.TrimSpace(req.Customer)
	if customer == "" {
		customer = model.DefaultCustomer
	}
	var items []model.LineItem
	for _, it := range req.Items {
		items = append(items, model.LineItem{Name: strings.TrimSpace(it.Name), Quantity: it.Quantity})
	}
	if len(items) == 0 && strings.TrimSpace(req.Item) != "" {
		qty := int64(1)
		if req.Quantity != nil {
			qty = *req.Quantity
		}
		items = append(items, model.LineItem{Name: strings.TrimSpace(req.Item), Quantity: qty})
	}
	id := strings.TrimSpace(req.OrderID)
	if id == "" {
		id = model.NewOrderID(now)
	}
	return model.Order{
		OrderID:   id,
		Customer:  customer,
		Items:     items,
		CreatedAt: now.UTC(),
		Status:    model.StatusReceived,
	}
}

// Submit runs validate, persist, publish and acknowledge. A returned error
// means nothing usable was stored: a *model.ValidationError for bad input
// or model.ErrStorageUnavailable once store retries are exhausted. A stored
// order whose event could not be appended is a success with a warning.
func (i *Ingestor) Submit(ctx context.Context, req Request) (Result, error) {
	begin := time.Now()
	defer func() {
		if i.metrics != nil {
			i.metrics.IngestLatencySec.Observe(time.Since(begin).Seconds())
		}
	}()

	order := Normalize(req, i.now())
	res, err := i.submit(ctx, order)
	i.trace(order.OrderID, res.State)
	return res, err
}

func (i *Ingestor) submit(ctx context.Context, order model.Order) (Result, error) {
	i.trace(order.OrderID, Validating)
	if err := order.Validate(); err != nil {
		i.count(func(m *metrics.Registry) { m.OrdersRejected.Inc() })
		return Result{OrderID: order.OrderID, State: RejectedInvalid}, err
	}

	i.trace(order.OrderID, Persisting)
	put, err := retry.Do(ctx, i.storeRetry, isStorageTransient,
		func(err error, next time.Duration) {
			i.logger.Warn("order store put retry", zap.String("order_id", order.OrderID), zap.Duration("next", next), zap.Error(err))
		},
		func() (orderstore.PutResult, error) { return i.store.Put(ctx, order) })
	if err != nil {
		var verr *model.ValidationError
		if errors.As(err, &verr) {
			i.count(func(m *metrics.Registry) { m.OrdersRejected.Inc() })
			return Result{OrderID: order.OrderID, State: RejectedInvalid}, err
		}
		i.count(func(m *metrics.Registry) { m.PersistFailures.Inc() })
		i.logger.Error("failed to save order", zap.String("order_id", order.OrderID), zap.Error(err))
		return Result{OrderID: order.OrderID, State: PersistFailed}, err
	}
	if put == orderstore.AlreadyExists {
		i.count(func(m *metrics.Registry) { m.OrdersDuplicate.Inc() })
		i.logger.Info("duplicate order submission", zap.String("order_id", order.OrderID))
		return Result{OrderID: order.OrderID, State: Acknowledged, Duplicate: true}, nil
	}
	i.count(func(m *metrics.Registry) { m.OrdersCreated.Inc() })
	i.logger.Info("order saved", zap.String("order_id", order.OrderID), zap.String("customer", order.Customer))

	i.trace(order.OrderID, Publishing)
	ev, err := i.publish(ctx, order)
	if err != nil {
		i.logger.Warn("order saved but event not published",
			zap.String("order_id", order.OrderID), zap.String("warning", WarningReconciliationPending), zap.Error(err))
		return Result{OrderID: order.OrderID, State: PersistedPublishFailed, Warning: WarningReconciliationPending}, nil
	}
	if err := i.store.SetStatus(ctx, order.OrderID, model.StatusQueued); err != nil {
		// The event is in the log; the reconciler settles the status later.
		i.logger.Warn("mark order queued", zap.String("order_id", order.OrderID), zap.Error(err))
	}
	return Result{OrderID: order.OrderID, State: Acknowledged, Partition: ev.Partition, Offset: ev.Sequence}, nil
}

// publish appends the order's event with retries.
func (i *Ingestor) publish(ctx context.Context, order model.Order) (model.Event, error) {
	ev := model.NewEvent(order)
	ev.Partition = i.partitioner.Partition(ev.PartitionKey)
	_, err := retry.Do(ctx, i.pubRetry, isPublishTransient,
		func(err error, next time.Duration) {
			i.logger.Warn("event append retry", zap.String("event_id", ev.EventID), zap.Duration("next", next), zap.Error(err))
		},
		func() (int64, error) { return i.log.Append(ctx, &ev) })
	if err != nil {
		i.count(func(m *metrics.Registry) { m.PublishFailures.Inc() })
		return ev, err
	}
	i.count(func(m *metrics.Registry) { m.Published.Inc() })
	i.logger.Info("order event published",
		zap.String("event_id", ev.EventID), zap.Int("partition", ev.Partition), zap.Int64("offset", ev.Sequence))
	return ev, nil
}

func (i *Ingestor) count(f func(*metrics.Registry)) {
	if i.metrics != nil {
		f(i.metrics)
	}
}

func isStorageTransient(err error) bool { return errors.Is(err, model.ErrStorageUnavailable) }
func isPublishTransient(err error) bool { return errors.Is(err, model.ErrPublishFailed) }
