package orderstore

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"orderflow/internal/model"
)

// PutResult is the outcome of an idempotent insert.
type PutResult int

const (
	Created PutResult = iota + 1
	AlreadyExists
)

func (r PutResult) String() string {
	switch r {
	case Created:
		return "created"
	case AlreadyExists:
		return "already_exists"
	default:
		return "unknown"
	}
}

// Store is durable order storage keyed by orderId.
// Put never overwrites an existing record.
type Store interface {
	Put(ctx context.Context, o model.Order) (PutResult, error)
	Get(ctx context.Context, orderID string) (model.Order, error)
	// List returns all orders, most recent first.
	List(ctx context.Context) ([]model.Order, error)
	// SetStatus moves a received order to next. Terminal orders are never changed.
	SetStatus(ctx context.Context, orderID string, next model.Status) error
	Close() error
}

// transition decides whether cur may move to next.
func transition(cur, next model.Status) (changed bool, err error) {
	if cur == next {
		return false, nil
	}
	if cur.Terminal() || next == model.StatusReceived {
		return false, fmt.Errorf("%w: %s -> %s", model.ErrTerminalStatus, cur, next)
	}
	return true, nil
}

func sortNewestFirst(orders []model.Order) {
	sort.SliceStable(orders, func(i, j int) bool {
		if orders[i].CreatedAt.Equal(orders[j].CreatedAt) {
			return orders[i].OrderID > orders[j].OrderID
		}
		return orders[i].CreatedAt.After(orders[j].CreatedAt)
	})
}

func copyOrder(o model.Order) model.Order {
	o.Items = append([]model.LineItem(nil), o.Items...)
	return o
}

// InMemoryStore is a simple thread-safe map store.
type InMemoryStore struct {
	mu   sync.RWMutex
	data map[string]model.Order
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{data: make(map[string]model.Order)}
}

func (s *InMemoryStore) Put(_ context.Context, o model.Order) (PutResult, error) {
	if err := o.Validate(); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.data[o.OrderID]; ok {
		return AlreadyExists, nil
	}
	s.data[o.OrderID] = copyOrder(o)
	return Created, nil
}

func (s *InMemoryStore) Get(_ context.Context, orderID string) (model.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	o, ok := s.data[orderID]
	if !ok {
		return model.Order{}, fmt.Errorf("order %s: %w", orderID, model.ErrNotFound)
	}
	return copyOrder(o), nil
}

func (s *InMemoryStore) List(_ context.Context) ([]model.Order, error) {
	s.mu.RLock()
	out := make([]model.Order, 0, len(s.data))
	for _, o := range s.data {
		out = append(out, copyOrder(o))
	}
	s.mu.RUnlock()
	sortNewestFirst(out)
	return out, nil
}

func (s *InMemoryStore) SetStatus(_ context.Context, orderID string, next model.Status) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.data[orderID]
	if !ok {
		return fmt.Errorf("order %s: %w", orderID, model.ErrNotFound)
	}
	changed, err := transition(o.Status, next)
	if err != nil || !changed {
		return err
	}
	o.Status = next
	s.data[orderID] = o
	return nil
}

func (s *InMemoryStore) Close() error { return nil }
