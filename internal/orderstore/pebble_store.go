package orderstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"hash/fnv"
	"path/filepath"
	"sync"

	"github.com/cockroachdb/pebble"

	"orderflow/internal/model"
)

const pebbleOrderPrefix = "order/"

// PebbleStore implements Store using PebbleDB.
// Pebble has no transactions, so conflicting writes on one orderId are
// serialized with striped locks around the read-check-write.
type PebbleStore struct {
	db    *pebble.DB
	locks [64]sync.Mutex
}

func NewPebbleStore(dir string) (*PebbleStore, error) {
	opts := &pebble.Options{
		MemTableSize:             64 << 20,
		MaxConcurrentCompactions: func() int { return 2 },
		L0CompactionThreshold:    4,
		L0StopWritesThreshold:    8,
		WALBytesPerSync:          1 << 20,
	}
	d, err := pebble.Open(filepath.Clean(dir), opts)
	if err != nil {
		return nil, fmt.Errorf("pebble open: %w", err)
	}
	return &PebbleStore{db: d}, nil
}

func (p *PebbleStore) Close() error { return p.db.Close() }

func pebbleKey(orderID string) []byte { return []byte(pebbleOrderPrefix + orderID) }

func (p *PebbleStore) lockFor(orderID string) *sync.Mutex {
	h := fnv.New32a()
	_, _ = h.Write([]byte(orderID))
	return &p.locks[h.Sum32()%uint32(len(p.locks))]
}

func unavailable(op string, err error) error {
	return fmt.Errorf("%s: %w: %v", op, model.ErrStorageUnavailable, err)
}

func (p *PebbleStore) read(orderID string) (model.Order, bool, error) {
	v, closer, err := p.db.Get(pebbleKey(orderID))
	if errors.Is(err, pebble.ErrNotFound) {
		return model.Order{}, false, nil
	}
	if err != nil {
		return model.Order{}, false, unavailable("pebble get", err)
	}
	defer closer.Close()
	var o model.Order
	if err := json.Unmarshal(v, &o); err != nil {
		return model.Order{}, false, fmt.Errorf("decode order %s: %w", orderID, err)
	}
	return o, true, nil
}

func (p *PebbleStore) write(o model.Order) error {
	b, err := json.Marshal(&o)
	if err != nil {
		return fmt.Errorf("encode order: %w", err)
	}
	if err := p.db.Set(pebbleKey(o.OrderID), b, pebble.Sync); err != nil {
		return unavailable("pebble set", err)
	}
	return nil
}

func (p *PebbleStore) Put(_ context.Context, o model.Order) (PutResult, error) {
	if err := o.Validate(); err != nil {
		return 0, err
	}
	mu := p.lockFor(o.OrderID)
	mu.Lock()
	defer mu.Unlock()
	_, exists, err := p.read(o.OrderID)
	if err != nil {
		return 0, err
	}
	if exists {
		return AlreadyExists, nil
	}
	if err := p.write(o); err != nil {
		return 0, err
	}
	return Created, nil
}

func (p *PebbleStore) Get(_ context.Context, orderID string) (model.Order, error) {
	o, ok, err := p.read(orderID)
	if err != nil {
		return model.Order{}, err
	}
	if !ok {
		return model.Order{}, fmt.Errorf("order %s: %w", orderID, model.ErrNotFound)
	}
	return o, nil
}

func (p *PebbleStore) List(_ context.Context) ([]model.Order, error) {
	it, err := p.db.NewIter(&pebble.IterOptions{
		LowerBound: []byte(pebbleOrderPrefix),
		UpperBound: []byte("order0"), // '0' sorts right after '/'
	})
	if err != nil {
		return nil, unavailable("pebble iter", err)
	}
	defer it.Close()
	var out []model.Order
	for it.First(); it.Valid(); it.Next() {
		var o model.Order
		if err := json.Unmarshal(it.Value(), &o); err != nil {
			return nil, fmt.Errorf("decode order %s: %w", it.Key(), err)
		}
		out = append(out, o)
	}
	if err := it.Error(); err != nil {
		return nil, unavailable("pebble iter", err)
	}
	sortNewestFirst(out)
	return out, nil
}

func (p *PebbleStore) SetStatus(_ context.Context, orderID string, next model.Status) error {
	mu := p.lockFor(orderID)
	mu.Lock()
	defer mu.Unlock()
	o, ok, err := p.read(orderID)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("order %s: %w", orderID, model.ErrNotFound)
	}
	changed, err := transition(o.Status, next)
	if err != nil || !changed {
		return err
	}
	o.Status = next
	return p.write(o)
}
