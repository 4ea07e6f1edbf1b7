package orderstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"

	badger "github.com/dgraph-io/badger/v4"

	"orderflow/internal/model"
)

const badgerMaxConflictRetries = 5

// BadgerStore implements Store using BadgerDB. Conflicting Puts on one key are
// detected by Badger's optimistic transactions and retried, so the loser
// observes the winner's record.
type BadgerStore struct {
	db *badger.DB
}

// NewBadgerStore opens a store under dir. An empty dir opens an in-memory instance.
func NewBadgerStore(dir string) (*BadgerStore, error) {
	var opts badger.Options
	if dir == "" {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		opts = badger.DefaultOptions(filepath.Clean(dir)).WithSyncWrites(true)
	}
	opts = opts.WithLogger(nil)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("badger open: %w", err)
	}
	return &BadgerStore{db: db}, nil
}

func (b *BadgerStore) Close() error { return b.db.Close() }

func badgerKey(orderID string) []byte { return []byte(pebbleOrderPrefix + orderID) }

func readTxn(txn *badger.Txn, orderID string) (model.Order, bool, error) {
	item, err := txn.Get(badgerKey(orderID))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return model.Order{}, false, nil
	}
	if err != nil {
		return model.Order{}, false, err
	}
	var o model.Order
	err = item.Value(func(v []byte) error { return json.Unmarshal(v, &o) })
	if err != nil {
		return model.Order{}, false, err
	}
	return o, true, nil
}

func writeTxn(txn *badger.Txn, o model.Order) error {
	v, err := json.Marshal(&o)
	if err != nil {
		return err
	}
	return txn.Set(badgerKey(o.OrderID), v)
}

// update runs fn in a read-write transaction, retrying on write conflicts.
func (b *BadgerStore) update(fn func(txn *badger.Txn) error) error {
	var err error
	for i := 0; i < badgerMaxConflictRetries; i++ {
		err = b.db.Update(fn)
		if !errors.Is(err, badger.ErrConflict) {
			return err
		}
	}
	return err
}

func (b *BadgerStore) Put(_ context.Context, o model.Order) (PutResult, error) {
	if err := o.Validate(); err != nil {
		return 0, err
	}
	var res PutResult
	err := b.update(func(txn *badger.Txn) error {
		_, exists, err := readTxn(txn, o.OrderID)
		if err != nil {
			return err
		}
		if exists {
			res = AlreadyExists
			return nil
		}
		res = Created
		return writeTxn(txn, o)
	})
	if err != nil {
		return 0, unavailable("badger put", err)
	}
	return res, nil
}

func (b *BadgerStore) Get(_ context.Context, orderID string) (model.Order, error) {
	var (
		o  model.Order
		ok bool
	)
	err := b.db.View(func(txn *badger.Txn) error {
		var err error
		o, ok, err = readTxn(txn, orderID)
		return err
	})
	if err != nil {
		return model.Order{}, unavailable("badger get", err)
	}
	if !ok {
		return model.Order{}, fmt.Errorf("order %s: %w", orderID, model.ErrNotFound)
	}
	return o, nil
}

func (b *BadgerStore) List(_ context.Context) ([]model.Order, error) {
	var out []model.Order
	err := b.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(pebbleOrderPrefix)
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			var o model.Order
			if err := it.Item().Value(func(v []byte) error { return json.Unmarshal(v, &o) }); err != nil {
				return err
			}
			out = append(out, o)
		}
		return nil
	})
	if err != nil {
		return nil, unavailable("badger list", err)
	}
	sortNewestFirst(out)
	return out, nil
}

func (b *BadgerStore) SetStatus(_ context.Context, orderID string, next model.Status) error {
	var domainErr error
	err := b.update(func(txn *badger.Txn) error {
		domainErr = nil
		o, ok, err := readTxn(txn, orderID)
		if err != nil {
			return err
		}
		if !ok {
			domainErr = fmt.Errorf("order %s: %w", orderID, model.ErrNotFound)
			return nil
		}
		changed, terr := transition(o.Status, next)
		if terr != nil || !changed {
			domainErr = terr
			return nil
		}
		o.Status = next
		return writeTxn(txn, o)
	})
	if err != nil {
		return unavailable("badger set status", err)
	}
	return domainErr
}
