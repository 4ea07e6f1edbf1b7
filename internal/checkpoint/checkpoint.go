// Package checkpoint persists each partition's committed next-offset together
// with the consumer's dedup window.
package checkpoint

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"strconv"
	"sync"

	"github.com/cockroachdb/pebble"
)

const DefaultWindow = 1024

// Checkpoint is the resume point of one partition. Seen holds the most recent
// event ids, oldest first.
type Checkpoint struct {
	Partition int      `json:"partition"`
	Offset    int64    `json:"offset"`
	Seen      []string `json:"seen,omitempty"`
}

// Store loads and commits checkpoints. Load of an unknown partition returns
// a zero checkpoint at offset 0.
type Store interface {
	Load(ctx context.Context, partition int) (Checkpoint, error)
	Commit(ctx context.Context, cp Checkpoint) error
	Close() error
}

// Window is a bounded FIFO set of event ids.
type Window struct {
	size  int
	order []string
	set   map[string]struct{}
}

func NewWindow(size int, seen []string) *Window {
	if size <= 0 {
		size = DefaultWindow
	}
	w := &Window{size: size, set: make(map[string]struct{}, size)}
	for _, id := range seen {
		w.Add(id)
	}
	return w
}

func (w *Window) Contains(id string) bool {
	_, ok := w.set[id]
	return ok
}

// Add records id, evicting the oldest once the window is full.
func (w *Window) Add(id string) {
	if w.Contains(id) {
		return
	}
	if len(w.order) == w.size {
		delete(w.set, w.order[0])
		w.order = w.order[1:]
	}
	w.order = append(w.order, id)
	w.set[id] = struct{}{}
}

// IDs returns a copy of the window contents, oldest first.
func (w *Window) IDs() []string {
	return append([]string(nil), w.order...)
}

type InMemory struct {
	mu  sync.Mutex
	cps map[int]Checkpoint
}

func NewInMemory() *InMemory { return &InMemory{cps: make(map[int]Checkpoint)} }

func (m *InMemory) Load(_ context.Context, partition int) (Checkpoint, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp, ok := m.cps[partition]
	if !ok {
		return Checkpoint{Partition: partition}, nil
	}
	cp.Seen = append([]string(nil), cp.Seen...)
	return cp, nil
}

func (m *InMemory) Commit(_ context.Context, cp Checkpoint) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp.Seen = append([]string(nil), cp.Seen...)
	m.cps[cp.Partition] = cp
	return nil
}

func (m *InMemory) Close() error { return nil }

// PebbleStore keeps checkpoints under "checkpoint/<partition>" with synced writes.
type PebbleStore struct {
	db *pebble.DB
}

func NewPebbleStore(dir string) (*PebbleStore, error) {
	d, err := pebble.Open(filepath.Clean(dir), &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("pebble open: %w", err)
	}
	return &PebbleStore{db: d}, nil
}

func key(partition int) []byte { return []byte("checkpoint/" + strconv.Itoa(partition)) }

func (p *PebbleStore) Load(_ context.Context, partition int) (Checkpoint, error) {
	v, closer, err := p.db.Get(key(partition))
	if errors.Is(err, pebble.ErrNotFound) {
		return Checkpoint{Partition: partition}, nil
	}
	if err != nil {
		return Checkpoint{}, fmt.Errorf("load checkpoint %d: %w", partition, err)
	}
	defer closer.Close()
	var cp Checkpoint
	if err := json.Unmarshal(v, &cp); err != nil {
		return Checkpoint{}, fmt.Errorf("decode checkpoint %d: %w", partition, err)
	}
	return cp, nil
}

func (p *PebbleStore) Commit(_ context.Context, cp Checkpoint) error {
	b, err := json.Marshal(&cp)
	if err != nil {
		return fmt.Errorf("encode checkpoint: %w", err)
	}
	if err := p.db.Set(key(cp.Partition), b, pebble.Sync); err != nil {
		return fmt.Errorf("commit checkpoint %d: %w", cp.Partition, err)
	}
	return nil
}

func (p *PebbleStore) Close() error { return p.db.Close() }
