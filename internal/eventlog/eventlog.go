// Package eventlog is the append-only, partition-ordered log of order events.
//
// Offsets are per partition, start at 0 and are gapless. An event's Sequence
// equals its offset. Reads are poll style: ReadFrom returns whatever is
// available from the given offset, possibly nothing, and never waits longer
// than the backend's bounded read timeout.
package eventlog

import (
	"context"
	"encoding/json"
	"fmt"
	"hash/fnv"
	"sync"

	"orderflow/internal/model"
)

// Record is one raw entry read back from a partition. Value is left undecoded
// so consumers can treat malformed entries as poison.
type Record struct {
	Partition int
	Offset    int64
	Value     []byte
}

// Log is the event log contract.
type Log interface {
	// Append durably writes ev to ev.Partition and returns its offset.
	// ev.Sequence is set to the returned offset.
	Append(ctx context.Context, ev *model.Event) (int64, error)
	// ReadFrom returns up to max records starting at offset.
	ReadFrom(ctx context.Context, partition int, offset int64, max int) ([]Record, error)
	// Head returns the offset the next append to partition will get.
	Head(ctx context.Context, partition int) (int64, error)
	Partitions() int
	Close() error
}

// Partitioner maps a partition key to a partition.
type Partitioner interface {
	Partition(key string) int
}

// Fixed routes every key to a single partition.
type Fixed int

func (f Fixed) Partition(string) int { return int(f) }

// HashByKey spreads keys over N partitions with FNV-1a.
type HashByKey int

func (h HashByKey) Partition(key string) int {
	if h <= 1 {
		return 0
	}
	f := fnv.New32a()
	_, _ = f.Write([]byte(key))
	return int(f.Sum32() % uint32(h))
}

// NewPartitioner returns Fixed(0) for a single partition and HashByKey otherwise.
func NewPartitioner(partitions int) Partitioner {
	if partitions <= 1 {
		return Fixed(0)
	}
	return HashByKey(partitions)
}

func checkPartition(l Log, partition int) error {
	if partition < 0 || partition >= l.Partitions() {
		return fmt.Errorf("partition %d out of range [0,%d)", partition, l.Partitions())
	}
	return nil
}

func publishFailed(op string, err error) error {
	return fmt.Errorf("%s: %w: %v", op, model.ErrPublishFailed, err)
}

// DecodeEvent decodes and schema-checks a record. Any failure wraps ErrPoisonEvent.
func DecodeEvent(r Record) (model.Event, error) {
	var ev model.Event
	if err := json.Unmarshal(r.Value, &ev); err != nil {
		return model.Event{}, fmt.Errorf("%w: decode offset %d: %v", model.ErrPoisonEvent, r.Offset, err)
	}
	if err := model.ValidateEvent(ev); err != nil {
		return model.Event{}, err
	}
	ev.Partition = r.Partition
	ev.Sequence = r.Offset
	return ev, nil
}

// MemoryLog keeps partitions in memory. Used in tests and single-process demos.
type MemoryLog struct {
	mu    sync.RWMutex
	parts [][][]byte
	// FailAppend, when set, makes Append fail with ErrPublishFailed.
	FailAppend func(ev model.Event) error
}

func NewMemoryLog(partitions int) *MemoryLog {
	if partitions < 1 {
		partitions = 1
	}
	return &MemoryLog{parts: make([][][]byte, partitions)}
}

func (m *MemoryLog) Partitions() int { return len(m.parts) }

func (m *MemoryLog) Append(ctx context.Context, ev *model.Event) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, publishFailed("memory append", err)
	}
	if err := checkPartition(m, ev.Partition); err != nil {
		return 0, publishFailed("memory append", err)
	}
	if m.FailAppend != nil {
		if err := m.FailAppend(*ev); err != nil {
			return 0, publishFailed("memory append", err)
		}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	off := int64(len(m.parts[ev.Partition]))
	ev.Sequence = off
	b, err := json.Marshal(ev)
	if err != nil {
		return 0, fmt.Errorf("marshal event: %w", err)
	}
	m.parts[ev.Partition] = append(m.parts[ev.Partition], b)
	return off, nil
}

// AppendRaw appends bytes without encoding; lets tests inject malformed entries.
func (m *MemoryLog) AppendRaw(partition int, value []byte) int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.parts[partition] = append(m.parts[partition], append([]byte(nil), value...))
	return int64(len(m.parts[partition]) - 1)
}

func (m *MemoryLog) ReadFrom(_ context.Context, partition int, offset int64, max int) ([]Record, error) {
	if err := checkPartition(m, partition); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	p := m.parts[partition]
	if offset < 0 || offset >= int64(len(p)) {
		return nil, nil
	}
	end := int64(len(p))
	if max > 0 && offset+int64(max) < end {
		end = offset + int64(max)
	}
	out := make([]Record, 0, end-offset)
	for i := offset; i < end; i++ {
		out = append(out, Record{Partition: partition, Offset: i, Value: p[i]})
	}
	return out, nil
}

func (m *MemoryLog) Head(_ context.Context, partition int) (int64, error) {
	if err := checkPartition(m, partition); err != nil {
		return 0, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	return int64(len(m.parts[partition])), nil
}

func (m *MemoryLog) Close() error { return nil }
