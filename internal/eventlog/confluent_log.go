package eventlog

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	ck "github.com/confluentinc/confluent-kafka-go/v2/kafka"

	"orderflow/internal/model"
)

// ConfluentLog is a Log on librdkafka. The producer is idempotent with
// acks=all, and Append waits for the delivery report instead of using a
// callback.
type ConfluentLog struct {
	cfg KafkaConfig
	p   *ck.Producer

	mu sync.Mutex // guards c; Assign+ReadMessage must not interleave
	c  *ck.Consumer
}

func NewConfluentLog(cfg KafkaConfig, groupID string) (*ConfluentLog, error) {
	if cfg.Partitions < 1 {
		cfg.Partitions = 1
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = 2 * time.Second
	}
	bootstrap := strings.Join(cfg.Brokers, ",")
	p, err := ck.NewProducer(&ck.ConfigMap{
		"bootstrap.servers":  bootstrap,
		"enable.idempotence": true,
		"acks":               "all",
	})
	if err != nil {
		return nil, fmt.Errorf("producer: %w", err)
	}
	c, err := ck.NewConsumer(&ck.ConfigMap{
		"bootstrap.servers":  bootstrap,
		"group.id":           groupID,
		"enable.auto.commit": false,
		"isolation.level":    "read_committed",
		"auto.offset.reset":  "earliest",
	})
	if err != nil {
		p.Close()
		return nil, fmt.Errorf("consumer: %w", err)
	}
	// Delivery reports go to per-call channels; drain the rest (errors, stats).
	go func() {
		for range p.Events() {
		}
	}()
	return &ConfluentLog{cfg: cfg, p: p, c: c}, nil
}

func (l *ConfluentLog) Partitions() int { return l.cfg.Partitions }

func (l *ConfluentLog) Append(ctx context.Context, ev *model.Event) (int64, error) {
	if err := checkPartition(l, ev.Partition); err != nil {
		return 0, publishFailed("confluent append", err)
	}
	ev.Sequence = 0
	b, err := json.Marshal(ev)
	if err != nil {
		return 0, fmt.Errorf("marshal event: %w", err)
	}
	topic := l.cfg.Topic
	delivery := make(chan ck.Event, 1)
	err = l.p.Produce(&ck.Message{
		TopicPartition: ck.TopicPartition{Topic: &topic, Partition: int32(ev.Partition)},
		Key:            []byte(ev.PartitionKey),
		Value:          b,
	}, delivery)
	if err != nil {
		return 0, publishFailed("confluent produce", err)
	}
	select {
	case e := <-delivery:
		m, ok := e.(*ck.Message)
		if !ok {
			return 0, publishFailed("confluent delivery", fmt.Errorf("unexpected event %v", e))
		}
		if m.TopicPartition.Error != nil {
			return 0, publishFailed("confluent delivery", m.TopicPartition.Error)
		}
		off := int64(m.TopicPartition.Offset)
		ev.Sequence = off
		return off, nil
	case <-ctx.Done():
		// The record may still land; its eventId lets consumers drop the
		// reconciler's republish.
		return 0, publishFailed("confluent delivery", ctx.Err())
	}
}

func (l *ConfluentLog) Head(_ context.Context, partition int) (int64, error) {
	if err := checkPartition(l, partition); err != nil {
		return 0, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	_, high, err := l.c.QueryWatermarkOffsets(l.cfg.Topic, int32(partition), int(l.cfg.ReadTimeout/time.Millisecond))
	if err != nil {
		return 0, fmt.Errorf("watermarks: %w", err)
	}
	return high, nil
}

func (l *ConfluentLog) ReadFrom(ctx context.Context, partition int, offset int64, max int) ([]Record, error) {
	head, err := l.Head(ctx, partition)
	if err != nil {
		return nil, err
	}
	if offset < 0 || offset >= head {
		return nil, nil
	}
	n := head - offset
	if max > 0 && int64(max) < n {
		n = int64(max)
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	topic := l.cfg.Topic
	if err := l.c.Assign([]ck.TopicPartition{{Topic: &topic, Partition: int32(partition), Offset: ck.Offset(offset)}}); err != nil {
		return nil, fmt.Errorf("assign: %w", err)
	}
	defer func() { _ = l.c.Unassign() }()

	deadline := time.Now().Add(l.cfg.ReadTimeout)
	out := make([]Record, 0, n)
	for int64(len(out)) < n && ctx.Err() == nil {
		left := time.Until(deadline)
		if left <= 0 {
			break
		}
		m, err := l.c.ReadMessage(left)
		if err != nil {
			if kerr, ok := err.(ck.Error); ok && kerr.Code() == ck.ErrTimedOut {
				break
			}
			if len(out) > 0 {
				break
			}
			return nil, fmt.Errorf("confluent read: %w", err)
		}
		out = append(out, Record{Partition: partition, Offset: int64(m.TopicPartition.Offset), Value: m.Value})
	}
	return out, nil
}

func (l *ConfluentLog) Close() error {
	l.p.Flush(5000)
	l.p.Close()
	return l.c.Close()
}
