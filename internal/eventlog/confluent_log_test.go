package eventlog

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	ck "github.com/confluentinc/confluent-kafka-go/v2/kafka"

	"orderflow/internal/model"
)

func newMockConfluentLog(t *testing.T, partitions int) *ConfluentLog {
	t.Helper()
	mc, err := ck.NewMockCluster(1)
	if err != nil {
		t.Fatalf("mock cluster: %v", err)
	}
	t.Cleanup(mc.Close)
	if err := mc.CreateTopic("food-orders", partitions, 1); err != nil {
		t.Fatalf("create topic: %v", err)
	}
	l, err := NewConfluentLog(KafkaConfig{
		Brokers:     ParseBrokers(mc.BootstrapServers()),
		Topic:       "food-orders",
		Partitions:  partitions,
		ReadTimeout: 5 * time.Second,
	}, "foodorder-test")
	if err != nil {
		t.Fatalf("NewConfluentLog: %v", err)
	}
	return l
}

func confluentAppend(t *testing.T, l *ConfluentLog, partition int, id string) int64 {
	t.Helper()
	ev := model.NewEvent(model.Order{OrderID: id, Customer: "Alice", Items: []model.LineItem{{Name: "Burger", Quantity: 1}}})
	ev.Partition = partition
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	off, err := l.Append(ctx, &ev)
	if err != nil {
		t.Fatalf("append %s: %v", id, err)
	}
	if ev.Sequence != off {
		t.Fatalf("sequence=%d offset=%d", ev.Sequence, off)
	}
	return off
}

func TestConfluentLog_AppendReturnsDeliveredOffset(t *testing.T) {
	l := newMockConfluentLog(t, 2)
	defer l.Close()

	for i, id := range []string{"ORD-1", "ORD-2", "ORD-3"} {
		if off := confluentAppend(t, l, 1, id); off != int64(i) {
			t.Fatalf("%s offset=%d want %d", id, off, i)
		}
	}
	if off := confluentAppend(t, l, 0, "ORD-4"); off != 0 {
		t.Fatalf("partition 0 offset=%d want 0", off)
	}
	head, err := l.Head(context.Background(), 1)
	if err != nil {
		t.Fatalf("head: %v", err)
	}
	if head != 3 {
		t.Fatalf("head=%d want 3", head)
	}
}

func TestConfluentLog_ReadFromBoundedByHead(t *testing.T) {
	ctx := context.Background()
	l := newMockConfluentLog(t, 1)
	defer l.Close()
	for _, id := range []string{"ORD-1", "ORD-2", "ORD-3"} {
		confluentAppend(t, l, 0, id)
	}

	recs, err := l.ReadFrom(ctx, 0, 0, 2)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if len(recs) != 2 || recs[0].Offset != 0 || recs[1].Offset != 1 {
		t.Fatalf("unexpected batch: %+v", recs)
	}
	ev, err := DecodeEvent(recs[1])
	if err != nil || ev.OrderID != "ORD-2" {
		t.Fatalf("decode: %v %+v", err, ev)
	}

	recs, err = l.ReadFrom(ctx, 0, 2, 10)
	if err != nil || len(recs) != 1 || recs[0].Offset != 2 {
		t.Fatalf("tail read: %v %+v", err, recs)
	}

	start := time.Now()
	recs, err = l.ReadFrom(ctx, 0, 3, 10)
	if err != nil || len(recs) != 0 {
		t.Fatalf("caught-up read: %v %+v", err, recs)
	}
	if time.Since(start) > 4*time.Second {
		t.Fatalf("caught-up read waited for the read timeout")
	}
}

func TestConfluentLog_ProduceErrorsWrapPublishFailed(t *testing.T) {
	l := newMockConfluentLog(t, 1)

	ev := model.NewEvent(model.Order{OrderID: "ORD-1", Customer: "Bob", Items: []model.LineItem{{Name: "Pizza", Quantity: 1}}})
	ev.Partition = 3
	if _, err := l.Append(context.Background(), &ev); !errors.Is(err, model.ErrPublishFailed) {
		t.Fatalf("out of range partition: %v", err)
	}

	if err := l.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	ev.Partition = 0
	_, err := l.Append(context.Background(), &ev)
	if !errors.Is(err, model.ErrPublishFailed) {
		t.Fatalf("append on closed producer: %v", err)
	}
	if !strings.Contains(err.Error(), "confluent produce") {
		t.Fatalf("unexpected error: %v", err)
	}
}
