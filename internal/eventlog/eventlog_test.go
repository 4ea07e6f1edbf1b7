package eventlog

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"testing"

	"orderflow/internal/model"
)

func burgerEvent(id string, partition int) model.Event {
	ev := model.NewEvent(model.Order{
		OrderID:  id,
		Customer: "Alice",
		Items:    []model.LineItem{{Name: "Burger", Quantity: 2}},
		Status:   model.StatusReceived,
	})
	ev.Partition = partition
	return ev
}

// runLogContract checks append/read semantics shared by local backends.
func runLogContract(t *testing.T, l Log) {
	t.Helper()
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		ev := burgerEvent(fmt.Sprintf("ORD-%d", i), 0)
		off, err := l.Append(ctx, &ev)
		if err != nil {
			t.Fatalf("append %d: %v", i, err)
		}
		if off != int64(i) || ev.Sequence != int64(i) {
			t.Fatalf("append %d: offset=%d seq=%d", i, off, ev.Sequence)
		}
	}
	ev := burgerEvent("ORD-p1", 1)
	if off, err := l.Append(ctx, &ev); err != nil || off != 0 {
		t.Fatalf("partition 1 append: off=%d err=%v", off, err)
	}

	head, err := l.Head(ctx, 0)
	if err != nil || head != 5 {
		t.Fatalf("head=%d err=%v", head, err)
	}

	recs, err := l.ReadFrom(ctx, 0, 1, 2)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if len(recs) != 2 || recs[0].Offset != 1 || recs[1].Offset != 2 {
		t.Fatalf("unexpected batch: %+v", recs)
	}
	got, err := DecodeEvent(recs[0])
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.OrderID != "ORD-1" || got.EventID != "EVT-ORD-1" || got.Sequence != 1 {
		t.Fatalf("unexpected event: %+v", got)
	}

	// Restartable from any offset, empty when caught up.
	recs, _ = l.ReadFrom(ctx, 0, 3, 0)
	if len(recs) != 2 {
		t.Fatalf("read to end: %d records", len(recs))
	}
	recs, err = l.ReadFrom(ctx, 0, 5, 10)
	if err != nil || len(recs) != 0 {
		t.Fatalf("caught-up read: %v %v", recs, err)
	}
	if _, err := l.ReadFrom(ctx, 9, 0, 1); err == nil {
		t.Fatalf("expected out of range error")
	}
	bad := burgerEvent("ORD-x", 9)
	if _, err := l.Append(ctx, &bad); !errors.Is(err, model.ErrPublishFailed) {
		t.Fatalf("want ErrPublishFailed, got %v", err)
	}
}

func TestMemoryLog_Contract(t *testing.T) {
	runLogContract(t, NewMemoryLog(2))
}

func TestFileLog_Contract(t *testing.T) {
	l, err := OpenFileLog(t.TempDir(), 2)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { _ = l.Close() })
	runLogContract(t, l)
}

func TestFileLog_ReopenAndTornTail(t *testing.T) {
	dir := t.TempDir()
	l, err := OpenFileLog(dir, 1)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	for i := 0; i < 3; i++ {
		ev := burgerEvent(fmt.Sprintf("ORD-%d", i), 0)
		if _, err := l.Append(context.Background(), &ev); err != nil {
			t.Fatalf("append: %v", err)
		}
	}
	_ = l.Close()

	// Simulate a crash in the middle of a write.
	f, err := os.OpenFile(partitionPath(dir, 0), os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		t.Fatalf("open file: %v", err)
	}
	_, _ = f.WriteString(`{"eventId":"EVT-half`)
	_ = f.Close()

	l, err = OpenFileLog(dir, 1)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	t.Cleanup(func() { _ = l.Close() })
	if head, _ := l.Head(context.Background(), 0); head != 3 {
		t.Fatalf("head after reopen=%d want 3", head)
	}
	ev := burgerEvent("ORD-3", 0)
	off, err := l.Append(context.Background(), &ev)
	if err != nil || off != 3 {
		t.Fatalf("append after reopen: off=%d err=%v", off, err)
	}
	recs, _ := l.ReadFrom(context.Background(), 0, 0, 0)
	if len(recs) != 4 {
		t.Fatalf("records=%d want 4", len(recs))
	}
	for _, r := range recs {
		if _, err := DecodeEvent(r); err != nil {
			t.Fatalf("offset %d: %v", r.Offset, err)
		}
	}
}

func TestMemoryLog_ConcurrentAppendsAreGapless(t *testing.T) {
	l := NewMemoryLog(1)
	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			ev := burgerEvent(fmt.Sprintf("ORD-%d", i), 0)
			if _, err := l.Append(context.Background(), &ev); err != nil {
				t.Errorf("append: %v", err)
			}
		}()
	}
	wg.Wait()
	recs, _ := l.ReadFrom(context.Background(), 0, 0, 0)
	if len(recs) != 100 {
		t.Fatalf("records=%d", len(recs))
	}
	for i, r := range recs {
		ev, err := DecodeEvent(r)
		if err != nil || ev.Sequence != int64(i) {
			t.Fatalf("offset %d: seq=%d err=%v", i, ev.Sequence, err)
		}
	}
}

func TestDecodeEvent_Poison(t *testing.T) {
	l := NewMemoryLog(1)
	l.AppendRaw(0, []byte("not json"))
	l.AppendRaw(0, []byte(`{"orderId":"ORD-1"}`))
	recs, _ := l.ReadFrom(context.Background(), 0, 0, 0)
	for _, r := range recs {
		if _, err := DecodeEvent(r); !errors.Is(err, model.ErrPoisonEvent) {
			t.Fatalf("offset %d: want poison, got %v", r.Offset, err)
		}
	}
}

func TestPartitioners(t *testing.T) {
	if NewPartitioner(1).Partition("anyone") != 0 {
		t.Fatalf("single partition must be 0")
	}
	p := NewPartitioner(4)
	a := p.Partition("Alice")
	if a != p.Partition("Alice") || a < 0 || a >= 4 {
		t.Fatalf("hash partitioner not stable: %d", a)
	}
}
