package orderstore

import (
	"context"
	"testing"
	"time"
)

func TestPebbleStore_Contract(t *testing.T) {
	st, err := NewPebbleStore(t.TempDir())
	if err != nil {
		t.Fatalf("pebble open: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	runStoreContract(t, st)
}

func TestPebbleStore_SurvivesReopen(t *testing.T) {
	dir := t.TempDir()
	st, err := NewPebbleStore(dir)
	if err != nil {
		t.Fatalf("pebble open: %v", err)
	}
	ctx := context.Background()
	if _, err := st.Put(ctx, sampleOrder("ORD-1", time.Now().UTC())); err != nil {
		t.Fatalf("put: %v", err)
	}
	if err := st.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	st, err = NewPebbleStore(dir)
	if err != nil {
		t.Fatalf("pebble reopen: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	if res, err := st.Put(ctx, sampleOrder("ORD-1", time.Now().UTC())); err != nil || res != AlreadyExists {
		t.Fatalf("after reopen: res=%v err=%v", res, err)
	}
}

func TestBadgerStore_Contract(t *testing.T) {
	st, err := NewBadgerStore("")
	if err != nil {
		t.Fatalf("badger open: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	runStoreContract(t, st)
}

func TestBadgerStore_OnDisk(t *testing.T) {
	st, err := NewBadgerStore(t.TempDir())
	if err != nil {
		t.Fatalf("badger open: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	if res, err := st.Put(context.Background(), sampleOrder("ORD-1", time.Now().UTC())); err != nil || res != Created {
		t.Fatalf("put: res=%v err=%v", res, err)
	}
}

func TestGormStore_SQLiteContract(t *testing.T) {
	st, err := OpenGorm("sqlite", "file:"+t.Name()+"?mode=memory&cache=shared")
	if err != nil {
		t.Fatalf("gorm open: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	runStoreContract(t, st)
}

func TestOpenGorm_UnknownDriver(t *testing.T) {
	if _, err := OpenGorm("oracle", ""); err == nil {
		t.Fatalf("expected error")
	}
}
