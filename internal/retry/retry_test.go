package retry

import (
	"context"
	"errors"
	"testing"
	"time"
)

var (
	errTransient = errors.New("transient")
	errFatal     = errors.New("fatal")
)

func fast(attempts uint) Policy {
	return Policy{Attempts: attempts, Initial: time.Millisecond, Max: 2 * time.Millisecond}
}

func isTransient(err error) bool { return errors.Is(err, errTransient) }

func TestDo_SucceedsAfterTransientFailures(t *testing.T) {
	calls, notified := 0, 0
	v, err := Do(context.Background(), fast(5), isTransient,
		func(error, time.Duration) { notified++ },
		func() (int, error) {
			calls++
			if calls < 3 {
				return 0, errTransient
			}
			return 7, nil
		})
	if err != nil || v != 7 {
		t.Fatalf("v=%d err=%v", v, err)
	}
	if calls != 3 || notified != 2 {
		t.Fatalf("calls=%d notified=%d", calls, notified)
	}
}

func TestDo_StopsAtAttempts(t *testing.T) {
	calls := 0
	_, err := Do(context.Background(), fast(3), isTransient, nil, func() (struct{}, error) {
		calls++
		return struct{}{}, errTransient
	})
	if !errors.Is(err, errTransient) || calls != 3 {
		t.Fatalf("calls=%d err=%v", calls, err)
	}
}

func TestDo_PermanentErrorIsNotRetried(t *testing.T) {
	calls := 0
	_, err := Do(context.Background(), fast(5), isTransient, nil, func() (struct{}, error) {
		calls++
		return struct{}{}, errFatal
	})
	if !errors.Is(err, errFatal) || calls != 1 {
		t.Fatalf("calls=%d err=%v", calls, err)
	}
}
