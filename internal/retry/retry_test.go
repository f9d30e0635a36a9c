package retry

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

func TestDoStopsOnFirstSuccess(t *testing.T) {
	var calls int
	err := Do(context.Background(), 3, 10*time.Millisecond, func() error {
		calls++
		return nil
	})
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	if calls != 1 {
		t.Fatalf("calls = %d, want 1", calls)
	}
}

func TestDoRetriesTransientFailures(t *testing.T) {
	var calls int
	err := Do(context.Background(), 3, 10*time.Millisecond, func() error {
		calls++
		if calls < 3 {
			return errors.New("rpc timeout")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	if calls != 3 {
		t.Fatalf("calls = %d, want 3", calls)
	}
}

func TestDoReturnsLastErrorWhenExhausted(t *testing.T) {
	var calls int
	sentinel := errors.New("node unreachable")
	err := Do(context.Background(), 3, 10*time.Millisecond, func() error {
		calls++
		return sentinel
	})
	if !errors.Is(err, sentinel) {
		t.Fatalf("err = %v, want %v", err, sentinel)
	}
	if calls != 3 {
		t.Fatalf("calls = %d, want 3", calls)
	}
}

func TestDoHonorsPermanent(t *testing.T) {
	var calls int
	sentinel := errors.New("invalid address")
	err := Do(context.Background(), 5, 10*time.Millisecond, func() error {
		calls++
		return Permanent(sentinel)
	})
	if !errors.Is(err, sentinel) {
		t.Fatalf("err = %v, want %v", err, sentinel)
	}
	if calls != 1 {
		t.Fatalf("calls = %d, want 1 for a permanent error", calls)
	}
}

func TestDoAbortsOnCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())

	var calls atomic.Int32
	go func() {
		time.Sleep(30 * time.Millisecond)
		cancel()
	}()

	err := Do(ctx, 10, 100*time.Millisecond, func() error {
		calls.Add(1)
		return errors.New("rpc timeout")
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
	// Cancellation lands during the first or second backoff sleep.
	if c := calls.Load(); c > 3 {
		t.Fatalf("calls = %d, want at most 3", c)
	}
}

func TestDoRoundsZeroAttemptsUpToOne(t *testing.T) {
	var calls int
	if err := Do(context.Background(), 0, time.Millisecond, func() error {
		calls++
		return nil
	}); err != nil {
		t.Fatalf("Do: %v", err)
	}
	if calls != 1 {
		t.Fatalf("calls = %d, want 1", calls)
	}
}

func TestDoBacksOffBetweenAttempts(t *testing.T) {
	var stamps []time.Time
	err := Do(context.Background(), 4, 20*time.Millisecond, func() error {
		stamps = append(stamps, time.Now())
		if len(stamps) < 4 {
			return errors.New("rpc timeout")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	if len(stamps) != 4 {
		t.Fatalf("attempts = %d, want 4", len(stamps))
	}

	// Nominal gaps are 20ms, 40ms, 80ms; jitter moves each by up to a
	// quarter, so any real sleep suffices here.
	for i := 1; i < len(stamps); i++ {
		if gap := stamps[i].Sub(stamps[i-1]); gap < 5*time.Millisecond {
			t.Errorf("gap %d = %v, want a backoff sleep", i, gap)
		}
	}
}

func TestPermanentUnwraps(t *testing.T) {
	inner := errors.New("invalid address")
	if !errors.Is(Permanent(inner), inner) {
		t.Fatal("Permanent must unwrap to the inner error")
	}
}
