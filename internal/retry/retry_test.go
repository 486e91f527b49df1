package retry

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

var errTransient = errors.New("serialization conflict")

func TestDo_FirstAttemptSucceeds(t *testing.T) {
	calls := 0
	err := Do(context.Background(), 3, 10*time.Millisecond, func() error {
		calls++
		return nil
	})
	if err != nil {
		t.Fatalf("Do failed: %v", err)
	}
	if calls != 1 {
		t.Fatalf("expected exactly 1 call, got %d", calls)
	}
}

func TestDo_RetriesUntilSuccess(t *testing.T) {
	calls := 0
	err := Do(context.Background(), 3, 10*time.Millisecond, func() error {
		calls++
		if calls < 3 {
			return errTransient
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Do failed: %v", err)
	}
	if calls != 3 {
		t.Fatalf("expected 3 calls, got %d", calls)
	}
}

func TestDo_ReturnsLastErrorWhenExhausted(t *testing.T) {
	calls := 0
	err := Do(context.Background(), 3, 10*time.Millisecond, func() error {
		calls++
		return errTransient
	})
	if !errors.Is(err, errTransient) {
		t.Fatalf("expected the transient error back, got %v", err)
	}
	if calls != 3 {
		t.Fatalf("expected 3 calls, got %d", calls)
	}
}

func TestDo_PermanentShortCircuits(t *testing.T) {
	calls := 0
	notFound := errors.New("wallet not found")
	err := Do(context.Background(), 5, 10*time.Millisecond, func() error {
		calls++
		return Permanent(notFound)
	})
	if !errors.Is(err, notFound) {
		t.Fatalf("expected the wrapped error back, got %v", err)
	}
	if calls != 1 {
		t.Fatalf("permanent error retried: %d calls", calls)
	}
}

func TestDo_StopsOnContextCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())

	var calls atomic.Int32
	go func() {
		time.Sleep(30 * time.Millisecond)
		cancel()
	}()

	err := Do(ctx, 10, 100*time.Millisecond, func() error {
		calls.Add(1)
		return errTransient
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if c := calls.Load(); c > 3 {
		t.Fatalf("kept retrying after cancel: %d calls", c)
	}
}

func TestDo_ZeroAttemptsRoundsUpToOne(t *testing.T) {
	calls := 0
	if err := Do(context.Background(), 0, time.Millisecond, func() error {
		calls++
		return nil
	}); err != nil {
		t.Fatalf("Do failed: %v", err)
	}
	if calls != 1 {
		t.Fatalf("expected 1 call, got %d", calls)
	}
}

func TestDo_SleepsBetweenAttempts(t *testing.T) {
	var stamps []time.Time
	err := Do(context.Background(), 3, 20*time.Millisecond, func() error {
		stamps = append(stamps, time.Now())
		if len(stamps) < 3 {
			return errTransient
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Do failed: %v", err)
	}

	// Jitter makes the exact delays fuzzy, but there must be a real pause.
	for i := 1; i < len(stamps); i++ {
		if gap := stamps[i].Sub(stamps[i-1]); gap < 5*time.Millisecond {
			t.Errorf("gap %d too short: %v", i, gap)
		}
	}
}

func TestPermanent_Unwraps(t *testing.T) {
	inner := errors.New("inner")
	if !errors.Is(Permanent(inner), inner) {
		t.Fatal("Permanent should unwrap to the original error")
	}
}
