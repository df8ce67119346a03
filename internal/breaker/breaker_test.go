package breaker

import (
	"context"
	"errors"
	"testing"
	"time"
)

var errBoom = errors.New("boom")

func fail(context.Context) error { return errBoom }
func ok(context.Context) error   { return nil }

func newTestBreaker(recovery time.Duration) *Breaker {
	return New("test", Config{
		FailureThreshold: 3,
		SuccessThreshold: 2,
		RecoveryTimeout:  recovery,
	})
}

func TestBreaker_OpensAfterThreshold(t *testing.T) {
	b := newTestBreaker(time.Hour)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if err := b.Execute(ctx, fail); !errors.Is(err, errBoom) {
			t.Fatalf("call %d: got %v, want errBoom", i, err)
		}
	}

	if got := b.State(); got != StateOpen {
		t.Fatalf("state = %v, want open", got)
	}

	// While open the wrapped function must never run.
	invoked := false
	err := b.Execute(ctx, func(context.Context) error {
		invoked = true
		return nil
	})
	if !errors.Is(err, ErrOpen) {
		t.Fatalf("got %v, want ErrOpen", err)
	}
	if invoked {
		t.Fatal("wrapped function was invoked while breaker open")
	}
}

func TestBreaker_HalfOpenRecovery(t *testing.T) {
	b := newTestBreaker(20 * time.Millisecond)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_ = b.Execute(ctx, fail)
	}
	if got := b.State(); got != StateOpen {
		t.Fatalf("state = %v, want open", got)
	}

	time.Sleep(30 * time.Millisecond)

	if got := b.State(); got != StateHalfOpen {
		t.Fatalf("state after recovery timeout = %v, want half-open", got)
	}

	// Two consecutive successes close it.
	if err := b.Execute(ctx, ok); err != nil {
		t.Fatal(err)
	}
	if got := b.State(); got != StateHalfOpen {
		t.Fatalf("state after one success = %v, want half-open", got)
	}
	if err := b.Execute(ctx, ok); err != nil {
		t.Fatal(err)
	}
	if got := b.State(); got != StateClosed {
		t.Fatalf("state after two successes = %v, want closed", got)
	}
}

func TestBreaker_HalfOpenFailureReopens(t *testing.T) {
	b := newTestBreaker(10 * time.Millisecond)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_ = b.Execute(ctx, fail)
	}
	time.Sleep(20 * time.Millisecond)
	if got := b.State(); got != StateHalfOpen {
		t.Fatalf("state = %v, want half-open", got)
	}

	_ = b.Execute(ctx, fail)
	if got := b.State(); got != StateOpen {
		t.Fatalf("state after half-open failure = %v, want open", got)
	}
}

func TestBreaker_SuccessResetsFailureStreak(t *testing.T) {
	b := newTestBreaker(time.Hour)
	ctx := context.Background()

	_ = b.Execute(ctx, fail)
	_ = b.Execute(ctx, fail)
	_ = b.Execute(ctx, ok)
	_ = b.Execute(ctx, fail)
	_ = b.Execute(ctx, fail)

	// Failures were never consecutive past the threshold.
	if got := b.State(); got != StateClosed {
		t.Fatalf("state = %v, want closed", got)
	}
}

func TestBreaker_Reset(t *testing.T) {
	b := newTestBreaker(time.Hour)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_ = b.Execute(ctx, fail)
	}
	if got := b.State(); got != StateOpen {
		t.Fatalf("state = %v, want open", got)
	}

	b.Reset()
	if got := b.State(); got != StateClosed {
		t.Fatalf("state after reset = %v, want closed", got)
	}
	failures, successes := b.Counters()
	if failures != 0 || successes != 0 {
		t.Fatalf("counters after reset = %d/%d, want 0/0", failures, successes)
	}

	if err := b.Execute(ctx, ok); err != nil {
		t.Fatalf("call after reset failed: %v", err)
	}
}
