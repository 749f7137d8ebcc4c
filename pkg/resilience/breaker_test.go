package resilience_test

import (
	"context"
	"errors"
	"testing"
	"time"

	. "huddle/pkg/resilience"
)

func TestBreaker_InitialState(t *testing.T) {
	b := NewBreaker("test", DefaultConfig())

	if b.State() != StateClosed {
		t.Errorf("expected initial state to be closed, got %v", b.State())
	}
}

func TestBreaker_OpensAfterFailures(t *testing.T) {
	cfg := Config{
		FailureThreshold: 3,
		Cooldown:         100 * time.Millisecond,
		ProbeLimit:       1,
		SuccessThreshold: 1,
	}
	b := NewBreaker("test", cfg)

	for i := 0; i < 3; i++ {
		_ = b.Do(context.Background(), func(ctx context.Context) error {
			return errors.New("test error")
		})
	}

	if b.State() != StateOpen {
		t.Errorf("expected state to be open after %d failures, got %v", cfg.FailureThreshold, b.State())
	}
}

func TestBreaker_RejectsWhenOpen(t *testing.T) {
	cfg := Config{
		FailureThreshold: 1,
		Cooldown:         time.Second,
		ProbeLimit:       1,
		SuccessThreshold: 1,
	}
	b := NewBreaker("test", cfg)

	_ = b.Do(context.Background(), func(ctx context.Context) error {
		return errors.New("test error")
	})

	err := b.Do(context.Background(), func(ctx context.Context) error {
		return nil
	})

	if !errors.Is(err, ErrOpen) {
		t.Errorf("expected ErrOpen, got %v", err)
	}
}

func TestBreaker_TransitionsToHalfOpen(t *testing.T) {
	cfg := Config{
		FailureThreshold: 1,
		Cooldown:         50 * time.Millisecond,
		ProbeLimit:       1,
		SuccessThreshold: 1,
	}
	b := NewBreaker("test", cfg)

	_ = b.Do(context.Background(), func(ctx context.Context) error {
		return errors.New("test error")
	})

	time.Sleep(60 * time.Millisecond)

	if b.State() != StateHalfOpen {
		t.Errorf("expected state to be half-open after cooldown, got %v", b.State())
	}
}

func TestBreaker_ClosesAfterProbeSuccesses(t *testing.T) {
	cfg := Config{
		FailureThreshold: 1,
		Cooldown:         10 * time.Millisecond,
		ProbeLimit:       2,
		SuccessThreshold: 2,
	}
	b := NewBreaker("test", cfg)

	_ = b.Do(context.Background(), func(ctx context.Context) error {
		return errors.New("test error")
	})
	time.Sleep(20 * time.Millisecond)

	for i := 0; i < 2; i++ {
		if err := b.Do(context.Background(), func(ctx context.Context) error {
			return nil
		}); err != nil {
			t.Fatalf("probe %d rejected: %v", i, err)
		}
	}

	if b.State() != StateClosed {
		t.Errorf("expected state to be closed after probe successes, got %v", b.State())
	}
}

func TestBreaker_ReopensOnProbeFailure(t *testing.T) {
	cfg := Config{
		FailureThreshold: 1,
		Cooldown:         10 * time.Millisecond,
		ProbeLimit:       1,
		SuccessThreshold: 1,
	}
	b := NewBreaker("test", cfg)

	_ = b.Do(context.Background(), func(ctx context.Context) error {
		return errors.New("test error")
	})
	time.Sleep(20 * time.Millisecond)

	_ = b.Do(context.Background(), func(ctx context.Context) error {
		return errors.New("probe failed")
	})

	if b.State() != StateOpen {
		t.Errorf("expected state to be open after probe failure, got %v", b.State())
	}
}

func TestBreaker_Reset(t *testing.T) {
	cfg := Config{
		FailureThreshold: 1,
		Cooldown:         time.Hour,
		ProbeLimit:       1,
		SuccessThreshold: 1,
	}
	b := NewBreaker("test", cfg)

	_ = b.Do(context.Background(), func(ctx context.Context) error {
		return errors.New("test error")
	})
	b.Reset()

	if b.State() != StateClosed {
		t.Errorf("expected state to be closed after reset, got %v", b.State())
	}
}
