package resilience

import (
	"context"
	"errors"
	"testing"
	"time"
)

func rateLimited() error { return NewError(KindRateLimited, "", nil) }

func TestCircuitBreaker_OpensAfterThreshold(t *testing.T) {
	cb := NewCircuitBreaker("appraiser", CircuitConfig{FailureThreshold: 3, ResetTimeout: time.Minute})

	for i := 0; i < 3; i++ {
		_ = cb.Execute(context.Background(), func(context.Context) error { return rateLimited() })
	}
	if cb.State() != CircuitOpen {
		t.Fatalf("expected open, got %s", cb.State())
	}

	err := cb.Execute(context.Background(), func(context.Context) error {
		t.Error("should not be called when circuit is open")
		return nil
	})
	if !errors.Is(err, ErrCircuitOpen) {
		t.Errorf("expected ErrCircuitOpen, got %v", err)
	}
	if KindOf(err) != KindRateLimited {
		t.Errorf("open circuit should classify as RateLimited, got %s", KindOf(err))
	}
}

func TestCircuitBreaker_FatalKindsDoNotTrip(t *testing.T) {
	cb := NewCircuitBreaker("appraiser", CircuitConfig{FailureThreshold: 2, ResetTimeout: time.Minute})
	for i := 0; i < 5; i++ {
		_ = cb.Execute(context.Background(), func(context.Context) error {
			return NewError(KindElementNotFound, "", nil)
		})
	}
	if cb.State() != CircuitClosed {
		t.Errorf("expected closed, got %s", cb.State())
	}
}

func TestCircuitBreaker_HalfOpenRecovery(t *testing.T) {
	now := time.Now()
	cb := NewCircuitBreaker("tax_collector", CircuitConfig{FailureThreshold: 1, ResetTimeout: 10 * time.Second})
	cb.nowFunc = func() time.Time { return now }

	_ = cb.Execute(context.Background(), func(context.Context) error { return rateLimited() })
	if cb.State() != CircuitOpen {
		t.Fatalf("expected open, got %s", cb.State())
	}

	now = now.Add(11 * time.Second)
	if cb.State() != CircuitHalfOpen {
		t.Fatalf("expected half-open, got %s", cb.State())
	}

	if err := cb.Execute(context.Background(), func(context.Context) error { return nil }); err != nil {
		t.Fatalf("probe should pass: %v", err)
	}
	if cb.State() != CircuitClosed {
		t.Errorf("expected closed after probe, got %s", cb.State())
	}
}

func TestCircuitBreaker_HalfOpenFailureReopens(t *testing.T) {
	now := time.Now()
	cb := NewCircuitBreaker("tax_collector", CircuitConfig{FailureThreshold: 1, ResetTimeout: 10 * time.Second})
	cb.nowFunc = func() time.Time { return now }

	_ = cb.Execute(context.Background(), func(context.Context) error { return rateLimited() })
	now = now.Add(11 * time.Second)
	_ = cb.Execute(context.Background(), func(context.Context) error { return rateLimited() })

	if cb.State() != CircuitOpen {
		t.Errorf("expected reopen, got %s", cb.State())
	}
}

func TestSourceBreakers(t *testing.T) {
	sb := NewSourceBreakers(DefaultCircuitConfig())
	a := sb.Get("appraiser")
	if sb.Get("appraiser") != a {
		t.Error("expected same breaker for same source")
	}
	if sb.Get("tax_collector") == a {
		t.Error("expected distinct breaker per source")
	}
	a.Reset()
	states := sb.States()
	if len(states) != 2 || states["appraiser"] != CircuitClosed {
		t.Errorf("unexpected states: %v", states)
	}
}
