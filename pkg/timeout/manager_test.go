package timeout

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestGetTimeoutUsesOperationThenGlobal(t *testing.T) {
	m := NewManager(5 * time.Second)
	m.SetOperationTimeout("custom", 2*time.Second)

	if got := m.GetTimeout(context.Background(), "custom"); got != 2*time.Second {
		t.Errorf("Expected 2s, but got %v", got)
	}
	if got := m.GetTimeout(context.Background(), "unknown"); got != 5*time.Second {
		t.Errorf("Expected global 5s, but got %v", got)
	}
	if got := m.GetTimeout(context.Background(), OpSynthesize); got != OperationTimeouts[OpSynthesize] {
		t.Errorf("Expected default synthesize timeout, but got %v", got)
	}
}

func TestGetTimeoutRespectsEarlierDeadline(t *testing.T) {
	m := NewManager(time.Minute)
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	if got := m.GetTimeout(ctx, OpSearch); got > 50*time.Millisecond {
		t.Errorf("Expected at most 50ms, but got %v", got)
	}
}

func TestRunReportsTimeout(t *testing.T) {
	m := NewManager(time.Minute)
	m.SetOperationTimeout("slow", 10*time.Millisecond)

	err := m.Run(context.Background(), "slow", func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})

	var te *TimeoutError
	if !errors.As(err, &te) {
		t.Fatalf("Expected TimeoutError, but got %v", err)
	}
	if te.Operation != "slow" {
		t.Errorf("Expected operation slow, but got %s", te.Operation)
	}
	if !IsTimeout(err) {
		t.Errorf("Expected IsTimeout to be true")
	}
}

func TestRunPassesThroughOtherErrors(t *testing.T) {
	m := NewManager(time.Minute)
	want := errors.New("boom")
	err := m.Run(context.Background(), OpPlan, func(ctx context.Context) error { return want })
	if !errors.Is(err, want) {
		t.Errorf("Expected %v, but got %v", want, err)
	}
	if IsTimeout(err) {
		t.Errorf("Expected IsTimeout to be false")
	}
}
