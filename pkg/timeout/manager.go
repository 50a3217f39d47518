package timeout

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// Operation names used by the research pipeline.
const (
	OpPlan       = "plan"
	OpDecompose  = "decompose"
	OpSearch     = "search"
	OpExtract    = "extract"
	OpVerify     = "verify"
	OpEvaluate   = "evaluate"
	OpSynthesize = "synthesize"
	OpPersist    = "persist"
)

// OperationTimeouts defines default timeouts for operations
var OperationTimeouts = map[string]time.Duration{
	OpPlan:       90 * time.Second,
	OpDecompose:  90 * time.Second,
	OpSearch:     2 * time.Minute,
	OpExtract:    90 * time.Second,
	OpVerify:     90 * time.Second,
	OpEvaluate:   60 * time.Second,
	OpSynthesize: 3 * time.Minute,
	OpPersist:    30 * time.Second,
}

// Manager manages timeout configuration
type Manager struct {
	global    time.Duration
	operation map[string]time.Duration
	mu        sync.RWMutex
}

// NewManager creates a manager seeded with OperationTimeouts.
func NewManager(globalTimeout time.Duration) *Manager {
	ops := make(map[string]time.Duration, len(OperationTimeouts))
	for k, v := range OperationTimeouts {
		ops[k] = v
	}
	return &Manager{
		global:    globalTimeout,
		operation: ops,
	}
}

// SetOperationTimeout sets timeout for specific operation
func (m *Manager) SetOperationTimeout(operation string, timeout time.Duration) {
	if timeout <= 0 {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.operation[operation] = timeout
}

// GetTimeout returns the operation timeout, shortened to any earlier
// context deadline.
func (m *Manager) GetTimeout(ctx context.Context, operation string) time.Duration {
	m.mu.RLock()
	defer m.mu.RUnlock()

	timeout := m.global
	if opTimeout, exists := m.operation[operation]; exists {
		timeout = opTimeout
	}

	if deadline, ok := ctx.Deadline(); ok {
		if remaining := time.Until(deadline); remaining < timeout {
			return remaining
		}
	}
	return timeout
}

// WithTimeout creates context with timeout
func (m *Manager) WithTimeout(ctx context.Context, operation string) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, m.GetTimeout(ctx, operation))
}

// Run executes fn under the operation's timeout and converts a deadline
// overrun into a TimeoutError.
func (m *Manager) Run(ctx context.Context, operation string, fn func(context.Context) error) error {
	limit := m.GetTimeout(ctx, operation)
	opCtx, cancel := context.WithTimeout(ctx, limit)
	defer cancel()

	err := fn(opCtx)
	if err != nil && errors.Is(opCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
		return &TimeoutError{Operation: operation, Timeout: limit, Cause: err}
	}
	return err
}

// TimeoutError represents a timeout error
type TimeoutError struct {
	Operation string
	Timeout   time.Duration
	Cause     error
}

// Error implements error interface
func (e *TimeoutError) Error() string {
	return fmt.Sprintf("operation %s timed out after %v", e.Operation, e.Timeout)
}

func (e *TimeoutError) Unwrap() error {
	return e.Cause
}

// IsTimeout checks if error is a timeout
func IsTimeout(err error) bool {
	if err == nil {
		return false
	}
	var te *TimeoutError
	if errors.As(err, &te) {
		return true
	}
	return errors.Is(err, context.DeadlineExceeded)
}
