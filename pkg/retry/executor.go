package retry

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"time"

	rerrors "github.com/spawn-mcp/research-coordinator/pkg/errors"
)

// Strategy defines retry strategy interface
type Strategy interface {
	NextDelay(attempt int) time.Duration
	ShouldRetry(attempt int, err error) bool
}

// Config defines retry configuration
type Config struct {
	MaxAttempts int
	Strategy    Strategy
	Jitter      float64
	OnRetry     func(attempt int, err error)
}

// ExponentialBackoff implements exponential backoff strategy
type ExponentialBackoff struct {
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
}

// NextDelay calculates next delay for exponential backoff
func (e *ExponentialBackoff) NextDelay(attempt int) time.Duration {
	delay := float64(e.InitialDelay) * math.Pow(e.Multiplier, float64(attempt))
	if delay > float64(e.MaxDelay) {
		return e.MaxDelay
	}
	return time.Duration(delay)
}

// ShouldRetry determines if retry should continue
func (e *ExponentialBackoff) ShouldRetry(attempt int, err error) bool {
	return retryable(err)
}

// LinearBackoff implements linear backoff strategy
type LinearBackoff struct {
	Delay time.Duration
}

// NextDelay returns constant delay for linear backoff
func (l *LinearBackoff) NextDelay(attempt int) time.Duration {
	return l.Delay
}

// ShouldRetry determines if retry should continue
func (l *LinearBackoff) ShouldRetry(attempt int, err error) bool {
	return retryable(err)
}

// Research errors decide for themselves; anything else is assumed transient.
func retryable(err error) bool {
	if re, ok := rerrors.As(err); ok {
		return re.ShouldRetry()
	}
	return true
}

// Do runs operation under config, retrying while the strategy allows it.
func Do(ctx context.Context, operation func() error, config Config) error {
	_, err := ExecuteWithRetry(ctx, func() (struct{}, error) {
		return struct{}{}, operation()
	}, config)
	return err
}

// ExecuteWithRetry executes operation with retry logic. A nil Strategy
// falls back to the Fast strategy.
func ExecuteWithRetry[T any](
	ctx context.Context,
	operation func() (T, error),
	config Config,
) (T, error) {
	var result T
	var lastErr error

	attempts := config.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}
	strategy := config.Strategy
	if strategy == nil {
		strategy = DefaultConfigs.Fast.Strategy
	}

	for attempt := 0; attempt < attempts; attempt++ {
		var err error
		result, err = operation()
		if err == nil {
			return result, nil
		}
		lastErr = err

		if attempt == attempts-1 || !strategy.ShouldRetry(attempt, err) {
			break
		}

		delay := strategy.NextDelay(attempt)
		if config.Jitter > 0 {
			delay = applyJitter(delay, config.Jitter)
		}

		if config.OnRetry != nil {
			config.OnRetry(attempt, err)
		}

		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return result, fmt.Errorf("retry cancelled: %w", ctx.Err())
		}
	}

	return result, fmt.Errorf("gave up after %d attempts: %w", attempts, lastErr)
}

// applyJitter adds random jitter to delay
func applyJitter(delay time.Duration, jitterFactor float64) time.Duration {
	jitter := float64(delay) * jitterFactor
	randomJitter := (rand.Float64() - 0.5) * 2 * jitter
	finalDelay := float64(delay) + randomJitter

	if finalDelay < 0 {
		return 0
	}

	return time.Duration(finalDelay)
}

// DefaultConfigs provides pre-configured retry configurations. Fast suits
// local stores; Standard suits remote ones such as Firestore.
var DefaultConfigs = struct {
	Fast     Config
	Standard Config
}{
	Fast: Config{
		MaxAttempts: 3,
		Strategy:    &LinearBackoff{Delay: 100 * time.Millisecond},
		Jitter:      0.1,
	},
	Standard: Config{
		MaxAttempts: 5,
		Strategy: &ExponentialBackoff{
			InitialDelay: 100 * time.Millisecond,
			MaxDelay:     10 * time.Second,
			Multiplier:   2,
		},
		Jitter: 0.2,
	},
}
