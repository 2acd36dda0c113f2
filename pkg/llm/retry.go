package llm

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"time"
)

type RetryConfig struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Jitter      float64
	// AttemptTimeout bounds each call; zero leaves only the parent deadline.
	AttemptTimeout time.Duration
	IsRetryable    func(error) bool
	Sleep          func(time.Duration)
}

// PermanentError marks a failure that another attempt cannot fix.
type PermanentError struct {
	Err error
}

func (e PermanentError) Error() string { return e.Err.Error() }
func (e PermanentError) Unwrap() error { return e.Err }

func Retry[T any](ctx context.Context, cfg RetryConfig, fn func(context.Context) (T, error)) (T, int, error) {
	var zero T
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = 100 * time.Millisecond
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = 2 * time.Second
	}
	if cfg.IsRetryable == nil {
		cfg.IsRetryable = DefaultIsRetryable
	}
	if cfg.Sleep == nil {
		cfg.Sleep = time.Sleep
	}
	var lastErr error
	r := rand.New(rand.NewSource(time.Now().UnixNano()))
	attempts := 0
	for i := 0; i < cfg.MaxAttempts; i++ {
		if ctx.Err() != nil {
			return zero, attempts, ctx.Err()
		}
		attempts++
		resp, err := callAttempt(ctx, cfg.AttemptTimeout, fn)
		if err == nil {
			return resp, attempts, nil
		}
		lastErr = err
		if !cfg.IsRetryable(err) || i == cfg.MaxAttempts-1 {
			break
		}
		delay := backoffDelay(cfg.BaseDelay, cfg.MaxDelay, cfg.Jitter, i, r)
		select {
		case <-ctx.Done():
			return zero, attempts, ctx.Err()
		default:
			cfg.Sleep(delay)
		}
	}
	return zero, attempts, fmt.Errorf("llm retry failed after %d attempts: %w", attempts, lastErr)
}

func callAttempt[T any](ctx context.Context, timeout time.Duration, fn func(context.Context) (T, error)) (T, error) {
	if timeout <= 0 {
		return fn(ctx)
	}
	actx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return fn(actx)
}

// DefaultIsRetryable retries everything except permanent errors and a
// cancelled parent.
func DefaultIsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var perm PermanentError
	if errors.As(err, &perm) {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	return true
}

func backoffDelay(base, max time.Duration, jitter float64, attempt int, r *rand.Rand) time.Duration {
	pow := math.Pow(2, float64(attempt))
	d := time.Duration(float64(base) * pow)
	if d > max {
		d = max
	}
	if jitter > 0 {
		j := time.Duration(float64(d) * jitter * r.Float64())
		return d + j
	}
	return d
}
