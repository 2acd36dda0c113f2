package resilience

import (
	"context"
	"math/rand"
	"time"
)

// RetryPolicy defines bounded exponential backoff for transient failures.
type RetryPolicy struct {
	MaxAttempts int
	Backoff     time.Duration
	MaxBackoff  time.Duration
	Jitter      float64
}

func NewRetryPolicy(maxAttempts int, backoff time.Duration) RetryPolicy {
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	if backoff <= 0 {
		backoff = 200 * time.Millisecond
	}
	return RetryPolicy{MaxAttempts: maxAttempts, Backoff: backoff, MaxBackoff: 5 * time.Second, Jitter: 0.2}
}

// Do runs fn until it succeeds, the attempts are exhausted or ctx ends.
// The returned int is the number of attempts made.
func (r RetryPolicy) Do(ctx context.Context, fn func(context.Context) error) (int, error) {
	attempts := r.MaxAttempts
	if attempts <= 0 {
		attempts = 1
	}
	var err error
	for i := 0; i < attempts; i++ {
		if cerr := ctx.Err(); cerr != nil {
			if err == nil {
				err = cerr
			}
			return i, err
		}
		err = fn(ctx)
		if err == nil {
			return i + 1, nil
		}
		if i == attempts-1 {
			return i + 1, err
		}
		t := time.NewTimer(r.Delay(i))
		select {
		case <-ctx.Done():
			t.Stop()
			return i + 1, err
		case <-t.C:
		}
	}
	return attempts, err
}

// Delay returns the wait before the retry that follows attempt (zero based).
func (r RetryPolicy) Delay(attempt int) time.Duration {
	d := r.Backoff << uint(attempt)
	if d <= 0 || (r.MaxBackoff > 0 && d > r.MaxBackoff) {
		d = r.MaxBackoff
	}
	if r.Jitter > 0 && d > 0 {
		d += time.Duration(float64(d) * r.Jitter * rand.Float64())
	}
	return d
}
