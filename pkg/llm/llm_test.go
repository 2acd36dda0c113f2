package llm

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/harunnryd/callpilot/pkg/metrics"
	"github.com/harunnryd/callpilot/pkg/resilience"
)

func TestRetryStopsOnPermanentError(t *testing.T) {
	calls := 0
	_, attempts, err := Retry(context.Background(), RetryConfig{MaxAttempts: 3, Sleep: func(time.Duration) {}},
		func(context.Context) (string, error) {
			calls++
			return "", PermanentError{Err: errors.New("bad schema")}
		})
	if err == nil || calls != 1 || attempts != 1 {
		t.Fatalf("expected single attempt, got calls=%d attempts=%d err=%v", calls, attempts, err)
	}
}

func TestRetryIsBounded(t *testing.T) {
	var delays []time.Duration
	calls := 0
	_, attempts, err := Retry(context.Background(), RetryConfig{
		MaxAttempts: 3,
		BaseDelay:   100 * time.Millisecond,
		MaxDelay:    150 * time.Millisecond,
		Sleep:       func(d time.Duration) { delays = append(delays, d) },
	}, func(context.Context) (int, error) {
		calls++
		return 0, errors.New("engine down")
	})
	if err == nil || calls != 3 || attempts != 3 {
		t.Fatalf("expected 3 attempts, got calls=%d err=%v", calls, err)
	}
	if len(delays) != 2 || delays[0] != 100*time.Millisecond || delays[1] != 150*time.Millisecond {
		t.Fatalf("unexpected backoff %v", delays)
	}
}

func TestRetryAppliesAttemptTimeout(t *testing.T) {
	_, _, err := Retry(context.Background(), RetryConfig{MaxAttempts: 1, AttemptTimeout: 10 * time.Millisecond},
		func(ctx context.Context) (int, error) {
			<-ctx.Done()
			return 0, ctx.Err()
		})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
}

type stubAdapter struct {
	calls int
	err   error
}

func (s *stubAdapter) Name() string { return "stub" }

func (s *stubAdapter) Generate(context.Context, Context) (Response, error) {
	s.calls++
	if s.err != nil {
		return Response{}, s.err
	}
	return Response{Text: "{}"}, nil
}

func TestCircuitBreakerAdapterDeniesWhenOpen(t *testing.T) {
	inner := &stubAdapter{err: resilience.RateLimitError{Provider: "stub"}}
	obs := metrics.NewMemoryObserver()
	a := NewCircuitBreakerAdapter(inner, resilience.NewCircuitBreaker(1, time.Hour))
	a.SetObserver(obs)

	if _, err := a.Generate(context.Background(), UserPrompt("", "hi", true)); !resilience.IsRateLimit(err) {
		t.Fatalf("expected rate limit, got %v", err)
	}
	_, err := a.Generate(context.Background(), UserPrompt("", "hi", true))
	var perm PermanentError
	if !errors.As(err, &perm) {
		t.Fatalf("open breaker must be permanent for the current attempt, got %v", err)
	}
	if inner.calls != 1 {
		t.Fatalf("open breaker must not reach the provider, calls=%d", inner.calls)
	}
	if obs.Count(metrics.EventBreakerDenied) != 1 || obs.Count(metrics.EventRateLimit) != 1 {
		t.Fatalf("unexpected events %+v", obs.Events())
	}
}
