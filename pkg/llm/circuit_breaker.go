package llm

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/harunnryd/callpilot/pkg/metrics"
	"github.com/harunnryd/callpilot/pkg/resilience"
)

// CircuitBreakerAdapter stops calling the summarization model after repeated
// rate limits. While open every request fails at once, so a call gets its
// placeholder card instead of waiting out the retry budget.
type CircuitBreakerAdapter struct {
	inner   LLMAdapter
	breaker *resilience.CircuitBreaker
	obs     metrics.Observer
	// tripped mirrors the last state reported to the observer.
	tripped atomic.Bool
}

func NewCircuitBreakerAdapter(inner LLMAdapter, breaker *resilience.CircuitBreaker) *CircuitBreakerAdapter {
	if breaker == nil {
		breaker = resilience.NewCircuitBreaker(3, 30*time.Second)
	}
	return &CircuitBreakerAdapter{inner: inner, breaker: breaker}
}

func (a *CircuitBreakerAdapter) Name() string { return a.inner.Name() }

func (a *CircuitBreakerAdapter) SetObserver(obs metrics.Observer) { a.obs = obs }

func (a *CircuitBreakerAdapter) Generate(ctx context.Context, input Context) (Response, error) {
	if wait := a.breaker.RetryAfter(); wait > 0 {
		a.transition(true, wait)
		a.emit(metrics.EventBreakerDenied, nil)
		denied := resilience.RateLimitError{Provider: a.Name(), Message: fmt.Sprintf("breaker open for %s", wait.Round(time.Millisecond))}
		return Response{}, PermanentError{Err: fmt.Errorf("%w: %w", resilience.ErrCircuitOpen, denied)}
	}
	a.transition(false, 0)

	resp, err := a.inner.Generate(ctx, input)
	if err == nil {
		a.breaker.OnSuccess()
		return resp, nil
	}
	if resilience.IsRateLimit(err) {
		a.emit(metrics.EventRateLimit, nil)
	}
	a.breaker.OnError(err)
	return Response{}, err
}

func (a *CircuitBreakerAdapter) transition(open bool, wait time.Duration) {
	if a.tripped.Swap(open) == open {
		return
	}
	if open {
		a.emit(metrics.EventBreakerOpen, map[string]any{"retry_after_ms": wait.Milliseconds()})
		return
	}
	a.emit(metrics.EventBreakerClose, nil)
}

func (a *CircuitBreakerAdapter) emit(name string, fields map[string]any) {
	if a.obs == nil {
		return
	}
	a.obs.RecordEvent(metrics.MetricsEvent{
		Name:   name,
		Time:   time.Now(),
		Tags:   map[string]string{"provider": a.inner.Name(), "component": "summarizer"},
		Fields: fields,
	})
}
