package resilience

import (
	"errors"
	"sync"
	"time"
)

// RateLimitError represents a provider rate limit response.
type RateLimitError struct {
	Provider string
	Message  string
}

func (e RateLimitError) Error() string {
	if e.Message != "" {
		return e.Provider + ": " + e.Message
	}
	return e.Provider + ": rate limit"
}

// IsRateLimit returns true when the error is a RateLimitError.
func IsRateLimit(err error) bool {
	var rl RateLimitError
	return errors.As(err, &rl)
}

// ErrCircuitOpen is returned by callers that refuse work while the breaker is open.
var ErrCircuitOpen = errors.New("circuit open")

// CircuitBreaker blocks requests after repeated rate limit failures.
type CircuitBreaker struct {
	mu        sync.Mutex
	failures  int
	threshold int
	openUntil time.Time
	cooldown  time.Duration
	now       func() time.Time
}

func NewCircuitBreaker(threshold int, cooldown time.Duration) *CircuitBreaker {
	if threshold <= 0 {
		threshold = 3
	}
	if cooldown <= 0 {
		cooldown = 30 * time.Second
	}
	return &CircuitBreaker{threshold: threshold, cooldown: cooldown, now: time.Now}
}

func (c *CircuitBreaker) Allow() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return !c.now().Before(c.openUntil)
}

// State reports "open" while requests are blocked and "closed" otherwise.
func (c *CircuitBreaker) State() string {
	if c.Allow() {
		return "closed"
	}
	return "open"
}

// RetryAfter is how long the breaker stays open; zero when closed.
func (c *CircuitBreaker) RetryAfter() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	if d := c.openUntil.Sub(c.now()); d > 0 {
		return d
	}
	return 0
}

func (c *CircuitBreaker) OnSuccess() {
	c.mu.Lock()
	c.failures = 0
	c.openUntil = time.Time{}
	c.mu.Unlock()
}

func (c *CircuitBreaker) OnError(err error) {
	if !IsRateLimit(err) {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failures++
	if c.failures >= c.threshold {
		c.openUntil = c.now().Add(c.cooldown)
		c.failures = 0
	}
}
