package summary

import "time"

// Cadence bounds how often a session dispatches while streaming. Both limits
// must be met. It is owned by the session goroutine.
type Cadence struct {
	MinInterval   time.Duration
	MinUtterances int

	pending int
	last    time.Time
}

// Observe records one utterance boundary.
func (c *Cadence) Observe() { c.pending++ }

func (c *Cadence) Ready(now time.Time) bool {
	min := c.MinUtterances
	if min <= 0 {
		min = 1
	}
	if c.pending < min {
		return false
	}
	return c.last.IsZero() || now.Sub(c.last) >= c.MinInterval
}

// Mark resets the counters after a dispatch.
func (c *Cadence) Mark(now time.Time) {
	c.pending = 0
	c.last = now
}

// Pending reports utterances not yet covered by a dispatch.
func (c *Cadence) Pending() int { return c.pending }
