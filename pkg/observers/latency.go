package observers

import (
	"log/slog"
	"sync"

	"github.com/harunnryd/callpilot/pkg/metrics"
)

// SummaryLatencyObserver aggregates summary round trips per call and logs one
// line once the call has ended and every dispatched request has settled.
type SummaryLatencyObserver struct {
	mu    sync.Mutex
	calls map[string]*callLatency
	log   *slog.Logger
}

type callLatency struct {
	dispatched   int
	settled      int
	discarded    int
	placeholders int
	totalMs      float64
	maxMs        float64
	ended        bool
	status       string
}

func NewSummaryLatencyObserver(log *slog.Logger) *SummaryLatencyObserver {
	if log == nil {
		log = slog.Default()
	}
	return &SummaryLatencyObserver{
		calls: make(map[string]*callLatency),
		log:   log,
	}
}

func (o *SummaryLatencyObserver) RecordEvent(ev metrics.MetricsEvent) {
	callID := ev.Tags["call_id"]
	if callID == "" {
		return
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	c := o.calls[callID]
	if c == nil {
		if ev.Name != metrics.EventSummaryDispatch {
			return
		}
		c = &callLatency{}
		o.calls[callID] = c
	}
	switch ev.Name {
	case metrics.EventSummaryDispatch:
		c.dispatched++
	case metrics.EventSummarySettled, metrics.EventSummaryDiscarded:
		if ev.Name == metrics.EventSummarySettled {
			c.settled++
		} else {
			c.discarded++
		}
		if ev.Tags["placeholder"] == "true" {
			c.placeholders++
		}
		c.totalMs += ev.Value
		if ev.Value > c.maxMs {
			c.maxMs = ev.Value
		}
	case metrics.EventSessionTerminal:
		c.ended = true
		c.status = ev.Tags["status"]
	default:
		return
	}
	if c.ended && c.settled+c.discarded >= c.dispatched {
		o.reportLocked(callID, c)
		delete(o.calls, callID)
	}
}

// Pending reports how many calls still have unreported summaries.
func (o *SummaryLatencyObserver) Pending() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.calls)
}

func (o *SummaryLatencyObserver) reportLocked(callID string, c *callLatency) {
	done := c.settled + c.discarded
	avg := -1.0
	if done > 0 {
		avg = c.totalMs / float64(done)
	}
	o.log.Info("summary_latency",
		"call_id", callID,
		"status", c.status,
		"dispatched", c.dispatched,
		"applied", c.settled,
		"discarded", c.discarded,
		"placeholders", c.placeholders,
		"avg_ms", avg,
		"max_ms", c.maxMs,
	)
}
