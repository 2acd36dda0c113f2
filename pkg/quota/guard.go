package quota

import (
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/harunnryd/callpilot/pkg/errorsx"
)

// Guard caps the audio seconds streamed across every session of the process.
// Once the ceiling is crossed it stays tripped until Reset is called.
type Guard struct {
	enabled   bool
	threshold int64 // microseconds

	total     atomic.Int64
	tripped   atomic.Bool
	trippedAt atomic.Int64
	log       *slog.Logger
}

// State is a read-only view of the guard for the API.
type State struct {
	Enabled           bool       `json:"enabled"`
	Tripped           bool       `json:"tripped"`
	CumulativeSeconds float64    `json:"cumulativeSeconds"`
	ThresholdSeconds  float64    `json:"thresholdSeconds"`
	TrippedAt         *time.Time `json:"trippedAt,omitempty"`
}

func NewGuard(enabled bool, thresholdSeconds float64, log *slog.Logger) *Guard {
	if log == nil {
		log = slog.Default()
	}
	return &Guard{
		enabled:   enabled,
		threshold: int64(thresholdSeconds * float64(time.Second/time.Microsecond)),
		log:       log,
	}
}

// Charge adds d to the process total on behalf of callID and reports whether
// the total now exceeds the threshold. A disabled guard never counts.
func (g *Guard) Charge(callID string, d time.Duration) bool {
	if !g.enabled {
		return false
	}
	total := g.total.Add(d.Microseconds())
	if total <= g.threshold {
		return false
	}
	if g.tripped.CompareAndSwap(false, true) {
		g.trippedAt.Store(time.Now().UnixNano())
		g.log.Warn("guard_tripped",
			"call_id", callID,
			"cumulative_seconds", float64(total)/1e6,
			"threshold_seconds", float64(g.threshold)/1e6,
			"reason_code", string(errorsx.ReasonQuotaExceeded))
	}
	return true
}

// Tripped reports whether new media must be refused.
func (g *Guard) Tripped() bool {
	return g.enabled && g.tripped.Load()
}

func (g *Guard) Enabled() bool { return g.enabled }

// Reset clears the counter and the tripped flag. It is the only way back.
func (g *Guard) Reset() {
	g.total.Store(0)
	g.trippedAt.Store(0)
	g.tripped.Store(false)
	g.log.Info("guard_reset")
}

func (g *Guard) Snapshot() State {
	st := State{
		Enabled:           g.enabled,
		Tripped:           g.Tripped(),
		CumulativeSeconds: float64(g.total.Load()) / 1e6,
		ThresholdSeconds:  float64(g.threshold) / 1e6,
	}
	if ns := g.trippedAt.Load(); ns != 0 && st.Tripped {
		t := time.Unix(0, ns)
		st.TrippedAt = &t
	}
	return st
}
