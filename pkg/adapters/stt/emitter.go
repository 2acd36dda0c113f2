package stt

import (
	"log/slog"
	"sync"
	"time"

	"github.com/harunnryd/callpilot/pkg/frames"
)

// Emitter publishes adapter results on a channel. Partials are dropped when
// the consumer lags; finals and errors wait for it.
//
// After Close nothing new is accepted, and C is closed once the sends already
// under way are delivered. A consumer that closes the adapter and reads C to
// the end therefore sees every utterance the engine finished.
type Emitter struct {
	cfg    Config
	source string
	out    chan frames.Frame
	log    *slog.Logger

	mu      sync.Mutex
	closed  bool
	senders sync.WaitGroup
}

func NewEmitter(cfg Config, source string, buffer int, log *slog.Logger) *Emitter {
	if buffer <= 0 {
		buffer = 64
	}
	if log == nil {
		log = slog.Default()
	}
	return &Emitter{cfg: cfg, source: source, out: make(chan frames.Frame, buffer), log: log}
}

func (e *Emitter) C() <-chan frames.Frame { return e.out }

func (e *Emitter) Partial(text string) {
	if !e.begin() {
		return
	}
	defer e.senders.Done()
	meta := e.meta()
	meta[frames.MetaIsFinal] = "false"
	select {
	case e.out <- frames.NewTextFrame(e.cfg.StreamID, time.Now().UnixNano(), text, meta):
	default:
		e.log.Debug("stt_partial_dropped", "stream_id", e.cfg.StreamID)
	}
}

func (e *Emitter) Final(text string) {
	if !e.begin() {
		return
	}
	defer e.senders.Done()
	e.final(text)
}

// FinishUtterance closes u and publishes its text as final, returning it.
// Once the emitter is closed u is left untouched, so its text is still there
// for Flush.
func (e *Emitter) FinishUtterance(u *Utterance) string {
	if !e.begin() {
		return ""
	}
	defer e.senders.Done()
	text := u.Finish()
	if text != "" {
		e.final(text)
	}
	return text
}

func (e *Emitter) Error(reason string) {
	if !e.begin() {
		return
	}
	defer e.senders.Done()
	meta := e.meta()
	meta[frames.MetaReason] = reason
	e.send(frames.NewSystemFrame(e.cfg.StreamID, time.Now().UnixNano(), frames.SystemSTTError, meta))
}

// Close stops accepting results and closes C after in-flight sends. The
// consumer must keep reading C until it is closed.
func (e *Emitter) Close() {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.closed = true
	e.mu.Unlock()
	go func() {
		e.senders.Wait()
		close(e.out)
	}()
}

func (e *Emitter) begin() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return false
	}
	e.senders.Add(1)
	return true
}

func (e *Emitter) final(text string) {
	meta := e.meta()
	meta[frames.MetaIsFinal] = "true"
	e.send(frames.NewTextFrame(e.cfg.StreamID, time.Now().UnixNano(), text, meta))
}

func (e *Emitter) send(f frames.Frame) { e.out <- f }

func (e *Emitter) meta() map[string]string {
	meta := map[string]string{
		frames.MetaCallSID: e.cfg.CallSID,
		frames.MetaSource:  e.source,
	}
	if e.cfg.TraceID != "" {
		meta[frames.MetaTraceID] = e.cfg.TraceID
	}
	return meta
}
