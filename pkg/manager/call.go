package manager

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/harunnryd/callpilot/pkg/adapters/stt"
	"github.com/harunnryd/callpilot/pkg/codec"
	"github.com/harunnryd/callpilot/pkg/errorsx"
	"github.com/harunnryd/callpilot/pkg/frames"
	"github.com/harunnryd/callpilot/pkg/metrics"
	"github.com/harunnryd/callpilot/pkg/redact"
	"github.com/harunnryd/callpilot/pkg/session"
	"github.com/harunnryd/callpilot/pkg/summary"
	"github.com/harunnryd/callpilot/pkg/transports"
)

const guardNotice = "Free tier budget exceeded"

// sttDrainTimeout bounds how long a closing engine may take to hand over its
// last results.
const sttDrainTimeout = 2 * time.Second

type inboundKind int

const (
	inboundMedia inboundKind = iota
	inboundStop
)

type inbound struct {
	kind    inboundKind
	seq     int64
	payload []byte
	reason  string
}

// call is the unit of work of one session. Everything but Media and Stop runs
// on the run goroutine.
type call struct {
	m       *Manager
	sess    *session.CallSession
	conn    transports.MediaConn
	decoder *codec.Decoder
	traceID string
	log     *slog.Logger

	stt        stt.StreamingSTT
	sttResults <-chan frames.Frame

	inbox     chan inbound
	pauseCh   chan struct{}
	closed    chan struct{}
	closeOnce sync.Once
	stopOnce  sync.Once

	cadence summary.Cadence
	tickets []*summary.Ticket
}

// Media queues one encoded chunk. It fails once the session stopped taking
// frames.
func (c *call) Media(seq int64, payload []byte) error {
	select {
	case <-c.closed:
		return transports.ErrCallClosed
	default:
	}
	select {
	case c.inbox <- inbound{kind: inboundMedia, seq: seq, payload: payload}:
		return nil
	case <-c.closed:
		return transports.ErrCallClosed
	}
}

func (c *call) Stop(reason string) {
	c.stopOnce.Do(func() {
		select {
		case c.inbox <- inbound{kind: inboundStop, reason: reason}:
		case <-c.closed:
		}
	})
}

func (c *call) startSTT() {
	adapter, err := c.m.sttFactory(stt.Config{
		StreamID:   c.sess.StreamID(),
		CallSID:    c.sess.ID(),
		TraceID:    c.traceID,
		SampleRate: c.decoder.TargetRate(),
	})
	if err == nil {
		if err = adapter.Start(c.m.ctx); err != nil {
			_ = adapter.Close()
		}
	}
	if err != nil {
		c.sttFailed("connect_failed", errorsx.Wrap(err, errorsx.ReasonSTTConnect))
		return
	}
	c.stt = adapter
	c.sttResults = adapter.Results()
}

func (c *call) run() {
	defer c.m.running.Done()
	tick := time.NewTicker(c.m.cfg.GuardCheckInterval)
	defer tick.Stop()

	for !c.sess.Status().Terminal() {
		select {
		case in := <-c.inbox:
			if in.kind == inboundStop {
				c.finalize(in.reason)
				continue
			}
			c.onMedia(in)
		case f, ok := <-c.sttResults:
			if !ok {
				c.sttResults = nil
				continue
			}
			c.onResult(f)
		case <-c.pauseCh:
			if c.m.guard.Tripped() {
				c.pause()
			}
		case <-tick.C:
			if c.m.guard.Tripped() {
				c.pause()
				continue
			}
			c.maybeDispatch()
		case <-c.m.ctx.Done():
			c.finalize("shutdown")
		}
	}
	c.settle()
}

func (c *call) onMedia(in inbound) {
	if c.sess.Status() == session.StatusConnecting {
		if _, err := c.sess.Transition(session.StatusStreaming); err == nil {
			c.m.publisher.Status(c.sess, nil)
		}
	}
	if c.m.guard.Tripped() {
		c.pause()
		return
	}
	pcm, err := c.decoder.Decode(in.seq, in.payload)
	if err != nil {
		if codec.IsSequenceError(err) {
			c.fail(err)
			return
		}
		c.log.Warn("frame_decode_error", append([]any{"sequence", in.seq}, errorsx.LogAttrs(err)...)...)
		metrics.Record(c.m.obs, metrics.EventFrameDecodeError, 1, map[string]string{"call_id": c.sess.ID()})
		return
	}
	// Only accepted frames count against the quota, and a trip stops the
	// frame before it reaches the transcript.
	dur := c.decoder.Duration(len(pcm))
	if c.m.guard.Charge(c.sess.ID(), dur) {
		metrics.Record(c.m.obs, metrics.EventGuardTripped, 1, map[string]string{"call_id": c.sess.ID()})
		c.m.pauseAll()
		c.pause()
		return
	}
	c.sess.AddAudio(dur)

	if c.stt == nil || c.sess.PartialFrozen() {
		return
	}
	out := frames.NewAudioFrame(c.sess.StreamID(), in.seq, c.m.now().UnixNano(), codec.PCMBytes(pcm), c.decoder.TargetRate(), 1, map[string]string{
		frames.MetaCallSID: c.sess.ID(),
		frames.MetaTraceID: c.traceID,
		frames.MetaFormat:  frames.FormatPCM16,
	})
	if err := c.stt.SendAudio(out); err != nil {
		c.sttFailed("send_failed", errorsx.Wrap(err, errorsx.ReasonSTTSend))
	}
}

func (c *call) onResult(f frames.Frame) {
	if c.m.guard.Tripped() {
		c.pause()
		return
	}
	switch fr := f.(type) {
	case frames.TextFrame:
		if fr.IsFinal() {
			c.onFinal(fr.Text())
			return
		}
		if c.sess.SetPartial(fr.Text()) {
			c.m.publisher.Transcript(c.sess)
		}
	case frames.SystemFrame:
		if fr.Name() == frames.SystemSTTError {
			c.sttFailed(fr.Meta()[frames.MetaReason], nil)
		}
	}
}

func (c *call) onFinal(text string) {
	text = strings.TrimSpace(text)
	if text == "" {
		return
	}
	c.sess.AppendFinal(text)
	c.m.publisher.Transcript(c.sess)
	c.log.Debug("utterance_final", "text", redact.Text(text))
	c.cadence.Observe()
	c.maybeDispatch()
}

// maybeDispatch summarizes the transcript so far when the cadence allows it.
func (c *call) maybeDispatch() {
	now := c.m.now()
	if !c.cadence.Ready(now) {
		return
	}
	final, _ := c.sess.Transcript()
	c.track(c.m.dispatcher.Dispatch(c.sess, final, false))
	c.cadence.Mark(now)
}

func (c *call) track(t *summary.Ticket) {
	kept := c.tickets[:0]
	for _, old := range c.tickets {
		select {
		case <-old.Done():
		default:
			kept = append(kept, old)
		}
	}
	c.tickets = append(kept, t)
}

func (c *call) sttFailed(reason string, err error) {
	if c.sess.PartialFrozen() {
		return
	}
	c.sess.FreezePartial()
	if reason == "" {
		reason = "unknown"
	}
	c.log.Warn("stt_failed",
		"reason", reason,
		"reason_code", string(errorsx.ReasonSTTStream),
		"error", err)
	metrics.Record(c.m.obs, metrics.EventSTTError, 1, map[string]string{"call_id": c.sess.ID(), "reason": reason})
	c.m.publisher.Record(c.sess, session.ActivityTranscriptionFailed, "Transcription engine unavailable", "Reason "+reason, nil)
	c.closeSTT(false)
}

// finalize runs the Finalizing phase: the last utterance is committed and one
// more summary covers the whole transcript before the session completes.
func (c *call) finalize(reason string) {
	if _, err := c.sess.Transition(session.StatusFinalizing); err != nil {
		c.log.Debug("finalize_skipped", "error", err)
		return
	}
	c.closeInput()
	c.m.publisher.Status(c.sess, nil)

	c.flushSTT()
	final, _ := c.sess.Transcript()
	ticket := c.m.dispatcher.Dispatch(c.sess, final, true)
	c.track(ticket)

	timer := time.NewTimer(c.m.cfg.FinalizeTimeout)
	defer timer.Stop()
	select {
	case <-ticket.Done():
	case <-timer.C:
		c.log.Warn("summary_finalize_timeout", "sequence", ticket.Sequence, "timeout", c.m.cfg.FinalizeTimeout.String())
		c.m.publisher.Apply(c.sess.ID(), ticket.Sequence, session.PlaceholderCard())
	case <-c.m.ctx.Done():
		c.m.publisher.Apply(c.sess.ID(), ticket.Sequence, session.PlaceholderCard())
	}

	if _, err := c.sess.Transition(session.StatusCompleted); err != nil {
		c.log.Error("session_transition_failed", "error", err)
		return
	}
	c.terminal(session.ActivitySessionCompleted, "Call ended", reason, nil)
}

// flushSTT closes the engine, commits every final it still delivers and then
// whatever utterance is left open.
func (c *call) flushSTT() {
	c.closeSTT(true)
	c.sess.CommitPartial()
	c.m.publisher.Transcript(c.sess)
}

func (c *call) pause() {
	if _, err := c.sess.Transition(session.StatusGuardPaused); err != nil {
		return
	}
	c.closeInput()
	c.sess.SetNotice(guardNotice)
	c.log.Warn("session_guard_paused", "reason_code", string(errorsx.ReasonQuotaExceeded))
	c.terminal(session.ActivityGuardTriggered, guardNotice+"; stream closed", "guard_paused", map[string]any{"notice": guardNotice})
}

func (c *call) fail(err error) {
	if _, terr := c.sess.Transition(session.StatusError); terr != nil {
		return
	}
	c.closeInput()
	c.log.Error("session_protocol_error", errorsx.LogAttrs(err)...)
	c.terminal(session.ActivitySessionFailed, "Media stream protocol violation", "protocol_error", nil)
}

// terminal records the closing activity entry and releases the media
// connection. The session must already be in its terminal status.
func (c *call) terminal(kind session.ActivityType, message, reason string, extra map[string]any) {
	c.closeSTT(false)
	elapsed := c.sess.Elapsed()
	c.m.publisher.Record(c.sess, kind, message, fmt.Sprintf("Duration %.1f min", elapsed.Minutes()), nil)
	c.m.publisher.Status(c.sess, extra)
	if c.conn != nil {
		if err := c.conn.Close(reason); err != nil {
			c.log.Debug("media_close_failed", "error", err, "reason_code", string(errorsx.ReasonTransportClose))
		}
	}
	status := c.sess.Status()
	metrics.Record(c.m.obs, metrics.EventSessionTerminal, elapsed.Seconds(), map[string]string{
		"call_id": c.sess.ID(),
		"status":  string(status),
	})
	c.log.Info("session_terminal",
		"status", string(status),
		"reason", reason,
		"duration_seconds", elapsed.Seconds(),
		"audio_seconds", c.sess.AudioDuration().Seconds())
}

// settle waits for outstanding summaries, archives the session and retires it.
func (c *call) settle() {
	c.closeInput()
	for _, t := range c.tickets {
		<-t.Done()
	}
	if c.m.archiver != nil {
		ctx, cancel := context.WithTimeout(context.Background(), c.m.cfg.ArchiveTimeout)
		if err := c.m.archiver.Archive(ctx, c.sess.Snapshot()); err != nil {
			err = errorsx.Wrap(err, errorsx.ReasonArchiveWrite)
			c.log.Error("archive_failed", errorsx.LogAttrs(err)...)
			metrics.Record(c.m.obs, metrics.EventArchiveFailed, 1, map[string]string{"call_id": c.sess.ID()})
		}
		cancel()
	}
	c.m.retire(c)
}

func (c *call) closeInput() {
	c.closeOnce.Do(func() { close(c.closed) })
}

// closeSTT closes the engine and reads its results until the channel closes.
// Finals still in flight are committed when keep is set and dropped otherwise.
func (c *call) closeSTT(keep bool) {
	if c.stt == nil {
		return
	}
	// Closing may wait on engine callbacks that are themselves waiting for
	// this loop to read.
	go func(adapter stt.StreamingSTT, log *slog.Logger) {
		if err := adapter.Close(); err != nil {
			log.Debug("stt_close_failed", "error", err)
		}
	}(c.stt, c.log)
	timer := time.NewTimer(sttDrainTimeout)
	defer timer.Stop()
	for results := c.sttResults; results != nil; {
		select {
		case f, ok := <-results:
			if !ok {
				results = nil
				continue
			}
			if tf, isText := f.(frames.TextFrame); keep && isText && tf.IsFinal() {
				c.sess.AppendFinal(tf.Text())
			}
		case <-timer.C:
			c.log.Warn("stt_drain_timeout", "timeout", sttDrainTimeout.String())
			results = nil
		}
	}
	if keep {
		if rest := strings.TrimSpace(c.stt.Flush()); rest != "" {
			c.sess.AppendFinal(rest)
		}
	}
	c.stt = nil
	c.sttResults = nil
}
