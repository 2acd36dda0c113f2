package manager

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/harunnryd/callpilot/pkg/adapters/stt"
	"github.com/harunnryd/callpilot/pkg/frames"
	"github.com/harunnryd/callpilot/pkg/metrics"
	"github.com/harunnryd/callpilot/pkg/quota"
	"github.com/harunnryd/callpilot/pkg/session"
	"github.com/harunnryd/callpilot/pkg/store"
	"github.com/harunnryd/callpilot/pkg/transports"
)

var silence = []byte(base64.StdEncoding.EncodeToString(bytes.Repeat([]byte{0xFF}, 160)))

// fakeSTT lets a test play the speech engine.
type fakeSTT struct {
	emitter *stt.Emitter
	// onClose runs just before the emitter closes, as an engine delivering
	// its last result during shutdown would.
	onClose func()

	mu      sync.Mutex
	sent    int
	pending string
	closed  bool
}

func (f *fakeSTT) Name() string { return "fake" }
func (f *fakeSTT) Start(context.Context) error {
	return nil
}

func (f *fakeSTT) Close() error {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return nil
	}
	f.closed = true
	hook := f.onClose
	f.mu.Unlock()
	if hook != nil {
		hook()
	}
	f.emitter.Close()
	return nil
}

func (f *fakeSTT) SendAudio(frames.AudioFrame) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent++
	return nil
}

func (f *fakeSTT) Flush() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	p := f.pending
	f.pending = ""
	return p
}

func (f *fakeSTT) Results() <-chan frames.Frame { return f.emitter.C() }

func (f *fakeSTT) final(text string) { f.emitter.Final(text) }

func (f *fakeSTT) sentCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sent
}

type sttRegistry struct {
	mu   sync.Mutex
	byID map[string]*fakeSTT
}

func (r *sttRegistry) factory(cfg stt.Config) (stt.StreamingSTT, error) {
	f := &fakeSTT{emitter: stt.NewEmitter(cfg, "fake", 64, nil)}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byID[cfg.CallSID] = f
	return f, nil
}

func (r *sttRegistry) get(callID string) *fakeSTT {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.byID[callID]
}

type result struct {
	card session.Card
	err  error
}

// gatedSummarizer holds every request until the test releases the transcript
// it was asked about.
type gatedSummarizer struct {
	mu    sync.Mutex
	gates map[string]chan result
	calls chan string
}

func newGatedSummarizer() *gatedSummarizer {
	return &gatedSummarizer{gates: make(map[string]chan result), calls: make(chan string, 64)}
}

func (g *gatedSummarizer) gate(transcript string) chan result {
	g.mu.Lock()
	defer g.mu.Unlock()
	ch, ok := g.gates[transcript]
	if !ok {
		ch = make(chan result, 1)
		g.gates[transcript] = ch
	}
	return ch
}

func (g *gatedSummarizer) Summarize(ctx context.Context, transcript string) (session.Card, error) {
	ch := g.gate(transcript)
	g.calls <- transcript
	select {
	case r := <-ch:
		return r.card, r.err
	case <-ctx.Done():
		return session.Card{}, ctx.Err()
	}
}

func (g *gatedSummarizer) release(transcript, summary string) {
	g.gate(transcript) <- result{card: card(summary)}
}

func (g *gatedSummarizer) expect(t *testing.T, transcript string) {
	t.Helper()
	select {
	case got := <-g.calls:
		if got != transcript {
			t.Fatalf("expected summary request for %q, got %q", transcript, got)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("no summary request for %q", transcript)
	}
}

func card(summary string) session.Card {
	return session.Card{Summary: &summary, Sentiment: session.SentimentNeutral, Urgency: session.UrgencyMedium, ActionItems: []string{}}
}

type fakeConn struct {
	mu     sync.Mutex
	reason string
	closed bool
}

func (c *fakeConn) Close(reason string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		c.reason = reason
	}
	return nil
}

func (c *fakeConn) closedWith() (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.reason, c.closed
}

type fakeArchiver struct {
	mu    sync.Mutex
	snaps []session.Snapshot
}

func (a *fakeArchiver) Archive(_ context.Context, snap session.Snapshot) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.snaps = append(a.snaps, snap)
	return nil
}

type harness struct {
	m        *Manager
	store    *store.Memory
	stts     *sttRegistry
	sum      *gatedSummarizer
	obs      *metrics.MemoryObserver
	guard    *quota.Guard
	archiver *fakeArchiver
}

func newHarness(t *testing.T, cfg Config, guard *quota.Guard) *harness {
	t.Helper()
	if guard == nil {
		guard = quota.NewGuard(false, 0, nil)
	}
	h := &harness{
		store:    store.NewMemory(),
		stts:     &sttRegistry{byID: make(map[string]*fakeSTT)},
		sum:      newGatedSummarizer(),
		obs:      metrics.NewMemoryObserver(),
		guard:    guard,
		archiver: &fakeArchiver{},
	}
	if cfg.StoreBackoff == 0 {
		cfg.StoreBackoff = time.Millisecond
	}
	m, err := New(cfg, Deps{
		Guard:      guard,
		STT:        h.stts.factory,
		Summarizer: h.sum,
		Store:      h.store,
		Archiver:   h.archiver,
		Observer:   h.obs,
	})
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}
	h.m = m
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
		defer cancel()
		_ = m.Drain(ctx)
	})
	return h
}

func (h *harness) open(t *testing.T, callID string) (transports.Call, *fakeConn) {
	t.Helper()
	conn := &fakeConn{}
	c, err := h.m.Open(context.Background(), transports.StartRequest{CallID: callID, StreamID: "MZ-" + callID}, conn)
	if err != nil {
		t.Fatalf("open %s: %v", callID, err)
	}
	return c, conn
}

func (h *harness) status(callID string) session.Status {
	snap, ok := h.m.Snapshot(callID)
	if !ok {
		return ""
	}
	return snap.Status
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func appliedSeq(h *harness, callID string) int64 {
	snap, ok := h.m.Snapshot(callID)
	if !ok || snap.AI == nil {
		return 0
	}
	return snap.AI.Sequence
}

func storedSeq(h *harness, callID string) float64 {
	ai, _ := h.store.Get(callID)["ai"].(map[string]any)
	seq, _ := ai["sequence"].(float64)
	return seq
}

func TestMetadataCapturedVerbatim(t *testing.T) {
	h := newHarness(t, Config{}, nil)
	_, err := h.m.Open(context.Background(), transports.StartRequest{
		CallID:       "CA1",
		StreamID:     "MZ1",
		CallerNumber: "+15551230000",
		ForwardedTo:  "+15557770000",
		Params:       map[string]string{"campaign": "spring"},
	}, &fakeConn{})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	snap, ok := h.m.Snapshot("CA1")
	if !ok {
		t.Fatalf("session not registered")
	}
	if snap.Metadata.CallerNumber != "+15551230000" || snap.Metadata.ForwardedTo != "+15557770000" {
		t.Fatalf("unexpected metadata %+v", snap.Metadata)
	}
	if snap.Status != session.StatusConnecting {
		t.Fatalf("expected connecting, got %s", snap.Status)
	}
	waitFor(t, "mirrored metadata", func() bool {
		meta, _ := h.store.Get("CA1")["metadata"].(map[string]any)
		return meta["callerNumber"] == "+15551230000" && meta["forwardedTo"] == "+15557770000"
	})
	if snap.Activity[0].Type != session.ActivitySessionStarted {
		t.Fatalf("expected session-started first, got %s", snap.Activity[0].Type)
	}
}

func TestOutOfOrderSummariesConverge(t *testing.T) {
	h := newHarness(t, Config{}, nil)
	c, _ := h.open(t, "CA1")
	if err := c.Media(1, silence); err != nil {
		t.Fatalf("media: %v", err)
	}
	waitFor(t, "streaming", func() bool { return h.status("CA1") == session.StatusStreaming })
	engine := h.stts.get("CA1")

	engine.final("one")
	h.sum.expect(t, "one")
	engine.final("two")
	h.sum.expect(t, "one two")
	engine.final("three")
	h.sum.expect(t, "one two three")

	h.sum.release("one", "s1")
	waitFor(t, "seq 1 applied", func() bool { return appliedSeq(h, "CA1") == 1 })
	h.sum.release("one two three", "s3")
	waitFor(t, "seq 3 applied", func() bool { return appliedSeq(h, "CA1") == 3 })
	h.sum.release("one two", "s2")
	waitFor(t, "seq 2 discarded", func() bool { return h.obs.Count(metrics.EventSummaryDiscarded) == 1 })

	snap, _ := h.m.Snapshot("CA1")
	if snap.AI.Sequence != 3 || snap.AI.SummaryText() != "s3" {
		t.Fatalf("expected card 3, got %+v", snap.AI)
	}
	ready := 0
	for _, a := range snap.Activity {
		if a.Type == session.ActivitySummaryReady {
			ready++
			if a.Message == "s2" {
				t.Fatalf("stale summary recorded")
			}
		}
	}
	if ready != 2 {
		t.Fatalf("expected 2 summary-ready entries, got %d", ready)
	}
	waitFor(t, "stored sequence 3", func() bool { return storedSeq(h, "CA1") == 3 })
}

func TestStopWhileSummaryInFlight(t *testing.T) {
	h := newHarness(t, Config{FinalizeTimeout: 5 * time.Second}, nil)
	c, conn := h.open(t, "CA1")
	_ = c.Media(1, silence)
	waitFor(t, "streaming", func() bool { return h.status("CA1") == session.StatusStreaming })
	engine := h.stts.get("CA1")

	transcript := ""
	for i, word := range []string{"a", "b", "c", "d"} {
		if transcript != "" {
			transcript += " "
		}
		transcript += word
		engine.final(word)
		h.sum.expect(t, transcript)
		if i < 3 {
			h.sum.release(transcript, "card "+word)
		}
	}
	waitFor(t, "seq 3 applied", func() bool { return appliedSeq(h, "CA1") == 3 })

	engine.mu.Lock()
	engine.pending = "e"
	engine.mu.Unlock()
	c.Stop("completed")
	h.sum.expect(t, "a b c d e")
	if got := h.status("CA1"); got != session.StatusFinalizing {
		t.Fatalf("expected finalizing while the last summary is pending, got %s", got)
	}
	if err := c.Media(2, silence); !errors.Is(err, transports.ErrCallClosed) {
		t.Fatalf("expected closed call, got %v", err)
	}

	h.sum.release("a b c d e", "final card")
	waitFor(t, "completed", func() bool { return h.status("CA1") == session.StatusCompleted })
	if seq := appliedSeq(h, "CA1"); seq != 5 {
		t.Fatalf("expected final sequence 5, got %d", seq)
	}

	h.sum.release("a b c d", "late card")
	waitFor(t, "seq 4 discarded", func() bool { return h.obs.Count(metrics.EventSummaryDiscarded) == 1 })
	snap, _ := h.m.Snapshot("CA1")
	if snap.AI.Sequence != 5 || snap.AI.SummaryText() != "final card" {
		t.Fatalf("card regressed: %+v", snap.AI)
	}
	if snap.Transcript.Final != "a b c d e" {
		t.Fatalf("unexpected transcript %q", snap.Transcript.Final)
	}
	last := snap.Activity[len(snap.Activity)-1]
	if last.Type != session.ActivitySessionCompleted || last.Message != "Call ended" {
		t.Fatalf("unexpected terminal entry %+v", last)
	}
	if reason, closed := conn.closedWith(); !closed || reason != "completed" {
		t.Fatalf("media not closed: %v %q", closed, reason)
	}
	waitFor(t, "stored sequence 5", func() bool { return storedSeq(h, "CA1") == 5 })
	waitFor(t, "archived", func() bool {
		h.archiver.mu.Lock()
		defer h.archiver.mu.Unlock()
		return len(h.archiver.snaps) == 1 && h.archiver.snaps[0].AI.Sequence == 5
	})
	for i := 1; i < len(snap.Activity); i++ {
		if snap.Activity[i].Timestamp.Before(snap.Activity[i-1].Timestamp) {
			t.Fatalf("activity timestamps went backwards at %d", i)
		}
	}
}

func TestMalformedFrameIsDropped(t *testing.T) {
	h := newHarness(t, Config{}, nil)
	c, _ := h.open(t, "CA1")
	_ = c.Media(1, silence)
	_ = c.Media(2, []byte("%%not base64%%"))
	_ = c.Media(3, silence)

	engine := h.stts.get("CA1")
	waitFor(t, "valid frames fed", func() bool { return engine.sentCount() == 2 })
	if got := h.status("CA1"); got != session.StatusStreaming {
		t.Fatalf("expected streaming, got %s", got)
	}
	if n := h.obs.Count(metrics.EventFrameDecodeError); n != 1 {
		t.Fatalf("expected 1 decode error, got %d", n)
	}
}

func TestDuplicateSequenceFailsSession(t *testing.T) {
	h := newHarness(t, Config{}, nil)
	c, conn := h.open(t, "CA1")
	_ = c.Media(1, silence)
	_ = c.Media(2, silence)
	_ = c.Media(2, silence)

	waitFor(t, "error status", func() bool { return h.status("CA1") == session.StatusError })
	if reason, closed := conn.closedWith(); !closed || reason != "protocol_error" {
		t.Fatalf("media not closed: %v %q", closed, reason)
	}
	snap, _ := h.m.Snapshot("CA1")
	failed := 0
	for _, a := range snap.Activity {
		if a.Type == session.ActivitySessionFailed {
			failed++
		}
	}
	if failed != 1 {
		t.Fatalf("expected one session-failed entry, got %d", failed)
	}
	waitFor(t, "input closed", func() bool { return errors.Is(c.Media(3, silence), transports.ErrCallClosed) })
}

func TestGuardPausesEverySession(t *testing.T) {
	guard := quota.NewGuard(true, 0.03, nil)
	h := newHarness(t, Config{}, guard)
	a, connA := h.open(t, "CA1")
	b, connB := h.open(t, "CA2")
	_ = b.Media(1, silence)
	waitFor(t, "CA2 streaming", func() bool { return h.status("CA2") == session.StatusStreaming })

	_ = a.Media(1, silence)
	waitFor(t, "CA1 paused", func() bool { return h.status("CA1") == session.StatusGuardPaused })
	waitFor(t, "CA2 paused", func() bool { return h.status("CA2") == session.StatusGuardPaused })

	for _, conn := range []*fakeConn{connA, connB} {
		if reason, closed := conn.closedWith(); !closed || reason != "guard_paused" {
			t.Fatalf("media not closed: %v %q", closed, reason)
		}
	}
	snap, _ := h.m.Snapshot("CA2")
	if snap.Notice != guardNotice {
		t.Fatalf("expected notice, got %q", snap.Notice)
	}
	if last := snap.Activity[len(snap.Activity)-1]; last.Type != session.ActivityGuardTriggered {
		t.Fatalf("expected guard-triggered entry, got %s", last.Type)
	}

	_, err := h.m.Open(context.Background(), transports.StartRequest{CallID: "CA3"}, &fakeConn{})
	if !errors.Is(err, ErrQuotaExceeded) {
		t.Fatalf("expected quota rejection, got %v", err)
	}
	if h.obs.Count(metrics.EventSessionRejected) != 1 {
		t.Fatalf("expected rejection metric")
	}
}

func TestTrippedGuardBlocksTranscriptGrowth(t *testing.T) {
	guard := quota.NewGuard(true, 0.01, nil)
	h := newHarness(t, Config{}, guard)
	_, _ = h.open(t, "CA1")
	engine := h.stts.get("CA1")

	guard.Charge("elsewhere", time.Second)
	engine.final("should not land")
	waitFor(t, "paused", func() bool { return h.status("CA1") == session.StatusGuardPaused })
	snap, _ := h.m.Snapshot("CA1")
	if snap.Transcript.Final != "" {
		t.Fatalf("transcript grew after trip: %q", snap.Transcript.Final)
	}
}

func TestDuplicateSessionRejected(t *testing.T) {
	h := newHarness(t, Config{}, nil)
	h.open(t, "CA1")
	_, err := h.m.Open(context.Background(), transports.StartRequest{CallID: "CA1"}, &fakeConn{})
	if !errors.Is(err, ErrSessionExists) {
		t.Fatalf("expected ErrSessionExists, got %v", err)
	}
}

func TestFinalizeTimeoutAppliesPlaceholder(t *testing.T) {
	h := newHarness(t, Config{FinalizeTimeout: 50 * time.Millisecond}, nil)
	c, _ := h.open(t, "CA1")
	_ = c.Media(1, silence)
	engine := h.stts.get("CA1")
	engine.final("hello")
	h.sum.expect(t, "hello")
	h.sum.release("hello", "greeting")
	waitFor(t, "seq 1", func() bool { return appliedSeq(h, "CA1") == 1 })

	engine.mu.Lock()
	engine.pending = "there"
	engine.mu.Unlock()
	c.Stop("completed")
	h.sum.expect(t, "hello there")
	waitFor(t, "completed", func() bool { return h.status("CA1") == session.StatusCompleted })

	snap, _ := h.m.Snapshot("CA1")
	if snap.AI.Sequence != 2 || !snap.AI.IsPlaceholder() {
		t.Fatalf("expected placeholder at seq 2, got %+v", snap.AI)
	}
	h.sum.release("hello there", "too late")
	waitFor(t, "late result discarded", func() bool { return h.obs.Count(metrics.EventSummaryDiscarded) == 1 })
	waitFor(t, "stored placeholder", func() bool { return storedSeq(h, "CA1") == 2 })
	ai, _ := h.store.Get("CA1")["ai"].(map[string]any)
	if ai["summary"] != nil {
		t.Fatalf("expected null summary in store, got %v", ai["summary"])
	}
}

func TestSTTFailureFreezesPartial(t *testing.T) {
	h := newHarness(t, Config{}, nil)
	c, _ := h.open(t, "CA1")
	_ = c.Media(1, silence)
	engine := h.stts.get("CA1")
	engine.emitter.Partial("my water")
	waitFor(t, "partial", func() bool {
		snap, _ := h.m.Snapshot("CA1")
		return snap.Transcript.Partial == "my water"
	})
	engine.emitter.Error("connection_closed")
	waitFor(t, "frozen", func() bool {
		sess, _ := h.m.Lookup("CA1")
		return sess.PartialFrozen()
	})
	if err := c.Media(2, silence); err != nil {
		t.Fatalf("frames must still be accepted: %v", err)
	}
	waitFor(t, "audio accounted", func() bool {
		snap, _ := h.m.Snapshot("CA1")
		return snap.AudioSeconds >= 0.039
	})
	if got := h.status("CA1"); got != session.StatusStreaming {
		t.Fatalf("expected streaming, got %s", got)
	}
	snap, _ := h.m.Snapshot("CA1")
	found := false
	for _, a := range snap.Activity {
		if a.Type == session.ActivityTranscriptionFailed {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected transcription-failed entry")
	}

	c.Stop("completed")
	h.sum.expect(t, "my water")
	h.sum.release("my water", "water issue")
	waitFor(t, "completed", func() bool { return h.status("CA1") == session.StatusCompleted })
}

func TestRecordBooking(t *testing.T) {
	h := newHarness(t, Config{}, nil)
	h.open(t, "CA1")
	raw := json.RawMessage(`{"summary":"Water heater repair","start":"2026-10-17T09:00:00Z"}`)
	entry, err := h.m.RecordBooking("CA1", raw)
	if err != nil {
		t.Fatalf("booking: %v", err)
	}
	if entry.Type != session.ActivityBookingRecorded || entry.Message != "Booked Water heater repair" {
		t.Fatalf("unexpected entry %+v", entry)
	}
	if _, err := h.m.RecordBooking("nope", raw); !errors.Is(err, ErrUnknownCall) {
		t.Fatalf("expected ErrUnknownCall, got %v", err)
	}
	waitFor(t, "booking mirrored", func() bool {
		b, _ := h.store.Get("CA1")["booking"].(map[string]any)
		return b["summary"] == "Water heater repair"
	})
}

func TestDrainFinalizesLiveSessions(t *testing.T) {
	h := newHarness(t, Config{}, nil)
	c, _ := h.open(t, "CA1")
	_ = c.Media(1, silence)
	h.sum.release("", "nothing said")
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := h.m.Drain(ctx); err != nil {
		t.Fatalf("drain: %v", err)
	}
	if got := h.status("CA1"); got != session.StatusCompleted {
		t.Fatalf("expected completed, got %s", got)
	}
	if h.m.Active() != 0 {
		t.Fatalf("expected no live sessions")
	}
	if _, err := h.m.Open(context.Background(), transports.StartRequest{CallID: "CA2"}, &fakeConn{}); !errors.Is(err, ErrShuttingDown) {
		t.Fatalf("expected ErrShuttingDown, got %v", err)
	}
}

func TestDrainDeadlineSettlesPendingSummary(t *testing.T) {
	h := newHarness(t, Config{FinalizeTimeout: 5 * time.Second}, nil)
	c, _ := h.open(t, "CA1")
	_ = c.Media(1, silence)
	engine := h.stts.get("CA1")
	engine.final("the boiler is leaking")
	h.sum.expect(t, "the boiler is leaking")

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	drained := make(chan error, 1)
	go func() { drained <- h.m.Drain(ctx) }()
	select {
	case err := <-drained:
		if err != nil && !errors.Is(err, context.DeadlineExceeded) {
			t.Fatalf("drain: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("drain did not return")
	}
	if got := h.status("CA1"); got != session.StatusCompleted {
		t.Fatalf("expected completed, got %s", got)
	}
	snap, _ := h.m.Snapshot("CA1")
	if snap.AI == nil || snap.AI.Sequence != 2 || !snap.AI.IsPlaceholder() {
		t.Fatalf("expected placeholder at seq 2, got %+v", snap.AI)
	}
	if h.m.Active() != 0 {
		t.Fatalf("expected no live sessions")
	}
}

func TestGuardChargesAcceptedFramesOnly(t *testing.T) {
	guard := quota.NewGuard(true, 60, nil)
	h := newHarness(t, Config{}, guard)
	c, _ := h.open(t, "CA1")
	_ = c.Media(1, silence)
	_ = c.Media(2, []byte("%%not base64%%"))
	_ = c.Media(3, silence)
	engine := h.stts.get("CA1")
	waitFor(t, "valid frames fed", func() bool { return engine.sentCount() == 2 })

	snap, _ := h.m.Snapshot("CA1")
	charged := guard.Snapshot().CumulativeSeconds
	if math.Abs(charged-0.04) > 1e-9 || math.Abs(charged-snap.AudioSeconds) > 1e-9 {
		t.Fatalf("guard charged %.3fs, session heard %.3fs", charged, snap.AudioSeconds)
	}

	d, _ := h.open(t, "CA2")
	_ = d.Media(1, silence)
	_ = d.Media(1, silence)
	waitFor(t, "error status", func() bool { return h.status("CA2") == session.StatusError })
	snap, _ = h.m.Snapshot("CA2")
	if math.Abs(snap.AudioSeconds-0.02) > 1e-9 {
		t.Fatalf("expected one frame of audio, got %.3fs", snap.AudioSeconds)
	}
	if charged := guard.Snapshot().CumulativeSeconds; math.Abs(charged-0.06) > 1e-9 {
		t.Fatalf("duplicate frame was charged: %.3fs", charged)
	}
}

func TestFinalDeliveredWhileEngineClosesIsKept(t *testing.T) {
	h := newHarness(t, Config{FinalizeTimeout: 5 * time.Second}, nil)
	c, _ := h.open(t, "CA1")
	_ = c.Media(1, silence)
	waitFor(t, "streaming", func() bool { return h.status("CA1") == session.StatusStreaming })
	engine := h.stts.get("CA1")
	engine.mu.Lock()
	engine.onClose = func() { engine.final("please send someone today") }
	engine.mu.Unlock()

	c.Stop("completed")
	h.sum.expect(t, "please send someone today")
	h.sum.release("please send someone today", "dispatch requested")
	waitFor(t, "completed", func() bool { return h.status("CA1") == session.StatusCompleted })
	snap, _ := h.m.Snapshot("CA1")
	if snap.Transcript.Final != "please send someone today" {
		t.Fatalf("unexpected transcript %q", snap.Transcript.Final)
	}
	if snap.AI.SummaryText() != "dispatch requested" {
		t.Fatalf("unexpected card %+v", snap.AI)
	}
}

func TestCadenceDeferredDispatchIssuedByTicker(t *testing.T) {
	h := newHarness(t, Config{MinInterval: 150 * time.Millisecond, GuardCheckInterval: 10 * time.Millisecond}, nil)
	c, _ := h.open(t, "CA1")
	_ = c.Media(1, silence)
	waitFor(t, "streaming", func() bool { return h.status("CA1") == session.StatusStreaming })
	engine := h.stts.get("CA1")

	engine.final("no hot water")
	h.sum.expect(t, "no hot water")
	first := time.Now()
	engine.final("since Monday")
	select {
	case got := <-h.sum.calls:
		t.Fatalf("dispatched %q before the interval elapsed", got)
	case <-time.After(50 * time.Millisecond):
	}

	h.sum.expect(t, "no hot water since Monday")
	if waited := time.Since(first); waited < 100*time.Millisecond {
		t.Fatalf("deferred dispatch issued after only %s", waited)
	}
	h.sum.release("no hot water", "s1")
	h.sum.release("no hot water since Monday", "s2")
	waitFor(t, "seq 2 applied", func() bool { return appliedSeq(h, "CA1") == 2 })
}
