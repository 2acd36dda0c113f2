package publisher

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/harunnryd/callpilot/pkg/metrics"
	"github.com/harunnryd/callpilot/pkg/session"
	"github.com/harunnryd/callpilot/pkg/store"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type mapRegistry map[string]*session.CallSession

func (r mapRegistry) Lookup(id string) (*session.CallSession, bool) {
	s, ok := r[id]
	return s, ok
}

// flakyStore fails the first n writes and records the rest in order.
type flakyStore struct {
	mu       sync.Mutex
	failures int
	ops      []string
	patches  []map[string]any
}

func (f *flakyStore) Name() string { return "flaky" }

func (f *flakyStore) Patch(ctx context.Context, callID string, fields map[string]any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failures > 0 {
		f.failures--
		return errors.New("unavailable")
	}
	f.ops = append(f.ops, "patch")
	f.patches = append(f.patches, fields)
	return nil
}

func (f *flakyStore) Append(ctx context.Context, callID, list, key string, value any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failures > 0 {
		f.failures--
		return errors.New("unavailable")
	}
	b, _ := json.Marshal(value)
	var e session.ActivityEntry
	_ = json.Unmarshal(b, &e)
	f.ops = append(f.ops, "append:"+string(e.Type))
	return nil
}

func strPtr(s string) *string { return &s }

func card(summary string) session.Card {
	return session.Card{Summary: strPtr(summary), Sentiment: "neutral", Urgency: "low", ActionItems: []string{}}
}

func TestApplyIgnoresStaleSequence(t *testing.T) {
	sess := session.New("CA1", "MZ1", session.Metadata{}, nil)
	mem := store.NewMemory()
	p := New(mem, mapRegistry{"CA1": sess}, Config{MaxAttempts: 1, Backoff: time.Millisecond}, nil, quietLogger())

	if !p.Apply("CA1", 3, card("three")) {
		t.Fatalf("expected seq 3 applied")
	}
	if p.Apply("CA1", 2, card("two")) {
		t.Fatalf("expected seq 2 discarded")
	}
	if err := p.Wait(context.Background()); err != nil {
		t.Fatalf("wait: %v", err)
	}
	ai := mem.Get("CA1")["ai"].(map[string]any)
	if ai["summary"] != "three" || ai["sequence"] != float64(3) {
		t.Fatalf("store regressed: %+v", ai)
	}
	if n := len(mem.List("CA1", "activity")); n != 1 {
		t.Fatalf("expected one activity entry in store, got %d", n)
	}
	if p.Apply("CA9", 1, card("x")) {
		t.Fatalf("unknown call must not apply")
	}
}

func TestPlaceholderIsMirroredAsNull(t *testing.T) {
	sess := session.New("CA1", "", session.Metadata{}, nil)
	mem := store.NewMemory()
	p := New(mem, mapRegistry{"CA1": sess}, Config{}, nil, quietLogger())
	p.Apply("CA1", 1, session.PlaceholderCard())
	_ = p.Wait(context.Background())
	ai := mem.Get("CA1")["ai"].(map[string]any)
	if v, ok := ai["summary"]; !ok || v != nil {
		t.Fatalf("expected explicit null summary, got %+v", ai)
	}
	entry := mem.List("CA1", "activity")[0].(map[string]any)
	if entry["type"] != string(session.ActivitySummaryFailed) {
		t.Fatalf("expected summary-failed, got %+v", entry)
	}
}

func TestWritesRetryAndKeepOrder(t *testing.T) {
	sess := session.New("CA1", "MZ1", session.Metadata{CallerNumber: "+15551230000"}, nil)
	fs := &flakyStore{failures: 2}
	p := New(fs, mapRegistry{"CA1": sess}, Config{MaxAttempts: 3, Backoff: time.Millisecond}, nil, quietLogger())

	p.Started(sess, "Call connected")
	p.Apply("CA1", 1, card("one"))
	p.Record(sess, session.ActivitySessionCompleted, "Call ended", "Duration 0.1 min", nil)
	if err := p.Wait(context.Background()); err != nil {
		t.Fatalf("wait: %v", err)
	}
	want := []string{"patch", "append:session-started", "patch", "append:summary-ready", "append:session-completed"}
	if len(fs.ops) != len(want) {
		t.Fatalf("expected ops %v, got %v", want, fs.ops)
	}
	for i := range want {
		if fs.ops[i] != want[i] {
			t.Fatalf("op %d = %s, want %s (all %v)", i, fs.ops[i], want[i], fs.ops)
		}
	}
}

func TestExhaustedRetriesAreReportedNotFatal(t *testing.T) {
	sess := session.New("CA1", "", session.Metadata{}, nil)
	fs := &flakyStore{failures: 100}
	obs := metrics.NewMemoryObserver()
	p := New(fs, mapRegistry{"CA1": sess}, Config{MaxAttempts: 2, Backoff: time.Millisecond}, obs, quietLogger())
	if !p.Apply("CA1", 1, card("one")) {
		t.Fatalf("in-memory apply must succeed even when the store is down")
	}
	_ = p.Wait(context.Background())
	if obs.Count(metrics.EventStoreWriteFailed) != 2 {
		t.Fatalf("expected two failed writes, got %d", obs.Count(metrics.EventStoreWriteFailed))
	}
	if _, seq, _ := sess.Card(); seq != 1 {
		t.Fatalf("memory must stay authoritative, got seq %d", seq)
	}
}

func TestTranscriptUpdatesCoalesce(t *testing.T) {
	sess := session.New("CA1", "", session.Metadata{}, nil)
	block := make(chan struct{})
	bs := &blockingStore{release: block}
	p := New(bs, mapRegistry{"CA1": sess}, Config{MaxAttempts: 1}, nil, quietLogger())

	p.Status(sess, nil) // occupies the worker
	for _, text := range []string{"a", "ab", "abc"} {
		sess.SetPartial(text)
		p.Transcript(sess)
	}
	close(block)
	_ = p.Wait(context.Background())
	if bs.patches != 2 {
		t.Fatalf("expected status + one collapsed transcript patch, got %d", bs.patches)
	}
	tr := bs.last["transcript"].(map[string]any)
	if tr["partial"] != "abc" {
		t.Fatalf("expected latest partial, got %+v", tr)
	}
	p.Forget("CA1")
}

type blockingStore struct {
	release chan struct{}
	mu      sync.Mutex
	patches int
	last    map[string]any
}

func (b *blockingStore) Name() string { return "blocking" }

func (b *blockingStore) Patch(ctx context.Context, callID string, fields map[string]any) error {
	<-b.release
	b.mu.Lock()
	b.patches++
	b.last = fields
	b.mu.Unlock()
	return nil
}

func (b *blockingStore) Append(context.Context, string, string, string, any) error { return nil }

func TestBookingIsStoredVerbatim(t *testing.T) {
	sess := session.New("CA1", "", session.Metadata{}, nil)
	mem := store.NewMemory()
	p := New(mem, mapRegistry{"CA1": sess}, Config{}, nil, quietLogger())
	p.Booking(sess, json.RawMessage(`{"eventId":"e1","summary":"Tune-up"}`))
	_ = p.Wait(context.Background())
	booking := mem.Get("CA1")["booking"].(map[string]any)
	if booking["eventId"] != "e1" {
		t.Fatalf("unexpected booking %+v", booking)
	}
}

// lostAckStore writes every append but reports the first n as failed, as a
// request whose response never arrived would.
type lostAckStore struct {
	*store.Memory
	mu   sync.Mutex
	lost int
}

func (l *lostAckStore) Append(ctx context.Context, callID, list, key string, value any) error {
	if err := l.Memory.Append(ctx, callID, list, key, value); err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.lost > 0 {
		l.lost--
		return errors.New("connection reset")
	}
	return nil
}

func TestRetriedAppendLeavesOneEntry(t *testing.T) {
	sess := session.New("CA1", "", session.Metadata{}, nil)
	ls := &lostAckStore{Memory: store.NewMemory(), lost: 1}
	p := New(ls, mapRegistry{"CA1": sess}, Config{MaxAttempts: 3, Backoff: time.Millisecond}, nil, quietLogger())

	p.Started(sess, "Call connected")
	p.Record(sess, session.ActivitySessionCompleted, "Call ended", "", nil)
	if err := p.Wait(context.Background()); err != nil {
		t.Fatalf("wait: %v", err)
	}
	entries := ls.List("CA1", "activity")
	if len(entries) != 2 {
		t.Fatalf("expected 2 activity entries, got %d", len(entries))
	}
	for i, want := range []session.ActivityType{session.ActivitySessionStarted, session.ActivitySessionCompleted} {
		if got := entries[i].(map[string]any)["type"]; got != string(want) {
			t.Fatalf("entry %d = %v, want %s", i, got, want)
		}
	}
}
