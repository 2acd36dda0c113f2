package metrics

import (
	"bytes"
	"strings"
	"testing"
)

func TestAsyncObserverDeliversBufferedEventsOnClose(t *testing.T) {
	mem := NewMemoryObserver()
	a := NewAsyncObserver(mem, 16)
	for i := 0; i < 5; i++ {
		Record(a, EventSummaryDispatch, float64(i), map[string]string{"call_id": "CA1"})
	}
	a.Close()
	if got := mem.Count(EventSummaryDispatch); got != 5 {
		t.Fatalf("expected 5 events delivered, got %d", got)
	}
	Record(a, EventSummaryDispatch, 0, nil)
	if got := mem.Count(EventSummaryDispatch); got != 5 {
		t.Fatalf("events after close must be ignored, got %d", got)
	}
}

func TestJSONLObserverWritesOneLinePerEvent(t *testing.T) {
	var buf bytes.Buffer
	o := NewJSONLObserver(&buf)
	Record(o, EventGuardTripped, 1, map[string]string{"call_id": "CA1"})
	Record(o, EventStoreWriteFailed, 1, nil)
	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 2 {
		t.Fatalf("expected 2 lines, got %d: %q", len(lines), buf.String())
	}
	if !strings.Contains(lines[0], `"name":"guard_tripped"`) || !strings.Contains(lines[0], `"call_id":"CA1"`) {
		t.Fatalf("unexpected line: %s", lines[0])
	}
}
