package errorsx

import (
	"fmt"
	"testing"
)

func TestWrapAndReason(t *testing.T) {
	err := Wrap(assertErr{}, ReasonSummaryGenerate)
	if Reason(err) != ReasonSummaryGenerate {
		t.Fatalf("expected reason %s, got %s", ReasonSummaryGenerate, Reason(err))
	}
	if !HasReason(err, ReasonSummaryGenerate) {
		t.Fatalf("expected HasReason true")
	}
}

func TestWrapPreservesExistingReason(t *testing.T) {
	first := Wrap(assertErr{}, ReasonSTTSend)
	second := Wrap(first, ReasonStoreWrite)
	if Reason(second) != ReasonSTTSend {
		t.Fatalf("expected reason preserved, got %s", Reason(second))
	}
}

func TestReasonSurvivesFmtWrapping(t *testing.T) {
	err := fmt.Errorf("patch calls/CA1: %w", Wrap(assertErr{}, ReasonStoreWrite))
	if Reason(err) != ReasonStoreWrite {
		t.Fatalf("expected reason through %%w, got %s", Reason(err))
	}
	if Reason(nil) != ReasonUnknown {
		t.Fatalf("expected unknown for nil error")
	}
}

type assertErr struct{}

func (assertErr) Error() string { return "boom" }

func TestClassOf(t *testing.T) {
	cases := map[ReasonCode]Class{
		ReasonDecode:             ClassFrame,
		ReasonProtocolSequence:   ClassProtocol,
		ReasonSummaryCircuitOpen: ClassEngine,
		ReasonStoreWrite:         ClassStore,
		ReasonQuotaExceeded:      ClassQuota,
	}
	for reason, want := range cases {
		if got := ClassOf(Wrap(assertErr{}, reason)); got != want {
			t.Fatalf("%s: expected %s, got %s", reason, want, got)
		}
	}
	if ClassOf(assertErr{}) != ClassUnknown {
		t.Fatalf("untagged errors must be unknown")
	}
}

func TestErrorfAndLogAttrs(t *testing.T) {
	err := Errorf(ReasonArchiveWrite, "upsert %s: %w", "CA1", assertErr{})
	if err.Error() != "upsert CA1: boom" {
		t.Fatalf("unexpected message %q", err.Error())
	}
	attrs := LogAttrs(err)
	if len(attrs) != 6 || attrs[1] != "archive_write" || attrs[3] != "store_write" {
		t.Fatalf("unexpected attrs %v", attrs)
	}
}
