package redact

import (
	"strings"
	"testing"
)

func TestRedactDisabled(t *testing.T) {
	SetEnabled(false)
	in := "my email is a@b.com and call me at 555 123 4567"
	if got := Text(in); got != in {
		t.Fatalf("expected no redaction, got %q", got)
	}
	if got := Number("+15551230000"); got != "+15551230000" {
		t.Fatalf("expected number untouched, got %q", got)
	}
}

func TestRedactEnabled(t *testing.T) {
	SetEnabled(true)
	defer SetEnabled(false)
	in := "my email is a@b.com and call me at 555 123 4567"
	got := Text(in)
	if want := "[REDACTED_EMAIL]"; !strings.Contains(got, want) {
		t.Fatalf("expected %q in output, got %q", want, got)
	}
	if want := "[REDACTED_PHONE]"; !strings.Contains(got, want) {
		t.Fatalf("expected %q in output, got %q", want, got)
	}
}

func TestNumberKeepsLastFourDigits(t *testing.T) {
	SetEnabled(true)
	defer SetEnabled(false)
	if got := Number("+15551230000"); got != "+*******0000" {
		t.Fatalf("unexpected mask %q", got)
	}
}
