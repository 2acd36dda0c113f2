package redact

import (
	"regexp"
	"strings"
	"sync/atomic"
)

var enabled atomic.Bool

var (
	emailRe = regexp.MustCompile(`(?i)[a-z0-9._%+\-]+@[a-z0-9.\-]+\.[a-z]{2,}`)
	phoneRe = regexp.MustCompile(`\+?\d[\d\s\-().]{7,}\d`)
)

// SetEnabled toggles PII redaction for transcript text and caller numbers in logs.
func SetEnabled(v bool) {
	enabled.Store(v)
}

func Enabled() bool {
	return enabled.Load()
}

// Text redacts emails and phone numbers spoken in a transcript.
func Text(in string) string {
	if !enabled.Load() || strings.TrimSpace(in) == "" {
		return in
	}
	out := emailRe.ReplaceAllString(in, "[REDACTED_EMAIL]")
	out = phoneRe.ReplaceAllString(out, "[REDACTED_PHONE]")
	return out
}

// Number masks all but the last four digits of a caller or forwarded-to number.
func Number(in string) string {
	if !enabled.Load() || in == "" {
		return in
	}
	digits := 0
	for _, r := range in {
		if r >= '0' && r <= '9' {
			digits++
		}
	}
	keep := 4
	var b strings.Builder
	seen := 0
	for _, r := range in {
		if r >= '0' && r <= '9' {
			seen++
			if seen <= digits-keep {
				b.WriteByte('*')
				continue
			}
		}
		b.WriteRune(r)
	}
	return b.String()
}
