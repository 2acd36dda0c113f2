package stt

import (
	"strings"
	"sync"
)

// Utterance accumulates the single in-progress utterance of a stream. Engines
// that finalize an utterance in several segments commit each one; interim text
// for the next segment is kept apart until it is committed too.
type Utterance struct {
	mu       sync.Mutex
	segments []string
	interim  string
}

// Interim replaces the uncommitted text and returns the whole partial.
func (u *Utterance) Interim(text string) string {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.interim = strings.TrimSpace(text)
	return u.textLocked()
}

// Commit appends a finalized segment and returns the whole partial.
func (u *Utterance) Commit(text string) string {
	u.mu.Lock()
	defer u.mu.Unlock()
	if text = strings.TrimSpace(text); text != "" {
		u.segments = append(u.segments, text)
	}
	u.interim = ""
	return u.textLocked()
}

// Finish closes the utterance and returns its text. Uncommitted interim text
// is included.
func (u *Utterance) Finish() string {
	u.mu.Lock()
	defer u.mu.Unlock()
	text := u.textLocked()
	u.segments = nil
	u.interim = ""
	return text
}

func (u *Utterance) textLocked() string {
	parts := append([]string(nil), u.segments...)
	if u.interim != "" {
		parts = append(parts, u.interim)
	}
	return strings.Join(parts, " ")
}
