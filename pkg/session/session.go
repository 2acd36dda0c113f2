package session

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// Metadata is captured from the stream start event and never changes.
type Metadata struct {
	CallerNumber string            `json:"callerNumber,omitempty"`
	ForwardedTo  string            `json:"forwardedTo,omitempty"`
	Params       map[string]string `json:"params,omitempty"`
}

func (m Metadata) clone() Metadata {
	out := m
	if m.Params != nil {
		out.Params = make(map[string]string, len(m.Params))
		for k, v := range m.Params {
			out.Params[k] = v
		}
	}
	return out
}

// CallSession is the authoritative record of one call. Frame handling runs on a
// single goroutine; summary results arrive concurrently and go through
// ApplyCard.
type CallSession struct {
	id       string
	streamID string
	meta     Metadata
	now      func() time.Time

	seq atomic.Int64

	mu         sync.Mutex
	status     Status
	final      string
	partial    string
	frozen     bool
	card       *Card
	appliedSeq int64
	activity   []ActivityEntry
	audio      time.Duration
	booking    json.RawMessage
	notice     string
	startedAt  time.Time
	endedAt    time.Time
	updatedAt  time.Time
}

func New(id, streamID string, meta Metadata, now func() time.Time) *CallSession {
	if now == nil {
		now = time.Now
	}
	return &CallSession{
		id:        id,
		streamID:  streamID,
		meta:      meta.clone(),
		now:       now,
		status:    StatusConnecting,
		startedAt: now(),
	}
}

func (s *CallSession) ID() string         { return s.id }
func (s *CallSession) StreamID() string   { return s.streamID }
func (s *CallSession) Metadata() Metadata { return s.meta.clone() }

func (s *CallSession) StartedAt() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.startedAt
}

func (s *CallSession) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// Transition moves the session to a new status. Moving to the current status
// is a no-op.
func (s *CallSession) Transition(to Status) (Status, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	from := s.status
	if from == to {
		return from, nil
	}
	if !transitionValid(from, to) {
		return from, &InvalidTransitionError{From: from, To: to}
	}
	s.status = to
	if to.Terminal() {
		s.endedAt = s.now()
	}
	return from, nil
}

// NextSequence allocates the next summarization sequence number.
func (s *CallSession) NextSequence() int64 { return s.seq.Add(1) }

// LastSequence returns the most recently allocated sequence number.
func (s *CallSession) LastSequence() int64 { return s.seq.Load() }

// ApplyCard installs card when seq is newer than the applied one and records a
// summary activity. It reports false, with no side effects, for stale results.
func (s *CallSession) ApplyCard(seq int64, card Card) (ActivityEntry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if seq <= s.appliedSeq {
		return ActivityEntry{}, false
	}
	c := card.clone()
	s.card = &c
	s.appliedSeq = seq
	if c.IsPlaceholder() {
		return s.addActivityLocked(ActivitySummaryFailed, "AI summary temporarily unavailable", ""), true
	}
	details := fmt.Sprintf("Sentiment %s · Urgency %s", c.Sentiment, c.Urgency)
	return s.addActivityLocked(ActivitySummaryReady, c.SummaryText(), details), true
}

// Card returns the applied card and its sequence. ok is false before the first
// result is applied.
func (s *CallSession) Card() (card Card, seq int64, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.card == nil {
		return Card{}, 0, false
	}
	return s.card.clone(), s.appliedSeq, true
}

// SetPartial overwrites the in-flight utterance text. It is ignored while the
// partial is frozen.
func (s *CallSession) SetPartial(text string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.frozen {
		return false
	}
	s.partial = text
	s.updatedAt = s.now()
	return true
}

// FreezePartial pins the partial at its last value after a transcription failure.
func (s *CallSession) FreezePartial() {
	s.mu.Lock()
	s.frozen = true
	s.mu.Unlock()
}

func (s *CallSession) PartialFrozen() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.frozen
}

// AppendFinal commits an utterance and clears the partial. It returns the full
// final transcript.
func (s *CallSession) AppendFinal(text string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.appendFinalLocked(text)
	s.partial = ""
	s.updatedAt = s.now()
	return s.final
}

// CommitPartial moves the buffered partial into the final transcript and
// returns the committed text.
func (s *CallSession) CommitPartial() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	text := strings.TrimSpace(s.partial)
	if text == "" {
		return ""
	}
	s.appendFinalLocked(text)
	s.partial = ""
	s.updatedAt = s.now()
	return text
}

func (s *CallSession) appendFinalLocked(text string) {
	text = strings.TrimSpace(text)
	if text == "" {
		return
	}
	if s.final == "" {
		s.final = text
		return
	}
	s.final += " " + text
}

func (s *CallSession) Transcript() (final, partial string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.final, s.partial
}

// AddActivity appends an entry. Timestamps never go backwards.
func (s *CallSession) AddActivity(kind ActivityType, message, details string) ActivityEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addActivityLocked(kind, message, details)
}

func (s *CallSession) addActivityLocked(kind ActivityType, message, details string) ActivityEntry {
	ts := s.now()
	if n := len(s.activity); n > 0 && ts.Before(s.activity[n-1].Timestamp) {
		ts = s.activity[n-1].Timestamp
	}
	entry := ActivityEntry{Type: kind, Message: message, Details: details, Timestamp: ts, Index: len(s.activity)}
	s.activity = append(s.activity, entry)
	return entry
}

func (s *CallSession) Activity() []ActivityEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]ActivityEntry(nil), s.activity...)
}

// AddAudio accounts for processed audio and returns the session total.
func (s *CallSession) AddAudio(d time.Duration) time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.audio += d
	return s.audio
}

func (s *CallSession) AudioDuration() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.audio
}

// Elapsed returns wall-clock call duration, up to the end if the session is terminal.
func (s *CallSession) Elapsed() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	end := s.endedAt
	if end.IsZero() {
		end = s.now()
	}
	return end.Sub(s.startedAt)
}

// SetBooking stores the opaque booking object written by the booking service.
func (s *CallSession) SetBooking(raw json.RawMessage) ActivityEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.booking = append(json.RawMessage(nil), raw...)
	var b struct {
		Summary string `json:"summary"`
		Start   string `json:"start"`
	}
	_ = json.Unmarshal(raw, &b)
	label := strings.TrimSpace(b.Summary)
	if label == "" {
		label = "appointment"
	}
	details := ""
	if b.Start != "" {
		details = "Start " + b.Start
	}
	return s.addActivityLocked(ActivityBookingRecorded, "Booked "+label, details)
}

func (s *CallSession) SetNotice(notice string) {
	s.mu.Lock()
	s.notice = notice
	s.mu.Unlock()
}

// Transcript view of a snapshot.
type TranscriptView struct {
	Final     string    `json:"final"`
	Partial   string    `json:"partial"`
	UpdatedAt time.Time `json:"updatedAt,omitempty"`
}

// CardView is a card with the sequence it was applied at.
type CardView struct {
	Card
	Sequence int64 `json:"sequence"`
}

// Snapshot is a point-in-time copy of a session, safe to hand to other goroutines.
type Snapshot struct {
	CallID       string          `json:"callId"`
	StreamID     string          `json:"streamSid,omitempty"`
	Status       Status          `json:"status"`
	Metadata     Metadata        `json:"metadata"`
	Transcript   TranscriptView  `json:"transcript"`
	AI           *CardView       `json:"ai,omitempty"`
	Activity     []ActivityEntry `json:"activity"`
	Booking      json.RawMessage `json:"booking,omitempty"`
	Notice       string          `json:"notice,omitempty"`
	StartedAt    time.Time       `json:"startedAt"`
	EndedAt      *time.Time      `json:"endedAt,omitempty"`
	AudioSeconds float64         `json:"audioSeconds"`
}

func (s *CallSession) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap := Snapshot{
		CallID:       s.id,
		StreamID:     s.streamID,
		Status:       s.status,
		Metadata:     s.meta.clone(),
		Transcript:   TranscriptView{Final: s.final, Partial: s.partial, UpdatedAt: s.updatedAt},
		Activity:     append([]ActivityEntry(nil), s.activity...),
		Notice:       s.notice,
		StartedAt:    s.startedAt,
		AudioSeconds: s.audio.Seconds(),
	}
	if s.card != nil {
		snap.AI = &CardView{Card: s.card.clone(), Sequence: s.appliedSeq}
	}
	if len(s.booking) > 0 {
		snap.Booking = append(json.RawMessage(nil), s.booking...)
	}
	if !s.endedAt.IsZero() {
		end := s.endedAt
		snap.EndedAt = &end
	}
	return snap
}
