package session

import "time"

// ActivityType is the fixed vocabulary of activity log entries.
type ActivityType string

const (
	ActivitySessionStarted      ActivityType = "session-started"
	ActivitySessionCompleted    ActivityType = "session-completed"
	ActivitySessionFailed       ActivityType = "session-failed"
	ActivitySummaryReady        ActivityType = "summary-ready"
	ActivitySummaryFailed       ActivityType = "summary-failed"
	ActivityGuardTriggered      ActivityType = "guard-triggered"
	ActivityBookingRecorded     ActivityType = "booking-recorded"
	ActivityTranscriptionFailed ActivityType = "transcription-failed"
)

type ActivityEntry struct {
	Type      ActivityType `json:"type"`
	Message   string       `json:"message"`
	Details   string       `json:"details,omitempty"`
	Timestamp time.Time    `json:"at"`
	// Index is the entry's position in the session's log.
	Index int `json:"-"`
}
