package metrics

import "time"

// Event names emitted by the call pipeline.
const (
	EventSessionStarted   = "session_started"
	EventSessionRejected  = "session_rejected"
	EventSessionTerminal  = "session_terminal"
	EventFrameDecodeError = "frame_decode_error"
	EventSTTError         = "stt_error"
	EventSummaryDispatch  = "summary_dispatched"
	EventSummarySettled   = "summary_settled"
	EventSummaryDiscarded = "summary_discarded"
	EventGuardTripped     = "guard_tripped"
	EventStoreWriteFailed = "store_write_failed"
	EventArchiveFailed    = "archive_write_failed"
	EventRateLimit        = "rate_limit"
	EventBreakerDenied    = "breaker_denied"
	EventBreakerOpen      = "breaker_open"
	EventBreakerClose     = "breaker_close"
)

type MetricsEvent struct {
	Name   string
	Time   time.Time
	Value  float64
	Tags   map[string]string
	Fields map[string]any
}

type Observer interface {
	RecordEvent(ev MetricsEvent)
}

type NoopObserver struct{}

func (NoopObserver) RecordEvent(MetricsEvent) {}

// Record is a shorthand for emitting a tagged event with the current time.
func Record(obs Observer, name string, value float64, tags map[string]string) {
	if obs == nil {
		return
	}
	obs.RecordEvent(MetricsEvent{Name: name, Time: time.Now(), Value: value, Tags: tags})
}
