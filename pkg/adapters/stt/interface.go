package stt

import (
	"context"

	"github.com/harunnryd/callpilot/pkg/frames"
)

// StreamingSTT is an ordered streaming connection to a speech engine. Results
// carries TextFrames (partial, or final when MetaIsFinal is "true") and
// SystemFrames named frames.SystemSTTError when the engine connection fails.
type StreamingSTT interface {
	// Name returns adapter name for logging/metrics.
	Name() string
	Start(ctx context.Context) error
	Close() error
	// SendAudio sends one chunk of 16-bit little-endian PCM.
	SendAudio(frame frames.AudioFrame) error
	// Flush returns the text of the utterance in progress, if any, and forgets it.
	Flush() string
	Results() <-chan frames.Frame
}

// Config contains vendor-agnostic STT configuration.
type Config struct {
	StreamID   string
	CallSID    string
	TraceID    string
	SampleRate int
	Language   string
}

// Factory builds one adapter per call.
type Factory func(cfg Config) (StreamingSTT, error)
