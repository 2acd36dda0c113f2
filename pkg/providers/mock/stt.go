package mock

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"

	"github.com/harunnryd/callpilot/pkg/adapters/stt"
	"github.com/harunnryd/callpilot/pkg/frames"
)

// STTConfig scripts what the mock engine hears. Every ChunksPerUtterance audio
// chunks close one utterance from Utterances; chunks in between reveal it word
// by word as partials. Once the script runs out further audio is ignored.
type STTConfig struct {
	Utterances         []string `mapstructure:"utterances"`
	ChunksPerUtterance int      `mapstructure:"chunks_per_utterance"`
	// FailAfter emits an stt_error after that many chunks when positive.
	FailAfter int `mapstructure:"fail_after"`
}

type StreamingSTT struct {
	cfg     STTConfig
	call    stt.Config
	emitter *stt.Emitter
	utt     stt.Utterance

	mu      sync.Mutex
	started bool
	closed  bool
	chunks  int
	next    int
	failed  bool
}

func NewSTT(cfg STTConfig, call stt.Config) *StreamingSTT {
	if cfg.ChunksPerUtterance <= 0 {
		cfg.ChunksPerUtterance = 4
	}
	return &StreamingSTT{
		cfg:     cfg,
		call:    call,
		emitter: stt.NewEmitter(call, "mock", 64, slog.Default()),
	}
}

func (s *StreamingSTT) Name() string { return "mock_stt" }

func (s *StreamingSTT) Start(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.started = true
	return nil
}

func (s *StreamingSTT) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.emitter.Close()
	}
	s.closed = true
	return nil
}

func (s *StreamingSTT) SendAudio(frames.AudioFrame) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.started || s.closed {
		return errors.New("mock stt: not started")
	}
	if s.failed {
		return nil
	}
	s.chunks++
	if s.cfg.FailAfter > 0 && s.chunks >= s.cfg.FailAfter {
		s.failed = true
		s.emitter.Error("mock_failure")
		return nil
	}
	if s.next >= len(s.cfg.Utterances) {
		return nil
	}
	words := strings.Fields(s.cfg.Utterances[s.next])
	pos := (s.chunks-1)%s.cfg.ChunksPerUtterance + 1
	if pos == s.cfg.ChunksPerUtterance {
		s.utt.Commit(s.cfg.Utterances[s.next])
		s.next++
		s.emitter.FinishUtterance(&s.utt)
		return nil
	}
	n := len(words) * pos / s.cfg.ChunksPerUtterance
	if n > 0 {
		s.emitter.Partial(s.utt.Interim(strings.Join(words[:n], " ")))
	}
	return nil
}

func (s *StreamingSTT) Flush() string { return s.utt.Finish() }

func (s *StreamingSTT) Results() <-chan frames.Frame { return s.emitter.C() }

var _ stt.StreamingSTT = (*StreamingSTT)(nil)
