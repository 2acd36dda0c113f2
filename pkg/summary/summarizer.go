package summary

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/harunnryd/callpilot/pkg/errorsx"
	"github.com/harunnryd/callpilot/pkg/llm"
	"github.com/harunnryd/callpilot/pkg/resilience"
	"github.com/harunnryd/callpilot/pkg/session"
)

var ErrEmptyTranscript = errors.New("empty transcript")

// Summarizer turns a transcript into a card.
type Summarizer interface {
	Summarize(ctx context.Context, transcript string) (session.Card, error)
}

type Config struct {
	Prompt      string
	MaxAttempts int
	Backoff     time.Duration
	MaxBackoff  time.Duration
	Timeout     time.Duration
}

// LLMSummarizer asks a language model for a card with bounded retries.
type LLMSummarizer struct {
	adapter llm.LLMAdapter
	cfg     Config
	log     *slog.Logger
	sleep   func(time.Duration)
}

func NewLLMSummarizer(adapter llm.LLMAdapter, cfg Config, log *slog.Logger) *LLMSummarizer {
	if cfg.Prompt == "" {
		cfg.Prompt = DefaultPrompt
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.Backoff <= 0 {
		cfg.Backoff = 250 * time.Millisecond
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = 2 * time.Second
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 20 * time.Second
	}
	if log == nil {
		log = slog.Default()
	}
	return &LLMSummarizer{adapter: adapter, cfg: cfg, log: log}
}

func (s *LLMSummarizer) Summarize(ctx context.Context, transcript string) (session.Card, error) {
	transcript = strings.TrimSpace(transcript)
	if transcript == "" {
		return session.Card{}, ErrEmptyTranscript
	}
	req := llm.UserPrompt(s.cfg.Prompt, transcript, true)
	card, attempts, err := llm.Retry(ctx, llm.RetryConfig{
		MaxAttempts:    s.cfg.MaxAttempts,
		BaseDelay:      s.cfg.Backoff,
		MaxDelay:       s.cfg.MaxBackoff,
		Jitter:         0.2,
		AttemptTimeout: s.cfg.Timeout,
		Sleep:          s.sleep,
	}, func(ctx context.Context) (session.Card, error) {
		resp, err := s.adapter.Generate(ctx, req)
		if err != nil {
			return session.Card{}, err
		}
		return ParseCard(resp.Text)
	})
	if err != nil {
		return session.Card{}, errorsx.Wrap(err, reasonFor(err))
	}
	if attempts > 1 {
		s.log.Debug("summary_recovered", "provider", s.adapter.Name(), "attempts", attempts)
	}
	return card, nil
}

func reasonFor(err error) errorsx.ReasonCode {
	switch {
	case errors.Is(err, resilience.ErrCircuitOpen):
		return errorsx.ReasonSummaryCircuitOpen
	case resilience.IsRateLimit(err):
		return errorsx.ReasonSummaryRateLimit
	case errors.Is(err, context.DeadlineExceeded):
		return errorsx.ReasonSummaryTimeout
	default:
		return errorsx.ReasonSummaryGenerate
	}
}
