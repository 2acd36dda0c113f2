package mock

import (
	"context"
	"sync"
	"time"

	"github.com/harunnryd/callpilot/pkg/llm"
)

// LLMAdapter returns a canned summary, optionally after a delay.
type LLMAdapter struct {
	cfg   LLMConfig
	mu    sync.Mutex
	calls int
}

type LLMConfig struct {
	ResponseText string
	Delay        time.Duration
	Err          error
}

const defaultCard = `{"summary":"Caller needs a technician visit.","sentiment":"neutral","urgency":"medium","action_items":["Schedule a visit"]}`

func NewLLMAdapter(cfg LLMConfig) *LLMAdapter {
	if cfg.ResponseText == "" {
		cfg.ResponseText = defaultCard
	}
	return &LLMAdapter{cfg: cfg}
}

func (a *LLMAdapter) Name() string { return "mock_llm" }

func (a *LLMAdapter) Generate(ctx context.Context, input llm.Context) (llm.Response, error) {
	a.mu.Lock()
	a.calls++
	a.mu.Unlock()
	if a.cfg.Delay > 0 {
		t := time.NewTimer(a.cfg.Delay)
		defer t.Stop()
		select {
		case <-ctx.Done():
			return llm.Response{}, ctx.Err()
		case <-t.C:
		}
	}
	if a.cfg.Err != nil {
		return llm.Response{}, a.cfg.Err
	}
	return llm.Response{Text: a.cfg.ResponseText, FinishReason: "stop"}, nil
}

func (a *LLMAdapter) Calls() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.calls
}
