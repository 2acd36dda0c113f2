package openai

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/harunnryd/callpilot/pkg/llm"
	"github.com/harunnryd/callpilot/pkg/resilience"
)

// Adapter talks to any OpenAI compatible chat completions endpoint.
type Adapter struct {
	APIKey  string
	Model   string
	BaseURL string
	Client  *http.Client
}

func NewAdapter(apiKey, model string) *Adapter {
	return &Adapter{
		APIKey:  apiKey,
		Model:   model,
		BaseURL: "https://api.openai.com/v1",
		Client:  &http.Client{Timeout: 60 * time.Second},
	}
}

func (a *Adapter) Name() string { return "openai" }

type chatRequest struct {
	Model          string            `json:"model"`
	Messages       []llm.Message     `json:"messages"`
	ResponseFormat map[string]string `json:"response_format,omitempty"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
		TotalTokens      int `json:"total_tokens"`
	} `json:"usage"`
}

func (a *Adapter) Generate(ctx context.Context, input llm.Context) (llm.Response, error) {
	body, err := a.buildRequest(input)
	if err != nil {
		return llm.Response{}, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, strings.TrimRight(a.BaseURL, "/")+"/chat/completions", body)
	if err != nil {
		return llm.Response{}, err
	}
	a.applyHeaders(req)
	resp, err := a.client().Do(req)
	if err != nil {
		return llm.Response{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusTooManyRequests {
		body, _ := io.ReadAll(resp.Body)
		return llm.Response{}, resilience.RateLimitError{Provider: "openai", Message: string(body)}
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(resp.Body)
		return llm.Response{}, fmt.Errorf("openai status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	var payload chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return llm.Response{}, err
	}
	if len(payload.Choices) == 0 {
		return llm.Response{}, errors.New("openai: no choices")
	}
	return llm.Response{
		Text:         payload.Choices[0].Message.Content,
		FinishReason: payload.Choices[0].FinishReason,
		Usage: llm.Usage{
			PromptTokens:     payload.Usage.PromptTokens,
			CompletionTokens: payload.Usage.CompletionTokens,
			TotalTokens:      payload.Usage.TotalTokens,
		},
	}, nil
}

func (a *Adapter) buildRequest(input llm.Context) (*bytes.Buffer, error) {
	req := chatRequest{Model: a.Model}
	if input.System != "" {
		req.Messages = append(req.Messages, llm.Message{Role: "system", Content: input.System})
	}
	req.Messages = append(req.Messages, input.Messages...)
	if input.JSON {
		req.ResponseFormat = map[string]string{"type": "json_object"}
	}
	b, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}
	return bytes.NewBuffer(b), nil
}

func (a *Adapter) applyHeaders(req *http.Request) {
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+a.APIKey)
}

func (a *Adapter) client() *http.Client {
	if a.Client != nil {
		return a.Client
	}
	return http.DefaultClient
}
