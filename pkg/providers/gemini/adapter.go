package gemini

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/google/generative-ai-go/genai"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/harunnryd/callpilot/pkg/llm"
	"github.com/harunnryd/callpilot/pkg/resilience"
)

const DefaultModel = "gemini-1.5-flash"

type Config struct {
	APIKey      string  `mapstructure:"api_key"`
	Model       string  `mapstructure:"model"`
	Temperature float32 `mapstructure:"temperature"`
	MaxTokens   int32   `mapstructure:"max_tokens"`
}

// Adapter summarizes through the Gemini API.
type Adapter struct {
	client *genai.Client
	cfg    Config
}

func NewAdapter(ctx context.Context, cfg Config) (*Adapter, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, errors.New("gemini: api_key is required")
	}
	if cfg.Model == "" {
		cfg.Model = DefaultModel
	}
	client, err := genai.NewClient(ctx, option.WithAPIKey(cfg.APIKey))
	if err != nil {
		return nil, err
	}
	return &Adapter{client: client, cfg: cfg}, nil
}

func (a *Adapter) Name() string { return "gemini" }

func (a *Adapter) Close() error { return a.client.Close() }

func (a *Adapter) model(input llm.Context) *genai.GenerativeModel {
	model := a.client.GenerativeModel(a.cfg.Model)
	if a.cfg.Temperature > 0 {
		model.GenerationConfig.SetTemperature(a.cfg.Temperature)
	}
	if a.cfg.MaxTokens > 0 {
		model.GenerationConfig.SetMaxOutputTokens(a.cfg.MaxTokens)
	}
	if input.JSON {
		model.GenerationConfig.ResponseMIMEType = "application/json"
	}
	if input.System != "" {
		model.SystemInstruction = &genai.Content{
			Parts: []genai.Part{
				genai.Text(input.System),
			},
		}
	}
	return model
}

func (a *Adapter) Generate(ctx context.Context, input llm.Context) (llm.Response, error) {
	var parts []genai.Part
	for _, m := range input.Messages {
		if m.Content != "" {
			parts = append(parts, genai.Text(m.Content))
		}
	}
	if len(parts) == 0 {
		return llm.Response{}, errors.New("gemini: empty prompt")
	}
	resp, err := a.model(input).GenerateContent(ctx, parts...)
	if err != nil {
		if isRateLimit(err) {
			return llm.Response{}, resilience.RateLimitError{Provider: "gemini", Message: err.Error()}
		}
		return llm.Response{}, err
	}
	out := llm.Response{Text: responseText(resp)}
	if len(resp.Candidates) > 0 {
		out.FinishReason = resp.Candidates[0].FinishReason.String()
	}
	if resp.UsageMetadata != nil {
		out.Usage = llm.Usage{
			PromptTokens:     int(resp.UsageMetadata.PromptTokenCount),
			CompletionTokens: int(resp.UsageMetadata.CandidatesTokenCount),
			TotalTokens:      int(resp.UsageMetadata.TotalTokenCount),
		}
	}
	return out, nil
}

func responseText(resp *genai.GenerateContentResponse) string {
	var text strings.Builder
	for _, candidate := range resp.Candidates {
		if candidate.Content != nil {
			for _, part := range candidate.Content.Parts {
				if t, ok := part.(genai.Text); ok {
					text.WriteString(string(t))
				}
			}
		}
		if text.Len() > 0 {
			break
		}
	}
	return text.String()
}

func isRateLimit(err error) bool {
	if status.Code(err) == codes.ResourceExhausted {
		return true
	}
	var gerr *googleapi.Error
	return errors.As(err, &gerr) && gerr.Code == http.StatusTooManyRequests
}
