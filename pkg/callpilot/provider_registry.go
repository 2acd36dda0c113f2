package callpilot

import (
	"context"
	"fmt"
	"strings"

	"github.com/harunnryd/callpilot/pkg/adapters/stt"
	"github.com/harunnryd/callpilot/pkg/configutil"
	"github.com/harunnryd/callpilot/pkg/llm"
	"github.com/harunnryd/callpilot/pkg/providers/deepgram"
	"github.com/harunnryd/callpilot/pkg/providers/gemini"
	"github.com/harunnryd/callpilot/pkg/providers/googlestt"
	"github.com/harunnryd/callpilot/pkg/providers/mock"
	"github.com/harunnryd/callpilot/pkg/providers/openai"
	"github.com/harunnryd/callpilot/pkg/store"
)

type STTFactoryBuilder func(settings map[string]any) (stt.Factory, error)
type LLMFactory func(ctx context.Context, settings map[string]any) (llm.LLMAdapter, error)
type StoreFactory func(settings map[string]any) (store.Store, error)

type ProviderRegistry struct {
	stt   map[string]STTFactoryBuilder
	llm   map[string]LLMFactory
	store map[string]StoreFactory
}

func NewProviderRegistry() *ProviderRegistry {
	return &ProviderRegistry{
		stt:   make(map[string]STTFactoryBuilder),
		llm:   make(map[string]LLMFactory),
		store: make(map[string]StoreFactory),
	}
}

// DefaultProviders registers every built-in speech engine, summarizer model
// and state store.
func DefaultProviders() *ProviderRegistry {
	r := NewProviderRegistry()
	r.RegisterSTT("deepgram", deepgramSTT)
	r.RegisterSTT("google", googleSTT)
	r.RegisterSTT("mock", mockSTT)
	r.RegisterLLM("gemini", geminiLLM)
	r.RegisterLLM("openai", openaiLLM)
	r.RegisterLLM("mock", mockLLM)
	r.RegisterStore("firebase", firebaseStore)
	r.RegisterStore("memory", func(map[string]any) (store.Store, error) { return store.NewMemory(), nil })
	return r
}

func providerKey(name string) string { return strings.ToLower(strings.TrimSpace(name)) }

func (r *ProviderRegistry) RegisterSTT(name string, factory STTFactoryBuilder) {
	r.stt[providerKey(name)] = factory
}

func (r *ProviderRegistry) RegisterLLM(name string, factory LLMFactory) {
	r.llm[providerKey(name)] = factory
}

func (r *ProviderRegistry) RegisterStore(name string, factory StoreFactory) {
	r.store[providerKey(name)] = factory
}

func (r *ProviderRegistry) BuildSTTFactory(vendor VendorConfig) (stt.Factory, error) {
	fn := r.stt[providerKey(vendor.Provider)]
	if fn == nil {
		return nil, fmt.Errorf("stt provider not registered: %s", vendor.Provider)
	}
	f, err := fn(vendor.Settings)
	if err != nil {
		return nil, fmt.Errorf("stt.settings: %w", err)
	}
	return f, nil
}

func (r *ProviderRegistry) BuildLLM(ctx context.Context, vendor VendorConfig) (llm.LLMAdapter, error) {
	fn := r.llm[providerKey(vendor.Provider)]
	if fn == nil {
		return nil, fmt.Errorf("summarizer provider not registered: %s", vendor.Provider)
	}
	a, err := fn(ctx, vendor.Settings)
	if err != nil {
		return nil, fmt.Errorf("summarizer.settings: %w", err)
	}
	return a, nil
}

func (r *ProviderRegistry) BuildStore(cfg StoreConfig) (store.Store, error) {
	fn := r.store[providerKey(cfg.Provider)]
	if fn == nil {
		return nil, fmt.Errorf("store provider not registered: %s", cfg.Provider)
	}
	s, err := fn(cfg.Settings)
	if err != nil {
		return nil, fmt.Errorf("store.settings: %w", err)
	}
	return s, nil
}

var (
	deepgramSchema = configutil.Schema{
		Required: []string{"api_key"},
		Optional: []string{"model", "language", "interim", "vad_events", "utterance_end_ms", "endpointing"},
		Secrets:  []string{"api_key"},
	}
	googleSchema = configutil.Schema{
		Required: []string{"project_id"},
		Optional: []string{"location", "model", "language"},
		Secrets:  []string{"credentials_json"},
	}
	mockSTTSchema = configutil.Schema{
		Optional: []string{"utterances", "chunks_per_utterance", "fail_after"},
	}
	geminiSchema = configutil.Schema{
		Required: []string{"api_key"},
		Optional: []string{"model", "temperature", "max_tokens"},
		Secrets:  []string{"api_key"},
	}
	openaiSchema = configutil.Schema{
		Required: []string{"api_key"},
		Optional: []string{"model", "base_url"},
		Secrets:  []string{"api_key"},
	}
	mockLLMSchema = configutil.Schema{
		Optional: []string{"response_text", "delay"},
	}
	firebaseSchema = configutil.Schema{
		Required: []string{"url"},
		Optional: []string{"timeout"},
		Secrets:  []string{"secret"},
	}

	schemas = map[string]configutil.Schema{
		"stt/deepgram":      deepgramSchema,
		"stt/google":        googleSchema,
		"stt/mock":          mockSTTSchema,
		"summarizer/gemini": geminiSchema,
		"summarizer/openai": openaiSchema,
		"summarizer/mock":   mockLLMSchema,
		"store/firebase":    firebaseSchema,
	}
)

// LoggableSettings masks the secrets of a built-in provider's settings.
// Settings of providers registered elsewhere are masked entirely.
func LoggableSettings(kind, provider string, settings map[string]any) map[string]any {
	schema, ok := schemas[kind+"/"+providerKey(provider)]
	if !ok {
		schema = configutil.Schema{}
		for k := range settings {
			schema.Secrets = append(schema.Secrets, k)
		}
	}
	return configutil.Redact(settings, schema)
}

func decode(settings map[string]any, schema configutil.Schema, out any) error {
	if err := configutil.ValidateSettings(settings, schema); err != nil {
		return err
	}
	return configutil.DecodeSettings(settings, out)
}

func deepgramSTT(settings map[string]any) (stt.Factory, error) {
	var cfg deepgram.Config
	if err := decode(settings, deepgramSchema, &cfg); err != nil {
		return nil, err
	}
	return func(call stt.Config) (stt.StreamingSTT, error) {
		return deepgram.New(cfg, call), nil
	}, nil
}

func googleSTT(settings map[string]any) (stt.Factory, error) {
	var cfg googlestt.Config
	if err := decode(settings, googleSchema, &cfg); err != nil {
		return nil, err
	}
	return func(call stt.Config) (stt.StreamingSTT, error) {
		return googlestt.New(cfg, call), nil
	}, nil
}

func mockSTT(settings map[string]any) (stt.Factory, error) {
	var cfg mock.STTConfig
	if err := decode(settings, mockSTTSchema, &cfg); err != nil {
		return nil, err
	}
	return func(call stt.Config) (stt.StreamingSTT, error) {
		return mock.NewSTT(cfg, call), nil
	}, nil
}

func geminiLLM(ctx context.Context, settings map[string]any) (llm.LLMAdapter, error) {
	var cfg gemini.Config
	if err := decode(settings, geminiSchema, &cfg); err != nil {
		return nil, err
	}
	return gemini.NewAdapter(ctx, cfg)
}

func openaiLLM(_ context.Context, settings map[string]any) (llm.LLMAdapter, error) {
	var cfg struct {
		APIKey  string `mapstructure:"api_key"`
		Model   string `mapstructure:"model"`
		BaseURL string `mapstructure:"base_url"`
	}
	if err := decode(settings, openaiSchema, &cfg); err != nil {
		return nil, err
	}
	if cfg.Model == "" {
		cfg.Model = "gpt-4o-mini"
	}
	a := openai.NewAdapter(cfg.APIKey, cfg.Model)
	if cfg.BaseURL != "" {
		a.BaseURL = cfg.BaseURL
	}
	return a, nil
}

func mockLLM(_ context.Context, settings map[string]any) (llm.LLMAdapter, error) {
	var cfg mock.LLMConfig
	if err := decode(settings, mockLLMSchema, &cfg); err != nil {
		return nil, err
	}
	return mock.NewLLMAdapter(cfg), nil
}

func firebaseStore(settings map[string]any) (store.Store, error) {
	var cfg store.FirebaseConfig
	if err := decode(settings, firebaseSchema, &cfg); err != nil {
		return nil, err
	}
	return store.NewFirebase(cfg)
}
