package callpilot

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "callpilot.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadConfigDefaults(t *testing.T) {
	path := writeConfig(t, `
stt:
  provider: mock
summarizer:
  provider: mock
store:
  provider: memory
`)
	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Quota.ThresholdSeconds != 324000 || !cfg.Quota.GuardEnabled {
		t.Fatalf("unexpected quota defaults %+v", cfg.Quota)
	}
	if cfg.Session.FinalizeTimeoutMS != 15000 || cfg.Session.SampleRate != 16000 {
		t.Fatalf("unexpected session defaults %+v", cfg.Session)
	}
	if cfg.Summary.MinIntervalMS != 1000 || cfg.Summary.MaxAttempts != 3 {
		t.Fatalf("unexpected summary defaults %+v", cfg.Summary)
	}
	if cfg.Server.Addr != ":8080" || cfg.Server.WebsocketPath != "/audiostream" {
		t.Fatalf("unexpected server defaults %+v", cfg.Server)
	}
	if !cfg.Privacy.RedactPII {
		t.Fatalf("redaction must default on")
	}
}

func TestLoadConfigExpandsEnv(t *testing.T) {
	t.Setenv("CALLPILOT_TEST_DG_KEY", "dg-secret")
	t.Setenv("CALLPILOT_TEST_TOKEN", "twilio-token")
	path := writeConfig(t, `
server:
  auth_token: ${CALLPILOT_TEST_TOKEN}
stt:
  provider: deepgram
  settings:
    api_key: ${CALLPILOT_TEST_DG_KEY}
summarizer:
  provider: mock
store:
  provider: memory
`)
	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Server.AuthToken != "twilio-token" {
		t.Fatalf("struct strings must be expanded, got %q", cfg.Server.AuthToken)
	}
	if cfg.STT.Settings["api_key"] != "dg-secret" {
		t.Fatalf("settings must be expanded, got %v", cfg.STT.Settings)
	}
}

func TestLoadConfigRejectsBadSampleRate(t *testing.T) {
	path := writeConfig(t, `
session:
  sample_rate: 44100
`)
	_, err := LoadConfig(path)
	if err == nil || !strings.Contains(err.Error(), "sample_rate") {
		t.Fatalf("expected sample rate error, got %v", err)
	}
}

func TestRegistryValidatesSettings(t *testing.T) {
	r := DefaultProviders()
	if _, err := r.BuildSTTFactory(VendorConfig{Provider: "deepgram"}); err == nil || !strings.Contains(err.Error(), "api_key") {
		t.Fatalf("expected missing api_key, got %v", err)
	}
	if _, err := r.BuildSTTFactory(VendorConfig{Provider: "mock", Settings: map[string]any{"bogus": 1}}); err == nil || !strings.Contains(err.Error(), "unknown: bogus") {
		t.Fatalf("expected unknown key error, got %v", err)
	}
	if _, err := r.BuildStore(StoreConfig{Provider: "redis"}); err == nil {
		t.Fatalf("expected unregistered store error")
	}
	if _, err := r.BuildStore(StoreConfig{Provider: "firebase", Settings: map[string]any{"url": "https://demo.firebaseio.com", "timeout": "3s"}}); err != nil {
		t.Fatalf("firebase store: %v", err)
	}
}

func TestRegistryBuildsMockPipeline(t *testing.T) {
	r := DefaultProviders()
	factory, err := r.BuildSTTFactory(VendorConfig{Provider: " Mock ", Settings: map[string]any{
		"utterances":           []any{"hello there"},
		"chunks_per_utterance": "2",
	}})
	if err != nil {
		t.Fatalf("stt: %v", err)
	}
	if factory == nil {
		t.Fatalf("expected factory")
	}
	adapter, err := r.BuildLLM(context.Background(), VendorConfig{Provider: "mock", Settings: map[string]any{"delay": "10ms"}})
	if err != nil {
		t.Fatalf("llm: %v", err)
	}
	if adapter.Name() != "mock_llm" {
		t.Fatalf("unexpected adapter %s", adapter.Name())
	}
}

func TestLoggableSettingsMasksSecrets(t *testing.T) {
	got := LoggableSettings("stt", "Deepgram", map[string]any{"api_key": "dg-secret", "model": "nova-2"})
	if got["api_key"] != "[redacted]" || got["model"] != "nova-2" {
		t.Fatalf("unexpected settings %v", got)
	}
	custom := LoggableSettings("store", "redis", map[string]any{"addr": "localhost:6379"})
	if custom["addr"] != "[redacted]" {
		t.Fatalf("unknown providers must be fully masked, got %v", custom)
	}
}
