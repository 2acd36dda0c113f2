package callpilot

import (
	"fmt"
	"os"
	"reflect"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	LogLevel   string        `mapstructure:"log_level"`
	LogFormat  string        `mapstructure:"log_format"`
	Privacy    PrivacyConfig `mapstructure:"privacy"`
	Server     ServerConfig  `mapstructure:"server"`
	STT        VendorConfig  `mapstructure:"stt"`
	Summarizer VendorConfig  `mapstructure:"summarizer"`
	Summary    SummaryConfig `mapstructure:"summary"`
	Store      StoreConfig   `mapstructure:"store"`
	Archive    ArchiveConfig `mapstructure:"archive"`
	Quota      QuotaConfig   `mapstructure:"quota"`
	Session    SessionConfig `mapstructure:"session"`
	Metrics    MetricsConfig `mapstructure:"metrics"`
}

type VendorConfig struct {
	Provider string         `mapstructure:"provider"`
	Settings map[string]any `mapstructure:"settings"`
}

type PrivacyConfig struct {
	RedactPII bool `mapstructure:"redact_pii"`
}

type ServerConfig struct {
	Addr               string   `mapstructure:"addr"`
	PublicURL          string   `mapstructure:"public_url"`
	AuthToken          string   `mapstructure:"auth_token"`
	VoicePath          string   `mapstructure:"voice_path"`
	WebsocketPath      string   `mapstructure:"ws_path"`
	StatusCallbackPath string   `mapstructure:"status_callback_path"`
	VoiceGreeting      string   `mapstructure:"voice_greeting"`
	AllowAnyOrigin     bool     `mapstructure:"allow_any_origin"`
	AllowedOrigins     []string `mapstructure:"allowed_origins"`
	// AdminToken protects the quota reset and booking endpoints when set.
	AdminToken string `mapstructure:"admin_token"`
}

type SummaryConfig struct {
	MinIntervalMS     int    `mapstructure:"min_interval_ms"`
	MinUtterances     int    `mapstructure:"min_utterances"`
	TimeoutMS         int    `mapstructure:"timeout_ms"`
	MaxAttempts       int    `mapstructure:"max_attempts"`
	BackoffMS         int    `mapstructure:"backoff_ms"`
	BreakerThreshold  int    `mapstructure:"breaker_threshold"`
	BreakerCooldownMS int    `mapstructure:"breaker_cooldown_ms"`
	Prompt            string `mapstructure:"prompt"`
}

type StoreConfig struct {
	Provider    string         `mapstructure:"provider"`
	Settings    map[string]any `mapstructure:"settings"`
	MaxAttempts int            `mapstructure:"max_attempts"`
	BackoffMS   int            `mapstructure:"backoff_ms"`
}

type ArchiveConfig struct {
	DatabaseURL string `mapstructure:"database_url"`
	TimeoutMS   int    `mapstructure:"timeout_ms"`
}

type QuotaConfig struct {
	GuardEnabled     bool    `mapstructure:"guard_enabled"`
	ThresholdSeconds float64 `mapstructure:"threshold_seconds"`
	CheckIntervalMS  int     `mapstructure:"check_interval_ms"`
}

type SessionConfig struct {
	FinalizeTimeoutMS int `mapstructure:"finalize_timeout_ms"`
	SampleRate        int `mapstructure:"sample_rate"`
	InboxSize         int `mapstructure:"inbox_size"`
	DrainTimeoutMS    int `mapstructure:"drain_timeout_ms"`
	RetainFinished    int `mapstructure:"retain_finished"`
}

type MetricsConfig struct {
	// JSONLPath appends every metric event to a file when set.
	JSONLPath string `mapstructure:"jsonl_path"`
	Buffer    int    `mapstructure:"buffer"`
}

// SetDefaults registers every default on v. LoadConfig calls it; the CLI calls
// it too so flags and environment overrides resolve against the same keys.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("log_level", "info")
	v.SetDefault("log_format", "text")
	v.SetDefault("privacy.redact_pii", true)
	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.voice_path", "/voice")
	v.SetDefault("server.ws_path", "/audiostream")
	v.SetDefault("server.status_callback_path", "/status")
	v.SetDefault("server.allow_any_origin", true)
	v.SetDefault("stt.provider", "deepgram")
	v.SetDefault("summarizer.provider", "gemini")
	v.SetDefault("summary.min_interval_ms", 1000)
	v.SetDefault("summary.min_utterances", 1)
	v.SetDefault("summary.timeout_ms", 20000)
	v.SetDefault("summary.max_attempts", 3)
	v.SetDefault("summary.backoff_ms", 250)
	v.SetDefault("summary.breaker_threshold", 3)
	v.SetDefault("summary.breaker_cooldown_ms", 30000)
	v.SetDefault("store.provider", "firebase")
	v.SetDefault("store.max_attempts", 3)
	v.SetDefault("store.backoff_ms", 200)
	v.SetDefault("archive.timeout_ms", 10000)
	v.SetDefault("quota.guard_enabled", true)
	v.SetDefault("quota.threshold_seconds", 324000)
	v.SetDefault("quota.check_interval_ms", 1000)
	v.SetDefault("session.finalize_timeout_ms", 15000)
	v.SetDefault("session.sample_rate", 16000)
	v.SetDefault("session.inbox_size", 256)
	v.SetDefault("session.drain_timeout_ms", 20000)
	v.SetDefault("session.retain_finished", 256)
	v.SetDefault("metrics.buffer", 1024)
}

// LoadConfig reads path into a fresh viper instance.
func LoadConfig(path string) (Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	SetDefaults(v)
	if err := v.ReadInConfig(); err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	return FromViper(v)
}

// FromViper decodes an already populated viper instance. Environment references
// such as ${DEEPGRAM_API_KEY} are expanded after decoding.
func FromViper(v *viper.Viper) (Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal: %w", err)
	}
	expandEnvStrings(&cfg)
	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("validate config: %w", err)
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	if strings.TrimSpace(c.Server.Addr) == "" {
		return fmt.Errorf("server.addr is required")
	}
	if strings.TrimSpace(c.STT.Provider) == "" {
		return fmt.Errorf("stt.provider is required")
	}
	if strings.TrimSpace(c.Summarizer.Provider) == "" {
		return fmt.Errorf("summarizer.provider is required")
	}
	if strings.TrimSpace(c.Store.Provider) == "" {
		return fmt.Errorf("store.provider is required")
	}
	if c.Quota.GuardEnabled && c.Quota.ThresholdSeconds <= 0 {
		return fmt.Errorf("quota.threshold_seconds must be positive")
	}
	switch c.Session.SampleRate {
	case 8000, 16000:
	default:
		return fmt.Errorf("session.sample_rate must be 8000 or 16000, got %d", c.Session.SampleRate)
	}
	return nil
}

func ms(n int) time.Duration { return time.Duration(n) * time.Millisecond }

func expandEnvStrings(cfg *Config) {
	expandValue(reflect.ValueOf(cfg))
	cfg.STT.Settings = expandSettings(cfg.STT.Settings)
	cfg.Summarizer.Settings = expandSettings(cfg.Summarizer.Settings)
	cfg.Store.Settings = expandSettings(cfg.Store.Settings)
}

func expandSettings(settings map[string]any) map[string]any {
	if settings == nil {
		return nil
	}
	for k, v := range settings {
		settings[k] = expandAny(v)
	}
	return settings
}

func expandAny(v any) any {
	switch val := v.(type) {
	case string:
		return os.ExpandEnv(val)
	case []any:
		for i := range val {
			val[i] = expandAny(val[i])
		}
		return val
	case map[string]any:
		for k, v := range val {
			val[k] = expandAny(v)
		}
		return val
	case map[any]any:
		out := make(map[string]any, len(val))
		for k, v := range val {
			ks, ok := k.(string)
			if !ok {
				continue
			}
			out[ks] = expandAny(v)
		}
		return out
	default:
		return v
	}
}

func expandValue(v reflect.Value) {
	if !v.IsValid() {
		return
	}
	if v.Kind() == reflect.Pointer {
		if v.IsNil() {
			return
		}
		expandValue(v.Elem())
		return
	}
	switch v.Kind() {
	case reflect.Struct:
		for i := 0; i < v.NumField(); i++ {
			expandValue(v.Field(i))
		}
	case reflect.String:
		if v.CanSet() {
			v.SetString(os.ExpandEnv(v.String()))
		}
	case reflect.Slice, reflect.Array:
		for i := 0; i < v.Len(); i++ {
			expandValue(v.Index(i))
		}
	}
}
