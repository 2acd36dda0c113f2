// Package callpilot assembles the live call pipeline from configuration: the
// telephony transport, the session manager and the providers it calls out to.
package callpilot

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/harunnryd/callpilot/pkg/archive"
	"github.com/harunnryd/callpilot/pkg/httpapi"
	"github.com/harunnryd/callpilot/pkg/llm"
	"github.com/harunnryd/callpilot/pkg/logging"
	"github.com/harunnryd/callpilot/pkg/manager"
	"github.com/harunnryd/callpilot/pkg/metrics"
	"github.com/harunnryd/callpilot/pkg/observers"
	"github.com/harunnryd/callpilot/pkg/quota"
	"github.com/harunnryd/callpilot/pkg/redact"
	"github.com/harunnryd/callpilot/pkg/resilience"
	"github.com/harunnryd/callpilot/pkg/summary"
	"github.com/harunnryd/callpilot/pkg/transports/twilio"
)

type EngineOptions struct {
	Config Config
	// Providers defaults to DefaultProviders.
	Providers *ProviderRegistry
	Logger    *slog.Logger
	// Observer receives metric events in addition to the configured sinks.
	Observer metrics.Observer
}

type Engine struct {
	cfg       Config
	log       *slog.Logger
	manager   *manager.Manager
	transport *twilio.Transport
	api       *httpapi.Server
	archive   *archive.Postgres
	asyncObs  *metrics.AsyncObserver
	closers   []io.Closer
}

func NewEngine(ctx context.Context, opts EngineOptions) (*Engine, error) {
	cfg := opts.Config
	log := opts.Logger
	if log == nil {
		log = logging.InitLogger(cfg.LogLevel, cfg.LogFormat, nil)
	}
	slog.SetDefault(log)
	redact.SetEnabled(cfg.Privacy.RedactPII)
	providers := opts.Providers
	if providers == nil {
		providers = DefaultProviders()
	}

	log.Info("callpilot_init",
		"stt_provider", cfg.STT.Provider,
		"stt_settings", LoggableSettings("stt", cfg.STT.Provider, cfg.STT.Settings),
		"summarizer_provider", cfg.Summarizer.Provider,
		"summarizer_settings", LoggableSettings("summarizer", cfg.Summarizer.Provider, cfg.Summarizer.Settings),
		"store_provider", cfg.Store.Provider,
		"store_settings", LoggableSettings("store", cfg.Store.Provider, cfg.Store.Settings),
		"guard_enabled", cfg.Quota.GuardEnabled,
		"threshold_seconds", cfg.Quota.ThresholdSeconds,
		"archive_enabled", cfg.Archive.DatabaseURL != "",
	)

	e := &Engine{cfg: cfg, log: log}
	ok := false
	defer func() {
		if !ok {
			e.closeResources()
		}
	}()

	sinks := []metrics.Observer{observers.NewLoggerObserver(logging.NewComponentLogger(log, "metrics")),
		observers.NewSummaryLatencyObserver(logging.NewComponentLogger(log, "summary_latency"))}
	if cfg.Metrics.JSONLPath != "" {
		jsonl, err := metrics.OpenJSONLObserver(cfg.Metrics.JSONLPath)
		if err != nil {
			return nil, fmt.Errorf("metrics: %w", err)
		}
		e.closers = append(e.closers, jsonl)
		sinks = append(sinks, jsonl)
	}
	if opts.Observer != nil {
		sinks = append(sinks, opts.Observer)
	}
	e.asyncObs = metrics.NewAsyncObserver(observers.NewMultiObserver(sinks...), cfg.Metrics.Buffer)

	sttFactory, err := providers.BuildSTTFactory(cfg.STT)
	if err != nil {
		return nil, err
	}
	adapter, err := providers.BuildLLM(ctx, cfg.Summarizer)
	if err != nil {
		return nil, err
	}
	if c, isCloser := adapter.(io.Closer); isCloser {
		e.closers = append(e.closers, c)
	}
	breaker := llm.NewCircuitBreakerAdapter(adapter,
		resilience.NewCircuitBreaker(cfg.Summary.BreakerThreshold, ms(cfg.Summary.BreakerCooldownMS)))
	breaker.SetObserver(e.asyncObs)
	summarizer := summary.NewLLMSummarizer(breaker, summary.Config{
		Prompt:      cfg.Summary.Prompt,
		MaxAttempts: cfg.Summary.MaxAttempts,
		Backoff:     ms(cfg.Summary.BackoffMS),
		Timeout:     ms(cfg.Summary.TimeoutMS),
	}, logging.NewComponentLogger(log, "summarizer"))

	st, err := providers.BuildStore(cfg.Store)
	if err != nil {
		return nil, err
	}

	var archiver manager.Archiver
	if cfg.Archive.DatabaseURL != "" {
		openCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
		e.archive, err = archive.Open(openCtx, cfg.Archive.DatabaseURL, log)
		cancel()
		if err != nil {
			return nil, err
		}
		archiver = e.archive
	}

	guard := quota.NewGuard(cfg.Quota.GuardEnabled, cfg.Quota.ThresholdSeconds, logging.NewComponentLogger(log, "quota_guard"))
	e.manager, err = manager.New(manager.Config{
		SampleRate:         cfg.Session.SampleRate,
		FinalizeTimeout:    ms(cfg.Session.FinalizeTimeoutMS),
		InboxSize:          cfg.Session.InboxSize,
		GuardCheckInterval: ms(cfg.Quota.CheckIntervalMS),
		MinInterval:        ms(cfg.Summary.MinIntervalMS),
		MinUtterances:      cfg.Summary.MinUtterances,
		StoreMaxAttempts:   cfg.Store.MaxAttempts,
		StoreBackoff:       ms(cfg.Store.BackoffMS),
		RetainFinished:     cfg.Session.RetainFinished,
		ArchiveTimeout:     ms(cfg.Archive.TimeoutMS),
	}, manager.Deps{
		Guard:      guard,
		STT:        sttFactory,
		Summarizer: summarizer,
		Store:      st,
		Archiver:   archiver,
		Observer:   e.asyncObs,
		Logger:     log,
	})
	if err != nil {
		return nil, err
	}

	e.transport = twilio.New(twilio.Config{
		PublicURL:          cfg.Server.PublicURL,
		AuthToken:          cfg.Server.AuthToken,
		VoicePath:          cfg.Server.VoicePath,
		WebsocketPath:      cfg.Server.WebsocketPath,
		StatusCallbackPath: cfg.Server.StatusCallbackPath,
		VoiceGreeting:      cfg.Server.VoiceGreeting,
		AllowAnyOrigin:     cfg.Server.AllowAnyOrigin,
		AllowedOrigins:     cfg.Server.AllowedOrigins,
		ServerAddr:         cfg.Server.Addr,
	}, e.manager)
	e.api = httpapi.New(httpapi.Config{
		Addr:       cfg.Server.Addr,
		AdminToken: cfg.Server.AdminToken,
	}, e.manager, log, e.transport.Routes)

	ok = true
	return e, nil
}

// Start begins serving webhooks, media streams and the API.
func (e *Engine) Start() error {
	if err := e.api.Start(); err != nil {
		return fmt.Errorf("http: %w", err)
	}
	attrs := []any{"addr", e.cfg.Server.Addr}
	for k, v := range e.transport.ReadyFields() {
		attrs = append(attrs, k, v)
	}
	e.log.Info("callpilot_ready", attrs...)
	return nil
}

// Drain refuses new calls, finalizes the live ones and releases every
// resource. It returns once ctx ends even if work is still pending.
func (e *Engine) Drain(ctx context.Context) error {
	e.log.Info("callpilot_draining", "active_sessions", e.manager.Active())
	var errs []error
	_ = e.transport.Stop()
	if err := e.manager.Drain(ctx); err != nil {
		errs = append(errs, err)
	}
	if err := e.api.Shutdown(ctx); err != nil && !errors.Is(err, context.DeadlineExceeded) {
		errs = append(errs, err)
	}
	e.closeResources()
	if dropped := e.asyncObs.Dropped(); dropped > 0 {
		e.log.Warn("metrics_dropped", "count", dropped)
	}
	e.log.Info("callpilot_stopped")
	return errors.Join(errs...)
}

func (e *Engine) closeResources() {
	if e.asyncObs != nil {
		e.asyncObs.Close()
	}
	for _, c := range e.closers {
		_ = c.Close()
	}
	e.closers = nil
	if e.archive != nil {
		e.archive.Close()
	}
}

func (e *Engine) Manager() *manager.Manager { return e.manager }

func (e *Engine) Handler() http.Handler { return e.api.Handler() }

func (e *Engine) Config() Config { return e.cfg }
