package manager

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/harunnryd/callpilot/pkg/adapters/stt"
	"github.com/harunnryd/callpilot/pkg/codec"
	"github.com/harunnryd/callpilot/pkg/errorsx"
	"github.com/harunnryd/callpilot/pkg/logging"
	"github.com/harunnryd/callpilot/pkg/metrics"
	"github.com/harunnryd/callpilot/pkg/publisher"
	"github.com/harunnryd/callpilot/pkg/quota"
	"github.com/harunnryd/callpilot/pkg/redact"
	"github.com/harunnryd/callpilot/pkg/resilience"
	"github.com/harunnryd/callpilot/pkg/session"
	"github.com/harunnryd/callpilot/pkg/store"
	"github.com/harunnryd/callpilot/pkg/summary"
	"github.com/harunnryd/callpilot/pkg/transports"
)

var (
	ErrQuotaExceeded = errorsx.Wrap(errors.New("streaming quota exceeded"), errorsx.ReasonQuotaExceeded)
	ErrSessionExists = errors.New("session already exists")
	ErrUnknownCall   = errors.New("unknown call")
	ErrShuttingDown  = errors.New("manager is shutting down")
)

// Archiver keeps the final record of a session once it ends.
type Archiver interface {
	Archive(ctx context.Context, snap session.Snapshot) error
}

type Config struct {
	SampleRate         int
	FinalizeTimeout    time.Duration
	InboxSize          int
	GuardCheckInterval time.Duration
	MinInterval        time.Duration
	MinUtterances      int
	StoreMaxAttempts   int
	StoreBackoff       time.Duration
	// RetainFinished bounds how many ended sessions stay readable.
	RetainFinished int
	ArchiveTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.SampleRate <= 0 {
		c.SampleRate = 16000
	}
	if c.FinalizeTimeout <= 0 {
		c.FinalizeTimeout = 15 * time.Second
	}
	if c.InboxSize <= 0 {
		c.InboxSize = 256
	}
	if c.GuardCheckInterval <= 0 {
		c.GuardCheckInterval = time.Second
	}
	if c.MinUtterances <= 0 {
		c.MinUtterances = 1
	}
	if c.RetainFinished <= 0 {
		c.RetainFinished = 256
	}
	if c.ArchiveTimeout <= 0 {
		c.ArchiveTimeout = 10 * time.Second
	}
	return c
}

type Deps struct {
	Guard      *quota.Guard
	STT        stt.Factory
	Summarizer summary.Summarizer
	Store      store.Store
	Archiver   Archiver
	Observer   metrics.Observer
	Logger     *slog.Logger
	Now        func() time.Time
}

// Manager owns every live call session. Each call runs on its own goroutine;
// sessions share only the quota guard.
type Manager struct {
	cfg        Config
	guard      *quota.Guard
	sttFactory stt.Factory
	archiver   Archiver
	publisher  *publisher.Publisher
	dispatcher *summary.Dispatcher
	obs        metrics.Observer
	log        *slog.Logger
	now        func() time.Time

	ctx     context.Context
	cancel  context.CancelFunc
	running resilience.Inflight

	mu       sync.Mutex
	calls    map[string]*call
	finished map[string]*session.CallSession
	order    []string

	draining atomic.Bool
}

func New(cfg Config, deps Deps) (*Manager, error) {
	cfg = cfg.withDefaults()
	if deps.Guard == nil {
		return nil, errors.New("manager: quota guard is required")
	}
	if deps.STT == nil {
		return nil, errors.New("manager: stt factory is required")
	}
	if deps.Summarizer == nil {
		return nil, errors.New("manager: summarizer is required")
	}
	if deps.Store == nil {
		return nil, errors.New("manager: store is required")
	}
	if _, err := codec.NewDecoder(cfg.SampleRate); err != nil {
		return nil, fmt.Errorf("manager: %w", err)
	}
	if deps.Observer == nil {
		deps.Observer = metrics.NoopObserver{}
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		cfg:        cfg,
		guard:      deps.Guard,
		sttFactory: deps.STT,
		archiver:   deps.Archiver,
		obs:        deps.Observer,
		log:        logging.NewComponentLogger(deps.Logger, "session_manager"),
		now:        deps.Now,
		ctx:        ctx,
		cancel:     cancel,
		calls:      make(map[string]*call),
		finished:   make(map[string]*session.CallSession),
	}
	m.publisher = publisher.New(deps.Store, m, publisher.Config{
		MaxAttempts: cfg.StoreMaxAttempts,
		Backoff:     cfg.StoreBackoff,
	}, deps.Observer, logging.NewComponentLogger(deps.Logger, "publisher"))
	m.dispatcher = summary.NewDispatcher(deps.Summarizer, m.publisher, deps.Observer,
		logging.NewComponentLogger(deps.Logger, "summary_dispatcher"))
	return m, nil
}

// Open creates a session for a started stream. New sessions are refused while
// the guard is tripped.
func (m *Manager) Open(_ context.Context, req transports.StartRequest, conn transports.MediaConn) (transports.Call, error) {
	if m.guard.Tripped() {
		m.log.Warn("session_rejected",
			"call_id", req.CallID,
			"reason_code", string(errorsx.ReasonQuotaExceeded))
		metrics.Record(m.obs, metrics.EventSessionRejected, 1, map[string]string{"call_id": req.CallID, "reason": "quota"})
		return nil, ErrQuotaExceeded
	}
	if req.CallID == "" {
		return nil, errors.New("call id is required")
	}

	m.mu.Lock()
	if m.draining.Load() {
		m.mu.Unlock()
		return nil, ErrShuttingDown
	}
	if _, ok := m.calls[req.CallID]; ok {
		m.mu.Unlock()
		metrics.Record(m.obs, metrics.EventSessionRejected, 1, map[string]string{"call_id": req.CallID, "reason": "duplicate"})
		return nil, ErrSessionExists
	}
	traceID := uuid.NewString()
	sess := session.New(req.CallID, req.StreamID, session.Metadata{
		CallerNumber: req.CallerNumber,
		ForwardedTo:  req.ForwardedTo,
		Params:       req.Params,
	}, m.now)
	decoder, _ := codec.NewDecoder(m.cfg.SampleRate)
	c := &call{
		m:       m,
		sess:    sess,
		conn:    conn,
		decoder: decoder,
		traceID: traceID,
		inbox:   make(chan inbound, m.cfg.InboxSize),
		pauseCh: make(chan struct{}, 1),
		closed:  make(chan struct{}),
		cadence: summary.Cadence{MinInterval: m.cfg.MinInterval, MinUtterances: m.cfg.MinUtterances},
		log:     m.log.With("call_id", req.CallID, "stream_id", req.StreamID, "trace_id", traceID),
	}
	m.calls[req.CallID] = c
	delete(m.finished, req.CallID)
	m.running.Add()
	m.mu.Unlock()

	m.publisher.Started(sess, "Call connected")
	c.startSTT()
	metrics.Record(m.obs, metrics.EventSessionStarted, 1, map[string]string{"call_id": req.CallID})
	c.log.Info("session_started",
		"caller", redact.Number(req.CallerNumber),
		"forwarded_to", redact.Number(req.ForwardedTo))

	go c.run()
	return c, nil
}

// Lookup resolves a live or recently ended session.
func (m *Manager) Lookup(callID string) (*session.CallSession, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if c, ok := m.calls[callID]; ok {
		return c.sess, true
	}
	sess, ok := m.finished[callID]
	return sess, ok
}

// Snapshot returns the current state of a live or recently ended session.
func (m *Manager) Snapshot(callID string) (session.Snapshot, bool) {
	sess, ok := m.Lookup(callID)
	if !ok {
		return session.Snapshot{}, false
	}
	return sess.Snapshot(), true
}

// Active returns the number of sessions that have not been retired yet.
func (m *Manager) Active() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.calls)
}

// RecordBooking stores the booking object the booking service wrote back.
func (m *Manager) RecordBooking(callID string, raw json.RawMessage) (session.ActivityEntry, error) {
	if !json.Valid(raw) {
		return session.ActivityEntry{}, errors.New("booking must be valid JSON")
	}
	sess, ok := m.Lookup(callID)
	if !ok {
		return session.ActivityEntry{}, ErrUnknownCall
	}
	return m.publisher.Booking(sess, raw), nil
}

// Guard exposes the process quota guard.
func (m *Manager) Guard() *quota.Guard { return m.guard }

// Drain stops every live session, lets them finalize, and flushes pending
// summaries and store writes. When ctx ends first the remaining work is
// abandoned.
func (m *Manager) Drain(ctx context.Context) error {
	m.mu.Lock()
	m.draining.Store(true)
	live := make([]*call, 0, len(m.calls))
	for _, c := range m.calls {
		live = append(live, c)
	}
	m.mu.Unlock()
	for _, c := range live {
		c.Stop("shutdown")
	}

	var errs []error
	if m.running.Wait(ctx) != nil {
		// Late summaries settle as placeholders so every call can finish.
		m.dispatcher.Cancel()
		m.cancel()
		_ = m.running.Wait(context.Background())
	}
	// No call goroutine is left to dispatch or publish.
	if err := m.dispatcher.Wait(ctx); err != nil {
		errs = append(errs, fmt.Errorf("summaries: %w", err))
	}
	if err := m.publisher.Wait(ctx); err != nil {
		errs = append(errs, fmt.Errorf("store: %w", err))
	}
	m.cancel()
	return errors.Join(errs...)
}

// pauseAll asks every live session to stop admitting audio.
func (m *Manager) pauseAll() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, c := range m.calls {
		select {
		case c.pauseCh <- struct{}{}:
		default:
		}
	}
}

// retire moves an ended session out of the live set once its summaries have
// settled.
func (m *Manager) retire(c *call) {
	m.mu.Lock()
	if m.calls[c.sess.ID()] == c {
		delete(m.calls, c.sess.ID())
	}
	id := c.sess.ID()
	if _, ok := m.finished[id]; !ok {
		m.order = append(m.order, id)
	}
	m.finished[id] = c.sess
	for len(m.order) > m.cfg.RetainFinished {
		oldest := m.order[0]
		m.order = m.order[1:]
		delete(m.finished, oldest)
	}
	m.mu.Unlock()
	m.publisher.Forget(id)
}
