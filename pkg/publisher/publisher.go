package publisher

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/harunnryd/callpilot/pkg/errorsx"
	"github.com/harunnryd/callpilot/pkg/metrics"
	"github.com/harunnryd/callpilot/pkg/resilience"
	"github.com/harunnryd/callpilot/pkg/session"
	"github.com/harunnryd/callpilot/pkg/store"
)

// Registry resolves live sessions by call id.
type Registry interface {
	Lookup(callID string) (*session.CallSession, bool)
}

// Publisher is the single writer of session updates. Every change is applied
// in memory and queued for the store under the same per-call lock, so the store
// sees changes in the order memory did.
type Publisher struct {
	store    store.Store
	registry Registry
	retry    resilience.RetryPolicy
	obs      metrics.Observer
	log      *slog.Logger

	ctx      context.Context
	cancel   context.CancelFunc
	inflight resilience.Inflight

	mu      sync.Mutex
	mirrors map[string]*mirror
}

type Config struct {
	MaxAttempts int
	Backoff     time.Duration
}

func New(st store.Store, registry Registry, cfg Config, obs metrics.Observer, log *slog.Logger) *Publisher {
	if obs == nil {
		obs = metrics.NoopObserver{}
	}
	if log == nil {
		log = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Publisher{
		store:    st,
		registry: registry,
		retry:    resilience.NewRetryPolicy(cfg.MaxAttempts, cfg.Backoff),
		obs:      obs,
		log:      log,
		ctx:      ctx,
		cancel:   cancel,
		mirrors:  make(map[string]*mirror),
	}
}

// Apply installs card if seq is newer than the applied one. Stale results are
// dropped without touching memory or the store.
func (p *Publisher) Apply(callID string, seq int64, card session.Card) bool {
	sess, ok := p.registry.Lookup(callID)
	if !ok {
		p.log.Debug("summary_for_unknown_call", "call_id", callID, "sequence", seq)
		return false
	}
	m := p.mirror(callID)
	m.mu.Lock()
	defer m.mu.Unlock()
	entry, applied := sess.ApplyCard(seq, card)
	if !applied {
		return false
	}
	final, partial := sess.Transcript()
	p.enqueueLocked(m, op{
		fields: map[string]any{
			"ai":         cardFields(card, seq),
			"transcript": transcriptFields(final, partial),
		},
	})
	p.enqueueLocked(m, activityOp(entry))
	return true
}

// Started mirrors the initial document of a new session.
func (p *Publisher) Started(sess *session.CallSession, message string) session.ActivityEntry {
	snap := sess.Snapshot()
	return p.Record(sess, session.ActivitySessionStarted, message, "", map[string]any{
		"status":    string(snap.Status),
		"streamSid": snap.StreamID,
		"startedAt": snap.StartedAt,
		"metadata":  snap.Metadata,
	})
}

// Record appends an activity entry and, when fields is non-empty, patches them
// first.
func (p *Publisher) Record(sess *session.CallSession, kind session.ActivityType, message, details string, fields map[string]any) session.ActivityEntry {
	m := p.mirror(sess.ID())
	m.mu.Lock()
	defer m.mu.Unlock()
	entry := sess.AddActivity(kind, message, details)
	if len(fields) > 0 {
		p.enqueueLocked(m, op{fields: fields})
	}
	p.enqueueLocked(m, activityOp(entry))
	return entry
}

// Transcript mirrors the current transcript. Consecutive transcript-only
// updates still queued are collapsed into the latest one.
func (p *Publisher) Transcript(sess *session.CallSession) {
	m := p.mirror(sess.ID())
	m.mu.Lock()
	defer m.mu.Unlock()
	final, partial := sess.Transcript()
	p.enqueueLocked(m, op{
		fields:   map[string]any{"transcript": transcriptFields(final, partial)},
		coalesce: "transcript",
	})
}

// Status mirrors the session status together with extra fields.
func (p *Publisher) Status(sess *session.CallSession, extra map[string]any) {
	m := p.mirror(sess.ID())
	m.mu.Lock()
	defer m.mu.Unlock()
	snap := sess.Snapshot()
	fields := map[string]any{"status": string(snap.Status)}
	if snap.EndedAt != nil {
		fields["endedAt"] = *snap.EndedAt
	}
	for k, v := range extra {
		fields[k] = v
	}
	p.enqueueLocked(m, op{fields: fields})
}

// Booking stores the opaque booking object and records it.
func (p *Publisher) Booking(sess *session.CallSession, raw json.RawMessage) session.ActivityEntry {
	m := p.mirror(sess.ID())
	m.mu.Lock()
	defer m.mu.Unlock()
	entry := sess.SetBooking(raw)
	p.enqueueLocked(m, op{fields: map[string]any{"booking": raw}})
	p.enqueueLocked(m, activityOp(entry))
	return entry
}

// Forget drops per-call bookkeeping once its queue is drained.
func (p *Publisher) Forget(callID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	m, ok := p.mirrors[callID]
	if !ok {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.running {
		delete(p.mirrors, callID)
		return
	}
	m.forget = true
}

// Wait blocks until every queued write finished or ctx ends, in which case
// outstanding retries are abandoned.
func (p *Publisher) Wait(ctx context.Context) error {
	err := p.inflight.Wait(ctx)
	if err == nil {
		return nil
	}
	p.cancel()
	_ = p.inflight.Wait(context.Background())
	return err
}

func (p *Publisher) mirror(callID string) *mirror {
	p.mu.Lock()
	defer p.mu.Unlock()
	m, ok := p.mirrors[callID]
	if !ok {
		m = &mirror{callID: callID}
		p.mirrors[callID] = m
	}
	m.mu.Lock()
	m.forget = false
	m.mu.Unlock()
	return m
}

func (p *Publisher) enqueueLocked(m *mirror, o op) {
	if o.coalesce != "" {
		if n := len(m.pending); n > 0 && m.pending[n-1].coalesce == o.coalesce {
			m.pending[n-1] = o
			return
		}
	}
	m.pending = append(m.pending, o)
	if m.running {
		return
	}
	m.running = true
	p.inflight.Add()
	go p.drain(m)
}

func (p *Publisher) drain(m *mirror) {
	defer p.inflight.Done()
	for {
		p.mu.Lock()
		m.mu.Lock()
		if len(m.pending) == 0 {
			m.running = false
			if m.forget && p.mirrors[m.callID] == m {
				delete(p.mirrors, m.callID)
			}
			m.mu.Unlock()
			p.mu.Unlock()
			return
		}
		next := m.pending[0]
		m.pending = m.pending[1:]
		m.mu.Unlock()
		p.mu.Unlock()
		p.write(m.callID, next)
	}
}

func (p *Publisher) write(callID string, o op) {
	attempts, err := p.retry.Do(p.ctx, func(ctx context.Context) error {
		if o.list != "" {
			return p.store.Append(ctx, callID, o.list, o.key, o.value)
		}
		return p.store.Patch(ctx, callID, o.fields)
	})
	if err == nil {
		return
	}
	err = errorsx.Wrap(err, errorsx.ReasonStoreWrite)
	attrs := []any{"call_id", callID, "store", p.store.Name(), "op", o.describe(), "attempts", attempts}
	p.log.Error("store_write_failed", append(attrs, errorsx.LogAttrs(err)...)...)
	p.obs.RecordEvent(metrics.MetricsEvent{
		Name:  metrics.EventStoreWriteFailed,
		Time:  time.Now(),
		Value: float64(attempts),
		Tags:  map[string]string{"call_id": callID, "store": p.store.Name(), "op": o.describe()},
	})
}

type mirror struct {
	callID  string
	mu      sync.Mutex
	pending []op
	running bool
	forget  bool
}

type op struct {
	fields   map[string]any
	list     string
	key      string
	value    any
	coalesce string
}

// activityOp keys an entry by its position in the session log, so every
// retry of the write lands on the same child.
func activityOp(entry session.ActivityEntry) op {
	return op{list: "activity", key: fmt.Sprintf("%06d", entry.Index), value: entry}
}

func (o op) describe() string {
	if o.list != "" {
		return "append:" + o.list
	}
	return "patch"
}

func cardFields(card session.Card, seq int64) map[string]any {
	items := card.ActionItems
	if items == nil {
		items = []string{}
	}
	return map[string]any{
		"summary":     card.Summary,
		"sentiment":   card.Sentiment,
		"urgency":     card.Urgency,
		"actionItems": items,
		"sequence":    seq,
	}
}

func transcriptFields(final, partial string) map[string]any {
	return map[string]any{
		"final":     final,
		"partial":   partial,
		"updatedAt": time.Now().UTC(),
	}
}
