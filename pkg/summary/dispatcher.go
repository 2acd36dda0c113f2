package summary

import (
	"context"
	"errors"
	"log/slog"
	"strconv"
	"time"

	"github.com/harunnryd/callpilot/pkg/errorsx"
	"github.com/harunnryd/callpilot/pkg/metrics"
	"github.com/harunnryd/callpilot/pkg/resilience"
	"github.com/harunnryd/callpilot/pkg/session"
)

// Applier receives settled results. It reports whether the card was applied.
type Applier interface {
	Apply(callID string, seq int64, card session.Card) bool
}

// Ticket tracks one dispatched request.
type Ticket struct {
	CallID   string
	Sequence int64
	Final    bool

	done    chan struct{}
	applied bool
	failed  bool
}

// Done is closed once the result, real or placeholder, went through the applier.
func (t *Ticket) Done() <-chan struct{} { return t.done }

// Applied is valid after Done is closed.
func (t *Ticket) Applied() bool { return t.applied }

// Failed is valid after Done is closed and reports a placeholder result.
func (t *Ticket) Failed() bool { return t.failed }

// Dispatcher runs summarization requests off the frame path. Requests are not
// tied to the session lifetime: a call that stops streaming still gets its
// in-flight results.
type Dispatcher struct {
	summarizer Summarizer
	applier    Applier
	obs        metrics.Observer
	log        *slog.Logger

	ctx      context.Context
	cancel   context.CancelFunc
	inflight resilience.Inflight
}

func NewDispatcher(summarizer Summarizer, applier Applier, obs metrics.Observer, log *slog.Logger) *Dispatcher {
	if obs == nil {
		obs = metrics.NoopObserver{}
	}
	if log == nil {
		log = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Dispatcher{
		summarizer: summarizer,
		applier:    applier,
		obs:        obs,
		log:        log,
		ctx:        ctx,
		cancel:     cancel,
	}
}

// Dispatch allocates the next sequence of sess and summarizes transcript in the
// background. It never blocks on the engine.
func (d *Dispatcher) Dispatch(sess *session.CallSession, transcript string, final bool) *Ticket {
	t := &Ticket{
		CallID:   sess.ID(),
		Sequence: sess.NextSequence(),
		Final:    final,
		done:     make(chan struct{}),
	}
	d.obs.RecordEvent(metrics.MetricsEvent{
		Name:  metrics.EventSummaryDispatch,
		Time:  time.Now(),
		Value: float64(t.Sequence),
		Tags:  map[string]string{"call_id": t.CallID, "final": strconv.FormatBool(final)},
	})
	d.inflight.Add()
	go d.run(t, transcript)
	return t
}

func (d *Dispatcher) run(t *Ticket, transcript string) {
	defer d.inflight.Done()
	defer close(t.done)
	start := time.Now()

	card, err := session.Card{}, errorsx.Wrap(d.ctx.Err(), errorsx.ReasonSummaryGenerate)
	if err == nil {
		card, err = d.summarizer.Summarize(d.ctx, transcript)
	}
	if err != nil {
		if !errors.Is(err, ErrEmptyTranscript) {
			attrs := []any{"call_id", t.CallID, "sequence", t.Sequence, "final", t.Final}
			d.log.Warn("summary_failed", append(attrs, errorsx.LogAttrs(err)...)...)
		}
		card = session.PlaceholderCard()
		t.failed = true
	}
	t.applied = d.applier.Apply(t.CallID, t.Sequence, card)

	name := metrics.EventSummarySettled
	if !t.applied {
		name = metrics.EventSummaryDiscarded
	}
	d.obs.RecordEvent(metrics.MetricsEvent{
		Name:  name,
		Time:  time.Now(),
		Value: float64(time.Since(start).Milliseconds()),
		Tags: map[string]string{
			"call_id":     t.CallID,
			"sequence":    strconv.FormatInt(t.Sequence, 10),
			"placeholder": strconv.FormatBool(t.failed),
		},
	})
}

// Cancel aborts the requests in flight and every later one; they settle as
// placeholders.
func (d *Dispatcher) Cancel() { d.cancel() }

// Wait blocks until every dispatched request settled or ctx ends. When ctx
// ends first the remaining requests are cancelled and settle as placeholders.
func (d *Dispatcher) Wait(ctx context.Context) error {
	err := d.inflight.Wait(ctx)
	if err == nil {
		return nil
	}
	d.cancel()
	_ = d.inflight.Wait(context.Background())
	return err
}
