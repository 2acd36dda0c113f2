package runner

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"
)

var ErrDrainTimeout = errors.New("drain timeout")

// LifecycleRunner holds the process open until its context ends, then gives
// the Drainer a bounded window to finish the calls still in progress.
type LifecycleRunner struct {
	state   atomic.Int32
	ctx     context.Context
	cancel  context.CancelFunc
	stopped sync.Once
	stopErr error

	hooks   Hooks
	drainer Drainer
	timeout time.Duration

	// Banner receives the startup banner; nil disables it.
	Banner io.Writer
	Logger *slog.Logger
}

func NewLifecycleRunner(drainer Drainer, hooks Hooks, timeout time.Duration) *LifecycleRunner {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &LifecycleRunner{
		ctx:     ctx,
		cancel:  cancel,
		hooks:   hooks,
		drainer: drainer,
		timeout: timeout,
		Banner:  os.Stdout,
		Logger:  slog.Default(),
	}
}

// Run blocks until ctx is cancelled or Stop is called, then drains.
func (r *LifecycleRunner) Run(ctx context.Context) error {
	if !r.state.CompareAndSwap(int32(StateNew), int32(StateStarting)) {
		return errors.New("runner already started")
	}
	if r.Banner != nil {
		PrintBanner(r.Banner)
	}
	if ctx != nil {
		r.ctx, r.cancel = context.WithCancel(ctx)
	}
	if r.hooks.OnStart != nil {
		if err := r.hooks.OnStart(); err != nil {
			r.cancel()
			r.state.Store(int32(StateStopped))
			return err
		}
	}
	r.state.Store(int32(StateRunning))
	<-r.ctx.Done()
	return r.stop()
}

func (r *LifecycleRunner) Stop() error {
	r.cancel()
	return r.stop()
}

func (r *LifecycleRunner) State() State { return State(r.state.Load()) }

func (r *LifecycleRunner) stop() error {
	r.stopped.Do(func() {
		r.state.Store(int32(StateDraining))
		if r.drainer != nil {
			r.stopErr = r.drain()
		}
		if r.hooks.OnStop != nil {
			r.hooks.OnStop()
		}
		r.state.Store(int32(StateStopped))
	})
	return r.stopErr
}

func (r *LifecycleRunner) drain() error {
	start := time.Now()
	r.Logger.Info("drain_started", "timeout_ms", r.timeout.Milliseconds())
	ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
	defer cancel()
	err := r.drainer.Drain(ctx)
	if ctx.Err() != nil {
		err = errors.Join(ErrDrainTimeout, err)
		r.Logger.Warn("drain_timeout", "elapsed_ms", time.Since(start).Milliseconds(), "error", err)
		return err
	}
	r.Logger.Info("drain_finished", "elapsed_ms", time.Since(start).Milliseconds())
	return err
}
