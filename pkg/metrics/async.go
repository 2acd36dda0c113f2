package metrics

import (
	"sync"
	"sync/atomic"
)

// AsyncObserver decouples hot paths from slow sinks. Events are dropped, not
// queued, once the buffer is full.
type AsyncObserver struct {
	inner   Observer
	ch      chan MetricsEvent
	done    chan struct{}
	dropped int64
	mu      sync.RWMutex
	closed  bool
	once    sync.Once
}

func NewAsyncObserver(inner Observer, buffer int) *AsyncObserver {
	if buffer <= 0 {
		buffer = 256
	}
	if inner == nil {
		inner = NoopObserver{}
	}
	a := &AsyncObserver{
		inner: inner,
		ch:    make(chan MetricsEvent, buffer),
		done:  make(chan struct{}),
	}
	go a.loop()
	return a
}

func (a *AsyncObserver) RecordEvent(ev MetricsEvent) {
	if a == nil {
		return
	}
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.closed {
		return
	}
	select {
	case a.ch <- ev:
	default:
		atomic.AddInt64(&a.dropped, 1)
	}
}

func (a *AsyncObserver) Dropped() int64 {
	return atomic.LoadInt64(&a.dropped)
}

// Close stops accepting events and waits until the buffered ones are delivered.
func (a *AsyncObserver) Close() {
	if a == nil {
		return
	}
	a.once.Do(func() {
		a.mu.Lock()
		a.closed = true
		close(a.ch)
		a.mu.Unlock()
	})
	<-a.done
}

func (a *AsyncObserver) loop() {
	defer close(a.done)
	for ev := range a.ch {
		a.inner.RecordEvent(ev)
	}
}
