package resilience

import (
	"context"
	"sync"
)

var closedCh = func() chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}()

// Inflight counts background work. Unlike sync.WaitGroup, Add may run while
// another goroutine is waiting.
type Inflight struct {
	mu   sync.Mutex
	n    int
	idle chan struct{}
}

func (f *Inflight) Add() {
	f.mu.Lock()
	if f.n == 0 {
		f.idle = make(chan struct{})
	}
	f.n++
	f.mu.Unlock()
}

func (f *Inflight) Done() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.n == 0 {
		panic("resilience: Inflight.Done without Add")
	}
	f.n--
	if f.n == 0 {
		close(f.idle)
	}
}

func (f *Inflight) Count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.n
}

// Idle is closed once the count drops to zero.
func (f *Inflight) Idle() <-chan struct{} {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.n == 0 {
		return closedCh
	}
	return f.idle
}

// Wait blocks until nothing is in flight or ctx ends.
func (f *Inflight) Wait(ctx context.Context) error {
	for f.Count() > 0 {
		select {
		case <-f.Idle():
		case <-ctx.Done():
			if f.Count() == 0 {
				return nil
			}
			return ctx.Err()
		}
	}
	return nil
}
