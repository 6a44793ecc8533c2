package connect

import (
	"context"
	"sync"
	"time"

	"github.com/srg/proxim/internal/clock"
	"github.com/srg/proxim/internal/device"
)

// Result is how an attempt ended and which event ended it.
type Result struct {
	OK     bool
	Source string
}

// Future is a one-shot completion signal. The first Resolve wins.
type Future struct {
	clock  clock.Clock
	once   sync.Once
	done   chan struct{}
	result Result
}

func NewFuture(clk clock.Clock) *Future {
	if clk == nil {
		clk = clock.Real()
	}
	return &Future{clock: clk, done: make(chan struct{})}
}

// Resolve completes the future. Returns false if it was already resolved.
func (f *Future) Resolve(ok bool, source string) bool {
	resolved := false
	f.once.Do(func() {
		f.result = Result{OK: ok, Source: source}
		close(f.done)
		resolved = true
	})
	return resolved
}

func (f *Future) Done() <-chan struct{} {
	return f.done
}

// Result returns the outcome and whether the future has resolved.
func (f *Future) Result() (Result, bool) {
	select {
	case <-f.done:
		return f.result, true
	default:
		return Result{}, false
	}
}

// Await blocks until the future resolves, the timeout elapses or ctx is done.
// On timeout it returns device.ErrTimeout; the future itself stays unresolved.
func (f *Future) Await(ctx context.Context, timeout time.Duration) (Result, error) {
	select {
	case <-f.done:
		return f.result, nil
	default:
	}

	select {
	case <-f.done:
		return f.result, nil
	case <-f.clock.After(timeout):
		return Result{Source: "timeout"}, device.ErrTimeout
	case <-ctx.Done():
		return Result{Source: "cancelled"}, ctx.Err()
	}
}
