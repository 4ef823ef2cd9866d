package stream

import (
	"context"
	"errors"
	"sync"
)

// Future is a one-shot broadcastable completion. The first Resolve or Reject
// wins; every waiter observes the same outcome. Broadcast is a channel close,
// not a consume-once queue, so any number of callers may wait on one future.
type Future struct {
	done chan struct{}
	once sync.Once

	value any
	err   error
}

func newFuture() *Future {
	return &Future{done: make(chan struct{})}
}

// Resolve delivers value to every waiter. Later calls are no-ops.
func (f *Future) Resolve(value any) {
	f.once.Do(func() {
		f.value = value
		close(f.done)
	})
}

// Reject delivers err to every waiter. Later calls are no-ops.
func (f *Future) Reject(err error) {
	f.once.Do(func() {
		f.err = err
		close(f.done)
	})
}

// Done returns a channel closed on resolution or rejection.
func (f *Future) Done() <-chan struct{} {
	return f.done
}

// Wait blocks until the future settles or ctx expires. A deadline expiry
// surfaces as ErrWatchTimeout rather than a bare context error.
func (f *Future) Wait(ctx context.Context) (any, error) {
	select {
	case <-f.done:
		return f.value, f.err
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, ErrWatchTimeout
		}
		return nil, ctx.Err()
	}
}
