package correlator

import (
	"context"
	"sync"

	"github.com/billm/recbridge/pkg/protocol"
)

// Future is a single-assignment result slot. It completes at most once;
// later completions are ignored.
type Future struct {
	done chan struct{}
	once sync.Once

	env *protocol.Envelope
	err error
}

func newFuture() *Future {
	return &Future{done: make(chan struct{})}
}

// complete stores the result and wakes every waiter. It reports whether
// this call was the one that completed the future.
func (f *Future) complete(env *protocol.Envelope, err error) bool {
	completed := false
	f.once.Do(func() {
		f.env = env
		f.err = err
		close(f.done)
		completed = true
	})
	return completed
}

// Done returns a channel that is closed once the future completes
func (f *Future) Done() <-chan struct{} {
	return f.done
}

// Result returns the outcome without blocking. ok is false while pending.
func (f *Future) Result() (env *protocol.Envelope, err error, ok bool) {
	select {
	case <-f.done:
		return f.env, f.err, true
	default:
		return nil, nil, false
	}
}

// Wait blocks until the future completes or ctx is done
func (f *Future) Wait(ctx context.Context) (*protocol.Envelope, error) {
	select {
	case <-f.done:
		return f.env, f.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
