// Package correlator matches asynchronous responses to the requests that
// caused them, keyed by request ID.
package correlator

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/billm/recbridge/pkg/protocol"
	"github.com/billm/recbridge/pkg/types"
)

// Map holds the pending requests of one connection
type Map struct {
	mu      sync.Mutex
	pending map[string]*Future

	closed    chan struct{}
	closeOnce sync.Once
	closeErr  error
}

// New creates an empty correlation map
func New() *Map {
	return &Map{
		pending: make(map[string]*Future),
		closed:  make(chan struct{}),
	}
}

// NewRequestID returns a fresh random request ID
func NewRequestID() string {
	return uuid.NewString()
}

// Register creates a pending entry for id
func (m *Map) Register(id string) (*Future, error) {
	if id == "" {
		return nil, types.NewError(types.ErrCodeInvalidArgument, "request id cannot be empty")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	select {
	case <-m.closed:
		return nil, m.closeErr
	default:
	}

	if _, exists := m.pending[id]; exists {
		return nil, types.NewError(types.ErrCodeAlreadyExists, "request id already pending: "+id)
	}
	f := newFuture()
	m.pending[id] = f
	return f, nil
}

// Resolve removes the entry for id and completes it with env. It returns
// false when id is unknown or was already removed.
func (m *Map) Resolve(id string, env *protocol.Envelope) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	f, ok := m.pending[id]
	if !ok {
		return false
	}
	delete(m.pending, id)
	// Completing under the lock lets Await treat a failed Remove as "already resolved"
	return f.complete(env, nil)
}

// Remove drops the entry for id without completing it. It returns false
// when there was nothing to remove.
func (m *Map) Remove(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.pending[id]; !ok {
		return false
	}
	delete(m.pending, id)
	return true
}

// Len returns the number of pending requests
func (m *Map) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.pending)
}

// Await waits for the future registered under id. On timeout, ctx
// cancellation, or Close the entry is removed and an error returned.
// A response that wins the race against removal is still delivered.
func (m *Map) Await(ctx context.Context, id string, f *Future, timeout time.Duration) (*protocol.Envelope, error) {
	var timeoutCh <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		timeoutCh = timer.C
	}

	var failure error
	select {
	case <-f.Done():
		return f.env, f.err
	case <-timeoutCh:
		failure = types.NewError(types.ErrCodeTimeout, "no response within "+timeout.String())
	case <-ctx.Done():
		code := types.ErrCodeCanceled
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			code = types.ErrCodeTimeout
		}
		failure = types.WrapError(code, "request abandoned", ctx.Err())
	case <-m.closed:
		failure = m.closeErr
	}

	if !m.Remove(id) {
		// Resolve took the entry first
		if env, err, ok := f.Result(); ok {
			return env, err
		}
	}
	return nil, failure
}

// Close releases every waiter with ErrCodeCanceled and rejects further
// registrations. Pending futures are dropped, never completed with a response.
func (m *Map) Close() {
	m.CloseWithError(types.NewError(types.ErrCodeCanceled, "connection closed"))
}

// CloseWithError is Close with the error handed to released waiters and
// later Register calls. Only the first close takes effect.
func (m *Map) CloseWithError(err error) {
	if err == nil {
		err = types.NewError(types.ErrCodeCanceled, "connection closed")
	}
	m.closeOnce.Do(func() {
		m.mu.Lock()
		m.closeErr = err
		close(m.closed)
		m.pending = make(map[string]*Future)
		m.mu.Unlock()
	})
}

// Closed returns a channel that is closed by Close
func (m *Map) Closed() <-chan struct{} {
	return m.closed
}
