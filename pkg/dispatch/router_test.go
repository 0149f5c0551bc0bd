package dispatch

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/billm/recbridge/internal/config"
	"github.com/billm/recbridge/internal/logger"
	"github.com/billm/recbridge/pkg/protocol"
	"github.com/billm/recbridge/pkg/types"
)

func newTestRouter(t *testing.T) *Router {
	t.Helper()
	log, err := logger.New(config.LoggingConfig{Level: "error", Format: "text", Output: "stderr"})
	require.NoError(t, err)
	return NewRouter(log)
}

func TestDispatchRoutesByType(t *testing.T) {
	r := newTestRouter(t)

	var got []protocol.MessageType
	record := func(ctx context.Context, env *protocol.Envelope) error {
		got = append(got, env.Type)
		return nil
	}
	require.NoError(t, r.HandleFunc(protocol.TypeSaveState, record))
	require.NoError(t, r.HandleFunc(protocol.TypeRecommendationsResponse, record))

	require.NoError(t, r.Dispatch(context.Background(), &protocol.Envelope{Type: protocol.TypeSaveState}))
	require.NoError(t, r.Dispatch(context.Background(), &protocol.Envelope{Type: protocol.TypeRecommendationsResponse}))

	assert.Equal(t, []protocol.MessageType{protocol.TypeSaveState, protocol.TypeRecommendationsResponse}, got)
	assert.Equal(t, int64(2), r.Stats().Dispatched)
	assert.Equal(t, 2, r.Stats().ActiveHandlers)
}

func TestDispatchUnknownTypeIsDropped(t *testing.T) {
	r := newTestRouter(t)
	err := r.Dispatch(context.Background(), &protocol.Envelope{Type: "mystery"})
	assert.True(t, types.IsErrCode(err, types.ErrCodeNotFound))
	assert.Equal(t, int64(1), r.Stats().Unknown)
}

func TestDispatchHandlerError(t *testing.T) {
	r := newTestRouter(t)
	boom := errors.New("boom")
	require.NoError(t, r.HandleFunc(protocol.TypeAnalyticEvent, func(ctx context.Context, env *protocol.Envelope) error {
		return boom
	}))

	err := r.Dispatch(context.Background(), &protocol.Envelope{Type: protocol.TypeAnalyticEvent})
	assert.True(t, types.IsErrCode(err, types.ErrCodeHandlerFailed))
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, int64(1), r.Stats().Failed)
}

func TestDispatchRecoversPanics(t *testing.T) {
	r := newTestRouter(t)
	require.NoError(t, r.HandleFunc(protocol.TypeSaveState, func(ctx context.Context, env *protocol.Envelope) error {
		panic("observer exploded")
	}))

	var err error
	assert.NotPanics(t, func() {
		err = r.Dispatch(context.Background(), &protocol.Envelope{Type: protocol.TypeSaveState})
	})
	assert.True(t, types.IsErrCode(err, types.ErrCodeHandlerFailed))
	assert.Equal(t, int64(1), r.Stats().Panics)
}

func TestRegisterValidation(t *testing.T) {
	r := newTestRouter(t)
	assert.Error(t, r.Register("", HandlerFunc(func(context.Context, *protocol.Envelope) error { return nil })))
	assert.Error(t, r.Register(protocol.TypeSaveState, nil))
}

func TestRegisterReplacesAndUnregister(t *testing.T) {
	r := newTestRouter(t)
	calls := 0
	noop := func(context.Context, *protocol.Envelope) error { return nil }
	counting := func(context.Context, *protocol.Envelope) error { calls++; return nil }

	require.NoError(t, r.HandleFunc(protocol.TypeSaveState, noop))
	require.NoError(t, r.HandleFunc(protocol.TypeSaveState, counting))
	assert.Equal(t, 1, r.Stats().ActiveHandlers)

	require.NoError(t, r.Dispatch(context.Background(), &protocol.Envelope{Type: protocol.TypeSaveState}))
	assert.Equal(t, 1, calls)

	require.NoError(t, r.Unregister(protocol.TypeSaveState))
	assert.Equal(t, 0, r.Stats().ActiveHandlers)
	assert.True(t, types.IsErrCode(r.Unregister(protocol.TypeSaveState), types.ErrCodeNotFound))
}

func TestConcurrentDispatch(t *testing.T) {
	r := newTestRouter(t)
	var mu sync.Mutex
	count := 0
	require.NoError(t, r.HandleFunc(protocol.TypeAnalyticEvent, func(context.Context, *protocol.Envelope) error {
		mu.Lock()
		count++
		mu.Unlock()
		return nil
	}))

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = r.Dispatch(context.Background(), &protocol.Envelope{Type: protocol.TypeAnalyticEvent})
		}()
	}
	wg.Wait()
	assert.Equal(t, 20, count)
	assert.Equal(t, int64(20), r.Stats().Dispatched)
}
