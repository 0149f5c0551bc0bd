// Package dispatch routes inbound envelopes to the handler registered for
// their message type.
package dispatch

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"

	"github.com/billm/recbridge/internal/logger"
	"github.com/billm/recbridge/pkg/protocol"
	"github.com/billm/recbridge/pkg/types"
)

// Handler handles one inbound envelope
type Handler interface {
	// Handle processes an envelope
	Handle(ctx context.Context, env *protocol.Envelope) error
}

// HandlerFunc is a function adapter for Handler
type HandlerFunc func(ctx context.Context, env *protocol.Envelope) error

// Handle implements Handler
func (f HandlerFunc) Handle(ctx context.Context, env *protocol.Envelope) error {
	return f(ctx, env)
}

// Stats holds router counters
type Stats struct {
	Dispatched     int64 `json:"dispatched"`
	Unknown        int64 `json:"unknown"`
	Failed         int64 `json:"failed"`
	Panics         int64 `json:"panics"`
	ActiveHandlers int   `json:"active_handlers"`
}

// Router maps message types to handlers. Dispatch runs the handler on the
// caller's goroutine, so messages from one connection are handled in order.
type Router struct {
	mu       sync.RWMutex
	handlers map[protocol.MessageType]Handler
	logger   *logger.Logger
	stats    Stats
}

// NewRouter creates an empty router
func NewRouter(log *logger.Logger) *Router {
	if log == nil {
		log = logger.Global()
	}
	return &Router{
		handlers: make(map[protocol.MessageType]Handler),
		logger:   log.With("component", "dispatch"),
	}
}

// Register sets the handler for msgType, replacing any previous one
func (r *Router) Register(msgType protocol.MessageType, h Handler) error {
	if msgType == "" {
		return types.NewError(types.ErrCodeInvalidArgument, "message type cannot be empty")
	}
	if h == nil {
		return types.NewError(types.ErrCodeInvalidArgument, "handler cannot be nil")
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.handlers[msgType]; !exists {
		r.stats.ActiveHandlers++
	}
	r.handlers[msgType] = h
	r.logger.Debug("Handler registered", "message_type", msgType)
	return nil
}

// HandleFunc registers a function as the handler for msgType
func (r *Router) HandleFunc(msgType protocol.MessageType, fn func(ctx context.Context, env *protocol.Envelope) error) error {
	return r.Register(msgType, HandlerFunc(fn))
}

// Unregister removes the handler for msgType
func (r *Router) Unregister(msgType protocol.MessageType) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.handlers[msgType]; !exists {
		return types.NewError(types.ErrCodeNotFound, fmt.Sprintf("handler not found for type: %s", msgType))
	}
	delete(r.handlers, msgType)
	r.stats.ActiveHandlers--
	r.logger.Debug("Handler unregistered", "message_type", msgType)
	return nil
}

// Dispatch routes env to its handler. Unknown types are logged and dropped.
// Handler errors and panics are logged and returned as ErrCodeHandlerFailed;
// callers in a read loop should log them and keep going.
func (r *Router) Dispatch(ctx context.Context, env *protocol.Envelope) error {
	r.mu.RLock()
	h, exists := r.handlers[env.Type]
	r.mu.RUnlock()

	if !exists {
		r.mu.Lock()
		r.stats.Unknown++
		r.mu.Unlock()
		r.logger.Warn("No handler for message type, dropping", "type", env.Type, "request_id", env.RequestID)
		return types.NewError(types.ErrCodeNotFound, "no handler for message type: "+string(env.Type))
	}

	if err := r.safeHandle(ctx, h, env); err != nil {
		r.mu.Lock()
		r.stats.Failed++
		r.mu.Unlock()
		r.logger.Error("Handler failed", "type", env.Type, "request_id", env.RequestID, "error", err)
		return err
	}

	r.mu.Lock()
	r.stats.Dispatched++
	r.mu.Unlock()
	r.logger.Debug("Message handled", "type", env.Type, "request_id", env.RequestID)
	return nil
}

func (r *Router) safeHandle(ctx context.Context, h Handler, env *protocol.Envelope) (err error) {
	defer func() {
		if p := recover(); p != nil {
			r.mu.Lock()
			r.stats.Panics++
			r.mu.Unlock()
			r.logger.Error("Handler panicked", "type", env.Type, "panic", p, "stack", string(debug.Stack()))
			err = types.NewError(types.ErrCodeHandlerFailed, fmt.Sprintf("handler panic: %v", p))
		}
	}()

	if err := h.Handle(ctx, env); err != nil {
		return types.WrapError(types.ErrCodeHandlerFailed, "handler for "+string(env.Type)+" failed", err)
	}
	return nil
}

// Stats returns a copy of the router counters
func (r *Router) Stats() Stats {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.stats
}
