package server

import (
	"context"
	"fmt"
	"sync"

	"github.com/billm/recbridge/internal/config"
	"github.com/billm/recbridge/internal/logger"
	"github.com/billm/recbridge/pkg/transport"
	"github.com/billm/recbridge/pkg/types"
)

// Hub tracks the live sessions of every transport and owns the shared state
type Hub struct {
	mu          sync.RWMutex
	sessions    map[types.ID]*Session
	state       *State
	recommender Recommender
	cfg         config.ServerConfig
	logger      *logger.Logger
	closed      bool
	wg          sync.WaitGroup
}

// NewHub creates a hub. A nil recommender serves cfg.Recommendations.
func NewHub(cfg config.ServerConfig, rec Recommender, log *logger.Logger) *Hub {
	if log == nil {
		log = logger.Global()
	}
	if rec == nil {
		items := cfg.Recommendations
		if len(items) == 0 {
			items = config.DefaultRecommendations
		}
		rec = NewStaticRecommender(items)
	}
	h := &Hub{
		sessions:    make(map[types.ID]*Session),
		state:       NewState(cfg.HistoryLimit),
		recommender: rec,
		cfg:         cfg,
		logger:      log.With("component", "hub"),
	}
	h.logger.Info("Hub initialized",
		"save_state_every", cfg.SaveStateEvery,
		"history_limit", cfg.HistoryLimit)
	return h
}

// State returns the shared state
func (h *Hub) State() *State {
	return h.state
}

// Recommender returns the hub's recommender
func (h *Hub) Recommender() Recommender {
	return h.recommender
}

// Dump returns the shared state with the configured number of recent events
func (h *Hub) Dump() StateDump {
	return h.state.Dump(h.cfg.RecentAnalytics)
}

// Recommend returns recommendations for userID and records that the user
// was recommended to
func (h *Hub) Recommend(ctx context.Context, userID string) ([]string, error) {
	recs, err := h.recommender.Recommend(ctx, userID)
	if err != nil {
		return nil, types.WrapError(types.ErrCodeInternal, "recommender failed", err)
	}
	h.state.SetPreference(userID, PreferenceLastRecommended)
	return recs, nil
}

// Serve runs a session on conn until it ends. The connection is closed
// when Serve returns.
func (h *Hub) Serve(ctx context.Context, conn transport.Conn) error {
	if conn == nil {
		return types.NewError(types.ErrCodeInvalidArgument, "connection cannot be nil")
	}
	sess, err := NewSession(conn, h.state, h.recommender, h.cfg, h.logger)
	if err != nil {
		conn.Close()
		return err
	}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		conn.Close()
		return types.NewError(types.ErrCodeUnavailable, "hub is closed")
	}
	h.sessions[sess.ID()] = sess
	h.wg.Add(1)
	h.mu.Unlock()

	defer func() {
		h.mu.Lock()
		delete(h.sessions, sess.ID())
		h.mu.Unlock()
		sess.Close()
		h.wg.Done()
	}()

	err = sess.Serve(ctx)
	if err != nil {
		h.logger.Warn("Session failed", "session_id", sess.ID(), "error", err)
	}
	return err
}

// Handle serves conn and discards the result, for transports that take a
// plain connection handler
func (h *Hub) Handle(ctx context.Context, conn transport.Conn) {
	_ = h.Serve(ctx, conn)
}

// AcceptLoop serves every connection accepted from l until ctx is canceled
// or the listener is closed
func (h *Hub) AcceptLoop(ctx context.Context, l transport.Listener) error {
	log := h.logger.With("listener", l.Addr())
	log.Info("Accepting connections")

	for {
		conn, err := l.Accept(ctx)
		if err != nil {
			if ctx.Err() != nil || transport.IsClosedError(err) {
				log.Info("Stopped accepting connections")
				return nil
			}
			return err
		}
		go h.Handle(ctx, conn)
	}
}

// Count returns the number of live sessions
func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.sessions)
}

// Sessions returns the IDs of the live sessions
func (h *Hub) Sessions() []types.ID {
	h.mu.RLock()
	defer h.mu.RUnlock()
	ids := make([]types.ID, 0, len(h.sessions))
	for id := range h.sessions {
		ids = append(ids, id)
	}
	return ids
}

// Close closes every live session and waits for them to finish
func (h *Hub) Close() error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil
	}
	h.closed = true
	sessions := make([]*Session, 0, len(h.sessions))
	for _, s := range h.sessions {
		sessions = append(sessions, s)
	}
	h.mu.Unlock()

	for _, s := range sessions {
		if err := s.Close(); err != nil {
			h.logger.Warn("Failed to close session", "session_id", s.ID(), "error", err)
		}
	}
	h.wg.Wait()
	h.logger.Info("Hub closed", "sessions_closed", len(sessions))
	return nil
}

// String returns a string representation of the hub
func (h *Hub) String() string {
	return fmt.Sprintf("Hub{Sessions: %d, %s}", h.Count(), h.state)
}
