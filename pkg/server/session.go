package server

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/billm/recbridge/internal/config"
	"github.com/billm/recbridge/internal/logger"
	"github.com/billm/recbridge/pkg/dispatch"
	"github.com/billm/recbridge/pkg/protocol"
	"github.com/billm/recbridge/pkg/transport"
	"github.com/billm/recbridge/pkg/types"
)

// Session serves the protocol on one connection
type Session struct {
	id          types.ID
	conn        transport.Conn
	state       *State
	recommender Recommender
	cfg         config.ServerConfig
	router      *dispatch.Router
	logger      *logger.Logger
	createdAt   time.Time

	closeOnce sync.Once
}

// NewSession creates a session for conn. Handlers for the client message
// types are registered on the session's router.
func NewSession(conn transport.Conn, state *State, rec Recommender, cfg config.ServerConfig, log *logger.Logger) (*Session, error) {
	if conn == nil {
		return nil, types.NewError(types.ErrCodeInvalidArgument, "connection cannot be nil")
	}
	if state == nil {
		return nil, types.NewError(types.ErrCodeInvalidArgument, "state cannot be nil")
	}
	if rec == nil {
		rec = NewStaticRecommender(config.DefaultRecommendations)
	}
	if cfg.SaveStateEvery <= 0 {
		cfg.SaveStateEvery = config.DefaultSaveStateEvery
	}
	if log == nil {
		log = logger.Global()
	}

	id := types.GenerateID()
	s := &Session{
		id:          id,
		conn:        conn,
		state:       state,
		recommender: rec,
		cfg:         cfg,
		logger:      log.With("component", "session", "session_id", id, "remote", conn.RemoteAddr()),
		createdAt:   time.Now(),
	}

	s.router = dispatch.NewRouter(s.logger)
	if err := s.router.HandleFunc(protocol.TypeAnalyticEvent, s.handleAnalyticEvent); err != nil {
		return nil, err
	}
	if err := s.router.HandleFunc(protocol.TypeGetRecommendations, s.handleGetRecommendations); err != nil {
		return nil, err
	}
	return s, nil
}

// ID returns the session ID
func (s *Session) ID() types.ID {
	return s.id
}

// Serve reads and dispatches messages until the connection ends or ctx is
// canceled. A clean close returns nil.
func (s *Session) Serve(ctx context.Context) error {
	s.logger.Info("Session started")
	defer func() {
		s.logger.Info("Session ended", "duration", time.Since(s.createdAt).String())
	}()

	for {
		env, err := s.conn.ReadMessage(ctx)
		if err != nil {
			if transport.IsRecoverable(err) {
				s.logger.Warn("Ignoring malformed message", "error", err)
				continue
			}
			if ctx.Err() != nil || transport.IsClosedError(err) {
				return nil
			}
			return err
		}
		// Errors are logged by the router
		_ = s.router.Dispatch(ctx, env)
	}
}

// PushState sends the current state to the client as a save_state push
func (s *Session) PushState(ctx context.Context) error {
	data := s.state.Snapshot()
	env, err := (&protocol.ServerMessage{SaveState: &protocol.SaveStateRequest{Data: data}}).ToEnvelope()
	if err != nil {
		return err
	}
	if err := s.conn.WriteMessage(ctx, env); err != nil {
		return err
	}
	s.logger.Debug("Pushed save_state", "analytics_count", data.AnalyticsCount)
	return nil
}

// Close closes the session's connection
func (s *Session) Close() error {
	var err error
	s.closeOnce.Do(func() {
		err = s.conn.Close()
	})
	return err
}

// Stats returns the session's dispatch counters
func (s *Session) Stats() dispatch.Stats {
	return s.router.Stats()
}

// String returns a string representation of the session
func (s *Session) String() string {
	return fmt.Sprintf("Session{ID: %s, Remote: %s}", s.id, s.conn.RemoteAddr())
}

func (s *Session) handleAnalyticEvent(ctx context.Context, env *protocol.Envelope) error {
	var ev protocol.AnalyticEvent
	if err := env.Decode(&ev); err != nil {
		return err
	}

	count := s.state.RecordEvent(ev)
	s.logger.Debug("Analytic event recorded", "action", ev.Action, "target", ev.Target, "analytics_count", count)

	if count%s.cfg.SaveStateEvery == 0 {
		return s.PushState(ctx)
	}
	return nil
}

func (s *Session) handleGetRecommendations(ctx context.Context, env *protocol.Envelope) error {
	var req protocol.GetRecommendationsRequest
	if err := env.Decode(&req); err != nil {
		return err
	}
	requestID := env.RequestID
	if requestID == "" {
		requestID = req.RequestID
	}

	recs, err := s.recommender.Recommend(ctx, req.UserID)
	if err != nil {
		return types.WrapError(types.ErrCodeInternal, "recommender failed", err)
	}

	resp, err := protocol.NewEnvelope(protocol.TypeRecommendationsResponse, requestID, protocol.RecommendationsResponse{
		UserID:          req.UserID,
		Recommendations: recs,
	})
	if err != nil {
		return err
	}
	if err := s.conn.WriteMessage(ctx, resp); err != nil {
		return err
	}
	s.logger.Debug("Recommendations sent", "user_id", req.UserID, "request_id", requestID, "count", len(recs))

	s.state.SetPreference(req.UserID, PreferenceLastRecommended)
	return s.PushState(ctx)
}
