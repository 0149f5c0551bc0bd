// Package httpapi exposes the server operations as a JSON API and serves
// the WebSocket endpoint.
package httpapi

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/billm/recbridge/internal/config"
	"github.com/billm/recbridge/internal/logger"
	"github.com/billm/recbridge/pkg/server"
	"github.com/billm/recbridge/pkg/transport/ws"
	"github.com/billm/recbridge/pkg/types"
)

// Server is the HTTP API server
type Server struct {
	cfg      config.HTTPConfig
	hub      *server.Hub
	upgrader *ws.Upgrader
	engine   *gin.Engine
	logger   *logger.Logger

	mu       sync.Mutex
	srv      *http.Server
	listener net.Listener
}

// NewServer creates the API server and registers its routes
func NewServer(cfg config.HTTPConfig, hub *server.Hub, log *logger.Logger) (*Server, error) {
	if hub == nil {
		return nil, types.NewError(types.ErrCodeInvalidArgument, "hub cannot be nil")
	}
	if log == nil {
		log = logger.Global()
	}
	if cfg.WebSocketPath == "" {
		cfg.WebSocketPath = config.DefaultWebSocketPath
	}

	gin.SetMode(gin.ReleaseMode)
	s := &Server{
		cfg:      cfg,
		hub:      hub,
		upgrader: ws.NewUpgrader(cfg.MaxMessageSize, log),
		engine:   gin.New(),
		logger:   log.With("component", "http_api"),
	}
	s.engine.Use(gin.Recovery(), s.requestLogger())
	s.routes()
	return s, nil
}

func (s *Server) routes() {
	s.engine.GET("/health", s.handleHealth)
	s.engine.GET(s.cfg.WebSocketPath, s.handleWebSocket)

	api := s.engine.Group("/api")
	api.POST("/analytic_event", s.handleAnalyticEvent)
	api.POST("/get_recommendations", s.handleGetRecommendations)
	api.GET("/state_dump", s.handleStateDump)
	api.GET("/reset", s.handleReset)
}

// Handler returns the HTTP handler
func (s *Server) Handler() http.Handler {
	return s.engine
}

// requestLogger logs each request at debug level
func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.logger.Debug("HTTP request",
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", c.Writer.Status(),
			"duration", time.Since(start).String())
	}
}

// Run listens on the configured address and serves until ctx is canceled,
// then shuts down gracefully
func (s *Server) Run(ctx context.Context) error {
	addr := net.JoinHostPort(s.cfg.Host, fmt.Sprintf("%d", s.cfg.Port))
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return types.WrapError(types.ErrCodeUnavailable, "failed to listen on "+addr, err)
	}
	return s.Serve(ctx, lis)
}

// Serve serves on lis until ctx is canceled
func (s *Server) Serve(ctx context.Context, lis net.Listener) error {
	s.mu.Lock()
	if s.srv != nil {
		s.mu.Unlock()
		lis.Close()
		return types.NewError(types.ErrCodeFailedPrecondition, "http server already started")
	}
	s.srv = &http.Server{
		Handler:      s.engine,
		ReadTimeout:  s.cfg.ReadTimeout,
		WriteTimeout: s.cfg.WriteTimeout,
		BaseContext:  func(net.Listener) context.Context { return ctx },
	}
	s.listener = lis
	srv := s.srv
	s.mu.Unlock()

	s.logger.Info("HTTP API listening", "address", lis.Addr().String(), "websocket_path", s.cfg.WebSocketPath)

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(lis)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return types.WrapError(types.ErrCodeInternal, "http server failed", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		s.logger.Warn("HTTP shutdown incomplete", "error", err)
		return types.WrapError(types.ErrCodeInternal, "http shutdown failed", err)
	}
	s.logger.Info("HTTP API stopped")
	return nil
}

// Addr returns the listening address, or the configured one before Serve
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return net.JoinHostPort(s.cfg.Host, fmt.Sprintf("%d", s.cfg.Port))
}
