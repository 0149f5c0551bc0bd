package grpcstream

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"sync"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/metadata"

	"github.com/billm/recbridge/internal/config"
	"github.com/billm/recbridge/internal/logger"
	"github.com/billm/recbridge/pkg/transport"
	"github.com/billm/recbridge/pkg/types"
)

// StreamHandler serves one accepted connection and returns when it ends
type StreamHandler func(ctx context.Context, conn transport.Conn)

// ServerStats represents server statistics
type ServerStats struct {
	StartTime     time.Time `json:"start_time"`
	ActiveStreams int       `json:"active_streams"`
	TotalStreams  int64     `json:"total_streams"`
	IsServing     bool      `json:"is_serving"`
}

// Server exposes EventStream on TCP or a Unix socket
type Server struct {
	cfg      config.GRPCConfig
	server   *grpc.Server
	health   *HealthServer
	auth     *AuthInterceptor
	handler  StreamHandler
	logger   *logger.Logger
	mu       sync.RWMutex
	listener net.Listener
	started  bool
	closed   bool
	wg       sync.WaitGroup
	stats    ServerStats
}

// NewServer creates a gRPC server that hands every EventStream call to handler
func NewServer(cfg config.GRPCConfig, handler StreamHandler, log *logger.Logger, extra ...grpc.ServerOption) (*Server, error) {
	if handler == nil {
		return nil, types.NewError(types.ErrCodeInvalidArgument, "stream handler cannot be nil")
	}
	if log == nil {
		var err error
		log, err = logger.NewDefault()
		if err != nil {
			return nil, types.WrapError(types.ErrCodeInternal, "failed to create default logger", err)
		}
	}

	if cfg.MaxRecvMsgSize <= 0 {
		cfg.MaxRecvMsgSize = config.DefaultGRPCConfig().MaxRecvMsgSize
	}
	if cfg.MaxSendMsgSize <= 0 {
		cfg.MaxSendMsgSize = config.DefaultGRPCConfig().MaxSendMsgSize
	}

	s := &Server{
		cfg:     cfg,
		handler: handler,
		logger:  log.With("component", "grpc_server", "address", cfg.Address),
	}

	health, err := NewHealthServer(log)
	if err != nil {
		return nil, err
	}
	s.health = health
	s.auth = NewAuthInterceptor(cfg.AuthTokens, log)

	opts := []grpc.ServerOption{
		grpc.MaxRecvMsgSize(cfg.MaxRecvMsgSize),
		grpc.MaxSendMsgSize(cfg.MaxSendMsgSize),
		grpc.Creds(insecure.NewCredentials()),
		grpc.ChainStreamInterceptor(
			StreamLoggingInterceptor(log),
			s.auth.Stream(),
		),
	}
	opts = append(opts, extra...)

	s.server = grpc.NewServer(opts...)
	s.server.RegisterService(&EventServiceDesc, s)
	grpc_health_v1.RegisterHealthServer(s.server, s.health)
	s.health.SetServing(ServiceName)

	s.logger.Info("gRPC server initialized",
		"network", cfg.Network,
		"max_recv_msg_size", cfg.MaxRecvMsgSize,
		"max_send_msg_size", cfg.MaxSendMsgSize,
		"auth_enabled", s.auth.Enabled())

	return s, nil
}

// Start listens on the configured network and address and serves in the background
func (s *Server) Start(ctx context.Context) error {
	network := s.cfg.Network
	if network == "" {
		network = config.DefaultGRPCNetwork
	}

	if network == "unix" {
		if err := removeStaleSocket(s.cfg.Address); err != nil {
			return err
		}
	}

	var lc net.ListenConfig
	lis, err := lc.Listen(ctx, network, s.cfg.Address)
	if err != nil {
		return types.WrapError(types.ErrCodeUnavailable, "failed to listen for grpc", err)
	}
	return s.Serve(lis)
}

// removeStaleSocket removes a leftover socket or regular file, refusing anything else
func removeStaleSocket(path string) error {
	fi, err := os.Lstat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return types.WrapError(types.ErrCodeInternal, "failed to stat existing path at socket path", err)
	}
	mode := fi.Mode()
	if mode&os.ModeSocket == 0 && !mode.IsRegular() {
		return types.NewError(types.ErrCodeInternal,
			fmt.Sprintf("existing path at socket path is of unsafe type %v; refusing to remove", mode))
	}
	if err := os.Remove(path); err != nil {
		return types.WrapError(types.ErrCodeInternal, "failed to remove existing file at socket path", err)
	}
	return nil
}

// Serve serves on lis in the background. Tests pass a bufconn listener.
func (s *Server) Serve(lis net.Listener) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		lis.Close()
		return types.NewError(types.ErrCodeUnavailable, "server is closed")
	}
	if s.started {
		s.mu.Unlock()
		lis.Close()
		return types.NewError(types.ErrCodeFailedPrecondition, "server already started")
	}
	s.started = true
	s.listener = lis
	s.stats.StartTime = time.Now()
	s.stats.IsServing = true
	s.mu.Unlock()

	s.logger.Info("gRPC server listening", "addr", lis.Addr().String())

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.server.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			s.mu.RLock()
			closed := s.closed
			s.mu.RUnlock()
			if !closed {
				s.logger.Error("gRPC server error", "error", err)
			}
		}
	}()
	return nil
}

// EventStream implements EventServiceServer
func (s *Server) EventStream(stream EventStreamServer) error {
	// Headers go out immediately so the client's handshake completes
	if err := stream.SendHeader(metadata.MD{}); err != nil {
		return err
	}

	s.mu.Lock()
	s.stats.ActiveStreams++
	s.stats.TotalStreams++
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.stats.ActiveStreams--
		s.mu.Unlock()
	}()

	conn := newServerConn(stream)
	done := make(chan struct{})
	go func() {
		defer close(done)
		s.handler(stream.Context(), conn)
	}()

	select {
	case <-done:
	case <-conn.closed:
	}
	return nil
}

// Stop drains streams until ctx is done, then stops hard
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.stats.IsServing = false
	s.mu.Unlock()

	s.logger.Info("Stopping gRPC server")
	s.health.Shutdown()

	done := make(chan struct{})
	go func() {
		s.server.GracefulStop()
		close(done)
	}()

	select {
	case <-done:
		s.logger.Info("gRPC server stopped gracefully")
	case <-ctx.Done():
		s.logger.Warn("gRPC server shutdown timeout, stopping immediately")
		s.server.Stop()
		<-done
	}

	s.wg.Wait()

	if s.cfg.Network == "unix" && s.cfg.Address != "" {
		if err := os.Remove(s.cfg.Address); err != nil && !os.IsNotExist(err) {
			s.logger.Warn("Failed to remove socket file", "path", s.cfg.Address, "error", err)
		}
	}
	return nil
}

// Addr returns the listening address, or "" before Start
func (s *Server) Addr() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Health returns the health service registered on this server
func (s *Server) Health() *HealthServer {
	return s.health
}

// Stats returns the current server statistics
func (s *Server) Stats() ServerStats {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.stats
}

// String returns a string representation of the server
func (s *Server) String() string {
	stats := s.Stats()
	return fmt.Sprintf("GRPCServer{Address: %s, IsServing: %v, ActiveStreams: %d}",
		s.cfg.Address, stats.IsServing, stats.ActiveStreams)
}
