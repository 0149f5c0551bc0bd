// Package bridge wires the hub to every enabled server transport and runs
// them together.
package bridge

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/billm/recbridge/internal/config"
	"github.com/billm/recbridge/internal/logger"
	"github.com/billm/recbridge/pkg/httpapi"
	"github.com/billm/recbridge/pkg/server"
	"github.com/billm/recbridge/pkg/transport/grpcstream"
	"github.com/billm/recbridge/pkg/transport/socket"
	"github.com/billm/recbridge/pkg/types"
)

const (
	// DefaultVersion is the version reported by the CLI
	DefaultVersion = "0.1.0"
)

// GetVersion returns the recbridge version
func GetVersion() string {
	return DefaultVersion
}

// Bridge owns the hub and the enabled listeners
type Bridge struct {
	cfg    config.Config
	hub    *server.Hub
	http   *httpapi.Server
	grpc   *grpcstream.Server
	socket *socket.Listener
	logger *logger.Logger
}

// New builds the hub and every enabled transport. The socket listener is
// opened here so a bad path fails before anything runs.
func New(cfg config.Config, rec server.Recommender, log *logger.Logger) (*Bridge, error) {
	if log == nil {
		log = logger.Global()
	}
	if !cfg.HTTP.Enabled && !cfg.GRPC.Enabled && !cfg.Socket.Enabled {
		return nil, types.NewError(types.ErrCodeInvalidArgument, "no server transport is enabled")
	}

	b := &Bridge{
		cfg:    cfg,
		hub:    server.NewHub(cfg.Server, rec, log),
		logger: log.With("component", "bridge"),
	}

	if cfg.HTTP.Enabled {
		srv, err := httpapi.NewServer(cfg.HTTP, b.hub, log)
		if err != nil {
			return nil, err
		}
		b.http = srv
	}

	if cfg.GRPC.Enabled {
		srv, err := grpcstream.NewServer(cfg.GRPC, b.hub.Handle, log)
		if err != nil {
			return nil, err
		}
		b.grpc = srv
	}

	if cfg.Socket.Enabled {
		lis, err := socket.Listen(cfg.Socket, log)
		if err != nil {
			return nil, err
		}
		b.socket = lis
	}

	return b, nil
}

// Hub returns the hub shared by every transport
func (b *Bridge) Hub() *server.Hub {
	return b.hub
}

// HTTPAddr returns the HTTP listen address, or "" when HTTP is disabled
func (b *Bridge) HTTPAddr() string {
	if b.http == nil {
		return ""
	}
	return b.http.Addr()
}

// GRPCAddr returns the gRPC listen address, or "" when gRPC is disabled or
// not yet started
func (b *Bridge) GRPCAddr() string {
	if b.grpc == nil {
		return ""
	}
	return b.grpc.Addr()
}

// SocketPath returns the Unix socket path, or "" when the socket is disabled
func (b *Bridge) SocketPath() string {
	if b.socket == nil {
		return ""
	}
	return b.socket.Addr()
}

// Run serves every enabled transport until ctx is canceled or one of them
// fails, then shuts all of them down
func (b *Bridge) Run(ctx context.Context) error {
	start := time.Now()
	g, gctx := errgroup.WithContext(ctx)

	if b.grpc != nil {
		if err := b.grpc.Start(gctx); err != nil {
			b.closeSocket()
			return err
		}
		g.Go(func() error {
			<-gctx.Done()
			stopCtx, cancel := context.WithTimeout(context.Background(), b.cfg.Server.ShutdownTimeout)
			defer cancel()
			return b.grpc.Stop(stopCtx)
		})
	}

	if b.http != nil {
		g.Go(func() error {
			return b.http.Run(gctx)
		})
	}

	if b.socket != nil {
		g.Go(func() error {
			return b.hub.AcceptLoop(gctx, b.socket)
		})
		g.Go(func() error {
			<-gctx.Done()
			return b.socket.Close()
		})
	}

	g.Go(func() error {
		<-gctx.Done()
		return b.hub.Close()
	})

	b.logger.Info("Bridge running",
		"http", b.cfg.HTTP.Enabled,
		"grpc", b.cfg.GRPC.Enabled,
		"socket", b.cfg.Socket.Enabled,
		"startup", time.Since(start).String())

	err := g.Wait()
	if err != nil {
		b.logger.Error("Bridge stopped with error", "error", err)
		return err
	}
	b.logger.Info("Bridge stopped")
	return nil
}

func (b *Bridge) closeSocket() {
	if b.socket != nil {
		if err := b.socket.Close(); err != nil {
			b.logger.Warn("Failed to close socket listener", "error", err)
		}
	}
}

// String returns a string representation of the bridge
func (b *Bridge) String() string {
	return fmt.Sprintf("Bridge{HTTP: %t, GRPC: %t, Socket: %t, %s}",
		b.http != nil, b.grpc != nil, b.socket != nil, b.hub)
}
