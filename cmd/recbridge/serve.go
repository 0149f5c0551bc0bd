package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/billm/recbridge/pkg/bridge"
)

func newServeCmd() *cobra.Command {
	var (
		httpHost     string
		httpPort     int
		grpcNetwork  string
		grpcAddress  string
		socketPath   string
		enableHTTP   bool
		enableGRPC   bool
		enableSocket bool
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP/WebSocket, gRPC and Unix socket servers",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return fmt.Errorf("failed to load configuration: %w", err)
			}

			// Flags override the file and environment
			flags := cmd.Flags()
			if flags.Changed("http") {
				cfg.HTTP.Enabled = enableHTTP
			}
			if flags.Changed("http-host") {
				cfg.HTTP.Host = httpHost
			}
			if flags.Changed("http-port") {
				cfg.HTTP.Port = httpPort
			}
			if flags.Changed("grpc") {
				cfg.GRPC.Enabled = enableGRPC
			}
			if flags.Changed("grpc-network") {
				cfg.GRPC.Network = grpcNetwork
			}
			if flags.Changed("grpc-address") {
				cfg.GRPC.Address = grpcAddress
			}
			if flags.Changed("socket") {
				cfg.Socket.Enabled = enableSocket
			}
			if flags.Changed("socket-path") {
				cfg.Socket.Path = socketPath
			}

			if err := cfg.Validate(); err != nil {
				return fmt.Errorf("invalid configuration: %w", err)
			}

			rootLog.Info("Starting recbridge server",
				"version", bridge.GetVersion(),
				"http", cfg.HTTP.String(),
				"grpc", cfg.GRPC.String(),
				"socket", cfg.Socket.String())

			b, err := bridge.New(*cfg, nil, rootLog)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			rootLog.Info("recbridge is running. Press Ctrl+C to stop.")
			if err := b.Run(ctx); err != nil {
				return err
			}
			rootLog.Info("recbridge shutdown complete")
			return nil
		},
	}

	cmd.Flags().BoolVar(&enableHTTP, "http", true, "Serve the HTTP API and WebSocket endpoint")
	cmd.Flags().StringVar(&httpHost, "http-host", "", "HTTP listen host (default: from config)")
	cmd.Flags().IntVar(&httpPort, "http-port", 0, "HTTP listen port (default: from config)")
	cmd.Flags().BoolVar(&enableGRPC, "grpc", true, "Serve the gRPC event stream")
	cmd.Flags().StringVar(&grpcNetwork, "grpc-network", "", "gRPC network: tcp or unix (default: from config)")
	cmd.Flags().StringVar(&grpcAddress, "grpc-address", "", "gRPC listen address or socket path (default: from config)")
	cmd.Flags().BoolVar(&enableSocket, "socket", true, "Serve the framed Unix socket transport")
	cmd.Flags().StringVar(&socketPath, "socket-path", "", "Unix socket path (default: from config)")
	return cmd
}
