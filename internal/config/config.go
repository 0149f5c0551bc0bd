package config

import (
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/billm/recbridge/pkg/types"
)

// Config represents the complete configuration for recbridge
type Config struct {
	Logging LoggingConfig `json:"logging" yaml:"logging"`
	Server  ServerConfig  `json:"server" yaml:"server"`
	Client  ClientConfig  `json:"client" yaml:"client"`
	HTTP    HTTPConfig    `json:"http" yaml:"http"`
	GRPC    GRPCConfig    `json:"grpc" yaml:"grpc"`
	Socket  SocketConfig  `json:"socket" yaml:"socket"`
}

// LoggingConfig contains logging configuration
type LoggingConfig struct {
	Level  string `json:"level" yaml:"level"`   // debug, info, warn, error
	Format string `json:"format" yaml:"format"` // json, text
	Output string `json:"output" yaml:"output"` // stdout, stderr, file path
}

// ServerConfig contains the server-side session configuration
type ServerConfig struct {
	SaveStateEvery  int           `json:"save_state_every" yaml:"save_state_every"` // push save_state every N analytic events
	HistoryLimit    int           `json:"history_limit" yaml:"history_limit"`
	RecentAnalytics int           `json:"recent_analytics" yaml:"recent_analytics"` // events included in a state dump
	Recommendations []string      `json:"recommendations" yaml:"recommendations"`
	ShutdownTimeout time.Duration `json:"shutdown_timeout" yaml:"shutdown_timeout"`
}

// ClientConfig contains client configuration
type ClientConfig struct {
	Transport       string        `json:"transport" yaml:"transport"` // websocket, grpc, socket
	Address         string        `json:"address" yaml:"address"`     // empty means derive from the server sections
	RequestTimeout  time.Duration `json:"request_timeout" yaml:"request_timeout"`
	DialTimeout     time.Duration `json:"dial_timeout" yaml:"dial_timeout"`
	NotifyQueueSize int           `json:"notify_queue_size" yaml:"notify_queue_size"`
	AuthToken       string        `json:"auth_token,omitempty" yaml:"auth_token,omitempty"`
}

// HTTPConfig contains the HTTP API and WebSocket endpoint configuration
type HTTPConfig struct {
	Enabled       bool          `json:"enabled" yaml:"enabled"`
	Host          string        `json:"host" yaml:"host"`
	Port          int           `json:"port" yaml:"port"`
	ReadTimeout   time.Duration `json:"read_timeout" yaml:"read_timeout"`
	WriteTimeout  time.Duration `json:"write_timeout" yaml:"write_timeout"`
	WebSocketPath string        `json:"websocket_path" yaml:"websocket_path"`
	// MaxMessageSize caps one inbound WebSocket message, in bytes
	MaxMessageSize int `json:"max_message_size" yaml:"max_message_size"`
}

// GRPCConfig contains gRPC server configuration
type GRPCConfig struct {
	Enabled        bool     `json:"enabled" yaml:"enabled"`
	Network        string   `json:"network" yaml:"network"` // tcp, unix
	Address        string   `json:"address" yaml:"address"`
	MaxRecvMsgSize int      `json:"max_recv_msg_size" yaml:"max_recv_msg_size"` // bytes
	MaxSendMsgSize int      `json:"max_send_msg_size" yaml:"max_send_msg_size"` // bytes
	AuthTokens     []string `json:"auth_tokens,omitempty" yaml:"auth_tokens,omitempty"`
}

// SocketConfig contains Unix domain socket configuration
type SocketConfig struct {
	Enabled        bool   `json:"enabled" yaml:"enabled"`
	Path           string `json:"path" yaml:"path"`
	MaxFrameSize   int    `json:"max_frame_size" yaml:"max_frame_size"` // bytes
	MaxConnections int    `json:"max_connections" yaml:"max_connections"`
}

// applyDefaults fills in zero-valued config fields with their defaults.
// Enabled flags are not touched here: LoadFromFile decodes on top of
// DefaultConfig, so an omitted section keeps its default.
func applyDefaults(cfg *Config) {
	defaultLogging := DefaultLoggingConfig()
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = defaultLogging.Level
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = defaultLogging.Format
	}
	if cfg.Logging.Output == "" {
		cfg.Logging.Output = defaultLogging.Output
	}

	defaultServer := DefaultServerConfig()
	if cfg.Server.SaveStateEvery == 0 {
		cfg.Server.SaveStateEvery = defaultServer.SaveStateEvery
	}
	if cfg.Server.HistoryLimit == 0 {
		cfg.Server.HistoryLimit = defaultServer.HistoryLimit
	}
	if cfg.Server.RecentAnalytics == 0 {
		cfg.Server.RecentAnalytics = defaultServer.RecentAnalytics
	}
	if len(cfg.Server.Recommendations) == 0 {
		cfg.Server.Recommendations = defaultServer.Recommendations
	}
	if cfg.Server.ShutdownTimeout == 0 {
		cfg.Server.ShutdownTimeout = defaultServer.ShutdownTimeout
	}

	defaultClient := DefaultClientConfig()
	if cfg.Client.Transport == "" {
		cfg.Client.Transport = defaultClient.Transport
	}
	if cfg.Client.RequestTimeout == 0 {
		cfg.Client.RequestTimeout = defaultClient.RequestTimeout
	}
	if cfg.Client.DialTimeout == 0 {
		cfg.Client.DialTimeout = defaultClient.DialTimeout
	}
	if cfg.Client.NotifyQueueSize == 0 {
		cfg.Client.NotifyQueueSize = defaultClient.NotifyQueueSize
	}

	defaultHTTP := DefaultHTTPConfig()
	if cfg.HTTP.Host == "" {
		cfg.HTTP.Host = defaultHTTP.Host
	}
	if cfg.HTTP.Port == 0 {
		cfg.HTTP.Port = defaultHTTP.Port
	}
	if cfg.HTTP.ReadTimeout == 0 {
		cfg.HTTP.ReadTimeout = defaultHTTP.ReadTimeout
	}
	if cfg.HTTP.WriteTimeout == 0 {
		cfg.HTTP.WriteTimeout = defaultHTTP.WriteTimeout
	}
	if cfg.HTTP.WebSocketPath == "" {
		cfg.HTTP.WebSocketPath = defaultHTTP.WebSocketPath
	}
	if cfg.HTTP.MaxMessageSize == 0 {
		cfg.HTTP.MaxMessageSize = defaultHTTP.MaxMessageSize
	}

	defaultGRPC := DefaultGRPCConfig()
	if cfg.GRPC.Network == "" {
		cfg.GRPC.Network = defaultGRPC.Network
	}
	if cfg.GRPC.Address == "" {
		cfg.GRPC.Address = defaultGRPC.Address
	}
	if cfg.GRPC.MaxRecvMsgSize == 0 {
		cfg.GRPC.MaxRecvMsgSize = defaultGRPC.MaxRecvMsgSize
	}
	if cfg.GRPC.MaxSendMsgSize == 0 {
		cfg.GRPC.MaxSendMsgSize = defaultGRPC.MaxSendMsgSize
	}

	defaultSocket := DefaultSocketConfig()
	if cfg.Socket.Path == "" {
		cfg.Socket.Path = defaultSocket.Path
	}
	if cfg.Socket.MaxFrameSize == 0 {
		cfg.Socket.MaxFrameSize = defaultSocket.MaxFrameSize
	}
	if cfg.Socket.MaxConnections == 0 {
		cfg.Socket.MaxConnections = defaultSocket.MaxConnections
	}
}

func parseBool(v string) bool {
	return strings.ToLower(v) == "true" || v == "1"
}

// applyEnvOverrides applies environment variable overrides to the configuration
func applyEnvOverrides(cfg *Config) error {
	// Logging
	if v := os.Getenv(EnvLogLevel); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv(EnvLogFormat); v != "" {
		cfg.Logging.Format = v
	}
	if v := os.Getenv(EnvLogOutput); v != "" {
		cfg.Logging.Output = v
	}

	// Server
	if v := os.Getenv(EnvSaveStateEvery); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return types.WrapError(types.ErrCodeInvalidArgument, "invalid "+EnvSaveStateEvery, err)
		}
		cfg.Server.SaveStateEvery = n
	}
	if v := os.Getenv(EnvShutdownTimeout); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return types.WrapError(types.ErrCodeInvalidArgument, "invalid "+EnvShutdownTimeout, err)
		}
		cfg.Server.ShutdownTimeout = d
	}

	// Client
	if v := os.Getenv(EnvClientTransport); v != "" {
		cfg.Client.Transport = v
	}
	if v := os.Getenv(EnvClientAddress); v != "" {
		cfg.Client.Address = v
	}
	if v := os.Getenv(EnvClientTimeout); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return types.WrapError(types.ErrCodeInvalidArgument, "invalid "+EnvClientTimeout, err)
		}
		cfg.Client.RequestTimeout = d
	}
	if v := os.Getenv(EnvClientAuthToken); v != "" {
		cfg.Client.AuthToken = v
	}

	// HTTP
	if v := os.Getenv(EnvHTTPHost); v != "" {
		cfg.HTTP.Host = v
	}
	if v := os.Getenv(EnvHTTPPort); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return types.WrapError(types.ErrCodeInvalidArgument, "invalid "+EnvHTTPPort, err)
		}
		cfg.HTTP.Port = port
	}
	if v := os.Getenv(EnvHTTPEnabled); v != "" {
		cfg.HTTP.Enabled = parseBool(v)
	}

	// gRPC
	if v := os.Getenv(EnvGRPCNetwork); v != "" {
		cfg.GRPC.Network = v
	}
	if v := os.Getenv(EnvGRPCAddress); v != "" {
		cfg.GRPC.Address = v
	}
	if v := os.Getenv(EnvGRPCEnabled); v != "" {
		cfg.GRPC.Enabled = parseBool(v)
	}
	if v := os.Getenv(EnvGRPCAuthToken); v != "" {
		cfg.GRPC.AuthTokens = append(cfg.GRPC.AuthTokens, v)
	}

	// Socket
	if v := os.Getenv(EnvSocketPath); v != "" {
		cfg.Socket.Path = v
	}
	if v := os.Getenv(EnvSocketEnabled); v != "" {
		cfg.Socket.Enabled = parseBool(v)
	}
	if v := os.Getenv(EnvSocketMaxFrameSize); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return types.WrapError(types.ErrCodeInvalidArgument, "invalid "+EnvSocketMaxFrameSize, err)
		}
		cfg.Socket.MaxFrameSize = n
	}

	return nil
}

// Load creates a new Config from the default config file (when present),
// then applies environment variable overrides
func Load() (*Config, error) {
	var cfg *Config

	configPath, err := GetDefaultConfigPath()
	if err == nil {
		if _, err := os.Stat(configPath); err == nil {
			cfg, err = LoadFromFile(configPath)
			if err != nil {
				return nil, err
			}
		} else if !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to check config file: %w", err)
		}
	}

	if cfg == nil {
		cfg = DefaultConfig()
	}

	if err := applyEnvOverrides(cfg); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks the configuration for validity
func (c *Config) Validate() error {
	switch c.Logging.Level {
	case "debug", "info", "warn", "warning", "error":
	default:
		return types.NewError(types.ErrCodeInvalidArgument, fmt.Sprintf("invalid log level: %s", c.Logging.Level))
	}
	if c.Logging.Format != "json" && c.Logging.Format != "text" {
		return types.NewError(types.ErrCodeInvalidArgument, fmt.Sprintf("invalid log format: %s", c.Logging.Format))
	}

	if c.Server.SaveStateEvery <= 0 {
		return types.NewError(types.ErrCodeInvalidArgument, "server save_state_every must be positive")
	}
	if c.Server.HistoryLimit <= 0 {
		return types.NewError(types.ErrCodeInvalidArgument, "server history_limit must be positive")
	}
	if c.Server.RecentAnalytics < 0 {
		return types.NewError(types.ErrCodeInvalidArgument, "server recent_analytics cannot be negative")
	}
	if c.Server.ShutdownTimeout <= 0 {
		return types.NewError(types.ErrCodeInvalidArgument, "server shutdown_timeout must be positive")
	}

	switch c.Client.Transport {
	case "websocket", "grpc", "socket":
	default:
		return types.NewError(types.ErrCodeInvalidArgument, fmt.Sprintf("invalid client transport: %s (must be websocket, grpc or socket)", c.Client.Transport))
	}
	if c.Client.RequestTimeout <= 0 {
		return types.NewError(types.ErrCodeInvalidArgument, "client request_timeout must be positive")
	}
	if c.Client.DialTimeout <= 0 {
		return types.NewError(types.ErrCodeInvalidArgument, "client dial_timeout must be positive")
	}
	if c.Client.NotifyQueueSize <= 0 {
		return types.NewError(types.ErrCodeInvalidArgument, "client notify_queue_size must be positive")
	}

	if c.HTTP.Enabled {
		if c.HTTP.Port <= 0 || c.HTTP.Port > 65535 {
			return types.NewError(types.ErrCodeInvalidArgument, fmt.Sprintf("invalid http port: %d", c.HTTP.Port))
		}
		if !strings.HasPrefix(c.HTTP.WebSocketPath, "/") {
			return types.NewError(types.ErrCodeInvalidArgument, "http websocket_path must start with /")
		}
		if c.HTTP.MaxMessageSize <= 0 {
			return types.NewError(types.ErrCodeInvalidArgument, "http max_message_size must be positive")
		}
	}

	if c.GRPC.Enabled {
		if c.GRPC.Network != "tcp" && c.GRPC.Network != "unix" {
			return types.NewError(types.ErrCodeInvalidArgument, fmt.Sprintf("invalid grpc network: %s (must be tcp or unix)", c.GRPC.Network))
		}
		if c.GRPC.Address == "" {
			return types.NewError(types.ErrCodeInvalidArgument, "grpc address cannot be empty")
		}
	}

	if c.Socket.Enabled {
		if c.Socket.Path == "" {
			return types.NewError(types.ErrCodeInvalidArgument, "socket path cannot be empty")
		}
		if c.Socket.MaxFrameSize <= 0 {
			return types.NewError(types.ErrCodeInvalidArgument, "socket max_frame_size must be positive")
		}
	}

	return nil
}

// HTTPAddress returns the host:port the HTTP server listens on
func (c *Config) HTTPAddress() string {
	return net.JoinHostPort(c.HTTP.Host, strconv.Itoa(c.HTTP.Port))
}

// ClientAddress resolves the address the client should dial for its transport
func (c *Config) ClientAddress() string {
	if c.Client.Address != "" {
		return c.Client.Address
	}
	switch c.Client.Transport {
	case "grpc":
		if c.GRPC.Network == "unix" {
			return "unix://" + c.GRPC.Address
		}
		return c.GRPC.Address
	case "socket":
		return c.Socket.Path
	default:
		return "ws://" + c.HTTPAddress() + c.HTTP.WebSocketPath
	}
}

// String returns a string representation of the config
func (c *Config) String() string {
	return fmt.Sprintf("Config{Logging: %s, Server: %s, Client: %s, HTTP: %s, GRPC: %s, Socket: %s}",
		c.Logging, c.Server, c.Client, c.HTTP, c.GRPC, c.Socket)
}

func (c LoggingConfig) String() string {
	return fmt.Sprintf("LoggingConfig{Level: %s, Format: %s, Output: %s}", c.Level, c.Format, c.Output)
}

func (c ServerConfig) String() string {
	return fmt.Sprintf("ServerConfig{SaveStateEvery: %d, HistoryLimit: %d, Recommendations: %d}",
		c.SaveStateEvery, c.HistoryLimit, len(c.Recommendations))
}

func (c ClientConfig) String() string {
	return fmt.Sprintf("ClientConfig{Transport: %s, Address: %s, RequestTimeout: %s}",
		c.Transport, c.Address, c.RequestTimeout)
}

func (c HTTPConfig) String() string {
	return fmt.Sprintf("HTTPConfig{Enabled: %v, Host: %s, Port: %d, WebSocketPath: %s}",
		c.Enabled, c.Host, c.Port, c.WebSocketPath)
}

func (c GRPCConfig) String() string {
	return fmt.Sprintf("GRPCConfig{Enabled: %v, Network: %s, Address: %s, AuthTokens: %d}",
		c.Enabled, c.Network, c.Address, len(c.AuthTokens))
}

func (c SocketConfig) String() string {
	return fmt.Sprintf("SocketConfig{Enabled: %v, Path: %s, MaxFrameSize: %d}", c.Enabled, c.Path, c.MaxFrameSize)
}
