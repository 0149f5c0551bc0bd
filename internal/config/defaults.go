package config

import (
	"os"
	"path/filepath"
	"time"
)

// testConfigPath is an override for the default config path used in testing
// If set, GetDefaultConfigPath will return this value instead of the standard path
var testConfigPath string

// SetTestConfigPath sets a custom config path for testing purposes
// This should only be called from tests
func SetTestConfigPath(path string) {
	testConfigPath = path
}

// GetConfigDir returns the recbridge configuration directory
// Uses ~/.config/recbridge/ on Unix systems
func GetConfigDir() (string, error) {
	configDir, err := os.UserConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(configDir, "recbridge"), nil
}

// GetDefaultConfigPath returns the default config file path
func GetDefaultConfigPath() (string, error) {
	if testConfigPath != "" {
		return testConfigPath, nil
	}

	configDir, err := GetConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(configDir, "config.yaml"), nil
}

const (
	// Environment variable names
	EnvLogLevel           = "RECBRIDGE_LOG_LEVEL"
	EnvLogFormat          = "RECBRIDGE_LOG_FORMAT"
	EnvLogOutput          = "RECBRIDGE_LOG_OUTPUT"
	EnvSaveStateEvery     = "RECBRIDGE_SAVE_STATE_EVERY"
	EnvShutdownTimeout    = "RECBRIDGE_SHUTDOWN_TIMEOUT"
	EnvClientTransport    = "RECBRIDGE_CLIENT_TRANSPORT"
	EnvClientAddress      = "RECBRIDGE_CLIENT_ADDRESS"
	EnvClientTimeout      = "RECBRIDGE_REQUEST_TIMEOUT"
	EnvClientAuthToken    = "RECBRIDGE_AUTH_TOKEN"
	EnvHTTPHost           = "RECBRIDGE_HTTP_HOST"
	EnvHTTPPort           = "RECBRIDGE_HTTP_PORT"
	EnvHTTPEnabled        = "RECBRIDGE_HTTP_ENABLED"
	EnvGRPCNetwork        = "RECBRIDGE_GRPC_NETWORK"
	EnvGRPCAddress        = "RECBRIDGE_GRPC_ADDRESS"
	EnvGRPCEnabled        = "RECBRIDGE_GRPC_ENABLED"
	EnvGRPCAuthToken      = "RECBRIDGE_GRPC_AUTH_TOKEN"
	EnvSocketPath         = "RECBRIDGE_SOCKET_PATH"
	EnvSocketEnabled      = "RECBRIDGE_SOCKET_ENABLED"
	EnvSocketMaxFrameSize = "RECBRIDGE_SOCKET_MAX_FRAME_SIZE"
)

const (
	// Default Logging settings
	DefaultLogLevel  = "info"
	DefaultLogFormat = "text"

	// Default Server settings
	DefaultSaveStateEvery  = 5
	DefaultHistoryLimit    = 1000
	DefaultRecentAnalytics = 10
	DefaultShutdownTimeout = 10 * time.Second

	// Default Client settings
	DefaultClientTransport = "websocket"
	DefaultRequestTimeout  = 5 * time.Second
	DefaultDialTimeout     = 10 * time.Second
	DefaultNotifyQueueSize = 64

	// Default HTTP settings
	DefaultHTTPHost      = "127.0.0.1"
	DefaultHTTPPort      = 8000
	DefaultWebSocketPath = "/ws"

	// Default gRPC settings
	DefaultGRPCNetwork = "tcp"
	DefaultGRPCAddress = "127.0.0.1:50051"

	// Default Socket settings
	DefaultSocketPath     = "/tmp/recbridge.sock"
	DefaultMaxFrameSize   = 1 << 20
	DefaultMaxConnections = 16
)

// DefaultRecommendations is the static list served when no recommender is configured
var DefaultRecommendations = []string{"Product A", "Product B", "Product C"}

// DefaultLoggingConfig returns the default logging configuration
func DefaultLoggingConfig() LoggingConfig {
	return LoggingConfig{
		Level:  DefaultLogLevel,
		Format: DefaultLogFormat,
		Output: "stdout",
	}
}

// DefaultServerConfig returns the default server configuration
func DefaultServerConfig() ServerConfig {
	recs := make([]string, len(DefaultRecommendations))
	copy(recs, DefaultRecommendations)
	return ServerConfig{
		SaveStateEvery:  DefaultSaveStateEvery,
		HistoryLimit:    DefaultHistoryLimit,
		RecentAnalytics: DefaultRecentAnalytics,
		Recommendations: recs,
		ShutdownTimeout: DefaultShutdownTimeout,
	}
}

// DefaultClientConfig returns the default client configuration
func DefaultClientConfig() ClientConfig {
	return ClientConfig{
		Transport:       DefaultClientTransport,
		Address:         "",
		RequestTimeout:  DefaultRequestTimeout,
		DialTimeout:     DefaultDialTimeout,
		NotifyQueueSize: DefaultNotifyQueueSize,
	}
}

// DefaultHTTPConfig returns the default HTTP configuration
func DefaultHTTPConfig() HTTPConfig {
	return HTTPConfig{
		Enabled:       true,
		Host:          DefaultHTTPHost,
		Port:          DefaultHTTPPort,
		ReadTimeout:   30 * time.Second,
		WriteTimeout:  30 * time.Second,
		WebSocketPath:  DefaultWebSocketPath,
		MaxMessageSize: DefaultMaxFrameSize,
	}
}

// DefaultGRPCConfig returns the default gRPC configuration
func DefaultGRPCConfig() GRPCConfig {
	return GRPCConfig{
		Enabled:        true,
		Network:        DefaultGRPCNetwork,
		Address:        DefaultGRPCAddress,
		MaxRecvMsgSize: 4 * 1024 * 1024,
		MaxSendMsgSize: 4 * 1024 * 1024,
		AuthTokens:     []string{},
	}
}

// DefaultSocketConfig returns the default Unix socket configuration
func DefaultSocketConfig() SocketConfig {
	return SocketConfig{
		Enabled:        true,
		Path:           DefaultSocketPath,
		MaxFrameSize:   DefaultMaxFrameSize,
		MaxConnections: DefaultMaxConnections,
	}
}

// DefaultConfig returns a configuration with every section at its defaults
func DefaultConfig() *Config {
	return &Config{
		Logging: DefaultLoggingConfig(),
		Server:  DefaultServerConfig(),
		Client:  DefaultClientConfig(),
		HTTP:    DefaultHTTPConfig(),
		GRPC:    DefaultGRPCConfig(),
		Socket:  DefaultSocketConfig(),
	}
}
