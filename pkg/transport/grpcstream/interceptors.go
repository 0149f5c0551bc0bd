package grpcstream

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"github.com/billm/recbridge/internal/logger"
	"github.com/billm/recbridge/pkg/types"
)

const (
	// authorizationKey is the metadata key for authorization tokens
	authorizationKey = "authorization"
	// bearerPrefix is the prefix for bearer tokens
	bearerPrefix = "Bearer "
)

// StreamLoggingInterceptor logs the start and end of every stream
func StreamLoggingInterceptor(log *logger.Logger) grpc.StreamServerInterceptor {
	log = log.With("component", "grpc_logging_interceptor")
	return func(srv any, stream grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
		start := time.Now()
		log.Debug("Stream started", "method", info.FullMethod)

		err := handler(srv, stream)

		duration := time.Since(start)
		if err != nil {
			st, _ := status.FromError(err)
			log.Error("Stream failed",
				"method", info.FullMethod,
				"code", st.Code().String(),
				"message", st.Message(),
				"duration_ms", duration.Milliseconds())
		} else {
			log.Debug("Stream completed", "method", info.FullMethod, "duration_ms", duration.Milliseconds())
		}
		return err
	}
}

// AuthStats tracks authentication statistics
type AuthStats struct {
	TotalRequests int64 `json:"total_requests"`
	SuccessAuth   int64 `json:"success_auth"`
	FailedAuth    int64 `json:"failed_auth"`
	SkippedAuth   int64 `json:"skipped_auth"`
}

// String returns a string representation of the auth stats
func (s AuthStats) String() string {
	return fmt.Sprintf("AuthStats{Total: %d, Success: %d, Failed: %d, Skipped: %d}",
		s.TotalRequests, s.SuccessAuth, s.FailedAuth, s.SkippedAuth)
}

// AuthInterceptor checks bearer tokens on incoming streams. With no
// tokens configured every stream is let through.
type AuthInterceptor struct {
	logger *logger.Logger
	mu     sync.RWMutex
	tokens map[string]struct{}
	stats  AuthStats
}

// NewAuthInterceptor creates an interceptor accepting any of tokens
func NewAuthInterceptor(tokens []string, log *logger.Logger) *AuthInterceptor {
	if log == nil {
		log = logger.Global()
	}
	a := &AuthInterceptor{
		logger: log.With("component", "grpc_auth_interceptor"),
		tokens: make(map[string]struct{}, len(tokens)),
	}
	for _, t := range tokens {
		if t != "" {
			a.tokens[t] = struct{}{}
		}
	}
	return a
}

// Enabled reports whether any token is configured
func (a *AuthInterceptor) Enabled() bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return len(a.tokens) > 0
}

// Stream returns the stream server interceptor
func (a *AuthInterceptor) Stream() grpc.StreamServerInterceptor {
	return func(srv any, stream grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
		a.mu.Lock()
		a.stats.TotalRequests++
		enabled := len(a.tokens) > 0
		if !enabled {
			a.stats.SkippedAuth++
		}
		a.mu.Unlock()

		if !enabled {
			return handler(srv, stream)
		}

		token, err := extractToken(stream.Context())
		if err == nil && !a.isValidToken(token) {
			err = types.NewError(types.ErrCodePermission, "invalid authentication token")
		}
		if err != nil {
			a.mu.Lock()
			a.stats.FailedAuth++
			a.mu.Unlock()
			a.logger.Warn("Stream authentication failed",
				"method", info.FullMethod,
				"token_prefix", maskToken(token),
				"error", err.Error())
			return status.Error(codes.Unauthenticated, err.Error())
		}

		a.mu.Lock()
		a.stats.SuccessAuth++
		a.mu.Unlock()
		a.logger.Debug("Stream authentication successful", "method", info.FullMethod, "token_prefix", maskToken(token))
		return handler(srv, stream)
	}
}

func (a *AuthInterceptor) isValidToken(token string) bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	_, ok := a.tokens[token]
	return ok
}

// Stats returns the current authentication statistics
func (a *AuthInterceptor) Stats() AuthStats {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.stats
}

// extractToken extracts the bearer token from the incoming metadata
func extractToken(ctx context.Context) (string, error) {
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return "", types.NewError(types.ErrCodePermission, "no metadata provided")
	}
	values := md.Get(authorizationKey)
	if len(values) == 0 {
		return "", types.NewError(types.ErrCodePermission, "no authorization token provided")
	}
	if !strings.HasPrefix(values[0], bearerPrefix) {
		return "", types.NewError(types.ErrCodePermission, fmt.Sprintf("authorization token must start with %q", bearerPrefix))
	}
	token := strings.TrimPrefix(values[0], bearerPrefix)
	if token == "" {
		return "", types.NewError(types.ErrCodePermission, "empty authorization token")
	}
	return token, nil
}

// maskToken masks a token for safe logging (shows first 4 and last 4 characters)
func maskToken(token string) string {
	if len(token) <= 8 {
		return "****"
	}
	return token[:4] + "..." + token[len(token)-4:]
}
