package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/billm/recbridge/internal/config"
	"github.com/billm/recbridge/internal/logger"
	"github.com/billm/recbridge/pkg/protocol"
	"github.com/billm/recbridge/pkg/server"
	"github.com/billm/recbridge/pkg/transport"
	"github.com/billm/recbridge/pkg/types"
)

func newTestServer(t *testing.T) (*Server, *server.Hub) {
	t.Helper()
	cfg := config.DefaultServerConfig()
	cfg.Recommendations = []string{"story3", "story7"}
	hub := server.NewHub(cfg, nil, logger.NewNop())
	t.Cleanup(func() { hub.Close() })

	s, err := NewServer(config.DefaultHTTPConfig(), hub, logger.NewNop())
	require.NoError(t, err)
	return s, hub
}

func do(t *testing.T, s *Server, method, path, body string) (int, map[string]any) {
	t.Helper()
	req := httptest.NewRequest(method, path, bytes.NewReader([]byte(body)))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	var out map[string]any
	if rec.Body.Len() > 0 {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	}
	return rec.Code, out
}

func TestHealth(t *testing.T) {
	s, _ := newTestServer(t)
	code, body := do(t, s, http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, map[string]any{"status": "ok"}, body)
}

func TestAnalyticEvent(t *testing.T) {
	s, hub := newTestServer(t)

	code, body := do(t, s, http.MethodPost, "/api/analytic_event", `{"action":"click","target":"button_1","metadata":{"timestamp":1}}`)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, float64(1), body["analytics_count"])

	code, body = do(t, s, http.MethodPost, "/api/analytic_event", `{"action":"view","target":"page_home"}`)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, float64(2), body["analytics_count"])
	assert.Equal(t, 2, hub.State().Count())
}

func TestAnalyticEventRejectsMissingFields(t *testing.T) {
	s, hub := newTestServer(t)

	tests := []struct {
		name string
		body string
	}{
		{"missing target", `{"action":"click"}`},
		{"missing action", `{"target":"button_1"}`},
		{"not json", `click`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			code, body := do(t, s, http.MethodPost, "/api/analytic_event", tt.body)
			assert.Equal(t, http.StatusBadRequest, code)
			assert.Contains(t, body, "error")
		})
	}
	assert.Equal(t, 0, hub.State().Count())
}

func TestGetRecommendations(t *testing.T) {
	s, hub := newTestServer(t)
	do(t, s, http.MethodPost, "/api/analytic_event", `{"action":"click","target":"button_1"}`)

	code, body := do(t, s, http.MethodPost, "/api/get_recommendations", `{"user_id":"user_123"}`)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "user_123", body["user_id"])
	assert.Equal(t, []any{"story3", "story7"}, body["recommendations"])
	assert.Equal(t, float64(1), body["analytics_count"])

	pref, ok := hub.State().Preference("user_123")
	require.True(t, ok)
	assert.Equal(t, server.PreferenceLastRecommended, pref)

	code, _ = do(t, s, http.MethodPost, "/api/get_recommendations", `{}`)
	assert.Equal(t, http.StatusBadRequest, code)
}

func TestStateDumpAndReset(t *testing.T) {
	s, _ := newTestServer(t)
	for i := 0; i < 12; i++ {
		do(t, s, http.MethodPost, "/api/analytic_event", `{"action":"click","target":"button_1"}`)
	}
	do(t, s, http.MethodPost, "/api/get_recommendations", `{"user_id":"u1"}`)

	code, body := do(t, s, http.MethodGet, "/api/state_dump", "")
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, float64(12), body["analytics_count"])
	assert.Equal(t, map[string]any{"u1": "last_recommended"}, body["user_preferences"])
	recent, ok := body["recent_analytics"].([]any)
	require.True(t, ok)
	require.Len(t, recent, 10)
	assert.Equal(t, float64(3), recent[0].(map[string]any)["count"])

	code, body = do(t, s, http.MethodGet, "/api/reset", "")
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, map[string]any{"status": "reset", "message": "State has been reset"}, body)

	_, body = do(t, s, http.MethodGet, "/api/state_dump", "")
	assert.Equal(t, float64(0), body["analytics_count"])
	assert.Empty(t, body["recent_analytics"])
}

func TestWebSocketEndpoint(t *testing.T) {
	s, hub := newTestServer(t)
	ts := httptest.NewServer(s.Handler())
	t.Cleanup(ts.Close)

	addr := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, err := transport.Dial(ctx, transport.TransportWebSocket, addr, transport.DialOptions{})
	require.NoError(t, err)
	defer conn.Close()

	env, err := protocol.NewEnvelope(protocol.TypeGetRecommendations, "abc", protocol.GetRecommendationsRequest{UserID: "u1"})
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(ctx, env))

	resp, err := conn.ReadMessage(ctx)
	require.NoError(t, err)
	assert.Equal(t, protocol.TypeRecommendationsResponse, resp.Type)
	assert.Equal(t, "abc", resp.RequestID)
	var out protocol.RecommendationsResponse
	require.NoError(t, resp.Decode(&out))
	assert.Equal(t, []string{"story3", "story7"}, out.Recommendations)

	push, err := conn.ReadMessage(ctx)
	require.NoError(t, err)
	assert.Equal(t, protocol.TypeSaveState, push.Type)
	assert.Equal(t, 1, hub.Count())
}

func TestServeStopsOnContextCancel(t *testing.T) {
	s, _ := newTestServer(t)
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Serve(ctx, lis) }()

	require.Eventually(t, func() bool {
		resp, err := http.Get("http://" + lis.Addr().String() + "/health")
		if err != nil {
			return false
		}
		resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, lis.Addr().String(), s.Addr())

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Serve did not return")
	}

	other, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	err = s.Serve(context.Background(), other)
	assert.True(t, types.IsErrCode(err, types.ErrCodeFailedPrecondition))
}

func TestNewServerRequiresHub(t *testing.T) {
	_, err := NewServer(config.DefaultHTTPConfig(), nil, nil)
	assert.Error(t, err)
}
