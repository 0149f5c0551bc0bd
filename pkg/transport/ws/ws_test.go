package ws

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/billm/recbridge/internal/logger"
	"github.com/billm/recbridge/pkg/protocol"
	"github.com/billm/recbridge/pkg/transport"
	"github.com/billm/recbridge/pkg/types"
)

// echoServer upgrades every request and answers each get_recommendations
// with a fixed recommendations_response
func echoServer(t *testing.T) *httptest.Server {
	t.Helper()
	up := NewUpgrader(4096, logger.NewNop())
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := up.Upgrade(w, r)
		if err != nil {
			return
		}
		defer conn.Close()

		ctx := context.Background()
		for {
			env, err := conn.ReadMessage(ctx)
			if err != nil {
				if transport.IsRecoverable(err) {
					continue
				}
				return
			}
			resp, _ := protocol.NewEnvelope(protocol.TypeRecommendationsResponse, env.RequestID, protocol.RecommendationsResponse{
				RequestID:       env.RequestID,
				Recommendations: []string{"story3", "story7"},
			})
			if err := conn.WriteMessage(ctx, resp); err != nil {
				return
			}
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func TestWebSocketRoundTrip(t *testing.T) {
	srv := echoServer(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, err := transport.Dial(ctx, transport.TransportWebSocket, wsURL(srv), transport.DialOptions{Timeout: time.Second})
	require.NoError(t, err)
	defer conn.Close()

	req, err := protocol.NewEnvelope(protocol.TypeGetRecommendations, "abc", protocol.GetRecommendationsRequest{RequestID: "abc", UserID: "u1"})
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(ctx, req))

	env, err := conn.ReadMessage(ctx)
	require.NoError(t, err)
	assert.Equal(t, protocol.TypeRecommendationsResponse, env.Type)
	assert.Equal(t, "abc", env.RequestID)
}

func TestWebSocketMalformedTextIsRecoverable(t *testing.T) {
	up := NewUpgrader(4096, logger.NewNop())
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := up.upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer c.Close()
		c.WriteMessage(websocket.TextMessage, []byte("garbage"))
		c.WriteMessage(websocket.TextMessage, []byte(`{"type":"save_state","data":{"analytics_count":1,"user_preferences":{}}}`))
		c.ReadMessage()
	}))
	defer srv.Close()

	ctx := context.Background()
	conn, err := transport.Dial(ctx, transport.TransportWebSocket, wsURL(srv), transport.DialOptions{})
	require.NoError(t, err)
	defer conn.Close()

	_, err = conn.ReadMessage(ctx)
	assert.True(t, transport.IsRecoverable(err), "got %v", err)

	env, err := conn.ReadMessage(ctx)
	require.NoError(t, err)
	assert.Equal(t, protocol.TypeSaveState, env.Type)
}

func TestWebSocketPeerCloseEndsRead(t *testing.T) {
	up := NewUpgrader(4096, logger.NewNop())
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := up.Upgrade(w, r)
		if err != nil {
			return
		}
		conn.Close()
	}))
	defer srv.Close()

	ctx := context.Background()
	conn, err := transport.Dial(ctx, transport.TransportWebSocket, wsURL(srv), transport.DialOptions{})
	require.NoError(t, err)
	defer conn.Close()

	_, err = conn.ReadMessage(ctx)
	assert.True(t, types.IsErrCode(err, types.ErrCodeUnavailable), "got %v", err)
	assert.True(t, transport.IsClosedError(err))
}

func TestWebSocketReadLimit(t *testing.T) {
	up := NewUpgrader(128, logger.NewNop())
	readErr := make(chan error, 2)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := up.Upgrade(w, r)
		if err != nil {
			return
		}
		defer conn.Close()
		ctx := context.Background()
		for i := 0; i < 2; i++ {
			_, err := conn.ReadMessage(ctx)
			readErr <- err
			if err != nil {
				return
			}
		}
	}))
	defer srv.Close()

	ctx := context.Background()
	conn, err := transport.Dial(ctx, transport.TransportWebSocket, wsURL(srv), transport.DialOptions{})
	require.NoError(t, err)
	defer conn.Close()

	small, err := protocol.NewEnvelope(protocol.TypeAnalyticEvent, "", protocol.AnalyticEvent{Action: "click", Target: "button_1"})
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(ctx, small))

	big, err := protocol.NewEnvelope(protocol.TypeAnalyticEvent, "", protocol.AnalyticEvent{Action: "click", Target: strings.Repeat("x", 512)})
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(ctx, big))

	for i, wantErr := range []bool{false, true} {
		select {
		case err := <-readErr:
			if !wantErr {
				assert.NoError(t, err)
				continue
			}
			assert.True(t, types.IsErrCode(err, types.ErrCodeResourceExhausted), "got %v", err)
			assert.False(t, transport.IsRecoverable(err))
		case <-time.After(2 * time.Second):
			t.Fatalf("read %d did not finish", i)
		}
	}
}

func TestWebSocketWriteAfterClose(t *testing.T) {
	srv := echoServer(t)
	ctx := context.Background()
	conn, err := transport.Dial(ctx, transport.TransportWebSocket, wsURL(srv), transport.DialOptions{})
	require.NoError(t, err)

	require.NoError(t, conn.Close())
	require.NoError(t, conn.Close())
	err = conn.WriteMessage(ctx, &protocol.Envelope{Type: protocol.TypeAnalyticEvent})
	assert.True(t, types.IsErrCode(err, types.ErrCodeUnavailable))
}

func TestWebSocketDialFailure(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	defer srv.Close()

	_, err := transport.Dial(context.Background(), transport.TransportWebSocket, wsURL(srv), transport.DialOptions{})
	assert.True(t, types.IsErrCode(err, types.ErrCodeUnavailable), "got %v", err)
}

func TestWebSocketSendsAuthHeader(t *testing.T) {
	got := make(chan string, 1)
	up := NewUpgrader(4096, logger.NewNop())
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got <- r.Header.Get("Authorization")
		if conn, err := up.Upgrade(w, r); err == nil {
			conn.Close()
		}
	}))
	defer srv.Close()

	conn, err := transport.Dial(context.Background(), transport.TransportWebSocket, wsURL(srv), transport.DialOptions{AuthToken: "tok"})
	require.NoError(t, err)
	defer conn.Close()
	assert.Equal(t, "Bearer tok", <-got)
}
