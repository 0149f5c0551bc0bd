package socket

import (
	"context"
	"encoding/binary"
	"io"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/billm/recbridge/internal/config"
	"github.com/billm/recbridge/internal/logger"
	"github.com/billm/recbridge/pkg/protocol"
	"github.com/billm/recbridge/pkg/transport"
	"github.com/billm/recbridge/pkg/types"
)

func createTestListener(t *testing.T, maxConns int) (*Listener, string) {
	t.Helper()

	socketPath := filepath.Join(t.TempDir(), "test.sock")
	log, err := logger.New(config.LoggingConfig{Level: "error", Format: "text", Output: "stderr"})
	require.NoError(t, err)

	l, err := Listen(config.SocketConfig{
		Enabled:        true,
		Path:           socketPath,
		MaxFrameSize:   1024,
		MaxConnections: maxConns,
	}, log)
	require.NoError(t, err)
	t.Cleanup(func() { l.Close() })
	return l, socketPath
}

func acceptAsync(t *testing.T, l *Listener) <-chan transport.Conn {
	t.Helper()
	ch := make(chan transport.Conn, 1)
	go func() {
		c, err := l.Accept(context.Background())
		if err != nil {
			close(ch)
			return
		}
		ch <- c
	}()
	return ch
}

func TestSocketRoundTrip(t *testing.T) {
	l, path := createTestListener(t, 4)
	accepted := acceptAsync(t, l)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	client, err := transport.Dial(ctx, transport.TransportSocket, path, transport.DialOptions{MaxFrameSize: 1024})
	require.NoError(t, err)
	defer client.Close()

	server := <-accepted
	require.NotNil(t, server)
	defer server.Close()

	req, err := protocol.NewEnvelope(protocol.TypeGetRecommendations, "abc", protocol.GetRecommendationsRequest{RequestID: "abc", UserID: "u1"})
	require.NoError(t, err)
	require.NoError(t, client.WriteMessage(ctx, req))

	got, err := server.ReadMessage(ctx)
	require.NoError(t, err)
	assert.Equal(t, "abc", got.RequestID)

	resp, err := protocol.NewEnvelope(protocol.TypeRecommendationsResponse, "abc", protocol.RecommendationsResponse{
		RequestID:       "abc",
		Recommendations: []string{"story3", "story7"},
	})
	require.NoError(t, err)
	require.NoError(t, server.WriteMessage(ctx, resp))

	back, err := client.ReadMessage(ctx)
	require.NoError(t, err)
	var out protocol.RecommendationsResponse
	require.NoError(t, back.Decode(&out))
	assert.Equal(t, []string{"story3", "story7"}, out.Recommendations)
}

func TestSocketWireFormatIsLittleEndianPrefix(t *testing.T) {
	l, path := createTestListener(t, 4)
	accepted := acceptAsync(t, l)

	raw, err := net.Dial("unix", path)
	require.NoError(t, err)
	defer raw.Close()
	server := <-accepted
	defer server.Close()

	ctx := context.Background()
	require.NoError(t, server.WriteMessage(ctx, &protocol.Envelope{Type: protocol.TypeSaveState}))

	header := make([]byte, 4)
	_, err = io.ReadFull(raw, header)
	require.NoError(t, err)
	size := binary.LittleEndian.Uint32(header)
	body := make([]byte, size)
	_, err = io.ReadFull(raw, body)
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"save_state"}`, string(body))
}

func TestSocketMalformedFrameIsRecoverable(t *testing.T) {
	l, path := createTestListener(t, 4)
	accepted := acceptAsync(t, l)

	raw, err := net.Dial("unix", path)
	require.NoError(t, err)
	defer raw.Close()
	server := <-accepted
	defer server.Close()

	require.NoError(t, protocol.WriteFrame(raw, []byte("not json"), 0))
	require.NoError(t, protocol.WriteFrame(raw, []byte(`{"type":"analytic_event","data":{"action":"click","target":"b"}}`), 0))

	ctx := context.Background()
	_, err = server.ReadMessage(ctx)
	assert.True(t, transport.IsRecoverable(err), "got %v", err)

	env, err := server.ReadMessage(ctx)
	require.NoError(t, err)
	assert.Equal(t, protocol.TypeAnalyticEvent, env.Type)
}

func TestSocketOversizedFrameIsFatal(t *testing.T) {
	l, path := createTestListener(t, 4)
	accepted := acceptAsync(t, l)

	raw, err := net.Dial("unix", path)
	require.NoError(t, err)
	defer raw.Close()
	server := <-accepted
	defer server.Close()

	header := make([]byte, 4)
	binary.LittleEndian.PutUint32(header, 4096)
	_, err = raw.Write(header)
	require.NoError(t, err)

	_, err = server.ReadMessage(context.Background())
	assert.True(t, types.IsErrCode(err, types.ErrCodeUnavailable), "got %v", err)
	assert.False(t, transport.IsRecoverable(err))
}

func TestSocketReadHonorsContext(t *testing.T) {
	l, path := createTestListener(t, 4)
	accepted := acceptAsync(t, l)

	raw, err := net.Dial("unix", path)
	require.NoError(t, err)
	defer raw.Close()
	server := <-accepted
	defer server.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	_, err = server.ReadMessage(ctx)
	assert.True(t, types.IsErrCode(err, types.ErrCodeCanceled), "got %v", err)
}

func TestSocketConnectionLimit(t *testing.T) {
	l, path := createTestListener(t, 1)
	accepted := acceptAsync(t, l)

	first, err := net.Dial("unix", path)
	require.NoError(t, err)
	defer first.Close()
	server := <-accepted
	assert.Equal(t, 1, l.ConnCount())

	// The second connection is rejected and closed by the listener
	go l.Accept(context.Background())
	second, err := net.Dial("unix", path)
	require.NoError(t, err)
	defer second.Close()

	second.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, 1)
	_, err = second.Read(buf)
	assert.Error(t, err)

	require.NoError(t, server.Close())
	assert.Equal(t, 0, l.ConnCount())
}

func TestListenRemovesStaleSocketAndCloseCleansUp(t *testing.T) {
	path := filepath.Join(t.TempDir(), "stale.sock")
	require.NoError(t, os.WriteFile(path, []byte("stale"), 0600))

	l, err := Listen(config.SocketConfig{Path: path, MaxFrameSize: 1024}, nil)
	require.NoError(t, err)
	assert.Equal(t, path, l.Addr())

	require.NoError(t, l.Close())
	require.NoError(t, l.Close())
	_, err = os.Stat(path)
	assert.True(t, os.IsNotExist(err))

	_, err = l.Accept(context.Background())
	assert.True(t, types.IsErrCode(err, types.ErrCodeUnavailable))
}

func TestAcceptCancelKeepsListenerUsable(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rb.sock")
	l, err := Listen(config.SocketConfig{Path: path, MaxFrameSize: 1024}, nil)
	require.NoError(t, err)
	defer l.Close()

	short, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = l.Accept(short)
	require.Error(t, err)
	assert.True(t, types.IsErrCode(err, types.ErrCodeCanceled))

	ctx, cancel2 := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel2()

	dialed := make(chan error, 1)
	go func() {
		c, err := transport.Dial(ctx, transport.TransportSocket, path, transport.DialOptions{MaxFrameSize: 1024})
		if err == nil {
			defer c.Close()
			env, _ := protocol.NewEnvelope(protocol.TypeAnalyticEvent, "", protocol.AnalyticEvent{Action: "click", Target: "button_1"})
			err = c.WriteMessage(ctx, env)
		}
		dialed <- err
	}()

	server, err := l.Accept(ctx)
	require.NoError(t, err)
	defer server.Close()

	env, err := server.ReadMessage(ctx)
	require.NoError(t, err)
	assert.Equal(t, protocol.TypeAnalyticEvent, env.Type)
	require.NoError(t, <-dialed)

	_, err = os.Stat(path)
	assert.NoError(t, err)
}

func TestDialMissingSocket(t *testing.T) {
	_, err := transport.Dial(context.Background(), transport.TransportSocket,
		filepath.Join(t.TempDir(), "missing.sock"), transport.DialOptions{})
	assert.True(t, types.IsErrCode(err, types.ErrCodeUnavailable))
}
