// Package ws carries envelopes as WebSocket text frames.
package ws

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/billm/recbridge/internal/config"
	"github.com/billm/recbridge/internal/logger"
	"github.com/billm/recbridge/pkg/protocol"
	"github.com/billm/recbridge/pkg/transport"
	"github.com/billm/recbridge/pkg/types"
)

func init() {
	transport.Register(transport.TransportWebSocket, dial)
}

const closeGracePeriod = time.Second

// Conn adapts a gorilla WebSocket connection to transport.Conn
type Conn struct {
	ws        *websocket.Conn
	writeMu   sync.Mutex
	closeOnce sync.Once
	closed    chan struct{}
}

// NewConn wraps an established WebSocket connection. Inbound messages
// larger than maxMessageSize end the connection; zero or less uses
// config.DefaultMaxFrameSize.
func NewConn(c *websocket.Conn, maxMessageSize int) *Conn {
	if maxMessageSize <= 0 {
		maxMessageSize = config.DefaultMaxFrameSize
	}
	c.SetReadLimit(int64(maxMessageSize))
	return &Conn{ws: c, closed: make(chan struct{})}
}

// ReadMessage implements transport.Conn. gorilla reassembles continuation
// frames, so each call yields one whole message.
func (c *Conn) ReadMessage(ctx context.Context) (*protocol.Envelope, error) {
	stop := c.watch(ctx)
	defer stop()

	_, data, err := c.ws.ReadMessage()
	if err != nil {
		select {
		case <-c.closed:
			return nil, transport.ConnError("read", transport.ErrClosed)
		default:
		}
		if ctx.Err() != nil {
			return nil, types.WrapError(types.ErrCodeCanceled, "read canceled", ctx.Err())
		}
		if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
			return nil, transport.ConnError("read", transport.ErrClosed)
		}
		if errors.Is(err, websocket.ErrReadLimit) {
			return nil, types.WrapError(types.ErrCodeResourceExhausted, "websocket message exceeds read limit", err)
		}
		return nil, transport.ConnError("read", err)
	}
	return protocol.Unmarshal(data)
}

// watch maps ctx onto the read deadline. gorilla connections cannot be
// read again after a deadline fires, so cancellation ends the connection.
func (c *Conn) watch(ctx context.Context) func() {
	if deadline, ok := ctx.Deadline(); ok {
		c.ws.SetReadDeadline(deadline)
	}
	if ctx.Done() == nil {
		return func() {}
	}
	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			c.ws.SetReadDeadline(time.Now())
		case <-done:
		}
	}()
	return func() {
		close(done)
	}
}

// WriteMessage implements transport.Conn
func (c *Conn) WriteMessage(ctx context.Context, env *protocol.Envelope) error {
	data, err := env.Marshal()
	if err != nil {
		return err
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	select {
	case <-c.closed:
		return transport.ConnError("write", transport.ErrClosed)
	default:
	}

	deadline := time.Time{}
	if d, ok := ctx.Deadline(); ok {
		deadline = d
	}
	c.ws.SetWriteDeadline(deadline)

	if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
		return transport.ConnError("write", err)
	}
	return nil
}

// Close sends a close frame and closes the underlying connection
func (c *Conn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.closed)
		c.writeMu.Lock()
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		_ = c.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(closeGracePeriod))
		c.writeMu.Unlock()
		err = c.ws.Close()
	})
	if err != nil && !errors.Is(err, websocket.ErrCloseSent) {
		return err
	}
	return nil
}

// RemoteAddr implements transport.Conn
func (c *Conn) RemoteAddr() string {
	return "ws://" + c.ws.RemoteAddr().String()
}

func dial(ctx context.Context, addr string, opts transport.DialOptions) (transport.Conn, error) {
	dialer := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: opts.Timeout,
	}

	header := http.Header{}
	if opts.AuthToken != "" {
		header.Set("Authorization", "Bearer "+opts.AuthToken)
	}

	c, resp, err := dialer.DialContext(ctx, addr, header)
	if err != nil {
		if resp != nil {
			return nil, types.WrapError(types.ErrCodeUnavailable,
				"websocket handshake rejected with status "+resp.Status, err)
		}
		return nil, transport.ConnError("dial websocket "+addr, err)
	}
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	return NewConn(c, opts.MaxFrameSize), nil
}

// Upgrader turns HTTP requests into WebSocket connections
type Upgrader struct {
	upgrader       websocket.Upgrader
	maxMessageSize int
	logger         *logger.Logger
}

// NewUpgrader creates an upgrader that accepts any origin. Upgraded
// connections read at most maxMessageSize bytes per message.
func NewUpgrader(maxMessageSize int, log *logger.Logger) *Upgrader {
	if log == nil {
		log = logger.Global()
	}
	return &Upgrader{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(_ *http.Request) bool { return true },
		},
		maxMessageSize: maxMessageSize,
		logger:         log.With("component", "ws_upgrader"),
	}
}

// Upgrade completes the handshake. On failure gorilla has already written
// an HTTP error response.
func (u *Upgrader) Upgrade(w http.ResponseWriter, r *http.Request) (*Conn, error) {
	c, err := u.upgrader.Upgrade(w, r, nil)
	if err != nil {
		u.logger.Warn("WebSocket upgrade failed", "remote_addr", r.RemoteAddr, "error", err)
		return nil, types.WrapError(types.ErrCodeInvalidArgument, "websocket upgrade failed", err)
	}
	u.logger.Debug("WebSocket connection established", "remote_addr", r.RemoteAddr)
	return NewConn(c, u.maxMessageSize), nil
}
