// Package socket carries envelopes over a Unix domain socket, each framed
// with a 4-byte little-endian length prefix.
package socket

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"sync"
	"time"

	"github.com/billm/recbridge/internal/config"
	"github.com/billm/recbridge/internal/logger"
	"github.com/billm/recbridge/pkg/protocol"
	"github.com/billm/recbridge/pkg/transport"
	"github.com/billm/recbridge/pkg/types"
)

func init() {
	transport.Register(transport.TransportSocket, dial)
}

// Conn is a framed Unix socket connection
type Conn struct {
	conn         net.Conn
	reader       *protocol.FrameReader
	maxFrameSize int
	writeMu      sync.Mutex
	closeOnce    sync.Once
	onClose      func()
}

// NewConn wraps an established net.Conn
func NewConn(c net.Conn, maxFrameSize int) *Conn {
	if maxFrameSize <= 0 {
		maxFrameSize = config.DefaultMaxFrameSize
	}
	return &Conn{
		conn:         c,
		reader:       protocol.NewFrameReader(c, maxFrameSize),
		maxFrameSize: maxFrameSize,
	}
}

// ReadMessage implements transport.Conn
func (c *Conn) ReadMessage(ctx context.Context) (*protocol.Envelope, error) {
	stop := c.watch(ctx, c.conn.SetReadDeadline)
	defer stop()

	data, err := c.reader.ReadFrame()
	if err != nil {
		if ctx.Err() != nil {
			return nil, types.WrapError(types.ErrCodeCanceled, "read canceled", ctx.Err())
		}
		return nil, transport.ConnError("read frame", err)
	}
	return protocol.Unmarshal(data)
}

// WriteMessage implements transport.Conn
func (c *Conn) WriteMessage(ctx context.Context, env *protocol.Envelope) error {
	data, err := env.Marshal()
	if err != nil {
		return err
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	stop := c.watch(ctx, c.conn.SetWriteDeadline)
	defer stop()

	if err := protocol.WriteFrame(c.conn, data, c.maxFrameSize); err != nil {
		if errors.Is(err, protocol.ErrFrameTooLarge) {
			return err
		}
		return transport.ConnError("write frame", err)
	}
	return nil
}

// watch applies ctx's deadline and interrupts the blocked call when ctx
// is canceled. The returned func must be called when the call returns.
func (c *Conn) watch(ctx context.Context, setDeadline func(time.Time) error) func() {
	if deadline, ok := ctx.Deadline(); ok {
		setDeadline(deadline)
	}
	if ctx.Done() == nil {
		return func() {}
	}

	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			setDeadline(time.Now())
		case <-done:
		}
	}()
	return func() {
		close(done)
		setDeadline(time.Time{})
	}
}

// Close implements transport.Conn
func (c *Conn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		err = c.conn.Close()
		if c.onClose != nil {
			c.onClose()
		}
	})
	return err
}

// RemoteAddr implements transport.Conn
func (c *Conn) RemoteAddr() string {
	if addr := c.conn.RemoteAddr(); addr != nil && addr.String() != "" {
		return "unix://" + addr.String()
	}
	return "unix://" + c.conn.LocalAddr().String()
}

func dial(ctx context.Context, addr string, opts transport.DialOptions) (transport.Conn, error) {
	var d net.Dialer
	c, err := d.DialContext(ctx, "unix", addr)
	if err != nil {
		return nil, transport.ConnError("dial unix "+addr, err)
	}
	return NewConn(c, opts.MaxFrameSize), nil
}

// Listener accepts framed connections on a Unix socket path
type Listener struct {
	path     string
	listener *net.UnixListener
	logger   *logger.Logger
	cfg      config.SocketConfig

	mu        sync.Mutex
	connCount int
	closed    bool
}

// Listen removes any stale socket file at cfg.Path and starts listening
func Listen(cfg config.SocketConfig, log *logger.Logger) (*Listener, error) {
	if log == nil {
		log = logger.Global()
	}
	if cfg.Path == "" {
		return nil, types.NewError(types.ErrCodeInvalidArgument, "socket path cannot be empty")
	}

	if _, err := os.Stat(cfg.Path); err == nil {
		if err := os.Remove(cfg.Path); err != nil {
			return nil, types.WrapError(types.ErrCodeInternal, "failed to remove existing socket file", err)
		}
	}

	ln, err := net.ListenUnix("unix", &net.UnixAddr{Name: cfg.Path, Net: "unix"})
	if err != nil {
		return nil, types.WrapError(types.ErrCodeUnavailable, "failed to listen on socket", err)
	}

	l := &Listener{
		path:     cfg.Path,
		listener: ln,
		logger:   log.With("component", "socket_listener", "socket_path", cfg.Path),
		cfg:      cfg,
	}
	l.logger.Info("Socket listening",
		"max_connections", cfg.MaxConnections,
		"max_frame_size", cfg.MaxFrameSize)
	return l, nil
}

// Accept implements transport.Listener. Connections over the limit are
// closed immediately and Accept keeps waiting. Canceling ctx interrupts
// only this call; the listener stays usable.
func (l *Listener) Accept(ctx context.Context) (transport.Conn, error) {
	interrupted := make(chan struct{})
	stop := context.AfterFunc(ctx, func() {
		defer close(interrupted)
		l.listener.SetDeadline(time.Now())
	})
	defer func() {
		if !stop() {
			<-interrupted
			l.listener.SetDeadline(time.Time{})
		}
	}()

	for {
		nc, err := l.listener.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil, types.WrapError(types.ErrCodeCanceled, "accept canceled", ctx.Err())
			}
			l.mu.Lock()
			closed := l.closed
			l.mu.Unlock()
			if closed {
				return nil, transport.ConnError("accept", transport.ErrClosed)
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				// deadline set by a concurrent caller's cancellation
				continue
			}
			return nil, transport.ConnError("accept", err)
		}

		l.mu.Lock()
		if l.cfg.MaxConnections > 0 && l.connCount >= l.cfg.MaxConnections {
			count := l.connCount
			l.mu.Unlock()
			l.logger.Warn("Connection limit reached, rejecting connection",
				"current_count", count,
				"max_connections", l.cfg.MaxConnections)
			nc.Close()
			continue
		}
		l.connCount++
		count := l.connCount
		l.mu.Unlock()

		conn := NewConn(nc, l.cfg.MaxFrameSize)
		conn.onClose = func() {
			l.mu.Lock()
			l.connCount--
			l.mu.Unlock()
		}
		l.logger.Debug("Connection accepted", "conn_count", count)
		return conn, nil
	}
}

// ConnCount returns the number of open accepted connections
func (l *Listener) ConnCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.connCount
}

// Close stops listening and removes the socket file
func (l *Listener) Close() error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	l.mu.Unlock()

	err := l.listener.Close()
	if rmErr := os.Remove(l.path); rmErr != nil && !os.IsNotExist(rmErr) {
		l.logger.Warn("Failed to remove socket file", "error", rmErr)
	}
	l.logger.Info("Socket closed")
	if err != nil && !errors.Is(err, net.ErrClosed) {
		return types.WrapError(types.ErrCodeInternal, "failed to close listener", err)
	}
	return nil
}

// Addr implements transport.Listener
func (l *Listener) Addr() string {
	return l.path
}

// String returns a string representation of the listener
func (l *Listener) String() string {
	return fmt.Sprintf("SocketListener{Path: %s, ActiveConns: %d}", l.path, l.ConnCount())
}
