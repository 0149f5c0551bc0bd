package grpcstream

import (
	"context"
	"errors"
	"io"
	"sync"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/peer"
	"google.golang.org/grpc/status"

	"github.com/billm/recbridge/pkg/protocol"
	"github.com/billm/recbridge/pkg/transport"
	"github.com/billm/recbridge/pkg/types"
)

// streamError maps a gRPC stream error onto the transport error codes
func streamError(op string, err error) error {
	if errors.Is(err, io.EOF) {
		return transport.ConnError(op, transport.ErrClosed)
	}
	switch status.Code(err) {
	case codes.Unauthenticated, codes.PermissionDenied:
		return types.WrapError(types.ErrCodePermission, op+" rejected", err)
	case codes.Canceled:
		return transport.ConnError(op, transport.ErrClosed)
	}
	return transport.ConnError(op, err)
}

// serverConn is the server side of one EventStream call
type serverConn struct {
	stream  EventStreamServer
	writeMu sync.Mutex
	closed  chan struct{}
	once    sync.Once
}

func newServerConn(stream EventStreamServer) *serverConn {
	return &serverConn{stream: stream, closed: make(chan struct{})}
}

func (c *serverConn) ReadMessage(ctx context.Context) (*protocol.Envelope, error) {
	msg, err := c.stream.Recv()
	if err != nil {
		select {
		case <-c.closed:
			return nil, transport.ConnError("read", transport.ErrClosed)
		default:
		}
		return nil, streamError("read", err)
	}
	return msg.ToEnvelope()
}

func (c *serverConn) WriteMessage(ctx context.Context, env *protocol.Envelope) error {
	msg, err := protocol.ServerMessageFromEnvelope(env)
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
	if err := c.stream.Send(msg); err != nil {
		return streamError("write", err)
	}
	return nil
}

// Close ends the call; EventStream returns and gRPC cancels the stream
func (c *serverConn) Close() error {
	c.once.Do(func() { close(c.closed) })
	return nil
}

func (c *serverConn) RemoteAddr() string {
	if p, ok := peer.FromContext(c.stream.Context()); ok && p.Addr != nil {
		return "grpc://" + p.Addr.String()
	}
	return "grpc://unknown"
}

// clientConn is the client side of one EventStream call. It owns the
// underlying grpc.ClientConn.
type clientConn struct {
	cc     *grpc.ClientConn
	stream EventStreamClient
	cancel context.CancelFunc
	target string

	writeMu sync.Mutex
	closed  chan struct{}
	once    sync.Once
}

func (c *clientConn) ReadMessage(ctx context.Context) (*protocol.Envelope, error) {
	msg, err := c.stream.Recv()
	if err != nil {
		select {
		case <-c.closed:
			return nil, transport.ConnError("read", transport.ErrClosed)
		default:
		}
		return nil, streamError("read", err)
	}
	return msg.ToEnvelope()
}

func (c *clientConn) WriteMessage(ctx context.Context, env *protocol.Envelope) error {
	msg, err := protocol.ClientMessageFromEnvelope(env)
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
	if err := c.stream.Send(msg); err != nil {
		// The real cause of a failed Send surfaces on Recv
		return streamError("write", err)
	}
	return nil
}

func (c *clientConn) Close() error {
	var err error
	c.once.Do(func() {
		close(c.closed)
		c.writeMu.Lock()
		_ = c.stream.CloseSend()
		c.writeMu.Unlock()
		c.cancel()
		err = c.cc.Close()
	})
	if err != nil && status.Code(err) != codes.Canceled {
		return types.WrapError(types.ErrCodeInternal, "failed to close grpc connection", err)
	}
	return nil
}

func (c *clientConn) RemoteAddr() string {
	return "grpc://" + c.target
}
