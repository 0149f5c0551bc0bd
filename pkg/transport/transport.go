// Package transport defines the connection abstraction shared by every
// recbridge transport and a registry of the transports compiled in.
package transport

import (
	"context"
	"errors"
	"io"
	"net"
	"sort"
	"sync"
	"time"

	"github.com/billm/recbridge/internal/logger"
	"github.com/billm/recbridge/pkg/protocol"
	"github.com/billm/recbridge/pkg/types"
)

// Transport names
const (
	TransportWebSocket = "websocket"
	TransportGRPC      = "grpc"
	TransportSocket    = "socket"
	TransportPipe      = "pipe"
)

// Conn carries whole envelopes in both directions. ReadMessage must only
// be called from one goroutine; WriteMessage is safe for concurrent use.
//
// ReadMessage returns an ErrCodeInvalid error for a message that could not
// be decoded; the connection is still usable. Any other error means the
// connection is gone.
type Conn interface {
	ReadMessage(ctx context.Context) (*protocol.Envelope, error)
	WriteMessage(ctx context.Context, env *protocol.Envelope) error
	Close() error
	RemoteAddr() string
}

// Listener accepts server-side connections
type Listener interface {
	Accept(ctx context.Context) (Conn, error)
	Close() error
	Addr() string
}

// DialOptions configures an outbound connection
type DialOptions struct {
	Timeout      time.Duration
	AuthToken    string
	MaxFrameSize int
	Logger       *logger.Logger
}

// DialFunc opens a client connection to addr
type DialFunc func(ctx context.Context, addr string, opts DialOptions) (Conn, error)

var (
	transportsMu sync.RWMutex
	transports   = map[string]DialFunc{}
)

// Register makes a transport available to Dial. Transports call it from init.
func Register(name string, dial DialFunc) {
	transportsMu.Lock()
	defer transportsMu.Unlock()
	transports[name] = dial
}

// Available returns the registered transport names, sorted
func Available() []string {
	transportsMu.RLock()
	defer transportsMu.RUnlock()
	result := make([]string, 0, len(transports))
	for name := range transports {
		result = append(result, name)
	}
	sort.Strings(result)
	return result
}

// Has reports whether a transport is registered
func Has(name string) bool {
	transportsMu.RLock()
	defer transportsMu.RUnlock()
	_, ok := transports[name]
	return ok
}

// Dial connects using the named transport. Failures are ErrCodeUnavailable.
func Dial(ctx context.Context, name, addr string, opts DialOptions) (Conn, error) {
	transportsMu.RLock()
	dial, ok := transports[name]
	transportsMu.RUnlock()
	if !ok {
		return nil, types.NewError(types.ErrCodeInvalidArgument, "unknown transport: "+name)
	}

	if opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.Timeout)
		defer cancel()
	}

	conn, err := dial(ctx, addr, opts)
	if err != nil {
		if _, ok := err.(*types.Error); ok {
			return nil, err
		}
		return nil, ConnError("dial "+name+" "+addr, err)
	}
	return conn, nil
}

// ConnError wraps a transport failure as ErrCodeUnavailable
func ConnError(op string, err error) error {
	return types.WrapError(types.ErrCodeUnavailable, op+" failed", err)
}

// ErrClosed is wrapped by operations on a connection that was closed locally
var ErrClosed = errors.New("connection closed")

// IsRecoverable reports whether a ReadMessage error leaves the connection usable
func IsRecoverable(err error) bool {
	return types.IsErrCode(err, types.ErrCodeInvalid)
}

// IsClosedError reports whether err is an ordinary end of connection rather
// than a failure worth logging loudly
func IsClosedError(err error) bool {
	return errors.Is(err, ErrClosed) || errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) ||
		errors.Is(err, context.Canceled)
}
