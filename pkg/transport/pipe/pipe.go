// Package pipe is an in-memory transport. Listeners are registered under a
// name in the process and dialed with that name as the address.
package pipe

import (
	"context"
	"fmt"
	"sync"

	"github.com/billm/recbridge/pkg/protocol"
	"github.com/billm/recbridge/pkg/transport"
	"github.com/billm/recbridge/pkg/types"
)

func init() {
	transport.Register(transport.TransportPipe, dial)
}

const bufferSize = 64

// Conn is one end of an in-memory connection
type Conn struct {
	name string
	in   <-chan []byte
	out  chan<- []byte

	writeMu sync.Mutex
	closed  chan struct{}
	peer    chan struct{}
	once    sync.Once
}

// New returns two connected ends
func New(name string) (*Conn, *Conn) {
	aToB := make(chan []byte, bufferSize)
	bToA := make(chan []byte, bufferSize)
	aClosed := make(chan struct{})
	bClosed := make(chan struct{})

	a := &Conn{name: name + "/client", in: bToA, out: aToB, closed: aClosed, peer: bClosed}
	b := &Conn{name: name + "/server", in: aToB, out: bToA, closed: bClosed, peer: aClosed}
	return a, b
}

// ReadMessage implements transport.Conn
func (c *Conn) ReadMessage(ctx context.Context) (*protocol.Envelope, error) {
	select {
	case <-c.closed:
		return nil, transport.ConnError("read", transport.ErrClosed)
	default:
	}

	select {
	case data := <-c.in:
		return protocol.Unmarshal(data)
	case <-c.closed:
		return nil, transport.ConnError("read", transport.ErrClosed)
	case <-c.peer:
		// Drain what the peer sent before it closed
		select {
		case data := <-c.in:
			return protocol.Unmarshal(data)
		default:
		}
		return nil, transport.ConnError("read", transport.ErrClosed)
	case <-ctx.Done():
		return nil, types.WrapError(types.ErrCodeCanceled, "read canceled", ctx.Err())
	}
}

// WriteMessage implements transport.Conn
func (c *Conn) WriteMessage(ctx context.Context, env *protocol.Envelope) error {
	data, err := env.Marshal()
	if err != nil {
		return err
	}
	return c.WriteRaw(ctx, data)
}

// WriteRaw sends bytes without encoding them, for exercising decode paths
func (c *Conn) WriteRaw(ctx context.Context, data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	select {
	case <-c.closed:
		return transport.ConnError("write", transport.ErrClosed)
	case <-c.peer:
		return transport.ConnError("write", transport.ErrClosed)
	default:
	}

	select {
	case c.out <- data:
		return nil
	case <-c.closed:
		return transport.ConnError("write", transport.ErrClosed)
	case <-c.peer:
		return transport.ConnError("write", transport.ErrClosed)
	case <-ctx.Done():
		return types.WrapError(types.ErrCodeCanceled, "write canceled", ctx.Err())
	}
}

// Close implements transport.Conn
func (c *Conn) Close() error {
	c.once.Do(func() { close(c.closed) })
	return nil
}

// RemoteAddr implements transport.Conn
func (c *Conn) RemoteAddr() string {
	return "pipe://" + c.name
}

// Listener accepts in-memory connections
type Listener struct {
	name    string
	conns   chan *Conn
	closed  chan struct{}
	once    sync.Once
	counter int
	mu      sync.Mutex
}

var (
	listenersMu sync.Mutex
	listeners   = map[string]*Listener{}
)

// Listen registers a listener under name
func Listen(name string) (*Listener, error) {
	listenersMu.Lock()
	defer listenersMu.Unlock()

	if _, exists := listeners[name]; exists {
		return nil, types.NewError(types.ErrCodeAlreadyExists, "pipe listener already exists: "+name)
	}
	l := &Listener{name: name, conns: make(chan *Conn), closed: make(chan struct{})}
	listeners[name] = l
	return l, nil
}

// Accept implements transport.Listener
func (l *Listener) Accept(ctx context.Context) (transport.Conn, error) {
	select {
	case c := <-l.conns:
		return c, nil
	case <-l.closed:
		return nil, transport.ConnError("accept", transport.ErrClosed)
	case <-ctx.Done():
		return nil, types.WrapError(types.ErrCodeCanceled, "accept canceled", ctx.Err())
	}
}

// Close implements transport.Listener
func (l *Listener) Close() error {
	l.once.Do(func() {
		close(l.closed)
		listenersMu.Lock()
		delete(listeners, l.name)
		listenersMu.Unlock()
	})
	return nil
}

// Addr implements transport.Listener
func (l *Listener) Addr() string {
	return l.name
}

func (l *Listener) connect(ctx context.Context) (*Conn, error) {
	l.mu.Lock()
	l.counter++
	name := fmt.Sprintf("%s#%d", l.name, l.counter)
	l.mu.Unlock()

	client, server := New(name)
	select {
	case l.conns <- server:
		return client, nil
	case <-l.closed:
		return nil, transport.ConnError("dial", transport.ErrClosed)
	case <-ctx.Done():
		return nil, types.WrapError(types.ErrCodeUnavailable, "dial "+l.name, ctx.Err())
	}
}

func dial(ctx context.Context, addr string, _ transport.DialOptions) (transport.Conn, error) {
	listenersMu.Lock()
	l, ok := listeners[addr]
	listenersMu.Unlock()
	if !ok {
		return nil, types.NewError(types.ErrCodeUnavailable, "no pipe listener named "+addr)
	}
	return l.connect(ctx)
}
