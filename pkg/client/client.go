// Package client implements the recbridge client: one connection over any
// registered transport, request/response correlation and server push
// notifications.
package client

import (
	"context"
	"fmt"
	"runtime/debug"
	"strings"
	"sync"
	"time"

	"github.com/looplab/fsm"

	"github.com/billm/recbridge/internal/config"
	"github.com/billm/recbridge/internal/logger"
	"github.com/billm/recbridge/pkg/correlator"
	"github.com/billm/recbridge/pkg/dispatch"
	"github.com/billm/recbridge/pkg/protocol"
	"github.com/billm/recbridge/pkg/transport"
	"github.com/billm/recbridge/pkg/types"
)

// Options configures a Client
type Options struct {
	Transport       string
	Address         string
	AuthToken       string
	RequestTimeout  time.Duration
	DialTimeout     time.Duration
	NotifyQueueSize int
	MaxFrameSize    int
	Logger          *logger.Logger
}

// OptionsFromConfig builds client options from the loaded configuration
func OptionsFromConfig(cfg *config.Config, log *logger.Logger) Options {
	return Options{
		Transport:       cfg.Client.Transport,
		Address:         cfg.ClientAddress(),
		AuthToken:       cfg.Client.AuthToken,
		RequestTimeout:  cfg.Client.RequestTimeout,
		DialTimeout:     cfg.Client.DialTimeout,
		NotifyQueueSize: cfg.Client.NotifyQueueSize,
		MaxFrameSize:    cfg.Socket.MaxFrameSize,
		Logger:          log,
	}
}

// SaveStateHandler observes save_state pushes
type SaveStateHandler func(ctx context.Context, data protocol.StateData) error

// ConnectionLostHandler is called once when the transport ends unexpectedly
type ConnectionLostHandler func(err error)

// Client owns one connection to a recbridge server
type Client struct {
	opts   Options
	logger *logger.Logger

	mu        sync.Mutex
	lifecycle *fsm.FSM
	conn      transport.Conn
	cancel    context.CancelFunc

	pending *correlator.Map
	router  *dispatch.Router
	notify  chan protocol.StateData
	wg      sync.WaitGroup

	observersMu sync.RWMutex
	onSaveState []SaveStateHandler
	onLost      []ConnectionLostHandler
}

// New creates a disconnected client
func New(opts Options) (*Client, error) {
	if opts.Transport == "" {
		return nil, types.NewError(types.ErrCodeInvalidArgument, "transport cannot be empty")
	}
	if !transport.Has(opts.Transport) {
		return nil, types.NewError(types.ErrCodeInvalidArgument,
			fmt.Sprintf("unknown transport: %s (available: %s)", opts.Transport, strings.Join(transport.Available(), ", ")))
	}
	if opts.Address == "" {
		return nil, types.NewError(types.ErrCodeInvalidArgument, "address cannot be empty")
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = config.DefaultRequestTimeout
	}
	if opts.DialTimeout <= 0 {
		opts.DialTimeout = config.DefaultDialTimeout
	}
	if opts.NotifyQueueSize <= 0 {
		opts.NotifyQueueSize = config.DefaultNotifyQueueSize
	}
	log := opts.Logger
	if log == nil {
		log = logger.Global()
	}
	log = log.With("component", "client", "transport", opts.Transport, "address", opts.Address)

	c := &Client{
		opts:      opts,
		logger:    log,
		lifecycle: newLifecycle(log),
		pending:   correlator.New(),
		notify:    make(chan protocol.StateData, opts.NotifyQueueSize),
	}

	c.router = dispatch.NewRouter(log)
	if err := c.router.HandleFunc(protocol.TypeRecommendationsResponse, c.handleResponse); err != nil {
		return nil, err
	}
	if err := c.router.HandleFunc(protocol.TypeSaveState, c.handleSaveState); err != nil {
		return nil, err
	}
	return c, nil
}

// State returns the current connection state
func (c *Client) State() string {
	return c.lifecycle.Current()
}

// Pending returns the number of requests awaiting a response
func (c *Client) Pending() int {
	return c.pending.Len()
}

// OnSaveState registers an observer for save_state pushes. Observers run on
// the notification goroutine; errors and panics are logged.
func (c *Client) OnSaveState(h SaveStateHandler) {
	c.observersMu.Lock()
	defer c.observersMu.Unlock()
	c.onSaveState = append(c.onSaveState, h)
}

// OnConnectionLost registers a listener for unexpected transport termination
func (c *Client) OnConnectionLost(h ConnectionLostHandler) {
	c.observersMu.Lock()
	defer c.observersMu.Unlock()
	c.onLost = append(c.onLost, h)
}

// transition must be called with mu held
func (c *Client) transition(event string) error {
	return c.lifecycle.Event(context.Background(), event)
}

// Connect dials the server and starts the listener. On failure the client
// is back in the disconnected state and may try again.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	if err := c.transition(eventConnect); err != nil {
		state := c.lifecycle.Current()
		c.mu.Unlock()
		return types.NewError(types.ErrCodeFailedPrecondition, "cannot connect in state "+state)
	}
	c.mu.Unlock()

	c.logger.Info("Connecting")
	conn, err := transport.Dial(ctx, c.opts.Transport, c.opts.Address, transport.DialOptions{
		Timeout:      c.opts.DialTimeout,
		AuthToken:    c.opts.AuthToken,
		MaxFrameSize: c.opts.MaxFrameSize,
		Logger:       c.logger,
	})

	c.mu.Lock()
	defer c.mu.Unlock()

	if err != nil {
		if c.lifecycle.Current() == StateConnecting {
			_ = c.transition(eventFailed)
		}
		c.logger.Warn("Connect failed", "error", err)
		if types.IsErrCode(err, types.ErrCodeUnavailable) {
			return err
		}
		return types.WrapError(types.ErrCodeUnavailable, "failed to connect", err)
	}

	if c.lifecycle.Current() != StateConnecting {
		// Closed while dialing
		conn.Close()
		return types.NewError(types.ErrCodeCanceled, "client closed while connecting")
	}

	if err := c.transition(eventOpened); err != nil {
		conn.Close()
		return types.WrapError(types.ErrCodeInternal, "failed to open connection", err)
	}

	loopCtx, cancel := context.WithCancel(context.Background())
	c.conn = conn
	c.cancel = cancel

	c.wg.Add(2)
	go c.readLoop(loopCtx, conn)
	go c.notifyLoop(loopCtx)

	c.logger.Info("Connected", "remote", conn.RemoteAddr())
	return nil
}

// Close closes the connection and releases every pending caller with
// ErrCodeCanceled. It is safe to call more than once.
func (c *Client) Close() error {
	c.mu.Lock()
	if !c.lifecycle.Can(eventClose) {
		c.mu.Unlock()
		return nil
	}
	if err := c.transition(eventClose); err != nil {
		c.mu.Unlock()
		return types.WrapError(types.ErrCodeInternal, "failed to close", err)
	}
	conn := c.conn
	cancel := c.cancel
	c.mu.Unlock()

	c.pending.Close()
	if cancel != nil {
		cancel()
	}
	var closeErr error
	if conn != nil {
		closeErr = conn.Close()
	}
	c.wg.Wait()

	c.mu.Lock()
	_ = c.transition(eventClosed)
	c.mu.Unlock()

	c.logger.Info("Connection closed")
	if closeErr != nil {
		return types.WrapError(types.ErrCodeInternal, "failed to close connection", closeErr)
	}
	return nil
}

// openConn returns the connection if the client is open
func (c *Client) openConn() (transport.Conn, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.lifecycle.Current() != StateOpen {
		return nil, types.NewError(types.ErrCodeUnavailable, "client is not connected (state "+c.lifecycle.Current()+")")
	}
	return c.conn, nil
}

// SendRequest sends payload as a msgType request and waits for the response
// with the same request ID. The response data is decoded into out when out
// is non-nil. Timeouts are ErrCodeTimeout; close and cancellation are
// ErrCodeCanceled; send failures are ErrCodeUnavailable.
func (c *Client) SendRequest(ctx context.Context, msgType protocol.MessageType, payload any, out any) error {
	conn, err := c.openConn()
	if err != nil {
		return err
	}

	id := correlator.NewRequestID()
	env, err := protocol.NewEnvelope(msgType, id, payload)
	if err != nil {
		return err
	}
	future, err := c.pending.Register(id)
	if err != nil {
		return err
	}

	if err := conn.WriteMessage(ctx, env); err != nil {
		c.pending.Remove(id)
		if types.IsErrCode(err, types.ErrCodeCanceled) || types.IsErrCode(err, types.ErrCodeUnavailable) {
			return err
		}
		return types.WrapError(types.ErrCodeUnavailable, "failed to send request", err)
	}

	resp, err := c.pending.Await(ctx, id, future, c.opts.RequestTimeout)
	if err != nil {
		c.logger.Debug("Request failed", "type", msgType, "request_id", id, "error", err)
		return err
	}
	if out != nil {
		return resp.Decode(out)
	}
	return nil
}

// GetRecommendations asks the server for recommendations for userID
func (c *Client) GetRecommendations(ctx context.Context, userID string) ([]string, error) {
	var resp protocol.RecommendationsResponse
	if err := c.SendRequest(ctx, protocol.TypeGetRecommendations, protocol.GetRecommendationsRequest{UserID: userID}, &resp); err != nil {
		return nil, err
	}
	return resp.Recommendations, nil
}

// SendAnalyticEvent sends an analytic event. No reply is expected.
func (c *Client) SendAnalyticEvent(ctx context.Context, ev protocol.AnalyticEvent) error {
	conn, err := c.openConn()
	if err != nil {
		return err
	}
	env, err := protocol.NewEnvelope(protocol.TypeAnalyticEvent, "", ev)
	if err != nil {
		return err
	}
	if err := conn.WriteMessage(ctx, env); err != nil {
		if types.IsErrCode(err, types.ErrCodeCanceled) || types.IsErrCode(err, types.ErrCodeUnavailable) {
			return err
		}
		return types.WrapError(types.ErrCodeUnavailable, "failed to send analytic event", err)
	}
	return nil
}

// readLoop is the single reader of conn. It never returns an error; the
// end of the transport is reported through the lifecycle.
func (c *Client) readLoop(ctx context.Context, conn transport.Conn) {
	defer c.wg.Done()

	for {
		env, err := conn.ReadMessage(ctx)
		if err != nil {
			if transport.IsRecoverable(err) {
				c.logger.Warn("Ignoring malformed message", "error", err)
				continue
			}
			c.connectionEnded(conn, err)
			return
		}
		// Errors are logged by the router
		_ = c.router.Dispatch(ctx, env)
	}
}

// connectionEnded handles the end of the transport. A local Close has
// already moved the state to closing, so only unexpected ends are reported.
func (c *Client) connectionEnded(conn transport.Conn, err error) {
	c.mu.Lock()
	if c.lifecycle.Current() != StateOpen {
		c.mu.Unlock()
		return
	}
	_ = c.transition(eventLost)
	cancel := c.cancel
	c.mu.Unlock()

	c.logger.Warn("Connection lost", "error", err)
	lostErr := types.WrapError(types.ErrCodeUnavailable, "connection lost", err)
	c.pending.CloseWithError(lostErr)
	if cancel != nil {
		cancel()
	}
	conn.Close()

	c.observersMu.RLock()
	handlers := append([]ConnectionLostHandler(nil), c.onLost...)
	c.observersMu.RUnlock()
	for _, h := range handlers {
		c.safeLost(h, lostErr)
	}
}

func (c *Client) safeLost(h ConnectionLostHandler, err error) {
	defer func() {
		if p := recover(); p != nil {
			c.logger.Error("Connection lost handler panicked", "panic", p, "stack", string(debug.Stack()))
		}
	}()
	h(err)
}

func (c *Client) handleResponse(ctx context.Context, env *protocol.Envelope) error {
	if env.RequestID == "" {
		return types.NewError(types.ErrCodeInvalid, "response without request_id")
	}
	if !c.pending.Resolve(env.RequestID, env) {
		c.logger.Debug("Dropping response for unknown request", "type", env.Type, "request_id", env.RequestID)
	}
	return nil
}

func (c *Client) handleSaveState(ctx context.Context, env *protocol.Envelope) error {
	var data protocol.StateData
	if err := env.Decode(&data); err != nil {
		return err
	}
	select {
	case c.notify <- data:
	default:
		c.logger.Warn("Notification queue full, dropping save_state", "analytics_count", data.AnalyticsCount)
	}
	return nil
}

// notifyLoop delivers queued pushes to the observers
func (c *Client) notifyLoop(ctx context.Context) {
	defer c.wg.Done()
	for {
		select {
		case data := <-c.notify:
			c.deliver(ctx, data)
		case <-ctx.Done():
			return
		}
	}
}

func (c *Client) deliver(ctx context.Context, data protocol.StateData) {
	c.observersMu.RLock()
	handlers := append([]SaveStateHandler(nil), c.onSaveState...)
	c.observersMu.RUnlock()

	for _, h := range handlers {
		if err := c.safeSaveState(ctx, h, data); err != nil {
			c.logger.Warn("save_state observer failed", "error", err)
		}
	}
}

func (c *Client) safeSaveState(ctx context.Context, h SaveStateHandler, data protocol.StateData) (err error) {
	defer func() {
		if p := recover(); p != nil {
			c.logger.Error("save_state observer panicked", "panic", p, "stack", string(debug.Stack()))
			err = types.NewError(types.ErrCodeHandlerFailed, fmt.Sprintf("observer panic: %v", p))
		}
	}()
	return h(ctx, data)
}

// String returns a string representation of the client
func (c *Client) String() string {
	return fmt.Sprintf("Client{Transport: %s, Address: %s, State: %s, Pending: %d}",
		c.opts.Transport, c.opts.Address, c.State(), c.Pending())
}
