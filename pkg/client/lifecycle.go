package client

import (
	"context"

	"github.com/looplab/fsm"

	"github.com/billm/recbridge/internal/logger"
)

// Connection states
const (
	StateDisconnected = "disconnected"
	StateConnecting   = "connecting"
	StateOpen         = "open"
	StateClosing      = "closing"
	StateClosed       = "closed"
)

// Lifecycle events
const (
	eventConnect = "connect"
	eventOpened  = "opened"
	eventFailed  = "failed"
	eventClose   = "close"
	eventClosed  = "closed"
	eventLost    = "lost"
)

// newLifecycle builds the connection state machine. Callers serialize
// compound check-and-transition steps with their own lock.
func newLifecycle(log *logger.Logger) *fsm.FSM {
	return fsm.NewFSM(
		StateDisconnected,
		fsm.Events{
			{Name: eventConnect, Src: []string{StateDisconnected}, Dst: StateConnecting},
			{Name: eventOpened, Src: []string{StateConnecting}, Dst: StateOpen},
			{Name: eventFailed, Src: []string{StateConnecting}, Dst: StateDisconnected},
			{Name: eventClose, Src: []string{StateDisconnected, StateConnecting, StateOpen}, Dst: StateClosing},
			{Name: eventClosed, Src: []string{StateClosing}, Dst: StateClosed},
			{Name: eventLost, Src: []string{StateOpen}, Dst: StateClosed},
		},
		fsm.Callbacks{
			"enter_state": func(_ context.Context, e *fsm.Event) {
				log.Debug("Connection state changed", "event", e.Event, "from", e.Src, "to", e.Dst)
			},
		},
	)
}
