package transport

import (
	"context"
	"sync"

	"github.com/looplab/fsm"
)

// ConnState is the lifecycle state of one logical transport session.
type ConnState string

const (
	Disconnected ConnState = "disconnected"
	Connecting   ConnState = "connecting"
	Connected    ConnState = "connected"
	Closing      ConnState = "closing"
	// Reconnecting is a WebSocket-only sub-state: the socket dropped
	// abnormally and a retry timer is pending.
	Reconnecting ConnState = "reconnecting"
)

// Transition events. Transitions are driven only by transport events
// (open/close/error), never guessed.
const (
	evDial        = "dial"
	evEstablished = "established"
	evClose       = "close"
	evDrop        = "drop"
	evRetry       = "retry"
)

// ConnTracker is the single transition function for connection state,
// shared by both protocol clients. Invalid transitions are rejected,
// which keeps state monotonic within one connection attempt.
type ConnTracker struct {
	mu      sync.Mutex
	machine *fsm.FSM
	onState func(ConnState)
}

// NewConnTracker builds a tracker starting at Disconnected. onState is
// invoked after every successful transition, outside the tracker lock.
func NewConnTracker(onState func(ConnState)) *ConnTracker {
	t := &ConnTracker{onState: onState}
	t.machine = fsm.NewFSM(
		string(Disconnected),
		fsm.Events{
			{Name: evDial, Src: []string{string(Disconnected), string(Reconnecting)}, Dst: string(Connecting)},
			{Name: evEstablished, Src: []string{string(Connecting)}, Dst: string(Connected)},
			{Name: evClose, Src: []string{string(Connecting), string(Connected)}, Dst: string(Closing)},
			{Name: evDrop, Src: []string{string(Connecting), string(Connected), string(Closing), string(Reconnecting)}, Dst: string(Disconnected)},
			{Name: evRetry, Src: []string{string(Connecting), string(Connected), string(Disconnected)}, Dst: string(Reconnecting)},
		},
		fsm.Callbacks{},
	)
	return t
}

// State reports the current connection state.
func (t *ConnTracker) State() ConnState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return ConnState(t.machine.Current())
}

func (t *ConnTracker) fire(event string) error {
	t.mu.Lock()
	err := t.machine.Event(context.Background(), event)
	current := ConnState(t.machine.Current())
	t.mu.Unlock()

	if err == nil && t.onState != nil {
		t.onState(current)
	}
	return err
}

// Dial marks the start of a connection attempt.
func (t *ConnTracker) Dial() error { return t.fire(evDial) }

// Established marks a successful open.
func (t *ConnTracker) Established() error { return t.fire(evEstablished) }

// Close marks a deliberate, caller-initiated teardown in progress.
func (t *ConnTracker) Close() error { return t.fire(evClose) }

// Drop marks the session fully disconnected.
func (t *ConnTracker) Drop() error { return t.fire(evDrop) }

// Retry marks an automatic reconnect pending.
func (t *ConnTracker) Retry() error { return t.fire(evRetry) }
