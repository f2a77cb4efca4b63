package supervisor

import (
	"errors"
	"fmt"
)

type State string

const (
	StatePending      State = "pending"
	StateConnecting   State = "connecting"
	StateActive       State = "active"
	StateDisconnected State = "disconnected"
	StateFailed       State = "failed"
	StateStopped      State = "stopped"
)

// Event drives the connection state machine.
type Event string

const (
	EventOpen      Event = "open"
	EventConnected Event = "connected"
	EventDrop      Event = "drop"
	EventFail      Event = "fail"
	EventRetry     Event = "retry"
	EventExhaust   Event = "exhaust"
	EventStop      Event = "stop"
)

var ErrIllegalTransition = errors.New("illegal state transition")

var transitions = map[State]map[Event]State{
	StatePending: {
		EventOpen: StateConnecting,
	},
	StateConnecting: {
		EventConnected: StateActive,
		EventFail:      StateFailed,
		EventDrop:      StateDisconnected,
	},
	StateActive: {
		EventDrop: StateDisconnected,
		EventFail: StateFailed,
	},
	StateDisconnected: {
		EventRetry:   StateConnecting,
		EventExhaust: StateFailed,
	},
}

// Machine holds the lifecycle state of one deployment. It is not safe for
// concurrent use; Supervisor serializes access.
type Machine struct {
	state State
}

func NewMachine() *Machine {
	return &Machine{state: StatePending}
}

func (m *Machine) State() State {
	return m.state
}

// Apply moves the machine along the transition table. Stop is accepted from
// every state, including stopped.
func (m *Machine) Apply(event Event) (State, error) {
	if event == EventStop {
		m.state = StateStopped
		return m.state, nil
	}
	next, ok := transitions[m.state][event]
	if !ok {
		return m.state, fmt.Errorf("%w: %s on %s", ErrIllegalTransition, event, m.state)
	}
	m.state = next
	return next, nil
}

func (s State) Terminal() bool {
	return s == StateFailed || s == StateStopped
}
