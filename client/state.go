package client

import "sync/atomic"

// State is the client's connection lifecycle state.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	// StateDegraded means the socket is open but no server traffic
	// (heartbeats included) has arrived within the stale threshold.
	StateDegraded
	StateReconnecting
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateDegraded:
		return "degraded"
	case StateReconnecting:
		return "reconnecting"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// stateMachine tracks the lifecycle state. StateClosed is terminal; every
// other transition is allowed, since network errors can strike in any
// state.
type stateMachine struct {
	v        atomic.Int32
	onChange func(State)
}

func newStateMachine(onChange func(State)) *stateMachine {
	return &stateMachine{onChange: onChange}
}

func (m *stateMachine) current() State { return State(m.v.Load()) }

// to moves to the target state, reporting whether the transition happened.
func (m *stateMachine) to(s State) bool {
	for {
		cur := m.v.Load()
		if State(cur) == StateClosed || State(cur) == s {
			return false
		}
		if m.v.CompareAndSwap(cur, int32(s)) {
			if m.onChange != nil {
				m.onChange(s)
			}
			return true
		}
	}
}
