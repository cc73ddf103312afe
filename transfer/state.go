package transfer

import (
	"errors"
	"fmt"
	"sync"
)

// State is one step of a session lifecycle. Sender and receiver share it.
type State int

const (
	StateIdle State = iota
	StateListening
	StateAwaitingAccept
	StateSending
	StateReceiving
	StateCompleted
	StateError
	StateCancelled
)

// ErrInvalidTransition rejects a move the lifecycle does not allow.
var ErrInvalidTransition = errors.New("transfer: invalid state transition")

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateListening:
		return "listening"
	case StateAwaitingAccept:
		return "awaiting_accept"
	case StateSending:
		return "sending"
	case StateReceiving:
		return "receiving"
	case StateCompleted:
		return "completed"
	case StateError:
		return "error"
	case StateCancelled:
		return "cancelled"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Terminal reports whether s ends a session.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateError || s == StateCancelled
}

// Active reports whether bytes are moving.
func (s State) Active() bool {
	return s == StateSending || s == StateReceiving
}

// Code is the boundary state value: Idle 0, Listening 1, AwaitingAccept 2,
// Receiving or Sending 3, Completed 4, Error or Cancelled 5.
func (s State) Code() int {
	switch s {
	case StateIdle:
		return 0
	case StateListening:
		return 1
	case StateAwaitingAccept:
		return 2
	case StateSending, StateReceiving:
		return 3
	case StateCompleted:
		return 4
	default:
		return 5
	}
}

var transitions = map[State][]State{
	StateIdle:           {StateListening, StateAwaitingAccept, StateError, StateCancelled},
	StateListening:      {StateAwaitingAccept, StateError},
	StateAwaitingAccept: {StateSending, StateReceiving, StateError, StateCancelled},
	StateSending:        {StateCompleted, StateError, StateCancelled},
	StateReceiving:      {StateCompleted, StateError, StateCancelled},
	StateCompleted:      {StateListening},
	StateError:          {StateListening},
	StateCancelled:      {StateListening},
}

// Machine guards one session's state. Moves are forward only, apart from
// the rearm back to Listening and an explicit Reset.
type Machine struct {
	mu    sync.RWMutex
	state State
}

// State returns the current state.
func (m *Machine) State() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

// Transition moves to next when allowed.
func (m *Machine) Transition(next State) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.transitionLocked(next)
}

// TransitionFrom moves to next only if the current state is from.
func (m *Machine) TransitionFrom(from, next State) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != from {
		return fmt.Errorf("%w: in %s, expected %s", ErrInvalidTransition, m.state, from)
	}
	return m.transitionLocked(next)
}

func (m *Machine) transitionLocked(next State) error {
	for _, allowed := range transitions[m.state] {
		if allowed == next {
			m.state = next
			return nil
		}
	}
	return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, m.state, next)
}

// Reset forces Idle. Used by Stop and before a sender reruns.
func (m *Machine) Reset() {
	m.mu.Lock()
	m.state = StateIdle
	m.mu.Unlock()
}
