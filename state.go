package docsync

import "fmt"

// State is the client-visible lifecycle state.
type State int

const (
	StateUninitialized State = iota
	StateLoading
	StatePendingSync
	StateReady
	StateError
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateLoading:
		return "loading"
	case StatePendingSync:
		return "pending-sync"
	case StateReady:
		return "ready"
	case StateError:
		return "error"
	default:
		return "InvalidState"
	}
}

func (s State) validateTransitionTo(next State) error {
	switch next {
	case StateLoading:
		// setting a root is allowed from every state
		return nil
	case StatePendingSync:
		if s == StateLoading {
			return nil
		}
	case StateReady:
		if s == StateLoading || s == StatePendingSync {
			return nil
		}
	case StateError:
		if s == StateLoading || s == StatePendingSync {
			return nil
		}
	}
	return fmt.Errorf("invalid state transition from %v to %v", s, next)
}
