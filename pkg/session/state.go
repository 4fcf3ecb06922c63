package session

import "fmt"

// State is the connection-level state of a Session.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateHandshaking
	StateSyncing
	// StateIdle means nothing is left to exchange: every document is idle
	// or unavailable on the peer. Unavailable documents arrive later by push;
	// Status.Unavailable lists them.
	StateIdle
	StateClosed
)

func (state State) String() string {
	switch state {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateHandshaking:
		return "handshaking"
	case StateSyncing:
		return "syncing"
	case StateIdle:
		return "idle"
	case StateClosed:
		return "closed"
	default:
		return "InvalidState"
	}
}

func (state State) validateTransitionTo(newState State) error {
	if newState == StateClosed {
		return nil
	}
	switch state {
	case StateDisconnected:
		if newState == StateConnecting {
			return nil
		}
	case StateConnecting:
		switch newState {
		case StateHandshaking, StateDisconnected:
			return nil
		}
	case StateHandshaking:
		switch newState {
		case StateSyncing, StateDisconnected:
			return nil
		}
	case StateSyncing:
		switch newState {
		case StateIdle, StateDisconnected:
			return nil
		}
	case StateIdle:
		switch newState {
		case StateSyncing, StateDisconnected:
			return nil
		}
	}
	return fmt.Errorf("invalid state transition from %v to %v", state, newState)
}

// DocState is the per-document sync state.
type DocState int

const (
	DocPending DocState = iota
	DocSyncing
	DocIdle
	DocUnavailable
)

func (d DocState) String() string {
	switch d {
	case DocPending:
		return "pending"
	case DocSyncing:
		return "syncing"
	case DocIdle:
		return "idle"
	case DocUnavailable:
		return "unavailable"
	default:
		return "invalid"
	}
}
