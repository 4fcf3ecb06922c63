package session

import (
	"errors"
	"fmt"
)

var (
	// ErrNetwork is matched by every NetworkError.
	ErrNetwork = errors.New("network failure")

	// ErrRejected is wrapped when the peer refuses the handshake.
	ErrRejected = errors.New("handshake rejected")

	// ErrProtocol is wrapped when the peer sends something unexpected.
	ErrProtocol = errors.New("protocol violation")

	// ErrClosed is returned by operations on a closed Session.
	ErrClosed = errors.New("session closed")

	// ErrGaveUp is reported when the Retryer stops retrying.
	ErrGaveUp = errors.New("gave up reconnecting")
)

// NetworkError reports a failed dial, handshake or exchange. It only
// affects the session's own state and backoff.
type NetworkError struct {
	Op  string
	Err error
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("session %s: %v", e.Op, e.Err)
}

func (e *NetworkError) Unwrap() error {
	return e.Err
}

func (e *NetworkError) Is(target error) bool {
	return target == ErrNetwork
}
