// Package transport carries binary frames between a sync session and its
// peer. A Conn is message oriented: one Send is delivered as one Receive.
package transport

import (
	"context"
	"errors"
)

var (
	// ErrClosed is returned by operations on a closed Conn.
	ErrClosed = errors.New("transport closed")
)

// Conn is a bidirectional, message-oriented connection.
// Send may be called concurrently with Receive, but neither method may be
// called concurrently with itself.
type Conn interface {
	Send(ctx context.Context, data []byte) error
	Receive(ctx context.Context) ([]byte, error)
	Close() error
}

// Dialer opens a new Conn to the peer.
type Dialer interface {
	Dial(ctx context.Context) (Conn, error)
}

// DialerFunc adapts a function to Dialer.
type DialerFunc func(ctx context.Context) (Conn, error)

func (f DialerFunc) Dial(ctx context.Context) (Conn, error) {
	return f(ctx)
}
