package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"time"

	gorilla "github.com/gorilla/websocket"

	"github.com/forkful/docsync/pkg/logger"
)

// Subprotocol is negotiated on every docsync WebSocket.
const Subprotocol = "docsync"

// DefaultDialer is the gorilla dialer used by WebSocketDialer.
//
// It is gorilla's default dialer with compression enabled and the docsync
// subprotocol requested.
var DefaultDialer = &gorilla.Dialer{
	Proxy:             gorilla.DefaultDialer.Proxy,
	HandshakeTimeout:  gorilla.DefaultDialer.HandshakeTimeout,
	EnableCompression: true,
	Subprotocols:      []string{Subprotocol},
}

// WebSocketDialer dials a relay over gorilla/websocket.
type WebSocketDialer struct {
	URL    string
	Header http.Header
	Dialer *gorilla.Dialer
	Logger logger.Logger

	// ReadLimit bounds a single inbound message. Zero means
	// DefaultReadLimit.
	ReadLimit int64
}

// DefaultReadLimit matches the largest frame the wire codec decodes.
const DefaultReadLimit = 64 << 20

var _ Dialer = (*WebSocketDialer)(nil)

func (d *WebSocketDialer) Dial(ctx context.Context) (Conn, error) {
	dialer := d.Dialer
	if dialer == nil {
		dialer = DefaultDialer
	}
	conn, res, err := dialer.DialContext(ctx, d.URL, d.Header)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", d.URL, err)
	}
	if res != nil && res.Body != nil {
		defer res.Body.Close()
	}
	limit := d.ReadLimit
	if limit <= 0 {
		limit = DefaultReadLimit
	}
	conn.SetReadLimit(limit)
	return NewWebSocketConn(conn, logger.OrNop(d.Logger)), nil
}

// WebSocketConn is a Conn over a gorilla connection. A background read
// loop feeds Receive until the connection fails or is closed.
type WebSocketConn struct {
	conn   *gorilla.Conn
	logger logger.Logger

	// writeLock serializes writers; gorilla allows one concurrent writer.
	writeLock sync.Mutex

	inbox chan []byte

	closeOnce sync.Once
	closeCh   chan struct{}
	closeErr  error
	errLock   sync.Mutex
}

var _ Conn = (*WebSocketConn)(nil)

func NewWebSocketConn(conn *gorilla.Conn, log logger.Logger) *WebSocketConn {
	c := &WebSocketConn{
		conn:    conn,
		logger:  logger.OrNop(log),
		inbox:   make(chan []byte, 64),
		closeCh: make(chan struct{}),
	}
	go c.readLoop()
	return c
}

func (c *WebSocketConn) Send(ctx context.Context, data []byte) error {
	select {
	case <-c.closeCh:
		return c.err()
	default:
	}

	c.writeLock.Lock()
	defer c.writeLock.Unlock()

	deadline := time.Time{}
	if d, ok := ctx.Deadline(); ok {
		deadline = d
	}
	if err := c.conn.SetWriteDeadline(deadline); err != nil {
		c.closeWithError(err)
		return err
	}
	if err := c.conn.WriteMessage(gorilla.BinaryMessage, data); err != nil {
		c.closeWithError(err)
		return err
	}
	return nil
}

func (c *WebSocketConn) Receive(ctx context.Context) ([]byte, error) {
	select {
	case data := <-c.inbox:
		return data, nil
	case <-c.closeCh:
		// drain what arrived before the failure
		select {
		case data := <-c.inbox:
			return data, nil
		default:
		}
		return nil, c.err()
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Close sends a close frame, bounded by one second, and releases the connection.
func (c *WebSocketConn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.setErr(ErrClosed)
		close(c.closeCh)

		c.writeLock.Lock()
		msg := gorilla.FormatCloseMessage(gorilla.CloseNormalClosure, "")
		_ = c.conn.WriteControl(gorilla.CloseMessage, msg, time.Now().Add(time.Second))
		c.writeLock.Unlock()

		err = c.conn.Close()
	})
	return err
}

func (c *WebSocketConn) closeWithError(err error) {
	c.closeOnce.Do(func() {
		c.setErr(err)
		close(c.closeCh)
		_ = c.conn.Close()
	})
}

func (c *WebSocketConn) setErr(err error) {
	c.errLock.Lock()
	defer c.errLock.Unlock()
	if c.closeErr == nil {
		c.closeErr = err
	}
}

func (c *WebSocketConn) err() error {
	c.errLock.Lock()
	defer c.errLock.Unlock()
	if c.closeErr == nil {
		return ErrClosed
	}
	return c.closeErr
}

func (c *WebSocketConn) readLoop() {
	for {
		kind, data, err := c.conn.ReadMessage()
		if err != nil {
			c.closeWithError(c.classify(err))
			return
		}
		if kind != gorilla.BinaryMessage {
			c.logger.Warn("transport: ignoring non-binary message", "type", kind)
			continue
		}
		select {
		case c.inbox <- data:
		case <-c.closeCh:
			return
		}
	}
}

func (c *WebSocketConn) classify(err error) error {
	if errors.Is(err, net.ErrClosed) {
		return ErrClosed
	}
	if gorilla.IsCloseError(err, gorilla.CloseNormalClosure, gorilla.CloseGoingAway) {
		return fmt.Errorf("%w: peer closed", ErrClosed)
	}
	if gorilla.IsUnexpectedCloseError(err) {
		return fmt.Errorf("%w: %v", io.ErrClosedPipe, err)
	}
	c.logger.Debug("transport: read failed", "error", err)
	return err
}
