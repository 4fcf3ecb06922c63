package transport

import (
	"context"
	"errors"
	"sync"
)

// ErrDialRefused is returned by MemoryDialer while it is refusing connections.
var ErrDialRefused = errors.New("dial refused")

type pipeEnd struct {
	in   <-chan []byte
	out  chan<- []byte
	link *pipeLink
}

type pipeLink struct {
	once   sync.Once
	closed chan struct{}
}

func (l *pipeLink) close() {
	l.once.Do(func() { close(l.closed) })
}

// Pipe returns the two ends of an in-memory connection. Closing either
// end closes both.
func Pipe() (Conn, Conn) {
	ab := make(chan []byte, 64)
	ba := make(chan []byte, 64)
	link := &pipeLink{closed: make(chan struct{})}
	return &pipeEnd{in: ba, out: ab, link: link}, &pipeEnd{in: ab, out: ba, link: link}
}

func (p *pipeEnd) Send(ctx context.Context, data []byte) error {
	select {
	case <-p.link.closed:
		return ErrClosed
	default:
	}
	buf := append([]byte(nil), data...)
	select {
	case p.out <- buf:
		return nil
	case <-p.link.closed:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Receive drains frames already delivered before reporting a closed pipe.
func (p *pipeEnd) Receive(ctx context.Context) ([]byte, error) {
	select {
	case data := <-p.in:
		return data, nil
	default:
	}
	select {
	case data := <-p.in:
		return data, nil
	case <-p.link.closed:
		select {
		case data := <-p.in:
			return data, nil
		default:
		}
		return nil, ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (p *pipeEnd) Close() error {
	p.link.close()
	return nil
}

// MemoryDialer connects sessions to an in-process peer. Every Dial
// creates a Pipe and hands the far end to Serve on its own goroutine.
type MemoryDialer struct {
	Serve func(conn Conn)

	mu      sync.Mutex
	refuse  bool
	dials   int
	current []Conn
}

var _ Dialer = (*MemoryDialer)(nil)

func NewMemoryDialer(serve func(conn Conn)) *MemoryDialer {
	return &MemoryDialer{Serve: serve}
}

func (d *MemoryDialer) Dial(ctx context.Context) (Conn, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	d.mu.Lock()
	d.dials++
	if d.refuse {
		d.mu.Unlock()
		return nil, ErrDialRefused
	}
	local, remote := Pipe()
	d.current = append(d.current, local)
	d.mu.Unlock()

	go d.Serve(remote)
	return local, nil
}

// SetOffline makes Dial fail and, when offline is true, drops every open
// connection, simulating loss of connectivity.
func (d *MemoryDialer) SetOffline(offline bool) {
	d.mu.Lock()
	d.refuse = offline
	var drop []Conn
	if offline {
		drop, d.current = d.current, nil
	}
	d.mu.Unlock()

	for _, c := range drop {
		_ = c.Close()
	}
}

// Dials returns how many times Dial was called.
func (d *MemoryDialer) Dials() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials
}
