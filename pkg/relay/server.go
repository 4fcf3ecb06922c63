package relay

import (
	"context"
	"errors"
	"net"
	"strings"

	"github.com/lxzan/gws"

	"github.com/forkful/docsync/pkg/transport"
	"github.com/forkful/docsync/pkg/wire"
)

// ServeConn serves one connection until it fails or the relay closes.
// It is suitable as the Serve function of a transport.MemoryDialer.
func (r *Relay) ServeConn(conn transport.Conn) {
	p := r.newPeer(conn.Send, conn.Close)
	defer r.dropPeer(p)
	defer conn.Close()

	for {
		data, err := conn.Receive(r.ctx)
		if err != nil {
			return
		}
		if err := r.handle(r.ctx, p, data); err != nil {
			r.logger.Debug("relay: closing connection", "conn", p.id, "error", err)
			return
		}
	}
}

// Server exposes a Relay over WebSockets.
type Server struct {
	relay    *Relay
	addr     string
	listener net.Listener
	server   *gws.Server
}

// handler implements gws.Event. gws delivers one connection's messages in order.
type handler struct {
	relay *Relay
}

const peerKey = "peer"

// NewServer creates a WebSocket server for relay. Use "127.0.0.1:0" to
// bind to a random port.
func NewServer(relay *Relay, addr string) *Server {
	s := &Server{relay: relay, addr: addr}
	s.server = gws.NewServer(&handler{relay: relay}, &gws.ServerOption{
		ReadMaxPayloadSize: wire.MaxFrameBytes,
	})
	s.server.OnError = func(_ net.Conn, err error) {
		if !isClosedError(err) {
			relay.logger.Warn("relay: server error", "error", err)
		}
	}
	return s
}

// Start binds the listener and serves in the background.
func (s *Server) Start() error {
	var lc net.ListenConfig
	listener, err := lc.Listen(context.Background(), "tcp", s.addr)
	if err != nil {
		return err
	}
	s.listener = listener

	go func() {
		if err := s.server.RunListener(listener); err != nil && !isClosedError(err) {
			s.relay.logger.Error("relay: listener stopped", "error", err)
		}
	}()
	return nil
}

// Serve runs until ctx is done, then stops the listener.
func (s *Server) Serve(ctx context.Context) error {
	if err := s.Start(); err != nil {
		return err
	}
	s.relay.logger.Info("relay: listening", "addr", s.Address())
	<-ctx.Done()
	return s.Stop()
}

// Stop closes the listener and every open connection.
func (s *Server) Stop() error {
	var err error
	if s.listener != nil {
		err = s.listener.Close()
	}
	s.relay.Disconnect()
	if isClosedError(err) {
		return nil
	}
	return err
}

// Address returns the bound address, which differs from the configured
// one when listening on port 0.
func (s *Server) Address() string {
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.addr
}

// URL returns the WebSocket URL clients dial.
func (s *Server) URL() string {
	return "ws://" + s.Address()
}

func (h *handler) OnOpen(socket *gws.Conn) {
	p := h.relay.newPeer(
		func(_ context.Context, data []byte) error {
			return socket.WriteMessage(gws.OpcodeBinary, data)
		},
		func() error {
			return socket.NetConn().Close()
		},
	)
	socket.Session().Store(peerKey, p)
}

func (h *handler) peer(socket *gws.Conn) *peer {
	v, ok := socket.Session().Load(peerKey)
	if !ok {
		return nil
	}
	p, _ := v.(*peer)
	return p
}

func (h *handler) OnClose(socket *gws.Conn, _ error) {
	if p := h.peer(socket); p != nil {
		h.relay.dropPeer(p)
	}
}

func (h *handler) OnPing(socket *gws.Conn, payload []byte) {
	if err := socket.WritePong(payload); err != nil {
		h.relay.logger.Debug("relay: writing pong failed", "error", err)
	}
}

func (h *handler) OnPong(*gws.Conn, []byte) {}

func (h *handler) OnMessage(socket *gws.Conn, message *gws.Message) {
	defer message.Close()

	p := h.peer(socket)
	if p == nil {
		return
	}
	if err := h.relay.handle(h.relay.ctx, p, message.Bytes()); err != nil {
		h.relay.logger.Debug("relay: closing connection", "conn", p.id, "error", err)
		socket.WriteClose(1000, []byte("closing"))
		_ = socket.NetConn().Close()
	}
}

func isClosedError(err error) bool {
	if err == nil {
		return false
	}
	return errors.Is(err, net.ErrClosed) || strings.Contains(err.Error(), "use of closed network connection")
}
