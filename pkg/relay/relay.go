// Package relay implements the remote peer that sync sessions connect to.
//
// A Relay stores every document it is sent, answers each client with the
// messages its own copy generates, and pushes changes to every other
// client following the same document. A request for a document the relay
// has never seen is answered with Unavailable; the requester is
// remembered and receives the document as soon as any client uploads it.
//
// The relay speaks the same frames as pkg/session over any
// transport.Conn (ServeConn) or over WebSockets served by gws (Server).
package relay

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/forkful/docsync/pkg/cache"
	"github.com/forkful/docsync/pkg/crdt"
	"github.com/forkful/docsync/pkg/docid"
	"github.com/forkful/docsync/pkg/docstore"
	"github.com/forkful/docsync/pkg/logger"
	"github.com/forkful/docsync/pkg/metrics"
	"github.com/forkful/docsync/pkg/wire"
)

const writeTimeout = 10 * time.Second

// Config configures a Relay.
type Config struct {
	// PeerID is sent in Accept frames.
	PeerID string
	// Tokens, when non-empty, is the set of accepted Hello tokens.
	Tokens []string
	// MaxDocuments bounds the documents held in memory at once.
	MaxDocuments int

	Logger  logger.Logger
	Metrics *metrics.Metrics
}

// Relay is safe for concurrent use.
type Relay struct {
	cfg    Config
	tokens map[string]bool
	docs   *cache.Cache
	codec  *wire.Codec
	logger logger.Logger
	ctx    context.Context
	cancel context.CancelFunc

	mu          sync.Mutex
	peers       map[string]*peer
	subscribers map[docid.ID]map[*peer]struct{}
	wanters     map[docid.ID]map[*peer]struct{}
	failures    []FailureConfig
}

// New creates a Relay persisting documents to store.
func New(store docstore.Store, cfg Config) *Relay {
	if cfg.PeerID == "" {
		cfg.PeerID = "relay-" + ulid.Make().String()
	}
	r := &Relay{
		cfg:    cfg,
		tokens: make(map[string]bool, len(cfg.Tokens)),
		docs: cache.New(store, cache.Config{
			MaxOwners: cfg.MaxDocuments,
			Logger:    cfg.Logger,
			Metrics:   cfg.Metrics,
		}),
		codec:       wire.NewCodec(),
		logger:      logger.OrNop(cfg.Logger),
		peers:       make(map[string]*peer),
		subscribers: make(map[docid.ID]map[*peer]struct{}),
		wanters:     make(map[docid.ID]map[*peer]struct{}),
	}
	r.ctx, r.cancel = context.WithCancel(context.Background())
	for _, t := range cfg.Tokens {
		r.tokens[t] = true
	}
	return r
}

// owner keys the relay cache per document, so MaxDocuments bounds memory.
func owner(id docid.ID) string {
	return id.String()
}

// peer is one client connection.
type peer struct {
	id     string
	remote string

	sendMu sync.Mutex
	send   func(ctx context.Context, data []byte) error
	close  func() error

	mu       sync.Mutex
	accepted bool
	states   map[docid.ID]*crdt.PeerState
}

func (p *peer) state(id docid.ID) *crdt.PeerState {
	p.mu.Lock()
	defer p.mu.Unlock()
	ps, ok := p.states[id]
	if !ok {
		ps = crdt.NewPeerState()
		p.states[id] = ps
	}
	return ps
}

func (r *Relay) newPeer(send func(ctx context.Context, data []byte) error, closeFn func() error) *peer {
	p := &peer{
		id:     ulid.Make().String(),
		send:   send,
		close:  closeFn,
		states: make(map[docid.ID]*crdt.PeerState),
	}
	r.mu.Lock()
	r.peers[p.id] = p
	r.mu.Unlock()
	r.cfg.Metrics.RelayConnection(1)
	r.logger.Debug("relay: connection opened", "conn", p.id)
	return p
}

func (r *Relay) dropPeer(p *peer) {
	r.mu.Lock()
	delete(r.peers, p.id)
	for id, subs := range r.subscribers {
		delete(subs, p)
		if len(subs) == 0 {
			delete(r.subscribers, id)
		}
	}
	for id, wants := range r.wanters {
		delete(wants, p)
		if len(wants) == 0 {
			delete(r.wanters, id)
		}
	}
	n := len(r.subscribers)
	r.mu.Unlock()

	r.cfg.Metrics.RelayConnection(-1)
	r.cfg.Metrics.RelayDocumentCount(n)
	r.logger.Debug("relay: connection closed", "conn", p.id, "peer", p.remote)
}

func (r *Relay) write(ctx context.Context, p *peer, f wire.Frame) error {
	data, err := r.codec.Encode(f)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	p.sendMu.Lock()
	defer p.sendMu.Unlock()
	if err := p.send(ctx, data); err != nil {
		return fmt.Errorf("send %v to %s: %w", f.Type, p.id, err)
	}
	r.cfg.Metrics.FrameSent(f.Type.String())
	return nil
}

// handle processes one inbound frame. A returned error closes the connection.
func (r *Relay) handle(ctx context.Context, p *peer, data []byte) error {
	if drop := r.injectFailures(ctx, p); drop != nil {
		return drop
	}

	f, err := r.codec.Decode(data)
	if err != nil {
		return err
	}
	r.cfg.Metrics.FrameReceived(f.Type.String())

	p.mu.Lock()
	accepted := p.accepted
	p.mu.Unlock()

	if !accepted {
		return r.handshake(ctx, p, f)
	}

	switch f.Type {
	case wire.TypeSync:
		id, _ := f.DocID()
		return r.handleSync(ctx, p, id, f)
	default:
		return fmt.Errorf("unexpected %v frame from %s", f.Type, p.id)
	}
}

func (r *Relay) handshake(ctx context.Context, p *peer, f wire.Frame) error {
	if f.Type != wire.TypeHello {
		_ = r.write(ctx, p, wire.Reject("hello expected"))
		return fmt.Errorf("first frame from %s was %v", p.id, f.Type)
	}
	if f.Protocol != wire.Protocol {
		_ = r.write(ctx, p, wire.Reject("unsupported protocol "+f.Protocol))
		return fmt.Errorf("protocol %q from %s", f.Protocol, p.id)
	}
	if len(r.tokens) > 0 && !r.tokens[f.Token] {
		_ = r.write(ctx, p, wire.Reject("invalid token"))
		return fmt.Errorf("invalid token from %s", f.PeerID)
	}
	if r.rejectInjected() {
		_ = r.write(ctx, p, wire.Reject("injected rejection"))
		return fmt.Errorf("injected rejection of %s", f.PeerID)
	}

	p.mu.Lock()
	p.accepted = true
	p.remote = f.PeerID
	p.mu.Unlock()
	r.logger.Debug("relay: peer accepted", "conn", p.id, "peer", f.PeerID)
	return r.write(ctx, p, wire.Accept(r.cfg.PeerID))
}

func (r *Relay) subscribe(p *peer, id docid.ID) {
	r.mu.Lock()
	subs, ok := r.subscribers[id]
	if !ok {
		subs = make(map[*peer]struct{})
		r.subscribers[id] = subs
	}
	subs[p] = struct{}{}
	n := len(r.subscribers)
	r.mu.Unlock()
	r.cfg.Metrics.RelayDocumentCount(n)
}

func (r *Relay) handleSync(ctx context.Context, p *peer, id docid.ID, f wire.Frame) error {
	r.subscribe(p, id)
	ps := p.state(id)

	var reply []byte
	var ok, empty bool
	changed := false
	err := r.docs.Sync(ctx, owner(id), id, func(doc *crdt.Doc) (bool, error) {
		var err error
		changed, err = doc.ReceiveSyncMessage(ps, f.Message)
		if err != nil {
			return false, err
		}
		empty = doc.Empty()
		if !(f.Request && empty) {
			reply, ok = doc.GenerateSyncMessage(ps)
		}
		return changed, nil
	})
	if err != nil {
		r.logger.Warn("relay: applying sync message failed", "conn", p.id, "doc", id, "error", err)
		return nil
	}

	if f.Request && empty {
		r.mu.Lock()
		wants, exists := r.wanters[id]
		if !exists {
			wants = make(map[*peer]struct{})
			r.wanters[id] = wants
		}
		wants[p] = struct{}{}
		r.mu.Unlock()
		ps.Reset()
		return r.write(ctx, p, wire.Unavailable(id))
	}

	if ok {
		if err := r.write(ctx, p, wire.Sync(id, reply)); err != nil {
			return err
		}
	}
	if changed {
		r.fanOut(ctx, p, id)
	}
	return nil
}

// fanOut pushes id to every follower other than from, including peers
// that were told it was unavailable.
func (r *Relay) fanOut(ctx context.Context, from *peer, id docid.ID) {
	r.mu.Lock()
	targets := make([]*peer, 0, len(r.subscribers[id]))
	for q := range r.subscribers[id] {
		if q != from {
			targets = append(targets, q)
		}
	}
	delete(r.wanters, id)
	r.mu.Unlock()

	for _, q := range targets {
		if err := r.push(ctx, q, id); err != nil {
			r.logger.Debug("relay: push failed", "conn", q.id, "doc", id, "error", err)
		}
	}
}

func (r *Relay) push(ctx context.Context, q *peer, id docid.ID) error {
	ps := q.state(id)
	var msg []byte
	var ok bool
	err := r.docs.Sync(ctx, owner(id), id, func(doc *crdt.Doc) (bool, error) {
		if doc.Empty() {
			return false, nil
		}
		msg, ok = doc.GenerateSyncMessage(ps)
		return false, nil
	})
	if err != nil || !ok {
		return err
	}
	return r.write(ctx, q, wire.Sync(id, msg))
}

// Connections returns the number of open connections.
func (r *Relay) Connections() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.peers)
}

// Waiting returns how many connections wait for id to become available.
func (r *Relay) Waiting(id docid.ID) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.wanters[id])
}

// Has reports whether the relay holds content for id.
func (r *Relay) Has(ctx context.Context, id docid.ID) (bool, error) {
	return r.docs.Present(ctx, owner(id), id)
}

// Disconnect closes every open connection, as a network failure would.
func (r *Relay) Disconnect() {
	r.mu.Lock()
	peers := make([]*peer, 0, len(r.peers))
	for _, p := range r.peers {
		peers = append(peers, p)
	}
	r.mu.Unlock()
	for _, p := range peers {
		_ = p.close()
	}
}

// Close disconnects everyone and flushes stored documents.
func (r *Relay) Close(ctx context.Context) error {
	r.cancel()
	r.Disconnect()
	return r.docs.Close(ctx)
}
