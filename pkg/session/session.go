// Package session drives the sync protocol for a set of documents over
// one connection to a remote peer.
//
// A Session dials, performs the Hello handshake, then runs one
// anti-entropy loop per document, all multiplexed on the same
// connection. When the connection drops, every document returns to
// pending and the session reconnects with backoff. Peer sync state is
// never persisted: each connection starts from fresh per-document state
// and re-derives what to send from the current documents.
//
// The session never blocks local reads or writes. It takes a document's
// lock only for the duration of one generate or receive step.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/forkful/docsync/pkg/crdt"
	"github.com/forkful/docsync/pkg/docid"
	"github.com/forkful/docsync/pkg/logger"
	"github.com/forkful/docsync/pkg/metrics"
	"github.com/forkful/docsync/pkg/transport"
	"github.com/forkful/docsync/pkg/wire"
)

// Documents gives the session exclusive, short-lived access to a document.
// *cache.Cache implements it.
type Documents interface {
	Sync(ctx context.Context, owner string, id docid.ID, fn func(doc *crdt.Doc) (changed bool, err error)) error
}

const (
	DefaultMessageTimeout = 10 * time.Second
	DefaultRoundTrip      = 2 * time.Second
	DefaultQuietRounds    = 2
)

// Config configures a Session. Owner, PeerID, Dialer and Documents are required.
type Config struct {
	// Owner is the cache owner key the session's documents belong to.
	Owner  string
	PeerID string
	Token  string

	Dialer    transport.Dialer
	Documents Documents
	Retryer   Retryer

	// MessageTimeout bounds dialing, the handshake and every single write.
	MessageTimeout time.Duration
	// RoundTrip is how long a document waits for a reply before it
	// counts the exchange as quiet.
	RoundTrip time.Duration
	// QuietRounds consecutive quiet exchanges make a document idle.
	QuietRounds int

	Clock   clock.Clock
	Logger  logger.Logger
	Metrics *metrics.Metrics
}

// EventKind classifies an Event.
type EventKind int

const (
	EventStateChanged EventKind = iota
	EventDocumentIdle
	EventDocumentUnavailable
)

func (k EventKind) String() string {
	switch k {
	case EventStateChanged:
		return "state-changed"
	case EventDocumentIdle:
		return "document-idle"
	case EventDocumentUnavailable:
		return "document-unavailable"
	default:
		return "unknown"
	}
}

// Event is emitted on state changes. Err is set on transitions to
// StateDisconnected caused by a failure.
type Event struct {
	Kind  EventKind
	State State
	Doc   docid.ID
	Err   error
}

// Status is a snapshot of the session.
type Status struct {
	State     State
	Documents map[docid.ID]DocState
	LastError error
	// Attempt counts consecutive failed connection attempts.
	Attempt int
}

// Unavailable returns the documents the peer does not have yet.
func (st Status) Unavailable() []docid.ID {
	var ids []docid.ID
	for id, state := range st.Documents {
		if state == DocUnavailable {
			ids = append(ids, id)
		}
	}
	return ids
}

type tracked struct {
	state DocState
	poke  chan struct{}
}

// link is one established connection.
type link struct {
	conn    transport.Conn
	ctx     context.Context
	cancel  context.CancelFunc
	sendMu  sync.Mutex
	inboxes map[docid.ID]chan wire.Frame
	wg      sync.WaitGroup
}

// Session is safe for concurrent use.
type Session struct {
	cfg    Config
	codec  *wire.Codec
	clock  clock.Clock
	logger logger.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	state   State
	docs    map[docid.ID]*tracked
	live    *link
	lastErr error
	attempt int
	started bool

	events chan Event
	wake   chan struct{}
	done   chan struct{}

	closeOnce sync.Once
}

// New creates a stopped Session. Call Start to begin connecting.
func New(cfg Config) *Session {
	if cfg.MessageTimeout <= 0 {
		cfg.MessageTimeout = DefaultMessageTimeout
	}
	if cfg.RoundTrip <= 0 {
		cfg.RoundTrip = DefaultRoundTrip
	}
	if cfg.QuietRounds <= 0 {
		cfg.QuietRounds = DefaultQuietRounds
	}
	if cfg.Retryer == nil {
		cfg.Retryer = NewExponentialBackoffRetryer()
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		cfg:    cfg,
		codec:  wire.NewCodec(),
		clock:  cfg.Clock,
		logger: logger.OrNop(cfg.Logger),
		ctx:    ctx,
		cancel: cancel,
		state:  StateDisconnected,
		docs:   make(map[docid.ID]*tracked),
		events: make(chan Event, 256),
		wake:   make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
	cfg.Metrics.SetSessionState("", StateDisconnected.String())
	return s
}

// Start launches the connection loop. It is a no-op after the first call.
func (s *Session) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started || s.state == StateClosed {
		return
	}
	s.started = true
	go s.run()
}

// Events returns the event channel. It is closed when Close completes.
func (s *Session) Events() <-chan Event {
	return s.events
}

func (s *Session) emit(ev Event) {
	select {
	case s.events <- ev:
	default:
		s.logger.Warn("session: event buffer full, dropping event", "kind", ev.Kind, "doc", ev.Doc)
	}
}

// transitionLocked changes the session state. The caller holds s.mu.
func (s *Session) transitionLocked(newState State, cause error) error {
	if s.state == newState {
		return nil
	}
	if err := s.state.validateTransitionTo(newState); err != nil {
		return err
	}
	prev := s.state
	s.state = newState
	s.cfg.Metrics.SetSessionState(prev.String(), newState.String())
	s.logger.Debug("session: state transitioned", "owner", s.cfg.Owner, "from", prev, "to", newState)
	s.emit(Event{Kind: EventStateChanged, State: newState, Err: cause})
	return nil
}

func (s *Session) transitionTo(newState State, cause error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.transitionLocked(newState, cause)
}

// State returns the current connection state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// DocumentState returns the sync state of id. ok is false for untracked ids.
func (s *Session) DocumentState(id docid.ID) (DocState, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.docs[id]
	if !ok {
		return DocPending, false
	}
	return t.state, true
}

// Status returns a snapshot of the session.
func (s *Session) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	docs := make(map[docid.ID]DocState, len(s.docs))
	for id, t := range s.docs {
		docs[id] = t.state
	}
	return Status{State: s.state, Documents: docs, LastError: s.lastErr, Attempt: s.attempt}
}

// SetDocuments adds ids to the synchronized set. Ids already tracked keep
// their state; only added ones start syncing. Documents are never removed.
func (s *Session) SetDocuments(ids []docid.ID) (added []docid.ID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateClosed {
		return nil
	}
	for _, id := range ids {
		if _, ok := s.docs[id]; ok {
			continue
		}
		t := &tracked{state: DocPending, poke: make(chan struct{}, 1)}
		s.docs[id] = t
		s.cfg.Metrics.DocumentState("", DocPending.String())
		added = append(added, id)
		if s.live != nil {
			s.startDocLocked(s.live, id, t)
		}
	}
	return added
}

// Notify tells the session that id changed locally.
func (s *Session) Notify(id docid.ID) {
	s.mu.Lock()
	t, ok := s.docs[id]
	s.mu.Unlock()
	if ok {
		poke(t.poke)
	}
}

// Retry asks the peer again for ids, typically ones reported unavailable,
// and cuts a pending reconnect backoff short.
func (s *Session) Retry(ids ...docid.ID) {
	for _, id := range ids {
		s.Notify(id)
	}
	poke(s.wake)
}

func poke(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}

// Close stops all loops at message boundaries and releases the connection.
func (s *Session) Close(ctx context.Context) error {
	var err error
	s.closeOnce.Do(func() {
		s.mu.Lock()
		started := s.started
		s.mu.Unlock()

		s.cancel()
		if started {
			select {
			case <-s.done:
			case <-ctx.Done():
				err = ctx.Err()
				return
			}
		}

		s.mu.Lock()
		_ = s.transitionLocked(StateClosed, nil)
		s.mu.Unlock()
		close(s.events)
	})
	return err
}

func (s *Session) run() {
	defer close(s.done)

	attempt := 0
	for {
		if s.ctx.Err() != nil {
			return
		}

		accepted, err := s.connectOnce()
		if s.ctx.Err() != nil {
			return
		}
		if accepted {
			attempt = 0
		}

		s.mu.Lock()
		s.lastErr = err
		s.attempt = attempt + 1
		for _, t := range s.docs {
			if t.state != DocPending {
				s.cfg.Metrics.DocumentState(t.state.String(), DocPending.String())
				t.state = DocPending
			}
		}
		_ = s.transitionLocked(StateDisconnected, err)
		s.mu.Unlock()

		delay, ok := s.cfg.Retryer.NextDelay(attempt, err)
		if !ok {
			s.logger.Error("session: giving up reconnecting", "owner", s.cfg.Owner, "attempts", attempt, "error", err)
			s.mu.Lock()
			s.lastErr = &NetworkError{Op: "reconnect", Err: fmt.Errorf("%w: %v", ErrGaveUp, err)}
			s.mu.Unlock()
			return
		}
		s.logger.Info("session: disconnected, retrying", "owner", s.cfg.Owner, "delay", delay, "error", err)
		attempt++
		s.cfg.Metrics.Reconnect()

		timer := s.clock.Timer(delay)
		select {
		case <-timer.C:
		case <-s.wake:
			timer.Stop()
		case <-s.ctx.Done():
			timer.Stop()
			return
		}
	}
}

// connectOnce dials, handshakes and serves one connection until it fails.
// accepted reports whether the handshake succeeded.
func (s *Session) connectOnce() (accepted bool, err error) {
	if err := s.transitionTo(StateConnecting, nil); err != nil {
		s.logger.Error("BUG: session state machine", "error", err)
	}

	dctx, cancel := s.clock.WithTimeout(s.ctx, s.cfg.MessageTimeout)
	conn, err := s.cfg.Dialer.Dial(dctx)
	cancel()
	if err != nil {
		return false, &NetworkError{Op: "dial", Err: err}
	}

	if err := s.transitionTo(StateHandshaking, nil); err != nil {
		s.logger.Error("BUG: session state machine", "error", err)
	}
	if err := s.handshake(conn); err != nil {
		_ = conn.Close()
		return false, err
	}
	s.cfg.Retryer.Reset()

	lctx, lcancel := context.WithCancel(s.ctx)
	l := &link{conn: conn, ctx: lctx, cancel: lcancel, inboxes: make(map[docid.ID]chan wire.Frame)}

	s.mu.Lock()
	s.live = l
	s.attempt = 0
	s.lastErr = nil
	_ = s.transitionLocked(StateSyncing, nil)
	for id, t := range s.docs {
		s.startDocLocked(l, id, t)
	}
	s.updateIdleLocked()
	s.mu.Unlock()

	err = s.readLoop(l)

	s.mu.Lock()
	s.live = nil
	s.mu.Unlock()
	lcancel()
	_ = conn.Close()
	l.wg.Wait()

	if errors.Is(err, ErrNetwork) {
		return true, err
	}
	return true, &NetworkError{Op: "receive", Err: err}
}

func (s *Session) handshake(conn transport.Conn) error {
	ctx, cancel := s.clock.WithTimeout(s.ctx, s.cfg.MessageTimeout)
	defer cancel()

	hello, err := s.codec.Encode(wire.Hello(s.cfg.PeerID, s.cfg.Token))
	if err != nil {
		return &NetworkError{Op: "handshake", Err: err}
	}
	if err := conn.Send(ctx, hello); err != nil {
		return &NetworkError{Op: "handshake", Err: err}
	}
	s.cfg.Metrics.FrameSent(wire.TypeHello.String())

	data, err := conn.Receive(ctx)
	if err != nil {
		return &NetworkError{Op: "handshake", Err: err}
	}
	f, err := s.codec.Decode(data)
	if err != nil {
		return &NetworkError{Op: "handshake", Err: fmt.Errorf("%w: %v", ErrProtocol, err)}
	}
	s.cfg.Metrics.FrameReceived(f.Type.String())

	switch f.Type {
	case wire.TypeAccept:
		s.logger.Debug("session: handshake accepted", "owner", s.cfg.Owner, "peer", f.PeerID)
		return nil
	case wire.TypeReject:
		return &NetworkError{Op: "handshake", Err: fmt.Errorf("%w: %s", ErrRejected, f.Reason)}
	default:
		return &NetworkError{Op: "handshake", Err: fmt.Errorf("%w: got %v before accept", ErrProtocol, f.Type)}
	}
}

func (s *Session) readLoop(l *link) error {
	for {
		data, err := l.conn.Receive(l.ctx)
		if err != nil {
			return err
		}
		f, err := s.codec.Decode(data)
		if err != nil {
			return &NetworkError{Op: "receive", Err: fmt.Errorf("%w: %v", ErrProtocol, err)}
		}
		s.cfg.Metrics.FrameReceived(f.Type.String())

		switch f.Type {
		case wire.TypeSync, wire.TypeUnavailable:
			id, _ := f.DocID()
			s.mu.Lock()
			inbox := l.inboxes[id]
			s.mu.Unlock()
			if inbox == nil {
				s.logger.Debug("session: frame for untracked document", "doc", id, "type", f.Type)
				continue
			}
			select {
			case inbox <- f:
			case <-l.ctx.Done():
				return l.ctx.Err()
			}
		case wire.TypeReject:
			return &NetworkError{Op: "receive", Err: fmt.Errorf("%w: %s", ErrRejected, f.Reason)}
		default:
			return &NetworkError{Op: "receive", Err: fmt.Errorf("%w: unexpected %v", ErrProtocol, f.Type)}
		}
	}
}

func (s *Session) send(l *link, f wire.Frame) error {
	data, err := s.codec.Encode(f)
	if err != nil {
		return err
	}

	l.sendMu.Lock()
	defer l.sendMu.Unlock()

	ctx, cancel := s.clock.WithTimeout(l.ctx, s.cfg.MessageTimeout)
	defer cancel()
	if err := l.conn.Send(ctx, data); err != nil {
		// the read loop notices the closed connection and reconnects
		_ = l.conn.Close()
		return err
	}
	s.cfg.Metrics.FrameSent(f.Type.String())
	return nil
}
