package session

import (
	"errors"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/forkful/docsync/pkg/crdt"
	"github.com/forkful/docsync/pkg/docid"
	"github.com/forkful/docsync/pkg/wire"
)

const inboxSize = 32

// startDocLocked starts the loop of one document on l. The caller holds s.mu.
func (s *Session) startDocLocked(l *link, id docid.ID, t *tracked) {
	if _, running := l.inboxes[id]; running {
		return
	}
	inbox := make(chan wire.Frame, inboxSize)
	l.inboxes[id] = inbox
	s.setDocStateLocked(id, t, DocSyncing)
	l.wg.Add(1)
	go s.docLoop(l, id, t, inbox)
}

func (s *Session) setDocStateLocked(id docid.ID, t *tracked, state DocState) {
	if t.state == state {
		return
	}
	prev := t.state
	t.state = state
	s.cfg.Metrics.DocumentState(prev.String(), state.String())

	switch state {
	case DocIdle:
		s.emit(Event{Kind: EventDocumentIdle, State: s.state, Doc: id})
	case DocUnavailable:
		s.emit(Event{Kind: EventDocumentUnavailable, State: s.state, Doc: id})
	}
	s.updateIdleLocked()
}

// updateIdleLocked moves the session between Syncing and Idle to match
// its documents. Unavailable documents do not hold the session in Syncing.
func (s *Session) updateIdleLocked() {
	if s.state != StateSyncing && s.state != StateIdle {
		return
	}
	allIdle := true
	for _, t := range s.docs {
		if t.state == DocSyncing || t.state == DocPending {
			allIdle = false
			break
		}
	}
	switch {
	case allIdle && s.state == StateSyncing:
		_ = s.transitionLocked(StateIdle, nil)
	case !allIdle && s.state == StateIdle:
		_ = s.transitionLocked(StateSyncing, nil)
	}
}

func (s *Session) setDocState(id docid.ID, t *tracked, state DocState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.setDocStateLocked(id, t, state)
}

func (s *Session) docState(t *tracked) DocState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return t.state
}

// docLoop runs the anti-entropy exchange of one document on one
// connection: generate and send, then wait for a reply, a local change
// or the round-trip timer. QuietRounds consecutive exchanges with nothing
// to send make the document idle; an idle document only wakes up on
// inbound frames or local changes.
func (s *Session) docLoop(l *link, id docid.ID, t *tracked, inbox <-chan wire.Frame) {
	defer l.wg.Done()

	ps := crdt.NewPeerState()
	quiet := 0

	for {
		if l.ctx.Err() != nil {
			return
		}

		state := s.docState(t)
		if state != DocUnavailable {
			var msg []byte
			var ok, empty bool
			err := s.cfg.Documents.Sync(l.ctx, s.cfg.Owner, id, func(doc *crdt.Doc) (bool, error) {
				empty = doc.Empty()
				msg, ok = doc.GenerateSyncMessage(ps)
				return false, nil
			})
			switch {
			case l.ctx.Err() != nil:
				return
			case err != nil:
				s.logger.Warn("session: generating sync message failed", "doc", id, "error", err)
				ok = false
			}

			if ok {
				frame := wire.Sync(id, msg)
				if empty {
					frame = wire.Request(id, msg)
				}
				if err := s.send(l, frame); err != nil {
					s.logger.Debug("session: send failed", "doc", id, "error", err)
					return
				}
				quiet = 0
				if state != DocSyncing {
					s.setDocState(id, t, DocSyncing)
				}
			} else {
				quiet++
				if quiet >= s.cfg.QuietRounds && state != DocIdle {
					s.setDocState(id, t, DocIdle)
				}
			}
		}

		var timer *clock.Timer
		var timeout <-chan time.Time
		if st := s.docState(t); st == DocSyncing {
			timer = s.clock.Timer(s.cfg.RoundTrip)
			timeout = timer.C
		}

		select {
		case <-l.ctx.Done():
			stopTimer(timer)
			return

		case f := <-inbox:
			stopTimer(timer)
			s.handleFrame(l, id, t, ps, f)
			quiet = 0

		case <-t.poke:
			stopTimer(timer)
			quiet = 0
			if s.docState(t) == DocUnavailable {
				ps.Reset()
			}
			s.setDocState(id, t, DocSyncing)

		case <-timeout:
		}
	}
}

func stopTimer(t *clock.Timer) {
	if t != nil {
		t.Stop()
	}
}

func (s *Session) handleFrame(l *link, id docid.ID, t *tracked, ps *crdt.PeerState, f wire.Frame) {
	switch f.Type {
	case wire.TypeUnavailable:
		s.logger.Debug("session: peer does not have document", "doc", id)
		ps.Reset()
		s.setDocState(id, t, DocUnavailable)

	case wire.TypeSync:
		err := s.cfg.Documents.Sync(l.ctx, s.cfg.Owner, id, func(doc *crdt.Doc) (bool, error) {
			return doc.ReceiveSyncMessage(ps, f.Message)
		})
		switch {
		case errors.Is(err, crdt.ErrSyncMessage):
			s.logger.Warn("session: dropping undecodable sync message", "doc", id, "error", err)
		case err != nil && l.ctx.Err() == nil:
			s.logger.Warn("session: applying sync message failed", "doc", id, "error", err)
		}
		s.setDocState(id, t, DocSyncing)
	}
}
