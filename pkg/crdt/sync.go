package crdt

import (
	"fmt"
	"sync"

	"github.com/automerge/automerge-go"
)

// PeerState is the per-(document, peer) sync state. It is created fresh
// for every connection and is never persisted, so a reconnect re-derives
// what to send from current document state.
//
// A PeerState binds lazily to the Doc it is first used with. When it is
// used with a different Doc (the document was evicted and reloaded), it
// starts over.
type PeerState struct {
	mu    sync.Mutex
	doc   *automerge.Doc
	state *automerge.SyncState
}

func NewPeerState() *PeerState {
	return &PeerState{}
}

// Reset forgets everything known about the peer.
func (ps *PeerState) Reset() {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	ps.doc = nil
	ps.state = nil
}

func (ps *PeerState) bind(am *automerge.Doc) *automerge.SyncState {
	if ps.state == nil || ps.doc != am {
		ps.doc = am
		ps.state = automerge.NewSyncState(am)
	}
	return ps.state
}

// GenerateSyncMessage returns the next message for the peer, or ok ==
// false when the peer is believed to be up to date.
func (d *Doc) GenerateSyncMessage(ps *PeerState) (msg []byte, ok bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	ps.mu.Lock()
	defer ps.mu.Unlock()

	sm, valid := ps.bind(d.am).GenerateMessage()
	if !valid || sm == nil {
		return nil, false
	}
	return sm.Bytes(), true
}

// ReceiveSyncMessage applies a message from the peer. It is idempotent:
// receiving a message twice leaves the document unchanged.
// changed reports whether the document heads moved.
func (d *Doc) ReceiveSyncMessage(ps *PeerState, msg []byte) (changed bool, err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	ps.mu.Lock()
	defer ps.mu.Unlock()

	before := headStrings(d.am.Heads())
	if _, err := ps.bind(d.am).ReceiveMessage(msg); err != nil {
		return false, fmt.Errorf("%w: %v", ErrSyncMessage, err)
	}
	return !sameHeads(before, headStrings(d.am.Heads())), nil
}

func sameHeads(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	seen := make(map[string]struct{}, len(a))
	for _, h := range a {
		seen[h] = struct{}{}
	}
	for _, h := range b {
		if _, ok := seen[h]; !ok {
			return false
		}
	}
	return true
}

// SyncPair drives two documents to convergence in memory and returns the
// number of messages exchanged. It is used by tests and by local
// fork-and-merge tooling.
func SyncPair(a, b *Doc, maxRounds int) (int, error) {
	psA, psB := NewPeerState(), NewPeerState()
	sent := 0
	for round := 0; round < maxRounds; round++ {
		progressed := false
		if msg, ok := a.GenerateSyncMessage(psA); ok {
			if _, err := b.ReceiveSyncMessage(psB, msg); err != nil {
				return sent, err
			}
			sent++
			progressed = true
		}
		if msg, ok := b.GenerateSyncMessage(psB); ok {
			if _, err := a.ReceiveSyncMessage(psA, msg); err != nil {
				return sent, err
			}
			sent++
			progressed = true
		}
		if !progressed {
			return sent, nil
		}
	}
	return sent, fmt.Errorf("no convergence after %d rounds", maxRounds)
}
