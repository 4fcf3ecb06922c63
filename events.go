package docsync

import (
	"github.com/forkful/docsync/pkg/docid"
	"github.com/forkful/docsync/pkg/session"
)

// EventKind classifies an Event.
type EventKind int

const (
	// EventStateChanged reports a new lifecycle state.
	EventStateChanged EventKind = iota
	// EventDocumentChanged reports a local or remote change to a document.
	EventDocumentChanged
	// EventSyncChanged reports a change of the sync session's state.
	EventSyncChanged
	// EventDocumentUnavailable reports that the peer does not have a document yet.
	EventDocumentUnavailable
)

func (k EventKind) String() string {
	switch k {
	case EventStateChanged:
		return "state-changed"
	case EventDocumentChanged:
		return "document-changed"
	case EventSyncChanged:
		return "sync-changed"
	case EventDocumentUnavailable:
		return "document-unavailable"
	default:
		return "unknown"
	}
}

// Event is delivered to subscribers.
type Event struct {
	Kind EventKind
	// State is set for EventStateChanged.
	State State
	// Err is the cause of a transition to StateError, or of a sync disconnect.
	Err error
	// Doc is set for document events.
	Doc docid.ID
	// Remote is true for changes that arrived from the peer.
	Remote bool
	// Sync is set for EventSyncChanged.
	Sync session.State
}

// Subscribe returns a channel of client events. A subscriber whose buffer
// is full misses events. The channel is closed by cancel or Close.
func (c *Client) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 16
	}
	ch := make(chan Event, buffer)

	c.subsMu.Lock()
	defer c.subsMu.Unlock()
	if c.subs == nil {
		close(ch)
		return ch, func() {}
	}
	id := c.nextSub
	c.nextSub++
	c.subs[id] = ch

	cancel := func() {
		c.subsMu.Lock()
		defer c.subsMu.Unlock()
		if sub, ok := c.subs[id]; ok {
			delete(c.subs, id)
			close(sub)
		}
	}
	return ch, cancel
}

func (c *Client) publish(ev Event) {
	c.subsMu.Lock()
	defer c.subsMu.Unlock()
	for _, ch := range c.subs {
		select {
		case ch <- ev:
		default:
			c.logger.Debug("docsync: subscriber buffer full, dropping event", "kind", ev.Kind)
		}
	}
}

func (c *Client) publishSync(ev session.Event) {
	switch ev.Kind {
	case session.EventStateChanged:
		c.publish(Event{Kind: EventSyncChanged, Sync: ev.State, Err: ev.Err})
	case session.EventDocumentUnavailable:
		c.publish(Event{Kind: EventDocumentUnavailable, Doc: ev.Doc, Sync: ev.State})
	}
}
