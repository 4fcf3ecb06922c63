package docsync

import (
	"context"
	"sync"

	"github.com/forkful/docsync/pkg/docid"
	"github.com/forkful/docsync/pkg/session"
)

// Syncer is the part of a sync session the client drives.
// *session.Session implements it.
type Syncer interface {
	Start()
	SetDocuments(ids []docid.ID) (added []docid.ID)
	Notify(id docid.ID)
	Retry(ids ...docid.ID)
	Events() <-chan session.Event
	Status() session.Status
	Close(ctx context.Context) error
}

var _ Syncer = (*session.Session)(nil)

// offlineSyncer tracks documents for a client without a dialer.
type offlineSyncer struct {
	mu     sync.Mutex
	docs   map[docid.ID]struct{}
	events chan session.Event
	once   sync.Once
}

func newOfflineSyncer() *offlineSyncer {
	return &offlineSyncer{docs: make(map[docid.ID]struct{}), events: make(chan session.Event)}
}

func (o *offlineSyncer) Start() {}

func (o *offlineSyncer) SetDocuments(ids []docid.ID) (added []docid.ID) {
	o.mu.Lock()
	defer o.mu.Unlock()
	for _, id := range ids {
		if _, ok := o.docs[id]; !ok {
			o.docs[id] = struct{}{}
			added = append(added, id)
		}
	}
	return added
}

func (o *offlineSyncer) Notify(docid.ID) {}

func (o *offlineSyncer) Retry(...docid.ID) {}

func (o *offlineSyncer) Events() <-chan session.Event {
	return o.events
}

func (o *offlineSyncer) Status() session.Status {
	o.mu.Lock()
	defer o.mu.Unlock()
	docs := make(map[docid.ID]session.DocState, len(o.docs))
	for id := range o.docs {
		docs[id] = session.DocPending
	}
	return session.Status{State: session.StateDisconnected, Documents: docs}
}

func (o *offlineSyncer) Close(context.Context) error {
	o.once.Do(func() { close(o.events) })
	return nil
}
