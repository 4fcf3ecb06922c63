package cache

import (
	"context"
	"errors"
	"fmt"

	"github.com/forkful/docsync/pkg/crdt"
	"github.com/forkful/docsync/pkg/docid"
	"github.com/forkful/docsync/pkg/docstore"
)

// Read runs fn with a view of the document. found is false, and fn is
// not called, when the document is not available locally or is empty.
func (c *Cache) Read(ctx context.Context, owner string, id docid.ID, fn func(v *crdt.View) error) (found bool, err error) {
	err = c.with(ctx, owner, id, false, func(h *handle) error {
		if h.doc.Empty() {
			return ErrAbsent
		}
		found = true
		return h.doc.Read(fn)
	})
	if errors.Is(err, ErrAbsent) {
		return false, nil
	}
	return found, err
}

// Present reports whether the document has content locally.
func (c *Cache) Present(ctx context.Context, owner string, id docid.ID) (bool, error) {
	return c.Read(ctx, owner, id, func(*crdt.View) error { return nil })
}

// Change applies a local change and persists it. It returns ErrAbsent
// when the document is not available locally. A failed save keeps the
// change in memory, marked dirty, and returns the storage error.
func (c *Cache) Change(ctx context.Context, owner string, id docid.ID, message string, fn func(tx *crdt.Tx) error) error {
	changed := false
	err := c.with(ctx, owner, id, false, func(h *handle) error {
		if h.doc.Empty() {
			return ErrAbsent
		}
		var err error
		changed, err = h.doc.Change(message, fn)
		if err != nil || !changed {
			return err
		}
		h.dirty = true
		return c.persist(ctx, h)
	})
	if changed {
		c.publish(Event{Owner: owner, ID: id, Origin: OriginLocal})
	}
	return err
}

// Create makes a new document from fn and persists it. It fails with
// ErrExists when the id already has content.
func (c *Cache) Create(ctx context.Context, owner string, id docid.ID, message string, fn func(tx *crdt.Tx) error) error {
	created := false
	err := c.with(ctx, owner, id, true, func(h *handle) error {
		if !h.doc.Empty() {
			return ErrExists
		}
		changed, err := h.doc.Change(message, fn)
		if err != nil {
			return err
		}
		if !changed {
			return errors.New("cache: create staged no content")
		}
		created = true
		h.dirty = true
		return c.persist(ctx, h)
	})
	if created {
		c.publish(Event{Owner: owner, ID: id, Origin: OriginLocal})
	}
	return err
}

// Sync runs fn with exclusive access to the document for a
// remote-originated exchange. A missing document gets an empty in-memory
// placeholder that is neither persisted nor reported present until it
// receives content. fn reports whether the document changed; changes are
// persisted, and a failed save only leaves the handle dirty.
func (c *Cache) Sync(ctx context.Context, owner string, id docid.ID, fn func(doc *crdt.Doc) (changed bool, err error)) error {
	changed := false
	err := c.with(ctx, owner, id, true, func(h *handle) error {
		var err error
		changed, err = fn(h.doc)
		if err != nil || !changed {
			return err
		}
		h.dirty = true
		if perr := c.persist(ctx, h); perr != nil {
			c.logger.Warn("cache: saving remote change failed, will retry on flush", "doc", id, "error", perr)
		}
		return nil
	})
	if changed {
		c.publish(Event{Owner: owner, ID: id, Origin: OriginRemote})
	}
	return err
}

// Flush persists every dirty handle of owner.
func (c *Cache) Flush(ctx context.Context, owner string) error {
	c.mu.Lock()
	e, ok := c.lru.Peek(owner)
	c.mu.Unlock()
	if !ok {
		return nil
	}

	e.mu.Lock()
	handles := make([]*handle, 0, len(e.handles))
	for _, h := range e.handles {
		handles = append(handles, h)
	}
	e.mu.Unlock()

	var errs []error
	for _, h := range handles {
		h.mu.Lock()
		if h.dirty && !h.closed {
			if err := c.persist(ctx, h); err != nil {
				errs = append(errs, err)
			}
		}
		h.mu.Unlock()
	}
	return errors.Join(errs...)
}

// Evict removes owner from memory, flushing first. It returns once the
// flush has finished.
func (c *Cache) Evict(ctx context.Context, owner string) error {
	c.mu.Lock()
	c.lru.Remove(owner)
	done := c.draining[owner]
	c.metrics.Owners(c.lru.Len())
	c.mu.Unlock()

	if done == nil {
		return nil
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// EvictDocument drops a single handle of owner after flushing it. The
// handle stays reachable until the flush has finished, so concurrent
// callers wait on it and then reload the flushed or rescued bytes.
func (c *Cache) EvictDocument(ctx context.Context, owner string, id docid.ID) error {
	c.mu.Lock()
	e, ok := c.lru.Peek(owner)
	c.mu.Unlock()
	if !ok {
		return nil
	}

	e.mu.Lock()
	h, ok := e.handles[id]
	e.mu.Unlock()
	if !ok {
		return nil
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil
	}
	var err error
	if h.dirty {
		if err = c.persist(ctx, h); err != nil {
			c.mu.Lock()
			c.rescue[id] = h.doc.Save()
			c.mu.Unlock()
		}
	}
	e.mu.Lock()
	if e.handles[id] == h {
		delete(e.handles, id)
	}
	e.mu.Unlock()
	h.closed = true
	h.doc = nil
	return err
}

// Owners returns the owners currently in memory, least recently used first.
func (c *Cache) Owners() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lru.Keys()
}

// Close evicts every owner, waits for the flushes and stops the sweep.
func (c *Cache) Close(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.lru.Purge()
	c.closed = true
	pending := make([]chan struct{}, 0, len(c.draining))
	for _, done := range c.draining {
		pending = append(pending, done)
	}
	c.mu.Unlock()

	if c.stopSweep != nil {
		close(c.stopSweep)
		<-c.sweepDone
	}

	for _, done := range pending {
		select {
		case <-done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	c.subsMu.Lock()
	for id, ch := range c.subs {
		close(ch)
		delete(c.subs, id)
	}
	c.subsMu.Unlock()

	c.mu.Lock()
	defer c.mu.Unlock()
	if n := len(c.rescue); n > 0 {
		return fmt.Errorf("%w: %d documents could not be flushed", docstore.ErrStorage, n)
	}
	return nil
}
