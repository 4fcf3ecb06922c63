// Package cache keeps in-memory document handles for a bounded number of
// owners (users or devices), backed by a docstore.Store.
//
// All mutation of a document, local or remote, is serialized by its
// handle's lock. Evicting an owner flushes every dirty handle before the
// handles are discarded, and a request for an owner that is still being
// flushed waits for the flush and then reloads from the store. Persisted
// bytes are never deleted by eviction.
package cache

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/hashicorp/golang-lru/v2/simplelru"

	"github.com/forkful/docsync/pkg/crdt"
	"github.com/forkful/docsync/pkg/docid"
	"github.com/forkful/docsync/pkg/docstore"
	"github.com/forkful/docsync/pkg/logger"
	"github.com/forkful/docsync/pkg/metrics"
)

var (
	// ErrAbsent is returned when a document is neither in memory nor in the store.
	ErrAbsent = errors.New("document not available locally")

	// ErrExists is returned by Create for an id that is already present.
	ErrExists = errors.New("document already exists")

	// ErrClosed is returned after Close.
	ErrClosed = errors.New("cache closed")
)

// Origin says where a change came from.
type Origin int

const (
	OriginLocal Origin = iota
	OriginRemote
)

func (o Origin) String() string {
	if o == OriginRemote {
		return "remote"
	}
	return "local"
}

// Event announces a change to a document.
type Event struct {
	Owner  string
	ID     docid.ID
	Origin Origin
}

// Config tunes a Cache.
type Config struct {
	// MaxOwners bounds the number of owners held in memory.
	MaxOwners int
	// IdleTimeout evicts owners not accessed for this long. Zero disables the sweep.
	IdleTimeout time.Duration
	// SweepInterval is how often idle owners are looked for. Defaults to IdleTimeout/2.
	SweepInterval time.Duration

	Clock   clock.Clock
	Logger  logger.Logger
	Metrics *metrics.Metrics
}

const DefaultMaxOwners = 64

// Cache is safe for concurrent use.
type Cache struct {
	store   docstore.Store
	clock   clock.Clock
	logger  logger.Logger
	metrics *metrics.Metrics
	idle    time.Duration

	mu       sync.Mutex
	lru      *simplelru.LRU[string, *entry]
	draining map[string]chan struct{}
	// rescue keeps bytes whose flush failed during eviction, so the next
	// load serves them and retries the save.
	rescue map[docid.ID][]byte
	closed bool

	subsMu  sync.Mutex
	subs    map[int]chan Event
	nextSub int

	stopSweep chan struct{}
	sweepDone chan struct{}
}

type entry struct {
	owner string

	mu         sync.Mutex
	handles    map[docid.ID]*handle
	lastAccess time.Time
	evicted    bool
}

type handle struct {
	id docid.ID

	mu    sync.Mutex
	doc   *crdt.Doc
	dirty bool
	// stored is true once the bytes are known to be in the store.
	stored bool
	closed bool
}

// New creates a Cache over store and starts the idle sweep when configured.
func New(store docstore.Store, cfg Config) *Cache {
	if cfg.MaxOwners <= 0 {
		cfg.MaxOwners = DefaultMaxOwners
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}

	c := &Cache{
		store:    store,
		clock:    cfg.Clock,
		logger:   logger.OrNop(cfg.Logger),
		metrics:  cfg.Metrics,
		idle:     cfg.IdleTimeout,
		draining: make(map[string]chan struct{}),
		rescue:   make(map[docid.ID][]byte),
		subs:     make(map[int]chan Event),
	}
	lru, err := simplelru.NewLRU[string, *entry](cfg.MaxOwners, c.onEvict)
	if err != nil {
		// only returned for a non-positive size
		panic(err)
	}
	c.lru = lru

	if cfg.IdleTimeout > 0 {
		interval := cfg.SweepInterval
		if interval <= 0 {
			interval = cfg.IdleTimeout / 2
		}
		c.stopSweep = make(chan struct{})
		c.sweepDone = make(chan struct{})
		go c.sweepLoop(interval)
	}
	return c
}

// onEvict runs under c.mu, from lru.Add, lru.Remove or lru.Purge.
func (c *Cache) onEvict(owner string, e *entry) {
	done := make(chan struct{})
	c.draining[owner] = done
	c.metrics.Evicted()
	go c.drain(e, done)
}

func (c *Cache) drain(e *entry, done chan struct{}) {
	defer func() {
		c.mu.Lock()
		if c.draining[e.owner] == done {
			delete(c.draining, e.owner)
		}
		c.mu.Unlock()
		close(done)
	}()

	e.mu.Lock()
	e.evicted = true
	handles := make([]*handle, 0, len(e.handles))
	for _, h := range e.handles {
		handles = append(handles, h)
	}
	e.handles = nil
	e.mu.Unlock()

	ctx := context.Background()
	for _, h := range handles {
		h.mu.Lock()
		if h.dirty {
			if err := c.persist(ctx, h); err != nil {
				data := h.doc.Save()
				c.mu.Lock()
				c.rescue[h.id] = data
				c.mu.Unlock()
				c.logger.Error("cache: flush on eviction failed, keeping bytes in memory",
					"owner", e.owner, "doc", h.id, "error", err)
			}
		}
		h.closed = true
		h.doc = nil
		h.mu.Unlock()
	}
	c.logger.Debug("cache: owner evicted", "owner", e.owner, "documents", len(handles))
}

// persist saves h. The caller holds h.mu.
func (c *Cache) persist(ctx context.Context, h *handle) error {
	if h.doc == nil || h.doc.Empty() {
		h.dirty = false
		return nil
	}
	if err := c.store.Save(ctx, h.id, h.doc.Save()); err != nil {
		c.metrics.FlushFailed()
		return err
	}
	h.dirty = false
	h.stored = true
	return nil
}

// acquire returns the live entry of owner, waiting for a drain in progress.
func (c *Cache) acquire(ctx context.Context, owner string) (*entry, error) {
	c.mu.Lock()
	for {
		if c.closed {
			c.mu.Unlock()
			return nil, ErrClosed
		}
		done, ok := c.draining[owner]
		if !ok {
			break
		}
		c.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		c.mu.Lock()
	}
	defer c.mu.Unlock()

	now := c.clock.Now()
	if e, ok := c.lru.Get(owner); ok {
		e.mu.Lock()
		e.lastAccess = now
		e.mu.Unlock()
		return e, nil
	}
	e := &entry{owner: owner, handles: make(map[docid.ID]*handle), lastAccess: now}
	c.lru.Add(owner, e)
	c.metrics.Owners(c.lru.Len())
	return e, nil
}

var errRetry = errors.New("entry evicted")

// lookup finds or loads the handle of id. With create set, a missing
// document gets an empty in-memory handle instead of ErrAbsent.
func (c *Cache) lookup(ctx context.Context, e *entry, id docid.ID, create bool) (*handle, error) {
	e.mu.Lock()
	if e.evicted {
		e.mu.Unlock()
		return nil, errRetry
	}
	if h, ok := e.handles[id]; ok {
		e.mu.Unlock()
		c.metrics.CacheHit()
		return h, nil
	}
	e.mu.Unlock()

	c.metrics.CacheMiss()
	h, err := c.load(ctx, id, create)
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.evicted {
		return nil, errRetry
	}
	if existing, ok := e.handles[id]; ok {
		// lost a race with another loader
		return existing, nil
	}
	e.handles[id] = h
	return h, nil
}

func (c *Cache) load(ctx context.Context, id docid.ID, create bool) (*handle, error) {
	c.mu.Lock()
	rescued, ok := c.rescue[id]
	if ok {
		delete(c.rescue, id)
	}
	c.mu.Unlock()

	if ok {
		doc, err := crdt.Load(rescued)
		if err != nil {
			return nil, err
		}
		h := &handle{id: id, doc: doc, dirty: true}
		h.mu.Lock()
		if err := c.persist(ctx, h); err != nil {
			c.logger.Warn("cache: retrying save of rescued document failed", "doc", id, "error", err)
		}
		h.mu.Unlock()
		return h, nil
	}

	data, found, err := c.store.Load(ctx, id)
	if err != nil {
		return nil, err
	}
	if !found {
		if !create {
			return nil, ErrAbsent
		}
		return &handle{id: id, doc: crdt.New()}, nil
	}
	doc, err := crdt.Load(data)
	if err != nil {
		return nil, fmt.Errorf("load %s: %w", id, err)
	}
	return &handle{id: id, doc: doc, stored: true}, nil
}

// with runs fn with the locked handle of id, retrying when the owner is
// evicted underneath.
func (c *Cache) with(ctx context.Context, owner string, id docid.ID, create bool, fn func(h *handle) error) error {
	for {
		e, err := c.acquire(ctx, owner)
		if err != nil {
			return err
		}
		h, err := c.lookup(ctx, e, id, create)
		if errors.Is(err, errRetry) {
			continue
		}
		if err != nil {
			return err
		}
		h.mu.Lock()
		if h.closed {
			h.mu.Unlock()
			continue
		}
		err = fn(h)
		h.mu.Unlock()
		return err
	}
}
