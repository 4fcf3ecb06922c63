package docsync

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/oklog/ulid/v2"

	"github.com/forkful/docsync/pkg/cache"
	"github.com/forkful/docsync/pkg/crdt"
	"github.com/forkful/docsync/pkg/docid"
	"github.com/forkful/docsync/pkg/identity"
	"github.com/forkful/docsync/pkg/logger"
	"github.com/forkful/docsync/pkg/session"
)

// Client is the entry point for one user's documents on one device.
// It is safe for concurrent use.
type Client struct {
	cfg    Config
	docs   *cache.Cache
	clock  clock.Clock
	logger logger.Logger

	// rootMu serializes SetRoot and Close.
	rootMu sync.Mutex

	mu      sync.Mutex
	state   State
	lastErr error
	run     *rootRun
	active  string
	closed  bool

	subsMu  sync.Mutex
	subs    map[int]chan Event
	nextSub int
}

// rootRun is everything serving one root: its resolver, its sync
// session and the goroutine driving the state machine.
type rootRun struct {
	root     docid.ID
	mode     Mode
	resolver *identity.Resolver
	syncer   Syncer
	events   <-chan cache.Event
	unsub    func()
	cancel   context.CancelFunc
	done     chan struct{}

	refreshMu sync.Mutex

	mu   sync.Mutex
	last identity.Result
}

func (r *rootRun) result() identity.Result {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.last
}

func (r *rootRun) setResult(res identity.Result) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.last = res
}

// Open creates a Client over cfg.Store. When the store holds a root, the
// client resumes it in StateLoading right away.
func Open(ctx context.Context, cfg Config) (*Client, error) {
	if cfg.Store == nil {
		return nil, errors.New("docsync: Config.Store is required")
	}
	cfg = cfg.withDefaults()
	if cfg.PeerID == "" {
		cfg.PeerID = "client-" + strings.ToLower(ulid.Make().String())
	}

	c := &Client{
		cfg: cfg,
		docs: cache.New(cfg.Store, cache.Config{
			MaxOwners:   cfg.MaxCachedOwners,
			IdleTimeout: cfg.IdleTimeout,
			Clock:       cfg.Clock,
			Logger:      cfg.Logger,
			Metrics:     cfg.Metrics,
		}),
		clock:  cfg.Clock,
		logger: cfg.Logger,
		state:  StateUninitialized,
		subs:   make(map[int]chan Event),
	}

	root, ok, err := cfg.Store.LoadRoot(ctx)
	if err != nil {
		_ = c.docs.Close(ctx)
		return nil, fmt.Errorf("docsync: loading root: %w", err)
	}
	if ok {
		c.logger.Info("docsync: resuming stored root", "root", root)
		r := c.startRun(root, ModeJoin)
		c.refresh(ctx, r)
	}
	return c, nil
}

// SetRoot points the client at root. ModeCreate writes a fresh identity
// (and its private log) first; ModeJoin adopts an existing identity and
// fetches it when it is not local. Replacing a different root requires
// WithReplaceRoot.
func (c *Client) SetRoot(ctx context.Context, root docid.ID, mode Mode, opts ...RootOption) error {
	if root.IsZero() {
		return &FormatError{Reason: "zero document id"}
	}
	var o rootOptions
	for _, opt := range opts {
		opt(&o)
	}

	c.rootMu.Lock()
	defer c.rootMu.Unlock()

	c.mu.Lock()
	closed, prev := c.closed, c.run
	c.mu.Unlock()
	if closed {
		return ErrClosed
	}
	if prev != nil && prev.root != root && !o.replace {
		return fmt.Errorf("%w: %s", ErrRootExists, prev.root)
	}

	if mode == ModeCreate {
		if err := c.createIdentity(ctx, root); err != nil {
			return err
		}
	}
	if err := c.cfg.Store.SaveRoot(ctx, root); err != nil {
		return err
	}

	if prev != nil {
		c.stopRun(ctx, prev)
	}
	c.logger.Info("docsync: root set", "root", root, "mode", mode)
	r := c.startRun(root, mode)
	c.refresh(ctx, r)
	return nil
}

func (c *Client) createIdentity(ctx context.Context, root docid.ID) error {
	present, err := c.docs.Present(ctx, c.cfg.Owner, root)
	if err != nil {
		return fmt.Errorf("docsync: checking root %s: %w", root, err)
	}
	if present {
		return fmt.Errorf("docsync: creating identity %s: %w", root, ErrExists)
	}

	log := docid.Generate()
	err = c.docs.Create(ctx, c.cfg.Owner, log, "create private log", func(tx *crdt.Tx) error {
		identity.InitEntities(tx, identity.KindLog)
		return nil
	})
	if err != nil {
		return fmt.Errorf("docsync: creating private log: %w", err)
	}
	err = c.docs.Create(ctx, c.cfg.Owner, root, "create identity", func(tx *crdt.Tx) error {
		identity.InitIdentity(tx, log)
		return nil
	})
	if err != nil {
		return fmt.Errorf("docsync: creating identity %s: %w", root, err)
	}
	return nil
}

func (c *Client) newSyncer() Syncer {
	switch {
	case c.cfg.NewSyncer != nil:
		return c.cfg.NewSyncer(c.cfg.Owner, c.docs)
	case c.cfg.Dialer == nil:
		return newOfflineSyncer()
	}
	return session.New(session.Config{
		Owner:          c.cfg.Owner,
		PeerID:         c.cfg.PeerID,
		Token:          c.cfg.Token,
		Dialer:         c.cfg.Dialer,
		Documents:      c.docs,
		Retryer:        c.cfg.Retryer,
		MessageTimeout: c.cfg.MessageTimeout,
		Clock:          c.clock,
		Logger:         c.logger,
		Metrics:        c.cfg.Metrics,
	})
}

func (c *Client) startRun(root docid.ID, mode Mode) *rootRun {
	ctx, cancel := context.WithCancel(context.Background())
	events, unsub := c.docs.Subscribe(128)
	r := &rootRun{
		root:     root,
		mode:     mode,
		resolver: identity.NewResolver(root),
		syncer:   c.newSyncer(),
		events:   events,
		unsub:    unsub,
		cancel:   cancel,
		done:     make(chan struct{}),
	}

	c.mu.Lock()
	c.run = r
	c.active = ""
	if err := c.transitionLocked(StateLoading, nil); err != nil {
		c.logger.Error("BUG: client state machine", "error", err)
	}
	c.mu.Unlock()

	r.syncer.Start()
	go c.control(ctx, r)
	return r
}

func (c *Client) stopRun(ctx context.Context, r *rootRun) {
	r.cancel()
	select {
	case <-r.done:
	case <-ctx.Done():
	}
	r.unsub()
	if err := r.syncer.Close(ctx); err != nil {
		c.logger.Warn("docsync: closing sync session failed", "root", r.root, "error", err)
	}
}

// transitionLocked changes state. The caller holds c.mu.
func (c *Client) transitionLocked(next State, cause error) error {
	if c.state == next {
		return nil
	}
	if err := c.state.validateTransitionTo(next); err != nil {
		return err
	}
	prev := c.state
	c.state = next
	c.lastErr = cause
	c.cfg.Metrics.ClientTransition(prev.String(), next.String())
	c.logger.Debug("docsync: state transitioned", "from", prev, "to", next)
	c.publish(Event{Kind: EventStateChanged, State: next, Err: cause})
	return nil
}

// transitionIf moves r's client from one state to another, and reports
// whether it did. It does nothing once r has been replaced.
func (c *Client) transitionIf(r *rootRun, from, to State, cause error) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.run != r || c.state != from {
		return false
	}
	if err := c.transitionLocked(to, cause); err != nil {
		c.logger.Error("BUG: client state machine", "error", err)
		return false
	}
	return true
}

// control drives the Loading, PendingSync and Ready states of one root.
func (c *Client) control(ctx context.Context, r *rootRun) {
	defer close(r.done)

	loadTimer := c.clock.Timer(c.cfg.LoadTimeout)
	defer loadTimer.Stop()
	retry := c.clock.Ticker(c.cfg.RetryInterval)
	defer retry.Stop()

	var pendingTimer *clock.Timer
	var pending <-chan time.Time
	defer func() {
		if pendingTimer != nil {
			pendingTimer.Stop()
		}
	}()
	syncEvents := r.syncer.Events()

	c.refresh(ctx, r)
	for {
		select {
		case <-ctx.Done():
			return

		case ev, ok := <-r.events:
			if !ok {
				return
			}
			if ev.Owner != c.cfg.Owner {
				continue
			}
			c.publish(Event{Kind: EventDocumentChanged, Doc: ev.ID, Remote: ev.Origin == cache.OriginRemote})
			c.refresh(ctx, r)

		case ev, ok := <-syncEvents:
			if !ok {
				syncEvents = nil
				continue
			}
			c.publishSync(ev)

		case <-loadTimer.C:
			if c.transitionIf(r, StateLoading, StatePendingSync, nil) {
				c.logger.Info("docsync: root not available yet, waiting for sync", "root", r.root)
				pendingTimer = c.clock.Timer(c.cfg.PendingTimeout)
				pending = pendingTimer.C
			}

		case <-pending:
			pending = nil
			res := r.result()
			gerr := &GraphError{Root: r.root, Missing: res.Missing, Err: res.IdentityErr}
			if c.transitionIf(r, StatePendingSync, StateError, gerr) {
				c.logger.Error("docsync: giving up on root", "root", r.root, "error", gerr)
				return
			}

		case <-retry.C:
			if st := c.CurrentState(); st == StateLoading || st == StatePendingSync {
				if missing := r.result().Missing; len(missing) > 0 {
					r.syncer.Retry(missing...)
				}
			}
			c.refresh(ctx, r)
		}
	}
}

// refresh resolves the sync set, feeds it to the session and moves the
// client to Ready once the identity is local. While Ready it creates
// group documents that are referenced but were never created.
func (c *Client) refresh(ctx context.Context, r *rootRun) {
	r.refreshMu.Lock()
	defer r.refreshMu.Unlock()

	for pass := 0; pass < 3; pass++ {
		res, err := r.resolver.Resolve(ctx, cacheSource{docs: c.docs, owner: c.cfg.Owner})
		if err != nil {
			if ctx.Err() == nil {
				c.logger.Warn("docsync: resolving sync set failed", "root", r.root, "error", err)
			}
			return
		}
		r.setResult(res)
		if added := r.syncer.SetDocuments(res.Set.IDs()); len(added) > 0 {
			c.logger.Debug("docsync: sync set grew", "root", r.root, "added", len(added), "size", res.Set.Len())
		}

		if res.Identity == nil || !c.markReady(r) {
			return
		}
		named, err := c.nameJoinedGroups(ctx, r, res)
		if err != nil {
			c.logger.Warn("docsync: naming joined groups failed", "root", r.root, "error", err)
		}
		created, err := c.ensureEntities(ctx, r, res)
		if err != nil {
			c.logger.Warn("docsync: creating missing group documents failed", "root", r.root, "error", err)
			return
		}
		if !created && !named {
			return
		}
	}
}

// markReady reports whether r's client is Ready, moving it there from
// Loading or PendingSync.
func (c *Client) markReady(r *rootRun) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.run != r {
		return false
	}
	switch c.state {
	case StateReady:
		return true
	case StateLoading, StatePendingSync:
		if err := c.transitionLocked(StateReady, nil); err != nil {
			c.logger.Error("BUG: client state machine", "error", err)
			return false
		}
		c.logger.Info("docsync: ready", "root", r.root)
		return true
	default:
		return false
	}
}

// nameJoinedGroups copies a group's name onto references stored before the
// group document arrived.
func (c *Client) nameJoinedGroups(ctx context.Context, r *rootRun, res identity.Result) (named bool, err error) {
	for _, ref := range res.Identity.Groups {
		group, ok := res.Groups[ref.Group]
		if ref.Name != "" || !ok || group.Name == "" {
			continue
		}
		err = c.docs.Change(ctx, c.cfg.Owner, r.root, "name group", func(tx *crdt.Tx) error {
			if identity.NameGroupRefs(tx, ref.Group, group.Name) {
				named = true
			}
			return nil
		})
		if err != nil {
			return named, err
		}
	}
	if named {
		r.syncer.Notify(r.root)
	}
	return named, nil
}

// ensureEntities lazily creates the entity documents a group lacks.
func (c *Client) ensureEntities(ctx context.Context, r *rootRun, res identity.Result) (created bool, err error) {
	for gid, group := range res.Groups {
		for _, kind := range group.MissingKinds() {
			id := docid.Generate()
			kind := kind
			err := c.docs.Create(ctx, c.cfg.Owner, id, "create "+string(kind), func(tx *crdt.Tx) error {
				identity.InitEntities(tx, kind)
				return nil
			})
			if err != nil {
				return created, err
			}
			err = c.docs.Change(ctx, c.cfg.Owner, gid, "add "+string(kind), func(tx *crdt.Tx) error {
				identity.SetGroupEntity(tx, kind, id)
				return nil
			})
			if err != nil {
				return created, err
			}
			r.syncer.Notify(gid)
			created = true
			c.logger.Info("docsync: created missing group document", "group", gid, "kind", kind, "doc", id)
		}
	}
	return created, nil
}

type cacheSource struct {
	docs  *cache.Cache
	owner string
}

func (s cacheSource) ReadDocument(ctx context.Context, id docid.ID, fn func(v *crdt.View) error) (bool, error) {
	return s.docs.Read(ctx, s.owner, id, fn)
}

// CurrentState returns the lifecycle state.
func (c *Client) CurrentState() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Err returns the error that moved the client to StateError, if any.
func (c *Client) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastErr
}

// Root returns the current root id.
func (c *Client) Root() (docid.ID, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.run == nil {
		return docid.Nil, false
	}
	return c.run.root, true
}

func (c *Client) current() (*rootRun, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch {
	case c.closed:
		return nil, ErrClosed
	case c.run == nil:
		return nil, ErrNoRoot
	}
	return c.run, nil
}

// SyncStatus reports the sync session and the documents still missing.
type SyncStatus struct {
	session.Status
	Root docid.ID
	// Missing are referenced documents not available locally.
	Missing []docid.ID
}

func (c *Client) SyncStatus() (SyncStatus, error) {
	r, err := c.current()
	if err != nil {
		return SyncStatus{}, err
	}
	return SyncStatus{Status: r.syncer.Status(), Root: r.root, Missing: r.result().Missing}, nil
}

// Evict flushes this client's documents and drops them from memory. The
// next access reloads them from the store.
func (c *Client) Evict(ctx context.Context) error {
	if _, err := c.current(); err != nil && !errors.Is(err, ErrNoRoot) {
		return err
	}
	return c.docs.Evict(ctx, c.cfg.Owner)
}

// Close stops syncing, flushes every document and closes subscriptions.
// The store is left open.
func (c *Client) Close(ctx context.Context) error {
	c.rootMu.Lock()
	defer c.rootMu.Unlock()

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	r := c.run
	c.mu.Unlock()

	if r != nil {
		c.stopRun(ctx, r)
	}
	err := c.docs.Close(ctx)

	c.subsMu.Lock()
	for _, ch := range c.subs {
		close(ch)
	}
	c.subs = nil
	c.subsMu.Unlock()
	return err
}
