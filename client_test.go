package docsync

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/forkful/docsync/internal/testenv"
	"github.com/forkful/docsync/pkg/crdt"
	"github.com/forkful/docsync/pkg/docid"
	"github.com/forkful/docsync/pkg/docstore"
	"github.com/forkful/docsync/pkg/identity"
	"github.com/forkful/docsync/pkg/session"
)

// fakeSyncer records what the client asks of its sync session.
type fakeSyncer struct {
	mu       sync.Mutex
	docs     map[docid.ID]bool
	notified []docid.ID
	retried  []docid.ID
	started  bool
	closed   bool
	events   chan session.Event
}

func newFakeSyncer() *fakeSyncer {
	return &fakeSyncer{docs: make(map[docid.ID]bool), events: make(chan session.Event, 16)}
}

func (f *fakeSyncer) Start() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.started = true
}

func (f *fakeSyncer) SetDocuments(ids []docid.ID) (added []docid.ID) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, id := range ids {
		if !f.docs[id] {
			f.docs[id] = true
			added = append(added, id)
		}
	}
	return added
}

func (f *fakeSyncer) Notify(id docid.ID) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.notified = append(f.notified, id)
}

func (f *fakeSyncer) Retry(ids ...docid.ID) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.retried = append(f.retried, ids...)
}

func (f *fakeSyncer) Events() <-chan session.Event {
	return f.events
}

func (f *fakeSyncer) Status() session.Status {
	f.mu.Lock()
	defer f.mu.Unlock()
	docs := make(map[docid.ID]session.DocState, len(f.docs))
	for id := range f.docs {
		docs[id] = session.DocIdle
	}
	return session.Status{State: session.StateIdle, Documents: docs}
}

func (f *fakeSyncer) Close(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.closed {
		f.closed = true
		close(f.events)
	}
	return nil
}

func (f *fakeSyncer) tracked(id docid.ID) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.docs[id]
}

func (f *fakeSyncer) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.docs)
}

func (f *fakeSyncer) retriedCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.retried)
}

type harness struct {
	client  *Client
	store   *docstore.Memory
	clock   *clock.Mock
	syncers []*fakeSyncer
	mu      sync.Mutex
}

func (h *harness) syncer() *fakeSyncer {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.syncers[len(h.syncers)-1]
}

func newHarness(t *testing.T, store *docstore.Memory, mutate func(cfg *Config)) *harness {
	t.Helper()
	if store == nil {
		store = docstore.NewMemory()
	}
	h := &harness{store: store, clock: clock.NewMock()}
	cfg := Config{
		Store:          store,
		Clock:          h.clock,
		Logger:         testenv.NewLogger(testenv.WithQuiet()),
		LoadTimeout:    5 * time.Second,
		PendingTimeout: 30 * time.Second,
		RetryInterval:  10 * time.Second,
		NewSyncer: func(string, session.Documents) Syncer {
			s := newFakeSyncer()
			h.mu.Lock()
			h.syncers = append(h.syncers, s)
			h.mu.Unlock()
			return s
		},
	}
	if mutate != nil {
		mutate(&cfg)
	}
	c, err := Open(context.Background(), cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close(context.Background()) })
	h.client = c
	return h
}

// advance moves the mock clock until cond holds.
func (h *harness) advance(t *testing.T, step time.Duration, cond func() bool) {
	t.Helper()
	require.Eventually(t, func() bool {
		if cond() {
			return true
		}
		h.clock.Add(step)
		return cond()
	}, 5*time.Second, 5*time.Millisecond)
}

func TestCreate(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil, nil)
	c := h.client
	assert.Equal(t, StateUninitialized, c.CurrentState())

	root := docid.Generate()
	require.NoError(t, c.SetRoot(ctx, root, ModeCreate))
	assert.Equal(t, StateReady, c.CurrentState())

	got, ok := c.Root()
	require.True(t, ok)
	assert.Equal(t, root, got)

	stored, ok, err := h.store.LoadRoot(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, root, stored)

	groups, err := c.Groups()
	require.NoError(t, err)
	assert.Empty(t, groups)

	log, err := c.Read(ctx, RoleLog)
	require.NoError(t, err)
	assert.Empty(t, log)

	// identity and private log
	s := h.syncer()
	assert.Equal(t, 2, s.count())
	assert.True(t, s.tracked(root))
	assert.True(t, s.started)
}

func TestCreateGroup(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil, nil)
	c := h.client

	_, err := c.CreateGroup(ctx, "Home")
	require.ErrorIs(t, err, ErrNoRoot)

	require.NoError(t, c.SetRoot(ctx, docid.Generate(), ModeCreate))
	ref, err := c.CreateGroup(ctx, "Home")
	require.NoError(t, err)
	assert.Equal(t, "Home", ref.Name)
	assert.NotEmpty(t, ref.Ref)

	groups, err := c.Groups()
	require.NoError(t, err)
	require.Len(t, groups, 1)
	assert.Equal(t, ref, groups[0])

	present, err := c.docs.Present(ctx, c.cfg.Owner, ref.Group)
	require.NoError(t, err)
	assert.True(t, present)

	// identity, log, group and three shared documents
	assert.Equal(t, 6, h.syncer().count())

	active, ok := c.ActiveGroup()
	require.True(t, ok)
	assert.Equal(t, ref, active)

	require.NoError(t, c.Mutate(ctx, RoleDishes, func(m *Mutation) error {
		m.Put("soup", []byte(`{"name":"soup"}`))
		m.Put("pie", []byte(`{"name":"pie"}`))
		return nil
	}))
	dishes, err := c.Read(ctx, RoleDishes)
	require.NoError(t, err)
	assert.Equal(t, []string{"pie", "soup"}, dishes.Keys())
	assert.Equal(t, []byte(`{"name":"soup"}`), dishes["soup"])

	require.NoError(t, c.Mutate(ctx, RoleDishes, func(m *Mutation) error {
		_, ok := m.Get("pie")
		assert.True(t, ok)
		m.Delete("pie")
		return nil
	}))
	dishes, err = c.Read(ctx, RoleDishes)
	require.NoError(t, err)
	assert.Equal(t, []string{"soup"}, dishes.Keys())

	shopping, err := c.Read(ctx, RoleShopping)
	require.NoError(t, err)
	assert.Empty(t, shopping)
}

func TestActiveGroup(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil, nil)
	c := h.client
	require.NoError(t, c.SetRoot(ctx, docid.Generate(), ModeCreate))

	_, err := c.Read(ctx, RoleDishes)
	require.ErrorIs(t, err, ErrNoActiveGroup)

	home, err := c.CreateGroup(ctx, "Home")
	require.NoError(t, err)
	work, err := c.CreateGroup(ctx, "Work")
	require.NoError(t, err)

	_, err = c.Read(ctx, RoleDishes)
	require.ErrorIs(t, err, ErrNoActiveGroup)

	require.ErrorIs(t, c.SetActiveGroup("nope"), ErrUnknownGroup)
	require.NoError(t, c.SetActiveGroup(work.Ref))

	require.NoError(t, c.Mutate(ctx, RoleShopping, func(m *Mutation) error {
		m.Put("milk", []byte("2"))
		return nil
	}))
	require.NoError(t, c.SetActiveGroup(home.Ref))
	shopping, err := c.Read(ctx, RoleShopping)
	require.NoError(t, err)
	assert.Empty(t, shopping)

	require.NoError(t, c.LeaveGroup(ctx, home.Group))
	_, ok := c.ActiveGroup()
	assert.True(t, ok, "the only remaining group becomes active")
	shopping, err = c.Read(ctx, RoleShopping)
	require.NoError(t, err)
	assert.Contains(t, shopping, "milk")

	// left groups stay in the sync set
	assert.True(t, h.syncer().tracked(home.Group))
}

func TestReplaceRootRequiresOption(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil, nil)
	c := h.client

	first := docid.Generate()
	require.NoError(t, c.SetRoot(ctx, first, ModeCreate))

	second := docid.Generate()
	err := c.SetRoot(ctx, second, ModeCreate)
	require.ErrorIs(t, err, ErrRootExists)
	got, _ := c.Root()
	assert.Equal(t, first, got)

	require.NoError(t, c.SetRoot(ctx, second, ModeCreate, WithReplaceRoot()))
	got, _ = c.Root()
	assert.Equal(t, second, got)
	assert.Equal(t, StateReady, c.CurrentState())

	h.mu.Lock()
	require.Len(t, h.syncers, 2)
	assert.True(t, h.syncers[0].closed)
	h.mu.Unlock()

	// creating over an existing identity fails
	err = c.SetRoot(ctx, second, ModeCreate)
	require.ErrorIs(t, err, ErrExists)
}

func TestSetRootRejectsZeroID(t *testing.T) {
	h := newHarness(t, nil, nil)
	err := h.client.SetRoot(context.Background(), docid.Nil, ModeJoin)
	require.ErrorIs(t, err, ErrFormat)
	assert.Equal(t, StateUninitialized, h.client.CurrentState())
}

func TestJoinPendingThenError(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil, nil)
	c := h.client

	events, cancel := c.Subscribe(32)
	defer cancel()

	root := docid.Generate()
	require.NoError(t, c.SetRoot(ctx, root, ModeJoin))
	assert.Equal(t, StateLoading, c.CurrentState())
	assert.True(t, h.syncer().tracked(root))

	_, err := c.Read(ctx, RoleLog)
	require.ErrorIs(t, err, ErrAbsent)

	h.advance(t, time.Second, func() bool { return c.CurrentState() == StatePendingSync })
	h.advance(t, time.Second, func() bool { return h.syncer().retriedCount() > 0 })
	h.advance(t, 5*time.Second, func() bool { return c.CurrentState() == StateError })

	err = c.Err()
	require.ErrorIs(t, err, ErrGraph)
	var gerr *GraphError
	require.True(t, errors.As(err, &gerr))
	assert.Equal(t, root, gerr.Root)
	assert.Contains(t, gerr.Missing, root)

	var states []State
	for len(states) < 3 {
		ev := <-events
		if ev.Kind == EventStateChanged {
			states = append(states, ev.State)
		}
	}
	assert.Equal(t, []State{StateLoading, StatePendingSync, StateError}, states)

	// setting the root again recovers
	require.NoError(t, c.SetRoot(ctx, root, ModeJoin))
	assert.Equal(t, StateLoading, c.CurrentState())
	assert.NoError(t, c.Err())
}

func TestPendingSyncRecoversOnRemoteChange(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil, nil)
	c := h.client

	root := docid.Generate()
	require.NoError(t, c.SetRoot(ctx, root, ModeJoin))
	h.advance(t, time.Second, func() bool { return c.CurrentState() == StatePendingSync })

	// the session delivers the identity and its log
	remote := crdt.New()
	log := docid.Generate()
	_, err := remote.Change("create identity", func(tx *crdt.Tx) error {
		identity.InitIdentity(tx, log)
		return nil
	})
	require.NoError(t, err)
	require.NoError(t, c.docs.Sync(ctx, c.cfg.Owner, root, func(doc *crdt.Doc) (bool, error) {
		return true, doc.Merge(remote)
	}))

	require.Eventually(t, func() bool { return c.CurrentState() == StateReady }, 5*time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return h.syncer().tracked(log) }, 5*time.Second, 5*time.Millisecond)

	status, err := c.SyncStatus()
	require.NoError(t, err)
	assert.Contains(t, status.Missing, log)
}

func TestLazyCreatesMissingGroupDocuments(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil, nil)
	c := h.client
	require.NoError(t, c.SetRoot(ctx, docid.Generate(), ModeCreate))

	// a group written before meal plans and shopping lists existed
	dishes := docid.Generate()
	require.NoError(t, c.docs.Create(ctx, c.cfg.Owner, dishes, "create dishes", func(tx *crdt.Tx) error {
		identity.InitEntities(tx, identity.KindDishes)
		return nil
	}))
	group := docid.Generate()
	require.NoError(t, c.docs.Create(ctx, c.cfg.Owner, group, "create group", func(tx *crdt.Tx) error {
		identity.InitGroup(tx, "Old", map[identity.Kind]docid.ID{identity.KindDishes: dishes})
		return nil
	}))

	ref, err := c.JoinGroup(ctx, group)
	require.NoError(t, err)
	assert.Equal(t, "Old", ref.Name)

	again, err := c.JoinGroup(ctx, group)
	require.NoError(t, err)
	assert.Equal(t, ref, again)

	shopping, err := c.Read(ctx, RoleShopping)
	require.NoError(t, err)
	assert.Empty(t, shopping)

	id, err := c.Document(RoleDishes)
	require.NoError(t, err)
	assert.Equal(t, dishes, id)
	assert.Equal(t, 6, h.syncer().count())
}

func TestJoinedGroupIsNamedWhenItArrives(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil, nil)
	c := h.client
	require.NoError(t, c.SetRoot(ctx, docid.Generate(), ModeCreate))

	group := docid.Generate()
	ref, err := c.JoinGroup(ctx, group)
	require.NoError(t, err)
	assert.Empty(t, ref.Name)
	require.Eventually(t, func() bool { return h.syncer().tracked(group) }, 5*time.Second, 5*time.Millisecond)

	remote := crdt.New()
	_, err = remote.Change("create group", func(tx *crdt.Tx) error {
		identity.InitGroup(tx, "Family", nil)
		return nil
	})
	require.NoError(t, err)
	require.NoError(t, c.docs.Sync(ctx, c.cfg.Owner, group, func(doc *crdt.Doc) (bool, error) {
		return true, doc.Merge(remote)
	}))

	require.Eventually(t, func() bool {
		groups, err := c.Groups()
		return err == nil && len(groups) == 1 && groups[0].Name == "Family"
	}, 5*time.Second, 5*time.Millisecond)
	groups, err := c.Groups()
	require.NoError(t, err)
	assert.Equal(t, ref.Ref, groups[0].Ref)
}

func TestEvictReload(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil, nil)
	c := h.client
	require.NoError(t, c.SetRoot(ctx, docid.Generate(), ModeCreate))

	require.NoError(t, c.Mutate(ctx, RoleLog, func(m *Mutation) error {
		m.Put("2024-01-01", []byte("cooked soup"))
		return nil
	}))
	before, err := c.Read(ctx, RoleLog)
	require.NoError(t, err)

	require.NoError(t, c.Evict(ctx))
	after, err := c.Read(ctx, RoleLog)
	require.NoError(t, err)
	assert.Equal(t, before, after)
}

func TestResumeStoredRoot(t *testing.T) {
	ctx := context.Background()
	store := docstore.NewMemory()

	first := newHarness(t, store, nil)
	root := docid.Generate()
	require.NoError(t, first.client.SetRoot(ctx, root, ModeCreate))
	require.NoError(t, first.client.Close(ctx))
	require.ErrorIs(t, first.client.SetRoot(ctx, root, ModeJoin), ErrClosed)

	second := newHarness(t, store, nil)
	assert.Equal(t, StateReady, second.client.CurrentState())
	got, ok := second.client.Root()
	require.True(t, ok)
	assert.Equal(t, root, got)
}

func TestAwait(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil, func(cfg *Config) { cfg.InteractiveTimeout = 10 * time.Second })
	c := h.client

	root := docid.Generate()
	require.NoError(t, c.SetRoot(ctx, root, ModeJoin))

	done := make(chan error, 1)
	go func() { done <- c.Await(ctx, RoleLog) }()

	var err error
	require.Eventually(t, func() bool {
		h.clock.Add(time.Second)
		select {
		case err = <-done:
			return true
		default:
			return false
		}
	}, 5*time.Second, 5*time.Millisecond)
	require.ErrorIs(t, err, ErrDocumentTimeout)

	h2 := newHarness(t, nil, nil)
	require.NoError(t, h2.client.SetRoot(ctx, docid.Generate(), ModeCreate))
	require.NoError(t, h2.client.Await(ctx, RoleLog))
	require.ErrorIs(t, h2.client.Await(ctx, RoleDishes), ErrNoActiveGroup)
}

func TestOfflineClient(t *testing.T) {
	ctx := context.Background()
	c, err := Open(ctx, Config{Store: docstore.NewMemory(), Logger: testenv.NewLogger(testenv.WithQuiet())})
	require.NoError(t, err)
	defer c.Close(ctx)

	require.NoError(t, c.SetRoot(ctx, docid.Generate(), ModeCreate))
	status, err := c.SyncStatus()
	require.NoError(t, err)
	assert.Equal(t, session.StateDisconnected, status.State)
	assert.Len(t, status.Documents, 2)
}

func TestStateTransitions(t *testing.T) {
	assert.NoError(t, StateUninitialized.validateTransitionTo(StateLoading))
	assert.NoError(t, StateReady.validateTransitionTo(StateLoading))
	assert.NoError(t, StateError.validateTransitionTo(StateLoading))
	assert.NoError(t, StateLoading.validateTransitionTo(StatePendingSync))
	assert.NoError(t, StatePendingSync.validateTransitionTo(StateReady))
	assert.Error(t, StateUninitialized.validateTransitionTo(StateReady))
	assert.Error(t, StateReady.validateTransitionTo(StatePendingSync))
	assert.Error(t, StateError.validateTransitionTo(StateReady))
}
