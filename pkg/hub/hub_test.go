package hub

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/forkful/docsync"
	"github.com/forkful/docsync/internal/testenv"
	"github.com/forkful/docsync/pkg/docid"
	"github.com/forkful/docsync/pkg/docstore"
)

type stores struct {
	mu     sync.Mutex
	byUser map[string]*docstore.Memory
	opened int
}

func (s *stores) open(_ context.Context, user string) (docstore.Store, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.opened++
	st, ok := s.byUser[user]
	if !ok {
		st = docstore.NewMemory()
		s.byUser[user] = st
	}
	return &reopenable{Memory: st}, nil
}

func (s *stores) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.opened
}

// reopenable lets a user's memory store outlive the client that closed it.
type reopenable struct {
	*docstore.Memory
}

func (r *reopenable) Close() error { return nil }

func newHub(t *testing.T, cfg Config) (*Hub, *stores) {
	t.Helper()
	s := &stores{byUser: make(map[string]*docstore.Memory)}
	cfg.OpenStore = s.open
	cfg.Logger = testenv.NewLogger(testenv.WithQuiet())
	h := New(cfg)
	t.Cleanup(func() { _ = h.Close(context.Background()) })
	return h, s
}

func TestClientIsReused(t *testing.T) {
	ctx := context.Background()
	h, s := newHub(t, Config{})

	var wg sync.WaitGroup
	clients := make([]*docsync.Client, 8)
	for i := range clients {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			c, err := h.Client(ctx, "alice")
			assert.NoError(t, err)
			clients[i] = c
		}(i)
	}
	wg.Wait()
	for _, c := range clients {
		assert.Same(t, clients[0], c)
	}
	assert.Equal(t, 1, s.count())
	assert.Equal(t, 1, h.Len())
	assert.Equal(t, []string{"alice"}, h.Users())
}

func TestRemoveClosesClient(t *testing.T) {
	ctx := context.Background()
	h, _ := newHub(t, Config{})

	c, err := h.Client(ctx, "alice")
	require.NoError(t, err)
	root := docid.Generate()
	require.NoError(t, c.SetRoot(ctx, root, docsync.ModeCreate))

	h.Remove("alice")
	require.Eventually(t, func() bool {
		return c.SetRoot(ctx, root, docsync.ModeJoin) == docsync.ErrClosed
	}, 5*time.Second, 5*time.Millisecond)

	// the next request reopens from the user's store
	again, err := h.Client(ctx, "alice")
	require.NoError(t, err)
	assert.NotSame(t, c, again)
	assert.Equal(t, docsync.StateReady, again.CurrentState())
	got, ok := again.Root()
	require.True(t, ok)
	assert.Equal(t, root, got)
}

func TestIdleClientsExpire(t *testing.T) {
	ctx := context.Background()
	h, _ := newHub(t, Config{IdleTTL: 50 * time.Millisecond})

	_, err := h.Client(ctx, "alice")
	require.NoError(t, err)
	require.Eventually(t, func() bool { return h.Len() == 0 }, 5*time.Second, 10*time.Millisecond)
}

func TestCapacityEvictsLeastRecentlyUsed(t *testing.T) {
	ctx := context.Background()
	h, _ := newHub(t, Config{MaxClients: 1})

	_, err := h.Client(ctx, "alice")
	require.NoError(t, err)
	_, err = h.Client(ctx, "bob")
	require.NoError(t, err)
	assert.Equal(t, []string{"bob"}, h.Users())
}

func TestClosedHub(t *testing.T) {
	ctx := context.Background()
	h, _ := newHub(t, Config{})
	c, err := h.Client(ctx, "alice")
	require.NoError(t, err)

	require.NoError(t, h.Close(ctx))
	_, err = h.Client(ctx, "alice")
	require.ErrorIs(t, err, ErrClosed)
	require.ErrorIs(t, c.SetRoot(ctx, docid.Generate(), docsync.ModeCreate), docsync.ErrClosed)
}

func TestCloseFlushesAndIsRepeatable(t *testing.T) {
	ctx := context.Background()
	h, s := newHub(t, Config{})

	alice, err := h.Client(ctx, "alice")
	require.NoError(t, err)
	bob, err := h.Client(ctx, "bob")
	require.NoError(t, err)
	root := docid.Generate()
	require.NoError(t, alice.SetRoot(ctx, root, docsync.ModeCreate))

	require.NoError(t, h.Close(ctx))
	for _, c := range []*docsync.Client{alice, bob} {
		assert.ErrorIs(t, c.SetRoot(ctx, docid.Generate(), docsync.ModeCreate), docsync.ErrClosed)
	}
	assert.Zero(t, h.Len())

	stored, ok, err := s.byUser["alice"].LoadRoot(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, root, stored)

	second, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	require.NoError(t, h.Close(second))
}
