package docsync_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"

	"github.com/forkful/docsync"
	"github.com/forkful/docsync/internal/testenv"
	"github.com/forkful/docsync/pkg/docid"
	"github.com/forkful/docsync/pkg/docstore"
	"github.com/forkful/docsync/pkg/relay"
	"github.com/forkful/docsync/pkg/session"
	"github.com/forkful/docsync/pkg/transport"
)

const waitFor = 10 * time.Second

// ScenarioSuite runs clients against one relay over in-memory connections.
type ScenarioSuite struct {
	suite.Suite
	relay *relay.Relay
}

func TestScenarios(t *testing.T) {
	suite.Run(t, new(ScenarioSuite))
}

func (s *ScenarioSuite) SetupTest() {
	s.relay = relay.New(docstore.NewMemory(), relay.Config{Logger: testenv.NewLogger(testenv.WithQuiet())})
}

func (s *ScenarioSuite) TearDownTest() {
	s.Require().NoError(s.relay.Close(context.Background()))
}

func (s *ScenarioSuite) open(name string, store docstore.Store) *docsync.Client {
	if store == nil {
		store = docstore.NewMemory()
	}
	c, err := docsync.Open(context.Background(), docsync.Config{
		Store:          store,
		Owner:          name,
		PeerID:         name,
		Dialer:         transport.NewMemoryDialer(s.relay.ServeConn),
		Retryer:        session.NewFixedDelayRetryer(20*time.Millisecond, 0),
		LoadTimeout:    100 * time.Millisecond,
		PendingTimeout: time.Minute,
		RetryInterval:  50 * time.Millisecond,
		Logger:         testenv.NewLogger(testenv.WithQuiet()),
	})
	s.Require().NoError(err)
	s.T().Cleanup(func() { _ = c.Close(context.Background()) })
	return c
}

func (s *ScenarioSuite) TestCreateGroupReachesRelay() {
	ctx := context.Background()
	alice := s.open("alice", nil)
	s.Require().NoError(alice.SetRoot(ctx, docid.Generate(), docsync.ModeCreate))
	s.Equal(docsync.StateReady, alice.CurrentState())

	ref, err := alice.CreateGroup(ctx, "Home")
	s.Require().NoError(err)

	s.Eventually(func() bool {
		has, err := s.relay.Has(ctx, ref.Group)
		return err == nil && has
	}, waitFor, 10*time.Millisecond)
}

func (s *ScenarioSuite) TestDelayedJoin() {
	ctx := context.Background()
	root := docid.Generate()

	// the second device joins before the first one ever synced
	laptop := s.open("laptop", nil)
	s.Require().NoError(laptop.SetRoot(ctx, root, docsync.ModeJoin))
	s.Eventually(func() bool { return laptop.CurrentState() == docsync.StatePendingSync }, waitFor, 5*time.Millisecond)

	phone := s.open("phone", nil)
	s.Require().NoError(phone.SetRoot(ctx, root, docsync.ModeCreate))
	ref, err := phone.CreateGroup(ctx, "Home")
	s.Require().NoError(err)
	s.Require().NoError(phone.Mutate(ctx, docsync.RoleDishes, func(m *docsync.Mutation) error {
		m.Put("soup", []byte("tomato"))
		return nil
	}))

	s.Eventually(func() bool { return laptop.CurrentState() == docsync.StateReady }, waitFor, 5*time.Millisecond)
	s.Eventually(func() bool {
		groups, err := laptop.Groups()
		return err == nil && len(groups) == 1 && groups[0].Group == ref.Group
	}, waitFor, 5*time.Millisecond)
	s.Eventually(func() bool {
		dishes, err := laptop.Read(ctx, docsync.RoleDishes)
		return err == nil && string(dishes["soup"]) == "tomato"
	}, waitFor, 5*time.Millisecond)

	// edits flow back
	s.Require().NoError(laptop.Mutate(ctx, docsync.RoleDishes, func(m *docsync.Mutation) error {
		m.Put("pie", []byte("apple"))
		return nil
	}))
	s.Eventually(func() bool {
		dishes, err := phone.Read(ctx, docsync.RoleDishes)
		return err == nil && len(dishes) == 2
	}, waitFor, 5*time.Millisecond)
}

func (s *ScenarioSuite) TestConcurrentEditsConverge() {
	ctx := context.Background()
	root := docid.Generate()

	a := s.open("a", nil)
	s.Require().NoError(a.SetRoot(ctx, root, docsync.ModeCreate))
	_, err := a.CreateGroup(ctx, "Home")
	s.Require().NoError(err)

	b := s.open("b", nil)
	s.Require().NoError(b.SetRoot(ctx, root, docsync.ModeJoin))
	s.Eventually(func() bool {
		_, err := b.Read(ctx, docsync.RoleShopping)
		return err == nil
	}, waitFor, 5*time.Millisecond)

	s.Require().NoError(a.Mutate(ctx, docsync.RoleShopping, func(m *docsync.Mutation) error {
		m.Put("milk", []byte("1"))
		return nil
	}))
	s.Require().NoError(b.Mutate(ctx, docsync.RoleShopping, func(m *docsync.Mutation) error {
		m.Put("eggs", []byte("12"))
		return nil
	}))

	for _, c := range []*docsync.Client{a, b} {
		c := c
		s.Eventually(func() bool {
			list, err := c.Read(ctx, docsync.RoleShopping)
			return err == nil && len(list) == 2
		}, waitFor, 5*time.Millisecond)
	}
}

func (s *ScenarioSuite) TestAwaitFetchesDocument() {
	ctx := context.Background()
	root := docid.Generate()
	a := s.open("a", nil)
	s.Require().NoError(a.SetRoot(ctx, root, docsync.ModeCreate))

	b := s.open("b", nil)
	s.Require().NoError(b.SetRoot(ctx, root, docsync.ModeJoin))
	s.Require().NoError(b.Await(ctx, docsync.RoleLog))
	_, err := b.Read(ctx, docsync.RoleLog)
	s.NoError(err)
}

func TestErrorClassification(t *testing.T) {
	_, err := docid.Parse("not-an-id")
	require.ErrorIs(t, err, docsync.ErrFormat)

	gerr := &docsync.GraphError{Root: docid.Generate(), Missing: []docid.ID{docid.Generate()}}
	assert.ErrorIs(t, gerr, docsync.ErrGraph)
	assert.Contains(t, gerr.Error(), "missing")

	var nerr error = &docsync.NetworkError{Op: "dial", Err: transport.ErrDialRefused}
	assert.ErrorIs(t, nerr, docsync.ErrNetwork)
	assert.ErrorIs(t, nerr, transport.ErrDialRefused)
}
