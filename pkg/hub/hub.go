// Package hub keeps one docsync.Client per connected user for server-hosted
// backends. Clients idle for longer than the TTL, or pushed out by the
// capacity limit, are closed, which flushes their documents.
package hub

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jellydator/ttlcache/v3"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/forkful/docsync"
	"github.com/forkful/docsync/pkg/docstore"
	"github.com/forkful/docsync/pkg/logger"
)

const (
	DefaultIdleTTL    = 10 * time.Minute
	DefaultMaxClients = 1000
)

var ErrClosed = errors.New("hub closed")

// Config configures a Hub. OpenStore is required.
type Config struct {
	// OpenStore returns the document store of user.
	OpenStore func(ctx context.Context, user string) (docstore.Store, error)
	// Client is the template for every user's client. Store, Owner and
	// PeerID are set per user.
	Client docsync.Config

	IdleTTL    time.Duration
	MaxClients uint64
	Logger     logger.Logger
}

type entry struct {
	client *docsync.Client
	store  docstore.Store
}

// Hub is safe for concurrent use.
type Hub struct {
	cfg     Config
	logger  logger.Logger
	clients *ttlcache.Cache[string, *entry]
	opening singleflight.Group
	closing errgroup.Group
	ctx     context.Context
	cancel  context.CancelFunc

	// mu orders Set against Close so no client is added after shutdown.
	mu          sync.RWMutex
	unsubscribe func()
	stopOnce    sync.Once
}

func New(cfg Config) *Hub {
	if cfg.IdleTTL <= 0 {
		cfg.IdleTTL = DefaultIdleTTL
	}
	if cfg.MaxClients == 0 {
		cfg.MaxClients = DefaultMaxClients
	}

	h := &Hub{
		cfg:    cfg,
		logger: logger.OrNop(cfg.Logger),
		clients: ttlcache.New[string, *entry](
			ttlcache.WithTTL[string, *entry](cfg.IdleTTL),
			ttlcache.WithCapacity[string, *entry](cfg.MaxClients),
		),
	}
	h.ctx, h.cancel = context.WithCancel(context.Background())

	h.unsubscribe = h.clients.OnEviction(func(_ context.Context, reason ttlcache.EvictionReason, item *ttlcache.Item[string, *entry]) {
		user, e := item.Key(), item.Value()
		h.logger.Debug("hub: closing client", "user", user, "reason", reason)
		h.closing.Go(func() error {
			return h.closeEntry(user, e)
		})
	})
	go h.clients.Start()
	return h
}

func (h *Hub) closeEntry(user string, e *entry) error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	var errs []error
	if err := e.client.Close(ctx); err != nil {
		errs = append(errs, err)
	}
	if err := e.store.Close(); err != nil {
		errs = append(errs, err)
	}
	if err := errors.Join(errs...); err != nil {
		h.logger.Warn("hub: closing client failed", "user", user, "error", err)
		return fmt.Errorf("closing client of %s: %w", user, err)
	}
	return nil
}

// Client returns user's client, opening it on first use. Every call
// resets the user's idle timer.
func (h *Hub) Client(ctx context.Context, user string) (*docsync.Client, error) {
	if h.ctx.Err() != nil {
		return nil, ErrClosed
	}
	if item := h.clients.Get(user); item != nil {
		return item.Value().client, nil
	}

	v, err, _ := h.opening.Do(user, func() (any, error) {
		if item := h.clients.Get(user); item != nil {
			return item.Value(), nil
		}
		e, err := h.open(ctx, user)
		if err != nil {
			return nil, err
		}
		h.mu.RLock()
		defer h.mu.RUnlock()
		if h.ctx.Err() != nil {
			_ = h.closeEntry(user, e)
			return nil, ErrClosed
		}
		h.clients.Set(user, e, ttlcache.DefaultTTL)
		return e, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*entry).client, nil
}

func (h *Hub) open(ctx context.Context, user string) (*entry, error) {
	store, err := h.cfg.OpenStore(ctx, user)
	if err != nil {
		return nil, fmt.Errorf("hub: opening store of %s: %w", user, err)
	}
	cfg := h.cfg.Client
	cfg.Store = store
	cfg.Owner = user
	cfg.PeerID = "hub-" + user
	if cfg.Logger == nil {
		cfg.Logger = h.logger
	}

	client, err := docsync.Open(ctx, cfg)
	if err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("hub: opening client of %s: %w", user, err)
	}
	h.logger.Info("hub: client opened", "user", user)
	return &entry{client: client, store: store}, nil
}

// Remove closes user's client now.
func (h *Hub) Remove(user string) {
	h.clients.Delete(user)
}

// Len returns the number of open clients.
func (h *Hub) Len() int {
	return h.clients.Len()
}

// Users returns the users with an open client.
func (h *Hub) Users() []string {
	return h.clients.Keys()
}

// Close closes every client and waits for them to flush. It is safe to
// call more than once.
func (h *Hub) Close(ctx context.Context) error {
	h.stopOnce.Do(func() {
		h.mu.Lock()
		h.cancel()
		h.mu.Unlock()
		h.clients.Stop()
		h.clients.DeleteAll()
		// Every eviction callback has queued its close once this returns.
		h.unsubscribe()
	})

	done := make(chan error, 1)
	go func() { done <- h.closing.Wait() }()
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}
