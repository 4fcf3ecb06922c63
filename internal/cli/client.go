package cli

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/forkful/docsync"
	"github.com/forkful/docsync/pkg/docstore"
	"github.com/forkful/docsync/pkg/session"
	"github.com/forkful/docsync/pkg/transport"
)

const settlePoll = 50 * time.Millisecond

// openStore opens the store kind under dir.
func openStore(kind, dir string) (docstore.Store, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, err
	}
	switch kind {
	case "sqlite", "":
		return docstore.OpenSQLite(filepath.Join(dir, "docsync.db"))
	case "fs":
		return docstore.OpenFS(dir)
	default:
		return nil, fmt.Errorf("unknown store %q (want sqlite or fs)", kind)
	}
}

// app is a client over the configured store, closed by close.
type app struct {
	client *docsync.Client
	store  docstore.Store
	cfg    *Config
	online bool
}

func (o *options) open(ctx context.Context) (*app, error) {
	store, err := openStore(o.cfg.Store, o.cfg.DataDir)
	if err != nil {
		return nil, fmt.Errorf("opening store: %w", err)
	}

	cfg := docsync.NewConfig(store)
	cfg.Logger = o.log
	cfg.Token = o.cfg.Token
	cfg.InteractiveTimeout = o.cfg.Timeout
	if o.cfg.Relay != "" {
		cfg.Dialer = &transport.WebSocketDialer{URL: o.cfg.Relay, Logger: o.log}
	}

	client, err := docsync.Open(ctx, *cfg)
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	return &app{client: client, store: store, cfg: o.cfg, online: cfg.Dialer != nil}, nil
}

// waitReady blocks until the client is Ready, fails, or the timeout passes.
func (a *app) waitReady(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, a.cfg.Timeout)
	defer cancel()

	events, unsub := a.client.Subscribe(32)
	defer unsub()
	for {
		switch a.client.CurrentState() {
		case docsync.StateReady:
			return nil
		case docsync.StateError:
			return a.client.Err()
		case docsync.StateUninitialized:
			return docsync.ErrNoRoot
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("%w: still %v", docsync.ErrNotReady, a.client.CurrentState())
		case _, ok := <-events:
			if !ok {
				return docsync.ErrClosed
			}
		}
	}
}

// settle waits for the sync session to go idle so local changes reach the
// relay before the process exits. It gives up quietly at the timeout.
func (a *app) settle(ctx context.Context) {
	if !a.online {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, a.cfg.Timeout)
	defer cancel()

	tick := time.NewTicker(settlePoll)
	defer tick.Stop()
	for {
		st, err := a.client.SyncStatus()
		if err != nil || st.State == session.StateIdle {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-tick.C:
		}
	}
}

func (a *app) close(ctx context.Context) error {
	a.settle(ctx)
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), a.cfg.Timeout)
	defer cancel()
	err := a.client.Close(ctx)
	if cerr := a.store.Close(); err == nil {
		err = cerr
	}
	return err
}
