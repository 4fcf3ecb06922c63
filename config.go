package docsync

import (
	"log/slog"
	"os"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/forkful/docsync/pkg/cache"
	"github.com/forkful/docsync/pkg/docstore"
	"github.com/forkful/docsync/pkg/logger"
	"github.com/forkful/docsync/pkg/metrics"
	"github.com/forkful/docsync/pkg/session"
	"github.com/forkful/docsync/pkg/transport"
)

const (
	DefaultOwner              = "local"
	DefaultLoadTimeout        = 5 * time.Second
	DefaultPendingTimeout     = 2 * time.Minute
	DefaultRetryInterval      = 10 * time.Second
	DefaultInteractiveTimeout = 10 * time.Second
)

// Config configures a Client. Store is required.
type Config struct {
	Store docstore.Store

	// Owner keys this client's documents in its cache.
	Owner string
	// PeerID identifies this client in handshakes. Generated when empty.
	PeerID string
	Token  string

	// Dialer connects sync sessions. A nil Dialer keeps the client offline.
	Dialer  transport.Dialer
	Retryer session.Retryer
	// NewSyncer replaces the default session factory.
	NewSyncer func(owner string, docs session.Documents) Syncer

	// LoadTimeout is how long Loading waits before reporting PendingSync.
	LoadTimeout time.Duration
	// PendingTimeout is how long PendingSync lasts before Error.
	PendingTimeout time.Duration
	// RetryInterval is how often PendingSync re-requests missing documents.
	RetryInterval time.Duration
	// InteractiveTimeout bounds Await.
	InteractiveTimeout time.Duration
	MessageTimeout     time.Duration

	// MaxCachedOwners and IdleTimeout tune the document cache.
	MaxCachedOwners int
	IdleTimeout     time.Duration

	Clock   clock.Clock
	Logger  logger.Logger
	Metrics *metrics.Metrics
}

// NewConfig returns a Config over store with every default filled in.
// It is not necessary to use it, but Open fills the same defaults.
func NewConfig(store docstore.Store) *Config {
	return &Config{
		Store:              store,
		Owner:              DefaultOwner,
		LoadTimeout:        DefaultLoadTimeout,
		PendingTimeout:     DefaultPendingTimeout,
		RetryInterval:      DefaultRetryInterval,
		InteractiveTimeout: DefaultInteractiveTimeout,
		MessageTimeout:     session.DefaultMessageTimeout,
		MaxCachedOwners:    cache.DefaultMaxOwners,
		Clock:              clock.New(),
		Logger:             logger.New(slog.NewTextHandler(os.Stderr, nil)),
	}
}

func (cfg Config) withDefaults() Config {
	if cfg.Owner == "" {
		cfg.Owner = DefaultOwner
	}
	if cfg.LoadTimeout <= 0 {
		cfg.LoadTimeout = DefaultLoadTimeout
	}
	if cfg.PendingTimeout <= 0 {
		cfg.PendingTimeout = DefaultPendingTimeout
	}
	if cfg.RetryInterval <= 0 {
		cfg.RetryInterval = DefaultRetryInterval
	}
	if cfg.InteractiveTimeout <= 0 {
		cfg.InteractiveTimeout = DefaultInteractiveTimeout
	}
	if cfg.MessageTimeout <= 0 {
		cfg.MessageTimeout = session.DefaultMessageTimeout
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	cfg.Logger = logger.OrNop(cfg.Logger)
	return cfg
}

// Mode selects how SetRoot treats the root id.
type Mode int

const (
	// ModeCreate creates a fresh identity at the root id.
	ModeCreate Mode = iota
	// ModeJoin adopts an existing identity, fetching it if needed.
	ModeJoin
)

func (m Mode) String() string {
	if m == ModeCreate {
		return "create"
	}
	return "join"
}

type rootOptions struct {
	replace bool
}

// RootOption modifies SetRoot.
type RootOption func(*rootOptions)

// WithReplaceRoot confirms that an existing, different root may be replaced.
func WithReplaceRoot() RootOption {
	return func(o *rootOptions) { o.replace = true }
}
