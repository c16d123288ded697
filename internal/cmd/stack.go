package cmd

import (
	"context"
	"fmt"

	"github.com/fulmenhq/gofulmen/logging"
	_ "github.com/tursodatabase/go-libsql" // registers ledger.LibsqlDriver

	"github.com/hoistup/hoist/internal/config"
	"github.com/hoistup/hoist/internal/core/backoff"
	"github.com/hoistup/hoist/internal/core/engine"
	"github.com/hoistup/hoist/internal/core/ledger"
	"github.com/hoistup/hoist/internal/core/lock"
	"github.com/hoistup/hoist/internal/provider"
	"github.com/hoistup/hoist/internal/provider/registry"
	"github.com/hoistup/hoist/internal/validate"
)

// stack is the engine assembled from configuration.
type stack struct {
	cfg          *config.Config
	store        ledger.Store
	ledgerLock   *lock.FileLock
	sessionLock  *lock.FileLock
	gate         *engine.Gate
	orchestrator *engine.Orchestrator
	closers      []func() error
}

type stackOptions struct {
	noSessionLock bool
	logger        *logging.Logger
}

// Close releases the ledger store.
func (r *stack) Close() error {
	var first error
	for i := len(r.closers) - 1; i >= 0; i-- {
		if err := r.closers[i](); err != nil && first == nil {
			first = err
		}
	}
	return first
}

func buildStack(ctx context.Context, cfg *config.Config, opts stackOptions) (*stack, error) {
	rt := &stack{cfg: cfg}

	st, closeStore, err := openLedgerStore(ctx, cfg.Ledger, opts.logger)
	if err != nil {
		return nil, err
	}
	rt.store = st
	if closeStore != nil {
		rt.closers = append(rt.closers, closeStore)
	}

	rt.ledgerLock = newLedgerLock(cfg, opts.logger)
	rt.sessionLock = newSessionLock(cfg, opts.logger)

	policy := backoff.Policy{
		Base:   cfg.Backoff.Base,
		Max:    cfg.Backoff.Max,
		Jitter: cfg.Backoff.Jitter,
	}

	rt.gate = &engine.Gate{
		Store:    st,
		Lock:     rt.ledgerLock,
		Backoff:  policy,
		Limits:   cfg.RateLimits(registry.Profiles()),
		Buffer:   cfg.Gate.Buffer,
		MaxWaits: cfg.Gate.MaxWaits,
		Logger:   opts.logger,
	}

	scheduler := &engine.Scheduler{
		Gate:     rt.gate,
		Backoff:  policy,
		Validate: validate.Item,
		Logger:   opts.logger,
	}

	session := &engine.Session{
		Scheduler: scheduler,
		Heartbeat: cfg.Session.Heartbeat,
		Logger:    opts.logger,
	}
	if cfg.Session.Enabled && !opts.noSessionLock {
		session.Lock = rt.sessionLock
	}

	clients := make(map[string]provider.Client)
	for _, name := range registry.Names() {
		client, err := registry.New(name, cfg.ProviderSettings(name))
		if err != nil {
			_ = rt.Close()
			return nil, err
		}
		clients[name] = client
	}

	rt.orchestrator = &engine.Orchestrator{
		Clients: clients,
		Session: session,
		Logger:  opts.logger,
	}
	return rt, nil
}

// openLedgerStore opens the configured ledger backend. The returned closer
// may be nil.
func openLedgerStore(ctx context.Context, cfg config.LedgerConfig, logger *logging.Logger) (ledger.Store, func() error, error) {
	switch cfg.Driver {
	case config.DriverBolt:
		db, err := ledger.OpenBolt(cfg.Path, cfg.LockTimeout)
		if err != nil {
			return nil, nil, fmt.Errorf("open bolt ledger: %w", err)
		}
		return db, db.Close, nil
	case config.DriverSQL:
		db, err := ledger.OpenSQL(ctx, ledger.SQLOptions{URL: cfg.URL, AuthToken: cfg.AuthToken, Path: cfg.Path})
		if err != nil {
			return nil, nil, err
		}
		return db, db.Close, nil
	case config.DriverRedis:
		rs, err := ledger.OpenRedis(ctx, cfg.URL, cfg.RedisKey, logger)
		if err != nil {
			return nil, nil, err
		}
		return rs, rs.Close, nil
	default:
		return ledger.NewFileStore(cfg.Path, logger), nil, nil
	}
}

func newLedgerLock(cfg *config.Config, logger *logging.Logger) *lock.FileLock {
	l := lock.NewLedgerLock(cfg.Ledger.LockPath)
	if cfg.Ledger.LockStale > 0 {
		l.Stale = cfg.Ledger.LockStale
	}
	if cfg.Ledger.LockTimeout > 0 {
		l.Timeout = cfg.Ledger.LockTimeout
	}
	if cfg.Ledger.LockPoll > 0 {
		l.Poll = cfg.Ledger.LockPoll
	}
	l.Logger = logger
	return l
}

func newSessionLock(cfg *config.Config, logger *logging.Logger) *lock.FileLock {
	l := lock.NewSessionLock(cfg.Session.LockPath)
	l.Stale = cfg.Session.Stale
	l.Timeout = cfg.Session.Timeout
	l.Logger = logger
	return l
}
