package main

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/icp-miner/internal/audit"
	"github.com/sells-group/icp-miner/internal/identity"
	"github.com/sells-group/icp-miner/internal/mining"
	"github.com/sells-group/icp-miner/internal/resilience"
	"github.com/sells-group/icp-miner/internal/store"
	"github.com/sells-group/icp-miner/pkg/peoplesearch"
)

// minerEnv holds the store, provider client and dispatcher shared by the
// mine, serve and worker commands.
type minerEnv struct {
	Store      store.Store
	Search     peoplesearch.Client
	Audit      audit.Logger
	Resolver   identity.Resolver
	Dispatcher *mining.Dispatcher

	closers []func() error
}

// Close releases resources in reverse order of acquisition.
func (e *minerEnv) Close() {
	for i := len(e.closers) - 1; i >= 0; i-- {
		if err := e.closers[i](); err != nil {
			zap.L().Warn("close failed", zap.Error(err))
		}
	}
}

func initStore(ctx context.Context) (store.Store, error) {
	switch cfg.Store.Driver {
	case "sqlite":
		dsn := cfg.Store.DatabaseURL
		if dsn == "" {
			dsn = "icp-miner.db"
		}
		return store.NewSQLite(dsn)
	case "postgres":
		return store.NewPostgres(ctx, cfg.Store.DatabaseURL, &store.PoolConfig{
			MaxConns: cfg.Store.MaxConns,
			MinConns: cfg.Store.MinConns,
		})
	default:
		return nil, eris.Errorf("unsupported store driver: %s", cfg.Store.Driver)
	}
}

// initMiner validates cfg for mode, opens and migrates the store, and wires
// the dispatcher. Callers should defer env.Close().
func initMiner(ctx context.Context, mode string) (*minerEnv, error) {
	if err := cfg.Validate(mode); err != nil {
		return nil, err
	}

	st, err := initStore(ctx)
	if err != nil {
		return nil, err
	}
	env := &minerEnv{Store: st, closers: []func() error{st.Close}}

	if err := st.Migrate(ctx); err != nil {
		env.Close()
		return nil, eris.Wrap(err, "migrate store")
	}

	env.Audit = env.initAudit()
	env.Resolver = env.initResolver()
	env.Search = newSearchClient()

	engine := mining.NewEngine(st, env.Search, env.Audit)
	env.Dispatcher = mining.NewDispatcher(st, engine,
		mining.WithAudit(env.Audit),
		mining.WithResolver(env.Resolver),
		mining.WithPoolWindow(cfg.Mining.PoolWindow),
	)

	return env, nil
}

func (e *minerEnv) initAudit() audit.Logger {
	if !cfg.Audit.Enabled {
		return audit.Nop{}
	}
	if pg, ok := e.Store.(*store.PostgresStore); ok {
		l := audit.NewPostgresLogger(pg.Pool(), cfg.Audit.BufferSize)
		e.closers = append(e.closers, l.Close)
		return l
	}
	return audit.NewZapLogger(zap.L())
}

func (e *minerEnv) initResolver() identity.Resolver {
	var base identity.Resolver
	switch st := e.Store.(type) {
	case *store.PostgresStore:
		base = identity.NewPostgresResolver(st.Pool())
	case *store.SQLiteStore:
		base = identity.NewSQLResolver(st.DB())
	default:
		return nil
	}

	if cfg.Redis.Addr == "" {
		return base
	}
	rc := identity.NewRedisClient(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
	e.closers = append(e.closers, rc.Close)
	ttl := time.Duration(cfg.Redis.OwnerTTLMinutes) * time.Minute
	return identity.NewCachedResolver(rc, base, ttl)
}

func newSearchClient() peoplesearch.Client {
	guard := resilience.NewGuard("peoplesearch",
		cfg.Provider.RateLimit,
		resilience.RetryFromSettings(cfg.Provider.RetryMaxAttempts, cfg.Provider.RetryInitialBackoffMs, cfg.Provider.RetryMaxBackoffMs),
		resilience.BreakerFromSettings(cfg.Provider.CircuitFailureThreshold, cfg.Provider.CircuitResetSecs),
	)
	return peoplesearch.NewClient(cfg.Provider.Key,
		peoplesearch.WithBaseURL(cfg.Provider.BaseURL),
		peoplesearch.WithTimeout(time.Duration(cfg.Provider.TimeoutSecs)*time.Second),
		peoplesearch.WithGuard(guard),
	)
}

// baseOptions returns the configured invocation bounds.
func baseOptions() mining.Options {
	return mining.Options{
		PageSize:      cfg.Mining.PageSize,
		TargetMatches: cfg.Mining.TargetMatches,
		MaxPages:      cfg.Mining.MaxPages,
	}
}
