package db

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5/pgxpool"

	"propsight/internal/auth"
	"propsight/internal/config"
	"propsight/internal/types"
)

// NewPool creates a pgx connection pool from the database configuration.
// Pool tuning (max/min connections, lifetimes) comes from config so Lambda
// and long-running deployments can be tuned independently.
func NewPool(ctx context.Context, cfg config.DatabaseConfig) (*pgxpool.Pool, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.URL.Unmask())
	if err != nil {
		return nil, fmt.Errorf("db: invalid database URL: %w", err)
	}

	poolCfg.MaxConns = int32(cfg.MaxConns)
	poolCfg.MinConns = int32(cfg.MinConns)
	poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	poolCfg.HealthCheckPeriod = cfg.HealthCheckPeriod

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("db: failed to create connection pool: %w", err)
	}

	return pool, nil
}

// Registry is the production implementation of types.RepositoryRegistry.
// All repositories share the same pgx pool; transactional flows go through
// the TxManager instead.
type Registry struct {
	pool     *pgxpool.Pool
	users    *UserRepository
	sessions *SessionRepository
	subs     *SubscriptionRepo
	usage    *UsageRepo
	analyses *AnalysisRepo
}

// NewRegistry creates a Registry over the given pool.
func NewRegistry(pool *pgxpool.Pool, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		pool:     pool,
		users:    NewUserRepository(pool),
		sessions: NewSessionRepository(pool),
		subs:     NewSubscriptionRepo(pool, logger),
		usage:    NewUsageRepo(pool),
		analyses: NewAnalysisRepo(pool),
	}
}

func (r *Registry) Users() types.UserRepository                 { return r.users }
func (r *Registry) Sessions() types.SessionRepository           { return r.sessions }
func (r *Registry) Subscriptions() types.SubscriptionRepository { return r.subs }
func (r *Registry) Usage() types.UsageRepository                { return r.usage }
func (r *Registry) Analyses() types.AnalysisRepository          { return r.analyses }

// SubscriptionStore returns the concrete subscription repository for callers
// that need the Stripe customer ID lookup methods beyond the
// types.SubscriptionRepository interface.
func (r *Registry) SubscriptionStore() *SubscriptionRepo { return r.subs }

// Pool exposes the underlying pool for health probes and the TxManager.
func (r *Registry) Pool() *pgxpool.Pool { return r.pool }

// Close releases the connection pool. Called by the server on shutdown.
func (r *Registry) Close() error {
	r.pool.Close()
	return nil
}

// TxManager implements auth.AuthTxManager over a pgx pool. The callback
// receives repositories bound to the open transaction so user and session
// writes commit or roll back together.
type TxManager struct {
	pool *pgxpool.Pool
}

// NewTxManager creates a TxManager over the given pool.
func NewTxManager(pool *pgxpool.Pool) *TxManager {
	return &TxManager{pool: pool}
}

// RunInTx executes fn inside a database transaction. Any error from fn (or
// a panic) rolls the transaction back; otherwise it commits.
func (m *TxManager) RunInTx(ctx context.Context, fn func(ctx context.Context, txUserRepo auth.UserRepo, txSessionRepo auth.SessionRepo) error) error {
	tx, err := m.pool.Begin(ctx)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to begin transaction", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck // no-op after commit

	if err := fn(ctx, NewUserRepository(tx), NewSessionRepository(tx)); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to commit transaction", err)
	}
	return nil
}

// Probe is the database health probe for the /health endpoint.
type Probe struct {
	pool *pgxpool.Pool
}

// NewProbe creates a health probe over the given pool.
func NewProbe(pool *pgxpool.Pool) *Probe {
	return &Probe{pool: pool}
}

// Name identifies the probe in the health response.
func (p *Probe) Name() string { return "database" }

// Check pings the database, respecting the context deadline.
func (p *Probe) Check(ctx context.Context) error {
	return p.pool.Ping(ctx)
}

// Compile-time interface assertions.
var (
	_ types.RepositoryRegistry = (*Registry)(nil)
	_ auth.AuthTxManager       = (*TxManager)(nil)
)
