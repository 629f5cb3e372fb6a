// Package postgres implements storage.Storage on PostgreSQL via pgx.
//
// Slot allocation is serialized per provider with a transaction-scoped
// advisory lock, so allocations for different providers never contend.
package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/aleksandr-papajanov/manufacturing-optimization-engine-sub001/internal/domain"
	"github.com/aleksandr-papajanov/manufacturing-optimization-engine-sub001/internal/storage"
)

// Storage is a PostgreSQL-backed storage.Storage.
type Storage struct {
	pool *pgxpool.Pool
}

var _ storage.Storage = (*Storage)(nil)

// New connects a pool to dsn.
func New(ctx context.Context, dsn string) (*Storage, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connecting to postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pinging postgres: %w", err)
	}
	return &Storage{pool: pool}, nil
}

// Begin starts a read-committed transaction.
func (s *Storage) Begin(ctx context.Context) (storage.UnitOfWork, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return nil, err
	}
	return &unitOfWork{
		ctx:       ctx,
		tx:        tx,
		plans:     &planRepo{tx: tx},
		slots:     &slotRepo{tx: tx},
		providers: &providerRepo{tx: tx},
	}, nil
}

// Close closes the pool.
func (s *Storage) Close() error {
	s.pool.Close()
	return nil
}

// Migrate creates the schema.
func (s *Storage) Migrate(ctx context.Context) error {
	for _, m := range migrations {
		if _, err := s.pool.Exec(ctx, m); err != nil {
			return fmt.Errorf("migrating: %w", err)
		}
	}
	return nil
}

var migrations = []string{
	`CREATE TABLE IF NOT EXISTS optimization_plans (
		id TEXT PRIMARY KEY,
		request_id TEXT NOT NULL UNIQUE,
		customer_id TEXT NOT NULL DEFAULT '',
		status INTEGER NOT NULL DEFAULT 10,
		workflow_type TEXT NOT NULL DEFAULT '',
		request_json JSONB NOT NULL,
		steps_json JSONB,
		strategies_json JSONB,
		selected_strategy_id TEXT NOT NULL DEFAULT '',
		slots_json JSONB,
		failure_reason TEXT NOT NULL DEFAULT '',
		applied_commands_json JSONB,
		history_json JSONB,
		created_at TIMESTAMPTZ NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL,
		version BIGINT NOT NULL DEFAULT 1
	)`,
	`CREATE TABLE IF NOT EXISTS allocated_slots (
		id TEXT PRIMARY KEY,
		provider_id TEXT NOT NULL,
		request_id TEXT NOT NULL DEFAULT '',
		step_number INTEGER NOT NULL DEFAULT 0,
		start_at TIMESTAMPTZ NOT NULL,
		end_at TIMESTAMPTZ NOT NULL,
		segments_json JSONB NOT NULL,
		created_at TIMESTAMPTZ NOT NULL,
		CHECK (end_at > start_at)
	)`,
	`CREATE TABLE IF NOT EXISTS providers (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		type TEXT NOT NULL DEFAULT '',
		capabilities_json JSONB NOT NULL,
		limits_json JSONB,
		enabled BOOLEAN NOT NULL DEFAULT FALSE,
		declined_reason TEXT NOT NULL DEFAULT '',
		registered_at TIMESTAMPTZ NOT NULL,
		seq BIGSERIAL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_plans_status ON optimization_plans(status)`,
	`CREATE INDEX IF NOT EXISTS idx_plans_customer ON optimization_plans(customer_id)`,
	`CREATE INDEX IF NOT EXISTS idx_slots_provider_range ON allocated_slots(provider_id, start_at, end_at)`,
	`CREATE INDEX IF NOT EXISTS idx_providers_seq ON providers(seq)`,
}

type unitOfWork struct {
	ctx       context.Context
	tx        pgx.Tx
	plans     *planRepo
	slots     *slotRepo
	providers *providerRepo
}

func (u *unitOfWork) Plans() storage.PlanRepository         { return u.plans }
func (u *unitOfWork) Slots() storage.SlotRepository         { return u.slots }
func (u *unitOfWork) Providers() storage.ProviderRepository { return u.providers }

func (u *unitOfWork) Commit() error {
	return u.tx.Commit(u.ctx)
}

// Rollback uses a fresh context so a cancelled request still releases its
// transaction.
func (u *unitOfWork) Rollback() error {
	err := u.tx.Rollback(context.Background())
	if errors.Is(err, pgx.ErrTxClosed) {
		return nil
	}
	return err
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

func mapNotFound(err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.ErrNotFound
	}
	return err
}
