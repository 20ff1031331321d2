package infra

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Harness owns a migrated Postgres database for integration tests: either a
// throwaway container or an isolated schema inside a shared database.
type Harness struct {
	container *PGContainer
	pool      *pgxpool.Pool
	teardown  func(context.Context) error
	dsn       string
}

// NewHarness boots (or reuses) Postgres and applies the embedded migrations.
func NewHarness(ctx context.Context, overrideDSN string, maxConns int32) (*Harness, error) {
	shared := SharedDSN(overrideDSN) != ""

	container, dsn, err := StartPostgres16(ctx, overrideDSN)
	if err != nil {
		return nil, fmt.Errorf("start postgres: %w", err)
	}

	pool, teardown, err := OpenMigrated(ctx, dsn, shared, maxConns)
	if err != nil {
		_ = container.Terminate(ctx)
		return nil, err
	}

	return &Harness{
		container: container,
		pool:      pool,
		teardown:  teardown,
		dsn:       dsn,
	}, nil
}

// Pool exposes the migrated pgx pool.
func (h *Harness) Pool() *pgxpool.Pool {
	return h.pool
}

// DSN returns the connection string of the underlying database.
func (h *Harness) DSN() string {
	return h.dsn
}

// Close drops the isolated schema (if any) and stops the container.
func (h *Harness) Close(ctx context.Context) {
	if h.pool != nil {
		h.pool.Close()
	}
	if h.teardown != nil {
		_ = h.teardown(ctx)
	}
	_ = h.container.Terminate(ctx)
}

// Reset truncates the directory and activity tables between tests.
func (h *Harness) Reset(ctx context.Context) error {
	tables := []string{
		"activity_events",
		"broker_agents",
		"brokerage_companies",
		"account_emails",
	}

	tx, err := h.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("reset begin: %w", err)
	}
	defer tx.Rollback(ctx)

	for _, tbl := range tables {
		if _, err := tx.Exec(ctx, "TRUNCATE TABLE "+tbl+" CASCADE"); err != nil {
			return fmt.Errorf("truncate %s: %w", tbl, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("reset commit: %w", err)
	}
	return nil
}
