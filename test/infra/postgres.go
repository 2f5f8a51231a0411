package infra

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/jackc/pgx/v5/pgxpool"
)

// ErrUnavailable means no database could be found or started. Tests skip on it.
var ErrUnavailable = errors.New("infra: no postgres available")

// Harness owns a migrated database for one test run.
type Harness struct {
	container *PGContainer
	pool      *pgxpool.Pool
	dsn       string
	teardown  func(context.Context) error
}

// NewHarness picks a database in order: overrideDSN, DATABASE_URL, a docker
// container, a local Postgres. Shared databases get an isolated schema.
func NewHarness(ctx context.Context, overrideDSN string, maxConns int32) (*Harness, error) {
	h := &Harness{container: &PGContainer{}}
	shared := true

	switch {
	case overrideDSN != "":
		h.dsn = overrideDSN
	case os.Getenv("DATABASE_URL") != "":
		h.dsn = os.Getenv("DATABASE_URL")
	case DockerAvailable(ctx):
		c, dsn, err := StartPostgres(ctx)
		if err != nil {
			return nil, fmt.Errorf("infra: start postgres: %w", err)
		}
		h.container, h.dsn, shared = c, dsn, false
	default:
		dsn, err := InitLocalDatabase(ctx)
		if errors.Is(err, ErrNoLocalPostgres) {
			return nil, ErrUnavailable
		}
		if err != nil {
			return nil, err
		}
		h.dsn, shared = dsn, false
	}

	pool, teardown, err := ApplyMigrations(ctx, h.dsn, shared, maxConns)
	if err != nil {
		_ = h.container.Terminate(ctx)
		return nil, err
	}
	h.pool, h.teardown = pool, teardown
	return h, nil
}

// Pool exposes the migrated pgx pool.
func (h *Harness) Pool() *pgxpool.Pool {
	return h.pool
}

// DSN returns the connection string for direct connections.
func (h *Harness) DSN() string {
	return h.dsn
}

// Close tears down resources. Errors are best effort.
func (h *Harness) Close(ctx context.Context) {
	if h.pool != nil {
		h.pool.Close()
	}
	if h.teardown != nil {
		_ = h.teardown(ctx)
	}
	_ = h.container.Terminate(ctx)
}

// Reset truncates mutable tables between scenarios.
func (h *Harness) Reset(ctx context.Context) error {
	_, err := h.pool.Exec(ctx, `TRUNCATE TABLE outbox, settlement_events, payouts, payments, contracts, offers, accounts CASCADE`)
	if err != nil {
		return fmt.Errorf("infra: reset: %w", err)
	}
	return nil
}
