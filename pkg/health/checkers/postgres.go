package checkers

import (
	"context"
	"fmt"
)

// Pinger is the subset of pgxpool.Pool the checker needs.
type Pinger interface {
	Ping(ctx context.Context) error
}

// PostgresChecker checks connectivity to the Postgres pool backing the
// session and scheduled-message stores.
type PostgresChecker struct {
	pool Pinger
	name string
}

// NewPostgresChecker creates a Postgres health checker.
// If name is empty, "postgres" is used.
func NewPostgresChecker(pool Pinger, name string) *PostgresChecker {
	if name == "" {
		name = "postgres"
	}

	return &PostgresChecker{
		pool: pool,
		name: name,
	}
}

// Name returns the name of this health check.
func (p *PostgresChecker) Name() string {
	return p.name
}

// Check pings the pool.
func (p *PostgresChecker) Check(ctx context.Context) error {
	if err := p.pool.Ping(ctx); err != nil {
		return fmt.Errorf("postgres ping failed: %w", err)
	}
	return nil
}
