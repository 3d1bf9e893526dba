// Package platform holds the thin infrastructure-connection helpers every
// mode (orchestrator, api) shares: a pgx pool for the durable tenant
// registry/audit log, and the migration runner that keeps their schema
// current. Redis connection lifecycle lives with the Store contract in
// pkg/store instead.
package platform

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// NewPostgresPool connects to databaseURL and verifies connectivity with
// a ping before anything depends on the pool.
func NewPostgresPool(ctx context.Context, databaseURL string) (*pgxpool.Pool, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("platform: creating postgres pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("platform: pinging postgres: %w", err)
	}
	return pool, nil
}
