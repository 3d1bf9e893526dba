// Package tenantdb is the durable tenant registry: the one piece of
// relational state that records which tenant_ids exist at all, listed by
// the orchestrator at boot to start each tenant's loops. It is a flat registry table — tenant isolation lives entirely
// in the Redis key prefix pkg/keyspace builds, never in SQL schemas, so
// there is nothing to provision per tenant here.
package tenantdb

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// slugPattern restricts tenant slugs to safe, predictable identifiers.
var slugPattern = regexp.MustCompile(`^[a-z][a-z0-9_-]{1,62}$`)

// ErrInvalidSlug is returned when a slug fails slugPattern.
var ErrInvalidSlug = errors.New("tenantdb: invalid slug")

// ErrNotFound is returned when a tenant has no registry row.
var ErrNotFound = errors.New("tenantdb: tenant not found")

// Tenant is one registered tenant.
type Tenant struct {
	ID        string
	Slug      string
	Name      string
	CreatedAt time.Time
}

// Registry reads and writes the tenants table.
type Registry struct {
	db *pgxpool.Pool
}

// New wraps a connected pgxpool.Pool.
func New(db *pgxpool.Pool) *Registry {
	return &Registry{db: db}
}

// Register inserts a new tenant, generating its ID, and returns the
// registered row.
func (r *Registry) Register(ctx context.Context, slug, name string) (Tenant, error) {
	if !slugPattern.MatchString(slug) {
		return Tenant{}, fmt.Errorf("%w: %q must match %s", ErrInvalidSlug, slug, slugPattern.String())
	}
	t := Tenant{ID: uuid.NewString(), Slug: slug, Name: name, CreatedAt: time.Now()}
	_, err := r.db.Exec(ctx,
		`INSERT INTO tenants (id, slug, name, created_at) VALUES ($1, $2, $3, $4)`,
		t.ID, t.Slug, t.Name, t.CreatedAt,
	)
	if err != nil {
		return Tenant{}, fmt.Errorf("tenantdb: registering tenant %q: %w", slug, err)
	}
	return t, nil
}

// Get returns the tenant with the given id.
func (r *Registry) Get(ctx context.Context, id string) (Tenant, error) {
	var t Tenant
	err := r.db.QueryRow(ctx,
		`SELECT id, slug, name, created_at FROM tenants WHERE id = $1`, id,
	).Scan(&t.ID, &t.Slug, &t.Name, &t.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Tenant{}, ErrNotFound
	}
	if err != nil {
		return Tenant{}, fmt.Errorf("tenantdb: reading tenant %s: %w", id, err)
	}
	return t, nil
}

// GetBySlug returns the tenant with the given slug.
func (r *Registry) GetBySlug(ctx context.Context, slug string) (Tenant, error) {
	var t Tenant
	err := r.db.QueryRow(ctx,
		`SELECT id, slug, name, created_at FROM tenants WHERE slug = $1`, slug,
	).Scan(&t.ID, &t.Slug, &t.Name, &t.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Tenant{}, ErrNotFound
	}
	if err != nil {
		return Tenant{}, fmt.Errorf("tenantdb: reading tenant %q: %w", slug, err)
	}
	return t, nil
}

// List returns every registered tenant, ordered by creation time.
func (r *Registry) List(ctx context.Context) ([]Tenant, error) {
	rows, err := r.db.Query(ctx, `SELECT id, slug, name, created_at FROM tenants ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("tenantdb: listing tenants: %w", err)
	}
	defer rows.Close()

	var out []Tenant
	for rows.Next() {
		var t Tenant
		if err := rows.Scan(&t.ID, &t.Slug, &t.Name, &t.CreatedAt); err != nil {
			return nil, fmt.Errorf("tenantdb: scanning tenant row: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}
