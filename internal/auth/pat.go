// Package auth implements the Operator Surface's Personal-Access-Token
// authentication, rate limiting, and role-based access control. There is
// no interactive login flow — the Operator Surface is a thin API and PATs
// are the only principal.
package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"golang.org/x/crypto/bcrypt"
)

// TokenPrefix identifies AgentFleet operator PATs.
const TokenPrefix = "af_pat_"

// Roles, from most to least privileged. Admin and Operator may both post
// HITL decisions, inject goals and create campaigns; Readonly may only call
// the GET endpoints. Which tenants a token reaches is set by
// Identity.TenantID, not by the role.
const (
	RoleAdmin    = "admin"
	RoleOperator = "operator"
	RoleReadonly = "readonly"
)

// ErrInvalidToken is returned when a raw token fails validation or lookup.
var ErrInvalidToken = errors.New("auth: invalid token")

// Identity is the resolved principal behind a validated PAT.
type Identity struct {
	TokenID  string
	TenantID string // empty for a token scoped to every tenant
	Role     string
}

// Store persists hashed PATs. It is a pgx-backed implementation of the
// operator_tokens table (migrations/000002_operator_tokens.up.sql).
type Store struct {
	db *pgxpool.Pool
}

// NewStore wraps a connected pgxpool.Pool.
func NewStore(db *pgxpool.Pool) *Store {
	return &Store{db: db}
}

// Issue mints a new PAT for tenantID (empty for an all-tenant token) with
// the given role, returning the raw token (shown once) and its record ID.
// Only a bcrypt hash of the raw token is persisted; the prefix column
// (non-sensitive, just enough to narrow a lookup) is stored in the clear.
func (s *Store) Issue(ctx context.Context, tenantID, role string) (rawToken, tokenID string, err error) {
	tokenID = uuid.NewString()
	raw := TokenPrefix + uuid.NewString()
	prefix := raw[:len(TokenPrefix)+8]

	hash, err := bcrypt.GenerateFromPassword([]byte(raw), bcrypt.DefaultCost)
	if err != nil {
		return "", "", fmt.Errorf("auth: hashing token: %w", err)
	}

	var tid any
	if tenantID != "" {
		tid = tenantID
	}
	_, err = s.db.Exec(ctx,
		`INSERT INTO operator_tokens (id, tenant_id, prefix, token_hash, role, created_at) VALUES ($1, $2, $3, $4, $5, $6)`,
		tokenID, tid, prefix, string(hash), role, time.Now(),
	)
	if err != nil {
		return "", "", fmt.Errorf("auth: issuing token: %w", err)
	}
	return raw, tokenID, nil
}

// Revoke marks tokenID revoked; a revoked token fails Authenticate from
// that point on.
func (s *Store) Revoke(ctx context.Context, tokenID string) error {
	_, err := s.db.Exec(ctx, `UPDATE operator_tokens SET revoked_at = $1 WHERE id = $2`, time.Now(), tokenID)
	if err != nil {
		return fmt.Errorf("auth: revoking token %s: %w", tokenID, err)
	}
	return nil
}

// Authenticate validates a raw token string: its prefix must narrow to a
// single non-revoked row whose bcrypt hash the full token matches, and its
// last-used timestamp is updated asynchronously.
func (s *Store) Authenticate(ctx context.Context, rawToken string) (Identity, error) {
	if len(rawToken) < len(TokenPrefix)+8 {
		return Identity{}, ErrInvalidToken
	}
	prefix := rawToken[:len(TokenPrefix)+8]

	var id Identity
	var tenantID *string
	var hash string
	err := s.db.QueryRow(ctx,
		`SELECT id, tenant_id, role, token_hash FROM operator_tokens WHERE prefix = $1 AND revoked_at IS NULL`,
		prefix,
	).Scan(&id.TokenID, &tenantID, &id.Role, &hash)
	if errors.Is(err, pgx.ErrNoRows) {
		return Identity{}, ErrInvalidToken
	}
	if err != nil {
		return Identity{}, fmt.Errorf("auth: validating token: %w", err)
	}
	if err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(rawToken)); err != nil {
		return Identity{}, ErrInvalidToken
	}
	if tenantID != nil {
		id.TenantID = *tenantID
	}

	go func(tokenID string) {
		_, _ = s.db.Exec(context.Background(),
			`UPDATE operator_tokens SET last_used_at = $1 WHERE id = $2`, time.Now(), tokenID,
		)
	}(id.TokenID)

	return id, nil
}
