// Package campaign implements CampaignState, the per-campaign shared state
// guarded by optimistic concurrency control: read the version, propose a
// mutation, and submit a conditional write that lands only if the version
// is unchanged. Losing a race is an expected outcome callers handle by
// re-reading, never by locking.
package campaign

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/wisbric/agentfleet/pkg/keyspace"
	"github.com/wisbric/agentfleet/pkg/store"
)

// State is the shared, versioned state of one campaign.
type State struct {
	CampaignID          string   `json:"campaign_id"`
	TenantID            string   `json:"tenant_id"`
	Goals               []string `json:"goals"`
	BudgetRemainingUSDC float64  `json:"budget_remaining_usdc"`
	Version             int64    `json:"version"`
}

// ErrNotFound is returned when a campaign has never been created.
var ErrNotFound = errors.New("campaign: not found")

// ErrConflict is returned by Commit when the version presented no longer
// matches the stored version; the caller must re-read and retry.
var ErrConflict = errors.New("campaign: version conflict")

// Store reads and commits CampaignState through the OCC write discipline.
type Store struct {
	backing store.Store
}

// New wraps a Store backing.
func New(backing store.Store) *Store {
	return &Store{backing: backing}
}

// Create writes the initial CampaignState at version 1. It fails if a
// campaign with this ID already exists.
func (s *Store) Create(ctx context.Context, ks keyspace.Resolver, st State) (State, error) {
	st.Version = 0
	data, err := json.Marshal(st)
	if err != nil {
		return State{}, fmt.Errorf("campaign: marshaling initial state: %w", err)
	}
	newVersion, err := s.backing.CompareAndSwap(ctx, ks.Campaign(st.CampaignID), 0, data, 0)
	if err != nil {
		return State{}, fmt.Errorf("campaign: creating: %w", err)
	}
	st.Version = newVersion
	return st, nil
}

// Read returns the current CampaignState and its version.
func (s *Store) Read(ctx context.Context, ks keyspace.Resolver, campaignID string) (State, error) {
	v, err := s.backing.Get(ctx, ks.Campaign(campaignID))
	if errors.Is(err, store.ErrNotFound) {
		return State{}, ErrNotFound
	}
	if err != nil {
		return State{}, fmt.Errorf("campaign: reading: %w", err)
	}
	var st State
	if err := json.Unmarshal(v.Data, &st); err != nil {
		return State{}, fmt.Errorf("campaign: decoding: %w", err)
	}
	st.Version = v.Version
	return st, nil
}

// Commit writes newState only if its Version still matches what's stored
// (the version the caller originally Read). On success it returns the
// state with its new, incremented version. On a lost race it returns
// ErrConflict and the caller must Read again and recompute the mutation —
// this package never retries internally because the proposed mutation is
// the caller's responsibility (e.g. the Judge must recompute the budget
// decrement against the fresher state, not blindly replay the old delta).
func (s *Store) Commit(ctx context.Context, ks keyspace.Resolver, newState State) (State, error) {
	expected := newState.Version
	data, err := json.Marshal(newState)
	if err != nil {
		return State{}, fmt.Errorf("campaign: marshaling commit: %w", err)
	}
	newVersion, err := s.backing.CompareAndSwap(ctx, ks.Campaign(newState.CampaignID), expected, data, 0)
	if err != nil {
		var conflict *store.ConflictError
		if errors.As(err, &conflict) {
			return State{}, ErrConflict
		}
		return State{}, fmt.Errorf("campaign: committing: %w", err)
	}
	newState.Version = newVersion
	return newState, nil
}

// AppendGoals adds goals to a campaign under OCC, retrying on conflict up to
// maxRetries times — used by the goal-injection endpoint on the Operator
// Surface.
func (s *Store) AppendGoals(ctx context.Context, ks keyspace.Resolver, campaignID string, goals []string, maxRetries int) (State, error) {
	for attempt := 0; attempt <= maxRetries; attempt++ {
		cur, err := s.Read(ctx, ks, campaignID)
		if err != nil {
			return State{}, err
		}
		cur.Goals = append(cur.Goals, goals...)
		next, err := s.Commit(ctx, ks, cur)
		if errors.Is(err, ErrConflict) {
			continue
		}
		if err != nil {
			return State{}, err
		}
		return next, nil
	}
	return State{}, fmt.Errorf("campaign: appending goals: %w", ErrConflict)
}
