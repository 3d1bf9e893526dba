// Package budget implements the BudgetLedger: per-agent daily spend,
// capped and TTL'd to the next UTC midnight. The counter lives entirely in
// the Store and the daily cap is enforced by a single atomic conditional
// increment, so any number of Worker instances can reserve against the
// same (agent, day) concurrently without racing past the cap — there is no
// check-then-write window and no lock.
package budget

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/wisbric/agentfleet/pkg/keyspace"
	"github.com/wisbric/agentfleet/pkg/store"
)

// ErrDailyCapExceeded is returned when a reservation would push the
// agent's running total past the daily cap.
var ErrDailyCapExceeded = errors.New("budget: daily cap exceeded")

// ErrPerTxCapExceeded is returned when a single request exceeds the per-
// transaction cap, independent of the day's running total.
var ErrPerTxCapExceeded = errors.New("budget: per-transaction cap exceeded")

// Limits configures the daily and per-transaction caps. The zero value is
// invalid; populate from config.Config.
type Limits struct {
	MaxDailySpendUSDC float64
	MaxPerTxUSDC      float64
}

// Ledger reserves and releases spend against Limits, backed by the Store.
type Ledger struct {
	backing store.Store
	limits  Limits
}

// New returns a Ledger enforcing limits.
func New(backing store.Store, limits Limits) *Ledger {
	return &Ledger{backing: backing, limits: limits}
}

// dateKey returns the UTC calendar date used as the ledger's key component,
// so the TTL set below naturally expires the counter at UTC midnight.
func dateKey(now time.Time) string {
	return now.UTC().Format("2006-01-02")
}

func ttlUntilMidnightUTC(now time.Time) time.Duration {
	now = now.UTC()
	midnight := time.Date(now.Year(), now.Month(), now.Day()+1, 0, 0, 0, 0, time.UTC)
	return midnight.Sub(now)
}

// Reserve atomically claims amount against the agent's daily cap before a
// transaction is dispatched. The per-transaction cap is checked first;
// then the daily total is bumped with a conditional increment that refuses
// the claim when it would overflow the cap. A refused claim records no
// spend. Callers that dispatch and then learn the real cost reconcile the
// hold with Release.
func (l *Ledger) Reserve(ctx context.Context, ks keyspace.Resolver, agentID string, amount float64, now time.Time) error {
	if amount > l.limits.MaxPerTxUSDC {
		return ErrPerTxCapExceeded
	}
	key := ks.Budget(agentID, dateKey(now))
	_, ok, err := l.backing.IncrByFloatCapped(ctx, key, amount, l.limits.MaxDailySpendUSDC, ttlUntilMidnightUTC(now))
	if err != nil {
		return fmt.Errorf("budget: reserving spend: %w", err)
	}
	if !ok {
		return ErrDailyCapExceeded
	}
	return nil
}

// Release returns amount of a prior reservation to the agent's daily
// budget, used when the dispatched transaction failed or cost less than
// was reserved. Releasing more than was reserved is a caller bug; the
// counter is clamped back to zero rather than left negative.
func (l *Ledger) Release(ctx context.Context, ks keyspace.Resolver, agentID string, amount float64, now time.Time) error {
	key := ks.Budget(agentID, dateKey(now))
	total, err := l.backing.IncrByFloat(ctx, key, -amount, ttlUntilMidnightUTC(now))
	if err != nil {
		return fmt.Errorf("budget: releasing spend: %w", err)
	}
	if total < 0 {
		_, _ = l.backing.IncrByFloat(ctx, key, -total, ttlUntilMidnightUTC(now))
	}
	return nil
}

// SpentToday reads the agent's current running total for the UTC day.
func (l *Ledger) SpentToday(ctx context.Context, ks keyspace.Resolver, agentID string, now time.Time) (float64, error) {
	total, err := l.backing.IncrByFloat(ctx, ks.Budget(agentID, dateKey(now)), 0, ttlUntilMidnightUTC(now))
	if err != nil {
		return 0, fmt.Errorf("budget: reading spend: %w", err)
	}
	return total, nil
}
