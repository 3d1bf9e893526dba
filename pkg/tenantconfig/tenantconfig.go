// Package tenantconfig reads per-tenant overrides of the queue lease
// durations (30s for Worker leases, 60s for Judge leases by default). It
// is a thin read helper over the Store's generic key/value primitive: a
// narrow contract the Worker and Judge consult on every pop, with
// zero-value fallback to the global default when a tenant has never set
// an override.
package tenantconfig

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/wisbric/agentfleet/pkg/keyspace"
	"github.com/wisbric/agentfleet/pkg/store"
)

// Overrides holds the lease durations one tenant has customized. A zero
// field means "no override, use the global default".
type Overrides struct {
	WorkerLeaseSeconds int `json:"worker_lease_seconds,omitempty"`
	JudgeLeaseSeconds  int `json:"judge_lease_seconds,omitempty"`
}

// Read returns ks's tenant overrides, or a zero-value Overrides if the
// tenant has never set any (not an error).
func Read(ctx context.Context, backing store.Store, ks keyspace.Resolver) (Overrides, error) {
	v, err := backing.Get(ctx, ks.TenantConfig())
	if errors.Is(err, store.ErrNotFound) {
		return Overrides{}, nil
	}
	if err != nil {
		return Overrides{}, fmt.Errorf("tenantconfig: reading %s: %w", ks.TenantID(), err)
	}
	var o Overrides
	if err := json.Unmarshal(v.Data, &o); err != nil {
		return Overrides{}, fmt.Errorf("tenantconfig: decoding %s: %w", ks.TenantID(), err)
	}
	return o, nil
}

// Write replaces ks's tenant overrides wholesale.
func Write(ctx context.Context, backing store.Store, ks keyspace.Resolver, o Overrides) error {
	data, err := json.Marshal(o)
	if err != nil {
		return fmt.Errorf("tenantconfig: marshaling %s: %w", ks.TenantID(), err)
	}
	if err := backing.Put(ctx, ks.TenantConfig(), data, 0); err != nil {
		return fmt.Errorf("tenantconfig: writing %s: %w", ks.TenantID(), err)
	}
	return nil
}

// WorkerLease returns o's Worker lease override, or fallback if unset.
func (o Overrides) WorkerLease(fallback time.Duration) time.Duration {
	if o.WorkerLeaseSeconds <= 0 {
		return fallback
	}
	return time.Duration(o.WorkerLeaseSeconds) * time.Second
}

// JudgeLease returns o's Judge lease override, or fallback if unset.
func (o Overrides) JudgeLease(fallback time.Duration) time.Duration {
	if o.JudgeLeaseSeconds <= 0 {
		return fallback
	}
	return time.Duration(o.JudgeLeaseSeconds) * time.Second
}
