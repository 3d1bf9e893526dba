// Package hitl implements the HITL Gate: a passive FIFO queue operators
// poll out of band, with three accepted verdicts merged back into the
// pipeline. Persist, notify, let a human act — the Gate itself never
// expires items; the review SLA is informational only.
package hitl

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/wisbric/agentfleet/pkg/keyspace"
	"github.com/wisbric/agentfleet/pkg/messaging"
	"github.com/wisbric/agentfleet/pkg/store"
	"github.com/wisbric/agentfleet/pkg/task"
)

// ErrNotFound is returned when a task_id has no pending HITLItem.
var ErrNotFound = errors.New("hitl: item not found")

// Notifier raises operator attention when an item enters the queue.
// *slack.Provider satisfies it; the Gate works fine without one.
type Notifier interface {
	NotifyEscalation(ctx context.Context, esc messaging.Escalation) error
}

// Gate stores and retrieves HITLItems.
type Gate struct {
	backing store.Store
	notify  Notifier
	logger  *slog.Logger
}

// New wraps a Store backing.
func New(backing store.Store) *Gate {
	return &Gate{backing: backing}
}

// SetNotifier attaches a channel to ping when items are enqueued.
// Notification is best-effort: a failed ping never fails the enqueue, the
// item is already durably queued by then.
func (g *Gate) SetNotifier(n Notifier, logger *slog.Logger) {
	g.notify = n
	g.logger = logger
}

// Enqueue adds t to the HITL queue with reason, recording the Task and
// Result that triggered escalation.
func (g *Gate) Enqueue(ctx context.Context, ks keyspace.Resolver, t task.Task, result task.Result, reason string) error {
	item := task.HITLItem{
		TaskID:   t.TaskID,
		TenantID: t.TenantID,
		Task:     t,
		Result:   result,
		Reason:   reason,
		QueuedAt: time.Now(),
		Status:   task.HITLPending,
	}
	data, err := json.Marshal(item)
	if err != nil {
		return fmt.Errorf("hitl: marshaling item: %w", err)
	}
	if err := g.backing.Put(ctx, ks.HITLItem(t.TaskID), data, 0); err != nil {
		return fmt.Errorf("hitl: storing item: %w", err)
	}
	if err := g.backing.RPush(ctx, ks.HITLQueue(), []byte(t.TaskID)); err != nil {
		return err
	}
	if g.notify != nil {
		esc := messaging.Escalation{
			TenantID: t.TenantID,
			TaskID:   t.TaskID,
			Reason:   reason,
			Summary:  t.GoalDescription,
		}
		if err := g.notify.NotifyEscalation(ctx, esc); err != nil {
			g.logger.Error("hitl: notifying escalation", "task_id", t.TaskID, "error", err)
		}
	}
	return nil
}

// List returns up to limit pending items starting at offset, oldest first,
// skipping any task_id whose item has since been resolved — backing the
// Operator Surface's "GET queue:hitl (paginated)" endpoint.
func (g *Gate) List(ctx context.Context, ks keyspace.Resolver, offset, limit int64) ([]task.HITLItem, error) {
	ids, err := g.backing.LRange(ctx, ks.HITLQueue(), offset, limit)
	if err != nil {
		return nil, fmt.Errorf("hitl: listing: %w", err)
	}
	items := make([]task.HITLItem, 0, len(ids))
	for _, idBytes := range ids {
		item, err := g.Get(ctx, ks, string(idBytes))
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		if item.Status == task.HITLPending {
			items = append(items, item)
		}
	}
	return items, nil
}

// Get returns the HITLItem for taskID.
func (g *Gate) Get(ctx context.Context, ks keyspace.Resolver, taskID string) (task.HITLItem, error) {
	v, err := g.backing.Get(ctx, ks.HITLItem(taskID))
	if errors.Is(err, store.ErrNotFound) {
		return task.HITLItem{}, ErrNotFound
	}
	if err != nil {
		return task.HITLItem{}, fmt.Errorf("hitl: reading item: %w", err)
	}
	var item task.HITLItem
	if err := json.Unmarshal(v.Data, &item); err != nil {
		return task.HITLItem{}, fmt.Errorf("hitl: decoding item: %w", err)
	}
	return item, nil
}

// Resolve marks taskID's item with the given status, removing it from
// future List results. It does not itself requeue or commit the Task —
// callers (the Operator Surface handler) drive that via the queue/judge
// packages after calling Resolve.
func (g *Gate) Resolve(ctx context.Context, ks keyspace.Resolver, taskID string, status task.HITLStatus) error {
	item, err := g.Get(ctx, ks, taskID)
	if err != nil {
		return err
	}
	item.Status = status
	data, err := json.Marshal(item)
	if err != nil {
		return fmt.Errorf("hitl: marshaling resolved item: %w", err)
	}
	return g.backing.Put(ctx, ks.HITLItem(taskID), data, 24*time.Hour)
}
