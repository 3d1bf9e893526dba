// Package planner implements the Planner component:
// deterministic, table-driven decomposition of a campaign's goals into
// priority-scored Tasks, committed all-or-nothing, with bounded exponential
// backoff on Store unavailability. Decomposition is pure (Decompose); only
// the enqueue touches the Store, so a failed batch can be retried wholesale
// without re-deciding anything.
package planner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"

	"github.com/wisbric/agentfleet/pkg/campaign"
	"github.com/wisbric/agentfleet/pkg/keyspace"
	"github.com/wisbric/agentfleet/pkg/queue"
	"github.com/wisbric/agentfleet/pkg/store"
	"github.com/wisbric/agentfleet/pkg/task"
)

// ErrPlannerUnavailable is surfaced when the Store remains unreachable
// through every retry attempt.
var ErrPlannerUnavailable = errors.New("planner: store unavailable")

// trendWords and commerceWords are the closed vocabularies the
// decomposition rules match against, case-insensitive substring, the same
// style as the Judge's sensitive-topic vocabulary.
var trendWords = []string{"trend", "trending", "viral"}
var commerceWords = []string{"purchase", "payment", "buy", "sell", "transaction", "wallet"}

func containsAny(haystack string, needles []string) bool {
	lower := strings.ToLower(haystack)
	for _, n := range needles {
		if strings.Contains(lower, n) {
			return true
		}
	}
	return false
}

// Decompose turns one goal into a deterministic Task sequence:
//   - a goal mentioning a trend word always yields analyze_trends (high),
//     followed by generate_content (medium), followed by post_content (medium)
//   - a goal carrying a commerce directive additionally yields
//     execute_transaction (low)
//
// Tasks are returned in the order listed above; actual dispatch order is
// governed solely by queue priority, not this slice's order.
func Decompose(tenantID, campaignID, goal string) []task.Task {
	now := time.Now()
	newTask := func(tt task.Type, p task.Priority) task.Task {
		return task.Task{
			TaskID:          uuid.NewString(),
			TenantID:        tenantID,
			CampaignID:      campaignID,
			TaskType:        tt,
			Priority:        p,
			GoalDescription: goal,
			Context:         map[string]string{},
			State:           task.StatePending,
			Attempt:         0,
			CreatedAt:       now,
			UpdatedAt:       now,
		}
	}

	var tasks []task.Task
	if containsAny(goal, trendWords) {
		tasks = append(tasks,
			newTask(task.TypeAnalyzeTrends, task.PriorityHigh),
			newTask(task.TypeGenerateContent, task.PriorityMedium),
			newTask(task.TypePostContent, task.PriorityMedium),
		)
	}
	if containsAny(goal, commerceWords) {
		tasks = append(tasks, newTask(task.TypeExecuteTransaction, task.PriorityLow))
	}
	return tasks
}

// Planner decomposes a CampaignState's goals into Tasks and commits them to
// the task queue transactionally.
type Planner struct {
	queue       *queue.Queue[task.Task]
	campaigns   *campaign.Store
	logger      *slog.Logger
	backoffOpts []backoff.RetryOption
}

// New constructs a Planner. initialBackoff/maxBackoff/maxAttempts default
// to 100ms, 5s, and 6 when zero.
func New(q *queue.Queue[task.Task], campaigns *campaign.Store, logger *slog.Logger, initialBackoff, maxBackoff time.Duration, maxAttempts int) *Planner {
	if initialBackoff == 0 {
		initialBackoff = 100 * time.Millisecond
	}
	if maxBackoff == 0 {
		maxBackoff = 5 * time.Second
	}
	if maxAttempts == 0 {
		maxAttempts = 6
	}
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = initialBackoff
	bo.MaxInterval = maxBackoff

	return &Planner{
		queue:     q,
		campaigns: campaigns,
		logger:    logger,
		backoffOpts: []backoff.RetryOption{
			backoff.WithBackOff(bo),
			backoff.WithMaxTries(uint(maxAttempts)),
		},
	}
}

// PlanCampaign reads campaignID's current goals, decomposes every goal into
// Tasks, and enqueues the whole batch atomically into ks.TaskQueue(). Store
// unavailability is retried with bounded exponential backoff; if every
// attempt fails, it returns ErrPlannerUnavailable and no partial batch is
// ever committed.
func (p *Planner) PlanCampaign(ctx context.Context, ks keyspace.Resolver, campaignID string) ([]task.Task, error) {
	st, err := p.campaigns.Read(ctx, ks, campaignID)
	if err != nil {
		return nil, fmt.Errorf("planner: reading campaign %s: %w", campaignID, err)
	}
	return p.PlanGoals(ctx, ks, campaignID, st.Goals)
}

// PlanGoals decomposes the given goals (bypassing CampaignState, for
// operator-injected goals via the Operator Surface) and enqueues the
// resulting batch atomically.
func (p *Planner) PlanGoals(ctx context.Context, ks keyspace.Resolver, campaignID string, goals []string) ([]task.Task, error) {
	var tasks []task.Task
	for _, goal := range goals {
		tasks = append(tasks, Decompose(ks.TenantID(), campaignID, goal)...)
	}
	if len(tasks) == 0 {
		return nil, nil
	}

	batch := make([]queue.Batch[task.Task], len(tasks))
	for i, t := range tasks {
		batch[i] = queue.Batch[task.Task]{Payload: t, Priority: t.Priority}
	}

	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		if err := p.queue.EnqueueBatch(ctx, ks.TaskQueue(), batch); err != nil {
			if errors.Is(err, store.ErrUnavailable) {
				p.logger.Warn("planner: store unavailable, retrying", "campaign_id", campaignID, "error", err)
				return struct{}{}, err
			}
			return struct{}{}, backoff.Permanent(err)
		}
		return struct{}{}, nil
	}, p.backoffOpts...)

	if err != nil {
		if errors.Is(err, store.ErrUnavailable) {
			return nil, fmt.Errorf("%w: %s", ErrPlannerUnavailable, err)
		}
		return nil, fmt.Errorf("planner: enqueueing batch for campaign %s: %w", campaignID, err)
	}

	p.logger.Info("planner: enqueued task batch", "campaign_id", campaignID, "tenant_id", ks.TenantID(), "count", len(tasks))
	return tasks, nil
}
