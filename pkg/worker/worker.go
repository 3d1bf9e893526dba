// Package worker implements the Worker component: the
// IDLE -> LEASED -> EXECUTING -> REPORTING -> IDLE loop that leases one Task
// at a time, dispatches it through the Skill boundary, and files the result
// for Judge review. The loop holds no state between iterations beyond its
// back-pressure backoff; everything durable lives in the Store, so any
// number of Worker instances can drain the same tenant concurrently.
package worker

import (
	"context"
	"errors"
	"log/slog"
	"math"
	"strconv"
	"time"

	"github.com/wisbric/agentfleet/internal/telemetry"
	"github.com/wisbric/agentfleet/pkg/budget"
	"github.com/wisbric/agentfleet/pkg/hitl"
	"github.com/wisbric/agentfleet/pkg/keyspace"
	"github.com/wisbric/agentfleet/pkg/queue"
	"github.com/wisbric/agentfleet/pkg/skill"
	"github.com/wisbric/agentfleet/pkg/store"
	"github.com/wisbric/agentfleet/pkg/task"
	"github.com/wisbric/agentfleet/pkg/tenantconfig"
)

// ReviewHighWaterMark and the back-pressure backoff bounds: past the high
// water mark the Worker pauses 200ms, doubling up to 2s, before its next
// lease.
const (
	ReviewHighWaterMark = 1000
	backpressureInitial = 200 * time.Millisecond
	backpressureMax     = 2 * time.Second
)

// MaxAttempts is the default repeated-failure threshold:
// a Task that has already failed this many times is routed straight to the
// HITL queue instead of being dispatched again. Overridable per-process via
// Config.MaxAttempts (the MAX_ATTEMPTS env var).
const MaxAttempts = 3

// Config bundles the Worker's tunables, sourced from per-tenant or global
// configuration.
type Config struct {
	LeaseDuration time.Duration
	PollInterval  time.Duration
	AgentID       string
	MaxAttempts   int
}

// Worker drains one tenant's queue:task, one Task at a time.
type Worker struct {
	taskQueue   *queue.Queue[task.Task]
	reviewQueue *queue.Queue[task.ReviewItem]
	hitl        *hitl.Gate
	ledger      *budget.Ledger
	skills      *skill.Table
	skillSC     skill.Context
	backing     store.Store
	logger      *slog.Logger
	cfg         Config

	backoff time.Duration
}

// New constructs a Worker. backing is consulted for a per-tenant lease
// override on every Pop; it may be nil, in which case cfg.LeaseDuration
// always applies.
func New(taskQueue *queue.Queue[task.Task], reviewQueue *queue.Queue[task.ReviewItem], hitlGate *hitl.Gate, ledger *budget.Ledger, skills *skill.Table, skillSC skill.Context, backing store.Store, logger *slog.Logger, cfg Config) *Worker {
	if cfg.LeaseDuration == 0 {
		cfg.LeaseDuration = 30 * time.Second
	}
	if cfg.PollInterval == 0 {
		cfg.PollInterval = 500 * time.Millisecond
	}
	if cfg.MaxAttempts == 0 {
		cfg.MaxAttempts = MaxAttempts
	}
	return &Worker{
		taskQueue:   taskQueue,
		reviewQueue: reviewQueue,
		hitl:        hitlGate,
		ledger:      ledger,
		skills:      skills,
		skillSC:     skillSC,
		backing:     backing,
		logger:      logger,
		cfg:         cfg,
	}
}

// leaseDuration returns the tenant's Worker lease override if one is set,
// falling back to cfg.LeaseDuration otherwise.
func (w *Worker) leaseDuration(ctx context.Context, ks keyspace.Resolver) time.Duration {
	if w.backing == nil {
		return w.cfg.LeaseDuration
	}
	overrides, err := tenantconfig.Read(ctx, w.backing, ks)
	if err != nil {
		w.logger.Error("worker: reading tenant lease override", "tenant_id", ks.TenantID(), "error", err)
		return w.cfg.LeaseDuration
	}
	return overrides.WorkerLease(w.cfg.LeaseDuration)
}

// Run drains ks's task queue until ctx is cancelled. Each iteration reaps
// expired leases, applies review-queue back-pressure, then pops and
// processes at most one Task.
func (w *Worker) Run(ctx context.Context, ks keyspace.Resolver) {
	w.logger.Info("worker started", "tenant_id", ks.TenantID(), "agent_id", w.cfg.AgentID)
	ticker := time.NewTicker(w.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			w.logger.Info("worker stopped", "tenant_id", ks.TenantID(), "agent_id", w.cfg.AgentID)
			return
		case <-ticker.C:
			if n, err := w.taskQueue.Reap(ctx, ks.TaskQueue()); err != nil {
				w.logger.Error("worker: reaping expired leases", "error", err)
			} else if n > 0 {
				telemetry.LeaseExpiredTotal.WithLabelValues(ks.TenantID(), "task").Add(float64(n))
			}
			if w.applyBackpressure(ctx, ks) {
				continue
			}
			if err := w.ProcessOne(ctx, ks); err != nil {
				w.logger.Error("worker: processing task", "error", err)
			}
		}
	}
}

// applyBackpressure sleeps when queue:review is over ReviewHighWaterMark,
// doubling the wait on consecutive congested ticks up to backpressureMax.
// Returns true if it slept, meaning the caller should skip this tick's pop.
func (w *Worker) applyBackpressure(ctx context.Context, ks keyspace.Resolver) bool {
	depth, err := w.reviewQueue.Depth(ctx, ks.ReviewQueue())
	if err != nil {
		w.logger.Error("worker: checking review depth", "error", err)
		return false
	}
	telemetry.QueueDepth.WithLabelValues(ks.TenantID(), "review").Set(float64(depth))
	if depth <= ReviewHighWaterMark {
		w.backoff = 0
		return false
	}
	if w.backoff == 0 {
		w.backoff = backpressureInitial
	} else {
		w.backoff = time.Duration(math.Min(float64(w.backoff*2), float64(backpressureMax)))
	}
	w.logger.Warn("worker: review queue congested, backing off", "depth", depth, "backoff", w.backoff)
	select {
	case <-ctx.Done():
	case <-time.After(w.backoff):
	}
	return true
}

// ProcessOne pops at most one Task and drives it through LEASED ->
// EXECUTING -> REPORTING. It never blocks waiting for work: if the queue is
// empty it returns immediately.
func (w *Worker) ProcessOne(ctx context.Context, ks keyspace.Resolver) error {
	popped, ok, err := w.taskQueue.Pop(ctx, ks.TaskQueue(), w.leaseDuration(ctx, ks))
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}
	tk := popped.Payload
	tk.State = task.StateInProgress

	if tk.Attempt >= w.cfg.MaxAttempts {
		w.logger.Warn("worker: task exhausted attempts, routing to HITL", "task_id", tk.TaskID, "attempt", tk.Attempt)
		if err := w.hitl.Enqueue(ctx, ks, tk, task.Result{
			TaskID:   tk.TaskID,
			TenantID: tk.TenantID,
			Attempt:  tk.Attempt,
			Status:   task.StatusError,
			Reason:   task.ReasonRepeatedFailure,
		}, task.ReasonRepeatedFailure); err != nil {
			return err
		}
		return w.taskQueue.Ack(ctx, ks.TaskQueue(), popped.Token)
	}

	result := w.execute(ctx, ks, tk)
	result.WorkerID = w.cfg.AgentID
	result.ProducedAt = time.Now()
	tk.State = task.StateReview

	if err := w.reviewQueue.Enqueue(ctx, ks.ReviewQueue(), task.ReviewItem{Task: tk, Result: result}, tk.Priority); err != nil {
		return err
	}
	return w.taskQueue.Ack(ctx, ks.TaskQueue(), popped.Token)
}

func (w *Worker) execute(ctx context.Context, ks keyspace.Resolver, tk task.Task) task.Result {
	if tk.TaskType != task.TypeExecuteTransaction {
		return w.skills.Dispatch(ctx, tk, w.skillSC)
	}

	requested := requestedAmount(tk)
	if err := w.ledger.Reserve(ctx, ks, w.cfg.AgentID, requested, time.Now()); err != nil {
		w.logger.Info("worker: budget reservation refused", "task_id", tk.TaskID, "requested_usdc", requested, "error", err)
		telemetry.BudgetRejectedTotal.WithLabelValues(tk.TenantID, budgetReason(err)).Inc()
		return task.Result{
			TaskID:     tk.TaskID,
			TenantID:   tk.TenantID,
			Attempt:    tk.Attempt,
			Status:     task.StatusError,
			Confidence: 0,
			Reason:     budgetReason(err),
		}
	}

	result := w.skills.Dispatch(ctx, tk, w.skillSC)
	w.settleReservation(ctx, ks, tk, requested, result)
	return result
}

// settleReservation reconciles the pre-dispatch hold with what the
// transaction actually cost: a failed dispatch releases the whole hold, a
// cheaper transaction releases the difference, and a dearer one reserves
// the excess so the day's counter never undercounts committed spend.
func (w *Worker) settleReservation(ctx context.Context, ks keyspace.Resolver, tk task.Task, reserved float64, result task.Result) {
	now := time.Now()
	switch {
	case result.Status != task.StatusSuccess:
		if err := w.ledger.Release(ctx, ks, w.cfg.AgentID, reserved, now); err != nil {
			w.logger.Error("worker: releasing failed-transaction hold", "task_id", tk.TaskID, "error", err)
		}
	case result.CostUSDC < reserved:
		if err := w.ledger.Release(ctx, ks, w.cfg.AgentID, reserved-result.CostUSDC, now); err != nil {
			w.logger.Error("worker: releasing reservation surplus", "task_id", tk.TaskID, "error", err)
		}
	case result.CostUSDC > reserved:
		if err := w.ledger.Reserve(ctx, ks, w.cfg.AgentID, result.CostUSDC-reserved, now); err != nil {
			w.logger.Error("worker: transaction cost exceeded its reservation", "task_id", tk.TaskID, "reserved_usdc", reserved, "cost_usdc", result.CostUSDC, "error", err)
		}
	}
}

// budgetReason maps a Ledger refusal to the reason the operator sees on
// the resulting error TaskResult: per_tx_cap when the single transaction is
// too large, daily_cap when the day's running total would overflow, and the
// generic budget_exceeded for anything else (e.g. the ledger read itself
// failed).
func budgetReason(err error) string {
	switch {
	case errors.Is(err, budget.ErrPerTxCapExceeded):
		return task.ReasonPerTxCap
	case errors.Is(err, budget.ErrDailyCapExceeded):
		return task.ReasonDailyCap
	default:
		return task.ReasonBudgetExceeded
	}
}

// requestedAmount reads the estimated spend a Skill handler's input schema
// requires under the "amount_usdc" context key, mirroring how
// skill.contextAsMap decodes JSON-encoded scalars out of Task.Context.
func requestedAmount(tk task.Task) float64 {
	raw, ok := tk.Context["amount_usdc"]
	if !ok {
		return 0
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0
	}
	return v
}
