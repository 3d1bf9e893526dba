// Package judge implements the Judge component: review of Worker results
// against a sensitive-topic check and confidence thresholds, committed
// under optimistic concurrency control with a two-phase write fallback. A
// lost CompareAndSwap race means re-read and retry, never a lock.
package judge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/wisbric/agentfleet/internal/telemetry"
	"github.com/wisbric/agentfleet/pkg/campaign"
	"github.com/wisbric/agentfleet/pkg/hitl"
	"github.com/wisbric/agentfleet/pkg/keyspace"
	"github.com/wisbric/agentfleet/pkg/queue"
	"github.com/wisbric/agentfleet/pkg/store"
	"github.com/wisbric/agentfleet/pkg/task"
	"github.com/wisbric/agentfleet/pkg/tenantconfig"
)

// defaultSensitiveTopics is the closed vocabulary matched case-insensitive
// substring against the stringified Result.Output. Any hit escalates,
// regardless of confidence.
var defaultSensitiveTopics = []string{"politics", "health", "financial", "legal", "religion"}

// Config holds the Judge's tunables.
type Config struct {
	SensitiveTopics   []string
	ApproveThreshold  float64
	EscalateThreshold float64
	MaxOCCRetries     int
	LeaseDuration     time.Duration
	PollInterval      time.Duration
}

func (c Config) withDefaults() Config {
	if len(c.SensitiveTopics) == 0 {
		c.SensitiveTopics = defaultSensitiveTopics
	}
	if c.ApproveThreshold == 0 {
		c.ApproveThreshold = 0.90
	}
	if c.EscalateThreshold == 0 {
		c.EscalateThreshold = 0.70
	}
	if c.MaxOCCRetries == 0 {
		c.MaxOCCRetries = 5
	}
	if c.LeaseDuration == 0 {
		c.LeaseDuration = 60 * time.Second
	}
	if c.PollInterval == 0 {
		c.PollInterval = 500 * time.Millisecond
	}
	return c
}

// committedRecord is what ks.Output(task_id) holds: the Task as last left
// by the commit path, paired with the Result that was approved. Its
// Task.State doubles as the two-phase-commit marker: pending ->
// committed_pending -> committed.
type committedRecord struct {
	Task      task.Task   `json:"task"`
	Result    task.Result `json:"result"`
	DecidedAt time.Time   `json:"decided_at"`
}

// Judge drives queue:review to a verdict per Task and, on approve, commits
// the result against CampaignState under OCC.
type Judge struct {
	reviewQueue *queue.Queue[task.ReviewItem]
	taskQueue   *queue.Queue[task.Task]
	hitlGate    *hitl.Gate
	campaigns   *campaign.Store
	backing     store.Store
	audit       AuditSink
	logger      *slog.Logger
	cfg         Config
}

// New constructs a Judge.
func New(reviewQueue *queue.Queue[task.ReviewItem], taskQueue *queue.Queue[task.Task], hitlGate *hitl.Gate, campaigns *campaign.Store, backing store.Store, audit AuditSink, logger *slog.Logger, cfg Config) *Judge {
	return &Judge{
		reviewQueue: reviewQueue,
		taskQueue:   taskQueue,
		hitlGate:    hitlGate,
		campaigns:   campaigns,
		backing:     backing,
		audit:       audit,
		logger:      logger,
		cfg:         cfg.withDefaults(),
	}
}

// Run drains ks's review queue until ctx is cancelled.
func (j *Judge) Run(ctx context.Context, ks keyspace.Resolver) {
	j.logger.Info("judge started", "tenant_id", ks.TenantID())
	ticker := time.NewTicker(j.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			j.logger.Info("judge stopped", "tenant_id", ks.TenantID())
			return
		case <-ticker.C:
			if n, err := j.reviewQueue.Reap(ctx, ks.ReviewQueue()); err != nil {
				j.logger.Error("judge: reaping expired leases", "error", err)
			} else if n > 0 {
				telemetry.LeaseExpiredTotal.WithLabelValues(ks.TenantID(), "review").Add(float64(n))
			}
			if err := j.ProcessOne(ctx, ks); err != nil {
				j.logger.Error("judge: processing review item", "error", err)
			}
		}
	}
}

// leaseDuration returns the tenant's Judge lease override if one is set,
// falling back to cfg.LeaseDuration otherwise.
func (j *Judge) leaseDuration(ctx context.Context, ks keyspace.Resolver) time.Duration {
	overrides, err := tenantconfig.Read(ctx, j.backing, ks)
	if err != nil {
		j.logger.Error("judge: reading tenant lease override", "tenant_id", ks.TenantID(), "error", err)
		return j.cfg.LeaseDuration
	}
	return overrides.JudgeLease(j.cfg.LeaseDuration)
}

// ProcessOne pops at most one ReviewItem and drives it to a verdict.
func (j *Judge) ProcessOne(ctx context.Context, ks keyspace.Resolver) error {
	popped, ok, err := j.reviewQueue.Pop(ctx, ks.ReviewQueue(), j.leaseDuration(ctx, ks))
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}
	tk, result := popped.Payload.Task, popped.Payload.Result

	decision := j.decide(result)
	switch decision {
	case task.DecisionApprove:
		if err := j.commitWithRetry(ctx, ks, tk, result); err != nil {
			return err
		}
	case task.DecisionEscalate:
		if err := j.escalate(ctx, ks, tk, result, escalationReason(result)); err != nil {
			return err
		}
	case task.DecisionReject:
		if err := j.reject(ctx, ks, tk, result); err != nil {
			return err
		}
	}
	return j.reviewQueue.Ack(ctx, ks.ReviewQueue(), popped.Token)
}

// decide applies the review procedure in strict order: error results
// first, then sensitive topics, then the confidence thresholds. An
// error-status result (budget refusal, schema violation, failed tool
// call) is never rejected — reject means retry, and those conditions
// don't improve on a re-dispatch. They escalate so the operator sees the
// refusal with the reason the Worker attached.
func (j *Judge) decide(result task.Result) task.Decision {
	if result.Status == task.StatusError {
		return task.DecisionEscalate
	}
	if j.mentionsSensitiveTopic(result) {
		return task.DecisionEscalate
	}
	if result.Confidence >= j.cfg.ApproveThreshold {
		return task.DecisionApprove
	}
	if result.Confidence >= j.cfg.EscalateThreshold {
		return task.DecisionEscalate
	}
	return task.DecisionReject
}

// escalationReason is what the HITLItem records: an error result's own
// reason wins, everything else gets the generic judge marker.
func escalationReason(result task.Result) string {
	if result.Status == task.StatusError && result.Reason != "" {
		return result.Reason
	}
	return "judge_escalation"
}

func (j *Judge) mentionsSensitiveTopic(result task.Result) bool {
	text := strings.ToLower(flattenOutput(result.Output))
	for _, topic := range j.cfg.SensitiveTopics {
		if strings.Contains(text, topic) {
			return true
		}
	}
	return false
}

func flattenOutput(output map[string]any) string {
	var b strings.Builder
	for k, v := range output {
		fmt.Fprintf(&b, "%s=%v ", k, v)
	}
	return b.String()
}

// reject re-enqueues tk at one priority tier lower with attempt+1, or
// escalates instead if tk is already at the lowest tier.
func (j *Judge) reject(ctx context.Context, ks keyspace.Resolver, tk task.Task, result task.Result) error {
	lower, ok := tk.Priority.Lower()
	if !ok {
		return j.escalate(ctx, ks, tk, result, "rejected_at_lowest_priority")
	}
	tk.Attempt++
	tk.Priority = lower
	tk.State = task.StatePending
	if err := j.taskQueue.Enqueue(ctx, ks.TaskQueue(), tk, lower); err != nil {
		return fmt.Errorf("judge: re-enqueueing rejected task: %w", err)
	}
	return j.record(ctx, task.JudgeDecision{
		TaskID:    tk.TaskID,
		TenantID:  tk.TenantID,
		Decision:  task.DecisionReject,
		Reasoning: "confidence below reject threshold",
		DecidedAt: time.Now(),
	})
}

func (j *Judge) escalate(ctx context.Context, ks keyspace.Resolver, tk task.Task, result task.Result, reason string) error {
	tk.State = task.StateEscalated
	if err := j.hitlGate.Enqueue(ctx, ks, tk, result, reason); err != nil {
		return fmt.Errorf("judge: escalating to HITL: %w", err)
	}
	return j.record(ctx, task.JudgeDecision{
		TaskID:              tk.TaskID,
		TenantID:            tk.TenantID,
		Decision:            task.DecisionEscalate,
		RequiresHumanReview: true,
		Reasoning:           reason,
		DecidedAt:           time.Now(),
	})
}

// record counts the decision and hands it to the audit sink.
func (j *Judge) record(ctx context.Context, d task.JudgeDecision) error {
	telemetry.DecisionsTotal.WithLabelValues(d.TenantID, string(d.Decision)).Inc()
	return j.audit.RecordDecision(ctx, d)
}

// commitWithRetry runs the OCC commit path, retrying on version conflict
// up to cfg.MaxOCCRetries times before escalating with reason
// occ_contention.
func (j *Judge) commitWithRetry(ctx context.Context, ks keyspace.Resolver, tk task.Task, result task.Result) error {
	for attempt := 0; attempt <= j.cfg.MaxOCCRetries; attempt++ {
		committed, err := j.tryCommit(ctx, ks, tk, result)
		if err == nil {
			tk.State = task.StateCommitted
			return j.record(ctx, task.JudgeDecision{
				TaskID:    tk.TaskID,
				TenantID:  tk.TenantID,
				Decision:  task.DecisionApprove,
				Reasoning: fmt.Sprintf("confidence %.2f >= approve threshold", result.Confidence),
				DecidedAt: committed,
			})
		}
		if !errors.Is(err, campaign.ErrConflict) {
			return err
		}
		telemetry.OCCConflictTotal.WithLabelValues(tk.TenantID).Inc()
		j.logger.Info("judge: OCC conflict, retrying", "task_id", tk.TaskID, "attempt", attempt)
	}
	j.logger.Warn("judge: OCC retries exhausted, escalating", "task_id", tk.TaskID)
	if err := j.backing.Delete(ctx, ks.Output(tk.TaskID)); err != nil {
		j.logger.Error("judge: clearing pending-commit record", "task_id", tk.TaskID, "error", err)
	}
	if err := j.backing.ZRem(ctx, ks.PendingCommits(), tk.TaskID); err != nil {
		j.logger.Error("judge: clearing pending-commit index", "task_id", tk.TaskID, "error", err)
	}
	return j.escalate(ctx, ks, tk, result, task.ReasonOCCContention)
}

// tryCommit performs one attempt of the two-phase write: mark the Task
// committed_pending, write the output, then bump the campaign version with
// a conditional update. If the conditional update
// loses its race, the pending marker stays in place: the next attempt in
// commitWithRetry overwrites it, a successful attempt clears it, and
// commitWithRetry clears it when it escalates after exhausting its retries.
// RecoverPendingCommits picks it up only if the process crashes in between.
func (j *Judge) tryCommit(ctx context.Context, ks keyspace.Resolver, tk task.Task, result task.Result) (time.Time, error) {
	pendingTask := tk
	pendingTask.State = task.StatePendingCommit
	if err := j.writeRecord(ctx, ks, pendingTask, task.Result{}); err != nil {
		return time.Time{}, err
	}
	if err := j.backing.ZAdd(ctx, ks.PendingCommits(), float64(time.Now().UnixNano()), tk.TaskID); err != nil {
		return time.Time{}, fmt.Errorf("judge: indexing pending commit: %w", err)
	}

	if err := j.writeRecord(ctx, ks, pendingTask, result); err != nil {
		return time.Time{}, err
	}

	cur, err := j.campaigns.Read(ctx, ks, tk.CampaignID)
	if err != nil && !errors.Is(err, campaign.ErrNotFound) {
		return time.Time{}, fmt.Errorf("judge: reading campaign for commit: %w", err)
	}
	cur.CampaignID = tk.CampaignID
	cur.TenantID = tk.TenantID
	cur.BudgetRemainingUSDC -= result.CostUSDC
	if _, err := j.campaigns.Commit(ctx, ks, cur); err != nil {
		return time.Time{}, err
	}

	committedTask := tk
	committedTask.State = task.StateCommitted
	if err := j.writeRecord(ctx, ks, committedTask, result); err != nil {
		return time.Time{}, err
	}
	if err := j.backing.ZRem(ctx, ks.PendingCommits(), tk.TaskID); err != nil {
		j.logger.Error("judge: clearing pending-commit index", "task_id", tk.TaskID, "error", err)
	}
	return time.Now(), nil
}

func (j *Judge) writeRecord(ctx context.Context, ks keyspace.Resolver, tk task.Task, result task.Result) error {
	rec := committedRecord{Task: tk, Result: result, DecidedAt: time.Now()}
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("judge: marshaling output record: %w", err)
	}
	if err := j.backing.Put(ctx, ks.Output(tk.TaskID), data, 0); err != nil {
		return fmt.Errorf("judge: writing output record: %w", err)
	}
	return nil
}

// ApplyVerdict merges an operator's HITL decision back
// into the pipeline: approve re-runs the normal OCC commit path, reject_retry
// re-enqueues onto queue:task with attempt+1 at the item's original
// priority, and reject_drop marks the Task failed with no further retry.
func (j *Judge) ApplyVerdict(ctx context.Context, ks keyspace.Resolver, taskID string, verdict task.Verdict) error {
	item, err := j.hitlGate.Get(ctx, ks, taskID)
	if err != nil {
		return fmt.Errorf("judge: reading HITL item %s: %w", taskID, err)
	}

	switch verdict {
	case task.VerdictApprove:
		if err := j.commitWithRetry(ctx, ks, item.Task, item.Result); err != nil {
			return err
		}
		return j.hitlGate.Resolve(ctx, ks, taskID, task.HITLApproved)

	case task.VerdictRejectRetry:
		tk := item.Task
		tk.Attempt++
		tk.State = task.StatePending
		if err := j.taskQueue.Enqueue(ctx, ks.TaskQueue(), tk, tk.Priority); err != nil {
			return fmt.Errorf("judge: re-enqueueing HITL retry: %w", err)
		}
		if err := j.record(ctx, task.JudgeDecision{
			TaskID:    tk.TaskID,
			TenantID:  tk.TenantID,
			Decision:  task.DecisionReject,
			Reasoning: "hitl_reject_retry",
			DecidedAt: time.Now(),
		}); err != nil {
			return err
		}
		return j.hitlGate.Resolve(ctx, ks, taskID, task.HITLRejectedRetry)

	case task.VerdictRejectDrop:
		tk := item.Task
		tk.State = task.StateFailed
		if err := j.writeRecord(ctx, ks, tk, item.Result); err != nil {
			return err
		}
		if err := j.record(ctx, task.JudgeDecision{
			TaskID:    tk.TaskID,
			TenantID:  tk.TenantID,
			Decision:  task.DecisionReject,
			Reasoning: "hitl_reject_drop",
			DecidedAt: time.Now(),
		}); err != nil {
			return err
		}
		return j.hitlGate.Resolve(ctx, ks, taskID, task.HITLRejectedDrop)

	default:
		return fmt.Errorf("judge: unknown verdict %q", verdict)
	}
}

// RecoverPendingCommits scans ks.PendingCommits() for tasks a crash left
// mid two-phase-commit and re-runs the output-write/version-bump tail of
// tryCommit for each, so a boot after a crash never leaves a task stranded
// in committed_pending.
func (j *Judge) RecoverPendingCommits(ctx context.Context, ks keyspace.Resolver) (int, error) {
	taskIDs, err := j.backing.ZRangeByScore(ctx, ks.PendingCommits(), float64(time.Now().UnixNano()), 0)
	if err != nil {
		return 0, fmt.Errorf("judge: scanning pending commits: %w", err)
	}

	recovered := 0
	for _, taskID := range taskIDs {
		v, err := j.backing.Get(ctx, ks.Output(taskID))
		if errors.Is(err, store.ErrNotFound) {
			_ = j.backing.ZRem(ctx, ks.PendingCommits(), taskID)
			continue
		}
		if err != nil {
			return recovered, fmt.Errorf("judge: reading stranded record %s: %w", taskID, err)
		}
		var rec committedRecord
		if err := json.Unmarshal(v.Data, &rec); err != nil {
			return recovered, fmt.Errorf("judge: decoding stranded record %s: %w", taskID, err)
		}
		if rec.Task.State != task.StatePendingCommit {
			_ = j.backing.ZRem(ctx, ks.PendingCommits(), taskID)
			continue
		}

		if _, err := j.tryCommit(ctx, ks, rec.Task, rec.Result); err != nil {
			j.logger.Error("judge: recovery commit failed, leaving for next boot", "task_id", taskID, "error", err)
			continue
		}
		recovered++
	}
	return recovered, nil
}
