// Package task defines the Task/TaskResult/JudgeDecision/HITLItem entities
// that flow through the Store's queues. Task is a tagged sum over
// task_type: the tag drives compile-time Skill dispatch, so a payload can
// never reach a handler that doesn't understand its shape.
package task

import "time"

// Type is the tag of a Task's payload variant.
type Type string

const (
	TypeAnalyzeTrends     Type = "analyze_trends"
	TypeGenerateContent   Type = "generate_content"
	TypePostContent       Type = "post_content"
	TypeReplyComment      Type = "reply_comment"
	TypeExecuteTransaction Type = "execute_transaction"
)

// ValidTypes lists every Type the Skill dispatch table must have a handler
// registered for.
var ValidTypes = []Type{
	TypeAnalyzeTrends,
	TypeGenerateContent,
	TypePostContent,
	TypeReplyComment,
	TypeExecuteTransaction,
}

// Priority orders Tasks within a queue. Higher numeric value pops first.
type Priority int

const (
	PriorityLow    Priority = 1
	PriorityMedium Priority = 2
	PriorityHigh   Priority = 3
)

// Lower returns the next priority tier down, or ok=false if already at the
// lowest tier.
func (p Priority) Lower() (Priority, bool) {
	if p <= PriorityLow {
		return p, false
	}
	return p - 1, true
}

// State is a Task's position in its forward-only lifecycle, with the two
// explicit exceptions: pending<->in_progress on
// worker-crash recovery, and escalated->pending on operator reject-with-retry.
type State string

const (
	StatePending    State = "pending"
	StateInProgress State = "in_progress"
	StateReview     State = "review"
	StateEscalated  State = "escalated"
	StateCommitted  State = "committed"
	StateFailed     State = "failed"

	// StatePendingCommit is an internal recovery marker for the Judge's
	// two-phase commit fallback; it is never observed
	// outside a crash window and is not part of the public State lifecycle.
	StatePendingCommit State = "committed_pending"
)

// Task is a unit of work flowing through the priority queues.
type Task struct {
	TaskID          string            `json:"task_id"`
	TenantID        string            `json:"tenant_id"`
	CampaignID      string            `json:"campaign_id,omitempty"`
	TaskType        Type              `json:"task_type"`
	Priority        Priority          `json:"priority"`
	GoalDescription string            `json:"goal_description"`
	Context         map[string]string `json:"context,omitempty"`
	State           State             `json:"state"`
	Attempt         int               `json:"attempt"`
	CreatedAt       time.Time         `json:"created_at"`
	UpdatedAt       time.Time         `json:"updated_at"`
}

// Status is the outcome of one worker attempt at a Task.
type Status string

const (
	StatusSuccess Status = "success"
	StatusError   Status = "error"
)

// Common error reasons carried on TaskResult.Reason. These are evidence, not
// exceptions — every non-fatal condition materializes as a typed field
// and flows through the normal queues rather than propagating to the
// process boundary.
const (
	ReasonBudgetExceeded   = "budget_exceeded"
	ReasonPerTxCap         = "per_tx_cap"
	ReasonDailyCap         = "daily_cap"
	ReasonSchemaViolation  = "schema_violation"
	ReasonRepeatedFailure  = "repeated_failure"
	ReasonOCCContention    = "occ_contention"
)

// Result is a worker's output for one attempt at a Task.
type Result struct {
	TaskID         string         `json:"task_id"`
	TenantID       string         `json:"tenant_id"`
	WorkerID       string         `json:"worker_id"`
	Attempt        int            `json:"attempt"`
	Status         Status         `json:"status"`
	Output         map[string]any `json:"output,omitempty"`
	Confidence     float64        `json:"confidence"`
	ReasoningTrace string         `json:"reasoning_trace,omitempty"`
	CostUSDC       float64        `json:"cost_usdc"`
	Reason         string         `json:"reason,omitempty"`
	ProducedAt     time.Time      `json:"produced_at"`
}

// Decision is one review verdict from the Judge or HITL operator.
type Decision string

const (
	DecisionApprove  Decision = "approve"
	DecisionReject   Decision = "reject"
	DecisionEscalate Decision = "escalate"
)

// JudgeDecision records one review cycle's verdict against a TaskResult.
type JudgeDecision struct {
	TaskID              string    `json:"task_id"`
	TenantID            string    `json:"tenant_id"`
	Decision            Decision  `json:"decision"`
	RequiresHumanReview bool      `json:"requires_human_review"`
	Reasoning           string    `json:"reasoning"`
	DecidedAt           time.Time `json:"decided_at"`
}

// HITLStatus is the lifecycle of a HITLItem once an operator acts on it.
type HITLStatus string

const (
	HITLPending       HITLStatus = "pending"
	HITLApproved      HITLStatus = "approved"
	HITLRejectedRetry HITLStatus = "rejected_retry"
	HITLRejectedDrop  HITLStatus = "rejected_drop"
)

// HITLItem is a Task awaiting a human decision.
type HITLItem struct {
	TaskID    string     `json:"task_id"`
	TenantID  string     `json:"tenant_id"`
	Task      Task       `json:"task"`
	Result    Result     `json:"payload"`
	Reason    string     `json:"reason"`
	QueuedAt  time.Time  `json:"queued_at"`
	Status    HITLStatus `json:"status"`
}

// ReviewItem is the envelope queue:review carries: the Task as the Worker
// last left it, paired with the Result produced for this attempt. The Judge
// pops one ReviewItem per cycle rather than a bare Result, since its
// sensitive-topic check reads Result.Output while its OCC commit path needs
// the Task's CampaignID and Priority.
type ReviewItem struct {
	Task   Task   `json:"task"`
	Result Result `json:"result"`
}

// Verdict is the operator's decision posted back to the HITL Gate.
type Verdict string

const (
	VerdictApprove     Verdict = "approve"
	VerdictRejectRetry Verdict = "reject_retry"
	VerdictRejectDrop  Verdict = "reject_drop"
)
