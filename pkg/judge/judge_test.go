package judge

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/wisbric/agentfleet/pkg/campaign"
	"github.com/wisbric/agentfleet/pkg/hitl"
	"github.com/wisbric/agentfleet/pkg/keyspace"
	"github.com/wisbric/agentfleet/pkg/queue"
	"github.com/wisbric/agentfleet/pkg/store"
	"github.com/wisbric/agentfleet/pkg/task"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type harness struct {
	backing     *store.MemoryStore
	reviewQueue *queue.Queue[task.ReviewItem]
	taskQueue   *queue.Queue[task.Task]
	hitlGate    *hitl.Gate
	campaigns   *campaign.Store
	judge       *Judge
	ks          keyspace.Resolver
}

func newHarness(cfg Config) harness {
	backing := store.NewMemoryStore()
	h := harness{
		backing:     backing,
		reviewQueue: queue.NewReviewQueue(backing),
		taskQueue:   queue.NewTaskQueue(backing),
		hitlGate:    hitl.New(backing),
		campaigns:   campaign.New(backing),
		ks:          keyspace.New("tenant-a"),
	}
	h.judge = New(h.reviewQueue, h.taskQueue, h.hitlGate, h.campaigns, backing, LogAuditSink{Logger: testLogger()}, testLogger(), cfg)
	return h
}

func TestJudge_Decide_SensitiveTopicAlwaysEscalates(t *testing.T) {
	h := newHarness(Config{})
	result := task.Result{Confidence: 0.99, Output: map[string]any{"text": "a note about health coverage"}}
	if got := h.judge.decide(result); got != task.DecisionEscalate {
		t.Fatalf("expected escalate for sensitive topic regardless of confidence, got %s", got)
	}
}

func TestJudge_Decide_Thresholds(t *testing.T) {
	h := newHarness(Config{})
	cases := []struct {
		confidence float64
		want       task.Decision
	}{
		{0.95, task.DecisionApprove},
		{0.90, task.DecisionApprove},
		{0.80, task.DecisionEscalate},
		{0.70, task.DecisionEscalate},
		{0.50, task.DecisionReject},
	}
	for _, c := range cases {
		got := h.judge.decide(task.Result{Confidence: c.confidence, Output: map[string]any{"text": "benign"}})
		if got != c.want {
			t.Errorf("confidence %.2f: expected %s, got %s", c.confidence, c.want, got)
		}
	}
}

func TestJudge_Decide_ErrorStatusEscalates(t *testing.T) {
	h := newHarness(Config{})
	cases := []string{
		task.ReasonPerTxCap,
		task.ReasonDailyCap,
		task.ReasonBudgetExceeded,
		task.ReasonSchemaViolation,
	}
	for _, reason := range cases {
		result := task.Result{Status: task.StatusError, Confidence: 0, Reason: reason}
		if got := h.judge.decide(result); got != task.DecisionEscalate {
			t.Errorf("reason %s: expected escalate, got %s", reason, got)
		}
	}
}

func TestJudge_ProcessOne_ErrorResultEscalatesWithReason(t *testing.T) {
	ctx := context.Background()
	h := newHarness(Config{})

	tk := task.Task{TaskID: "t1", TenantID: "tenant-a", Priority: task.PriorityHigh}
	result := task.Result{
		TaskID:     "t1",
		TenantID:   "tenant-a",
		Status:     task.StatusError,
		Confidence: 0,
		Reason:     task.ReasonSchemaViolation,
	}
	_ = h.reviewQueue.Enqueue(ctx, h.ks.ReviewQueue(), task.ReviewItem{Task: tk, Result: result}, task.PriorityHigh)

	if err := h.judge.ProcessOne(ctx, h.ks); err != nil {
		t.Fatalf("process one: %v", err)
	}

	// An error result must never be retried: the task queue stays empty
	// and the item lands with a human, carrying the Worker's reason.
	depth, _ := h.taskQueue.Depth(ctx, h.ks.TaskQueue())
	if depth != 0 {
		t.Fatalf("error result must not be re-enqueued, task queue depth %d", depth)
	}
	item, err := h.hitlGate.Get(ctx, h.ks, "t1")
	if err != nil {
		t.Fatalf("expected a HITL item: %v", err)
	}
	if item.Reason != task.ReasonSchemaViolation {
		t.Fatalf("expected schema_violation reason on HITL item, got %s", item.Reason)
	}
}

func TestJudge_ProcessOne_BudgetRefusalEscalatesWithReason(t *testing.T) {
	ctx := context.Background()
	h := newHarness(Config{})

	tk := task.Task{TaskID: "t1", TenantID: "tenant-a", Priority: task.PriorityLow}
	result := task.Result{
		TaskID:     "t1",
		TenantID:   "tenant-a",
		Status:     task.StatusError,
		Confidence: 0,
		Reason:     task.ReasonPerTxCap,
	}
	_ = h.reviewQueue.Enqueue(ctx, h.ks.ReviewQueue(), task.ReviewItem{Task: tk, Result: result}, task.PriorityLow)

	if err := h.judge.ProcessOne(ctx, h.ks); err != nil {
		t.Fatalf("process one: %v", err)
	}

	item, err := h.hitlGate.Get(ctx, h.ks, "t1")
	if err != nil {
		t.Fatalf("expected a HITL item: %v", err)
	}
	if item.Reason != task.ReasonPerTxCap {
		t.Fatalf("expected per_tx_cap reason on HITL item, got %s", item.Reason)
	}
}

func TestJudge_ProcessOne_ApprovePathCommitsCampaignAndOutput(t *testing.T) {
	ctx := context.Background()
	h := newHarness(Config{})

	if _, err := h.campaigns.Create(ctx, h.ks, campaign.State{
		CampaignID:          "c1",
		TenantID:            "tenant-a",
		BudgetRemainingUSDC: 100,
	}); err != nil {
		t.Fatalf("create campaign: %v", err)
	}

	tk := task.Task{TaskID: "t1", TenantID: "tenant-a", CampaignID: "c1", Priority: task.PriorityHigh}
	result := task.Result{TaskID: "t1", TenantID: "tenant-a", Status: task.StatusSuccess, Confidence: 0.95, CostUSDC: 10}
	if err := h.reviewQueue.Enqueue(ctx, h.ks.ReviewQueue(), task.ReviewItem{Task: tk, Result: result}, task.PriorityHigh); err != nil {
		t.Fatalf("enqueue review: %v", err)
	}

	if err := h.judge.ProcessOne(ctx, h.ks); err != nil {
		t.Fatalf("process one: %v", err)
	}

	st, err := h.campaigns.Read(ctx, h.ks, "c1")
	if err != nil {
		t.Fatalf("read campaign: %v", err)
	}
	if st.BudgetRemainingUSDC != 90 {
		t.Fatalf("expected budget decremented to 90, got %v", st.BudgetRemainingUSDC)
	}
	if st.Version != 2 {
		t.Fatalf("expected campaign version bumped to 2, got %d", st.Version)
	}

	v, err := h.backing.Get(ctx, h.ks.Output("t1"))
	if err != nil {
		t.Fatalf("read output record: %v", err)
	}
	var rec committedRecord
	if err := json.Unmarshal(v.Data, &rec); err != nil {
		t.Fatalf("decode output record: %v", err)
	}
	if rec.Task.State != task.StateCommitted {
		t.Fatalf("expected committed state, got %s", rec.Task.State)
	}

	depth, _ := h.backing.ZLen(ctx, h.ks.PendingCommits())
	if depth != 0 {
		t.Fatalf("expected pending-commit index cleared, got depth %d", depth)
	}
}

func TestJudge_ProcessOne_RejectLowersPriorityAndRequeues(t *testing.T) {
	ctx := context.Background()
	h := newHarness(Config{})

	tk := task.Task{TaskID: "t1", TenantID: "tenant-a", Priority: task.PriorityHigh, Attempt: 0}
	result := task.Result{TaskID: "t1", Confidence: 0.3, Output: map[string]any{"text": "benign"}}
	_ = h.reviewQueue.Enqueue(ctx, h.ks.ReviewQueue(), task.ReviewItem{Task: tk, Result: result}, task.PriorityHigh)

	if err := h.judge.ProcessOne(ctx, h.ks); err != nil {
		t.Fatalf("process one: %v", err)
	}

	popped, ok, err := h.taskQueue.Pop(ctx, h.ks.TaskQueue(), time.Minute)
	if err != nil || !ok {
		t.Fatalf("expected requeued task: ok=%v err=%v", ok, err)
	}
	if popped.Payload.Priority != task.PriorityMedium {
		t.Fatalf("expected priority lowered to medium, got %d", popped.Payload.Priority)
	}
	if popped.Payload.Attempt != 1 {
		t.Fatalf("expected attempt incremented to 1, got %d", popped.Payload.Attempt)
	}
}

func TestJudge_ProcessOne_RejectAtLowestPriorityEscalates(t *testing.T) {
	ctx := context.Background()
	h := newHarness(Config{})

	tk := task.Task{TaskID: "t1", TenantID: "tenant-a", Priority: task.PriorityLow}
	result := task.Result{TaskID: "t1", Confidence: 0.1, Output: map[string]any{"text": "benign"}}
	_ = h.reviewQueue.Enqueue(ctx, h.ks.ReviewQueue(), task.ReviewItem{Task: tk, Result: result}, task.PriorityLow)

	if err := h.judge.ProcessOne(ctx, h.ks); err != nil {
		t.Fatalf("process one: %v", err)
	}

	items, err := h.hitlGate.List(ctx, h.ks, 0, 10)
	if err != nil {
		t.Fatalf("list hitl: %v", err)
	}
	if len(items) != 1 {
		t.Fatalf("expected one HITL item, got %d", len(items))
	}
}

func TestJudge_ApplyVerdict_RejectRetryReenqueuesWithIncrementedAttempt(t *testing.T) {
	ctx := context.Background()
	h := newHarness(Config{})

	tk := task.Task{TaskID: "t1", TenantID: "tenant-a", Priority: task.PriorityHigh, Attempt: 0}
	result := task.Result{TaskID: "t1", Confidence: 0.5}
	if err := h.hitlGate.Enqueue(ctx, h.ks, tk, result, "judge_escalation"); err != nil {
		t.Fatalf("enqueue hitl: %v", err)
	}

	if err := h.judge.ApplyVerdict(ctx, h.ks, "t1", task.VerdictRejectRetry); err != nil {
		t.Fatalf("apply verdict: %v", err)
	}

	popped, ok, err := h.taskQueue.Pop(ctx, h.ks.TaskQueue(), time.Minute)
	if err != nil || !ok {
		t.Fatalf("expected requeued task: ok=%v err=%v", ok, err)
	}
	if popped.Payload.Attempt != 1 {
		t.Fatalf("expected attempt incremented to 1, got %d", popped.Payload.Attempt)
	}
	if popped.Payload.Priority != task.PriorityHigh {
		t.Fatalf("expected priority unchanged on HITL retry, got %d", popped.Payload.Priority)
	}

	if _, err := h.hitlGate.Get(ctx, h.ks, "t1"); err != nil {
		t.Fatalf("expected item still retrievable after resolve, got %v", err)
	}
}

func TestJudge_ApplyVerdict_RejectDropMarksTaskFailed(t *testing.T) {
	ctx := context.Background()
	h := newHarness(Config{})

	tk := task.Task{TaskID: "t1", TenantID: "tenant-a", Priority: task.PriorityLow}
	result := task.Result{TaskID: "t1", Confidence: 0.2}
	if err := h.hitlGate.Enqueue(ctx, h.ks, tk, result, "judge_escalation"); err != nil {
		t.Fatalf("enqueue hitl: %v", err)
	}

	if err := h.judge.ApplyVerdict(ctx, h.ks, "t1", task.VerdictRejectDrop); err != nil {
		t.Fatalf("apply verdict: %v", err)
	}

	v, err := h.backing.Get(ctx, h.ks.Output("t1"))
	if err != nil {
		t.Fatalf("read output record: %v", err)
	}
	var rec committedRecord
	if err := json.Unmarshal(v.Data, &rec); err != nil {
		t.Fatalf("decode output record: %v", err)
	}
	if rec.Task.State != task.StateFailed {
		t.Fatalf("expected failed state, got %s", rec.Task.State)
	}

	item, err := h.hitlGate.Get(ctx, h.ks, "t1")
	if err != nil {
		t.Fatalf("get hitl item: %v", err)
	}
	if item.Status != task.HITLRejectedDrop {
		t.Fatalf("expected resolved status rejected_drop, got %s", item.Status)
	}
}

func TestJudge_ApplyVerdict_ApproveCommitsThroughJudgePath(t *testing.T) {
	ctx := context.Background()
	h := newHarness(Config{})

	if _, err := h.campaigns.Create(ctx, h.ks, campaign.State{
		CampaignID:          "c1",
		TenantID:            "tenant-a",
		BudgetRemainingUSDC: 50,
	}); err != nil {
		t.Fatalf("create campaign: %v", err)
	}

	tk := task.Task{TaskID: "t1", TenantID: "tenant-a", CampaignID: "c1", Priority: task.PriorityMedium}
	result := task.Result{TaskID: "t1", Status: task.StatusSuccess, Confidence: 0.99, CostUSDC: 5}
	if err := h.hitlGate.Enqueue(ctx, h.ks, tk, result, "judge_escalation"); err != nil {
		t.Fatalf("enqueue hitl: %v", err)
	}

	if err := h.judge.ApplyVerdict(ctx, h.ks, "t1", task.VerdictApprove); err != nil {
		t.Fatalf("apply verdict: %v", err)
	}

	st, err := h.campaigns.Read(ctx, h.ks, "c1")
	if err != nil {
		t.Fatalf("read campaign: %v", err)
	}
	if st.BudgetRemainingUSDC != 45 {
		t.Fatalf("expected budget decremented to 45, got %v", st.BudgetRemainingUSDC)
	}

	item, err := h.hitlGate.Get(ctx, h.ks, "t1")
	if err != nil {
		t.Fatalf("get hitl item: %v", err)
	}
	if item.Status != task.HITLApproved {
		t.Fatalf("expected resolved status approved, got %s", item.Status)
	}
}

func TestJudge_RecoverPendingCommits_ResumesStrandedCommit(t *testing.T) {
	ctx := context.Background()
	h := newHarness(Config{})

	if _, err := h.campaigns.Create(ctx, h.ks, campaign.State{
		CampaignID:          "c1",
		TenantID:            "tenant-a",
		BudgetRemainingUSDC: 100,
	}); err != nil {
		t.Fatalf("create campaign: %v", err)
	}

	strandedTask := task.Task{TaskID: "t1", TenantID: "tenant-a", CampaignID: "c1", State: task.StatePendingCommit}
	strandedResult := task.Result{TaskID: "t1", Status: task.StatusSuccess, Confidence: 0.95, CostUSDC: 5}
	if err := h.judge.writeRecord(ctx, h.ks, strandedTask, strandedResult); err != nil {
		t.Fatalf("write stranded record: %v", err)
	}
	if err := h.backing.ZAdd(ctx, h.ks.PendingCommits(), 1, "t1"); err != nil {
		t.Fatalf("index stranded record: %v", err)
	}

	n, err := h.judge.RecoverPendingCommits(ctx, h.ks)
	if err != nil {
		t.Fatalf("recover: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 recovered, got %d", n)
	}

	st, err := h.campaigns.Read(ctx, h.ks, "c1")
	if err != nil {
		t.Fatalf("read campaign: %v", err)
	}
	if st.BudgetRemainingUSDC != 95 {
		t.Fatalf("expected budget decremented to 95, got %v", st.BudgetRemainingUSDC)
	}

	depth, _ := h.backing.ZLen(ctx, h.ks.PendingCommits())
	if depth != 0 {
		t.Fatalf("expected pending-commit index cleared after recovery, got depth %d", depth)
	}
}

// contendingStore fails CompareAndSwap on one key a fixed number of times,
// simulating a competing Judge bumping the campaign version between this
// Judge's read and its conditional write.
type contendingStore struct {
	store.Store
	key      string
	failures int
}

func (s *contendingStore) CompareAndSwap(ctx context.Context, key string, expectedVersion int64, newData []byte, ttl time.Duration) (int64, error) {
	if key == s.key && s.failures > 0 {
		s.failures--
		cur, _ := s.Store.Get(ctx, key)
		return 0, &store.ConflictError{Current: cur}
	}
	return s.Store.CompareAndSwap(ctx, key, expectedVersion, newData, ttl)
}

func newContendingHarness(cfg Config) (harness, *contendingStore) {
	ks := keyspace.New("tenant-a")
	backing := &contendingStore{Store: store.NewMemoryStore(), key: ks.Campaign("c1"), failures: 0}
	h := harness{
		reviewQueue: queue.NewReviewQueue(backing),
		taskQueue:   queue.NewTaskQueue(backing),
		hitlGate:    hitl.New(backing),
		campaigns:   campaign.New(backing),
		ks:          ks,
	}
	h.judge = New(h.reviewQueue, h.taskQueue, h.hitlGate, h.campaigns, backing, LogAuditSink{Logger: testLogger()}, testLogger(), cfg)
	return h, backing
}

func TestJudge_CommitRetriesThroughOCCConflict(t *testing.T) {
	ctx := context.Background()
	h, backing := newContendingHarness(Config{})

	if _, err := h.campaigns.Create(ctx, h.ks, campaign.State{
		CampaignID:          "c1",
		TenantID:            "tenant-a",
		BudgetRemainingUSDC: 100,
	}); err != nil {
		t.Fatalf("create campaign: %v", err)
	}
	backing.failures = 2

	tk := task.Task{TaskID: "t1", TenantID: "tenant-a", CampaignID: "c1", Priority: task.PriorityHigh}
	result := task.Result{TaskID: "t1", TenantID: "tenant-a", Status: task.StatusSuccess, Confidence: 0.95, CostUSDC: 10}
	if err := h.judge.commitWithRetry(ctx, h.ks, tk, result); err != nil {
		t.Fatalf("commit with retry: %v", err)
	}

	st, err := h.campaigns.Read(ctx, h.ks, "c1")
	if err != nil {
		t.Fatalf("read campaign: %v", err)
	}
	if st.BudgetRemainingUSDC != 90 {
		t.Fatalf("expected a single budget decrement to 90 despite retries, got %v", st.BudgetRemainingUSDC)
	}
	if st.Version != 2 {
		t.Fatalf("expected exactly one version bump to 2, got %d", st.Version)
	}
}

func TestJudge_CommitEscalatesAfterOCCRetriesExhausted(t *testing.T) {
	ctx := context.Background()
	h, backing := newContendingHarness(Config{MaxOCCRetries: 2})

	if _, err := h.campaigns.Create(ctx, h.ks, campaign.State{
		CampaignID:          "c1",
		TenantID:            "tenant-a",
		BudgetRemainingUSDC: 100,
	}); err != nil {
		t.Fatalf("create campaign: %v", err)
	}
	backing.failures = 100

	tk := task.Task{TaskID: "t1", TenantID: "tenant-a", CampaignID: "c1", Priority: task.PriorityHigh}
	result := task.Result{TaskID: "t1", TenantID: "tenant-a", Status: task.StatusSuccess, Confidence: 0.95, CostUSDC: 10}
	if err := h.judge.commitWithRetry(ctx, h.ks, tk, result); err != nil {
		t.Fatalf("commit with retry: %v", err)
	}

	item, err := h.hitlGate.Get(ctx, h.ks, "t1")
	if err != nil {
		t.Fatalf("expected a HITL item after contention escalation: %v", err)
	}
	if item.Reason != task.ReasonOCCContention {
		t.Fatalf("expected occ_contention reason, got %s", item.Reason)
	}

	st, err := h.campaigns.Read(ctx, h.ks, "c1")
	if err != nil {
		t.Fatalf("read campaign: %v", err)
	}
	if st.BudgetRemainingUSDC != 100 {
		t.Fatalf("escalated commit must not decrement budget, got %v", st.BudgetRemainingUSDC)
	}
}
