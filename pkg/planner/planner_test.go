package planner

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/wisbric/agentfleet/pkg/campaign"
	"github.com/wisbric/agentfleet/pkg/keyspace"
	"github.com/wisbric/agentfleet/pkg/queue"
	"github.com/wisbric/agentfleet/pkg/store"
	"github.com/wisbric/agentfleet/pkg/task"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestDecompose_TrendGoal(t *testing.T) {
	tasks := Decompose("t1", "c1", "find trending topics in skincare")
	if len(tasks) != 3 {
		t.Fatalf("expected 3 tasks, got %d", len(tasks))
	}
	wantTypes := []task.Type{task.TypeAnalyzeTrends, task.TypeGenerateContent, task.TypePostContent}
	wantPriorities := []task.Priority{task.PriorityHigh, task.PriorityMedium, task.PriorityMedium}
	for i, tk := range tasks {
		if tk.TaskType != wantTypes[i] {
			t.Errorf("task %d: expected type %s, got %s", i, wantTypes[i], tk.TaskType)
		}
		if tk.Priority != wantPriorities[i] {
			t.Errorf("task %d: expected priority %d, got %d", i, wantPriorities[i], tk.Priority)
		}
	}
}

func TestDecompose_CommerceGoal(t *testing.T) {
	tasks := Decompose("t1", "c1", "complete the purchase for the featured bundle")
	if len(tasks) != 1 {
		t.Fatalf("expected 1 task, got %d", len(tasks))
	}
	if tasks[0].TaskType != task.TypeExecuteTransaction {
		t.Fatalf("expected execute_transaction, got %s", tasks[0].TaskType)
	}
	if tasks[0].Priority != task.PriorityLow {
		t.Fatalf("expected low priority, got %d", tasks[0].Priority)
	}
}

func TestDecompose_TrendAndCommerceGoal(t *testing.T) {
	tasks := Decompose("t1", "c1", "ride the viral trend into a direct purchase flow")
	if len(tasks) != 4 {
		t.Fatalf("expected 4 tasks, got %d", len(tasks))
	}
}

func TestDecompose_NoMatch(t *testing.T) {
	tasks := Decompose("t1", "c1", "say hello to our new followers")
	if len(tasks) != 0 {
		t.Fatalf("expected 0 tasks, got %d", len(tasks))
	}
}

func TestPlanner_PlanGoals_EnqueuesAtomically(t *testing.T) {
	ctx := context.Background()
	backing := store.NewMemoryStore()
	q := queue.NewTaskQueue(backing)
	campaigns := campaign.New(backing)
	p := New(q, campaigns, testLogger(), time.Millisecond, 10*time.Millisecond, 3)

	ks := keyspace.New("tenant-a")
	tasks, err := p.PlanGoals(ctx, ks, "camp-1", []string{"chase the trending hashtag", "say hi"})
	if err != nil {
		t.Fatalf("plan goals: %v", err)
	}
	if len(tasks) != 3 {
		t.Fatalf("expected 3 tasks enqueued, got %d", len(tasks))
	}

	depth, err := q.Depth(ctx, ks.TaskQueue())
	if err != nil || depth != 3 {
		t.Fatalf("expected queue depth 3, got %d err=%v", depth, err)
	}
}

func TestPlanner_PlanGoals_NoGoalsIsNoop(t *testing.T) {
	ctx := context.Background()
	backing := store.NewMemoryStore()
	q := queue.NewTaskQueue(backing)
	campaigns := campaign.New(backing)
	p := New(q, campaigns, testLogger(), time.Millisecond, 10*time.Millisecond, 3)

	ks := keyspace.New("tenant-a")
	tasks, err := p.PlanGoals(ctx, ks, "camp-1", nil)
	if err != nil {
		t.Fatalf("plan goals: %v", err)
	}
	if tasks != nil {
		t.Fatalf("expected no tasks, got %d", len(tasks))
	}
}

func TestPlanner_PlanCampaign_ReadsGoalsFromState(t *testing.T) {
	ctx := context.Background()
	backing := store.NewMemoryStore()
	q := queue.NewTaskQueue(backing)
	campaigns := campaign.New(backing)
	p := New(q, campaigns, testLogger(), time.Millisecond, 10*time.Millisecond, 3)

	ks := keyspace.New("tenant-a")
	if _, err := campaigns.Create(ctx, ks, campaign.State{
		CampaignID: "camp-1",
		TenantID:   "tenant-a",
		Goals:      []string{"ride the viral wave"},
	}); err != nil {
		t.Fatalf("create campaign: %v", err)
	}

	tasks, err := p.PlanCampaign(ctx, ks, "camp-1")
	if err != nil {
		t.Fatalf("plan campaign: %v", err)
	}
	if len(tasks) != 3 {
		t.Fatalf("expected 3 tasks, got %d", len(tasks))
	}
}
