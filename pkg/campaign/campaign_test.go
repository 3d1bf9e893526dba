package campaign

import (
	"context"
	"errors"
	"testing"

	"github.com/wisbric/agentfleet/pkg/keyspace"
	"github.com/wisbric/agentfleet/pkg/store"
)

func TestStore_CreateAndRead(t *testing.T) {
	ctx := context.Background()
	ks := keyspace.New("t1")
	s := New(store.NewMemoryStore())

	created, err := s.Create(ctx, ks, State{CampaignID: "c1", TenantID: "t1", Goals: []string{"AI agents"}, BudgetRemainingUSDC: 100})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if created.Version != 1 {
		t.Fatalf("expected initial version 1, got %d", created.Version)
	}

	got, err := s.Read(ctx, ks, "c1")
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if got.Version != 1 || len(got.Goals) != 1 || got.Goals[0] != "AI agents" {
		t.Fatalf("unexpected state read back: %+v", got)
	}
}

func TestStore_ReadMissingReturnsErrNotFound(t *testing.T) {
	ctx := context.Background()
	ks := keyspace.New("t1")
	s := New(store.NewMemoryStore())

	_, err := s.Read(ctx, ks, "does-not-exist")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

// TestStore_OCCConflict verifies serializable commits: given two
// concurrent commits both built against the same read version, exactly one
// succeeds at V+1 and the other observes ErrConflict.
func TestStore_OCCConflict(t *testing.T) {
	ctx := context.Background()
	ks := keyspace.New("t1")
	s := New(store.NewMemoryStore())

	base, err := s.Create(ctx, ks, State{CampaignID: "c1", TenantID: "t1", BudgetRemainingUSDC: 100})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	readAgain, err := s.Read(ctx, ks, "c1")
	if err != nil {
		t.Fatalf("second read: %v", err)
	}
	if readAgain.Version != base.Version {
		t.Fatalf("both readers should observe version %d, got %d", base.Version, readAgain.Version)
	}

	proposalA := base
	proposalA.BudgetRemainingUSDC -= 5

	proposalB := readAgain
	proposalB.BudgetRemainingUSDC -= 8

	committedA, err := s.Commit(ctx, ks, proposalA)
	if err != nil {
		t.Fatalf("first commit should win: %v", err)
	}
	if committedA.Version != base.Version+1 {
		t.Fatalf("expected winning commit at version %d, got %d", base.Version+1, committedA.Version)
	}

	_, err = s.Commit(ctx, ks, proposalB)
	if !errors.Is(err, ErrConflict) {
		t.Fatalf("expected second concurrent commit to conflict, got %v", err)
	}

	// Re-read and retry, the required recovery for a conflicted caller.
	fresh, err := s.Read(ctx, ks, "c1")
	if err != nil {
		t.Fatalf("re-read after conflict: %v", err)
	}
	proposalB = fresh
	proposalB.BudgetRemainingUSDC -= 8
	retried, err := s.Commit(ctx, ks, proposalB)
	if err != nil {
		t.Fatalf("retried commit should succeed: %v", err)
	}
	if retried.Version != base.Version+2 {
		t.Fatalf("expected retried commit at version %d, got %d", base.Version+2, retried.Version)
	}
	if retried.BudgetRemainingUSDC != 100-5-8 {
		t.Fatalf("expected cumulative budget decrement, got %v", retried.BudgetRemainingUSDC)
	}
}

func TestStore_AppendGoalsBumpsVersion(t *testing.T) {
	ctx := context.Background()
	ks := keyspace.New("t1")
	s := New(store.NewMemoryStore())

	if _, err := s.Create(ctx, ks, State{CampaignID: "c1", TenantID: "t1"}); err != nil {
		t.Fatalf("create: %v", err)
	}

	got, err := s.AppendGoals(ctx, ks, "c1", []string{"new goal"}, 5)
	if err != nil {
		t.Fatalf("append goals: %v", err)
	}
	if len(got.Goals) != 1 || got.Goals[0] != "new goal" {
		t.Fatalf("unexpected goals: %+v", got.Goals)
	}
	if got.Version != 2 {
		t.Fatalf("expected version bumped to 2, got %d", got.Version)
	}
}
