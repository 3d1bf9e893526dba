package queue

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/wisbric/agentfleet/pkg/store"
	"github.com/wisbric/agentfleet/pkg/task"
)

func TestQueue_PriorityMonotonicity(t *testing.T) {
	ctx := context.Background()
	q := NewTaskQueue(store.NewMemoryStore())

	low := task.Task{TaskID: "low", Priority: task.PriorityLow}
	med := task.Task{TaskID: "med", Priority: task.PriorityMedium}
	high := task.Task{TaskID: "high", Priority: task.PriorityHigh}

	for _, tk := range []task.Task{low, med, high} {
		if err := q.Enqueue(ctx, "q", tk, tk.Priority); err != nil {
			t.Fatalf("enqueue: %v", err)
		}
	}

	popped, ok, err := q.Pop(ctx, "q", time.Minute)
	if err != nil || !ok {
		t.Fatalf("pop: ok=%v err=%v", ok, err)
	}
	if popped.Payload.TaskID != "high" {
		t.Fatalf("expected high-priority task first, got %s", popped.Payload.TaskID)
	}
}

func TestQueue_AckRemovesItem(t *testing.T) {
	ctx := context.Background()
	q := NewTaskQueue(store.NewMemoryStore())

	_ = q.Enqueue(ctx, "q", task.Task{TaskID: "t1", Priority: task.PriorityMedium}, task.PriorityMedium)
	popped, ok, _ := q.Pop(ctx, "q", time.Minute)
	if !ok {
		t.Fatal("expected an item to pop")
	}
	if err := q.Ack(ctx, "q", popped.Token); err != nil {
		t.Fatalf("ack: %v", err)
	}
	if err := q.Ack(ctx, "q", popped.Token); !errors.Is(err, ErrLeaseExpired) {
		t.Fatalf("second ack should fail with ErrLeaseExpired, got %v", err)
	}
}

func TestQueue_NackRequeueIncrementsAttempt(t *testing.T) {
	ctx := context.Background()
	q := NewTaskQueue(store.NewMemoryStore())

	_ = q.Enqueue(ctx, "q", task.Task{TaskID: "t1", Priority: task.PriorityMedium, Attempt: 0}, task.PriorityMedium)
	popped, _, _ := q.Pop(ctx, "q", time.Minute)
	if err := q.Nack(ctx, "q", popped.Token, true, task.PriorityMedium); err != nil {
		t.Fatalf("nack: %v", err)
	}

	popped2, ok, _ := q.Pop(ctx, "q", time.Minute)
	if !ok {
		t.Fatal("expected requeued item to be poppable")
	}
	if popped2.Payload.Attempt != 1 {
		t.Fatalf("expected attempt incremented to 1, got %d", popped2.Payload.Attempt)
	}
}

func TestQueue_ReapExpiredLease(t *testing.T) {
	ctx := context.Background()
	backing := store.NewMemoryStore()
	q := NewTaskQueue(backing)
	now := time.Now()
	backing.SetClock(func() time.Time { return now })
	q.SetClock(func() time.Time { return now })

	_ = q.Enqueue(ctx, "q", task.Task{TaskID: "t1", Priority: task.PriorityHigh, Attempt: 0}, task.PriorityHigh)
	_, ok, _ := q.Pop(ctx, "q", 30*time.Second)
	if !ok {
		t.Fatal("expected a pop")
	}

	// Nothing to reap yet.
	n, err := q.Reap(ctx, "q")
	if err != nil || n != 0 {
		t.Fatalf("expected nothing reaped yet: n=%d err=%v", n, err)
	}

	now = now.Add(31 * time.Second)
	n, err = q.Reap(ctx, "q")
	if err != nil || n != 1 {
		t.Fatalf("expected one item reaped: n=%d err=%v", n, err)
	}

	popped, ok, _ := q.Pop(ctx, "q", time.Minute)
	if !ok {
		t.Fatal("expected reaped item to be visible again")
	}
	if popped.Payload.Attempt != 1 {
		t.Fatalf("expected attempt incremented after reap, got %d", popped.Payload.Attempt)
	}
}

func TestQueue_EnqueueBatchAllOrNothing(t *testing.T) {
	ctx := context.Background()
	q := NewTaskQueue(store.NewMemoryStore())

	batch := []Batch[task.Task]{
		{Payload: task.Task{TaskID: "a", Priority: task.PriorityHigh}, Priority: task.PriorityHigh},
		{Payload: task.Task{TaskID: "b", Priority: task.PriorityMedium}, Priority: task.PriorityMedium},
		{Payload: task.Task{TaskID: "c", Priority: task.PriorityMedium}, Priority: task.PriorityMedium},
	}
	if err := q.EnqueueBatch(ctx, "q", batch); err != nil {
		t.Fatalf("enqueue batch: %v", err)
	}

	depth, err := q.Depth(ctx, "q")
	if err != nil || depth != 3 {
		t.Fatalf("expected depth 3, got %d err=%v", depth, err)
	}
}

func TestQueue_ReviewQueueCarriesResultEnvelope(t *testing.T) {
	ctx := context.Background()
	q := NewReviewQueue(store.NewMemoryStore())

	item := task.ReviewItem{
		Task:   task.Task{TaskID: "t1", Priority: task.PriorityMedium},
		Result: task.Result{TaskID: "t1", Status: task.StatusSuccess, Confidence: 0.95},
	}
	if err := q.Enqueue(ctx, "q", item, task.PriorityMedium); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	popped, ok, err := q.Pop(ctx, "q", time.Minute)
	if err != nil || !ok {
		t.Fatalf("pop: ok=%v err=%v", ok, err)
	}
	if popped.Payload.Result.Confidence != 0.95 {
		t.Fatalf("expected result envelope preserved, got %+v", popped.Payload)
	}
}
