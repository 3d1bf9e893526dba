package queue

import (
	"github.com/wisbric/agentfleet/pkg/store"
	"github.com/wisbric/agentfleet/pkg/task"
)

// incrementTaskAttempt is queue:task's attempt-bump: on redelivery the
// Task returns to pending with attempt+1.
func incrementTaskAttempt(t task.Task) task.Task {
	t.Attempt++
	t.State = task.StatePending
	return t
}

// incrementReviewAttempt applies the same bump to the Task carried inside a
// ReviewItem, so queue:review's lease-expiry redelivery stays consistent
// with queue:task's.
func incrementReviewAttempt(r task.ReviewItem) task.ReviewItem {
	r.Task.Attempt++
	return r
}

// NewTaskQueue returns the Queue instance backing queue:task.
func NewTaskQueue(backing store.Store) *Queue[task.Task] {
	return New(backing, incrementTaskAttempt)
}

// NewReviewQueue returns the Queue instance backing queue:review.
func NewReviewQueue(backing store.Store) *Queue[task.ReviewItem] {
	return New(backing, incrementReviewAttempt)
}
