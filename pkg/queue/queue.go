// Package queue implements the priority queue and lease discipline on top
// of the Store contract. Leases are the sole mechanism for crash safety: a
// leased item is invisible to other poppers until acked, nacked, or its
// visibility timeout elapses, at which point Reap returns it to its queue
// with attempt incremented.
//
// Queue is generic over its payload — the enqueue/pop/ack/nack contract is
// payload-agnostic. queue:task carries task.Task; queue:review carries
// task.ReviewItem. An incrementAttempt callback lets each instantiation
// say what "attempt incremented on lease expiry" means for its payload
// type.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/wisbric/agentfleet/pkg/store"
	"github.com/wisbric/agentfleet/pkg/task"
)

// ErrLeaseExpired is returned by Ack/Nack when the lease token no longer
// refers to a held lease — either it was already acked/nacked, or its
// visibility timeout elapsed and Reap already returned the item to queue.
var ErrLeaseExpired = errors.New("queue: lease expired")

// scoreBits is 2^32, the magnitude of the composite ordering score:
// priority*2^32 + (2^32 - 1 - seq), so priority dominates and ties within a
// priority resolve to FIFO.
const scoreBits = 1 << 32

// item is the envelope stored for every queued payload, letting Reap
// rebuild the exact payload and priority on redelivery.
type item[T any] struct {
	Payload  T             `json:"payload"`
	Priority task.Priority `json:"priority"`
}

// lease is the record created by Pop and consulted by Ack/Nack/Reap.
type lease[T any] struct {
	Token    string    `json:"token"`
	ItemKey  string    `json:"item_key"`
	Item     item[T]   `json:"item"`
	LeasedAt time.Time `json:"leased_at"`
}

// Batch pairs a payload with the priority it should be enqueued at, for
// EnqueueBatch's all-or-nothing commit.
type Batch[T any] struct {
	Payload  T
	Priority task.Priority
}

// Queue drives enqueue/pop/ack/nack/reap over one Store for payload type T.
type Queue[T any] struct {
	backing          store.Store
	seq              atomic.Uint64
	incrementAttempt func(T) T
	clock            func() time.Time
}

// New wraps a Store backing. incrementAttempt defines what "attempt
// incremented" means for T when a lease expires or a Nack requests requeue;
// pass nil for payload types with no attempt concept (the payload is
// requeued unchanged).
func New[T any](backing store.Store, incrementAttempt func(T) T) *Queue[T] {
	if incrementAttempt == nil {
		incrementAttempt = func(t T) T { return t }
	}
	return &Queue[T]{backing: backing, incrementAttempt: incrementAttempt, clock: time.Now}
}

// SetClock overrides the queue's time source, letting tests drive lease
// expiry without sleeping — the same hook store.MemoryStore exposes.
func (q *Queue[T]) SetClock(fn func() time.Time) {
	q.clock = fn
}

func (q *Queue[T]) nextSeq() uint64 {
	return q.seq.Add(1)
}

func score(priority task.Priority, seq uint64) float64 {
	return float64(int64(priority)*scoreBits + int64(scoreBits-1-(seq%scoreBits)))
}

func itemKey(queueKey, id string) string {
	return fmt.Sprintf("%s:item:%s", queueKey, id)
}

func leaseKey(queueKey, token string) string {
	return fmt.Sprintf("%s:lease:%s", queueKey, token)
}

func inflightKey(queueKey string) string {
	return queueKey + ":inflight"
}

// Enqueue inserts payload into queueKey at priority. It never blocks and
// runs in O(log n) against the backing sorted collection.
func (q *Queue[T]) Enqueue(ctx context.Context, queueKey string, payload T, priority task.Priority) error {
	id := uuid.NewString()
	it := item[T]{Payload: payload, Priority: priority}
	data, err := json.Marshal(it)
	if err != nil {
		return fmt.Errorf("queue: marshaling item: %w", err)
	}
	if err := q.backing.Put(ctx, itemKey(queueKey, id), data, 0); err != nil {
		return fmt.Errorf("queue: storing item: %w", err)
	}
	if err := q.backing.ZAdd(ctx, queueKey, score(priority, q.nextSeq()), id); err != nil {
		return fmt.Errorf("queue: enqueueing: %w", err)
	}
	return nil
}

// Popped is the payload and lease token returned by Pop.
type Popped[T any] struct {
	Payload T
	Token   string
}

// EnqueueBatch inserts every entry in batch into queueKey as a single atomic
// unit: either all of them become visible or none do. This backs the
// Planner's all-or-nothing decomposition commit.
func (q *Queue[T]) EnqueueBatch(ctx context.Context, queueKey string, batch []Batch[T]) error {
	ops := make([]store.WriteOp, 0, len(batch)*2)
	for _, b := range batch {
		id := uuid.NewString()
		it := item[T]{Payload: b.Payload, Priority: b.Priority}
		data, err := json.Marshal(it)
		if err != nil {
			return fmt.Errorf("queue: marshaling batch item: %w", err)
		}
		ops = append(ops,
			store.WriteOp{Kind: store.WriteOpPut, Key: itemKey(queueKey, id), Data: data},
			store.WriteOp{Kind: store.WriteOpZAdd, Key: queueKey, Score: score(b.Priority, q.nextSeq()), Member: id},
		)
	}
	if err := q.backing.AtomicWrite(ctx, ops); err != nil {
		return fmt.Errorf("queue: enqueueing batch: %w", err)
	}
	return nil
}

// Pop removes and returns the highest-scoring payload in queueKey, leasing
// it for leaseDuration. Returns ok=false if the queue is empty.
func (q *Queue[T]) Pop(ctx context.Context, queueKey string, leaseDuration time.Duration) (Popped[T], bool, error) {
	var zero Popped[T]
	id, _, err := q.backing.ZPopMax(ctx, queueKey)
	if errors.Is(err, store.ErrEmpty) {
		return zero, false, nil
	}
	if err != nil {
		return zero, false, fmt.Errorf("queue: popping: %w", err)
	}

	ik := itemKey(queueKey, id)
	v, err := q.backing.Get(ctx, ik)
	if err != nil {
		return zero, false, fmt.Errorf("queue: reading popped item: %w", err)
	}
	var it item[T]
	if err := json.Unmarshal(v.Data, &it); err != nil {
		return zero, false, fmt.Errorf("queue: decoding popped item: %w", err)
	}

	token := uuid.NewString()
	l := lease[T]{Token: token, ItemKey: ik, Item: it, LeasedAt: q.clock()}
	ldata, err := json.Marshal(l)
	if err != nil {
		return zero, false, fmt.Errorf("queue: marshaling lease: %w", err)
	}
	if err := q.backing.Put(ctx, leaseKey(queueKey, token), ldata, 0); err != nil {
		return zero, false, fmt.Errorf("queue: recording lease: %w", err)
	}
	expiry := float64(q.clock().Add(leaseDuration).UnixNano())
	if err := q.backing.ZAdd(ctx, inflightKey(queueKey), expiry, token); err != nil {
		return zero, false, fmt.Errorf("queue: tracking lease expiry: %w", err)
	}

	return Popped[T]{Payload: it.Payload, Token: token}, true, nil
}

func (q *Queue[T]) readLease(ctx context.Context, queueKey, token string) (lease[T], error) {
	var zero lease[T]
	v, err := q.backing.Get(ctx, leaseKey(queueKey, token))
	if errors.Is(err, store.ErrNotFound) {
		return zero, ErrLeaseExpired
	}
	if err != nil {
		return zero, fmt.Errorf("queue: reading lease: %w", err)
	}
	var l lease[T]
	if err := json.Unmarshal(v.Data, &l); err != nil {
		return zero, fmt.Errorf("queue: decoding lease: %w", err)
	}
	return l, nil
}

func (q *Queue[T]) clearLease(ctx context.Context, queueKey, token string) error {
	if err := q.backing.Delete(ctx, leaseKey(queueKey, token)); err != nil {
		return err
	}
	return q.backing.ZRem(ctx, inflightKey(queueKey), token)
}

// Ack confirms successful processing and permanently removes the item.
// Returns ErrLeaseExpired if the token is stale.
func (q *Queue[T]) Ack(ctx context.Context, queueKey, token string) error {
	l, err := q.readLease(ctx, queueKey, token)
	if err != nil {
		return err
	}
	if err := q.clearLease(ctx, queueKey, token); err != nil {
		return fmt.Errorf("queue: clearing lease: %w", err)
	}
	return q.backing.Delete(ctx, l.ItemKey)
}

// Nack releases the lease. If requeue is true the item returns to queueKey
// at newPriority with attempt incremented (per the incrementAttempt callback); otherwise
// it is discarded. Returns ErrLeaseExpired if the token is stale.
func (q *Queue[T]) Nack(ctx context.Context, queueKey, token string, requeue bool, newPriority task.Priority) error {
	l, err := q.readLease(ctx, queueKey, token)
	if err != nil {
		return err
	}
	if err := q.clearLease(ctx, queueKey, token); err != nil {
		return fmt.Errorf("queue: clearing lease: %w", err)
	}
	if !requeue {
		return q.backing.Delete(ctx, l.ItemKey)
	}
	return q.requeue(ctx, queueKey, l.Item, newPriority)
}

func (q *Queue[T]) requeue(ctx context.Context, queueKey string, it item[T], newPriority task.Priority) error {
	it.Payload = q.incrementAttempt(it.Payload)
	it.Priority = newPriority
	data, err := json.Marshal(it)
	if err != nil {
		return fmt.Errorf("queue: marshaling requeued item: %w", err)
	}
	id := uuid.NewString()
	if err := q.backing.Put(ctx, itemKey(queueKey, id), data, 0); err != nil {
		return fmt.Errorf("queue: storing requeued item: %w", err)
	}
	return q.backing.ZAdd(ctx, queueKey, score(newPriority, q.nextSeq()), id)
}

// Reap scans queueKey's in-flight leases for ones whose visibility timeout
// has elapsed and returns each associated item to the queue with attempt
// incremented, exactly as if the lease holder had nacked with requeue=true.
// It returns the number of items reaped. Each long-running component calls
// this periodically (or on every pop) so a crashed instance never silently
// loses work.
func (q *Queue[T]) Reap(ctx context.Context, queueKey string) (int, error) {
	now := float64(q.clock().UnixNano())
	tokens, err := q.backing.ZRangeByScore(ctx, inflightKey(queueKey), now, 256)
	if err != nil {
		return 0, fmt.Errorf("queue: scanning expired leases: %w", err)
	}

	reaped := 0
	for _, token := range tokens {
		l, err := q.readLease(ctx, queueKey, token)
		if errors.Is(err, ErrLeaseExpired) {
			// Already acked/nacked concurrently; just drop the stale index entry.
			_ = q.backing.ZRem(ctx, inflightKey(queueKey), token)
			continue
		}
		if err != nil {
			return reaped, err
		}
		if err := q.clearLease(ctx, queueKey, token); err != nil {
			return reaped, fmt.Errorf("queue: clearing expired lease: %w", err)
		}
		if err := q.requeue(ctx, queueKey, l.Item, l.Item.Priority); err != nil {
			return reaped, fmt.Errorf("queue: requeueing reaped item: %w", err)
		}
		reaped++
	}
	return reaped, nil
}

// Depth returns the number of pending (not leased) items in queueKey.
func (q *Queue[T]) Depth(ctx context.Context, queueKey string) (int64, error) {
	return q.backing.ZLen(ctx, queueKey)
}

// InFlight returns the number of currently leased items for queueKey.
func (q *Queue[T]) InFlight(ctx context.Context, queueKey string) (int64, error) {
	return q.backing.ZLen(ctx, inflightKey(queueKey))
}
