// Package store defines the Store contract every AgentFleet component is
// built against: strongly-typed key/value with optimistic compare-and-swap,
// a sorted collection for priority queues, TTL'd keys, and pub/sub. It is
// the orchestrator's only persistence boundary. Two implementations are
// provided: a Redis-backed Store for production (redis.go) and an
// in-memory fake for unit tests (memory.go).
package store

import (
	"context"
	"errors"
	"time"
)

// Sentinel errors returned by Store implementations. Components check these
// with errors.Is rather than comparing strings.
var (
	// ErrNotFound is returned when a key/value entry does not exist.
	ErrNotFound = errors.New("store: key not found")
	// ErrVersionConflict is returned by CompareAndSwap when the caller's
	// expected version no longer matches the stored version.
	ErrVersionConflict = errors.New("store: version conflict")
	// ErrEmpty is returned by ZPopMax/LPop when the collection has no items.
	ErrEmpty = errors.New("store: collection empty")
	// ErrUnavailable wraps transport-level failures (timeouts, connection
	// refused) so callers can distinguish "store is down" from "key absent".
	ErrUnavailable = errors.New("store: unavailable")
)

// Value is a versioned key/value entry. Version starts at 1 on first Put and
// increments by exactly 1 on every successful CompareAndSwap.
type Value struct {
	Data    []byte
	Version int64
}

// Store is the contract every component depends on. Implementations must be
// safe for concurrent use by multiple goroutines and multiple processes.
type Store interface {
	// Get reads the current value and version for key. Returns ErrNotFound
	// if the key does not exist.
	Get(ctx context.Context, key string) (Value, error)

	// Put unconditionally writes value, creating or overwriting key, and
	// resets its version to 1. If ttl is non-zero the key expires after ttl.
	Put(ctx context.Context, key string, data []byte, ttl time.Duration) error

	// CompareAndSwap writes newData only if the stored version equals
	// expectedVersion, emulating compare-and-swap over a plain key/value
	// store by embedding the version alongside the data. Returns the new version on success, or
	// a *ConflictError that unwraps to ErrVersionConflict and carries the
	// current Value if the versions did not match. A missing key is treated as version 0.
	CompareAndSwap(ctx context.Context, key string, expectedVersion int64, newData []byte, ttl time.Duration) (int64, error)

	// Delete removes key. It is not an error if key does not exist.
	Delete(ctx context.Context, key string) error

	// ZAdd inserts or updates member in the sorted collection at key with
	// the given score, used to implement priority queues.
	ZAdd(ctx context.Context, key string, score float64, member string) error

	// ZPopMax atomically removes and returns the highest-scoring member of
	// the sorted collection at key. Returns ErrEmpty if key has no members.
	ZPopMax(ctx context.Context, key string) (member string, score float64, err error)

	// ZRem removes member from the sorted collection at key if present.
	ZRem(ctx context.Context, key, member string) error

	// ZLen returns the number of members in the sorted collection at key.
	ZLen(ctx context.Context, key string) (int64, error)

	// ZRangeByScore returns up to limit members of the sorted collection at
	// key whose score is <= maxScore, ascending by score, without removing
	// them; limit <= 0 means no limit. Used by the lease reaper to find
	// expired leases and by the boot-time pending-commit scan.
	ZRangeByScore(ctx context.Context, key string, maxScore float64, limit int64) ([]string, error)

	// RPush appends value to the FIFO list at key (used by the HITL queue).
	RPush(ctx context.Context, key string, value []byte) error

	// LPop removes and returns the oldest value in the FIFO list at key.
	// Returns ErrEmpty if the list has no entries.
	LPop(ctx context.Context, key string) ([]byte, error)

	// LRange returns up to limit values starting at offset, oldest first,
	// without removing them — used for paginated HITL listings.
	LRange(ctx context.Context, key string, offset, limit int64) ([][]byte, error)

	// LLen returns the number of entries in the FIFO list at key.
	LLen(ctx context.Context, key string) (int64, error)

	// SetNX writes value to key only if key does not already exist, and
	// applies ttl regardless of outcome to a freshly-created key. Returns
	// true if the write happened. Used for the Perception dedup set.
	SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error)

	// IncrByFloat atomically adds delta to the float stored at key, creating
	// it at 0 (then applying ttlIfNew) if absent, and returns the new total.
	IncrByFloat(ctx context.Context, key string, delta float64, ttlIfNew time.Duration) (float64, error)

	// IncrByFloatCapped atomically adds delta to the float stored at key
	// only if the resulting total would not exceed cap, creating the key at
	// 0 (then applying ttlIfNew) if absent. It returns the total after the
	// call and ok=true on success, or the unchanged total and ok=false when
	// the write was refused. Check-then-increment as two separate calls
	// would let concurrent writers race past the cap; this is the Budget
	// Ledger's single-round-trip alternative.
	IncrByFloatCapped(ctx context.Context, key string, delta, cap float64, ttlIfNew time.Duration) (float64, bool, error)

	// TTL returns the remaining time-to-live of key, or zero if key has no
	// expiry, or ErrNotFound if key does not exist.
	TTL(ctx context.Context, key string) (time.Duration, error)

	// Publish broadcasts payload on channel to current subscribers.
	Publish(ctx context.Context, channel string, payload []byte) error

	// Subscribe returns a Subscription delivering messages published on
	// channel. Callers must call Close when done.
	Subscribe(ctx context.Context, channel string) Subscription

	// AtomicWrite applies every op in ops as a single atomic unit — either
	// all of its Put/ZAdd writes are visible or none are. Backs the
	// Planner's all-or-nothing task-batch enqueue. Every key referenced by
	// ops must share the same tenant prefix.
	AtomicWrite(ctx context.Context, ops []WriteOp) error

	// Ping verifies connectivity to the backing service.
	Ping(ctx context.Context) error

	// Close releases any held resources.
	Close() error
}

// WriteOpKind discriminates the operations AtomicWrite accepts.
type WriteOpKind string

const (
	// WriteOpPut unconditionally sets Key to Data with the given TTL.
	WriteOpPut WriteOpKind = "put"
	// WriteOpZAdd inserts Member into the sorted collection at Key at Score.
	WriteOpZAdd WriteOpKind = "zadd"
)

// WriteOp is one operation within an AtomicWrite batch.
type WriteOp struct {
	Kind   WriteOpKind
	Key    string
	Data   []byte
	TTL    time.Duration
	Score  float64
	Member string
}

// Subscription delivers pub/sub messages for one channel.
type Subscription interface {
	// Channel returns a channel of raw message payloads. It is closed when
	// the subscription is closed or the connection is lost.
	Channel() <-chan []byte
	// Close ends the subscription.
	Close() error
}

// ConflictError carries the Value actually stored when CompareAndSwap fails,
// so callers can re-read without a second round trip.
type ConflictError struct {
	Current Value
}

func (e *ConflictError) Error() string {
	return ErrVersionConflict.Error()
}

func (e *ConflictError) Unwrap() error {
	return ErrVersionConflict
}
