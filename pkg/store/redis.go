package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStore implements Store on top of go-redis: sorted sets for the
// priority queues, hashes for versioned values, lists for FIFO queues, and
// TTL keys for the budget ledger and dedup set. Compare-and-swap is
// emulated with a Lua script since Redis has no native versioned-value
// primitive.
type RedisStore struct {
	rdb *redis.Client
}

// NewRedisStore wraps an already-connected redis.Client.
func NewRedisStore(rdb *redis.Client) *RedisStore {
	return &RedisStore{rdb: rdb}
}

// NewRedisStoreFromURL parses redisURL, connects, and pings it.
func NewRedisStoreFromURL(ctx context.Context, redisURL string) (*RedisStore, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parsing redis URL: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("pinging redis: %w", err)
	}
	return &RedisStore{rdb: client}, nil
}

const (
	versionField = "v"
	dataField    = "d"
)

var casScript = redis.NewScript(`
local cur = redis.call('HGET', KEYS[1], 'v')
local curVersion = 0
if cur then curVersion = tonumber(cur) end
if curVersion ~= tonumber(ARGV[1]) then
	local curData = redis.call('HGET', KEYS[1], 'd')
	if curData == false then curData = '' end
	return {curVersion, curData}
end
local newVersion = curVersion + 1
redis.call('HSET', KEYS[1], 'v', newVersion, 'd', ARGV[2])
local ttlMs = tonumber(ARGV[3])
if ttlMs > 0 then
	redis.call('PEXPIRE', KEYS[1], ttlMs)
end
return {newVersion, false}
`)

var incrByFloatCappedScript = redis.NewScript(`
local cur = tonumber(redis.call('GET', KEYS[1]) or '0')
local delta = tonumber(ARGV[1])
local cap = tonumber(ARGV[2])
if cur + delta > cap then
	return {tostring(cur), 0}
end
local existed = redis.call('EXISTS', KEYS[1])
local new = redis.call('INCRBYFLOAT', KEYS[1], ARGV[1])
if existed == 0 then
	local ttlMs = tonumber(ARGV[3])
	if ttlMs > 0 then
		redis.call('PEXPIRE', KEYS[1], ttlMs)
	end
end
return {new, 1}
`)

var incrByFloatScript = redis.NewScript(`
local existed = redis.call('EXISTS', KEYS[1])
local new = redis.call('INCRBYFLOAT', KEYS[1], ARGV[1])
if existed == 0 then
	local ttlMs = tonumber(ARGV[2])
	if ttlMs > 0 then
		redis.call('PEXPIRE', KEYS[1], ttlMs)
	end
end
return tostring(new)
`)

func wrapErr(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, redis.Nil) {
		return ErrNotFound
	}
	return fmt.Errorf("%w: %s", ErrUnavailable, err)
}

func (s *RedisStore) Get(ctx context.Context, key string) (Value, error) {
	res, err := s.rdb.HMGet(ctx, key, versionField, dataField).Result()
	if err != nil {
		return Value{}, wrapErr(err)
	}
	if res[0] == nil || res[1] == nil {
		return Value{}, ErrNotFound
	}
	version, data, err := parseHMGet(res)
	if err != nil {
		return Value{}, err
	}
	return Value{Data: data, Version: version}, nil
}

func parseHMGet(res []interface{}) (int64, []byte, error) {
	vStr, ok := res[0].(string)
	if !ok {
		return 0, nil, fmt.Errorf("store: malformed version field")
	}
	var version int64
	if _, err := fmt.Sscanf(vStr, "%d", &version); err != nil {
		return 0, nil, fmt.Errorf("store: parsing version: %w", err)
	}
	dStr, _ := res[1].(string)
	return version, []byte(dStr), nil
}

func (s *RedisStore) Put(ctx context.Context, key string, data []byte, ttl time.Duration) error {
	pipe := s.rdb.TxPipeline()
	pipe.HSet(ctx, key, versionField, 1, dataField, data)
	if ttl > 0 {
		pipe.PExpire(ctx, key, ttl)
	} else {
		pipe.Persist(ctx, key)
	}
	_, err := pipe.Exec(ctx)
	return wrapErr(err)
}

func (s *RedisStore) CompareAndSwap(ctx context.Context, key string, expectedVersion int64, newData []byte, ttl time.Duration) (int64, error) {
	res, err := casScript.Run(ctx, s.rdb, []string{key}, expectedVersion, newData, ttl.Milliseconds()).Slice()
	if err != nil {
		return 0, wrapErr(err)
	}
	newVersion, ok := res[0].(int64)
	if !ok {
		return 0, fmt.Errorf("store: unexpected CAS script result")
	}
	if curData, isConflict := res[1].(string); isConflict && newVersion != expectedVersion {
		return 0, &ConflictError{Current: Value{Data: []byte(curData), Version: newVersion}}
	}
	return newVersion, nil
}

func (s *RedisStore) Delete(ctx context.Context, key string) error {
	return wrapErr(s.rdb.Del(ctx, key).Err())
}

func (s *RedisStore) ZAdd(ctx context.Context, key string, score float64, member string) error {
	return wrapErr(s.rdb.ZAdd(ctx, key, redis.Z{Score: score, Member: member}).Err())
}

func (s *RedisStore) ZPopMax(ctx context.Context, key string) (string, float64, error) {
	res, err := s.rdb.ZPopMax(ctx, key, 1).Result()
	if err != nil {
		return "", 0, wrapErr(err)
	}
	if len(res) == 0 {
		return "", 0, ErrEmpty
	}
	member, _ := res[0].Member.(string)
	return member, res[0].Score, nil
}

func (s *RedisStore) ZRem(ctx context.Context, key, member string) error {
	return wrapErr(s.rdb.ZRem(ctx, key, member).Err())
}

func (s *RedisStore) ZLen(ctx context.Context, key string) (int64, error) {
	n, err := s.rdb.ZCard(ctx, key).Result()
	return n, wrapErr(err)
}

func (s *RedisStore) ZRangeByScore(ctx context.Context, key string, maxScore float64, limit int64) ([]string, error) {
	res, err := s.rdb.ZRangeByScore(ctx, key, &redis.ZRangeBy{
		Min:   "-inf",
		Max:   fmt.Sprintf("%f", maxScore),
		Count: limit,
	}).Result()
	if err != nil {
		return nil, wrapErr(err)
	}
	return res, nil
}

func (s *RedisStore) RPush(ctx context.Context, key string, value []byte) error {
	return wrapErr(s.rdb.RPush(ctx, key, value).Err())
}

func (s *RedisStore) LPop(ctx context.Context, key string) ([]byte, error) {
	v, err := s.rdb.LPop(ctx, key).Bytes()
	if err != nil {
		return nil, wrapErr(err)
	}
	return v, nil
}

func (s *RedisStore) LRange(ctx context.Context, key string, offset, limit int64) ([][]byte, error) {
	res, err := s.rdb.LRange(ctx, key, offset, offset+limit-1).Result()
	if err != nil {
		return nil, wrapErr(err)
	}
	out := make([][]byte, len(res))
	for i, v := range res {
		out[i] = []byte(v)
	}
	return out, nil
}

func (s *RedisStore) LLen(ctx context.Context, key string) (int64, error) {
	n, err := s.rdb.LLen(ctx, key).Result()
	return n, wrapErr(err)
}

func (s *RedisStore) SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	ok, err := s.rdb.SetNX(ctx, key, value, ttl).Result()
	return ok, wrapErr(err)
}

func (s *RedisStore) IncrByFloat(ctx context.Context, key string, delta float64, ttlIfNew time.Duration) (float64, error) {
	res, err := incrByFloatScript.Run(ctx, s.rdb, []string{key}, delta, ttlIfNew.Milliseconds()).Text()
	if err != nil {
		return 0, wrapErr(err)
	}
	var total float64
	if _, err := fmt.Sscanf(res, "%g", &total); err != nil {
		return 0, fmt.Errorf("store: parsing INCRBYFLOAT result: %w", err)
	}
	return total, nil
}

func (s *RedisStore) IncrByFloatCapped(ctx context.Context, key string, delta, cap float64, ttlIfNew time.Duration) (float64, bool, error) {
	res, err := incrByFloatCappedScript.Run(ctx, s.rdb, []string{key}, delta, cap, ttlIfNew.Milliseconds()).Slice()
	if err != nil {
		return 0, false, wrapErr(err)
	}
	raw, _ := res[0].(string)
	var total float64
	if _, err := fmt.Sscanf(raw, "%g", &total); err != nil {
		return 0, false, fmt.Errorf("store: parsing capped increment result: %w", err)
	}
	applied, _ := res[1].(int64)
	return total, applied == 1, nil
}

func (s *RedisStore) TTL(ctx context.Context, key string) (time.Duration, error) {
	d, err := s.rdb.PTTL(ctx, key).Result()
	if err != nil {
		return 0, wrapErr(err)
	}
	// go-redis passes Redis's sentinel replies through untranslated:
	// -2 means the key does not exist, -1 means it has no expiry.
	if d == time.Duration(-2) {
		return 0, ErrNotFound
	}
	if d < 0 {
		return 0, nil
	}
	return d, nil
}

func (s *RedisStore) AtomicWrite(ctx context.Context, ops []WriteOp) error {
	pipe := s.rdb.TxPipeline()
	for _, op := range ops {
		switch op.Kind {
		case WriteOpPut:
			pipe.HSet(ctx, op.Key, versionField, 1, dataField, op.Data)
			if op.TTL > 0 {
				pipe.PExpire(ctx, op.Key, op.TTL)
			}
		case WriteOpZAdd:
			pipe.ZAdd(ctx, op.Key, redis.Z{Score: op.Score, Member: op.Member})
		default:
			return fmt.Errorf("store: unknown write op kind %q", op.Kind)
		}
	}
	_, err := pipe.Exec(ctx)
	return wrapErr(err)
}

func (s *RedisStore) Publish(ctx context.Context, channel string, payload []byte) error {
	return wrapErr(s.rdb.Publish(ctx, channel, payload).Err())
}

func (s *RedisStore) Subscribe(ctx context.Context, channel string) Subscription {
	pubsub := s.rdb.Subscribe(ctx, channel)
	out := make(chan []byte)
	go func() {
		defer close(out)
		for msg := range pubsub.Channel() {
			out <- []byte(msg.Payload)
		}
	}()
	return &redisSubscription{pubsub: pubsub, ch: out}
}

func (s *RedisStore) Ping(ctx context.Context) error {
	return wrapErr(s.rdb.Ping(ctx).Err())
}

func (s *RedisStore) Close() error {
	return s.rdb.Close()
}

type redisSubscription struct {
	pubsub *redis.PubSub
	ch     chan []byte
}

func (s *redisSubscription) Channel() <-chan []byte {
	return s.ch
}

func (s *redisSubscription) Close() error {
	return s.pubsub.Close()
}
