// Package coordinator implements the Coordinator Adapter:
// key-value state, pub/sub, distributed locks, and an atomic token bucket,
// all against Redis.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Coordinator is the capability interface production and test code program
// against.
type Coordinator interface {
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	Del(ctx context.Context, key string) error
	IncrWithTTL(ctx context.Context, key string, ttl time.Duration) (int64, error)
	BufferAppend(ctx context.Context, key, value string, maxLen int, ttl time.Duration) ([]string, error)
	Publish(ctx context.Context, topic, payload string) error
	Subscribe(ctx context.Context, topic string) (<-chan string, func() error)
	TryLock(ctx context.Context, name, owner string, ttl time.Duration) (bool, error)
	RefreshLock(ctx context.Context, name, owner string, ttl time.Duration) (bool, error)
	ReleaseLock(ctx context.Context, name, owner string) error
	TokenBucket(ctx context.Context, key string, rate, burst float64, cost int) (TokenBucketResult, error)
	Ping(ctx context.Context) error
}

// Adapter is the production Coordinator backed by go-redis.
type Adapter struct {
	rdb *redis.Client
}

// New constructs an Adapter from a pre-connected Redis client.
func New(rdb *redis.Client) *Adapter {
	return &Adapter{rdb: rdb}
}

// Connect parses redisURL and pings the server before returning.
func Connect(ctx context.Context, redisURL string) (*Adapter, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parsing coordinator URL: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("pinging coordinator: %w", err)
	}
	return New(client), nil
}

func (a *Adapter) Ping(ctx context.Context) error {
	return a.rdb.Ping(ctx).Err()
}

func (a *Adapter) Get(ctx context.Context, key string) (string, bool, error) {
	v, err := a.rdb.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return v, true, nil
}

func (a *Adapter) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	return a.rdb.Set(ctx, key, value, ttl).Err()
}

func (a *Adapter) Del(ctx context.Context, key string) error {
	return a.rdb.Del(ctx, key).Err()
}

// IncrWithTTL increments key and sets its TTL only on the first increment,
// so a key's expiry window starts at its first hit and never resets.
func (a *Adapter) IncrWithTTL(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	pipe := a.rdb.Pipeline()
	incr := pipe.Incr(ctx, key)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("incrementing %s: %w", key, err)
	}
	if incr.Val() == 1 {
		a.rdb.Expire(ctx, key, ttl)
	}
	return incr.Val(), nil
}

// BufferAppend appends value to the list at key, trims it to the most
// recent maxLen entries, refreshes its TTL, and returns the trimmed list in
// insertion order. Used to accumulate a bounded event_id buffer per
// streaming-rule window bucket.
func (a *Adapter) BufferAppend(ctx context.Context, key, value string, maxLen int, ttl time.Duration) ([]string, error) {
	pipe := a.rdb.Pipeline()
	pipe.RPush(ctx, key, value)
	pipe.LTrim(ctx, key, int64(-maxLen), -1)
	pipe.Expire(ctx, key, ttl)
	lrange := pipe.LRange(ctx, key, 0, -1)
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("appending to buffer %s: %w", key, err)
	}
	return lrange.Val(), nil
}

func (a *Adapter) Publish(ctx context.Context, topic, payload string) error {
	return a.rdb.Publish(ctx, topic, payload).Err()
}

// Subscribe returns a channel of payloads for topic and a close function.
// The channel is closed when the subscription is closed or the context is
// cancelled.
func (a *Adapter) Subscribe(ctx context.Context, topic string) (<-chan string, func() error) {
	sub := a.rdb.Subscribe(ctx, topic)
	out := make(chan string)

	go func() {
		defer close(out)
		ch := sub.Channel()
		for {
			select {
			case msg, ok := <-ch:
				if !ok {
					return
				}
				select {
				case out <- msg.Payload:
				case <-ctx.Done():
					return
				}
			case <-ctx.Done():
				return
			}
		}
	}()

	return out, sub.Close
}

const lockKeyPrefix = "lock:"

// TryLock acquires a named lock, storing owner as the value so only the
// holder can release or refresh it.
func (a *Adapter) TryLock(ctx context.Context, name, owner string, ttl time.Duration) (bool, error) {
	ok, err := a.rdb.SetNX(ctx, lockKeyPrefix+name, owner, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("acquiring lock %s: %w", name, err)
	}
	return ok, nil
}

var refreshLockScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
else
	return 0
end
`)

// RefreshLock extends a lock's TTL only if owner still holds it.
func (a *Adapter) RefreshLock(ctx context.Context, name, owner string, ttl time.Duration) (bool, error) {
	res, err := refreshLockScript.Run(ctx, a.rdb, []string{lockKeyPrefix + name}, owner, ttl.Milliseconds()).Int64()
	if err != nil {
		return false, fmt.Errorf("refreshing lock %s: %w", name, err)
	}
	return res == 1, nil
}

var releaseLockScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
else
	return 0
end
`)

// ReleaseLock deletes a lock only if owner still holds it, preventing a
// stale holder (after TTL expiry and reacquisition by another owner) from
// releasing someone else's lock.
func (a *Adapter) ReleaseLock(ctx context.Context, name, owner string) error {
	_, err := releaseLockScript.Run(ctx, a.rdb, []string{lockKeyPrefix + name}, owner).Int64()
	if err != nil {
		return fmt.Errorf("releasing lock %s: %w", name, err)
	}
	return nil
}

// NewOwnerToken generates a fresh opaque owner token for lock acquisition.
func NewOwnerToken() string {
	return uuid.New().String()
}

// TokenBucketResult is the outcome of a token bucket check.
type TokenBucketResult struct {
	Allowed bool
	RetryAfterMs int64
	TokensLeft float64
}

// tokenBucketScript implements an atomic token bucket: KEYS[1] is a hash
// with fields "tokens" and "ts" (last refill, ms). Refill is computed from elapsed time at the
// given rate, capped at burst, then cost is deducted if sufficient tokens
// remain. Executed server-side so the read-compute-write is atomic.
var tokenBucketScript = redis.NewScript(`
local key = KEYS[1]
local rate = tonumber(ARGV[1])
local burst = tonumber(ARGV[2])
local cost = tonumber(ARGV[3])
local now_ms = tonumber(ARGV[4])

local state = redis.call("HMGET", key, "tokens", "ts")
local tokens = tonumber(state[1])
local ts = tonumber(state[2])

if tokens == nil then
	tokens = burst
	ts = now_ms
end

local elapsed_ms = math.max(0, now_ms - ts)
tokens = math.min(burst, tokens + (elapsed_ms / 1000.0) * rate)

local allowed = 0
local retry_after_ms = 0
if tokens >= cost then
	tokens = tokens - cost
	allowed = 1
else
	local deficit = cost - tokens
	if rate > 0 then
		retry_after_ms = math.ceil((deficit / rate) * 1000.0)
	else
		retry_after_ms = -1
	end
end

redis.call("HMSET", key, "tokens", tostring(tokens), "ts", tostring(now_ms))
redis.call("PEXPIRE", key, math.ceil((burst / math.max(rate, 0.001)) * 1000.0) + 1000)

return {allowed, retry_after_ms, tostring(tokens)}
`)

// TokenBucket invokes the atomic Lua token bucket. now is supplied by the
// caller (not computed inside the script) so tests can drive deterministic
// time.
func (a *Adapter) TokenBucket(ctx context.Context, key string, rate, burst float64, cost int) (TokenBucketResult, error) {
	return a.tokenBucket(ctx, key, rate, burst, cost, time.Now())
}

func (a *Adapter) tokenBucket(ctx context.Context, key string, rate, burst float64, cost int, now time.Time) (TokenBucketResult, error) {
	raw, err := tokenBucketScript.Run(ctx, a.rdb, []string{key}, rate, burst, cost, now.UnixMilli()).Result()
	if err != nil {
		return TokenBucketResult{}, fmt.Errorf("evaluating token bucket %s: %w", key, err)
	}
	vals, ok := raw.([]interface{})
	if !ok || len(vals) != 3 {
		return TokenBucketResult{}, fmt.Errorf("unexpected token bucket reply for %s", key)
	}
	allowed, _ := vals[0].(int64)
	retryAfter, _ := vals[1].(int64)
	var tokensLeft float64
	fmt.Sscanf(fmt.Sprint(vals[2]), "%f", &tokensLeft)

	return TokenBucketResult{
		Allowed: allowed == 1,
		RetryAfterMs: retryAfter,
		TokensLeft: tokensLeft,
	}, nil
}
