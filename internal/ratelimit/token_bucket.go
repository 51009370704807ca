// Package ratelimit meters API callers with Redis token buckets. Each subject owns a request
// bucket and a frame bucket: every request takes one request token, and job creation also
// takes one frame token per stretch step it asks for.
package ratelimit

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	BucketRequests = "requests"
	BucketFrames   = "frames"
)

// Charge is what one request takes from its subject's buckets.
type Charge struct {
	Requests int
	Frames   int
}

// Decision is the outcome of one check. Remaining is the smaller of the two buckets, rounded
// down. Exhausted names the bucket that refused a denied charge.
type Decision struct {
	Allowed    bool
	Remaining  int64
	RetryAfter time.Duration
	Exhausted  string
}

// Limit sizes one bucket: Capacity tokens refilled evenly over Window.
type Limit struct {
	Capacity int
	Window   time.Duration
}

type Config struct {
	Requests  Limit
	Frames    Limit
	KeyPrefix string
}

type bucket struct {
	name        string
	capacity    int64
	refillPerMS float64
	ttl         time.Duration
}

type RedisTokenBucket struct {
	client    redis.UniversalClient
	buckets   [2]bucket
	keyPrefix string
	now       func() time.Time
}

// Both buckets are refilled and checked in one script run, so a charge is taken from both or
// from neither.
var chargeScript = redis.NewScript(`
local now_ms = tonumber(ARGV[1])
local allowed = 1
local retry_after_ms = 0
local state = {}

for i = 1, #KEYS do
  local base = 1 + (i - 1) * 4
  local capacity = tonumber(ARGV[base + 1])
  local refill_per_ms = tonumber(ARGV[base + 2])
  local requested = tonumber(ARGV[base + 3])

  local data = redis.call("HMGET", KEYS[i], "tokens", "timestamp")
  local tokens = tonumber(data[1]) or capacity
  local timestamp = tonumber(data[2]) or now_ms
  tokens = math.min(capacity, tokens + math.max(0, now_ms - timestamp) * refill_per_ms)

  if tokens < requested then
    allowed = 0
    retry_after_ms = math.max(retry_after_ms, math.ceil((requested - tokens) / refill_per_ms))
  end
  state[i] = tokens
end

local result = {allowed, retry_after_ms}
for i = 1, #KEYS do
  local base = 1 + (i - 1) * 4
  local tokens = state[i]
  if allowed == 1 then
    tokens = tokens - tonumber(ARGV[base + 3])
  end
  redis.call("HSET", KEYS[i], "tokens", tokens, "timestamp", now_ms)
  redis.call("PEXPIRE", KEYS[i], tonumber(ARGV[base + 4]))
  table.insert(result, math.floor(tokens))
end
return result
`)

func NewRedisTokenBucket(client redis.UniversalClient, cfg Config) (*RedisTokenBucket, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client is required")
	}
	requests, err := newBucket(BucketRequests, cfg.Requests)
	if err != nil {
		return nil, err
	}
	frames, err := newBucket(BucketFrames, cfg.Frames)
	if err != nil {
		return nil, err
	}

	keyPrefix := strings.TrimSpace(cfg.KeyPrefix)
	if keyPrefix == "" {
		keyPrefix = "fitsflow:ratelimit"
	}

	return &RedisTokenBucket{
		client:    client,
		buckets:   [2]bucket{requests, frames},
		keyPrefix: keyPrefix,
		now:       time.Now,
	}, nil
}

func newBucket(name string, l Limit) (bucket, error) {
	if l.Capacity <= 0 {
		return bucket{}, fmt.Errorf("%s capacity must be positive", name)
	}
	if l.Window <= 0 {
		return bucket{}, fmt.Errorf("%s window must be positive", name)
	}
	windowMS := max(1, l.Window.Milliseconds())
	return bucket{
		name:        name,
		capacity:    int64(l.Capacity),
		refillPerMS: float64(l.Capacity) / float64(windowMS),
		ttl:         2 * l.Window,
	}, nil
}

// Allow takes c from subject's buckets. Each amount is capped at its bucket's capacity so a
// single large job can still pass on full buckets; a request always costs at least one
// request token.
func (l *RedisTokenBucket) Allow(ctx context.Context, subject string, c Charge) (Decision, error) {
	subject = strings.TrimSpace(subject)
	if subject == "" {
		subject = "anonymous"
	}

	requested := l.requested(c)
	keys := make([]string, len(l.buckets))
	args := []any{l.now().UTC().UnixMilli()}
	for i, b := range l.buckets {
		keys[i] = fmt.Sprintf("%s:%s:%s", l.keyPrefix, b.name, subject)
		args = append(args, b.capacity, b.refillPerMS, requested[i], b.ttl.Milliseconds())
	}

	raw, err := chargeScript.Run(ctx, l.client, keys, args...).Result()
	if err != nil {
		return Decision{}, fmt.Errorf("run token bucket script: %w", err)
	}
	return l.decide(raw, requested)
}

func (l *RedisTokenBucket) requested(c Charge) [2]int64 {
	return [2]int64{
		min(max(1, int64(c.Requests)), l.buckets[0].capacity),
		min(max(0, int64(c.Frames)), l.buckets[1].capacity),
	}
}

// decide reads the script reply {allowed, retry_after_ms, tokens...}.
func (l *RedisTokenBucket) decide(raw any, requested [2]int64) (Decision, error) {
	values, ok := raw.([]any)
	if !ok || len(values) != 2+len(l.buckets) {
		return Decision{}, fmt.Errorf("invalid token bucket response")
	}

	allowed, err := toInt64(values[0])
	if err != nil {
		return Decision{}, fmt.Errorf("parse allow value: %w", err)
	}
	retryAfterMS, err := toInt64(values[1])
	if err != nil {
		return Decision{}, fmt.Errorf("parse retry-after value: %w", err)
	}

	d := Decision{
		Allowed:    allowed == 1,
		RetryAfter: time.Duration(retryAfterMS) * time.Millisecond,
	}
	for i, b := range l.buckets {
		tokens, err := toInt64(values[2+i])
		if err != nil {
			return Decision{}, fmt.Errorf("parse %s tokens: %w", b.name, err)
		}
		if i == 0 || tokens < d.Remaining {
			d.Remaining = tokens
		}
		if !d.Allowed && d.Exhausted == "" && tokens < requested[i] {
			d.Exhausted = b.name
		}
	}
	return d, nil
}

func toInt64(in any) (int64, error) {
	switch v := in.(type) {
	case int64:
		return v, nil
	case int:
		return int64(v), nil
	case float64:
		return int64(v), nil
	case string:
		return strconv.ParseInt(v, 10, 64)
	default:
		return 0, fmt.Errorf("unsupported type %T", in)
	}
}
