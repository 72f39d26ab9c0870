package delivery

import (
	"context"
	"fmt"
	"math/rand"
	"strconv"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/medlink-ai/wa-courier/infrastructure/valkey"
)

// Lua script for an atomic token-bucket take. Refill is a pure function of
// elapsed wall-clock seconds; the last-refill timestamp only advances when
// at least one whole token accrues, so sub-token fractions accumulate.
const takeTokenScript = `
local tokens_key = KEYS[1]
local ts_key = KEYS[2]
local rate = tonumber(ARGV[1])
local capacity = tonumber(ARGV[2])
local now = tonumber(ARGV[3])

local tokens = tonumber(redis.call("get", tokens_key))
local last = tonumber(redis.call("get", ts_key))
if tokens == nil then tokens = capacity end
if last == nil then last = now end

local refill = math.floor((now - last) * rate)
if refill > 0 then
	tokens = math.min(capacity, tokens + refill)
	last = now
end

local granted = 0
if tokens >= 1 then
	tokens = tokens - 1
	granted = 1
end

redis.call("set", tokens_key, tokens)
redis.call("set", ts_key, last)
return granted
`

const (
	waitBaseDelay     = 100 * time.Millisecond
	waitMaxDelay      = time.Second
	waitModerateDelay = 500 * time.Millisecond
	waitModerateAfter = 10
)

// ValkeyRateLimiter is the per-instance token bucket shared by every worker
// process. State lives under wa:<instance>:bucket / wa:<instance>:bucket:ts.
type ValkeyRateLimiter struct {
	client   *valkey.Client
	rate     float64
	capacity int
	now      func() time.Time
}

func NewValkeyRateLimiter(client *valkey.Client, tokensPerSecond float64, capacity int) *ValkeyRateLimiter {
	if tokensPerSecond <= 0 {
		tokensPerSecond = 1.0
	}
	if capacity <= 0 {
		capacity = 5
	}
	return &ValkeyRateLimiter{
		client:   client,
		rate:     tokensPerSecond,
		capacity: capacity,
		now:      time.Now,
	}
}

// TryTake atomically takes one token if available.
func (l *ValkeyRateLimiter) TryTake(ctx context.Context, instance string) (bool, error) {
	inner := l.client.Inner()
	cmd := inner.B().Eval().
		Script(takeTokenScript).
		Numkeys(2).
		Key(l.client.Key("wa", instance, "bucket")).
		Key(l.client.Key("wa", instance, "bucket:ts")).
		Arg(
			strconv.FormatFloat(l.rate, 'f', -1, 64),
			strconv.Itoa(l.capacity),
			strconv.FormatInt(l.now().Unix(), 10),
		).
		Build()

	granted, err := inner.Do(ctx, cmd).AsInt64()
	if err != nil {
		return false, fmt.Errorf("failed to evaluate token bucket for %s: %w", instance, err)
	}
	return granted == 1, nil
}

// WaitForToken blocks until a token is granted or ctx ends. Sleeps start at
// 100 ms and double up to ~1 s; after ten misses the delay settles at a
// moderate 500 ms so a long-starved instance keeps polling steadily. Store
// errors degrade to the same sleep instead of surfacing.
func (l *ValkeyRateLimiter) WaitForToken(ctx context.Context, instance string) {
	delay := waitBaseDelay
	for attempt := 1; ; attempt++ {
		ok, err := l.TryTake(ctx, instance)
		if err != nil {
			logrus.WithError(err).Warnf("[RATELIMIT] Token check failed for %s", instance)
		} else if ok {
			return
		}

		jittered := delay + time.Duration(rand.Int63n(int64(delay/4)+1))
		select {
		case <-ctx.Done():
			return
		case <-time.After(jittered):
		}

		if attempt >= waitModerateAfter {
			delay = waitModerateDelay
		} else if delay *= 2; delay > waitMaxDelay {
			delay = waitMaxDelay
		}
	}
}
