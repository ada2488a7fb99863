package ratelimit

import (
	"context"
	"errors"
	"time"

	redis "github.com/redis/go-redis/v9"
)

// Increment-and-check must be one atomic step so two concurrent requests
// cannot both observe a stale under-limit count.
const windowScript = `
local count = redis.call("INCR", KEYS[1])
if count == 1 then
  redis.call("PEXPIRE", KEYS[1], ARGV[1])
end
local ttl = redis.call("PTTL", KEYS[1])
return {count, ttl}
`

// Counter atomically increments a windowed counter and reports the
// post-increment count plus time until the window resets.
type Counter interface {
	Incr(ctx context.Context, key string, window time.Duration) (count int64, resetIn time.Duration, err error)
}

// WindowCounter is the Redis-backed Counter. Windows age out via key TTL,
// no explicit cleanup pass needed.
type WindowCounter struct {
	client *redis.Client
	script *redis.Script
}

func NewWindowCounter(client *redis.Client) *WindowCounter {
	if client == nil {
		return nil
	}
	return &WindowCounter{
		client: client,
		script: redis.NewScript(windowScript),
	}
}

func (w *WindowCounter) Incr(ctx context.Context, key string, window time.Duration) (int64, time.Duration, error) {
	if w == nil || w.client == nil {
		return 0, 0, errors.New("window counter not configured")
	}
	if key == "" {
		return 0, 0, errors.New("window counter key is empty")
	}
	if window <= 0 {
		return 0, 0, errors.New("window must be positive")
	}

	res, err := w.script.Run(ctx, w.client, []string{key}, window.Milliseconds()).Slice()
	if err != nil {
		return 0, 0, err
	}
	if len(res) < 2 {
		return 0, 0, errors.New("invalid window counter script response")
	}

	count := castToInt(res[0])
	resetIn := time.Duration(castToInt(res[1])) * time.Millisecond
	if resetIn < 0 {
		resetIn = window
	}
	return count, resetIn, nil
}

func castToInt(v interface{}) int64 {
	switch val := v.(type) {
	case int64:
		return val
	case int:
		return int64(val)
	case float64:
		return int64(val)
	default:
		return 0
	}
}
