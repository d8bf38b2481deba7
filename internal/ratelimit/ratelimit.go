package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/time/rate"
)

type Decision struct {
	Allowed bool
	Used    int64
	ResetAt time.Time
}

// Limiter gates provider calls per scope (the call kind).
type Limiter interface {
	Allow(ctx context.Context, scope string, now time.Time) (Decision, error)
}

var incrWithTTLScript = redis.NewScript(`
local c = redis.call("INCR", KEYS[1])
if c == 1 then
  redis.call("EXPIRE", KEYS[1], ARGV[1])
end
return c
`)

// Redis counts calls in fixed one-hour windows shared by every process
// pointed at the same server.
type Redis struct {
	redis  *redis.Client
	prefix string
	limit  int64
}

func NewRedis(rdb *redis.Client, prefix string, limit int64) *Redis {
	if prefix == "" {
		prefix = "gemchat"
	}
	return &Redis{redis: rdb, prefix: prefix, limit: limit}
}

func (r *Redis) Allow(ctx context.Context, scope string, now time.Time) (Decision, error) {
	windowStart := now.UTC().Truncate(time.Hour)
	windowEnd := windowStart.Add(time.Hour)
	ttl := int64(windowEnd.Sub(now.UTC()).Seconds())
	if ttl < 1 {
		ttl = 1
	}

	key := fmt.Sprintf("%s:ratelimit:%s:%s", r.prefix, scope, windowStart.Format("2006010215"))
	res, err := incrWithTTLScript.Run(ctx, r.redis, []string{key}, ttl).Int64()
	if err != nil {
		return Decision{}, fmt.Errorf("rate limit script: %w", err)
	}
	return Decision{Allowed: res <= r.limit, Used: res, ResetAt: windowEnd}, nil
}

// Local is an in-process token bucket refilled at perHour calls per hour.
type Local struct {
	mu       sync.Mutex
	perHour  int64
	limiters map[string]*rate.Limiter
}

func NewLocal(perHour int64) *Local {
	if perHour < 1 {
		perHour = 1
	}
	return &Local{perHour: perHour, limiters: map[string]*rate.Limiter{}}
}

func (l *Local) Allow(_ context.Context, scope string, now time.Time) (Decision, error) {
	l.mu.Lock()
	lim, ok := l.limiters[scope]
	if !ok {
		lim = rate.NewLimiter(rate.Every(time.Hour/time.Duration(l.perHour)), int(l.perHour))
		l.limiters[scope] = lim
	}
	l.mu.Unlock()

	if lim.AllowN(now, 1) {
		return Decision{Allowed: true, ResetAt: now}, nil
	}
	wait := time.Duration(float64(time.Second) / float64(lim.Limit()))
	return Decision{Allowed: false, ResetAt: now.Add(wait)}, nil
}
