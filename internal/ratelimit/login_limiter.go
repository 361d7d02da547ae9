// Package ratelimit throttles credential guessing. The bucket state
// lives in redis so the limit holds across replicas; without redis the
// limiter is a no-op.
package ratelimit

import (
	"context"
	"fmt"
	"math"
	"time"

	redis "github.com/redis/go-redis/v9"
	"github.com/smallbiznis/gatekeeper/internal/config"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("rate.limit",
	fx.Provide(NewRedisClient),
	fx.Provide(NewLoginLimiter),
)

const tokenBucketScript = `
local rate = tonumber(ARGV[1])
local burst = tonumber(ARGV[2])
local ttl = tonumber(ARGV[3])

local nowData = redis.call("TIME")
local now = (nowData[1] * 1000) + math.floor(nowData[2] / 1000)

local data = redis.call("HMGET", KEYS[1], "tokens", "ts")
local tokens = tonumber(data[1])
local ts = tonumber(data[2])

if tokens == nil then
  tokens = burst
  ts = now
else
  local delta = now - ts
  if delta < 0 then
    delta = 0
  end
  tokens = math.min(burst, tokens + (delta / 1000) * rate)
  ts = now
end

local allowed = 0
if tokens >= 1 then
  allowed = 1
  tokens = tokens - 1
end

redis.call("HMSET", KEYS[1], "tokens", tokens, "ts", ts)
redis.call("PEXPIRE", KEYS[1], ttl)

return {allowed, tostring(tokens)}
`

// NewRedisClient returns nil when no redis address is configured;
// the limiter degrades to pass-through in that case.
func NewRedisClient(cfg config.Config) *redis.Client {
	if cfg.RedisAddr == "" {
		return nil
	}
	return redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
	})
}

type LoginLimiter struct {
	client *redis.Client
	script *redis.Script
	log    *zap.Logger

	rate  float64
	burst int
}

type LimiterParams struct {
	fx.In

	Client *redis.Client `optional:"true"`
	Log    *zap.Logger
	Cfg    config.Config
}

func NewLoginLimiter(p LimiterParams) *LoginLimiter {
	return &LoginLimiter{
		client: p.Client,
		script: redis.NewScript(tokenBucketScript),
		log:    p.Log.Named("ratelimit"),
		rate:   float64(p.Cfg.LoginAttemptsPerMinute) / 60.0,
		burst:  p.Cfg.LoginAttemptBurst,
	}
}

// Allow consumes one attempt for the login/address pair. A redis
// outage fails open: blocking every login is worse than briefly
// losing the throttle.
func (l *LoginLimiter) Allow(ctx context.Context, login, addr string) bool {
	if l == nil || l.client == nil || l.rate <= 0 || l.burst <= 0 {
		return true
	}

	key := fmt.Sprintf("gatekeeper:login:%s:%s", login, addr)
	res, err := l.script.Run(ctx, l.client, []string{key},
		l.rate, l.burst, bucketTTL(l.rate, l.burst).Milliseconds()).Slice()
	if err != nil {
		l.log.Warn("login limiter unavailable", zap.Error(err))
		return true
	}
	if len(res) < 1 {
		return true
	}
	allowed, _ := res[0].(int64)
	return allowed == 1
}

func bucketTTL(rate float64, burst int) time.Duration {
	seconds := math.Ceil((float64(burst) / rate) * 2)
	if seconds < 1 {
		seconds = 1
	}
	return time.Duration(seconds) * time.Second
}
