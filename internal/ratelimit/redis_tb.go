// Package ratelimit 基于 Redis 的令牌桶限流（WS 上行发送频控）。
package ratelimit

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/redis/go-redis/v9"
)

// 令牌桶 Lua：以毫秒时间戳按速率补充令牌，取 1 个令牌成功返回 1。
// KEYS[1] 桶键；ARGV: 速率(令牌/秒)、容量、当前毫秒。
const tokenBucketScript = `
local key = KEYS[1]
local rate = tonumber(ARGV[1])
local burst = tonumber(ARGV[2])
local now = tonumber(ARGV[3])

local data = redis.call('HMGET', key, 'tokens', 'ts')
local tokens = tonumber(data[1])
local ts = tonumber(data[2])
if tokens == nil then
  tokens = burst
  ts = now
end

local elapsed = math.max(0, now - ts)
tokens = math.min(burst, tokens + elapsed * rate / 1000)

local allowed = 0
if tokens >= 1 then
  tokens = tokens - 1
  allowed = 1
end

redis.call('HMSET', key, 'tokens', tokens, 'ts', now)
redis.call('PEXPIRE', key, math.ceil(burst / rate * 1000) * 2)
return allowed
`

type Limiter struct {
	client *redis.Client
	script *redis.Script
	rate   int
	burst  int
}

func NewLimiter(client *redis.Client, rate, burst int) *Limiter {
	if rate <= 0 {
		rate = 20
	}
	if burst < rate {
		burst = rate * 2
	}
	return &Limiter{client: client, script: redis.NewScript(tokenBucketScript), rate: rate, burst: burst}
}

// Allow 对指定主体取 1 个令牌；Redis 故障时放行（限流不是强一致约束）。
func (l *Limiter) Allow(ctx context.Context, subject string) bool {
	key := fmt.Sprintf("msync:tb:%s", subject)
	res, err := l.script.Run(ctx, l.client, []string{key},
		l.rate, l.burst, time.Now().UnixMilli()).Int()
	if err != nil {
		log.Printf("ratelimit.Allow err=%v subject=%s", err, subject)
		return true
	}
	return res == 1
}
