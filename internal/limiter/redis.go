package limiter

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

var _ Limiter = (*RedisSlidingWindow)(nil)

// slidingWindowScript 以 sorted set 保存視窗內的請求，分數為毫秒時間戳
var slidingWindowScript = redis.NewScript(`
local key = KEYS[1]
local window_ms = tonumber(ARGV[1])
local limit = tonumber(ARGV[2])
local now = tonumber(ARGV[3])
local member = ARGV[4]

redis.call('ZREMRANGEBYSCORE', key, 0, now - window_ms)

if redis.call('ZCARD', key) < limit then
    redis.call('ZADD', key, now, member)
    redis.call('PEXPIRE', key, window_ms + 60000)
    return 1
end
return 0
`)

// RedisSlidingWindow 多個伺服器實例共用的滑動視窗
type RedisSlidingWindow struct {
	client *redis.Client
	limit  int
	window time.Duration
	prefix string
	now    func() time.Time
}

// NewRedisSlidingWindow 建立分散式滑動視窗
func NewRedisSlidingWindow(client *redis.Client, limit int, window time.Duration) *RedisSlidingWindow {
	return &RedisSlidingWindow{
		client: client,
		limit:  limit,
		window: window,
		prefix: "ratelimit:",
		now:    time.Now,
	}
}

// Allow 檢查並記錄 key 的一次請求
func (l *RedisSlidingWindow) Allow(ctx context.Context, key string) (bool, error) {
	result, err := slidingWindowScript.Run(ctx, l.client,
		[]string{l.prefix + key},
		l.window.Milliseconds(),
		l.limit,
		l.now().UnixMilli(),
		uuid.NewString(),
	).Int()
	if err != nil {
		return false, fmt.Errorf("sliding window: %w", err)
	}
	return result == 1, nil
}
