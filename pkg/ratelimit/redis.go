package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// incrementScript はINCRとPEXPIREを不可分に実行する。
// 有効期限の無いキー（PTTLが負）にはウィンドウ長の有効期限を設定する。
var incrementScript = redis.NewScript(`
local current = redis.call('INCR', KEYS[1])
local ttl = redis.call('PTTL', KEYS[1])
if ttl < 0 then
	redis.call('PEXPIRE', KEYS[1], ARGV[1])
	ttl = tonumber(ARGV[1])
end
return {current, ttl}
`)

// RedisStore はRedisをカウンタストアとして使うStore実装。
type RedisStore struct {
	// client はRedisクライアント。
	client redis.UniversalClient
}

// NewRedisStore はRedisStoreを生成する。
func NewRedisStore(client redis.UniversalClient) *RedisStore {
	return &RedisStore{client: client}
}

// Increment はLuaスクリプトでカウンタを増やす。
func (s *RedisStore) Increment(ctx context.Context, key string, window time.Duration) (int64, time.Duration, error) {
	res, err := incrementScript.Run(ctx, s.client, []string{key}, window.Milliseconds()).Int64Slice()
	if err != nil {
		return 0, 0, fmt.Errorf("Redisカウンタの更新に失敗: %w", err)
	}
	if len(res) != 2 {
		return 0, 0, fmt.Errorf("Redisカウンタの応答が不正です: %v", res)
	}
	return res[0], time.Duration(res[1]) * time.Millisecond, nil
}

// Ping はRedisへの疎通を確認する。
func (s *RedisStore) Ping(ctx context.Context) error {
	if err := s.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("Redisへの疎通確認に失敗: %w", err)
	}
	return nil
}

// Close はRedisクライアントを閉じる。
func (s *RedisStore) Close() error {
	return s.client.Close()
}
