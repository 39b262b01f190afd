package cache

import (
	"context"
	"strings"
	"sync"

	"github.com/redis/go-redis/v9"
)

// KV 抽象字符串键值持久化，供本地消息缓存使用。
// - Get 未命中返回 ok=false（不视为错误）
// - Keys 按前缀枚举键，ClearAll 依赖
// 生产使用 RedisKV；测试可注入 MemoryKV 避免外部依赖。
type KV interface {
	Get(ctx context.Context, key string) (val string, ok bool, err error)
	Set(ctx context.Context, key, val string) error
	Del(ctx context.Context, keys ...string) error
	Keys(ctx context.Context, prefix string) ([]string, error)
}

// RedisKV 基于共享 Redis 客户端的 KV 实现。
type RedisKV struct{ client *redis.Client }

func NewRedisKV(c *redis.Client) *RedisKV { return &RedisKV{client: c} }

func (r *RedisKV) Get(ctx context.Context, key string) (string, bool, error) {
	v, err := r.client.Get(ctx, key).Result()
	if err == redis.Nil {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return v, true, nil
}

func (r *RedisKV) Set(ctx context.Context, key, val string) error {
	return r.client.Set(ctx, key, val, 0).Err()
}

func (r *RedisKV) Del(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	return r.client.Del(ctx, keys...).Err()
}

// Keys 使用 SCAN 枚举前缀键（避免 KEYS 阻塞）。
func (r *RedisKV) Keys(ctx context.Context, prefix string) ([]string, error) {
	var out []string
	iter := r.client.Scan(ctx, 0, prefix+"*", 0).Iterator()
	for iter.Next(ctx) {
		out = append(out, iter.Val())
	}
	return out, iter.Err()
}

// MemoryKV 进程内 KV 实现（测试/单机降级）。
type MemoryKV struct {
	mu   sync.RWMutex
	data map[string]string
}

func NewMemoryKV() *MemoryKV { return &MemoryKV{data: make(map[string]string)} }

func (m *MemoryKV) Get(_ context.Context, key string) (string, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.data[key]
	return v, ok, nil
}

func (m *MemoryKV) Set(_ context.Context, key, val string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[key] = val
	return nil
}

func (m *MemoryKV) Del(_ context.Context, keys ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, k := range keys {
		delete(m.data, k)
	}
	return nil
}

func (m *MemoryKV) Keys(_ context.Context, prefix string) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []string
	for k := range m.data {
		if strings.HasPrefix(k, prefix) {
			out = append(out, k)
		}
	}
	return out, nil
}
