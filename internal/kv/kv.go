package kv

import (
	"context"
	"errors"
	"time"

	"github.com/go-redis/redis/v8"
)

// ErrCacheMiss 表示缓存不存在
var ErrCacheMiss = errors.New("cache miss")

// Store 抽象的 KV 存储（用于在单元测试中替换 Redis）
//
// 会话注册依赖的操作集合：
// - Get/Set/Delete：会话键（带 TTL）
// - SAdd/SRem/SMembers：活动会话索引（显式集合，不做键模式扫描）
// - Update：窗口指针改写时的原子 read-modify-write
type Store interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key string, value string, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
	SAdd(ctx context.Context, key string, member string) error
	SRem(ctx context.Context, key string, member string) error
	SMembers(ctx context.Context, key string) ([]string, error)
	// Update 对单个键执行原子更新：fn 收到当前值（不存在时返回 ErrCacheMiss），
	// 返回新值；并发修改冲突时整体重试
	Update(ctx context.Context, key string, ttl time.Duration, fn func(old string) (string, error)) error
}

// RedisStore 基于 go-redis 的 Store 实现
type RedisStore struct {
	client *redis.Client
}

func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

func (r *RedisStore) Get(ctx context.Context, key string) (string, error) {
	val, err := r.client.Get(ctx, key).Result()
	if err != nil {
		if err == redis.Nil {
			return "", ErrCacheMiss
		}
		return "", err
	}
	return val, nil
}

func (r *RedisStore) Set(ctx context.Context, key string, value string, ttl time.Duration) error {
	return r.client.Set(ctx, key, value, ttl).Err()
}

func (r *RedisStore) Delete(ctx context.Context, key string) error {
	return r.client.Del(ctx, key).Err()
}

func (r *RedisStore) SAdd(ctx context.Context, key string, member string) error {
	return r.client.SAdd(ctx, key, member).Err()
}

func (r *RedisStore) SRem(ctx context.Context, key string, member string) error {
	return r.client.SRem(ctx, key, member).Err()
}

func (r *RedisStore) SMembers(ctx context.Context, key string) ([]string, error) {
	return r.client.SMembers(ctx, key).Result()
}

// Update 使用 WATCH 乐观事务实现原子更新，冲突时最多重试 5 次
func (r *RedisStore) Update(ctx context.Context, key string, ttl time.Duration, fn func(old string) (string, error)) error {
	const maxRetries = 5

	txf := func(tx *redis.Tx) error {
		old, err := tx.Get(ctx, key).Result()
		if err != nil {
			if err == redis.Nil {
				return ErrCacheMiss
			}
			return err
		}

		newVal, err := fn(old)
		if err != nil {
			return err
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, newVal, ttl)
			return nil
		})
		return err
	}

	var err error
	for i := 0; i < maxRetries; i++ {
		err = r.client.Watch(ctx, txf, key)
		if err != redis.TxFailedErr {
			return err
		}
		// 并发冲突，重试
	}
	return err
}
