package fingerprint

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// DefaultRedisPrefix Redis 键前缀
const DefaultRedisPrefix = "agentbridge:fp:"

// RedisCache 基于 Redis 的指纹缓存，多个客户端进程可共享
type RedisCache struct {
	client redis.Cmdable
	prefix string
	ttl    time.Duration
	logger *zap.Logger
}

// NewRedisCache 创建 Redis 缓存；ttl <= 0 时默认 1 小时
func NewRedisCache(client redis.Cmdable, prefix string, ttl time.Duration, logger *zap.Logger) *RedisCache {
	if prefix == "" {
		prefix = DefaultRedisPrefix
	}
	if ttl <= 0 {
		ttl = time.Hour
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RedisCache{
		client: client,
		prefix: prefix,
		ttl:    ttl,
		logger: logger.With(zap.String("component", "fingerprint_cache")),
	}
}

// Get 实现 Cache.Get
func (c *RedisCache) Get(ctx context.Context, fp string) (Entry, bool, error) {
	data, err := c.client.Get(ctx, c.prefix+fp).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return Entry{}, false, nil
		}
		return Entry{}, false, fmt.Errorf("从 Redis 获取指纹失败: %w", err)
	}

	var e Entry
	if err := json.Unmarshal(data, &e); err != nil {
		return Entry{}, false, fmt.Errorf("反序列化指纹条目失败: %w", err)
	}
	c.logger.Debug("指纹命中", zap.String("fingerprint", fp), zap.String("task_id", e.TaskID))
	return e, true, nil
}

// Put 实现 Cache.Put
func (c *RedisCache) Put(ctx context.Context, fp string, entry Entry) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("序列化指纹条目失败: %w", err)
	}
	if err := c.client.Set(ctx, c.prefix+fp, data, c.ttl).Err(); err != nil {
		return fmt.Errorf("存储指纹到 Redis 失败: %w", err)
	}
	return nil
}

// Delete 实现 Cache.Delete
func (c *RedisCache) Delete(ctx context.Context, fp string) error {
	if err := c.client.Del(ctx, c.prefix+fp).Err(); err != nil {
		return fmt.Errorf("从 Redis 删除指纹失败: %w", err)
	}
	return nil
}

var _ Cache = (*RedisCache)(nil)
