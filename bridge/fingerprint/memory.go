package fingerprint

import (
	"context"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

// MemoryCache 进程内 LRU 缓存，条目按 TTL 过期
type MemoryCache struct {
	lru *expirable.LRU[string, Entry]
}

// NewMemoryCache 创建内存缓存；size <= 0 时使用 1024，ttl <= 0 表示不过期
func NewMemoryCache(size int, ttl time.Duration) *MemoryCache {
	if size <= 0 {
		size = 1024
	}
	if ttl < 0 {
		ttl = 0
	}
	return &MemoryCache{lru: expirable.NewLRU[string, Entry](size, nil, ttl)}
}

// Get 实现 Cache.Get
func (c *MemoryCache) Get(_ context.Context, fp string) (Entry, bool, error) {
	e, ok := c.lru.Get(fp)
	return e, ok, nil
}

// Put 实现 Cache.Put
func (c *MemoryCache) Put(_ context.Context, fp string, entry Entry) error {
	c.lru.Add(fp, entry)
	return nil
}

// Delete 实现 Cache.Delete
func (c *MemoryCache) Delete(_ context.Context, fp string) error {
	c.lru.Remove(fp)
	return nil
}

// Len 当前条目数
func (c *MemoryCache) Len() int {
	return c.lru.Len()
}

var _ Cache = (*MemoryCache)(nil)
