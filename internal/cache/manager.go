// Package cache provides the shared Redis connection used by the fingerprint
// cache and the status event sink.
// This package is internal and should not be imported by external projects.
package cache

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// ErrClosed 管理器已关闭
var ErrClosed = errors.New("redis manager is closed")

// =============================================================================
// 💾 Redis 连接管理器
// =============================================================================

// Manager 持有进程内唯一的 Redis 客户端，并在后台做健康检查
type Manager struct {
	redis   *redis.Client
	config  Config
	logger  *zap.Logger
	healthy atomic.Bool

	mu     sync.RWMutex
	closed bool
	stopCh chan struct{}
	doneCh chan struct{}
}

// Config 连接配置
type Config struct {
	// Redis 地址
	Addr string `yaml:"addr" json:"addr"`

	// 密码
	Password string `yaml:"password" json:"password"`

	// 数据库编号
	DB int `yaml:"db" json:"db"`

	// 最大重试次数
	MaxRetries int `yaml:"max_retries" json:"max_retries"`

	// 连接池大小
	PoolSize int `yaml:"pool_size" json:"pool_size"`

	// 最小空闲连接数
	MinIdleConns int `yaml:"min_idle_conns" json:"min_idle_conns"`

	// 建连时的 Ping 超时
	DialTimeout time.Duration `yaml:"dial_timeout" json:"dial_timeout"`

	// 健康检查间隔，0 表示关闭
	HealthCheckInterval time.Duration `yaml:"health_check_interval" json:"health_check_interval"`
}

// DefaultConfig 返回默认连接配置
func DefaultConfig() Config {
	return Config{
		Addr:                "localhost:6379",
		MaxRetries:          3,
		PoolSize:            10,
		MinIdleConns:        2,
		DialTimeout:         5 * time.Second,
		HealthCheckInterval: 30 * time.Second,
	}
}

// NewManager 建立连接并 Ping 一次，失败时返回错误
func NewManager(config Config, logger *zap.Logger) (*Manager, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if config.DialTimeout <= 0 {
		config.DialTimeout = 5 * time.Second
	}
	client := redis.NewClient(&redis.Options{
		Addr:         config.Addr,
		Password:     config.Password,
		DB:           config.DB,
		MaxRetries:   config.MaxRetries,
		PoolSize:     config.PoolSize,
		MinIdleConns: config.MinIdleConns,
	})

	ctx, cancel := context.WithTimeout(context.Background(), config.DialTimeout)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	m := &Manager{
		redis:  client,
		config: config,
		logger: logger.With(zap.String("component", "redis")),
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}
	m.healthy.Store(true)

	if config.HealthCheckInterval > 0 {
		go m.healthCheckLoop()
	} else {
		close(m.doneCh)
	}

	m.logger.Info("redis connected",
		zap.String("addr", config.Addr),
		zap.Int("pool_size", config.PoolSize),
	)

	return m, nil
}

// =============================================================================
// 🎯 核心方法
// =============================================================================

// Client 返回共享客户端，供指纹缓存与事件出口使用
func (m *Manager) Client() *redis.Client {
	return m.redis
}

// Ping 检查 Redis 连接
func (m *Manager) Ping(ctx context.Context) error {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return ErrClosed
	}

	return m.redis.Ping(ctx).Err()
}

// Healthy 最近一次健康检查是否通过
func (m *Manager) Healthy() bool {
	return m.healthy.Load()
}

// Close 停止健康检查并关闭连接，重复调用无副作用
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	close(m.stopCh)
	m.mu.Unlock()

	<-m.doneCh
	m.healthy.Store(false)
	m.logger.Info("closing redis connection")
	return m.redis.Close()
}

// =============================================================================
// 🏥 健康检查
// =============================================================================

func (m *Manager) healthCheckLoop() {
	defer close(m.doneCh)

	ticker := time.NewTicker(m.config.HealthCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stopCh:
			return
		case <-ticker.C:
		}

		ctx, cancel := context.WithTimeout(context.Background(), m.config.DialTimeout)
		err := m.redis.Ping(ctx).Err()
		cancel()

		was := m.healthy.Swap(err == nil)
		switch {
		case err != nil && was:
			m.logger.Error("redis health check failed", zap.Error(err))
		case err == nil && !was:
			m.logger.Info("redis connection recovered")
		}
	}
}
