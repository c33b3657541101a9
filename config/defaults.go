// =============================================================================
// 📦 agentbridge 默认配置
// =============================================================================
package config

import "time"

// 任务执行者
const (
	RunnerExecutor     = "executor"
	RunnerOrchestrator = "orchestrator"
)

// DefaultConfig 返回默认配置
func DefaultConfig() *Config {
	return &Config{
		Server:      DefaultServerConfig(),
		Bridge:      DefaultBridgeConfig(),
		Client:      DefaultClientConfig(),
		Fingerprint: DefaultFingerprintConfig(),
		Redis:       DefaultRedisConfig(),
		Events:      DefaultEventsConfig(),
		Log:         DefaultLogConfig(),
		Telemetry:   DefaultTelemetryConfig(),
	}
}

// DefaultServerConfig 返回默认服务器配置
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		HTTPPort:         8080,
		MetricsPort:      9091,
		ReadTimeout:      30 * time.Second,
		WriteTimeout:     0,
		ShutdownTimeout:  15 * time.Second,
		RPCPath:          "/a2a",
		AgentName:        "agentbridge",
		AgentDescription: "Exposes a computation graph as a task-protocol agent",
		RateLimitRPS:     100,
		RateLimitBurst:   200,
	}
}

// DefaultBridgeConfig 流式模式、100 字符刷新、10s 心跳。
// 终态任务默认不清理，与存储同寿命；TaskRetention 与 CleanupInterval 都大于 0 时才开启清理。
func DefaultBridgeConfig() BridgeConfig {
	return BridgeConfig{
		Runner:            RunnerExecutor,
		Mode:              "streaming",
		FlushThreshold:    100,
		HeartbeatInterval: 10 * time.Second,
		TerminalNodes:     []string{"__end__"},
		RequestTimeout:    60 * time.Second,
	}
}

// DefaultClientConfig 12 次 × 10s 轮询，3 次尝试，1s 退避基数
func DefaultClientConfig() ClientConfig {
	return ClientConfig{
		PollAttempts:   12,
		PollInterval:   10 * time.Second,
		MaxAttempts:    3,
		RetryDelay:     time.Second,
		ConnectTimeout: 60 * time.Second,
		ReadTimeout:    600 * time.Second,
		CardTTL:        5 * time.Minute,
		Streaming:      true,
	}
}

// DefaultFingerprintConfig 返回默认指纹缓存配置
func DefaultFingerprintConfig() FingerprintConfig {
	return FingerprintConfig{
		Backend:    "memory",
		TTL:        time.Hour,
		MaxEntries: 1024,
		KeyPrefix:  "agentbridge:fp:",
	}
}

// DefaultRedisConfig 返回默认 Redis 配置
func DefaultRedisConfig() RedisConfig {
	return RedisConfig{
		Addr:         "localhost:6379",
		PoolSize:     10,
		MinIdleConns: 2,
	}
}

// DefaultEventsConfig 默认不向外广播
func DefaultEventsConfig() EventsConfig {
	return EventsConfig{
		RedisChannelPrefix: "agentbridge:task:",
		AMQPExchange:       "agentbridge.tasks",
	}
}

// DefaultLogConfig 返回默认日志配置
func DefaultLogConfig() LogConfig {
	return LogConfig{
		Level:            "info",
		Format:           "json",
		OutputPaths:      []string{"stdout"},
		EnableCaller:     true,
		EnableStacktrace: false,
	}
}

// DefaultTelemetryConfig 返回默认遥测配置
func DefaultTelemetryConfig() TelemetryConfig {
	return TelemetryConfig{
		Enabled:        false,
		OTLPEndpoint:   "localhost:4317",
		ServiceName:    "agentbridge",
		SampleRate:     0.1,
		MetricInterval: 30 * time.Second,
	}
}
