package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// --- DefaultConfig aggregate ---

func TestDefaultConfig_ContainsAllSubConfigs(t *testing.T) {
	cfg := DefaultConfig()
	require.NotNil(t, cfg)

	assert.NotEqual(t, ServerConfig{}, cfg.Server)
	assert.NotEqual(t, ClientConfig{}, cfg.Client)
	assert.NotEqual(t, FingerprintConfig{}, cfg.Fingerprint)
	assert.NotEqual(t, RedisConfig{}, cfg.Redis)
	assert.NotEqual(t, EventsConfig{}, cfg.Events)
	assert.NotEqual(t, TelemetryConfig{}, cfg.Telemetry)
	// 对端默认为空，需显式配置
	assert.Equal(t, PeersConfig{}, cfg.Peers)
	assert.NoError(t, cfg.Validate())
}

// --- Individual Default*Config functions ---

func TestDefaultServerConfig(t *testing.T) {
	cfg := DefaultServerConfig()
	assert.Equal(t, 8080, cfg.HTTPPort)
	assert.Equal(t, 9091, cfg.MetricsPort)
	assert.Equal(t, "/a2a", cfg.RPCPath)
	assert.Zero(t, cfg.WriteTimeout)
	assert.Empty(t, cfg.AuthToken)
	assert.Empty(t, cfg.JWTSecret)
}

func TestDefaultBridgeConfig(t *testing.T) {
	cfg := DefaultBridgeConfig()
	assert.Equal(t, RunnerExecutor, cfg.Runner)
	assert.Equal(t, "streaming", cfg.Mode)
	assert.Equal(t, 100, cfg.FlushThreshold)
	assert.Equal(t, 10*time.Second, cfg.HeartbeatInterval)
	assert.Equal(t, []string{"__end__"}, cfg.TerminalNodes)
	// 终态任务清理默认关闭
	assert.Zero(t, cfg.TaskRetention)
	assert.Zero(t, cfg.CleanupInterval)
}

func TestDefaultClientConfig(t *testing.T) {
	cfg := DefaultClientConfig()
	assert.Equal(t, 12, cfg.PollAttempts)
	assert.Equal(t, 10*time.Second, cfg.PollInterval)
	assert.Equal(t, 3, cfg.MaxAttempts)
	assert.Equal(t, time.Second, cfg.RetryDelay)
	assert.Equal(t, 60*time.Second, cfg.ConnectTimeout)
	assert.Equal(t, 600*time.Second, cfg.ReadTimeout)
	assert.True(t, cfg.Streaming)
	assert.False(t, cfg.ReuseCachedTasks)
}

func TestDefaultFingerprintConfig(t *testing.T) {
	cfg := DefaultFingerprintConfig()
	assert.Equal(t, "memory", cfg.Backend)
	assert.Equal(t, time.Hour, cfg.TTL)
	assert.Positive(t, cfg.MaxEntries)
}

func TestDefaultEventsConfig(t *testing.T) {
	cfg := DefaultEventsConfig()
	assert.False(t, cfg.RedisEnabled)
	assert.Empty(t, cfg.AMQPURL)
	assert.Equal(t, "agentbridge.tasks", cfg.AMQPExchange)
}

func TestDefaultLogConfig(t *testing.T) {
	cfg := DefaultLogConfig()
	assert.Equal(t, "info", cfg.Level)
	assert.Equal(t, "json", cfg.Format)
	assert.Equal(t, []string{"stdout"}, cfg.OutputPaths)
}

func TestDefaultTelemetryConfig(t *testing.T) {
	cfg := DefaultTelemetryConfig()
	assert.False(t, cfg.Enabled)
	assert.Equal(t, "agentbridge", cfg.ServiceName)
	assert.Equal(t, 0.1, cfg.SampleRate)
	assert.Equal(t, 30*time.Second, cfg.MetricInterval)
}
