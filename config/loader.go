// =============================================================================
// 📦 agentbridge 配置加载器
// =============================================================================
// 统一配置加载，支持 YAML 文件 + 环境变量覆盖
//
// 使用方法:
//
//	cfg, err := config.NewLoader().
//	    WithConfigPath("config.yaml").
//	    WithEnvPrefix("AGENTBRIDGE").
//	    Load()
//
// 配置优先级: 默认值 → YAML 文件 → 环境变量
// =============================================================================
package config

import (
	"fmt"
	"os"
	"reflect"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// =============================================================================
// 🎯 核心配置结构
// =============================================================================

// Config 是 agentbridge 的完整配置结构
type Config struct {
	// Server 入站 HTTP 服务配置
	Server ServerConfig `yaml:"server" env:"SERVER"`

	// Bridge 任务执行配置
	Bridge BridgeConfig `yaml:"bridge" env:"BRIDGE"`

	// Client 出站客户端配置
	Client ClientConfig `yaml:"client" env:"CLIENT"`

	// Peers 工作流各步骤对应的对端
	Peers PeersConfig `yaml:"peers" env:"PEERS"`

	// Fingerprint 请求指纹缓存配置
	Fingerprint FingerprintConfig `yaml:"fingerprint" env:"FINGERPRINT"`

	// Redis 连接配置
	Redis RedisConfig `yaml:"redis" env:"REDIS"`

	// Events 进程外状态事件出口
	Events EventsConfig `yaml:"events" env:"EVENTS"`

	// Log 日志配置
	Log LogConfig `yaml:"log" env:"LOG"`

	// Telemetry 遥测配置
	Telemetry TelemetryConfig `yaml:"telemetry" env:"TELEMETRY"`
}

// ServerConfig 服务器配置
type ServerConfig struct {
	// HTTP 端口
	HTTPPort int `yaml:"http_port" env:"HTTP_PORT"`
	// Metrics 端口
	MetricsPort int `yaml:"metrics_port" env:"METRICS_PORT"`
	// 读取超时
	ReadTimeout time.Duration `yaml:"read_timeout" env:"READ_TIMEOUT"`
	// 写入超时，0 表示不限制（SSE 长连接）
	WriteTimeout time.Duration `yaml:"write_timeout" env:"WRITE_TIMEOUT"`
	// 优雅关闭超时
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" env:"SHUTDOWN_TIMEOUT"`
	// BaseURL 写入代理卡的对外地址，为空时按端口推导
	BaseURL string `yaml:"base_url" env:"BASE_URL"`
	// RPCPath JSON-RPC 端点路径
	RPCPath string `yaml:"rpc_path" env:"RPC_PATH"`
	// AgentName 代理卡名称
	AgentName string `yaml:"agent_name" env:"AGENT_NAME"`
	// AgentDescription 代理卡描述
	AgentDescription string `yaml:"agent_description" env:"AGENT_DESCRIPTION"`
	// AuthToken 静态 Bearer 令牌，为空时不启用
	AuthToken string `yaml:"auth_token" env:"AUTH_TOKEN"`
	// JWTSecret HS256 密钥，为空时不校验 JWT
	JWTSecret string `yaml:"jwt_secret" env:"JWT_SECRET"`
	// JWTIssuer 期望的签发者，可选
	JWTIssuer string `yaml:"jwt_issuer" env:"JWT_ISSUER"`
	// 每秒请求数限制，0 表示不限流
	RateLimitRPS float64 `yaml:"rate_limit_rps" env:"RATE_LIMIT_RPS"`
	// 突发请求上限
	RateLimitBurst int `yaml:"rate_limit_burst" env:"RATE_LIMIT_BURST"`
}

// BridgeConfig 任务执行配置
type BridgeConfig struct {
	// Runner 任务执行者: executor（计算图）或 orchestrator（多代理工作流）
	Runner string `yaml:"runner" env:"RUNNER"`
	// Mode 默认执行模式: streaming 或 blocking，可被消息元数据覆盖
	Mode string `yaml:"mode" env:"MODE"`
	// FlushThreshold 文本缓冲达到该字符数时发出 working 消息
	FlushThreshold int `yaml:"flush_threshold" env:"FLUSH_THRESHOLD"`
	// HeartbeatInterval 长时间无事件时的心跳间隔
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval" env:"HEARTBEAT_INTERVAL"`
	// TerminalNodes 完成即代表任务结束的节点
	TerminalNodes []string `yaml:"terminal_nodes" env:"TERMINAL_NODES"`
	// RequestTimeout message/send 同步等待的最长时间
	RequestTimeout time.Duration `yaml:"request_timeout" env:"REQUEST_TIMEOUT"`
	// TaskRetention 终态任务保留时长，0 表示不清理
	TaskRetention time.Duration `yaml:"task_retention" env:"TASK_RETENTION"`
	// CleanupInterval 清理周期，0 表示不清理
	CleanupInterval time.Duration `yaml:"cleanup_interval" env:"CLEANUP_INTERVAL"`
}

// ClientConfig 出站客户端配置
type ClientConfig struct {
	// PollAttempts 轮询次数上限
	PollAttempts int `yaml:"poll_attempts" env:"POLL_ATTEMPTS"`
	// PollInterval 轮询间隔
	PollInterval time.Duration `yaml:"poll_interval" env:"POLL_INTERVAL"`
	// MaxAttempts 单次网络调用的总尝试次数
	MaxAttempts int `yaml:"max_attempts" env:"MAX_ATTEMPTS"`
	// RetryDelay 退避基数
	RetryDelay time.Duration `yaml:"retry_delay" env:"RETRY_DELAY"`
	// ConnectTimeout 建立连接超时
	ConnectTimeout time.Duration `yaml:"connect_timeout" env:"CONNECT_TIMEOUT"`
	// ReadTimeout 等待响应超时
	ReadTimeout time.Duration `yaml:"read_timeout" env:"READ_TIMEOUT"`
	// CardTTL 代理卡缓存时长
	CardTTL time.Duration `yaml:"card_ttl" env:"CARD_TTL"`
	// Streaming 对端支持时使用流式发送
	Streaming bool `yaml:"streaming" env:"STREAMING"`
	// ReuseCachedTasks 指纹命中且远端已完成时复用结果
	ReuseCachedTasks bool `yaml:"reuse_cached_tasks" env:"REUSE_CACHED_TASKS"`
	// AuthToken 访问对端时附带的 Bearer 令牌
	AuthToken string `yaml:"auth_token" env:"AUTH_TOKEN"`
}

// PeersConfig 对端地址
type PeersConfig struct {
	DataCollection string `yaml:"data_collection" env:"DATA_COLLECTION"`
	Analysis       string `yaml:"analysis" env:"ANALYSIS"`
	Trading        string `yaml:"trading" env:"TRADING"`
}

// FingerprintConfig 指纹缓存配置
type FingerprintConfig struct {
	// Backend: memory 或 redis
	Backend string `yaml:"backend" env:"BACKEND"`
	// TTL 条目过期时间
	TTL time.Duration `yaml:"ttl" env:"TTL"`
	// MaxEntries 内存后端容量
	MaxEntries int `yaml:"max_entries" env:"MAX_ENTRIES"`
	// KeyPrefix Redis 后端的键前缀
	KeyPrefix string `yaml:"key_prefix" env:"KEY_PREFIX"`
}

// RedisConfig Redis 配置
type RedisConfig struct {
	// 地址
	Addr string `yaml:"addr" env:"ADDR"`
	// 密码
	Password string `yaml:"password" env:"PASSWORD"`
	// 数据库编号
	DB int `yaml:"db" env:"DB"`
	// 连接池大小
	PoolSize int `yaml:"pool_size" env:"POOL_SIZE"`
	// 最小空闲连接
	MinIdleConns int `yaml:"min_idle_conns" env:"MIN_IDLE_CONNS"`
}

// EventsConfig 状态事件出口配置
type EventsConfig struct {
	// RedisEnabled 通过 Redis PUBLISH 广播事件
	RedisEnabled bool `yaml:"redis_enabled" env:"REDIS_ENABLED"`
	// RedisChannelPrefix 频道前缀
	RedisChannelPrefix string `yaml:"redis_channel_prefix" env:"REDIS_CHANNEL_PREFIX"`
	// AMQPURL RabbitMQ 地址，为空时不启用
	AMQPURL string `yaml:"amqp_url" env:"AMQP_URL"`
	// AMQPExchange topic 交换机名
	AMQPExchange string `yaml:"amqp_exchange" env:"AMQP_EXCHANGE"`
}

// LogConfig 日志配置
type LogConfig struct {
	// 日志级别: debug, info, warn, error
	Level string `yaml:"level" env:"LEVEL"`
	// 输出格式: json, console
	Format string `yaml:"format" env:"FORMAT"`
	// 输出路径
	OutputPaths []string `yaml:"output_paths" env:"OUTPUT_PATHS"`
	// 是否启用调用者信息
	EnableCaller bool `yaml:"enable_caller" env:"ENABLE_CALLER"`
	// 是否启用堆栈跟踪
	EnableStacktrace bool `yaml:"enable_stacktrace" env:"ENABLE_STACKTRACE"`
}

// TelemetryConfig 遥测配置
type TelemetryConfig struct {
	// 是否启用
	Enabled bool `yaml:"enabled" env:"ENABLED"`
	// OTLP 端点
	OTLPEndpoint string `yaml:"otlp_endpoint" env:"OTLP_ENDPOINT"`
	// 服务名称
	ServiceName string `yaml:"service_name" env:"SERVICE_NAME"`
	// 采样率
	SampleRate float64 `yaml:"sample_rate" env:"SAMPLE_RATE"`
	// 部署环境，写入 deployment.environment
	Environment string `yaml:"environment" env:"ENVIRONMENT"`
	// 指标导出周期
	MetricInterval time.Duration `yaml:"metric_interval" env:"METRIC_INTERVAL"`
}

// =============================================================================
// 🔧 配置加载器
// =============================================================================

// Loader 配置加载器（Builder 模式）
type Loader struct {
	configPath string
	envPrefix  string
	validators []func(*Config) error
}

// NewLoader 创建新的配置加载器
func NewLoader() *Loader {
	return &Loader{
		envPrefix:  "AGENTBRIDGE",
		validators: make([]func(*Config) error, 0),
	}
}

// WithConfigPath 设置配置文件路径
func (l *Loader) WithConfigPath(path string) *Loader {
	l.configPath = path
	return l
}

// WithEnvPrefix 设置环境变量前缀
func (l *Loader) WithEnvPrefix(prefix string) *Loader {
	l.envPrefix = prefix
	return l
}

// WithValidator 添加配置验证器
func (l *Loader) WithValidator(v func(*Config) error) *Loader {
	l.validators = append(l.validators, v)
	return l
}

// Load 加载配置
// 优先级: 默认值 → YAML 文件 → 环境变量
func (l *Loader) Load() (*Config, error) {
	cfg := DefaultConfig()

	if l.configPath != "" {
		if err := l.loadFromFile(cfg); err != nil {
			return nil, fmt.Errorf("failed to load config from file: %w", err)
		}
	}

	if err := l.loadFromEnv(cfg); err != nil {
		return nil, fmt.Errorf("failed to load config from env: %w", err)
	}

	for _, v := range l.validators {
		if err := v(cfg); err != nil {
			return nil, fmt.Errorf("config validation failed: %w", err)
		}
	}

	return cfg, nil
}

// loadFromFile 从 YAML 文件加载配置；文件不存在时保留默认值
func (l *Loader) loadFromFile(cfg *Config) error {
	data, err := os.ReadFile(l.configPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("failed to parse config file: %w", err)
	}

	return nil
}

func (l *Loader) loadFromEnv(cfg *Config) error {
	return l.setFieldsFromEnv(reflect.ValueOf(cfg).Elem(), l.envPrefix)
}

// setFieldsFromEnv 递归设置结构体字段
func (l *Loader) setFieldsFromEnv(v reflect.Value, prefix string) error {
	t := v.Type()

	for i := 0; i < v.NumField(); i++ {
		field := v.Field(i)
		fieldType := t.Field(i)

		envTag := fieldType.Tag.Get("env")
		if envTag == "" || envTag == "-" {
			continue
		}

		envKey := prefix + "_" + envTag

		if field.Kind() == reflect.Struct {
			if err := l.setFieldsFromEnv(field, envKey); err != nil {
				return err
			}
			continue
		}

		envValue := os.Getenv(envKey)
		if envValue == "" {
			continue
		}

		if err := setFieldValue(field, envValue); err != nil {
			return fmt.Errorf("failed to set %s: %w", envKey, err)
		}
	}

	return nil
}

// setFieldValue 按字段类型解析字符串
func setFieldValue(field reflect.Value, value string) error {
	if !field.CanSet() {
		return nil
	}

	switch field.Kind() {
	case reflect.String:
		field.SetString(value)

	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		// time.Duration 按 "10s" 这类格式解析
		if field.Type() == reflect.TypeOf(time.Duration(0)) {
			d, err := time.ParseDuration(value)
			if err != nil {
				return err
			}
			field.SetInt(int64(d))
		} else {
			i, err := strconv.ParseInt(value, 10, 64)
			if err != nil {
				return err
			}
			field.SetInt(i)
		}

	case reflect.Float32, reflect.Float64:
		f, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return err
		}
		field.SetFloat(f)

	case reflect.Bool:
		b, err := strconv.ParseBool(value)
		if err != nil {
			return err
		}
		field.SetBool(b)

	case reflect.Slice:
		// 逗号分隔的字符串切片
		if field.Type().Elem().Kind() == reflect.String {
			parts := strings.Split(value, ",")
			for i := range parts {
				parts[i] = strings.TrimSpace(parts[i])
			}
			field.Set(reflect.ValueOf(parts))
		}
	}

	return nil
}

// =============================================================================
// 🔍 辅助函数
// =============================================================================

// MustLoad 加载配置，失败时 panic
func MustLoad(path string) *Config {
	cfg, err := NewLoader().WithConfigPath(path).Load()
	if err != nil {
		panic(fmt.Sprintf("failed to load config: %v", err))
	}
	return cfg
}

// LoadFromEnv 仅从环境变量加载配置
func LoadFromEnv() (*Config, error) {
	return NewLoader().Load()
}

// Validate 验证配置
func (c *Config) Validate() error {
	var errs []string

	if c.Server.HTTPPort <= 0 || c.Server.HTTPPort > 65535 {
		errs = append(errs, "invalid HTTP port")
	}
	if c.Server.MetricsPort < 0 || c.Server.MetricsPort > 65535 {
		errs = append(errs, "invalid metrics port")
	}
	if c.Server.RateLimitRPS < 0 {
		errs = append(errs, "rate_limit_rps must not be negative")
	}
	if c.Server.AuthToken != "" && c.Server.JWTSecret != "" {
		errs = append(errs, "auth_token and jwt_secret are mutually exclusive")
	}

	switch c.Bridge.Runner {
	case RunnerExecutor, RunnerOrchestrator:
	default:
		errs = append(errs, fmt.Sprintf("unknown runner %q", c.Bridge.Runner))
	}
	switch c.Bridge.Mode {
	case "streaming", "blocking":
	default:
		errs = append(errs, fmt.Sprintf("unknown execution mode %q", c.Bridge.Mode))
	}
	if c.Bridge.FlushThreshold <= 0 {
		errs = append(errs, "flush_threshold must be positive")
	}
	if c.Bridge.HeartbeatInterval <= 0 {
		errs = append(errs, "heartbeat_interval must be positive")
	}
	if c.Bridge.RequestTimeout <= 0 {
		errs = append(errs, "request_timeout must be positive")
	}

	if c.Client.PollAttempts <= 0 {
		errs = append(errs, "poll_attempts must be positive")
	}
	if c.Client.PollInterval <= 0 {
		errs = append(errs, "poll_interval must be positive")
	}
	if c.Client.MaxAttempts <= 0 {
		errs = append(errs, "max_attempts must be positive")
	}
	if c.Client.RetryDelay < 0 {
		errs = append(errs, "retry_delay must not be negative")
	}

	switch c.Fingerprint.Backend {
	case "memory", "redis":
	default:
		errs = append(errs, fmt.Sprintf("unknown fingerprint backend %q", c.Fingerprint.Backend))
	}
	if c.Fingerprint.Backend == "memory" && c.Fingerprint.MaxEntries <= 0 {
		errs = append(errs, "fingerprint max_entries must be positive")
	}

	if c.Bridge.Runner == RunnerOrchestrator {
		if c.Peers.DataCollection == "" || c.Peers.Analysis == "" || c.Peers.Trading == "" {
			errs = append(errs, "orchestrator runner requires all peer URLs")
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation errors: %s", strings.Join(errs, "; "))
	}

	return nil
}

// Endpoints 返回已配置的步骤到地址映射，键与工作流步骤名一致
func (p PeersConfig) Endpoints() map[string]string {
	out := make(map[string]string, 3)
	if p.DataCollection != "" {
		out["data_collection"] = p.DataCollection
	}
	if p.Analysis != "" {
		out["analysis"] = p.Analysis
	}
	if p.Trading != "" {
		out["trading"] = p.Trading
	}
	return out
}
