package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/BaSui01/agentbridge/agent/protocol/a2a"
	"github.com/BaSui01/agentbridge/bridge/client"
	"github.com/BaSui01/agentbridge/bridge/executor"
	"github.com/BaSui01/agentbridge/bridge/fingerprint"
	"github.com/BaSui01/agentbridge/bridge/graph"
	"github.com/BaSui01/agentbridge/bridge/handler"
	"github.com/BaSui01/agentbridge/bridge/lifecycle"
	"github.com/BaSui01/agentbridge/bridge/orchestrator"
	"github.com/BaSui01/agentbridge/bridge/taskstore"
	"github.com/BaSui01/agentbridge/bridge/translator"
	"github.com/BaSui01/agentbridge/config"
	"github.com/BaSui01/agentbridge/internal/cache"
	"github.com/BaSui01/agentbridge/internal/metrics"
	"github.com/BaSui01/agentbridge/internal/server"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// =============================================================================
// 🖥️ Server 结构
// =============================================================================

// Server 组装任务表、执行者、协议服务器与指标端口
type Server struct {
	cfg       *config.Config
	logger    *zap.Logger
	collector *metrics.Collector

	store        *taskstore.MemoryStore
	broker       *lifecycle.Broker
	redis        *cache.Manager
	sinks        []lifecycle.Sink
	fingerprints fingerprint.Cache
	orchestrator *orchestrator.Orchestrator
	handler      *handler.Handler
	a2aServer    *a2a.HTTPServer

	limiterCancel context.CancelFunc
}

// NewServer 按配置创建全部组件；外部依赖（Redis、RabbitMQ）连接失败时返回错误
func NewServer(cfg *config.Config, logger *zap.Logger, collector *metrics.Collector) (*Server, error) {
	s := &Server{
		cfg:       cfg,
		logger:    logger,
		collector: collector,
		broker:    lifecycle.NewBroker(logger),
		store: taskstore.NewMemoryStore(
			taskstore.WithLogger(logger),
			taskstore.WithCleanup(cfg.Bridge.CleanupInterval, cfg.Bridge.TaskRetention),
		),
	}

	if err := s.initRedis(); err != nil {
		s.close()
		return nil, err
	}
	if err := s.initSinks(); err != nil {
		s.close()
		return nil, err
	}
	s.initFingerprints()

	runner, err := s.initRunner()
	if err != nil {
		s.close()
		return nil, err
	}

	s.handler = handler.New(s.store, s.broker, runner, handler.Config{
		RequestTimeout: cfg.Bridge.RequestTimeout,
		Sinks:          s.sinks,
		Recorder:       collector,
		Logger:         logger,
	})

	s.a2aServer = a2a.NewHTTPServer(&a2a.ServerConfig{
		RPCPath: cfg.Server.RPCPath,
		// 比同步等待多留余量，让处理器先返回快照
		RequestTimeout: cfg.Bridge.RequestTimeout + 5*time.Second,
		EnableAuth:     cfg.Server.AuthToken != "",
		AuthToken:      cfg.Server.AuthToken,
		Logger:         logger,
	}, s.agentCard(), s.handler)

	return s, nil
}

// =============================================================================
// 🔧 初始化方法
// =============================================================================

func (s *Server) initRedis() error {
	if s.cfg.Fingerprint.Backend != "redis" && !s.cfg.Events.RedisEnabled {
		return nil
	}
	rc := cache.DefaultConfig()
	rc.Addr = s.cfg.Redis.Addr
	rc.Password = s.cfg.Redis.Password
	rc.DB = s.cfg.Redis.DB
	rc.PoolSize = s.cfg.Redis.PoolSize
	rc.MinIdleConns = s.cfg.Redis.MinIdleConns

	mgr, err := cache.NewManager(rc, s.logger)
	if err != nil {
		return fmt.Errorf("init redis: %w", err)
	}
	s.redis = mgr
	return nil
}

func (s *Server) initSinks() error {
	if s.cfg.Events.RedisEnabled {
		s.sinks = append(s.sinks, lifecycle.NewRedisSink(s.redis.Client(), s.cfg.Events.RedisChannelPrefix))
		s.logger.Info("redis status sink enabled", zap.String("prefix", s.cfg.Events.RedisChannelPrefix))
	}
	if s.cfg.Events.AMQPURL != "" {
		sink, err := lifecycle.NewAMQPSink(lifecycle.AMQPConfig{
			URL:      s.cfg.Events.AMQPURL,
			Exchange: s.cfg.Events.AMQPExchange,
		})
		if err != nil {
			return fmt.Errorf("init amqp sink: %w", err)
		}
		s.sinks = append(s.sinks, sink)
		s.logger.Info("amqp status sink enabled", zap.String("exchange", s.cfg.Events.AMQPExchange))
	}
	return nil
}

func (s *Server) initFingerprints() {
	fc := s.cfg.Fingerprint
	if fc.Backend == "redis" {
		s.fingerprints = fingerprint.NewRedisCache(s.redis.Client(), fc.KeyPrefix, fc.TTL, s.logger)
		return
	}
	s.fingerprints = fingerprint.NewMemoryCache(fc.MaxEntries, fc.TTL)
}

// initRunner 按配置选择计算图执行器或工作流编排器
func (s *Server) initRunner() (lifecycle.Runner, error) {
	if s.cfg.Bridge.Runner == config.RunnerOrchestrator {
		peers, err := s.buildPeers()
		if err != nil {
			return nil, err
		}
		s.orchestrator = orchestrator.New(s.store, peers,
			orchestrator.WithLogger(s.logger),
			orchestrator.WithRecorder(s.collector),
			orchestrator.WithBroker(s.broker),
		)
		return s.orchestrator, nil
	}

	mode, ok := executor.ParseMode(s.cfg.Bridge.Mode)
	if !ok {
		return nil, fmt.Errorf("unknown execution mode %q", s.cfg.Bridge.Mode)
	}
	return executor.New(graph.NewEchoGraph(), executor.Config{
		DefaultMode: mode,
		Translator: translator.Config{
			FlushThreshold:    s.cfg.Bridge.FlushThreshold,
			HeartbeatInterval: s.cfg.Bridge.HeartbeatInterval,
			TerminalNodes:     s.cfg.Bridge.TerminalNodes,
			Logger:            s.logger,
		},
		Logger: s.logger,
	}), nil
}

// buildPeers 为每个工作流步骤创建出站引擎
func (s *Server) buildPeers() (map[orchestrator.Step]orchestrator.Peer, error) {
	endpoints := s.cfg.Peers.Endpoints()
	peers := make(map[orchestrator.Step]orchestrator.Peer, len(endpoints))
	for _, step := range orchestrator.AllSteps {
		url, ok := endpoints[string(step)]
		if !ok {
			return nil, fmt.Errorf("peer for step %s not configured", step)
		}
		peers[step] = newPeerEngine(s.cfg.Client, url, string(step), s.fingerprints, s.collector, s.logger)
	}
	return peers, nil
}

// newPeerEngine 组装面向单个对端的 HTTP 传输与消息引擎
func newPeerEngine(cc config.ClientConfig, url, name string, fp fingerprint.Cache, rec client.Recorder, logger *zap.Logger) *client.Engine {
	transportCfg := a2a.DefaultClientConfig()
	transportCfg.ConnectTimeout = cc.ConnectTimeout
	transportCfg.ReadTimeout = cc.ReadTimeout
	transportCfg.CardTTL = cc.CardTTL
	if cc.AuthToken != "" {
		transportCfg.Headers["Authorization"] = "Bearer " + cc.AuthToken
	}

	opts := []client.Option{client.WithName(name), client.WithLogger(logger)}
	if fp != nil {
		opts = append(opts, client.WithCache(fp))
	}
	if rec != nil {
		opts = append(opts, client.WithRecorder(rec))
	}

	return client.NewEngine(a2a.NewHTTPClient(url, transportCfg), client.Config{
		PollAttempts:     cc.PollAttempts,
		PollInterval:     cc.PollInterval,
		MaxAttempts:      cc.MaxAttempts,
		RetryDelay:       cc.RetryDelay,
		Streaming:        cc.Streaming,
		ReuseCachedTasks: cc.ReuseCachedTasks,
	}, opts...)
}

// agentCard 按执行者生成代理卡
func (s *Server) agentCard() *a2a.AgentCard {
	baseURL := s.cfg.Server.BaseURL
	if baseURL == "" {
		baseURL = fmt.Sprintf("http://localhost:%d", s.cfg.Server.HTTPPort)
	}
	card := a2a.NewAgentCard(s.cfg.Server.AgentName, s.cfg.Server.AgentDescription, baseURL+s.cfg.Server.RPCPath, Version).
		WithStreaming(true).
		SetMetadata("runner", s.cfg.Bridge.Runner)

	if s.orchestrator != nil {
		return card.AddSkill(a2a.AgentSkill{
			ID:          "workflow",
			Name:        "Multi-agent workflow",
			Description: "Routes a request through data collection, analysis and trading peers",
			Tags:        []string{"workflow", "orchestration"},
			Examples:    []string{"Collect Samsung Electronics prices", "Analyze the trend and buy 10 shares"},
		})
	}
	card.SetMetadata(executor.MetadataExecutionMode, s.cfg.Bridge.Mode)
	return card.AddSkill(a2a.AgentSkill{
		ID:          "graph",
		Name:        "Computation graph",
		Description: "Runs the configured computation graph and streams its progress",
		Tags:        []string{"graph", "streaming"},
	})
}

// =============================================================================
// 🌐 HTTP 路由
// =============================================================================

// publicPaths 不需要认证的路径
func (s *Server) publicPaths() []string {
	return []string{"/health", "/healthz", "/ready", "/version", "/.well-known/agent.json"}
}

// Handler 构建带中间件链的入站路由；ctx 结束时停止限流器的清理协程
func (s *Server) Handler(ctx context.Context) http.Handler {
	mux := http.NewServeMux()

	rpc := s.cfg.Server.RPCPath
	mux.Handle("GET /.well-known/agent.json", s.a2aServer)
	mux.Handle("POST "+rpc, s.a2aServer)
	mux.Handle("GET "+rpc+"/ws", s.a2aServer)

	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.HandleFunc("GET /ready", s.handleReady)
	mux.HandleFunc("GET /version", s.handleVersion)

	if s.orchestrator != nil {
		mux.Handle("GET /workflows/{id}/status", s.orchestrator.StatusHandler())
	}

	middlewares := []Middleware{
		Recovery(s.logger),
		RequestID(),
		SecurityHeaders(),
		RequestLogger(s.logger),
		OTelTracing(),
		MetricsMiddleware(s.collector),
	}
	if s.cfg.Server.RateLimitRPS > 0 {
		limiterCtx, cancel := context.WithCancel(ctx)
		s.limiterCancel = cancel
		middlewares = append(middlewares, RateLimiter(limiterCtx, s.cfg.Server.RateLimitRPS, s.cfg.Server.RateLimitBurst, s.logger))
	}
	if s.cfg.Server.JWTSecret != "" {
		middlewares = append(middlewares, JWTAuth(JWTConfig{
			Secret: s.cfg.Server.JWTSecret,
			Issuer: s.cfg.Server.JWTIssuer,
		}, s.publicPaths(), s.logger))
	}

	return Chain(mux, middlewares...)
}

type healthResponse struct {
	Status       string         `json:"status"`
	Version      string         `json:"version"`
	RunningTasks int            `json:"running_tasks"`
	Tasks        int            `json:"tasks"`
	States       map[string]int `json:"states,omitempty"`
	Redis        string         `json:"redis,omitempty"`
}

func (s *Server) health(ctx context.Context) healthResponse {
	stats := s.store.Stats(ctx)
	resp := healthResponse{
		Status:       "ok",
		Version:      Version,
		RunningTasks: s.handler.Running(),
		Tasks:        stats.Total,
		States:       make(map[string]int, len(stats.StateCounts)),
	}
	for state, n := range stats.StateCounts {
		resp.States[string(state)] = n
	}
	if s.redis != nil {
		resp.Redis = "ok"
		if !s.redis.Healthy() {
			resp.Redis = "unavailable"
			resp.Status = "degraded"
		}
	}
	return resp
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.health(r.Context()))
}

// handleReady Redis 不可用时返回 503
func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	resp := s.health(r.Context())
	status := http.StatusOK
	if resp.Status != "ok" {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, resp)
}

func (s *Server) handleVersion(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"version":    Version,
		"build_time": BuildTime,
		"git_commit": GitCommit,
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// =============================================================================
// 🚀 运行与关闭
// =============================================================================

// Run 启动协议端口与指标端口，阻塞到 ctx 结束或任一端口异常退出
func (s *Server) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	httpManager := server.NewManager("a2a", s.Handler(gctx), server.Config{
		Addr:            fmt.Sprintf(":%d", s.cfg.Server.HTTPPort),
		ReadTimeout:     s.cfg.Server.ReadTimeout,
		WriteTimeout:    s.cfg.Server.WriteTimeout,
		IdleTimeout:     2 * s.cfg.Server.ReadTimeout,
		MaxHeaderBytes:  1 << 20,
		ShutdownTimeout: s.cfg.Server.ShutdownTimeout,
	}, s.logger)
	g.Go(func() error { return httpManager.Run(gctx) })

	if s.cfg.Server.MetricsPort > 0 {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		metricsManager := server.NewManager("metrics", mux, server.Config{
			Addr:            fmt.Sprintf(":%d", s.cfg.Server.MetricsPort),
			ReadTimeout:     s.cfg.Server.ReadTimeout,
			WriteTimeout:    s.cfg.Server.ReadTimeout,
			ShutdownTimeout: s.cfg.Server.ShutdownTimeout,
		}, s.logger)
		g.Go(func() error { return metricsManager.Run(gctx) })
	}

	s.logger.Info("agentbridge started",
		zap.Int("http_port", s.cfg.Server.HTTPPort),
		zap.Int("metrics_port", s.cfg.Server.MetricsPort),
		zap.String("runner", s.cfg.Bridge.Runner),
	)

	err := g.Wait()
	s.Shutdown()
	return err
}

// Shutdown 中止运行中的任务并释放外部连接
func (s *Server) Shutdown() {
	s.logger.Info("starting graceful shutdown")

	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.Server.ShutdownTimeout)
	defer cancel()

	if s.handler != nil {
		if err := s.handler.Close(ctx); err != nil {
			s.logger.Warn("running tasks did not finish before shutdown", zap.Error(err))
		}
	}
	s.close()
	s.logger.Info("graceful shutdown completed")
}

func (s *Server) close() {
	if s.limiterCancel != nil {
		s.limiterCancel()
	}
	var errs []error
	for _, sink := range s.sinks {
		errs = append(errs, sink.Close())
	}
	if s.redis != nil {
		errs = append(errs, s.redis.Close())
	}
	errs = append(errs, s.store.Close())
	if err := errors.Join(errs...); err != nil {
		s.logger.Warn("error while releasing resources", zap.Error(err))
	}
}
