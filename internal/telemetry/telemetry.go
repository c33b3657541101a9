// =============================================================================
// agentbridge OpenTelemetry 初始化
// =============================================================================
// 资源属性描述当前桥接实例：代理名、执行方式（计算图执行器或工作流编排器）、
// 执行模式与实例 ID，对端与本端的 span 可按这些属性区分。
// 配置关闭时不创建任何导出器，全局 Provider 保持 noop；
// 执行器、客户端引擎与编排器通过 otel.Tracer 取用全局 Provider。
// =============================================================================

package telemetry

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sort"

	"github.com/BaSui01/agentbridge/config"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.uber.org/zap"
)

// 桥接实例的资源属性键
const (
	AttrAgentName     = attribute.Key("agentbridge.agent.name")
	AttrRunner        = attribute.Key("agentbridge.runner")
	AttrExecutionMode = attribute.Key("agentbridge.execution_mode")
	AttrRPCPath       = attribute.Key("agentbridge.rpc_path")
	AttrPeerSteps     = attribute.Key("agentbridge.peer.steps")
)

// Identity 当前桥接实例的身份
type Identity struct {
	AgentName string
	Runner    string
	Mode      string
	RPCPath   string
	// PeerSteps 编排器模式下已配置对端的步骤名
	PeerSteps []string
	// InstanceID 为空时自动生成
	InstanceID string
}

// IdentityFromConfig 从完整配置提取实例身份
func IdentityFromConfig(cfg *config.Config) Identity {
	id := Identity{
		AgentName: cfg.Server.AgentName,
		Runner:    cfg.Bridge.Runner,
		Mode:      cfg.Bridge.Mode,
		RPCPath:   cfg.Server.RPCPath,
	}
	if cfg.Bridge.Runner == config.RunnerOrchestrator {
		for step, url := range cfg.Peers.Endpoints() {
			if url != "" {
				id.PeerSteps = append(id.PeerSteps, step)
			}
		}
		sort.Strings(id.PeerSteps)
	}
	return id
}

// Providers 持有 SDK 的 TracerProvider 与 MeterProvider，禁用时均为 nil
type Providers struct {
	tp  *sdktrace.TracerProvider
	mp  *sdkmetric.MeterProvider
	res *resource.Resource
}

// Init 初始化 OTel SDK 并注册为全局 Provider。
// version 为空时从构建信息读取。传播器总会注册，
// 这样即使本地不导出，入站的 traceparent 也能透传给对端。
func Init(ctx context.Context, cfg config.TelemetryConfig, id Identity, version string, logger *zap.Logger) (*Providers, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	if !cfg.Enabled {
		logger.Info("telemetry disabled, using noop providers")
		return &Providers{}, nil
	}

	res, err := NewResource(ctx, cfg, id, version)
	if err != nil {
		return nil, err
	}

	tp, err := newTracerProvider(ctx, cfg, res)
	if err != nil {
		return nil, err
	}
	mp, err := newMeterProvider(ctx, cfg, res)
	if err != nil {
		_ = tp.Shutdown(ctx)
		return nil, err
	}

	otel.SetTracerProvider(tp)
	otel.SetMeterProvider(mp)

	logger.Info("telemetry initialized",
		zap.String("endpoint", cfg.OTLPEndpoint),
		zap.String("service_name", cfg.ServiceName),
		zap.String("runner", id.Runner),
		zap.String("execution_mode", id.Mode),
		zap.Float64("sample_rate", cfg.SampleRate),
	)

	return &Providers{tp: tp, mp: mp, res: res}, nil
}

// NewResource 构建服务与桥接实例的资源描述
func NewResource(ctx context.Context, cfg config.TelemetryConfig, id Identity, version string) (*resource.Resource, error) {
	if version == "" {
		version = buildVersion()
	}
	if id.InstanceID == "" {
		id.InstanceID = uuid.NewString()
	}

	attrs := []attribute.KeyValue{
		semconv.ServiceName(cfg.ServiceName),
		semconv.ServiceVersion(version),
		semconv.ServiceNamespace("agentbridge"),
		semconv.ServiceInstanceID(id.InstanceID),
		AttrRunner.String(id.Runner),
	}
	if cfg.Environment != "" {
		attrs = append(attrs, semconv.DeploymentEnvironment(cfg.Environment))
	}
	if id.AgentName != "" {
		attrs = append(attrs, AttrAgentName.String(id.AgentName))
	}
	if id.RPCPath != "" {
		attrs = append(attrs, AttrRPCPath.String(id.RPCPath))
	}
	// 执行模式只对计算图执行器有意义
	if id.Runner != config.RunnerOrchestrator && id.Mode != "" {
		attrs = append(attrs, AttrExecutionMode.String(id.Mode))
	}
	if len(id.PeerSteps) > 0 {
		attrs = append(attrs, AttrPeerSteps.StringSlice(id.PeerSteps))
	}

	res, err := resource.New(ctx, resource.WithAttributes(attrs...))
	if err != nil {
		return nil, fmt.Errorf("create otel resource: %w", err)
	}
	return res, nil
}

func newTracerProvider(ctx context.Context, cfg config.TelemetryConfig, res *resource.Resource) (*sdktrace.TracerProvider, error) {
	exporter, err := otlptracegrpc.New(ctx,
		otlptracegrpc.WithEndpoint(cfg.OTLPEndpoint),
		otlptracegrpc.WithInsecure(),
	)
	if err != nil {
		return nil, fmt.Errorf("create trace exporter: %w", err)
	}
	// 上游已采样的请求（如编排器调用对端）保持采样决定
	return sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(cfg.SampleRate))),
	), nil
}

func newMeterProvider(ctx context.Context, cfg config.TelemetryConfig, res *resource.Resource) (*sdkmetric.MeterProvider, error) {
	exporter, err := otlpmetricgrpc.New(ctx,
		otlpmetricgrpc.WithEndpoint(cfg.OTLPEndpoint),
		otlpmetricgrpc.WithInsecure(),
	)
	if err != nil {
		return nil, fmt.Errorf("create metric exporter: %w", err)
	}
	var readerOpts []sdkmetric.PeriodicReaderOption
	if cfg.MetricInterval > 0 {
		readerOpts = append(readerOpts, sdkmetric.WithInterval(cfg.MetricInterval))
	}
	return sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exporter, readerOpts...)),
		sdkmetric.WithResource(res),
	), nil
}

// Enabled 是否创建了真实的 Provider
func (p *Providers) Enabled() bool {
	return p != nil && p.tp != nil
}

// Resource 启用时的资源描述，禁用时为 nil
func (p *Providers) Resource() *resource.Resource {
	if p == nil {
		return nil
	}
	return p.res
}

// Shutdown 刷新未发送的数据并关闭导出器，nil 或 noop 时直接返回
func (p *Providers) Shutdown(ctx context.Context) error {
	if p == nil {
		return nil
	}
	var errs []error
	if p.tp != nil {
		if err := p.tp.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("shutdown tracer provider: %w", err))
		}
	}
	if p.mp != nil {
		if err := p.mp.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("shutdown meter provider: %w", err))
		}
	}
	return errors.Join(errs...)
}

// buildVersion 从构建信息读取模块版本，缺失时为 dev
func buildVersion() string {
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return "dev"
	}
	if info.Main.Version != "" && info.Main.Version != "(devel)" {
		return info.Main.Version
	}
	return "dev"
}
