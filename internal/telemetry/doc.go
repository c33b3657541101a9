// Package telemetry 封装 OpenTelemetry SDK 初始化，
// 为 agentbridge 提供集中式的 TracerProvider 和 MeterProvider 配置。
// 资源属性带上桥接实例身份（agentbridge.runner、agentbridge.execution_mode、
// agentbridge.peer.steps 等）。禁用时使用 noop 实现，不连接任何外部服务。
package telemetry
