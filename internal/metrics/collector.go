// Package metrics provides internal metrics collection.
// This package is internal and should not be imported by external projects.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"
)

// =============================================================================
// 📊 指标收集器
// =============================================================================

// Collector 指标收集器。实现 lifecycle.Recorder、handler.Recorder、
// client.Recorder 与 orchestrator.Recorder。
type Collector struct {
	// HTTP 指标
	httpRequestsTotal   *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec
	httpRequestSize     *prometheus.HistogramVec
	httpResponseSize    *prometheus.HistogramVec

	// 任务指标
	tasksCreated    prometheus.Counter
	taskTransitions *prometheus.CounterVec
	tasksFinished   *prometheus.CounterVec

	// 出站客户端指标
	clientRequestsTotal   *prometheus.CounterVec
	clientRequestDuration *prometheus.HistogramVec
	pollAttempts          *prometheus.CounterVec
	retries               *prometheus.CounterVec

	// 指纹缓存指标
	cacheHits   *prometheus.CounterVec
	cacheMisses *prometheus.CounterVec

	// 工作流指标
	workflowSteps        *prometheus.CounterVec
	workflowStepDuration *prometheus.HistogramVec

	logger *zap.Logger
}

// NewCollector 创建指标收集器
func NewCollector(namespace string, logger *zap.Logger) *Collector {
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &Collector{
		logger: logger.With(zap.String("component", "metrics")),
	}

	// HTTP 指标
	c.httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	c.httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	c.httpRequestSize = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_size_bytes",
			Help:      "HTTP request size in bytes",
			Buckets:   prometheus.ExponentialBuckets(100, 10, 8),
		},
		[]string{"method", "path"},
	)

	c.httpResponseSize = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_response_size_bytes",
			Help:      "HTTP response size in bytes",
			Buckets:   prometheus.ExponentialBuckets(100, 10, 8),
		},
		[]string{"method", "path"},
	)

	// 任务指标
	c.tasksCreated = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tasks_created_total",
			Help:      "Total number of tasks created by the inbound surface",
		},
	)

	c.taskTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "task_state_transitions_total",
			Help:      "Total number of task state transitions",
		},
		[]string{"from_state", "to_state"},
	)

	c.tasksFinished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tasks_finished_total",
			Help:      "Total number of tasks that reached a terminal state",
		},
		[]string{"state"},
	)

	// 出站客户端指标
	c.clientRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "client_requests_total",
			Help:      "Total number of outbound message sends",
		},
		[]string{"peer", "outcome"}, // outcome: ok, error, timeout, reused
	)

	c.clientRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "client_request_duration_seconds",
			Help:      "Outbound message send duration in seconds, including polling",
			Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120, 300},
		},
		[]string{"peer"},
	)

	c.pollAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "client_poll_attempts_total",
			Help:      "Total number of task polls issued to peers",
		},
		[]string{"peer"},
	)

	c.retries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "client_retries_total",
			Help:      "Total number of retried network calls",
		},
		[]string{"peer"},
	)

	// 指纹缓存指标
	c.cacheHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_hits_total",
			Help:      "Total number of cache hits",
		},
		[]string{"cache_type"},
	)

	c.cacheMisses = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_misses_total",
			Help:      "Total number of cache misses",
		},
		[]string{"cache_type"},
	)

	// 工作流指标
	c.workflowSteps = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "workflow_steps_total",
			Help:      "Total number of workflow steps executed",
		},
		[]string{"step", "outcome"},
	)

	c.workflowStepDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "workflow_step_duration_seconds",
			Help:      "Workflow step duration in seconds",
			Buckets:   []float64{0.1, 0.5, 1, 5, 10, 30, 60, 120, 300},
		},
		[]string{"step"},
	)

	logger.Info("metrics collector initialized", zap.String("namespace", namespace))

	return c
}

// =============================================================================
// 🎯 HTTP 指标记录
// =============================================================================

// RecordHTTPRequest 记录 HTTP 请求
func (c *Collector) RecordHTTPRequest(method, path string, status int, duration time.Duration, requestSize, responseSize int64) {
	c.httpRequestsTotal.WithLabelValues(method, path, statusCode(status)).Inc()
	c.httpRequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
	c.httpRequestSize.WithLabelValues(method, path).Observe(float64(requestSize))
	c.httpResponseSize.WithLabelValues(method, path).Observe(float64(responseSize))
}

// =============================================================================
// 📋 任务指标记录
// =============================================================================

// RecordTaskCreated 记录任务创建
func (c *Collector) RecordTaskCreated() {
	c.tasksCreated.Inc()
}

// RecordTaskTransition 记录状态迁移；进入终态时同时计入完成数
func (c *Collector) RecordTaskTransition(from, to string) {
	c.taskTransitions.WithLabelValues(from, to).Inc()
	switch to {
	case "completed", "failed", "cancelled":
		c.tasksFinished.WithLabelValues(to).Inc()
	}
}

// =============================================================================
// 📡 出站客户端指标记录
// =============================================================================

// RecordClientRequest 记录一次完整的消息发送
func (c *Collector) RecordClientRequest(peer, outcome string, duration time.Duration) {
	c.clientRequestsTotal.WithLabelValues(peer, outcome).Inc()
	c.clientRequestDuration.WithLabelValues(peer).Observe(duration.Seconds())
}

// RecordPollAttempt 记录一次轮询
func (c *Collector) RecordPollAttempt(peer string) {
	c.pollAttempts.WithLabelValues(peer).Inc()
}

// RecordRetry 记录一次重试
func (c *Collector) RecordRetry(peer string) {
	c.retries.WithLabelValues(peer).Inc()
}

// =============================================================================
// 💾 缓存指标记录
// =============================================================================

// RecordCacheLookup 记录指纹缓存查询
func (c *Collector) RecordCacheLookup(hit bool) {
	if hit {
		c.cacheHits.WithLabelValues("fingerprint").Inc()
		return
	}
	c.cacheMisses.WithLabelValues("fingerprint").Inc()
}

// =============================================================================
// 🔀 工作流指标记录
// =============================================================================

// RecordWorkflowStep 记录工作流步骤
func (c *Collector) RecordWorkflowStep(step, outcome string, duration time.Duration) {
	c.workflowSteps.WithLabelValues(step, outcome).Inc()
	c.workflowStepDuration.WithLabelValues(step).Observe(duration.Seconds())
}

// =============================================================================
// 🔧 辅助函数
// =============================================================================

// statusCode 将 HTTP 状态码转换为字符串
func statusCode(code int) string {
	switch {
	case code >= 200 && code < 300:
		return "2xx"
	case code >= 300 && code < 400:
		return "3xx"
	case code >= 400 && code < 500:
		return "4xx"
	case code >= 500:
		return "5xx"
	default:
		return "unknown"
	}
}
