package metrics

import (
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
)

var collectorNamespaceSeq uint64

func nextTestNamespace() string {
	seq := atomic.AddUint64(&collectorNamespaceSeq, 1)
	return fmt.Sprintf("test_%d", seq)
}

// =============================================================================
// 🧪 Collector 测试
// =============================================================================

func TestNewCollector(t *testing.T) {
	collector := NewCollector(nextTestNamespace(), zap.NewNop())

	assert.NotNil(t, collector)
	assert.NotNil(t, collector.httpRequestsTotal)
	assert.NotNil(t, collector.taskTransitions)
	assert.NotNil(t, collector.clientRequestsTotal)
	assert.NotNil(t, collector.workflowSteps)
}

func TestNewCollector_NilLogger(t *testing.T) {
	assert.NotPanics(t, func() { NewCollector(nextTestNamespace(), nil) })
}

func TestCollector_RecordHTTPRequest(t *testing.T) {
	collector := NewCollector(nextTestNamespace(), zap.NewNop())

	collector.RecordHTTPRequest("POST", "/a2a", 200, 100*time.Millisecond, 1024, 2048)
	collector.RecordHTTPRequest("POST", "/a2a", 200, 50*time.Millisecond, 512, 1024)
	collector.RecordHTTPRequest("POST", "/a2a", 503, 10*time.Millisecond, 512, 64)

	assert.Equal(t, float64(2), testutil.ToFloat64(collector.httpRequestsTotal.WithLabelValues("POST", "/a2a", "2xx")))
	assert.Equal(t, float64(1), testutil.ToFloat64(collector.httpRequestsTotal.WithLabelValues("POST", "/a2a", "5xx")))
	assert.Equal(t, 1, testutil.CollectAndCount(collector.httpRequestDuration))
}

func TestCollector_TaskMetrics(t *testing.T) {
	collector := NewCollector(nextTestNamespace(), zap.NewNop())

	collector.RecordTaskCreated()
	collector.RecordTaskCreated()
	collector.RecordTaskTransition("submitted", "working")
	collector.RecordTaskTransition("working", "working")
	collector.RecordTaskTransition("working", "completed")
	collector.RecordTaskTransition("working", "input_required")

	assert.Equal(t, float64(2), testutil.ToFloat64(collector.tasksCreated))
	assert.Equal(t, float64(1), testutil.ToFloat64(collector.taskTransitions.WithLabelValues("working", "completed")))
	assert.Equal(t, 4, testutil.CollectAndCount(collector.taskTransitions))
	assert.Equal(t, float64(1), testutil.ToFloat64(collector.tasksFinished.WithLabelValues("completed")))
	// input_required 不是终态
	assert.Equal(t, 1, testutil.CollectAndCount(collector.tasksFinished))
}

func TestCollector_ClientMetrics(t *testing.T) {
	collector := NewCollector(nextTestNamespace(), zap.NewNop())

	collector.RecordClientRequest("analysis", "ok", 2*time.Second)
	collector.RecordClientRequest("analysis", "timeout", 120*time.Second)
	collector.RecordPollAttempt("analysis")
	collector.RecordPollAttempt("analysis")
	collector.RecordRetry("analysis")

	assert.Equal(t, float64(1), testutil.ToFloat64(collector.clientRequestsTotal.WithLabelValues("analysis", "timeout")))
	assert.Equal(t, float64(2), testutil.ToFloat64(collector.pollAttempts.WithLabelValues("analysis")))
	assert.Equal(t, float64(1), testutil.ToFloat64(collector.retries.WithLabelValues("analysis")))
}

func TestCollector_CacheAndWorkflow(t *testing.T) {
	collector := NewCollector(nextTestNamespace(), zap.NewNop())

	collector.RecordCacheLookup(true)
	collector.RecordCacheLookup(false)
	collector.RecordCacheLookup(false)
	collector.RecordWorkflowStep("data_collection", "ok", time.Second)
	collector.RecordWorkflowStep("analysis", "error", time.Second)

	assert.Equal(t, float64(1), testutil.ToFloat64(collector.cacheHits.WithLabelValues("fingerprint")))
	assert.Equal(t, float64(2), testutil.ToFloat64(collector.cacheMisses.WithLabelValues("fingerprint")))
	assert.Equal(t, float64(1), testutil.ToFloat64(collector.workflowSteps.WithLabelValues("analysis", "error")))
	assert.Equal(t, 2, testutil.CollectAndCount(collector.workflowStepDuration))
}

func TestStatusCode(t *testing.T) {
	tests := map[int]string{200: "2xx", 204: "2xx", 301: "3xx", 404: "4xx", 429: "4xx", 500: "5xx", 0: "unknown"}
	for code, want := range tests {
		assert.Equal(t, want, statusCode(code), "code %d", code)
	}
}
