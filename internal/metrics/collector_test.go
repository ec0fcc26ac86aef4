package metrics

import (
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

var collectorNamespaceSeq uint64

func nextTestNamespace() string {
	seq := atomic.AddUint64(&collectorNamespaceSeq, 1)
	return fmt.Sprintf("test_%d", seq)
}

func newTestCollector(t *testing.T) *Collector {
	t.Helper()
	return NewCollector(nextTestNamespace(), prometheus.NewRegistry(), zap.NewNop())
}

// =============================================================================
// 🧪 Collector 测试
// =============================================================================

func TestNewCollector(t *testing.T) {
	collector := newTestCollector(t)

	assert.NotNil(t, collector)
	assert.NotNil(t, collector.scheduleAttempts)
	assert.NotNil(t, collector.taskTransitions)
	assert.NotNil(t, collector.handoffTransitions)
	assert.NotNil(t, collector.orchestrationTotal)
	assert.NotNil(t, collector.streamEvents)
	assert.NotNil(t, collector.httpRequestsTotal)
}

func TestCollector_RecordAttempt(t *testing.T) {
	collector := newTestCollector(t)

	collector.RecordAttempt("agent-a", "success", 100*time.Millisecond)
	collector.RecordAttempt("agent-a", "success", 50*time.Millisecond)
	collector.RecordAttempt("agent-b", "timeout", time.Second)

	assert.Equal(t, 2, testutil.CollectAndCount(collector.scheduleAttempts))
	assert.Equal(t, float64(2), testutil.ToFloat64(collector.scheduleAttempts.WithLabelValues("agent-a", "success")))
}

func TestCollector_QueueGaugesAndRejections(t *testing.T) {
	collector := newTestCollector(t)

	collector.SetQueueDepth(3, 2)
	collector.RecordRejected()
	collector.RecordRetry("agent-a", "TIMEOUT")

	assert.Equal(t, float64(3), testutil.ToFloat64(collector.scheduleQueued))
	assert.Equal(t, float64(2), testutil.ToFloat64(collector.scheduleActive))
	assert.Equal(t, float64(1), testutil.ToFloat64(collector.scheduleRejected))
	assert.Equal(t, float64(1), testutil.ToFloat64(collector.scheduleRetries.WithLabelValues("agent-a", "TIMEOUT")))
}

func TestCollector_RecordHandoff(t *testing.T) {
	collector := newTestCollector(t)

	collector.RecordHandoff("initiate", true)
	collector.RecordHandoff("nest", false)

	assert.Equal(t, float64(1), testutil.ToFloat64(collector.handoffTransitions.WithLabelValues("initiate", "success")))
	assert.Equal(t, float64(1), testutil.ToFloat64(collector.handoffTransitions.WithLabelValues("nest", "rejected")))
}

func TestCollector_RecordOrchestration(t *testing.T) {
	collector := newTestCollector(t)

	collector.RecordOrchestration("PARALLEL", "completed", 2*time.Second)
	collector.RecordDelegateResult("PARALLEL", "success")
	collector.RecordDelegateResult("PARALLEL", "failed")

	assert.Equal(t, 1, testutil.CollectAndCount(collector.orchestrationTotal))
	assert.Equal(t, 2, testutil.CollectAndCount(collector.delegateResults))
}

func TestCollector_RecordHTTPRequest(t *testing.T) {
	collector := newTestCollector(t)

	collector.RecordHTTPRequest("GET", "/health", 200, 10*time.Millisecond)
	collector.RecordHTTPRequest("GET", "/health", 503, 10*time.Millisecond)

	assert.Equal(t, float64(1), testutil.ToFloat64(collector.httpRequestsTotal.WithLabelValues("GET", "/health", "5xx")))
}

func TestCollector_NilReceiverIsSafe(t *testing.T) {
	var collector *Collector

	assert.NotPanics(t, func() {
		collector.RecordAttempt("a", "success", time.Millisecond)
		collector.RecordRetry("a", "TIMEOUT")
		collector.RecordRejected()
		collector.SetQueueDepth(1, 1)
		collector.RecordTaskTransition("SUBMITTED", "WORKING")
		collector.RecordHandoff("return", true)
		collector.RecordOrchestration("SEQUENTIAL", "failed", time.Second)
		collector.RecordDelegateResult("SEQUENTIAL", "failed")
		collector.RecordStreamEvent("a")
		collector.RecordStreamDuplicate("a")
		collector.RecordHTTPRequest("GET", "/", 200, time.Millisecond)
	})
}

func TestCollector_ConcurrentRecording(t *testing.T) {
	collector := newTestCollector(t)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			collector.RecordTaskTransition("SUBMITTED", "WORKING")
			collector.RecordStreamEvent("agent-a")
		}()
	}
	wg.Wait()

	assert.Equal(t, float64(10), testutil.ToFloat64(collector.taskTransitions.WithLabelValues("SUBMITTED", "WORKING")))
	assert.Equal(t, float64(10), testutil.ToFloat64(collector.streamEvents.WithLabelValues("agent-a")))
}

func TestCollector_RegistersOnInjectedRegistry(t *testing.T) {
	registry := prometheus.NewRegistry()
	collector := NewCollector(nextTestNamespace(), registry, nil)

	collector.RecordStreamDuplicate("agent-a")

	families, err := registry.Gather()
	require.NoError(t, err)
	assert.NotEmpty(t, families)
}

func TestStatusCode(t *testing.T) {
	assert.Equal(t, "2xx", statusCode(204))
	assert.Equal(t, "3xx", statusCode(301))
	assert.Equal(t, "4xx", statusCode(404))
	assert.Equal(t, "5xx", statusCode(500))
	assert.Equal(t, "unknown", statusCode(100))
}
