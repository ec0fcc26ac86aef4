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

// Collector 指标收集器
type Collector struct {
	// 调度指标
	scheduleAttempts *prometheus.CounterVec
	scheduleDuration *prometheus.HistogramVec
	scheduleQueued   prometheus.Gauge
	scheduleActive   prometheus.Gauge
	scheduleRejected prometheus.Counter
	scheduleRetries  *prometheus.CounterVec

	// 任务指标
	taskTransitions *prometheus.CounterVec

	// Handoff 指标
	handoffTransitions *prometheus.CounterVec

	// 编排指标
	orchestrationTotal    *prometheus.CounterVec
	orchestrationDuration *prometheus.HistogramVec
	delegateResults       *prometheus.CounterVec

	// 流式指标
	streamEvents     *prometheus.CounterVec
	streamDuplicates *prometheus.CounterVec

	// HTTP 指标
	httpRequestsTotal   *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec

	logger *zap.Logger
}

// NewCollector 创建指标收集器。reg 为 nil 时注册到 prometheus.DefaultRegisterer。
func NewCollector(namespace string, reg prometheus.Registerer, logger *zap.Logger) *Collector {
	if logger == nil {
		logger = zap.NewNop()
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	c := &Collector{
		logger: logger.With(zap.String("component", "metrics")),
	}

	// 调度指标
	c.scheduleAttempts = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "schedule_attempts_total",
			Help:      "Total number of scheduled agent attempts",
		},
		[]string{"agent_id", "outcome"},
	)

	c.scheduleDuration = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "schedule_attempt_duration_seconds",
			Help:      "Duration of a single scheduled attempt in seconds",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10, 30, 60, 120},
		},
		[]string{"agent_id"},
	)

	c.scheduleQueued = factory.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "schedule_queued",
			Help:      "Number of scheduled tasks waiting for a worker",
		},
	)

	c.scheduleActive = factory.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "schedule_active",
			Help:      "Number of scheduled tasks currently running",
		},
	)

	c.scheduleRejected = factory.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "schedule_rejected_total",
			Help:      "Total number of schedule requests rejected because the queue was full",
		},
	)

	c.scheduleRetries = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "schedule_retries_total",
			Help:      "Total number of retries after transient failures",
		},
		[]string{"agent_id", "code"},
	)

	// 任务指标
	c.taskTransitions = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "task_state_transitions_total",
			Help:      "Total number of task state transitions",
		},
		[]string{"from_state", "to_state"},
	)

	// Handoff 指标
	c.handoffTransitions = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "handoff_transitions_total",
			Help:      "Total number of handoff operations",
		},
		[]string{"operation", "status"},
	)

	// 编排指标
	c.orchestrationTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "orchestration_executions_total",
			Help:      "Total number of orchestration executions",
		},
		[]string{"strategy", "status"},
	)

	c.orchestrationDuration = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "orchestration_duration_seconds",
			Help:      "Orchestration execution duration in seconds",
			Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120, 300},
		},
		[]string{"strategy"},
	)

	c.delegateResults = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "delegate_results_total",
			Help:      "Total number of delegate results by outcome",
		},
		[]string{"strategy", "outcome"}, // outcome: success, failed, cancelled
	)

	// 流式指标
	c.streamEvents = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stream_events_total",
			Help:      "Total number of stream events delivered to consumers",
		},
		[]string{"agent_id"},
	)

	c.streamDuplicates = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stream_duplicates_total",
			Help:      "Total number of duplicate stream events suppressed",
		},
		[]string{"agent_id"},
	)

	// HTTP 指标
	c.httpRequestsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	c.httpRequestDuration = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	c.logger.Info("metrics collector initialized", zap.String("namespace", namespace))

	return c
}

// =============================================================================
// ⏱️ 调度指标记录
// =============================================================================

// RecordAttempt 记录一次调度尝试
func (c *Collector) RecordAttempt(agentID, outcome string, duration time.Duration) {
	if c == nil {
		return
	}
	c.scheduleAttempts.WithLabelValues(agentID, outcome).Inc()
	c.scheduleDuration.WithLabelValues(agentID).Observe(duration.Seconds())
}

// RecordRetry 记录一次瞬时失败后的重试
func (c *Collector) RecordRetry(agentID, code string) {
	if c == nil {
		return
	}
	c.scheduleRetries.WithLabelValues(agentID, code).Inc()
}

// RecordRejected 记录一次队列满拒绝
func (c *Collector) RecordRejected() {
	if c == nil {
		return
	}
	c.scheduleRejected.Inc()
}

// SetQueueDepth 设置当前排队与运行中的任务数
func (c *Collector) SetQueueDepth(queued, active int) {
	if c == nil {
		return
	}
	c.scheduleQueued.Set(float64(queued))
	c.scheduleActive.Set(float64(active))
}

// =============================================================================
// 🔁 任务与 Handoff 指标记录
// =============================================================================

// RecordTaskTransition 记录任务状态转换
func (c *Collector) RecordTaskTransition(fromState, toState string) {
	if c == nil {
		return
	}
	c.taskTransitions.WithLabelValues(fromState, toState).Inc()
}

// RecordHandoff 记录 Handoff 操作
func (c *Collector) RecordHandoff(operation string, ok bool) {
	if c == nil {
		return
	}
	status := "success"
	if !ok {
		status = "rejected"
	}
	c.handoffTransitions.WithLabelValues(operation, status).Inc()
}

// =============================================================================
// 🎭 编排指标记录
// =============================================================================

// RecordOrchestration 记录一次编排执行
func (c *Collector) RecordOrchestration(strategy, status string, duration time.Duration) {
	if c == nil {
		return
	}
	c.orchestrationTotal.WithLabelValues(strategy, status).Inc()
	c.orchestrationDuration.WithLabelValues(strategy).Observe(duration.Seconds())
}

// RecordDelegateResult 记录单个委派结果
func (c *Collector) RecordDelegateResult(strategy, outcome string) {
	if c == nil {
		return
	}
	c.delegateResults.WithLabelValues(strategy, outcome).Inc()
}

// =============================================================================
// 📡 流式指标记录
// =============================================================================

// RecordStreamEvent 记录投递给消费者的事件
func (c *Collector) RecordStreamEvent(agentID string) {
	if c == nil {
		return
	}
	c.streamEvents.WithLabelValues(agentID).Inc()
}

// RecordStreamDuplicate 记录被去重丢弃的事件
func (c *Collector) RecordStreamDuplicate(agentID string) {
	if c == nil {
		return
	}
	c.streamDuplicates.WithLabelValues(agentID).Inc()
}

// =============================================================================
// 🎯 HTTP 指标记录
// =============================================================================

// RecordHTTPRequest 记录 HTTP 请求
func (c *Collector) RecordHTTPRequest(method, path string, status int, duration time.Duration) {
	if c == nil {
		return
	}
	c.httpRequestsTotal.WithLabelValues(method, path, statusCode(status)).Inc()
	c.httpRequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
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
