package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Collector 引擎指标收集器
type Collector struct {
	executionsTotal   *prometheus.CounterVec
	executionDuration *prometheus.HistogramVec
	activeExecutions  prometheus.Gauge
	queueDepth        prometheus.Gauge

	stepsTotal   *prometheus.CounterVec
	stepDuration *prometheus.HistogramVec
	retriesTotal *prometheus.CounterVec

	breakerState       *prometheus.GaugeVec
	breakerTransitions *prometheus.CounterVec

	checkpointOps *prometheus.CounterVec
}

// NewCollector 创建指标收集器。reg 为 nil 时使用默认注册表。
func NewCollector(namespace string, reg prometheus.Registerer) *Collector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	c := &Collector{}

	c.executionsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "executions_total",
			Help:      "Total number of chain executions by terminal status",
		},
		[]string{"chain_id", "status"},
	)

	c.executionDuration = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "execution_duration_seconds",
			Help:      "Chain execution duration in seconds",
			Buckets:   []float64{0.1, 0.5, 1, 5, 15, 60, 300, 1800},
		},
		[]string{"chain_id"},
	)

	c.activeExecutions = factory.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_executions",
			Help:      "Number of currently running executions",
		},
	)

	c.queueDepth = factory.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "queue_depth",
			Help:      "Number of executions waiting for a worker",
		},
	)

	c.stepsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "steps_total",
			Help:      "Total number of executed steps by status",
		},
		[]string{"chain_id", "status"},
	)

	c.stepDuration = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "step_duration_seconds",
			Help:      "Step execution duration in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"chain_id"},
	)

	c.retriesTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "step_retries_total",
			Help:      "Total number of step retry attempts by dependency target",
		},
		[]string{"target"},
	)

	c.breakerState = factory.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "circuit_breaker_state",
			Help:      "Circuit breaker state by target (0=closed, 1=open, 2=half_open)",
		},
		[]string{"target"},
	)

	c.breakerTransitions = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "circuit_breaker_transitions_total",
			Help:      "Circuit breaker state transitions by target and new state",
		},
		[]string{"target", "new_state"},
	)

	c.checkpointOps = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "checkpoint_operations_total",
			Help:      "Checkpoint store operations by kind and outcome",
		},
		[]string{"op", "status"},
	)

	return c
}

// RecordExecution 记录一次执行结束
func (c *Collector) RecordExecution(chainID, status string, duration time.Duration) {
	c.executionsTotal.WithLabelValues(chainID, status).Inc()
	c.executionDuration.WithLabelValues(chainID).Observe(duration.Seconds())
}

// RecordStep 记录一次步骤结束
func (c *Collector) RecordStep(chainID, status string, duration time.Duration) {
	c.stepsTotal.WithLabelValues(chainID, status).Inc()
	c.stepDuration.WithLabelValues(chainID).Observe(duration.Seconds())
}

// RecordRetry 记录一次重试
func (c *Collector) RecordRetry(target string) {
	c.retriesTotal.WithLabelValues(target).Inc()
}

// SetBreakerState 更新熔断器状态
func (c *Collector) SetBreakerState(target string, state int) {
	c.breakerState.WithLabelValues(target).Set(float64(state))
}

// RecordBreakerTransition 记录熔断器状态迁移
func (c *Collector) RecordBreakerTransition(target, newState string) {
	c.breakerTransitions.WithLabelValues(target, newState).Inc()
}

// RecordCheckpointOp 记录一次检查点操作
func (c *Collector) RecordCheckpointOp(op, status string) {
	c.checkpointOps.WithLabelValues(op, status).Inc()
}

// SetActiveExecutions 更新在途执行数
func (c *Collector) SetActiveExecutions(n int) {
	c.activeExecutions.Set(float64(n))
}

// SetQueueDepth 更新排队执行数
func (c *Collector) SetQueueDepth(n int) {
	c.queueDepth.Set(float64(n))
}
