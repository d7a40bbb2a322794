package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "payrelay"

type relayMetrics struct {
	registry         *prometheus.Registry
	httpRequests     *prometheus.CounterVec
	httpErrors       *prometheus.CounterVec
	httpLatency      *prometheus.HistogramVec
	executions       *prometheus.CounterVec
	executionLatency *prometheus.HistogramVec
	ledgerRejections *prometheus.CounterVec
	custodyCalls     *prometheus.CounterVec
	settlements      *prometheus.CounterVec
	claims           *prometheus.CounterVec
	groupTransitions *prometheus.CounterVec
	queueMessages    *prometheus.CounterVec
}

var (
	metricsOnce sync.Once
	registry    *relayMetrics
)

func collectors() *relayMetrics {
	metricsOnce.Do(func() {
		reg := prometheus.NewRegistry()
		m := &relayMetrics{
			registry: reg,
			httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "http",
				Name:      "requests_total",
				Help:      "Total number of HTTP requests processed.",
			}, []string{"handler", "method", "code"}),
			httpErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "http",
				Name:      "request_errors_total",
				Help:      "Total number of HTTP requests that resulted in a server error.",
			}, []string{"handler", "method"}),
			httpLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "http",
				Name:      "request_duration_seconds",
				Help:      "HTTP request duration in seconds.",
				Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
			}, []string{"handler", "method"}),
			executions: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "relay",
				Name:      "executions_total",
				Help:      "Execution requests segmented by outcome and error code.",
			}, []string{"outcome", "code"}),
			executionLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "relay",
				Name:      "execution_duration_seconds",
				Help:      "Latency of the execute pipeline including custody calls.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"outcome"}),
			ledgerRejections: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "ledger",
				Name:      "rejections_total",
				Help:      "Limit checks rejected by the ledger segmented by error code.",
			}, []string{"code"}),
			custodyCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "custody",
				Name:      "calls_total",
				Help:      "Custody collaborator calls segmented by operation and outcome.",
			}, []string{"operation", "outcome"}),
			settlements: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "split",
				Name:      "settlements_total",
				Help:      "Split settlement operations segmented by resulting status.",
			}, []string{"operation", "status"}),
			claims: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "split",
				Name:      "claims_total",
				Help:      "Payee balance claims segmented by outcome.",
			}, []string{"outcome"}),
			groupTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "group",
				Name:      "transitions_total",
				Help:      "Settlement group status transitions.",
			}, []string{"status"}),
			queueMessages: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "queue",
				Name:      "messages_total",
				Help:      "Queue messages segmented by queue, direction and outcome.",
			}, []string{"queue", "direction", "outcome"}),
		}
		reg.MustRegister(
			prometheus.NewGoCollector(),
			prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
			m.httpRequests,
			m.httpErrors,
			m.httpLatency,
			m.executions,
			m.executionLatency,
			m.ledgerRejections,
			m.custodyCalls,
			m.settlements,
			m.claims,
			m.groupTransitions,
			m.queueMessages,
		)
		registry = m
	})
	return registry
}

// Registry 返回承载全部指标的 Prometheus 注册表。
func Registry() *prometheus.Registry {
	return collectors().registry
}

// ObserveExecution 记录一次执行请求的结果与耗时，code 为空表示成功。
func ObserveExecution(outcome, code string, duration time.Duration) {
	m := collectors()
	m.executions.WithLabelValues(outcome, code).Inc()
	m.executionLatency.WithLabelValues(outcome).Observe(duration.Seconds())
}

// ObserveLedgerRejection 记录一次额度拒绝。
func ObserveLedgerRejection(code string) {
	collectors().ledgerRejections.WithLabelValues(code).Inc()
}

// ObserveCustody 记录一次托管调用。
func ObserveCustody(operation, outcome string) {
	collectors().custodyCalls.WithLabelValues(operation, outcome).Inc()
}

// ObserveSettlement 记录一次分账操作后的状态。
func ObserveSettlement(operation, status string) {
	collectors().settlements.WithLabelValues(operation, status).Inc()
}

// ObserveClaim 记录一次余额领取。
func ObserveClaim(outcome string) {
	collectors().claims.WithLabelValues(outcome).Inc()
}

// ObserveGroupTransition 记录结算组进入新状态。
func ObserveGroupTransition(status string) {
	collectors().groupTransitions.WithLabelValues(status).Inc()
}

// ObserveQueueMessage 记录一次队列消息的生产或消费。
func ObserveQueueMessage(queue, direction, outcome string) {
	collectors().queueMessages.WithLabelValues(queue, direction, outcome).Inc()
}
