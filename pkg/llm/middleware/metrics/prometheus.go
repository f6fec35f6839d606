package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metric names, also used by the query service.
const (
	MetricRequestsTotal = "llm_requests_total"
	MetricTokensTotal   = "llm_tokens_total"
	MetricCostsTotal    = "llm_costs_total"
)

// PrometheusRecorder exports observations as Prometheus metrics.
type PrometheusRecorder struct {
	requestsTotal   *prometheus.CounterVec
	tokensTotal     *prometheus.CounterVec
	costsTotal      *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
	throttleTotal   *prometheus.CounterVec
	queueWaitTime   *prometheus.HistogramVec
}

// NewPrometheusRecorder registers the LLM metrics with reg. A nil reg uses the
// default registry.
func NewPrometheusRecorder(namespace string, reg prometheus.Registerer) *PrometheusRecorder {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &PrometheusRecorder{
		requestsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      MetricRequestsTotal,
			Help:      "Total number of LLM requests by model, run, component and status",
		}, []string{"model", "run_id", "component", "status", "error_type"}),
		tokensTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      MetricTokensTotal,
			Help:      "Total number of tokens used in LLM requests",
		}, []string{"model", "run_id", "component", "type"}),
		costsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      MetricCostsTotal,
			Help:      "Total cost in USD for LLM requests",
		}, []string{"model", "run_id", "component"}),
		requestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "llm_request_duration_seconds",
			Help:      "Duration of LLM requests in seconds",
			Buckets:   []float64{0.5, 1, 2.5, 5, 10, 20, 40, 80, 160},
		}, []string{"model", "component"}),
		throttleTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "llm_throttle_total",
			Help:      "Total number of LLM throttling events",
		}, []string{"model", "reason"}),
		queueWaitTime: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "llm_queue_wait_duration_seconds",
			Help:      "Time spent waiting for rate limit availability",
			Buckets:   prometheus.DefBuckets,
		}, []string{"model"}),
	}
}

func (p *PrometheusRecorder) ObserveRequest(obs Observation) {
	status := statusSuccess
	if !obs.Success {
		status = statusError
	}
	p.requestsTotal.WithLabelValues(obs.Model, obs.RunID, obs.Component, status, obs.ErrorType).Inc()

	if obs.Success {
		p.tokensTotal.WithLabelValues(obs.Model, obs.RunID, obs.Component, "prompt").Add(float64(obs.PromptTokens))
		p.tokensTotal.WithLabelValues(obs.Model, obs.RunID, obs.Component, "completion").Add(float64(obs.CompletionTokens))
		p.costsTotal.WithLabelValues(obs.Model, obs.RunID, obs.Component).Add(obs.Cost)
	}
	p.requestDuration.WithLabelValues(obs.Model, obs.Component).Observe(obs.Duration.Seconds())
}

func (p *PrometheusRecorder) IncThrottle(model, reason string) {
	p.throttleTotal.WithLabelValues(model, reason).Inc()
}

func (p *PrometheusRecorder) ObserveQueueWait(model string, d time.Duration) {
	p.queueWaitTime.WithLabelValues(model).Observe(d.Seconds())
}
