// Package metrics queries Prometheus for the usage of deliberation runs.
package metrics

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/prometheus/client_golang/api"
	v1 "github.com/prometheus/client_golang/api/prometheus/v1"
	"github.com/prometheus/common/model"

	llmmetrics "riskteam/pkg/llm/middleware/metrics"
)

// RunMetrics represents aggregated metrics for one run.
type RunMetrics struct {
	RunID            string  `json:"run_id"`
	PromptTokens     int64   `json:"prompt_tokens"`
	CompletionTokens int64   `json:"completion_tokens"`
	TotalTokens      int64   `json:"total_tokens"`
	TotalCost        float64 `json:"total_cost_usd"`
}

// QueryService provides methods to query metrics from Prometheus.
type QueryService struct {
	queryAPI  v1.API
	namespace string
	now       func() time.Time
}

// NewQueryService creates a query service for the metrics exported under namespace.
func NewQueryService(prometheusURL, namespace string) (*QueryService, error) {
	client, err := api.NewClient(api.Config{
		Address: prometheusURL,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create Prometheus client: %w", err)
	}

	return &QueryService{
		queryAPI:  v1.NewAPI(client),
		namespace: namespace,
		now:       time.Now,
	}, nil
}

func (q *QueryService) metric(name string) string {
	if q.namespace == "" {
		return name
	}
	return q.namespace + "_" + name
}

// scalar runs an instant query and returns the first sample, or 0.
func (q *QueryService) scalar(ctx context.Context, query string) (float64, error) {
	result, _, err := q.queryAPI.Query(ctx, query, q.now())
	if err != nil {
		return 0, err
	}
	if vector, ok := result.(model.Vector); ok && len(vector) > 0 {
		return float64(vector[0].Value), nil
	}
	return 0, nil
}

// GetRunMetrics retrieves aggregated token and cost metrics for a run across
// every component that made model calls.
func (q *QueryService) GetRunMetrics(ctx context.Context, runID string) (*RunMetrics, error) {
	return q.runMetrics(ctx, runID, "")
}

func (q *QueryService) runMetrics(ctx context.Context, runID, extra string) (*RunMetrics, error) {
	metrics := &RunMetrics{RunID: runID}
	selector := fmt.Sprintf(`run_id=%q%s`, runID, extra)

	prompt, err := q.scalar(ctx, fmt.Sprintf(`sum(%s{%s, type="prompt"})`, q.metric(llmmetrics.MetricTokensTotal), selector))
	if err != nil {
		return nil, fmt.Errorf("failed to query prompt tokens: %w", err)
	}
	completion, err := q.scalar(ctx, fmt.Sprintf(`sum(%s{%s, type="completion"})`, q.metric(llmmetrics.MetricTokensTotal), selector))
	if err != nil {
		return nil, fmt.Errorf("failed to query completion tokens: %w", err)
	}
	cost, err := q.scalar(ctx, fmt.Sprintf(`sum(%s{%s})`, q.metric(llmmetrics.MetricCostsTotal), selector))
	if err != nil {
		return nil, fmt.Errorf("failed to query total cost: %w", err)
	}

	metrics.PromptTokens = int64(prompt)
	metrics.CompletionTokens = int64(completion)
	metrics.TotalTokens = metrics.PromptTokens + metrics.CompletionTokens
	metrics.TotalCost = cost
	return metrics, nil
}

// GetRunMetricsBy breaks a run's metrics down by a label such as "model" or
// "component".
func (q *QueryService) GetRunMetricsBy(ctx context.Context, runID, label string) (map[string]*RunMetrics, error) {
	groupQuery := fmt.Sprintf(`group by (%s) (%s{run_id=%q})`, label, q.metric(llmmetrics.MetricTokensTotal), runID)
	groupResult, _, err := q.queryAPI.Query(ctx, groupQuery, q.now())
	if err != nil {
		return nil, fmt.Errorf("failed to query %s values: %w", label, err)
	}

	var values []string
	if vector, ok := groupResult.(model.Vector); ok {
		for _, sample := range vector {
			if v, ok := sample.Metric[model.LabelName(label)]; ok {
				values = append(values, string(v))
			}
		}
	}
	sort.Strings(values)

	result := make(map[string]*RunMetrics, len(values))
	for _, v := range values {
		m, err := q.runMetrics(ctx, runID, fmt.Sprintf(`, %s=%q`, label, v))
		if err != nil {
			return nil, fmt.Errorf("%s %s: %w", label, v, err)
		}
		result[v] = m
	}
	return result, nil
}
