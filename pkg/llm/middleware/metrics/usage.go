package metrics

import (
	"sync"
	"time"
)

// RunUsage aggregates successful calls of one deliberation run.
//
//nolint:govet // json field order
type RunUsage struct {
	RunID            string           `json:"run_id"`
	PromptTokens     int64            `json:"prompt_tokens"`
	CompletionTokens int64            `json:"completion_tokens"`
	TotalTokens      int64            `json:"total_tokens"`
	RequestCount     int64            `json:"request_count"`
	FailedCount      int64            `json:"failed_count"`
	TotalCost        float64          `json:"total_cost_usd"`
	ByComponent      map[string]int64 `json:"requests_by_component"`
	LastUpdated      time.Time        `json:"last_updated"`
}

// UsageRecorder keeps per-run usage in memory. It needs no external services
// and backs the usage summary returned with each run.
type UsageRecorder struct {
	runs map[string]*RunUsage
	mu   sync.RWMutex
}

// NewUsageRecorder creates an empty usage recorder.
func NewUsageRecorder() *UsageRecorder {
	return &UsageRecorder{runs: make(map[string]*RunUsage)}
}

func (r *UsageRecorder) ObserveRequest(obs Observation) {
	if obs.RunID == "" {
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	run, ok := r.runs[obs.RunID]
	if !ok {
		run = &RunUsage{RunID: obs.RunID, ByComponent: make(map[string]int64)}
		r.runs[obs.RunID] = run
	}
	run.LastUpdated = time.Now()
	if !obs.Success {
		run.FailedCount++
		return
	}
	run.PromptTokens += int64(obs.PromptTokens)
	run.CompletionTokens += int64(obs.CompletionTokens)
	run.TotalTokens = run.PromptTokens + run.CompletionTokens
	run.TotalCost += obs.Cost
	run.RequestCount++
	run.ByComponent[obs.Component]++
}

func (r *UsageRecorder) IncThrottle(_, _ string)                {}
func (r *UsageRecorder) ObserveQueueWait(string, time.Duration) {}

// GetRunUsage returns a copy of the usage for runID, or nil.
func (r *UsageRecorder) GetRunUsage(runID string) *RunUsage {
	r.mu.RLock()
	defer r.mu.RUnlock()

	run, ok := r.runs[runID]
	if !ok {
		return nil
	}
	cp := *run
	cp.ByComponent = make(map[string]int64, len(run.ByComponent))
	for k, v := range run.ByComponent {
		cp.ByComponent[k] = v
	}
	return &cp
}

// Forget drops the usage of a finished run.
func (r *UsageRecorder) Forget(runID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.runs, runID)
}
