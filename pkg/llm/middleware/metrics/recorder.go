// Package metrics records latency, token usage and cost for every model call.
package metrics

import "time"

// Observation describes one completed model call.
//
//nolint:govet // logical grouping
type Observation struct {
	Model            string
	RunID            string
	Component        string
	PromptTokens     int
	CompletionTokens int
	Cost             float64
	Success          bool
	ErrorType        string
	Duration         time.Duration
}

// Recorder receives call observations.
type Recorder interface {
	ObserveRequest(obs Observation)
	// IncThrottle counts rate limiting events.
	IncThrottle(model, reason string)
	// ObserveQueueWait records time spent waiting for rate limit capacity.
	ObserveQueueWait(model string, d time.Duration)
}

// NoopRecorder discards everything.
type NoopRecorder struct{}

// Nop returns a recorder that discards all metrics.
func Nop() Recorder { return NoopRecorder{} }

func (NoopRecorder) ObserveRequest(Observation)             {}
func (NoopRecorder) IncThrottle(_, _ string)                {}
func (NoopRecorder) ObserveQueueWait(string, time.Duration) {}

type multiRecorder []Recorder

// Multi fans observations out to every non-nil recorder.
func Multi(recorders ...Recorder) Recorder {
	out := make(multiRecorder, 0, len(recorders))
	for _, r := range recorders {
		if r != nil {
			out = append(out, r)
		}
	}
	return out
}

func (m multiRecorder) ObserveRequest(obs Observation) {
	for _, r := range m {
		r.ObserveRequest(obs)
	}
}

func (m multiRecorder) IncThrottle(model, reason string) {
	for _, r := range m {
		r.IncThrottle(model, reason)
	}
}

func (m multiRecorder) ObserveQueueWait(model string, d time.Duration) {
	for _, r := range m {
		r.ObserveQueueWait(model, d)
	}
}
