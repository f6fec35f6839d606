// Package eventlog carries typed deliberation events from a team run to
// whoever is listening: the console narrator, the web UI stream and the
// JSONL event log.
package eventlog

import (
	"sync"
	"time"
)

// Type identifies what happened.
type Type string

// Event types emitted during a run.
const (
	RunStarted          Type = "run_started"
	CoordinatorDecision Type = "coordinator_decision"
	ExpertStarting      Type = "expert_starting"
	ExpertFinished      Type = "expert_finished"
	LobeTurn            Type = "lobe_turn"
	SummaryStarting     Type = "summary_starting"
	StatusChange        Type = "status_change"
	RunFinished         Type = "run_finished"
	RunFailed           Type = "run_failed"
)

// Event is one occurrence in a run.
//
//nolint:govet // json field order
type Event struct {
	Type      Type           `json:"type"`
	RunID     string         `json:"run_id"`
	Speaker   string         `json:"speaker,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
	Data      map[string]any `json:"data,omitempty"`
}

// New stamps an event with the current time.
func New(t Type, runID, speaker string, data map[string]any) Event {
	return Event{Type: t, RunID: runID, Speaker: speaker, Timestamp: time.Now().UTC(), Data: data}
}

// Terminal reports whether no further events follow for the run.
func (e Event) Terminal() bool {
	return e.Type == RunFinished || e.Type == RunFailed
}

// Sink receives events. Emit must not block for long; sinks that do I/O
// report their own failures.
type Sink interface {
	Emit(ev Event)
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ev Event)

// Emit calls f.
func (f SinkFunc) Emit(ev Event) { f(ev) }

type nopSink struct{}

func (nopSink) Emit(Event) {}

// Nop returns a sink that drops everything.
func Nop() Sink { return nopSink{} }

type multiSink []Sink

// Multi fans events out to every non-nil sink in order.
func Multi(sinks ...Sink) Sink {
	out := make(multiSink, 0, len(sinks))
	for _, s := range sinks {
		if s != nil {
			out = append(out, s)
		}
	}
	return out
}

func (m multiSink) Emit(ev Event) {
	for _, s := range m {
		s.Emit(ev)
	}
}

// Recorder keeps every event in memory.
type Recorder struct {
	events []Event
	mu     sync.Mutex
}

// NewRecorder creates an empty recorder.
func NewRecorder() *Recorder {
	return &Recorder{}
}

// Emit appends ev.
func (r *Recorder) Emit(ev Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

// Events returns a copy of the recorded events.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Event, len(r.events))
	copy(out, r.events)
	return out
}

// Types returns the recorded event types in order.
func (r *Recorder) Types() []Type {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Type, len(r.events))
	for i := range r.events {
		out[i] = r.events[i].Type
	}
	return out
}

// Count returns how many events of type t were recorded.
func (r *Recorder) Count(t Type) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for i := range r.events {
		if r.events[i].Type == t {
			n++
		}
	}
	return n
}
