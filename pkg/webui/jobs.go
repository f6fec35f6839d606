package webui

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/r3labs/sse/v2"

	"riskteam/pkg/assessment"
	"riskteam/pkg/eventlog"
	"riskteam/pkg/logx"
)

// ErrJobNotFound is returned for unknown job ids.
var ErrJobNotFound = errors.New("job not found")

// DefaultMaxConcurrentJobs bounds running consultations when no limit is configured.
const DefaultMaxConcurrentJobs = 4

// DefaultJobRetention is how long a finished job and its event stream stay in
// memory. Stored runs remain readable through the run store afterwards.
const DefaultJobRetention = 10 * time.Minute

// JobStatus is the lifecycle state of a job.
type JobStatus string

// Job states.
const (
	JobQueued    JobStatus = "queued"
	JobRunning   JobStatus = "running"
	JobCompleted JobStatus = "completed"
	JobFailed    JobStatus = "failed"
)

// Consulter runs one consultation. *assessment.Service implements it.
type Consulter interface {
	Consult(ctx context.Context, req assessment.Request) (*assessment.Result, error)
}

// Job is one consultation submitted over HTTP. The job id doubles as the run id.
//
//nolint:govet // json field order
type Job struct {
	ID          string     `json:"id"`
	Query       string     `json:"query"`
	Status      JobStatus  `json:"status"`
	Outcome     string     `json:"outcome,omitempty"`
	Report      string     `json:"report,omitempty"`
	Experts     []string   `json:"experts,omitempty"`
	Error       string     `json:"error,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`

	result *assessment.Result
}

// JobManager runs consultations in the background with bounded concurrency
// and publishes each job's events on its own SSE stream.
type JobManager struct {
	consulter Consulter
	events    *sse.Server
	sem       chan struct{}
	jobs      map[string]*Job
	evictions map[string]*time.Timer
	retention time.Duration
	closed    bool
	ctx       context.Context //nolint:containedctx // jobs outlive the submitting request
	logger    *logx.Logger
	wg        sync.WaitGroup
	mu        sync.RWMutex
}

// NewJobManager creates a manager. Jobs are cancelled when ctx is.
func NewJobManager(ctx context.Context, consulter Consulter, maxConcurrent int) *JobManager {
	if maxConcurrent <= 0 {
		maxConcurrent = DefaultMaxConcurrentJobs
	}
	events := sse.New()
	events.AutoReplay = true
	return &JobManager{
		consulter: consulter,
		events:    events,
		sem:       make(chan struct{}, maxConcurrent),
		jobs:      make(map[string]*Job),
		evictions: make(map[string]*time.Timer),
		retention: DefaultJobRetention,
		ctx:       ctx,
		logger:    logx.NewLogger("jobs"),
	}
}

// WithRetention sets how long finished jobs are kept. A non-positive d keeps
// them until Close.
func (m *JobManager) WithRetention(d time.Duration) *JobManager {
	m.retention = d
	return m
}

// Submit queues a consultation and returns a snapshot of the new job.
func (m *JobManager) Submit(req assessment.Request) Job {
	if req.RunID == "" {
		req.RunID = uuid.NewString()
	}
	job := &Job{ID: req.RunID, Query: req.Query, Status: JobQueued, CreatedAt: time.Now()}

	m.events.CreateStream(job.ID)
	req.Sink = eventlog.Multi(req.Sink, m.publisher(job.ID))

	m.mu.Lock()
	m.jobs[job.ID] = job
	snapshot := *job
	m.mu.Unlock()

	m.wg.Add(1)
	go m.run(job.ID, req)

	m.logger.Info("job %s queued", job.ID)
	return snapshot
}

func (m *JobManager) run(id string, req assessment.Request) {
	defer m.wg.Done()

	select {
	case m.sem <- struct{}{}:
	case <-m.ctx.Done():
		m.finish(id, nil, m.ctx.Err())
		return
	}
	defer func() { <-m.sem }()

	m.update(id, func(j *Job) {
		now := time.Now()
		j.Status = JobRunning
		j.StartedAt = &now
	})

	result, err := m.consulter.Consult(m.ctx, req)
	m.finish(id, result, err)
}

func (m *JobManager) finish(id string, result *assessment.Result, err error) {
	m.update(id, func(j *Job) {
		now := time.Now()
		j.CompletedAt = &now
		j.result = result
		if result != nil {
			j.Outcome = string(result.Outcome)
			j.Report = result.Report
			j.Experts = result.Experts
		}
		if err != nil {
			j.Status = JobFailed
			j.Error = failureMessage(err)
			return
		}
		j.Status = JobCompleted
	})
	m.scheduleEviction(id)
	if err != nil {
		m.logger.Warn("job %s failed: %v", id, err)
		return
	}
	m.logger.Info("job %s completed", id)
}

// failureMessage is the error text served for a failed job. Errors from the
// assessment service are already stripped of their cause; anything else is
// reduced to its classified reason.
func failureMessage(err error) string {
	var consultErr *assessment.Error
	if errors.As(err, &consultErr) || errors.Is(err, assessment.ErrQueryRequired) {
		return err.Error()
	}
	return "consultation failed (" + assessment.FailureReason(err) + ")"
}

// scheduleEviction drops a finished job and its event stream once the
// retention period has passed.
func (m *JobManager) scheduleEviction(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.retention <= 0 || m.closed {
		return
	}
	m.evictions[id] = time.AfterFunc(m.retention, func() { m.evict(id) })
}

func (m *JobManager) evict(id string) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	delete(m.jobs, id)
	delete(m.evictions, id)
	m.mu.Unlock()

	m.events.RemoveStream(id)
	m.logger.Debug("job %s evicted", id)
}

func (m *JobManager) update(id string, fn func(*Job)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if j, ok := m.jobs[id]; ok {
		fn(j)
	}
}

// publisher forwards a job's events to its SSE stream, one SSE event per
// deliberation event, named by event type.
func (m *JobManager) publisher(id string) eventlog.Sink {
	return eventlog.SinkFunc(func(ev eventlog.Event) {
		if ev.Type == eventlog.RunFailed {
			ev = redactFailure(ev)
		}
		data, err := json.Marshal(ev)
		if err != nil {
			m.logger.Warn("job %s: failed to encode %s event: %v", id, ev.Type, err)
			return
		}
		m.events.Publish(id, &sse.Event{Event: []byte(ev.Type), Data: data})
	})
}

// redactFailure replaces the error text of a run_failed event with the
// generic failure message before it leaves the process.
func redactFailure(ev eventlog.Event) eventlog.Event {
	data := make(map[string]any, len(ev.Data))
	for k, v := range ev.Data {
		data[k] = v
	}
	if _, ok := data["error"]; ok {
		data["error"] = "consultation failed"
	}
	ev.Data = data
	return ev
}

// Get returns a snapshot of a job.
func (m *JobManager) Get(id string) (Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	j, ok := m.jobs[id]
	if !ok {
		return Job{}, ErrJobNotFound
	}
	return *j, nil
}

// Result returns the consultation result of a finished job, or nil while it runs.
func (m *JobManager) Result(id string) (*assessment.Result, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	j, ok := m.jobs[id]
	if !ok {
		return nil, ErrJobNotFound
	}
	return j.result, nil
}

// List returns all jobs, newest first.
func (m *JobManager) List() []Job {
	m.mu.RLock()
	out := make([]Job, 0, len(m.jobs))
	for _, j := range m.jobs {
		out = append(out, *j)
	}
	m.mu.RUnlock()

	sort.Slice(out, func(i, k int) bool {
		if out[i].CreatedAt.Equal(out[k].CreatedAt) {
			return out[i].ID < out[k].ID
		}
		return out[i].CreatedAt.After(out[k].CreatedAt)
	})
	return out
}

// HasStream reports whether id has an event stream.
func (m *JobManager) HasStream(id string) bool {
	return m.events.StreamExists(id)
}

// Events serves the SSE endpoint; clients select a job with ?stream=<id>.
// Earlier events of the job are replayed to late subscribers.
func (m *JobManager) Events() *sse.Server {
	return m.events
}

// Wait blocks until every submitted job has finished.
func (m *JobManager) Wait() {
	m.wg.Wait()
}

// Close waits for running jobs, cancels pending evictions and closes every
// event stream.
func (m *JobManager) Close() {
	m.wg.Wait()
	m.mu.Lock()
	m.closed = true
	for id, t := range m.evictions {
		t.Stop()
		delete(m.evictions, id)
	}
	m.mu.Unlock()
	m.events.Close()
}
