package webui

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"riskteam/pkg/assessment"
	"riskteam/pkg/config"
	"riskteam/pkg/eventlog"
	"riskteam/pkg/llm"
	"riskteam/pkg/llm/factory"
	"riskteam/pkg/llm/middleware/circuit"
	llmmetrics "riskteam/pkg/llm/middleware/metrics"
	"riskteam/pkg/llm/middleware/ratelimit"
	"riskteam/pkg/persistence"
	"riskteam/pkg/team"
)

// fakeConsulter emits a minimal event sequence and returns a canned result.
type fakeConsulter struct {
	err     error
	block   chan struct{}
	running atomic.Int32
	peak    atomic.Int32
}

func (f *fakeConsulter) Consult(ctx context.Context, req assessment.Request) (*assessment.Result, error) {
	n := f.running.Add(1)
	defer f.running.Add(-1)
	for {
		p := f.peak.Load()
		if n <= p || f.peak.CompareAndSwap(p, n) {
			break
		}
	}
	if f.block != nil {
		select {
		case <-f.block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	req.Sink.Emit(eventlog.New(eventlog.RunStarted, req.RunID, "", map[string]any{"query": req.Query}))
	state := team.NewState(req.Query, 5)
	state.Messages = []team.Message{
		{Speaker: team.SpeakerCoordinator, Content: "Decision: A"},
		{Speaker: "A", Content: "answer"},
	}
	result := &assessment.Result{RunID: req.RunID, State: state, Experts: []string{"A"}}
	if f.err != nil {
		req.Sink.Emit(eventlog.New(eventlog.RunFailed, req.RunID, "", map[string]any{"error": f.err.Error()}))
		result.Report = team.ConsultErrorMessage
		result.Outcome = team.OutcomeIncomplete
		return result, f.err
	}
	req.Sink.Emit(eventlog.New(eventlog.RunFinished, req.RunID, "", map[string]any{"outcome": "report"}))
	result.Report = "report for " + req.Query
	result.Outcome = team.OutcomeReport
	result.Usage = &llmmetrics.RunUsage{RunID: req.RunID, RequestCount: 3}
	return result, nil
}

func newTestServer(t *testing.T, consulter Consulter, opts ...ServerOption) (*JobManager, http.Handler) {
	t.Helper()
	jobs := NewJobManager(context.Background(), consulter, 2)
	t.Cleanup(jobs.Close)
	return jobs, NewServer(jobs, t.TempDir(), opts...).Handler()
}

func submit(t *testing.T, h http.Handler, body string) string {
	t.Helper()
	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/api/consult", strings.NewReader(body)))
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())

	var resp map[string]any
	require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
	id, _ := resp["job_id"].(string)
	require.NotEmpty(t, id)
	return id
}

func get(h http.Handler, path string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, path, nil))
	return w
}

func TestConsultLifecycle(t *testing.T) {
	jobs, h := newTestServer(t, &fakeConsulter{})

	id := submit(t, h, `{"query": "assess payouts", "max_messages": 3}`)
	jobs.Wait()

	w := get(h, "/api/jobs/"+id)
	require.Equal(t, http.StatusOK, w.Code)
	var job Job
	require.NoError(t, json.NewDecoder(w.Body).Decode(&job))
	assert.Equal(t, JobCompleted, job.Status)
	assert.Equal(t, "report for assess payouts", job.Report)
	assert.Equal(t, "report", job.Outcome)
	assert.Equal(t, []string{"A"}, job.Experts)
	assert.NotNil(t, job.CompletedAt)

	w = get(h, "/api/jobs/"+id+"/transcript")
	require.Equal(t, http.StatusOK, w.Code)
	var transcript []TranscriptEntry
	require.NoError(t, json.NewDecoder(w.Body).Decode(&transcript))
	assert.Equal(t, []TranscriptEntry{
		{Speaker: team.SpeakerCoordinator, Content: "Decision: A"},
		{Speaker: "A", Content: "answer"},
	}, transcript)

	w = get(h, "/api/jobs/"+id+"/usage")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"request_count":3`)

	w = get(h, "/api/jobs")
	var list []Job
	require.NoError(t, json.NewDecoder(w.Body).Decode(&list))
	require.Len(t, list, 1)
	assert.Equal(t, id, list[0].ID)
}

func TestConsultValidation(t *testing.T) {
	_, h := newTestServer(t, &fakeConsulter{})

	tests := []struct {
		name string
		body string
	}{
		{"invalid json", `{`},
		{"empty query", `{"query": ""}`},
		{"negative ceiling", `{"query": "q", "max_messages": -1}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			h.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/api/consult", strings.NewReader(tt.body)))
			assert.Equal(t, http.StatusBadRequest, w.Code)
		})
	}

	w := get(h, "/api/consult")
	assert.Equal(t, http.StatusMethodNotAllowed, w.Code)
}

func TestFailedJob(t *testing.T) {
	jobs, h := newTestServer(t, &fakeConsulter{err: errors.New("POST https://api.internal/v1 sk-secret-123: 401")})

	id := submit(t, h, `{"query": "q"}`)
	jobs.Wait()

	job, err := jobs.Get(id)
	require.NoError(t, err)
	assert.Equal(t, JobFailed, job.Status)
	assert.Equal(t, "consultation failed (internal)", job.Error)
	assert.Equal(t, team.ConsultErrorMessage, job.Report)

	w := get(h, "/api/jobs/"+id)
	require.Equal(t, http.StatusOK, w.Code)
	assert.NotContains(t, w.Body.String(), "sk-secret-123")

	w = get(h, "/api/jobs/"+id+"/usage")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

// roleClients hands every role the same scripted client except the coordinator.
type roleClients struct {
	coordinator llm.LLMClient
}

func (c roleClients) CreateClient(role factory.Role) (llm.LLMClient, error) {
	if role == factory.RoleCoordinator {
		return c.coordinator, nil
	}
	return llm.NewMockClient(nil, nil), nil
}

func TestFailedServiceJobHidesCause(t *testing.T) {
	secret := errors.New("POST https://api.internal/v1 sk-secret-123: 401")
	svc := assessment.New(*config.DefaultConfig(), t.TempDir(), roleClients{coordinator: llm.NewMockClient(nil, []error{secret})})
	jobs, h := newTestServer(t, svc)

	id := submit(t, h, `{"query": "assess payouts"}`)
	jobs.Wait()

	w := get(h, "/api/jobs/"+id)
	require.Equal(t, http.StatusOK, w.Code)
	body := w.Body.String()
	assert.NotContains(t, body, "sk-secret-123")
	assert.NotContains(t, body, "api.internal")

	var job Job
	require.NoError(t, json.Unmarshal([]byte(body), &job))
	assert.Equal(t, JobFailed, job.Status)
	assert.Equal(t, "consultation "+id+" failed (internal)", job.Error)
	assert.Equal(t, team.ConsultErrorMessage, job.Report)
}

func TestRedactFailure(t *testing.T) {
	ev := eventlog.New(eventlog.RunFailed, "r", "", map[string]any{"step": "coordinator_decide", "error": "sk-secret-123"})
	got := redactFailure(ev)
	assert.Equal(t, "consultation failed", got.Data["error"])
	assert.Equal(t, "coordinator_decide", got.Data["step"])
	assert.Equal(t, "sk-secret-123", ev.Data["error"], "original event is not modified")
}

func TestUnknownJob(t *testing.T) {
	_, h := newTestServer(t, &fakeConsulter{})

	for _, path := range []string{"/api/jobs/nope", "/api/jobs/nope/transcript", "/api/jobs/nope/usage"} {
		assert.Equal(t, http.StatusNotFound, get(h, path).Code, path)
	}
	assert.Equal(t, http.StatusNotFound, get(h, "/api/events?stream=nope").Code)
	assert.Equal(t, http.StatusBadRequest, get(h, "/api/events").Code)

	_, err := NewJobManager(context.Background(), nil, 1).Get("nope")
	assert.ErrorIs(t, err, ErrJobNotFound)
}

func TestRunningJob(t *testing.T) {
	fake := &fakeConsulter{block: make(chan struct{})}
	jobs, h := newTestServer(t, fake)

	id := submit(t, h, `{"query": "q"}`)
	assert.Equal(t, http.StatusConflict, get(h, "/api/jobs/"+id+"/transcript").Code)

	close(fake.block)
	jobs.Wait()
	assert.Equal(t, http.StatusOK, get(h, "/api/jobs/"+id+"/transcript").Code)
}

func TestJobConcurrencyIsBounded(t *testing.T) {
	fake := &fakeConsulter{block: make(chan struct{})}
	jobs, h := newTestServer(t, fake)

	for range 5 {
		submit(t, h, `{"query": "q"}`)
	}
	require.Eventually(t, func() bool { return fake.running.Load() == 2 }, time.Second, 5*time.Millisecond)

	queued := 0
	for _, j := range jobs.List() {
		if j.Status == JobQueued {
			queued++
		}
	}
	assert.Equal(t, 3, queued)

	close(fake.block)
	jobs.Wait()
	assert.Equal(t, int32(2), fake.peak.Load())
}

func TestEventStreamReplaysJobEvents(t *testing.T) {
	jobs, h := newTestServer(t, &fakeConsulter{})
	srv := httptest.NewServer(h)
	defer srv.Close()

	id := submit(t, h, `{"query": "q"}`)
	jobs.Wait()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/api/events?stream="+id, nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	var types []string
	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		line := scanner.Text()
		if name, ok := strings.CutPrefix(line, "event: "); ok {
			types = append(types, name)
			if name == string(eventlog.RunFinished) {
				break
			}
		}
	}
	assert.Equal(t, []string{"run_started", "run_finished"}, types)
}

func TestStoredRunsOutliveJobs(t *testing.T) {
	db, err := persistence.Open(filepath.Join(t.TempDir(), "riskteam.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	runs := persistence.NewRunStore(db)

	ctx := context.Background()
	done := time.Now()
	require.NoError(t, runs.SaveRun(ctx, &persistence.Run{
		ID: "old-run", Query: "q", Status: persistence.RunStatusCompleted,
		Outcome: "report", FinalReport: "stored report", CreatedAt: done, CompletedAt: &done,
	}))
	require.NoError(t, runs.SaveTranscript(ctx, "old-run", []persistence.RunMessage{
		{RunID: "old-run", Seq: 0, Speaker: "A", Content: "hello"},
	}))

	_, h := newTestServer(t, &fakeConsulter{}, WithRunStore(runs))

	w := get(h, "/api/jobs/old-run")
	require.Equal(t, http.StatusOK, w.Code)
	var job Job
	require.NoError(t, json.NewDecoder(w.Body).Decode(&job))
	assert.Equal(t, JobCompleted, job.Status)
	assert.Equal(t, "stored report", job.Report)

	w = get(h, "/api/jobs/old-run/transcript")
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `[{"speaker": "A", "content": "hello"}]`, w.Body.String())

	assert.Equal(t, http.StatusNotFound, get(h, "/api/jobs/missing").Code)
}

func TestFinishedJobsAreEvicted(t *testing.T) {
	jobs := NewJobManager(context.Background(), &fakeConsulter{}, 1).WithRetention(20 * time.Millisecond)
	t.Cleanup(jobs.Close)
	h := NewServer(jobs, t.TempDir()).Handler()

	id := submit(t, h, `{"query": "short lived"}`)
	jobs.Wait()
	require.Eventually(t, func() bool {
		_, err := jobs.Get(id)
		return errors.Is(err, ErrJobNotFound) && !jobs.HasStream(id)
	}, 2*time.Second, 5*time.Millisecond)

	assert.Empty(t, jobs.List())
	assert.Equal(t, http.StatusNotFound, get(h, "/api/jobs/"+id).Code)
	assert.Equal(t, http.StatusNotFound, get(h, "/api/events?stream="+id).Code)
}

func TestRetentionDisabledKeepsJobs(t *testing.T) {
	jobs := NewJobManager(context.Background(), &fakeConsulter{}, 1).WithRetention(0)
	t.Cleanup(jobs.Close)

	job := jobs.Submit(assessment.Request{Query: "kept"})
	jobs.Wait()
	time.Sleep(20 * time.Millisecond)

	got, err := jobs.Get(job.ID)
	require.NoError(t, err)
	assert.Equal(t, JobCompleted, got.Status)
	assert.True(t, jobs.HasStream(job.ID))
}

func TestLiveUsage(t *testing.T) {
	usage := llmmetrics.NewUsageRecorder()
	usage.ObserveRequest(llmmetrics.Observation{RunID: "live", Component: "expert", Success: true, PromptTokens: 7})
	_, h := newTestServer(t, &fakeConsulter{}, WithUsageRecorder(usage))

	w := get(h, "/api/jobs/live/usage")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"prompt_tokens":7`)
}

func TestAuth(t *testing.T) {
	config.SetDecryptedSecrets(map[string]string{config.EnvWebUIPassword: "s3cret"})
	defer config.SetDecryptedSecrets(nil)
	_, h := newTestServer(t, &fakeConsulter{})

	tests := []struct {
		name     string
		user, pw string
		setAuth  bool
		code     int
	}{
		{"no credentials", "", "", false, http.StatusUnauthorized},
		{"wrong password", AuthUsername, "nope", true, http.StatusUnauthorized},
		{"wrong user", "admin", "s3cret", true, http.StatusUnauthorized},
		{"valid", AuthUsername, "s3cret", true, http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/api/jobs", nil)
			if tt.setAuth {
				req.SetBasicAuth(tt.user, tt.pw)
			}
			w := httptest.NewRecorder()
			h.ServeHTTP(w, req)
			assert.Equal(t, tt.code, w.Code)
		})
	}

	assert.Equal(t, http.StatusOK, get(h, "/api/healthz").Code)
}

func TestHealthAndMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	rec := llmmetrics.NewPrometheusRecorder("riskteam", reg)
	rec.ObserveRequest(llmmetrics.Observation{Model: "m", RunID: "r", Component: "expert", Success: true, PromptTokens: 3, CompletionTokens: 2})
	_, h := newTestServer(t, &fakeConsulter{}, WithGatherer(reg))

	w := get(h, "/api/healthz")
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"status": "ok", "version": "dev"}`, w.Body.String())

	w = get(h, "/metrics")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "riskteam_"+llmmetrics.MetricTokensTotal)
}

type fakeProviders struct{}

func (fakeProviders) RateLimitStats() map[string]ratelimit.LimiterStats {
	return map[string]ratelimit.LimiterStats{
		"openai": {Provider: "openai", AvailableTokens: 900, MaxCapacity: 1000, MaxConcurrency: 5, TokenLimitHits: 2},
	}
}

func (fakeProviders) CircuitStats() []circuit.Snapshot {
	return []circuit.Snapshot{{Provider: "openai", State: "open", ConsecutiveFailures: 5}}
}

func TestProviderStats(t *testing.T) {
	_, h := newTestServer(t, &fakeConsulter{})
	assert.Equal(t, http.StatusNotFound, get(h, "/api/llm/stats").Code)

	_, h = newTestServer(t, &fakeConsulter{}, WithProviderStats(fakeProviders{}))
	w := get(h, "/api/llm/stats")
	require.Equal(t, http.StatusOK, w.Code)

	var body struct {
		RateLimits map[string]ratelimit.LimiterStats `json:"rate_limits"`
		Circuits   []circuit.Snapshot                `json:"circuits"`
	}
	require.NoError(t, json.NewDecoder(w.Body).Decode(&body))
	assert.Equal(t, int64(2), body.RateLimits["openai"].TokenLimitHits)
	require.Len(t, body.Circuits, 1)
	assert.Equal(t, "open", body.Circuits[0].State)
}

func TestLogsEndpoint(t *testing.T) {
	_, h := newTestServer(t, &fakeConsulter{})

	assert.Equal(t, http.StatusBadRequest, get(h, "/api/logs?since=yesterday").Code)

	w := get(h, "/api/logs?component=jobs")
	require.Equal(t, http.StatusOK, w.Code)
	assert.True(t, bytes.HasPrefix(bytes.TrimSpace(w.Body.Bytes()), []byte("[")))
}
