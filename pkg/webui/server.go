// Package webui serves the HTTP API for submitting risk assessments,
// following their deliberation over Server-Sent Events and reading results.
package webui

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"riskteam/pkg/assessment"
	"riskteam/pkg/config"
	"riskteam/pkg/llm/middleware/circuit"
	llmmetrics "riskteam/pkg/llm/middleware/metrics"
	"riskteam/pkg/llm/middleware/ratelimit"
	"riskteam/pkg/logx"
	"riskteam/pkg/persistence"
	"riskteam/pkg/team"
	"riskteam/pkg/version"
)

// AuthUsername is the fixed Basic Auth user name.
const AuthUsername = "riskteam"

// Server represents the HTTP API server.
type Server struct {
	jobs       *JobManager
	runs       *persistence.RunStore
	usage      *llmmetrics.UsageRecorder
	gatherer   prometheus.Gatherer
	providers  ProviderStats
	logger     *logx.Logger
	projectDir string
	secretsKey string
}

// ServerOption configures a Server.
type ServerOption func(*Server)

// WithRunStore serves finished runs from the database once they are no
// longer held in memory.
func WithRunStore(runs *persistence.RunStore) ServerOption {
	return func(s *Server) { s.runs = runs }
}

// WithUsageRecorder serves live token usage of running jobs.
func WithUsageRecorder(usage *llmmetrics.UsageRecorder) ServerOption {
	return func(s *Server) { s.usage = usage }
}

// WithGatherer exposes gatherer on /metrics instead of the default registry.
func WithGatherer(g prometheus.Gatherer) ServerOption {
	return func(s *Server) { s.gatherer = g }
}

// ProviderStats reports the resilience state of every model provider.
type ProviderStats interface {
	RateLimitStats() map[string]ratelimit.LimiterStats
	CircuitStats() []circuit.Snapshot
}

// WithProviderStats serves limiter and breaker state on /api/llm/stats.
func WithProviderStats(p ProviderStats) ServerOption {
	return func(s *Server) { s.providers = p }
}

// WithSecretsPassword persists secrets changed over the API to the project's
// encrypted secrets file.
func WithSecretsPassword(password string) ServerOption {
	return func(s *Server) { s.secretsKey = password }
}

// NewServer creates a server running consultations through jobs.
func NewServer(jobs *JobManager, projectDir string, opts ...ServerOption) *Server {
	s := &Server{
		jobs:       jobs,
		gatherer:   prometheus.DefaultGatherer,
		logger:     logx.NewLogger("webui"),
		projectDir: projectDir,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// requireAuth wraps a handler with Basic Authentication. The password comes
// from the secrets file or RISKTEAM_WEBUI_PASSWORD; without one, auth is off.
func (s *Server) requireAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		expected := config.GetWebUIPassword()
		if expected == "" {
			next(w, r)
			return
		}

		username, password, ok := r.BasicAuth()
		if !ok || username != AuthUsername || subtle.ConstantTimeCompare([]byte(password), []byte(expected)) != 1 {
			if ok {
				s.logger.Warn("Failed authentication attempt from %s (username: %s)", r.RemoteAddr, username)
			}
			w.Header().Set("WWW-Authenticate", `Basic realm="riskteam"`)
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		next(w, r)
	}
}

// RegisterRoutes sets up HTTP routes for the API.
func (s *Server) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/consult", s.requireAuth(s.handleConsult))
	mux.HandleFunc("GET /api/jobs", s.requireAuth(s.handleJobs))
	mux.HandleFunc("GET /api/jobs/{id}", s.requireAuth(s.handleJob))
	mux.HandleFunc("GET /api/jobs/{id}/transcript", s.requireAuth(s.handleTranscript))
	mux.HandleFunc("GET /api/jobs/{id}/usage", s.requireAuth(s.handleUsage))
	mux.HandleFunc("GET /api/events", s.requireAuth(s.handleEvents))
	mux.HandleFunc("GET /api/logs", s.requireAuth(s.handleLogs))
	mux.HandleFunc("GET /api/llm/stats", s.requireAuth(s.handleProviderStats))

	mux.HandleFunc("GET /api/secrets", s.requireAuth(s.handleSecretsList))
	mux.HandleFunc("POST /api/secrets", s.requireAuth(s.handleSecretsSet))
	mux.HandleFunc("DELETE /api/secrets/{name}", s.requireAuth(s.handleSecretsDelete))

	// Health checks and scrapes stay unauthenticated.
	mux.HandleFunc("GET /api/healthz", s.handleHealth)
	mux.Handle("GET /metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
}

// Handler returns the routed API.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.RegisterRoutes(mux)
	return mux
}

// ConsultRequest is the body of POST /api/consult.
type ConsultRequest struct {
	Query           string `json:"query"`
	GenerateExperts bool   `json:"generate_experts"`
	MaxMessages     *int   `json:"max_messages,omitempty"`
}

// handleConsult implements POST /api/consult.
func (s *Server) handleConsult(w http.ResponseWriter, r *http.Request) {
	var body ConsultRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, "Invalid JSON", http.StatusBadRequest)
		return
	}
	if body.Query == "" {
		http.Error(w, "query is required", http.StatusBadRequest)
		return
	}
	if body.MaxMessages != nil && *body.MaxMessages < 0 {
		http.Error(w, "max_messages must not be negative", http.StatusBadRequest)
		return
	}

	job := s.jobs.Submit(assessment.Request{
		Query:           body.Query,
		GenerateExperts: body.GenerateExperts,
		MaxMessages:     body.MaxMessages,
	})
	s.writeJSON(w, http.StatusAccepted, map[string]any{
		"job_id": job.ID,
		"status": job.Status,
		"events": "/api/events?stream=" + job.ID,
	})
}

// handleJobs implements GET /api/jobs.
func (s *Server) handleJobs(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, s.jobs.List())
}

// handleJob implements GET /api/jobs/{id}. Jobs from earlier processes are
// read back from the run store.
func (s *Server) handleJob(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	job, err := s.jobs.Get(id)
	if err == nil {
		s.writeJSON(w, http.StatusOK, job)
		return
	}

	run, err := s.storedRun(r.Context(), id)
	if err != nil {
		s.notFoundOrError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, jobFromRun(run))
}

// TranscriptEntry is one shared-transcript message.
type TranscriptEntry struct {
	Speaker string `json:"speaker"`
	Content string `json:"content"`
}

// handleTranscript implements GET /api/jobs/{id}/transcript.
func (s *Server) handleTranscript(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	result, err := s.jobs.Result(id)
	switch {
	case err == nil && result == nil:
		http.Error(w, "job is still running", http.StatusConflict)
		return
	case err == nil:
		s.writeJSON(w, http.StatusOK, transcriptOf(result.State))
		return
	}

	if s.runs == nil {
		s.notFoundOrError(w, err)
		return
	}
	messages, err := s.runs.GetTranscript(r.Context(), id)
	if err != nil {
		s.logger.Error("Failed to read transcript of %s: %v", id, err)
		http.Error(w, "Failed to read transcript", http.StatusInternalServerError)
		return
	}
	if len(messages) == 0 {
		if _, err := s.storedRun(r.Context(), id); err != nil {
			s.notFoundOrError(w, err)
			return
		}
	}
	entries := make([]TranscriptEntry, len(messages))
	for i, m := range messages {
		entries[i] = TranscriptEntry{Speaker: m.Speaker, Content: m.Content}
	}
	s.writeJSON(w, http.StatusOK, entries)
}

func transcriptOf(state team.State) []TranscriptEntry {
	out := make([]TranscriptEntry, len(state.Messages))
	for i, m := range state.Messages {
		out[i] = TranscriptEntry{Speaker: m.Speaker, Content: m.Content}
	}
	return out
}

// handleUsage implements GET /api/jobs/{id}/usage. Usage is live while the
// job runs.
func (s *Server) handleUsage(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if s.usage != nil {
		if usage := s.usage.GetRunUsage(id); usage != nil {
			s.writeJSON(w, http.StatusOK, usage)
			return
		}
	}

	result, err := s.jobs.Result(id)
	if err != nil {
		s.notFoundOrError(w, err)
		return
	}
	if result == nil || result.Usage == nil {
		http.Error(w, "No usage recorded", http.StatusNotFound)
		return
	}
	s.writeJSON(w, http.StatusOK, result.Usage)
}

// handleEvents implements GET /api/events?stream=<job id>.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	stream := r.URL.Query().Get("stream")
	if stream == "" {
		http.Error(w, "stream parameter is required", http.StatusBadRequest)
		return
	}
	if !s.jobs.HasStream(stream) {
		http.Error(w, "Stream not found", http.StatusNotFound)
		return
	}
	s.jobs.Events().ServeHTTP(w, r)
}

// handleHealth implements GET /api/healthz.
func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{
		"status":  "ok",
		"version": version.Version,
	})
}

// handleProviderStats implements GET /api/llm/stats.
func (s *Server) handleProviderStats(w http.ResponseWriter, _ *http.Request) {
	if s.providers == nil {
		http.Error(w, "Provider stats not available", http.StatusNotFound)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"rate_limits": s.providers.RateLimitStats(),
		"circuits":    s.providers.CircuitStats(),
	})
}

// handleLogs implements GET /api/logs?component=&since=.
func (s *Server) handleLogs(w http.ResponseWriter, r *http.Request) {
	component := r.URL.Query().Get("component")

	var since time.Time
	if sinceStr := r.URL.Query().Get("since"); sinceStr != "" {
		parsed, err := time.Parse(time.RFC3339, sinceStr)
		if err != nil {
			http.Error(w, "Invalid since parameter (use RFC3339)", http.StatusBadRequest)
			return
		}
		since = parsed
	}

	logs := logx.GetRecentLogEntries(component, since)
	if len(logs) > 1000 {
		logs = logs[len(logs)-1000:]
	}
	if logs == nil {
		logs = []logx.LogEntry{}
	}
	s.writeJSON(w, http.StatusOK, logs)
}

// StartServer serves the API on addr until ctx is cancelled.
func (s *Server) StartServer(ctx context.Context, addr string) error {
	server := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("Starting HTTP API on %s", addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	s.logger.Info("Shutting down HTTP API")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	//nolint:contextcheck // parent context is cancelled; shutdown needs a fresh one
	if err := server.Shutdown(shutdownCtx); err != nil {
		return err
	}
	return nil
}

func (s *Server) storedRun(ctx context.Context, id string) (*persistence.Run, error) {
	if s.runs == nil {
		return nil, ErrJobNotFound
	}
	return s.runs.GetRun(ctx, id)
}

func jobFromRun(run *persistence.Run) Job {
	status := JobCompleted
	switch run.Status {
	case persistence.RunStatusRunning:
		status = JobRunning
	case persistence.RunStatusFailed, persistence.RunStatusInterrupted:
		status = JobFailed
	}
	created := run.CreatedAt
	return Job{
		ID:          run.ID,
		Query:       run.Query,
		Status:      status,
		Outcome:     run.Outcome,
		Report:      run.FinalReport,
		Error:       run.Error,
		CreatedAt:   created,
		StartedAt:   &created,
		CompletedAt: run.CompletedAt,
	}
}

func (s *Server) notFoundOrError(w http.ResponseWriter, err error) {
	if errors.Is(err, ErrJobNotFound) || errors.Is(err, persistence.ErrRunNotFound) {
		http.Error(w, "Job not found", http.StatusNotFound)
		return
	}
	s.logger.Error("Job lookup failed: %v", err)
	http.Error(w, "Internal error", http.StatusInternalServerError)
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("Failed to encode response: %v", err)
	}
}
