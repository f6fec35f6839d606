// Package assessment wires configuration, model clients, expert definitions
// and the document store into a team per request, runs it and persists the
// outcome.
package assessment

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"riskteam/pkg/config"
	"riskteam/pkg/docstore"
	"riskteam/pkg/eventlog"
	"riskteam/pkg/experts"
	"riskteam/pkg/llm"
	"riskteam/pkg/llm/factory"
	llmmetrics "riskteam/pkg/llm/middleware/metrics"
	"riskteam/pkg/logx"
	"riskteam/pkg/persistence"
	"riskteam/pkg/report"
	"riskteam/pkg/team"
)

// ClientFactory builds a model client per role.
type ClientFactory interface {
	CreateClient(role factory.Role) (llm.LLMClient, error)
}

// Request describes one consultation.
type Request struct {
	RunID           string        `json:"run_id,omitempty"` // generated when empty
	Query           string        `json:"query"`
	MaxMessages     *int          `json:"max_messages,omitempty"` // nil uses the configured ceiling
	GenerateExperts bool          `json:"generate_experts"`
	Verbose         bool          `json:"verbose"`
	Sink            eventlog.Sink `json:"-"` // receives this run's events in addition to the service sink
}

// Result is the outcome of a consultation. Report is always set; it carries
// the fixed error or termination message when no report was produced.
//
//nolint:govet // json field order
type Result struct {
	RunID      string               `json:"run_id"`
	Report     string               `json:"report"`
	Outcome    team.Outcome         `json:"outcome"`
	Experts    []string             `json:"experts"`
	ReportPath string               `json:"report_path,omitempty"`
	State      team.State           `json:"state"`
	Usage      *llmmetrics.RunUsage `json:"usage,omitempty"`
	Document   []report.Section     `json:"sections,omitempty"`
}

// Service runs consultations.
type Service struct {
	cfg        config.Config
	projectDir string
	clients    ClientFactory
	store      docstore.Store
	runs       *persistence.RunStore
	usage      *llmmetrics.UsageRecorder
	sink       eventlog.Sink
	defs       []experts.Definition
	logger     *logx.Logger
}

// Option configures a Service.
type Option func(*Service)

// WithDocStore gives every expert lobe access to store.
func WithDocStore(store docstore.Store) Option {
	return func(s *Service) { s.store = store }
}

// WithRunStore persists runs, transcripts and report sections.
func WithRunStore(runs *persistence.RunStore) Option {
	return func(s *Service) { s.runs = runs }
}

// WithUsage attaches per-run usage from recorder to each result. The same
// recorder must be passed to the client factory.
func WithUsage(recorder *llmmetrics.UsageRecorder) Option {
	return func(s *Service) { s.usage = recorder }
}

// WithSink sends every run's events to sink.
func WithSink(sink eventlog.Sink) Option {
	return func(s *Service) {
		if sink != nil {
			s.sink = sink
		}
	}
}

// WithDefinitions fixes the expert team instead of reading the experts file.
func WithDefinitions(defs []experts.Definition) Option {
	return func(s *Service) { s.defs = defs }
}

// New creates a service. projectDir anchors the relative paths in cfg.
func New(cfg config.Config, projectDir string, clients ClientFactory, opts ...Option) *Service {
	s := &Service{
		cfg:        cfg,
		projectDir: projectDir,
		clients:    clients,
		sink:       eventlog.Nop(),
		logger:     logx.NewLogger("assessment"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Definitions returns the expert team used when none is generated.
func (s *Service) Definitions() ([]experts.Definition, error) {
	if len(s.defs) > 0 {
		return s.defs, nil
	}
	return experts.LoadOrDefault(config.ProjectPath(s.projectDir, s.cfg.Team.ExpertsFile))
}

// Consult runs one consultation. The returned Result is non-nil even on
// error, with Report set to the fixed error message. A failed run returns
// ErrQueryRequired or an *Error; the cause goes to the log and the run record.
func (s *Service) Consult(ctx context.Context, req Request) (*Result, error) {
	runID := req.RunID
	if runID == "" {
		runID = uuid.NewString()
	}
	ctx = llm.WithCaller(ctx, llm.Caller{RunID: runID, Component: "assessment"})
	result := &Result{RunID: runID, Report: team.ConsultErrorMessage, Outcome: team.OutcomeIncomplete}

	maxMessages := s.cfg.Team.MaxMessages
	if req.MaxMessages != nil {
		maxMessages = *req.MaxMessages
	}
	started := time.Now()
	s.saveRun(ctx, &persistence.Run{
		ID:          runID,
		Query:       req.Query,
		Status:      persistence.RunStatusRunning,
		MaxMessages: maxMessages,
		CreatedAt:   started,
	})

	state, err := s.consult(ctx, req, runID, maxMessages, result)
	result.State = state
	if s.usage != nil {
		result.Usage = s.usage.GetRunUsage(runID)
	}

	run := &persistence.Run{
		ID:           runID,
		Query:        req.Query,
		Status:       persistence.RunStatusCompleted,
		MessageCount: state.MessageCount,
		MaxMessages:  maxMessages,
		Keywords:     keywordMap(state.ConversationKeywords),
		CreatedAt:    started,
	}
	completed := time.Now()
	run.CompletedAt = &completed
	result.Report = team.Report(state, err)
	if err != nil {
		s.logger.Error("run %s failed: %v", runID, err)
		run.Status = persistence.RunStatusFailed
		run.Error = err.Error()
		s.saveRun(ctx, run)
		s.saveTranscript(ctx, runID, state, BuildDocument(state, result.Experts))
		if errors.Is(err, ErrQueryRequired) {
			return result, ErrQueryRequired
		}
		return result, &Error{RunID: runID, Reason: FailureReason(err)}
	}

	result.Outcome = state.Outcome()
	run.Outcome = string(result.Outcome)
	run.FinalReport = state.FinalReport

	doc := BuildDocument(state, result.Experts)
	result.Document = doc.Sections()
	if path, err := s.writeArtifacts(runID, result.Report, doc, state); err != nil {
		s.logger.Warn("run %s: %v", runID, err)
	} else {
		result.ReportPath = path
	}

	s.saveRun(ctx, run)
	s.saveTranscript(ctx, runID, state, doc)
	return result, nil
}

func (s *Service) consult(ctx context.Context, req Request, runID string, maxMessages int, result *Result) (team.State, error) {
	if req.Query == "" {
		return team.State{}, ErrQueryRequired
	}

	defs, seed, err := s.roster(ctx, req)
	if err != nil {
		return team.State{}, err
	}
	result.Experts = experts.Names(defs)

	tm, err := s.build(defs, seed, maxMessages, req)
	if err != nil {
		return team.State{}, err
	}
	s.logger.Info("run %s: consulting %d experts", runID, len(defs))
	return tm.Run(ctx, req.Query)
}

// roster returns the expert definitions and seed keywords for req.
func (s *Service) roster(ctx context.Context, req Request) ([]experts.Definition, []string, error) {
	if !req.GenerateExperts {
		defs, err := s.Definitions()
		return defs, nil, err
	}

	client, err := s.clients.CreateClient(factory.RoleGenerator)
	if err != nil {
		return nil, nil, fmt.Errorf("generator client: %w", err)
	}
	gen := experts.NewGenerator(client, experts.WithTemperature(s.cfg.Team.CoordinatorTemperature))
	defs, err := gen.GenerateExperts(ctx, req.Query)
	if err != nil {
		return nil, nil, fmt.Errorf("generate experts: %w", err)
	}
	words, err := gen.GenerateGuideWords(ctx, req.Query)
	if err != nil {
		s.logger.Warn("guide word generation failed, continuing without: %v", err)
		words = nil
	}
	return defs, words, nil
}

func (s *Service) build(defs []experts.Definition, seed []string, maxMessages int, req Request) (*team.Team, error) {
	expertClient, err := s.clients.CreateClient(factory.RoleExpert)
	if err != nil {
		return nil, fmt.Errorf("expert client: %w", err)
	}
	coordinatorClient, err := s.clients.CreateClient(factory.RoleCoordinator)
	if err != nil {
		return nil, fmt.Errorf("coordinator client: %w", err)
	}
	summaryClient, err := s.clients.CreateClient(factory.RoleSummary)
	if err != nil {
		return nil, fmt.Errorf("summary client: %w", err)
	}

	tc := s.cfg.Team
	members := make([]team.Expert, 0, len(defs))
	for _, def := range defs {
		e, err := team.NewLobeExpert(team.ExpertConfig{
			Name:                 def.Name,
			SystemPrompt:         def.SystemPrompt,
			Client:               expertClient,
			Store:                s.store,
			Keywords:             def.Keywords,
			MaxRounds:            tc.MaxRounds,
			MaxTokens:            tc.MaxTokens,
			MaxContextTokens:     s.cfg.DocStore.MaxContextTokens,
			CreativeTemperature:  tc.CreativeTemperature,
			ReasoningTemperature: tc.ReasoningTemperature,
			ReporterTemperature:  tc.ReporterTemperature,
		})
		if err != nil {
			return nil, err
		}
		members = append(members, e)
	}

	names := experts.Names(defs)
	coordinator := team.NewLLMCoordinator(coordinatorClient, names,
		team.WithCoordinatorWindow(tc.CoordinatorWindow),
		team.WithCoordinatorTemperature(tc.CoordinatorTemperature),
		team.WithCoordinatorMaxTokens(tc.MaxTokens),
	)
	summarizer := team.NewLLMSummarizer(summaryClient, names, tc.SummaryTemperature, tc.MaxTokens)

	return team.New(coordinator, summarizer, members,
		team.WithMaxMessages(maxMessages),
		team.WithSink(eventlog.Multi(s.sink, req.Sink)),
		team.WithVerbose(req.Verbose || tc.Verbose),
		team.WithSeedKeywords(seed...),
	)
}

// BuildDocument turns expert contributions into merged report sections, one
// domain per expert. Later contributions are edits of the earlier section.
func BuildDocument(state team.State, expertNames []string) *report.Document {
	isExpert := make(map[string]bool, len(expertNames))
	for _, n := range expertNames {
		isExpert[n] = true
	}

	doc := report.NewDocument()
	latest := map[string]string{}
	for _, m := range state.Messages {
		if !isExpert[m.Speaker] {
			continue
		}
		var id string
		if prev, ok := latest[m.Speaker]; ok {
			var err error
			if id, err = doc.ProposeEdit(prev, m.Speaker, m.Content, "follow-up contribution"); err != nil {
				continue
			}
		} else {
			id = doc.CreateSection(m.Speaker, m.Speaker, m.Content)
		}
		latest[m.Speaker] = id
		_ = doc.Merge(id, "")
	}
	return doc
}

func (s *Service) writeArtifacts(runID, text string, doc *report.Document, state team.State) (string, error) {
	if s.cfg.Output.ReportsDir == "" {
		return "", nil
	}
	dir := report.RunDir(config.ProjectPath(s.projectDir, s.cfg.Output.ReportsDir), runID)
	path, err := report.SaveReport(dir, text)
	if err != nil {
		return "", err
	}
	if _, err := report.SaveDocument(dir, doc); err != nil {
		return path, err
	}
	if _, err := report.SaveKeywords(dir, state.ConversationKeywords.For(team.RoleReasoning)); err != nil {
		return path, err
	}
	return path, nil
}

func (s *Service) saveRun(ctx context.Context, run *persistence.Run) {
	if s.runs == nil {
		return
	}
	if err := s.runs.SaveRun(context.WithoutCancel(ctx), run); err != nil {
		s.logger.Warn("failed to persist run %s: %v", run.ID, err)
	}
}

func (s *Service) saveTranscript(ctx context.Context, runID string, state team.State, doc *report.Document) {
	if s.runs == nil {
		return
	}
	ctx = context.WithoutCancel(ctx)

	messages := make([]persistence.RunMessage, len(state.Messages))
	for i, m := range state.Messages {
		messages[i] = persistence.RunMessage{RunID: runID, Seq: i, Speaker: m.Speaker, Content: m.Content}
	}
	if err := s.runs.SaveTranscript(ctx, runID, messages); err != nil {
		s.logger.Warn("failed to persist transcript of %s: %v", runID, err)
	}

	sections := doc.Sections()
	rows := make([]persistence.Section, len(sections))
	for i, sec := range sections {
		rows[i] = persistence.Section{
			ID:        sec.ID,
			RunID:     runID,
			Seq:       i,
			Title:     sec.Domain,
			Content:   sec.Content,
			Author:    sec.Author,
			Status:    string(sec.Status),
			Version:   sec.Version,
			ParentID:  sec.ParentID,
			Rationale: sec.Rationale,
			CreatedAt: sec.CreatedAt,
		}
	}
	if err := s.runs.SaveSections(ctx, runID, rows); err != nil {
		s.logger.Warn("failed to persist sections of %s: %v", runID, err)
	}
}

func keywordMap(k team.Keywords) map[string][]string {
	out := make(map[string][]string, len(k))
	for role, words := range k {
		out[string(role)] = append([]string(nil), words...)
	}
	return out
}
