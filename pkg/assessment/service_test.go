package assessment

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"riskteam/pkg/config"
	"riskteam/pkg/eventlog"
	"riskteam/pkg/experts"
	"riskteam/pkg/llm"
	"riskteam/pkg/llm/factory"
	"riskteam/pkg/llm/llmerrors"
	"riskteam/pkg/llm/middleware/circuit"
	llmmetrics "riskteam/pkg/llm/middleware/metrics"
	"riskteam/pkg/persistence"
	"riskteam/pkg/report"
	"riskteam/pkg/team"
)

type fakeClients map[factory.Role]llm.LLMClient

func (f fakeClients) CreateClient(role factory.Role) (llm.LLMClient, error) {
	c, ok := f[role]
	if !ok {
		return nil, errors.New("no client for " + string(role))
	}
	return c, nil
}

func expertClient() *llm.MockClient {
	return llm.NewMockClientFunc(func(req llm.CompletionRequest) (string, error) {
		system := req.Messages[0].Content
		switch {
		case strings.Contains(system, "REASONING LOBE"):
			return "structured analysis\nCONCLUDED", nil
		case strings.Contains(system, "reporter for an expert"):
			return "I see three payment risks.", nil
		default:
			return "what if the card is cloned?", nil
		}
	})
}

func testConfig(t *testing.T) (config.Config, string) {
	t.Helper()
	cfg := *config.DefaultConfig()
	return cfg, t.TempDir()
}

func fixedCounts(llm.CompletionRequest, llm.CompletionResponse) (int, int) { return 10, 5 }

func TestConsultPersistsEverything(t *testing.T) {
	cfg, dir := testConfig(t)
	db, err := persistence.Open(filepath.Join(dir, "riskteam.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	runs := persistence.NewRunStore(db)

	usage := llmmetrics.NewUsageRecorder()
	metered := llmmetrics.Middleware(usage, fixedCounts, nil)
	coordinator := llm.NewMockClient([]string{
		`{"reasoning": "fraud first", "decision": "Fraud", "keywords": ["card"], "instructions": "List card risks"}`,
		`{"reasoning": "done", "decision": "summarize"}`,
	}, nil)
	clients := fakeClients{
		factory.RoleCoordinator: llm.Chain(coordinator, metered),
		factory.RoleExpert:      llm.Chain(expertClient(), metered),
		factory.RoleSummary:     llm.Chain(llm.NewMockClient([]string{"# Final report"}, nil), metered),
	}

	rec := eventlog.NewRecorder()
	svc := New(cfg, dir, clients,
		WithRunStore(runs),
		WithUsage(usage),
		WithDefinitions([]experts.Definition{{Name: "Fraud", SystemPrompt: "You analyse card fraud."}}),
	)

	res, err := svc.Consult(context.Background(), Request{RunID: "run-1", Query: "assess card issuing", Sink: rec})
	require.NoError(t, err)

	assert.Equal(t, "run-1", res.RunID)
	assert.Equal(t, "# Final report", res.Report)
	assert.Equal(t, team.OutcomeReport, res.Outcome)
	assert.Equal(t, []string{"Fraud"}, res.Experts)
	assert.Equal(t, "I see three payment risks.", res.State.ExpertResponses["Fraud"])
	assert.Equal(t, 1, rec.Count(eventlog.RunFinished))

	require.NotNil(t, res.Usage)
	// coordinator x2, creative, reasoning, reporter, summary
	assert.Equal(t, int64(6), res.Usage.RequestCount)
	assert.Equal(t, int64(2), res.Usage.ByComponent["coordinator"])
	assert.Equal(t, int64(3), res.Usage.ByComponent["expert"])
	assert.Equal(t, int64(1), res.Usage.ByComponent["summary"])

	data, err := os.ReadFile(res.ReportPath)
	require.NoError(t, err)
	assert.Equal(t, "# Final report", string(data))
	sections, err := os.ReadFile(filepath.Join(filepath.Dir(res.ReportPath), report.SectionsFilename))
	require.NoError(t, err)
	assert.Contains(t, string(sections), "## Fraud\n\nI see three payment risks.")

	run, err := runs.GetRun(context.Background(), "run-1")
	require.NoError(t, err)
	assert.Equal(t, persistence.RunStatusCompleted, run.Status)
	assert.Equal(t, "report", run.Outcome)
	assert.Equal(t, 2, run.MessageCount)
	assert.Equal(t, []string{"card"}, run.Keywords["reasoning"])

	transcript, err := runs.GetTranscript(context.Background(), "run-1")
	require.NoError(t, err)
	require.Len(t, transcript, 4)
	assert.Equal(t, "Fraud", transcript[1].Speaker)

	stored, err := runs.GetSections(context.Background(), "run-1")
	require.NoError(t, err)
	require.Len(t, stored, 1)
	assert.Equal(t, "merged", stored[0].Status)
}

func TestConsultFailure(t *testing.T) {
	cfg, dir := testConfig(t)
	db, err := persistence.Open(filepath.Join(dir, "riskteam.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	runs := persistence.NewRunStore(db)

	clients := fakeClients{
		factory.RoleCoordinator: llm.NewMockClient(nil, []error{errors.New("POST https://api.internal/v1 sk-secret-123: provider outage")}),
		factory.RoleExpert:      expertClient(),
		factory.RoleSummary:     llm.NewMockClient(nil, nil),
	}
	svc := New(cfg, dir, clients, WithRunStore(runs))

	res, err := svc.Consult(context.Background(), Request{RunID: "run-2", Query: "q"})
	var consultErr *Error
	require.ErrorAs(t, err, &consultErr)
	assert.Equal(t, ReasonInternal, consultErr.Reason)
	assert.Equal(t, "consultation run-2 failed (internal)", err.Error())
	assert.NotContains(t, err.Error(), "sk-secret-123")
	assert.Equal(t, team.ConsultErrorMessage, res.Report)
	assert.Equal(t, team.OutcomeIncomplete, res.Outcome)
	assert.Equal(t, []string{"SecurityExpert", "ComplianceExpert", "ArchitectureExpert"}, res.Experts)

	run, err := runs.GetRun(context.Background(), "run-2")
	require.NoError(t, err)
	assert.Equal(t, persistence.RunStatusFailed, run.Status)
	assert.Contains(t, run.Error, "provider outage")
}

func TestConsultForcedEndAndCeiling(t *testing.T) {
	cfg, dir := testConfig(t)
	clients := fakeClients{
		factory.RoleCoordinator: llm.NewMockClient([]string{`{"decision": "end", "reasoning": "out of scope"}`}, nil),
		factory.RoleExpert:      expertClient(),
		factory.RoleSummary:     llm.NewMockClient([]string{"short report"}, nil),
	}
	svc := New(cfg, dir, clients)

	zero := 0
	res, err := svc.Consult(context.Background(), Request{Query: "q", MaxMessages: &zero})
	require.NoError(t, err)
	assert.NotEmpty(t, res.RunID)
	assert.Equal(t, 0, res.State.MaxMessages)
	// exhausted at once: the coordinator summarizes without a model call
	assert.Equal(t, team.OutcomeReport, res.Outcome)
	assert.Equal(t, "short report", res.Report)

	res, err = svc.Consult(context.Background(), Request{Query: "q"})
	require.NoError(t, err)
	assert.Equal(t, team.ForcedTerminationMessage, res.Report)
	assert.Equal(t, cfg.Team.MaxMessages, res.State.MaxMessages)
}

func TestConsultGeneratesExperts(t *testing.T) {
	cfg, dir := testConfig(t)
	generator := llm.NewMockClientFunc(func(req llm.CompletionRequest) (string, error) {
		system := req.Messages[0].Content
		switch {
		case strings.Contains(system, "assemble a team"):
			return `[{"name": "Payments Expert", "system_prompt": "payments"}]`, nil
		case strings.Contains(system, "guide words"):
			return `["wrong amount", "wrong timing"]`, nil
		default:
			return "APPROVED", nil
		}
	})
	clients := fakeClients{
		factory.RoleGenerator:   generator,
		factory.RoleCoordinator: llm.NewMockClient([]string{`{"decision": "end"}`}, nil),
		factory.RoleExpert:      expertClient(),
		factory.RoleSummary:     llm.NewMockClient(nil, nil),
	}
	svc := New(cfg, dir, clients)

	res, err := svc.Consult(context.Background(), Request{Query: "assess payouts", GenerateExperts: true})
	require.NoError(t, err)
	assert.Equal(t, []string{"Payments Expert"}, res.Experts)
	assert.Equal(t, []string{"wrong amount", "wrong timing"}, res.State.ConversationKeywords.For(team.RoleCreative))

	keywords, err := os.ReadFile(filepath.Join(filepath.Dir(res.ReportPath), report.KeywordsFilename))
	require.NoError(t, err)
	assert.Equal(t, "wrong amount,wrong timing\n", string(keywords))
}

func TestConsultRequiresQuery(t *testing.T) {
	cfg, dir := testConfig(t)
	res, err := New(cfg, dir, fakeClients{}).Consult(context.Background(), Request{})
	assert.ErrorIs(t, err, ErrQueryRequired)
	assert.Equal(t, team.ConsultErrorMessage, res.Report)
}

func TestFailureReason(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want string
	}{
		{name: "cancelled", err: fmt.Errorf("run cancelled: %w", context.Canceled), want: ReasonCancelled},
		{name: "deadline", err: context.DeadlineExceeded, want: ReasonTimeout},
		{name: "circuit", err: &circuit.Error{Provider: "openai"}, want: ReasonCircuitOpen},
		{name: "classified", err: fmt.Errorf("coordinator: %w", llmerrors.NewError(llmerrors.ErrorTypeAuth, "401 sk-secret")), want: "auth"},
		{name: "plain", err: errors.New("sk-secret-123"), want: ReasonInternal},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, FailureReason(tt.err))
		})
	}

	err := &Error{RunID: "r", Reason: ReasonCancelled}
	assert.ErrorIs(t, err, context.Canceled)
	assert.NotErrorIs(t, err, context.DeadlineExceeded)
}

func TestBuildDocumentVersions(t *testing.T) {
	state := team.NewState("q", 5)
	state.Messages = []team.Message{
		{Speaker: team.SpeakerCoordinator, Content: "Decision: A"},
		{Speaker: "A", Content: "first"},
		{Speaker: "A", Content: "second"},
		{Speaker: team.SpeakerSummary, Content: "report"},
	}
	doc := BuildDocument(state, []string{"A"})
	sections := doc.Sections()
	require.Len(t, sections, 2)
	assert.Equal(t, 2, sections[1].Version)
	assert.Equal(t, sections[0].ID, sections[1].ParentID)
	assert.Contains(t, doc.Markdown(), "## A\n\nsecond")
}
