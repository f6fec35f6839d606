package team

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"riskteam/pkg/eventlog"
	"riskteam/pkg/llm"
	"riskteam/pkg/logx"
)

type stubExpert struct {
	name     string
	err      error
	keywords []Keywords
	queries  []string
	contexts []string
	mu       sync.Mutex
}

func (e *stubExpert) Name() string { return e.name }

func (e *stubExpert) ProcessMessage(_ context.Context, query, teamContext string) (string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.err != nil {
		return "", e.err
	}
	e.queries = append(e.queries, query)
	e.contexts = append(e.contexts, teamContext)
	return fmt.Sprintf("%s analysis %d", e.name, len(e.queries)), nil
}

func (e *stubExpert) UpdateKeywords(_ context.Context, keywords Keywords) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.keywords = append(e.keywords, keywords)
	return nil
}

func (e *stubExpert) calls() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.queries)
}

// roundRobin consults each expert once in order, then summarizes.
func roundRobin(experts ...string) Coordinator {
	return CoordinatorFunc(func(_ context.Context, state State) (CoordinatorOutput, error) {
		for _, name := range experts {
			if state.Contributions(name) == 0 {
				return CoordinatorOutput{
					Decision:     ExpertTurn(name),
					Reasoning:    "need " + name,
					Instructions: "Assess the query as " + name,
					Keywords:     []string{"fraud"},
				}, nil
			}
		}
		return CoordinatorOutput{Decision: Summarize(), Reasoning: "all consulted"}, nil
	})
}

func always(d Decision) Coordinator {
	return CoordinatorFunc(func(context.Context, State) (CoordinatorOutput, error) {
		return CoordinatorOutput{Decision: d, Reasoning: "scripted"}, nil
	})
}

func echoSummarizer() Summarizer {
	return SummarizerFunc(func(_ context.Context, state State) (string, error) {
		return fmt.Sprintf("report from %d experts", len(state.ExpertResponses)), nil
	})
}

func newTestTeam(t *testing.T, c Coordinator, experts []Expert, opts ...Option) *Team {
	t.Helper()
	tm, err := New(c, echoSummarizer(), experts, opts...)
	require.NoError(t, err)
	return tm
}

func TestNewValidation(t *testing.T) {
	a := &stubExpert{name: "A"}
	tests := []struct {
		name        string
		coordinator Coordinator
		summarizer  Summarizer
		experts     []Expert
	}{
		{"no coordinator", nil, echoSummarizer(), []Expert{a}},
		{"no summarizer", always(End()), nil, []Expert{a}},
		{"no experts", always(End()), echoSummarizer(), nil},
		{"duplicate", always(End()), echoSummarizer(), []Expert{a, &stubExpert{name: "A"}}},
		{"reserved name", always(End()), echoSummarizer(), []Expert{&stubExpert{name: "summarize"}}},
		{"empty name", always(End()), echoSummarizer(), []Expert{&stubExpert{}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New(tt.coordinator, tt.summarizer, tt.experts)
			assert.Error(t, err)
		})
	}
}

func TestMaxMessagesOption(t *testing.T) {
	a := &stubExpert{name: "A"}
	assert.Equal(t, DefaultMaxMessages, newTestTeam(t, always(End()), []Expert{a}).MaxMessages())
	assert.Equal(t, DefaultMaxMessages, newTestTeam(t, always(End()), []Expert{a}, WithMaxMessages(-1)).MaxMessages())
	assert.Equal(t, 0, newTestTeam(t, always(End()), []Expert{a}, WithMaxMessages(0)).MaxMessages())
	assert.Equal(t, 7, newTestTeam(t, always(End()), []Expert{a}, WithMaxMessages(7)).MaxMessages())
}

func TestRunConsultsExpertsThenSummarizes(t *testing.T) {
	a, b := &stubExpert{name: "A"}, &stubExpert{name: "B"}
	tm := newTestTeam(t, roundRobin("A", "B"), []Expert{a, b}, WithMaxMessages(10))

	state, err := tm.Run(context.Background(), "assess card fraud")
	require.NoError(t, err)

	assert.True(t, state.Concluded)
	assert.Equal(t, OutcomeReport, state.Outcome())
	assert.Equal(t, 3, state.MessageCount)
	assert.Equal(t, 1, a.calls())
	assert.Equal(t, 1, b.calls())
	assert.Equal(t, map[string]string{"A": "A analysis 1", "B": "B analysis 1"}, state.ExpertResponses)
	assert.Equal(t, "report from 2 experts", state.FinalReport)
	assert.Equal(t, SpeakerSummary, state.CurrentSpeaker)

	speakers := make([]string, len(state.Messages))
	for i, m := range state.Messages {
		speakers[i] = m.Speaker
	}
	assert.Equal(t, []string{"Coordinator", "A", "Coordinator", "B", "Coordinator", "SummaryAgent"}, speakers)
	assert.Equal(t, "Decision: A | Reasoning: need A", state.Messages[0].Content)

	// B sees A's answer and the coordinator reasoning, not the raw decision line.
	require.Len(t, b.contexts, 1)
	assert.Contains(t, b.contexts[0], "User Query: assess card fraud\n\n")
	assert.Contains(t, b.contexts[0], "A: A analysis 1\n\n")
	assert.Contains(t, b.contexts[0], "Coordinator: need B\n\n")
	assert.NotContains(t, b.contexts[0], "Decision:")
	assert.Equal(t, []string{"Assess the query as B"}, b.queries)

	require.Len(t, a.keywords, 1)
	assert.Equal(t, []string{"fraud"}, a.keywords[0].For(RoleCreative))
	assert.Equal(t, []string{"fraud"}, a.keywords[0].For(RoleReasoning))
}

func TestRunIsDeterministic(t *testing.T) {
	run := func() State {
		tm := newTestTeam(t, roundRobin("A", "B"), []Expert{&stubExpert{name: "A"}, &stubExpert{name: "B"}})
		state, err := tm.Run(context.Background(), "q")
		require.NoError(t, err)
		return state
	}
	assert.Equal(t, run(), run())
}

func TestRunCeiling(t *testing.T) {
	tests := []struct {
		name        string
		maxMessages int
		wantCalls   int
	}{
		{"zero", 0, 0},
		{"one", 1, 1},
		{"three", 3, 3},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := &stubExpert{name: "A"}
			tm := newTestTeam(t, always(ExpertTurn("A")), []Expert{a}, WithMaxMessages(tt.maxMessages))

			state, err := tm.Run(context.Background(), "q")
			require.NoError(t, err)

			assert.True(t, state.Concluded)
			assert.LessOrEqual(t, state.MessageCount, state.MaxMessages)
			assert.Equal(t, tt.maxMessages, state.MessageCount)
			assert.Equal(t, tt.wantCalls, a.calls())
			assert.Equal(t, End(), state.CoordinatorDecision)
			assert.Equal(t, OutcomeForcedEnd, state.Outcome())
			assert.Empty(t, state.FinalReport)
		})
	}
}

func TestRunSummarizeAtCeiling(t *testing.T) {
	a := &stubExpert{name: "A"}
	c := CoordinatorFunc(func(_ context.Context, state State) (CoordinatorOutput, error) {
		if state.Exhausted() {
			return CoordinatorOutput{Decision: Summarize(), Reasoning: "Message limit reached"}, nil
		}
		return CoordinatorOutput{Decision: ExpertTurn("A")}, nil
	})
	tm := newTestTeam(t, c, []Expert{a}, WithMaxMessages(2))

	state, err := tm.Run(context.Background(), "q")
	require.NoError(t, err)
	assert.Equal(t, 2, state.MessageCount)
	assert.Equal(t, 2, a.calls())
	assert.Equal(t, OutcomeReport, state.Outcome())
	assert.Equal(t, "report from 1 experts", state.FinalReport)
	assert.Equal(t, "A analysis 2", state.ExpertResponses["A"])
}

func TestRunInvalidDecisionFallsBack(t *testing.T) {
	tests := []struct {
		name        string
		decision    Decision
		maxMessages int
		want        Outcome
	}{
		{"unknown kind with budget ends", Decision{Kind: "escalate"}, 5, OutcomeForcedEnd},
		{"unknown expert with budget ends", ExpertTurn("Ghost"), 5, OutcomeForcedEnd},
		{"unknown kind near ceiling summarizes", Decision{Kind: "escalate"}, 1, OutcomeReport},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := &stubExpert{name: "A"}
			tm := newTestTeam(t, always(tt.decision), []Expert{a}, WithMaxMessages(tt.maxMessages))

			state, err := tm.Run(context.Background(), "q")
			require.NoError(t, err)
			assert.Equal(t, tt.want, state.Outcome())
			assert.Zero(t, a.calls())
			assert.True(t, state.CoordinatorDecision.Valid([]string{"A"}))
		})
	}
}

func TestRunFailures(t *testing.T) {
	t.Run("expert error", func(t *testing.T) {
		rec := eventlog.NewRecorder()
		a := &stubExpert{name: "A", err: errors.New("model down")}
		tm := newTestTeam(t, always(ExpertTurn("A")), []Expert{a}, WithSink(rec))

		state, err := tm.Run(context.Background(), "q")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "model down")
		assert.False(t, state.Concluded)
		assert.Equal(t, 1, state.MessageCount)
		assert.Equal(t, 1, rec.Count(eventlog.RunFailed))
		assert.Zero(t, rec.Count(eventlog.RunFinished))
	})

	t.Run("coordinator error", func(t *testing.T) {
		c := CoordinatorFunc(func(context.Context, State) (CoordinatorOutput, error) {
			return CoordinatorOutput{}, errors.New("boom")
		})
		tm := newTestTeam(t, c, []Expert{&stubExpert{name: "A"}})
		_, err := tm.Run(context.Background(), "q")
		assert.ErrorContains(t, err, "coordinator: boom")
	})

	t.Run("summary error", func(t *testing.T) {
		s := SummarizerFunc(func(context.Context, State) (string, error) { return "", errors.New("no tokens") })
		tm, err := New(always(Summarize()), s, []Expert{&stubExpert{name: "A"}})
		require.NoError(t, err)
		state, err := tm.Run(context.Background(), "q")
		assert.ErrorContains(t, err, "no tokens")
		assert.False(t, state.Concluded)
	})

	t.Run("cancelled", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		tm := newTestTeam(t, always(ExpertTurn("A")), []Expert{&stubExpert{name: "A"}})
		_, err := tm.Run(ctx, "q")
		assert.ErrorIs(t, err, context.Canceled)
	})
}

func TestRunEvents(t *testing.T) {
	rec := eventlog.NewRecorder()
	tm := newTestTeam(t, roundRobin("A"), []Expert{&stubExpert{name: "A"}}, WithSink(rec))

	ctx := llm.WithCaller(context.Background(), llm.Caller{RunID: "run-42"})
	_, err := tm.Run(ctx, "q")
	require.NoError(t, err)

	events := rec.Events()
	require.NotEmpty(t, events)
	assert.Equal(t, eventlog.RunStarted, events[0].Type)
	assert.Equal(t, eventlog.RunFinished, events[len(events)-1].Type)
	assert.Equal(t, "report", events[len(events)-1].Data["outcome"])
	for _, ev := range events {
		assert.Equal(t, "run-42", ev.RunID)
	}
	assert.Equal(t, 2, rec.Count(eventlog.CoordinatorDecision))
	assert.Equal(t, 1, rec.Count(eventlog.ExpertStarting))
	assert.Equal(t, 1, rec.Count(eventlog.ExpertFinished))
	assert.Equal(t, 1, rec.Count(eventlog.SummaryStarting))
	assert.Equal(t, 5, rec.Count(eventlog.StatusChange))
}

func TestRunTagsDebugComponent(t *testing.T) {
	logx.SetDebugConfig(true, false, t.TempDir())
	t.Cleanup(func() { logx.SetDebugConfig(false, false, "logs") })
	since := time.Now().Truncate(time.Millisecond)

	inner := roundRobin("A")
	c := CoordinatorFunc(func(ctx context.Context, state State) (CoordinatorOutput, error) {
		logx.Debug(ctx, "coordinator", "deciding at %d", state.MessageCount)
		return inner.DecideNextAction(ctx, state)
	})
	tm := newTestTeam(t, c, []Expert{&stubExpert{name: "A"}})
	_, err := tm.Run(context.Background(), "q")
	require.NoError(t, err)

	decisions := 0
	for _, e := range logx.GetRecentLogEntries("coordinator", since) {
		if e.Domain == "coordinator" {
			decisions++
		}
	}
	assert.Equal(t, 2, decisions)
	for _, e := range logx.GetRecentLogEntries("unknown", since) {
		assert.NotEqual(t, "coordinator", e.Domain)
	}

	var flow []string
	for _, e := range logx.GetRecentLogEntries("expert", since) {
		flow = append(flow, e.Message)
	}
	assert.Contains(t, flow, "[expert] Flow A: started")
	assert.Contains(t, flow, "[expert] Flow A: finished - 12 chars")
}

func TestRunGeneratesRunID(t *testing.T) {
	rec := eventlog.NewRecorder()
	tm := newTestTeam(t, always(End()), []Expert{&stubExpert{name: "A"}}, WithSink(rec))
	_, err := tm.Run(context.Background(), "q")
	require.NoError(t, err)

	events := rec.Events()
	require.NotEmpty(t, events)
	assert.NotEmpty(t, events[0].RunID)
	assert.NotEqual(t, "unknown", events[0].RunID)
}

func TestConsult(t *testing.T) {
	t.Run("report", func(t *testing.T) {
		tm := newTestTeam(t, roundRobin("A"), []Expert{&stubExpert{name: "A"}})
		assert.Equal(t, "report from 1 experts", tm.Consult(context.Background(), "q"))
	})
	t.Run("forced end", func(t *testing.T) {
		tm := newTestTeam(t, always(End()), []Expert{&stubExpert{name: "A"}})
		assert.Equal(t, ForcedTerminationMessage, tm.Consult(context.Background(), "q"))
	})
	t.Run("empty report", func(t *testing.T) {
		s := SummarizerFunc(func(context.Context, State) (string, error) { return "", nil })
		tm, err := New(always(Summarize()), s, []Expert{&stubExpert{name: "A"}})
		require.NoError(t, err)
		assert.Equal(t, NoSummaryMessage, tm.Consult(context.Background(), "q"))
	})
	t.Run("error", func(t *testing.T) {
		tm := newTestTeam(t, always(ExpertTurn("A")), []Expert{&stubExpert{name: "A", err: errors.New("x")}})
		assert.Equal(t, ConsultErrorMessage, tm.Consult(context.Background(), "q"))
	})
}

func TestVerboseNarration(t *testing.T) {
	var buf bytes.Buffer
	tm := newTestTeam(t, roundRobin("A"), []Expert{&stubExpert{name: "A"}},
		WithVerbose(true), WithNarrationWriter(&buf))
	_, err := tm.Run(context.Background(), "assess wire fraud")
	require.NoError(t, err)

	out := buf.String()
	assert.Contains(t, out, "Query: assess wire fraud")
	assert.Contains(t, out, "A starting deliberation")
	assert.Contains(t, out, "Team consultation completed: report")
}

func TestTransitions(t *testing.T) {
	assert.True(t, IsValidTransition(StepCoordinatorDecide, StepExpertDeliberate))
	assert.True(t, IsValidTransition(StepCoordinatorDecide, StepFinalize))
	assert.True(t, IsValidTransition(StepExpertDeliberate, StepCoordinatorDecide))
	assert.True(t, IsValidTransition(StepFinalize, StepDone))
	assert.False(t, IsValidTransition(StepExpertDeliberate, StepGenerateSummary))
	assert.False(t, IsValidTransition(StepGenerateSummary, StepCoordinatorDecide))
	assert.False(t, IsValidTransition(StepDone, StepCoordinatorDecide))
}

func TestCurrentInstruction(t *testing.T) {
	state := NewState("the query", 5)
	assert.Equal(t, "the query", CurrentInstruction(state))

	state.appendMessage(SpeakerCoordinator, "Decision: A | Reasoning: look at payments")
	assert.Equal(t, "look at payments", CurrentInstruction(state))

	state.CoordinatorInstructions = "List the top five risks"
	assert.Equal(t, "List the top five risks", CurrentInstruction(state))
}

func TestBuildTeamContext(t *testing.T) {
	state := NewState("q", 5)
	state.appendMessage(SpeakerCoordinator, "Decision: A | Reasoning: start with A")
	state.appendMessage("A", "answer")
	assert.Equal(t, "User Query: q\n\nCoordinator: start with A\n\nA: answer\n\n", BuildTeamContext(state))
}

func TestSeedKeywords(t *testing.T) {
	a := &stubExpert{name: "A"}
	c := CoordinatorFunc(func(_ context.Context, state State) (CoordinatorOutput, error) {
		if state.Contributions("A") == 0 {
			return CoordinatorOutput{Decision: ExpertTurn("A")}, nil
		}
		return CoordinatorOutput{Decision: Summarize()}, nil
	})
	tm := newTestTeam(t, c, []Expert{a}, WithSeedKeywords("wrong person", "wrong timing"))

	state, err := tm.Run(context.Background(), "q")
	require.NoError(t, err)
	require.Len(t, a.keywords, 1)
	assert.Equal(t, []string{"wrong person", "wrong timing"}, a.keywords[0].For(RoleCreative))
	assert.Equal(t, []string{"wrong person", "wrong timing"}, state.ConversationKeywords.For(RoleReasoning))
}
