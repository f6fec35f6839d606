package team

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"riskteam/pkg/docstore"
	"riskteam/pkg/eventlog"
	"riskteam/pkg/llm"
)

func lobeOf(req llm.CompletionRequest) string {
	system := ""
	if len(req.Messages) > 1 && req.Messages[0].Role == llm.RoleSystem {
		system = req.Messages[0].Content
	}
	switch {
	case strings.Contains(system, "CREATIVE LOBE"):
		return "creative"
	case strings.Contains(system, "REASONING LOBE"):
		return "reasoning"
	case strings.Contains(system, "reporter for an expert"):
		return "reporter"
	default:
		return "other"
	}
}

func userText(req llm.CompletionRequest) string {
	return req.Messages[len(req.Messages)-1].Content
}

// scriptedLobes answers per lobe role. concludeAt is the reasoning turn that
// writes the marker, 0 for never.
func scriptedLobes(concludeAt int, reporter string) *llm.MockClient {
	var mu sync.Mutex
	turns := map[string]int{}
	return llm.NewMockClientFunc(func(req llm.CompletionRequest) (string, error) {
		mu.Lock()
		defer mu.Unlock()
		role := lobeOf(req)
		turns[role]++
		switch role {
		case "creative":
			return fmt.Sprintf("creative %d", turns[role]), nil
		case "reasoning":
			if turns[role] == concludeAt {
				return fmt.Sprintf("reasoning %d\nCONCLUDED", turns[role]), nil
			}
			return fmt.Sprintf("reasoning %d", turns[role]), nil
		case "reporter":
			return reporter, nil
		}
		return "", errors.New("unexpected prompt")
	})
}

func newExpert(t *testing.T, cfg ExpertConfig) *LobeExpert {
	t.Helper()
	if cfg.Name == "" {
		cfg.Name = "Fraud"
	}
	e, err := NewLobeExpert(cfg)
	require.NoError(t, err)
	return e
}

func TestLobeExpertConcludes(t *testing.T) {
	client := scriptedLobes(1, "  consolidated answer  ")
	e := newExpert(t, ExpertConfig{Client: client})

	rec := eventlog.NewRecorder()
	ctx := withScope(context.Background(), "run-1", rec)
	answer, err := e.ProcessMessage(ctx, "list the risks", "User Query: q\n\n")
	require.NoError(t, err)

	assert.Equal(t, "consolidated answer", answer)
	reqs := client.Requests()
	require.Len(t, reqs, 3)
	assert.Equal(t, []string{"creative", "reasoning", "reporter"}, []string{lobeOf(reqs[0]), lobeOf(reqs[1]), lobeOf(reqs[2])})

	assert.InDelta(t, DefaultCreativeTemperature, reqs[0].Temperature, 1e-6)
	assert.InDelta(t, DefaultReasoningTemperature, reqs[1].Temperature, 1e-6)
	assert.InDelta(t, DefaultReporterTemperature, reqs[2].Temperature, 1e-6)

	assert.True(t, strings.HasSuffix(userText(reqs[0]), "Current task: list the risks"))
	assert.Contains(t, userText(reqs[1]), "\n--Fraud_Creative: creative 1")

	report := userText(reqs[2])
	assert.Contains(t, report, "and signalled CONCLUDED")
	assert.Contains(t, report, "Fraud_Creative: creative 1")
	assert.Contains(t, report, "Fraud_VoReason: reasoning 1")

	events := rec.Events()
	require.Len(t, events, 2)
	assert.Equal(t, eventlog.LobeTurn, events[0].Type)
	assert.Equal(t, "Fraud_Creative", events[0].Speaker)
	assert.Equal(t, false, events[0].Data["concluded"])
	assert.Equal(t, true, events[1].Data["concluded"])
}

func TestLobeExpertTurnCap(t *testing.T) {
	client := scriptedLobes(0, "best effort")
	e := newExpert(t, ExpertConfig{Client: client, MaxRounds: 2})

	answer, err := e.ProcessMessage(context.Background(), "task", "")
	require.NoError(t, err)
	assert.Equal(t, "best effort", answer)

	reqs := client.Requests()
	require.Len(t, reqs, 5)
	assert.Equal(t, "creative", lobeOf(reqs[2]))
	assert.Contains(t, userText(reqs[2]), "--Fraud_Creative (YOU): creative 1")
	assert.Contains(t, userText(reqs[2]), "--Fraud_VoReason: reasoning 1")

	report := userText(reqs[4])
	assert.Contains(t, report, "without reaching a conclusion")
	assert.Contains(t, report, "creative 2")
	assert.Contains(t, report, "reasoning 2")
	assert.NotContains(t, report, "creative 1")
}

func TestLobeExpertWithoutReporter(t *testing.T) {
	t.Run("concluded", func(t *testing.T) {
		client := scriptedLobes(2, "")
		e := newExpert(t, ExpertConfig{Client: client, DisableReporter: true})
		answer, err := e.ProcessMessage(context.Background(), "task", "")
		require.NoError(t, err)
		assert.Equal(t, "reasoning 2", answer)
		assert.Equal(t, 4, client.CallCount())
	})

	t.Run("capped", func(t *testing.T) {
		client := scriptedLobes(0, "")
		e := newExpert(t, ExpertConfig{Client: client, DisableReporter: true, MaxRounds: 1})
		answer, err := e.ProcessMessage(context.Background(), "task", "")
		require.NoError(t, err)
		assert.Equal(t, "creative 1\n\nreasoning 1", answer)
	})

	t.Run("empty reporter output", func(t *testing.T) {
		client := scriptedLobes(1, "   ")
		e := newExpert(t, ExpertConfig{Client: client})
		answer, err := e.ProcessMessage(context.Background(), "task", "")
		require.NoError(t, err)
		assert.Equal(t, "reasoning 1", answer)
	})
}

func TestLobeExpertErrors(t *testing.T) {
	_, err := NewLobeExpert(ExpertConfig{Name: "x"})
	assert.Error(t, err)
	_, err = NewLobeExpert(ExpertConfig{Client: llm.NewMockClient(nil, nil)})
	assert.Error(t, err)

	client := llm.NewMockClient([]string{"idea"}, []error{nil, errors.New("rate limited")})
	e := newExpert(t, ExpertConfig{Client: client})
	_, err = e.ProcessMessage(context.Background(), "task", "")
	assert.ErrorContains(t, err, "rate limited")
}

func TestConclusionMarker(t *testing.T) {
	tests := []struct {
		in       string
		has      bool
		stripped string
	}{
		{"analysis\nCONCLUDED", true, "analysis"},
		{"analysis. Conclude.", true, "analysis."},
		{"done CONCLUDES: yes", true, "done  yes"},
		{"no marker here", false, "no marker here"},
		{"we cannot conclude yet", false, "we cannot conclude yet"},
		{"Evidence is thin, so we cannot conclude.\nMore data needed", false, "Evidence is thin, so we cannot conclude.\nMore data needed"},
		{"Exposure is low.\nconcluded", true, "Exposure is low."},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.has, HasConclusionMarker(tt.in))
			assert.Equal(t, tt.stripped, StripConclusionMarker(tt.in))
		})
	}
}

type fakeStore struct {
	passages []docstore.Passage
	searched [][]string
	mu       sync.Mutex
}

func (s *fakeStore) Search(_ context.Context, keywords []string) ([]docstore.Passage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.searched = append(s.searched, append([]string(nil), keywords...))
	return s.passages, nil
}

func (s *fakeStore) Add(context.Context, string, map[string]string) error { return nil }

func TestLobeRetrieval(t *testing.T) {
	store := &fakeStore{passages: []docstore.Passage{
		{Content: "p1"}, {Content: "p2"}, {Content: "p3"}, {Content: "p4"},
	}}
	client := llm.NewMockClientFunc(func(llm.CompletionRequest) (string, error) { return "ok", nil })

	t.Run("keywords", func(t *testing.T) {
		l := NewLobe(LobeConfig{Name: "L", SystemPrompt: "base", Client: client, Store: store, Keywords: []string{"fraud"}})
		_, err := l.Respond(context.Background(), "q", "")
		require.NoError(t, err)

		reqs := client.Requests()
		system := reqs[len(reqs)-1].Messages[0].Content
		assert.Equal(t, "base\n\nRelevant context for keywords [fraud]:\n1. p1\n2. p2\n3. p3", system)

		require.NoError(t, l.UpdateKeywords(context.Background(), []string{"fraud"}))
		assert.Len(t, store.searched, 1)
		require.NoError(t, l.UpdateKeywords(context.Background(), []string{"aml"}))
		assert.Len(t, store.searched, 2)
		assert.Equal(t, []string{"aml"}, l.Keywords())
	})

	t.Run("no store", func(t *testing.T) {
		l := NewLobe(LobeConfig{Name: "L", SystemPrompt: "base", Client: client, Keywords: []string{"fraud", "aml"}})
		_, err := l.Respond(context.Background(), "q", "")
		require.NoError(t, err)
		reqs := client.Requests()
		assert.Equal(t, "base\n\nInitial keywords: fraud, aml", reqs[len(reqs)-1].Messages[0].Content)
	})

	t.Run("query terms", func(t *testing.T) {
		s := &fakeStore{passages: []docstore.Passage{{Content: "wire fraud playbook"}}}
		l := NewLobe(LobeConfig{Name: "L", Client: client, Store: s})
		_, err := l.Respond(context.Background(), "assess wire transfer fraud", "")
		require.NoError(t, err)
		require.Len(t, s.searched, 1)
		assert.Contains(t, s.searched[0], "wire")
		reqs := client.Requests()
		assert.Contains(t, reqs[len(reqs)-1].Messages[0].Content, "1. wire fraud playbook")
	})
}
