package team

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"riskteam/pkg/llm"
	"riskteam/pkg/logx"
	"riskteam/pkg/templates"
)

// Summarizer writes the final report of a run.
type Summarizer interface {
	GenerateSummary(ctx context.Context, state State) (string, error)
}

// SummarizerFunc adapts a function to Summarizer.
type SummarizerFunc func(ctx context.Context, state State) (string, error)

// GenerateSummary calls f.
func (f SummarizerFunc) GenerateSummary(ctx context.Context, state State) (string, error) {
	return f(ctx, state)
}

// LLMSummarizer synthesizes the report with one model call.
type LLMSummarizer struct {
	client      llm.LLMClient
	logger      *logx.Logger
	experts     []string
	maxTokens   int
	temperature float32
}

// NewLLMSummarizer creates a summary agent. experts fixes the order of
// contributions in the prompt.
func NewLLMSummarizer(client llm.LLMClient, experts []string, temperature float32, maxTokens int) *LLMSummarizer {
	if maxTokens <= 0 {
		maxTokens = llm.DefaultMaxTokens
	}
	return &LLMSummarizer{
		client:      client,
		logger:      logx.NewLogger("summary"),
		experts:     append([]string(nil), experts...),
		maxTokens:   maxTokens,
		temperature: temperature,
	}
}

// GenerateSummary returns the report text. Errors propagate.
func (s *LLMSummarizer) GenerateSummary(ctx context.Context, state State) (string, error) {
	renderer, err := templates.Default()
	if err != nil {
		return "", err
	}
	system, err := renderer.Render(templates.SummarizerSystemTemplate, nil)
	if err != nil {
		return "", err
	}
	request, err := renderer.Render(templates.SummaryRequestTemplate, &templates.TemplateData{
		Query:         state.Query,
		Contributions: s.contributions(state),
		Transcript:    toEntries(state.Messages),
	})
	if err != nil {
		return "", err
	}

	resp, err := s.client.Complete(ctx, llm.CompletionRequest{
		Messages:    []llm.CompletionMessage{llm.NewSystemMessage(system), llm.NewUserMessage(request)},
		MaxTokens:   s.maxTokens,
		Temperature: s.temperature,
	})
	if err != nil {
		return "", fmt.Errorf("summary model call: %w", err)
	}
	report := strings.TrimSpace(resp.Content)
	s.logger.Info("summary agent completed report (%d chars)", len(report))
	return report, nil
}

// contributions lists expert responses in configured order, then any others by name.
func (s *LLMSummarizer) contributions(state State) []templates.Entry {
	out := make([]templates.Entry, 0, len(state.ExpertResponses))
	seen := make(map[string]bool, len(s.experts))
	for _, name := range s.experts {
		seen[name] = true
		if resp, ok := state.ExpertResponses[name]; ok {
			out = append(out, templates.Entry{Speaker: name, Content: resp})
		}
	}
	var rest []string
	for name := range state.ExpertResponses {
		if !seen[name] {
			rest = append(rest, name)
		}
	}
	sort.Strings(rest)
	for _, name := range rest {
		out = append(out, templates.Entry{Speaker: name, Content: state.ExpertResponses[name]})
	}
	return out
}
