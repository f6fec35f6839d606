package team

import (
	"context"
	"errors"
	"fmt"

	"riskteam/pkg/llm"
	"riskteam/pkg/logx"
	"riskteam/pkg/templates"
)

// DefaultCoordinatorWindow is how many recent transcript entries the
// coordinator sees.
const DefaultCoordinatorWindow = 10

// Coordinator decides what happens next in a run.
type Coordinator interface {
	DecideNextAction(ctx context.Context, state State) (CoordinatorOutput, error)
}

// CoordinatorFunc adapts a function to Coordinator.
type CoordinatorFunc func(ctx context.Context, state State) (CoordinatorOutput, error)

// DecideNextAction calls f.
func (f CoordinatorFunc) DecideNextAction(ctx context.Context, state State) (CoordinatorOutput, error) {
	return f(ctx, state)
}

// LLMCoordinator asks a model for the next routing decision.
type LLMCoordinator struct {
	client      llm.LLMClient
	logger      *logx.Logger
	experts     []string
	window      int
	maxTokens   int
	temperature float32
}

// CoordinatorOption configures an LLMCoordinator.
type CoordinatorOption func(*LLMCoordinator)

// WithCoordinatorWindow sets how many recent transcript entries are shown.
func WithCoordinatorWindow(n int) CoordinatorOption {
	return func(c *LLMCoordinator) {
		if n > 0 {
			c.window = n
		}
	}
}

// WithCoordinatorTemperature sets the sampling temperature.
func WithCoordinatorTemperature(t float32) CoordinatorOption {
	return func(c *LLMCoordinator) { c.temperature = t }
}

// WithCoordinatorMaxTokens sets the response budget.
func WithCoordinatorMaxTokens(n int) CoordinatorOption {
	return func(c *LLMCoordinator) {
		if n > 0 {
			c.maxTokens = n
		}
	}
}

// NewLLMCoordinator creates a coordinator routing between experts, in order.
func NewLLMCoordinator(client llm.LLMClient, experts []string, opts ...CoordinatorOption) *LLMCoordinator {
	c := &LLMCoordinator{
		client:      client,
		logger:      logx.NewLogger("coordinator"),
		experts:     append([]string(nil), experts...),
		window:      DefaultCoordinatorWindow,
		maxTokens:   llm.DefaultMaxTokens,
		temperature: llm.TemperatureDefault,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// DecideNextAction returns summarize without calling the model once the
// ceiling is reached. Malformed model output falls back deterministically;
// model errors propagate.
func (c *LLMCoordinator) DecideNextAction(ctx context.Context, state State) (CoordinatorOutput, error) {
	if state.Exhausted() {
		c.logger.Info("message limit reached (%d/%d), summarizing", state.MessageCount, state.MaxMessages)
		return CoordinatorOutput{
			Decision:     Summarize(),
			Keywords:     []string{"summary", "conclusion"},
			Reasoning:    "Message limit reached",
			Instructions: "Create the final comprehensive summary of the risk assessment.",
		}, nil
	}

	system, request, err := c.prompts(state)
	if err != nil {
		return CoordinatorOutput{}, err
	}

	resp, err := c.client.Complete(ctx, llm.CompletionRequest{
		Messages:    []llm.CompletionMessage{llm.NewSystemMessage(system), llm.NewUserMessage(request)},
		MaxTokens:   c.maxTokens,
		Temperature: c.temperature,
	})
	if err != nil {
		return CoordinatorOutput{}, fmt.Errorf("coordinator model call: %w", err)
	}

	out, err := ParseDecision(resp.Content, c.experts)
	if err != nil {
		if !errors.Is(err, ErrMalformedDecision) {
			return CoordinatorOutput{}, err
		}
		out.Decision = FallbackDecision(state.MessageCount, state.MaxMessages)
		c.logger.Warn("%v; falling back to %s", err, out.Decision)
		if out.Reasoning == "" {
			out.Reasoning = "Coordinator reply could not be interpreted"
		}
	}
	logx.Debug(ctx, "coordinator", "decision %s (%d/%d): %s", out.Decision, state.MessageCount, state.MaxMessages, out.Reasoning)
	return out, nil
}

func (c *LLMCoordinator) prompts(state State) (system, request string, err error) {
	renderer, err := templates.Default()
	if err != nil {
		return "", "", err
	}

	system, err = renderer.Render(templates.CoordinatorSystemTemplate, &templates.TemplateData{ExpertNames: c.experts})
	if err != nil {
		return "", "", err
	}

	status := make([]templates.ExpertStatus, len(c.experts))
	for i, name := range c.experts {
		status[i] = templates.ExpertStatus{Name: name, Contributions: state.Contributions(name)}
	}
	request, err = renderer.Render(templates.CoordinatorRequestTemplate, &templates.TemplateData{
		Query:        state.Query,
		Keywords:     state.ConversationKeywords.String(),
		ExpertStatus: status,
		Transcript:   toEntries(state.RecentMessages(c.window)),
		ExpertNames:  c.experts,
	})
	if err != nil {
		return "", "", err
	}
	return system, request, nil
}

func toEntries(messages []Message) []templates.Entry {
	out := make([]templates.Entry, len(messages))
	for i, m := range messages {
		out[i] = templates.Entry{Speaker: m.Speaker, Content: m.Content}
	}
	return out
}
