// Package anthropic provides the Claude implementation of llm.LLMClient.
package anthropic

import (
	"context"
	"fmt"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"riskteam/pkg/config"
	"riskteam/pkg/llm"
	"riskteam/pkg/llm/llmerrors"
)

// Client wraps the Anthropic API client (raw client, middleware applied at higher level).
type Client struct {
	client anthropic.Client
	model  string
}

// NewClient creates a Claude client for model.
func NewClient(apiKey, model string) llm.LLMClient {
	return &Client{
		client: anthropic.NewClient(option.WithAPIKey(apiKey)),
		model:  model,
	}
}

// Complete implements llm.LLMClient.
//
//nolint:gocritic // CompletionRequest passed by value to match interface
func (c *Client) Complete(ctx context.Context, in llm.CompletionRequest) (llm.CompletionResponse, error) {
	params, err := buildParams(c.model, in)
	if err != nil {
		return llm.CompletionResponse{}, err
	}

	resp, err := c.client.Messages.New(ctx, params)
	if err != nil {
		return llm.CompletionResponse{}, llmerrors.Classify(err, config.ProviderAnthropic)
	}
	if resp == nil || len(resp.Content) == 0 {
		return llm.CompletionResponse{}, llmerrors.NewError(llmerrors.ErrorTypeEmptyResponse, "received empty or nil response from Claude API")
	}

	var text string
	for i := range resp.Content {
		block := &resp.Content[i]
		if block.Type == "text" {
			text += block.AsText().Text
		}
	}
	if text == "" {
		return llm.CompletionResponse{}, llmerrors.NewError(llmerrors.ErrorTypeEmptyResponse, "Claude response contained no text blocks")
	}

	return llm.CompletionResponse{
		Content:    text,
		StopReason: stopReason(string(resp.StopReason)),
	}, nil
}

// Stream implements llm.LLMClient with a single buffered chunk.
//
//nolint:gocritic // CompletionRequest passed by value to match interface
func (c *Client) Stream(ctx context.Context, in llm.CompletionRequest) (<-chan llm.StreamChunk, error) {
	return llm.StreamFromComplete(ctx, c, in)
}

// GetModelName returns the model name for this client.
func (c *Client) GetModelName() string {
	return c.model
}

//nolint:gocritic // CompletionRequest passed by value to match interface
func buildParams(model string, in llm.CompletionRequest) (anthropic.MessageNewParams, error) {
	systemPrompt, turns, err := llm.NormalizeConversation(in.Messages)
	if err != nil {
		return anthropic.MessageNewParams{}, llmerrors.NewError(llmerrors.ErrorTypeBadPrompt, fmt.Sprintf("message alternation error: %v", err))
	}

	messages := make([]anthropic.MessageParam, 0, len(turns))
	for i := range turns {
		block := anthropic.NewTextBlock(turns[i].Content)
		if turns[i].Role == llm.RoleAssistant {
			messages = append(messages, anthropic.NewAssistantMessage(block))
		} else {
			messages = append(messages, anthropic.NewUserMessage(block))
		}
	}

	maxTokens := in.MaxTokens
	if maxTokens <= 0 {
		maxTokens = llm.DefaultMaxTokens
	}
	if info, ok := config.GetModelInfo(model); ok && maxTokens > info.MaxOutputTokens {
		maxTokens = info.MaxOutputTokens
	}

	params := anthropic.MessageNewParams{
		Model:       anthropic.Model(model),
		Messages:    messages,
		MaxTokens:   int64(maxTokens),
		Temperature: anthropic.Float(float64(in.Temperature)),
	}
	if systemPrompt != "" {
		params.System = []anthropic.TextBlockParam{{Text: systemPrompt, Type: "text"}}
	}
	return params, nil
}

func stopReason(reason string) string {
	switch reason {
	case "":
		return "end_turn"
	case "stop_sequence":
		return "end_turn"
	default:
		return reason
	}
}
