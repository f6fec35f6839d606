// Package openai provides the OpenAI Responses API implementation of llm.LLMClient.
package openai

import (
	"context"
	"fmt"
	"strings"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/responses"

	"riskteam/pkg/config"
	"riskteam/pkg/llm"
	"riskteam/pkg/llm/llmerrors"
)

// Client wraps the official OpenAI Go client.
type Client struct {
	client openai.Client
	model  string
}

// NewClient creates an OpenAI client for model.
func NewClient(apiKey, model string) llm.LLMClient {
	return &Client{
		client: openai.NewClient(option.WithAPIKey(apiKey)),
		model:  model,
	}
}

// Complete implements llm.LLMClient.
//
//nolint:gocritic // CompletionRequest passed by value to match interface
func (o *Client) Complete(ctx context.Context, in llm.CompletionRequest) (llm.CompletionResponse, error) {
	params, err := buildParams(o.model, in)
	if err != nil {
		return llm.CompletionResponse{}, err
	}

	resp, err := o.client.Responses.New(ctx, params)
	if err != nil {
		return llm.CompletionResponse{}, llmerrors.Classify(err, config.ProviderOpenAI)
	}
	if resp == nil {
		return llm.CompletionResponse{}, llmerrors.NewError(llmerrors.ErrorTypeEmptyResponse, "empty response from OpenAI Responses API")
	}

	content := resp.OutputText()
	if strings.TrimSpace(content) == "" {
		return llm.CompletionResponse{}, llmerrors.NewError(llmerrors.ErrorTypeEmptyResponse, "OpenAI response contained no output text")
	}

	return llm.CompletionResponse{
		Content:    content,
		StopReason: stopReason(resp.IncompleteDetails.Reason),
	}, nil
}

// Stream implements llm.LLMClient with a single buffered chunk.
//
//nolint:gocritic // CompletionRequest passed by value to match interface
func (o *Client) Stream(ctx context.Context, in llm.CompletionRequest) (<-chan llm.StreamChunk, error) {
	return llm.StreamFromComplete(ctx, o, in)
}

// GetModelName returns the model name for this client.
func (o *Client) GetModelName() string {
	return o.model
}

//nolint:gocritic // CompletionRequest passed by value to match interface
func buildParams(model string, in llm.CompletionRequest) (responses.ResponseNewParams, error) {
	instructions, input := flattenMessages(in.Messages)
	if input == "" {
		return responses.ResponseNewParams{}, llmerrors.NewError(llmerrors.ErrorTypeBadPrompt, "request has no user or assistant content")
	}

	// Cap MaxTokens to the model's limit to prevent API errors.
	maxTokens := in.MaxTokens
	if maxTokens <= 0 {
		maxTokens = llm.DefaultMaxTokens
	}
	if info, ok := config.GetModelInfo(model); ok && info.MaxOutputTokens > 0 && maxTokens > info.MaxOutputTokens {
		maxTokens = info.MaxOutputTokens
	}

	params := responses.ResponseNewParams{
		Model:           model,
		MaxOutputTokens: openai.Int(int64(maxTokens)),
		Input:           responses.ResponseNewParamsInputUnion{OfString: openai.String(input)},
	}
	if instructions != "" {
		params.Instructions = openai.String(instructions)
	}
	if supportsTemperature(model) {
		params.Temperature = openai.Float(float64(in.Temperature))
	}
	return params, nil
}

// flattenMessages lifts system messages into instructions and renders the
// remaining turns as a single input string.
func flattenMessages(messages []llm.CompletionMessage) (instructions, input string) {
	var system []string
	var sb strings.Builder
	for i := range messages {
		msg := &messages[i]
		switch msg.Role {
		case llm.RoleSystem:
			system = append(system, msg.Content)
		case llm.RoleAssistant:
			fmt.Fprintf(&sb, "Assistant: %s\n\n", msg.Content)
		default:
			sb.WriteString(msg.Content)
			sb.WriteString("\n\n")
		}
	}
	return strings.Join(system, "\n\n"), strings.TrimSpace(sb.String())
}

// supportsTemperature reports whether model accepts a sampling temperature.
// Reasoning models reject it.
func supportsTemperature(model string) bool {
	for _, prefix := range []string{"o1", "o3", "o4", "gpt-5"} {
		if strings.HasPrefix(model, prefix) {
			return false
		}
	}
	return true
}

func stopReason(incomplete string) string {
	switch incomplete {
	case "":
		return "end_turn"
	case "max_output_tokens":
		return "max_tokens"
	default:
		return incomplete
	}
}
