// Package llm provides the language model client abstraction shared by every
// deliberation component: coordinator, expert lobes, summary agent and the
// expert generator.
package llm

import (
	"context"
	"fmt"
	"strings"
)

// CompletionRole represents the role of a message in a conversation.
type CompletionRole string

const (
	// RoleSystem indicates a system message that frames the model's behavior.
	RoleSystem CompletionRole = "system"
	// RoleUser indicates a message from the caller.
	RoleUser CompletionRole = "user"
	// RoleAssistant indicates a previous model reply.
	RoleAssistant CompletionRole = "assistant"
)

const (
	// DefaultMaxTokens is the response budget used when a request does not set one.
	DefaultMaxTokens = 4096

	// TemperatureDefault is the default temperature for routing and synthesis.
	TemperatureDefault = 0.3

	// TemperatureCreative is used by the divergent lobe of an expert.
	TemperatureCreative = 0.8

	// TemperatureReasoning is used by the convergent lobe of an expert.
	TemperatureReasoning = 0.4

	// MinTemperature and MaxTemperature bound every request.
	MinTemperature = 0.0
	MaxTemperature = 2.0
)

// CompletionMessage represents a message in a completion request.
type CompletionMessage struct {
	Content string
	Role    CompletionRole
}

// CompletionRequest represents a request to generate a completion.
//
//nolint:govet // fieldalignment: value semantics preferred over pointer indirection
type CompletionRequest struct {
	Messages    []CompletionMessage
	MaxTokens   int
	Temperature float32
}

// CompletionResponse represents a response from a completion request.
type CompletionResponse struct {
	Content    string // Main response text
	StopReason string // "end_turn", "max_tokens", ...
}

// StreamChunk represents a chunk of streamed completion response.
type StreamChunk struct {
	Error   error
	Content string
	Done    bool
}

// LLMClient defines the interface for language model interactions.
type LLMClient interface { //nolint:revive // name kept for readability at call sites
	// Complete generates a completion synchronously.
	Complete(ctx context.Context, in CompletionRequest) (CompletionResponse, error)

	// Stream generates a completion as a stream of chunks.
	Stream(ctx context.Context, in CompletionRequest) (<-chan StreamChunk, error)

	// GetModelName returns the model name for this LLM client.
	GetModelName() string
}

// NewCompletionRequest creates a new completion request with default values.
func NewCompletionRequest(messages []CompletionMessage) CompletionRequest {
	return CompletionRequest{
		Messages:    messages,
		MaxTokens:   DefaultMaxTokens,
		Temperature: TemperatureDefault,
	}
}

// NewSystemMessage creates a new system message.
func NewSystemMessage(content string) CompletionMessage {
	return CompletionMessage{Role: RoleSystem, Content: content}
}

// NewUserMessage creates a new user message.
func NewUserMessage(content string) CompletionMessage {
	return CompletionMessage{Role: RoleUser, Content: content}
}

// NewAssistantMessage creates a new assistant message.
func NewAssistantMessage(content string) CompletionMessage {
	return CompletionMessage{Role: RoleAssistant, Content: content}
}

// Validate checks the request before it reaches a provider.
func (r CompletionRequest) Validate() error {
	if len(r.Messages) == 0 {
		return fmt.Errorf("completion request has no messages")
	}
	if r.Temperature < MinTemperature || r.Temperature > MaxTemperature {
		return fmt.Errorf("temperature %.2f must be between %.1f and %.1f", r.Temperature, MinTemperature, MaxTemperature)
	}
	if r.MaxTokens < 0 {
		return fmt.Errorf("max tokens must not be negative")
	}
	return nil
}

// PromptText concatenates all message contents. Used for token estimates.
func (r CompletionRequest) PromptText() string {
	var sb strings.Builder
	for i := range r.Messages {
		if i > 0 {
			sb.WriteString("\n")
		}
		sb.WriteString(r.Messages[i].Content)
	}
	return sb.String()
}

// StreamFromComplete adapts a synchronous completion into a single-chunk stream.
// Providers without native streaming use it to satisfy LLMClient.
func StreamFromComplete(ctx context.Context, client LLMClient, in CompletionRequest) (<-chan StreamChunk, error) {
	resp, err := client.Complete(ctx, in)
	if err != nil {
		return nil, err
	}
	ch := make(chan StreamChunk, 1)
	ch <- StreamChunk{Content: resp.Content, Done: true}
	close(ch)
	return ch, nil
}
