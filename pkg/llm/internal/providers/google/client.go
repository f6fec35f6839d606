// Package google provides the Gemini implementation of llm.LLMClient.
package google

import (
	"context"
	"fmt"
	"sync"

	"google.golang.org/genai"

	"riskteam/pkg/config"
	"riskteam/pkg/llm"
	"riskteam/pkg/llm/llmerrors"
)

// Client wraps the Google GenAI client. The underlying client needs a
// context to construct, so it is created on first use.
type Client struct {
	mu     sync.Mutex
	client *genai.Client
	apiKey string
	model  string
}

// NewClient creates a Gemini client for model.
func NewClient(apiKey, model string) llm.LLMClient {
	return &Client{apiKey: apiKey, model: model}
}

func (g *Client) ensureClient(ctx context.Context) (*genai.Client, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.client != nil {
		return g.client, nil
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  g.apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, llmerrors.NewErrorWithCause(llmerrors.ErrorTypeAuth, err, "failed to create Gemini client")
	}
	g.client = client
	return client, nil
}

// Complete implements llm.LLMClient.
//
//nolint:gocritic // CompletionRequest passed by value to match interface
func (g *Client) Complete(ctx context.Context, in llm.CompletionRequest) (llm.CompletionResponse, error) {
	client, err := g.ensureClient(ctx)
	if err != nil {
		return llm.CompletionResponse{}, err
	}

	contents, genConfig, err := buildRequest(g.model, in)
	if err != nil {
		return llm.CompletionResponse{}, err
	}

	result, err := client.Models.GenerateContent(ctx, g.model, contents, genConfig)
	if err != nil {
		return llm.CompletionResponse{}, llmerrors.Classify(err, config.ProviderGoogle)
	}
	if result == nil {
		return llm.CompletionResponse{}, llmerrors.NewError(llmerrors.ErrorTypeEmptyResponse, "empty response from Gemini API")
	}

	text := result.Text()
	if text == "" {
		return llm.CompletionResponse{}, llmerrors.NewError(llmerrors.ErrorTypeEmptyResponse, "Gemini response contained no text")
	}

	return llm.CompletionResponse{
		Content:    text,
		StopReason: stopReason(result),
	}, nil
}

// Stream implements llm.LLMClient with a single buffered chunk.
//
//nolint:gocritic // CompletionRequest passed by value to match interface
func (g *Client) Stream(ctx context.Context, in llm.CompletionRequest) (<-chan llm.StreamChunk, error) {
	return llm.StreamFromComplete(ctx, g, in)
}

// GetModelName returns the model name for this client.
func (g *Client) GetModelName() string {
	return g.model
}

//nolint:gocritic // CompletionRequest passed by value to match interface
func buildRequest(model string, in llm.CompletionRequest) ([]*genai.Content, *genai.GenerateContentConfig, error) {
	systemPrompt, turns, err := llm.NormalizeConversation(in.Messages)
	if err != nil {
		return nil, nil, llmerrors.NewError(llmerrors.ErrorTypeBadPrompt, fmt.Sprintf("message conversion error: %v", err))
	}

	contents := make([]*genai.Content, 0, len(turns))
	for i := range turns {
		role := genai.Role(genai.RoleUser)
		if turns[i].Role == llm.RoleAssistant {
			role = genai.RoleModel
		}
		contents = append(contents, genai.NewContentFromText(turns[i].Content, role))
	}

	maxTokens := in.MaxTokens
	if maxTokens <= 0 {
		maxTokens = llm.DefaultMaxTokens
	}
	if info, ok := config.GetModelInfo(model); ok && maxTokens > info.MaxOutputTokens {
		maxTokens = info.MaxOutputTokens
	}

	temperature := in.Temperature
	genConfig := &genai.GenerateContentConfig{
		Temperature:     &temperature,
		MaxOutputTokens: int32(maxTokens), //nolint:gosec // bounded by model limits above
	}
	if systemPrompt != "" {
		genConfig.SystemInstruction = &genai.Content{
			Parts: []*genai.Part{{Text: systemPrompt}},
		}
	}
	return contents, genConfig, nil
}

func stopReason(result *genai.GenerateContentResponse) string {
	if result == nil || len(result.Candidates) == 0 || result.Candidates[0] == nil {
		return "end_turn"
	}
	switch result.Candidates[0].FinishReason {
	case genai.FinishReasonMaxTokens:
		return "max_tokens"
	case genai.FinishReasonStop, "":
		return "end_turn"
	default:
		return string(result.Candidates[0].FinishReason)
	}
}
