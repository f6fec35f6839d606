package llm

import (
	"context"
	"fmt"
	"sync"
)

// MockClient provides a scripted LLMClient for tests.
// Errors take precedence: a non-nil entry in errors is returned before the
// next response is consumed. When Respond is set it answers every call instead.
type MockClient struct {
	Respond       func(req CompletionRequest) (string, error)
	model         string
	responses     []string
	errors        []error
	requests      []CompletionRequest
	responseIndex int
	errorIndex    int
	mu            sync.Mutex
}

// NewMockClient creates a mock client with predefined responses and errors.
func NewMockClient(responses []string, errors []error) *MockClient {
	return &MockClient{
		model:     "mock-model",
		responses: responses,
		errors:    errors,
	}
}

// NewMockClientFunc creates a mock that delegates every call to fn.
func NewMockClientFunc(fn func(req CompletionRequest) (string, error)) *MockClient {
	return &MockClient{model: "mock-model", Respond: fn}
}

// Complete returns the next predefined response or error.
func (m *MockClient) Complete(_ context.Context, req CompletionRequest) (CompletionResponse, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.requests = append(m.requests, req)

	if m.Respond != nil {
		content, err := m.Respond(req)
		if err != nil {
			return CompletionResponse{}, err
		}
		return CompletionResponse{Content: content, StopReason: "end_turn"}, nil
	}

	if m.errorIndex < len(m.errors) {
		err := m.errors[m.errorIndex]
		m.errorIndex++
		if err != nil {
			return CompletionResponse{}, err
		}
	}

	if m.responseIndex >= len(m.responses) {
		return CompletionResponse{}, fmt.Errorf("mock client: no more responses")
	}

	resp := m.responses[m.responseIndex]
	m.responseIndex++
	return CompletionResponse{Content: resp, StopReason: "end_turn"}, nil
}

// Stream returns the next response as a single chunk.
func (m *MockClient) Stream(ctx context.Context, req CompletionRequest) (<-chan StreamChunk, error) {
	return StreamFromComplete(ctx, m, req)
}

// GetModelName returns the mock model name.
func (m *MockClient) GetModelName() string {
	return m.model
}

// WithModel sets the reported model name. Middleware that routes by provider
// needs a real model name.
func (m *MockClient) WithModel(name string) *MockClient {
	m.model = name
	return m
}

// Requests returns a copy of every request received so far.
func (m *MockClient) Requests() []CompletionRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]CompletionRequest, len(m.requests))
	copy(out, m.requests)
	return out
}

// CallCount returns the number of Complete calls.
func (m *MockClient) CallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.requests)
}
