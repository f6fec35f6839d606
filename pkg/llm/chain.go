package llm

import "context"

// Middleware wraps an LLMClient with additional behavior.
// Middlewares are composed with Chain to build a processing pipeline.
type Middleware func(next LLMClient) LLMClient

type clientFunc struct {
	complete  func(context.Context, CompletionRequest) (CompletionResponse, error)
	stream    func(context.Context, CompletionRequest) (<-chan StreamChunk, error)
	modelName func() string
}

func (f clientFunc) Complete(ctx context.Context, req CompletionRequest) (CompletionResponse, error) {
	return f.complete(ctx, req)
}

func (f clientFunc) Stream(ctx context.Context, req CompletionRequest) (<-chan StreamChunk, error) {
	return f.stream(ctx, req)
}

func (f clientFunc) GetModelName() string {
	return f.modelName()
}

// WrapClient creates a new LLMClient from plain functions.
// Middleware implementations use it to wrap behavior around the next client.
func WrapClient(
	complete func(context.Context, CompletionRequest) (CompletionResponse, error),
	stream func(context.Context, CompletionRequest) (<-chan StreamChunk, error),
	modelName func() string,
) LLMClient {
	return clientFunc{
		complete:  complete,
		stream:    stream,
		modelName: modelName,
	}
}

// Chain composes middlewares around a base client. Earlier middlewares are outermost:
//
//	Chain(client, mw1, mw2, mw3)  =>  mw1 -> mw2 -> mw3 -> client
func Chain(base LLMClient, middlewares ...Middleware) LLMClient {
	client := base
	for i := len(middlewares) - 1; i >= 0; i-- {
		client = middlewares[i](client)
	}
	return client
}

// Caller identifies who issued a model call. Middlewares use it for metric labels.
type Caller struct {
	RunID     string
	Component string
}

type callerKey struct{}

// WithCaller attaches caller attribution to ctx.
func WithCaller(ctx context.Context, caller Caller) context.Context {
	return context.WithValue(ctx, callerKey{}, caller)
}

// CallerFrom returns the caller stored in ctx, or a zero Caller labelled "unknown".
func CallerFrom(ctx context.Context) Caller {
	if c, ok := ctx.Value(callerKey{}).(Caller); ok {
		return c
	}
	return Caller{RunID: "unknown", Component: "unknown"}
}

// WithComponent keeps the run id already on ctx and replaces the component.
func WithComponent(ctx context.Context, component string) context.Context {
	c, ok := ctx.Value(callerKey{}).(Caller)
	if !ok {
		c = Caller{RunID: "unknown"}
	}
	c.Component = component
	return WithCaller(ctx, c)
}
