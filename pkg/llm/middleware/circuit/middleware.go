package circuit

import (
	"context"
	"errors"

	"riskteam/pkg/llm"
	"riskteam/pkg/llm/llmerrors"
)

// Middleware rejects calls with *Error while b is open. Only provider-side
// failures count against the breaker: a cancelled caller or a request the
// provider refused as malformed says nothing about the provider's health.
func Middleware(b *Breaker) llm.Middleware {
	return func(next llm.LLMClient) llm.LLMClient {
		return llm.WrapClient(
			func(ctx context.Context, req llm.CompletionRequest) (llm.CompletionResponse, error) {
				if err := b.Allow(); err != nil {
					return llm.CompletionResponse{}, err
				}
				resp, err := next.Complete(ctx, req)
				b.record(ctx, err)
				return resp, err //nolint:wrapcheck // pass through unchanged
			},
			func(ctx context.Context, req llm.CompletionRequest) (<-chan llm.StreamChunk, error) {
				if err := b.Allow(); err != nil {
					return nil, err
				}
				// Only stream establishment is tracked.
				ch, err := next.Stream(ctx, req)
				b.record(ctx, err)
				return ch, err //nolint:wrapcheck // pass through unchanged
			},
			next.GetModelName,
		)
	}
}

func (b *Breaker) record(ctx context.Context, err error) {
	switch {
	case err == nil:
		b.Success()
	case ctx.Err() != nil, errors.Is(err, context.Canceled):
	case llmerrors.Is(err, llmerrors.ErrorTypeBadPrompt):
	default:
		b.Failure()
	}
}
