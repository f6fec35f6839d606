package ratelimit

import (
	"context"
	"time"

	"riskteam/pkg/llm"
	"riskteam/pkg/llm/middleware/metrics"
)

// Middleware acquires prompt+max-output tokens from the model's provider
// limiter before each call.
func Middleware(limiters *ProviderLimiterMap, estimator TokenEstimator, recorder metrics.Recorder) llm.Middleware {
	if estimator == nil {
		estimator = NewDefaultTokenEstimator()
	}
	if recorder == nil {
		recorder = metrics.Nop()
	}

	acquire := func(ctx context.Context, model string, req llm.CompletionRequest) (func(), error) {
		limiter, err := limiters.GetLimiter(model)
		if err != nil {
			recorder.IncThrottle(model, "no_limiter")
			return nil, err
		}
		start := time.Now()
		release, err := limiter.Acquire(ctx, estimator.EstimatePrompt(req)+req.MaxTokens)
		recorder.ObserveQueueWait(model, time.Since(start))
		if err != nil {
			recorder.IncThrottle(model, "rate_limit")
			return nil, err
		}
		return release, nil
	}

	return func(next llm.LLMClient) llm.LLMClient {
		return llm.WrapClient(
			func(ctx context.Context, req llm.CompletionRequest) (llm.CompletionResponse, error) {
				release, err := acquire(ctx, next.GetModelName(), req)
				if err != nil {
					return llm.CompletionResponse{}, err
				}
				defer release()
				return next.Complete(ctx, req)
			},
			func(ctx context.Context, req llm.CompletionRequest) (<-chan llm.StreamChunk, error) {
				release, err := acquire(ctx, next.GetModelName(), req)
				if err != nil {
					return nil, err
				}
				ch, err := next.Stream(ctx, req)
				if err != nil {
					release()
					return nil, err
				}
				out := make(chan llm.StreamChunk)
				go func() {
					defer release()
					defer close(out)
					for chunk := range ch {
						out <- chunk
					}
				}()
				return out, nil
			},
			next.GetModelName,
		)
	}
}
