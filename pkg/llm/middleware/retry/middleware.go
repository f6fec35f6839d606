package retry

import (
	"context"
	"fmt"
	"time"

	"riskteam/pkg/llm"
	"riskteam/pkg/llm/llmerrors"
	"riskteam/pkg/logx"
)

// Middleware retries failed calls according to policy. When every attempt of a
// retryable failure is used up the error becomes ErrorTypeServiceUnavailable;
// with a single attempt the original error is returned untouched.
func Middleware(policy *Policy) llm.Middleware {
	logger := logx.NewLogger("retry")
	return func(next llm.LLMClient) llm.LLMClient {
		return llm.WrapClient(
			func(ctx context.Context, req llm.CompletionRequest) (llm.CompletionResponse, error) {
				var resp llm.CompletionResponse
				err := do(ctx, policy, logger, next.GetModelName(), func() error {
					var callErr error
					resp, callErr = next.Complete(ctx, req)
					return callErr
				})
				return resp, err
			},
			func(ctx context.Context, req llm.CompletionRequest) (<-chan llm.StreamChunk, error) {
				var ch <-chan llm.StreamChunk
				err := do(ctx, policy, logger, next.GetModelName(), func() error {
					var callErr error
					ch, callErr = next.Stream(ctx, req)
					return callErr
				})
				return ch, err
			},
			next.GetModelName,
		)
	}
}

func do(ctx context.Context, policy *Policy, logger *logx.Logger, model string, call func() error) error {
	var lastErr error
	attempts := 0

	for attempt := 1; attempt <= policy.Config.MaxAttempts; attempt++ {
		if delay := policy.CalculateDelay(attempt); delay > 0 {
			select {
			case <-ctx.Done():
				return fmt.Errorf("retry cancelled: %w", ctx.Err())
			case <-time.After(delay):
			}
		}

		attempts++
		lastErr = call()
		if lastErr == nil {
			return nil
		}
		if !policy.ShouldRetry(lastErr) {
			return lastErr
		}
		if attempt < policy.Config.MaxAttempts {
			logger.Warn("%s attempt %d/%d failed: %v", model, attempt, policy.Config.MaxAttempts, lastErr)
		}
	}

	if attempts > 1 {
		return llmerrors.NewServiceUnavailableError(lastErr, attempts)
	}
	return lastErr
}
