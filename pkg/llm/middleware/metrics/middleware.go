package metrics

import (
	"context"
	"errors"
	"time"

	"riskteam/pkg/config"
	"riskteam/pkg/llm"
	"riskteam/pkg/llm/llmerrors"
	"riskteam/pkg/llm/middleware/circuit"
	"riskteam/pkg/logx"
	"riskteam/pkg/utils"
)

const (
	statusSuccess = "success"
	statusError   = "error"
)

// UsageExtractor derives token counts for a call.
type UsageExtractor func(req llm.CompletionRequest, resp llm.CompletionResponse) (promptTokens, completionTokens int)

// DefaultUsageExtractor counts tokens with tiktoken.
func DefaultUsageExtractor(req llm.CompletionRequest, resp llm.CompletionResponse) (promptTokens, completionTokens int) {
	return utils.CountTokensSimple(req.PromptText()), utils.CountTokensSimple(resp.Content)
}

// Middleware records every call. Run and component labels come from the
// llm.Caller stored on the context.
func Middleware(recorder Recorder, usageExtractor UsageExtractor, logger *logx.Logger) llm.Middleware {
	if usageExtractor == nil {
		usageExtractor = DefaultUsageExtractor
	}

	return func(next llm.LLMClient) llm.LLMClient {
		return llm.WrapClient(
			func(ctx context.Context, req llm.CompletionRequest) (llm.CompletionResponse, error) {
				start := time.Now()
				resp, err := next.Complete(ctx, req)
				duration := time.Since(start)

				model := next.GetModelName()
				caller := llm.CallerFrom(ctx)
				obs := Observation{
					Model:     model,
					RunID:     caller.RunID,
					Component: caller.Component,
					Success:   err == nil,
					ErrorType: getErrorType(err),
					Duration:  duration,
				}
				if err == nil {
					obs.PromptTokens, obs.CompletionTokens = usageExtractor(req, resp)
					obs.Cost = config.CalculateCost(model, obs.PromptTokens, obs.CompletionTokens)
				}
				recorder.ObserveRequest(obs)

				if logger != nil {
					status := statusSuccess
					if err != nil {
						status = statusError
					}
					logger.Info("🎯 LLM Request: model=%s run=%s component=%s tokens=%d+%d=%d status=%s duration=%dms",
						model, caller.RunID, caller.Component, obs.PromptTokens, obs.CompletionTokens,
						obs.PromptTokens+obs.CompletionTokens, status, duration.Milliseconds())
				}
				return resp, err //nolint:wrapcheck // pass through unchanged
			},
			func(ctx context.Context, req llm.CompletionRequest) (<-chan llm.StreamChunk, error) {
				start := time.Now()
				ch, err := next.Stream(ctx, req)
				caller := llm.CallerFrom(ctx)

				// Streams are only timed to establishment; tokens are not counted.
				recorder.ObserveRequest(Observation{
					Model:     next.GetModelName(),
					RunID:     caller.RunID,
					Component: caller.Component,
					Success:   err == nil,
					ErrorType: getErrorType(err),
					Duration:  time.Since(start),
				})
				return ch, err //nolint:wrapcheck // pass through unchanged
			},
			next.GetModelName,
		)
	}
}

func getErrorType(err error) string {
	if err == nil {
		return ""
	}
	var circuitErr *circuit.Error
	switch {
	case errors.As(err, &circuitErr):
		return "circuit_breaker"
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	case errors.Is(err, context.Canceled):
		return "canceled"
	default:
		return llmerrors.TypeOf(err).String()
	}
}
