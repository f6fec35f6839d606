package team

import (
	"context"

	"riskteam/pkg/eventlog"
)

type scopeKey struct{}

type runScope struct {
	sink  eventlog.Sink
	runID string
}

func withScope(ctx context.Context, runID string, sink eventlog.Sink) context.Context {
	return context.WithValue(ctx, scopeKey{}, runScope{sink: sink, runID: runID})
}

// emit sends an event to the sink of the run executing on ctx, if any.
func emit(ctx context.Context, t eventlog.Type, speaker string, data map[string]any) {
	scope, ok := ctx.Value(scopeKey{}).(runScope)
	if !ok || scope.sink == nil {
		return
	}
	scope.sink.Emit(eventlog.New(t, scope.runID, speaker, data))
}

// RunIDFrom returns the id of the run executing on ctx.
func RunIDFrom(ctx context.Context) string {
	if scope, ok := ctx.Value(scopeKey{}).(runScope); ok {
		return scope.runID
	}
	return ""
}
