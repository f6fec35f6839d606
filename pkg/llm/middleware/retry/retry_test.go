package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"riskteam/pkg/llm"
	"riskteam/pkg/llm/llmerrors"
	"riskteam/pkg/llm/middleware/circuit"
)

func fastPolicy(attempts int) *Policy {
	return NewPolicy(Config{
		MaxAttempts:   attempts,
		InitialDelay:  time.Millisecond,
		MaxDelay:      5 * time.Millisecond,
		BackoffFactor: 2.0,
	}, nil)
}

func TestShouldRetry(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{name: "nil", err: nil, want: false},
		{name: "cancelled", err: context.Canceled, want: false},
		{name: "deadline", err: context.DeadlineExceeded, want: true},
		{name: "circuit open", err: &circuit.Error{Provider: "openai"}, want: false},
		{name: "rate limit", err: llmerrors.NewError(llmerrors.ErrorTypeRateLimit, "429"), want: true},
		{name: "transient", err: llmerrors.NewError(llmerrors.ErrorTypeTransient, "503"), want: true},
		{name: "auth", err: llmerrors.NewError(llmerrors.ErrorTypeAuth, "401"), want: false},
		{name: "unknown", err: llmerrors.NewError(llmerrors.ErrorTypeUnknown, "?"), want: false},
		{name: "plain", err: errors.New("plain"), want: false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ShouldRetry(tt.err))
		})
	}
}

func TestCalculateDelay(t *testing.T) {
	p := NewPolicy(Config{MaxAttempts: 5, InitialDelay: 100 * time.Millisecond, MaxDelay: 300 * time.Millisecond, BackoffFactor: 2}, nil)
	assert.Equal(t, time.Duration(0), p.CalculateDelay(1))
	assert.Equal(t, 100*time.Millisecond, p.CalculateDelay(2))
	assert.Equal(t, 200*time.Millisecond, p.CalculateDelay(3))
	assert.Equal(t, 300*time.Millisecond, p.CalculateDelay(4))
}

func TestMiddlewareRecovers(t *testing.T) {
	transient := llmerrors.NewError(llmerrors.ErrorTypeTransient, "503")
	base := llm.NewMockClient([]string{"ok"}, []error{transient})
	client := llm.Chain(base, Middleware(fastPolicy(3)))

	resp, err := client.Complete(context.Background(), llm.NewCompletionRequest([]llm.CompletionMessage{llm.NewUserMessage("q")}))
	require.NoError(t, err)
	assert.Equal(t, "ok", resp.Content)
	assert.Equal(t, 2, base.CallCount())
}

func TestMiddlewareExhausted(t *testing.T) {
	transient := llmerrors.NewError(llmerrors.ErrorTypeTransient, "503")
	base := llm.NewMockClient(nil, []error{transient, transient, transient})
	client := llm.Chain(base, Middleware(fastPolicy(3)))

	_, err := client.Complete(context.Background(), llm.NewCompletionRequest([]llm.CompletionMessage{llm.NewUserMessage("q")}))
	require.Error(t, err)
	assert.True(t, llmerrors.Is(err, llmerrors.ErrorTypeServiceUnavailable))
	assert.Equal(t, 3, base.CallCount())
}

func TestMiddlewareSingleAttemptPassesThrough(t *testing.T) {
	transient := llmerrors.NewError(llmerrors.ErrorTypeTransient, "503")
	base := llm.NewMockClient(nil, []error{transient})
	client := llm.Chain(base, Middleware(fastPolicy(1)))

	_, err := client.Complete(context.Background(), llm.NewCompletionRequest([]llm.CompletionMessage{llm.NewUserMessage("q")}))
	assert.Same(t, error(transient), err)
	assert.Equal(t, 1, base.CallCount())
}

func TestMiddlewareDoesNotRetryAuth(t *testing.T) {
	auth := llmerrors.NewError(llmerrors.ErrorTypeAuth, "401")
	base := llm.NewMockClient([]string{"never"}, []error{auth})
	client := llm.Chain(base, Middleware(fastPolicy(3)))

	_, err := client.Complete(context.Background(), llm.NewCompletionRequest([]llm.CompletionMessage{llm.NewUserMessage("q")}))
	assert.True(t, llmerrors.Is(err, llmerrors.ErrorTypeAuth))
	assert.Equal(t, 1, base.CallCount())
}
