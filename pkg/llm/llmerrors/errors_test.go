package llmerrors

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want ErrorType
	}{
		{name: "status 429", err: errors.New("POST /v1/messages: 429 Too Many Requests"), want: ErrorTypeRateLimit},
		{name: "status 401", err: errors.New("401 Unauthorized"), want: ErrorTypeAuth},
		{name: "status 503", err: errors.New("503 Service Unavailable"), want: ErrorTypeTransient},
		{name: "status 400", err: errors.New("400 bad request"), want: ErrorTypeBadPrompt},
		{name: "quota text", err: errors.New("quota exceeded for project"), want: ErrorTypeRateLimit},
		{name: "api key text", err: errors.New("invalid api key supplied"), want: ErrorTypeAuth},
		{name: "connection reset", err: errors.New("read tcp: connection reset by peer"), want: ErrorTypeTransient},
		{name: "deadline", err: context.DeadlineExceeded, want: ErrorTypeTransient},
		{name: "opaque", err: errors.New("something odd"), want: ErrorTypeUnknown},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Classify(tt.err, "test")
			assert.Equal(t, tt.want, TypeOf(got))
			assert.ErrorIs(t, got, tt.err)
		})
	}
}

func TestClassifyPassthrough(t *testing.T) {
	assert.NoError(t, Classify(nil, "x"))

	canceled := fmt.Errorf("wrapped: %w", context.Canceled)
	assert.Same(t, canceled, Classify(canceled, "x"))

	classified := NewError(ErrorTypeAuth, "nope")
	assert.Same(t, error(classified), Classify(classified, "x"))
}

func TestIsRetryable(t *testing.T) {
	assert.True(t, IsRetryable(NewError(ErrorTypeRateLimit, "slow down")))
	assert.True(t, IsRetryable(NewError(ErrorTypeEmptyResponse, "empty")))
	assert.False(t, IsRetryable(NewError(ErrorTypeAuth, "bad key")))
	assert.False(t, IsRetryable(NewServiceUnavailableError(errors.New("x"), 3)))
	assert.False(t, IsRetryable(errors.New("plain")))
}

func TestErrorString(t *testing.T) {
	err := NewErrorWithStatus(ErrorTypeTransient, 502, "bad gateway")
	assert.Equal(t, "LLM error (transient): bad gateway", err.Error())
	assert.True(t, Is(fmt.Errorf("wrap: %w", err), ErrorTypeTransient))
}

func TestSanitizePrompt(t *testing.T) {
	short := "short prompt"
	assert.Equal(t, short, SanitizePrompt(short, 50))

	long := strings.Repeat("a", 500) + strings.Repeat("b", 500)
	out := SanitizePrompt(long, 200)
	assert.Contains(t, out, "[1000 chars, hash:")
	assert.True(t, strings.HasPrefix(out, "aaaa"))
	assert.True(t, strings.HasSuffix(out, "bbbb"))
}
