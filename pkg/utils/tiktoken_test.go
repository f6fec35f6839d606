package utils

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCountTokens(t *testing.T) {
	counter, err := NewTokenCounter("gpt-4.1")
	require.NoError(t, err)

	assert.Equal(t, 0, counter.CountTokens(""))
	assert.Greater(t, counter.CountTokens("threat modelling for payment APIs"), 3)
	assert.Greater(t, CountTokensSimple("hello world"), 0)
}

func TestNilCounterFallsBack(t *testing.T) {
	var counter *TokenCounter
	assert.Equal(t, 2, counter.CountTokens("12345678"))
}

func TestTruncateToTokenLimit(t *testing.T) {
	counter, err := NewTokenCounter("gpt-4")
	require.NoError(t, err)

	short := "short text"
	assert.Equal(t, short, counter.TruncateToTokenLimit(short, 100))

	long := strings.Repeat("risk assessment ", 500)
	out := counter.TruncateToTokenLimit(long, 50)
	assert.True(t, strings.HasSuffix(out, "..."))
	assert.LessOrEqual(t, counter.CountTokens(out), 60)

	assert.Empty(t, counter.TruncateToTokenLimit(long, 0))
}
