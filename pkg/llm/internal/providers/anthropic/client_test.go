package anthropic

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"riskteam/pkg/llm"
	"riskteam/pkg/llm/llmerrors"
)

func TestBuildParams(t *testing.T) {
	req := llm.CompletionRequest{
		Messages: []llm.CompletionMessage{
			llm.NewSystemMessage("You are a security expert."),
			llm.NewUserMessage("Team context"),
			llm.NewUserMessage("Question"),
		},
		MaxTokens:   100000,
		Temperature: 0.4,
	}

	params, err := buildParams("claude-sonnet-4-5", req)
	require.NoError(t, err)

	require.Len(t, params.System, 1)
	assert.Equal(t, "You are a security expert.", params.System[0].Text)
	assert.Len(t, params.Messages, 1)
	assert.Equal(t, int64(8192), params.MaxTokens, "clamped to model output limit")
	assert.Equal(t, "claude-sonnet-4-5", string(params.Model))
}

func TestBuildParamsRejectsTrailingAssistant(t *testing.T) {
	req := llm.CompletionRequest{
		Messages: []llm.CompletionMessage{
			llm.NewUserMessage("q"),
			llm.NewAssistantMessage("a"),
		},
	}
	_, err := buildParams("claude-sonnet-4-5", req)
	require.Error(t, err)
	assert.True(t, llmerrors.Is(err, llmerrors.ErrorTypeBadPrompt))
}

func TestStopReason(t *testing.T) {
	assert.Equal(t, "end_turn", stopReason(""))
	assert.Equal(t, "end_turn", stopReason("stop_sequence"))
	assert.Equal(t, "max_tokens", stopReason("max_tokens"))
}
