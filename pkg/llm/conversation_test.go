package llm

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalizeConversation(t *testing.T) {
	t.Run("lifts system and merges users", func(t *testing.T) {
		system, turns, err := NormalizeConversation([]CompletionMessage{
			NewSystemMessage("be brief"),
			NewUserMessage("context"),
			NewUserMessage("question"),
			NewSystemMessage("be kind"),
		})
		require.NoError(t, err)
		assert.Equal(t, "be brief\n\nbe kind", system)
		require.Len(t, turns, 1)
		assert.Equal(t, RoleUser, turns[0].Role)
		assert.Equal(t, "context\n\nquestion", turns[0].Content)
	})

	t.Run("keeps alternation", func(t *testing.T) {
		_, turns, err := NormalizeConversation([]CompletionMessage{
			NewUserMessage("a"),
			NewAssistantMessage("b"),
			NewAssistantMessage("c"),
			NewUserMessage("d"),
		})
		require.NoError(t, err)
		require.Len(t, turns, 3)
		assert.Equal(t, "b\n\nc", turns[1].Content)
	})

	tests := []struct {
		name     string
		messages []CompletionMessage
	}{
		{"empty", nil},
		{"system only", []CompletionMessage{NewSystemMessage("x")}},
		{"starts with assistant", []CompletionMessage{NewAssistantMessage("x"), NewUserMessage("y")}},
		{"ends with assistant", []CompletionMessage{NewUserMessage("x"), NewAssistantMessage("y")}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := NormalizeConversation(tt.messages)
			assert.Error(t, err)
		})
	}
}
