package llm

import (
	"fmt"
	"strings"
)

// NormalizeConversation prepares messages for providers that require strict
// user/assistant alternation. System messages are lifted into a single system
// prompt, consecutive messages with the same role are merged, and the result
// must start and end with a user turn.
func NormalizeConversation(messages []CompletionMessage) (systemPrompt string, turns []CompletionMessage, err error) {
	if len(messages) == 0 {
		return "", nil, fmt.Errorf("message list cannot be empty")
	}

	var systemParts []string
	for i := range messages {
		msg := &messages[i]
		if msg.Role == RoleSystem {
			systemParts = append(systemParts, msg.Content)
			continue
		}

		role := msg.Role
		if role != RoleAssistant {
			role = RoleUser
		}

		if n := len(turns); n > 0 && turns[n-1].Role == role {
			turns[n-1].Content += "\n\n" + msg.Content
			continue
		}
		turns = append(turns, CompletionMessage{Role: role, Content: msg.Content})
	}

	systemPrompt = strings.Join(systemParts, "\n\n")

	if len(turns) == 0 {
		return "", nil, fmt.Errorf("must have at least one non-system message")
	}
	if turns[0].Role != RoleUser {
		return "", nil, fmt.Errorf("first message must be user role, got: %s", turns[0].Role)
	}
	if last := turns[len(turns)-1]; last.Role != RoleUser {
		return "", nil, fmt.Errorf("last message must be user role, got: %s", last.Role)
	}

	return systemPrompt, turns, nil
}
