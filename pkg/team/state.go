package team

import (
	"fmt"
	"sort"
	"strings"
)

// LobeRole identifies which lobe a keyword set biases.
type LobeRole string

// Lobe roles.
const (
	RoleCreative  LobeRole = "creative"
	RoleReasoning LobeRole = "reasoning"
)

// LobeRoles lists every role in a stable order.
//
//nolint:gochecknoglobals // fixed role list
var LobeRoles = []LobeRole{RoleCreative, RoleReasoning}

// Message is one transcript entry.
type Message struct {
	Speaker string `json:"speaker"`
	Content string `json:"content"`
}

// Keywords maps a lobe role to an ordered set of keywords.
type Keywords map[LobeRole][]string

// NewKeywords seeds every role with the same words.
func NewKeywords(words ...string) Keywords {
	k := Keywords{}
	for _, role := range LobeRoles {
		k.Add(role, words...)
	}
	return k
}

// Add appends words to role, skipping blanks and case-insensitive duplicates.
func (k Keywords) Add(role LobeRole, words ...string) {
	existing := k[role]
	seen := make(map[string]bool, len(existing)+len(words))
	for _, w := range existing {
		seen[strings.ToLower(w)] = true
	}
	for _, w := range words {
		w = strings.TrimSpace(w)
		key := strings.ToLower(w)
		if w == "" || seen[key] {
			continue
		}
		seen[key] = true
		existing = append(existing, w)
	}
	if len(existing) > 0 {
		k[role] = existing
	}
}

// Merge adds words to every lobe role.
func (k Keywords) Merge(words ...string) {
	for _, role := range LobeRoles {
		k.Add(role, words...)
	}
}

// For returns a copy of the keywords for role.
func (k Keywords) For(role LobeRole) []string {
	return append([]string(nil), k[role]...)
}

// Clone deep-copies k.
func (k Keywords) Clone() Keywords {
	out := make(Keywords, len(k))
	for role, words := range k {
		out[role] = append([]string(nil), words...)
	}
	return out
}

// String renders the keywords per role in a stable order.
func (k Keywords) String() string {
	roles := make([]string, 0, len(k))
	for role := range k {
		roles = append(roles, string(role))
	}
	sort.Strings(roles)
	parts := make([]string, 0, len(roles))
	for _, role := range roles {
		parts = append(parts, fmt.Sprintf("%s: [%s]", role, strings.Join(k[LobeRole(role)], ", ")))
	}
	if len(parts) == 0 {
		return "[]"
	}
	return strings.Join(parts, "; ")
}

// State is the record threaded through one run. Steps never mutate the state
// they receive; they return an updated Clone.
//
//nolint:govet // json field order
type State struct {
	Messages                []Message         `json:"messages"`
	Query                   string            `json:"query"`
	CurrentSpeaker          string            `json:"current_speaker"`
	ConversationKeywords    Keywords          `json:"conversation_keywords"`
	ExpertResponses         map[string]string `json:"expert_responses"`
	MessageCount            int               `json:"message_count"`
	MaxMessages             int               `json:"max_messages"`
	CoordinatorDecision     Decision          `json:"coordinator_decision"`
	CoordinatorInstructions string            `json:"coordinator_instructions,omitempty"`
	FinalReport             string            `json:"final_report,omitempty"`
	Concluded               bool              `json:"concluded"`
}

// NewState creates the initial state of a run.
func NewState(query string, maxMessages int) State {
	return State{
		Query:                query,
		CurrentSpeaker:       SpeakerCoordinator,
		ConversationKeywords: Keywords{},
		ExpertResponses:      map[string]string{},
		MaxMessages:          maxMessages,
	}
}

// Clone returns a deep copy.
func (s State) Clone() State {
	out := s
	out.Messages = append([]Message(nil), s.Messages...)
	out.ConversationKeywords = s.ConversationKeywords.Clone()
	out.ExpertResponses = make(map[string]string, len(s.ExpertResponses))
	for k, v := range s.ExpertResponses {
		out.ExpertResponses[k] = v
	}
	return out
}

// Exhausted reports whether the message ceiling has been reached.
func (s State) Exhausted() bool {
	return s.MessageCount >= s.MaxMessages
}

// Contributions counts the transcript entries written by speaker.
func (s State) Contributions(speaker string) int {
	n := 0
	for i := range s.Messages {
		if s.Messages[i].Speaker == speaker {
			n++
		}
	}
	return n
}

// RecentMessages returns the last n transcript entries.
func (s State) RecentMessages(n int) []Message {
	if n <= 0 || n >= len(s.Messages) {
		return s.Messages
	}
	return s.Messages[len(s.Messages)-n:]
}

func (s *State) appendMessage(speaker, content string) {
	s.Messages = append(s.Messages, Message{Speaker: speaker, Content: content})
	s.CurrentSpeaker = speaker
}
