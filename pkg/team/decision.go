package team

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/xeipuuv/gojsonschema"
)

// DecisionKind is the closed set of routing outcomes.
type DecisionKind string

// Decision kinds.
const (
	KindExpert    DecisionKind = "expert"
	KindSummarize DecisionKind = "summarize"
	KindEnd       DecisionKind = "end"
)

// Decision is a coordinator routing decision. Expert is set only for KindExpert.
type Decision struct {
	Kind   DecisionKind `json:"kind"`
	Expert string       `json:"expert,omitempty"`
}

// ExpertTurn routes to the named expert.
func ExpertTurn(name string) Decision { return Decision{Kind: KindExpert, Expert: name} }

// Summarize proceeds to report synthesis.
func Summarize() Decision { return Decision{Kind: KindSummarize} }

// End terminates without a report.
func End() Decision { return Decision{Kind: KindEnd} }

// String returns the decision as the coordinator names it.
func (d Decision) String() string {
	switch d.Kind {
	case KindExpert:
		return d.Expert
	case KindSummarize, KindEnd:
		return string(d.Kind)
	default:
		return "unknown"
	}
}

// Valid reports whether d is well formed for the given experts.
func (d Decision) Valid(experts []string) bool {
	switch d.Kind {
	case KindSummarize, KindEnd:
		return true
	case KindExpert:
		for _, name := range experts {
			if name == d.Expert {
				return true
			}
		}
	}
	return false
}

// CoordinatorOutput is what a coordinator returns each cycle.
type CoordinatorOutput struct {
	Decision     Decision
	Keywords     []string
	Reasoning    string
	Instructions string
}

// FallbackDecision is used for unknown or malformed decisions: end while
// budget remains, summarize once the run is within one step of the ceiling.
func FallbackDecision(messageCount, maxMessages int) Decision {
	if messageCount < maxMessages-1 {
		return End()
	}
	return Summarize()
}

// ErrMalformedDecision marks coordinator output that could not be parsed.
var ErrMalformedDecision = errors.New("malformed coordinator decision")

const decisionSchema = `{
	"type": "object",
	"required": ["decision"],
	"properties": {
		"reasoning":    {"type": "string"},
		"decision":     {"type": "string", "minLength": 1},
		"keywords":     {"type": "array", "items": {"type": "string"}},
		"instructions": {"type": "string"}
	}
}`

//nolint:gochecknoglobals // compiled once
var decisionSchemaLoader = gojsonschema.NewStringLoader(decisionSchema)

type rawDecision struct {
	Reasoning    string   `json:"reasoning"`
	Decision     string   `json:"decision"`
	Keywords     []string `json:"keywords"`
	Instructions string   `json:"instructions"`
}

// ParseDecision parses a coordinator model reply. The JSON object may be
// wrapped in prose or a code fence. An unparseable reply or a decision that
// names no known expert yields ErrMalformedDecision; the other fields are
// still returned when they could be read.
func ParseDecision(raw string, experts []string) (CoordinatorOutput, error) {
	body, ok := extractJSONObject(raw)
	if !ok {
		return CoordinatorOutput{}, fmt.Errorf("%w: no JSON object in reply", ErrMalformedDecision)
	}

	result, err := gojsonschema.Validate(decisionSchemaLoader, gojsonschema.NewStringLoader(body))
	if err != nil {
		return CoordinatorOutput{}, fmt.Errorf("%w: %v", ErrMalformedDecision, err)
	}
	if !result.Valid() {
		msgs := make([]string, 0, len(result.Errors()))
		for _, e := range result.Errors() {
			msgs = append(msgs, e.String())
		}
		return CoordinatorOutput{}, fmt.Errorf("%w: %s", ErrMalformedDecision, strings.Join(msgs, "; "))
	}

	var rd rawDecision
	if err := json.Unmarshal([]byte(body), &rd); err != nil {
		return CoordinatorOutput{}, fmt.Errorf("%w: %v", ErrMalformedDecision, err)
	}

	out := CoordinatorOutput{
		Keywords:     rd.Keywords,
		Reasoning:    strings.TrimSpace(rd.Reasoning),
		Instructions: strings.TrimSpace(rd.Instructions),
	}
	decision, ok := ResolveDecision(rd.Decision, experts)
	if !ok {
		return out, fmt.Errorf("%w: unknown decision %q", ErrMalformedDecision, rd.Decision)
	}
	out.Decision = decision
	return out, nil
}

// ResolveDecision maps a decision string onto the closed set. Expert names
// match exactly first, then ignoring case, spaces, underscores and hyphens.
func ResolveDecision(name string, experts []string) (Decision, bool) {
	name = strings.TrimSpace(name)
	for _, e := range experts {
		if e == name {
			return ExpertTurn(e), true
		}
	}

	switch strings.ToLower(name) {
	case "summarize", "summarise", "summary":
		return Summarize(), true
	case "end":
		return End(), true
	}

	want := normalizeName(name)
	if want == "" {
		return Decision{}, false
	}
	for _, e := range experts {
		if normalizeName(e) == want {
			return ExpertTurn(e), true
		}
	}
	return Decision{}, false
}

func normalizeName(s string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case ' ', '_', '-', '\t':
			return -1
		}
		return r
	}, strings.ToLower(s))
}

// extractJSONObject returns the outermost {...} span of s.
func extractJSONObject(s string) (string, bool) {
	start := strings.IndexByte(s, '{')
	end := strings.LastIndexByte(s, '}')
	if start < 0 || end <= start {
		return "", false
	}
	return s[start : end+1], true
}
