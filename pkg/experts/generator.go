package experts

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"riskteam/pkg/llm"
	"riskteam/pkg/logx"
	"riskteam/pkg/templates"
)

// Generation defaults.
const (
	DefaultMinExperts  = 3
	DefaultMinKeywords = 20
	// ApprovalToken is what the critic answers for an acceptable expert.
	ApprovalToken = "APPROVED"
)

// Generator proposes expert teams and guide words with a model: an organizer
// drafts the experts, a critic reviews each one, and rejected experts get one
// revision round.
type Generator struct {
	client       llm.LLMClient
	logger       *logx.Logger
	minExperts   int
	minKeywords  int
	maxRevisions int
	maxTokens    int
	temperature  float32
}

// GeneratorOption configures a Generator.
type GeneratorOption func(*Generator)

// WithMinExperts sets how many experts the organizer is asked for.
func WithMinExperts(n int) GeneratorOption {
	return func(g *Generator) {
		if n > 0 {
			g.minExperts = n
		}
	}
}

// WithMinKeywords sets how many guide words are requested.
func WithMinKeywords(n int) GeneratorOption {
	return func(g *Generator) {
		if n > 0 {
			g.minKeywords = n
		}
	}
}

// WithMaxRevisions sets how many times rejected experts are revised.
func WithMaxRevisions(n int) GeneratorOption {
	return func(g *Generator) {
		if n >= 0 {
			g.maxRevisions = n
		}
	}
}

// WithTemperature sets the sampling temperature of every generator call.
func WithTemperature(t float32) GeneratorOption {
	return func(g *Generator) { g.temperature = t }
}

// NewGenerator creates a generator using client for every call.
func NewGenerator(client llm.LLMClient, opts ...GeneratorOption) *Generator {
	g := &Generator{
		client:       client,
		logger:       logx.NewLogger("generator"),
		minExperts:   DefaultMinExperts,
		minKeywords:  DefaultMinKeywords,
		maxRevisions: 1,
		maxTokens:    llm.DefaultMaxTokens,
		temperature:  0.2,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// GenerateExperts returns the critic-approved experts for request. It fails
// with ErrNoDefinitions when nothing is approved.
func (g *Generator) GenerateExperts(ctx context.Context, request string) ([]Definition, error) {
	ctx = llm.WithComponent(ctx, "generator")

	var approved []Definition
	feedback := ""
	for round := 0; round <= g.maxRevisions; round++ {
		proposed, err := g.propose(ctx, request, feedback)
		if err != nil {
			return nil, err
		}

		var rejected []string
		for _, def := range proposed {
			ok, note, err := g.review(ctx, request, def)
			if err != nil {
				return nil, err
			}
			if ok {
				approved = append(approved, def)
				continue
			}
			g.logger.Info("critic rejected expert %s", def.Name)
			rejected = append(rejected, fmt.Sprintf("- %s: %s", def.Name, note))
		}

		if len(rejected) == 0 {
			break
		}
		feedback = "Approved so far: " + strings.Join(Names(approved), ", ") + "\n" + strings.Join(rejected, "\n")
		if round == g.maxRevisions {
			g.logger.Warn("dropping %d experts still rejected after %d revisions", len(rejected), g.maxRevisions)
		}
	}

	approved = Dedupe(approved)
	if len(approved) == 0 {
		return nil, ErrNoDefinitions
	}
	g.logger.Info("generated %d experts: %s", len(approved), strings.Join(Names(approved), ", "))
	return approved, nil
}

func (g *Generator) propose(ctx context.Context, request, feedback string) ([]Definition, error) {
	renderer, err := templates.Default()
	if err != nil {
		return nil, err
	}
	system, err := renderer.Render(templates.OrganizerTemplate, &templates.TemplateData{
		Feedback: feedback,
		Extra:    map[string]any{"MinExperts": g.minExperts},
	})
	if err != nil {
		return nil, err
	}
	reply, err := g.complete(ctx, system, request)
	if err != nil {
		return nil, fmt.Errorf("organizer: %w", err)
	}
	body, ok := extractJSONArray(reply)
	if !ok {
		return nil, fmt.Errorf("organizer: %w: no JSON array in reply", ErrNoDefinitions)
	}
	defs, err := Parse([]byte(body), "json")
	if err != nil {
		return nil, fmt.Errorf("organizer: %w", err)
	}
	return defs, nil
}

func (g *Generator) review(ctx context.Context, request string, def Definition) (approved bool, feedback string, err error) {
	renderer, err := templates.Default()
	if err != nil {
		return false, "", err
	}
	system, err := renderer.Render(templates.CriticTemplate, nil)
	if err != nil {
		return false, "", err
	}
	proposal, err := json.MarshalIndent(def, "", "  ")
	if err != nil {
		return false, "", err
	}
	reply, err := g.complete(ctx, system, fmt.Sprintf("User request: %s\n\nProposed expert:\n%s", request, proposal))
	if err != nil {
		return false, "", fmt.Errorf("critic: %w", err)
	}
	if IsApproval(reply) {
		return true, "", nil
	}
	return false, strings.TrimSpace(reply), nil
}

// The verdict must open the reply on a line of its own. Markdown emphasis and
// a closing full stop are tolerated.
var approvalPattern = regexp.MustCompile(`(?im)\A[\s*_#>]*` + ApprovalToken + `[*_.!]*[ \t]*$`)

// IsApproval reports whether a critic reply approves the expert. Feedback
// that merely mentions approval ("Not approved", "cannot be approved until")
// is a rejection.
func IsApproval(reply string) bool {
	return approvalPattern.MatchString(strings.TrimSpace(reply))
}

// GenerateGuideWords asks for SWIFT guide words relevant to request.
func (g *Generator) GenerateGuideWords(ctx context.Context, request string) ([]string, error) {
	ctx = llm.WithComponent(ctx, "generator")
	renderer, err := templates.Default()
	if err != nil {
		return nil, err
	}
	system, err := renderer.Render(templates.KeywordGeneratorTemplate, &templates.TemplateData{
		Extra: map[string]any{"MinKeywords": g.minKeywords},
	})
	if err != nil {
		return nil, err
	}
	reply, err := g.complete(ctx, system, request)
	if err != nil {
		return nil, fmt.Errorf("keyword generator: %w", err)
	}

	body, ok := extractJSONArray(reply)
	if !ok {
		return nil, fmt.Errorf("keyword generator: no JSON array in reply")
	}
	var words []string
	if err := json.Unmarshal([]byte(body), &words); err != nil {
		return nil, fmt.Errorf("keyword generator: %w", err)
	}

	seen := make(map[string]bool, len(words))
	out := make([]string, 0, len(words))
	for _, w := range words {
		w = strings.TrimSpace(w)
		if w == "" || seen[strings.ToLower(w)] {
			continue
		}
		seen[strings.ToLower(w)] = true
		out = append(out, w)
	}
	return out, nil
}

func (g *Generator) complete(ctx context.Context, system, user string) (string, error) {
	resp, err := g.client.Complete(ctx, llm.CompletionRequest{
		Messages:    []llm.CompletionMessage{llm.NewSystemMessage(system), llm.NewUserMessage(user)},
		MaxTokens:   g.maxTokens,
		Temperature: g.temperature,
	})
	if err != nil {
		return "", err
	}
	return resp.Content, nil
}

// extractJSONArray returns the outermost [...] span of s.
func extractJSONArray(s string) (string, bool) {
	start := strings.IndexByte(s, '[')
	end := strings.LastIndexByte(s, ']')
	if start < 0 || end <= start {
		return "", false
	}
	return s[start : end+1], true
}
