package team

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"riskteam/pkg/docstore"
	"riskteam/pkg/eventlog"
	"riskteam/pkg/llm"
	"riskteam/pkg/logx"
	"riskteam/pkg/templates"
)

// ConclusionMarker ends an expert's internal deliberation when the reasoning
// lobe writes it. The marker is a standalone CONCLUDE, CONCLUDED or CONCLUDES
// in capitals anywhere, or in any case when it closes a line as a sentence of
// its own. Prose such as "we cannot conclude yet" is not a marker.
const ConclusionMarker = "CONCLUDE"

// DefaultMaxRounds bounds an expert's deliberation to DefaultMaxRounds*2 lobe turns.
const DefaultMaxRounds = 4

// Default lobe temperatures.
const (
	DefaultCreativeTemperature  float32 = 0.8
	DefaultReasoningTemperature float32 = 0.4
	DefaultReporterTemperature  float32 = 0.3
)

var (
	markerPattern     = regexp.MustCompile(`\b` + ConclusionMarker + `[DS]?\b[:.!]?`)
	lineMarkerPattern = regexp.MustCompile(`(?m)(^|[.!?][ \t]+)[ \t]*(?i:` + ConclusionMarker + `[DS]?)[:.!]?[ \t]*$`)
)

// Expert produces one consolidated answer per invocation.
type Expert interface {
	Name() string
	ProcessMessage(ctx context.Context, query, teamContext string) (string, error)
	UpdateKeywords(ctx context.Context, keywords Keywords) error
}

// ExpertConfig configures a LobeExpert. Zero temperatures take the defaults.
type ExpertConfig struct {
	Name                 string
	SystemPrompt         string
	Client               llm.LLMClient
	Store                docstore.Store
	Keywords             []string
	MaxRounds            int
	MaxTokens            int
	MaxContextTokens     int
	CreativeTemperature  float32
	ReasoningTemperature float32
	ReporterTemperature  float32
	DisableReporter      bool
}

// LobeExpert deliberates internally between a creative and a reasoning lobe,
// then has a reporter lobe write the consolidated first-person answer.
type LobeExpert struct {
	name      string
	creative  *Lobe
	reasoning *Lobe
	reporter  *Lobe
	maxRounds int
	logger    *logx.Logger
}

// NewLobeExpert builds an expert and its lobes.
func NewLobeExpert(cfg ExpertConfig) (*LobeExpert, error) {
	if strings.TrimSpace(cfg.Name) == "" {
		return nil, errors.New("expert name is required")
	}
	if cfg.Client == nil {
		return nil, fmt.Errorf("expert %s: llm client is required", cfg.Name)
	}
	if cfg.MaxRounds <= 0 {
		cfg.MaxRounds = DefaultMaxRounds
	}
	if cfg.CreativeTemperature == 0 {
		cfg.CreativeTemperature = DefaultCreativeTemperature
	}
	if cfg.ReasoningTemperature == 0 {
		cfg.ReasoningTemperature = DefaultReasoningTemperature
	}
	if cfg.ReporterTemperature == 0 {
		cfg.ReporterTemperature = DefaultReporterTemperature
	}

	renderer, err := templates.Default()
	if err != nil {
		return nil, fmt.Errorf("load prompt templates: %w", err)
	}
	domainPrompt := cfg.SystemPrompt
	if strings.TrimSpace(domainPrompt) == "" {
		domainPrompt = "You are an expert assistant with deep knowledge in your domain. You think carefully and give well-reasoned responses."
	}
	domain, err := renderer.Render(templates.ExpertDomainTemplate, &templates.TemplateData{DomainPrompt: domainPrompt})
	if err != nil {
		return nil, err
	}
	creativeRole, err := renderer.Render(templates.CreativeLobeTemplate, nil)
	if err != nil {
		return nil, err
	}
	reasoningRole, err := renderer.Render(templates.ReasoningLobeTemplate, &templates.TemplateData{Marker: "CONCLUDED"})
	if err != nil {
		return nil, err
	}

	lobe := func(suffix, system string, temp float32, keywords []string) *Lobe {
		return NewLobe(LobeConfig{
			Name:             cfg.Name + suffix,
			SystemPrompt:     system,
			Client:           cfg.Client,
			Store:            cfg.Store,
			Keywords:         keywords,
			Temperature:      temp,
			MaxTokens:        cfg.MaxTokens,
			MaxContextTokens: cfg.MaxContextTokens,
		})
	}

	e := &LobeExpert{
		name:      cfg.Name,
		creative:  lobe("_Creative", domain+"\n\n"+creativeRole, cfg.CreativeTemperature, cfg.Keywords),
		reasoning: lobe("_VoReason", domain+"\n\n"+reasoningRole, cfg.ReasoningTemperature, cfg.Keywords),
		maxRounds: cfg.MaxRounds,
		logger:    logx.NewLogger("expert"),
	}
	if !cfg.DisableReporter {
		reporterSystem, err := renderer.Render(templates.ReporterSystemTemplate, nil)
		if err != nil {
			return nil, err
		}
		reporter := lobe("_Reporter", reporterSystem, cfg.ReporterTemperature, nil)
		reporter.cfg.Store = nil
		e.reporter = reporter
	}
	return e, nil
}

// Name returns the expert's name.
func (e *LobeExpert) Name() string { return e.name }

// Lobes returns the creative and reasoning lobes.
func (e *LobeExpert) Lobes() (creative, reasoning *Lobe) { return e.creative, e.reasoning }

// UpdateKeywords refreshes each lobe's retrieval context from its role's keywords.
func (e *LobeExpert) UpdateKeywords(ctx context.Context, keywords Keywords) error {
	if err := e.creative.UpdateKeywords(ctx, keywords.For(RoleCreative)); err != nil {
		return err
	}
	return e.reasoning.UpdateKeywords(ctx, keywords.For(RoleReasoning))
}

// ProcessMessage runs the internal deliberation for one instruction.
// LLM failures propagate.
func (e *LobeExpert) ProcessMessage(ctx context.Context, query, teamContext string) (string, error) {
	e.logger.Info("expert %s received a message", e.name)

	var internal []Message
	limit := e.maxRounds * 2
	concluded := false

	for turn := 0; turn < limit && !concluded; turn++ {
		lobe := e.creative
		if turn%2 == 1 {
			lobe = e.reasoning
		}

		response, err := lobe.Respond(ctx, query, teamContext+deliberationHistory(internal, lobe.Name()))
		if err != nil {
			return "", fmt.Errorf("expert %s: %w", e.name, err)
		}
		internal = append(internal, Message{Speaker: lobe.Name(), Content: response})

		if lobe == e.reasoning && HasConclusionMarker(response) {
			concluded = true
		}
		emit(ctx, eventlog.LobeTurn, lobe.Name(), map[string]any{
			"expert":    e.name,
			"turn":      turn + 1,
			"content":   response,
			"concluded": concluded,
		})
	}

	if !concluded {
		e.logger.Warn("expert %s reached %d lobe turns without concluding", e.name, limit)
	}
	return e.consolidate(ctx, internal, concluded)
}

func (e *LobeExpert) consolidate(ctx context.Context, internal []Message, concluded bool) (string, error) {
	fallback := fallbackAnswer(internal, concluded)
	if e.reporter == nil || len(internal) == 0 {
		return fallback, nil
	}

	deliberation := internal
	if !concluded && len(deliberation) > 2 {
		deliberation = deliberation[len(deliberation)-2:]
	}
	entries := make([]templates.Entry, len(deliberation))
	for i, m := range deliberation {
		entries[i] = templates.Entry{Speaker: m.Speaker, Content: m.Content}
	}
	prompt, err := templates.Default()
	if err != nil {
		return "", err
	}
	request, err := prompt.Render(templates.ReporterRequestTemplate, &templates.TemplateData{
		Marker:       "CONCLUDED",
		Deliberation: entries,
		Extra:        map[string]any{"Concluded": concluded},
	})
	if err != nil {
		return "", err
	}

	answer, err := e.reporter.Respond(ctx, request, "")
	if err != nil {
		return "", fmt.Errorf("expert %s: %w", e.name, err)
	}
	if answer == "" {
		return fallback, nil
	}
	return answer, nil
}

// fallbackAnswer is the consolidated answer without a reporter: the
// concluding reasoning output with its marker removed, or the last exchange.
func fallbackAnswer(internal []Message, concluded bool) string {
	if len(internal) == 0 {
		return ""
	}
	if concluded {
		return StripConclusionMarker(internal[len(internal)-1].Content)
	}
	start := len(internal) - 2
	if start < 0 {
		start = 0
	}
	parts := make([]string, 0, 2)
	for _, m := range internal[start:] {
		parts = append(parts, m.Content)
	}
	return strings.Join(parts, "\n\n")
}

// deliberationHistory renders the internal turns, marking the listener's own.
func deliberationHistory(internal []Message, self string) string {
	var sb strings.Builder
	for _, m := range internal {
		sb.WriteString("\n--")
		sb.WriteString(m.Speaker)
		if m.Speaker == self {
			sb.WriteString(" (YOU)")
		}
		sb.WriteString(": ")
		sb.WriteString(m.Content)
	}
	return sb.String()
}

// HasConclusionMarker reports whether text contains the conclusion marker.
func HasConclusionMarker(text string) bool {
	return markerPattern.MatchString(text) || lineMarkerPattern.MatchString(text)
}

// StripConclusionMarker removes marker words and leaves other prose intact.
func StripConclusionMarker(text string) string {
	text = lineMarkerPattern.ReplaceAllString(text, "${1}")
	return strings.TrimSpace(markerPattern.ReplaceAllString(text, ""))
}
