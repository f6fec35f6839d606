// Package templates renders the prompts used by the deliberation team and
// the expert generator.
package templates

import (
	"bytes"
	"embed"
	"fmt"
	"strings"
	"sync"
	"text/template"
)

//go:embed *.tpl.md
var templateFS embed.FS

// Entry is one speaker/content pair rendered into a prompt.
type Entry struct {
	Speaker string
	Content string
}

// ExpertStatus is an expert's contribution count shown to the coordinator.
type ExpertStatus struct {
	Name          string
	Contributions int
}

// TemplateData holds the data for template rendering.
type TemplateData struct {
	Extra         map[string]any `json:"extra,omitempty"`
	Query         string         `json:"query,omitempty"`
	DomainPrompt  string         `json:"domain_prompt,omitempty"`
	Keywords      string         `json:"keywords,omitempty"`
	Marker        string         `json:"marker,omitempty"`
	Feedback      string         `json:"feedback,omitempty"`
	ExpertNames   []string       `json:"expert_names,omitempty"`
	ExpertStatus  []ExpertStatus `json:"expert_status,omitempty"`
	Transcript    []Entry        `json:"transcript,omitempty"`
	Contributions []Entry        `json:"contributions,omitempty"`
	Deliberation  []Entry        `json:"deliberation,omitempty"`
}

// PromptTemplate names an embedded prompt template.
type PromptTemplate string

const (
	// CoordinatorSystemTemplate frames the coordinator's routing role.
	CoordinatorSystemTemplate PromptTemplate = "coordinator_system.tpl.md"
	// CoordinatorRequestTemplate is the per-cycle coordinator prompt.
	CoordinatorRequestTemplate PromptTemplate = "coordinator_request.tpl.md"
	// SummarizerSystemTemplate frames the summary agent.
	SummarizerSystemTemplate PromptTemplate = "summarizer_system.tpl.md"
	// SummaryRequestTemplate carries contributions and the transcript to the summary agent.
	SummaryRequestTemplate PromptTemplate = "summary_request.tpl.md"

	// ExpertDomainTemplate wraps an expert's own system prompt.
	ExpertDomainTemplate PromptTemplate = "expert_domain.tpl.md"
	// CreativeLobeTemplate is appended to the domain prompt for the creative lobe.
	CreativeLobeTemplate PromptTemplate = "creative_lobe.tpl.md"
	// ReasoningLobeTemplate is appended to the domain prompt for the reasoning lobe.
	ReasoningLobeTemplate PromptTemplate = "reasoning_lobe.tpl.md"
	// ReporterSystemTemplate frames the reporter lobe.
	ReporterSystemTemplate PromptTemplate = "reporter_system.tpl.md"
	// ReporterRequestTemplate asks the reporter lobe for the consolidated answer.
	ReporterRequestTemplate PromptTemplate = "reporter_request.tpl.md"

	// OrganizerTemplate asks for a team of expert definitions.
	OrganizerTemplate PromptTemplate = "organizer.tpl.md"
	// CriticTemplate reviews one proposed expert.
	CriticTemplate PromptTemplate = "critic.tpl.md"
	// KeywordGeneratorTemplate asks for SWIFT guide words.
	KeywordGeneratorTemplate PromptTemplate = "keyword_generator.tpl.md"
)

// Renderer renders prompt templates.
type Renderer struct {
	templates map[PromptTemplate]*template.Template
}

//nolint:gochecknoglobals // parsed once, read-only afterwards
var (
	defaultRenderer    *Renderer
	defaultRendererErr error
	defaultOnce        sync.Once
)

// Default returns a shared renderer, parsing the templates on first use.
func Default() (*Renderer, error) {
	defaultOnce.Do(func() {
		defaultRenderer, defaultRendererErr = NewRenderer()
	})
	return defaultRenderer, defaultRendererErr
}

// MustRender renders with the shared renderer and panics on failure. The
// templates are embedded, so a failure is a programming error.
func MustRender(name PromptTemplate, data *TemplateData) string {
	r, err := Default()
	if err != nil {
		panic(err)
	}
	out, err := r.Render(name, data)
	if err != nil {
		panic(err)
	}
	return out
}

// NewRenderer parses every embedded template.
func NewRenderer() (*Renderer, error) {
	r := &Renderer{
		templates: make(map[PromptTemplate]*template.Template),
	}

	templateNames := []PromptTemplate{
		// Team templates.
		CoordinatorSystemTemplate,
		CoordinatorRequestTemplate,
		SummarizerSystemTemplate,
		SummaryRequestTemplate,
		// Expert templates.
		ExpertDomainTemplate,
		CreativeLobeTemplate,
		ReasoningLobeTemplate,
		ReporterSystemTemplate,
		ReporterRequestTemplate,
		// Generator templates.
		OrganizerTemplate,
		CriticTemplate,
		KeywordGeneratorTemplate,
	}

	for _, name := range templateNames {
		content, err := templateFS.ReadFile(string(name))
		if err != nil {
			return nil, fmt.Errorf("failed to read template %s: %w", name, err)
		}

		tmpl, err := template.New(string(name)).Funcs(template.FuncMap{
			"join":     strings.Join,
			"contains": strings.Contains,
		}).Parse(string(content))
		if err != nil {
			return nil, fmt.Errorf("failed to parse template %s: %w", name, err)
		}

		r.templates[name] = tmpl
	}

	return r, nil
}

// Render renders the specified template with the given data.
func (r *Renderer) Render(templateName PromptTemplate, data *TemplateData) (string, error) {
	tmpl, exists := r.templates[templateName]
	if !exists {
		return "", fmt.Errorf("template %s not found", templateName)
	}
	if data == nil {
		data = &TemplateData{}
	}

	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("failed to render template %s: %w", templateName, err)
	}

	return strings.TrimSpace(buf.String()), nil
}

// GetAvailableTemplates returns the names of all loaded templates.
func (r *Renderer) GetAvailableTemplates() []PromptTemplate {
	names := make([]PromptTemplate, 0, len(r.templates))
	for name := range r.templates {
		names = append(names, name)
	}
	return names
}
