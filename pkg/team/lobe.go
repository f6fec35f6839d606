package team

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"sync"

	"riskteam/pkg/docstore"
	"riskteam/pkg/llm"
	"riskteam/pkg/utils"
)

// contextPassages is how many retrieved passages a lobe puts in its prompt.
const contextPassages = 3

// LobeConfig configures a Lobe.
type LobeConfig struct {
	Name             string
	SystemPrompt     string
	Client           llm.LLMClient
	Store            docstore.Store // optional
	Keywords         []string
	Temperature      float32
	MaxTokens        int
	MaxContextTokens int // budget for retrieved passages, 0 for unlimited
}

// Lobe is one reasoning role inside an expert. It augments each request with
// passages retrieved for its keywords.
type Lobe struct {
	cfg       LobeConfig
	counter   *utils.TokenCounter
	keywords  []string
	retrieved string
	loaded    bool
	mu        sync.Mutex
}

// NewLobe creates a lobe. Retrieval for the initial keywords happens on the
// first Respond.
func NewLobe(cfg LobeConfig) *Lobe {
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = llm.DefaultMaxTokens
	}
	var counter *utils.TokenCounter
	if cfg.MaxContextTokens > 0 {
		counter, _ = utils.NewTokenCounter(cfg.Client.GetModelName())
	}
	return &Lobe{
		cfg:      cfg,
		counter:  counter,
		keywords: append([]string(nil), cfg.Keywords...),
	}
}

// Name returns the lobe's speaker name.
func (l *Lobe) Name() string { return l.cfg.Name }

// Temperature returns the sampling temperature.
func (l *Lobe) Temperature() float32 { return l.cfg.Temperature }

// Keywords returns the current keywords.
func (l *Lobe) Keywords() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.keywords...)
}

// UpdateKeywords replaces the keywords and refreshes retrieved context.
// Unchanged keywords keep the current context.
func (l *Lobe) UpdateKeywords(ctx context.Context, keywords []string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.loaded && slices.Equal(l.keywords, keywords) {
		return nil
	}
	l.keywords = append([]string(nil), keywords...)
	return l.refreshLocked(ctx)
}

func (l *Lobe) refreshLocked(ctx context.Context) error {
	l.loaded = true
	l.retrieved = ""
	if len(l.keywords) == 0 {
		return nil
	}
	text, err := l.retrieve(ctx, l.keywords)
	if err != nil {
		return err
	}
	l.retrieved = text
	return nil
}

// retrieve formats the top passages for keywords. Without a store, or when
// nothing matches, the keywords themselves are the context.
func (l *Lobe) retrieve(ctx context.Context, keywords []string) (string, error) {
	passages, err := l.search(ctx, keywords)
	if err != nil {
		return "", err
	}
	if len(passages) == 0 {
		return "Initial keywords: " + strings.Join(keywords, ", "), nil
	}
	return l.formatPassages(keywords, passages), nil
}

func (l *Lobe) search(ctx context.Context, keywords []string) ([]docstore.Passage, error) {
	if l.cfg.Store == nil {
		return nil, nil
	}
	passages, err := l.cfg.Store.Search(ctx, keywords)
	if err != nil {
		return nil, fmt.Errorf("lobe %s retrieval: %w", l.cfg.Name, err)
	}
	return passages, nil
}

func (l *Lobe) formatPassages(keywords []string, passages []docstore.Passage) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Relevant context for keywords [%s]:", strings.Join(keywords, ", "))
	for i, p := range passages {
		if i == contextPassages {
			break
		}
		fmt.Fprintf(&sb, "\n%d. %s", i+1, p.Content)
	}
	text := sb.String()
	if l.cfg.MaxContextTokens > 0 {
		text = l.counter.TruncateToTokenLimit(text, l.cfg.MaxContextTokens)
	}
	return text
}

// Respond answers query given the conversation context. A lobe without
// keywords retrieves for terms extracted from the query.
func (l *Lobe) Respond(ctx context.Context, query, conversation string) (string, error) {
	system, err := l.systemPrompt(ctx, query)
	if err != nil {
		return "", err
	}

	user := query
	if conversation = strings.TrimSpace(conversation); conversation != "" {
		user = conversation + "\n\nCurrent task: " + query
	}

	messages := []llm.CompletionMessage{llm.NewUserMessage(user)}
	if system != "" {
		messages = append([]llm.CompletionMessage{llm.NewSystemMessage(system)}, messages...)
	}
	req := llm.CompletionRequest{
		Messages:    messages,
		MaxTokens:   l.cfg.MaxTokens,
		Temperature: l.cfg.Temperature,
	}
	if err := req.Validate(); err != nil {
		return "", fmt.Errorf("lobe %s: %w", l.cfg.Name, err)
	}

	resp, err := l.cfg.Client.Complete(ctx, req)
	if err != nil {
		return "", fmt.Errorf("lobe %s: %w", l.cfg.Name, err)
	}
	return strings.TrimSpace(resp.Content), nil
}

func (l *Lobe) systemPrompt(ctx context.Context, query string) (string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	retrieved := l.retrieved
	switch {
	case !l.loaded && len(l.keywords) > 0:
		if err := l.refreshLocked(ctx); err != nil {
			return "", err
		}
		retrieved = l.retrieved
	case len(l.keywords) == 0 && l.cfg.Store != nil:
		if terms := docstore.ExtractKeyTerms(query, 0); len(terms) > 0 {
			passages, err := l.search(ctx, terms)
			if err != nil {
				return "", err
			}
			if len(passages) > 0 {
				retrieved = l.formatPassages(terms, passages)
			}
		}
	}

	switch {
	case retrieved == "":
		return l.cfg.SystemPrompt, nil
	case l.cfg.SystemPrompt == "":
		return retrieved, nil
	default:
		return l.cfg.SystemPrompt + "\n\n" + retrieved, nil
	}
}
