// Package factory builds provider clients wrapped in the resilience and
// metrics middleware chain.
package factory

import (
	"fmt"
	"sort"
	"sync"

	"riskteam/pkg/config"
	"riskteam/pkg/llm"
	"riskteam/pkg/llm/internal/providers/anthropic"
	"riskteam/pkg/llm/internal/providers/google"
	"riskteam/pkg/llm/internal/providers/ollama"
	"riskteam/pkg/llm/internal/providers/openai"
	"riskteam/pkg/llm/middleware/circuit"
	"riskteam/pkg/llm/middleware/metrics"
	"riskteam/pkg/llm/middleware/ratelimit"
	"riskteam/pkg/llm/middleware/retry"
	"riskteam/pkg/llm/middleware/timeout"
	"riskteam/pkg/logx"
)

// Role selects which configured model a client is built for.
type Role string

const (
	RoleCoordinator Role = "coordinator"
	RoleExpert      Role = "expert"
	RoleSummary     Role = "summary"
	RoleGenerator   Role = "generator"
)

// ProviderFunc constructs a raw client for a provider. Tests replace it to
// avoid network calls.
type ProviderFunc func(provider, credential, model string) (llm.LLMClient, error)

// Factory creates LLM clients with properly configured middleware chains.
// Circuit breakers and rate limiters are shared per provider across all
// clients the factory builds.
type Factory struct {
	cfg             config.Config
	recorder        metrics.Recorder
	logger          *logx.Logger
	newProvider     ProviderFunc
	rateLimitMap    *ratelimit.ProviderLimiterMap
	mu              sync.Mutex
	circuitBreakers map[string]*circuit.Breaker
}

// Option configures a Factory.
type Option func(*Factory)

// WithProviderFunc overrides raw client construction.
func WithProviderFunc(fn ProviderFunc) Option {
	return func(f *Factory) { f.newProvider = fn }
}

// WithLogger sets the logger used by the metrics middleware.
func WithLogger(logger *logx.Logger) Option {
	return func(f *Factory) { f.logger = logger }
}

// New creates a factory. A nil recorder disables metrics.
func New(cfg config.Config, recorder metrics.Recorder, opts ...Option) *Factory {
	if recorder == nil {
		recorder = metrics.Nop()
	}
	f := &Factory{
		cfg:             cfg,
		recorder:        recorder,
		logger:          logx.NewLogger("llm"),
		newProvider:     NewProviderClient,
		rateLimitMap:    ratelimit.NewProviderLimiterMap(cfg.Resilience.RateLimit),
		circuitBreakers: make(map[string]*circuit.Breaker),
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// ModelFor returns the model configured for role.
func (f *Factory) ModelFor(role Role) (string, error) {
	switch role {
	case RoleCoordinator:
		return f.cfg.Models.Coordinator, nil
	case RoleExpert:
		return f.cfg.Models.Expert, nil
	case RoleSummary:
		return f.cfg.Models.Summary, nil
	case RoleGenerator:
		return f.cfg.Models.Generator, nil
	default:
		return "", fmt.Errorf("unsupported role: %s", role)
	}
}

// CreateClient builds a client for role with the full middleware chain.
func (f *Factory) CreateClient(role Role) (llm.LLMClient, error) {
	model, err := f.ModelFor(role)
	if err != nil {
		return nil, err
	}
	return f.CreateClientForModel(model)
}

// CreateClientForModel builds a client for an explicit model name.
func (f *Factory) CreateClientForModel(model string) (llm.LLMClient, error) {
	provider, err := config.GetModelProvider(model)
	if err != nil {
		return nil, fmt.Errorf("failed to determine provider for model %s: %w", model, err)
	}

	credential, err := config.GetAPIKey(provider)
	if err != nil {
		return nil, fmt.Errorf("failed to get API key for provider %s: %w", provider, err)
	}

	rawClient, err := f.newProvider(provider, credential, model)
	if err != nil {
		return nil, err
	}

	res := f.cfg.Resilience
	retryPolicy := retry.NewPolicy(retry.Config{
		MaxAttempts:   res.Retry.MaxAttempts,
		InitialDelay:  res.Retry.InitialDelay,
		MaxDelay:      res.Retry.MaxDelay,
		BackoffFactor: res.Retry.BackoffFactor,
		Jitter:        res.Retry.Jitter,
	}, nil)

	// Metrics -> CircuitBreaker -> Retry -> RateLimit -> Timeout -> RawClient
	return llm.Chain(rawClient,
		metrics.Middleware(f.recorder, nil, f.logger),
		circuit.Middleware(f.breakerFor(provider)),
		retry.Middleware(retryPolicy),
		ratelimit.Middleware(f.rateLimitMap, nil, f.recorder),
		timeout.Middleware(res.Timeout),
	), nil
}

// RateLimitStats reports limiter state for every provider.
func (f *Factory) RateLimitStats() map[string]ratelimit.LimiterStats {
	return f.rateLimitMap.GetAllStats()
}

// CircuitStats reports the breaker of every provider used so far.
func (f *Factory) CircuitStats() []circuit.Snapshot {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]circuit.Snapshot, 0, len(f.circuitBreakers))
	for _, b := range f.circuitBreakers {
		out = append(out, b.Snapshot())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Provider < out[j].Provider })
	return out
}

// breakerFor returns the breaker shared by every client of provider.
func (f *Factory) breakerFor(provider string) *circuit.Breaker {
	f.mu.Lock()
	defer f.mu.Unlock()
	b, ok := f.circuitBreakers[provider]
	if !ok {
		cb := f.cfg.Resilience.CircuitBreaker
		b = circuit.New(provider, circuit.Config{
			FailureThreshold: cb.FailureThreshold,
			SuccessThreshold: cb.SuccessThreshold,
			CoolDown:         cb.CoolDown,
		}, circuit.OnStateChange(func(p string, from, to circuit.State) {
			if to == circuit.Open {
				f.logger.Warn("%s circuit opened after repeated failures", p)
				return
			}
			f.logger.Info("%s circuit %s -> %s", p, from, to)
		}))
		f.circuitBreakers[provider] = b
	}
	return b
}

// NewProviderClient constructs the raw client for provider. For Ollama the
// credential is the host URL.
func NewProviderClient(provider, credential, model string) (llm.LLMClient, error) {
	switch provider {
	case config.ProviderAnthropic:
		return anthropic.NewClient(credential, model), nil
	case config.ProviderOpenAI:
		return openai.NewClient(credential, model), nil
	case config.ProviderGoogle:
		return google.NewClient(credential, model), nil
	case config.ProviderOllama:
		return ollama.NewClient(credential, model), nil
	default:
		return nil, fmt.Errorf("unsupported provider: %s", provider)
	}
}
