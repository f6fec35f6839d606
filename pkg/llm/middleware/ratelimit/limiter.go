// Package ratelimit keeps model calls within provider token budgets and
// concurrency limits.
package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"riskteam/pkg/config"
	"riskteam/pkg/llm"
	"riskteam/pkg/logx"
	"riskteam/pkg/utils"
)

// Limiter hands out tokens and concurrency slots.
type Limiter interface {
	// Acquire blocks until tokens and a slot are available. The returned
	// release func must be called to give the slot back.
	Acquire(ctx context.Context, tokens int) (release func(), err error)
	GetStats() LimiterStats
}

// TokenEstimator estimates the prompt tokens of a request.
type TokenEstimator interface {
	EstimatePrompt(req llm.CompletionRequest) int
}

type tiktokenEstimator struct{}

// NewDefaultTokenEstimator estimates with tiktoken.
func NewDefaultTokenEstimator() TokenEstimator {
	return tiktokenEstimator{}
}

func (tiktokenEstimator) EstimatePrompt(req llm.CompletionRequest) int {
	return utils.CountTokensSimple(req.PromptText())
}

// LimiterStats is a snapshot of a limiter.
type LimiterStats struct {
	Provider        string `json:"provider"`
	AvailableTokens int    `json:"available_tokens"`
	MaxCapacity     int    `json:"max_capacity"`
	ActiveRequests  int    `json:"active_requests"`
	MaxConcurrency  int    `json:"max_concurrency"`
	TokenLimitHits  int64  `json:"token_limit_hits"`
	ConcurrencyHits int64  `json:"concurrency_hits"`
}

// TokenBucketLimiter combines a token bucket refilled continuously at
// TokensPerMinute with a concurrency semaphore.
//
//nolint:govet // readability over alignment
type TokenBucketLimiter struct {
	mu sync.Mutex

	provider        string
	available       float64
	maxCapacity     int
	tokensPerSecond float64
	lastRefill      time.Time

	activeRequests int
	maxConcurrency int

	tokenLimitHits  int64
	concurrencyHits int64

	now      func() time.Time
	pollWait time.Duration
	maxWait  time.Duration
}

// NewTokenBucketLimiter creates a limiter for provider starting with a full bucket.
func NewTokenBucketLimiter(provider string, limits config.ProviderLimits) *TokenBucketLimiter {
	capacity := int(float64(limits.TokensPerMinute) * config.RateLimitBufferFactor)
	concurrency := limits.MaxConcurrency
	if concurrency <= 0 {
		concurrency = 1
	}
	return &TokenBucketLimiter{
		provider:        provider,
		available:       float64(capacity),
		maxCapacity:     capacity,
		tokensPerSecond: float64(limits.TokensPerMinute) / 60.0,
		lastRefill:      time.Now(),
		maxConcurrency:  concurrency,
		now:             time.Now,
		pollWait:        100 * time.Millisecond,
		maxWait:         5 * time.Minute,
	}
}

func (l *TokenBucketLimiter) refillLocked() {
	now := l.now()
	elapsed := now.Sub(l.lastRefill).Seconds()
	if elapsed <= 0 {
		return
	}
	l.lastRefill = now
	l.available += elapsed * l.tokensPerSecond
	if l.available > float64(l.maxCapacity) {
		l.available = float64(l.maxCapacity)
	}
}

// Acquire takes tokens and a slot. Requests larger than the bucket are clamped
// to its capacity so they cannot wait forever.
func (l *TokenBucketLimiter) Acquire(ctx context.Context, tokens int) (func(), error) {
	if tokens > l.maxCapacity {
		tokens = l.maxCapacity
	}
	start := l.now()
	firstAttempt := true

	for {
		l.mu.Lock()
		l.refillLocked()
		hasTokens := l.available >= float64(tokens)
		hasSlot := l.activeRequests < l.maxConcurrency

		if hasTokens && hasSlot {
			l.available -= float64(tokens)
			l.activeRequests++
			l.mu.Unlock()

			var once sync.Once
			return func() {
				once.Do(func() {
					l.mu.Lock()
					l.activeRequests--
					l.mu.Unlock()
				})
			}, nil
		}

		if firstAttempt {
			if !hasTokens {
				l.tokenLimitHits++
				logx.Infof("RATELIMIT: %s token limit hit, waiting for refill (need %d, have %.0f)", l.provider, tokens, l.available)
			}
			if !hasSlot {
				l.concurrencyHits++
				logx.Infof("RATELIMIT: %s concurrency limit hit (active %d/%d)", l.provider, l.activeRequests, l.maxConcurrency)
			}
			firstAttempt = false
		}
		l.mu.Unlock()

		if waited := l.now().Sub(start); waited > l.maxWait {
			return nil, fmt.Errorf("rate limit acquisition timeout after %v (requested %d tokens, capacity %d, provider %s)",
				waited.Round(time.Second), tokens, l.maxCapacity, l.provider)
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err() //nolint:wrapcheck // propagate as-is
		case <-time.After(l.pollWait):
		}
	}
}

// GetStats returns current limiter statistics.
func (l *TokenBucketLimiter) GetStats() LimiterStats {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.refillLocked()
	return LimiterStats{
		Provider:        l.provider,
		AvailableTokens: int(l.available),
		MaxCapacity:     l.maxCapacity,
		ActiveRequests:  l.activeRequests,
		MaxConcurrency:  l.maxConcurrency,
		TokenLimitHits:  l.tokenLimitHits,
		ConcurrencyHits: l.concurrencyHits,
	}
}

// ProviderLimiterMap holds one limiter per provider.
type ProviderLimiterMap struct {
	limiters map[string]*TokenBucketLimiter
}

// NewProviderLimiterMap builds limiters from the rate limit configuration.
func NewProviderLimiterMap(cfg config.RateLimitConfig) *ProviderLimiterMap {
	limiters := make(map[string]*TokenBucketLimiter)
	for _, p := range []string{config.ProviderAnthropic, config.ProviderOpenAI, config.ProviderGoogle, config.ProviderOllama} {
		limits := cfg.ForProvider(p)
		if limits.TokensPerMinute > 0 {
			limiters[p] = NewTokenBucketLimiter(p, limits)
		}
	}
	return &ProviderLimiterMap{limiters: limiters}
}

// GetLimiter returns the limiter for modelName's provider.
func (p *ProviderLimiterMap) GetLimiter(modelName string) (Limiter, error) {
	provider, err := config.GetModelProvider(modelName)
	if err != nil {
		return nil, fmt.Errorf("cannot determine provider for model %s: %w", modelName, err)
	}
	limiter, ok := p.limiters[provider]
	if !ok {
		return nil, fmt.Errorf("no rate limiter configured for provider %s", provider)
	}
	return limiter, nil
}

// GetAllStats returns statistics for every provider.
func (p *ProviderLimiterMap) GetAllStats() map[string]LimiterStats {
	stats := make(map[string]LimiterStats, len(p.limiters))
	for provider, limiter := range p.limiters {
		stats[provider] = limiter.GetStats()
	}
	return stats
}
