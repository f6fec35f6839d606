// Package config loads and validates riskteam configuration.
//
// Configuration lives in <projectDir>/.riskteam/config.json. A single global
// Config is kept in memory behind a mutex; GetConfig returns it by value so
// callers cannot mutate shared state. Missing files are created with defaults,
// existing files get defaults applied for absent fields and are written back.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"riskteam/pkg/logx"
)

//nolint:gochecknoglobals // intentional singleton
var (
	config     *Config
	projectDir string
	logger     = logx.NewLogger("config")
	mu         sync.RWMutex
)

const (
	ProjectConfigDir   = ".riskteam"
	ConfigFilename     = "config.json"
	DatabaseFilename   = "riskteam.db"
	ExpertsFilename    = "experts.json"
	SchemaVersion      = "1.0"
	DefaultModel       = "gpt-4.1"
	DefaultServerAddr  = ":8080"
	DefaultMaxMessages = 20
	DefaultMaxRounds   = 4

	// Provider constants used for client construction and rate limiting.
	ProviderAnthropic = "anthropic"
	ProviderOpenAI    = "openai"
	ProviderGoogle    = "google"
	ProviderOllama    = "ollama"

	// API key environment variable names.
	EnvAnthropicAPIKey = "ANTHROPIC_API_KEY"
	EnvOpenAIAPIKey    = "OPENAI_API_KEY"
	EnvGoogleAPIKey    = "GOOGLE_GENAI_API_KEY"
	EnvOllamaHost      = "OLLAMA_HOST"

	// EnvProjectPassword unlocks the encrypted secrets file without a prompt.
	EnvProjectPassword = "RISKTEAM_PASSWORD"

	// EnvWebUIPassword protects the HTTP API with basic auth when set.
	EnvWebUIPassword = "RISKTEAM_WEBUI_PASSWORD"
)

// ModelsConfig names the model used by each role.
type ModelsConfig struct {
	Coordinator string `json:"coordinator"`
	Expert      string `json:"expert"`
	Summary     string `json:"summary"`
	Generator   string `json:"generator"` // expert and guide-word generation
}

// TeamConfig controls the deliberation loop.
type TeamConfig struct {
	ExpertsFile            string  `json:"experts_file"`
	MaxMessages            int     `json:"max_messages"`
	MaxRounds              int     `json:"max_rounds"`
	MaxTokens              int     `json:"max_tokens"`
	CoordinatorWindow      int     `json:"coordinator_window"` // transcript entries shown to the coordinator
	CreativeTemperature    float32 `json:"creative_temperature"`
	ReasoningTemperature   float32 `json:"reasoning_temperature"`
	ReporterTemperature    float32 `json:"reporter_temperature"`
	CoordinatorTemperature float32 `json:"coordinator_temperature"`
	SummaryTemperature     float32 `json:"summary_temperature"`
	Verbose                bool    `json:"verbose"`
}

// DocStoreConfig controls document chunking and retrieval.
type DocStoreConfig struct {
	Path             string  `json:"path"`
	DocumentsDir     string  `json:"documents_dir"`
	ChunkSize        int     `json:"chunk_size"`
	ChunkOverlap     int     `json:"chunk_overlap"`
	TopK             int     `json:"top_k"`
	MaxContextTokens int     `json:"max_context_tokens"` // budget for retrieved passages per lobe
	ScoreThreshold   float64 `json:"score_threshold"`
	Watch            bool    `json:"watch"`
}

// CircuitBreakerConfig defines circuit breaker behavior.
type CircuitBreakerConfig struct {
	FailureThreshold int           `json:"failure_threshold"`
	SuccessThreshold int           `json:"success_threshold"`
	CoolDown         time.Duration `json:"cool_down"`
}

// RetryConfig defines retry behavior. MaxAttempts of 1 disables retries.
type RetryConfig struct {
	MaxAttempts   int           `json:"max_attempts"`
	InitialDelay  time.Duration `json:"initial_delay"`
	MaxDelay      time.Duration `json:"max_delay"`
	BackoffFactor float64       `json:"backoff_factor"`
	Jitter        bool          `json:"jitter"`
}

// ProviderLimits defines rate limits for one provider.
type ProviderLimits struct {
	TokensPerMinute int `json:"tokens_per_minute"`
	MaxConcurrency  int `json:"max_concurrency"`
}

// RateLimitConfig groups rate limits by provider.
type RateLimitConfig struct {
	Anthropic ProviderLimits `json:"anthropic"`
	OpenAI    ProviderLimits `json:"openai"`
	Google    ProviderLimits `json:"google"`
	Ollama    ProviderLimits `json:"ollama"`
}

// ForProvider returns the limits configured for provider.
func (r RateLimitConfig) ForProvider(provider string) ProviderLimits {
	switch provider {
	case ProviderAnthropic:
		return r.Anthropic
	case ProviderOpenAI:
		return r.OpenAI
	case ProviderGoogle:
		return r.Google
	case ProviderOllama:
		return r.Ollama
	default:
		return ProviderLimits{}
	}
}

// ProviderDefaults defines default rate limits for each provider.
//
//nolint:gochecknoglobals // provider defaults
var ProviderDefaults = map[string]ProviderLimits{
	ProviderAnthropic: {TokensPerMinute: 300000, MaxConcurrency: 5},
	ProviderOpenAI:    {TokensPerMinute: 150000, MaxConcurrency: 5},
	ProviderGoogle:    {TokensPerMinute: 1200000, MaxConcurrency: 5},
	ProviderOllama:    {TokensPerMinute: 1000000, MaxConcurrency: 2},
}

// RateLimitBufferFactor is the share of TokensPerMinute a limiter bucket holds.
const RateLimitBufferFactor = 0.9

// ResilienceConfig bundles the LLM middleware settings.
type ResilienceConfig struct {
	CircuitBreaker CircuitBreakerConfig `json:"circuit_breaker"`
	Retry          RetryConfig          `json:"retry"`
	RateLimit      RateLimitConfig      `json:"rate_limit"`
	Timeout        time.Duration        `json:"timeout"` // per model call
}

// MetricsConfig defines metrics collection.
type MetricsConfig struct {
	Namespace     string `json:"namespace"`
	PrometheusURL string `json:"prometheus_url"` // optional server used for usage queries
	Enabled       bool   `json:"enabled"`
}

// ServerConfig configures the HTTP API.
type ServerConfig struct {
	Addr              string        `json:"addr"`
	MaxConcurrentJobs int           `json:"max_concurrent_jobs"`
	JobRetention      time.Duration `json:"job_retention"` // how long finished jobs stay in memory
}

// OutputConfig configures where reports and event logs are written.
type OutputConfig struct {
	ReportsDir  string `json:"reports_dir"`
	EventLogDir string `json:"event_log_dir"`
}

// Config is the complete riskteam configuration.
type Config struct {
	SchemaVersion string           `json:"schema_version"`
	Models        ModelsConfig     `json:"models"`
	Team          TeamConfig       `json:"team"`
	DocStore      DocStoreConfig   `json:"docstore"`
	Resilience    ResilienceConfig `json:"resilience"`
	Metrics       MetricsConfig    `json:"metrics"`
	Server        ServerConfig     `json:"server"`
	Output        OutputConfig     `json:"output"`
}

// GetConfig returns the current config by value.
func GetConfig() (Config, error) {
	mu.RLock()
	defer mu.RUnlock()
	if config == nil {
		return Config{}, fmt.Errorf("config not initialized - call LoadConfig first")
	}
	return *config, nil
}

// GetProjectDir returns the directory passed to LoadConfig.
func GetProjectDir() string {
	mu.RLock()
	defer mu.RUnlock()
	return projectDir
}

// SetConfigForTesting replaces the global config. Pass nil to reset.
func SetConfigForTesting(cfg *Config) {
	mu.Lock()
	defer mu.Unlock()
	config = cfg
	if cfg == nil {
		projectDir = ""
	}
}

// ProjectPath resolves a path relative to the project directory.
func ProjectPath(dir, path string) string {
	if path == "" || filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(dir, path)
}

// LoadConfig loads <projectDir>/.riskteam/config.json into the global config.
//
//   - Missing file: defaults are created, validated and saved.
//   - Existing file: defaults are applied for missing fields, then it is validated and saved back.
//   - Unparseable file: an error is returned so user edits are never overwritten.
func LoadConfig(inputProjectDir string) error {
	mu.Lock()
	defer mu.Unlock()

	projectDir = inputProjectDir
	configPath := filepath.Join(projectDir, ProjectConfigDir, ConfigFilename)

	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		logger.Info("📝 Config file not found, creating new config at %s", configPath)
		cfg := DefaultConfig()
		if err := validateConfig(cfg); err != nil {
			return fmt.Errorf("default config validation failed: %w", err)
		}
		config = cfg
		if err := SaveConfig(config, projectDir); err != nil {
			return fmt.Errorf("failed to save initial config: %w", err)
		}
		return nil
	}

	logger.Info("📝 Loading config from %s", configPath)
	loaded, err := loadConfigFromFile(configPath)
	if err != nil {
		return fmt.Errorf("fatal: config file exists but cannot be parsed (to avoid overwriting your changes): %w", err)
	}

	applyDefaults(loaded)
	if err := validateConfig(loaded); err != nil {
		return fmt.Errorf("config validation failed: %w", err)
	}
	config = loaded

	if err := SaveConfig(config, projectDir); err != nil {
		return fmt.Errorf("failed to save config with applied defaults: %w", err)
	}
	validateRateLimitCapacity(config)
	return nil
}

func loadConfigFromFile(configPath string) (*Config, error) {
	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", configPath, err)
	}
	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config JSON %s: %w", configPath, err)
	}
	return &cfg, nil
}

// SaveConfig writes cfg to <projectDir>/.riskteam/config.json.
func SaveConfig(cfg *Config, dir string) error {
	configPath := filepath.Join(dir, ProjectConfigDir, ConfigFilename)
	if err := os.MkdirAll(filepath.Dir(configPath), 0o755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := os.WriteFile(configPath, data, 0o644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// DefaultConfig returns a config populated with defaults.
func DefaultConfig() *Config {
	cfg := &Config{SchemaVersion: SchemaVersion}
	applyDefaults(cfg)
	return cfg
}

// applyDefaults fills zero values. MaxMessages of zero is treated as unset;
// a zero ceiling can still be requested per run.
func applyDefaults(cfg *Config) {
	if cfg.SchemaVersion == "" {
		cfg.SchemaVersion = SchemaVersion
	}

	m := &cfg.Models
	if m.Coordinator == "" {
		m.Coordinator = DefaultModel
	}
	if m.Expert == "" {
		m.Expert = DefaultModel
	}
	if m.Summary == "" {
		m.Summary = DefaultModel
	}
	if m.Generator == "" {
		m.Generator = m.Coordinator
	}

	t := &cfg.Team
	if t.ExpertsFile == "" {
		t.ExpertsFile = filepath.Join(ProjectConfigDir, ExpertsFilename)
	}
	if t.MaxMessages <= 0 {
		t.MaxMessages = DefaultMaxMessages
	}
	if t.MaxRounds <= 0 {
		t.MaxRounds = DefaultMaxRounds
	}
	if t.MaxTokens <= 0 {
		t.MaxTokens = 4096
	}
	if t.CoordinatorWindow <= 0 {
		t.CoordinatorWindow = 10
	}
	setTemp(&t.CreativeTemperature, 0.8)
	setTemp(&t.ReasoningTemperature, 0.4)
	setTemp(&t.ReporterTemperature, 0.3)
	setTemp(&t.CoordinatorTemperature, 0.2)
	setTemp(&t.SummaryTemperature, 0.3)

	d := &cfg.DocStore
	if d.Path == "" {
		d.Path = filepath.Join(ProjectConfigDir, DatabaseFilename)
	}
	if d.DocumentsDir == "" {
		d.DocumentsDir = "documents"
	}
	if d.ChunkSize <= 0 {
		d.ChunkSize = 1000
	}
	if d.ChunkOverlap <= 0 {
		d.ChunkOverlap = 200
	}
	if d.TopK <= 0 {
		d.TopK = 10
	}
	if d.MaxContextTokens <= 0 {
		d.MaxContextTokens = 2000
	}
	if d.ScoreThreshold <= 0 {
		d.ScoreThreshold = 0.3
	}

	r := &cfg.Resilience
	if r.Timeout <= 0 {
		r.Timeout = 3 * time.Minute
	}
	if r.Retry.MaxAttempts <= 0 {
		r.Retry.MaxAttempts = 1
	}
	if r.Retry.InitialDelay <= 0 {
		r.Retry.InitialDelay = time.Second
	}
	if r.Retry.MaxDelay <= 0 {
		r.Retry.MaxDelay = 30 * time.Second
	}
	if r.Retry.BackoffFactor <= 0 {
		r.Retry.BackoffFactor = 2.0
	}
	if r.CircuitBreaker.FailureThreshold <= 0 {
		r.CircuitBreaker.FailureThreshold = 5
	}
	if r.CircuitBreaker.SuccessThreshold <= 0 {
		r.CircuitBreaker.SuccessThreshold = 2
	}
	if r.CircuitBreaker.CoolDown <= 0 {
		r.CircuitBreaker.CoolDown = 30 * time.Second
	}
	setLimits(&r.RateLimit.Anthropic, ProviderDefaults[ProviderAnthropic])
	setLimits(&r.RateLimit.OpenAI, ProviderDefaults[ProviderOpenAI])
	setLimits(&r.RateLimit.Google, ProviderDefaults[ProviderGoogle])
	setLimits(&r.RateLimit.Ollama, ProviderDefaults[ProviderOllama])

	if cfg.Metrics.Namespace == "" {
		cfg.Metrics.Namespace = "riskteam"
	}
	if cfg.Server.Addr == "" {
		cfg.Server.Addr = DefaultServerAddr
	}
	if cfg.Server.MaxConcurrentJobs <= 0 {
		cfg.Server.MaxConcurrentJobs = 4
	}
	if cfg.Server.JobRetention <= 0 {
		cfg.Server.JobRetention = 10 * time.Minute
	}
	if cfg.Output.ReportsDir == "" {
		cfg.Output.ReportsDir = "reports"
	}
	if cfg.Output.EventLogDir == "" {
		cfg.Output.EventLogDir = filepath.Join("logs", "events")
	}
}

func setTemp(v *float32, def float32) {
	if *v <= 0 {
		*v = def
	}
}

func setLimits(l *ProviderLimits, def ProviderLimits) {
	if l.TokensPerMinute <= 0 {
		l.TokensPerMinute = def.TokensPerMinute
	}
	if l.MaxConcurrency <= 0 {
		l.MaxConcurrency = def.MaxConcurrency
	}
}

func validateConfig(cfg *Config) error {
	for role, model := range map[string]string{
		"coordinator": cfg.Models.Coordinator,
		"expert":      cfg.Models.Expert,
		"summary":     cfg.Models.Summary,
		"generator":   cfg.Models.Generator,
	} {
		if _, err := GetModelProvider(model); err != nil {
			return fmt.Errorf("models.%s: %w", role, err)
		}
	}

	temps := map[string]float32{
		"creative_temperature":    cfg.Team.CreativeTemperature,
		"reasoning_temperature":   cfg.Team.ReasoningTemperature,
		"reporter_temperature":    cfg.Team.ReporterTemperature,
		"coordinator_temperature": cfg.Team.CoordinatorTemperature,
		"summary_temperature":     cfg.Team.SummaryTemperature,
	}
	for name, v := range temps {
		if v < 0 || v > 2 {
			return fmt.Errorf("team.%s must be between 0.0 and 2.0, got %.2f", name, v)
		}
	}

	if cfg.DocStore.ChunkOverlap >= cfg.DocStore.ChunkSize {
		return fmt.Errorf("docstore.chunk_overlap (%d) must be smaller than chunk_size (%d)",
			cfg.DocStore.ChunkOverlap, cfg.DocStore.ChunkSize)
	}
	if cfg.DocStore.ScoreThreshold > 1 {
		return fmt.Errorf("docstore.score_threshold must be at most 1.0, got %.2f", cfg.DocStore.ScoreThreshold)
	}
	return nil
}

// validateRateLimitCapacity warns when a model's context cannot fit in its
// provider's bucket, since such requests would wait forever.
func validateRateLimitCapacity(cfg *Config) {
	for _, model := range []string{cfg.Models.Coordinator, cfg.Models.Expert, cfg.Models.Summary} {
		info, ok := GetModelInfo(model)
		if !ok {
			continue
		}
		tpm := cfg.Resilience.RateLimit.ForProvider(info.Provider).TokensPerMinute
		capacity := int(float64(tpm) * RateLimitBufferFactor)
		if tpm > 0 && info.MaxContextTokens > capacity {
			logx.Warnf("CONFIG: model %s context (%d) exceeds %s rate limit capacity (%d); raise tokens_per_minute to at least %d",
				model, info.MaxContextTokens, info.Provider, capacity, int(float64(info.MaxContextTokens)/RateLimitBufferFactor)+1)
		}
	}
}
