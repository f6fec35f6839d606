package config

import (
	"fmt"
	"os"
	"strings"
)

// ModelInfo contains static information about a known model.
type ModelInfo struct {
	Provider         string
	InputCPM         float64 // USD per million input tokens
	OutputCPM        float64 // USD per million output tokens
	MaxContextTokens int
	MaxOutputTokens  int
}

// KnownModels holds pricing and limits for common models. Unknown models are
// resolved through ProviderPatterns and carry no cost.
//
//nolint:gochecknoglobals // static registry
var KnownModels = map[string]ModelInfo{
	"claude-sonnet-4-5":        {Provider: ProviderAnthropic, InputCPM: 3.0, OutputCPM: 15.0, MaxContextTokens: 200000, MaxOutputTokens: 8192},
	"claude-sonnet-4-20250514": {Provider: ProviderAnthropic, InputCPM: 3.0, OutputCPM: 15.0, MaxContextTokens: 200000, MaxOutputTokens: 8192},
	"claude-opus-4-1":          {Provider: ProviderAnthropic, InputCPM: 15.0, OutputCPM: 75.0, MaxContextTokens: 200000, MaxOutputTokens: 16384},
	"claude-haiku-4-5":         {Provider: ProviderAnthropic, InputCPM: 1.0, OutputCPM: 5.0, MaxContextTokens: 200000, MaxOutputTokens: 8192},
	"gpt-4.1":                  {Provider: ProviderOpenAI, InputCPM: 2.0, OutputCPM: 8.0, MaxContextTokens: 1047576, MaxOutputTokens: 32768},
	"gpt-4.1-mini":             {Provider: ProviderOpenAI, InputCPM: 0.4, OutputCPM: 1.6, MaxContextTokens: 1047576, MaxOutputTokens: 32768},
	"gpt-4o":                   {Provider: ProviderOpenAI, InputCPM: 2.5, OutputCPM: 10.0, MaxContextTokens: 128000, MaxOutputTokens: 16384},
	"gpt-5":                    {Provider: ProviderOpenAI, InputCPM: 1.25, OutputCPM: 10.0, MaxContextTokens: 400000, MaxOutputTokens: 128000},
	"o3":                       {Provider: ProviderOpenAI, InputCPM: 2.0, OutputCPM: 8.0, MaxContextTokens: 200000, MaxOutputTokens: 100000},
	"gemini-2.5-pro":           {Provider: ProviderGoogle, InputCPM: 1.25, OutputCPM: 10.0, MaxContextTokens: 1048576, MaxOutputTokens: 65536},
	"gemini-2.5-flash":         {Provider: ProviderGoogle, InputCPM: 0.3, OutputCPM: 2.5, MaxContextTokens: 1048576, MaxOutputTokens: 65536},
	"llama3.1:8b":              {Provider: ProviderOllama, MaxContextTokens: 128000, MaxOutputTokens: 4096},
	"qwen2.5:14b":              {Provider: ProviderOllama, MaxContextTokens: 32768, MaxOutputTokens: 4096},
}

// ProviderPattern maps a model-name prefix to a provider.
type ProviderPattern struct {
	Prefix   string
	Provider string
}

// ProviderPatterns infers providers for models missing from KnownModels.
//
//nolint:gochecknoglobals // inference rules
var ProviderPatterns = []ProviderPattern{
	{"claude", ProviderAnthropic},
	{"gpt", ProviderOpenAI},
	{"o1", ProviderOpenAI},
	{"o3", ProviderOpenAI},
	{"o4", ProviderOpenAI},
	{"gemini", ProviderGoogle},
	{"ollama:", ProviderOllama},
	{"phi", ProviderOllama},
	{"llama", ProviderOllama},
	{"qwen", ProviderOllama},
	{"mistral", ProviderOllama},
	{"deepseek", ProviderOllama},
}

// GetModelProvider returns the provider for modelName.
func GetModelProvider(modelName string) (string, error) {
	if info, ok := KnownModels[modelName]; ok {
		return info.Provider, nil
	}
	for i := range ProviderPatterns {
		if strings.HasPrefix(modelName, ProviderPatterns[i].Prefix) {
			return ProviderPatterns[i].Provider, nil
		}
	}
	return "", fmt.Errorf("unknown model '%s': no known provider mapping or pattern match", modelName)
}

// GetModelInfo returns registry info for modelName. For unknown models it
// returns conservative defaults with the inferred provider and false.
func GetModelInfo(modelName string) (ModelInfo, bool) {
	if info, ok := KnownModels[modelName]; ok {
		return info, true
	}
	provider, _ := GetModelProvider(modelName)
	return ModelInfo{
		Provider:         provider,
		MaxContextTokens: 32000,
		MaxOutputTokens:  4096,
	}, false
}

// OllamaModelName strips the optional "ollama:" routing prefix.
func OllamaModelName(modelName string) string {
	return strings.TrimPrefix(modelName, "ollama:")
}

// CalculateCost returns the USD cost of a call. Unknown models cost zero.
func CalculateCost(modelName string, promptTokens, completionTokens int) float64 {
	info, ok := KnownModels[modelName]
	if !ok {
		return 0
	}
	return float64(promptTokens)/1_000_000.0*info.InputCPM + float64(completionTokens)/1_000_000.0*info.OutputCPM
}

// GetAPIKey returns the credential for provider: the secrets file first, then
// the environment. For Ollama the host URL is returned instead.
func GetAPIKey(provider string) (string, error) {
	var envVar string
	switch provider {
	case ProviderAnthropic:
		envVar = EnvAnthropicAPIKey
	case ProviderOpenAI:
		envVar = EnvOpenAIAPIKey
	case ProviderGoogle:
		envVar = EnvGoogleAPIKey
	case ProviderOllama:
		host := os.Getenv(EnvOllamaHost)
		if host == "" {
			host = "http://localhost:11434"
		}
		return host, nil
	default:
		return "", fmt.Errorf("unknown provider: %s", provider)
	}

	key, err := GetSecret(envVar)
	if err == nil && key != "" {
		return key, nil
	}
	return "", fmt.Errorf("API key not found: %s not found in secrets file or environment variables", envVar)
}

// GetWebUIPassword returns the HTTP API password, or "" when auth is disabled.
func GetWebUIPassword() string {
	pw, err := GetSecret(EnvWebUIPassword)
	if err != nil {
		return ""
	}
	return pw
}
