package models

import "time"

// Config represents the service configuration
type Config struct {
	// Server config
	Port int    `yaml:"port"`
	Host string `yaml:"host"`

	Fetch FetchConfig `yaml:"fetch"`
	AI    AIConfig    `yaml:"ai"`
	Cache CacheConfig `yaml:"cache"`
}

// FetchConfig controls how portal pages are downloaded
type FetchConfig struct {
	Timeout       time.Duration `yaml:"timeout"`        // Per attempt (default: 15s)
	MaxRedirects  int           `yaml:"max_redirects"`  // Default: 3
	RetryAttempts int           `yaml:"retry_attempts"` // Retries after the first attempt (default: 1)
	RetryDelay    time.Duration `yaml:"retry_delay"`    // Multiplied by the attempt number (default: 500ms)
	MaxHTMLBytes  int64         `yaml:"max_html_bytes"` // Default: 5MB
	AllowedHosts  []string      `yaml:"allowed_hosts"`  // Extra hosts on top of the built-in portal list
}

// AIConfig represents AI provider configuration
type AIConfig struct {
	// Default provider
	Provider string `yaml:"provider"` // "gemini", "openai", "ollama"

	Model       string  `yaml:"model"`
	Temperature float32 `yaml:"temperature"`
	MaxTokens   int     `yaml:"max_tokens"`

	BatchSize        int           `yaml:"batch_size"`        // Item rows per call (default: 30)
	BatchConcurrency int           `yaml:"batch_concurrency"` // Item batches in flight (default: 1)
	OverloadRetries  int           `yaml:"overload_retries"`  // Default: 3
	RetryBaseDelay   time.Duration `yaml:"retry_base_delay"`  // Doubles on every retry (default: 2s)
	RequestsPerSec   float64       `yaml:"requests_per_second"`

	// Gemini
	Gemini GeminiConfig `yaml:"gemini"`

	// OpenAI
	OpenAI OpenAIConfig `yaml:"openai"`

	// Ollama (local)
	Ollama OllamaConfig `yaml:"ollama"`
}

// GeminiConfig for Google Gemini
type GeminiConfig struct {
	APIKey string `yaml:"api_key"`
}

// OpenAIConfig for OpenAI or any compatible endpoint
type OpenAIConfig struct {
	APIKey  string `yaml:"api_key"`
	BaseURL string `yaml:"base_url,omitempty"` // For custom endpoints
}

// OllamaConfig for local Ollama
type OllamaConfig struct {
	BaseURL string `yaml:"base_url"` // Default: "http://localhost:11434/v1"
}

// CacheConfig controls the parsed-invoice cache
type CacheConfig struct {
	TTL      time.Duration `yaml:"ttl"`       // Default: 24h
	MaxSize  int           `yaml:"max_size"`  // Default: 1000
	RedisURL string        `yaml:"redis_url"` // When set, a shared Redis store replaces the in-process cache
}
