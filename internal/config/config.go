// Package config loads models.Config from a YAML file and environment overrides.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/facturaIA/nfce-invoice-parser/internal/models"
)

// Default returns the configuration used when nothing else is set
func Default() *models.Config {
	return &models.Config{
		Port: 8080,
		Host: "0.0.0.0",
		Fetch: models.FetchConfig{
			Timeout:       15 * time.Second,
			MaxRedirects:  3,
			RetryAttempts: 1,
			RetryDelay:    500 * time.Millisecond,
			MaxHTMLBytes:  5 * 1024 * 1024,
		},
		AI: models.AIConfig{
			Provider:         "gemini",
			Model:            "gemini-2.5-flash",
			Temperature:      0,
			MaxTokens:        1_000_000,
			BatchSize:        30,
			BatchConcurrency: 1,
			OverloadRetries:  3,
			RetryBaseDelay:   2 * time.Second,
			Ollama:           models.OllamaConfig{BaseURL: "http://localhost:11434/v1"},
		},
		Cache: models.CacheConfig{
			TTL:     24 * time.Hour,
			MaxSize: 1000,
		},
	}
}

// Load applies defaults, then the YAML file at path (a missing file is not an error),
// then environment overrides, and validates the result.
func Load(path string) (*models.Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case errors.Is(err, fs.ErrNotExist):
		case err != nil:
			return nil, fmt.Errorf("failed to read config file: %w", err)
		default:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("failed to parse config: %w", err)
			}
		}
	}

	if err := applyEnv(cfg); err != nil {
		return nil, err
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyEnv(cfg *models.Config) error {
	var errs []error
	setString := func(name string, dst *string) {
		if v := os.Getenv(name); v != "" {
			*dst = v
		}
	}
	setInt := func(name string, dst *int) {
		if v := os.Getenv(name); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", name, err))
				return
			}
			*dst = n
		}
	}
	setInt64 := func(name string, dst *int64) {
		if v := os.Getenv(name); v != "" {
			n, err := strconv.ParseInt(v, 10, 64)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", name, err))
				return
			}
			*dst = n
		}
	}
	setMillis := func(name string, dst *time.Duration) {
		if v := os.Getenv(name); v != "" {
			n, err := strconv.ParseInt(v, 10, 64)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", name, err))
				return
			}
			*dst = time.Duration(n) * time.Millisecond
		}
	}
	setFloat := func(name string, bits int, dst func(float64)) {
		if v := os.Getenv(name); v != "" {
			f, err := strconv.ParseFloat(v, bits)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", name, err))
				return
			}
			dst(f)
		}
	}

	// Server
	setString("HOST", &cfg.Host)
	setInt("PORT", &cfg.Port)

	// Fetch
	setMillis("FETCH_TIMEOUT_MS", &cfg.Fetch.Timeout)
	setInt("FETCH_MAX_REDIRECTS", &cfg.Fetch.MaxRedirects)
	setInt("FETCH_RETRY_ATTEMPTS", &cfg.Fetch.RetryAttempts)
	setMillis("FETCH_RETRY_DELAY_MS", &cfg.Fetch.RetryDelay)
	setInt64("FETCH_MAX_HTML_BYTES", &cfg.Fetch.MaxHTMLBytes)
	if v := os.Getenv("FETCH_ALLOWED_HOSTS"); v != "" {
		cfg.Fetch.AllowedHosts = nil
		for _, h := range strings.Split(v, ",") {
			if h = strings.TrimSpace(h); h != "" {
				cfg.Fetch.AllowedHosts = append(cfg.Fetch.AllowedHosts, h)
			}
		}
	}

	// AI
	setString("AI_PROVIDER", &cfg.AI.Provider)
	setString("AI_MODEL", &cfg.AI.Model)
	setFloat("AI_TEMPERATURE", 32, func(f float64) { cfg.AI.Temperature = float32(f) })
	setInt("AI_MAX_TOKENS", &cfg.AI.MaxTokens)
	setInt("AI_BATCH_SIZE", &cfg.AI.BatchSize)
	setInt("AI_BATCH_CONCURRENCY", &cfg.AI.BatchConcurrency)
	setFloat("AI_REQUESTS_PER_SECOND", 64, func(f float64) { cfg.AI.RequestsPerSec = f })
	setString("GEMINI_API_KEY", &cfg.AI.Gemini.APIKey)
	setString("OPENAI_API_KEY", &cfg.AI.OpenAI.APIKey)
	setString("OPENAI_BASE_URL", &cfg.AI.OpenAI.BaseURL)
	setString("OLLAMA_BASE_URL", &cfg.AI.Ollama.BaseURL)

	// Cache
	setMillis("CACHE_TTL_MS", &cfg.Cache.TTL)
	setInt("CACHE_MAX_SIZE", &cfg.Cache.MaxSize)
	setString("REDIS_URL", &cfg.Cache.RedisURL)

	return errors.Join(errs...)
}

// Validate rejects settings the pipeline cannot run with
func Validate(cfg *models.Config) error {
	var errs []error
	check := func(ok bool, format string, args ...interface{}) {
		if !ok {
			errs = append(errs, fmt.Errorf(format, args...))
		}
	}

	check(cfg.Port > 0 && cfg.Port < 65536, "port must be between 1 and 65535, got %d", cfg.Port)

	check(cfg.Fetch.Timeout > 0, "fetch.timeout must be positive")
	check(cfg.Fetch.MaxRedirects >= 0, "fetch.max_redirects must not be negative")
	check(cfg.Fetch.RetryAttempts >= 0, "fetch.retry_attempts must not be negative")
	check(cfg.Fetch.RetryDelay >= 0, "fetch.retry_delay must not be negative")
	check(cfg.Fetch.MaxHTMLBytes > 0, "fetch.max_html_bytes must be positive")

	switch strings.ToLower(cfg.AI.Provider) {
	case "gemini", "openai", "ollama":
	default:
		errs = append(errs, fmt.Errorf("ai.provider must be gemini, openai or ollama, got %q", cfg.AI.Provider))
	}
	check(cfg.AI.Model != "", "ai.model is required")
	check(cfg.AI.Temperature >= 0, "ai.temperature must not be negative")
	check(cfg.AI.MaxTokens > 0, "ai.max_tokens must be positive")
	check(cfg.AI.BatchSize > 0, "ai.batch_size must be positive")
	check(cfg.AI.BatchConcurrency > 0, "ai.batch_concurrency must be positive")
	check(cfg.AI.OverloadRetries >= 0, "ai.overload_retries must not be negative")
	check(cfg.AI.RetryBaseDelay > 0, "ai.retry_base_delay must be positive")
	check(cfg.AI.RequestsPerSec >= 0, "ai.requests_per_second must not be negative")

	check(cfg.Cache.TTL > 0, "cache.ttl must be positive")
	check(cfg.Cache.MaxSize > 0, "cache.max_size must be positive")

	if len(errs) > 0 {
		return fmt.Errorf("invalid configuration: %w", errors.Join(errs...))
	}
	return nil
}
