package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoad_DefaultsWhenFileMissing(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.Port)
	assert.Equal(t, 15*time.Second, cfg.Fetch.Timeout)
	assert.Equal(t, 3, cfg.Fetch.MaxRedirects)
	assert.Equal(t, 1, cfg.Fetch.RetryAttempts)
	assert.Equal(t, 500*time.Millisecond, cfg.Fetch.RetryDelay)
	assert.Equal(t, int64(5*1024*1024), cfg.Fetch.MaxHTMLBytes)
	assert.Equal(t, "gemini", cfg.AI.Provider)
	assert.Equal(t, float32(0), cfg.AI.Temperature)
	assert.Equal(t, 1_000_000, cfg.AI.MaxTokens)
	assert.Equal(t, 30, cfg.AI.BatchSize)
	assert.Equal(t, 24*time.Hour, cfg.Cache.TTL)
	assert.Equal(t, 1000, cfg.Cache.MaxSize)
}

func TestLoad_FileThenEnv(t *testing.T) {
	path := writeConfig(t, `
port: 9090
fetch:
  timeout: 5s
  allowed_hosts: ["nfce.example.gov.br"]
ai:
  provider: openai
  model: gpt-4o-mini
  batch_concurrency: 2
cache:
  ttl: 1h
  max_size: 50
`)
	t.Setenv("PORT", "9191")
	t.Setenv("CACHE_TTL_MS", "60000")
	t.Setenv("OPENAI_API_KEY", "sk-test")
	t.Setenv("FETCH_RETRY_DELAY_MS", "250")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 9191, cfg.Port)
	assert.Equal(t, 5*time.Second, cfg.Fetch.Timeout)
	assert.Equal(t, 250*time.Millisecond, cfg.Fetch.RetryDelay)
	assert.Equal(t, []string{"nfce.example.gov.br"}, cfg.Fetch.AllowedHosts)
	assert.Equal(t, "openai", cfg.AI.Provider)
	assert.Equal(t, "gpt-4o-mini", cfg.AI.Model)
	assert.Equal(t, 2, cfg.AI.BatchConcurrency)
	assert.Equal(t, "sk-test", cfg.AI.OpenAI.APIKey)
	assert.Equal(t, time.Minute, cfg.Cache.TTL)
	assert.Equal(t, 50, cfg.Cache.MaxSize)
	// Untouched sections keep their defaults
	assert.Equal(t, 3, cfg.AI.OverloadRetries)
}

func TestLoad_BadEnvValue(t *testing.T) {
	t.Setenv("CACHE_MAX_SIZE", "lots")
	_, err := Load("")
	assert.ErrorContains(t, err, "CACHE_MAX_SIZE")
}

func TestLoad_BadYAML(t *testing.T) {
	_, err := Load(writeConfig(t, "port: [not a number"))
	assert.ErrorContains(t, err, "failed to parse config")
}

func TestValidate(t *testing.T) {
	cfg := Default()
	require.NoError(t, Validate(cfg))

	cfg.AI.Provider = "claude"
	cfg.Cache.MaxSize = 0
	cfg.Fetch.Timeout = 0
	err := Validate(cfg)
	require.Error(t, err)
	assert.ErrorContains(t, err, "ai.provider")
	assert.ErrorContains(t, err, "cache.max_size")
	assert.ErrorContains(t, err, "fetch.timeout")
}
