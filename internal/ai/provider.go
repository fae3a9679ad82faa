package ai

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/facturaIA/nfce-invoice-parser/internal/models"
)

// Kind names a supported AI vendor
type Kind string

const (
	KindGemini Kind = "gemini"
	KindOpenAI Kind = "openai"
	KindOllama Kind = "ollama"
)

// ParseKind maps a config string to a Kind
func ParseKind(s string) (Kind, error) {
	switch k := Kind(strings.ToLower(strings.TrimSpace(s))); k {
	case KindGemini, KindOpenAI, KindOllama:
		return k, nil
	}
	return "", fmt.Errorf("unknown AI provider %q", s)
}

var (
	// ErrOverloaded marks a transient "try again later" answer (HTTP 503 and friends)
	ErrOverloaded = errors.New("ai provider overloaded")
	// ErrTruncated marks output cut off by the max-token limit
	ErrTruncated = errors.New("ai response truncated at max tokens")
)

// Request is one text-generation call. StaticPrompt is identical across calls and is
// always sent ahead of VariablePrompt so providers can reuse their prompt cache.
type Request struct {
	Model           string
	StaticPrompt    string
	VariablePrompt  string
	Temperature     float32
	MaxOutputTokens int
}

// Response is the provider's answer plus token usage when the vendor reports it.
type Response struct {
	Text         string
	InputTokens  int
	OutputTokens int
	CachedTokens int
	Truncated    bool
}

// Provider is implemented only by the vendors in this package; pick one with NewProvider.
type Provider interface {
	Kind() Kind
	Generate(ctx context.Context, req Request) (*Response, error)
	Close() error
	sealed()
}

// NewProvider builds the provider selected by cfg.Provider
func NewProvider(ctx context.Context, cfg models.AIConfig) (Provider, error) {
	kind, err := ParseKind(cfg.Provider)
	if err != nil {
		return nil, err
	}

	switch kind {
	case KindGemini:
		if cfg.Gemini.APIKey == "" {
			return nil, fmt.Errorf("gemini API key is required")
		}
		return newGeminiProvider(ctx, cfg.Gemini.APIKey)
	case KindOpenAI:
		if cfg.OpenAI.APIKey == "" {
			return nil, fmt.Errorf("openai API key is required")
		}
		return newOpenAIProvider(KindOpenAI, cfg.OpenAI.APIKey, cfg.OpenAI.BaseURL), nil
	default:
		baseURL := cfg.Ollama.BaseURL
		if baseURL == "" {
			baseURL = "http://localhost:11434/v1"
		}
		// Ollama ignores the key but the client requires one.
		return newOpenAIProvider(KindOllama, "ollama", baseURL), nil
	}
}

// isOverloadMessage matches vendor wording for a transient capacity problem
func isOverloadMessage(msg string) bool {
	msg = strings.ToLower(msg)
	return strings.Contains(msg, "503") ||
		strings.Contains(msg, "unavailable") ||
		strings.Contains(msg, "overloaded")
}
