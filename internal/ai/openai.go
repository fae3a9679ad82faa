package ai

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net/http"

	"github.com/sashabaranov/go-openai"
)

// Above this the chat completions API rejects max_tokens for most models.
const openAIMaxOutputTokens = 16384

// openAIProvider talks to OpenAI or any OpenAI-compatible endpoint (Ollama /v1).
type openAIProvider struct {
	kind   Kind
	client *openai.Client
}

func newOpenAIProvider(kind Kind, apiKey, baseURL string) *openAIProvider {
	config := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		config.BaseURL = baseURL
	}
	return &openAIProvider{
		kind:   kind,
		client: openai.NewClientWithConfig(config),
	}
}

func (p *openAIProvider) Kind() Kind { return p.kind }

func (p *openAIProvider) sealed() {}

func (p *openAIProvider) Close() error { return nil }

// Generate puts the static prompt in the system message. OpenAI caches identical prompt
// prefixes automatically, so keeping it first is all the hint the API needs.
func (p *openAIProvider) Generate(ctx context.Context, req Request) (*Response, error) {
	temperature := req.Temperature
	if temperature == 0 {
		// Zero is dropped by omitempty and the server default (1) would apply.
		temperature = math.SmallestNonzeroFloat32
	}
	maxTokens := req.MaxOutputTokens
	if maxTokens <= 0 || maxTokens > openAIMaxOutputTokens {
		maxTokens = openAIMaxOutputTokens
	}

	chatReq := openai.ChatCompletionRequest{
		Model: req.Model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: req.StaticPrompt},
			{Role: openai.ChatMessageRoleUser, Content: req.VariablePrompt},
		},
		Temperature: temperature,
		MaxTokens:   maxTokens,
		ResponseFormat: &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONObject,
		},
	}

	resp, err := p.client.CreateChatCompletion(ctx, chatReq)
	if err != nil {
		return nil, classifyOpenAIError(p.kind, err)
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("%s returned no choices", p.kind)
	}

	choice := resp.Choices[0]
	return &Response{
		Text:         choice.Message.Content,
		InputTokens:  resp.Usage.PromptTokens,
		OutputTokens: resp.Usage.CompletionTokens,
		Truncated:    choice.FinishReason == openai.FinishReasonLength,
	}, nil
}

func classifyOpenAIError(kind Kind, err error) error {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		if apiErr.HTTPStatusCode == http.StatusServiceUnavailable || isOverloadMessage(apiErr.Message) {
			return fmt.Errorf("%w: %v", ErrOverloaded, err)
		}
		return fmt.Errorf("%s API error %d: %w", kind, apiErr.HTTPStatusCode, err)
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) && reqErr.HTTPStatusCode == http.StatusServiceUnavailable {
		return fmt.Errorf("%w: %v", ErrOverloaded, err)
	}
	return fmt.Errorf("%s request failed: %w", kind, err)
}
