package ai

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/google/generative-ai-go/genai"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
)

// Largest output the Gemini API accepts; bigger configured limits are clamped.
const geminiMaxOutputTokens = 65536

type geminiProvider struct {
	client *genai.Client
}

func newGeminiProvider(ctx context.Context, apiKey string) (*geminiProvider, error) {
	client, err := genai.NewClient(ctx, option.WithAPIKey(apiKey))
	if err != nil {
		return nil, fmt.Errorf("failed to create Gemini client: %w", err)
	}
	return &geminiProvider{client: client}, nil
}

func (p *geminiProvider) Kind() Kind { return KindGemini }

func (p *geminiProvider) sealed() {}

func (p *geminiProvider) Close() error {
	return p.client.Close()
}

// Generate sends the static prompt as the system instruction so it forms the cacheable
// prefix of every request; the variable part is the only user content.
func (p *geminiProvider) Generate(ctx context.Context, req Request) (*Response, error) {
	model := p.client.GenerativeModel(req.Model)
	model.SetTemperature(req.Temperature)
	maxTokens := req.MaxOutputTokens
	if maxTokens <= 0 || maxTokens > geminiMaxOutputTokens {
		maxTokens = geminiMaxOutputTokens
	}
	model.SetMaxOutputTokens(int32(maxTokens))
	model.ResponseMIMEType = "application/json"
	if req.StaticPrompt != "" {
		model.SystemInstruction = genai.NewUserContent(genai.Text(req.StaticPrompt))
	}

	resp, err := model.GenerateContent(ctx, genai.Text(req.VariablePrompt))
	if err != nil {
		return nil, classifyGeminiError(err)
	}
	if len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return nil, fmt.Errorf("gemini returned no candidates")
	}

	cand := resp.Candidates[0]
	var text strings.Builder
	for _, part := range cand.Content.Parts {
		if t, ok := part.(genai.Text); ok {
			text.WriteString(string(t))
		}
	}

	out := &Response{
		Text:      text.String(),
		Truncated: cand.FinishReason == genai.FinishReasonMaxTokens,
	}
	if u := resp.UsageMetadata; u != nil {
		out.InputTokens = int(u.PromptTokenCount)
		out.OutputTokens = int(u.CandidatesTokenCount)
		out.CachedTokens = int(u.CachedContentTokenCount)
	}
	return out, nil
}

func classifyGeminiError(err error) error {
	var gerr *googleapi.Error
	if errors.As(err, &gerr) {
		if gerr.Code == http.StatusServiceUnavailable || isOverloadMessage(gerr.Message) {
			return fmt.Errorf("%w: %v", ErrOverloaded, err)
		}
		return fmt.Errorf("gemini API error %d: %w", gerr.Code, err)
	}
	if isOverloadMessage(err.Error()) {
		return fmt.Errorf("%w: %v", ErrOverloaded, err)
	}
	return fmt.Errorf("gemini request failed: %w", err)
}
