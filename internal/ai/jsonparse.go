package ai

import (
	"bytes"
	"encoding/json"
	"regexp"
	"strings"

	apperrors "github.com/facturaIA/nfce-invoice-parser/internal/errors"
	"github.com/facturaIA/nfce-invoice-parser/internal/logger"
)

// Characters kept from each end of an unparseable response.
const excerptLen = 200

// jsonStrategy turns raw model output into a JSON object, or reports that it could not.
type jsonStrategy struct {
	name    string
	extract func(text string) (json.RawMessage, bool)
}

// Tried in order; the first strategy that yields a JSON object wins.
var jsonStrategies = []jsonStrategy{
	{"direct", directJSON},
	{"strip_fences", fencedJSON},
	{"brace_span", braceSpanJSON},
	{"strip_prefix", prefixedJSON},
}

var (
	fence        = string([]byte{96, 96, 96})
	fenceBlock   = regexp.MustCompile("(?s)" + fence + `[a-zA-Z]*\s*(.*?)\s*` + fence)
	braceSpan    = regexp.MustCompile(`(?s)\{.*\}`)
	answerPrefix = regexp.MustCompile(`(?is)^\s*(?:here\s+is\s+the\s+json|here's\s+the\s+json|aqui\s+esta\s+o\s+json|segue\s+o\s+json|resposta|json|output|saida)\s*:?\s*`)
)

func asObject(text string) (json.RawMessage, bool) {
	trimmed := bytes.TrimSpace([]byte(text))
	if len(trimmed) == 0 || trimmed[0] != '{' || !json.Valid(trimmed) {
		return nil, false
	}
	return json.RawMessage(trimmed), true
}

func directJSON(text string) (json.RawMessage, bool) {
	return asObject(text)
}

func fencedJSON(text string) (json.RawMessage, bool) {
	if m := fenceBlock.FindStringSubmatch(text); m != nil {
		return asObject(m[1])
	}
	cleaned := strings.ReplaceAll(text, fence+"json", "")
	cleaned = strings.ReplaceAll(cleaned, fence, "")
	return asObject(cleaned)
}

func braceSpanJSON(text string) (json.RawMessage, bool) {
	return asObject(braceSpan.FindString(text))
}

func prefixedJSON(text string) (json.RawMessage, bool) {
	return asObject(answerPrefix.ReplaceAllString(text, ""))
}

// extractJSON runs the strategies in order and returns the first JSON object found
// along with the name of the strategy that produced it.
func extractJSON(text string) (json.RawMessage, string, error) {
	for _, s := range jsonStrategies {
		if raw, ok := s.extract(text); ok {
			return raw, s.name, nil
		}
	}
	head, tail := excerpts(text)
	return nil, "", apperrors.New(apperrors.AIParseFailed, "AI response is not valid JSON").
		WithDetail("responseLength", len(text)).
		WithDetail("head", head).
		WithDetail("tail", tail)
}

// decodeResponse extracts the JSON object from text and decodes it into v, keeping
// numbers as json.Number.
func decodeResponse(text string, v interface{}) (string, error) {
	raw, strategy, err := extractJSON(text)
	if err != nil {
		return "", err
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(v); err != nil {
		head, tail := excerpts(text)
		return "", apperrors.Wrap(err, apperrors.AIParseFailed, "AI response does not match the expected structure").
			WithDetail("strategy", strategy).
			WithDetail("head", head).
			WithDetail("tail", tail)
	}
	return strategy, nil
}

func excerpts(text string) (string, string) {
	return logger.HeadTail(text, excerptLen)
}

// excerptForLog is the single-string form used in log lines
func excerptForLog(text string) string {
	return logger.Excerpt(text, excerptLen)
}
