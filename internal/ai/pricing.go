package ai

import (
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// DefaultPricingModel prices any model missing from the table.
const DefaultPricingModel = "gemini-2.5-flash"

// Price is USD per million tokens
type Price struct {
	Input  float64
	Output float64
}

// priceOf is the static price table. Unknown models report ok=false.
func priceOf(model string) (Price, bool) {
	switch strings.ToLower(model) {
	case "gemini-2.5-flash":
		return Price{Input: 0.30, Output: 2.50}, true
	case "gemini-2.5-flash-lite":
		return Price{Input: 0.10, Output: 0.40}, true
	case "gemini-2.5-pro":
		return Price{Input: 1.25, Output: 10.00}, true
	case "gemini-2.0-flash":
		return Price{Input: 0.10, Output: 0.40}, true
	case "gemini-1.5-flash":
		return Price{Input: 0.075, Output: 0.30}, true
	case "gpt-4o":
		return Price{Input: 2.50, Output: 10.00}, true
	case "gpt-4o-mini":
		return Price{Input: 0.15, Output: 0.60}, true
	case "gpt-4.1":
		return Price{Input: 2.00, Output: 8.00}, true
	case "gpt-4.1-mini":
		return Price{Input: 0.40, Output: 1.60}, true
	}
	return Price{}, false
}

// PriceFor returns the model's price, falling back to DefaultPricingModel. The second
// value names the model whose price was used.
func PriceFor(model string) (Price, string) {
	if p, ok := priceOf(model); ok {
		return p, model
	}
	p, _ := priceOf(DefaultPricingModel)
	return p, DefaultPricingModel
}

// EstimateCost returns the USD cost of a call
func EstimateCost(model string, inputTokens, outputTokens int) float64 {
	p, _ := PriceFor(model)
	return (float64(inputTokens)*p.Input + float64(outputTokens)*p.Output) / 1_000_000
}

// EstimateTokens approximates a token count when the provider reports none (~4 chars per token)
func EstimateTokens(text string) int {
	return (len(text) + 3) / 4
}

var (
	tokensTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "nfce_ai_tokens_total",
		Help: "Tokens sent to and received from AI providers",
	}, []string{"model", "direction"})

	costTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "nfce_ai_cost_usd_total",
		Help: "Estimated AI spend in USD",
	}, []string{"model"})

	callsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "nfce_ai_calls_total",
		Help: "AI provider calls by outcome",
	}, []string{"model", "outcome"})
)
