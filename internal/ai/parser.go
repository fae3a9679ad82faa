// Package ai turns NFC-e HTML and scraped item rows into structured data with an LLM.
// Prompts are split into a static prefix and a variable payload, item rows are sent in
// fixed-size batches, and model output goes through a chain of JSON recovery strategies.
package ai

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	apperrors "github.com/facturaIA/nfce-invoice-parser/internal/errors"
	"github.com/facturaIA/nfce-invoice-parser/internal/logger"
	"github.com/facturaIA/nfce-invoice-parser/internal/models"
)

const (
	DefaultModel           = "gemini-2.5-flash"
	DefaultMaxTokens       = 1_000_000
	DefaultBatchSize       = 30
	DefaultOverloadRetries = 3
	DefaultRetryBaseDelay  = 2 * time.Second
)

// Parser runs the metadata and item passes against one provider
type Parser struct {
	provider Provider
	cfg      models.AIConfig
	limiter  *rate.Limiter
	log      *zap.SugaredLogger
}

// NewParser wraps provider. Zero values in cfg take the package defaults.
func NewParser(provider Provider, cfg models.AIConfig) *Parser {
	if cfg.Model == "" {
		cfg.Model = DefaultModel
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = DefaultMaxTokens
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultBatchSize
	}
	if cfg.BatchConcurrency <= 0 {
		cfg.BatchConcurrency = 1
	}
	if cfg.OverloadRetries <= 0 {
		cfg.OverloadRetries = DefaultOverloadRetries
	}
	if cfg.RetryBaseDelay <= 0 {
		cfg.RetryBaseDelay = DefaultRetryBaseDelay
	}

	p := &Parser{
		provider: provider,
		cfg:      cfg,
		log:      logger.Named("ai").With("provider", string(provider.Kind()), "model", cfg.Model),
	}
	if cfg.RequestsPerSec > 0 {
		p.limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSec), 1)
	}
	return p
}

// ParseMetadata extracts merchant, invoice header and totals from HTML whose items table
// has already been removed.
func (p *Parser) ParseMetadata(ctx context.Context, html string) (*Metadata, error) {
	prompt := BuildMetadataPrompt(html)
	resp, err := p.generate(ctx, prompt, "metadata")
	if err != nil {
		return nil, err
	}

	var meta Metadata
	strategy, err := decodeResponse(resp.Text, &meta)
	if err != nil {
		p.logParseFailure("metadata", resp, err)
		return nil, err
	}
	p.log.Debugw("Metadata parsed", "strategy", strategy)
	return &meta, nil
}

// ParseItemsBatch converts one batch of raw rows. batchIndex only labels logs and prompts.
func (p *Parser) ParseItemsBatch(ctx context.Context, batch []models.RawItem, batchIndex, batchCount int) ([]Item, error) {
	if len(batch) == 0 {
		return nil, nil
	}
	prompt, err := BuildItemsPrompt(batch, batchIndex, batchCount)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.AIParseFailed, "failed to build items prompt")
	}

	label := fmt.Sprintf("items[%d/%d]", batchIndex+1, batchCount)
	resp, err := p.generate(ctx, prompt, label)
	if err != nil {
		return nil, err
	}

	var env itemsEnvelope
	strategy, err := decodeResponse(resp.Text, &env)
	if err != nil {
		p.logParseFailure(label, resp, err)
		return nil, err
	}
	applyItemDefaults(env.Items)

	p.log.Debugw("Item batch parsed", "batch", label, "rows", len(batch), "items", len(env.Items), "strategy", strategy)
	return env.Items, nil
}

// ParseItems splits rows into batches of BatchSize, runs up to BatchConcurrency batches at
// once and concatenates results in batch order before coalescing repeated lines.
// The first failing batch fails the whole pass.
func (p *Parser) ParseItems(ctx context.Context, rows []models.RawItem) ([]Item, error) {
	batches := chunk(rows, p.cfg.BatchSize)
	if len(batches) == 0 {
		return nil, nil
	}

	results := make([][]Item, len(batches))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.cfg.BatchConcurrency)
	for i, batch := range batches {
		g.Go(func() error {
			items, err := p.ParseItemsBatch(gctx, batch, i, len(batches))
			if err != nil {
				return err
			}
			results[i] = items
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	var all []Item
	for _, items := range results {
		all = append(all, items...)
	}
	merged := coalesceItems(all)
	if len(merged) != len(all) {
		p.log.Infow("Coalesced repeated item lines", "before", len(all), "after", len(merged))
	}
	return merged, nil
}

func chunk(rows []models.RawItem, size int) [][]models.RawItem {
	var out [][]models.RawItem
	for start := 0; start < len(rows); start += size {
		end := start + size
		if end > len(rows) {
			end = len(rows)
		}
		out = append(out, rows[start:end])
	}
	return out
}

// generate calls the provider, retrying overload answers with exponential backoff
// (RetryBaseDelay, doubling). Any other failure is returned at once.
func (p *Parser) generate(ctx context.Context, prompt Prompt, label string) (*Response, error) {
	req := Request{
		Model:           p.cfg.Model,
		StaticPrompt:    prompt.Static,
		VariablePrompt:  prompt.Variable,
		Temperature:     p.cfg.Temperature,
		MaxOutputTokens: p.cfg.MaxTokens,
	}

	var (
		resp     *Response
		attempts int
	)
	operation := func() error {
		if p.limiter != nil {
			if err := p.limiter.Wait(ctx); err != nil {
				return backoff.Permanent(err)
			}
		}
		attempts++
		r, err := p.provider.Generate(ctx, req)
		if err != nil {
			if errors.Is(err, ErrOverloaded) {
				return err
			}
			return backoff.Permanent(err)
		}
		resp = r
		return nil
	}

	expo := backoff.NewExponentialBackOff()
	expo.InitialInterval = p.cfg.RetryBaseDelay
	expo.Multiplier = 2
	expo.RandomizationFactor = 0
	expo.MaxInterval = time.Duration(math.MaxInt64)
	expo.MaxElapsedTime = 0
	policy := backoff.WithContext(backoff.WithMaxRetries(expo, uint64(p.cfg.OverloadRetries)), ctx)

	notify := func(err error, wait time.Duration) {
		p.log.Warnw("AI provider overloaded, retrying", "call", label, "attempt", attempts, "wait", wait, "error", err)
	}

	if err := backoff.RetryNotify(operation, policy, notify); err != nil {
		callsTotal.WithLabelValues(p.cfg.Model, "error").Inc()
		if ctx.Err() != nil {
			return nil, apperrors.Wrap(ctx.Err(), apperrors.TimedOut, "AI call cancelled").
				WithDetail("call", label)
		}
		msg := "AI provider call failed"
		if errors.Is(err, ErrOverloaded) {
			msg = "AI provider still overloaded after retries"
		}
		return nil, apperrors.Wrap(err, apperrors.AIParseFailed, msg).
			WithDetail("call", label).
			WithDetail("attempts", attempts)
	}

	callsTotal.WithLabelValues(p.cfg.Model, "ok").Inc()
	p.recordUsage(req, resp, label)
	if resp.Truncated {
		p.log.Warnw("AI response hit the max token limit", "call", label, "outputTokens", resp.OutputTokens)
	}
	return resp, nil
}

// recordUsage logs token counts and cost. It never fails the call.
func (p *Parser) recordUsage(req Request, resp *Response, label string) {
	in, out := resp.InputTokens, resp.OutputTokens
	estimated := false
	if in == 0 && out == 0 {
		in = EstimateTokens(req.StaticPrompt) + EstimateTokens(req.VariablePrompt)
		out = EstimateTokens(resp.Text)
		estimated = true
	}
	_, pricedAs := PriceFor(req.Model)
	cost := EstimateCost(req.Model, in, out)

	tokensTotal.WithLabelValues(req.Model, "input").Add(float64(in))
	tokensTotal.WithLabelValues(req.Model, "output").Add(float64(out))
	costTotal.WithLabelValues(req.Model).Add(cost)

	p.log.Infow("AI call completed",
		"call", label,
		"inputTokens", in,
		"outputTokens", out,
		"cachedTokens", resp.CachedTokens,
		"estimatedTokens", estimated,
		"pricedAs", pricedAs,
		"costUSD", cost,
	)
}

func (p *Parser) logParseFailure(label string, resp *Response, err error) {
	p.log.Errorw("Could not parse AI response",
		"call", label,
		"truncated", resp.Truncated,
		"excerpt", excerptForLog(resp.Text),
		"error", err,
	)
	if pe, ok := apperrors.As(err); ok && resp.Truncated {
		pe.WithDetail("truncated", true)
	}
}
