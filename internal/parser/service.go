// Package parser runs the end-to-end NFC-e pipeline: resolve the input to an access key,
// consult the cache, fetch the portal page, scrape item rows, parse them with the AI
// stage, validate and cache the result.
package parser

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/facturaIA/nfce-invoice-parser/internal/ai"
	"github.com/facturaIA/nfce-invoice-parser/internal/cache"
	apperrors "github.com/facturaIA/nfce-invoice-parser/internal/errors"
	"github.com/facturaIA/nfce-invoice-parser/internal/extractor"
	"github.com/facturaIA/nfce-invoice-parser/internal/fetcher"
	"github.com/facturaIA/nfce-invoice-parser/internal/logger"
	"github.com/facturaIA/nfce-invoice-parser/internal/models"
	"github.com/facturaIA/nfce-invoice-parser/internal/services"
)

// DefaultCacheTTL applies when the service is built with a zero TTL
const DefaultCacheTTL = 24 * time.Hour

// HTMLFetcher downloads a portal page
type HTMLFetcher interface {
	FetchHTML(ctx context.Context, url string) (string, error)
}

// InvoiceAI is the AI stage: a batched item pass and a metadata pass
type InvoiceAI interface {
	ParseItems(ctx context.Context, rows []models.RawItem) ([]ai.Item, error)
	ParseMetadata(ctx context.Context, html string) (*ai.Metadata, error)
}

// DuplicateChecker reports whether an owner already imported an invoice
type DuplicateChecker interface {
	Exists(ctx context.Context, ownerID, key string) (bool, error)
}

// Archiver keeps the fetched HTML for audit and replay
type Archiver interface {
	Archive(ctx context.Context, ownerID, key, html string) (string, error)
}

// Request is one parse call. Input is an access key, a QR payload or a portal URL.
type Request struct {
	Input        string `json:"input"`
	OwnerID      string `json:"-"`
	ForceRefresh bool   `json:"forceRefresh"`
}

// Service is the invoice parser. It is safe for concurrent use.
type Service struct {
	fetcher    HTMLFetcher
	extractor  *extractor.Extractor
	ai         InvoiceAI
	validator  *services.InvoiceValidator
	cache      cache.Store[models.ParsedInvoice]
	duplicates DuplicateChecker
	archiver   Archiver
	ttl        time.Duration
	log        *zap.SugaredLogger
}

// Option configures optional collaborators
type Option func(*Service)

// WithDuplicateChecker enables the already-imported check for requests carrying an owner
func WithDuplicateChecker(d DuplicateChecker) Option {
	return func(s *Service) { s.duplicates = d }
}

// WithArchiver stores the fetched HTML after every successful parse
func WithArchiver(a Archiver) Option {
	return func(s *Service) { s.archiver = a }
}

// WithCacheTTL overrides DefaultCacheTTL
func WithCacheTTL(ttl time.Duration) Option {
	return func(s *Service) {
		if ttl > 0 {
			s.ttl = ttl
		}
	}
}

// NewService wires the pipeline
func NewService(f HTMLFetcher, parser InvoiceAI, store cache.Store[models.ParsedInvoice], opts ...Option) *Service {
	s := &Service{
		fetcher:   f,
		extractor: extractor.New(),
		ai:        parser,
		validator: services.NewInvoiceValidator(),
		cache:     store,
		ttl:       DefaultCacheTTL,
		log:       logger.Named("parser"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Parse runs the pipeline. It never returns a Go error: every failure is reported in the
// response with its error kind.
func (s *Service) Parse(ctx context.Context, req Request) (resp models.ServiceResponse[models.ParsedInvoice]) {
	start := time.Now()
	log := s.log.With("requestId", uuid.NewString())

	defer func() {
		if r := recover(); r != nil {
			log.Errorw("Pipeline panicked", "panic", r)
			resp = s.fail(log, apperrors.New(apperrors.ParseFailed, fmt.Sprint(r)))
		}
		observe(resp, time.Since(start))
	}()

	inv, meta, err := s.run(ctx, log, req)
	if err != nil {
		return s.fail(log, err)
	}
	log.Infow("Invoice parsed",
		"key", meta.Key,
		"fromCache", meta.FromCache,
		"items", len(inv.Items),
		"duration", time.Since(start),
	)
	return models.Succeed(inv, meta)
}

func (s *Service) run(ctx context.Context, log *zap.SugaredLogger, req Request) (*models.ParsedInvoice, models.CacheMetadata, error) {
	var none models.CacheMetadata

	// 1. Input to key
	target, err := fetcher.ResolveInput(req.Input)
	if err != nil {
		return nil, none, err
	}
	var html string
	if target.Key == "" {
		// The URL does not carry the key; the page has to be fetched to find it.
		if html, err = s.fetcher.FetchHTML(ctx, target.URL); err != nil {
			return nil, none, err
		}
		target.Key = fetcher.ExtractKeyFromHTML(html)
		if target.Key == "" {
			return nil, none, apperrors.New(apperrors.KeyNotFound, "no access key found in the portal page").
				WithDetail("url", target.URL)
		}
	}
	key := target.Key
	log = log.With("key", key)

	// 2. Cache
	if !req.ForceRefresh {
		hit, err := s.cache.Lookup(ctx, key)
		if err != nil {
			log.Warnw("Cache lookup failed, parsing anyway", "error", err)
		} else if hit.FromCache {
			inv := hit.Data
			return &inv, models.CacheMetadata{Key: key, FromCache: true, CachedAt: hit.CachedAt}, nil
		}
	}

	// 3. Duplicates
	if s.duplicates != nil && req.OwnerID != "" {
		exists, err := s.duplicates.Exists(ctx, req.OwnerID, key)
		if err != nil {
			return nil, none, apperrors.Wrap(err, apperrors.ParseFailed, "duplicate check failed")
		}
		if exists {
			return nil, none, apperrors.New(apperrors.DuplicateInvoice, "invoice already imported").
				WithDetail("key", key)
		}
	}

	// 4. Fetch
	if html == "" {
		if html, err = s.fetcher.FetchHTML(ctx, target.URL); err != nil {
			return nil, none, err
		}
	}

	// 5. Structural scrape
	rows := s.extractor.ExtractRawItems(html)
	log.Debugw("Item rows scraped", "rows", len(rows))

	// 6. AI passes, items first
	items, err := s.ai.ParseItems(ctx, rows)
	if err != nil {
		return nil, none, err
	}
	metadata, err := s.ai.ParseMetadata(ctx, s.extractor.StripItemsTable(html))
	if err != nil {
		return nil, none, err
	}

	// 7. Merge and shape check
	ext := ai.Merge(metadata, items)
	if err := ai.ValidateResponse(ext); err != nil {
		return nil, none, err
	}
	inv := ext.ToInvoice(key, target.URL, html)

	// 8. Business rules
	s.validator.Normalize(inv)
	result := s.validator.Validate(inv)
	if !result.Valid {
		return nil, none, apperrors.New(apperrors.ValidationFailed, "invoice failed validation").
			WithDetail("errors", result.Messages()).
			WithDetail("computed", result.Computed)
	}
	if result.NeedsReview {
		log.Warnw("Invoice parsed with warnings", "warnings", result.Warnings)
	}

	// 9. Archive and cache
	inv.SnapshotObject = s.archive(ctx, log, req.OwnerID, key, html)
	cachedAt := time.Now().UTC()
	if err := s.cache.Put(ctx, key, *inv, s.ttl); err != nil {
		log.Warnw("Failed to cache parsed invoice", "error", err)
	}

	return inv, models.CacheMetadata{Key: key, FromCache: false, CachedAt: &cachedAt}, nil
}

// archive is best-effort: a failure is logged and yields an empty object path
func (s *Service) archive(ctx context.Context, log *zap.SugaredLogger, ownerID, key, html string) string {
	if s.archiver == nil {
		return ""
	}
	object, err := s.archiver.Archive(ctx, ownerID, key, html)
	if err != nil {
		log.Warnw("Failed to archive invoice HTML", "error", err)
		return ""
	}
	log.Debugw("Invoice HTML archived", "object", object)
	return object
}

// fail converts any error into a failure response. Errors without a kind become PARSE_ERROR
// carrying the original message.
func (s *Service) fail(log *zap.SugaredLogger, err error) models.ServiceResponse[models.ParsedInvoice] {
	pe, ok := apperrors.As(err)
	if !ok {
		pe = apperrors.Wrap(err, apperrors.ParseFailed, err.Error())
	}

	details := make(map[string]interface{}, len(pe.Details)+1)
	for k, v := range pe.Details {
		details[k] = v
	}
	if pe.Raw != nil && pe.Raw.Error() != pe.Message {
		details["cause"] = pe.Raw.Error()
	}
	if len(details) == 0 {
		details = nil
	}

	log.Warnw("Invoice parse failed", "kind", pe.Kind, "message", pe.Message, "details", details)
	return models.Fail[models.ParsedInvoice](pe.Message, string(pe.Kind), details)
}

// InvalidateCache drops one parsed invoice from the cache
func (s *Service) InvalidateCache(ctx context.Context, key string) error {
	return s.cache.Delete(ctx, key)
}

// ClearCache drops every parsed invoice from the cache
func (s *Service) ClearCache(ctx context.Context) error {
	return s.cache.Purge(ctx)
}

// CacheStats reports the cache counters
func (s *Service) CacheStats(ctx context.Context) (cache.Stats, error) {
	return s.cache.Stats(ctx)
}

// Cached returns the cached invoice for key, if any
func (s *Service) Cached(ctx context.Context, key string) (*models.ParsedInvoice, bool, error) {
	hit, err := s.cache.Lookup(ctx, key)
	if err != nil || !hit.FromCache {
		return nil, false, err
	}
	inv := hit.Data
	return &inv, true, nil
}
