// Package fetcher downloads NFC-e pages from the state tax portals and locates the
// 44-digit access key in URLs, QR payloads and HTML.
package fetcher

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
	"golang.org/x/net/html/charset"

	apperrors "github.com/facturaIA/nfce-invoice-parser/internal/errors"
	"github.com/facturaIA/nfce-invoice-parser/internal/logger"
	"github.com/facturaIA/nfce-invoice-parser/internal/models"
)

const (
	DefaultTimeout       = 15 * time.Second
	DefaultMaxRedirects  = 3
	DefaultRetryAttempts = 1
	DefaultRetryDelay    = 500 * time.Millisecond
	DefaultMaxHTMLBytes  = 5 * 1024 * 1024

	userAgent      = "Mozilla/5.0 (compatible; nfce-invoice-parser/1.0; +https://github.com/facturaIA/nfce-invoice-parser)"
	acceptLanguage = "pt-BR,pt;q=0.9,en;q=0.5"
)

var (
	errTooManyRedirects   = errors.New("too many redirects")
	errRedirectNotAllowed = errors.New("redirect to a host outside the portal allow-list")
)

// Fetcher downloads portal HTML with a per-attempt timeout and linear retry backoff.
type Fetcher struct {
	cfg     models.FetchConfig
	client  *http.Client
	allowed map[string]struct{}
	log     *zap.SugaredLogger
}

// New creates a Fetcher. A zero Timeout or MaxHTMLBytes takes the package default, as
// does any negative setting. A zero RetryDelay retries at once.
func New(cfg models.FetchConfig) *Fetcher {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.MaxRedirects < 0 {
		cfg.MaxRedirects = DefaultMaxRedirects
	}
	if cfg.RetryAttempts < 0 {
		cfg.RetryAttempts = DefaultRetryAttempts
	}
	if cfg.RetryDelay < 0 {
		cfg.RetryDelay = DefaultRetryDelay
	}
	if cfg.MaxHTMLBytes <= 0 {
		cfg.MaxHTMLBytes = DefaultMaxHTMLBytes
	}

	allowed := make(map[string]struct{}, len(knownHosts)+len(cfg.AllowedHosts))
	for h := range knownHosts {
		allowed[h] = struct{}{}
	}
	for _, h := range cfg.AllowedHosts {
		allowed[strings.ToLower(strings.TrimSpace(h))] = struct{}{}
	}

	f := &Fetcher{
		cfg:     cfg,
		allowed: allowed,
		log:     logger.Named("fetcher"),
	}
	f.client = &http.Client{CheckRedirect: f.checkRedirect}
	return f
}

// checkRedirect caps the hop count and keeps every hop on an allowed portal host.
func (f *Fetcher) checkRedirect(req *http.Request, via []*http.Request) error {
	if len(via) > f.cfg.MaxRedirects {
		return errTooManyRedirects
	}
	if !f.IsKnownPortal(req.URL.String()) {
		f.log.Warnw("Blocked redirect to host outside the allow-list", "target", req.URL.Host)
		return errRedirectNotAllowed
	}
	return nil
}

// IsKnownPortal reports whether rawURL may be fetched, counting configured extra hosts.
func (f *Fetcher) IsKnownPortal(rawURL string) bool {
	host, ok := hostOf(rawURL)
	if !ok {
		return false
	}
	_, allowed := f.allowed[host]
	return allowed
}

// FetchHTML downloads rawURL. Network failures and timeouts are retried RetryAttempts times
// waiting RetryDelay*attempt in between; every other failure is returned at once.
func (f *Fetcher) FetchHTML(ctx context.Context, rawURL string) (string, error) {
	if !f.IsKnownPortal(rawURL) {
		return "", apperrors.New(apperrors.FetchFailed, "host is not an allowed invoice portal").
			WithDetail("url", rawURL)
	}

	var (
		html    string
		attempt int
		lastErr error
	)
	operation := func() error {
		attempt++
		body, err := f.fetchOnce(ctx, rawURL)
		if err != nil {
			lastErr = err
			if apperrors.Retryable(err) {
				return err
			}
			return backoff.Permanent(err)
		}
		html = body
		return nil
	}

	policy := backoff.WithContext(
		backoff.WithMaxRetries(&linearBackOff{step: f.cfg.RetryDelay}, uint64(f.cfg.RetryAttempts)),
		ctx,
	)
	notify := func(err error, wait time.Duration) {
		f.log.Warnw("Portal fetch failed, retrying",
			"url", rawURL, "attempt", attempt, "wait", wait, "error", err)
	}

	err := backoff.RetryNotify(operation, policy, notify)
	if err == nil {
		f.log.Debugw("Fetched portal page", "url", rawURL, "bytes", len(html), "attempts", attempt)
		return html, nil
	}

	if pe, ok := apperrors.As(err); ok {
		if apperrors.Retryable(pe) {
			pe.WithDetail("attempts", attempt)
		}
		return "", pe
	}
	// Caller context ended between attempts.
	if lastErr != nil {
		if pe, ok := apperrors.As(lastErr); ok {
			return "", pe.WithDetail("attempts", attempt)
		}
	}
	return "", apperrors.Wrap(err, apperrors.TimedOut, "fetch cancelled").WithDetail("attempts", attempt)
}

func (f *Fetcher) fetchOnce(ctx context.Context, rawURL string) (string, error) {
	attemptCtx, cancel := context.WithTimeout(ctx, f.cfg.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(attemptCtx, http.MethodGet, rawURL, nil)
	if err != nil {
		return "", apperrors.Wrap(err, apperrors.FetchFailed, "invalid portal URL")
	}
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Accept-Language", acceptLanguage)
	req.Header.Set("Accept", "text/html,application/xhtml+xml")

	resp, err := f.client.Do(req)
	if err != nil {
		return "", classifyTransportError(attemptCtx, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 64*1024))
		return "", apperrors.New(apperrors.FetchFailed, fmt.Sprintf("portal returned HTTP %d", resp.StatusCode)).
			WithDetail("status", resp.StatusCode)
	}

	if resp.ContentLength > f.cfg.MaxHTMLBytes {
		return "", apperrors.New(apperrors.FetchFailed, "response exceeds maximum HTML size").
			WithDetail("contentLength", resp.ContentLength).
			WithDetail("limit", f.cfg.MaxHTMLBytes)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, f.cfg.MaxHTMLBytes+1))
	if err != nil {
		return "", classifyTransportError(attemptCtx, err)
	}
	if int64(len(body)) > f.cfg.MaxHTMLBytes {
		return "", apperrors.New(apperrors.FetchFailed, "response exceeds maximum HTML size").
			WithDetail("limit", f.cfg.MaxHTMLBytes)
	}

	return decodeBody(body, resp.Header.Get("Content-Type")), nil
}

// decodeBody converts legacy portal encodings (ISO-8859-1 is common) to UTF-8.
// Without a charset in the header or a BOM, a body that is valid UTF-8 is kept as is.
func decodeBody(body []byte, contentType string) string {
	enc, _, certain := charset.DetermineEncoding(body, contentType)
	if !certain && utf8.Valid(body) {
		return string(body)
	}
	decoded, err := enc.NewDecoder().Bytes(body)
	if err != nil {
		return string(body)
	}
	return string(decoded)
}

func classifyTransportError(attemptCtx context.Context, err error) error {
	if errors.Is(err, errTooManyRedirects) {
		return apperrors.Wrap(err, apperrors.FetchFailed, "portal redirected too many times")
	}
	if errors.Is(err, errRedirectNotAllowed) {
		return apperrors.Wrap(err, apperrors.FetchFailed, "portal redirected to a host that is not allowed")
	}
	if errors.Is(attemptCtx.Err(), context.DeadlineExceeded) || errors.Is(err, context.DeadlineExceeded) {
		return apperrors.Wrap(err, apperrors.TimedOut, "portal request timed out")
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return apperrors.Wrap(err, apperrors.TimedOut, "portal request timed out")
	}
	if errors.Is(err, context.Canceled) {
		return apperrors.Wrap(err, apperrors.TimedOut, "portal request cancelled")
	}
	return apperrors.Wrap(err, apperrors.NetworkFailed, "portal request failed")
}

// linearBackOff waits step*n before the n-th retry.
type linearBackOff struct {
	step    time.Duration
	attempt int
}

func (b *linearBackOff) NextBackOff() time.Duration {
	b.attempt++
	return b.step * time.Duration(b.attempt)
}

func (b *linearBackOff) Reset() {
	b.attempt = 0
}
