package fetcher

import (
	"net/url"
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"

	apperrors "github.com/facturaIA/nfce-invoice-parser/internal/errors"
	"github.com/facturaIA/nfce-invoice-parser/internal/models"
)

var (
	consecutiveKey = regexp.MustCompile(`(?:^|\D)(\d{44})(?:\D|$)`)
	groupedKey     = regexp.MustCompile(`\d{4}(?:\s\d{4}){10}`)
	nonDigits      = regexp.MustCompile(`\D`)
)

// Elements portals use to render the access key.
const keySelector = ".chave, #chave, span.chave, [id*='chave'], [class*='chave']"

type keyPattern func(html string) (string, bool)

// Tried in order; the first hit wins.
var keyPatterns = []keyPattern{
	keyFromConsecutiveDigits,
	keyFromGroupedDigits,
	keyFromKeyElement,
}

// ExtractKeyFromHTML returns the access key found in html, or "" when no pattern matches.
func ExtractKeyFromHTML(html string) string {
	for _, pattern := range keyPatterns {
		if key, ok := pattern(html); ok {
			return key
		}
	}
	return ""
}

func keyFromConsecutiveDigits(html string) (string, bool) {
	m := consecutiveKey.FindStringSubmatch(html)
	if m == nil {
		return "", false
	}
	return m[1], true
}

func keyFromGroupedDigits(html string) (string, bool) {
	m := groupedKey.FindString(html)
	if m == "" {
		return "", false
	}
	key := strings.Join(strings.Fields(m), "")
	return key, IsValidKey(key)
}

func keyFromKeyElement(html string) (string, bool) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return "", false
	}
	var key string
	doc.Find(keySelector).EachWithBreak(func(_ int, s *goquery.Selection) bool {
		digits := nonDigits.ReplaceAllString(s.Text(), "")
		if IsValidKey(digits) {
			key = digits
			return false
		}
		return true
	})
	return key, key != ""
}

// IsValidKey reports whether s is exactly 44 digits
func IsValidKey(s string) bool {
	if len(s) != models.AccessKeyLength {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

// ExtractKeyFromURL reads the key from a QR-code URL (p=KEY|version|...) or, failing that,
// from any 44-digit run in the URL.
func ExtractKeyFromURL(rawURL string) string {
	if u, err := url.Parse(rawURL); err == nil {
		q := u.Query()
		for _, param := range []string{"p", "chNFe", "chave"} {
			if key := keyFromQRPayload(q.Get(param)); key != "" {
				return key
			}
		}
	}
	key, _ := keyFromConsecutiveDigits(rawURL)
	return key
}

func keyFromQRPayload(payload string) string {
	first, _, _ := strings.Cut(strings.TrimSpace(payload), "|")
	first = strings.Join(strings.Fields(first), "")
	if IsValidKey(first) {
		return first
	}
	return ""
}

// Target is what an input resolves to before anything is fetched. Key is empty when the
// input is a portal URL that does not carry it; the key then comes from the fetched page.
type Target struct {
	Key string
	URL string
}

// ResolveInput accepts a bare key (spaces allowed), a raw QR payload (KEY|2|1|...) or a
// portal URL.
func ResolveInput(input string) (Target, error) {
	input = strings.TrimSpace(input)
	if input == "" {
		return Target{}, apperrors.New(apperrors.KeyNotFound, "empty input")
	}

	if compact := strings.Join(strings.Fields(input), ""); IsValidKey(compact) {
		return Target{Key: compact, URL: BuildURLFromKey(compact)}, nil
	}

	if _, ok := hostOf(input); ok {
		return Target{Key: ExtractKeyFromURL(input), URL: input}, nil
	}

	if key := keyFromQRPayload(input); key != "" {
		return Target{Key: key, URL: BuildURLFromKey(key)}, nil
	}

	return Target{}, apperrors.New(apperrors.KeyNotFound, "input is neither an access key, a QR payload nor a portal URL").
		WithDetail("input", truncateInput(input))
}

func truncateInput(s string) string {
	const max = 120
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}
