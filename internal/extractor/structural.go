// Package extractor scrapes item rows out of NFC-e portal pages without any AI involvement.
// It is best effort: malformed or unfamiliar markup yields fewer rows, never an error.
package extractor

import (
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"go.uber.org/zap"

	"github.com/facturaIA/nfce-invoice-parser/internal/logger"
	"github.com/facturaIA/nfce-invoice-parser/internal/models"
)

// Layout of the SEFAZ NFC-e consultation page shared by most states.
const (
	itemsTableSelector = "table#tabResult"
	itemRowSelector    = "table#tabResult tr"
	descriptionSel     = "span.txtTit"
	codeSel            = "span.RCod"
	quantitySel        = "span.Rqtd"
	unitSel            = "span.RUN"
	unitPriceSel       = "span.RvlUnit"
	totalSel           = "span.valor"
)

var (
	// Brazilian amount: optional R$, "." thousands, "," decimals.
	currencyPattern = regexp.MustCompile(`(?:R\$\s*)?\d+(?:\.\d{3})*,\d{2}`)
	// Looser form for rows with no cents, such as "R$ 10".
	amountPattern   = regexp.MustCompile(`(?:R\$\s*)?\d+(?:\.\d{3})*(?:,\d+)?`)
	quantityPattern = regexp.MustCompile(`(?i)(?:qtde?|quantidade)\.?\s*:?\s*(\d+(?:[.,]\d+)?)`)
	labelPattern    = regexp.MustCompile(`^[^:]*:\s*`)
	whitespace      = regexp.MustCompile(`\s+`)
)

// Extractor pulls raw item candidates from portal HTML
type Extractor struct {
	log *zap.SugaredLogger
}

// New creates an Extractor
func New() *Extractor {
	return &Extractor{log: logger.Named("extractor")}
}

// ExtractRawItems returns the item rows found in html, in page order. The SEFAZ table
// layout is tried first; when it yields nothing every table row holding a currency
// amount is taken instead.
func (e *Extractor) ExtractRawItems(html string) []models.RawItem {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		e.log.Warnw("Could not parse HTML, no items extracted", "error", err)
		return nil
	}

	items := primaryItems(doc)
	strategy := "primary"
	if len(items) == 0 {
		items = fallbackItems(doc)
		strategy = "fallback"
	}

	e.log.Debugw("Structural extraction finished", "strategy", strategy, "items", len(items))
	return items
}

func primaryItems(doc *goquery.Document) []models.RawItem {
	var items []models.RawItem
	doc.Find(itemRowSelector).Each(func(_ int, row *goquery.Selection) {
		if row.Find("th").Length() > 0 {
			return
		}
		desc := clean(row.Find(descriptionSel).First().Text())
		if desc == "" {
			return
		}
		items = append(items, models.RawItem{
			Description:    desc,
			ProductCode:    stripLabel(strings.Trim(clean(row.Find(codeSel).First().Text()), "()")),
			QuantityText:   stripLabel(clean(row.Find(quantitySel).First().Text())),
			UnitText:       stripLabel(clean(row.Find(unitSel).First().Text())),
			UnitPriceText:  stripLabel(clean(row.Find(unitPriceSel).First().Text())),
			TotalPriceText: clean(row.Find(totalSel).First().Text()),
			RowText:        rowText(row),
		})
	})
	return items
}

func fallbackItems(doc *goquery.Document) []models.RawItem {
	var items []models.RawItem
	doc.Find("tr").Each(func(_ int, row *goquery.Selection) {
		// Outer rows of nested tables repeat their children's text.
		if row.Find("tr").Length() > 0 {
			return
		}
		text := rowText(row)
		amounts := currencyPattern.FindAllString(text, -1)
		if len(amounts) == 0 {
			loose := amountPattern.FindAllString(text, -1)
			if len(loose) == 0 {
				return
			}
			// Only the last number is trusted as the row total.
			amounts = loose[len(loose)-1:]
		}

		item := models.RawItem{
			Description:    clean(row.Find("td").First().Text()),
			TotalPriceText: amounts[len(amounts)-1],
			RowText:        text,
		}
		if len(amounts) > 1 {
			item.UnitPriceText = amounts[len(amounts)-2]
		}
		if m := quantityPattern.FindStringSubmatch(text); m != nil {
			item.QuantityText = m[1]
		}
		items = append(items, item)
	})
	return items
}

// StripItemsTable removes the items table, scripts and styles so that only header and
// footer content (merchant, invoice data, totals) remains.
func (e *Extractor) StripItemsTable(html string) string {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return html
	}
	doc.Find(itemsTableSelector).Remove()
	doc.Find("script, style, noscript, link, meta").Remove()

	out, err := doc.Html()
	if err != nil {
		return html
	}
	return out
}

// rowText joins cell texts with a space so adjacent cells never glue digits together.
func rowText(row *goquery.Selection) string {
	cells := row.Find("td, th")
	if cells.Length() == 0 {
		return clean(row.Text())
	}
	parts := make([]string, 0, cells.Length())
	cells.Each(func(_ int, cell *goquery.Selection) {
		if t := clean(cell.Text()); t != "" {
			parts = append(parts, t)
		}
	})
	return strings.Join(parts, " ")
}

func clean(s string) string {
	return strings.TrimSpace(whitespace.ReplaceAllString(s, " "))
}

// stripLabel drops a leading "Qtde.:" style label
func stripLabel(s string) string {
	return strings.TrimSpace(labelPattern.ReplaceAllString(s, ""))
}
