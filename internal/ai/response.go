package ai

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	apperrors "github.com/facturaIA/nfce-invoice-parser/internal/errors"
	"github.com/facturaIA/nfce-invoice-parser/internal/models"
	"github.com/facturaIA/nfce-invoice-parser/internal/services"
)

// Text accepts a JSON string, number or null; models are loose about quoting
// invoice numbers and CNPJs.
type Text string

func (t *Text) UnmarshalJSON(data []byte) error {
	trimmed := strings.TrimSpace(string(data))
	switch {
	case trimmed == "null":
		*t = ""
		return nil
	case strings.HasPrefix(trimmed, `"`):
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*t = Text(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("expected string or number, got %s", trimmed)
	}
	*t = Text(n.String())
	return nil
}

// String returns the trimmed text
func (t Text) String() string {
	return strings.TrimSpace(string(t))
}

// Merchant as returned by the metadata pass
type Merchant struct {
	TaxID     Text `json:"taxId"`
	LegalName Text `json:"legalName"`
	TradeName Text `json:"tradeName"`
	Address   Text `json:"address"`
	City      Text `json:"city"`
	StateCode Text `json:"stateCode"`
}

// InvoiceHeader as returned by the metadata pass
type InvoiceHeader struct {
	AccessKey Text `json:"accessKey"`
	Number    Text `json:"number"`
	Series    Text `json:"series"`
	IssueDate Text `json:"issueDate"`
}

// Totals as returned by the metadata pass. Amounts stay untyped until shape validation:
// models answer with numbers, numeric strings or null.
type Totals struct {
	Subtotal interface{} `json:"subtotal"`
	Discount interface{} `json:"discount"`
	Tax      interface{} `json:"tax"`
	Total    interface{} `json:"total"`
}

// Metadata is the result of the metadata pass
type Metadata struct {
	Merchant Merchant      `json:"merchant"`
	Invoice  InvoiceHeader `json:"invoice"`
	Totals   Totals        `json:"totals"`
}

// Item is one line returned by an item-batch pass
type Item struct {
	Description    interface{} `json:"description"`
	ProductCode    Text        `json:"productCode"`
	Quantity       interface{} `json:"quantity"`
	Unit           Text        `json:"unit"`
	UnitPrice      interface{} `json:"unitPrice"`
	TotalPrice     interface{} `json:"totalPrice"`
	DiscountAmount interface{} `json:"discountAmount"`
}

type itemsEnvelope struct {
	Items []Item `json:"items"`
}

// Extraction is the merged output of the metadata and item passes
type Extraction struct {
	Merchant Merchant      `json:"merchant"`
	Invoice  InvoiceHeader `json:"invoice"`
	Items    []Item        `json:"items"`
	Totals   Totals        `json:"totals"`
}

// Merge combines both passes into one extraction
func Merge(meta *Metadata, items []Item) *Extraction {
	ext := &Extraction{Items: items}
	if meta != nil {
		ext.Merchant = meta.Merchant
		ext.Invoice = meta.Invoice
		ext.Totals = meta.Totals
	}
	return ext
}

// ValidateResponse checks the shape of an extraction: required strings are non-empty,
// items exist and carry numeric amounts, and the total is numeric. Business rules are
// left to the validator. Every problem is reported in the error details.
func ValidateResponse(ext *Extraction) error {
	if ext == nil {
		return apperrors.New(apperrors.AIParseFailed, "AI response is empty")
	}

	var problems []string
	require := func(field string, value Text) {
		if strings.TrimSpace(string(value)) == "" {
			problems = append(problems, field+" is required")
		}
	}
	require("merchant.taxId", ext.Merchant.TaxID)
	require("merchant.legalName", ext.Merchant.LegalName)
	require("invoice.number", ext.Invoice.Number)
	require("invoice.series", ext.Invoice.Series)
	require("invoice.issueDate", ext.Invoice.IssueDate)

	if len(ext.Items) == 0 {
		problems = append(problems, "items must not be empty")
	}
	for i, item := range ext.Items {
		if _, ok := item.Description.(string); !ok {
			problems = append(problems, fmt.Sprintf("items[%d].description must be a string", i))
		}
		for _, f := range []struct {
			name  string
			value interface{}
		}{
			{"quantity", item.Quantity},
			{"unitPrice", item.UnitPrice},
			{"totalPrice", item.TotalPrice},
		} {
			if !isNumeric(f.value) {
				problems = append(problems, fmt.Sprintf("items[%d].%s must be numeric", i, f.name))
			}
		}
	}

	if !isNumeric(ext.Totals.Total) {
		problems = append(problems, "totals.total must be numeric")
	}

	if len(problems) > 0 {
		return apperrors.New(apperrors.AIParseFailed, "AI response failed shape validation").
			WithDetail("errors", problems)
	}
	return nil
}

// isNumeric accepts JSON numbers and numeric strings (models often quote "7,50")
func isNumeric(v interface{}) bool {
	switch n := v.(type) {
	case json.Number, float64, int, int64:
		return true
	case string:
		_, err := services.NormalizeCurrency(n)
		return err == nil
	}
	return false
}

// amount converts an optional amount, treating null and "" as zero
func amount(v interface{}) decimal.Decimal {
	if v == nil {
		return decimal.Zero
	}
	if s, ok := v.(string); ok && strings.TrimSpace(s) == "" {
		return decimal.Zero
	}
	d, err := services.NormalizeCurrency(v)
	if err != nil {
		return decimal.Zero
	}
	return d
}

// ToInvoice converts a shape-valid extraction into the domain model. key overrides the
// access key reported by the model, which is only used when the caller has none.
func (e *Extraction) ToInvoice(key, sourceURL, html string) *models.ParsedInvoice {
	if key == "" {
		key = strings.Join(strings.Fields(string(e.Invoice.AccessKey)), "")
	}
	inv := &models.ParsedInvoice{
		AccessKey: key,
		Number:    e.Invoice.Number.String(),
		Series:    e.Invoice.Series.String(),
		IssueDate: e.Invoice.IssueDate.String(),
		SourceURL: sourceURL,
		Merchant: models.MerchantInfo{
			TaxID:     e.Merchant.TaxID.String(),
			LegalName: e.Merchant.LegalName.String(),
			TradeName: e.Merchant.TradeName.String(),
			Address:   e.Merchant.Address.String(),
			City:      e.Merchant.City.String(),
			StateCode: e.Merchant.StateCode.String(),
		},
		Items: make([]models.InvoiceItem, 0, len(e.Items)),
		Totals: models.InvoiceTotals{
			Subtotal: amount(e.Totals.Subtotal),
			Discount: amount(e.Totals.Discount),
			Tax:      amount(e.Totals.Tax),
			Total:    amount(e.Totals.Total),
		},
		HTML:        html,
		ProcessedAt: time.Now().UTC(),
	}
	for _, item := range e.Items {
		desc, _ := item.Description.(string)
		inv.Items = append(inv.Items, models.InvoiceItem{
			Description:    strings.TrimSpace(desc),
			ProductCode:    item.ProductCode.String(),
			Quantity:       amount(item.Quantity),
			Unit:           item.Unit.String(),
			UnitPrice:      amount(item.UnitPrice),
			TotalPrice:     amount(item.TotalPrice),
			DiscountAmount: amount(item.DiscountAmount),
		})
	}
	return inv
}

// applyItemDefaults fills the quantity with 1 when the model could not detect it
func applyItemDefaults(items []Item) {
	for i := range items {
		q := items[i].Quantity
		if s, ok := q.(string); q == nil || (ok && strings.TrimSpace(s) == "") {
			items[i].Quantity = json.Number("1")
		}
	}
}

// coalesceItems merges lines with the same description and unit price, summing quantity,
// total and discount. Order follows the first occurrence. Lines whose amounts are not
// numeric are left alone for shape validation to reject.
func coalesceItems(items []Item) []Item {
	type key struct {
		description string
		unitPrice   string
	}
	out := make([]Item, 0, len(items))
	index := make(map[key]int, len(items))

	for _, item := range items {
		desc, ok := item.Description.(string)
		if !ok || !isNumeric(item.UnitPrice) || !isNumeric(item.Quantity) || !isNumeric(item.TotalPrice) {
			out = append(out, item)
			continue
		}
		k := key{
			description: strings.ToUpper(strings.Join(strings.Fields(desc), " ")),
			unitPrice:   amount(item.UnitPrice).StringFixed(4),
		}
		pos, seen := index[k]
		if !seen {
			index[k] = len(out)
			out = append(out, item)
			continue
		}

		merged := out[pos]
		merged.Quantity = json.Number(amount(merged.Quantity).Add(amount(item.Quantity)).String())
		merged.TotalPrice = json.Number(amount(merged.TotalPrice).Add(amount(item.TotalPrice)).String())
		merged.DiscountAmount = json.Number(amount(merged.DiscountAmount).Add(amount(item.DiscountAmount)).String())
		out[pos] = merged
	}
	return out
}
