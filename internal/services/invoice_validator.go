package services

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/facturaIA/nfce-invoice-parser/internal/models"
)

// TotalsTolerance absorbs rounding in every monetary comparison (R$ 0,01).
var TotalsTolerance = decimal.New(1, -2)

// ValidationError represents a single validation error
type ValidationError struct {
	Field    string `json:"field"`
	Code     string `json:"code"`
	Expected string `json:"expected,omitempty"`
	Actual   string `json:"actual,omitempty"`
	Message  string `json:"message,omitempty"`
}

func (e ValidationError) String() string {
	switch {
	case e.Expected != "":
		return fmt.Sprintf("%s: %s (expected %s, got %s)", e.Field, e.Message, e.Expected, e.Actual)
	case e.Actual != "":
		return fmt.Sprintf("%s: %s (got %q)", e.Field, e.Message, e.Actual)
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// ValidationWarning represents a non-critical issue
type ValidationWarning struct {
	Field   string `json:"field"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// ComputedValues holds calculated/expected values
type ComputedValues struct {
	ItemsTotal    string `json:"items_total"`
	TotalEsperado string `json:"total_esperado"`
}

// ValidationResult is the response from validation
type ValidationResult struct {
	Valid       bool                `json:"valid"`
	NeedsReview bool                `json:"needs_review"`
	Errors      []ValidationError   `json:"errors"`
	Warnings    []ValidationWarning `json:"warnings"`
	Computed    ComputedValues      `json:"computed"`
}

// Messages flattens the errors for error details
func (r *ValidationResult) Messages() []string {
	out := make([]string, 0, len(r.Errors))
	for _, e := range r.Errors {
		out = append(out, e.String())
	}
	return out
}

var (
	stateCodePattern = regexp.MustCompile(`^[A-Z]{2}$`)
	isoDatePattern   = regexp.MustCompile(`^\d{4}-\d{2}-\d{2}$`)
	isoDateTime      = regexp.MustCompile(`^\d{4}-\d{2}-\d{2}T\d{2}:\d{2}:\d{2}$`)
	nonDigit         = regexp.MustCompile(`\D`)
	thousandsOnly    = regexp.MustCompile(`^-?\d{1,3}(\.\d{3}){2,}$`)
)

const (
	dateLayout     = "2006-01-02"
	dateTimeLayout = "2006-01-02T15:04:05"
)

// InvoiceValidator checks business rules on a parsed NFC-e
type InvoiceValidator struct {
	tolerance decimal.Decimal
}

// NewInvoiceValidator creates a validator with the R$ 0,01 tolerance
func NewInvoiceValidator() *InvoiceValidator {
	return &InvoiceValidator{tolerance: TotalsTolerance}
}

// Validate performs every check and collects all errors instead of stopping at the first.
func (v *InvoiceValidator) Validate(inv *models.ParsedInvoice) *ValidationResult {
	result := &ValidationResult{
		Valid:    true,
		Errors:   []ValidationError{},
		Warnings: []ValidationWarning{},
	}

	itemsTotal := inv.ItemsTotal()
	expectedTotal := inv.Totals.Subtotal.Sub(inv.Totals.Discount).Add(inv.Totals.Tax)
	result.Computed = ComputedValues{
		ItemsTotal:    itemsTotal.StringFixed(2),
		TotalEsperado: expectedTotal.StringFixed(2),
	}

	// 1. Access key
	v.validateAccessKey(inv, result)

	// 2. Merchant
	v.validateMerchant(inv, result)

	// 3. Issue date
	if !ValidateDate(inv.IssueDate) {
		result.Errors = append(result.Errors, ValidationError{
			Field:   "issueDate",
			Code:    "invalid_date",
			Actual:  inv.IssueDate,
			Message: "issue date must be YYYY-MM-DD or YYYY-MM-DDTHH:mm:ss",
		})
	}

	// 4. Items
	v.validateItems(inv, result)

	// 5. Totals
	v.validateTotals(inv, result, itemsTotal, expectedTotal)

	result.Valid = len(result.Errors) == 0
	result.NeedsReview = len(result.Warnings) > 0
	return result
}

func (v *InvoiceValidator) validateAccessKey(inv *models.ParsedInvoice, result *ValidationResult) {
	if len(inv.AccessKey) != models.AccessKeyLength || nonDigit.MatchString(inv.AccessKey) {
		result.Errors = append(result.Errors, ValidationError{
			Field:   "accessKey",
			Code:    "invalid_access_key",
			Actual:  inv.AccessKey,
			Message: "access key must have exactly 44 digits",
		})
	}
}

func (v *InvoiceValidator) validateMerchant(inv *models.ParsedInvoice, result *ValidationResult) {
	m := inv.Merchant
	if !ValidateTaxID(m.TaxID) {
		result.Errors = append(result.Errors, ValidationError{
			Field:   "merchant.taxId",
			Code:    "invalid_tax_id",
			Actual:  m.TaxID,
			Message: "CNPJ must have exactly 14 digits",
		})
	} else if !cnpjCheckDigitsOK(NormalizeTaxID(m.TaxID)) {
		// Portals occasionally mask digits; flag it without rejecting.
		result.Warnings = append(result.Warnings, ValidationWarning{
			Field:   "merchant.taxId",
			Code:    "tax_id_checksum",
			Message: "CNPJ check digits do not match",
		})
	}

	if strings.TrimSpace(m.LegalName) == "" {
		result.Errors = append(result.Errors, ValidationError{
			Field:   "merchant.legalName",
			Code:    "required",
			Message: "legal name is required",
		})
	}

	if m.StateCode != "" && !stateCodePattern.MatchString(m.StateCode) {
		result.Errors = append(result.Errors, ValidationError{
			Field:   "merchant.stateCode",
			Code:    "invalid_state_code",
			Actual:  m.StateCode,
			Message: "state code must be 2 uppercase letters",
		})
	}
}

func (v *InvoiceValidator) validateItems(inv *models.ParsedInvoice, result *ValidationResult) {
	if len(inv.Items) == 0 {
		result.Errors = append(result.Errors, ValidationError{
			Field:   "items",
			Code:    "no_items",
			Message: "invoice must have at least one item",
		})
		return
	}

	for i, item := range inv.Items {
		field := fmt.Sprintf("items[%d]", i)
		if strings.TrimSpace(item.Description) == "" {
			result.Errors = append(result.Errors, ValidationError{
				Field:   field + ".description",
				Code:    "required",
				Message: "description is required",
			})
		}
		for _, a := range []namedAmount{
			{"quantity", item.Quantity},
			{"unitPrice", item.UnitPrice},
			{"totalPrice", item.TotalPrice},
			{"discountAmount", item.DiscountAmount},
		} {
			if a.value.IsNegative() {
				result.Errors = append(result.Errors, ValidationError{
					Field:   field + "." + a.name,
					Code:    "negative_amount",
					Actual:  a.value.String(),
					Message: a.name + " must not be negative",
				})
			}
		}

		// Line arithmetic is advisory: portals round unit prices of weighed goods.
		expected := item.Quantity.Mul(item.UnitPrice).Sub(item.DiscountAmount)
		if !withinTolerance(expected, item.TotalPrice, v.tolerance) &&
			!withinTolerance(item.Quantity.Mul(item.UnitPrice), item.TotalPrice, v.tolerance) {
			result.Warnings = append(result.Warnings, ValidationWarning{
				Field:   field + ".totalPrice",
				Code:    "item_total_mismatch",
				Message: fmt.Sprintf("quantity x unit price is %s, total is %s", expected.StringFixed(2), item.TotalPrice.StringFixed(2)),
			})
		}
	}
}

func (v *InvoiceValidator) validateTotals(inv *models.ParsedInvoice, result *ValidationResult, itemsTotal, expectedTotal decimal.Decimal) {
	t := inv.Totals
	for _, a := range []namedAmount{
		{"totals.subtotal", t.Subtotal},
		{"totals.discount", t.Discount},
		{"totals.tax", t.Tax},
		{"totals.total", t.Total},
	} {
		if a.value.IsNegative() {
			result.Errors = append(result.Errors, ValidationError{
				Field:   a.name,
				Code:    "negative_amount",
				Actual:  a.value.String(),
				Message: "amount must not be negative",
			})
		}
	}

	if !withinTolerance(t.Subtotal, itemsTotal, v.tolerance) {
		result.Errors = append(result.Errors, ValidationError{
			Field:    "totals.subtotal",
			Code:     "subtotal_mismatch",
			Expected: itemsTotal.StringFixed(2),
			Actual:   t.Subtotal.StringFixed(2),
			Message:  "subtotal does not match the sum of item totals",
		})
	}

	if !withinTolerance(t.Total, expectedTotal, v.tolerance) {
		result.Errors = append(result.Errors, ValidationError{
			Field:    "totals.total",
			Code:     "total_mismatch",
			Expected: expectedTotal.StringFixed(2),
			Actual:   t.Total.StringFixed(2),
			Message:  "total does not match subtotal - discount + tax",
		})
	}

	if t.Discount.GreaterThan(t.Subtotal) {
		result.Warnings = append(result.Warnings, ValidationWarning{
			Field:   "totals.discount",
			Code:    "discount_exceeds_subtotal",
			Message: "discount is larger than the subtotal",
		})
	}
}

// VerifyTotals reports whether subtotal matches the items and total matches
// subtotal - discount + tax, both within TotalsTolerance.
func VerifyTotals(items []models.InvoiceItem, totals models.InvoiceTotals) bool {
	sum := decimal.Zero
	for _, item := range items {
		sum = sum.Add(item.TotalPrice)
	}
	expected := totals.Subtotal.Sub(totals.Discount).Add(totals.Tax)
	return withinTolerance(totals.Subtotal, sum, TotalsTolerance) &&
		withinTolerance(totals.Total, expected, TotalsTolerance)
}

type namedAmount struct {
	name  string
	value decimal.Decimal
}

func withinTolerance(a, b, tolerance decimal.Decimal) bool {
	return a.Sub(b).Abs().LessThanOrEqual(tolerance)
}

// NormalizeTaxID strips everything but digits
func NormalizeTaxID(taxID string) string {
	return nonDigit.ReplaceAllString(taxID, "")
}

// ValidateTaxID reports whether taxID normalizes to exactly 14 digits
func ValidateTaxID(taxID string) bool {
	return len(NormalizeTaxID(taxID)) == 14
}

// cnpjCheckDigitsOK verifies the two modulo-11 check digits of a 14-digit CNPJ
func cnpjCheckDigitsOK(cnpj string) bool {
	if len(cnpj) != 14 {
		return false
	}
	digit := func(n int) int {
		weights := []int{6, 5, 4, 3, 2, 9, 8, 7, 6, 5, 4, 3, 2}[13-n:]
		sum := 0
		for i, w := range weights {
			sum += int(cnpj[i]-'0') * w
		}
		if r := sum % 11; r >= 2 {
			return 11 - r
		}
		return 0
	}
	return digit(12) == int(cnpj[12]-'0') && digit(13) == int(cnpj[13]-'0')
}

// ValidateDate accepts YYYY-MM-DD and YYYY-MM-DDTHH:mm:ss, calendar-checked
func ValidateDate(s string) bool {
	switch {
	case isoDatePattern.MatchString(s):
		_, err := time.Parse(dateLayout, s)
		return err == nil
	case isoDateTime.MatchString(s):
		_, err := time.Parse(dateTimeLayout, s)
		return err == nil
	}
	return false
}

// Layouts seen on portals and in AI output, with whether they carry a time.
var dateInputLayouts = []struct {
	layout   string
	withTime bool
}{
	{dateTimeLayout, true},
	{dateLayout, false},
	{time.RFC3339, true},
	{"2006-01-02 15:04:05", true},
	{"02/01/2006 15:04:05", true},
	{"02/01/2006 15:04", true},
	{"02/01/2006", false},
	{"02-01-2006", false},
}

// NormalizeDate converts s to YYYY-MM-DD, or YYYY-MM-DDTHH:mm:ss when s carries a time.
// Timezone offsets are dropped; portals print local time.
func NormalizeDate(s string) (string, error) {
	s = strings.TrimSpace(s)
	for _, l := range dateInputLayouts {
		t, err := time.Parse(l.layout, s)
		if err != nil {
			continue
		}
		if l.withTime {
			return t.Format(dateTimeLayout), nil
		}
		return t.Format(dateLayout), nil
	}
	return "", fmt.Errorf("unrecognized date %q", s)
}

// NormalizeCurrency converts Brazilian ("1.234,56", "R$ 7,50") and plain ("1234.56", 7.5)
// amounts to a decimal. Plain numbers pass through unchanged, so the function is idempotent.
func NormalizeCurrency(value interface{}) (decimal.Decimal, error) {
	switch v := value.(type) {
	case decimal.Decimal:
		return v, nil
	case *decimal.Decimal:
		if v == nil {
			return decimal.Zero, fmt.Errorf("nil amount")
		}
		return *v, nil
	case float64:
		return decimal.NewFromFloat(v), nil
	case float32:
		return decimal.NewFromFloat32(v), nil
	case int:
		return decimal.NewFromInt(int64(v)), nil
	case int64:
		return decimal.NewFromInt(v), nil
	case json.Number:
		return decimal.NewFromString(v.String())
	case string:
		return normalizeCurrencyString(v)
	case nil:
		return decimal.Zero, fmt.Errorf("nil amount")
	default:
		return decimal.Zero, fmt.Errorf("unsupported amount type %T", value)
	}
}

func normalizeCurrencyString(s string) (decimal.Decimal, error) {
	clean := strings.TrimSpace(s)
	clean = strings.TrimPrefix(clean, "R$")
	clean = strings.Map(func(r rune) rune {
		switch r {
		case ' ', '\u00a0', '\t':
			return -1
		}
		return r
	}, clean)
	if clean == "" {
		return decimal.Zero, fmt.Errorf("empty amount %q", s)
	}

	switch {
	case strings.Contains(clean, ","):
		// Brazilian: "." groups thousands, "," is the decimal mark.
		clean = strings.ReplaceAll(clean, ".", "")
		clean = strings.Replace(clean, ",", ".", 1)
	case thousandsOnly.MatchString(clean):
		// "1.234.567" cannot be a plain number.
		clean = strings.ReplaceAll(clean, ".", "")
	}

	d, err := decimal.NewFromString(clean)
	if err != nil {
		return decimal.Zero, fmt.Errorf("invalid amount %q: %w", s, err)
	}
	return d, nil
}

// Normalize rewrites fields into their canonical form in place: CNPJ digits, uppercase
// state code, ISO issue date and trimmed descriptions.
func (v *InvoiceValidator) Normalize(inv *models.ParsedInvoice) {
	inv.Merchant.TaxID = NormalizeTaxID(inv.Merchant.TaxID)
	inv.Merchant.StateCode = strings.ToUpper(strings.TrimSpace(inv.Merchant.StateCode))
	inv.Merchant.LegalName = strings.TrimSpace(inv.Merchant.LegalName)
	if iso, err := NormalizeDate(inv.IssueDate); err == nil {
		inv.IssueDate = iso
	}
	for i := range inv.Items {
		inv.Items[i].Description = strings.TrimSpace(inv.Items[i].Description)
	}
}
