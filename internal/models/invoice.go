package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// AccessKeyLength is the number of digits in an NF-e/NFC-e access key
const AccessKeyLength = 44

// ParsedInvoice is the validated result of one pipeline run
type ParsedInvoice struct {
	// Documento fiscal
	AccessKey string `json:"accessKey"`           // Chave de acesso (44 digitos)
	Number    string `json:"number"`              // Numero da nota
	Series    string `json:"series"`              // Serie
	IssueDate string `json:"issueDate"`           // YYYY-MM-DD or YYYY-MM-DDTHH:mm:ss
	SourceURL string `json:"sourceUrl,omitempty"` // Portal URL the HTML came from

	// Emitente
	Merchant MerchantInfo `json:"merchant"`

	// Itens, in the order they appear on the invoice
	Items []InvoiceItem `json:"items"`

	// Totais
	Totals InvoiceTotals `json:"totals"`

	// Raw data kept for audit/replay
	HTML           string `json:"html,omitempty"`
	SnapshotObject string `json:"snapshotObject,omitempty"` // Archived copy of HTML, when archiving is enabled

	// Metadata
	ProcessedAt time.Time `json:"processedAt"`
}

// MerchantInfo describes the issuer of the invoice
type MerchantInfo struct {
	TaxID     string `json:"taxId"`               // CNPJ, 14 digits after normalization
	LegalName string `json:"legalName"`           // Razao social
	TradeName string `json:"tradeName,omitempty"` // Nome fantasia
	Address   string `json:"address,omitempty"`
	City      string `json:"city,omitempty"`
	StateCode string `json:"stateCode,omitempty"` // UF, 2 uppercase letters
}

// InvoiceItem is a single (possibly coalesced) line of the invoice
type InvoiceItem struct {
	Description    string          `json:"description"`
	ProductCode    string          `json:"productCode,omitempty"`
	Quantity       decimal.Decimal `json:"quantity"`
	Unit           string          `json:"unit,omitempty"`
	UnitPrice      decimal.Decimal `json:"unitPrice"`
	TotalPrice     decimal.Decimal `json:"totalPrice"`
	DiscountAmount decimal.Decimal `json:"discountAmount"`
}

// InvoiceTotals holds the summary amounts declared by the invoice
type InvoiceTotals struct {
	Subtotal decimal.Decimal `json:"subtotal"`
	Discount decimal.Decimal `json:"discount"`
	Tax      decimal.Decimal `json:"tax"`
	Total    decimal.Decimal `json:"total"`
}

// RawItem is an unparsed item row scraped from the portal HTML
type RawItem struct {
	Description    string `json:"description,omitempty"`
	ProductCode    string `json:"code,omitempty"`
	QuantityText   string `json:"quantity,omitempty"`
	UnitText       string `json:"unit,omitempty"`
	UnitPriceText  string `json:"unitPrice,omitempty"`
	TotalPriceText string `json:"totalPrice,omitempty"`
	RowText        string `json:"row"`
}

// ItemsTotal sums TotalPrice over all items
func (p *ParsedInvoice) ItemsTotal() decimal.Decimal {
	sum := decimal.Zero
	for _, item := range p.Items {
		sum = sum.Add(item.TotalPrice)
	}
	return sum
}
