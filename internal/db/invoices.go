package db

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/facturaIA/nfce-invoice-parser/internal/models"
)

// Schema creates the import ledger consulted by the duplicate check
const Schema = `
CREATE TABLE IF NOT EXISTS imported_invoices (
	owner_id        TEXT        NOT NULL,
	invoice_key     CHAR(44)    NOT NULL,
	merchant_tax_id TEXT,
	total           NUMERIC(14,2),
	issue_date      TEXT,
	snapshot_object TEXT,
	imported_at     TIMESTAMPTZ NOT NULL DEFAULT now(),
	PRIMARY KEY (owner_id, invoice_key)
)`

// Querier is the part of pgxpool.Pool the repository needs
type Querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// InvoiceRepository records which invoices each owner already imported
type InvoiceRepository struct {
	q Querier
}

// NewInvoiceRepository wraps a pool or transaction
func NewInvoiceRepository(q Querier) *InvoiceRepository {
	return &InvoiceRepository{q: q}
}

// EnsureSchema creates the ledger table when missing
func (r *InvoiceRepository) EnsureSchema(ctx context.Context) error {
	if _, err := r.q.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("failed to create imported_invoices: %w", err)
	}
	return nil
}

// Exists reports whether owner already imported the invoice with this key
func (r *InvoiceRepository) Exists(ctx context.Context, ownerID, key string) (bool, error) {
	var exists bool
	err := r.q.QueryRow(ctx,
		`SELECT EXISTS(SELECT 1 FROM imported_invoices WHERE owner_id = $1 AND invoice_key = $2)`,
		ownerID, key,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to check imported invoice: %w", err)
	}
	return exists, nil
}

// MarkImported records an import. It returns false when the owner had already imported it.
func (r *InvoiceRepository) MarkImported(ctx context.Context, ownerID string, inv *models.ParsedInvoice, snapshotObject string) (bool, error) {
	importedAt := inv.ProcessedAt
	if importedAt.IsZero() {
		importedAt = time.Now().UTC()
	}
	tag, err := r.q.Exec(ctx, `
		INSERT INTO imported_invoices (
			owner_id, invoice_key, merchant_tax_id, total, issue_date, snapshot_object, imported_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (owner_id, invoice_key) DO NOTHING`,
		ownerID, inv.AccessKey, inv.Merchant.TaxID, inv.Totals.Total.StringFixed(2),
		inv.IssueDate, snapshotObject, importedAt,
	)
	if err != nil {
		return false, fmt.Errorf("failed to record imported invoice: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}
