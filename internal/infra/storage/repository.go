package storage

import (
	"context"
	"errors"

	"github.com/openbtcpay/paywatch/internal/core/domain"
)

var (
	// ErrInvoiceNotFound is returned when an invoice doesn't exist.
	ErrInvoiceNotFound = errors.New("invoice not found")
)

// PaymentRepository is the append/query layer over payment records. The
// storage engine behind it is external; this layer owns the uniqueness of
// the canonical payment identifier per invoice.
type PaymentRepository interface {
	// AddPayment inserts a new record. Returns (nil, nil) when a record
	// with the same canonical payment id already exists for the invoice,
	// so live and catch-up paths stay idempotent.
	AddPayment(ctx context.Context, payment *domain.PaymentRecord) (*domain.PaymentRecord, error)

	// UpdatePayments persists mutated records in one atomic batch. All
	// records belong to the same invoice.
	UpdatePayments(ctx context.Context, payments []*domain.PaymentRecord) error

	// GetPayments retrieves all records of an invoice.
	GetPayments(ctx context.Context, invoiceID string) ([]*domain.PaymentRecord, error)
}

// InvoiceRepository is the narrow read/write surface the engine needs from
// the external invoice subsystem.
type InvoiceRepository interface {
	// GetInvoice loads an invoice with its payments.
	GetInvoice(ctx context.Context, id string) (*domain.Invoice, error)

	// GetPendingInvoiceIDs lists invoices still polled for chain updates.
	GetPendingInvoiceIDs(ctx context.Context) ([]string, error)

	// AddPendingInvoice puts the invoice back into the pending-poll set.
	// Adding an already-pending invoice is a no-op.
	AddPendingInvoice(ctx context.Context, id string) error

	// RemovePendingInvoice drops the invoice from the pending-poll set.
	RemovePendingInvoice(ctx context.Context, id string) error

	// GetInvoiceIDsFromAddresses resolves watched-output keys to invoice
	// ids (the watched-output index read contract).
	GetInvoiceIDsFromAddresses(ctx context.Context, keys []string) ([]string, error)

	// AddInvoiceAddress registers a watched-output key for an invoice (the
	// watched-output index write contract).
	AddInvoiceAddress(ctx context.Context, invoiceID, key string) error

	// UpdatePaymentDetails replaces the invoice's payment-method-details
	// slot after an address rotation.
	UpdatePaymentDetails(ctx context.Context, invoiceID string, details *domain.PaymentMethod) error
}
