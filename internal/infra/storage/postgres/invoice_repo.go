package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/jmoiron/sqlx"

	"github.com/openbtcpay/paywatch/internal/core/domain"
	"github.com/openbtcpay/paywatch/internal/infra/storage"
)

// InvoiceRepo implements storage.InvoiceRepository using PostgreSQL. The
// invoice entity itself is owned elsewhere; this repository only persists the
// slice the engine needs: methods, watched addresses and the pending set.
type InvoiceRepo struct {
	db       *DB
	payments *PaymentRepo
}

// NewInvoiceRepo creates a new PostgreSQL invoice repository.
func NewInvoiceRepo(db *DB) *InvoiceRepo {
	return &InvoiceRepo{db: db, payments: NewPaymentRepo(db)}
}

type methodJSON struct {
	CryptoCode        string `json:"cryptoCode"`
	PaymentType       string `json:"paymentType"`
	DerivationScheme  string `json:"derivationScheme"`
	DepositAddress    string `json:"depositAddress"`
	DepositScriptHash string `json:"depositScriptHash"`
	KeyPath           string `json:"keyPath"`
	Amount            int64  `json:"amount"`
	Activated         bool   `json:"activated"`
}

func methodToJSON(m *domain.PaymentMethod) methodJSON {
	return methodJSON{
		CryptoCode:        string(m.ID.CryptoCode),
		PaymentType:       string(m.ID.PaymentType),
		DerivationScheme:  m.DerivationScheme,
		DepositAddress:    m.DepositAddress,
		DepositScriptHash: m.DepositScriptHash,
		KeyPath:           m.KeyPath,
		Amount:            int64(m.Amount),
		Activated:         m.Activated,
	}
}

func (j methodJSON) toDomain() *domain.PaymentMethod {
	return &domain.PaymentMethod{
		ID: domain.PaymentMethodID{
			CryptoCode:  domain.CryptoCode(j.CryptoCode),
			PaymentType: domain.PaymentType(j.PaymentType),
		},
		DerivationScheme:  j.DerivationScheme,
		DepositAddress:    j.DepositAddress,
		DepositScriptHash: j.DepositScriptHash,
		KeyPath:           j.KeyPath,
		Amount:            btcutil.Amount(j.Amount),
		Activated:         j.Activated,
	}
}

// GetInvoice loads an invoice with its watched addresses and payments.
func (r *InvoiceRepo) GetInvoice(ctx context.Context, id string) (*domain.Invoice, error) {
	var methodsBlob []byte
	err := r.db.GetContext(ctx, &methodsBlob, `SELECT methods FROM invoices WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrInvoiceNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get invoice: %w", err)
	}

	var methods []methodJSON
	if len(methodsBlob) > 0 {
		if err := json.Unmarshal(methodsBlob, &methods); err != nil {
			return nil, fmt.Errorf("unmarshal invoice methods: %w", err)
		}
	}

	inv := &domain.Invoice{
		ID:                     id,
		AvailableAddressHashes: make(map[string]struct{}),
	}
	for _, m := range methods {
		inv.Methods = append(inv.Methods, m.toDomain())
	}

	var keys []string
	if err := r.db.SelectContext(ctx, &keys,
		`SELECT key FROM invoice_addresses WHERE invoice_id = $1`, id); err != nil {
		return nil, fmt.Errorf("failed to get invoice addresses: %w", err)
	}
	for _, key := range keys {
		inv.AvailableAddressHashes[key] = struct{}{}
	}

	payments, err := r.payments.GetPayments(ctx, id)
	if err != nil {
		return nil, err
	}
	inv.Payments = payments
	return inv, nil
}

// SaveInvoice upserts the invoice's method blob. Used when invoices are
// registered with the engine.
func (r *InvoiceRepo) SaveInvoice(ctx context.Context, inv *domain.Invoice) error {
	methods := make([]methodJSON, 0, len(inv.Methods))
	for _, m := range inv.Methods {
		methods = append(methods, methodToJSON(m))
	}
	blob, err := json.Marshal(methods)
	if err != nil {
		return fmt.Errorf("marshal invoice methods: %w", err)
	}

	_, err = r.db.ExecContext(ctx, `
		INSERT INTO invoices (id, methods, created_at) VALUES ($1, $2, NOW())
		ON CONFLICT (id) DO UPDATE SET methods = EXCLUDED.methods
	`, inv.ID, blob)
	if err != nil {
		return fmt.Errorf("failed to save invoice: %w", err)
	}
	return nil
}

// GetPendingInvoiceIDs lists invoices still polled for chain updates.
func (r *InvoiceRepo) GetPendingInvoiceIDs(ctx context.Context) ([]string, error) {
	var ids []string
	err := r.db.SelectContext(ctx, &ids, `SELECT invoice_id FROM pending_invoices ORDER BY invoice_id`)
	if err != nil {
		return nil, fmt.Errorf("failed to get pending invoices: %w", err)
	}
	return ids, nil
}

// AddPendingInvoice puts the invoice into the pending set if not present.
func (r *InvoiceRepo) AddPendingInvoice(ctx context.Context, id string) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO pending_invoices (invoice_id) VALUES ($1)
		ON CONFLICT (invoice_id) DO NOTHING
	`, id)
	return err
}

// RemovePendingInvoice drops the invoice from the pending set.
func (r *InvoiceRepo) RemovePendingInvoice(ctx context.Context, id string) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM pending_invoices WHERE invoice_id = $1`, id)
	return err
}

// GetInvoiceIDsFromAddresses resolves watched-output keys to invoice ids.
func (r *InvoiceRepo) GetInvoiceIDsFromAddresses(ctx context.Context, keys []string) ([]string, error) {
	if len(keys) == 0 {
		return nil, nil
	}
	query, args, err := sqlx.In(`SELECT DISTINCT invoice_id FROM invoice_addresses WHERE key IN (?)`, keys)
	if err != nil {
		return nil, err
	}
	query = r.db.Rebind(query)

	var ids []string
	if err := r.db.SelectContext(ctx, &ids, query, args...); err != nil {
		return nil, fmt.Errorf("failed to resolve addresses: %w", err)
	}
	return ids, nil
}

// AddInvoiceAddress registers a watched-output key for an invoice.
func (r *InvoiceRepo) AddInvoiceAddress(ctx context.Context, invoiceID, key string) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO invoice_addresses (key, invoice_id) VALUES ($1, $2)
		ON CONFLICT (key) DO UPDATE SET invoice_id = EXCLUDED.invoice_id
	`, key, invoiceID)
	return err
}

// UpdatePaymentDetails replaces the payment-method-details slot for the
// method id carried by details.
func (r *InvoiceRepo) UpdatePaymentDetails(ctx context.Context, invoiceID string, details *domain.PaymentMethod) error {
	inv, err := r.GetInvoice(ctx, invoiceID)
	if err != nil {
		return err
	}
	replaced := false
	for i, m := range inv.Methods {
		if m.ID == details.ID {
			inv.Methods[i] = details
			replaced = true
			break
		}
	}
	if !replaced {
		inv.Methods = append(inv.Methods, details)
	}
	return r.SaveInvoice(ctx, inv)
}
