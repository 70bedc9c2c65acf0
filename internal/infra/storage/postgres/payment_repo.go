package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"

	"github.com/openbtcpay/paywatch/internal/core/domain"
	"github.com/openbtcpay/paywatch/internal/metrics"
)

// PaymentRepo implements storage.PaymentRepository using PostgreSQL.
type PaymentRepo struct {
	db *DB
}

// NewPaymentRepo creates a new PostgreSQL payment repository.
func NewPaymentRepo(db *DB) *PaymentRepo {
	return &PaymentRepo{db: db}
}

type paymentRow struct {
	InvoiceID     string    `db:"invoice_id"`
	PaymentID     string    `db:"payment_id"`
	CryptoCode    string    `db:"crypto_code"`
	PaymentType   string    `db:"payment_type"`
	Address       string    `db:"address"`
	KeyPath       string    `db:"key_path"`
	Value         int64     `db:"value"`
	NetworkFee    int64     `db:"network_fee"`
	ReceivedAt    time.Time `db:"received_at"`
	Confirmations int64     `db:"confirmations"`
	RBF           bool      `db:"rbf"`
	Accounted     bool      `db:"accounted"`
	Payjoin       []byte    `db:"payjoin"`
}

type payjoinJSON struct {
	CoinjoinTxHash       string   `json:"coinjoinTxHash"`
	CoinjoinValue        int64    `json:"coinjoinValue"`
	ContributedOutpoints []string `json:"contributedOutpoints"`
}

func toRow(p *domain.PaymentRecord) (*paymentRow, error) {
	row := &paymentRow{
		InvoiceID:     p.InvoiceID,
		PaymentID:     p.PaymentID(),
		CryptoCode:    string(p.MethodID.CryptoCode),
		PaymentType:   string(p.MethodID.PaymentType),
		Address:       p.Address,
		KeyPath:       p.KeyPath,
		Value:         int64(p.Value),
		NetworkFee:    int64(p.NetworkFee),
		ReceivedAt:    p.ReceivedAt,
		Confirmations: p.Confirmations,
		RBF:           p.RBF,
		Accounted:     p.Accounted,
	}
	if p.Payjoin != nil {
		pj := payjoinJSON{
			CoinjoinTxHash: p.Payjoin.CoinjoinTxHash.String(),
			CoinjoinValue:  int64(p.Payjoin.CoinjoinValue),
		}
		for _, op := range p.Payjoin.ContributedOutpoints {
			pj.ContributedOutpoints = append(pj.ContributedOutpoints, op.String())
		}
		data, err := json.Marshal(pj)
		if err != nil {
			return nil, fmt.Errorf("marshal payjoin info: %w", err)
		}
		row.Payjoin = data
	}
	return row, nil
}

func (r *paymentRow) toDomain() (*domain.PaymentRecord, error) {
	outpoint, err := wire.NewOutPointFromString(r.PaymentID)
	if err != nil {
		return nil, fmt.Errorf("invalid payment id %q: %w", r.PaymentID, err)
	}
	p := &domain.PaymentRecord{
		InvoiceID: r.InvoiceID,
		MethodID: domain.PaymentMethodID{
			CryptoCode:  domain.CryptoCode(r.CryptoCode),
			PaymentType: domain.PaymentType(r.PaymentType),
		},
		Outpoint:      *outpoint,
		Address:       r.Address,
		KeyPath:       r.KeyPath,
		Value:         btcutil.Amount(r.Value),
		NetworkFee:    btcutil.Amount(r.NetworkFee),
		ReceivedAt:    r.ReceivedAt,
		Confirmations: r.Confirmations,
		RBF:           r.RBF,
		Accounted:     r.Accounted,
	}
	if len(r.Payjoin) > 0 {
		var pj payjoinJSON
		if err := json.Unmarshal(r.Payjoin, &pj); err != nil {
			return nil, fmt.Errorf("unmarshal payjoin info: %w", err)
		}
		hash, err := chainhash.NewHashFromStr(pj.CoinjoinTxHash)
		if err != nil {
			return nil, fmt.Errorf("invalid coinjoin tx hash %q: %w", pj.CoinjoinTxHash, err)
		}
		info := &domain.PayjoinInformation{
			CoinjoinTxHash: *hash,
			CoinjoinValue:  btcutil.Amount(pj.CoinjoinValue),
		}
		for _, s := range pj.ContributedOutpoints {
			op, err := wire.NewOutPointFromString(s)
			if err != nil {
				return nil, fmt.Errorf("invalid contributed outpoint %q: %w", s, err)
			}
			info.ContributedOutpoints = append(info.ContributedOutpoints, *op)
		}
		p.Payjoin = info
	}
	return p, nil
}

const insertPayment = `
	INSERT INTO payments (
		invoice_id, payment_id, crypto_code, payment_type, address, key_path,
		value, network_fee, received_at, confirmations, rbf, accounted, payjoin
	) VALUES (
		:invoice_id, :payment_id, :crypto_code, :payment_type, :address, :key_path,
		:value, :network_fee, :received_at, :confirmations, :rbf, :accounted, :payjoin
	)
	ON CONFLICT (invoice_id, payment_id) DO NOTHING
`

// AddPayment inserts a new payment record. The (invoice, outpoint) unique
// constraint makes concurrent live/poll insertion of the same output safe.
func (r *PaymentRepo) AddPayment(ctx context.Context, payment *domain.PaymentRecord) (*domain.PaymentRecord, error) {
	row, err := toRow(payment)
	if err != nil {
		return nil, err
	}

	res, err := r.db.NamedExecContext(ctx, insertPayment, row)
	if err != nil {
		return nil, fmt.Errorf("failed to insert payment: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, err
	}
	if n == 0 {
		// Already recorded, live and catch-up paths overlapped.
		return nil, nil
	}
	return payment, nil
}

const updatePayment = `
	UPDATE payments SET
		network_fee = :network_fee,
		value = :value,
		confirmations = :confirmations,
		accounted = :accounted,
		payjoin = :payjoin
	WHERE invoice_id = :invoice_id AND payment_id = :payment_id
`

// UpdatePayments persists mutated records of one invoice in a single
// transaction.
func (r *PaymentRepo) UpdatePayments(ctx context.Context, payments []*domain.PaymentRecord) error {
	if len(payments) == 0 {
		return nil
	}

	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, p := range payments {
		row, err := toRow(p)
		if err != nil {
			return err
		}
		if _, err := tx.NamedExecContext(ctx, updatePayment, row); err != nil {
			return fmt.Errorf("failed to update payment %s: %w", p.PaymentID(), err)
		}
	}

	metrics.DBBatchSize.WithLabelValues("update_payments").Observe(float64(len(payments)))
	return tx.Commit()
}

const selectPayments = `
	SELECT invoice_id, payment_id, crypto_code, payment_type, address, key_path,
	       value, network_fee, received_at, confirmations, rbf, accounted, payjoin
	FROM payments
	WHERE invoice_id = $1
	ORDER BY received_at
`

// GetPayments retrieves all payment records of an invoice.
func (r *PaymentRepo) GetPayments(ctx context.Context, invoiceID string) ([]*domain.PaymentRecord, error) {
	var rows []paymentRow
	err := r.db.SelectContext(ctx, &rows, selectPayments, invoiceID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get payments: %w", err)
	}

	payments := make([]*domain.PaymentRecord, 0, len(rows))
	for i := range rows {
		p, err := rows[i].toDomain()
		if err != nil {
			return nil, err
		}
		payments = append(payments, p)
	}
	return payments, nil
}
