package listener

import (
	"context"
	"errors"
	"time"

	"github.com/btcsuite/btcd/wire"

	"github.com/openbtcpay/paywatch/internal/core/domain"
	"github.com/openbtcpay/paywatch/internal/explorer"
	"github.com/openbtcpay/paywatch/internal/infra/storage"
	"github.com/openbtcpay/paywatch/internal/metrics"
)

// PollPayments scans the pending invoices' unspent outputs for payments the
// event stream missed. It is idempotent with the live path: a payment already
// recorded for its outpoint is never recorded twice. Returns the number of
// payments found.
func (l *Listener) PollPayments(ctx context.Context) (int, error) {
	code := l.cfg.Network.CryptoCode
	methodID := domain.PaymentMethodID{
		CryptoCode:  code,
		PaymentType: domain.PaymentTypeBTCLike,
	}

	ids, err := l.invoices.GetPendingInvoiceIDs(ctx)
	if err != nil {
		return 0, err
	}

	// Pending invoices routinely share a derivation scheme, one UTXO query
	// per scheme is enough for the whole pass.
	utxosByScheme := make(map[string][]*explorer.UTXO)
	total := 0

	for _, id := range ids {
		if ctx.Err() != nil {
			return total, ctx.Err()
		}

		inv, err := l.invoices.GetInvoice(ctx, id)
		if errors.Is(err, storage.ErrInvoiceNotFound) {
			continue
		}
		if err != nil {
			l.log.Error("failed to load pending invoice", "invoice", id, "error", err)
			continue
		}
		if !inv.Supports(methodID) {
			continue
		}
		method := inv.Method(methodID)
		if method.DerivationScheme == "" {
			l.log.Warn("pending invoice has no derivation scheme, skipping", "invoice", id)
			continue
		}

		utxos, ok := utxosByScheme[method.DerivationScheme]
		if !ok {
			utxos, err = l.client.GetUnspentOutputs(ctx, method.DerivationScheme)
			if err != nil {
				l.log.Error("utxo scan failed", "invoice", id, "error", err)
				continue
			}
			utxosByScheme[method.DerivationScheme] = utxos
		}

		seen := make(map[wire.OutPoint]struct{}, len(inv.Payments))
		for _, p := range inv.BTCLikePayments(false) {
			seen[p.Outpoint] = struct{}{}
		}

		for _, utxo := range utxos {
			key := domain.WatchedOutputKey(utxo.ScriptHash, code)
			if _, watched := inv.AvailableAddressHashes[key]; !watched {
				continue
			}
			if _, dup := seen[utxo.Outpoint]; dup {
				continue
			}
			seen[utxo.Outpoint] = struct{}{}

			payment := &domain.PaymentRecord{
				InvoiceID:  inv.ID,
				MethodID:   methodID,
				Outpoint:   utxo.Outpoint,
				Address:    utxo.Address,
				KeyPath:    utxo.KeyPath,
				Value:      utxo.Value,
				ReceivedAt: utxo.Timestamp,
				RBF:        l.isReplaceable(ctx, utxo.Outpoint),
				Accounted:  true,
			}
			added, err := l.payments.AddPayment(ctx, payment)
			if err != nil {
				l.log.Error("failed to record polled payment", "invoice", inv.ID, "error", err)
				continue
			}
			if added == nil {
				// Live path recorded it between the pending listing and now.
				continue
			}

			metrics.PaymentsDetectedTotal.WithLabelValues(string(code), "poll").Inc()
			l.log.Info("missed payment found by polling",
				"invoice", inv.ID, "outpoint", added.PaymentID(), "value", added.Value)
			l.receivedPayment(ctx, inv.ID, added, method.DerivationScheme)
			total++
		}
	}
	return total, nil
}

// isReplaceable reports whether the transaction funding the outpoint signals
// replace-by-fee. Unknown transactions count as replaceable.
func (l *Listener) isReplaceable(ctx context.Context, outpoint wire.OutPoint) bool {
	tx, err := l.client.GetTransaction(ctx, outpoint.Hash)
	if err != nil || tx == nil {
		return true
	}
	if err := tx.ParseTransaction(); err != nil || tx.Transaction == nil {
		return true
	}
	for _, in := range tx.Transaction.TxIn {
		if in.Sequence < wire.MaxTxInSequenceNum-1 {
			return true
		}
	}
	return false
}

// PollLoop re-runs the catch-up scan on a fixed interval. It backs the live
// stream for matches the explorer dropped while the session itself stayed up.
func (l *Listener) PollLoop(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if l.State() != StateLive {
				continue
			}
			if _, err := l.PollPayments(ctx); err != nil {
				l.log.Error("periodic poll failed", "error", err)
			}
		}
	}
}
