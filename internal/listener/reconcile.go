package listener

import (
	"context"
	"errors"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"golang.org/x/sync/errgroup"

	"github.com/openbtcpay/paywatch/internal/core/domain"
	"github.com/openbtcpay/paywatch/internal/explorer"
	"github.com/openbtcpay/paywatch/internal/infra/storage"
	"github.com/openbtcpay/paywatch/internal/metrics"
)

// refreshInvoices re-derives accounting state for each invoice in parallel
// and waits for all of them. A failing invoice is logged and skipped.
func (l *Listener) refreshInvoices(ctx context.Context, invoiceIDs []string) {
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(l.cfg.RefreshConcurrency)

	for _, id := range invoiceIDs {
		id := id
		g.Go(func() error {
			if _, err := l.updatePaymentStates(ctx, id); err != nil {
				l.log.Error("payment state refresh failed", "invoice", id, "error", err)
			}
			return nil
		})
	}
	g.Wait()
}

// updatePaymentStates reloads the invoice, re-derives confirmation count and
// accounting for every on-chain payment of this crypto code, and persists all
// changed records as a single batch. It returns the loaded invoice, or nil
// when the invoice no longer exists.
func (l *Listener) updatePaymentStates(ctx context.Context, invoiceID string) (*domain.Invoice, error) {
	start := time.Now()
	code := l.cfg.Network.CryptoCode

	inv, err := l.invoices.GetInvoice(ctx, invoiceID)
	if errors.Is(err, storage.ErrInvoiceNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var payments []*domain.PaymentRecord
	for _, p := range inv.BTCLikePayments(false) {
		if p.MethodID.CryptoCode == code {
			payments = append(payments, p)
		}
	}
	if len(payments) == 0 {
		return inv, nil
	}

	txs, err := l.client.GetTransactions(ctx, paymentTxHashes(payments))
	if err != nil {
		return nil, err
	}

	var (
		updated      []*domain.PaymentRecord
		payjoinInfo  *domain.PayjoinInformation
		stillPending bool

		originalPJBroadcasted   bool
		originalPJBroadcastable bool
		cjPJBroadcasted         bool
	)

	// Payments whose transaction spends a given prevout, used to inherit the
	// network fee from a replaced payment onto its replacement.
	byPrevout := make(map[wire.OutPoint]*domain.PaymentRecord)

	for _, payment := range payments {
		tx, ok := txs[payment.Outpoint.Hash]
		if !ok {
			// The explorer may simply be behind; keep the invoice polled
			// until the transaction resolves or the payment reaches the cap.
			if payment.Confirmations < l.cfg.Network.MaxTrackedConfirmation {
				stillPending = true
			}
			continue
		}
		if err := tx.ParseTransaction(); err != nil {
			l.log.Warn("undecodable transaction from explorer", "tx", tx.TxHash, "error", err)
		}

		accounted := true
		if tx.Confirmations <= 0 {
			// Unconfirmed or unknown: rebroadcast to surface a conflict with
			// the current chain or mempool.
			accounted = l.checkBroadcastable(ctx, payment, tx)
		}
		if payment.Payjoin != nil {
			payjoinInfo = payment.Payjoin
			originalPJBroadcasted = accounted && tx.Confirmations >= 0
			originalPJBroadcastable = accounted
		}
		if payjoinInfo != nil && tx.TxHash == payjoinInfo.CoinjoinTxHash && tx.Confirmations >= 0 {
			cjPJBroadcasted = true
		}

		dirty := false
		if accounted != payment.Accounted {
			if accounted {
				// This payment displaced another one spending the same
				// prevout. The replacement inherits the fee the merchant
				// already absorbed, and a coinjoin replacement carries the
				// negotiated value rather than the matched output's.
				for _, prevout := range tx.Inputs() {
					replaced, seen := byPrevout[prevout]
					if !seen || replaced.Accounted {
						continue
					}
					payment.NetworkFee = replaced.NetworkFee
					if payjoinInfo != nil && tx.TxHash == payjoinInfo.CoinjoinTxHash {
						payment.Value = payjoinInfo.CoinjoinValue
						cjPJBroadcasted = true
					}
				}
			}
			payment.Accounted = accounted
			dirty = true
		}

		for _, prevout := range tx.Inputs() {
			if _, seen := byPrevout[prevout]; !seen {
				byPrevout[prevout] = payment
			}
		}

		if payment.Confirmations != tx.Confirmations &&
			payment.Confirmations <= l.cfg.Network.MaxTrackedConfirmation {
			payment.Confirmations = tx.Confirmations
			dirty = true
		}

		if payment.Confirmations < l.cfg.Network.MaxTrackedConfirmation {
			stillPending = true
		}
		if dirty {
			updated = append(updated, payment)
		}
	}

	l.settlePayjoinLocks(ctx, payjoinInfo, originalPJBroadcasted, originalPJBroadcastable, cjPJBroadcasted)

	if stillPending {
		if err := l.invoices.AddPendingInvoice(ctx, inv.ID); err != nil {
			l.log.Error("failed to keep invoice pending", "invoice", inv.ID, "error", err)
		}
	} else {
		if err := l.invoices.RemovePendingInvoice(ctx, inv.ID); err != nil {
			l.log.Error("failed to retire invoice from polling", "invoice", inv.ID, "error", err)
		}
	}

	if len(updated) > 0 {
		if err := l.payments.UpdatePayments(ctx, updated); err != nil {
			return nil, err
		}
		l.bus.Publish(domain.InvoiceNeedsUpdate{InvoiceID: inv.ID})
	}

	metrics.InvoiceRefreshDuration.WithLabelValues(string(code)).Observe(time.Since(start).Seconds())
	return inv, nil
}

// checkBroadcastable rebroadcasts an unconfirmed payment's transaction and
// classifies the node's answer. Only an explicit conflict de-accounts the
// payment; an unreachable node keeps the previous state.
func (l *Listener) checkBroadcastable(ctx context.Context, payment *domain.PaymentRecord, tx *explorer.TransactionResult) bool {
	if len(tx.RawTx) == 0 {
		return payment.Accounted
	}

	// A transaction the indexer lost track of is only probed, never relayed.
	res, err := l.client.Broadcast(ctx, tx.RawTx, tx.Confirmations == -1)
	if err != nil {
		l.log.Warn("rebroadcast check failed, keeping previous state",
			"tx", tx.TxHash, "error", err)
		return payment.Accounted
	}

	accounted := res.Success ||
		res.RPCCode == explorer.RPCTransactionAlreadyInChain ||
		!(res.RPCCode == explorer.RPCTransactionError || res.RPCCode == explorer.RPCTransactionRejected)

	if !accounted && payment.Accounted && tx.Confirmations != -1 {
		l.log.Info("transaction replaced, payment no longer accounted",
			"tx", tx.TxHash, "invoice", payment.InvoiceID, "reason", res.Message)
		metrics.PaymentsReplacedTotal.WithLabelValues(string(l.cfg.Network.CryptoCode)).Inc()
	}
	return accounted
}

// settlePayjoinLocks releases contributed outpoints once the in-flight
// collaborative transaction is settled: the original broadcast confirmed-and
// -accounted, or the original can never broadcast and no competing coinjoin
// has been seen on the wire.
func (l *Listener) settlePayjoinLocks(ctx context.Context, info *domain.PayjoinInformation, originalBroadcasted, originalBroadcastable, cjBroadcasted bool) {
	if info == nil {
		return
	}

	unlock := originalBroadcasted ||
		(l.cfg.UnlockOnUnbroadcastable && !originalBroadcastable && !cjBroadcasted)
	if !unlock {
		return
	}

	if err := l.locker.TryUnlock(ctx, info.ContributedOutpoints); err != nil {
		l.log.Warn("failed to release payjoin outpoints",
			"coinjoin", info.CoinjoinTxHash, "error", err)
	}
}

func paymentTxHashes(payments []*domain.PaymentRecord) []chainhash.Hash {
	seen := make(map[chainhash.Hash]struct{}, len(payments))
	hashes := make([]chainhash.Hash, 0, len(payments))
	for _, p := range payments {
		if _, ok := seen[p.Outpoint.Hash]; ok {
			continue
		}
		seen[p.Outpoint.Hash] = struct{}{}
		hashes = append(hashes, p.Outpoint.Hash)
	}
	return hashes
}
