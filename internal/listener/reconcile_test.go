package listener

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"

	"github.com/openbtcpay/paywatch/internal/core/domain"
	"github.com/openbtcpay/paywatch/internal/explorer"
	"github.com/openbtcpay/paywatch/internal/infra/storage/memory"
)

func seedPayment(t *testing.T, f *fixture, p *domain.PaymentRecord) {
	t.Helper()
	repo := memory.NewPaymentRepo(f.store)
	added, err := repo.AddPayment(context.Background(), p)
	if err != nil {
		t.Fatalf("AddPayment failed: %v", err)
	}
	if added == nil {
		t.Fatalf("payment %s already present", p.PaymentID())
	}
}

func btcPayment(invoiceID string, txHash chainhash.Hash, receivedAt time.Time) *domain.PaymentRecord {
	return &domain.PaymentRecord{
		InvoiceID: invoiceID,
		MethodID: domain.PaymentMethodID{
			CryptoCode:  domain.CryptoCodeBTC,
			PaymentType: domain.PaymentTypeBTCLike,
		},
		Outpoint:   wire.OutPoint{Hash: txHash, Index: 0},
		Address:    "addr-1",
		Value:      50_000,
		ReceivedAt: receivedAt,
		Accounted:  true,
	}
}

func TestReplacedPaymentIsDeaccounted(t *testing.T) {
	f := newFixture(t)
	f.store.SeedInvoice(newTestInvoice("inv1"))

	txHash := hashOf(0xC1)
	seedPayment(t, f, btcPayment("inv1", txHash, time.Unix(1000, 0)))

	f.client.txs[txHash] = &explorer.TransactionResult{
		TxHash:        txHash,
		Confirmations: 0,
		RawTx:         []byte("raw-c1"),
		Transaction:   txSpending(outpointOf(0x01, 0)),
	}
	f.client.broadcasts["raw-c1"] = &explorer.BroadcastResult{
		Success: false,
		RPCCode: explorer.RPCTransactionRejected,
		Message: "insufficient fee",
	}

	if _, err := f.lst.updatePaymentStates(context.Background(), "inv1"); err != nil {
		t.Fatalf("updatePaymentStates failed: %v", err)
	}

	p := f.storedPayment(t, "inv1", wire.OutPoint{Hash: txHash, Index: 0}.String())
	if p.Accounted {
		t.Error("replaced payment should no longer be accounted")
	}
	if f.countEvents(domain.EventTypeInvoiceNeedsUpdate) != 1 {
		t.Error("expected exactly one invoice_needs_update event")
	}
}

func TestAlreadyInChainStaysAccounted(t *testing.T) {
	f := newFixture(t)
	f.store.SeedInvoice(newTestInvoice("inv1"))

	txHash := hashOf(0xC2)
	seedPayment(t, f, btcPayment("inv1", txHash, time.Unix(1000, 0)))

	f.client.txs[txHash] = &explorer.TransactionResult{
		TxHash:        txHash,
		Confirmations: 0,
		RawTx:         []byte("raw-c2"),
	}
	f.client.broadcasts["raw-c2"] = &explorer.BroadcastResult{
		Success: false,
		RPCCode: explorer.RPCTransactionAlreadyInChain,
	}

	if _, err := f.lst.updatePaymentStates(context.Background(), "inv1"); err != nil {
		t.Fatalf("updatePaymentStates failed: %v", err)
	}

	p := f.storedPayment(t, "inv1", wire.OutPoint{Hash: txHash, Index: 0}.String())
	if !p.Accounted {
		t.Error("txn-already-in-mempool must keep the payment accounted")
	}
}

func TestUnrelatedBroadcastFailureStaysAccounted(t *testing.T) {
	f := newFixture(t)
	f.store.SeedInvoice(newTestInvoice("inv1"))

	txHash := hashOf(0xC3)
	seedPayment(t, f, btcPayment("inv1", txHash, time.Unix(1000, 0)))

	f.client.txs[txHash] = &explorer.TransactionResult{
		TxHash:        txHash,
		Confirmations: 0,
		RawTx:         []byte("raw-c3"),
	}
	// Some other failure class, e.g. node still warming up.
	f.client.broadcasts["raw-c3"] = &explorer.BroadcastResult{
		Success: false,
		RPCCode: -28,
	}

	if _, err := f.lst.updatePaymentStates(context.Background(), "inv1"); err != nil {
		t.Fatalf("updatePaymentStates failed: %v", err)
	}

	p := f.storedPayment(t, "inv1", wire.OutPoint{Hash: txHash, Index: 0}.String())
	if !p.Accounted {
		t.Error("non-conflict broadcast failures must not de-account the payment")
	}
}

func TestUnreachableNodeKeepsPreviousState(t *testing.T) {
	f := newFixture(t)
	f.store.SeedInvoice(newTestInvoice("inv1"))

	txHash := hashOf(0xC4)
	p := btcPayment("inv1", txHash, time.Unix(1000, 0))
	p.Accounted = false
	seedPayment(t, f, p)

	f.client.txs[txHash] = &explorer.TransactionResult{
		TxHash:        txHash,
		Confirmations: 0,
		RawTx:         []byte("raw-c4"),
	}
	f.client.broadcastErr = errors.New("connection refused")

	if _, err := f.lst.updatePaymentStates(context.Background(), "inv1"); err != nil {
		t.Fatalf("updatePaymentStates failed: %v", err)
	}

	got := f.storedPayment(t, "inv1", wire.OutPoint{Hash: txHash, Index: 0}.String())
	if got.Accounted {
		t.Error("node outage must not flip a de-accounted payment back")
	}
	if f.countEvents(domain.EventTypeInvoiceNeedsUpdate) != 0 {
		t.Error("nothing changed, no invoice_needs_update expected")
	}
}

func TestEvictedTransactionIsProbedNotRelayed(t *testing.T) {
	f := newFixture(t)
	f.store.SeedInvoice(newTestInvoice("inv1"))

	txHash := hashOf(0xC5)
	seedPayment(t, f, btcPayment("inv1", txHash, time.Unix(1000, 0)))

	f.client.txs[txHash] = &explorer.TransactionResult{
		TxHash:        txHash,
		Confirmations: -1,
		RawTx:         []byte("raw-c5"),
	}

	if _, err := f.lst.updatePaymentStates(context.Background(), "inv1"); err != nil {
		t.Fatalf("updatePaymentStates failed: %v", err)
	}

	if len(f.client.probeFlags) != 1 || !f.client.probeFlags[0] {
		t.Fatalf("expected one mempool-accept probe, got %v", f.client.probeFlags)
	}
}

func TestReplacementInheritsNetworkFee(t *testing.T) {
	f := newFixture(t)
	f.store.SeedInvoice(newTestInvoice("inv1"))

	prevout := outpointOf(0x02, 1)

	originalHash := hashOf(0xD1)
	original := btcPayment("inv1", originalHash, time.Unix(1000, 0))
	original.NetworkFee = 1_200
	seedPayment(t, f, original)

	replacementHash := hashOf(0xD2)
	replacement := btcPayment("inv1", replacementHash, time.Unix(2000, 0))
	replacement.Accounted = false
	seedPayment(t, f, replacement)

	f.client.txs[originalHash] = &explorer.TransactionResult{
		TxHash:        originalHash,
		Confirmations: 0,
		RawTx:         []byte("raw-d1"),
		Transaction:   txSpending(prevout),
	}
	f.client.txs[replacementHash] = &explorer.TransactionResult{
		TxHash:        replacementHash,
		Confirmations: 0,
		RawTx:         []byte("raw-d2"),
		Transaction:   txSpending(prevout),
	}
	f.client.broadcasts["raw-d1"] = &explorer.BroadcastResult{
		Success: false,
		RPCCode: explorer.RPCTransactionError,
		Message: "txn-mempool-conflict",
	}

	if _, err := f.lst.updatePaymentStates(context.Background(), "inv1"); err != nil {
		t.Fatalf("updatePaymentStates failed: %v", err)
	}

	gotOriginal := f.storedPayment(t, "inv1", original.PaymentID())
	if gotOriginal.Accounted {
		t.Error("original should be de-accounted")
	}
	gotReplacement := f.storedPayment(t, "inv1", replacement.PaymentID())
	if !gotReplacement.Accounted {
		t.Error("replacement should be accounted")
	}
	if gotReplacement.NetworkFee != 1_200 {
		t.Errorf("replacement should inherit fee 1200, got %d", gotReplacement.NetworkFee)
	}
	if f.countEvents(domain.EventTypeInvoiceNeedsUpdate) != 1 {
		t.Error("one reconciliation pass publishes one invoice_needs_update")
	}
}

func TestCoinjoinReplacementCarriesNegotiatedValue(t *testing.T) {
	f := newFixture(t)
	f.store.SeedInvoice(newTestInvoice("inv1"))

	prevout := outpointOf(0x03, 0)
	contributed := outpointOf(0x04, 2)
	coinjoinHash := hashOf(0xD4)

	originalHash := hashOf(0xD3)
	original := btcPayment("inv1", originalHash, time.Unix(1000, 0))
	original.Payjoin = &domain.PayjoinInformation{
		CoinjoinTxHash:       coinjoinHash,
		CoinjoinValue:        45_000,
		ContributedOutpoints: []wire.OutPoint{contributed},
	}
	seedPayment(t, f, original)

	coinjoin := btcPayment("inv1", coinjoinHash, time.Unix(2000, 0))
	coinjoin.Accounted = false
	coinjoin.Value = 50_000
	seedPayment(t, f, coinjoin)

	if ok, _ := f.locker.TryLock(context.Background(), []wire.OutPoint{contributed}); !ok {
		t.Fatal("failed to pre-lock contributed outpoint")
	}

	f.client.txs[originalHash] = &explorer.TransactionResult{
		TxHash:        originalHash,
		Confirmations: 0,
		RawTx:         []byte("raw-d3"),
		Transaction:   txSpending(prevout),
	}
	f.client.txs[coinjoinHash] = &explorer.TransactionResult{
		TxHash:        coinjoinHash,
		Confirmations: 0,
		RawTx:         []byte("raw-d4"),
		Transaction:   txSpending(prevout),
	}
	f.client.broadcasts["raw-d3"] = &explorer.BroadcastResult{
		Success: false,
		RPCCode: explorer.RPCTransactionError,
	}

	if _, err := f.lst.updatePaymentStates(context.Background(), "inv1"); err != nil {
		t.Fatalf("updatePaymentStates failed: %v", err)
	}

	got := f.storedPayment(t, "inv1", coinjoin.PaymentID())
	if got.Value != 45_000 {
		t.Errorf("coinjoin payment should carry negotiated value 45000, got %d", got.Value)
	}

	// The coinjoin is on the wire, the contributed inputs stay locked.
	locked, _ := f.locker.IsLocked(context.Background(), contributed)
	if !locked {
		t.Error("contributed outpoint must stay locked while the coinjoin is in flight")
	}
}

func TestPayjoinUnlocksAfterOriginalConfirms(t *testing.T) {
	f := newFixture(t)
	f.store.SeedInvoice(newTestInvoice("inv1"))

	contributed := outpointOf(0x05, 0)
	txHash := hashOf(0xD5)
	p := btcPayment("inv1", txHash, time.Unix(1000, 0))
	p.Payjoin = &domain.PayjoinInformation{
		CoinjoinTxHash:       hashOf(0xD6),
		CoinjoinValue:        45_000,
		ContributedOutpoints: []wire.OutPoint{contributed},
	}
	seedPayment(t, f, p)

	if ok, _ := f.locker.TryLock(context.Background(), []wire.OutPoint{contributed}); !ok {
		t.Fatal("failed to pre-lock contributed outpoint")
	}

	f.client.txs[txHash] = &explorer.TransactionResult{
		TxHash:        txHash,
		Confirmations: 1,
	}

	if _, err := f.lst.updatePaymentStates(context.Background(), "inv1"); err != nil {
		t.Fatalf("updatePaymentStates failed: %v", err)
	}

	locked, _ := f.locker.IsLocked(context.Background(), contributed)
	if locked {
		t.Error("contributed outpoint should be released once the original confirmed")
	}
}

func TestPayjoinUnlockOnUnbroadcastableTieBreak(t *testing.T) {
	run := func(t *testing.T, unlockPolicy bool) bool {
		f := newFixture(t, func(cfg *Config) {
			cfg.UnlockOnUnbroadcastable = unlockPolicy
		})
		f.store.SeedInvoice(newTestInvoice("inv1"))

		contributed := outpointOf(0x06, 0)
		txHash := hashOf(0xD7)
		p := btcPayment("inv1", txHash, time.Unix(1000, 0))
		p.Payjoin = &domain.PayjoinInformation{
			CoinjoinTxHash:       hashOf(0xD8),
			CoinjoinValue:        45_000,
			ContributedOutpoints: []wire.OutPoint{contributed},
		}
		seedPayment(t, f, p)

		if ok, _ := f.locker.TryLock(context.Background(), []wire.OutPoint{contributed}); !ok {
			t.Fatal("failed to pre-lock contributed outpoint")
		}

		// Original conflicted away and no coinjoin has been seen.
		f.client.txs[txHash] = &explorer.TransactionResult{
			TxHash:        txHash,
			Confirmations: 0,
			RawTx:         []byte("raw-d7"),
		}
		f.client.broadcasts["raw-d7"] = &explorer.BroadcastResult{
			Success: false,
			RPCCode: explorer.RPCTransactionError,
		}

		if _, err := f.lst.updatePaymentStates(context.Background(), "inv1"); err != nil {
			t.Fatalf("updatePaymentStates failed: %v", err)
		}

		locked, _ := f.locker.IsLocked(context.Background(), contributed)
		return locked
	}

	t.Run("release enabled", func(t *testing.T) {
		if run(t, true) {
			t.Error("outpoints should be released when the original is unbroadcastable")
		}
	})
	t.Run("release disabled", func(t *testing.T) {
		if !run(t, false) {
			t.Error("outpoints should stay locked with the conservative policy")
		}
	})
}

func TestConfirmationTrackingStopsAtCap(t *testing.T) {
	f := newFixture(t)
	f.store.SeedInvoice(newTestInvoice("inv1"))

	txHash := hashOf(0xE1)
	p := btcPayment("inv1", txHash, time.Unix(1000, 0))
	p.Confirmations = 7 // already past the cap of 6
	seedPayment(t, f, p)

	f.client.txs[txHash] = &explorer.TransactionResult{
		TxHash:        txHash,
		Confirmations: 12,
	}

	if _, err := f.lst.updatePaymentStates(context.Background(), "inv1"); err != nil {
		t.Fatalf("updatePaymentStates failed: %v", err)
	}

	got := f.storedPayment(t, "inv1", p.PaymentID())
	if got.Confirmations != 7 {
		t.Errorf("confirmations past the cap must stop updating, got %d", got.Confirmations)
	}

	// Fully confirmed invoices leave the polling set.
	repo := memory.NewInvoiceRepo(f.store)
	ids, _ := repo.GetPendingInvoiceIDs(context.Background())
	if len(ids) != 0 {
		t.Errorf("fully confirmed invoice should leave the pending set, got %v", ids)
	}
}

func TestConfirmationProgressKeepsInvoicePending(t *testing.T) {
	f := newFixture(t)
	f.store.SeedInvoice(newTestInvoice("inv1"))

	txHash := hashOf(0xE2)
	seedPayment(t, f, btcPayment("inv1", txHash, time.Unix(1000, 0)))

	f.client.txs[txHash] = &explorer.TransactionResult{
		TxHash:        txHash,
		Confirmations: 3,
	}

	if _, err := f.lst.updatePaymentStates(context.Background(), "inv1"); err != nil {
		t.Fatalf("updatePaymentStates failed: %v", err)
	}

	got := f.storedPayment(t, "inv1", wire.OutPoint{Hash: txHash, Index: 0}.String())
	if got.Confirmations != 3 {
		t.Errorf("expected 3 confirmations, got %d", got.Confirmations)
	}

	repo := memory.NewInvoiceRepo(f.store)
	ids, _ := repo.GetPendingInvoiceIDs(context.Background())
	if len(ids) != 1 || ids[0] != "inv1" {
		t.Errorf("invoice below the cap must stay pending, got %v", ids)
	}
}

func TestUnknownTransactionSkipped(t *testing.T) {
	f := newFixture(t)
	f.store.SeedInvoice(newTestInvoice("inv1"))

	txHash := hashOf(0xE3)
	seedPayment(t, f, btcPayment("inv1", txHash, time.Unix(1000, 0)))
	// No fixture for the tx: the indexer returned nothing for it.

	if _, err := f.lst.updatePaymentStates(context.Background(), "inv1"); err != nil {
		t.Fatalf("updatePaymentStates failed: %v", err)
	}

	got := f.storedPayment(t, "inv1", wire.OutPoint{Hash: txHash, Index: 0}.String())
	if !got.Accounted || got.Confirmations != 0 {
		t.Error("a payment with no indexer data must keep its state")
	}
	if f.countEvents(domain.EventTypeInvoiceNeedsUpdate) != 0 {
		t.Error("no update event expected when nothing changed")
	}
}

func TestUnresolvedPaymentKeepsInvoicePending(t *testing.T) {
	f := newFixture(t)
	f.store.SeedInvoice(newTestInvoice("inv1"))

	// Unconfirmed payment whose transaction the indexer momentarily does not
	// return. The invoice must stay in the polling set so a later pass can
	// pick it up.
	txHash := hashOf(0xE4)
	seedPayment(t, f, btcPayment("inv1", txHash, time.Unix(1000, 0)))

	if _, err := f.lst.updatePaymentStates(context.Background(), "inv1"); err != nil {
		t.Fatalf("updatePaymentStates failed: %v", err)
	}

	repo := memory.NewInvoiceRepo(f.store)
	ids, _ := repo.GetPendingInvoiceIDs(context.Background())
	if len(ids) != 1 || ids[0] != "inv1" {
		t.Errorf("invoice with an unresolved payment must stay pending, got %v", ids)
	}
}

func TestMissingInvoiceIsNotAnError(t *testing.T) {
	f := newFixture(t)

	inv, err := f.lst.updatePaymentStates(context.Background(), "ghost")
	if err != nil {
		t.Fatalf("missing invoice should not fail the pass: %v", err)
	}
	if inv != nil {
		t.Fatal("expected nil invoice for unknown id")
	}
}
