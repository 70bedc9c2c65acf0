package domain

import (
	"testing"

	"github.com/btcsuite/btcd/wire"
)

func btcMethodID() PaymentMethodID {
	return PaymentMethodID{CryptoCode: CryptoCodeBTC, PaymentType: PaymentTypeBTCLike}
}

func TestWatchedOutputKeyFormat(t *testing.T) {
	got := WatchedOutputKey("ab12cd", "btc")
	if got != "ab12cd#BTC" {
		t.Errorf("expected ab12cd#BTC, got %s", got)
	}
}

func TestDueSubtractsOnlyAccountedPayments(t *testing.T) {
	inv := &Invoice{
		ID: "inv1",
		Methods: []*PaymentMethod{{
			ID:     btcMethodID(),
			Amount: 100_000,
		}},
		Payments: []*PaymentRecord{
			{MethodID: btcMethodID(), Value: 30_000, Accounted: true},
			{MethodID: btcMethodID(), Value: 25_000, Accounted: false},
		},
	}

	if due := inv.Due(btcMethodID()); due != 70_000 {
		t.Errorf("expected due 70000, got %d", due)
	}
}

func TestDueFloorsAtZero(t *testing.T) {
	inv := &Invoice{
		Methods: []*PaymentMethod{{
			ID:     btcMethodID(),
			Amount: 50_000,
		}},
		Payments: []*PaymentRecord{
			{MethodID: btcMethodID(), Value: 80_000, Accounted: true},
		},
	}

	if due := inv.Due(btcMethodID()); due != 0 {
		t.Errorf("overpaid invoice must report zero due, got %d", due)
	}
}

func TestDueUnknownMethod(t *testing.T) {
	inv := &Invoice{}
	if due := inv.Due(btcMethodID()); due != 0 {
		t.Errorf("unknown method must report zero due, got %d", due)
	}
}

func TestBTCLikePaymentsFilters(t *testing.T) {
	ln := PaymentMethodID{CryptoCode: CryptoCodeBTC, PaymentType: PaymentTypeLightning}
	inv := &Invoice{
		Payments: []*PaymentRecord{
			{MethodID: btcMethodID(), Accounted: true},
			{MethodID: btcMethodID(), Accounted: false},
			{MethodID: ln, Accounted: true},
		},
	}

	if got := len(inv.BTCLikePayments(false)); got != 2 {
		t.Errorf("expected 2 on-chain payments, got %d", got)
	}
	if got := len(inv.BTCLikePayments(true)); got != 1 {
		t.Errorf("expected 1 accounted on-chain payment, got %d", got)
	}
}

func TestPaymentIDRoundTrips(t *testing.T) {
	var h [32]byte
	h[0] = 0xFF
	p := &PaymentRecord{Outpoint: wire.OutPoint{Hash: h, Index: 3}}

	parsed, err := wire.NewOutPointFromString(p.PaymentID())
	if err != nil {
		t.Fatalf("canonical id must parse back: %v", err)
	}
	if *parsed != p.Outpoint {
		t.Errorf("round trip mismatch: %v != %v", parsed, p.Outpoint)
	}
}

func TestPaymentMethodIDString(t *testing.T) {
	if got := btcMethodID().String(); got != "BTC" {
		t.Errorf("expected BTC, got %s", got)
	}
	ln := PaymentMethodID{CryptoCode: CryptoCodeBTC, PaymentType: PaymentTypeLightning}
	if got := ln.String(); got != "BTC-LightningLike" {
		t.Errorf("expected BTC-LightningLike, got %s", got)
	}
}
