package domain

import (
	"strings"

	"github.com/btcsuite/btcd/btcutil"
)

// WatchedOutputKey indexes invoices by the destination script hashes they are
// waiting on. Format: "<scriptHash>#<CRYPTO>". Immutable once computed.
func WatchedOutputKey(scriptHash string, cryptoCode CryptoCode) string {
	return scriptHash + "#" + strings.ToUpper(string(cryptoCode))
}

// PaymentMethod is the mutable payment-method-details slot of an invoice for
// one payment method id. The deposit address rotates once it is fully
// consumed while the invoice still has a remaining due amount.
type PaymentMethod struct {
	ID               PaymentMethodID
	DerivationScheme string

	DepositAddress    string
	DepositScriptHash string
	KeyPath           string

	// Amount due on this method at invoice creation.
	Amount btcutil.Amount

	Activated bool
}

// Invoice is the slice of the external invoice entity the engine needs: the
// watched addresses, the supported methods and the recorded payments.
type Invoice struct {
	ID      string
	Methods []*PaymentMethod

	// Payments loaded from the ledger. Owned by this invoice.
	Payments []*PaymentRecord

	// AvailableAddressHashes holds every WatchedOutputKey the invoice has
	// ever been watching, including rotated-away deposit addresses.
	AvailableAddressHashes map[string]struct{}
}

// Supports reports whether the invoice accepts the given payment method.
func (inv *Invoice) Supports(id PaymentMethodID) bool {
	return inv.Method(id) != nil
}

// Method returns the payment method with the given id, or nil.
func (inv *Invoice) Method(id PaymentMethodID) *PaymentMethod {
	for _, m := range inv.Methods {
		if m.ID == id {
			return m
		}
	}
	return nil
}

// BTCLikePayments returns the payments settling on-chain, optionally
// restricted to accounted ones.
func (inv *Invoice) BTCLikePayments(accountedOnly bool) []*PaymentRecord {
	var out []*PaymentRecord
	for _, p := range inv.Payments {
		if p.MethodID.PaymentType != PaymentTypeBTCLike {
			continue
		}
		if accountedOnly && !p.Accounted {
			continue
		}
		out = append(out, p)
	}
	return out
}

// HasPayment reports whether a payment with the given canonical id exists.
func (inv *Invoice) HasPayment(paymentID string) bool {
	for _, p := range inv.Payments {
		if p.PaymentID() == paymentID {
			return true
		}
	}
	return false
}

// Due returns the remaining amount owed on the given method: the method
// amount minus the sum of accounted payments recorded against it.
func (inv *Invoice) Due(id PaymentMethodID) btcutil.Amount {
	m := inv.Method(id)
	if m == nil {
		return 0
	}
	due := m.Amount
	for _, p := range inv.Payments {
		if p.MethodID == id && p.Accounted {
			due -= p.Value
		}
	}
	if due < 0 {
		return 0
	}
	return due
}
