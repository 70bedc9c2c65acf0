package domain

import (
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
)

// PaymentRecord is one observed on-chain output applied to one invoice.
// Records are created once and only ever superseded in accounting, never
// deleted. The reconciliation engine is the only writer.
type PaymentRecord struct {
	InvoiceID string
	MethodID  PaymentMethodID

	// Outpoint of the matched output. The canonical payment identifier is
	// derived from it; at most one record may exist per (invoice, outpoint).
	Outpoint wire.OutPoint

	Address    string
	KeyPath    string
	Value      btcutil.Amount
	NetworkFee btcutil.Amount
	ReceivedAt time.Time

	// Confirmations is monotonically tracked up to the network's
	// MaxTrackedConfirmation. -1 means the backing tx is unknown.
	Confirmations int64

	RBF bool

	// Accounted reports whether this payment currently counts toward the
	// invoice's due amount. Flips to false when the backing transaction is
	// conflicted, replaced or RBF-rejected.
	Accounted bool

	Payjoin *PayjoinInformation
}

// PaymentID returns the canonical payment identifier for the record.
func (p *PaymentRecord) PaymentID() string {
	return p.Outpoint.String()
}

// PayjoinInformation is attached to a payment whose output was exposed via a
// negotiated collaborative transaction. It drives unlock decisions for the
// contributed outpoints.
type PayjoinInformation struct {
	CoinjoinTxHash       chainhash.Hash
	CoinjoinValue        btcutil.Amount
	ContributedOutpoints []wire.OutPoint
}
