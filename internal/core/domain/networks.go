package domain

// CryptoCode identifies a supported chain (e.g. "BTC", "LTC").
type CryptoCode string

const (
	CryptoCodeBTC CryptoCode = "BTC"
	CryptoCodeLTC CryptoCode = "LTC"
)

// PaymentType identifies how a payment method settles.
type PaymentType string

const (
	PaymentTypeBTCLike   PaymentType = "BTCLike"
	PaymentTypeLightning PaymentType = "LightningLike"
)

// PaymentMethodID is the (crypto code, payment type) pair identifying one
// payment method on an invoice.
type PaymentMethodID struct {
	CryptoCode  CryptoCode
	PaymentType PaymentType
}

func (id PaymentMethodID) String() string {
	if id.PaymentType == PaymentTypeBTCLike {
		return string(id.CryptoCode)
	}
	return string(id.CryptoCode) + "-" + string(id.PaymentType)
}

// Network holds the chain-level parameters the engine needs.
type Network struct {
	CryptoCode CryptoCode
	// MaxTrackedConfirmation caps how far confirmation counts are persisted.
	// Once every payment of an invoice reaches the cap, the invoice leaves
	// the pending-poll set.
	MaxTrackedConfirmation int64
}

// DefaultMaxTrackedConfirmation matches the usual "6 confirmations" finality
// threshold for BTC-like chains.
const DefaultMaxTrackedConfirmation = 6
