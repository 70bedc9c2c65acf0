package domain

import "github.com/btcsuite/btcd/chaincfg/chainhash"

// EventType tags the closed set of domain events the engine publishes.
type EventType string

const (
	EventTypeReceivedPayment          EventType = "received_payment"
	EventTypeInvoiceNeedsUpdate       EventType = "invoice_needs_update"
	EventTypeNewBlock                 EventType = "new_block"
	EventTypeNewOnChainTransaction    EventType = "new_onchain_transaction"
	EventTypeInvoiceNewPaymentDetails EventType = "invoice_new_payment_details"
)

// Event is the tagged union published on the process-wide bus. Consumers
// switch on the concrete type; there is no reflective dispatch.
type Event interface {
	EventType() EventType
}

// ReceivedPayment is published once per newly recorded payment.
type ReceivedPayment struct {
	InvoiceID string
	Payment   *PaymentRecord
}

func (ReceivedPayment) EventType() EventType { return EventTypeReceivedPayment }

// InvoiceNeedsUpdate is published once per invoice per reconciliation pass
// that mutated at least one payment record, never once per record.
type InvoiceNeedsUpdate struct {
	InvoiceID string
}

func (InvoiceNeedsUpdate) EventType() EventType { return EventTypeInvoiceNeedsUpdate }

// NewBlock is published after a block event has been fully reconciled.
type NewBlock struct {
	CryptoCode CryptoCode
}

func (NewBlock) EventType() EventType { return EventTypeNewBlock }

// NewOnChainTransaction is published for every tracked transaction seen on
// the stream, whether or not it matched an invoice.
type NewOnChainTransaction struct {
	CryptoCode CryptoCode
	TxHash     chainhash.Hash
}

func (NewOnChainTransaction) EventType() EventType { return EventTypeNewOnChainTransaction }

// InvoiceNewPaymentDetails is published when an invoice's deposit address
// rotates after being fully consumed.
type InvoiceNewPaymentDetails struct {
	InvoiceID string
	Details   *PaymentMethod
	MethodID  PaymentMethodID
}

func (InvoiceNewPaymentDetails) EventType() EventType { return EventTypeInvoiceNewPaymentDetails }
