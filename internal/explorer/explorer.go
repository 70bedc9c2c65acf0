// Package explorer wraps the external chain-indexing service. The engine
// consumes it through the Client and Session interfaces only; the wire
// protocol below them is not part of the engine's contract.
package explorer

import (
	"bytes"
	"context"
	"errors"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"

	"github.com/openbtcpay/paywatch/internal/core/domain"
)

// ErrConnectionLost fails an in-flight NextEvent call when the streaming
// session drops. The caller must reconnect and run the polling catch-up
// before resuming live consumption.
var ErrConnectionLost = errors.New("explorer: connection lost")

// Client is the query surface of one chain-indexing instance.
type Client interface {
	CryptoCode() domain.CryptoCode

	// CreateSession opens a streaming notification session.
	CreateSession(ctx context.Context) (Session, error)

	GetTransaction(ctx context.Context, txHash chainhash.Hash) (*TransactionResult, error)
	GetTransactions(ctx context.Context, txHashes []chainhash.Hash) (map[chainhash.Hash]*TransactionResult, error)
	GetUnspentOutputs(ctx context.Context, derivationScheme string) ([]*UTXO, error)

	// Broadcast submits a raw transaction. With testMempoolAccept the node
	// only validates acceptance without relaying.
	Broadcast(ctx context.Context, rawTx []byte, testMempoolAccept bool) (*BroadcastResult, error)

	// ReserveAddress hands out the next unused deposit address of the
	// derivation scheme.
	ReserveAddress(ctx context.Context, derivationScheme string) (*AddressInfo, error)
}

// Session is one streaming subscription. Subscribe calls are idempotent.
type Session interface {
	ListenNewBlock(ctx context.Context) error
	ListenAllTrackedSources(ctx context.Context) error

	// NextEvent suspends until an event arrives, the context is cancelled,
	// or the connection drops (ErrConnectionLost).
	NextEvent(ctx context.Context) (ChainEvent, error)

	Close() error
}

// ChainEvent is the tagged union of events a session yields. Events are
// ephemeral and consumed once.
type ChainEvent interface {
	chainEvent()
}

// NewBlockEvent signals a new chain tip.
type NewBlockEvent struct {
	CryptoCode domain.CryptoCode
	Height     int64
	Hash       chainhash.Hash
}

func (NewBlockEvent) chainEvent() {}

// NewTransactionEvent signals a transaction matching a tracked derivation
// scheme, with its outputs already matched against the scheme's scripts.
type NewTransactionEvent struct {
	CryptoCode       domain.CryptoCode
	DerivationScheme string
	TxHash           chainhash.Hash
	RBF              bool
	Inputs           []wire.OutPoint
	Outputs          []MatchedOutput
}

func (NewTransactionEvent) chainEvent() {}

// MatchedOutput is one output of a tracked transaction paying a derived
// script.
type MatchedOutput struct {
	Outpoint   wire.OutPoint
	ScriptHash string
	Address    string
	KeyPath    string
	Value      btcutil.Amount
}

// TransactionResult is the indexer's view of one transaction.
type TransactionResult struct {
	TxHash chainhash.Hash

	// Confirmations is 0 for mempool transactions and -1 when the indexer
	// no longer knows the transaction (evicted, replaced or never seen).
	Confirmations int64

	Height *int64

	// Transaction is nil when the indexer only retained metadata.
	Transaction *wire.MsgTx
	RawTx       []byte
}

// Inputs returns the prevouts spent by the transaction, if known.
func (t *TransactionResult) Inputs() []wire.OutPoint {
	if t.Transaction == nil {
		return nil
	}
	prevouts := make([]wire.OutPoint, 0, len(t.Transaction.TxIn))
	for _, in := range t.Transaction.TxIn {
		prevouts = append(prevouts, in.PreviousOutPoint)
	}
	return prevouts
}

// ParseTransaction deserializes RawTx into Transaction when only bytes were
// returned.
func (t *TransactionResult) ParseTransaction() error {
	if t.Transaction != nil || len(t.RawTx) == 0 {
		return nil
	}
	var msg wire.MsgTx
	if err := msg.Deserialize(bytes.NewReader(t.RawTx)); err != nil {
		return err
	}
	t.Transaction = &msg
	return nil
}

// RPCErrorCode mirrors the node's transaction submission error codes.
type RPCErrorCode int

const (
	RPCErrorNone RPCErrorCode = 0

	// RPCTransactionError: a block mined a replacement, or the tx double
	// spends something already in the mempool without RBF.
	RPCTransactionError RPCErrorCode = -25

	// RPCTransactionRejected: RBF is on and the fee is insufficient.
	RPCTransactionRejected RPCErrorCode = -26

	RPCTransactionAlreadyInChain RPCErrorCode = -27
)

// BroadcastResult is the outcome of submitting a transaction.
type BroadcastResult struct {
	Success bool
	RPCCode RPCErrorCode
	Message string
}

// UTXO is one unspent output of a tracked derivation scheme.
type UTXO struct {
	Outpoint      wire.OutPoint
	ScriptHash    string
	Address       string
	KeyPath       string
	Value         btcutil.Amount
	Confirmations int64
	Timestamp     time.Time
}

// AddressInfo describes a freshly reserved deposit address.
type AddressInfo struct {
	Address    string
	ScriptHash string
	KeyPath    string
}
