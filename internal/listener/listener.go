// Package listener runs the per-crypto-code reconciliation engine: it
// consumes the explorer's event stream, matches incoming outputs to
// invoices, re-derives payment accounting state and publishes domain events.
package listener

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/sethvargo/go-retry"

	"github.com/openbtcpay/paywatch/internal/core/domain"
	"github.com/openbtcpay/paywatch/internal/core/events"
	"github.com/openbtcpay/paywatch/internal/explorer"
	"github.com/openbtcpay/paywatch/internal/infra/storage"
	"github.com/openbtcpay/paywatch/internal/metrics"
	"github.com/openbtcpay/paywatch/internal/payjoin"
	"github.com/openbtcpay/paywatch/internal/watch"
)

// State is the listening session's lifecycle phase.
type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StatePolling      State = "polling"
	StateLive         State = "live"
)

// Config holds the per-network listener configuration.
type Config struct {
	Network domain.Network

	// ReconnectDelay bounds how long the listener waits between a dropped
	// session and the next connection attempt.
	ReconnectDelay time.Duration

	// UnlockOnUnbroadcastable controls the payjoin lock tie-break: when the
	// original transaction is no longer broadcastable and no competing
	// coinjoin has been seen broadcast, the contributed outpoints are
	// released for reuse. Disabling it keeps locks held until the original
	// confirms.
	UnlockOnUnbroadcastable bool

	// RefreshConcurrency caps how many invoices are refreshed in parallel
	// during a block pass.
	RefreshConcurrency int
}

// Listener is one crypto code's reconciliation engine.
type Listener struct {
	cfg      Config
	client   explorer.Client
	registry *explorer.SessionRegistry
	invoices storage.InvoiceRepository
	payments storage.PaymentRepository
	index    *watch.Index
	locker   payjoin.OutpointLocker
	bus      *events.Bus
	log      *slog.Logger

	mu    sync.RWMutex
	state State
}

// New creates a listener. It does not connect until Run is called.
func New(
	cfg Config,
	client explorer.Client,
	registry *explorer.SessionRegistry,
	invoices storage.InvoiceRepository,
	payments storage.PaymentRepository,
	index *watch.Index,
	locker payjoin.OutpointLocker,
	bus *events.Bus,
	log *slog.Logger,
) *Listener {
	if cfg.ReconnectDelay == 0 {
		cfg.ReconnectDelay = 5 * time.Second
	}
	if cfg.RefreshConcurrency == 0 {
		cfg.RefreshConcurrency = 8
	}
	if log == nil {
		log = slog.Default()
	}
	return &Listener{
		cfg:      cfg,
		client:   client,
		registry: registry,
		invoices: invoices,
		payments: payments,
		index:    index,
		locker:   locker,
		bus:      bus,
		log:      log.With("crypto", cfg.Network.CryptoCode),
		state:    StateDisconnected,
	}
}

// State returns the current lifecycle phase.
func (l *Listener) State() State {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.state
}

func (l *Listener) setState(s State) {
	l.mu.Lock()
	l.state = s
	l.mu.Unlock()
}

// Run keeps one listening session alive until the context is cancelled.
// Session failures loop back to connecting; they never propagate to other
// crypto codes.
func (l *Listener) Run(ctx context.Context) error {
	for {
		err := l.listenOnce(ctx)
		l.setState(StateDisconnected)
		if ctx.Err() != nil {
			return nil
		}
		if err != nil {
			l.log.Error("listening session failed", "error", err)
			metrics.SessionReconnectsTotal.WithLabelValues(string(l.cfg.Network.CryptoCode)).Inc()
		}

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(l.cfg.ReconnectDelay):
		}
	}
}

// connect establishes a session with exponential backoff. Startup failures
// only affect this crypto code.
func (l *Listener) connect(ctx context.Context) (explorer.Session, error) {
	var session explorer.Session
	backoff := retry.WithCappedDuration(30*time.Second, retry.NewExponential(time.Second))
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		s, err := l.client.CreateSession(ctx)
		if err != nil {
			l.log.Warn("explorer unreachable, retrying", "error", err)
			return retry.RetryableError(err)
		}
		session = s
		return nil
	})
	if err != nil {
		return nil, err
	}
	return session, nil
}

func (l *Listener) listenOnce(ctx context.Context) error {
	code := l.cfg.Network.CryptoCode
	if !l.registry.Acquire(code) {
		// Another session is already live for this crypto code.
		return nil
	}
	defer l.registry.Release(code)

	l.setState(StateConnecting)
	session, err := l.connect(ctx)
	if err != nil {
		return err
	}
	defer session.Close()

	if err := session.ListenNewBlock(ctx); err != nil {
		return err
	}
	if err := session.ListenAllTrackedSources(ctx); err != nil {
		return err
	}

	// Events during an outage are lost, so catch up before going live.
	l.setState(StatePolling)
	l.log.Info("checking if any pending invoice got paid while offline")
	count, err := l.PollPayments(ctx)
	if err != nil {
		return err
	}
	l.log.Info("catch-up scan finished", "payments", count)

	l.setState(StateLive)
	l.log.Info("connected to explorer event stream")

	for {
		ev, err := session.NextEvent(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		l.handleEvent(ctx, ev)
	}
}

// handleEvent processes one chain event. Per-invoice failures are logged and
// skipped; they never abort the stream.
func (l *Listener) handleEvent(ctx context.Context, ev explorer.ChainEvent) {
	code := string(l.cfg.Network.CryptoCode)

	switch ev := ev.(type) {
	case explorer.NewBlockEvent:
		metrics.ChainEventsTotal.WithLabelValues(code, "newblock").Inc()
		ids, err := l.invoices.GetPendingInvoiceIDs(ctx)
		if err != nil {
			l.log.Error("failed to list pending invoices", "error", err)
			return
		}
		// All refreshes must settle before the block counts as processed,
		// so the next block never races a stale invoice.
		l.refreshInvoices(ctx, ids)
		l.bus.Publish(domain.NewBlock{CryptoCode: l.cfg.Network.CryptoCode})

	case explorer.NewTransactionEvent:
		metrics.ChainEventsTotal.WithLabelValues(code, "newtransaction").Inc()
		if ev.DerivationScheme != "" {
			l.processTransaction(ctx, ev)
		}
		l.bus.Publish(domain.NewOnChainTransaction{
			CryptoCode: l.cfg.Network.CryptoCode,
			TxHash:     ev.TxHash,
		})

	default:
		l.log.Warn("received unknown event from explorer")
	}
}

// processTransaction matches the event's outputs against watched invoices
// and records new payments.
func (l *Listener) processTransaction(ctx context.Context, ev explorer.NewTransactionEvent) {
	code := l.cfg.Network.CryptoCode

	for _, out := range ev.Outputs {
		invoiceID, ok, err := l.index.Resolve(ctx, out.ScriptHash, code)
		if err != nil {
			l.log.Error("watched-output lookup failed", "scriptHash", out.ScriptHash, "error", err)
			continue
		}
		if !ok {
			continue
		}

		inv, err := l.invoices.GetInvoice(ctx, invoiceID)
		if err != nil {
			l.log.Error("failed to load invoice", "invoice", invoiceID, "error", err)
			continue
		}

		payment := &domain.PaymentRecord{
			InvoiceID: invoiceID,
			MethodID: domain.PaymentMethodID{
				CryptoCode:  code,
				PaymentType: domain.PaymentTypeBTCLike,
			},
			Outpoint:   out.Outpoint,
			Address:    out.Address,
			KeyPath:    out.KeyPath,
			Value:      out.Value,
			ReceivedAt: time.Now().UTC(),
			RBF:        ev.RBF,
			Accounted:  true,
		}

		if inv.HasPayment(payment.PaymentID()) {
			// Seen before: re-derive confirmation state instead.
			if _, err := l.updatePaymentStates(ctx, invoiceID); err != nil {
				l.log.Error("payment state refresh failed", "invoice", invoiceID, "error", err)
			}
			continue
		}

		added, err := l.payments.AddPayment(ctx, payment)
		if err != nil {
			l.log.Error("failed to record payment", "invoice", invoiceID, "error", err)
			continue
		}
		if added == nil {
			// The catch-up scan got there first.
			continue
		}
		metrics.PaymentsDetectedTotal.WithLabelValues(string(code), "live").Inc()
		l.receivedPayment(ctx, invoiceID, added, ev.DerivationScheme)
	}
}

// receivedPayment finalizes a newly recorded payment: refreshes the
// invoice's state, rotates a fully consumed deposit address and publishes
// the payment event.
func (l *Listener) receivedPayment(ctx context.Context, invoiceID string, payment *domain.PaymentRecord, derivationScheme string) {
	inv, err := l.updatePaymentStates(ctx, invoiceID)
	if err != nil {
		l.log.Error("payment state refresh failed", "invoice", invoiceID, "error", err)
		return
	}
	if inv == nil {
		return
	}

	method := inv.Method(payment.MethodID)
	if method != nil && method.Activated &&
		method.DepositAddress == payment.Address &&
		inv.Due(method.ID) > 0 {
		if err := l.rotateDepositAddress(ctx, inv, method, derivationScheme); err != nil {
			l.log.Error("deposit address rotation failed", "invoice", invoiceID, "error", err)
		}
	}

	l.bus.Publish(domain.ReceivedPayment{InvoiceID: inv.ID, Payment: payment})
}

// rotateDepositAddress reserves a fresh address for an invoice whose current
// deposit address is fully consumed but which still has an amount due.
func (l *Listener) rotateDepositAddress(ctx context.Context, inv *domain.Invoice, method *domain.PaymentMethod, derivationScheme string) error {
	if derivationScheme == "" {
		derivationScheme = method.DerivationScheme
	}
	addr, err := l.client.ReserveAddress(ctx, derivationScheme)
	if err != nil {
		return err
	}

	method.DepositAddress = addr.Address
	method.DepositScriptHash = addr.ScriptHash
	method.KeyPath = addr.KeyPath

	if err := l.invoices.UpdatePaymentDetails(ctx, inv.ID, method); err != nil {
		return err
	}
	if err := l.index.Register(ctx, addr.ScriptHash, l.cfg.Network.CryptoCode, inv.ID); err != nil {
		return err
	}

	l.bus.Publish(domain.InvoiceNewPaymentDetails{
		InvoiceID: inv.ID,
		Details:   method,
		MethodID:  method.ID,
	})
	l.log.Info("deposit address rotated", "invoice", inv.ID, "address", addr.Address)
	return nil
}
