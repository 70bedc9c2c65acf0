package health

import (
	"context"
	"sync"
	"time"

	"github.com/openbtcpay/paywatch/internal/core/domain"
	"github.com/openbtcpay/paywatch/internal/infra/storage"
	"github.com/openbtcpay/paywatch/internal/listener"
)

// Pinger checks a storage backend's liveness.
type Pinger interface {
	Health(ctx context.Context) error
}

// Monitor aggregates health status from the listeners and their storage.
type Monitor struct {
	listeners map[domain.CryptoCode]*listener.Listener
	invoices  storage.InvoiceRepository
	pinger    Pinger

	mu         sync.RWMutex
	lastCheck  time.Time
	lastReport map[string]NetworkHealth
}

// NewMonitor creates a new health monitor. pinger may be nil when storage is
// in-memory.
func NewMonitor(
	listeners map[domain.CryptoCode]*listener.Listener,
	invoices storage.InvoiceRepository,
	pinger Pinger,
) *Monitor {
	return &Monitor{
		listeners:  listeners,
		invoices:   invoices,
		pinger:     pinger,
		lastReport: make(map[string]NetworkHealth),
	}
}

// CheckHealth reports per-network health. Results are cached briefly so the
// endpoint cannot hammer storage.
func (m *Monitor) CheckHealth(ctx context.Context) map[string]NetworkHealth {
	m.mu.Lock()
	defer m.mu.Unlock()

	if time.Since(m.lastCheck) < 10*time.Second && len(m.lastReport) > 0 {
		return m.lastReport
	}

	storageOK := true
	if m.pinger != nil {
		storageOK = m.pinger.Health(ctx) == nil
	}

	pending := 0
	if ids, err := m.invoices.GetPendingInvoiceIDs(ctx); err == nil {
		pending = len(ids)
	} else {
		storageOK = false
	}

	report := make(map[string]NetworkHealth, len(m.listeners))
	for code, l := range m.listeners {
		h := NetworkHealth{
			CryptoCode:      string(code),
			Status:          StatusHealthy,
			ListenerState:   string(l.State()),
			PendingInvoices: pending,
			StorageOK:       storageOK,
		}

		switch {
		case !storageOK:
			h.Status = StatusCritical
		case l.State() == listener.StateDisconnected:
			h.Status = StatusCritical
		case l.State() != listener.StateLive:
			// Connecting or mid catch-up scan.
			h.Status = StatusDegraded
		}

		report[string(code)] = h
	}

	m.lastCheck = time.Now()
	m.lastReport = report
	return report
}
