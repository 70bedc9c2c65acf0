package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/openbtcpay/paywatch/internal/core/domain"
	"github.com/openbtcpay/paywatch/internal/infra/storage"
)

// MemoryStorage backs the repositories for tests and DB-less setups.
type MemoryStorage struct {
	mu       sync.RWMutex
	invoices map[string]*domain.Invoice
	// payments keyed by invoiceID -> canonical payment id
	payments  map[string]map[string]*domain.PaymentRecord
	pending   map[string]struct{}
	addresses map[string]string // watched-output key -> invoiceID
}

func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{
		invoices:  make(map[string]*domain.Invoice),
		payments:  make(map[string]map[string]*domain.PaymentRecord),
		pending:   make(map[string]struct{}),
		addresses: make(map[string]string),
	}
}

// SeedInvoice installs an invoice, registers its watched addresses and marks
// it pending. Test helper and DB-less bootstrap path.
func (s *MemoryStorage) SeedInvoice(inv *domain.Invoice) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if inv.AvailableAddressHashes == nil {
		inv.AvailableAddressHashes = make(map[string]struct{})
	}
	s.invoices[inv.ID] = inv
	s.pending[inv.ID] = struct{}{}
	for key := range inv.AvailableAddressHashes {
		s.addresses[key] = inv.ID
	}
}

// -----------------------------------------------------------------------------
// Payment Repository
// -----------------------------------------------------------------------------

type PaymentRepo struct {
	store *MemoryStorage
}

func NewPaymentRepo(store *MemoryStorage) *PaymentRepo {
	return &PaymentRepo{store: store}
}

func (r *PaymentRepo) AddPayment(ctx context.Context, payment *domain.PaymentRecord) (*domain.PaymentRecord, error) {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()

	byID, ok := r.store.payments[payment.InvoiceID]
	if !ok {
		byID = make(map[string]*domain.PaymentRecord)
		r.store.payments[payment.InvoiceID] = byID
	}
	if _, exists := byID[payment.PaymentID()]; exists {
		return nil, nil
	}
	cp := *payment
	byID[payment.PaymentID()] = &cp
	return &cp, nil
}

func (r *PaymentRepo) UpdatePayments(ctx context.Context, payments []*domain.PaymentRecord) error {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	for _, p := range payments {
		byID, ok := r.store.payments[p.InvoiceID]
		if !ok {
			continue
		}
		if _, exists := byID[p.PaymentID()]; exists {
			cp := *p
			byID[p.PaymentID()] = &cp
		}
	}
	return nil
}

func (r *PaymentRepo) GetPayments(ctx context.Context, invoiceID string) ([]*domain.PaymentRecord, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()
	var out []*domain.PaymentRecord
	for _, p := range r.store.payments[invoiceID] {
		cp := *p
		out = append(out, &cp)
	}
	// Oldest first, matching the SQL repository.
	sort.Slice(out, func(i, j int) bool { return out[i].ReceivedAt.Before(out[j].ReceivedAt) })
	return out, nil
}

// -----------------------------------------------------------------------------
// Invoice Repository
// -----------------------------------------------------------------------------

type InvoiceRepo struct {
	store *MemoryStorage
}

func NewInvoiceRepo(store *MemoryStorage) *InvoiceRepo {
	return &InvoiceRepo{store: store}
}

func (r *InvoiceRepo) GetInvoice(ctx context.Context, id string) (*domain.Invoice, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()
	inv, ok := r.store.invoices[id]
	if !ok {
		return nil, storage.ErrInvoiceNotFound
	}
	cp := *inv
	cp.Payments = nil
	for _, p := range r.store.payments[id] {
		pc := *p
		cp.Payments = append(cp.Payments, &pc)
	}
	sort.Slice(cp.Payments, func(i, j int) bool {
		return cp.Payments[i].ReceivedAt.Before(cp.Payments[j].ReceivedAt)
	})
	return &cp, nil
}

func (r *InvoiceRepo) GetPendingInvoiceIDs(ctx context.Context) ([]string, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()
	ids := make([]string, 0, len(r.store.pending))
	for id := range r.store.pending {
		ids = append(ids, id)
	}
	return ids, nil
}

func (r *InvoiceRepo) AddPendingInvoice(ctx context.Context, id string) error {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	r.store.pending[id] = struct{}{}
	return nil
}

func (r *InvoiceRepo) RemovePendingInvoice(ctx context.Context, id string) error {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	delete(r.store.pending, id)
	return nil
}

func (r *InvoiceRepo) GetInvoiceIDsFromAddresses(ctx context.Context, keys []string) ([]string, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()
	var ids []string
	seen := make(map[string]struct{})
	for _, key := range keys {
		if id, ok := r.store.addresses[key]; ok {
			if _, dup := seen[id]; !dup {
				seen[id] = struct{}{}
				ids = append(ids, id)
			}
		}
	}
	return ids, nil
}

func (r *InvoiceRepo) AddInvoiceAddress(ctx context.Context, invoiceID, key string) error {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	r.store.addresses[key] = invoiceID
	if inv, ok := r.store.invoices[invoiceID]; ok {
		if inv.AvailableAddressHashes == nil {
			inv.AvailableAddressHashes = make(map[string]struct{})
		}
		inv.AvailableAddressHashes[key] = struct{}{}
	}
	return nil
}

func (r *InvoiceRepo) UpdatePaymentDetails(ctx context.Context, invoiceID string, details *domain.PaymentMethod) error {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	inv, ok := r.store.invoices[invoiceID]
	if !ok {
		return storage.ErrInvoiceNotFound
	}
	for i, m := range inv.Methods {
		if m.ID == details.ID {
			cp := *details
			inv.Methods[i] = &cp
			return nil
		}
	}
	inv.Methods = append(inv.Methods, details)
	return nil
}
