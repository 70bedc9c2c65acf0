// Package watch maps destination script hashes to the invoices waiting on
// them. A single transaction may carry many outputs, so resolution must stay
// an in-memory lookup on the hot path.
package watch

import (
	"context"
	"sync"

	"github.com/openbtcpay/paywatch/internal/core/domain"
	"github.com/openbtcpay/paywatch/internal/infra/storage"
)

// Index caches watched-output keys in front of the invoice repository's
// address index. Positive resolutions are cached; misses always fall through
// so invoices registered by the external invoice subsystem are picked up
// without invalidation.
type Index struct {
	mu       sync.RWMutex
	byKey    map[string]string
	invoices storage.InvoiceRepository
}

// NewIndex creates an index backed by the given repository.
func NewIndex(invoices storage.InvoiceRepository) *Index {
	return &Index{
		byKey:    make(map[string]string),
		invoices: invoices,
	}
}

// Resolve returns the invoice waiting on the given script hash, if any.
func (ix *Index) Resolve(ctx context.Context, scriptHash string, code domain.CryptoCode) (string, bool, error) {
	key := domain.WatchedOutputKey(scriptHash, code)

	ix.mu.RLock()
	id, ok := ix.byKey[key]
	ix.mu.RUnlock()
	if ok {
		return id, true, nil
	}

	ids, err := ix.invoices.GetInvoiceIDsFromAddresses(ctx, []string{key})
	if err != nil {
		return "", false, err
	}
	if len(ids) == 0 {
		return "", false, nil
	}

	ix.mu.Lock()
	ix.byKey[key] = ids[0]
	ix.mu.Unlock()
	return ids[0], true, nil
}

// Register adds a watched-output key for an invoice, writing through to the
// repository.
func (ix *Index) Register(ctx context.Context, scriptHash string, code domain.CryptoCode, invoiceID string) error {
	key := domain.WatchedOutputKey(scriptHash, code)
	if err := ix.invoices.AddInvoiceAddress(ctx, invoiceID, key); err != nil {
		return err
	}
	ix.mu.Lock()
	ix.byKey[key] = invoiceID
	ix.mu.Unlock()
	return nil
}

// Size returns the number of cached keys.
func (ix *Index) Size() int {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return len(ix.byKey)
}
