package payjoin

import (
	"context"
	"sync"

	"github.com/btcsuite/btcd/wire"
)

// MemoryLocker is an in-process OutpointLocker. Locks do not survive a
// restart; it backs tests and single-node setups without Redis or Postgres.
type MemoryLocker struct {
	mu     sync.Mutex
	locked map[wire.OutPoint]struct{}
}

// NewMemoryLocker creates an empty locker.
func NewMemoryLocker() *MemoryLocker {
	return &MemoryLocker{locked: make(map[wire.OutPoint]struct{})}
}

func (l *MemoryLocker) TryLock(ctx context.Context, outpoints []wire.OutPoint) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, op := range outpoints {
		if _, ok := l.locked[op]; ok {
			return false, nil
		}
	}
	for _, op := range outpoints {
		l.locked[op] = struct{}{}
	}
	return true, nil
}

func (l *MemoryLocker) TryUnlock(ctx context.Context, outpoints []wire.OutPoint) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, op := range outpoints {
		delete(l.locked, op)
	}
	return nil
}

func (l *MemoryLocker) IsLocked(ctx context.Context, outpoint wire.OutPoint) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.locked[outpoint]
	return ok, nil
}
