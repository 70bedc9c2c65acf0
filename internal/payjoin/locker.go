// Package payjoin coordinates the outpoint reservations backing in-flight
// collaborative transactions. A wallet must never propose the same unspent
// output in two concurrent negotiations, so acquisition is all-or-nothing
// and the store must survive a process restart while a transaction is in
// flight.
package payjoin

import (
	"context"

	"github.com/btcsuite/btcd/wire"
)

// OutpointLocker reserves outpoints for in-flight PayJoin proposals.
//
// Both the reconciliation engine (releasing locks once the original
// broadcast settles) and the protocol handler (acquiring locks before
// proposing) mutate the same store, so implementations must use atomic
// acquire/release semantics.
type OutpointLocker interface {
	// TryLock reserves all given outpoints atomically. It fails without
	// side effects if any of them is already locked.
	TryLock(ctx context.Context, outpoints []wire.OutPoint) (bool, error)

	// TryUnlock releases the given outpoints. Unlocking a free outpoint is
	// a no-op.
	TryUnlock(ctx context.Context, outpoints []wire.OutPoint) error

	// IsLocked reports whether the outpoint is currently reserved.
	IsLocked(ctx context.Context, outpoint wire.OutPoint) (bool, error)
}
