package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/wire"
	"github.com/jmoiron/sqlx"

	"github.com/openbtcpay/paywatch/internal/metrics"
)

// LockRepo implements payjoin.OutpointLocker on PostgreSQL. The unique
// constraint on the outpoint column makes acquisition atomic: a transaction
// inserting fewer rows than requested rolls back, so overlapping TryLock
// calls cannot both succeed.
type LockRepo struct {
	db *DB
}

// NewLockRepo creates a new PostgreSQL outpoint lock repository.
func NewLockRepo(db *DB) *LockRepo {
	return &LockRepo{db: db}
}

// TryLock reserves all outpoints or none.
func (r *LockRepo) TryLock(ctx context.Context, outpoints []wire.OutPoint) (bool, error) {
	if len(outpoints) == 0 {
		return true, nil
	}

	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer tx.Rollback()

	var inserted int64
	for _, op := range outpoints {
		res, err := tx.ExecContext(ctx, `
			INSERT INTO payjoin_locks (outpoint, locked_at) VALUES ($1, NOW())
			ON CONFLICT (outpoint) DO NOTHING
		`, op.String())
		if err != nil {
			return false, fmt.Errorf("failed to lock outpoint: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return false, err
		}
		inserted += n
	}

	if inserted != int64(len(outpoints)) {
		// At least one outpoint already held, give up without side effects.
		metrics.PayjoinLockOps.WithLabelValues("lock", "contended").Inc()
		return false, nil
	}
	if err := tx.Commit(); err != nil {
		return false, err
	}
	metrics.PayjoinLockOps.WithLabelValues("lock", "ok").Inc()
	return true, nil
}

// TryUnlock releases the outpoints. Unknown outpoints are ignored.
func (r *LockRepo) TryUnlock(ctx context.Context, outpoints []wire.OutPoint) error {
	if len(outpoints) == 0 {
		return nil
	}
	keys := make([]string, 0, len(outpoints))
	for _, op := range outpoints {
		keys = append(keys, op.String())
	}

	query, args, err := sqlx.In(`DELETE FROM payjoin_locks WHERE outpoint IN (?)`, keys)
	if err != nil {
		return err
	}
	query = r.db.Rebind(query)
	if _, err := r.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("failed to unlock outpoints: %w", err)
	}
	metrics.PayjoinLockOps.WithLabelValues("unlock", "ok").Inc()
	return nil
}

// IsLocked reports whether the outpoint is currently reserved.
func (r *LockRepo) IsLocked(ctx context.Context, outpoint wire.OutPoint) (bool, error) {
	var one int
	err := r.db.GetContext(ctx, &one,
		`SELECT 1 FROM payjoin_locks WHERE outpoint = $1`, outpoint.String())
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}
