package redis

import (
	"context"
	"fmt"

	"github.com/btcsuite/btcd/wire"
	"github.com/redis/go-redis/v9"

	"github.com/openbtcpay/paywatch/internal/metrics"
)

// LockRepo implements payjoin.OutpointLocker on Redis. MSETNX gives the
// all-or-nothing acquisition: it sets every key or none when any already
// exists. Keys carry no TTL; a lock outlives the process until the engine
// decides the in-flight transaction has settled.
type LockRepo struct {
	rdb *redis.Client
}

// NewLockRepo creates a Redis-backed outpoint lock repository.
func NewLockRepo(client *Client) *LockRepo {
	return &LockRepo{rdb: client.rdb}
}

func lockKey(op wire.OutPoint) string {
	return fmt.Sprintf("payjoin_lock:%s", op.String())
}

// TryLock reserves all outpoints or none.
func (r *LockRepo) TryLock(ctx context.Context, outpoints []wire.OutPoint) (bool, error) {
	if len(outpoints) == 0 {
		return true, nil
	}

	pairs := make([]any, 0, len(outpoints)*2)
	for _, op := range outpoints {
		pairs = append(pairs, lockKey(op), "locked")
	}

	ok, err := r.rdb.MSetNX(ctx, pairs...).Result()
	if err != nil {
		return false, fmt.Errorf("msetnx failed: %w", err)
	}
	if !ok {
		metrics.PayjoinLockOps.WithLabelValues("lock", "contended").Inc()
		return false, nil
	}
	metrics.PayjoinLockOps.WithLabelValues("lock", "ok").Inc()
	return true, nil
}

// TryUnlock releases the outpoints. Unknown keys are ignored by DEL.
func (r *LockRepo) TryUnlock(ctx context.Context, outpoints []wire.OutPoint) error {
	if len(outpoints) == 0 {
		return nil
	}
	keys := make([]string, 0, len(outpoints))
	for _, op := range outpoints {
		keys = append(keys, lockKey(op))
	}
	if err := r.rdb.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("del failed: %w", err)
	}
	metrics.PayjoinLockOps.WithLabelValues("unlock", "ok").Inc()
	return nil
}

// IsLocked reports whether the outpoint is currently reserved.
func (r *LockRepo) IsLocked(ctx context.Context, outpoint wire.OutPoint) (bool, error) {
	n, err := r.rdb.Exists(ctx, lockKey(outpoint)).Result()
	if err != nil {
		return false, fmt.Errorf("exists failed: %w", err)
	}
	return n > 0, nil
}
