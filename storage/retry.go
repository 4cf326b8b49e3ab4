package storage

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/xerrors"

	"github.com/adzialocha/graph-node/metrics"
	"github.com/adzialocha/graph-node/model"
)

// RetryPolicy bounds how often a conflicting transaction is retried.
type RetryPolicy struct {
	MaxRetries      uint64
	InitialInterval time.Duration
	MaxInterval     time.Duration
}

var DefaultRetryPolicy = RetryPolicy{
	MaxRetries:      8,
	InitialInterval: 5 * time.Millisecond,
	MaxInterval:     250 * time.Millisecond,
}

func (p RetryPolicy) backoff(ctx context.Context) backoff.BackOff {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = p.InitialInterval
	eb.MaxInterval = p.MaxInterval
	eb.MaxElapsedTime = 0
	return backoff.WithContext(backoff.WithMaxRetries(eb, p.MaxRetries), ctx)
}

// RunInTransaction runs fn in a transaction and commits it. When fn or the commit fails with a
// *model.ConflictError the whole transaction is retried with a fresh snapshot until the policy is exhausted, after
// which the last conflict is returned. Any other error rolls the transaction back and is returned as is.
func RunInTransaction(ctx context.Context, s Store, policy RetryPolicy, fn func(ctx context.Context, tx Txn) error) error {
	attempt := func() error {
		tx, err := s.Begin(ctx)
		if err != nil {
			return backoff.Permanent(xerrors.Errorf("begin: %w", err))
		}

		if err := fn(ctx, tx); err != nil {
			if rerr := tx.Rollback(ctx); rerr != nil {
				log.Warnw("rollback failed", "error", rerr)
			}
			if model.IsConflict(err) {
				return err
			}
			return backoff.Permanent(err)
		}

		if err := tx.Commit(ctx); err != nil {
			if model.IsConflict(err) {
				return err
			}
			return backoff.Permanent(err)
		}
		return nil
	}

	notify := func(err error, wait time.Duration) {
		log.Debugw("retrying conflicting transaction", "error", err, "wait", wait)
		metrics.RecordInc(metrics.WithTagValue(ctx, metrics.Error, "conflict"), metrics.TxnConflicts)
	}

	return backoff.RetryNotify(attempt, policy.backoff(ctx), notify)
}
