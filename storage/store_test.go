package storage_test

import (
	"context"
	"fmt"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
	"golang.org/x/xerrors"

	"github.com/adzialocha/graph-node/model"
	"github.com/adzialocha/graph-node/model/subgraphs"
	"github.com/adzialocha/graph-node/storage"
	storagetesting "github.com/adzialocha/graph-node/storage/testing"
)

var fastRetries = storage.RetryPolicy{MaxRetries: 20}

func version(id, subgraph, deployment string) *subgraphs.SubgraphVersion {
	return &subgraphs.SubgraphVersion{ID: id, Subgraph: subgraph, Deployment: deployment}
}

func TestGetMissing(t *testing.T) {
	storagetesting.ForEachStore(t, func(t *testing.T, s storage.Store) {
		ctx := context.Background()
		var v subgraphs.SubgraphVersion
		err := s.Get(ctx, subgraphs.SubgraphVersionType, "nope", &v)
		require.Error(t, err)
		assert.True(t, model.IsNotFound(err))
		assert.Equal(t, model.ExitNotFound, model.ExitCode(err))
	})
}

func TestPersistBatchAndGet(t *testing.T) {
	storagetesting.ForEachStore(t, func(t *testing.T, s storage.Store) {
		ctx := context.Background()
		require.NoError(t, s.PersistBatch(ctx, version("v1", "s1", "QmA"), version("v2", "s1", "QmB")))

		var got subgraphs.SubgraphVersion
		require.NoError(t, s.Get(ctx, subgraphs.SubgraphVersionType, "v2", &got))
		assert.Equal(t, "QmB", got.Deployment)

		// A second batch replaces whole records.
		require.NoError(t, s.PersistBatch(ctx, version("v2", "s1", "QmC")))
		require.NoError(t, s.Get(ctx, subgraphs.SubgraphVersionType, "v2", &got))
		assert.Equal(t, "QmC", got.Deployment)
	})
}

func TestScanFiltersAndPages(t *testing.T) {
	storagetesting.ForEachStore(t, func(t *testing.T, s storage.Store) {
		ctx := context.Background()
		defer func(size int) { storage.DefaultPageSize = size }(storage.DefaultPageSize)
		storage.DefaultPageSize = 2

		var recs []model.Record
		for i := 0; i < 7; i++ {
			sub := "s1"
			if i%2 == 1 {
				sub = "s2"
			}
			recs = append(recs, version(fmt.Sprintf("v%d", i), sub, "QmA"))
		}
		require.NoError(t, s.PersistBatch(ctx, recs...))

		got, err := storage.ScanAll[subgraphs.SubgraphVersion](ctx, s, subgraphs.SubgraphVersionType, storage.Where("subgraph", "s1"))
		require.NoError(t, err)
		var ids []string
		for _, v := range got {
			ids = append(ids, v.ID)
		}
		assert.Equal(t, []string{"v0", "v2", "v4", "v6"}, ids)

		all, err := storage.ScanAll[subgraphs.SubgraphVersion](ctx, s, subgraphs.SubgraphVersionType, storage.All)
		require.NoError(t, err)
		assert.Len(t, all, 7)

		none, err := storage.ScanAll[subgraphs.SubgraphVersion](ctx, s, subgraphs.SubgraphVersionType,
			storage.Where("subgraph", "s1").And("deployment", "QmB"))
		require.NoError(t, err)
		assert.Empty(t, none)
	})
}

func TestCursorReset(t *testing.T) {
	storagetesting.ForEachStore(t, func(t *testing.T, s storage.Store) {
		ctx := context.Background()
		require.NoError(t, s.PersistBatch(ctx, version("v1", "s1", "QmA")))

		cur := s.Scan(ctx, subgraphs.SubgraphVersionType, storage.All)
		count := 0
		for cur.Next(ctx) {
			count++
		}
		require.NoError(t, cur.Err())
		assert.Equal(t, 1, count)
		assert.False(t, cur.Next(ctx))

		require.NoError(t, s.PersistBatch(ctx, version("v2", "s1", "QmA")))
		cur.Reset()
		count = 0
		for cur.Next(ctx) {
			count++
		}
		require.NoError(t, cur.Err())
		assert.Equal(t, 2, count)
	})
}

func TestCreateConflictsWithExisting(t *testing.T) {
	storagetesting.ForEachStore(t, func(t *testing.T, s storage.Store) {
		ctx := context.Background()
		require.NoError(t, s.PersistBatch(ctx, version("v1", "s1", "QmA")))

		tx, err := s.Begin(ctx)
		require.NoError(t, err)
		defer tx.Rollback(ctx) // nolint: errcheck

		err = tx.Create(ctx, version("v1", "s1", "QmB"))
		assert.True(t, model.IsConflict(err), "got %v", err)
	})
}

func TestConcurrentWritersConflict(t *testing.T) {
	storagetesting.ForEachStore(t, func(t *testing.T, s storage.Store) {
		ctx := context.Background()
		require.NoError(t, s.PersistBatch(ctx, version("v1", "s1", "QmA")))

		a, err := s.Begin(ctx)
		require.NoError(t, err)
		b, err := s.Begin(ctx)
		require.NoError(t, err)
		defer b.Rollback(ctx) // nolint: errcheck

		var va, vb subgraphs.SubgraphVersion
		require.NoError(t, a.Get(ctx, subgraphs.SubgraphVersionType, "v1", &va))
		require.NoError(t, b.Get(ctx, subgraphs.SubgraphVersionType, "v1", &vb))

		va.Deployment = "QmB"
		require.NoError(t, a.Put(ctx, &va))
		require.NoError(t, a.Commit(ctx))

		vb.Deployment = "QmC"
		err = b.Put(ctx, &vb)
		if err == nil {
			err = b.Commit(ctx)
		}
		require.Error(t, err)
		assert.True(t, model.IsConflict(err), "got %v", err)

		var got subgraphs.SubgraphVersion
		require.NoError(t, s.Get(ctx, subgraphs.SubgraphVersionType, "v1", &got))
		assert.Equal(t, "QmB", got.Deployment)
	})
}

func TestReadOnlyKeysAreValidated(t *testing.T) {
	storagetesting.ForEachStore(t, func(t *testing.T, s storage.Store) {
		ctx := context.Background()
		require.NoError(t, s.PersistBatch(ctx, version("v1", "s1", "QmA")))

		tx, err := s.Begin(ctx)
		require.NoError(t, err)
		defer tx.Rollback(ctx) // nolint: errcheck

		var v subgraphs.SubgraphVersion
		require.NoError(t, tx.Get(ctx, subgraphs.SubgraphVersionType, "v1", &v))
		require.NoError(t, tx.Put(ctx, version("v2", "s1", v.Deployment)))

		// Another writer changes the record the transaction based its write on.
		require.NoError(t, s.PersistBatch(ctx, version("v1", "s1", "QmZ")))

		err = tx.Commit(ctx)
		assert.True(t, model.IsConflict(err), "got %v", err)

		exists, err := storage.Exists(ctx, s, subgraphs.SubgraphVersionType, "v2", &v)
		require.NoError(t, err)
		assert.False(t, exists)
	})
}

func TestTxnSeesOwnWrites(t *testing.T) {
	storagetesting.ForEachStore(t, func(t *testing.T, s storage.Store) {
		ctx := context.Background()
		require.NoError(t, s.PersistBatch(ctx, version("v1", "s1", "QmA"), version("v2", "s1", "QmA")))

		tx, err := s.Begin(ctx)
		require.NoError(t, err)
		require.NoError(t, tx.Put(ctx, version("v3", "s1", "QmA")))
		require.NoError(t, tx.Delete(ctx, subgraphs.SubgraphVersionType, "v1"))

		var v subgraphs.SubgraphVersion
		require.NoError(t, tx.Get(ctx, subgraphs.SubgraphVersionType, "v3", &v))
		assert.True(t, model.IsNotFound(tx.Get(ctx, subgraphs.SubgraphVersionType, "v1", &v)))

		got, err := storage.ScanAll[subgraphs.SubgraphVersion](ctx, tx, subgraphs.SubgraphVersionType, storage.Where("subgraph", "s1"))
		require.NoError(t, err)
		require.Len(t, got, 2)
		assert.Equal(t, "v2", got[0].ID)
		assert.Equal(t, "v3", got[1].ID)

		// Nothing is visible outside the transaction until it commits.
		assert.True(t, model.IsNotFound(s.Get(ctx, subgraphs.SubgraphVersionType, "v3", &v)))
		require.NoError(t, tx.Rollback(ctx))
		assert.True(t, model.IsNotFound(s.Get(ctx, subgraphs.SubgraphVersionType, "v3", &v)))
		require.NoError(t, s.Get(ctx, subgraphs.SubgraphVersionType, "v1", &v))
	})
}

func TestSnapshotIsStable(t *testing.T) {
	storagetesting.ForEachStore(t, func(t *testing.T, s storage.Store) {
		ctx := context.Background()
		require.NoError(t, s.PersistBatch(ctx, version("v1", "s1", "QmA")))

		snap, err := s.Snapshot(ctx)
		require.NoError(t, err)
		defer snap.Release(ctx) // nolint: errcheck

		require.NoError(t, s.PersistBatch(ctx, version("v1", "s1", "QmB"), version("v2", "s1", "QmB")))

		var v subgraphs.SubgraphVersion
		require.NoError(t, snap.Get(ctx, subgraphs.SubgraphVersionType, "v1", &v))
		assert.Equal(t, "QmA", v.Deployment)

		got, err := storage.ScanAll[subgraphs.SubgraphVersion](ctx, snap, subgraphs.SubgraphVersionType, storage.All)
		require.NoError(t, err)
		assert.Len(t, got, 1)
	})
}

func TestRunInTransactionRetriesConflicts(t *testing.T) {
	storagetesting.ForEachStore(t, func(t *testing.T, s storage.Store) {
		ctx := context.Background()
		require.NoError(t, s.PersistBatch(ctx, version("v1", "s1", "QmA")))

		attempts := 0
		err := storage.RunInTransaction(ctx, s, fastRetries, func(ctx context.Context, tx storage.Txn) error {
			attempts++
			var v subgraphs.SubgraphVersion
			if err := tx.Get(ctx, subgraphs.SubgraphVersionType, "v1", &v); err != nil {
				return err
			}
			if attempts == 1 {
				// Interleave a competing write between read and commit.
				if err := s.PersistBatch(ctx, version("v1", "s1", "QmB")); err != nil {
					return err
				}
			}
			v.Deployment += "!"
			return tx.Put(ctx, &v)
		})
		require.NoError(t, err)
		assert.Equal(t, 2, attempts)

		var v subgraphs.SubgraphVersion
		require.NoError(t, s.Get(ctx, subgraphs.SubgraphVersionType, "v1", &v))
		assert.Equal(t, "QmB!", v.Deployment)
	})
}

func TestRunInTransactionBoundedRetries(t *testing.T) {
	s := storage.NewMemStorage()
	ctx := context.Background()
	require.NoError(t, s.PersistBatch(ctx, version("v1", "s1", "QmA")))

	attempts := 0
	err := storage.RunInTransaction(ctx, s, storage.RetryPolicy{MaxRetries: 3}, func(ctx context.Context, tx storage.Txn) error {
		attempts++
		return &model.ConflictError{EntityType: subgraphs.SubgraphVersionType, ID: "v1"}
	})
	require.Error(t, err)
	assert.True(t, model.IsConflict(err))
	assert.Equal(t, 4, attempts)
}

func TestRunInTransactionPermanentError(t *testing.T) {
	s := storage.NewMemStorage()
	ctx := context.Background()
	boom := xerrors.New("boom")

	attempts := 0
	err := storage.RunInTransaction(ctx, s, fastRetries, func(ctx context.Context, tx storage.Txn) error {
		attempts++
		if err := tx.Put(ctx, version("v1", "s1", "QmA")); err != nil {
			return err
		}
		return boom
	})
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 1, attempts)

	var v subgraphs.SubgraphVersion
	assert.True(t, model.IsNotFound(s.Get(ctx, subgraphs.SubgraphVersionType, "v1", &v)))
}

func TestLockPartitionSerializesWriters(t *testing.T) {
	storagetesting.ForEachStore(t, func(t *testing.T, s storage.Store) {
		ctx := context.Background()
		require.NoError(t, s.PersistBatch(ctx, &subgraphs.SubgraphDeploymentAssignment{ID: "QmA", NodeID: "n", Cost: 0}))

		var conflicts int64
		policy := storage.RetryPolicy{MaxRetries: 50}
		grp, ctx := errgroup.WithContext(ctx)
		for i := 0; i < 10; i++ {
			grp.Go(func() error {
				return storage.RunInTransaction(ctx, s, policy, func(ctx context.Context, tx storage.Txn) error {
					if err := tx.LockPartition(ctx, "QmA"); err != nil {
						return err
					}
					var a subgraphs.SubgraphDeploymentAssignment
					if err := tx.Get(ctx, subgraphs.SubgraphDeploymentAssignmentType, "QmA", &a); err != nil {
						return err
					}
					a.Cost++
					err := tx.Put(ctx, &a)
					if model.IsConflict(err) {
						atomic.AddInt64(&conflicts, 1)
					}
					return err
				})
			})
		}
		require.NoError(t, grp.Wait())

		var a subgraphs.SubgraphDeploymentAssignment
		require.NoError(t, s.Get(context.Background(), subgraphs.SubgraphDeploymentAssignmentType, "QmA", &a))
		assert.EqualValues(t, 10, a.Cost)
		assert.Zero(t, atomic.LoadInt64(&conflicts))
	})
}
