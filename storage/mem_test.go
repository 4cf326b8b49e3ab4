package storage

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/adzialocha/graph-node/model"
	"github.com/adzialocha/graph-node/model/subgraphs"
)

func TestMemStorageSnapshotFile(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	s, err := OpenMemStorage(dir)
	require.NoError(t, err)
	require.NoError(t, s.PersistBatch(ctx, &subgraphs.SubgraphDeploymentAssignment{ID: "QmA", NodeID: "node-1", Cost: 4}))

	// The directory is owned by the open store.
	_, err = OpenMemStorage(dir)
	require.Error(t, err)

	require.NoError(t, s.Close(ctx))

	reopened, err := OpenMemStorage(dir)
	require.NoError(t, err)
	defer reopened.Close(ctx) // nolint: errcheck

	var a subgraphs.SubgraphDeploymentAssignment
	require.NoError(t, reopened.Get(ctx, subgraphs.SubgraphDeploymentAssignmentType, "QmA", &a))
	assert.Equal(t, "node-1", a.NodeID)
	assert.EqualValues(t, 4, a.Cost)

	// Versions keep increasing across reopen, so stale reads are still detected.
	tx, err := reopened.Begin(ctx)
	require.NoError(t, err)
	require.NoError(t, tx.Get(ctx, subgraphs.SubgraphDeploymentAssignmentType, "QmA", &a))
	require.NoError(t, reopened.PersistBatch(ctx, &subgraphs.SubgraphDeploymentAssignment{ID: "QmA", NodeID: "node-2"}))
	require.NoError(t, tx.Put(ctx, &a))
	assert.True(t, model.IsConflict(tx.Commit(ctx)))
}

func TestFilterMatchesMissingAttributeAsNull(t *testing.T) {
	conds, err := Where("currentVersion", nil).compile()
	require.NoError(t, err)

	ok, err := matches(conds, []byte(`{"id":"s","name":"x"}`))
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = matches(conds, []byte(`{"id":"s","currentVersion":"v1"}`))
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestFilterComparesEncodedValues(t *testing.T) {
	conds, err := Where("cost", int64(3)).And("nodeId", "n").compile()
	require.NoError(t, err)

	ok, err := matches(conds, []byte(`{"id":"QmA", "nodeId": "n", "cost": 3}`))
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = matches(conds, []byte(`{"id":"QmA","nodeId":"n","cost":4}`))
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestFilterAndDoesNotAlias(t *testing.T) {
	base := Where("a", 1)
	left := base.And("b", 2)
	right := base.And("c", 3)
	assert.Len(t, base, 1)
	assert.Equal(t, "b", left[1].Field)
	assert.Equal(t, "c", right[1].Field)
}

func TestErrCursor(t *testing.T) {
	cur := NewMemStorage().Scan(context.Background(), "x", Where("x", func() {}))
	assert.False(t, cur.Next(context.Background()))
	assert.Error(t, cur.Err())
	cur.Reset()
	assert.Error(t, cur.Err())
}

func TestMemTxnDeleteOfCreatedRecord(t *testing.T) {
	ctx := context.Background()
	s := NewMemStorage()

	tx, err := s.Begin(ctx)
	require.NoError(t, err)
	require.NoError(t, tx.Create(ctx, &subgraphs.SubgraphDeploymentAssignment{ID: "QmA", NodeID: "n"}))
	require.NoError(t, tx.Delete(ctx, subgraphs.SubgraphDeploymentAssignmentType, "QmA"))
	require.NoError(t, tx.Commit(ctx))

	var a subgraphs.SubgraphDeploymentAssignment
	assert.True(t, model.IsNotFound(s.Get(ctx, subgraphs.SubgraphDeploymentAssignmentType, "QmA", &a)))
	assert.EqualValues(t, 0, s.state.Load().Seq)
}
