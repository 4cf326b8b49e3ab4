package head_test

import (
	"context"
	"testing"
	"time"

	"github.com/raulk/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/adzialocha/graph-node/chain/head"
	"github.com/adzialocha/graph-node/model"
	"github.com/adzialocha/graph-node/model/subgraphs"
	"github.com/adzialocha/graph-node/storage"
	storagetesting "github.com/adzialocha/graph-node/storage/testing"
	"github.com/adzialocha/graph-node/testutil"
)

func TestTracker(t *testing.T) {
	storagetesting.ForEachStore(t, func(t *testing.T, s storage.Store) {
		ctx := context.Background()
		mock := clock.NewMock()
		mock.Set(testutil.KnownTime)
		tr := head.NewTracker(s, mock)

		_, err := tr.Head(ctx, "mainnet")
		assert.True(t, model.IsNotFound(err))

		require.NoError(t, tr.SetHead(ctx, "mainnet", subgraphs.BlockPtr{Hash: "0xaa", Number: 100}))
		mock.Add(time.Minute)
		require.NoError(t, tr.SetHead(ctx, "mainnet", subgraphs.BlockPtr{Hash: "0xbb", Number: 98}))
		require.NoError(t, tr.SetHead(ctx, "goerli", subgraphs.BlockPtr{Hash: "0xcc", Number: 7}))

		n, err := tr.Head(ctx, "mainnet")
		require.NoError(t, err)
		assert.Equal(t, "0xbb", n.HeadBlockHash)
		assert.EqualValues(t, 98, n.HeadBlockNumber)
		assert.Equal(t, testutil.KnownTime.Add(time.Minute), n.UpdatedAt)

		all, err := tr.Networks(ctx)
		require.NoError(t, err)
		assert.Len(t, all, 2)

		assert.True(t, model.IsInvariantViolation(tr.SetHead(ctx, "", subgraphs.BlockPtr{})))
	})
}
