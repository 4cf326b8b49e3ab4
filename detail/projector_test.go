package detail_test

import (
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/adzialocha/graph-node/chain/head"
	"github.com/adzialocha/graph-node/deployment"
	"github.com/adzialocha/graph-node/detail"
	"github.com/adzialocha/graph-node/manifest"
	"github.com/adzialocha/graph-node/model"
	"github.com/adzialocha/graph-node/model/subgraphs"
	"github.com/adzialocha/graph-node/storage"
	storagetesting "github.com/adzialocha/graph-node/storage/testing"
	"github.com/adzialocha/graph-node/versions"
)

const doc = `
specVersion: 0.0.2
schema:
  file: ./schema.graphql
dataSources:
  - kind: ethereum/contract
    name: Token
    network: mainnet
    source:
      abi: ERC20
    mapping:
      kind: ethereum/events
      apiVersion: 0.0.4
      language: wasm/assemblyscript
      file: ./src/token.ts
`

func TestProject(t *testing.T) {
	storagetesting.ForEachStore(t, func(t *testing.T, s storage.Store) {
		ctx := context.Background()
		mf, err := manifest.Parse(strings.NewReader(doc))
		require.NoError(t, err)

		vm := versions.NewManager(s)
		dm := deployment.NewManager(s)
		tracker := head.NewTracker(s, nil)
		manifests, err := manifest.NewRegistry(s, 8, storage.DefaultRetryPolicy)
		require.NoError(t, err)

		for _, p := range []*detail.Projector{detail.NewProjector(s, nil), detail.NewProjector(s, manifests)} {
			_, err = p.Project(ctx, "QmMissing")
			assert.True(t, model.IsNotFound(err))
		}

		dep, err := vm.Deploy(ctx, "tokens", mf)
		require.NoError(t, err)

		p := detail.NewProjector(s, manifests)
		d, err := p.Project(ctx, dep.DeploymentID)
		require.NoError(t, err)
		assert.Equal(t, "mainnet", *d.Network)
		assert.Nil(t, d.NodeID)
		assert.Nil(t, d.EthereumHeadBlockNumber)
		_, ok := d.BlocksBehind()
		assert.False(t, ok)

		require.NoError(t, vm.Assign(ctx, dep.DeploymentID, "node-1", 2))
		require.NoError(t, dm.RecordProgress(ctx, dep.DeploymentID, subgraphs.BlockPtr{Hash: "0x10", Number: 10}, 3))
		require.NoError(t, tracker.SetHead(ctx, "mainnet", subgraphs.BlockPtr{Hash: "0x15", Number: 15}))

		d, err = p.Project(ctx, dep.DeploymentID)
		require.NoError(t, err)
		require.NotNil(t, d.NodeID)
		assert.Equal(t, "node-1", *d.NodeID)
		assert.EqualValues(t, 15, *d.EthereumHeadBlockNumber)
		assert.Equal(t, "0x15", *d.EthereumHeadBlockHash)
		behind, ok := d.BlocksBehind()
		require.True(t, ok)
		assert.EqualValues(t, 5, behind)
		assert.EqualValues(t, 3, d.Deployment.EntityCount)

		all, err := p.ProjectAll(ctx, []string{dep.DeploymentID, dep.DeploymentID})
		require.NoError(t, err)
		assert.Len(t, all, 2)
	})
}

func TestDetailJSON(t *testing.T) {
	ctx := context.Background()
	s := storage.NewMemStorage()
	mf, err := manifest.Parse(strings.NewReader(doc))
	require.NoError(t, err)

	dep, err := versions.NewManager(s).Deploy(ctx, "tokens", mf)
	require.NoError(t, err)
	require.NoError(t, deployment.NewManager(s).RecordError(ctx, dep.DeploymentID, subgraphs.SubgraphError{Message: "boom"}, true))

	d, err := detail.NewProjector(s, nil).Project(ctx, dep.DeploymentID)
	require.NoError(t, err)

	raw, err := json.Marshal(d)
	require.NoError(t, err)

	var out map[string]interface{}
	require.NoError(t, json.Unmarshal(raw, &out))
	assert.Equal(t, true, out["failed"])
	assert.Equal(t, "failed", out["health"])
	assert.Equal(t, "mainnet", out["network"])
	assert.Contains(t, out, "nodeId")
	assert.Nil(t, out["nodeId"])
	assert.Equal(t, dep.DeploymentID, out["id"])
}
