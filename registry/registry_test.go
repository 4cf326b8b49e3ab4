package registry_test

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/adzialocha/graph-node/config"
	"github.com/adzialocha/graph-node/deployment"
	"github.com/adzialocha/graph-node/manifest"
	"github.com/adzialocha/graph-node/model"
	"github.com/adzialocha/graph-node/model/subgraphs"
	"github.com/adzialocha/graph-node/registry"
	"github.com/adzialocha/graph-node/storage"
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

func newRegistry(t *testing.T, switching string, opts ...registry.Option) *registry.Registry {
	cfg := config.DefaultConf().Registry
	cfg.VersionSwitching = switching
	r, err := registry.New(storage.NewMemStorage(), cfg, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = r.Close(context.Background()) })
	return r
}

func parse(t *testing.T) *manifest.Manifest {
	m, err := manifest.Parse(strings.NewReader(doc))
	require.NoError(t, err)
	return m
}

func TestDeploySwitchesInstantly(t *testing.T) {
	ctx := context.Background()
	r := newRegistry(t, config.SwitchInstantly)

	d, err := r.Deploy(ctx, "tokens", parse(t))
	require.NoError(t, err)

	sub, err := r.Versions.Subgraph(ctx, d.SubgraphID)
	require.NoError(t, err)
	require.NotNil(t, sub.CurrentVersion)
	assert.Equal(t, d.VersionID, *sub.CurrentVersion)
	assert.Nil(t, sub.PendingVersion)
}

func TestDeploySwitchesOnSync(t *testing.T) {
	ctx := context.Background()
	r := newRegistry(t, config.SwitchOnSync)

	d, err := r.Deploy(ctx, "tokens", parse(t))
	require.NoError(t, err)

	sub, err := r.Versions.Subgraph(ctx, d.SubgraphID)
	require.NoError(t, err)
	assert.Nil(t, sub.CurrentVersion)
	require.NotNil(t, sub.PendingVersion)

	require.NoError(t, r.Deployments.MarkSynced(ctx, d.DeploymentID))
	sub, err = r.Versions.Subgraph(ctx, d.SubgraphID)
	require.NoError(t, err)
	require.NotNil(t, sub.CurrentVersion)
	assert.Equal(t, d.VersionID, *sub.CurrentVersion)
	assert.Nil(t, sub.PendingVersion)

	// Redeploying the synced manifest under another name is promoted right away.
	again, err := r.Deploy(ctx, "tokens-mirror", parse(t))
	require.NoError(t, err)
	mirror, err := r.Versions.Subgraph(ctx, again.SubgraphID)
	require.NoError(t, err)
	require.NotNil(t, mirror.CurrentVersion)
	assert.Equal(t, again.VersionID, *mirror.CurrentVersion)
}

func TestNewRejectsUnknownSwitching(t *testing.T) {
	cfg := config.DefaultConf().Registry
	cfg.VersionSwitching = "sometimes"
	_, err := registry.New(storage.NewMemStorage(), cfg)
	assert.Error(t, err)
}

func TestOpenVolatileStore(t *testing.T) {
	ctx := context.Background()
	cfg := config.DefaultConf()
	cfg.Registry.Store = "Memory1"

	r, err := registry.Open(ctx, cfg)
	require.NoError(t, err)
	defer r.Close(ctx) // nolint: errcheck

	_, err = r.Deploy(ctx, "tokens", parse(t))
	require.NoError(t, err)

	cfg.Registry.Store = "Nope"
	_, err = registry.Open(ctx, cfg)
	assert.Error(t, err)
}

func TestReplay(t *testing.T) {
	ctx := context.Background()
	var halted []string
	r := newRegistry(t, config.SwitchInstantly, registry.WithHaltNotifier(deployment.HaltFunc(
		func(ctx context.Context, id string, cause subgraphs.SubgraphError) { halted = append(halted, id) },
	)))

	d, err := r.Deploy(ctx, "tokens", parse(t))
	require.NoError(t, err)
	id := d.DeploymentID

	log := strings.Join([]string{
		`# chain client events`,
		`{"kind":"head","network":"mainnet","block":{"hash":"0xa5","number":5}}`,
		`{"kind":"block","deployment":"` + id + `","block":{"hash":"0xa1","parent":"0xa0","number":1},"entityDelta":2}`,
		`{"kind":"block","deployment":"` + id + `","block":{"hash":"0xa2","parent":"0xa1","number":2},"entityDelta":2}`,
		`{"kind":"dynamicSource","deployment":"` + id + `","block":{"hash":"0xa2","number":2},"source":{"kind":"ethereum/contract","name":"Pair","templates":[]}}`,
		`{"kind":"block","deployment":"` + id + `","block":{"hash":"0xa3","parent":"0xa2","number":3},"entityDelta":1}`,
		``,
		`{"kind":"block","deployment":"` + id + `","block":{"hash":"0xb3","parent":"0xa2","number":3}}`,
		`{"kind":"error","deployment":"` + id + `","error":{"message":"handler panicked","blockNumber":3}}`,
		`{"kind":"synced","deployment":"` + id + `"}`,
	}, "\n")

	applied, err := r.Replay(ctx, strings.NewReader(log))
	require.NoError(t, err)
	assert.Equal(t, 8, applied)

	detail, err := r.Details.Project(ctx, id)
	require.NoError(t, err)
	dep := detail.Deployment
	latest, _ := dep.Latest()
	assert.Equal(t, subgraphs.BlockPtr{Hash: "0xb3", Number: 3}, latest)
	assert.EqualValues(t, 1, dep.ReorgCount)
	assert.EqualValues(t, 5, dep.EntityCount)
	assert.Equal(t, subgraphs.Unhealthy, dep.Health)
	assert.True(t, dep.Synced)
	assert.EqualValues(t, 5, *detail.EthereumHeadBlockNumber)

	sources, err := r.Deployments.DynamicDataSources(ctx, id)
	require.NoError(t, err)
	assert.Len(t, sources, 1)

	// A fatal error halts the deployment and stops the replay at the next block.
	applied, err = r.Replay(ctx, strings.NewReader(strings.Join([]string{
		`{"kind":"error","deployment":"` + id + `","error":{"message":"out of gas"},"fatal":true}`,
		`{"kind":"block","deployment":"` + id + `","block":{"hash":"0xb4","parent":"0xb3","number":4}}`,
	}, "\n")))
	require.Error(t, err)
	assert.Equal(t, 1, applied)
	assert.True(t, model.IsFatalIndexing(err))
	var replayErr *registry.ReplayError
	require.ErrorAs(t, err, &replayErr)
	assert.Equal(t, 2, replayErr.Line)
	assert.Equal(t, []string{id}, halted)
}

func TestReplayRejectsMalformedEvents(t *testing.T) {
	ctx := context.Background()
	r := newRegistry(t, config.SwitchInstantly)

	for _, line := range []string{
		`not json`,
		`{"kind":"teleport"}`,
		`{"kind":"block","deployment":"QmA"}`,
	} {
		_, err := r.Replay(ctx, strings.NewReader(line))
		assert.Error(t, err, line)
	}
}
