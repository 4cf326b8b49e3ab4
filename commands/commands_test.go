package commands

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/urfave/cli/v2"

	"github.com/adzialocha/graph-node/model"
	"github.com/adzialocha/graph-node/model/subgraphs"
	"github.com/adzialocha/graph-node/versions"
)

const testManifest = `
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

type harness struct {
	t      *testing.T
	dir    string
	config string
}

func newHarness(t *testing.T) *harness {
	dir := t.TempDir()
	cfg := filepath.Join(dir, "config.toml")
	require.NoError(t, os.WriteFile(cfg, []byte(fmt.Sprintf(`
[Registry]
  Store = "Test"

[Storage.Memory.Test]
  Path = %q
`, filepath.Join(dir, "store"))), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "subgraph.yaml"), []byte(testManifest), 0o644))
	return &harness{t: t, dir: dir, config: cfg}
}

// run executes the command line and returns its output and exit code.
func (h *harness) run(args ...string) (string, int) {
	GlobalFlags = GlobalOpts{}
	var out bytes.Buffer
	code := 0
	app := &cli.App{
		Name:           "registry",
		Flags:          Flags,
		Before:         Before,
		Commands:       Commands,
		Writer:         &out,
		ErrWriter:      &out,
		ExitErrHandler: func(cctx *cli.Context, err error) {},
	}
	err := app.RunContext(context.Background(), append([]string{"registry", "--config", h.config, "--log-level", "error"}, args...))
	if err != nil {
		code = model.ExitUnknown
		if ec, ok := err.(cli.ExitCoder); ok {
			code = ec.ExitCode()
		}
	}
	return out.String(), code
}

func (h *harness) mustRun(args ...string) string {
	out, code := h.run(args...)
	require.Equal(h.t, 0, code, out)
	return out
}

func TestDeployListAndStatus(t *testing.T) {
	h := newHarness(t)

	var d versions.Deployed
	require.NoError(t, json.Unmarshal([]byte(h.mustRun("--json", "deploy", "tokens", filepath.Join(h.dir, "subgraph.yaml"))), &d))
	assert.True(t, d.NewDeployment)

	var subs []subgraphs.Subgraph
	require.NoError(t, json.Unmarshal([]byte(h.mustRun("--json", "list")), &subs))
	require.Len(t, subs, 1)
	assert.Equal(t, "tokens", subs[0].Name)
	require.NotNil(t, subs[0].CurrentVersion)
	assert.Equal(t, d.VersionID, *subs[0].CurrentVersion)

	h.mustRun("assign", d.DeploymentID, "index_node_0")

	var details []map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(h.mustRun("--json", "status", d.DeploymentID)), &details))
	require.Len(t, details, 1)
	assert.Equal(t, "index_node_0", details[0]["nodeId"])
	assert.Equal(t, false, details[0]["failed"])
	assert.Equal(t, "mainnet", details[0]["network"])

	table := h.mustRun("versions", "tokens")
	assert.Contains(t, table, d.VersionID)
	assert.Contains(t, table, "current")
}

func TestReplayAndErrors(t *testing.T) {
	h := newHarness(t)

	var d versions.Deployed
	require.NoError(t, json.Unmarshal([]byte(h.mustRun("--json", "deploy", "tokens", filepath.Join(h.dir, "subgraph.yaml"))), &d))

	events := filepath.Join(h.dir, "events.jsonl")
	require.NoError(t, os.WriteFile(events, []byte(strings.Join([]string{
		`{"kind":"block","deployment":"` + d.DeploymentID + `","block":{"hash":"0x01","parent":"0x00","number":1}}`,
		`{"kind":"error","deployment":"` + d.DeploymentID + `","error":{"message":"bad event"}}`,
	}, "\n")), 0o644))
	assert.Contains(t, h.mustRun("replay", events), "applied 2 events")

	var errs []subgraphs.SubgraphError
	require.NoError(t, json.Unmarshal([]byte(h.mustRun("--json", "errors", d.DeploymentID)), &errs))
	require.Len(t, errs, 1)
	assert.Equal(t, "bad event", errs[0].Message)

	var details []map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(h.mustRun("--json", "status", d.DeploymentID)), &details))
	assert.Equal(t, "unhealthy", details[0]["health"])
	assert.EqualValues(t, 1, details[0]["latestEthereumBlockNumber"])

	// Resetting health clears the deployment's errors and keeps the history.
	h.mustRun("reset-health", d.DeploymentID)
	require.NoError(t, json.Unmarshal([]byte(h.mustRun("--json", "status", d.DeploymentID)), &details))
	assert.Equal(t, "healthy", details[0]["health"])
	assert.Empty(t, details[0]["nonFatalErrors"])
	require.NoError(t, json.Unmarshal([]byte(h.mustRun("--json", "errors", d.DeploymentID)), &errs))
	assert.Len(t, errs, 1)
}

func TestExitCodes(t *testing.T) {
	h := newHarness(t)

	_, code := h.run("status", "QmMissing")
	assert.Equal(t, model.ExitNotFound, code)

	_, code = h.run("assign", "QmMissing")
	assert.Equal(t, model.ExitUsage, code)

	_, code = h.run("promote", "nobody", "v1")
	assert.Equal(t, model.ExitNotFound, code)

	h.mustRun("deploy", "tokens", filepath.Join(h.dir, "subgraph.yaml"))
	_, code = h.run("remove", "subgraph", "tokens")
	assert.Equal(t, 0, code)
}

func TestWaitSynced(t *testing.T) {
	h := newHarness(t)

	var d versions.Deployed
	require.NoError(t, json.Unmarshal([]byte(h.mustRun("--json", "deploy", "tokens", filepath.Join(h.dir, "subgraph.yaml"))), &d))

	events := filepath.Join(h.dir, "events.jsonl")
	require.NoError(t, os.WriteFile(events, []byte(`{"kind":"synced","deployment":"`+d.DeploymentID+`"}`), 0o644))
	h.mustRun("replay", events)
	h.mustRun("wait-synced", "--interval", "1ms", "--timeout", "5s", d.DeploymentID)

	require.NoError(t, os.WriteFile(events, []byte(`{"kind":"error","deployment":"`+d.DeploymentID+`","error":{"message":"halt"},"fatal":true}`), 0o644))
	h.mustRun("replay", events)
	_, code := h.run("wait-synced", "--interval", "1ms", d.DeploymentID)
	assert.Equal(t, model.ExitFatalIndexing, code)
}
