package commands

import (
	"context"
	"fmt"
	"strconv"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/urfave/cli/v2"

	"github.com/adzialocha/graph-node/model/subgraphs"
	"github.com/adzialocha/graph-node/registry"
)

var StatusCmd = &cli.Command{
	Name:      "status",
	Usage:     "Show the indexing status of deployments.",
	ArgsUsage: "<deployment-id>...",
	Action: func(cctx *cli.Context) error {
		if cctx.NArg() == 0 {
			return requireArgs(cctx, 1)
		}
		return withRegistry(cctx, func(ctx context.Context, r *registry.Registry) error {
			details, err := r.Details.ProjectAll(ctx, cctx.Args().Slice())
			if err != nil {
				return err
			}
			if GlobalFlags.JSON {
				return printJSON(cctx.App.Writer, details)
			}

			t := newTable(cctx.App.Writer, "deployment", "health", "synced", "latest", "head", "behind", "entities", "reorgs", "node")
			for _, d := range details {
				t.AppendRow(detailRow(d))
			}
			t.Render()
			return nil
		})
	},
}

func detailRow(d *subgraphs.SubgraphDeploymentDetail) table.Row {
	dep := d.Deployment
	latest := "-"
	if ptr, ok := dep.Latest(); ok {
		latest = ptr.String()
	}
	head := "-"
	if d.EthereumHeadBlockNumber != nil {
		head = strconv.FormatInt(*d.EthereumHeadBlockNumber, 10)
	}
	behind := "-"
	if n, ok := d.BlocksBehind(); ok {
		behind = strconv.FormatInt(n, 10)
	}
	return table.Row{dep.ID, dep.Health, dep.Synced, latest, head, behind, dep.EntityCount, dep.ReorgCount, orDash(d.NodeID)}
}

var ListCmd = &cli.Command{
	Name:  "list",
	Usage: "List subgraphs with their current and pending versions.",
	Action: func(cctx *cli.Context) error {
		return withRegistry(cctx, func(ctx context.Context, r *registry.Registry) error {
			subs, err := r.Versions.Subgraphs(ctx)
			if err != nil {
				return err
			}
			if GlobalFlags.JSON {
				return printJSON(cctx.App.Writer, subs)
			}

			t := newTable(cctx.App.Writer, "name", "id", "current", "pending")
			for _, s := range subs {
				t.AppendRow(table.Row{s.Name, s.ID, orDash(s.CurrentVersion), orDash(s.PendingVersion)})
			}
			t.Render()
			return nil
		})
	},
}

var VersionsCmd = &cli.Command{
	Name:      "versions",
	Usage:     "List the versions of a subgraph, oldest first.",
	ArgsUsage: "<name>",
	Action: func(cctx *cli.Context) error {
		if err := requireArgs(cctx, 1); err != nil {
			return err
		}
		return withRegistry(cctx, func(ctx context.Context, r *registry.Registry) error {
			s, err := r.Versions.SubgraphByName(ctx, cctx.Args().First())
			if err != nil {
				return err
			}
			vs, err := r.Versions.Versions(ctx, s.ID)
			if err != nil {
				return err
			}
			if GlobalFlags.JSON {
				return printJSON(cctx.App.Writer, vs)
			}

			t := newTable(cctx.App.Writer, "version", "deployment", "created", "role")
			for _, v := range vs {
				t.AppendRow(table.Row{v.ID, v.Deployment, v.CreatedAt.Format("2006-01-02 15:04:05"), versionRole(s, v.ID)})
			}
			t.Render()
			return nil
		})
	},
}

func versionRole(s *subgraphs.Subgraph, id string) string {
	switch {
	case s.CurrentVersion != nil && *s.CurrentVersion == id:
		return "current"
	case s.PendingVersion != nil && *s.PendingVersion == id:
		return "pending"
	}
	return ""
}

var ErrorsCmd = &cli.Command{
	Name:      "errors",
	Usage:     "List the indexing errors recorded for a deployment.",
	ArgsUsage: "<deployment-id>",
	Action: func(cctx *cli.Context) error {
		if err := requireArgs(cctx, 1); err != nil {
			return err
		}
		return withRegistry(cctx, func(ctx context.Context, r *registry.Registry) error {
			errs, err := r.Deployments.Errors(ctx, cctx.Args().First())
			if err != nil {
				return err
			}
			if GlobalFlags.JSON {
				return printJSON(cctx.App.Writer, errs)
			}

			t := newTable(cctx.App.Writer, "id", "block", "handler", "deterministic", "message")
			for _, e := range errs {
				block := "-"
				if e.BlockNumber != nil {
					block = fmt.Sprint(*e.BlockNumber)
				}
				t.AppendRow(table.Row{e.ID, block, orDash(e.Handler), e.Deterministic, e.Message})
			}
			t.Render()
			return nil
		})
	},
}

var HeadsCmd = &cli.Command{
	Name:  "heads",
	Usage: "List the known chain heads of networks.",
	Action: func(cctx *cli.Context) error {
		return withRegistry(cctx, func(ctx context.Context, r *registry.Registry) error {
			networks, err := r.Heads.Networks(ctx)
			if err != nil {
				return err
			}
			if GlobalFlags.JSON {
				return printJSON(cctx.App.Writer, networks)
			}

			t := newTable(cctx.App.Writer, "network", "head", "hash")
			for _, n := range networks {
				t.AppendRow(table.Row{n.ID, n.HeadBlockNumber, n.HeadBlockHash})
			}
			t.Render()
			return nil
		})
	},
}
