package commands

import (
	"context"
	"fmt"

	"github.com/urfave/cli/v2"

	"github.com/adzialocha/graph-node/manifest"
	"github.com/adzialocha/graph-node/registry"
)

var DeployCmd = &cli.Command{
	Name:      "deploy",
	Usage:     "Deploy a manifest as a new version of a named subgraph.",
	ArgsUsage: "<name> <manifest.yaml>",
	Action: func(cctx *cli.Context) error {
		if err := requireArgs(cctx, 2); err != nil {
			return err
		}
		name, path := cctx.Args().Get(0), cctx.Args().Get(1)

		m, err := manifest.Load(path)
		if err != nil {
			return exit(err)
		}
		return withRegistry(cctx, func(ctx context.Context, r *registry.Registry) error {
			d, err := r.Deploy(ctx, name, m)
			if err != nil {
				return err
			}
			if GlobalFlags.JSON {
				return printJSON(cctx.App.Writer, d)
			}
			fmt.Fprintf(cctx.App.Writer, "subgraph:   %s\nversion:    %s\ndeployment: %s\n", d.SubgraphID, d.VersionID, d.DeploymentID)
			return nil
		})
	},
}

var PromoteCmd = &cli.Command{
	Name:      "promote",
	Usage:     "Make a version the current version of its subgraph.",
	ArgsUsage: "<name> <version-id>",
	Action: func(cctx *cli.Context) error {
		if err := requireArgs(cctx, 2); err != nil {
			return err
		}
		return withRegistry(cctx, func(ctx context.Context, r *registry.Registry) error {
			s, err := r.Versions.SubgraphByName(ctx, cctx.Args().Get(0))
			if err != nil {
				return err
			}
			return r.Versions.Promote(ctx, s.ID, cctx.Args().Get(1))
		})
	},
}

var assignFlags struct {
	cost int64
}

var AssignCmd = &cli.Command{
	Name:      "assign",
	Usage:     "Assign a deployment to an indexing node, replacing any previous assignment.",
	ArgsUsage: "<deployment-id> <node-id>",
	Flags: []cli.Flag{
		&cli.Int64Flag{
			Name:        "cost",
			Usage:       "Scheduling cost of the deployment.",
			Value:       1,
			Destination: &assignFlags.cost,
		},
	},
	Action: func(cctx *cli.Context) error {
		if err := requireArgs(cctx, 2); err != nil {
			return err
		}
		return withRegistry(cctx, func(ctx context.Context, r *registry.Registry) error {
			return r.Versions.Assign(ctx, cctx.Args().Get(0), cctx.Args().Get(1), assignFlags.cost)
		})
	},
}

var UnassignCmd = &cli.Command{
	Name:      "unassign",
	Usage:     "Remove the node assignment of a deployment.",
	ArgsUsage: "<deployment-id>",
	Action: func(cctx *cli.Context) error {
		if err := requireArgs(cctx, 1); err != nil {
			return err
		}
		return withRegistry(cctx, func(ctx context.Context, r *registry.Registry) error {
			return r.Versions.Unassign(ctx, cctx.Args().First())
		})
	},
}
