package commands

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/urfave/cli/v2"
	"golang.org/x/xerrors"

	"github.com/adzialocha/graph-node/model"
	"github.com/adzialocha/graph-node/registry"
	"github.com/adzialocha/graph-node/wait"
)

var ResetHealthCmd = &cli.Command{
	Name:      "reset-health",
	Usage:     "Clear the errors of a deployment so it can resume indexing.",
	ArgsUsage: "<deployment-id>",
	Action: func(cctx *cli.Context) error {
		if err := requireArgs(cctx, 1); err != nil {
			return err
		}
		return withRegistry(cctx, func(ctx context.Context, r *registry.Registry) error {
			return r.Deployments.ResetHealth(ctx, cctx.Args().First())
		})
	},
}

var GraftCmd = &cli.Command{
	Name:      "graft",
	Usage:     "Start a deployment from the state of a base deployment at a block.",
	ArgsUsage: "<deployment-id> <base-deployment-id> <block>",
	Action: func(cctx *cli.Context) error {
		if err := requireArgs(cctx, 3); err != nil {
			return err
		}
		block, err := strconv.ParseInt(cctx.Args().Get(2), 10, 64)
		if err != nil {
			return cli.Exit(xerrors.Errorf("invalid block number: %w", err), model.ExitUsage)
		}
		return withRegistry(cctx, func(ctx context.Context, r *registry.Registry) error {
			return r.Deployments.Graft(ctx, cctx.Args().Get(0), cctx.Args().Get(1), block)
		})
	},
}

var RemoveCmd = &cli.Command{
	Name:  "remove",
	Usage: "Remove versions, subgraphs or deployments.",
	Subcommands: []*cli.Command{
		{
			Name:      "version",
			Usage:     "Remove a version that is neither current nor pending.",
			ArgsUsage: "<version-id>",
			Action: func(cctx *cli.Context) error {
				if err := requireArgs(cctx, 1); err != nil {
					return err
				}
				return withRegistry(cctx, func(ctx context.Context, r *registry.Registry) error {
					return r.Versions.RemoveVersion(ctx, cctx.Args().First())
				})
			},
		},
		{
			Name:      "subgraph",
			Usage:     "Remove a subgraph and all of its versions.",
			ArgsUsage: "<name>",
			Action: func(cctx *cli.Context) error {
				if err := requireArgs(cctx, 1); err != nil {
					return err
				}
				return withRegistry(cctx, func(ctx context.Context, r *registry.Registry) error {
					return r.Versions.RemoveSubgraph(ctx, cctx.Args().First())
				})
			},
		},
		{
			Name:      "deployment",
			Usage:     "Remove a deployment no version refers to, with its assignment, data sources and errors.",
			ArgsUsage: "<deployment-id>",
			Action: func(cctx *cli.Context) error {
				if err := requireArgs(cctx, 1); err != nil {
					return err
				}
				return withRegistry(cctx, func(ctx context.Context, r *registry.Registry) error {
					return r.Versions.RemoveDeployment(ctx, cctx.Args().First())
				})
			},
		},
	},
}

var ReplayCmd = &cli.Command{
	Name:      "replay",
	Usage:     "Apply a JSON lines log of chain and indexing events.",
	ArgsUsage: "<events.jsonl|->",
	Action: func(cctx *cli.Context) error {
		if err := requireArgs(cctx, 1); err != nil {
			return err
		}
		in := cctx.App.Reader
		if path := cctx.Args().First(); path != "-" {
			f, err := os.Open(path)
			if err != nil {
				return exit(err)
			}
			defer f.Close() // nolint: errcheck
			in = f
		}
		return withRegistry(cctx, func(ctx context.Context, r *registry.Registry) error {
			n, err := r.Replay(ctx, in)
			fmt.Fprintf(cctx.App.ErrWriter, "applied %d events\n", n)
			return err
		})
	},
}

var waitFlags struct {
	interval time.Duration
	timeout  time.Duration
}

var WaitSyncedCmd = &cli.Command{
	Name:      "wait-synced",
	Usage:     "Wait until a deployment is synced. Fails if the deployment fails first.",
	ArgsUsage: "<deployment-id>",
	Flags: []cli.Flag{
		&cli.DurationFlag{
			Name:        "interval",
			Usage:       "Time between checks.",
			Value:       2 * time.Second,
			Destination: &waitFlags.interval,
		},
		&cli.DurationFlag{
			Name:        "timeout",
			Usage:       "Give up after this long, zero to wait indefinitely.",
			Destination: &waitFlags.timeout,
		},
	},
	Action: func(cctx *cli.Context) error {
		if err := requireArgs(cctx, 1); err != nil {
			return err
		}
		id := cctx.Args().First()
		return withRegistry(cctx, func(ctx context.Context, r *registry.Registry) error {
			if waitFlags.timeout > 0 {
				var cancel context.CancelFunc
				ctx, cancel = context.WithTimeout(ctx, waitFlags.timeout)
				defer cancel()
			}
			return wait.RepeatUntil(ctx, nil, wait.Jitter(waitFlags.interval, 0.1), func(ctx context.Context) (bool, error) {
				d, err := r.Deployments.Get(ctx, id)
				if err != nil {
					return false, err
				}
				if d.Failed() {
					msg := "failed"
					if d.FatalError != nil {
						msg = d.FatalError.Message
					}
					return false, &model.FatalIndexingError{Deployment: id, Message: msg}
				}
				return d.Synced, nil
			})
		})
	},
}
