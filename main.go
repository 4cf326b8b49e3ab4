package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	logging "github.com/ipfs/go-log/v2"
	"github.com/urfave/cli/v2"

	"github.com/adzialocha/graph-node/commands"
	"github.com/adzialocha/graph-node/version"
)

var log = logging.Logger("registry")

func main() {
	app := &cli.App{
		Name:     "registry",
		Usage:    "Subgraph deployment registry",
		Version:  version.String(),
		Flags:    commands.Flags,
		Before:   commands.Before,
		Commands: commands.Commands,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := app.RunContext(ctx, os.Args); err != nil {
		log.Error(err)
		stop()
		os.Exit(1)
	}
}
