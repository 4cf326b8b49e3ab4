package commands

import (
	"fmt"

	"github.com/urfave/cli/v2"

	"github.com/adzialocha/graph-node/config"
)

var InitCmd = &cli.Command{
	Name:  "init",
	Usage: "Write a default config file unless one exists.",
	Action: func(cctx *cli.Context) error {
		path, err := config.ExpandPath(GlobalFlags.Config)
		if err != nil {
			return exit(err)
		}
		if err := config.EnsureExists(path); err != nil {
			return exit(fmt.Errorf("ensuring config is present at %q: %w", path, err))
		}
		log.Infof("config: %s", path)
		return nil
	},
}
