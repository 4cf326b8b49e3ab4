// Package commands implements the registry command line.
package commands

import (
	"context"
	"encoding/json"
	"io"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/urfave/cli/v2"
	"golang.org/x/xerrors"

	"github.com/adzialocha/graph-node/config"
	"github.com/adzialocha/graph-node/model"
	"github.com/adzialocha/graph-node/registry"
)

type GlobalOpts struct {
	Config string
	Store  string
	JSON   bool
}

var GlobalFlags GlobalOpts

// Flags are accepted by every command.
var Flags = []cli.Flag{
	&cli.StringFlag{
		Name:        "config",
		Usage:       "Specify path of config file to use.",
		EnvVars:     []string{"REGISTRY_CONFIG"},
		Value:       "~/.registry/config.toml",
		Destination: &GlobalFlags.Config,
	},
	&cli.StringFlag{
		Name:        "store",
		Usage:       "Open the storage section named `NAME` instead of the configured registry store.",
		EnvVars:     []string{"REGISTRY_STORE"},
		Destination: &GlobalFlags.Store,
	},
	&cli.BoolFlag{
		Name:        "json",
		Usage:       "Print results as JSON.",
		Destination: &GlobalFlags.JSON,
	},
	&cli.StringFlag{
		Name:        "log-level",
		EnvVars:     []string{"GOLOG_LOG_LEVEL"},
		Value:       "warn",
		Usage:       "Set the default log level for all loggers to `LEVEL`",
		Destination: &LogFlags.LogLevel,
	},
	&cli.StringFlag{
		Name:        "log-level-named",
		EnvVars:     []string{"REGISTRY_LOG_LEVEL_NAMED"},
		Usage:       "A comma delimited list of named loggers and log levels formatted as name:level, for example 'logger1:debug,logger2:info'",
		Destination: &LogFlags.LogLevelNamed,
	},
}

var Commands = []*cli.Command{
	InitCmd,
	MigrateCmd,
	DeployCmd,
	PromoteCmd,
	AssignCmd,
	UnassignCmd,
	StatusCmd,
	ListCmd,
	VersionsCmd,
	ErrorsCmd,
	ResetHealthCmd,
	GraftCmd,
	RemoveCmd,
	ReplayCmd,
	WaitSyncedCmd,
	HeadsCmd,
}

// Before runs ahead of every command.
func Before(cctx *cli.Context) error {
	return setupLogging(LogFlags)
}

func loadConfig() (*config.Conf, error) {
	path, err := config.ExpandPath(GlobalFlags.Config)
	if err != nil {
		return nil, err
	}
	cfg, err := config.FromFile(path)
	if err != nil {
		return nil, xerrors.Errorf("load config %s: %w", path, err)
	}
	if GlobalFlags.Store != "" {
		cfg.Registry.Store = GlobalFlags.Store
	}
	return cfg, nil
}

// withRegistry opens the configured registry for the duration of fn.
func withRegistry(cctx *cli.Context, fn func(ctx context.Context, r *registry.Registry) error) error {
	ctx := cctx.Context
	cfg, err := loadConfig()
	if err != nil {
		return exit(err)
	}
	if err := setupMetrics(cfg.Metrics); err != nil {
		return exit(xerrors.Errorf("setup metrics: %w", err))
	}
	tp, err := setupTracing(cfg.Tracing)
	if err != nil {
		return exit(err)
	}
	if tp != nil {
		defer func() {
			if err := tp.Shutdown(context.Background()); err != nil {
				log.Warnw("shutdown tracing", "error", err)
			}
		}()
	}

	r, err := registry.Open(ctx, cfg)
	if err != nil {
		return exit(err)
	}
	defer func() {
		if err := r.Close(ctx); err != nil {
			log.Errorw("close registry", "error", err)
		}
	}()
	return exit(fn(ctx, r))
}

// exit maps registry errors to their process exit codes.
func exit(err error) error {
	if err == nil {
		return nil
	}
	return cli.Exit(err.Error(), model.ExitCode(err))
}

func requireArgs(cctx *cli.Context, n int) error {
	if cctx.NArg() != n {
		return cli.Exit(xerrors.Errorf("%s expects %d arguments, got %d: %s", cctx.Command.Name, n, cctx.NArg(), cctx.Command.ArgsUsage), model.ExitUsage)
	}
	return nil
}

func printJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func newTable(w io.Writer, header ...interface{}) table.Writer {
	t := table.NewWriter()
	t.SetOutputMirror(w)
	t.SetStyle(table.StyleLight)
	t.AppendHeader(header)
	return t
}

func orDash(s *string) string {
	if s == nil {
		return "-"
	}
	return *s
}
