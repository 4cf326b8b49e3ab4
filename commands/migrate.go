package commands

import (
	"github.com/urfave/cli/v2"
	"golang.org/x/xerrors"

	"github.com/adzialocha/graph-node/model"
	"github.com/adzialocha/graph-node/storage"
)

var migrateFlags struct {
	to     string
	latest bool
}

var MigrateCmd = &cli.Command{
	Name:  "migrate",
	Usage: "Reports and verifies the current database schema version and latest available for migration. Use --to or --latest to perform a schema migration.",
	Flags: []cli.Flag{
		&cli.StringFlag{
			Name:        "to",
			Usage:       "Migrate the schema to the `VERSION`.",
			Destination: &migrateFlags.to,
		},
		&cli.BoolFlag{
			Name:        "latest",
			Usage:       "Migrate the schema to the latest version.",
			Destination: &migrateFlags.latest,
		},
	},
	Action: func(cctx *cli.Context) error {
		ctx := cctx.Context
		cfg, err := loadConfig()
		if err != nil {
			return exit(err)
		}
		catalog, err := storage.NewCatalog(cfg.Storage)
		if err != nil {
			return exit(err)
		}
		db, err := catalog.Database(ctx, cfg.Registry.Store)
		if err != nil {
			return exit(err)
		}

		if migrateFlags.to != "" {
			target, err := model.ParseVersion(migrateFlags.to)
			if err != nil {
				return exit(xerrors.Errorf("invalid schema version: %w", err))
			}
			if err := db.MigrateSchemaTo(ctx, target); err != nil {
				return exit(xerrors.Errorf("migrate schema to: %w", err))
			}
		} else if migrateFlags.latest {
			if err := db.MigrateSchema(ctx); err != nil {
				return exit(xerrors.Errorf("migrate schema: %w", err))
			}
		}

		dbVersion, latestVersion, err := db.GetSchemaVersions(ctx)
		if err != nil {
			return exit(xerrors.Errorf("get schema versions: %w", err))
		}
		log.Infof("current database schema is version %s, latest is %s", dbVersion, latestVersion)
		if dbVersion.Before(latestVersion) {
			log.Warnf("use `registry migrate --latest` to migrate to %s", latestVersion)
		}
		return nil
	},
}
