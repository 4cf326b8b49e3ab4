package storage

import (
	"context"
	"strconv"

	"github.com/go-pg/migrations/v8"
	"github.com/go-pg/pg/v10"
	"github.com/lib/pq"
	"golang.org/x/xerrors"

	"github.com/adzialocha/graph-node/model"
	"github.com/adzialocha/graph-node/schemas"
	v1 "github.com/adzialocha/graph-node/schemas/v1"
)

const versionTable = "registry_version"

// GetSchemaVersions returns the schema version in the database and the latest schema version defined by the available
// migrations.
func (d *Database) GetSchemaVersions(ctx context.Context) (model.Version, model.Version, error) {
	latest := LatestSchemaVersion()

	// If we're already connected then use that connection
	if d.db != nil {
		dbVersion, _, err := getDatabaseSchemaVersion(ctx, d.db, d.schemaName)
		return dbVersion, latest, err
	}

	// Temporarily connect
	db, err := connect(ctx, d.opt)
	if err != nil {
		return model.Version{}, model.Version{}, xerrors.Errorf("connect: %w", err)
	}
	defer db.Close() // nolint: errcheck
	dbVersion, _, err := getDatabaseSchemaVersion(ctx, db, d.schemaName)
	return dbVersion, latest, err
}

// getDatabaseSchemaVersion returns the schema version in use by the database and whether the schema versioning
// tables have been initialized. If no schema version tables can be found then the database is assumed to be
// uninitialized and a zero version and false value will be returned.
func getDatabaseSchemaVersion(ctx context.Context, db *pg.DB, schemaName string) (model.Version, bool, error) {
	vvExists, err := tableExists(ctx, db, schemaName, versionTable)
	if err != nil {
		return model.Version{}, false, xerrors.Errorf("checking if %s exists: %w", versionTable, err)
	}
	migExists, err := tableExists(ctx, db, schemaName, "gopg_migrations")
	if err != nil {
		return model.Version{}, false, xerrors.Errorf("checking if gopg_migrations exists: %w", err)
	}
	if !migExists || !vvExists {
		// Uninitialized database
		return model.Version{}, false, nil
	}

	var major int
	_, err = db.QueryOneContext(ctx, pg.Scan(&major), `SELECT major FROM ? LIMIT 1`, pg.SafeQuery(qualified(schemaName, versionTable)))
	if err != nil && err != pg.ErrNoRows {
		return model.Version{}, false, err
	}
	if major == 0 {
		return model.Version{}, false, nil
	}

	coll, err := collectionForVersion(model.Version{Major: major}, schemas.Config{SchemaName: schemaName})
	if err != nil {
		return model.Version{}, false, err
	}

	migration, err := coll.Version(db)
	if err != nil {
		return model.Version{}, false, xerrors.Errorf("unable to determine schema version: %w", err)
	}

	return model.Version{Major: major, Patch: int(migration)}, true, nil
}

func tableExists(ctx context.Context, db *pg.DB, schemaName string, tableName string) (bool, error) {
	var exists bool
	_, err := db.QueryOneContext(ctx, pg.Scan(&exists), `SELECT EXISTS (
		SELECT FROM information_schema.tables WHERE table_schema = ? AND table_name = ?
	)`, schemaName, tableName)
	if err != nil {
		return false, err
	}
	return exists, nil
}

func qualified(schemaName, table string) string {
	return pq.QuoteIdentifier(schemaName) + "." + pq.QuoteIdentifier(table)
}

// initDatabaseSchema initializes the version tables for tracking schema version installed in the database
func initDatabaseSchema(ctx context.Context, db *pg.DB, schemaName string, major int) error {
	if schemaName != "public" {
		if _, err := db.ExecContext(ctx, `CREATE SCHEMA IF NOT EXISTS ?`, pg.SafeQuery(pq.QuoteIdentifier(schemaName))); err != nil {
			return xerrors.Errorf("ensure schema exists: %w", err)
		}
	}

	if _, err := db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS ? (
			"major" int NOT NULL,
			PRIMARY KEY ("major")
		)`, pg.SafeQuery(qualified(schemaName, versionTable))); err != nil {
		return xerrors.Errorf("ensure %s exists: %w", versionTable, err)
	}
	if _, err := db.ExecContext(ctx, `INSERT INTO ? (major) VALUES (?) ON CONFLICT DO NOTHING`,
		pg.SafeQuery(qualified(schemaName, versionTable)), major); err != nil {
		return xerrors.Errorf("record major version: %w", err)
	}

	if _, err := db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS ? (
			id serial,
			version bigint,
			created_at timestamptz
		)`, pg.SafeQuery(qualified(schemaName, "gopg_migrations"))); err != nil {
		return xerrors.Errorf("ensure gopg_migrations exists: %w", err)
	}
	return nil
}

func validateDatabaseSchemaVersion(ctx context.Context, db *pg.DB, schemaName string) (model.Version, error) {
	dbVersion, initialized, err := getDatabaseSchemaVersion(ctx, db, schemaName)
	if err != nil {
		return model.Version{}, xerrors.Errorf("get schema version: %w", err)
	}
	if !initialized {
		return model.Version{}, xerrors.Errorf("schema not installed in database")
	}

	latestVersion := LatestSchemaVersion()
	switch {
	case latestVersion.Before(dbVersion):
		// porridge too hot
		return model.Version{}, ErrSchemaTooNew
	case dbVersion.Before(model.OldestSupportedSchemaVersion):
		// porridge too cold
		return model.Version{}, ErrSchemaTooOld
	default:
		// just right
		return dbVersion, nil
	}
}

// LatestSchemaVersion returns the most recent version of the model schema.
func LatestSchemaVersion() model.Version {
	switch schemas.LatestMajor {
	case v1.MajorVersion:
		return v1.Version()
	default:
		panic("inconsistent schema versions: no schema registered for latest major version")
	}
}

// MigrateSchema migrates the database schema to the latest version based on the list of migrations available
func (d *Database) MigrateSchema(ctx context.Context) error {
	return d.MigrateSchemaTo(ctx, LatestSchemaVersion())
}

// MigrateSchemaTo migrates the database schema to a specific version. Only forward migrations are supported.
func (d *Database) MigrateSchemaTo(ctx context.Context, target model.Version) error {
	db, err := connect(ctx, d.opt)
	if err != nil {
		return xerrors.Errorf("connect: %w", err)
	}
	defer db.Close() // nolint: errcheck

	dbVersion, initialized, err := getDatabaseSchemaVersion(ctx, db, d.schemaName)
	if err != nil {
		return xerrors.Errorf("get schema versions: %w", err)
	}
	log.Infof("current database schema is version %s", dbVersion)

	if initialized && target.Major != dbVersion.Major {
		return xerrors.Errorf("cannot migrate to a different major schema version. database version=%s, target version=%s", dbVersion, target)
	}
	if latest := LatestSchemaVersion(); latest.Major != target.Major || latest.Patch < target.Patch {
		return xerrors.Errorf("no migrations found for version %s", target)
	}
	if initialized && dbVersion == target {
		log.Infof("database schema is already at version %s", dbVersion)
		return nil
	}
	if target.Before(dbVersion) {
		return xerrors.Errorf("cannot migrate schema backwards from %s to %s", dbVersion, target)
	}

	cfg := schemas.Config{SchemaName: d.schemaName}
	coll, err := collectionForVersion(target, cfg)
	if err != nil {
		return xerrors.Errorf("no schema definition corresponds to version %s: %w", target, err)
	}

	// Acquire an exclusive lock on the schema so we know no other instances are running
	if err := SchemaLock.LockExclusive(ctx, db); err != nil {
		return xerrors.Errorf("acquiring schema lock: %w", err)
	}
	defer func() {
		if err := SchemaLock.UnlockExclusive(ctx, db); err != nil {
			log.Errorf("failed to release exclusive lock: %v", err)
		}
	}()

	if !initialized {
		log.Infof("creating base schema for major version %d", target.Major)
		if err := initDatabaseSchema(ctx, db, d.schemaName, target.Major); err != nil {
			return xerrors.Errorf("initializing schema version tables: %w", err)
		}
		base, err := v1.GetBase(cfg)
		if err != nil {
			return xerrors.Errorf("render base schema: %w", err)
		}
		if _, err := db.ExecContext(ctx, base); err != nil {
			return xerrors.Errorf("creating base schema: %w", err)
		}
	}

	log.Infof("running schema migration from version %s to version %s", dbVersion, target)
	_, newDBPatch, err := coll.Run(db, "up", strconv.Itoa(target.Patch))
	if err != nil {
		return xerrors.Errorf("run migration: %w", err)
	}
	log.Infof("current database schema is now version %s", model.Version{Major: target.Major, Patch: int(newDBPatch)})
	return nil
}

func collectionForVersion(version model.Version, cfg schemas.Config) (*migrations.Collection, error) {
	switch version.Major {
	case v1.MajorVersion:
		return v1.GetPatches(cfg)
	default:
		return nil, xerrors.Errorf("unsupported major version: %d", version.Major)
	}
}
