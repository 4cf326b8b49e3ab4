package storage

import (
	"context"
	"os"

	"golang.org/x/xerrors"

	"github.com/adzialocha/graph-node/config"
)

var ErrUnknownStorage = xerrors.New("storage not defined")

// NewCatalog returns a catalog of the storage systems defined in the config. Names must be unique across storage
// kinds.
func NewCatalog(cfg config.StorageConf) (*Catalog, error) {
	c := &Catalog{
		postgresql: map[string]config.PgStorageConf{},
		memory:     map[string]config.MemStorageConf{},
	}
	for name, sc := range cfg.Postgresql {
		c.postgresql[name] = sc
	}
	for name, sc := range cfg.Memory {
		if _, exists := c.postgresql[name]; exists {
			return nil, xerrors.Errorf("duplicate storage name: %q", name)
		}
		c.memory[name] = sc
	}
	return c, nil
}

// A Catalog holds a list of pre-configured storage systems and can open them when requested.
type Catalog struct {
	postgresql map[string]config.PgStorageConf
	memory     map[string]config.MemStorageConf
}

// Open connects to the named store. A postgresql store must have its schema installed.
func (c *Catalog) Open(ctx context.Context, name string) (Store, error) {
	if sc, ok := c.memory[name]; ok {
		if sc.Path == "" {
			return NewMemStorage(), nil
		}
		dir, err := config.ExpandPath(sc.Path)
		if err != nil {
			return nil, err
		}
		return OpenMemStorage(dir)
	}

	db, err := c.Database(ctx, name)
	if err != nil {
		return nil, err
	}
	if err := db.Connect(ctx); err != nil {
		return nil, xerrors.Errorf("connect to %s: %w", name, err)
	}
	return db, nil
}

// Database returns the named postgresql store without connecting to it.
func (c *Catalog) Database(ctx context.Context, name string) (*Database, error) {
	sc, ok := c.postgresql[name]
	if !ok {
		return nil, xerrors.Errorf("%q: %w", name, ErrUnknownStorage)
	}

	dburl := sc.URL
	if sc.URLEnv != "" {
		if v, ok := os.LookupEnv(sc.URLEnv); ok && v != "" {
			dburl = v
		}
	}

	poolSize := sc.PoolSize
	if poolSize <= 0 {
		poolSize = 10
	}
	return NewDatabase(ctx, dburl, poolSize, sc.ApplicationName, sc.SchemaName)
}
