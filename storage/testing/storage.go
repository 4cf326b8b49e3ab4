package testing

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/go-pg/pg/v10"
	"github.com/stretchr/testify/require"

	"github.com/adzialocha/graph-node/storage"
	"github.com/adzialocha/graph-node/testutil"
)

// WaitForExclusiveMigratedStorage connects to the test database, migrating it if needed, and waits for exclusive
// access to it. The returned function releases access and closes the database.
func WaitForExclusiveMigratedStorage(ctx context.Context, tb testing.TB, debugLogs bool) (*storage.Database, func() error) {
	db, err := storage.NewDatabase(ctx, testutil.Database(), 10, "regtest", "public")
	require.NoError(tb, err)

	dbVersion, latest, err := db.GetSchemaVersions(ctx)
	require.NoError(tb, err)
	if dbVersion != latest {
		err = db.MigrateSchema(ctx)
		require.NoError(tb, err)
	}

	err = db.Connect(ctx)
	require.NoError(tb, err)

	release, err := testutil.WaitForExclusiveDatabaseLock(ctx, db.AsORM())
	if err != nil {
		db.Close(ctx) // nolint: errcheck
		tb.Fatalf("failed to get exclusive database access: %v", err)
	}

	_, err = db.AsORM().ExecContext(ctx, `TRUNCATE TABLE registry_entities`)
	require.NoError(tb, err)

	cleanup := func() error {
		_ = release()
		return db.Close(ctx) // nolint: errcheck
	}

	if debugLogs {
		db.AsORM().AddQueryHook(&LoggingQueryHook{})
	}
	return db, cleanup
}

// ForEachStore runs fn against an empty in-memory store and, when a test database is configured, against an
// empty postgresql store.
func ForEachStore(t *testing.T, fn func(t *testing.T, s storage.Store)) {
	t.Run("memory", func(t *testing.T) {
		fn(t, storage.NewMemStorage())
	})

	t.Run("postgresql", func(t *testing.T) {
		if testing.Short() || !testutil.DatabaseAvailable() {
			t.Skip("short testing requested or REGISTRY_TEST_DB not set")
		}
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		db, cleanup := WaitForExclusiveMigratedStorage(ctx, t, false)
		defer cleanup() // nolint: errcheck
		fn(t, db)
	})
}

type LoggingQueryHook struct{}

func (l *LoggingQueryHook) BeforeQuery(ctx context.Context, event *pg.QueryEvent) (context.Context, error) {
	q, err := event.FormattedQuery()
	if err != nil {
		return nil, err
	}

	if event.Err != nil {
		fmt.Printf("%s executing a query:\n%s\n", event.Err, q)
	}
	fmt.Println(string(q))

	return ctx, nil
}

func (l *LoggingQueryHook) AfterQuery(ctx context.Context, event *pg.QueryEvent) error {
	return nil
}
