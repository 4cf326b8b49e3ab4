package testutil

import (
	"context"
	"os"
	"time"

	"github.com/go-pg/pg/v10"
	"golang.org/x/xerrors"
)

var testDatabase = os.Getenv("REGISTRY_TEST_DB")

// DatabaseAvailable reports whether a database is available for testing
func DatabaseAvailable() bool {
	return testDatabase != ""
}

// Database returns the connection string for connecting to the test database
func Database() string {
	return testDatabase
}

// testLock is the advisory lock serializing test packages that share the test database.
const testLock int64 = 0x7265677465737473

// WaitForExclusiveDatabaseLock waits until the test database is not used by another test package and returns a
// function that releases it.
func WaitForExclusiveDatabaseLock(ctx context.Context, db *pg.DB) (func() error, error) {
	conn := db.Conn()
	for {
		var acquired bool
		if _, err := conn.QueryOneContext(ctx, pg.Scan(&acquired), `SELECT pg_try_advisory_lock(?)`, testLock); err != nil {
			_ = conn.Close()
			return nil, xerrors.Errorf("acquiring test lock: %w", err)
		}
		if acquired {
			break
		}

		select {
		case <-ctx.Done():
			_ = conn.Close()
			return nil, ctx.Err()
		case <-time.After(50 * time.Millisecond):
		}
	}

	release := func() error {
		defer conn.Close() // nolint: errcheck
		_, err := conn.Exec(`SELECT pg_advisory_unlock(?)`, testLock)
		return err
	}
	return release, nil
}
