// Package storagetest opens a scratch FoundationDB cluster for tests. The
// suites that depend on it skip unless CINDER_TEST_FDB=1, because they wipe
// the keyspace the codec owns.
package storagetest

import (
	"os"
	"testing"

	"github.com/apple/foundationdb/bindings/go/src/fdb"
	"github.com/stretchr/testify/require"

	"github.com/emberworks/cinder/internal/storage"
)

// Open returns a database for tests, wiping every codec subspace first.
// CINDER_TEST_FDB must be set, and FDB_CLUSTER_FILE should point at a
// cluster that holds nothing you care about.
func Open(t *testing.T) storage.DB {
	t.Helper()
	if os.Getenv("CINDER_TEST_FDB") == "" {
		t.Skip("set CINDER_TEST_FDB=1 (and FDB_CLUSTER_FILE) to run FoundationDB-backed tests")
	}

	db, err := storage.Open(os.Getenv("FDB_CLUSTER_FILE"), 0)
	require.NoError(t, err)
	Wipe(t, db)
	return db
}

// Wipe clears every subspace the key codec can produce.
func Wipe(t *testing.T, db storage.DB) {
	t.Helper()
	_, err := db.Transact(func(tr fdb.Transaction) (interface{}, error) {
		tr.ClearRange(fdb.KeyRange{Begin: fdb.Key{0x00}, End: fdb.Key{0x10}})
		return nil, nil
	})
	require.NoError(t, err)
}
