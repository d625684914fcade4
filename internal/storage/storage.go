// Package storage owns the FoundationDB handle and the small set of helpers
// the engine layers share. The handle is opened once by the service
// entrypoint and passed explicitly to each component; nothing in this
// repository reaches for an ambient global database.
package storage

import (
	"fmt"
	"sync"

	"github.com/apple/foundationdb/bindings/go/src/fdb"
)

// DefaultAPIVersion is the FoundationDB client API version selected when the
// configuration does not pin one.
const DefaultAPIVersion = 730

var apiVersionOnce sync.Once

// DB wraps the FoundationDB database handle.
type DB struct {
	fdb.Database
}

// Open selects the client API version (process-wide, first caller wins) and
// opens the cluster. An empty clusterFile falls back to the platform default
// cluster file resolution.
func Open(clusterFile string, apiVersion int) (DB, error) {
	if apiVersion <= 0 {
		apiVersion = DefaultAPIVersion
	}
	var verErr error
	apiVersionOnce.Do(func() {
		verErr = fdb.APIVersion(apiVersion)
	})
	if verErr != nil {
		return DB{}, fmt.Errorf("selecting fdb API version %d: %w", apiVersion, verErr)
	}

	var (
		db  fdb.Database
		err error
	)
	if clusterFile == "" {
		db, err = fdb.OpenDefault()
	} else {
		db, err = fdb.OpenDatabase(clusterFile)
	}
	if err != nil {
		return DB{}, fmt.Errorf("opening fdb cluster: %w", err)
	}
	return DB{Database: db}, nil
}

// PrefixRange converts a key prefix into an fdb range, panicking only on the
// 0xff.. edge that no codec-produced prefix can reach.
func PrefixRange(prefix []byte) fdb.KeyRange {
	r, err := fdb.PrefixRange(prefix)
	if err != nil {
		// Codec prefixes always have a strict upper bound; this indicates a bug.
		panic(fmt.Sprintf("storage: unrangeable prefix %x: %v", prefix, err))
	}
	return r
}

// PrefixEnd returns the exclusive upper bound of prefix's key range, for
// cursor-style scans that outlive a single transaction.
func PrefixEnd(prefix []byte) []byte {
	end, err := fdb.Strinc(prefix)
	if err != nil {
		panic(fmt.Sprintf("storage: unrangeable prefix %x: %v", prefix, err))
	}
	return end
}

// ReadPrefix reads up to limit key-value pairs under prefix. A limit of 0
// means no limit; callers doing bounded batch work always pass one.
func ReadPrefix(rt fdb.ReadTransaction, prefix []byte, limit int) ([]fdb.KeyValue, error) {
	rr := rt.GetRange(PrefixRange(prefix), fdb.RangeOptions{
		Limit: limit,
		Mode:  fdb.StreamingModeWantAll,
	})
	kvs, err := rr.GetSliceWithError()
	if err != nil {
		return nil, fmt.Errorf("range read %x: %w", prefix, err)
	}
	return kvs, nil
}

// ReadKeyRange reads up to limit pairs from an explicit [begin, end) range.
func ReadKeyRange(rt fdb.ReadTransaction, begin, end []byte, limit int) ([]fdb.KeyValue, error) {
	rr := rt.GetRange(fdb.KeyRange{Begin: fdb.Key(begin), End: fdb.Key(end)}, fdb.RangeOptions{
		Limit: limit,
		Mode:  fdb.StreamingModeWantAll,
	})
	kvs, err := rr.GetSliceWithError()
	if err != nil {
		return nil, fmt.Errorf("range read [%x, %x): %w", begin, end, err)
	}
	return kvs, nil
}

// RangeIsEmpty reports whether any key exists under prefix.
func RangeIsEmpty(rt fdb.ReadTransaction, prefix []byte) (bool, error) {
	kvs, err := ReadPrefix(rt, prefix, 1)
	if err != nil {
		return false, err
	}
	return len(kvs) == 0, nil
}

// ClearPrefix removes every key under prefix inside the caller's transaction.
func ClearPrefix(tr fdb.Transaction, prefix []byte) {
	tr.ClearRange(PrefixRange(prefix))
}
