package counter

import (
	"testing"
	"time"

	"github.com/apple/foundationdb/bindings/go/src/fdb"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/emberworks/cinder/internal/keys"
	"github.com/emberworks/cinder/internal/storage"
	"github.com/emberworks/cinder/internal/storage/storagetest"
)

func newTestService(t *testing.T) (*Service, storage.DB) {
	t.Helper()
	db := storagetest.Open(t)
	return New(db), db
}

func add(t *testing.T, db storage.DB, s *Service, kind keys.CounterKind, id string, delta int64) {
	t.Helper()
	_, err := db.Transact(func(tr fdb.Transaction) (interface{}, error) {
		s.Add(tr, kind, id, delta)
		return nil, nil
	})
	require.NoError(t, err)
}

func TestGetMissingIsZero(t *testing.T) {
	s, _ := newTestService(t)
	v, err := s.Get(keys.CounterTeamQueue, "nobody")
	require.NoError(t, err)
	assert.Zero(t, v)
}

func TestAddAccumulates(t *testing.T) {
	s, db := newTestService(t)

	add(t, db, s, keys.CounterTeamQueue, "team", 1)
	add(t, db, s, keys.CounterTeamQueue, "team", 1)
	add(t, db, s, keys.CounterTeamQueue, "team", -1)

	v, err := s.Get(keys.CounterTeamQueue, "team")
	require.NoError(t, err)
	assert.Equal(t, int64(1), v)
}

func TestGetClampsNegative(t *testing.T) {
	s, db := newTestService(t)

	add(t, db, s, keys.CounterTeamActive, "team", -5)

	v, err := s.Get(keys.CounterTeamActive, "team")
	require.NoError(t, err)
	assert.Zero(t, v, "negative cells clamp to zero at the API boundary")
}

func TestReconcileRepairsDrift(t *testing.T) {
	s, db := newTestService(t)

	// Two real queue entries, but a counter that drifted to 5.
	_, err := db.Transact(func(tr fdb.Transaction) (interface{}, error) {
		tr.Set(fdb.Key(keys.QueueKey("team", 1, 100, "a")), []byte("{}"))
		tr.Set(fdb.Key(keys.QueueKey("team", 1, 200, "b")), []byte("{}"))
		s.Add(tr, keys.CounterTeamQueue, "team", 5)
		return nil, nil
	})
	require.NoError(t, err)

	delta, err := s.Reconcile(keys.CounterTeamQueue, "team")
	require.NoError(t, err)
	assert.Equal(t, int64(-3), delta)

	v, err := s.Get(keys.CounterTeamQueue, "team")
	require.NoError(t, err)
	assert.Equal(t, int64(2), v)

	// Immediately re-running returns a zero correction.
	delta, err = s.Reconcile(keys.CounterTeamQueue, "team")
	require.NoError(t, err)
	assert.Zero(t, delta)
}

func TestReconcileActiveIgnoresExpired(t *testing.T) {
	s, db := newTestService(t)
	now := time.Now().UnixMilli()

	_, err := db.Transact(func(tr fdb.Transaction) (interface{}, error) {
		tr.Set(fdb.Key(keys.ActiveTeamKey("team", "fresh")), keys.EncodeExpiry(now+60_000))
		tr.Set(fdb.Key(keys.ActiveTeamKey("team", "stale")), keys.EncodeExpiry(now-60_000))
		s.Add(tr, keys.CounterTeamActive, "team", 2)
		return nil, nil
	})
	require.NoError(t, err)

	delta, err := s.Reconcile(keys.CounterTeamActive, "team")
	require.NoError(t, err)
	assert.Equal(t, int64(-1), delta, "expired records do not count toward the active counter")
}

func TestSweepStaleRemovesEmptyBackedCounters(t *testing.T) {
	s, db := newTestService(t)

	// A counter with entries behind it and one whose range is empty.
	_, err := db.Transact(func(tr fdb.Transaction) (interface{}, error) {
		tr.Set(fdb.Key(keys.QueueKey("busy", 1, 100, "a")), []byte("{}"))
		s.Add(tr, keys.CounterTeamQueue, "busy", 1)
		s.Add(tr, keys.CounterTeamQueue, "gone", 3)
		return nil, nil
	})
	require.NoError(t, err)

	removed, err := s.SweepStale(10)
	require.NoError(t, err)
	assert.Equal(t, 1, removed)

	v, err := s.Get(keys.CounterTeamQueue, "busy")
	require.NoError(t, err)
	assert.Equal(t, int64(1), v)

	// Sweeping again finds nothing.
	removed, err = s.SweepStale(10)
	require.NoError(t, err)
	assert.Zero(t, removed)
}

func TestPagePaginates(t *testing.T) {
	s, db := newTestService(t)

	for _, id := range []string{"a", "b", "c", "d", "e"} {
		add(t, db, s, keys.CounterTeamQueue, id, 1)
	}

	var all []Entry
	var cursor []byte
	for {
		entries, next, err := s.Page(cursor, 2)
		require.NoError(t, err)
		all = append(all, entries...)
		if next == nil {
			break
		}
		cursor = next
	}
	require.Len(t, all, 5)
	assert.Equal(t, "a", all[0].ID)
	assert.Equal(t, "e", all[4].ID)
}
