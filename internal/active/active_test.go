package active

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/emberworks/cinder/internal/counter"
	"github.com/emberworks/cinder/internal/storage/storagetest"
)

func newTestTracker(t *testing.T) (*Tracker, *counter.Service) {
	t.Helper()
	db := storagetest.Open(t)
	counters := counter.New(db)
	return New(db, counters), counters
}

func TestPushRemoveRoundTrip(t *testing.T) {
	tr, _ := newTestTracker(t)

	require.NoError(t, tr.Push(ScopeTeam, "team", "j1", time.Minute))

	n, err := tr.Count(ScopeTeam, "team")
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	removed, err := tr.Remove(ScopeTeam, "team", "j1")
	require.NoError(t, err)
	assert.True(t, removed)

	// Push then remove leaves counter and range as they started.
	n, err = tr.Count(ScopeTeam, "team")
	require.NoError(t, err)
	assert.Zero(t, n)

	jobs, err := tr.List(ScopeTeam, "team")
	require.NoError(t, err)
	assert.Empty(t, jobs)
}

func TestRemoveMissingDoesNotDriftCounter(t *testing.T) {
	tr, _ := newTestTracker(t)

	removed, err := tr.Remove(ScopeCrawl, "crawl", "never-pushed")
	require.NoError(t, err)
	assert.False(t, removed)

	n, err := tr.Count(ScopeCrawl, "crawl")
	require.NoError(t, err)
	assert.Zero(t, n, "removing a missing record must not decrement")
}

func TestRepushExtendsWithoutDoubleCount(t *testing.T) {
	tr, _ := newTestTracker(t)

	require.NoError(t, tr.Push(ScopeTeam, "team", "j1", time.Minute))
	require.NoError(t, tr.Push(ScopeTeam, "team", "j1", time.Minute))

	n, err := tr.Count(ScopeTeam, "team")
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestListFiltersExpired(t *testing.T) {
	tr, _ := newTestTracker(t)

	require.NoError(t, tr.Push(ScopeTeam, "team", "fresh", time.Minute))
	require.NoError(t, tr.Push(ScopeTeam, "team", "stale", 20*time.Millisecond))

	time.Sleep(40 * time.Millisecond)

	jobs, err := tr.List(ScopeTeam, "team")
	require.NoError(t, err)
	assert.Equal(t, []string{"fresh"}, jobs)
}

func TestSweepExpired(t *testing.T) {
	tr, _ := newTestTracker(t)

	require.NoError(t, tr.Push(ScopeTeam, "team", "fresh", time.Minute))
	require.NoError(t, tr.Push(ScopeTeam, "team", "stale", 20*time.Millisecond))
	require.NoError(t, tr.Push(ScopeCrawl, "crawl", "stale", 20*time.Millisecond))

	time.Sleep(40 * time.Millisecond)

	now := time.Now().UnixMilli()
	removed, err := tr.SweepExpired(ScopeTeam, now, 100, 10)
	require.NoError(t, err)
	assert.Equal(t, 1, removed)

	removed, err = tr.SweepExpired(ScopeCrawl, now, 100, 10)
	require.NoError(t, err)
	assert.Equal(t, 1, removed)

	n, err := tr.Count(ScopeTeam, "team")
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	n, err = tr.Count(ScopeCrawl, "crawl")
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestScopesAreIndependent(t *testing.T) {
	tr, _ := newTestTracker(t)

	require.NoError(t, tr.Push(ScopeTeam, "x", "j1", time.Minute))
	require.NoError(t, tr.Push(ScopeCrawl, "x", "j2", time.Minute))

	teamJobs, err := tr.List(ScopeTeam, "x")
	require.NoError(t, err)
	assert.Equal(t, []string{"j1"}, teamJobs)

	crawlJobs, err := tr.List(ScopeCrawl, "x")
	require.NoError(t, err)
	assert.Equal(t, []string{"j2"}, crawlJobs)
}

func TestReconcile(t *testing.T) {
	tr, _ := newTestTracker(t)

	require.NoError(t, tr.Push(ScopeTeam, "team", "j1", 20*time.Millisecond))
	require.NoError(t, tr.Push(ScopeTeam, "team", "j2", time.Minute))

	time.Sleep(40 * time.Millisecond)

	// j1 expired but was never swept: the counter still says 2 until
	// reconciliation recomputes from non-expired records.
	delta, err := tr.Reconcile(ScopeTeam, "team")
	require.NoError(t, err)
	assert.Equal(t, int64(-1), delta)

	n, err := tr.Count(ScopeTeam, "team")
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}
