package keys

import (
	"bytes"
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestQueueKeyRoundTrip(t *testing.T) {
	k := QueueKey("team-1", 10, 1700000000000, "job-abc")
	p, err := DecodeQueueKey(k)
	require.NoError(t, err)
	assert.Equal(t, "team-1", p.TeamID)
	assert.Equal(t, int32(10), p.Priority)
	assert.Equal(t, int64(1700000000000), p.CreatedAt)
	assert.Equal(t, "job-abc", p.JobID)
}

func TestQueueKeyOrdering(t *testing.T) {
	// Range scans must yield (priority, created_at, job_id) order, including
	// negative priorities sorting before positive ones.
	ks := [][]byte{
		QueueKey("t", 10, 100, "a"),
		QueueKey("t", 10, 200, "a"),
		QueueKey("t", 5, 300, "z"),
		QueueKey("t", -1, 400, "a"),
		QueueKey("t", 10, 100, "b"),
	}
	sorted := make([][]byte, len(ks))
	copy(sorted, ks)
	sort.Slice(sorted, func(i, j int) bool { return bytes.Compare(sorted[i], sorted[j]) < 0 })

	want := [][]byte{ks[3], ks[2], ks[0], ks[4], ks[1]}
	require.Equal(t, want, sorted)
}

func TestQueuePrefixIsPrefix(t *testing.T) {
	k := QueueKey("team-1", 0, 1, "j")
	require.True(t, bytes.HasPrefix(k, QueuePrefix("team-1")))
	// A team whose name extends another must not share a prefix.
	assert.False(t, bytes.HasPrefix(QueueKey("team-12", 0, 1, "j"), QueuePrefix("team-1")))
}

func TestDecodeRejectsWrongPrefix(t *testing.T) {
	k := QueueKey("t", 1, 2, "j")
	k[0] = PrefixClaim
	_, err := DecodeQueueKey(k)
	require.Error(t, err)
}

func TestDecodeRejectsTruncation(t *testing.T) {
	k := QueueKey("team", 1, 2, "job")
	for i := 1; i < len(k); i++ {
		_, err := DecodeQueueKey(k[:i])
		assert.Error(t, err, "prefix of length %d should not decode", i)
	}
}

func TestDecodeRejectsTrailingBytes(t *testing.T) {
	k := append(QueueKey("t", 1, 2, "j"), 0x00)
	_, err := DecodeQueueKey(k)
	require.Error(t, err)
}

func TestTTLIndexOrderingAndBound(t *testing.T) {
	early := TTLIndexKey(100, "t", "a")
	late := TTLIndexKey(200, "t", "a")
	require.Negative(t, bytes.Compare(early, late))

	// Upper bound at cutoff 150 admits the early key and excludes the late one.
	bound := TTLIndexUpperBound(150)
	assert.Negative(t, bytes.Compare(early, bound))
	assert.Positive(t, bytes.Compare(late, bound))

	// Bound at exactly the expiry still admits it (sweep takes <= cutoff).
	assert.Negative(t, bytes.Compare(TTLIndexKey(150, "t", "a"), TTLIndexUpperBound(150)))
}

func TestTTLIndexRoundTrip(t *testing.T) {
	p, err := DecodeTTLIndexKey(TTLIndexKey(1234, "team-x", "job-y"))
	require.NoError(t, err)
	assert.Equal(t, int64(1234), p.ExpiresAt)
	assert.Equal(t, "team-x", p.TeamID)
	assert.Equal(t, "job-y", p.JobID)
}

func TestCrawlIndexRoundTrip(t *testing.T) {
	crawl, job, err := DecodeCrawlIndexKey(CrawlIndexKey("crawl-1", "job-1"))
	require.NoError(t, err)
	assert.Equal(t, "crawl-1", crawl)
	assert.Equal(t, "job-1", job)
}

func TestActiveKeyRoundTrip(t *testing.T) {
	scope, job, err := DecodeActiveKey(ActiveTeamKey("team", "job"), PrefixActiveTeam)
	require.NoError(t, err)
	assert.Equal(t, "team", scope)
	assert.Equal(t, "job", job)

	scope, job, err = DecodeActiveKey(ActiveCrawlKey("crawl", "job"), PrefixActiveCrawl)
	require.NoError(t, err)
	assert.Equal(t, "crawl", scope)
	assert.Equal(t, "job", job)

	// Scanning the team subspace must never decode a crawl key.
	_, _, err = DecodeActiveKey(ActiveCrawlKey("crawl", "job"), PrefixActiveTeam)
	assert.Error(t, err)
}

func TestCounterKeyRoundTrip(t *testing.T) {
	for _, kind := range []CounterKind{CounterTeamQueue, CounterCrawlQueue, CounterTeamActive, CounterCrawlActive} {
		k := CounterKey(kind, "scope-1")
		gotKind, id, err := DecodeCounterKey(k)
		require.NoError(t, err)
		assert.Equal(t, kind, gotKind)
		assert.Equal(t, "scope-1", id)
	}
}

func TestCounterKeyRejectsUnknownKind(t *testing.T) {
	k := CounterKey(CounterTeamQueue, "x")
	k[1] = 0x7f
	_, _, err := DecodeCounterKey(k)
	require.Error(t, err)
}

func TestCounterValueLittleEndian(t *testing.T) {
	b := EncodeCounterValue(1)
	require.Equal(t, []byte{1, 0, 0, 0, 0, 0, 0, 0}, b)

	v, err := DecodeCounterValue(EncodeCounterValue(-3))
	require.NoError(t, err)
	assert.Equal(t, int64(-3), v)

	_, err = DecodeCounterValue([]byte{1, 2, 3})
	assert.Error(t, err)
}

func TestExpiryRoundTrip(t *testing.T) {
	v, err := DecodeExpiry(EncodeExpiry(987654321))
	require.NoError(t, err)
	assert.Equal(t, int64(987654321), v)
}

func TestClaimWriteKeyLayout(t *testing.T) {
	jobID := "job-77"
	k := ClaimWriteKey(jobID)
	prefix := ClaimPrefix(jobID)
	require.Len(t, k, len(prefix)+VersionstampLength+4)
	assert.True(t, bytes.HasPrefix(k, prefix))

	// The offset trailer points at the placeholder, little-endian.
	off := uint32(k[len(k)-4]) | uint32(k[len(k)-3])<<8 | uint32(k[len(k)-2])<<16 | uint32(k[len(k)-1])<<24
	assert.Equal(t, uint32(len(prefix)), off)
}

func TestSplitClaimKey(t *testing.T) {
	stamp := []byte{0, 1, 2, 3, 4, 5, 6, 7, 8, 9}
	k := append(ClaimPrefix("job-9"), stamp...)
	jobID, gotStamp, err := SplitClaimKey(k)
	require.NoError(t, err)
	assert.Equal(t, "job-9", jobID)
	assert.Equal(t, stamp, gotStamp)

	_, _, err = SplitClaimKey(k[:len(k)-1])
	assert.Error(t, err)
}

func TestClaimOrderingByVersionstamp(t *testing.T) {
	low := append(ClaimPrefix("j"), []byte{0, 0, 0, 0, 0, 0, 0, 0, 0, 1}...)
	high := append(ClaimPrefix("j"), []byte{0, 0, 0, 0, 0, 0, 0, 0, 0, 2}...)
	require.Negative(t, bytes.Compare(low, high))
}
