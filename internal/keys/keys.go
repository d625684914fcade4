// Package keys implements the composite key codec for the queue's keyspace.
//
// Every key starts with a single subspace byte. String fields are encoded as a
// 4-byte big-endian length followed by the raw bytes; integer fields are
// fixed-width big-endian with the sign bit flipped so that byte order matches
// numeric order (negative priorities sort before positive ones). Counter
// values are little-endian int64 because the store's atomic ADD mutation
// operates on that representation; everything else that needs ordering is
// big-endian.
//
// Keyspace layout:
//
//	0x01 queue        (team_id, priority i32, created_at i64, job_id) -> job JSON
//	0x02 crawl index  (crawl_id, job_id)                              -> ref JSON
//	0x03 ttl index    (expires_at i64, team_id, job_id)               -> ref JSON
//	0x04 active/team  (team_id, job_id)                               -> expiry i64 BE
//	0x05 active/crawl (crawl_id, job_id)                              -> expiry i64 BE
//	0x06 counters     (kind byte, id)                                 -> i64 LE
//	0x07 claims       (job_id, versionstamp[10])                      -> claim JSON
package keys

import (
	"encoding/binary"
	"fmt"
)

// Subspace prefixes.
const (
	PrefixQueue       byte = 0x01
	PrefixCrawlIndex  byte = 0x02
	PrefixTTLIndex    byte = 0x03
	PrefixActiveTeam  byte = 0x04
	PrefixActiveCrawl byte = 0x05
	PrefixCounter     byte = 0x06
	PrefixClaim       byte = 0x07
)

// CounterKind selects one of the four counter families.
type CounterKind byte

const (
	CounterTeamQueue   CounterKind = 0x01
	CounterCrawlQueue  CounterKind = 0x02
	CounterTeamActive  CounterKind = 0x03
	CounterCrawlActive CounterKind = 0x04
)

func (k CounterKind) String() string {
	switch k {
	case CounterTeamQueue:
		return "team-queue"
	case CounterCrawlQueue:
		return "crawl-queue"
	case CounterTeamActive:
		return "team-active"
	case CounterCrawlActive:
		return "crawl-active"
	}
	return fmt.Sprintf("counter-kind-%#x", byte(k))
}

func validCounterKind(k CounterKind) bool {
	return k >= CounterTeamQueue && k <= CounterCrawlActive
}

// VersionstampLength is the size of the store-assigned commit stamp embedded
// in claim keys.
const VersionstampLength = 10

func appendString(dst []byte, s string) []byte {
	var l [4]byte
	binary.BigEndian.PutUint32(l[:], uint32(len(s)))
	dst = append(dst, l[:]...)
	return append(dst, s...)
}

// appendInt32 writes v big-endian with the sign bit flipped, preserving
// numeric order under lexicographic byte comparison.
func appendInt32(dst []byte, v int32) []byte {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], uint32(v)^0x80000000)
	return append(dst, b[:]...)
}

func appendInt64(dst []byte, v int64) []byte {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], uint64(v)^0x8000000000000000)
	return append(dst, b[:]...)
}

// reader walks an encoded key, failing on truncation.
type reader struct {
	buf []byte
	off int
	err error
}

func (r *reader) take(n int) []byte {
	if r.err != nil {
		return nil
	}
	if r.off+n > len(r.buf) {
		r.err = fmt.Errorf("key truncated at offset %d (need %d bytes, have %d)", r.off, n, len(r.buf)-r.off)
		return nil
	}
	b := r.buf[r.off : r.off+n]
	r.off += n
	return b
}

func (r *reader) expectPrefix(p byte) {
	b := r.take(1)
	if r.err != nil {
		return
	}
	if b[0] != p {
		r.err = fmt.Errorf("key prefix %#x, want %#x", b[0], p)
	}
}

func (r *reader) str() string {
	lb := r.take(4)
	if r.err != nil {
		return ""
	}
	n := binary.BigEndian.Uint32(lb)
	b := r.take(int(n))
	if r.err != nil {
		return ""
	}
	return string(b)
}

func (r *reader) int32() int32 {
	b := r.take(4)
	if r.err != nil {
		return 0
	}
	return int32(binary.BigEndian.Uint32(b) ^ 0x80000000)
}

func (r *reader) int64() int64 {
	b := r.take(8)
	if r.err != nil {
		return 0
	}
	return int64(binary.BigEndian.Uint64(b) ^ 0x8000000000000000)
}

func (r *reader) done() error {
	if r.err != nil {
		return r.err
	}
	if r.off != len(r.buf) {
		return fmt.Errorf("key has %d trailing bytes", len(r.buf)-r.off)
	}
	return nil
}

// QueueKeyParts is the decoded form of a queue entry key.
type QueueKeyParts struct {
	TeamID    string
	Priority  int32
	CreatedAt int64
	JobID     string
}

// QueueKey encodes the authoritative key for a queued job.
func QueueKey(teamID string, priority int32, createdAt int64, jobID string) []byte {
	k := make([]byte, 0, 1+4+len(teamID)+4+8+4+len(jobID))
	k = append(k, PrefixQueue)
	k = appendString(k, teamID)
	k = appendInt32(k, priority)
	k = appendInt64(k, createdAt)
	k = appendString(k, jobID)
	return k
}

// QueuePrefix is the scan prefix covering every queued job for a team, in
// (priority, created_at, job_id) order.
func QueuePrefix(teamID string) []byte {
	k := make([]byte, 0, 1+4+len(teamID))
	k = append(k, PrefixQueue)
	return appendString(k, teamID)
}

// DecodeQueueKey parses a queue entry key, rejecting keys that do not match
// the queue schema exactly.
func DecodeQueueKey(key []byte) (QueueKeyParts, error) {
	r := &reader{buf: key}
	r.expectPrefix(PrefixQueue)
	p := QueueKeyParts{
		TeamID:    r.str(),
		Priority:  r.int32(),
		CreatedAt: r.int64(),
		JobID:     r.str(),
	}
	if err := r.done(); err != nil {
		return QueueKeyParts{}, fmt.Errorf("decode queue key: %w", err)
	}
	return p, nil
}

// CrawlIndexKey encodes the secondary mapping from a crawl to one of its jobs.
func CrawlIndexKey(crawlID, jobID string) []byte {
	k := make([]byte, 0, 1+4+len(crawlID)+4+len(jobID))
	k = append(k, PrefixCrawlIndex)
	k = appendString(k, crawlID)
	return appendString(k, jobID)
}

// CrawlIndexPrefix covers every index entry for one crawl.
func CrawlIndexPrefix(crawlID string) []byte {
	k := make([]byte, 0, 1+4+len(crawlID))
	k = append(k, PrefixCrawlIndex)
	return appendString(k, crawlID)
}

// DecodeCrawlIndexKey parses a crawl index key into (crawl_id, job_id).
func DecodeCrawlIndexKey(key []byte) (crawlID, jobID string, err error) {
	r := &reader{buf: key}
	r.expectPrefix(PrefixCrawlIndex)
	crawlID = r.str()
	jobID = r.str()
	if err := r.done(); err != nil {
		return "", "", fmt.Errorf("decode crawl index key: %w", err)
	}
	return crawlID, jobID, nil
}

// TTLIndexKey encodes an expiry-ordered index entry.
func TTLIndexKey(expiresAt int64, teamID, jobID string) []byte {
	k := make([]byte, 0, 1+8+4+len(teamID)+4+len(jobID))
	k = append(k, PrefixTTLIndex)
	k = appendInt64(k, expiresAt)
	k = appendString(k, teamID)
	return appendString(k, jobID)
}

// TTLIndexPrefix covers the whole TTL index.
func TTLIndexPrefix() []byte {
	return []byte{PrefixTTLIndex}
}

// TTLIndexUpperBound is the exclusive range end for "everything expired at or
// before cutoff": the first key with expires_at > cutoff.
func TTLIndexUpperBound(cutoff int64) []byte {
	k := make([]byte, 0, 1+8)
	k = append(k, PrefixTTLIndex)
	return appendInt64(k, cutoff+1)
}

// TTLKeyParts is the decoded form of a TTL index key.
type TTLKeyParts struct {
	ExpiresAt int64
	TeamID    string
	JobID     string
}

// DecodeTTLIndexKey parses a TTL index key.
func DecodeTTLIndexKey(key []byte) (TTLKeyParts, error) {
	r := &reader{buf: key}
	r.expectPrefix(PrefixTTLIndex)
	p := TTLKeyParts{
		ExpiresAt: r.int64(),
		TeamID:    r.str(),
		JobID:     r.str(),
	}
	if err := r.done(); err != nil {
		return TTLKeyParts{}, fmt.Errorf("decode ttl index key: %w", err)
	}
	return p, nil
}

// ActiveTeamKey records a currently-executing job for a team.
func ActiveTeamKey(teamID, jobID string) []byte {
	k := make([]byte, 0, 1+4+len(teamID)+4+len(jobID))
	k = append(k, PrefixActiveTeam)
	k = appendString(k, teamID)
	return appendString(k, jobID)
}

// ActiveCrawlKey records a currently-executing job for a crawl.
func ActiveCrawlKey(crawlID, jobID string) []byte {
	k := make([]byte, 0, 1+4+len(crawlID)+4+len(jobID))
	k = append(k, PrefixActiveCrawl)
	k = appendString(k, crawlID)
	return appendString(k, jobID)
}

// ActiveTeamPrefix covers all active records for a team.
func ActiveTeamPrefix(teamID string) []byte {
	k := make([]byte, 0, 1+4+len(teamID))
	k = append(k, PrefixActiveTeam)
	return appendString(k, teamID)
}

// ActiveCrawlPrefix covers all active records for a crawl.
func ActiveCrawlPrefix(crawlID string) []byte {
	k := make([]byte, 0, 1+4+len(crawlID))
	k = append(k, PrefixActiveCrawl)
	return appendString(k, crawlID)
}

// ActiveTeamSubspace and ActiveCrawlSubspace cover the full active subspaces,
// used by the janitor's expiry sweep.
func ActiveTeamSubspace() []byte  { return []byte{PrefixActiveTeam} }
func ActiveCrawlSubspace() []byte { return []byte{PrefixActiveCrawl} }

// DecodeActiveKey parses either flavor of active record key into (scope id,
// job id). The caller already knows the scope from the prefix it scanned.
func DecodeActiveKey(key []byte, prefix byte) (scopeID, jobID string, err error) {
	if prefix != PrefixActiveTeam && prefix != PrefixActiveCrawl {
		return "", "", fmt.Errorf("decode active key: %#x is not an active subspace", prefix)
	}
	r := &reader{buf: key}
	r.expectPrefix(prefix)
	scopeID = r.str()
	jobID = r.str()
	if err := r.done(); err != nil {
		return "", "", fmt.Errorf("decode active key: %w", err)
	}
	return scopeID, jobID, nil
}

// CounterKey encodes a counter cell.
func CounterKey(kind CounterKind, id string) []byte {
	k := make([]byte, 0, 2+4+len(id))
	k = append(k, PrefixCounter, byte(kind))
	return appendString(k, id)
}

// CounterSubspace covers every counter of every kind.
func CounterSubspace() []byte { return []byte{PrefixCounter} }

// DecodeCounterKey parses a counter key, rejecting unknown kinds.
func DecodeCounterKey(key []byte) (CounterKind, string, error) {
	r := &reader{buf: key}
	r.expectPrefix(PrefixCounter)
	kb := r.take(1)
	if r.err != nil {
		return 0, "", fmt.Errorf("decode counter key: %w", r.err)
	}
	kind := CounterKind(kb[0])
	id := r.str()
	if err := r.done(); err != nil {
		return 0, "", fmt.Errorf("decode counter key: %w", err)
	}
	if !validCounterKind(kind) {
		return 0, "", fmt.Errorf("decode counter key: unknown kind %#x", byte(kind))
	}
	return kind, id, nil
}

// EncodeCounterValue encodes an int64 delta or value little-endian, the
// representation the store's atomic ADD mutation expects.
func EncodeCounterValue(v int64) []byte {
	b := make([]byte, 8)
	binary.LittleEndian.PutUint64(b, uint64(v))
	return b
}

// DecodeCounterValue decodes a little-endian int64 counter cell.
func DecodeCounterValue(b []byte) (int64, error) {
	if len(b) != 8 {
		return 0, fmt.Errorf("counter value is %d bytes, want 8", len(b))
	}
	return int64(binary.LittleEndian.Uint64(b)), nil
}

// EncodeExpiry encodes an expires_at value for active records.
func EncodeExpiry(ms int64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, uint64(ms)^0x8000000000000000)
	return b
}

// DecodeExpiry decodes an active record's expires_at value.
func DecodeExpiry(b []byte) (int64, error) {
	if len(b) != 8 {
		return 0, fmt.Errorf("expiry value is %d bytes, want 8", len(b))
	}
	return int64(binary.BigEndian.Uint64(b) ^ 0x8000000000000000), nil
}

// ClaimPrefix covers every claim record for one job, ordered by versionstamp.
func ClaimPrefix(jobID string) []byte {
	k := make([]byte, 0, 1+4+len(jobID))
	k = append(k, PrefixClaim)
	return appendString(k, jobID)
}

// ClaimSubspace covers all claim records, used by the orphan sweep.
func ClaimSubspace() []byte { return []byte{PrefixClaim} }

// ClaimWriteKey builds the key handed to the store's versionstamped-key
// mutation: the claim prefix, a 10-byte placeholder the store overwrites with
// the commit stamp, and the 4-byte little-endian offset trailer the mutation
// consumes to locate the placeholder.
func ClaimWriteKey(jobID string) []byte {
	prefix := ClaimPrefix(jobID)
	k := make([]byte, 0, len(prefix)+VersionstampLength+4)
	k = append(k, prefix...)
	k = append(k, make([]byte, VersionstampLength)...)
	var off [4]byte
	binary.LittleEndian.PutUint32(off[:], uint32(len(prefix)))
	return append(k, off[:]...)
}

// SplitClaimKey parses a committed claim key into the job id and the 10-byte
// versionstamp the store assigned.
func SplitClaimKey(key []byte) (jobID string, stamp []byte, err error) {
	r := &reader{buf: key}
	r.expectPrefix(PrefixClaim)
	jobID = r.str()
	stamp = r.take(VersionstampLength)
	if err := r.done(); err != nil {
		return "", nil, fmt.Errorf("decode claim key: %w", err)
	}
	return jobID, stamp, nil
}
