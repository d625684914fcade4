package queue

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/apple/foundationdb/bindings/go/src/fdb"
	"github.com/cenkalti/backoff/v4"

	"github.com/emberworks/cinder/internal/debug"
	"github.com/emberworks/cinder/internal/keys"
	"github.com/emberworks/cinder/internal/storage"
	"github.com/emberworks/cinder/internal/types"
)

// claimRecord is the value written at a versionstamped claim key. QueueKey
// lets the orphan sweep find the referenced entry without re-deriving it.
type claimRecord struct {
	WorkerID  string `json:"worker_id"`
	QueueKey  []byte `json:"queue_key"`
	ClaimedAt int64  `json:"claimed_at"`
}

// opportunisticGCLimit caps how many expired candidates ride along in a pop
// commit transaction.
const opportunisticGCLimit = 10

// sweepPage carries one orphan-sweep transaction's result out of the retry
// closure.
type sweepPage struct {
	removed int
	count   int
	last    []byte
}

// Pop claims at most one job for workerID from teamID's queue.
//
// Candidate discovery is a snapshot scan, so concurrent pops never serialize
// on it. Winner selection rides on versionstamp ordering: every contender
// writes a claim record at a store-assigned versionstamp key (writes cannot
// conflict), then the minimum stamp wins. The winner removes the entry, its
// indexes and counters, and all claim records in a second transaction that
// re-verifies the entry still exists.
//
// Jobs whose crawl_id is in blockedCrawls are skipped; the caller supplies
// that set from whatever crawl concurrency state it tracks. Returns (nil,
// nil) when nothing is claimable — callers treat that as transient.
func (q *Queue) Pop(ctx context.Context, teamID, workerID string, blockedCrawls []string) (*types.ClaimedJob, error) {
	blocked := make(map[string]struct{}, len(blockedCrawls))
	for _, id := range blockedCrawls {
		blocked[id] = struct{}{}
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = q.cfg.BackoffBase
	bo.MaxInterval = q.cfg.BackoffCap
	bo.MaxElapsedTime = 0
	bo.Reset()

	for attempt := 0; attempt < q.cfg.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		cands, err := q.enumerateCandidates(teamID, q.cfg.CandidateLimit)
		if err != nil {
			return nil, err
		}

		now := time.Now().UnixMilli()
		var live, expired []candidate
		for _, c := range cands {
			if c.job.TimesOutAt > 0 && c.job.TimesOutAt <= now {
				expired = append(expired, c)
				continue
			}
			if _, veto := blocked[c.job.CrawlID]; veto && c.job.CrawlID != "" {
				continue
			}
			live = append(live, c)
		}

		if len(live) == 0 {
			// Nothing claimable: empty team, all candidates vetoed, or all
			// expired (the janitor owns those). Not an error.
			q.popEmpty.Add(ctx, 1)
			return nil, nil
		}

		for _, c := range live {
			claimed, err := q.claimOne(ctx, c, workerID, expired)
			if err != nil {
				return nil, err
			}
			if claimed != nil {
				q.claimWins.Add(ctx, 1)
				return claimed, nil
			}
			q.claimLosses.Add(ctx, 1)
		}

		// Every candidate was claimed out from under us. Back off and rescan.
		wait := bo.NextBackOff()
		debug.Logf("pop: team %s attempt %d lost all %d candidates, backing off %v\n", teamID, attempt, len(live), wait)
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(wait):
		}
	}

	q.popEmpty.Add(ctx, 1)
	return nil, nil
}

// claimOne runs the claim protocol for a single candidate. Returns the
// claimed job when this worker wins, nil when it loses or the entry is gone.
func (q *Queue) claimOne(ctx context.Context, c candidate, workerID string, expired []candidate) (*types.ClaimedJob, error) {
	rec, err := json.Marshal(claimRecord{
		WorkerID:  workerID,
		QueueKey:  c.key,
		ClaimedAt: time.Now().UnixMilli(),
	})
	if err != nil {
		return nil, fmt.Errorf("claim: marshaling record for job %s: %w", c.job.ID, err)
	}

	// Transaction 1: confirm the entry still exists (a single-key read
	// conflict range) and write our claim at a versionstamped key. Claim
	// writes land at globally unique keys, so concurrent claims never
	// conflict with each other.
	ret, err := q.db.Transact(func(tr fdb.Transaction) (interface{}, error) {
		val, err := tr.Get(fdb.Key(c.key)).Get()
		if err != nil {
			return nil, err
		}
		if val == nil {
			return nil, nil
		}
		tr.SetVersionstampedKey(fdb.Key(keys.ClaimWriteKey(c.job.ID)), rec)
		return tr.GetVersionstamp(), nil
	})
	if err != nil {
		return nil, fmt.Errorf("claim: writing claim for job %s: %w", c.job.ID, err)
	}
	if ret == nil {
		return nil, nil // entry vanished before we could claim
	}
	stamp, err := ret.(fdb.FutureKey).Get()
	if err != nil {
		return nil, fmt.Errorf("claim: resolving versionstamp for job %s: %w", c.job.ID, err)
	}

	// Arbitration: the minimum-versionstamp claim record wins.
	won, err := q.ownsMinimumClaim(c.job.ID, stamp)
	if err != nil {
		return nil, err
	}
	if !won {
		return nil, nil
	}

	// Transaction 2: commit the pop. Re-verify the entry (the TTL sweep or a
	// cancellation may have removed it since), delete it with its counters
	// and indexes, and clear every claim record for the job. Expired
	// candidates noted during discovery ride along, bounded.
	ret, err = q.db.Transact(func(tr fdb.Transaction) (interface{}, error) {
		val, err := tr.Get(fdb.Key(c.key)).Get()
		if err != nil {
			return nil, err
		}
		if val == nil {
			storage.ClearPrefix(tr, keys.ClaimPrefix(c.job.ID))
			return nil, nil
		}
		var job types.Job
		if err := json.Unmarshal(val, &job); err != nil {
			return nil, fmt.Errorf("decoding queue entry %x: %w", c.key, err)
		}
		parts, err := keys.DecodeQueueKey(c.key)
		if err != nil {
			return nil, err
		}
		q.removeEntry(tr, parts, job.CrawlID, job.TimesOutAt)
		storage.ClearPrefix(tr, keys.ClaimPrefix(job.ID))

		q.collectExpired(tr, expired)
		return &job, nil
	})
	if err != nil {
		return nil, fmt.Errorf("claim: committing pop for job %s: %w", c.job.ID, err)
	}
	if ret == nil {
		return nil, nil
	}
	job := ret.(*types.Job)
	return &types.ClaimedJob{Job: *job, QueueKey: c.key}, nil
}

// ownsMinimumClaim reads the lowest-versionstamp claim record for a job and
// reports whether it carries our stamp.
func (q *Queue) ownsMinimumClaim(jobID string, stamp []byte) (bool, error) {
	ret, err := q.db.ReadTransact(func(rt fdb.ReadTransaction) (interface{}, error) {
		return storage.ReadPrefix(rt.Snapshot(), keys.ClaimPrefix(jobID), 1)
	})
	if err != nil {
		return false, fmt.Errorf("claim: arbitrating job %s: %w", jobID, err)
	}
	kvs := ret.([]fdb.KeyValue)
	if len(kvs) == 0 {
		// Our committed claim is already gone: the job completed or the
		// orphan sweep ran. Either way we did not win.
		return false, nil
	}
	_, minStamp, err := keys.SplitClaimKey(kvs[0].Key)
	if err != nil {
		return false, fmt.Errorf("claim: arbitrating job %s: %w", jobID, err)
	}
	return bytes.Equal(minStamp, stamp), nil
}

// collectExpired deletes expired candidates inside the winner's commit
// transaction, amortizing janitor work. Each is re-read first so counters
// only move for entries that still exist.
func (q *Queue) collectExpired(tr fdb.Transaction, expired []candidate) {
	n := len(expired)
	if n > opportunisticGCLimit {
		n = opportunisticGCLimit
	}
	for _, e := range expired[:n] {
		val, err := tr.Get(fdb.Key(e.key)).Get()
		if err != nil || val == nil {
			continue
		}
		parts, err := keys.DecodeQueueKey(e.key)
		if err != nil {
			continue
		}
		q.removeEntry(tr, parts, e.job.CrawlID, e.job.TimesOutAt)
	}
}

// Release deletes every outstanding claim record for a job without touching
// the queue entry. A queue entry that still exists but sits behind a stale
// claim record becomes claimable again. A job that Pop has returned is no
// longer queued (the pop commit removed its entry and claim records), and
// Release does not put it back.
func (q *Queue) Release(jobID string) error {
	if jobID == "" {
		return fmt.Errorf("release: job id is required")
	}
	_, err := q.db.Transact(func(tr fdb.Transaction) (interface{}, error) {
		storage.ClearPrefix(tr, keys.ClaimPrefix(jobID))
		return nil, nil
	})
	if err != nil {
		return fmt.Errorf("release: job %s: %w", jobID, err)
	}
	return nil
}

// SweepOrphanClaims removes claim records whose referenced queue entry no
// longer exists or whose claim is older than maxAge, walking the claim
// subspace in pages of pageSize. Returns the number of records removed.
func (q *Queue) SweepOrphanClaims(maxAge time.Duration, pageSize int) (int, error) {
	if pageSize <= 0 {
		pageSize = 100
	}
	cutoff := time.Now().Add(-maxAge).UnixMilli()
	end := storage.PrefixEnd(keys.ClaimSubspace())

	removed := 0
	cursor := keys.ClaimSubspace()
	for {
		ret, err := q.db.Transact(func(tr fdb.Transaction) (interface{}, error) {
			kvs, err := storage.ReadKeyRange(tr, cursor, end, pageSize)
			if err != nil {
				return nil, err
			}
			n := 0
			for _, kv := range kvs {
				if _, _, err := keys.SplitClaimKey(kv.Key); err != nil {
					debug.Logf("orphan sweep: skipping malformed claim key %x: %v\n", kv.Key, err)
					continue
				}
				var rec claimRecord
				if err := json.Unmarshal(kv.Value, &rec); err != nil {
					debug.Logf("orphan sweep: skipping malformed claim value at %x: %v\n", kv.Key, err)
					continue
				}
				if rec.ClaimedAt <= cutoff {
					tr.Clear(kv.Key)
					n++
					continue
				}
				entry, err := tr.Get(fdb.Key(rec.QueueKey)).Get()
				if err != nil {
					return nil, err
				}
				if entry == nil {
					tr.Clear(kv.Key)
					n++
				}
			}
			p := sweepPage{removed: n, count: len(kvs)}
			if len(kvs) > 0 {
				p.last = append([]byte(nil), kvs[len(kvs)-1].Key...)
			}
			return p, nil
		})
		if err != nil {
			return removed, fmt.Errorf("orphan claim sweep: %w", err)
		}
		p := ret.(sweepPage)
		removed += p.removed
		if p.count < pageSize {
			return removed, nil
		}
		cursor = append(p.last, 0x00)
	}
}
