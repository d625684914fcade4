// Package queue implements the job queue over FoundationDB: the entry and
// index discipline, the versionstamp claim protocol, crawl cancellation, and
// the TTL sweep the janitor drives.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/apple/foundationdb/bindings/go/src/fdb"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/emberworks/cinder/internal/counter"
	"github.com/emberworks/cinder/internal/keys"
	"github.com/emberworks/cinder/internal/storage"
	"github.com/emberworks/cinder/internal/types"
)

// Config carries the queue tuning knobs. The pop backoff constants are
// inherited defaults; deployments under different contention profiles are
// expected to retune them.
type Config struct {
	// CandidateLimit is how many jobs one pop attempt discovers per scan.
	CandidateLimit int
	// MaxAttempts bounds the discover/claim loop before pop reports
	// "none available".
	MaxAttempts int
	// BackoffBase and BackoffCap shape the sleep after an attempt that lost
	// every live candidate to other workers.
	BackoffBase time.Duration
	BackoffCap  time.Duration
	// MaxTimeout bounds the TTL a push may request.
	MaxTimeout time.Duration
	// CancelBatchSize bounds each crawl-cancellation transaction.
	CancelBatchSize int
}

// DefaultConfig returns the inherited tuning values.
func DefaultConfig() Config {
	return Config{
		CandidateLimit:  50,
		MaxAttempts:     100,
		BackoffBase:     50 * time.Millisecond,
		BackoffCap:      time.Second,
		MaxTimeout:      24 * time.Hour,
		CancelBatchSize: 100,
	}
}

// Queue is the engine over the queue, crawl-index, TTL-index, and claim
// subspaces.
type Queue struct {
	db       storage.DB
	counters *counter.Service
	cfg      Config

	claimWins   metric.Int64Counter
	claimLosses metric.Int64Counter
	popEmpty    metric.Int64Counter
}

// New returns a queue engine over db.
func New(db storage.DB, counters *counter.Service, cfg Config) *Queue {
	if cfg.CandidateLimit <= 0 {
		cfg = DefaultConfig()
	}
	meter := otel.Meter("cinder/queue")
	wins, _ := meter.Int64Counter("cinder.queue.claim_wins")
	losses, _ := meter.Int64Counter("cinder.queue.claim_losses")
	empty, _ := meter.Int64Counter("cinder.queue.pop_empty")
	return &Queue{
		db:          db,
		counters:    counters,
		cfg:         cfg,
		claimWins:   wins,
		claimLosses: losses,
		popEmpty:    empty,
	}
}

// crawlRef is the crawl-index value: enough to rebuild the queue key without
// scanning team space.
type crawlRef struct {
	TeamID    string `json:"team_id"`
	Priority  int32  `json:"priority"`
	CreatedAt int64  `json:"created_at"`
}

// ttlRef is the TTL-index value.
type ttlRef struct {
	Priority  int32  `json:"priority"`
	CreatedAt int64  `json:"created_at"`
	CrawlID   string `json:"crawl_id,omitempty"`
}

// Push writes the queue entry and its indexes and bumps the team counter in
// one transaction. timeout is ignored for crawl jobs: a crawl controls its
// own lifetime, so its jobs never enter the TTL index.
func (q *Queue) Push(job *types.Job, timeout time.Duration) error {
	if job == nil {
		return fmt.Errorf("push: job cannot be nil")
	}
	if job.ID == "" || job.TeamID == "" {
		return fmt.Errorf("push: job id and team id are required")
	}
	if job.CreatedAt == 0 {
		job.CreatedAt = time.Now().UnixMilli()
	}
	job.TimesOutAt = 0
	if timeout > 0 && job.CrawlID == "" {
		if timeout > q.cfg.MaxTimeout {
			timeout = q.cfg.MaxTimeout
		}
		job.TimesOutAt = job.CreatedAt + timeout.Milliseconds()
	}

	val, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("push: marshaling job %s: %w", job.ID, err)
	}

	qk := keys.QueueKey(job.TeamID, job.Priority, job.CreatedAt, job.ID)
	_, err = q.db.Transact(func(tr fdb.Transaction) (interface{}, error) {
		tr.Set(fdb.Key(qk), val)
		q.counters.Add(tr, keys.CounterTeamQueue, job.TeamID, 1)

		if job.TimesOutAt > 0 {
			ref, err := json.Marshal(ttlRef{Priority: job.Priority, CreatedAt: job.CreatedAt, CrawlID: job.CrawlID})
			if err != nil {
				return nil, err
			}
			tr.Set(fdb.Key(keys.TTLIndexKey(job.TimesOutAt, job.TeamID, job.ID)), ref)
		}
		if job.CrawlID != "" {
			ref, err := json.Marshal(crawlRef{TeamID: job.TeamID, Priority: job.Priority, CreatedAt: job.CreatedAt})
			if err != nil {
				return nil, err
			}
			tr.Set(fdb.Key(keys.CrawlIndexKey(job.CrawlID, job.ID)), ref)
			q.counters.Add(tr, keys.CounterCrawlQueue, job.CrawlID, 1)
		}
		return nil, nil
	})
	if err != nil {
		return fmt.Errorf("push: committing job %s: %w", job.ID, err)
	}
	return nil
}

// candidate is one discovered queue entry.
type candidate struct {
	key []byte
	job types.Job
}

// enumerateCandidates snapshot-scans up to limit entries for a team in
// (priority, created_at, job_id) order. Snapshot reads create no
// read-conflict ranges, so concurrent pops on the same team do not serialize
// on the scan.
func (q *Queue) enumerateCandidates(teamID string, limit int) ([]candidate, error) {
	ret, err := q.db.ReadTransact(func(rt fdb.ReadTransaction) (interface{}, error) {
		return storage.ReadPrefix(rt.Snapshot(), keys.QueuePrefix(teamID), limit)
	})
	if err != nil {
		return nil, fmt.Errorf("enumerating candidates for team %s: %w", teamID, err)
	}
	kvs := ret.([]fdb.KeyValue)

	cands := make([]candidate, 0, len(kvs))
	for _, kv := range kvs {
		var job types.Job
		if err := json.Unmarshal(kv.Value, &job); err != nil {
			return nil, fmt.Errorf("decoding queue entry %x: %w", kv.Key, err)
		}
		cands = append(cands, candidate{key: append([]byte(nil), kv.Key...), job: job})
	}
	return cands, nil
}

// removeEntry deletes a queue entry and every index and counter tied to it,
// inside the caller's transaction. Safe against missing index entries.
func (q *Queue) removeEntry(tr fdb.Transaction, parts keys.QueueKeyParts, crawlID string, timesOutAt int64) {
	tr.Clear(fdb.Key(keys.QueueKey(parts.TeamID, parts.Priority, parts.CreatedAt, parts.JobID)))
	q.counters.Add(tr, keys.CounterTeamQueue, parts.TeamID, -1)
	if timesOutAt > 0 {
		tr.Clear(fdb.Key(keys.TTLIndexKey(timesOutAt, parts.TeamID, parts.JobID)))
	}
	if crawlID != "" {
		tr.Clear(fdb.Key(keys.CrawlIndexKey(crawlID, parts.JobID)))
		q.counters.Add(tr, keys.CounterCrawlQueue, crawlID, -1)
	}
}

// Complete finalizes a claimed job: if the queue entry still exists it is
// removed with its counters and indexes, and any claim records for the job
// are cleared. Completing a job the TTL sweep already removed is a no-op
// success.
func (q *Queue) Complete(queueKey []byte) error {
	parts, err := keys.DecodeQueueKey(queueKey)
	if err != nil {
		return fmt.Errorf("complete: %w", err)
	}
	_, err = q.db.Transact(func(tr fdb.Transaction) (interface{}, error) {
		val, err := tr.Get(fdb.Key(queueKey)).Get()
		if err != nil {
			return nil, err
		}
		if val != nil {
			var job types.Job
			if err := json.Unmarshal(val, &job); err != nil {
				return nil, fmt.Errorf("decoding queue entry %x: %w", queueKey, err)
			}
			q.removeEntry(tr, parts, job.CrawlID, job.TimesOutAt)
		}
		storage.ClearPrefix(tr, keys.ClaimPrefix(parts.JobID))
		return nil, nil
	})
	if err != nil {
		return fmt.Errorf("complete: job %s: %w", parts.JobID, err)
	}
	return nil
}

// CancelCrawl removes every queued job belonging to a crawl, walking the
// crawl index in bounded batches so each transaction stays inside the
// store's size and time limits. Returns the number of jobs removed.
func (q *Queue) CancelCrawl(ctx context.Context, crawlID string) (int, error) {
	removed := 0
	for {
		if err := ctx.Err(); err != nil {
			return removed, err
		}
		ret, err := q.db.Transact(func(tr fdb.Transaction) (interface{}, error) {
			kvs, err := storage.ReadPrefix(tr, keys.CrawlIndexPrefix(crawlID), q.cfg.CancelBatchSize)
			if err != nil {
				return nil, err
			}
			for _, kv := range kvs {
				_, jobID, err := keys.DecodeCrawlIndexKey(kv.Key)
				if err != nil {
					return nil, err
				}
				var ref crawlRef
				if err := json.Unmarshal(kv.Value, &ref); err != nil {
					return nil, fmt.Errorf("decoding crawl index entry %x: %w", kv.Key, err)
				}
				parts := keys.QueueKeyParts{
					TeamID:    ref.TeamID,
					Priority:  ref.Priority,
					CreatedAt: ref.CreatedAt,
					JobID:     jobID,
				}
				// Crawl jobs carry no TTL entry.
				q.removeEntry(tr, parts, crawlID, 0)
			}
			return len(kvs), nil
		})
		if err != nil {
			return removed, fmt.Errorf("cancel crawl %s: %w", crawlID, err)
		}
		n := ret.(int)
		removed += n
		if n < q.cfg.CancelBatchSize {
			return removed, nil
		}
	}
}

// SweepExpired removes TTL-expired queue entries, batchSize entries per
// transaction, at most maxBatches transactions per invocation. Returns the
// number of entries removed.
func (q *Queue) SweepExpired(now int64, batchSize, maxBatches int) (int, error) {
	if batchSize <= 0 {
		batchSize = 100
	}
	if maxBatches <= 0 {
		maxBatches = 10
	}
	removed := 0
	for batch := 0; batch < maxBatches; batch++ {
		ret, err := q.db.Transact(func(tr fdb.Transaction) (interface{}, error) {
			kvs, err := storage.ReadKeyRange(tr, keys.TTLIndexPrefix(), keys.TTLIndexUpperBound(now), batchSize)
			if err != nil {
				return nil, err
			}
			for _, kv := range kvs {
				parts, err := keys.DecodeTTLIndexKey(kv.Key)
				if err != nil {
					return nil, err
				}
				var ref ttlRef
				if err := json.Unmarshal(kv.Value, &ref); err != nil {
					return nil, fmt.Errorf("decoding ttl index entry %x: %w", kv.Key, err)
				}
				q.removeEntry(tr, keys.QueueKeyParts{
					TeamID:    parts.TeamID,
					Priority:  ref.Priority,
					CreatedAt: ref.CreatedAt,
					JobID:     parts.JobID,
				}, ref.CrawlID, parts.ExpiresAt)
			}
			return len(kvs), nil
		})
		if err != nil {
			return removed, fmt.Errorf("ttl sweep: %w", err)
		}
		n := ret.(int)
		removed += n
		if n < batchSize {
			break
		}
	}
	return removed, nil
}

// TeamCount returns the team queue depth, clamped non-negative.
func (q *Queue) TeamCount(teamID string) (int64, error) {
	return q.counters.Get(keys.CounterTeamQueue, teamID)
}

// CrawlCount returns the crawl queue depth, clamped non-negative.
func (q *Queue) CrawlCount(crawlID string) (int64, error) {
	return q.counters.Get(keys.CounterCrawlQueue, crawlID)
}

// ReconcileTeamQueue repairs a team's queue counter against its entries.
func (q *Queue) ReconcileTeamQueue(teamID string) (int64, error) {
	return q.counters.Reconcile(keys.CounterTeamQueue, teamID)
}

// ReconcileCrawlQueue repairs a crawl's queue counter against its index.
func (q *Queue) ReconcileCrawlQueue(crawlID string) (int64, error) {
	return q.counters.Reconcile(keys.CounterCrawlQueue, crawlID)
}
