// Package counter maintains the atomic i64 counters that track queue depth
// and active-job cardinality per team and per crawl. Counters are only ever
// mutated with the store's atomic ADD, never read-modify-write, so concurrent
// transactions touching the same counter do not conflict.
package counter

import (
	"fmt"
	"time"

	"github.com/apple/foundationdb/bindings/go/src/fdb"

	"github.com/emberworks/cinder/internal/keys"
	"github.com/emberworks/cinder/internal/storage"
)

// reconcileScanLimit bounds the ground-truth scan to a single batch. A range
// that outgrows it reconciles to the truncated count; the next sweep converges.
const reconcileScanLimit = 10000

// Service provides counter reads, in-transaction increments, and the
// reconciliation that repairs drift against ground-truth ranges.
type Service struct {
	db storage.DB
}

// New returns a counter service over db.
func New(db storage.DB) *Service {
	return &Service{db: db}
}

// Add enqueues an atomic ADD inside the caller's transaction. It never reads
// the counter, so it cannot introduce a conflict range.
func (s *Service) Add(tr fdb.Transaction, kind keys.CounterKind, id string, delta int64) {
	tr.Add(fdb.Key(keys.CounterKey(kind, id)), keys.EncodeCounterValue(delta))
}

// Get returns the current counter value, 0 for a missing cell, clamped to
// non-negative at the API boundary. Transient decrement-before-increment
// interleavings can leave a cell briefly negative; callers never see that.
func (s *Service) Get(kind keys.CounterKind, id string) (int64, error) {
	v, err := s.rawGet(kind, id)
	if err != nil {
		return 0, err
	}
	if v < 0 {
		return 0, nil
	}
	return v, nil
}

func (s *Service) rawGet(kind keys.CounterKind, id string) (int64, error) {
	ret, err := s.db.ReadTransact(func(rt fdb.ReadTransaction) (interface{}, error) {
		b, err := rt.Get(fdb.Key(keys.CounterKey(kind, id))).Get()
		if err != nil {
			return nil, err
		}
		if b == nil {
			return int64(0), nil
		}
		v, err := keys.DecodeCounterValue(b)
		if err != nil {
			return nil, fmt.Errorf("counter %s/%s: %w", kind, id, err)
		}
		return v, nil
	})
	if err != nil {
		return 0, fmt.Errorf("reading counter %s/%s: %w", kind, id, err)
	}
	return ret.(int64), nil
}

// Reconcile scans the counter's ground-truth range once, then sets the
// counter to the observed count in a follow-up transaction, returning the
// correction delta. The scan is deliberately snapshot and decoupled from the
// write: mutations landing between the two transactions produce single-batch
// drift that the next sweep repairs.
func (s *Service) Reconcile(kind keys.CounterKind, id string) (int64, error) {
	now := time.Now().UnixMilli()
	ret, err := s.db.ReadTransact(func(rt fdb.ReadTransaction) (interface{}, error) {
		return groundTruthCount(rt.Snapshot(), kind, id, now)
	})
	if err != nil {
		return 0, fmt.Errorf("counting ground truth for %s/%s: %w", kind, id, err)
	}
	count := ret.(int64)

	ret, err = s.db.Transact(func(tr fdb.Transaction) (interface{}, error) {
		key := fdb.Key(keys.CounterKey(kind, id))
		b, err := tr.Get(key).Get()
		if err != nil {
			return nil, err
		}
		var current int64
		if b != nil {
			current, err = keys.DecodeCounterValue(b)
			if err != nil {
				return nil, fmt.Errorf("counter %s/%s: %w", kind, id, err)
			}
		}
		if count == 0 && b == nil {
			return int64(0), nil
		}
		tr.Set(key, keys.EncodeCounterValue(count))
		return count - current, nil
	})
	if err != nil {
		return 0, fmt.Errorf("writing reconciled counter %s/%s: %w", kind, id, err)
	}
	return ret.(int64), nil
}

// groundTruthCount counts the entries a counter is supposed to mirror.
// Active counters mirror only non-expired records.
func groundTruthCount(rt fdb.ReadTransaction, kind keys.CounterKind, id string, now int64) (int64, error) {
	switch kind {
	case keys.CounterTeamQueue:
		kvs, err := storage.ReadPrefix(rt, keys.QueuePrefix(id), reconcileScanLimit)
		if err != nil {
			return 0, err
		}
		return int64(len(kvs)), nil
	case keys.CounterCrawlQueue:
		kvs, err := storage.ReadPrefix(rt, keys.CrawlIndexPrefix(id), reconcileScanLimit)
		if err != nil {
			return 0, err
		}
		return int64(len(kvs)), nil
	case keys.CounterTeamActive:
		return countLive(rt, keys.ActiveTeamPrefix(id), now)
	case keys.CounterCrawlActive:
		return countLive(rt, keys.ActiveCrawlPrefix(id), now)
	}
	return 0, fmt.Errorf("no ground truth for counter kind %#x", byte(kind))
}

func countLive(rt fdb.ReadTransaction, prefix []byte, now int64) (int64, error) {
	kvs, err := storage.ReadPrefix(rt, prefix, reconcileScanLimit)
	if err != nil {
		return 0, err
	}
	var n int64
	for _, kv := range kvs {
		exp, err := keys.DecodeExpiry(kv.Value)
		if err != nil {
			return 0, fmt.Errorf("active record %x: %w", kv.Key, err)
		}
		if exp > now {
			n++
		}
	}
	return n, nil
}

// Entry identifies one counter cell.
type Entry struct {
	Kind keys.CounterKind
	ID   string
}

// Page returns up to limit counter cells starting at cursor (nil = start),
// plus the cursor for the next page (nil when exhausted). Malformed keys are
// skipped rather than aborting the sweep.
func (s *Service) Page(cursor []byte, limit int) ([]Entry, []byte, error) {
	begin := cursor
	if begin == nil {
		begin = keys.CounterSubspace()
	}
	end := storage.PrefixEnd(keys.CounterSubspace())

	ret, err := s.db.ReadTransact(func(rt fdb.ReadTransaction) (interface{}, error) {
		return storage.ReadKeyRange(rt, begin, end, limit)
	})
	if err != nil {
		return nil, nil, fmt.Errorf("paging counters: %w", err)
	}
	kvs := ret.([]fdb.KeyValue)

	entries := make([]Entry, 0, len(kvs))
	for _, kv := range kvs {
		kind, id, err := keys.DecodeCounterKey(kv.Key)
		if err != nil {
			continue
		}
		entries = append(entries, Entry{Kind: kind, ID: id})
	}
	if len(kvs) < limit {
		return entries, nil, nil
	}
	next := append([]byte(nil), kvs[len(kvs)-1].Key...)
	next = append(next, 0x00)
	return entries, next, nil
}

// SweepStale deletes counter cells whose backing ground-truth range is empty,
// walking the counter subspace in pages of pageSize. Returns the number of
// cells removed.
func (s *Service) SweepStale(pageSize int) (int, error) {
	if pageSize <= 0 {
		pageSize = 100
	}
	removed := 0
	var cursor []byte
	for {
		entries, next, err := s.Page(cursor, pageSize)
		if err != nil {
			return removed, err
		}
		if len(entries) > 0 {
			ret, err := s.db.Transact(func(tr fdb.Transaction) (interface{}, error) {
				n := 0
				for _, e := range entries {
					empty, err := backingRangeEmpty(tr, e)
					if err != nil {
						return nil, err
					}
					if empty {
						tr.Clear(fdb.Key(keys.CounterKey(e.Kind, e.ID)))
						n++
					}
				}
				return n, nil
			})
			if err != nil {
				return removed, fmt.Errorf("sweeping stale counters: %w", err)
			}
			removed += ret.(int)
		}
		if next == nil {
			return removed, nil
		}
		cursor = next
	}
}

func backingRangeEmpty(rt fdb.ReadTransaction, e Entry) (bool, error) {
	var prefix []byte
	switch e.Kind {
	case keys.CounterTeamQueue:
		prefix = keys.QueuePrefix(e.ID)
	case keys.CounterCrawlQueue:
		prefix = keys.CrawlIndexPrefix(e.ID)
	case keys.CounterTeamActive:
		prefix = keys.ActiveTeamPrefix(e.ID)
	case keys.CounterCrawlActive:
		prefix = keys.ActiveCrawlPrefix(e.ID)
	default:
		return false, fmt.Errorf("no backing range for counter kind %#x", byte(e.Kind))
	}
	return storage.RangeIsEmpty(rt, prefix)
}
