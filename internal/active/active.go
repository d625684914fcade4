// Package active tracks currently-executing jobs per team and per crawl.
// Records carry an expiry so a crashed worker's entry ages out, and the
// matching counters are approximations the janitor reconciles against
// non-expired entries.
package active

import (
	"fmt"
	"time"

	"github.com/apple/foundationdb/bindings/go/src/fdb"

	"github.com/emberworks/cinder/internal/counter"
	"github.com/emberworks/cinder/internal/keys"
	"github.com/emberworks/cinder/internal/storage"
)

// Scope selects which active subspace an operation addresses.
type Scope int

const (
	ScopeTeam Scope = iota
	ScopeCrawl
)

func (s Scope) String() string {
	if s == ScopeTeam {
		return "team"
	}
	return "crawl"
}

func (s Scope) key(id, jobID string) []byte {
	if s == ScopeTeam {
		return keys.ActiveTeamKey(id, jobID)
	}
	return keys.ActiveCrawlKey(id, jobID)
}

func (s Scope) prefix(id string) []byte {
	if s == ScopeTeam {
		return keys.ActiveTeamPrefix(id)
	}
	return keys.ActiveCrawlPrefix(id)
}

func (s Scope) subspace() []byte {
	if s == ScopeTeam {
		return keys.ActiveTeamSubspace()
	}
	return keys.ActiveCrawlSubspace()
}

func (s Scope) subspacePrefixByte() byte {
	if s == ScopeTeam {
		return keys.PrefixActiveTeam
	}
	return keys.PrefixActiveCrawl
}

func (s Scope) counterKind() keys.CounterKind {
	if s == ScopeTeam {
		return keys.CounterTeamActive
	}
	return keys.CounterCrawlActive
}

// Tracker is the active-job store.
type Tracker struct {
	db       storage.DB
	counters *counter.Service
}

// New returns a tracker over db.
func New(db storage.DB, counters *counter.Service) *Tracker {
	return &Tracker{db: db, counters: counters}
}

// Push records a job as executing under (scope, id) with the given TTL and
// bumps the matching active counter, in one transaction. Re-pushing an
// existing record only extends the expiry; the counter does not move twice.
func (t *Tracker) Push(scope Scope, id, jobID string, ttl time.Duration) error {
	if id == "" || jobID == "" {
		return fmt.Errorf("active push: scope id and job id are required")
	}
	expiresAt := time.Now().Add(ttl).UnixMilli()
	key := fdb.Key(scope.key(id, jobID))
	_, err := t.db.Transact(func(tr fdb.Transaction) (interface{}, error) {
		existing, err := tr.Get(key).Get()
		if err != nil {
			return nil, err
		}
		tr.Set(key, keys.EncodeExpiry(expiresAt))
		if existing == nil {
			t.counters.Add(tr, scope.counterKind(), id, 1)
		}
		return nil, nil
	})
	if err != nil {
		return fmt.Errorf("active push %s/%s job %s: %w", scope, id, jobID, err)
	}
	return nil
}

// Remove deletes an active record and decrements the counter, but only when
// the record actually exists — blind decrements would drift the counter
// negative. Reports whether a record was removed.
func (t *Tracker) Remove(scope Scope, id, jobID string) (bool, error) {
	if id == "" || jobID == "" {
		return false, fmt.Errorf("active remove: scope id and job id are required")
	}
	key := fdb.Key(scope.key(id, jobID))
	ret, err := t.db.Transact(func(tr fdb.Transaction) (interface{}, error) {
		existing, err := tr.Get(key).Get()
		if err != nil {
			return nil, err
		}
		if existing == nil {
			return false, nil
		}
		tr.Clear(key)
		t.counters.Add(tr, scope.counterKind(), id, -1)
		return true, nil
	})
	if err != nil {
		return false, fmt.Errorf("active remove %s/%s job %s: %w", scope, id, jobID, err)
	}
	return ret.(bool), nil
}

// List returns the job ids currently executing under (scope, id), filtering
// out records whose expiry has passed but not yet been swept.
func (t *Tracker) List(scope Scope, id string) ([]string, error) {
	now := time.Now().UnixMilli()
	ret, err := t.db.ReadTransact(func(rt fdb.ReadTransaction) (interface{}, error) {
		return storage.ReadPrefix(rt, scope.prefix(id), 0)
	})
	if err != nil {
		return nil, fmt.Errorf("active list %s/%s: %w", scope, id, err)
	}
	kvs := ret.([]fdb.KeyValue)

	jobs := make([]string, 0, len(kvs))
	for _, kv := range kvs {
		exp, err := keys.DecodeExpiry(kv.Value)
		if err != nil {
			return nil, fmt.Errorf("active record %x: %w", kv.Key, err)
		}
		if exp <= now {
			continue
		}
		_, jobID, err := keys.DecodeActiveKey(kv.Key, scope.subspacePrefixByte())
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, jobID)
	}
	return jobs, nil
}

// Count returns the active counter for (scope, id), clamped non-negative.
// It is an approximation: expired-but-unswept records are still counted
// until the janitor's next reconciliation.
func (t *Tracker) Count(scope Scope, id string) (int64, error) {
	return t.counters.Get(scope.counterKind(), id)
}

// Reconcile repairs the (scope, id) active counter against the count of
// non-expired records.
func (t *Tracker) Reconcile(scope Scope, id string) (int64, error) {
	return t.counters.Reconcile(scope.counterKind(), id)
}

// SweepExpired walks one active subspace in pages and deletes records whose
// expiry has passed, decrementing the matching counter per deletion. Returns
// the number of records removed.
func (t *Tracker) SweepExpired(scope Scope, now int64, pageSize, maxPages int) (int, error) {
	if pageSize <= 0 {
		pageSize = 100
	}
	if maxPages <= 0 {
		maxPages = 10
	}
	end := storage.PrefixEnd(scope.subspace())

	removed := 0
	cursor := scope.subspace()
	for page := 0; page < maxPages; page++ {
		ret, err := t.db.Transact(func(tr fdb.Transaction) (interface{}, error) {
			kvs, err := storage.ReadKeyRange(tr, cursor, end, pageSize)
			if err != nil {
				return nil, err
			}
			p := sweepPage{count: len(kvs)}
			for _, kv := range kvs {
				exp, err := keys.DecodeExpiry(kv.Value)
				if err != nil {
					return nil, fmt.Errorf("active record %x: %w", kv.Key, err)
				}
				if exp > now {
					continue
				}
				scopeID, _, err := keys.DecodeActiveKey(kv.Key, scope.subspacePrefixByte())
				if err != nil {
					return nil, err
				}
				tr.Clear(kv.Key)
				t.counters.Add(tr, scope.counterKind(), scopeID, -1)
				p.removed++
			}
			if len(kvs) > 0 {
				p.last = append([]byte(nil), kvs[len(kvs)-1].Key...)
			}
			return p, nil
		})
		if err != nil {
			return removed, fmt.Errorf("active sweep %s: %w", scope, err)
		}
		p := ret.(sweepPage)
		removed += p.removed
		if p.count < pageSize {
			break
		}
		cursor = append(p.last, 0x00)
	}
	return removed, nil
}

type sweepPage struct {
	removed int
	count   int
	last    []byte
}
