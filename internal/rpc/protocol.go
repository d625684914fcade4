// Package rpc is the request/response boundary between scraping workers and
// the queue daemon: newline-delimited JSON envelopes over a unix socket or
// TCP, a typed client with a circuit breaker, and the server dispatch loop.
package rpc

import (
	"encoding/json"

	"github.com/emberworks/cinder/internal/types"
)

// Operation constants for every daemon op.
const (
	OpPing     = "ping"
	OpStatus   = "status"
	OpShutdown = "shutdown"

	OpPush     = "push"
	OpPop      = "pop"
	OpComplete = "complete"
	OpRelease  = "release"

	OpCancelCrawl = "cancel_crawl"

	OpQueueCountTeam  = "queue_count_team"
	OpQueueCountCrawl = "queue_count_crawl"

	OpActivePushTeam    = "active_push_team"
	OpActivePushCrawl   = "active_push_crawl"
	OpActiveRemoveTeam  = "active_remove_team"
	OpActiveRemoveCrawl = "active_remove_crawl"
	OpActiveCountTeam   = "active_count_team"
	OpActiveCountCrawl  = "active_count_crawl"
	OpActiveListTeam    = "active_list_team"
	OpActiveListCrawl   = "active_list_crawl"

	OpCleanupExpiredJobs    = "cleanup_expired_jobs"
	OpCleanupExpiredActive  = "cleanup_expired_active_jobs"
	OpCleanupOrphanedClaims = "cleanup_orphaned_claims"
	OpCleanupStaleCounters  = "cleanup_stale_counters"

	OpReconcileTeamQueue   = "reconcile_team_queue"
	OpReconcileCrawlQueue  = "reconcile_crawl_queue"
	OpReconcileTeamActive  = "reconcile_team_active"
	OpReconcileCrawlActive = "reconcile_crawl_active"

	OpSemAcquire   = "sem_acquire"
	OpSemHeartbeat = "sem_heartbeat"
	OpSemRelease   = "sem_release"
)

// Request is the client-to-daemon envelope.
type Request struct {
	Operation     string          `json:"operation"`
	Args          json.RawMessage `json:"args,omitempty"`
	RequestID     string          `json:"request_id,omitempty"`
	ClientVersion string          `json:"client_version,omitempty"`
}

// Response is the daemon-to-client envelope.
type Response struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data,omitempty"`
	Error   string          `json:"error,omitempty"`
}

// PushArgs carries a job into the queue. TimeoutMs is ignored for jobs that
// belong to a crawl.
type PushArgs struct {
	Job       types.Job `json:"job"`
	TimeoutMs int64     `json:"timeout_ms,omitempty"`
}

// PopArgs identifies the popping worker and the crawls it has vetoed because
// their concurrency caps are saturated.
type PopArgs struct {
	TeamID          string   `json:"team_id"`
	WorkerID        string   `json:"worker_id"`
	BlockedCrawlIDs []string `json:"blocked_crawl_ids,omitempty"`
}

// PopResult is nil-Job when nothing was claimable.
type PopResult struct {
	Job *types.ClaimedJob `json:"job,omitempty"`
}

// CompleteArgs finalizes a claimed job by its queue key.
type CompleteArgs struct {
	QueueKey []byte `json:"queue_key"`
}

// ReleaseArgs clears the claim records for a job.
type ReleaseArgs struct {
	JobID string `json:"job_id"`
}

// CancelCrawlArgs removes every queued job of a crawl.
type CancelCrawlArgs struct {
	CrawlID string `json:"crawl_id"`
}

// ScopeArgs addresses a team or crawl by id; the operation name selects the
// scope.
type ScopeArgs struct {
	ScopeID string `json:"scope_id"`
}

// ActiveArgs addresses one active-job record.
type ActiveArgs struct {
	ScopeID string `json:"scope_id"`
	JobID   string `json:"job_id"`
	TTLMs   int64  `json:"ttl_ms,omitempty"`
}

// ActiveRemoveResult reports whether the record existed.
type ActiveRemoveResult struct {
	Removed bool `json:"removed"`
}

// ActiveListResult is the non-expired job ids under a scope.
type ActiveListResult struct {
	JobIDs []string `json:"job_ids"`
}

// CountResult is a clamped non-negative counter value.
type CountResult struct {
	Count int64 `json:"count"`
}

// CleanupResult reports how many records a sweep removed.
type CleanupResult struct {
	Removed int `json:"removed"`
}

// ReconcileResult is the correction delta a reconciliation applied.
type ReconcileResult struct {
	Delta int64 `json:"delta"`
}

// SemAcquireArgs is one atomic acquisition attempt.
type SemAcquireArgs struct {
	TeamID   string `json:"team_id"`
	HolderID string `json:"holder_id"`
	Limit    int64  `json:"limit"`
	TTLMs    int64  `json:"ttl_ms"`
}

// SemAcquireResult mirrors semaphore.Acquire.
type SemAcquireResult struct {
	Granted bool  `json:"granted"`
	Count   int64 `json:"count"`
	Removed int64 `json:"removed"`
}

// SemHeartbeatArgs extends one lease.
type SemHeartbeatArgs struct {
	TeamID   string `json:"team_id"`
	HolderID string `json:"holder_id"`
	TTLMs    int64  `json:"ttl_ms"`
}

// SemHeartbeatResult is false when the lease was already reclaimed.
type SemHeartbeatResult struct {
	OK bool `json:"ok"`
}

// SemReleaseArgs drops one lease.
type SemReleaseArgs struct {
	TeamID   string `json:"team_id"`
	HolderID string `json:"holder_id"`
}

// StatusResult describes the daemon.
type StatusResult struct {
	Version       string `json:"version"`
	UptimeSeconds int64  `json:"uptime_seconds"`
	PID           int    `json:"pid"`
}
