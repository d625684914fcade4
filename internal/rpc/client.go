package rpc

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/sony/gobreaker"

	"github.com/emberworks/cinder/internal/debug"
	"github.com/emberworks/cinder/internal/types"
)

// ClientVersion is stamped into every request for compatibility checks. Set
// by the binary at startup.
var ClientVersion = "0.0.0"

// Breaker defaults: open after 3 consecutive transport failures, cool down
// 5 s, then allow a single half-open probe.
const (
	breakerFailureThreshold = 3
	breakerCooldown         = 5 * time.Second
)

// transport carries one request/response exchange. Split from Client so the
// breaker can be tested without a wire.
type transport interface {
	roundTrip(ctx context.Context, req *Request) (*Response, error)
	Close() error
}

// connTransport is the production transport: one persistent connection,
// newline-delimited JSON, redial after any failure.
type connTransport struct {
	network     string
	addr        string
	dialTimeout time.Duration

	mu     sync.Mutex
	conn   net.Conn
	reader *bufio.Reader
}

func (t *connTransport) roundTrip(ctx context.Context, req *Request) (*Response, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.conn == nil {
		conn, err := net.DialTimeout(t.network, t.addr, t.dialTimeout)
		if err != nil {
			return nil, fmt.Errorf("dialing %s %s: %w: %v", t.network, t.addr, ErrServiceUnavailable, err)
		}
		t.conn = conn
		t.reader = bufio.NewReader(conn)
	}

	if deadline, ok := ctx.Deadline(); ok {
		t.conn.SetDeadline(deadline)
	} else {
		t.conn.SetDeadline(time.Time{})
	}

	data, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("encoding request: %w", err)
	}
	data = append(data, '\n')

	if _, err := t.conn.Write(data); err != nil {
		t.reset()
		return nil, fmt.Errorf("writing request: %w: %v", ErrServiceUnavailable, err)
	}

	line, err := t.reader.ReadBytes('\n')
	if err != nil {
		t.reset()
		return nil, fmt.Errorf("reading response: %w: %v", ErrServiceUnavailable, err)
	}

	var resp Response
	if err := json.Unmarshal(line, &resp); err != nil {
		t.reset()
		return nil, fmt.Errorf("decoding response: %w: %v", ErrServiceUnavailable, err)
	}
	return &resp, nil
}

// reset drops the connection so the next call redials.
func (t *connTransport) reset() {
	if t.conn != nil {
		t.conn.Close()
		t.conn = nil
		t.reader = nil
	}
}

func (t *connTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.reset()
	return nil
}

// Client is the worker-side handle to the daemon. Every call runs inside the
// circuit breaker; while the breaker is open calls fail fast with
// ErrCircuitOpen instead of piling retries onto a struggling store.
type Client struct {
	t       transport
	breaker *gobreaker.CircuitBreaker
	timeout time.Duration
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithRequestTimeout bounds each call end to end.
func WithRequestTimeout(d time.Duration) ClientOption {
	return func(c *Client) {
		if d > 0 {
			c.timeout = d
		}
	}
}

// WithBreakerSettings replaces the default breaker, mainly for tests that
// cannot wait out the production cooldown.
func WithBreakerSettings(settings gobreaker.Settings) ClientOption {
	return func(c *Client) {
		c.breaker = gobreaker.NewCircuitBreaker(settings)
	}
}

// NewClient returns a client for the daemon at (network, addr); network is
// "unix" or "tcp". No connection is made until the first call.
func NewClient(network, addr string, opts ...ClientOption) *Client {
	return newClient(&connTransport{
		network:     network,
		addr:        addr,
		dialTimeout: 2 * time.Second,
	}, opts...)
}

func newClient(t transport, opts ...ClientOption) *Client {
	c := &Client{
		t:       t,
		timeout: 30 * time.Second,
		breaker: gobreaker.NewCircuitBreaker(defaultBreakerSettings()),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func defaultBreakerSettings() gobreaker.Settings {
	return gobreaker.Settings{
		Name:        "cinder-rpc",
		MaxRequests: 1,
		Timeout:     breakerCooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= breakerFailureThreshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			debug.Logf("rpc: breaker %s: %s -> %s\n", name, from, to)
		},
	}
}

// Close releases the transport.
func (c *Client) Close() error {
	return c.t.Close()
}

// call runs one operation through the breaker. Only transport failures count
// toward the breaker; an error the server returned deliberately does not.
func (c *Client) call(ctx context.Context, op string, args interface{}, result interface{}) error {
	var raw json.RawMessage
	if args != nil {
		data, err := json.Marshal(args)
		if err != nil {
			return fmt.Errorf("%s: encoding args: %w", op, err)
		}
		raw = data
	}
	req := &Request{
		Operation:     op,
		Args:          raw,
		RequestID:     uuid.NewString(),
		ClientVersion: ClientVersion,
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	ret, err := c.breaker.Execute(func() (interface{}, error) {
		return c.t.roundTrip(ctx, req)
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return fmt.Errorf("%s: %w", op, ErrCircuitOpen)
		}
		return fmt.Errorf("%s: %w", op, err)
	}

	resp := ret.(*Response)
	if !resp.Success {
		return fmt.Errorf("%s: %s", op, resp.Error)
	}
	if result != nil && len(resp.Data) > 0 {
		if err := json.Unmarshal(resp.Data, result); err != nil {
			return fmt.Errorf("%s: decoding result: %w", op, err)
		}
	}
	return nil
}

// Ping checks daemon liveness.
func (c *Client) Ping(ctx context.Context) error {
	return c.call(ctx, OpPing, nil, nil)
}

// Status returns daemon version, uptime, and pid.
func (c *Client) Status(ctx context.Context) (StatusResult, error) {
	var out StatusResult
	err := c.call(ctx, OpStatus, nil, &out)
	return out, err
}

// Push enqueues a job.
func (c *Client) Push(ctx context.Context, job types.Job, timeout time.Duration) error {
	return c.call(ctx, OpPush, PushArgs{Job: job, TimeoutMs: timeout.Milliseconds()}, nil)
}

// Pop claims at most one job. A nil return with nil error means nothing was
// claimable.
func (c *Client) Pop(ctx context.Context, teamID, workerID string, blockedCrawlIDs []string) (*types.ClaimedJob, error) {
	var out PopResult
	if err := c.call(ctx, OpPop, PopArgs{TeamID: teamID, WorkerID: workerID, BlockedCrawlIDs: blockedCrawlIDs}, &out); err != nil {
		return nil, err
	}
	return out.Job, nil
}

// Complete finalizes a claimed job.
func (c *Client) Complete(ctx context.Context, queueKey []byte) error {
	return c.call(ctx, OpComplete, CompleteArgs{QueueKey: queueKey}, nil)
}

// Release drops the claim records for a job. A queue entry that still exists
// becomes claimable again; a job already returned by Pop is not re-queued.
func (c *Client) Release(ctx context.Context, jobID string) error {
	return c.call(ctx, OpRelease, ReleaseArgs{JobID: jobID}, nil)
}

// CancelCrawl removes every queued job of a crawl and returns how many.
func (c *Client) CancelCrawl(ctx context.Context, crawlID string) (int, error) {
	var out CleanupResult
	err := c.call(ctx, OpCancelCrawl, CancelCrawlArgs{CrawlID: crawlID}, &out)
	return out.Removed, err
}

// QueueCountTeam returns a team's queue depth.
func (c *Client) QueueCountTeam(ctx context.Context, teamID string) (int64, error) {
	return c.count(ctx, OpQueueCountTeam, teamID)
}

// QueueCountCrawl returns a crawl's queue depth.
func (c *Client) QueueCountCrawl(ctx context.Context, crawlID string) (int64, error) {
	return c.count(ctx, OpQueueCountCrawl, crawlID)
}

// ActiveCountTeam returns a team's executing-job count.
func (c *Client) ActiveCountTeam(ctx context.Context, teamID string) (int64, error) {
	return c.count(ctx, OpActiveCountTeam, teamID)
}

// ActiveCountCrawl returns a crawl's executing-job count.
func (c *Client) ActiveCountCrawl(ctx context.Context, crawlID string) (int64, error) {
	return c.count(ctx, OpActiveCountCrawl, crawlID)
}

func (c *Client) count(ctx context.Context, op, scopeID string) (int64, error) {
	var out CountResult
	err := c.call(ctx, op, ScopeArgs{ScopeID: scopeID}, &out)
	return out.Count, err
}

// ActivePushTeam records a job as executing for a team.
func (c *Client) ActivePushTeam(ctx context.Context, teamID, jobID string, ttl time.Duration) error {
	return c.call(ctx, OpActivePushTeam, ActiveArgs{ScopeID: teamID, JobID: jobID, TTLMs: ttl.Milliseconds()}, nil)
}

// ActivePushCrawl records a job as executing for a crawl.
func (c *Client) ActivePushCrawl(ctx context.Context, crawlID, jobID string, ttl time.Duration) error {
	return c.call(ctx, OpActivePushCrawl, ActiveArgs{ScopeID: crawlID, JobID: jobID, TTLMs: ttl.Milliseconds()}, nil)
}

// ActiveRemoveTeam drops a team active record; false when it did not exist.
func (c *Client) ActiveRemoveTeam(ctx context.Context, teamID, jobID string) (bool, error) {
	var out ActiveRemoveResult
	err := c.call(ctx, OpActiveRemoveTeam, ActiveArgs{ScopeID: teamID, JobID: jobID}, &out)
	return out.Removed, err
}

// ActiveRemoveCrawl drops a crawl active record; false when it did not exist.
func (c *Client) ActiveRemoveCrawl(ctx context.Context, crawlID, jobID string) (bool, error) {
	var out ActiveRemoveResult
	err := c.call(ctx, OpActiveRemoveCrawl, ActiveArgs{ScopeID: crawlID, JobID: jobID}, &out)
	return out.Removed, err
}

// ActiveListTeam returns the non-expired executing jobs for a team.
func (c *Client) ActiveListTeam(ctx context.Context, teamID string) ([]string, error) {
	var out ActiveListResult
	err := c.call(ctx, OpActiveListTeam, ScopeArgs{ScopeID: teamID}, &out)
	return out.JobIDs, err
}

// ActiveListCrawl returns the non-expired executing jobs for a crawl.
func (c *Client) ActiveListCrawl(ctx context.Context, crawlID string) ([]string, error) {
	var out ActiveListResult
	err := c.call(ctx, OpActiveListCrawl, ScopeArgs{ScopeID: crawlID}, &out)
	return out.JobIDs, err
}

// Cleanup invokes one janitor sweep by operation name and returns how many
// records it removed.
func (c *Client) Cleanup(ctx context.Context, op string) (int, error) {
	var out CleanupResult
	err := c.call(ctx, op, nil, &out)
	return out.Removed, err
}

// Reconcile invokes one counter reconciliation by operation name and returns
// the correction delta.
func (c *Client) Reconcile(ctx context.Context, op, scopeID string) (int64, error) {
	var out ReconcileResult
	err := c.call(ctx, op, ScopeArgs{ScopeID: scopeID}, &out)
	return out.Delta, err
}

// SemAcquire is one atomic semaphore acquisition attempt.
func (c *Client) SemAcquire(ctx context.Context, teamID, holderID string, limit int64, ttl time.Duration) (SemAcquireResult, error) {
	var out SemAcquireResult
	err := c.call(ctx, OpSemAcquire, SemAcquireArgs{TeamID: teamID, HolderID: holderID, Limit: limit, TTLMs: ttl.Milliseconds()}, &out)
	return out, err
}

// SemHeartbeat extends a held lease; false means the lease was reclaimed.
func (c *Client) SemHeartbeat(ctx context.Context, teamID, holderID string, ttl time.Duration) (bool, error) {
	var out SemHeartbeatResult
	err := c.call(ctx, OpSemHeartbeat, SemHeartbeatArgs{TeamID: teamID, HolderID: holderID, TTLMs: ttl.Milliseconds()}, &out)
	return out.OK, err
}

// SemRelease drops a lease.
func (c *Client) SemRelease(ctx context.Context, teamID, holderID string) error {
	return c.call(ctx, OpSemRelease, SemReleaseArgs{TeamID: teamID, HolderID: holderID}, nil)
}

// SemAcquireBlockingResult reports a blocking acquisition: Limited is true
// when any attempt found the cap full, Removed totals pruned expired leases.
type SemAcquireBlockingResult struct {
	Limited bool
	Removed int64
}

// SemAcquireBlocking retries SemAcquire with exponential backoff and jitter
// until granted, ctx fires, or deadline passes. Driving the loop client-side
// keeps cancellation prompt and avoids parking a daemon goroutine per waiter.
func (c *Client) SemAcquireBlocking(ctx context.Context, teamID, holderID string, limit int64, ttl, baseDelay, maxDelay, deadline time.Duration) (SemAcquireBlockingResult, error) {
	if baseDelay <= 0 {
		baseDelay = 100 * time.Millisecond
	}
	if maxDelay <= 0 {
		maxDelay = 2 * time.Second
	}
	if deadline <= 0 {
		deadline = 30 * time.Second
	}

	ctx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()

	var result SemAcquireBlockingResult
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = baseDelay
	bo.MaxInterval = maxDelay
	bo.MaxElapsedTime = 0

	err := backoff.Retry(func() error {
		acq, err := c.SemAcquire(ctx, teamID, holderID, limit, ttl)
		if err != nil {
			return backoff.Permanent(err)
		}
		result.Removed += acq.Removed
		if !acq.Granted {
			result.Limited = true
			return fmt.Errorf("team %s at capacity (%d holders)", teamID, acq.Count)
		}
		return nil
	}, backoff.WithContext(bo, ctx))
	return result, err
}
