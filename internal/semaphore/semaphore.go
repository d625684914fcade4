// Package semaphore implements the per-team concurrency limiter: a Redis
// sorted set of (holder, expires_at) leases per team, with an atomic
// server-side acquire, heartbeat extension, and cooperative blocking
// acquisition. Liveness under worker crashes comes from lease expiry — a
// holder that stops heartbeating is pruned on the next acquire.
package semaphore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/emberworks/cinder/internal/debug"
)

// ErrLeaseLost reports a heartbeat that found its lease gone; the slot is
// forfeit and the guarded operation must abort.
var ErrLeaseLost = errors.New("semaphore lease lost")

// ErrAcquireTimeout reports a blocking acquisition that hit its deadline.
var ErrAcquireTimeout = errors.New("semaphore acquire timed out")

const defaultNamespace = "cinder"

// acquireScript atomically prunes expired holders, checks the cap, and
// inserts the new lease. Returning all three results in one round trip keeps
// the check-and-insert indivisible.
//
// KEYS[1] lease set; ARGV: now_ms, limit, expires_at_ms, holder.
var acquireScript = redis.NewScript(`
local removed = redis.call('ZREMRANGEBYSCORE', KEYS[1], '-inf', ARGV[1])
local count = redis.call('ZCARD', KEYS[1])
if count < tonumber(ARGV[2]) then
	redis.call('ZADD', KEYS[1], ARGV[3], ARGV[4])
	return {1, count + 1, removed}
end
return {0, count, removed}
`)

// heartbeatScript extends a lease only if the holder is still a member.
// KEYS[1] lease set; ARGV: holder, expires_at_ms.
var heartbeatScript = redis.NewScript(`
if redis.call('ZSCORE', KEYS[1], ARGV[1]) then
	redis.call('ZADD', KEYS[1], ARGV[2], ARGV[1])
	return 1
end
return 0
`)

// Option configures a Semaphore.
type Option func(*Semaphore)

// WithNamespace sets the Redis key namespace prefix.
func WithNamespace(ns string) Option {
	return func(s *Semaphore) {
		if ns != "" {
			s.namespace = ns
		}
	}
}

// WithSelfHosted marks the deployment single-tenant: limits of one or less
// bypass the store entirely and always grant.
func WithSelfHosted(selfHosted bool) Option {
	return func(s *Semaphore) {
		s.selfHosted = selfHosted
	}
}

// Semaphore is the lease-set concurrency limiter.
type Semaphore struct {
	client     *redis.Client
	namespace  string
	selfHosted bool
}

// New returns a semaphore over an existing Redis client.
func New(client *redis.Client, opts ...Option) *Semaphore {
	s := &Semaphore{client: client, namespace: defaultNamespace}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Connect dials redisURL and verifies connectivity before returning a
// semaphore over the new client.
func Connect(redisURL string, opts ...Option) (*Semaphore, error) {
	redisOpts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis URL: %w", err)
	}
	client := redis.NewClient(redisOpts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}
	return New(client, opts...), nil
}

// Close releases the underlying Redis client.
func (s *Semaphore) Close() error {
	return s.client.Close()
}

func (s *Semaphore) leaseKey(teamID string) string {
	return s.namespace + ":sem:" + teamID
}

// bypass reports whether this acquire short-circuits: a single-tenant
// deployment with a cap of one has nothing to arbitrate.
func (s *Semaphore) bypass(limit int64) bool {
	return s.selfHosted && limit <= 1
}

// Acquire is one atomic acquisition attempt: expired holders are pruned,
// then the lease is inserted iff the cap has room. Count is the holder
// cardinality after the attempt; Removed is how many expired leases the
// attempt pruned.
type Acquire struct {
	Granted bool
	Count   int64
	Removed int64
}

// TryAcquire attempts to take a lease for holder under teamID's cap.
func (s *Semaphore) TryAcquire(ctx context.Context, teamID, holderID string, limit int64, ttl time.Duration) (Acquire, error) {
	if s.bypass(limit) {
		return Acquire{Granted: true, Count: 1}, nil
	}
	now := time.Now()
	res, err := acquireScript.Run(ctx, s.client, []string{s.leaseKey(teamID)},
		now.UnixMilli(), limit, now.Add(ttl).UnixMilli(), holderID).Int64Slice()
	if err != nil {
		return Acquire{}, fmt.Errorf("semaphore acquire %s/%s: %w", teamID, holderID, err)
	}
	if len(res) != 3 {
		return Acquire{}, fmt.Errorf("semaphore acquire %s/%s: script returned %d values, want 3", teamID, holderID, len(res))
	}
	return Acquire{Granted: res[0] == 1, Count: res[1], Removed: res[2]}, nil
}

// BlockingOptions shape AcquireBlocking's retry loop.
type BlockingOptions struct {
	BaseDelay time.Duration // first retry delay (default 100ms)
	MaxDelay  time.Duration // delay cap (default 2s)
	Timeout   time.Duration // overall deadline (default 30s)
	TTL       time.Duration // lease TTL granted on success
}

// BlockingResult reports how a blocking acquisition went. Limited is true
// when at least one attempt found the cap full; Removed totals the expired
// leases pruned across attempts.
type BlockingResult struct {
	Limited bool
	Removed int64
}

// AcquireBlocking retries TryAcquire with exponential backoff and jitter
// until granted, the deadline passes (ErrAcquireTimeout), or ctx fires.
func (s *Semaphore) AcquireBlocking(ctx context.Context, teamID, holderID string, limit int64, opts BlockingOptions) (BlockingResult, error) {
	if opts.BaseDelay <= 0 {
		opts.BaseDelay = 100 * time.Millisecond
	}
	if opts.MaxDelay <= 0 {
		opts.MaxDelay = 2 * time.Second
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	if opts.TTL <= 0 {
		opts.TTL = 30 * time.Second
	}

	ctx, cancel := context.WithTimeout(ctx, opts.Timeout)
	defer cancel()

	var result BlockingResult
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = opts.BaseDelay
	bo.MaxInterval = opts.MaxDelay
	bo.MaxElapsedTime = 0

	err := backoff.Retry(func() error {
		acq, err := s.TryAcquire(ctx, teamID, holderID, limit, opts.TTL)
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
	if err != nil {
		if ctx.Err() != nil {
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return result, ErrAcquireTimeout
			}
			return result, ctx.Err()
		}
		return result, err
	}
	return result, nil
}

// Heartbeat extends holder's lease to now + ttl iff it is still a member.
// A false return means the lease expired and was reclaimed.
func (s *Semaphore) Heartbeat(ctx context.Context, teamID, holderID string, ttl time.Duration) (bool, error) {
	ok, err := heartbeatScript.Run(ctx, s.client, []string{s.leaseKey(teamID)},
		holderID, time.Now().Add(ttl).UnixMilli()).Int64()
	if err != nil {
		return false, fmt.Errorf("semaphore heartbeat %s/%s: %w", teamID, holderID, err)
	}
	return ok == 1, nil
}

// Release removes holder's lease. Releasing an expired or absent lease is
// not an error.
func (s *Semaphore) Release(ctx context.Context, teamID, holderID string) error {
	if err := s.client.ZRem(ctx, s.leaseKey(teamID), holderID).Err(); err != nil {
		return fmt.Errorf("semaphore release %s/%s: %w", teamID, holderID, err)
	}
	return nil
}

// HolderCount returns the current non-expired holder cardinality.
func (s *Semaphore) HolderCount(ctx context.Context, teamID string) (int64, error) {
	now := time.Now().UnixMilli()
	n, err := s.client.ZCount(ctx, s.leaseKey(teamID), fmt.Sprintf("(%d", now), "+inf").Result()
	if err != nil {
		return 0, fmt.Errorf("semaphore count %s: %w", teamID, err)
	}
	return n, nil
}

// WithLease acquires a slot, runs body alongside a heartbeat loop at ttl/2,
// and releases on every exit path. A failed heartbeat cancels body and
// surfaces ErrLeaseLost; body's own error or ctx cancellation propagate
// unchanged.
func (s *Semaphore) WithLease(ctx context.Context, teamID, holderID string, limit int64, opts BlockingOptions, body func(context.Context) error) error {
	if opts.TTL <= 0 {
		opts.TTL = 30 * time.Second
	}
	if s.bypass(limit) {
		return body(ctx)
	}

	if _, err := s.AcquireBlocking(ctx, teamID, holderID, limit, opts); err != nil {
		return err
	}
	defer func() {
		releaseCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.Release(releaseCtx, teamID, holderID); err != nil {
			debug.Logf("semaphore: release %s/%s: %v\n", teamID, holderID, err)
		}
	}()

	g, gctx := errgroup.WithContext(ctx)
	bodyDone := make(chan struct{})

	g.Go(func() error {
		defer close(bodyDone)
		return body(gctx)
	})
	g.Go(func() error {
		ticker := time.NewTicker(opts.TTL / 2)
		defer ticker.Stop()
		for {
			select {
			case <-bodyDone:
				return nil
			case <-gctx.Done():
				return gctx.Err()
			case <-ticker.C:
				ok, err := s.Heartbeat(gctx, teamID, holderID, opts.TTL)
				if err != nil {
					return fmt.Errorf("extending lease %s/%s: %w", teamID, holderID, err)
				}
				if !ok {
					return ErrLeaseLost
				}
			}
		}
	})
	return g.Wait()
}
