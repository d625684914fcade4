package semaphore

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestSemaphore(t *testing.T, opts ...Option) *Semaphore {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return New(client, opts...)
}

func TestTryAcquireGrantsUpToLimit(t *testing.T) {
	s := newTestSemaphore(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		acq, err := s.TryAcquire(ctx, "team-a", fmt.Sprintf("holder-%d", i), 3, time.Minute)
		require.NoError(t, err)
		assert.True(t, acq.Granted, "holder %d should be granted", i)
		assert.Equal(t, int64(i+1), acq.Count)
	}

	acq, err := s.TryAcquire(ctx, "team-a", "holder-3", 3, time.Minute)
	require.NoError(t, err)
	assert.False(t, acq.Granted)
	assert.Equal(t, int64(3), acq.Count)

	// Other teams are unaffected.
	acq, err = s.TryAcquire(ctx, "team-b", "holder-0", 3, time.Minute)
	require.NoError(t, err)
	assert.True(t, acq.Granted)
}

func TestAcquireReclaimsExpiredLeases(t *testing.T) {
	s := newTestSemaphore(t)
	ctx := context.Background()

	acq, err := s.TryAcquire(ctx, "team", "crashed", 1, 20*time.Millisecond)
	require.NoError(t, err)
	require.True(t, acq.Granted)

	// The crashed holder never heartbeats; its slot becomes acquirable
	// within the lease TTL.
	time.Sleep(40 * time.Millisecond)

	acq, err = s.TryAcquire(ctx, "team", "successor", 1, time.Minute)
	require.NoError(t, err)
	assert.True(t, acq.Granted)
	assert.Equal(t, int64(1), acq.Removed, "expired lease should be pruned")
}

func TestHeartbeat(t *testing.T) {
	s := newTestSemaphore(t)
	ctx := context.Background()

	_, err := s.TryAcquire(ctx, "team", "h1", 1, time.Minute)
	require.NoError(t, err)

	ok, err := s.Heartbeat(ctx, "team", "h1", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)

	require.NoError(t, s.Release(ctx, "team", "h1"))

	ok, err = s.Heartbeat(ctx, "team", "h1", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok, "heartbeat after release must report the lease gone")
}

func TestReleaseFreesSlot(t *testing.T) {
	s := newTestSemaphore(t)
	ctx := context.Background()

	_, err := s.TryAcquire(ctx, "team", "h1", 1, time.Minute)
	require.NoError(t, err)

	acq, err := s.TryAcquire(ctx, "team", "h2", 1, time.Minute)
	require.NoError(t, err)
	require.False(t, acq.Granted)

	require.NoError(t, s.Release(ctx, "team", "h1"))

	acq, err = s.TryAcquire(ctx, "team", "h2", 1, time.Minute)
	require.NoError(t, err)
	assert.True(t, acq.Granted)
}

func TestAcquireBlockingUnderContention(t *testing.T) {
	s := newTestSemaphore(t)
	ctx := context.Background()

	const (
		workers = 10
		limit   = 3
	)

	var (
		inFlight atomic.Int64
		maxSeen  atomic.Int64
		acquired atomic.Int64
		wg       sync.WaitGroup
	)

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			holder := fmt.Sprintf("worker-%d", i)
			_, err := s.AcquireBlocking(ctx, "team", holder, limit, BlockingOptions{
				BaseDelay: 5 * time.Millisecond,
				MaxDelay:  50 * time.Millisecond,
				Timeout:   5 * time.Second,
				TTL:       time.Minute,
			})
			if !assert.NoError(t, err, "worker %d", i) {
				return
			}
			n := inFlight.Add(1)
			for {
				m := maxSeen.Load()
				if n <= m || maxSeen.CompareAndSwap(m, n) {
					break
				}
			}
			time.Sleep(20 * time.Millisecond)
			inFlight.Add(-1)
			acquired.Add(1)
			assert.NoError(t, s.Release(ctx, "team", holder))
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int64(workers), acquired.Load(), "every worker eventually acquires")
	assert.LessOrEqual(t, maxSeen.Load(), int64(limit), "cap must never be exceeded")
}

func TestAcquireBlockingTimeout(t *testing.T) {
	s := newTestSemaphore(t)
	ctx := context.Background()

	_, err := s.TryAcquire(ctx, "team", "hog", 1, time.Minute)
	require.NoError(t, err)

	result, err := s.AcquireBlocking(ctx, "team", "waiter", 1, BlockingOptions{
		BaseDelay: 5 * time.Millisecond,
		MaxDelay:  20 * time.Millisecond,
		Timeout:   150 * time.Millisecond,
		TTL:       time.Minute,
	})
	require.ErrorIs(t, err, ErrAcquireTimeout)
	assert.True(t, result.Limited)
}

func TestAcquireBlockingCancellation(t *testing.T) {
	s := newTestSemaphore(t)

	_, err := s.TryAcquire(context.Background(), "team", "hog", 1, time.Minute)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(30 * time.Millisecond)
		cancel()
	}()

	_, err = s.AcquireBlocking(ctx, "team", "waiter", 1, BlockingOptions{
		BaseDelay: 5 * time.Millisecond,
		Timeout:   5 * time.Second,
		TTL:       time.Minute,
	})
	require.ErrorIs(t, err, context.Canceled)
}

func TestWithLeaseRunsBodyAndReleases(t *testing.T) {
	s := newTestSemaphore(t)
	ctx := context.Background()

	ran := false
	err := s.WithLease(ctx, "team", "h1", 2, BlockingOptions{TTL: 100 * time.Millisecond, Timeout: time.Second}, func(ctx context.Context) error {
		ran = true
		// Outlive several heartbeat intervals to exercise the extension loop.
		time.Sleep(250 * time.Millisecond)
		return nil
	})
	require.NoError(t, err)
	assert.True(t, ran)

	n, err := s.HolderCount(ctx, "team")
	require.NoError(t, err)
	assert.Zero(t, n, "lease must be released on the success path")
}

func TestWithLeaseAbortsOnLostLease(t *testing.T) {
	s := newTestSemaphore(t)
	ctx := context.Background()

	bodyCancelled := make(chan struct{})
	err := s.WithLease(ctx, "team", "h1", 1, BlockingOptions{TTL: 60 * time.Millisecond, Timeout: time.Second}, func(ctx context.Context) error {
		// Simulate another actor reclaiming the lease out from under us.
		if err := s.Release(context.Background(), "team", "h1"); err != nil {
			return fmt.Errorf("releasing lease from body: %w", err)
		}
		select {
		case <-ctx.Done():
			close(bodyCancelled)
			return ctx.Err()
		case <-time.After(2 * time.Second):
			return errors.New("body was not cancelled after lease loss")
		}
	})
	require.ErrorIs(t, err, ErrLeaseLost)
	select {
	case <-bodyCancelled:
	default:
		t.Fatal("body context was not cancelled")
	}
}

func TestWithLeasePropagatesBodyError(t *testing.T) {
	s := newTestSemaphore(t)
	wantErr := errors.New("scrape failed")

	err := s.WithLease(context.Background(), "team", "h1", 2, BlockingOptions{TTL: time.Minute, Timeout: time.Second}, func(ctx context.Context) error {
		return wantErr
	})
	require.ErrorIs(t, err, wantErr)

	n, err := s.HolderCount(context.Background(), "team")
	require.NoError(t, err)
	assert.Zero(t, n, "lease must be released on the failure path")
}

func TestSelfHostedBypass(t *testing.T) {
	s := newTestSemaphore(t, WithSelfHosted(true))
	ctx := context.Background()

	// Cap of one in single-tenant mode short-circuits: every acquire grants
	// without consulting the store.
	for i := 0; i < 5; i++ {
		acq, err := s.TryAcquire(ctx, "team", fmt.Sprintf("h%d", i), 1, time.Minute)
		require.NoError(t, err)
		assert.True(t, acq.Granted)
	}

	// Larger caps still arbitrate normally.
	acq, err := s.TryAcquire(ctx, "team2", "h1", 2, time.Minute)
	require.NoError(t, err)
	require.True(t, acq.Granted)
	acq, err = s.TryAcquire(ctx, "team2", "h2", 2, time.Minute)
	require.NoError(t, err)
	require.True(t, acq.Granted)
	acq, err = s.TryAcquire(ctx, "team2", "h3", 2, time.Minute)
	require.NoError(t, err)
	assert.False(t, acq.Granted)
}
