package rpc

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/sony/gobreaker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// stubTransport scripts roundTrip outcomes so breaker behavior can be tested
// without a wire.
type stubTransport struct {
	mu      sync.Mutex
	script  []func() (*Response, error)
	calls   int
	defResp *Response
}

func (s *stubTransport) roundTrip(ctx context.Context, req *Request) (*Response, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if len(s.script) > 0 {
		next := s.script[0]
		s.script = s.script[1:]
		return next()
	}
	if s.defResp != nil {
		return s.defResp, nil
	}
	return &Response{Success: true}, nil
}

func (s *stubTransport) Close() error { return nil }

func (s *stubTransport) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

func failOnce() func() (*Response, error) {
	return func() (*Response, error) { return nil, ErrServiceUnavailable }
}

func testBreakerSettings(cooldown time.Duration) gobreaker.Settings {
	s := defaultBreakerSettings()
	s.Timeout = cooldown
	return s
}

func TestBreakerOpensAfterConsecutiveFailures(t *testing.T) {
	st := &stubTransport{script: []func() (*Response, error){failOnce(), failOnce(), failOnce()}}
	c := newClient(st, WithBreakerSettings(testBreakerSettings(time.Hour)))

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		err := c.Ping(ctx)
		require.Error(t, err)
		require.NotErrorIs(t, err, ErrCircuitOpen, "call %d should be a transport failure", i)
	}

	// Breaker is now open: the next call fails fast without a round trip.
	before := st.callCount()
	err := c.Ping(ctx)
	require.ErrorIs(t, err, ErrCircuitOpen)
	assert.Equal(t, before, st.callCount(), "open breaker must not touch the transport")
}

func TestBreakerHalfOpenProbeRecovers(t *testing.T) {
	st := &stubTransport{script: []func() (*Response, error){failOnce(), failOnce(), failOnce()}}
	c := newClient(st, WithBreakerSettings(testBreakerSettings(50*time.Millisecond)))

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		require.Error(t, c.Ping(ctx))
	}
	require.ErrorIs(t, c.Ping(ctx), ErrCircuitOpen)

	// After the cooldown one probe is permitted; its success closes the
	// breaker and normal traffic resumes.
	time.Sleep(80 * time.Millisecond)
	require.NoError(t, c.Ping(ctx))
	require.NoError(t, c.Ping(ctx))
}

func TestBreakerHalfOpenProbeFailureReopens(t *testing.T) {
	st := &stubTransport{script: []func() (*Response, error){failOnce(), failOnce(), failOnce(), failOnce()}}
	c := newClient(st, WithBreakerSettings(testBreakerSettings(50 * time.Millisecond)))

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		require.Error(t, c.Ping(ctx))
	}

	time.Sleep(80 * time.Millisecond)
	// The probe fails; the breaker reopens immediately.
	err := c.Ping(ctx)
	require.Error(t, err)
	require.NotErrorIs(t, err, ErrCircuitOpen)

	err = c.Ping(ctx)
	require.ErrorIs(t, err, ErrCircuitOpen)
}

func TestServerErrorsDoNotTripBreaker(t *testing.T) {
	st := &stubTransport{defResp: &Response{Success: false, Error: "unknown operation"}}
	c := newClient(st, WithBreakerSettings(testBreakerSettings(time.Hour)))

	ctx := context.Background()
	for i := 0; i < 10; i++ {
		err := c.Ping(ctx)
		require.Error(t, err)
		require.NotErrorIs(t, err, ErrCircuitOpen,
			"deliberate server errors are not store failures and must not open the breaker")
	}
	assert.Equal(t, 10, st.callCount())
}

func TestCallDecodesResult(t *testing.T) {
	data, err := json.Marshal(StatusResult{Version: "9.9.9", UptimeSeconds: 42, PID: 1234})
	require.NoError(t, err)
	st := &stubTransport{defResp: &Response{Success: true, Data: data}}
	c := newClient(st)

	got, err := c.Status(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "9.9.9", got.Version)
	assert.Equal(t, int64(42), got.UptimeSeconds)
	assert.Equal(t, 1234, got.PID)
}
