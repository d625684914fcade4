// Package cinder provides a minimal public API for embedding the queue
// client in Go workers.
//
// Most workers should talk to the daemon through Dial and the re-exported
// Client; the internal packages stay internal so the engine's keyspace and
// claim protocol remain free to evolve.
package cinder

import (
	"time"

	"github.com/emberworks/cinder/internal/rpc"
	"github.com/emberworks/cinder/internal/semaphore"
	"github.com/emberworks/cinder/internal/types"
)

// Core types workers exchange with the daemon.
type (
	Job        = types.Job
	ClaimedJob = types.ClaimedJob
	Client     = rpc.Client
)

// Semaphore types for workers that gate pops on tenant concurrency.
type (
	Semaphore        = semaphore.Semaphore
	BlockingOptions  = semaphore.BlockingOptions
	SemaphoreAcquire = semaphore.Acquire
)

// Sentinel errors callers branch on.
var (
	ErrServiceUnavailable = rpc.ErrServiceUnavailable
	ErrCircuitOpen        = rpc.ErrCircuitOpen
	ErrLeaseLost          = semaphore.ErrLeaseLost
	ErrAcquireTimeout     = semaphore.ErrAcquireTimeout
)

// Dial returns a daemon client; network is "unix" or "tcp".
func Dial(network, addr string) *Client {
	return rpc.NewClient(network, addr)
}

// DialWithTimeout returns a daemon client with a per-request timeout.
func DialWithTimeout(network, addr string, timeout time.Duration) *Client {
	return rpc.NewClient(network, addr, rpc.WithRequestTimeout(timeout))
}

// ConnectSemaphore dials the semaphore store directly, for workers that hold
// leases across many pops instead of round-tripping through the daemon.
func ConnectSemaphore(redisURL string, selfHosted bool) (*Semaphore, error) {
	return semaphore.Connect(redisURL, semaphore.WithSelfHosted(selfHosted))
}
