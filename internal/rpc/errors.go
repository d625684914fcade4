package rpc

import "errors"

// ErrServiceUnavailable indicates the cinder daemon could not be reached.
var ErrServiceUnavailable = errors.New("queue service unavailable")

// ErrCircuitOpen indicates the client's circuit breaker is open and the call
// failed fast without touching the wire. Distinguished from
// ErrServiceUnavailable so callers can tell a breaker fast-fail from a fresh
// transport failure.
var ErrCircuitOpen = errors.New("queue service circuit open")
