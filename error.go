package questdb

import "errors"

// ErrQueueFull is returned by Register/Disconnect when the interest queue is
// saturated; the caller decides whether to retry or drop the connection.
var ErrQueueFull = errors.New("interest queue is full")

var errBackendCount = errors.New("readiness count exceeds submitted fd count")
var errNoBackend = errors.New("no readiness backend configured")
