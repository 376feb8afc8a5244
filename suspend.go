package questdb

import "go.uber.org/atomic"

// SuspendToken defers normal completion on a connection until it is
// triggered or its deadline passes. While a token is attached the
// dispatcher keeps watching the descriptor for readability so a peer
// disconnect is still detected, but it never publishes READ/WRITE.
// Trigger may be called from any goroutine.
type SuspendToken struct {
	triggered *atomic.Bool
	deadline  int64 // micros, 0 means no deadline
}

func NewSuspendToken(deadlineMicros int64) *SuspendToken {
	return &SuspendToken{
		triggered: atomic.NewBool(false),
		deadline:  deadlineMicros,
	}
}

func (t *SuspendToken) Trigger() {
	t.triggered.Store(true)
}

func (t *SuspendToken) Triggered() bool {
	return t.triggered.Load()
}

func (t *SuspendToken) deadlineMet(now int64) bool {
	return t.deadline > 0 && now >= t.deadline
}
