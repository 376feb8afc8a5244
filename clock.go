package questdb

import "time"

// Clock supplies the dispatcher's notion of time as monotonic microseconds.
// The loop reads it once per tick; tests substitute a manual clock.
type Clock interface {
	Micros() int64
}

type sysClock struct{}

func (sysClock) Micros() int64 {
	return time.Now().UnixMicro()
}
