package core

import "time"

// MicroClock returns the current time in microseconds. The pool stamps
// entry release times with it and the eviction job compares those stamps
// against a deadline derived from the same clock, so any monotonic
// microsecond source works. Tests inject a manual clock to drive eviction
// deterministically.
type MicroClock func() int64

// SystemMicroClock reads the system clock in microseconds.
func SystemMicroClock() int64 {
	return time.Now().UnixMicro()
}
