package ep

import "time"

// Clock supplies the store's notion of time. Current returns seconds in a
// monotonic-ish relative domain used for staleness and expiry comparisons;
// Abs maps a relative stamp back to wall-clock time. Both are injected at
// construction so the core never touches OS clocks directly.
type Clock struct {
	Current func() uint32
	Abs     func(rel uint32) time.Time
}

// DefaultClock counts seconds since process start.
func DefaultClock() Clock {
	start := time.Now()
	return Clock{
		Current: func() uint32 {
			return uint32(time.Since(start) / time.Second)
		},
		Abs: func(rel uint32) time.Time {
			return start.Add(time.Duration(rel) * time.Second)
		},
	}
}
