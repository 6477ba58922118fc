// Package backoff computes retry delays for fan-out jobs and client reconnects.
package backoff

import "time"

// Never is returned once a policy has run out of retries.
const Never time.Duration = 1<<63 - 1

// Policy retries Immediate times without waiting, then Fixed times after
// FixedDelay each, then gives up.
type Policy struct {
	Immediate  int
	Fixed      int
	FixedDelay time.Duration
}

// Jobs is the policy used by the fan-out queue: one immediate retry, then one
// after a second. A job therefore gets three attempts in total.
var Jobs = Policy{
	Immediate:  1,
	Fixed:      1,
	FixedDelay: time.Second,
}

// Attempts is the total number of attempts the policy allows, counting the first.
func (p Policy) Attempts() int {
	return 1 + p.Immediate + p.Fixed
}

// DelayAfter returns how long to wait after the given number of consecutive
// failures, or Never when no retry is left.
func (p Policy) DelayAfter(failures int) time.Duration {
	if failures <= 0 {
		panic("backoff: failures must be positive")
	}
	switch n := failures - 1; {
	case n < p.Immediate:
		return 0
	case n < p.Immediate+p.Fixed:
		return p.FixedDelay
	default:
		return Never
	}
}

// Schedule is an explicit list of delays; the last one repeats until
// MaxAttempts is reached. MaxAttempts <= 0 means retry forever.
type Schedule struct {
	Delays      []time.Duration
	MaxAttempts int
}

// Reconnect is the default client reconnect schedule.
var Reconnect = Schedule{
	Delays: []time.Duration{
		1 * time.Second,
		2 * time.Second,
		5 * time.Second,
		10 * time.Second,
		15 * time.Second,
		30 * time.Second,
	},
	MaxAttempts: 10,
}

// DelayAfter returns the wait before retry number attempt (1-based), or Never
// once the attempt exceeds MaxAttempts.
func (s Schedule) DelayAfter(attempt int) time.Duration {
	if attempt <= 0 {
		panic("backoff: attempt must be positive")
	}
	if s.MaxAttempts > 0 && attempt > s.MaxAttempts {
		return Never
	}
	if len(s.Delays) == 0 {
		return 0
	}
	if attempt > len(s.Delays) {
		return s.Delays[len(s.Delays)-1]
	}
	return s.Delays[attempt-1]
}
