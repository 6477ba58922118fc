package chat

import "github.com/jonboulle/clockwork"

// Clock schedules the timers used for debouncing, expiry and reconnect
// backoff. Components default to clockwork.NewRealClock().
type Clock = clockwork.Clock

// Timer is a cancellable scheduled callback.
type Timer = clockwork.Timer

func stopTimer(t Timer) {
	if t != nil {
		t.Stop()
	}
}
