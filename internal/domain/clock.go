package domain

import "github.com/jonboulle/clockwork"

// Clock is the package-level time source so tests can freeze time via
// SetClock. Production code uses the real clock.
var Clock = clockwork.NewRealClock()

// SetClock swaps the time source. Pass nil to reset to real time.
func SetClock(c clockwork.Clock) {
	if c == nil {
		Clock = clockwork.NewRealClock()
		return
	}
	Clock = c
}
