package yamux

import (
	"time"
)

// isClosed checks if a signaling channel is closed.
func isClosed(channel <-chan struct{}) bool {
	select {
	case <-channel:
		return true
	default:
		return false
	}
}

// wasPopulatedWithTime checks if a time signaling channel was populated with
// a time value and drains it if so.
func wasPopulatedWithTime(channel <-chan time.Time) bool {
	select {
	case <-channel:
		return true
	default:
		return false
	}
}

// newStoppedTimer creates a new stopped and drained timer.
func newStoppedTimer() *time.Timer {
	timer := time.NewTimer(0)
	if !timer.Stop() {
		<-timer.C
	}
	return timer
}
