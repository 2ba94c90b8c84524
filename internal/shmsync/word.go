package shmsync

import (
	"sync/atomic"
	"time"
)

// WaitWordChange blocks while *word == expected, until a WakeWord (or
// plain store observed by the emulated path) or the deadline. Returns
// false when the deadline passed with the word unchanged. Used by event
// originators waiting for a subscription slot to reach a terminal state.
func WaitWordChange(word *uint32, expected uint32, deadline time.Time) bool {
	for atomic.LoadUint32(word) == expected {
		if !futexWait(word, expected, deadline) {
			return atomic.LoadUint32(word) != expected
		}
	}
	return true
}

// WakeWord wakes every waiter on the word after the caller stored a new
// value.
func WakeWord(word *uint32) {
	futexWake(word, 1<<30)
}
