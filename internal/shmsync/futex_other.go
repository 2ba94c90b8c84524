//go:build !linux

package shmsync

import "time"

// Platforms without futexes use the emulated wait for everything.

func futexWait(word *uint32, expected uint32, deadline time.Time) bool {
	return emulatedWait(word, expected, deadline)
}

func futexWake(word *uint32, n int) {
	// Emulated waiters poll; the preceding store is their wakeup.
}
