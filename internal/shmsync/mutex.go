// Package shmsync provides process-shared synchronization primitives
// living inside mapped segments: a futex-backed mutex, a condition
// variable, and a reader-writer lock with a read-upgradeable mode.
//
// All acquisitions are timed against a wall-clock deadline. A timeout
// yields errcode.TimeOut and never leaves partial lock state behind.
// Where the native futex wait is unavailable the primitives fall back to
// a trylock-and-backoff emulation that succeeds iff the native wait
// would succeed.
package shmsync

import (
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"

	"yangvault/internal/errcode"
)

// Mutex word states.
const (
	mutexFree       = 0
	mutexLocked     = 1
	mutexContended  = 2
	emulatedQuantum = 5 * time.Millisecond
)

// Mutex is a process-shared mutex over a 4-byte word in shared memory.
type Mutex struct {
	word *uint32
}

// NewMutex binds a mutex to the aligned word supplied by the segment.
func NewMutex(word *uint32) Mutex { return Mutex{word: word} }

// TryLock attempts a non-blocking acquisition.
func (m Mutex) TryLock() bool {
	return atomic.CompareAndSwapUint32(m.word, mutexFree, mutexLocked)
}

// Lock acquires the mutex, waiting until the wall-clock deadline.
func (m Mutex) Lock(deadline time.Time) error {
	if m.TryLock() {
		return nil
	}
	for {
		// Mark contended so the holder knows to wake us.
		v := atomic.LoadUint32(m.word)
		if v == mutexLocked && !atomic.CompareAndSwapUint32(m.word, mutexLocked, mutexContended) {
			continue
		}
		if v != mutexFree {
			if !futexWait(m.word, mutexContended, deadline) {
				return errcode.New(errcode.TimeOut, "mutex lock timed out")
			}
		}
		if atomic.CompareAndSwapUint32(m.word, mutexFree, mutexContended) {
			return nil
		}
	}
}

// Unlock releases the mutex and wakes one waiter if any queued.
func (m Mutex) Unlock() {
	if atomic.SwapUint32(m.word, mutexFree) == mutexContended {
		futexWake(m.word, 1)
	}
}

// emulatedWait polls word with capped exponential backoff until it moves
// away from expected or the deadline passes. The 5 ms quantum shrinks
// near the deadline so the emulation stays lossless.
func emulatedWait(word *uint32, expected uint32, deadline time.Time) bool {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 200 * time.Microsecond
	bo.MaxInterval = emulatedQuantum
	bo.MaxElapsedTime = 0 // the deadline governs
	for atomic.LoadUint32(word) == expected {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return false
		}
		d := bo.NextBackOff()
		if d > remaining {
			d = remaining
		}
		time.Sleep(d)
	}
	return true
}
