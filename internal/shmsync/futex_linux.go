//go:build linux

package shmsync

import (
	"sync/atomic"
	"time"
	"unsafe"

	"golang.org/x/sys/unix"
)

// Linux futex(2) operation codes. golang.org/x/sys/unix exposes SYS_FUTEX
// (the syscall number) but not these op-code values, so they are defined
// here directly from the kernel ABI (include/uapi/linux/futex.h).
const (
	FUTEX_WAIT = 0
	FUTEX_WAKE = 1
)

// futexWait blocks while *word == expected, until woken or the deadline
// passes. Returns false once the deadline has passed; true otherwise
// (woken, value changed, or spurious). Falls back to the emulated
// trylock-and-backoff wait on kernels without futex support.
func futexWait(word *uint32, expected uint32, deadline time.Time) bool {
	remaining := time.Until(deadline)
	if remaining <= 0 {
		return false
	}
	ts := unix.NsecToTimespec(remaining.Nanoseconds())
	_, _, errno := unix.Syscall6(unix.SYS_FUTEX,
		uintptr(unsafe.Pointer(word)),
		uintptr(FUTEX_WAIT),
		uintptr(expected),
		uintptr(unsafe.Pointer(&ts)),
		0, 0)
	switch errno {
	case 0, unix.EAGAIN, unix.EINTR:
		return true
	case unix.ETIMEDOUT:
		return !time.Now().After(deadline)
	case unix.ENOSYS:
		return emulatedWait(word, expected, deadline)
	}
	// Unexpected errno: degrade to the emulated wait rather than spin.
	return emulatedWait(word, expected, deadline)
}

// futexWake wakes up to n waiters on word.
func futexWake(word *uint32, n int) {
	_, _, errno := unix.Syscall6(unix.SYS_FUTEX,
		uintptr(unsafe.Pointer(word)),
		uintptr(FUTEX_WAKE),
		uintptr(n),
		0, 0, 0)
	_ = errno // wake of an emulated waiter is a no-op; pollers notice the store
	_ = atomic.LoadUint32(word)
}
