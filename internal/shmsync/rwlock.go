package shmsync

import (
	"sync/atomic"
	"time"

	"yangvault/internal/errcode"
	"yangvault/internal/shm"
)

// RWLock shared-memory layout (16 bytes, 4-byte-aligned words):
//
//	+0  mutex word
//	+4  cond sequence word
//	+8  reader count
//	+12 upgrader flag
const RWLockSize = 16

// Mode selects how an RWLock is held.
type Mode int

const (
	// Read is a plain shared acquisition.
	Read Mode = iota
	// ReadUpgr is a shared acquisition that may later upgrade to Write.
	// At most one holder; other readers are unaffected.
	ReadUpgr
	// Write is the exclusive acquisition.
	Write
)

func (m Mode) String() string {
	switch m {
	case Read:
		return "read"
	case ReadUpgr:
		return "read-upgr"
	case Write:
		return "write"
	}
	return "mode?"
}

// RWLock is a process-shared reader-writer lock living in a segment.
// Readers bump the count under the mutex and release it; a writer waits
// on the condition while readers remain and holds the mutex through its
// critical section.
type RWLock struct {
	mu      Mutex
	cond    Cond
	readers *uint32
	upgr    *uint32
}

// AttachRWLock binds an RWLock to the 16-byte record at off.
func AttachRWLock(seg *shm.Seg, off uint64) (*RWLock, error) {
	muWord, err := seg.Word32(off)
	if err != nil {
		return nil, err
	}
	seqWord, err := seg.Word32(off + 4)
	if err != nil {
		return nil, err
	}
	readers, err := seg.Word32(off + 8)
	if err != nil {
		return nil, err
	}
	upgr, err := seg.Word32(off + 12)
	if err != nil {
		return nil, err
	}
	return &RWLock{mu: NewMutex(muWord), cond: NewCond(seqWord), readers: readers, upgr: upgr}, nil
}

// Lock acquires the lock in the given mode before the deadline.
func (l *RWLock) Lock(mode Mode, deadline time.Time) error {
	if err := l.mu.Lock(deadline); err != nil {
		return err
	}
	switch mode {
	case Read:
		atomic.AddUint32(l.readers, 1)
		l.mu.Unlock()
		return nil

	case ReadUpgr:
		for atomic.LoadUint32(l.upgr) != 0 {
			if err := l.cond.Wait(l.mu, deadline); err != nil {
				if errcode.KindOf(err) == errcode.TimeOut {
					l.mu.Unlock()
				}
				return err
			}
		}
		atomic.StoreUint32(l.upgr, 1)
		atomic.AddUint32(l.readers, 1)
		l.mu.Unlock()
		return nil

	case Write:
		for atomic.LoadUint32(l.readers) != 0 {
			if err := l.cond.Wait(l.mu, deadline); err != nil {
				if errcode.KindOf(err) == errcode.TimeOut {
					l.mu.Unlock()
				}
				return err
			}
		}
		// The mutex stays held for the whole write critical section.
		return nil
	}
	l.mu.Unlock()
	return errcode.New(errcode.InvalArg, "bad lock mode %d", mode)
}

// Unlock releases a lock held in the given mode.
func (l *RWLock) Unlock(mode Mode) {
	switch mode {
	case Read, ReadUpgr:
		deadline := time.Now().Add(10 * time.Second)
		// A failure here means the lock structure is corrupt; drop the
		// count anyway so readers cannot wedge writers forever.
		lockErr := l.mu.Lock(deadline)
		if atomic.AddUint32(l.readers, ^uint32(0)) == 0 {
			l.cond.Broadcast()
		}
		if mode == ReadUpgr {
			atomic.StoreUint32(l.upgr, 0)
			l.cond.Broadcast()
		}
		if lockErr == nil {
			l.mu.Unlock()
		}

	case Write:
		l.cond.Broadcast()
		l.mu.Unlock()
	}
}

// Upgrade converts a ReadUpgr hold into a Write hold. Only the single
// upgrader may call this. On timeout the caller still holds ReadUpgr.
func (l *RWLock) Upgrade(deadline time.Time) error {
	if err := l.mu.Lock(deadline); err != nil {
		return err
	}
	atomic.AddUint32(l.readers, ^uint32(0))
	for atomic.LoadUint32(l.readers) != 0 {
		if err := l.cond.Wait(l.mu, deadline); err != nil {
			atomic.AddUint32(l.readers, 1)
			if errcode.KindOf(err) == errcode.TimeOut {
				l.mu.Unlock()
			}
			return err
		}
	}
	// Mutex held: this is now a Write hold (upgr stays set; UnlockUpgraded
	// clears it, Downgrade returns to the ReadUpgr hold with it still set).
	return nil
}

// Downgrade converts a Write hold obtained through Upgrade back into the
// original ReadUpgr hold.
func (l *RWLock) Downgrade() {
	atomic.AddUint32(l.readers, 1)
	l.cond.Broadcast()
	l.mu.Unlock()
}

// UnlockUpgraded releases a Write hold obtained through Upgrade,
// clearing the upgrader flag.
func (l *RWLock) UnlockUpgraded() {
	atomic.StoreUint32(l.upgr, 0)
	l.cond.Broadcast()
	l.mu.Unlock()
}

// Readers returns the current reader count (diagnostics only).
func (l *RWLock) Readers() uint32 { return atomic.LoadUint32(l.readers) }
