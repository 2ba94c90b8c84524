package shmsync

import (
	"sync/atomic"
	"time"

	"yangvault/internal/errcode"
)

// Cond is a process-shared condition variable over a 4-byte sequence
// word, paired with a shared Mutex by the caller.
type Cond struct {
	seq *uint32
}

// NewCond binds a condition variable to the aligned word.
func NewCond(seq *uint32) Cond { return Cond{seq: seq} }

// Wait atomically releases mu, blocks until a broadcast or the deadline,
// and reacquires mu before returning. Spurious wakeups are possible; the
// caller re-checks its predicate in a loop. TimeOut is returned with mu
// reacquired so the caller's unlock path stays uniform; the relock uses
// its own generous deadline, and its failure (a wedged lock structure)
// surfaces as Internal with mu NOT held.
func (c Cond) Wait(mu Mutex, deadline time.Time) error {
	seq := atomic.LoadUint32(c.seq)
	mu.Unlock()
	woken := futexWait(c.seq, seq, deadline)
	if err := mu.Lock(time.Now().Add(10 * time.Second)); err != nil {
		return errcode.Wrap(errcode.Internal, err, "condition relock failed")
	}
	if !woken {
		return errcode.New(errcode.TimeOut, "condition wait timed out")
	}
	return nil
}

// Broadcast wakes every current waiter.
func (c Cond) Broadcast() {
	atomic.AddUint32(c.seq, 1)
	futexWake(c.seq, 1<<30)
}
