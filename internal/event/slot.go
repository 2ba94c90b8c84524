package event

import (
	"time"

	"yangvault/internal/errcode"
	"yangvault/internal/format"
	"yangvault/internal/shm"
	"yangvault/internal/shmsync"
)

// Subscription slot layout:
//
//	0   format header (4): type 's', FlagMultiSub for multi-subscriber
//	4   pad
//	8   rwlock (16)
//	24  requestID  uint32
//	28  event      uint32 (atomic; originators futex-wait on it)
//	32  origSID    uint32
//	36  priority   uint32 (multi only)
//	40  subCount   uint32 (atomic, multi only)
//	44  pad
//	48  dataLen    uint64
//	56  payload
const (
	slotLockOff     = 8
	slotReqIDOff    = 24
	slotEventOff    = 28
	slotSIDOff      = 32
	slotPriorityOff = 36
	slotSubCntOff   = 40
	slotDataLenOff  = 48
	SlotHdrSize     = 56

	slotInitialSize = 4096
)

// Slot is one process's mapping of a subscription slot file. Separate
// processes (or contexts) hold separate Slot instances over the same
// file; the embedded lock and the event word coordinate them.
type Slot struct {
	seg   *shm.Seg
	lock  *shmsync.RWLock
	event *uint32
	cnt   *uint32
}

// OpenSlot opens (creating if needed) a slot file.
func OpenSlot(path string, multi bool) (*Slot, error) {
	seg, err := shm.Open(path, format.TypeSubSlot, 0, slotInitialSize)
	if err != nil {
		return nil, errcode.Wrap(errcode.Sys, err, "open subscription slot %s", path)
	}
	s := &Slot{seg: seg}
	if multi {
		buf, err := seg.Bytes(0, format.HeaderSize)
		if err != nil {
			seg.Close()
			return nil, err
		}
		buf[3] |= format.FlagMultiSub
	}
	if s.lock, err = shmsync.AttachRWLock(seg, slotLockOff); err == nil {
		s.event, err = seg.Word32(slotEventOff)
	}
	if err == nil {
		s.cnt, err = seg.Word32(slotSubCntOff)
	}
	if err != nil {
		seg.Close()
		return nil, errcode.Wrap(errcode.Internal, err, "attach slot words")
	}
	return s, nil
}

// Close unmaps the slot.
func (s *Slot) Close() error { return s.seg.Close() }

// Lock acquires the slot lock.
func (s *Slot) Lock(mode shmsync.Mode, deadline time.Time) error {
	if err := s.lock.Lock(mode, deadline); err != nil {
		return err
	}
	// Another process may have grown the slot file for a large payload.
	if err := s.seg.Refresh(); err != nil {
		s.lock.Unlock(mode)
		return errcode.Wrap(errcode.Sys, err, "refresh slot mapping")
	}
	// Refresh can replace the mapping; re-resolve the words.
	var err error
	if s.lock, err = shmsync.AttachRWLock(s.seg, slotLockOff); err == nil {
		s.event, err = s.seg.Word32(slotEventOff)
	}
	if err == nil {
		s.cnt, err = s.seg.Word32(slotSubCntOff)
	}
	if err != nil {
		return errcode.Wrap(errcode.Internal, err, "re-attach slot words")
	}
	return nil
}

// Unlock releases the slot lock.
func (s *Slot) Unlock(mode shmsync.Mode) { s.lock.Unlock(mode) }

// Header reads the slot's fixed fields. Caller holds the lock.
func (s *Slot) Header() (reqID uint32, code Code, sid, priority, subCount uint32) {
	return s.seg.Uint32(slotReqIDOff),
		Code(s.seg.Uint32(slotEventOff)),
		s.seg.Uint32(slotSIDOff),
		s.seg.Uint32(slotPriorityOff),
		s.seg.Uint32(slotSubCntOff)
}

// WriteEvent publishes an event into the slot. Caller holds Write.
func (s *Slot) WriteEvent(reqID uint32, code Code, sid, priority, subCount uint32, payload []byte) error {
	need := uint64(SlotHdrSize + len(payload))
	if need > s.seg.Size() {
		if err := s.seg.Remap(need); err != nil {
			return errcode.Wrap(errcode.Sys, err, "grow slot")
		}
		var err error
		if s.lock, err = shmsync.AttachRWLock(s.seg, slotLockOff); err == nil {
			s.event, err = s.seg.Word32(slotEventOff)
		}
		if err == nil {
			s.cnt, err = s.seg.Word32(slotSubCntOff)
		}
		if err != nil {
			return errcode.Wrap(errcode.Internal, err, "re-attach slot words")
		}
	}
	s.seg.PutUint32(slotReqIDOff, reqID)
	s.seg.PutUint32(slotSIDOff, sid)
	s.seg.PutUint32(slotPriorityOff, priority)
	s.seg.PutUint32(slotSubCntOff, subCount)
	s.seg.PutUint64(slotDataLenOff, uint64(len(payload)))
	if len(payload) > 0 {
		buf, err := s.seg.Bytes(SlotHdrSize, uint64(len(payload)))
		if err != nil {
			return err
		}
		copy(buf, payload)
	}
	// The event store is the publication point; wake any waiter.
	s.SetEvent(code)
	return nil
}

// Payload returns a copy of the slot payload. Caller holds the lock.
func (s *Slot) Payload() ([]byte, error) {
	n := s.seg.Uint64(slotDataLenOff)
	if n == 0 {
		return nil, nil
	}
	buf, err := s.seg.Bytes(SlotHdrSize, n)
	if err != nil {
		return nil, err
	}
	out := make([]byte, n)
	copy(out, buf)
	return out, nil
}

// SetEvent atomically stores the event code and wakes waiters.
func (s *Slot) SetEvent(code Code) {
	storeEvent(s.event, uint32(code))
	shmsync.WakeWord(s.event)
}

// EventCode atomically loads the current event code.
func (s *Slot) EventCode() Code { return Code(loadEvent(s.event)) }

// DecrementSubs atomically decrements the fan-in counter, returning the
// remaining count. Payload writes made before the decrement are visible
// to the originator after the last one (the atomics order the accesses).
func (s *Slot) DecrementSubs() uint32 { return decCount(s.cnt) }

// AwaitTerminal blocks until the slot leaves the given listener event
// (the last subscriber flips it to Success/Error, or a dismissal stamps
// it) or the deadline passes.
func (s *Slot) AwaitTerminal(written Code, deadline time.Time) (Code, error) {
	if !shmsync.WaitWordChange(s.event, uint32(written), deadline) {
		return None, errcode.New(errcode.TimeOut, "no reply to %v event", written)
	}
	return s.EventCode(), nil
}
