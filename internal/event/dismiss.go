package event

import (
	"time"

	"yangvault/internal/shmsync"
)

// Dismiss stamps an in-flight listener event in the slot as an empty
// Success so the originator does not block on a subscriber that is going
// away. Called by subscription removal before the record is freed.
func Dismiss(slotPath string, multi bool) error {
	slot, err := OpenSlot(slotPath, multi)
	if err != nil {
		return err
	}
	defer slot.Close()

	if err := slot.Lock(shmsync.Write, time.Now().Add(time.Second)); err != nil {
		return err
	}
	defer slot.Unlock(shmsync.Write)

	if code := slot.EventCode(); code.Listener() {
		if remaining := slot.DecrementSubs(); remaining == 0 || remaining > 1<<31 {
			// Last (or only) addressee: flip to an empty success.
			reqID, _, sid, prio, _ := slot.Header()
			if err := slot.WriteEvent(reqID, Success, sid, prio, 0, nil); err != nil {
				return err
			}
		}
	}
	return nil
}
