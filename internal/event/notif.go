package event

import (
	"time"

	"yangvault/internal/config"
	"yangvault/internal/shmreg"
	"yangvault/internal/shmsync"
	"yangvault/internal/yang"
)

// NotifSlotPath names the multi-subscriber slot of a module's
// notification stream.
func NotifSlotPath(paths config.Paths, module string) string {
	return paths.SubSlotPath(module, "notif", 0)
}

// PublishNotif fans a notification out to a module's live notification
// subscribers. Suspended subscribers and those whose stop time precedes
// ts are skipped; start times are not checked here. Delivery is
// fire-and-forget (the full window check, replay and stop-time handling
// happen in the listener).
func (p *Publisher) PublishNotif(module string, subs []shmreg.NotifSubDef,
	tree []*yang.Node, ts time.Time, sid uint32) error {

	var live []shmreg.NotifSubDef
	for _, s := range subs {
		if s.Suspended {
			continue
		}
		if s.StopTS != 0 && ts.Unix() > s.StopTS {
			continue
		}
		live = append(live, s)
	}
	if len(live) == 0 {
		return nil
	}

	slot, err := OpenSlot(NotifSlotPath(p.Paths, module), true)
	if err != nil {
		return err
	}
	defer slot.Close()

	payload, err := encode(NotifPayload{TS: ts.Unix(), Tree: tree})
	if err != nil {
		return err
	}

	if err := slot.Lock(shmsync.Write, time.Now().Add(time.Second)); err != nil {
		return err
	}
	reqID, _, _, _, _ := slot.Header()
	err = slot.WriteEvent(reqID+1, Notif, sid, 0, uint32(len(live)), payload)
	slot.Unlock(shmsync.Write)
	if err != nil {
		return err
	}
	for _, s := range live {
		if err := Kick(p.Paths, s.Evpipe); err != nil {
			p.Logger.Warn("notif kick failed", "evpipe", s.Evpipe, "err", err)
		}
	}
	return nil
}
