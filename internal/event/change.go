package event

import (
	"log/slog"
	"sort"
	"time"

	"yangvault/internal/config"
	"yangvault/internal/errcode"
	"yangvault/internal/logging"
	"yangvault/internal/shmreg"
	"yangvault/internal/shmsync"
	"yangvault/internal/yang"
)

// Publisher drives the originator side of the slot protocols.
type Publisher struct {
	Paths  config.Paths
	Logger *slog.Logger
}

// NewPublisher creates a publisher with a scoped logger.
func NewPublisher(paths config.Paths, logger *slog.Logger) *Publisher {
	return &Publisher{Paths: paths, Logger: logging.Default(logger).With("component", "event")}
}

// ChangeSlotPath names the multi-subscriber slot shared by a module's
// change subscriptions on one datastore.
func ChangeSlotPath(paths config.Paths, module string, ds config.Datastore) string {
	return paths.SubSlotPath(module, ds.String(), 0)
}

// band groups subscribers sharing a priority value.
type band struct {
	priority uint32
	subs     []shmreg.ChangeSubDef
}

// bands splits subscriptions into descending-priority bands, keeping
// only those accepted by keep.
func bands(subs []shmreg.ChangeSubDef, keep func(shmreg.ChangeSubDef) bool) []band {
	byPrio := make(map[uint32][]shmreg.ChangeSubDef)
	for _, s := range subs {
		if keep != nil && !keep(s) {
			continue
		}
		byPrio[s.Priority] = append(byPrio[s.Priority], s)
	}
	out := make([]band, 0, len(byPrio))
	for prio, members := range byPrio {
		out = append(out, band{priority: prio, subs: members})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].priority > out[j].priority })
	return out
}

// relevantSubs drops subscriptions whose xpath filter is statically
// disjoint from every diff root.
func relevantSubs(subs []shmreg.ChangeSubDef, diff []*yang.Node) []shmreg.ChangeSubDef {
	var out []shmreg.ChangeSubDef
	for _, s := range subs {
		if s.XPath == "" || diffTouches(s.XPath, diff) {
			out = append(out, s)
		}
	}
	return out
}

func diffTouches(xpath string, diff []*yang.Node) bool {
	p, err := yang.ParsePath(xpath)
	if err != nil {
		return true // unparseable filter: deliver rather than drop
	}
	for _, root := range diff {
		rp := yang.Path{Steps: []yang.Step{{Module: root.Module, Name: root.Name, Preds: root.Keys}}}
		if !p.Disjoint(rp) {
			return true
		}
	}
	return false
}

// NotifyUpdate runs the update phase: subscribers holding SubUpdate see
// the diff first, in descending priority bands, and may reply with an
// update-edit that is merged into the transaction. Returns the collected
// edits in delivery order.
func (p *Publisher) NotifyUpdate(module string, ds config.Datastore, subs []shmreg.ChangeSubDef,
	sid uint32, diff []*yang.Node, timeout time.Duration) ([][]*yang.Node, error) {

	subs = relevantSubs(subs, diff)
	updBands := bands(subs, func(s shmreg.ChangeSubDef) bool {
		return config.SubOptions(s.Opts)&config.SubUpdate != 0
	})
	if len(updBands) == 0 {
		return nil, nil
	}

	slot, err := OpenSlot(ChangeSlotPath(p.Paths, module, ds), true)
	if err != nil {
		return nil, err
	}
	defer slot.Close()

	payload, err := encode(ChangePayload{DS: int(ds), Diff: diff})
	if err != nil {
		return nil, err
	}

	var edits [][]*yang.Node
	for _, b := range updBands {
		reply, err := p.notifyBand(slot, Update, sid, b, payload, timeout)
		if err != nil {
			return nil, err
		}
		if len(reply.Edit) > 0 {
			edits = append(edits, reply.Edit)
		}
	}
	return edits, nil
}

// NotifyChange runs the change phase. On a callback error the already
// notified bands (the failed priority and above) receive Abort, and the
// subscriber's error is returned as CallbackFailed.
func (p *Publisher) NotifyChange(module string, ds config.Datastore, subs []shmreg.ChangeSubDef,
	sid uint32, diff []*yang.Node, timeout time.Duration) error {

	subs = relevantSubs(subs, diff)
	chBands := bands(subs, func(s shmreg.ChangeSubDef) bool {
		return config.SubOptions(s.Opts)&config.SubDoneOnly == 0
	})
	if len(chBands) == 0 {
		return nil
	}

	slot, err := OpenSlot(ChangeSlotPath(p.Paths, module, ds), true)
	if err != nil {
		return err
	}
	defer slot.Close()

	payload, err := encode(ChangePayload{DS: int(ds), Diff: diff})
	if err != nil {
		return err
	}

	for i, b := range chBands {
		if _, err := p.notifyBand(slot, Change, sid, b, payload, timeout); err != nil {
			// Abort everyone who already saw Change: bands [0, i].
			p.fireAndForget(slot, Abort, sid, chBands[:i+1], payload)
			return err
		}
	}
	return nil
}

// NotifyDone completes the protocol; NotifyAbort cancels it. Both are
// fire-and-forget.
func (p *Publisher) NotifyDone(module string, ds config.Datastore, subs []shmreg.ChangeSubDef,
	sid uint32, diff []*yang.Node) {
	p.finishPhase(module, ds, subs, sid, diff, Done)
}

func (p *Publisher) NotifyAbort(module string, ds config.Datastore, subs []shmreg.ChangeSubDef,
	sid uint32, diff []*yang.Node) {
	p.finishPhase(module, ds, subs, sid, diff, Abort)
}

func (p *Publisher) finishPhase(module string, ds config.Datastore, subs []shmreg.ChangeSubDef,
	sid uint32, diff []*yang.Node, code Code) {

	subs = relevantSubs(subs, diff)
	all := bands(subs, nil)
	if len(all) == 0 {
		return
	}
	slot, err := OpenSlot(ChangeSlotPath(p.Paths, module, ds), true)
	if err != nil {
		p.Logger.Warn("done/abort slot open failed", "module", module, "err", err)
		return
	}
	defer slot.Close()
	payload, err := encode(ChangePayload{DS: int(ds), Diff: diff})
	if err != nil {
		p.Logger.Warn("done/abort payload encode failed", "module", module, "err", err)
		return
	}
	p.fireAndForget(slot, code, sid, all, payload)
}

// notifyBand writes one event for one priority band, kicks the band's
// pipes, and waits for the fan-in to reach a terminal code.
func (p *Publisher) notifyBand(slot *Slot, code Code, sid uint32, b band,
	payload []byte, timeout time.Duration) (ReplyPayload, error) {

	deadline := time.Now().Add(timeout)
	if err := slot.Lock(shmsync.Write, deadline); err != nil {
		return ReplyPayload{}, err
	}
	reqID, _, _, _, _ := slot.Header()
	reqID++
	if err := slot.WriteEvent(reqID, code, sid, b.priority, uint32(len(b.subs)), payload); err != nil {
		slot.Unlock(shmsync.Write)
		return ReplyPayload{}, err
	}
	slot.Unlock(shmsync.Write)

	for _, s := range b.subs {
		if err := Kick(p.Paths, s.Evpipe); err != nil {
			p.Logger.Warn("evpipe kick failed", "evpipe", s.Evpipe, "err", err)
		}
	}

	final, err := slot.AwaitTerminal(code, deadline)
	if err != nil {
		// Mark the event dead so stragglers stop processing it.
		if lockErr := slot.Lock(shmsync.Write, time.Now().Add(time.Second)); lockErr == nil {
			if slot.EventCode() == code {
				slot.SetEvent(None)
			}
			slot.Unlock(shmsync.Write)
		}
		return ReplyPayload{}, err
	}

	if err := slot.Lock(shmsync.Read, time.Now().Add(time.Second)); err != nil {
		return ReplyPayload{}, err
	}
	buf, payloadErr := slot.Payload()
	slot.Unlock(shmsync.Read)
	if payloadErr != nil {
		return ReplyPayload{}, payloadErr
	}

	// Consume the terminal state so the next band starts clean.
	if err := slot.Lock(shmsync.Write, time.Now().Add(time.Second)); err == nil {
		slot.SetEvent(None)
		slot.Unlock(shmsync.Write)
	}

	switch final {
	case Success:
		var reply ReplyPayload
		if err := decode(buf, &reply); err != nil {
			return ReplyPayload{}, err
		}
		return reply, nil
	case Error:
		return ReplyPayload{}, replyError(buf)
	case None:
		// Cleared to None while in flight: treated as an empty success.
		return ReplyPayload{}, nil
	}
	return ReplyPayload{}, errcode.New(errcode.Internal, "slot left in %v", final)
}

// fireAndForget writes one combined event covering every subscriber of
// the given bands and does not wait for replies; the last consumer
// clears the slot. Done and Abort are not priority-ordered.
func (p *Publisher) fireAndForget(slot *Slot, code Code, sid uint32, bs []band, payload []byte) {
	total := uint32(0)
	for _, b := range bs {
		total += uint32(len(b.subs))
	}
	if total == 0 {
		return
	}
	if err := slot.Lock(shmsync.Write, time.Now().Add(time.Second)); err != nil {
		p.Logger.Warn("fire-and-forget lock failed", "err", err)
		return
	}
	reqID, _, _, _, _ := slot.Header()
	if err := slot.WriteEvent(reqID+1, code, sid, 0, total, payload); err != nil {
		p.Logger.Warn("fire-and-forget write failed", "err", err)
	}
	slot.Unlock(shmsync.Write)
	for _, b := range bs {
		for _, s := range b.subs {
			_ = Kick(p.Paths, s.Evpipe)
		}
	}
}
