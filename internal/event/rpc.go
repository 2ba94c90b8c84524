package event

import (
	"time"

	"yangvault/internal/config"
	"yangvault/internal/errcode"
	"yangvault/internal/shmreg"
	"yangvault/internal/shmsync"
	"yangvault/internal/yang"
)

// RpcSlotPath names the multi-subscriber slot of one RPC/action path.
func RpcSlotPath(paths config.Paths, module, opPath string) string {
	return paths.SubSlotPath(module, "rpc", shmreg.XPathHash(opPath))
}

// CallRpc dispatches an RPC/action to its subscribers in descending
// priority bands. Each band receives the (possibly updated) output of the
// previous one as its input, so handlers chain; the final output tree is
// returned.
func (p *Publisher) CallRpc(module, opPath string, subs []shmreg.ChangeSubDef,
	input []*yang.Node, sid uint32, timeout time.Duration) ([]*yang.Node, error) {

	chain := bands(subs, nil)
	if len(chain) == 0 {
		return nil, errcode.New(errcode.NotFound, "no subscriber for RPC").WithXPath(opPath)
	}

	slot, err := OpenSlot(RpcSlotPath(p.Paths, module, opPath), true)
	if err != nil {
		return nil, err
	}
	defer slot.Close()

	current := input
	for _, b := range chain {
		payload, err := encode(RpcPayload{OpPath: opPath, Input: current})
		if err != nil {
			return nil, err
		}
		reply, err := p.rpcBand(slot, b, sid, payload, timeout)
		if err != nil {
			return nil, err
		}
		if reply.Edit != nil {
			current = reply.Edit
		}
	}
	return current, nil
}

func (p *Publisher) rpcBand(slot *Slot, b band, sid uint32, payload []byte,
	timeout time.Duration) (ReplyPayload, error) {

	deadline := time.Now().Add(timeout)
	if err := slot.Lock(shmsync.Write, deadline); err != nil {
		return ReplyPayload{}, err
	}
	reqID, _, _, _, _ := slot.Header()
	err := slot.WriteEvent(reqID+1, Rpc, sid, b.priority, uint32(len(b.subs)), payload)
	slot.Unlock(shmsync.Write)
	if err != nil {
		return ReplyPayload{}, err
	}
	for _, s := range b.subs {
		if err := Kick(p.Paths, s.Evpipe); err != nil {
			p.Logger.Warn("evpipe kick failed", "evpipe", s.Evpipe, "err", err)
		}
	}

	final, err := slot.AwaitTerminal(Rpc, deadline)
	if err != nil {
		if lockErr := slot.Lock(shmsync.Write, time.Now().Add(time.Second)); lockErr == nil {
			if slot.EventCode() == Rpc {
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
	if lockErr := slot.Lock(shmsync.Write, time.Now().Add(time.Second)); lockErr == nil {
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
	}
	return ReplyPayload{}, nil
}
