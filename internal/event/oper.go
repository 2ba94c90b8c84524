package event

import (
	"time"

	"yangvault/internal/config"
	"yangvault/internal/shmreg"
	"yangvault/internal/shmsync"
	"yangvault/internal/yang"
)

// OperSlotPath names the single-subscriber slot of one operational
// provider, keyed by the hash of its xpath.
func OperSlotPath(paths config.Paths, module string, xpathHash uint32) string {
	return paths.SubSlotPath(module, "oper", xpathHash)
}

// PullOper asks every matching operational provider of a module for its
// subtree and returns the provided forests in subscription order. A
// provider whose xpath is statically disjoint from the request is
// skipped.
func (p *Publisher) PullOper(module string, subs []shmreg.OperSubDef, requestXPath string,
	parent []*yang.Node, sid uint32, opts config.OperOptions, timeout time.Duration) ([][]*yang.Node, error) {

	if opts&config.OperNoSubs != 0 {
		return nil, nil
	}
	reqPath, reqPathErr := yang.ParsePath(requestXPath)

	var results [][]*yang.Node
	for _, sub := range subs {
		if requestXPath != "" && reqPathErr == nil {
			if sp, err := yang.ParsePath(sub.XPath); err == nil && sp.Disjoint(reqPath) {
				continue
			}
		}
		switch sub.SubType {
		case shmreg.OperSubState:
			if opts&config.OperNoState != 0 {
				continue
			}
		case shmreg.OperSubConfig:
			if opts&config.OperNoConfig != 0 {
				continue
			}
		}

		forest, err := p.pullOne(module, sub, requestXPath, parent, sid, timeout)
		if err != nil {
			return nil, err
		}
		if forest != nil {
			results = append(results, forest)
		}
	}
	return results, nil
}

func (p *Publisher) pullOne(module string, sub shmreg.OperSubDef, requestXPath string,
	parent []*yang.Node, sid uint32, timeout time.Duration) ([]*yang.Node, error) {

	slot, err := OpenSlot(OperSlotPath(p.Paths, module, sub.XPathHash), false)
	if err != nil {
		return nil, err
	}
	defer slot.Close()

	payload, err := encode(OperPayload{XPath: sub.XPath, RequestXPath: requestXPath, Parent: parent})
	if err != nil {
		return nil, err
	}

	deadline := time.Now().Add(timeout)
	if err := slot.Lock(shmsync.Write, deadline); err != nil {
		return nil, err
	}
	reqID, _, _, _, _ := slot.Header()
	err = slot.WriteEvent(reqID+1, Oper, sid, 0, 1, payload)
	slot.Unlock(shmsync.Write)
	if err != nil {
		return nil, err
	}
	if err := Kick(p.Paths, sub.Evpipe); err != nil {
		return nil, err
	}

	final, err := slot.AwaitTerminal(Oper, deadline)
	if err != nil {
		if lockErr := slot.Lock(shmsync.Write, time.Now().Add(time.Second)); lockErr == nil {
			if slot.EventCode() == Oper {
				slot.SetEvent(None)
			}
			slot.Unlock(shmsync.Write)
		}
		return nil, err
	}

	if err := slot.Lock(shmsync.Read, time.Now().Add(time.Second)); err != nil {
		return nil, err
	}
	buf, payloadErr := slot.Payload()
	slot.Unlock(shmsync.Read)
	if payloadErr != nil {
		return nil, payloadErr
	}
	if lockErr := slot.Lock(shmsync.Write, time.Now().Add(time.Second)); lockErr == nil {
		slot.SetEvent(None)
		slot.Unlock(shmsync.Write)
	}

	switch final {
	case Success:
		var reply ReplyPayload
		if err := decode(buf, &reply); err != nil {
			return nil, err
		}
		return reply.Edit, nil
	case Error:
		return nil, replyError(buf)
	}
	return nil, nil
}
