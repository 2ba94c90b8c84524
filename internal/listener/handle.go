package listener

import (
	"errors"
	"time"

	"yangvault/internal/config"
	"yangvault/internal/errcode"
	"yangvault/internal/event"
	"yangvault/internal/shmsync"
)

// slotLockTimeout bounds listener-side slot lock waits.
const slotLockTimeout = 2 * time.Second

// processSub peeks a subscription's slot and, when a new listener event
// addressed to it is pending, runs the callback and publishes the reply.
func (c *Context) processSub(s *sub) error {
	if s.slot == nil {
		return nil
	}
	if err := s.slot.Lock(shmsync.Read, time.Now().Add(slotLockTimeout)); err != nil {
		return err
	}
	reqID, code, _, priority, _ := s.slot.Header()
	s.slot.Unlock(shmsync.Read)

	if !code.Listener() {
		return nil
	}
	c.mu.Lock()
	seen := c.lastSeen[seenKey(s)]
	c.mu.Unlock()
	if seen == reqID {
		return nil
	}
	if !eventForSub(s, code) {
		return nil
	}
	// Priority banding: Update/Change/Rpc events address one band at a
	// time; other bands wait for their own event. Done and Abort are
	// combined events every subscriber consumes.
	if (code == event.Update || code == event.Change || code == event.Rpc) && priority != s.priority {
		return nil
	}

	if err := s.slot.Lock(shmsync.Write, time.Now().Add(slotLockTimeout)); err != nil {
		return err
	}
	defer s.slot.Unlock(shmsync.Write)

	// Re-check under the write lock: the event may have been consumed,
	// dismissed, or replaced.
	reqID2, code2, sid, priority2, _ := s.slot.Header()
	if reqID2 != reqID || code2 != code || priority2 != priority {
		return nil
	}

	payload, err := s.slot.Payload()
	if err != nil {
		return err
	}

	c.mu.Lock()
	c.lastSeen[seenKey(s)] = reqID
	c.mu.Unlock()

	switch code {
	case event.Update, event.Change, event.Done, event.Abort, event.Enabled:
		return c.handleChange(s, reqID, code, sid, priority, payload)
	case event.Oper:
		return c.handleOper(s, reqID, sid, payload)
	case event.Rpc:
		return c.handleRpc(s, reqID, sid, priority, payload)
	case event.Notif:
		return c.handleNotif(s, payload)
	}
	return nil
}

// seenKey identifies one subscription for request-id tracking.
func seenKey(s *sub) string {
	return s.slotPath + ":" + s.xpath + ":" + uitoa(s.priority)
}

func uitoa(v uint32) string {
	if v == 0 {
		return "0"
	}
	var b [10]byte
	i := len(b)
	for v > 0 {
		i--
		b[i] = byte('0' + v%10)
		v /= 10
	}
	return string(b[i:])
}

func eventForSub(s *sub, code event.Code) bool {
	switch code {
	case event.Update:
		return s.kind == event.Change && s.opts&config.SubUpdate != 0
	case event.Change:
		return s.kind == event.Change && s.opts&config.SubDoneOnly == 0
	case event.Done, event.Abort, event.Enabled:
		return s.kind == event.Change
	case event.Oper:
		return s.kind == event.Oper
	case event.Rpc:
		return s.kind == event.Rpc
	case event.Notif:
		return s.kind == event.Notif
	}
	return false
}

// handleChange runs the change callback. Update and Change events reply
// through the fan-in counter; Done and Abort are consumed silently.
func (c *Context) handleChange(s *sub, reqID uint32, code event.Code, sid, priority uint32, payload []byte) error {
	var change event.ChangePayload
	if err := decodePayload(payload, &change); err != nil {
		return err
	}

	edit, cbErr := s.changeCB(s.module, s.ds, code, change.Diff)

	switch code {
	case event.Done, event.Abort:
		// Fire-and-forget events: last consumer clears the slot.
		if s.slot.DecrementSubs() == 0 {
			s.slot.SetEvent(event.None)
		}
		return nil
	}

	if cbErr != nil {
		reply := event.ReplyPayload{Message: cbErr.Error()}
		var e *errcode.Error
		if asErr(cbErr, &e) && e.XPath != "" {
			reply.XPath = e.XPath
		}
		return c.reply(s, reqID, event.Error, sid, priority, reply)
	}
	if s.slot.DecrementSubs() == 0 {
		return c.writeReply(s, reqID, event.Success, sid, priority, event.ReplyPayload{Edit: edit})
	}
	return nil
}

func (c *Context) handleOper(s *sub, reqID uint32, sid uint32, payload []byte) error {
	var req event.OperPayload
	if err := decodePayload(payload, &req); err != nil {
		return err
	}
	forest, cbErr := s.operCB(s.module, s.xpath, req.RequestXPath, req.Parent)
	if cbErr != nil {
		return c.reply(s, reqID, event.Error, sid, 0, event.ReplyPayload{Message: cbErr.Error(), XPath: s.xpath})
	}
	return c.writeReply(s, reqID, event.Success, sid, 0, event.ReplyPayload{Edit: forest})
}

func (c *Context) handleRpc(s *sub, reqID uint32, sid, priority uint32, payload []byte) error {
	var req event.RpcPayload
	if err := decodePayload(payload, &req); err != nil {
		return err
	}
	output, cbErr := s.rpcCB(req.OpPath, req.Input)
	if cbErr != nil {
		return c.reply(s, reqID, event.Error, sid, priority, event.ReplyPayload{Message: cbErr.Error(), XPath: req.OpPath})
	}
	if s.slot.DecrementSubs() == 0 {
		return c.writeReply(s, reqID, event.Success, sid, priority, event.ReplyPayload{Edit: output})
	}
	return nil
}

func (c *Context) handleNotif(s *sub, payload []byte) error {
	var notif event.NotifPayload
	if err := decodePayload(payload, &notif); err != nil {
		return err
	}
	ts := time.Unix(notif.TS, 0)
	// Window check: a subscriber whose window excludes the timestamp
	// still consumes the fan-in token.
	inWindow := !ts.Before(s.startTime) && (s.stopTime.IsZero() || !ts.After(s.stopTime))
	if inWindow {
		s.notifCB(s.module, ts, notif.Tree, NotifRealtime)
	}
	if s.slot.DecrementSubs() == 0 {
		s.slot.SetEvent(event.None)
	}
	return nil
}

// reply publishes an Error reply immediately, regardless of remaining
// band members: the originator aborts on first error.
func (c *Context) reply(s *sub, reqID uint32, code event.Code, sid, priority uint32, reply event.ReplyPayload) error {
	return c.writeReply(s, reqID, code, sid, priority, reply)
}

func (c *Context) writeReply(s *sub, reqID uint32, code event.Code, sid, priority uint32, reply event.ReplyPayload) error {
	buf, err := encodePayload(reply)
	if err != nil {
		return err
	}
	return s.slot.WriteEvent(reqID, code, sid, priority, 0, buf)
}

// finalizeElapsed completes notification subscriptions whose stop time
// passed: the record is removed and the holder learns through a
// Terminated delivery.
func (c *Context) finalizeElapsed() {
	now := time.Now()
	c.mu.Lock()
	var elapsed []*sub
	for _, s := range c.subs {
		if s.kind == event.Notif && !s.stopTime.IsZero() && now.After(s.stopTime) {
			elapsed = append(elapsed, s)
		}
	}
	c.mu.Unlock()

	for _, s := range elapsed {
		if err := c.unsubscribe(s); err != nil {
			c.recordErr(err)
			continue
		}
		s.notifCB(s.module, now, nil, NotifTerminated)
	}
}

func decodePayload(buf []byte, v any) error { return event.DecodePayload(buf, v) }
func encodePayload(v any) ([]byte, error)   { return event.EncodePayload(v) }

func asErr(err error, target **errcode.Error) bool {
	return errors.As(err, target)
}
