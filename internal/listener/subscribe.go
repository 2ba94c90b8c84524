package listener

import (
	"time"

	"yangvault/internal/config"
	"yangvault/internal/datastore"
	"yangvault/internal/errcode"
	"yangvault/internal/event"
	"yangvault/internal/shmreg"
	"yangvault/internal/yang"
)

// SubscribeChange registers a change subscription on a module/datastore.
// With SubEnabled the current configuration is delivered immediately as a
// synthetic Enabled event before any real change can arrive.
func (c *Context) SubscribeChange(module string, ds config.Datastore, xpath string,
	priority uint32, opts config.SubOptions, cb ChangeCallback) error {

	if cb == nil {
		return errcode.New(errcode.InvalArg, "nil change callback")
	}
	s := &sub{
		kind: event.Change, module: module, ds: ds, xpath: xpath,
		priority: priority, opts: opts, changeCB: cb,
		slotPath: event.ChangeSlotPath(c.conn.Paths, module, ds),
	}

	if err := c.withRegLock(func() error {
		mod, err := c.conn.Reg.FindMod(module)
		if err != nil {
			return err
		}
		return mod.ChangeSubAdd(ds, shmreg.ChangeSubDef{
			XPath: xpath, Priority: priority, Opts: uint32(opts),
			Evpipe: c.Evpipe, CID: c.conn.CID,
		})
	}); err != nil {
		return err
	}

	if err := c.attachSlot(s, true); err != nil {
		c.rollbackChangeSub(s)
		return err
	}

	if opts&config.SubEnabled != 0 {
		current, err := datastore.Load(c.conn.Paths, module, ds)
		if err != nil {
			c.recordErr(err)
		} else if len(current) > 0 {
			enabledDiff := yang.Diff(nil, current)
			if _, err := cb(module, ds, event.Enabled, enabledDiff); err != nil {
				c.recordErr(errcode.Wrap(errcode.CallbackFailed, err, "enabled delivery"))
			}
		}
	}
	return nil
}

// SubscribeOper registers an operational provider for an xpath.
func (c *Context) SubscribeOper(module, xpath string, subType shmreg.OperSubType,
	opts config.SubOptions, cb OperCallback) error {

	if cb == nil {
		return errcode.New(errcode.InvalArg, "nil oper callback")
	}
	hash := shmreg.XPathHash(xpath)
	s := &sub{
		kind: event.Oper, module: module, xpath: xpath, xpathHash: hash,
		opts: opts, operCB: cb,
		slotPath: event.OperSlotPath(c.conn.Paths, module, hash),
	}

	if err := c.withRegLock(func() error {
		mod, err := c.conn.Reg.FindMod(module)
		if err != nil {
			return err
		}
		return mod.OperSubAdd(shmreg.OperSubDef{
			XPath: xpath, SubType: subType, Opts: uint32(opts),
			Evpipe: c.Evpipe, CID: c.conn.CID, XPathHash: hash,
		})
	}); err != nil {
		return err
	}

	if err := c.attachSlot(s, false); err != nil {
		if rbErr := c.withRegLock(func() error {
			mod, err := c.conn.Reg.FindMod(module)
			if err != nil {
				return err
			}
			return mod.OperSubDel(xpath, c.Evpipe)
		}); rbErr != nil {
			c.recordErr(rbErr)
		}
		return err
	}
	return nil
}

// SubscribeRpc registers an RPC/action handler.
func (c *Context) SubscribeRpc(module, opPath string, priority uint32, cb RpcCallback) error {
	if cb == nil {
		return errcode.New(errcode.InvalArg, "nil rpc callback")
	}
	s := &sub{
		kind: event.Rpc, module: module, opPath: opPath, xpath: opPath,
		priority: priority, rpcCB: cb,
		slotPath: event.RpcSlotPath(c.conn.Paths, module, opPath),
	}

	if err := c.withRegLock(func() error {
		return c.conn.Reg.RPCSubAdd(opPath, shmreg.ChangeSubDef{
			XPath: opPath, Priority: priority, Evpipe: c.Evpipe, CID: c.conn.CID,
		})
	}); err != nil {
		return err
	}

	if err := c.attachSlot(s, true); err != nil {
		if rbErr := c.withRegLock(func() error {
			_, e := c.conn.Reg.RPCSubDel(opPath, opPath, priority, c.Evpipe)
			return e
		}); rbErr != nil {
			c.recordErr(rbErr)
		}
		return err
	}
	return nil
}

// SubscribeNotif registers a notification subscription with an optional
// delivery window. A start time in the past triggers replay from the
// module's notification log (when the module has replay support) before
// live delivery; a stop time already elapsed completes immediately.
func (c *Context) SubscribeNotif(module string, start, stop time.Time, cb NotifCallback) (uint32, error) {
	if cb == nil {
		return 0, errcode.New(errcode.InvalArg, "nil notif callback")
	}
	now := time.Now()
	if !stop.IsZero() && stop.Before(now) && (start.IsZero() || stop.After(start)) {
		// Window already closed and nothing to replay forward to.
		if start.IsZero() {
			cb(module, now, nil, NotifTerminated)
			return 0, nil
		}
	}

	subID := c.conn.Reg.NextSubID()
	s := &sub{
		kind: event.Notif, module: module, subID: subID,
		startTime: start, stopTime: stop, notifCB: cb,
		slotPath: event.NotifSlotPath(c.conn.Paths, module),
	}

	var replaySupported bool
	if err := c.withRegLock(func() error {
		mod, err := c.conn.Reg.FindMod(module)
		if err != nil {
			return err
		}
		replaySupported = mod.ReplaySupport()
		def := shmreg.NotifSubDef{SubID: subID, Evpipe: c.Evpipe, CID: c.conn.CID}
		if !start.IsZero() {
			def.StartTS = start.Unix()
		}
		if !stop.IsZero() {
			def.StopTS = stop.Unix()
		}
		return mod.NotifSubAdd(def)
	}); err != nil {
		return 0, err
	}

	if err := c.attachSlot(s, true); err != nil {
		if rbErr := c.withRegLock(func() error {
			mod, err := c.conn.Reg.FindMod(module)
			if err != nil {
				return err
			}
			_, e := mod.NotifSubDel(subID)
			return e
		}); rbErr != nil {
			c.recordErr(rbErr)
		}
		return 0, err
	}

	// Replay: logged notifications from the start time, in order, then a
	// completion marker, then live events take over.
	if replaySupported && !start.IsZero() && start.Before(now) && c.nlog != nil {
		recs, err := c.nlog.Replay(module, start, stop)
		if err != nil {
			c.recordErr(err)
		} else {
			for _, rec := range recs {
				cb(module, rec.TS, rec.Tree, NotifReplay)
			}
			cb(module, now, nil, NotifReplayComplete)
		}
	}

	// A stop time already elapsed finalizes on the next worker pass; a
	// SubNoThread context finalizes here.
	if c.noThread {
		c.finalizeElapsed()
	}
	return subID, nil
}

// attachSlot opens the subscription's slot and registers the sub with
// the context.
func (c *Context) attachSlot(s *sub, multi bool) error {
	slot, err := event.OpenSlot(s.slotPath, multi)
	if err != nil {
		return err
	}
	s.slot = slot
	c.mu.Lock()
	c.subs = append(c.subs, s)
	c.mu.Unlock()
	return nil
}

func (c *Context) rollbackChangeSub(s *sub) {
	if err := c.withRegLock(func() error {
		mod, err := c.conn.Reg.FindMod(s.module)
		if err != nil {
			return err
		}
		_, e := mod.ChangeSubDel(s.ds, s.xpath, s.priority, c.Evpipe)
		return e
	}); err != nil {
		c.recordErr(err)
	}
}

// UnsubscribeChange removes a change subscription by its key.
func (c *Context) UnsubscribeChange(module string, ds config.Datastore, xpath string, priority uint32) error {
	return c.unsubscribeMatch(func(s *sub) bool {
		return s.kind == event.Change && s.module == module && s.ds == ds &&
			s.xpath == xpath && s.priority == priority
	})
}

// UnsubscribeOper removes an operational provider subscription.
func (c *Context) UnsubscribeOper(module, xpath string) error {
	return c.unsubscribeMatch(func(s *sub) bool {
		return s.kind == event.Oper && s.module == module && s.xpath == xpath
	})
}

// UnsubscribeRpc removes an RPC subscription.
func (c *Context) UnsubscribeRpc(module, opPath string, priority uint32) error {
	return c.unsubscribeMatch(func(s *sub) bool {
		return s.kind == event.Rpc && s.module == module && s.opPath == opPath && s.priority == priority
	})
}

// UnsubscribeNotif removes a notification subscription by id.
func (c *Context) UnsubscribeNotif(subID uint32) error {
	return c.unsubscribeMatch(func(s *sub) bool {
		return s.kind == event.Notif && s.subID == subID
	})
}

func (c *Context) unsubscribeMatch(match func(*sub) bool) error {
	c.mu.Lock()
	var target *sub
	for _, s := range c.subs {
		if match(s) {
			target = s
			break
		}
	}
	c.mu.Unlock()
	if target == nil {
		return errcode.New(errcode.NotFound, "no matching subscription")
	}
	return c.unsubscribe(target)
}

// unsubscribe dismisses any in-flight event for the subscription, then
// removes its record and slot attachment.
func (c *Context) unsubscribe(s *sub) error {
	if err := event.Dismiss(s.slotPath, s.kind != event.Oper); err != nil {
		c.recordErr(err)
	}

	err := c.withRegLock(func() error {
		switch s.kind {
		case event.Change:
			mod, err := c.conn.Reg.FindMod(s.module)
			if err != nil {
				return err
			}
			_, e := mod.ChangeSubDel(s.ds, s.xpath, s.priority, c.Evpipe)
			return e
		case event.Oper:
			mod, err := c.conn.Reg.FindMod(s.module)
			if err != nil {
				return err
			}
			return mod.OperSubDel(s.xpath, c.Evpipe)
		case event.Rpc:
			_, e := c.conn.Reg.RPCSubDel(s.opPath, s.opPath, s.priority, c.Evpipe)
			return e
		case event.Notif:
			mod, err := c.conn.Reg.FindMod(s.module)
			if err != nil {
				return err
			}
			_, e := mod.NotifSubDel(s.subID)
			return e
		}
		return nil
	})

	c.mu.Lock()
	for i, cur := range c.subs {
		if cur == s {
			c.subs = append(c.subs[:i], c.subs[i+1:]...)
			break
		}
	}
	c.mu.Unlock()
	if s.slot != nil {
		s.slot.Close()
		s.slot = nil
	}
	return err
}
