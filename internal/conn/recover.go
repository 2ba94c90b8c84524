package conn

import (
	"os"
	"time"

	"yangvault/internal/config"
	"yangvault/internal/errcode"
	"yangvault/internal/shmreg"
	"yangvault/internal/shmsync"
)

// Recovery sweep. Every engine entry point that takes a write or
// read-upgradeable lock on main calls Sweep first. The sweep is gated
// behind a rate limiter so hot entry points do not rescan the connection
// array continuously; forced sweeps (a caller just observed a wedged
// lock) bypass the limiter.
//
// The sweep is idempotent and observable only as "subscription
// disappeared". Every error except a lock timeout is swallowed and
// logged; LockTimeout propagates so a stuck lock stays visible.

// SweepNow takes the registry locks itself and forces one sweep; the
// entry point for explicit operator-driven recovery.
func (c *Conn) SweepNow() error {
	deadline := time.Now().Add(DefaultTimeout)
	if err := c.Reg.MainLock(shmsync.Write, deadline); err != nil {
		return err
	}
	defer c.Reg.MainUnlock(shmsync.Write)
	if err := c.Reg.RemapLock(shmsync.Write, deadline); err != nil {
		return err
	}
	defer c.Reg.RemapUnlock(shmsync.Write)
	return c.Sweep(true)
}

// Sweep scans for dead connections and reclaims their state. Caller
// holds main Write (or upgraded ReadUpgr) and remap Write.
func (c *Conn) Sweep(force bool) error {
	if !force && !c.sweepLim.Allow() {
		return nil
	}
	return c.sweepLocked(force)
}

func (c *Conn) sweepLocked(force bool) error {
	_ = force
	conns, err := c.Reg.ReadConns()
	if err != nil {
		return swallow(c, err)
	}
	for _, rec := range conns {
		if rec.CID == c.CID || Alive(c.Paths, rec.CID) {
			continue
		}
		c.logger.Info("recovering dead connection", "cid", rec.CID, "pid", rec.PID)
		if err := c.reclaimLocked(rec.CID); err != nil {
			if errcode.IsTimeout(err) {
				return err
			}
			if err := swallow(c, err); err != nil {
				return err
			}
		}
		for _, ep := range rec.Evpipes {
			_ = os.Remove(c.Paths.EvpipePath(ep))
		}
		if err := c.Reg.ConnDel(rec.CID); err != nil {
			if e := swallow(c, err); e != nil {
				return e
			}
		}
		_ = os.Remove(c.Paths.ConnLockPath(rec.CID))
	}
	return nil
}

// reclaimLocked drops every trace of one connection: datastore locks,
// wedged data write-locks, subscriptions of all four flavors, and stored
// operational diff contributions.
func (c *Conn) reclaimLocked(cid uint32) error {
	mods, err := c.Reg.Mods()
	if err != nil {
		return err
	}
	for _, m := range mods {
		name, err := m.Name()
		if err != nil {
			return err
		}
		for ds := config.Datastore(0); ds < config.DatastoreCount; ds++ {
			// NETCONF datastore locks held by the dead connection.
			if _, ownerCID, _ := m.DSLockOwner(ds); ownerCID == cid {
				m.SetDSLock(ds, 0, 0, zeroTime())
			}
			// A data write-lock wedged by the dead holder.
			if m.WriteHolder(ds) == cid {
				if err := m.RecoverDataLock(ds); err != nil {
					return err
				}
			}
			// Change subscriptions.
			subs, err := m.ChangeSubs(ds)
			if err != nil {
				return err
			}
			for _, s := range subs {
				if s.CID != cid {
					continue
				}
				if _, err := m.ChangeSubDel(ds, s.XPath, s.Priority, s.Evpipe); err != nil {
					return err
				}
			}
		}
		// Operational subscriptions.
		opers, err := m.OperSubs()
		if err != nil {
			return err
		}
		for _, s := range opers {
			if s.CID != cid {
				continue
			}
			if err := m.OperSubDel(s.XPath, s.Evpipe); err != nil {
				return err
			}
			_ = os.Remove(c.Paths.SubSlotPath(name, "oper", s.XPathHash))
		}
		// Notification subscriptions.
		notifs, err := m.NotifSubs()
		if err != nil {
			return err
		}
		for _, s := range notifs {
			if s.CID != cid {
				continue
			}
			if _, err := m.NotifSubDel(s.SubID); err != nil {
				return err
			}
		}
		// Stored operational diff contributions.
		if err := c.pruneOperDiff(name, cid); err != nil {
			return err
		}
	}

	// RPC subscriptions: every (rpc, sub) pair is inspected.
	rpcs := []shmreg.RPCDef{}
	if st, err := c.Reg.Snapshot(); err == nil {
		rpcs = st.RPCs
	}
	for i := range rpcs {
		for _, s := range rpcs[i].Subs {
			if s.CID != cid {
				continue
			}
			if _, err := c.Reg.RPCSubDel(rpcs[i].OpPath, s.XPath, s.Priority, s.Evpipe); err != nil {
				return err
			}
		}
	}
	return nil
}

func swallow(c *Conn, err error) error {
	if errcode.IsTimeout(err) {
		return err
	}
	c.logger.Warn("recovery sweep error", "err", err)
	return nil
}
