package shmreg

import (
	"hash/fnv"

	"yangvault/internal/config"
	"yangvault/internal/errcode"
)

// Subscription mutation. Callers hold main Write (or ReadUpgr upgraded)
// and remap Write: every add may grow ext.

// XPathHash keys an operational subscription's shared-memory slot file.
func XPathHash(xpath string) uint32 {
	h := fnv.New32a()
	h.Write([]byte(xpath))
	return h.Sum32()
}

// ChangeSubs lists a module's change subscriptions for one datastore.
func (m Mod) ChangeSubs(ds config.Datastore) ([]ChangeSubDef, error) {
	hdr := m.Off + modChangeSubsOff + uint64(ds)*changeSubsHdr
	return m.r.readChangeSubs(m.r.Main.Uint64(hdr), m.r.Main.Uint32(hdr+8))
}

// ChangeSubAdd inserts a change subscription keyed by (ds, xpath,
// priority, evpipe). Duplicate keys are rejected.
func (m Mod) ChangeSubAdd(ds config.Datastore, sub ChangeSubDef) error {
	hdr := m.Off + modChangeSubsOff + uint64(ds)*changeSubsHdr
	existing, err := m.ChangeSubs(ds)
	if err != nil {
		return err
	}
	for _, s := range existing {
		if s.XPath == sub.XPath && s.Priority == sub.Priority && s.Evpipe == sub.Evpipe {
			return errcode.New(errcode.Exists, "duplicate change subscription")
		}
	}
	count := m.r.Main.Uint32(hdr + 8)
	arrayOff := m.r.Main.Uint64(hdr)
	rec, err := m.r.Ext.AllocAdd(&arrayOff, count, changeSubSize, count, uint64(len(sub.XPath))+1)
	if err != nil {
		return err
	}
	if err := m.r.putChangeSub(rec, sub); err != nil {
		return err
	}
	m.r.Main.PutUint64(hdr, arrayOff)
	m.r.Main.PutUint32(hdr+8, count+1)
	return nil
}

// ChangeSubDel removes the change subscription with the given key.
// Returns whether the removed one was the last for this datastore.
func (m Mod) ChangeSubDel(ds config.Datastore, xpath string, priority, evpipe uint32) (last bool, err error) {
	hdr := m.Off + modChangeSubsOff + uint64(ds)*changeSubsHdr
	subs, err := m.ChangeSubs(ds)
	if err != nil {
		return false, err
	}
	for i, s := range subs {
		if s.XPath == xpath && s.Priority == priority && s.Evpipe == evpipe {
			arrayOff := m.r.Main.Uint64(hdr)
			m.r.Ext.AllocDel(&arrayOff, uint32(len(subs)), changeSubSize, uint32(i),
				dynStringSize(s.XPath))
			m.r.Main.PutUint64(hdr, arrayOff)
			m.r.Main.PutUint32(hdr+8, uint32(len(subs)-1))
			return len(subs) == 1, nil
		}
	}
	return false, errcode.New(errcode.NotFound, "change subscription not found")
}

// OperSubs lists a module's operational subscriptions.
func (m Mod) OperSubs() ([]OperSubDef, error) {
	arr := m.r.Main.Uint64(m.Off + modOperSubsOff)
	count := m.r.Main.Uint32(m.Off + modOperSubCnt)
	if arr == 0 || count == 0 {
		return nil, nil
	}
	out := make([]OperSubDef, count)
	for i := uint32(0); i < count; i++ {
		rec := arr + uint64(i)*operSubSize
		xp, err := m.r.Ext.StringAt(m.r.Ext.Uint64(rec))
		if err != nil {
			return nil, err
		}
		out[i] = OperSubDef{
			XPath:     xp,
			SubType:   OperSubType(m.r.Ext.Uint32(rec + 8)),
			Opts:      m.r.Ext.Uint32(rec + 12),
			Evpipe:    m.r.Ext.Uint32(rec + 16),
			CID:       m.r.Ext.Uint32(rec + 20),
			XPathHash: m.r.Ext.Uint32(rec + 24),
		}
	}
	return out, nil
}

// OperSubAdd inserts an operational subscription. One provider per xpath:
// a second subscription for the same path is rejected.
func (m Mod) OperSubAdd(sub OperSubDef) error {
	existing, err := m.OperSubs()
	if err != nil {
		return err
	}
	for _, s := range existing {
		if s.XPath == sub.XPath {
			return errcode.New(errcode.Exists, "operational provider already subscribed").WithXPath(sub.XPath)
		}
	}
	if sub.XPathHash == 0 {
		sub.XPathHash = XPathHash(sub.XPath)
	}
	count := m.r.Main.Uint32(m.Off + modOperSubCnt)
	arrayOff := m.r.Main.Uint64(m.Off + modOperSubsOff)
	rec, err := m.r.Ext.AllocAdd(&arrayOff, count, operSubSize, count, uint64(len(sub.XPath))+1)
	if err != nil {
		return err
	}
	xpOff, err := m.r.Ext.CopyString(sub.XPath)
	if err != nil {
		return err
	}
	m.r.Ext.PutUint64(rec, xpOff)
	m.r.Ext.PutUint32(rec+8, uint32(sub.SubType))
	m.r.Ext.PutUint32(rec+12, sub.Opts)
	m.r.Ext.PutUint32(rec+16, sub.Evpipe)
	m.r.Ext.PutUint32(rec+20, sub.CID)
	m.r.Ext.PutUint32(rec+24, sub.XPathHash)
	m.r.Main.PutUint64(m.Off+modOperSubsOff, arrayOff)
	m.r.Main.PutUint32(m.Off+modOperSubCnt, count+1)
	return nil
}

// OperSubDel removes the operational subscription for xpath+evpipe.
func (m Mod) OperSubDel(xpath string, evpipe uint32) error {
	subs, err := m.OperSubs()
	if err != nil {
		return err
	}
	for i, s := range subs {
		if s.XPath == xpath && s.Evpipe == evpipe {
			arrayOff := m.r.Main.Uint64(m.Off + modOperSubsOff)
			m.r.Ext.AllocDel(&arrayOff, uint32(len(subs)), operSubSize, uint32(i),
				dynStringSize(s.XPath))
			m.r.Main.PutUint64(m.Off+modOperSubsOff, arrayOff)
			m.r.Main.PutUint32(m.Off+modOperSubCnt, uint32(len(subs)-1))
			return nil
		}
	}
	return errcode.New(errcode.NotFound, "operational subscription not found").WithXPath(xpath)
}

// NotifSubs lists a module's notification subscriptions.
func (m Mod) NotifSubs() ([]NotifSubDef, error) {
	arr := m.r.Main.Uint64(m.Off + modNotifSubsOff)
	count := m.r.Main.Uint32(m.Off + modNotifSubCnt)
	if arr == 0 || count == 0 {
		return nil, nil
	}
	out := make([]NotifSubDef, count)
	for i := uint32(0); i < count; i++ {
		rec := arr + uint64(i)*notifSubSize
		out[i] = NotifSubDef{
			SubID:     m.r.Ext.Uint32(rec),
			Evpipe:    m.r.Ext.Uint32(rec + 4),
			CID:       m.r.Ext.Uint32(rec + 8),
			Suspended: m.r.Ext.Uint32(rec+12) != 0,
			StartTS:   int64(m.r.Ext.Uint64(rec + 16)),
			StopTS:    int64(m.r.Ext.Uint64(rec + 24)),
		}
	}
	return out, nil
}

// NotifSubAdd inserts a notification subscription keyed by its unique
// subscription id.
func (m Mod) NotifSubAdd(sub NotifSubDef) error {
	count := m.r.Main.Uint32(m.Off + modNotifSubCnt)
	arrayOff := m.r.Main.Uint64(m.Off + modNotifSubsOff)
	rec, err := m.r.Ext.AllocAdd(&arrayOff, count, notifSubSize, count, 0)
	if err != nil {
		return err
	}
	m.r.Ext.PutUint32(rec, sub.SubID)
	m.r.Ext.PutUint32(rec+4, sub.Evpipe)
	m.r.Ext.PutUint32(rec+8, sub.CID)
	suspended := uint32(0)
	if sub.Suspended {
		suspended = 1
	}
	m.r.Ext.PutUint32(rec+12, suspended)
	m.r.Ext.PutUint64(rec+16, uint64(sub.StartTS))
	m.r.Ext.PutUint64(rec+24, uint64(sub.StopTS))
	m.r.Main.PutUint64(m.Off+modNotifSubsOff, arrayOff)
	m.r.Main.PutUint32(m.Off+modNotifSubCnt, count+1)
	return nil
}

// NotifSubDel removes a notification subscription by id. Returns whether
// it was the module's last one.
func (m Mod) NotifSubDel(subID uint32) (last bool, err error) {
	subs, err := m.NotifSubs()
	if err != nil {
		return false, err
	}
	for i, s := range subs {
		if s.SubID == subID {
			arrayOff := m.r.Main.Uint64(m.Off + modNotifSubsOff)
			m.r.Ext.AllocDel(&arrayOff, uint32(len(subs)), notifSubSize, uint32(i), 0)
			m.r.Main.PutUint64(m.Off+modNotifSubsOff, arrayOff)
			m.r.Main.PutUint32(m.Off+modNotifSubCnt, uint32(len(subs)-1))
			return len(subs) == 1, nil
		}
	}
	return false, errcode.New(errcode.NotFound, "notification subscription %d not found", subID)
}

// NotifSubSetSuspended flips a notification subscription's suspended flag.
func (m Mod) NotifSubSetSuspended(subID uint32, suspended bool) error {
	arr := m.r.Main.Uint64(m.Off + modNotifSubsOff)
	count := m.r.Main.Uint32(m.Off + modNotifSubCnt)
	for i := uint32(0); i < count; i++ {
		rec := arr + uint64(i)*notifSubSize
		if m.r.Ext.Uint32(rec) == subID {
			v := uint32(0)
			if suspended {
				v = 1
			}
			m.r.Ext.PutUint32(rec+12, v)
			return nil
		}
	}
	return errcode.New(errcode.NotFound, "notification subscription %d not found", subID)
}

// FindRPC locates the RPC entry for an operation path.
func (r *Registry) FindRPC(opPath string) (int, *RPCDef, error) {
	rpcs, err := r.readRPCs()
	if err != nil {
		return -1, nil, err
	}
	for i := range rpcs {
		if rpcs[i].OpPath == opPath {
			return i, &rpcs[i], nil
		}
	}
	return -1, nil, nil
}

// RPCSubAdd registers an RPC/action subscription, creating the RPC entry
// when it is the path's first subscriber. The RPC arrays are rewritten
// wholesale: they are tiny and mutate rarely.
func (r *Registry) RPCSubAdd(opPath string, sub ChangeSubDef) error {
	rpcs, err := r.readRPCs()
	if err != nil {
		return err
	}
	found := false
	for i := range rpcs {
		if rpcs[i].OpPath != opPath {
			continue
		}
		for _, s := range rpcs[i].Subs {
			if s.XPath == sub.XPath && s.Priority == sub.Priority && s.Evpipe == sub.Evpipe {
				return errcode.New(errcode.Exists, "duplicate RPC subscription").WithXPath(opPath)
			}
		}
		rpcs[i].Subs = append(rpcs[i].Subs, sub)
		found = true
		break
	}
	if !found {
		rpcs = append(rpcs, RPCDef{OpPath: opPath, Subs: []ChangeSubDef{sub}})
	}
	r.creditRPCArrays()
	return r.writeRPCs(rpcs)
}

// RPCSubDel removes an RPC/action subscription; the RPC entry disappears
// with its last subscriber. Returns whether the entry was removed.
func (r *Registry) RPCSubDel(opPath, xpath string, priority, evpipe uint32) (entryRemoved bool, err error) {
	rpcs, err := r.readRPCs()
	if err != nil {
		return false, err
	}
	for i := range rpcs {
		if rpcs[i].OpPath != opPath {
			continue
		}
		for j, s := range rpcs[i].Subs {
			if s.XPath == xpath && s.Priority == priority && s.Evpipe == evpipe {
				rpcs[i].Subs = append(rpcs[i].Subs[:j], rpcs[i].Subs[j+1:]...)
				if len(rpcs[i].Subs) == 0 {
					rpcs = append(rpcs[:i], rpcs[i+1:]...)
					entryRemoved = true
				}
				r.creditRPCArrays()
				return entryRemoved, r.writeRPCs(rpcs)
			}
		}
	}
	return false, errcode.New(errcode.NotFound, "RPC subscription not found").WithXPath(opPath)
}

// creditRPCArrays charges the current RPC arrays to wasted before they
// are rewritten.
func (r *Registry) creditRPCArrays() {
	count := r.Main.Uint32(mainRpcCountOff)
	if arr := r.Main.Uint64(mainRpcsOff); arr != 0 {
		r.Ext.AddWasted(uint64(count) * rpcRecSize)
		for i := uint32(0); i < count; i++ {
			rec := arr + uint64(i)*rpcRecSize
			r.Ext.AddWasted(uint64(r.Ext.Uint32(rec+16)) * rpcSubSize)
		}
	}
}

func dynStringSize(s string) uint64 {
	if s == "" {
		return 0
	}
	return uint64(len(s)) + 1
}
