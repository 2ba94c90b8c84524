package shmreg

import (
	"time"

	"yangvault/internal/config"
	"yangvault/internal/shmsync"
)

// Mod is a handle to one module record in the main segment. The handle is
// valid while the main mapping does not move, which the fixed main size
// guarantees between rebuilds.
type Mod struct {
	r   *Registry
	Off uint64
}

func (m Mod) Name() (string, error) {
	return m.r.Ext.StringAt(m.r.Main.Uint64(m.Off + modNameOff))
}

func (m Mod) Revision() (string, error) {
	return m.r.Ext.StringAt(m.r.Main.Uint64(m.Off + modRevOff))
}

func (m Mod) Features() ([]string, error) {
	return m.r.readStringArray(
		m.r.Main.Uint64(m.Off+modFeaturesOff),
		m.r.Main.Uint32(m.Off+modFeatureCntOff))
}

// Ver returns the module's data version counter.
func (m Mod) Ver() uint32 { return m.r.Main.Uint32(m.Off + modVerOff) }

// BumpVer increments the data version. Called by writers at commit time
// while holding the module's data write-lock; the version is non-zero by
// construction.
func (m Mod) BumpVer() uint32 {
	v := m.Ver() + 1
	if v == 0 {
		v = 1
	}
	m.r.Main.PutUint32(m.Off+modVerOff, v)
	return v
}

func (m Mod) ReplaySupport() bool {
	return m.r.Main.Uint32(m.Off+modFlagsOff)&modFlagReplay != 0
}

func (m Mod) SetReplaySupport(on bool) {
	flags := m.r.Main.Uint32(m.Off + modFlagsOff)
	if on {
		flags |= modFlagReplay
	} else {
		flags &^= modFlagReplay
	}
	m.r.Main.PutUint32(m.Off+modFlagsOff, flags)
}

func (m Mod) DataDeps() ([]DataDepDef, error) {
	arr := m.r.Main.Uint64(m.Off + modDataDepsOff)
	count := m.r.Main.Uint32(m.Off + modDataDepCntOff)
	if arr == 0 || count == 0 {
		return nil, nil
	}
	out := make([]DataDepDef, count)
	for i := uint32(0); i < count; i++ {
		rec := arr + uint64(i)*dataDepSize
		mod, err := m.r.Ext.StringAt(m.r.Ext.Uint64(rec))
		if err != nil {
			return nil, err
		}
		xp, err := m.r.Ext.StringAt(m.r.Ext.Uint64(rec + 8))
		if err != nil {
			return nil, err
		}
		out[i] = DataDepDef{
			Module: mod,
			XPath:  xp,
			InstID: m.r.Ext.Uint32(rec+16)&dataDepInstID != 0,
		}
	}
	return out, nil
}

func (m Mod) InvDeps() ([]string, error) {
	return m.r.readStringArray(
		m.r.Main.Uint64(m.Off+modInvDepsOff),
		m.r.Main.Uint32(m.Off+modInvDepCntOff))
}

func (m Mod) OpDeps() ([]OpDepDef, error) {
	arr := m.r.Main.Uint64(m.Off + modOpDepsOff)
	count := m.r.Main.Uint32(m.Off + modOpDepCntOff)
	if arr == 0 || count == 0 {
		return nil, nil
	}
	out := make([]OpDepDef, count)
	for i := uint32(0); i < count; i++ {
		rec := arr + uint64(i)*opDepSize
		xp, err := m.r.Ext.StringAt(m.r.Ext.Uint64(rec))
		if err != nil {
			return nil, err
		}
		in, err := m.r.readStringArray(m.r.Ext.Uint64(rec+16), m.r.Ext.Uint32(rec+24))
		if err != nil {
			return nil, err
		}
		out_, err := m.r.readStringArray(m.r.Ext.Uint64(rec+32), m.r.Ext.Uint32(rec+40))
		if err != nil {
			return nil, err
		}
		out[i] = OpDepDef{XPath: xp, Notif: m.r.Ext.Uint32(rec+8) != 0, InDeps: in, OutDeps: out_}
	}
	return out, nil
}

// DataLock returns the module's per-datastore reader-writer lock.
func (m Mod) DataLock(ds config.Datastore) (*shmsync.RWLock, error) {
	off := m.Off + modDSLocksOff + uint64(ds)*dsLockSize + dsLockRWOff
	return shmsync.AttachRWLock(m.r.Main, off)
}

// DSLockOwner returns the session and connection holding the datastore
// lock (NETCONF lock) and when it was taken; 0 when unlocked.
func (m Mod) DSLockOwner(ds config.Datastore) (sid, cid uint32, ts time.Time) {
	rec := m.Off + modDSLocksOff + uint64(ds)*dsLockSize
	sid = m.r.Main.Uint32(rec + dsLockSIDOff)
	cid = m.r.Main.Uint32(rec + dsLockCIDOff)
	if sec := int64(m.r.Main.Uint64(rec + dsLockTSOff)); sec != 0 {
		ts = time.Unix(sec, 0)
	}
	return sid, cid, ts
}

// SetDSLock records (or clears, with sid 0) the datastore lock owner.
func (m Mod) SetDSLock(ds config.Datastore, sid, cid uint32, ts time.Time) {
	rec := m.Off + modDSLocksOff + uint64(ds)*dsLockSize
	m.r.Main.PutUint32(rec+dsLockSIDOff, sid)
	m.r.Main.PutUint32(rec+dsLockCIDOff, cid)
	var sec uint64
	if sid != 0 {
		sec = uint64(ts.Unix())
	}
	m.r.Main.PutUint64(rec+dsLockTSOff, sec)
}

// WriteHolder returns the CID recorded as holding the data write-lock.
func (m Mod) WriteHolder(ds config.Datastore) uint32 {
	rec := m.Off + modDSLocksOff + uint64(ds)*dsLockSize
	return m.r.Main.Uint32(rec + dsLockWrCIDOff)
}

// SetWriteHolder stamps (or clears, with 0) the data write-lock holder.
// Called immediately after acquiring and before releasing the lock, so
// the recovery sweep can break locks wedged by a crashed process.
func (m Mod) SetWriteHolder(ds config.Datastore, cid uint32) {
	rec := m.Off + modDSLocksOff + uint64(ds)*dsLockSize
	m.r.Main.PutUint32(rec+dsLockWrCIDOff, cid)
}

// RecoverDataLock force-reinitializes a module's data lock after its
// write holder died: the lock words are zeroed back to their unlocked
// state. Caller holds main Write and has verified the holder is dead.
func (m Mod) RecoverDataLock(ds config.Datastore) error {
	rec := m.Off + modDSLocksOff + uint64(ds)*dsLockSize
	buf, err := m.r.Main.Bytes(rec, dsLockSize)
	if err != nil {
		return err
	}
	clear(buf)
	return nil
}

// Def reads the module's full definition (ext-resident parts included).
func (m Mod) Def() (*ModuleDef, error) {
	def := &ModuleDef{Ver: m.Ver(), Replay: m.ReplaySupport()}
	var err error
	if def.Name, err = m.Name(); err != nil {
		return nil, err
	}
	if def.Revision, err = m.Revision(); err != nil {
		return nil, err
	}
	if def.Features, err = m.Features(); err != nil {
		return nil, err
	}
	if def.DataDeps, err = m.DataDeps(); err != nil {
		return nil, err
	}
	if def.InvDeps, err = m.InvDeps(); err != nil {
		return nil, err
	}
	if def.OpDeps, err = m.OpDeps(); err != nil {
		return nil, err
	}
	for ds := 0; ds < config.DatastoreCount; ds++ {
		hdr := m.Off + modChangeSubsOff + uint64(ds)*changeSubsHdr
		subs, err := m.r.readChangeSubs(m.r.Main.Uint64(hdr), m.r.Main.Uint32(hdr+8))
		if err != nil {
			return nil, err
		}
		def.ChangeSubs[ds] = subs
	}
	if def.OperSubs, err = m.OperSubs(); err != nil {
		return nil, err
	}
	if def.NotifSubs, err = m.NotifSubs(); err != nil {
		return nil, err
	}
	return def, nil
}
