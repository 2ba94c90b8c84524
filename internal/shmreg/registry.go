package shmreg

import (
	"fmt"
	"sync/atomic"
	"time"

	"yangvault/internal/config"
	"yangvault/internal/errcode"
	"yangvault/internal/format"
	"yangvault/internal/shm"
	"yangvault/internal/shmsync"
)

// Registry is a process's attachment to the main and ext segments.
type Registry struct {
	Main *shm.Seg
	Ext  *shm.Ext

	mainLock *shmsync.RWLock
	remap    *shmsync.RWLock

	newCID    *uint32
	newSID    *uint32
	newSubID  *uint32
	newEvpipe *uint32
}

// Open attaches to (creating if necessary) the segment pair. A brand-new
// main segment is stamped with the ABI version; an existing one with a
// different version aborts the attach.
func Open(paths config.Paths) (*Registry, error) {
	main, err := shm.Open(paths.MainSegPath(), format.TypeMainSeg, mainFormatOff, MainHdrSize)
	if err != nil {
		return nil, errcode.Wrap(errcode.Sys, err, "open main segment")
	}
	switch v := main.Uint64(mainVerOff); v {
	case 0:
		main.PutUint64(mainVerOff, ShmVersion)
	case ShmVersion:
	default:
		main.Close()
		return nil, errcode.New(errcode.Unsupported,
			"main SHM version %d, compiled for %d", v, ShmVersion)
	}

	ext, err := shm.OpenExt(paths.ExtSegPath())
	if err != nil {
		main.Close()
		return nil, errcode.Wrap(errcode.Sys, err, "open ext segment")
	}

	r := &Registry{Main: main, Ext: ext}
	if r.mainLock, err = shmsync.AttachRWLock(main, mainLockOff); err == nil {
		r.remap, err = shmsync.AttachRWLock(main, extRemapLockOff)
	}
	if err == nil {
		r.newCID, err = main.Word32(mainNewCIDOff)
	}
	if err == nil {
		r.newSID, err = main.Word32(mainNewSIDOff)
	}
	if err == nil {
		r.newSubID, err = main.Word32(mainNewSubIDOff)
	}
	if err == nil {
		r.newEvpipe, err = main.Word32(mainNewEvpipeOff)
	}
	if err != nil {
		r.Close()
		return nil, errcode.Wrap(errcode.Internal, err, "attach segment locks")
	}
	return r, nil
}

// Close detaches both segments.
func (r *Registry) Close() error {
	var err error
	if r.Ext != nil {
		err = r.Ext.Close()
	}
	if r.Main != nil {
		if e := r.Main.Close(); e != nil && err == nil {
			err = e
		}
	}
	return err
}

// MainLock acquires the inner SHM state lock.
func (r *Registry) MainLock(mode shmsync.Mode, deadline time.Time) error {
	return r.mainLock.Lock(mode, deadline)
}

// MainUnlock releases the inner SHM state lock.
func (r *Registry) MainUnlock(mode shmsync.Mode) { r.mainLock.Unlock(mode) }

// RemapLock acquires the outer ext remap lock: Read while using mapped
// addresses, Write to grow or defragment. A mapping left behind by
// another process's growth is refreshed before the lock is granted;
// refreshing needs exclusivity, so a stale Read acquisition escalates to
// Write for the remap and retries.
func (r *Registry) RemapLock(mode shmsync.Mode, deadline time.Time) error {
	for {
		if err := r.remap.Lock(mode, deadline); err != nil {
			return err
		}
		stale, err := r.Ext.Stale()
		if err != nil {
			r.remap.Unlock(mode)
			return errcode.Wrap(errcode.Sys, err, "stat ext segment")
		}
		if !stale {
			return nil
		}
		if mode == shmsync.Write {
			if err := r.Ext.Refresh(); err != nil {
				r.remap.Unlock(mode)
				return errcode.Wrap(errcode.Sys, err, "refresh ext mapping")
			}
			return nil
		}
		// Stale under a read hold: take the write lock just for the
		// refresh, then come back for the requested mode.
		r.remap.Unlock(mode)
		if err := r.remap.Lock(shmsync.Write, deadline); err != nil {
			return err
		}
		refreshErr := r.Ext.Refresh()
		r.remap.Unlock(shmsync.Write)
		if refreshErr != nil {
			return errcode.Wrap(errcode.Sys, refreshErr, "refresh ext mapping")
		}
	}
}

// RemapUnlock releases the remap lock. Releasing a Write hold runs the
// defragmentation check: when the wasted share crossed the threshold the
// ext heap is rebuilt in place and truncated.
func (r *Registry) RemapUnlock(mode shmsync.Mode) {
	if mode == shmsync.Write && r.Ext.NeedsDefrag() {
		// Best effort: a failed defrag leaves the heap valid, only fat.
		_ = r.Defrag()
	}
	r.remap.Unlock(mode)
}

// ID allocators. CIDs and SIDs start at 1.

func (r *Registry) NextCID() uint32    { return atomic.AddUint32(r.newCID, 1) }
func (r *Registry) NextSID() uint32    { return atomic.AddUint32(r.newSID, 1) }
func (r *Registry) NextSubID() uint32  { return atomic.AddUint32(r.newSubID, 1) }
func (r *Registry) NextEvpipe() uint32 { return atomic.AddUint32(r.newEvpipe, 1) }

// ModCount returns the number of installed modules.
func (r *Registry) ModCount() uint32 { return r.Main.Uint32(mainModCountOff) }

// ModByIdx returns the handle of the idx-th module record.
func (r *Registry) ModByIdx(idx uint32) (Mod, error) {
	if idx >= r.ModCount() {
		return Mod{}, errcode.New(errcode.NotFound, "module index %d of %d", idx, r.ModCount())
	}
	return Mod{r: r, Off: MainHdrSize + uint64(idx)*ModRecSize}, nil
}

// FindMod locates a module record by name.
func (r *Registry) FindMod(name string) (Mod, error) {
	for i := uint32(0); i < r.ModCount(); i++ {
		m, err := r.ModByIdx(i)
		if err != nil {
			return Mod{}, err
		}
		n, err := m.Name()
		if err != nil {
			return Mod{}, err
		}
		if n == name {
			return m, nil
		}
	}
	return Mod{}, errcode.New(errcode.NotFound, "module %q is not installed", name)
}

// Mods returns handles for every installed module.
func (r *Registry) Mods() ([]Mod, error) {
	mods := make([]Mod, 0, r.ModCount())
	for i := uint32(0); i < r.ModCount(); i++ {
		m, err := r.ModByIdx(i)
		if err != nil {
			return nil, err
		}
		mods = append(mods, m)
	}
	return mods, nil
}

// Rebuild replaces the contents of both segments from the definition
// state. Caller holds main Write, remap Write, and — for the scheduled
// changes path — the exclusive file lock that guarantees no other
// attached connection.
func (r *Registry) Rebuild(st *State) error {
	if err := r.Main.Remap(MainHdrSize + uint64(len(st.Mods))*ModRecSize); err != nil {
		return errcode.Wrap(errcode.Sys, err, "resize main segment")
	}
	// Remapping may have moved the lock words and ID words.
	var err error
	if r.mainLock, err = shmsync.AttachRWLock(r.Main, mainLockOff); err != nil {
		return err
	}
	if r.remap, err = shmsync.AttachRWLock(r.Main, extRemapLockOff); err != nil {
		return err
	}
	if r.newCID, err = r.Main.Word32(mainNewCIDOff); err != nil {
		return err
	}
	if r.newSID, err = r.Main.Word32(mainNewSIDOff); err != nil {
		return err
	}
	if r.newSubID, err = r.Main.Word32(mainNewSubIDOff); err != nil {
		return err
	}
	if r.newEvpipe, err = r.Main.Word32(mainNewEvpipeOff); err != nil {
		return err
	}

	r.Ext.SetUsed(shm.ExtHdrSize)
	r.Ext.SetWasted(0)
	r.Main.PutUint32(mainModCountOff, uint32(len(st.Mods)))

	for i := range st.Mods {
		off := MainHdrSize + uint64(i)*ModRecSize
		if err := r.writeModRecord(off, &st.Mods[i]); err != nil {
			return err
		}
	}
	if err := r.writeRPCs(st.RPCs); err != nil {
		return err
	}
	if err := r.writeConns(st.Conns); err != nil {
		return err
	}
	return nil
}

// Defrag rebuilds the ext heap from a snapshot, leaving every live record
// resolving to the same bytes, then truncates the segment and resets the
// wasted counter. Caller holds remap Write (guaranteed by RemapUnlock).
func (r *Registry) Defrag() error {
	st, err := r.Snapshot()
	if err != nil {
		return err
	}
	r.Ext.SetUsed(shm.ExtHdrSize)
	r.Ext.SetWasted(0)
	for i := range st.Mods {
		off := MainHdrSize + uint64(i)*ModRecSize
		if err := r.writeModExt(off, &st.Mods[i]); err != nil {
			return err
		}
	}
	if err := r.writeRPCs(st.RPCs); err != nil {
		return err
	}
	if err := r.writeConns(st.Conns); err != nil {
		return err
	}
	return r.Ext.Remap(r.Ext.Used())
}

// writeModRecord initializes a full module record: zeroed locks, version,
// flags, then the ext-resident parts.
func (r *Registry) writeModRecord(off uint64, def *ModuleDef) error {
	rec, err := r.Main.Bytes(off, ModRecSize)
	if err != nil {
		return err
	}
	clear(rec)
	ver := def.Ver
	if ver == 0 {
		ver = 1
	}
	r.Main.PutUint32(off+modVerOff, ver)
	flags := uint32(0)
	if def.Replay {
		flags |= modFlagReplay
	}
	r.Main.PutUint32(off+modFlagsOff, flags)
	return r.writeModExt(off, def)
}

// writeModExt writes every ext-resident field of a module record and
// stores the offsets into main.
func (r *Registry) writeModExt(off uint64, def *ModuleDef) error {
	nameOff, err := r.Ext.CopyString(def.Name)
	if err != nil {
		return err
	}
	revOff, err := r.Ext.CopyString(def.Revision)
	if err != nil {
		return err
	}
	r.Main.PutUint64(off+modNameOff, nameOff)
	r.Main.PutUint64(off+modRevOff, revOff)

	featOff, err := r.writeStringArray(def.Features)
	if err != nil {
		return err
	}
	r.Main.PutUint64(off+modFeaturesOff, featOff)
	r.Main.PutUint32(off+modFeatureCntOff, uint32(len(def.Features)))

	depOff, err := r.writeDataDeps(def.DataDeps)
	if err != nil {
		return err
	}
	r.Main.PutUint64(off+modDataDepsOff, depOff)
	r.Main.PutUint32(off+modDataDepCntOff, uint32(len(def.DataDeps)))

	invOff, err := r.writeStringArray(def.InvDeps)
	if err != nil {
		return err
	}
	r.Main.PutUint64(off+modInvDepsOff, invOff)
	r.Main.PutUint32(off+modInvDepCntOff, uint32(len(def.InvDeps)))

	opOff, err := r.writeOpDeps(def.OpDeps)
	if err != nil {
		return err
	}
	r.Main.PutUint64(off+modOpDepsOff, opOff)
	r.Main.PutUint32(off+modOpDepCntOff, uint32(len(def.OpDeps)))

	for ds := 0; ds < config.DatastoreCount; ds++ {
		hdr := off + modChangeSubsOff + uint64(ds)*changeSubsHdr
		subsOff, err := r.writeChangeSubs(def.ChangeSubs[ds])
		if err != nil {
			return err
		}
		r.Main.PutUint64(hdr, subsOff)
		r.Main.PutUint32(hdr+8, uint32(len(def.ChangeSubs[ds])))
	}

	operOff, err := r.writeOperSubs(def.OperSubs)
	if err != nil {
		return err
	}
	r.Main.PutUint64(off+modOperSubsOff, operOff)
	r.Main.PutUint32(off+modOperSubCnt, uint32(len(def.OperSubs)))

	notifOff, err := r.writeNotifSubs(def.NotifSubs)
	if err != nil {
		return err
	}
	r.Main.PutUint64(off+modNotifSubsOff, notifOff)
	r.Main.PutUint32(off+modNotifSubCnt, uint32(len(def.NotifSubs)))
	return nil
}

func (r *Registry) writeStringArray(strs []string) (uint64, error) {
	if len(strs) == 0 {
		return 0, nil
	}
	arr, err := r.Ext.Alloc(uint64(len(strs)) * 8)
	if err != nil {
		return 0, err
	}
	for i, s := range strs {
		soff, err := r.Ext.CopyString(s)
		if err != nil {
			return 0, err
		}
		r.Ext.PutUint64(arr+uint64(i)*8, soff)
	}
	return arr, nil
}

func (r *Registry) readStringArray(arr uint64, count uint32) ([]string, error) {
	if arr == 0 || count == 0 {
		return nil, nil
	}
	out := make([]string, count)
	for i := uint32(0); i < count; i++ {
		s, err := r.Ext.StringAt(r.Ext.Uint64(arr + uint64(i)*8))
		if err != nil {
			return nil, err
		}
		out[i] = s
	}
	return out, nil
}

func (r *Registry) writeDataDeps(deps []DataDepDef) (uint64, error) {
	if len(deps) == 0 {
		return 0, nil
	}
	arr, err := r.Ext.Alloc(uint64(len(deps)) * dataDepSize)
	if err != nil {
		return 0, err
	}
	for i, d := range deps {
		modOff, err := r.Ext.CopyString(d.Module)
		if err != nil {
			return 0, err
		}
		xpOff, err := r.Ext.CopyString(d.XPath)
		if err != nil {
			return 0, err
		}
		rec := arr + uint64(i)*dataDepSize
		r.Ext.PutUint64(rec, modOff)
		r.Ext.PutUint64(rec+8, xpOff)
		flags := uint32(0)
		if d.InstID {
			flags |= dataDepInstID
		}
		r.Ext.PutUint32(rec+16, flags)
	}
	return arr, nil
}

func (r *Registry) writeOpDeps(deps []OpDepDef) (uint64, error) {
	if len(deps) == 0 {
		return 0, nil
	}
	arr, err := r.Ext.Alloc(uint64(len(deps)) * opDepSize)
	if err != nil {
		return 0, err
	}
	for i, d := range deps {
		xpOff, err := r.Ext.CopyString(d.XPath)
		if err != nil {
			return 0, err
		}
		inOff, err := r.writeStringArray(d.InDeps)
		if err != nil {
			return 0, err
		}
		outOff, err := r.writeStringArray(d.OutDeps)
		if err != nil {
			return 0, err
		}
		rec := arr + uint64(i)*opDepSize
		r.Ext.PutUint64(rec, xpOff)
		notif := uint32(0)
		if d.Notif {
			notif = 1
		}
		r.Ext.PutUint32(rec+8, notif)
		r.Ext.PutUint64(rec+16, inOff)
		r.Ext.PutUint32(rec+24, uint32(len(d.InDeps)))
		r.Ext.PutUint64(rec+32, outOff)
		r.Ext.PutUint32(rec+40, uint32(len(d.OutDeps)))
	}
	return arr, nil
}

func (r *Registry) writeChangeSubs(subs []ChangeSubDef) (uint64, error) {
	if len(subs) == 0 {
		return 0, nil
	}
	arr, err := r.Ext.Alloc(uint64(len(subs)) * changeSubSize)
	if err != nil {
		return 0, err
	}
	for i, s := range subs {
		if err := r.putChangeSub(arr+uint64(i)*changeSubSize, s); err != nil {
			return 0, err
		}
	}
	return arr, nil
}

func (r *Registry) putChangeSub(rec uint64, s ChangeSubDef) error {
	xpOff, err := r.Ext.CopyString(s.XPath)
	if err != nil {
		return err
	}
	r.Ext.PutUint64(rec, xpOff)
	r.Ext.PutUint32(rec+8, s.Priority)
	r.Ext.PutUint32(rec+12, s.Opts)
	r.Ext.PutUint32(rec+16, s.Evpipe)
	r.Ext.PutUint32(rec+20, s.CID)
	return nil
}

func (r *Registry) writeOperSubs(subs []OperSubDef) (uint64, error) {
	if len(subs) == 0 {
		return 0, nil
	}
	arr, err := r.Ext.Alloc(uint64(len(subs)) * operSubSize)
	if err != nil {
		return 0, err
	}
	for i, s := range subs {
		xpOff, err := r.Ext.CopyString(s.XPath)
		if err != nil {
			return 0, err
		}
		rec := arr + uint64(i)*operSubSize
		r.Ext.PutUint64(rec, xpOff)
		r.Ext.PutUint32(rec+8, uint32(s.SubType))
		r.Ext.PutUint32(rec+12, s.Opts)
		r.Ext.PutUint32(rec+16, s.Evpipe)
		r.Ext.PutUint32(rec+20, s.CID)
		r.Ext.PutUint32(rec+24, s.XPathHash)
	}
	return arr, nil
}

func (r *Registry) writeNotifSubs(subs []NotifSubDef) (uint64, error) {
	if len(subs) == 0 {
		return 0, nil
	}
	arr, err := r.Ext.Alloc(uint64(len(subs)) * notifSubSize)
	if err != nil {
		return 0, err
	}
	for i, s := range subs {
		rec := arr + uint64(i)*notifSubSize
		r.Ext.PutUint32(rec, s.SubID)
		r.Ext.PutUint32(rec+4, s.Evpipe)
		r.Ext.PutUint32(rec+8, s.CID)
		suspended := uint32(0)
		if s.Suspended {
			suspended = 1
		}
		r.Ext.PutUint32(rec+12, suspended)
		r.Ext.PutUint64(rec+16, uint64(s.StartTS))
		r.Ext.PutUint64(rec+24, uint64(s.StopTS))
	}
	return arr, nil
}

func (r *Registry) writeRPCs(rpcs []RPCDef) error {
	if len(rpcs) == 0 {
		r.Main.PutUint64(mainRpcsOff, 0)
		r.Main.PutUint32(mainRpcCountOff, 0)
		return nil
	}
	arr, err := r.Ext.Alloc(uint64(len(rpcs)) * rpcRecSize)
	if err != nil {
		return err
	}
	for i, rpc := range rpcs {
		pathOff, err := r.Ext.CopyString(rpc.OpPath)
		if err != nil {
			return err
		}
		subsOff, err := r.writeChangeSubs(rpc.Subs)
		if err != nil {
			return err
		}
		rec := arr + uint64(i)*rpcRecSize
		r.Ext.PutUint64(rec, pathOff)
		r.Ext.PutUint64(rec+8, subsOff)
		r.Ext.PutUint32(rec+16, uint32(len(rpc.Subs)))
	}
	r.Main.PutUint64(mainRpcsOff, arr)
	r.Main.PutUint32(mainRpcCountOff, uint32(len(rpcs)))
	return nil
}

func (r *Registry) writeConns(conns []ConnDef) error {
	if len(conns) == 0 {
		r.Main.PutUint64(mainConnsOff, 0)
		r.Main.PutUint32(mainConnCountOff, 0)
		return nil
	}
	arr, err := r.Ext.Alloc(uint64(len(conns)) * connRecSize)
	if err != nil {
		return err
	}
	for i, c := range conns {
		rec := arr + uint64(i)*connRecSize
		r.Ext.PutUint32(rec, c.CID)
		r.Ext.PutUint32(rec+4, c.PID)
		r.Ext.PutUint32(rec+8, c.Opts)
		var pipesOff uint64
		if len(c.Evpipes) > 0 {
			pipesOff, err = r.Ext.Alloc(uint64(len(c.Evpipes)) * 4)
			if err != nil {
				return err
			}
			for j, ep := range c.Evpipes {
				r.Ext.PutUint32(pipesOff+uint64(j)*4, ep)
			}
		}
		r.Ext.PutUint64(rec+16, pipesOff)
		r.Ext.PutUint32(rec+24, uint32(len(c.Evpipes)))
	}
	r.Main.PutUint64(mainConnsOff, arr)
	r.Main.PutUint32(mainConnCountOff, uint32(len(conns)))
	return nil
}

// Snapshot reads the full registry state out of shared memory.
func (r *Registry) Snapshot() (*State, error) {
	st := &State{}
	for i := uint32(0); i < r.ModCount(); i++ {
		m, err := r.ModByIdx(i)
		if err != nil {
			return nil, err
		}
		def, err := m.Def()
		if err != nil {
			return nil, fmt.Errorf("module %d: %w", i, err)
		}
		st.Mods = append(st.Mods, *def)
	}
	var err error
	if st.RPCs, err = r.readRPCs(); err != nil {
		return nil, err
	}
	if st.Conns, err = r.ReadConns(); err != nil {
		return nil, err
	}
	return st, nil
}

func (r *Registry) readRPCs() ([]RPCDef, error) {
	arr := r.Main.Uint64(mainRpcsOff)
	count := r.Main.Uint32(mainRpcCountOff)
	if arr == 0 || count == 0 {
		return nil, nil
	}
	out := make([]RPCDef, count)
	for i := uint32(0); i < count; i++ {
		rec := arr + uint64(i)*rpcRecSize
		path, err := r.Ext.StringAt(r.Ext.Uint64(rec))
		if err != nil {
			return nil, err
		}
		subs, err := r.readChangeSubs(r.Ext.Uint64(rec+8), r.Ext.Uint32(rec+16))
		if err != nil {
			return nil, err
		}
		out[i] = RPCDef{OpPath: path, Subs: subs}
	}
	return out, nil
}

func (r *Registry) readChangeSubs(arr uint64, count uint32) ([]ChangeSubDef, error) {
	if arr == 0 || count == 0 {
		return nil, nil
	}
	out := make([]ChangeSubDef, count)
	for i := uint32(0); i < count; i++ {
		rec := arr + uint64(i)*changeSubSize
		xp, err := r.Ext.StringAt(r.Ext.Uint64(rec))
		if err != nil {
			return nil, err
		}
		out[i] = ChangeSubDef{
			XPath:    xp,
			Priority: r.Ext.Uint32(rec + 8),
			Opts:     r.Ext.Uint32(rec + 12),
			Evpipe:   r.Ext.Uint32(rec + 16),
			CID:      r.Ext.Uint32(rec + 20),
		}
	}
	return out, nil
}

// ReadConns reads the connection record array.
func (r *Registry) ReadConns() ([]ConnDef, error) {
	arr := r.Main.Uint64(mainConnsOff)
	count := r.Main.Uint32(mainConnCountOff)
	if arr == 0 || count == 0 {
		return nil, nil
	}
	out := make([]ConnDef, count)
	for i := uint32(0); i < count; i++ {
		rec := arr + uint64(i)*connRecSize
		c := ConnDef{
			CID:  r.Ext.Uint32(rec),
			PID:  r.Ext.Uint32(rec + 4),
			Opts: r.Ext.Uint32(rec + 8),
		}
		pipesOff := r.Ext.Uint64(rec + 16)
		pipeCount := r.Ext.Uint32(rec + 24)
		for j := uint32(0); j < pipeCount; j++ {
			c.Evpipes = append(c.Evpipes, r.Ext.Uint32(pipesOff+uint64(j)*4))
		}
		out[i] = c
	}
	return out, nil
}
