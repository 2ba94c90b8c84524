package modinfo

import (
	"time"

	"golang.org/x/sync/errgroup"

	"yangvault/internal/config"
	"yangvault/internal/conn"
	"yangvault/internal/datastore"
	"yangvault/internal/errcode"
	"yangvault/internal/notiflog"
	"yangvault/internal/shmreg"
	"yangvault/internal/yang"
)

// ApplyChanges runs the full write pipeline on the session's pending
// edit: collect, permission check, sort+lock, load, apply, validate,
// defaults, publish (update → change → done/abort), commit, and the
// config-change notification. Any failure before commit leaves persisted
// state untouched; a post-commit notification failure is returned as a
// soft OperationFailed with the commit standing.
func (e *Engine) ApplyChanges(ses *conn.Session, defOp yang.Op, strictPerm bool) error {
	edit := ses.Edit()
	if len(edit) == 0 {
		return nil
	}
	if ses.DS == config.Operational {
		return e.pushOperEdit(ses, edit, defOp)
	}

	if err := e.sweepEntry(); err != nil {
		return err
	}

	// Phases 1-2: collect and permission-check under the read locks that
	// keep ext strings from moving underneath the dependency walk.
	mi := newModInfo(ses.DS)
	if err := e.withMainRead(func() error {
		if err := e.collectFromEdit(mi, edit); err != nil {
			return err
		}
		return e.permCheck(mi, true, strictPerm)
	}); err != nil {
		return err
	}
	if len(mi.mods) == 0 {
		return errcode.New(errcode.Unauthorized, "no writable module remains in the edit")
	}

	// Phase 3: sort and lock.
	if err := e.lockAll(mi, true); err != nil {
		return err
	}
	defer e.unlockAll(mi)

	// Datastore locks held by other sessions block the write.
	for _, m := range mi.mods {
		if m.role != Required {
			continue
		}
		if sid, _, _ := m.mod.DSLockOwner(mi.ds); sid != 0 && sid != ses.SID {
			return errcode.New(errcode.LockFailed,
				"datastore %v of %q locked by session %d", mi.ds, m.name, sid)
		}
	}

	// Phase 4: load.
	if err := e.loadData(mi, "", 0, ses.SID); err != nil {
		return err
	}

	// Phase 5: apply the edit.
	newData, diff, err := yang.ApplyEdit(mi.data, edit, defOp, true)
	if err != nil {
		return err
	}
	if len(diff) == 0 {
		ses.SetDiff(nil)
		ses.DiscardEdit()
		return nil
	}
	mi.data = newData
	mi.diff = diff
	e.markChanged(mi)

	// Phase 6: validate changed modules.
	if err := e.validateChanged(mi); err != nil {
		return err
	}

	// Phase 7: fill defaults; default emissions count as changes.
	e.fillDefaults(mi, false)

	// Phase 8: publish update → change.
	subsByMod, err := e.changeSubsByModule(mi)
	if err != nil {
		return err
	}
	if err := e.publishUpdate(mi, ses, subsByMod); err != nil {
		return err
	}
	if err := e.publishChange(mi, ses, subsByMod); err != nil {
		return err
	}

	// Phase 9: commit.
	if err := e.commit(mi); err != nil {
		// Subscribers already saw Change; they learn of the failure via
		// Abort.
		e.abortAll(mi, ses, subsByMod)
		return err
	}
	e.doneAll(mi, ses, subsByMod)

	ses.SetDiff(mi.diff)
	ses.DiscardEdit()

	// Phase 10: config-change notification (soft failure).
	if err := e.configChangeNotif(mi, ses); err != nil {
		return errcode.Wrap(errcode.OperationFailed, err,
			"commit succeeded; config-change notification failed")
	}
	return nil
}

func (e *Engine) markChanged(mi *ModInfo) {
	for _, name := range yang.ModulesOf(mi.diff) {
		if m := mi.entry(name); m != nil {
			m.changed = true
		}
	}
}

func (e *Engine) validateChanged(mi *ModInfo) error {
	for _, m := range mi.mods {
		if !m.changed {
			continue
		}
		if err := e.Conn.Ctx.Validate(mi.data, m.name, mi.ds.Conventional()); err != nil {
			return err
		}
	}
	return nil
}

// fillDefaults materializes defaults for every required module and folds
// the additions into the diff.
func (e *Engine) fillDefaults(mi *ModInfo, withNP bool) {
	for _, m := range mi.mods {
		if m.role != Required {
			continue
		}
		added := e.Conn.Ctx.AddDefaults(&mi.data, m.name, withNP)
		if len(added) == 0 {
			continue
		}
		m.changed = true
		for _, n := range added {
			d := n.Copy()
			d.Op = yang.OpCreate
			mi.diff = yang.MergeDiff(mi.diff, []*yang.Node{d})
		}
	}
}

// changeSubsByModule resolves the change subscriptions of every changed
// module under the main read locks.
func (e *Engine) changeSubsByModule(mi *ModInfo) (map[string][]shmreg.ChangeSubDef, error) {
	out := make(map[string][]shmreg.ChangeSubDef)
	err := e.withMainRead(func() error {
		for _, m := range mi.mods {
			if !m.changed {
				continue
			}
			subs, err := m.mod.ChangeSubs(mi.ds)
			if err != nil {
				return err
			}
			out[m.name] = subs
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// publishUpdate runs the update phase: subscriber-returned edits merge
// into the transaction and the result revalidates.
func (e *Engine) publishUpdate(mi *ModInfo, ses *conn.Session,
	subsByMod map[string][]shmreg.ChangeSubDef) error {

	for _, m := range mi.mods {
		if !m.changed {
			continue
		}
		modDiff := yang.FilterModule(mi.diff, m.name)
		edits, err := e.Pub.NotifyUpdate(m.name, mi.ds, subsByMod[m.name], ses.SID, modDiff, e.Timeout)
		if err != nil {
			return err
		}
		for _, upd := range edits {
			newData, updDiff, err := yang.ApplyEdit(mi.data, upd, yang.OpMerge, true)
			if err != nil {
				return err
			}
			mi.data = newData
			mi.diff = yang.MergeDiff(mi.diff, updDiff)
		}
	}
	e.markChanged(mi)
	return e.validateChanged(mi)
}

// publishChange fans the change phase out across changed modules; the
// publishes of independent modules run concurrently.
func (e *Engine) publishChange(mi *ModInfo, ses *conn.Session,
	subsByMod map[string][]shmreg.ChangeSubDef) error {

	var g errgroup.Group
	for _, m := range mi.mods {
		if !m.changed {
			continue
		}
		m := m
		g.Go(func() error {
			modDiff := yang.FilterModule(mi.diff, m.name)
			return e.Pub.NotifyChange(m.name, mi.ds, subsByMod[m.name], ses.SID, modDiff, e.Timeout)
		})
	}
	if err := g.Wait(); err != nil {
		e.abortAll(mi, ses, subsByMod)
		return err
	}
	return nil
}

func (e *Engine) doneAll(mi *ModInfo, ses *conn.Session, subsByMod map[string][]shmreg.ChangeSubDef) {
	for _, m := range mi.mods {
		if !m.changed {
			continue
		}
		e.Pub.NotifyDone(m.name, mi.ds, subsByMod[m.name], ses.SID, yang.FilterModule(mi.diff, m.name))
	}
}

func (e *Engine) abortAll(mi *ModInfo, ses *conn.Session, subsByMod map[string][]shmreg.ChangeSubDef) {
	for _, m := range mi.mods {
		if !m.changed {
			continue
		}
		e.Pub.NotifyAbort(m.name, mi.ds, subsByMod[m.name], ses.SID, yang.FilterModule(mi.diff, m.name))
	}
}

// commit atomically replaces each changed module's file, bumps its
// version, refreshes the cache, and keeps candidate/operational views
// consistent with a running commit.
func (e *Engine) commit(mi *ModInfo) error {
	for _, m := range mi.mods {
		if !m.changed {
			continue
		}
		modData := yang.FilterModule(mi.data, m.name)
		if err := datastore.Save(e.Conn.Paths, m.name, mi.ds, modData); err != nil {
			return err
		}
		ver := m.mod.BumpVer()
		if mi.ds == config.Running {
			if e.Conn.Cache != nil {
				e.Conn.Cache.Update(m.name, ver, modData)
			}
			// A running commit resets the candidate back to mirroring
			// running, and re-bases the stored operational diff.
			if err := datastore.Remove(e.Conn.Paths, m.name, config.Candidate); err != nil {
				return err
			}
			e.rebaseOperDiff(m.name, modData)
		}
	}
	return nil
}

// rebaseOperDiff drops stored operational-diff roots the fresh running
// data can no longer carry.
func (e *Engine) rebaseOperDiff(module string, running []*yang.Node) {
	stored, err := datastore.LoadOperDiff(e.Conn.Paths, module)
	if err != nil || len(stored) == 0 {
		return
	}
	var kept []*yang.Node
	for _, root := range stored {
		if _, err := yang.ApplyDiff(running, []*yang.Node{root}); err == nil {
			kept = append(kept, root)
		}
	}
	if len(kept) != len(stored) {
		if err := datastore.SaveOperDiff(e.Conn.Paths, module, kept); err != nil {
			e.logger.Warn("operational diff rebase failed", "module", module, "err", err)
		}
	}
}

// pushOperEdit applies an edit to the operational datastore: the change
// lands in the module's stored diff, tagged with this connection.
func (e *Engine) pushOperEdit(ses *conn.Session, edit []*yang.Node, defOp yang.Op) error {
	if err := e.sweepEntry(); err != nil {
		return err
	}
	mi := newModInfo(config.Operational)
	if err := e.withMainRead(func() error {
		if err := e.collectFromEdit(mi, edit); err != nil {
			return err
		}
		return e.permCheck(mi, true, true)
	}); err != nil {
		return err
	}
	if err := e.lockAll(mi, true); err != nil {
		return err
	}
	defer e.unlockAll(mi)

	if err := e.loadData(mi, "", config.OperNoSubs, ses.SID); err != nil {
		return err
	}
	newData, diff, err := yang.ApplyEdit(mi.data, edit, defOp, true)
	if err != nil {
		return err
	}
	mi.data = newData
	mi.diff = diff
	e.markChanged(mi)
	for _, m := range mi.mods {
		if !m.changed {
			continue
		}
		if err := e.Conn.Ctx.Validate(mi.data, m.name, false); err != nil {
			return err
		}
		modDiff := yang.FilterModule(diff, m.name)
		if err := datastore.MergeOperDiff(e.Conn.Paths, m.name, modDiff, e.Conn.CID); err != nil {
			return err
		}
	}
	ses.SetDiff(diff)
	ses.DiscardEdit()
	return nil
}

// GetData reads data selected by xpath from the session's datastore.
func (e *Engine) GetData(ses *conn.Session, xpath string, operOpts config.OperOptions) ([]*yang.Node, error) {
	mi := newModInfo(ses.DS)
	if err := e.withMainRead(func() error {
		if err := e.collectFromXPath(mi, xpath); err != nil {
			return err
		}
		return e.permCheck(mi, false, true)
	}); err != nil {
		return nil, err
	}
	if err := e.lockAll(mi, false); err != nil {
		return nil, err
	}
	defer e.unlockAll(mi)

	if err := e.loadData(mi, xpath, operOpts, ses.SID); err != nil {
		return nil, err
	}

	if ses.DS == config.Operational {
		e.fillDefaults(mi, true)
		for _, m := range mi.mods {
			mi.data = e.Conn.Ctx.FilterConfig(mi.data, m.name,
				operOpts&config.OperNoState != 0, operOpts&config.OperNoConfig != 0)
		}
	} else {
		e.fillDefaults(mi, false)
	}

	p, err := yang.ParsePath(xpath)
	if err != nil {
		return nil, errcode.Wrap(errcode.InvalArg, err, "bad xpath")
	}
	return yang.CopyForest(yang.Find(mi.data, p)), nil
}

// SendRpc dispatches an RPC/action through its subscriber chain and
// returns the final output tree.
func (e *Engine) SendRpc(ses *conn.Session, opPath string, input []*yang.Node) ([]*yang.Node, error) {
	p, err := yang.ParsePath(opPath)
	if err != nil {
		return nil, errcode.Wrap(errcode.InvalArg, err, "bad operation path")
	}
	module := p.FirstModule()

	var subs []shmreg.ChangeSubDef
	err = e.withMainRead(func() error {
		_, rpc, err := e.Conn.Reg.FindRPC(opPath)
		if err != nil {
			return err
		}
		if rpc != nil {
			subs = rpc.Subs
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return e.Pub.CallRpc(module, opPath, subs, input, ses.SID, e.Timeout)
}

// SendNotif delivers a notification: logged for replay when the module
// supports it, then fanned out to live subscribers.
func (e *Engine) SendNotif(ses *conn.Session, module string, tree []*yang.Node, ts time.Time) error {
	if ts.IsZero() {
		ts = time.Now()
	}
	var subs []shmreg.NotifSubDef
	var replay bool
	err := e.withMainRead(func() error {
		mod, err := e.Conn.Reg.FindMod(module)
		if err != nil {
			return err
		}
		replay = mod.ReplaySupport()
		subs, err = mod.NotifSubs()
		return err
	})
	if err != nil {
		return err
	}

	if replay && e.NLog != nil {
		if err := e.NLog.Append(module, notiflog.Record{TS: ts, Tree: tree}); err != nil {
			return err
		}
	}
	if len(subs) == 0 {
		return nil
	}
	return e.Pub.PublishNotif(module, subs, tree, ts, ses.SID)
}

// LockDS takes the NETCONF datastore lock of a module (or, with an empty
// name, every module) for the session.
func (e *Engine) LockDS(ses *conn.Session, module string) error {
	if err := e.sweepEntry(); err != nil {
		return err
	}
	mods, err := e.targetMods(module)
	if err != nil {
		return err
	}
	now := time.Now()
	for _, m := range mods {
		if sid, _, _ := m.DSLockOwner(ses.DS); sid != 0 && sid != ses.SID {
			name, _ := m.Name()
			return errcode.New(errcode.LockFailed,
				"datastore %v of %q locked by session %d", ses.DS, name, sid)
		}
	}
	for _, m := range mods {
		m.SetDSLock(ses.DS, ses.SID, e.Conn.CID, now)
	}
	return nil
}

// UnlockDS releases the session's datastore locks.
func (e *Engine) UnlockDS(ses *conn.Session, module string) error {
	mods, err := e.targetMods(module)
	if err != nil {
		return err
	}
	for _, m := range mods {
		if sid, _, _ := m.DSLockOwner(ses.DS); sid == ses.SID {
			m.SetDSLock(ses.DS, 0, 0, time.Time{})
		}
	}
	return nil
}

func (e *Engine) targetMods(module string) ([]shmreg.Mod, error) {
	if module != "" {
		m, err := e.Conn.Reg.FindMod(module)
		if err != nil {
			return nil, err
		}
		return []shmreg.Mod{m}, nil
	}
	return e.Conn.Reg.Mods()
}

// configChangeNotif emits the post-commit change notification for
// monitored datastores when anyone can observe it.
func (e *Engine) configChangeNotif(mi *ModInfo, ses *conn.Session) error {
	for _, m := range mi.mods {
		if !m.changed {
			continue
		}
		var subs []shmreg.NotifSubDef
		replay := false
		err := e.withMainRead(func() error {
			var err error
			subs, err = m.mod.NotifSubs()
			replay = m.mod.ReplaySupport()
			return err
		})
		if err != nil {
			return err
		}
		if len(subs) == 0 && !replay {
			continue
		}

		tree := changeNotifTree(m.name, mi.ds, yang.FilterModule(mi.diff, m.name))
		now := time.Now()
		if replay && e.NLog != nil {
			if err := e.NLog.Append(m.name, notiflog.Record{TS: now, Tree: tree}); err != nil {
				return err
			}
		}
		if len(subs) > 0 {
			if err := e.Pub.PublishNotif(m.name, subs, tree, now, ses.SID); err != nil {
				return err
			}
		}
	}
	return nil
}

// changeNotifTree renders a commit's diff as a netconf-config-change
// style notification tree.
func changeNotifTree(module string, ds config.Datastore, diff []*yang.Node) []*yang.Node {
	root := &yang.Node{Name: "netconf-config-change", Module: module, Kind: yang.KindContainer}
	root.Children = append(root.Children, &yang.Node{
		Name: "datastore", Module: module, Kind: yang.KindLeaf, Value: ds.String(),
	})
	for _, d := range diff {
		root.Children = append(root.Children, &yang.Node{
			Name: "edit", Module: module, Kind: yang.KindList,
			Keys: map[string]string{"target": "/" + d.Module + ":" + d.Name},
			Children: []*yang.Node{{
				Name: "operation", Module: module, Kind: yang.KindLeaf, Value: d.Op.String(),
			}},
		})
	}
	return []*yang.Node{root}
}
