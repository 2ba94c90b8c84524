package modinfo

import (
	"yangvault/internal/config"
	"yangvault/internal/datastore"
	"yangvault/internal/shmreg"
	"yangvault/internal/yang"
)

// loadData loads every collected module's data for the operation's
// datastore into the merged forest. Running reads go through the process
// cache when the connection enabled it; candidate falls back to running
// until the candidate was modified; operational layers the stored diff
// and provider pulls over running.
func (e *Engine) loadData(mi *ModInfo, requestXPath string, operOpts config.OperOptions, sid uint32) error {
	for _, m := range mi.mods {
		if m.loaded {
			continue
		}
		// Inverse dependencies are not loaded on the operational datastore.
		if m.role == InvDependency && mi.ds == config.Operational {
			continue
		}
		forest, err := e.loadModule(mi, m, requestXPath, operOpts, sid)
		if err != nil {
			return err
		}
		m.loaded = true
		m.dataPresent = len(forest) > 0
		mi.data = append(mi.data, forest...)
	}
	return nil
}

func (e *Engine) loadModule(mi *ModInfo, m *modEntry, requestXPath string,
	operOpts config.OperOptions, sid uint32) ([]*yang.Node, error) {

	switch mi.ds {
	case config.Running:
		return e.loadRunning(m)

	case config.Startup:
		return datastore.Load(e.Conn.Paths, m.name, config.Startup)

	case config.Candidate:
		if datastore.Exists(e.Conn.Paths, m.name, config.Candidate) {
			return datastore.Load(e.Conn.Paths, m.name, config.Candidate)
		}
		// Unmodified candidate mirrors running.
		return e.loadRunning(m)

	case config.Operational:
		forest, err := e.loadRunning(m)
		if err != nil {
			return nil, err
		}
		if operOpts&config.OperNoStored == 0 {
			stored, err := datastore.LoadOperDiff(e.Conn.Paths, m.name)
			if err != nil {
				return nil, err
			}
			if len(stored) > 0 {
				if applied, err := yang.ApplyDiff(forest, stored); err != nil {
					// A stored diff invalidated by later running commits
					// degrades to the bare running view.
					e.logger.Warn("stored operational diff skipped", "module", m.name, "err", err)
				} else {
					forest = applied
				}
			}
		}
		if operOpts&config.OperNoSubs == 0 {
			var subs []shmreg.OperSubDef
			if err := e.withMainRead(func() error {
				var err error
				subs, err = m.mod.OperSubs()
				return err
			}); err != nil {
				return nil, err
			}
			pulled, err := e.Pub.PullOper(m.name, subs, requestXPath, forest, sid, operOpts, e.Timeout)
			if err != nil {
				return nil, err
			}
			for _, p := range pulled {
				forest = yang.Merge(forest, p)
			}
		}
		return forest, nil
	}
	return nil, nil
}

func (e *Engine) loadRunning(m *modEntry) ([]*yang.Node, error) {
	if e.Conn.Cache != nil {
		return e.Conn.Cache.Load(m.name, m.mod.Ver())
	}
	return datastore.Load(e.Conn.Paths, m.name, config.Running)
}
