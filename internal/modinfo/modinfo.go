// Package modinfo is the transaction engine: given seed modules and an
// operation, it computes the dependency closure, orders and acquires
// module data locks, loads data, applies edits, validates, fills
// defaults, publishes the change protocol, and commits.
package modinfo

import (
	"log/slog"
	"sort"
	"time"

	"yangvault/internal/config"
	"yangvault/internal/conn"
	"yangvault/internal/datastore"
	"yangvault/internal/errcode"
	"yangvault/internal/event"
	"yangvault/internal/logging"
	"yangvault/internal/notiflog"
	"yangvault/internal/shmreg"
	"yangvault/internal/shmsync"
	"yangvault/internal/yang"
)

// Role classifies why a module participates in an operation.
type Role int

const (
	// Required modules are directly targeted by the operation.
	Required Role = iota
	// Dependency modules are pulled in transitively through data deps.
	Dependency
	// InvDependency modules reference a required module (one hop); they
	// must be loaded when validating writes so references into the
	// written module stay checkable.
	InvDependency
)

// modEntry is one module's transient state within an operation.
type modEntry struct {
	mod  shmreg.Mod
	name string
	role Role

	loaded      bool
	changed     bool
	dataPresent bool

	lock     *shmsync.RWLock
	lockMode shmsync.Mode
	locked   bool

	// Companion running-datastore lock for candidate operations.
	companion     *shmsync.RWLock
	companionHeld bool
}

// ModInfo is the transient engine state of a single operation.
type ModInfo struct {
	ds   config.Datastore
	mods []*modEntry

	data []*yang.Node
	diff []*yang.Node
}

// Engine runs operations for one connection.
type Engine struct {
	Conn  *conn.Conn
	Pub   *event.Publisher
	NLog  *notiflog.Log
	Timeout time.Duration

	logger *slog.Logger
}

// DefaultTimeout bounds lock and event waits of one engine operation.
const DefaultTimeout = 10 * time.Second

// New creates an engine bound to a connection.
func New(c *conn.Conn, nlog *notiflog.Log, logger *slog.Logger) *Engine {
	logger = logging.Default(logger)
	return &Engine{
		Conn:    c,
		Pub:     event.NewPublisher(c.Paths, logger),
		NLog:    nlog,
		Timeout: DefaultTimeout,
		logger:  logger.With("component", "modinfo"),
	}
}

func (e *Engine) deadline() time.Time { return time.Now().Add(e.Timeout) }

// newModInfo starts collecting modules for an operation on a datastore.
func newModInfo(ds config.Datastore) *ModInfo {
	return &ModInfo{ds: ds}
}

func (mi *ModInfo) entry(name string) *modEntry {
	for _, m := range mi.mods {
		if m.name == name {
			return m
		}
	}
	return nil
}

// addModule inserts a module with the strongest role seen so far and,
// when withDeps is set, follows data deps transitively; inverse deps are
// followed one hop off required modules only.
func (e *Engine) addModule(mi *ModInfo, name string, role Role, withDeps, withInvDeps bool) error {
	if cur := mi.entry(name); cur != nil {
		if role < cur.role {
			cur.role = role
		}
		return nil
	}
	mod, err := e.Conn.Reg.FindMod(name)
	if err != nil {
		return err
	}
	mi.mods = append(mi.mods, &modEntry{mod: mod, name: name, role: role})

	if withDeps {
		deps, err := mod.DataDeps()
		if err != nil {
			return err
		}
		for _, d := range deps {
			if err := e.addModule(mi, d.Module, Dependency, true, false); err != nil {
				return err
			}
		}
	}
	if withInvDeps && role == Required {
		invs, err := mod.InvDeps()
		if err != nil {
			return err
		}
		for _, inv := range invs {
			if err := e.addModule(mi, inv, InvDependency, false, false); err != nil {
				return err
			}
		}
	}
	return nil
}

// collectFromEdit seeds the mod info from an edit forest: the owning
// module of each edit root is required; for validation of writes both
// deps and inverse deps load.
func (e *Engine) collectFromEdit(mi *ModInfo, edit []*yang.Node) error {
	mods := yang.ModulesOf(edit)
	if len(mods) == 0 {
		return errcode.New(errcode.InvalArg, "empty edit")
	}
	for _, name := range mods {
		if err := e.addModule(mi, name, Required, true, true); err != nil {
			return err
		}
	}
	return nil
}

// collectFromXPath seeds the mod info for a read: only deps load.
func (e *Engine) collectFromXPath(mi *ModInfo, xpath string) error {
	p, err := yang.ParsePath(xpath)
	if err != nil {
		return errcode.Wrap(errcode.InvalArg, err, "bad xpath")
	}
	return e.addModule(mi, p.FirstModule(), Required, true, false)
}

// permCheck verifies read access for every collected module and, for a
// write, write access for the required modules. In non-strict mode
// inaccessible modules drop out of the operation; strict mode fails.
func (e *Engine) permCheck(mi *ModInfo, write, strict bool) error {
	var kept []*modEntry
	for _, m := range mi.mods {
		ok := datastore.Readable(e.Conn.Paths, m.name)
		if ok && write && m.role == Required {
			ok = datastore.Writable(e.Conn.Paths, m.name)
		}
		if ok {
			kept = append(kept, m)
			continue
		}
		if strict {
			return errcode.New(errcode.Unauthorized, "no %s access to module %q",
				accessWord(write), m.name)
		}
	}
	mi.mods = kept
	return nil
}

func accessWord(write bool) string {
	if write {
		return "write"
	}
	return "read"
}

// lockAll sorts modules by their record offset and acquires each data
// lock: write mode for required modules of a write, read otherwise. The
// deterministic order precludes deadlock between cooperating processes.
func (e *Engine) lockAll(mi *ModInfo, write bool) error {
	sort.Slice(mi.mods, func(i, j int) bool { return mi.mods[i].mod.Off < mi.mods[j].mod.Off })

	deadline := e.deadline()
	for _, m := range mi.mods {
		mode := shmsync.Read
		if write && m.role == Required {
			mode = shmsync.Write
		}
		lock, err := m.mod.DataLock(mi.ds)
		if err != nil {
			e.unlockAll(mi)
			return err
		}
		if err := lock.Lock(mode, deadline); err != nil {
			e.unlockAll(mi)
			return err
		}
		m.lock, m.lockMode, m.locked = lock, mode, true
		if mode == shmsync.Write {
			m.mod.SetWriteHolder(mi.ds, e.Conn.CID)
		}

		// Candidate operations read through to running; hold its lock in
		// read mode alongside.
		if mi.ds == config.Candidate {
			companion, err := m.mod.DataLock(config.Running)
			if err != nil {
				e.unlockAll(mi)
				return err
			}
			if err := companion.Lock(shmsync.Read, deadline); err != nil {
				e.unlockAll(mi)
				return err
			}
			m.companion, m.companionHeld = companion, true
		}
	}
	return nil
}

func (e *Engine) unlockAll(mi *ModInfo) {
	for _, m := range mi.mods {
		if m.companionHeld {
			m.companion.Unlock(shmsync.Read)
			m.companionHeld = false
		}
		if m.locked {
			if m.lockMode == shmsync.Write {
				m.mod.SetWriteHolder(mi.ds, 0)
			}
			m.lock.Unlock(m.lockMode)
			m.locked = false
		}
	}
}

// sweepEntry performs the recovery sweep owed by every engine entry that
// takes a write or read-upgradeable main lock.
func (e *Engine) sweepEntry() error {
	deadline := e.deadline()
	if err := e.Conn.Reg.MainLock(shmsync.Write, deadline); err != nil {
		return err
	}
	defer e.Conn.Reg.MainUnlock(shmsync.Write)
	if err := e.Conn.Reg.RemapLock(shmsync.Write, deadline); err != nil {
		return err
	}
	defer e.Conn.Reg.RemapUnlock(shmsync.Write)
	return e.Conn.Sweep(false)
}

// withMainRead runs fn with the main and remap locks held in read mode,
// the posture for resolving subscriptions and module metadata.
func (e *Engine) withMainRead(fn func() error) error {
	deadline := e.deadline()
	if err := e.Conn.Reg.MainLock(shmsync.Read, deadline); err != nil {
		return err
	}
	defer e.Conn.Reg.MainUnlock(shmsync.Read)
	if err := e.Conn.Reg.RemapLock(shmsync.Read, deadline); err != nil {
		return err
	}
	defer e.Conn.Reg.RemapUnlock(shmsync.Read)
	return fn()
}
