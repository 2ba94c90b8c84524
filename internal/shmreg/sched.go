package shmreg

import (
	"log/slog"
	"os"
	"path/filepath"

	"github.com/vmihailenco/msgpack/v5"

	"yangvault/internal/config"
	"yangvault/internal/errcode"
	"yangvault/internal/format"
)

// Scheduled module changes. Install/remove/update and flag mutations may
// be blocked by attached connections, so they append to an on-disk change
// list; the first connect that observes zero live connections applies the
// list and rebuilds both segments.

const schedFileVersion = 0x01

// SchedAction identifies one scheduled change.
type SchedAction string

const (
	SchedInstall SchedAction = "install"
	SchedRemove  SchedAction = "remove"
	SchedUpdate  SchedAction = "update"
	SchedFeature SchedAction = "feature"
	SchedReplay  SchedAction = "replay"
)

// SchedChange is one pending mutation of the module set.
type SchedChange struct {
	Action  SchedAction `msgpack:"a"`
	Name    string      `msgpack:"n"`
	Module  *ModuleDef  `msgpack:"m,omitempty"` // install/update payload
	Feature string      `msgpack:"f,omitempty"`
	Enable  bool        `msgpack:"e,omitempty"`
	Replay  bool        `msgpack:"r,omitempty"`
}

// LoadSched reads the scheduled-changes file; a missing file is an empty
// list.
func LoadSched(paths config.Paths) ([]SchedChange, error) {
	buf, err := os.ReadFile(paths.SchedPath())
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, errcode.Wrap(errcode.Sys, err, "read scheduled changes")
	}
	if _, err := format.DecodeAndValidate(buf, format.TypeSchedFile, schedFileVersion); err != nil {
		return nil, errcode.Wrap(errcode.Internal, err, "scheduled-changes header")
	}
	var changes []SchedChange
	if err := msgpack.Unmarshal(buf[format.HeaderSize:], &changes); err != nil {
		return nil, errcode.Wrap(errcode.Internal, err, "decode scheduled changes")
	}
	return changes, nil
}

// SaveSched atomically persists the scheduled-changes list; an empty list
// removes the file.
func SaveSched(paths config.Paths, changes []SchedChange) error {
	path := paths.SchedPath()
	if len(changes) == 0 {
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			return errcode.Wrap(errcode.Sys, err, "remove scheduled changes")
		}
		return nil
	}
	body, err := msgpack.Marshal(changes)
	if err != nil {
		return errcode.Wrap(errcode.Internal, err, "encode scheduled changes")
	}
	buf := make([]byte, format.HeaderSize+len(body))
	format.Header{Type: format.TypeSchedFile, Version: schedFileVersion}.EncodeInto(buf)
	copy(buf[format.HeaderSize:], body)

	tmp, err := os.CreateTemp(filepath.Dir(path), ".sched-*")
	if err != nil {
		return errcode.Wrap(errcode.Sys, err, "create scheduled-changes temp")
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(buf); err != nil {
		tmp.Close()
		_ = os.Remove(tmpPath)
		return errcode.Wrap(errcode.Sys, err, "write scheduled changes")
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return errcode.Wrap(errcode.Sys, err, "close scheduled changes")
	}
	if err := os.Rename(tmpPath, path); err != nil {
		_ = os.Remove(tmpPath)
		return errcode.Wrap(errcode.Sys, err, "replace scheduled changes")
	}
	return nil
}

// Schedule appends one change to the on-disk list.
func Schedule(paths config.Paths, change SchedChange) error {
	changes, err := LoadSched(paths)
	if err != nil {
		return err
	}
	return SaveSched(paths, append(changes, change))
}

// ApplySched applies the pending change list to the current module set
// and rebuilds both segments. The caller guarantees exclusivity (file
// lock, zero attached connections). With errOnFail unset a failing change
// is logged and dropped; with it set the application aborts.
func (r *Registry) ApplySched(paths config.Paths, errOnFail bool, logger *slog.Logger) error {
	changes, err := LoadSched(paths)
	if err != nil {
		return err
	}
	if len(changes) == 0 {
		return nil
	}
	st, err := r.Snapshot()
	if err != nil {
		return err
	}

	for _, ch := range changes {
		if err := applyChange(st, ch); err != nil {
			if errOnFail {
				return errcode.Wrap(errcode.OperationFailed, err,
					"scheduled %s of %q failed", ch.Action, ch.Name)
			}
			logger.Warn("discarding failed scheduled change",
				"action", string(ch.Action), "module", ch.Name, "err", err)
		}
	}
	recomputeInvDeps(st)

	if err := r.Rebuild(st); err != nil {
		return err
	}
	if err := SaveSched(paths, nil); err != nil {
		return err
	}
	logger.Info("applied scheduled module changes", "count", len(changes), "modules", len(st.Mods))
	return nil
}

func applyChange(st *State, ch SchedChange) error {
	idx := -1
	for i := range st.Mods {
		if st.Mods[i].Name == ch.Name {
			idx = i
			break
		}
	}
	switch ch.Action {
	case SchedInstall:
		if idx >= 0 {
			return errcode.New(errcode.Exists, "module %q already installed", ch.Name)
		}
		if ch.Module == nil {
			return errcode.New(errcode.InvalArg, "install without module definition")
		}
		st.Mods = append(st.Mods, *ch.Module)
	case SchedRemove:
		if idx < 0 {
			return errcode.New(errcode.NotFound, "module %q not installed", ch.Name)
		}
		st.Mods = append(st.Mods[:idx], st.Mods[idx+1:]...)
	case SchedUpdate:
		if idx < 0 {
			return errcode.New(errcode.NotFound, "module %q not installed", ch.Name)
		}
		if ch.Module == nil {
			return errcode.New(errcode.InvalArg, "update without module definition")
		}
		// The new definition replaces the record and subscriptions are
		// not carried over; no connections exist, so the arrays are
		// empty anyway. The version advances.
		upd := *ch.Module
		upd.Ver = st.Mods[idx].Ver + 1
		st.Mods[idx] = upd
	case SchedFeature:
		if idx < 0 {
			return errcode.New(errcode.NotFound, "module %q not installed", ch.Name)
		}
		mod := &st.Mods[idx]
		has := -1
		for i, f := range mod.Features {
			if f == ch.Feature {
				has = i
				break
			}
		}
		switch {
		case ch.Enable && has < 0:
			mod.Features = append(mod.Features, ch.Feature)
		case !ch.Enable && has >= 0:
			mod.Features = append(mod.Features[:has], mod.Features[has+1:]...)
		}
	case SchedReplay:
		if idx < 0 {
			return errcode.New(errcode.NotFound, "module %q not installed", ch.Name)
		}
		st.Mods[idx].Replay = ch.Replay
	default:
		return errcode.New(errcode.InvalArg, "unknown scheduled action %q", ch.Action)
	}
	return nil
}

// recomputeInvDeps rebuilds inverse data dependencies so the dependency
// graph stays consistent: if A lists B as a data dep, B lists A inverse.
func recomputeInvDeps(st *State) {
	inv := make(map[string][]string)
	for i := range st.Mods {
		for _, dep := range st.Mods[i].DataDeps {
			inv[dep.Module] = append(inv[dep.Module], st.Mods[i].Name)
		}
	}
	for i := range st.Mods {
		seen := make(map[string]bool)
		var deps []string
		for _, name := range inv[st.Mods[i].Name] {
			if !seen[name] {
				seen[name] = true
				deps = append(deps, name)
			}
		}
		st.Mods[i].InvDeps = deps
	}
}
