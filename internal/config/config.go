// Package config provides path resolution and option flags for the
// repository a yangvault process attaches to.
//
// A repository is a directory tree:
//
//	<root>/
//	  shm/                  shared-memory segment files and slot files
//	  shm/<prefix>conn_locks/ per-connection advisory lockfiles
//	  data/                 per-module datastore files (<mod>.<ds>)
//	  notif/                per-module notification logs
//	  scheduled.bin         pending module changes
//
// Everything is declarative state; config carries no behavior beyond
// resolution and validation.
package config

import (
	"errors"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// EnvShmPrefix overrides the default shared-memory file prefix. The value
// must not contain a path separator.
const EnvShmPrefix = "SR_SHM_PREFIX"

// DefaultShmPrefix is used when EnvShmPrefix is unset.
const DefaultShmPrefix = "yv"

var ErrBadShmPrefix = errors.New("shm prefix must not contain '/'")

// Paths resolves every file location used by the library.
type Paths struct {
	Root   string // repository root
	Prefix string // shm file prefix
}

// NewPaths builds a Paths for root, resolving the prefix from the
// environment. Returns ErrBadShmPrefix for prefixes containing '/'.
func NewPaths(root string) (Paths, error) {
	prefix := os.Getenv(EnvShmPrefix)
	if prefix == "" {
		prefix = DefaultShmPrefix
	}
	if strings.ContainsRune(prefix, '/') {
		return Paths{}, ErrBadShmPrefix
	}
	return Paths{Root: root, Prefix: prefix}, nil
}

// EnsureDirs creates the repository directory tree.
func (p Paths) EnsureDirs() error {
	for _, dir := range []string{p.ShmDir(), p.ConnLockDir(), p.DataDir(), p.NotifDir()} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	return nil
}

func (p Paths) ShmDir() string      { return filepath.Join(p.Root, "shm") }
func (p Paths) ConnLockDir() string { return filepath.Join(p.ShmDir(), p.Prefix+"conn_locks") }
func (p Paths) DataDir() string     { return filepath.Join(p.Root, "data") }
func (p Paths) NotifDir() string    { return filepath.Join(p.Root, "notif") }

// MainSegPath is the fixed-size main segment.
func (p Paths) MainSegPath() string { return filepath.Join(p.ShmDir(), p.Prefix+"_main") }

// ExtSegPath is the append-growing extension segment.
func (p Paths) ExtSegPath() string { return filepath.Join(p.ShmDir(), p.Prefix+"_ext") }

// ConnLockPath is the advisory lockfile for a connection.
func (p Paths) ConnLockPath(cid uint32) string {
	return filepath.Join(p.ConnLockDir(), connLockName(cid))
}

// EvpipePath is the FIFO used to wake a subscription context.
func (p Paths) EvpipePath(num uint32) string {
	return filepath.Join(p.ShmDir(), evpipeName(num))
}

// SubSlotPath names a per-topic subscription slot file. suffix1 identifies
// the topic kind within the module; suffix2, when nonzero, is a
// disambiguating hash rendered in hex.
func (p Paths) SubSlotPath(module, suffix1 string, suffix2 uint32) string {
	name := p.Prefix + "sub_" + module + "." + suffix1
	if suffix2 != 0 {
		name += "." + hex32(suffix2)
	}
	return filepath.Join(p.ShmDir(), name)
}

// DatastorePath names a per-module datastore file.
func (p Paths) DatastorePath(module, ds string) string {
	return filepath.Join(p.DataDir(), module+"."+ds)
}

// OperDiffPath names a module's stored operational diff.
func (p Paths) OperDiffPath(module string) string {
	return filepath.Join(p.DataDir(), module+".operational")
}

// SchedPath names the scheduled-changes file.
func (p Paths) SchedPath() string { return filepath.Join(p.Root, "scheduled.bin") }

// connLockName is the per-connection advisory lockfile name, as
// documented in spec.md §6 ("conn_locks/conn_<cid>.lock").
func connLockName(cid uint32) string {
	return "conn_" + strconv.FormatUint(uint64(cid), 10) + ".lock"
}

// evpipeName is the per-subscription-context event pipe name, as
// documented in spec.md §6 ("sr_evpipe<n>").
func evpipeName(num uint32) string {
	return "sr_evpipe" + strconv.FormatUint(uint64(num), 10)
}

const hexDigits = "0123456789abcdef"

func hex32(v uint32) string {
	var b [8]byte
	for i := 7; i >= 0; i-- {
		b[i] = hexDigits[v&0xf]
		v >>= 4
	}
	return string(b[:])
}
