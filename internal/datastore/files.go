// Package datastore persists per-module data trees and keeps the
// optional process-local cache of the running datastore.
//
// Each module's datastore is a single binary-encoded tree file under the
// data directory, replaced atomically (temp file, fsync, rename) while
// the module's data write-lock is held. The stored operational diff lives
// alongside in the module's .operational file, with every node tagged by
// the contributing connection.
package datastore

import (
	"errors"
	"os"
	"path/filepath"

	"golang.org/x/sys/unix"

	"yangvault/internal/config"
	"yangvault/internal/errcode"
	"yangvault/internal/format"
	"yangvault/internal/yang"
)

// Load reads a module's datastore file. A missing file is an empty tree.
func Load(paths config.Paths, module string, ds config.Datastore) ([]*yang.Node, error) {
	buf, err := os.ReadFile(paths.DatastorePath(module, ds.String()))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, sysErr(err, paths.DatastorePath(module, ds.String()))
	}
	forest, err := yang.DecodeForest(format.TypeDatastore, buf)
	if err != nil {
		return nil, errcode.Wrap(errcode.Internal, err, "decode %s datastore of %q", ds, module)
	}
	return forest, nil
}

// Save atomically replaces a module's datastore file and fsyncs it
// before returning; the caller holds the module data write-lock, so the
// sync completes before the lock is released.
func Save(paths config.Paths, module string, ds config.Datastore, forest []*yang.Node) error {
	buf, err := yang.EncodeForest(format.TypeDatastore, forest)
	if err != nil {
		return errcode.Wrap(errcode.Internal, err, "encode %s datastore of %q", ds, module)
	}
	return writeAtomic(paths.DatastorePath(module, ds.String()), buf)
}

// Exists reports whether the module has a persisted file for ds. The
// candidate datastore falls back to running until it exists.
func Exists(paths config.Paths, module string, ds config.Datastore) bool {
	_, err := os.Stat(paths.DatastorePath(module, ds.String()))
	return err == nil
}

// Remove deletes a module's datastore file, tolerating absence.
func Remove(paths config.Paths, module string, ds config.Datastore) error {
	err := os.Remove(paths.DatastorePath(module, ds.String()))
	if err != nil && !os.IsNotExist(err) {
		return sysErr(err, paths.DatastorePath(module, ds.String()))
	}
	return nil
}

// Readable reports whether the process can read the module's startup
// file; Writable the same for writing. Permission checks run against the
// startup file: it exists for every installed module regardless of which
// datastore an operation touches.
func Readable(paths config.Paths, module string) bool {
	return accessOK(paths.DatastorePath(module, config.Startup.String()), os.O_RDONLY)
}

func Writable(paths config.Paths, module string) bool {
	return accessOK(paths.DatastorePath(module, config.Startup.String()), os.O_WRONLY)
}

func accessOK(path string, flag int) bool {
	f, err := os.OpenFile(path, flag, 0)
	if err != nil {
		// A missing file will be created on first commit; judge by the
		// directory then.
		if os.IsNotExist(err) {
			f, err = os.OpenFile(filepath.Dir(path), os.O_RDONLY, 0)
			if err != nil {
				return false
			}
			f.Close()
			return true
		}
		return false
	}
	f.Close()
	return true
}

func writeAtomic(path string, buf []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".ds-*")
	if err != nil {
		return sysErr(err, dir)
	}
	tmpPath := tmp.Name()
	cleanup := func() {
		tmp.Close()
		_ = os.Remove(tmpPath)
	}
	if err := tmp.Chmod(0o600); err != nil {
		cleanup()
		return sysErr(err, tmpPath)
	}
	if _, err := tmp.Write(buf); err != nil {
		cleanup()
		return sysErr(err, tmpPath)
	}
	if err := tmp.Sync(); err != nil {
		cleanup()
		return sysErr(err, tmpPath)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return sysErr(err, tmpPath)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		_ = os.Remove(tmpPath)
		return sysErr(err, path)
	}
	return nil
}

// sysErr maps an OS error. EACCES (no access rights) maps to
// Unauthorized; EPERM (operation not permitted) stays a system error —
// the two are distinct conditions and must not be conflated.
func sysErr(err error, path string) error {
	if errors.Is(err, unix.EACCES) {
		return errcode.Wrap(errcode.Unauthorized, err, "access denied: %s", path)
	}
	return errcode.Wrap(errcode.Sys, err, "i/o failure: %s", path)
}
