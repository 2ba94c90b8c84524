// Package conn manages client connections: their shared-memory records,
// the per-CID advisory lockfiles that prove liveness, sessions, and the
// recovery sweep that reclaims the state of crashed peers.
package conn

import (
	"log/slog"
	"os"
	"time"

	"golang.org/x/sys/unix"
	"golang.org/x/time/rate"

	"yangvault/internal/config"
	"yangvault/internal/datastore"
	"yangvault/internal/errcode"
	"yangvault/internal/logging"
	"yangvault/internal/shmreg"
	"yangvault/internal/shmsync"
	"yangvault/internal/yang"
)

// DefaultTimeout bounds shared-lock acquisitions made on connection
// lifecycle paths.
const DefaultTimeout = 10 * time.Second

// Conn is one process's connection to a repository.
type Conn struct {
	CID   uint32
	Paths config.Paths
	Reg   *shmreg.Registry
	Ctx   *yang.Context

	Opts  config.ConnOptions
	Cache *datastore.Cache // nil unless CacheRunning

	lockFile *os.File
	sweepLim *rate.Limiter
	logger   *slog.Logger
}

// Connect attaches to the repository: opens the segments, applies any
// scheduled module changes when no other connection is attached, inserts
// the connection record and takes the CID lockfile.
//
// The schema context is the caller's compiled module set; the engine
// treats it as a black box.
func Connect(paths config.Paths, ctx *yang.Context, opts config.ConnOptions, logger *slog.Logger) (*Conn, error) {
	logger = logging.Default(logger).With("component", "conn")
	if err := paths.EnsureDirs(); err != nil {
		return nil, errcode.Wrap(errcode.Sys, err, "create repository directories")
	}
	reg, err := shmreg.Open(paths)
	if err != nil {
		return nil, err
	}

	c := &Conn{
		Paths:    paths,
		Reg:      reg,
		Ctx:      ctx,
		Opts:     opts,
		sweepLim: rate.NewLimiter(rate.Every(time.Second), 1),
		logger:   logger,
	}

	deadline := time.Now().Add(DefaultTimeout)
	if err := reg.MainLock(shmsync.Write, deadline); err != nil {
		reg.Close()
		return nil, err
	}
	if err := reg.RemapLock(shmsync.Write, deadline); err != nil {
		reg.MainUnlock(shmsync.Write)
		reg.Close()
		return nil, err
	}
	err = c.attachLocked()
	reg.RemapUnlock(shmsync.Write)
	reg.MainUnlock(shmsync.Write)
	if err != nil {
		reg.Close()
		return nil, err
	}

	if opts&config.CacheRunning != 0 {
		c.Cache = datastore.NewCache(paths, logger)
	}
	c.logger.Info("connected", "cid", c.CID, "modules", reg.ModCount())
	return c, nil
}

// attachLocked runs under main Write + remap Write: sweep dead peers,
// apply scheduled changes when the repository is idle, register.
func (c *Conn) attachLocked() error {
	if err := c.sweepLocked(true); err != nil {
		return err
	}

	if c.Reg.ConnCount() == 0 {
		// Exclusive by definition: no live connections, and we hold the
		// segment locks; serialize against racing first-connectors with
		// a file lock on the main segment.
		unlock, err := lockFileExcl(c.Paths.MainSegPath())
		if err != nil {
			return err
		}
		err = c.Reg.ApplySched(c.Paths, c.Opts&config.ErrOnSchedFail != 0, c.logger)
		unlock()
		if err != nil {
			return err
		}
	}

	c.CID = c.Reg.NextCID()
	lockPath := c.Paths.ConnLockPath(c.CID)
	file, err := os.OpenFile(lockPath, os.O_RDWR|os.O_CREATE, 0o600)
	if err != nil {
		return errcode.Wrap(errcode.Sys, err, "create connection lockfile")
	}
	if err := unix.Flock(int(file.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		file.Close()
		return errcode.Wrap(errcode.Sys, err, "lock connection lockfile")
	}
	c.lockFile = file

	if err := c.Reg.ConnAdd(shmreg.ConnDef{CID: c.CID, PID: uint32(os.Getpid()), Opts: uint32(c.Opts)}); err != nil {
		file.Close()
		_ = os.Remove(lockPath)
		return err
	}
	return nil
}

// Disconnect removes the connection record, its lockfile, and any
// leftover per-connection state, then detaches from the segments.
func (c *Conn) Disconnect() error {
	deadline := time.Now().Add(DefaultTimeout)
	var firstErr error

	if err := c.Reg.MainLock(shmsync.Write, deadline); err == nil {
		if err := c.Reg.RemapLock(shmsync.Write, deadline); err == nil {
			if err := c.reclaimLocked(c.CID); err != nil {
				firstErr = err
			}
			if err := c.Reg.ConnDel(c.CID); err != nil && firstErr == nil {
				firstErr = err
			}
			c.Reg.RemapUnlock(shmsync.Write)
		} else if firstErr == nil {
			firstErr = err
		}
		c.Reg.MainUnlock(shmsync.Write)
	} else {
		firstErr = err
	}

	if c.lockFile != nil {
		c.lockFile.Close()
		_ = os.Remove(c.Paths.ConnLockPath(c.CID))
		c.lockFile = nil
	}
	if c.Cache != nil {
		c.Cache.Close()
	}
	if err := c.Reg.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	c.logger.Info("disconnected", "cid", c.CID)
	return firstErr
}

// Alive probes a connection's liveness through its lockfile: taking the
// flock succeeds only when the owner is gone. Any unexpected error
// reports alive (fail safe).
func Alive(paths config.Paths, cid uint32) bool {
	file, err := os.Open(paths.ConnLockPath(cid))
	if os.IsNotExist(err) {
		return false
	}
	if err != nil {
		return true
	}
	defer file.Close()
	err = unix.Flock(int(file.Fd()), unix.LOCK_EX|unix.LOCK_NB)
	if err == nil {
		_ = unix.Flock(int(file.Fd()), unix.LOCK_UN)
		return false
	}
	return true
}

// lockFileExcl takes a blocking exclusive flock on path, returning the
// release func.
func lockFileExcl(path string) (func(), error) {
	file, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return nil, errcode.Wrap(errcode.Sys, err, "open for file lock: %s", path)
	}
	if err := unix.Flock(int(file.Fd()), unix.LOCK_EX); err != nil {
		file.Close()
		return nil, errcode.Wrap(errcode.Sys, err, "file lock: %s", path)
	}
	return func() {
		_ = unix.Flock(int(file.Fd()), unix.LOCK_UN)
		file.Close()
	}, nil
}
