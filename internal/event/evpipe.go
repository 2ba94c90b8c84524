package event

import (
	"os"

	"golang.org/x/sys/unix"

	"yangvault/internal/config"
	"yangvault/internal/errcode"
)

// Event pipes are FIFOs: one per subscription context. Senders write a
// single byte to wake the context's listener; the listener drains.

// CreateEvpipe creates the FIFO for a new subscription context.
func CreateEvpipe(paths config.Paths, num uint32) error {
	path := paths.EvpipePath(num)
	if err := unix.Mkfifo(path, 0o600); err != nil && err != unix.EEXIST {
		return errcode.Wrap(errcode.Sys, err, "create event pipe %s", path)
	}
	return nil
}

// OpenEvpipeRead opens the listener end non-blocking.
func OpenEvpipeRead(paths config.Paths, num uint32) (*os.File, error) {
	fd, err := unix.Open(paths.EvpipePath(num), unix.O_RDONLY|unix.O_NONBLOCK, 0)
	if err != nil {
		return nil, errcode.Wrap(errcode.Sys, err, "open event pipe %d", num)
	}
	return os.NewFile(uintptr(fd), paths.EvpipePath(num)), nil
}

// Kick wakes the listener behind an event pipe. A pipe with no reader
// (the subscriber died between registry read and kick) is not an error;
// the recovery sweep will collect it.
func Kick(paths config.Paths, num uint32) error {
	fd, err := unix.Open(paths.EvpipePath(num), unix.O_WRONLY|unix.O_NONBLOCK, 0)
	if err != nil {
		if err == unix.ENXIO || err == unix.ENOENT {
			return nil
		}
		return errcode.Wrap(errcode.Sys, err, "open event pipe %d for kick", num)
	}
	defer unix.Close(fd)
	if _, err := unix.Write(fd, []byte{1}); err != nil && err != unix.EAGAIN {
		return errcode.Wrap(errcode.Sys, err, "kick event pipe %d", num)
	}
	return nil
}

// Drain consumes all pending tokens from the listener end.
func Drain(f *os.File) {
	var buf [64]byte
	for {
		n, err := f.Read(buf[:])
		if n <= 0 || err != nil {
			return
		}
	}
}

// RemoveEvpipe unlinks the FIFO.
func RemoveEvpipe(paths config.Paths, num uint32) {
	_ = os.Remove(paths.EvpipePath(num))
}
