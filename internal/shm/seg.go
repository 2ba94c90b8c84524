// Package shm provides the shared-memory substrate: file-backed segments
// mapped into every attached process, offset-based addressing, and the
// ext-segment allocator with wasted-byte accounting.
//
// Pointers are forbidden inside segments; every cross-blob reference is a
// 64-bit offset from the start of its segment. Callers translate offsets
// to bytes only while holding the remap-read lock that keeps the mapping
// from moving underneath them.
package shm

import (
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"unsafe"

	"golang.org/x/sys/unix"

	"yangvault/internal/format"
)

const segVersion = 0x01

// pageSize is the growth granularity of segment files.
const pageSize = 4096

var (
	ErrOutOfRange  = errors.New("shm: offset out of mapped range")
	ErrMisaligned  = errors.New("shm: misaligned lock word")
	ErrSegTooSmall = errors.New("shm: segment smaller than its header")
)

// Align8 rounds n up to the next multiple of 8. Every stored length and
// structure offset in shared memory is 8-byte aligned.
func Align8(n uint64) uint64 { return (n + 7) &^ 7 }

// pageAlign rounds n up to the file growth granularity.
func pageAlign(n uint64) uint64 { return (n + pageSize - 1) &^ (pageSize - 1) }

// Seg is one mapped segment file.
type Seg struct {
	file *os.File
	data []byte
}

// Open opens (creating if needed) and maps a segment file. A freshly
// created file is sized to minSize and stamped with the format header at
// hdrOff. An existing file has its header validated.
func Open(path string, typ byte, hdrOff, minSize uint64) (*Seg, error) {
	file, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o600)
	if err != nil {
		return nil, err
	}
	info, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, err
	}

	created := info.Size() == 0
	size := uint64(info.Size())
	if created {
		size = pageAlign(minSize)
		if err := file.Truncate(int64(size)); err != nil {
			file.Close()
			return nil, err
		}
	} else if size < hdrOff+format.HeaderSize {
		file.Close()
		return nil, ErrSegTooSmall
	}

	data, err := unix.Mmap(int(file.Fd()), 0, int(size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		file.Close()
		return nil, err
	}
	s := &Seg{file: file, data: data}

	if created {
		format.Header{Type: typ, Version: segVersion}.EncodeInto(s.data[hdrOff:])
	} else if _, err := format.DecodeAndValidate(s.data[hdrOff:], typ, segVersion); err != nil {
		s.Close()
		return nil, fmt.Errorf("segment %s: %w", path, err)
	}
	return s, nil
}

// Size returns the currently mapped length.
func (s *Seg) Size() uint64 { return uint64(len(s.data)) }

// Remap grows (or shrinks) the segment file to target and maps it fresh.
// The caller must hold the remap-write lock: no other goroutine or
// process may be using the old mapping's addresses. A target equal to
// the current size is a no-op.
func (s *Seg) Remap(target uint64) error {
	target = pageAlign(target)
	if target == s.Size() {
		return nil
	}
	if err := unix.Munmap(s.data); err != nil {
		return err
	}
	s.data = nil
	if err := s.file.Truncate(int64(target)); err != nil {
		return err
	}
	data, err := unix.Mmap(int(s.file.Fd()), 0, int(target), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return err
	}
	s.data = data
	return nil
}

// Stale reports whether the backing file's size differs from the current
// mapping (another process grew or shrank it).
func (s *Seg) Stale() (bool, error) {
	info, err := s.file.Stat()
	if err != nil {
		return false, err
	}
	return uint64(info.Size()) != s.Size(), nil
}

// Refresh remaps the segment to the current file size if another process
// has resized the file. Must be called under an exclusive remap hold: the
// old mapping is torn down, so no reader may be inside it.
func (s *Seg) Refresh() error {
	info, err := s.file.Stat()
	if err != nil {
		return err
	}
	if uint64(info.Size()) == s.Size() {
		return nil
	}
	if err := unix.Munmap(s.data); err != nil {
		return err
	}
	s.data = nil
	data, err := unix.Mmap(int(s.file.Fd()), 0, int(info.Size()), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return err
	}
	s.data = data
	return nil
}

// Close unmaps and closes the segment.
func (s *Seg) Close() error {
	var err error
	if s.data != nil {
		if e := unix.Munmap(s.data); e != nil {
			err = e
		}
		s.data = nil
	}
	if s.file != nil {
		if e := s.file.Close(); e != nil && err == nil {
			err = e
		}
		s.file = nil
	}
	return err
}

// Bytes returns the n bytes at off, bounds-checked.
func (s *Seg) Bytes(off, n uint64) ([]byte, error) {
	if off+n > s.Size() || off+n < off {
		return nil, fmt.Errorf("%w: [%d,%d) of %d", ErrOutOfRange, off, off+n, s.Size())
	}
	return s.data[off : off+n], nil
}

// Uint32 reads a little-endian uint32 at off.
func (s *Seg) Uint32(off uint64) uint32 {
	return binary.LittleEndian.Uint32(s.data[off : off+4])
}

// PutUint32 writes a little-endian uint32 at off.
func (s *Seg) PutUint32(off uint64, v uint32) {
	binary.LittleEndian.PutUint32(s.data[off:off+4], v)
}

// Uint64 reads a little-endian uint64 at off.
func (s *Seg) Uint64(off uint64) uint64 {
	return binary.LittleEndian.Uint64(s.data[off : off+8])
}

// PutUint64 writes a little-endian uint64 at off.
func (s *Seg) PutUint64(off uint64, v uint64) {
	binary.LittleEndian.PutUint64(s.data[off:off+8], v)
}

// Word32 returns the address of the 4-byte word at off for atomic and
// futex use. The word must be 4-byte aligned; lock initialization fails
// otherwise.
func (s *Seg) Word32(off uint64) (*uint32, error) {
	if off+4 > s.Size() {
		return nil, ErrOutOfRange
	}
	p := unsafe.Pointer(&s.data[off])
	if uintptr(p)%4 != 0 {
		return nil, ErrMisaligned
	}
	return (*uint32)(p), nil
}

// ReadString reads a NUL-terminated string at off.
func (s *Seg) ReadString(off uint64) (string, error) {
	if off >= s.Size() {
		return "", ErrOutOfRange
	}
	end := off
	for end < s.Size() && s.data[end] != 0 {
		end++
	}
	if end == s.Size() {
		return "", ErrOutOfRange
	}
	return string(s.data[off:end]), nil
}
