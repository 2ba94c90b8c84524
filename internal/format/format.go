// Package format provides the shared binary header used by every
// yangvault file: shared-memory segments, datastore files, stored
// operational diffs, subscription slots, and notification logs.
package format

import "errors"

// Header layout (4 bytes):
//
//	signature (1 byte, 'y' = 0x79)
//	type (1 byte, identifies format)
//	version (1 byte)
//	flags (1 byte)
//
// Type codes:
//
//	'M' = main shared-memory segment
//	'E' = ext shared-memory segment
//	'd' = datastore file (binary-encoded data tree)
//	'o' = stored operational diff
//	's' = subscription slot
//	'n' = notification log
//	'c' = scheduled-changes file
const (
	Signature  = 'y'
	HeaderSize = 4

	TypeMainSeg    = 'M'
	TypeExtSeg     = 'E'
	TypeDatastore  = 'd'
	TypeOperDiff   = 'o'
	TypeSubSlot    = 's'
	TypeNotifLog   = 'n'
	TypeSchedFile  = 'c'
)

// Flag bits. Compression flags apply to notification logs only.
const (
	FlagCompressedZstd   = 0x01
	FlagCompressedBrotli = 0x02
	FlagMultiSub         = 0x04 // subscription slot has the multi-subscriber header
)

var (
	ErrHeaderTooSmall    = errors.New("header too small")
	ErrSignatureMismatch = errors.New("signature mismatch")
	ErrTypeMismatch      = errors.New("type mismatch")
	ErrVersionMismatch   = errors.New("version mismatch")
)

// Header represents the common 4-byte header.
type Header struct {
	Type    byte
	Version byte
	Flags   byte
}

// Encode returns the header as a 4-byte array.
func (h Header) Encode() [HeaderSize]byte {
	return [HeaderSize]byte{Signature, h.Type, h.Version, h.Flags}
}

// EncodeInto writes the header into buf at offset 0 and returns HeaderSize.
func (h Header) EncodeInto(buf []byte) int {
	buf[0] = Signature
	buf[1] = h.Type
	buf[2] = h.Version
	buf[3] = h.Flags
	return HeaderSize
}

// Decode reads a header from buf.
func Decode(buf []byte) (Header, error) {
	if len(buf) < HeaderSize {
		return Header{}, ErrHeaderTooSmall
	}
	if buf[0] != Signature {
		return Header{}, ErrSignatureMismatch
	}
	return Header{Type: buf[1], Version: buf[2], Flags: buf[3]}, nil
}

// DecodeAndValidate reads a header and checks type and version.
func DecodeAndValidate(buf []byte, expectedType, expectedVersion byte) (Header, error) {
	h, err := Decode(buf)
	if err != nil {
		return Header{}, err
	}
	if h.Type != expectedType {
		return Header{}, ErrTypeMismatch
	}
	if h.Version != expectedVersion {
		return Header{}, ErrVersionMismatch
	}
	return h, nil
}
