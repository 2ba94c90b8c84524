// Package notiflog stores per-module notification logs used for replay:
// rolling, length-framed record files that are compressed once rolled
// and pruned on a retention horizon.
package notiflog

import (
	"encoding/binary"
	"errors"
	"math"
	"time"

	"yangvault/internal/format"
	"yangvault/internal/yang"
)

// Record framing (little-endian):
//
//	size      uint32  (whole record, including both size words)
//	header    4 bytes (format header, type 'n')
//	ts        uint64  (Unix seconds)
//	bodyLen   uint32
//	body      msgpack-encoded notification tree
//	size      uint32  (trailing copy, enables backward scans)
const (
	recordVersion = 0x01

	sizeFieldBytes = 4
	tsBytes        = 8
	bodyLenBytes   = 4

	headerBytes   = sizeFieldBytes + format.HeaderSize + tsBytes + bodyLenBytes
	minRecordSize = headerBytes + sizeFieldBytes
)

var (
	ErrRecordTooSmall  = errors.New("notif record too small")
	ErrRecordTooLarge  = errors.New("notif record too large")
	ErrSizeMismatch    = errors.New("notif record size mismatch")
	ErrBodyLenMismatch = errors.New("notif record body length mismatch")
)

// Record is one logged notification.
type Record struct {
	TS   time.Time
	Tree []*yang.Node
}

func recordSize(bodyLen int) (uint32, error) {
	size := uint64(minRecordSize) + uint64(bodyLen)
	if size > math.MaxUint32 {
		return 0, ErrRecordTooLarge
	}
	return uint32(size), nil
}

// EncodeRecord frames one notification.
func EncodeRecord(rec Record) ([]byte, error) {
	body, err := yang.EncodeForest(format.TypeNotifLog, rec.Tree)
	if err != nil {
		return nil, err
	}
	size, err := recordSize(len(body))
	if err != nil {
		return nil, err
	}

	buf := make([]byte, size)
	binary.LittleEndian.PutUint32(buf[:sizeFieldBytes], size)
	cursor := sizeFieldBytes
	cursor += format.Header{Type: format.TypeNotifLog, Version: recordVersion}.EncodeInto(buf[cursor:])
	binary.LittleEndian.PutUint64(buf[cursor:cursor+tsBytes], uint64(rec.TS.Unix()))
	cursor += tsBytes
	binary.LittleEndian.PutUint32(buf[cursor:cursor+bodyLenBytes], uint32(len(body)))
	cursor += bodyLenBytes
	copy(buf[cursor:cursor+len(body)], body)
	cursor += len(body)
	binary.LittleEndian.PutUint32(buf[cursor:cursor+sizeFieldBytes], size)
	return buf, nil
}

// DecodeRecord parses one framed record, returning it and the bytes
// consumed.
func DecodeRecord(buf []byte) (Record, int, error) {
	if len(buf) < minRecordSize {
		return Record{}, 0, ErrRecordTooSmall
	}
	size := binary.LittleEndian.Uint32(buf[:sizeFieldBytes])
	if size < minRecordSize || int(size) > len(buf) {
		return Record{}, 0, ErrSizeMismatch
	}
	cursor := sizeFieldBytes
	if _, err := format.DecodeAndValidate(buf[cursor:], format.TypeNotifLog, recordVersion); err != nil {
		return Record{}, 0, err
	}
	cursor += format.HeaderSize
	ts := binary.LittleEndian.Uint64(buf[cursor : cursor+tsBytes])
	cursor += tsBytes
	bodyLen := binary.LittleEndian.Uint32(buf[cursor : cursor+bodyLenBytes])
	cursor += bodyLenBytes
	if cursor+int(bodyLen)+sizeFieldBytes != int(size) {
		return Record{}, 0, ErrBodyLenMismatch
	}
	tree, err := yang.DecodeForest(format.TypeNotifLog, buf[cursor:cursor+int(bodyLen)])
	if err != nil {
		return Record{}, 0, err
	}
	cursor += int(bodyLen)
	if trailing := binary.LittleEndian.Uint32(buf[cursor : cursor+sizeFieldBytes]); trailing != size {
		return Record{}, 0, ErrSizeMismatch
	}
	return Record{TS: time.Unix(int64(ts), 0), Tree: tree}, int(size), nil
}

// DecodeAll parses a whole file worth of concatenated records.
func DecodeAll(buf []byte) ([]Record, error) {
	var out []Record
	for len(buf) > 0 {
		rec, n, err := DecodeRecord(buf)
		if err != nil {
			return out, err
		}
		out = append(out, rec)
		buf = buf[n:]
	}
	return out, nil
}
