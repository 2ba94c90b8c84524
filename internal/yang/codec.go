package yang

import (
	"github.com/vmihailenco/msgpack/v5"

	"yangvault/internal/format"
)

// Tree codec: a 4-byte format header followed by the msgpack encoding of
// the node forest. The same framing serves datastore files, stored
// operational diffs, slot payloads and notification bodies; the header
// type byte tells them apart.

const treeCodecVersion = 0x01

// EncodeForest serializes a forest with the given format type byte.
func EncodeForest(typ byte, forest []*Node) ([]byte, error) {
	body, err := msgpack.Marshal(forest)
	if err != nil {
		return nil, err
	}
	buf := make([]byte, format.HeaderSize+len(body))
	format.Header{Type: typ, Version: treeCodecVersion}.EncodeInto(buf)
	copy(buf[format.HeaderSize:], body)
	return buf, nil
}

// DecodeForest deserializes a forest, validating the format type byte.
// An empty or absent body decodes to a nil forest.
func DecodeForest(typ byte, buf []byte) ([]*Node, error) {
	if len(buf) == 0 {
		return nil, nil
	}
	if _, err := format.DecodeAndValidate(buf, typ, treeCodecVersion); err != nil {
		return nil, err
	}
	body := buf[format.HeaderSize:]
	if len(body) == 0 {
		return nil, nil
	}
	var forest []*Node
	if err := msgpack.Unmarshal(body, &forest); err != nil {
		return nil, err
	}
	return forest, nil
}
