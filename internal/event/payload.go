package event

import (
	"github.com/vmihailenco/msgpack/v5"

	"yangvault/internal/errcode"
	"yangvault/internal/yang"
)

// Slot payload envelopes. Trees travel as plain node forests inside
// msgpack; the slot header already identifies the event, so the envelope
// carries only what the event needs.

// ChangePayload is the diff carried by Update/Change/Done/Abort events.
type ChangePayload struct {
	DS   int          `msgpack:"d"`
	Diff []*yang.Node `msgpack:"f,omitempty"`
}

// ReplyPayload carries a subscriber's reply: an update-edit for Update
// events, an operational subtree for Oper, an output tree for Rpc, or an
// error description.
type ReplyPayload struct {
	Edit    []*yang.Node `msgpack:"e,omitempty"`
	Message string       `msgpack:"m,omitempty"`
	XPath   string       `msgpack:"x,omitempty"`
}

// OperPayload asks a provider for its subtree.
type OperPayload struct {
	XPath        string       `msgpack:"x"`
	RequestXPath string       `msgpack:"r,omitempty"`
	Parent       []*yang.Node `msgpack:"p,omitempty"`
}

// RpcPayload carries an RPC/action input (and chained output).
type RpcPayload struct {
	OpPath string       `msgpack:"o"`
	Input  []*yang.Node `msgpack:"i,omitempty"`
}

// NotifPayload carries one notification.
type NotifPayload struct {
	TS   int64        `msgpack:"t"`
	Tree []*yang.Node `msgpack:"n,omitempty"`
}

// EncodePayload and DecodePayload expose the envelope codec to listener
// contexts, which share the payload structs with the publisher side.
func EncodePayload(v any) ([]byte, error) { return encode(v) }

// DecodePayload decodes a slot payload envelope.
func DecodePayload(buf []byte, v any) error { return decode(buf, v) }

func encode(v any) ([]byte, error) {
	buf, err := msgpack.Marshal(v)
	if err != nil {
		return nil, errcode.Wrap(errcode.Internal, err, "encode slot payload")
	}
	return buf, nil
}

func decode(buf []byte, v any) error {
	if len(buf) == 0 {
		return nil
	}
	if err := msgpack.Unmarshal(buf, v); err != nil {
		return errcode.Wrap(errcode.Internal, err, "decode slot payload")
	}
	return nil
}

// replyError converts an Error reply payload into a CallbackFailed error.
func replyError(buf []byte) error {
	var reply ReplyPayload
	if err := decode(buf, &reply); err != nil {
		return err
	}
	e := errcode.New(errcode.CallbackFailed, "%s", reply.Message)
	if reply.XPath != "" {
		e = e.WithXPath(reply.XPath)
	}
	return e
}
