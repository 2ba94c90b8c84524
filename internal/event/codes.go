// Package event implements subscription-slot event exchange: per-topic
// memory-mapped slots guarded by shared reader-writer locks, the
// priority-banded update → change → done/abort protocol, operational
// pulls, RPC chains, notification fan-out, and event dismissal.
package event

// Code is a slot event code. Listener-facing events are Update..Notif;
// originator-facing replies are Success and Error.
type Code uint32

const (
	None Code = iota
	Success
	Error
	Update
	Change
	Done
	Abort
	Enabled
	Oper
	Rpc
	Notif
)

var codeNames = [...]string{
	"none", "success", "error", "update", "change", "done", "abort",
	"enabled", "oper", "rpc", "notif",
}

func (c Code) String() string {
	if int(c) < len(codeNames) {
		return codeNames[c]
	}
	return "code?"
}

// Listener reports whether the code is processed by subscribers.
func (c Code) Listener() bool {
	switch c {
	case Update, Change, Done, Abort, Enabled, Oper, Rpc, Notif:
		return true
	}
	return false
}

// Terminal reports whether the code ends an originator's wait.
func (c Code) Terminal() bool { return c == Success || c == Error }
