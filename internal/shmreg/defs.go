package shmreg

import "yangvault/internal/config"

// Definition structs mirror the shared-memory records in plain Go. They
// feed Rebuild/Defrag and back the scheduled-changes application.

// DataDepDef is a cross-module data dependency.
type DataDepDef struct {
	Module string `msgpack:"m"`
	XPath  string `msgpack:"x,omitempty"`
	InstID bool   `msgpack:"i,omitempty"`
}

// OpDepDef is an RPC/notification dependency record.
type OpDepDef struct {
	XPath   string   `msgpack:"x"`
	Notif   bool     `msgpack:"n,omitempty"`
	InDeps  []string `msgpack:"in,omitempty"`
	OutDeps []string `msgpack:"out,omitempty"`
}

// ChangeSubDef is a change (or RPC) subscription record.
type ChangeSubDef struct {
	XPath    string
	Priority uint32
	Opts     uint32
	Evpipe   uint32
	CID      uint32
}

// OperSubDef is an operational-provider subscription record.
type OperSubDef struct {
	XPath     string
	SubType   OperSubType
	Opts      uint32
	Evpipe    uint32
	CID       uint32
	XPathHash uint32
}

// NotifSubDef is a notification subscription record.
type NotifSubDef struct {
	SubID     uint32
	Evpipe    uint32
	CID       uint32
	Suspended bool
	StartTS   int64
	StopTS    int64
}

// RPCDef groups the subscriptions of one RPC/action path.
type RPCDef struct {
	OpPath string
	Subs   []ChangeSubDef
}

// ConnDef is a connection record.
type ConnDef struct {
	CID     uint32
	PID     uint32
	Opts    uint32
	Evpipes []uint32
}

// ModuleDef is the full definition of one installed module.
type ModuleDef struct {
	Name     string   `msgpack:"n"`
	Revision string   `msgpack:"r,omitempty"`
	Features []string `msgpack:"f,omitempty"`
	Replay   bool     `msgpack:"p,omitempty"`
	Ver      uint32   `msgpack:"-"`

	DataDeps []DataDepDef `msgpack:"dd,omitempty"`
	InvDeps  []string     `msgpack:"id,omitempty"`
	OpDeps   []OpDepDef   `msgpack:"od,omitempty"`

	ChangeSubs [config.DatastoreCount][]ChangeSubDef `msgpack:"-"`
	OperSubs   []OperSubDef                          `msgpack:"-"`
	NotifSubs  []NotifSubDef                         `msgpack:"-"`
}

// State is everything the two segments hold.
type State struct {
	Mods  []ModuleDef
	RPCs  []RPCDef
	Conns []ConnDef
}
