// Package shmreg holds the module and subscription registries living in
// the two shared segments: the fixed-size main segment (header plus
// packed module records) and the append-growing ext segment (names,
// dependency arrays, subscription arrays, connection records).
//
// Every multi-byte field is little-endian; every record starts on an
// 8-byte boundary; every cross-record reference is an ext offset.
package shmreg

import "yangvault/internal/shmsync"

// ShmVersion is the ABI guard stored in the main header's first word.
// Attach aborts when the compiled version disagrees.
const ShmVersion uint64 = 3

// Main segment header layout.
const (
	mainVerOff       = 0   // uint64: ABI version, first word of the segment
	mainFormatOff    = 8   // 4-byte format header + 4 pad
	mainLockOff      = 16  // RWLock: inner lock on SHM state
	extRemapLockOff  = 32  // RWLock: outer remap lock for the ext mapping
	mainModCountOff  = 48  // uint32 + 4 pad
	mainRpcsOff      = 56  // uint64: ext offset of RPC record array
	mainRpcCountOff  = 64  // uint32 + 4 pad
	mainConnsOff     = 72  // uint64: ext offset of connection record array
	mainConnCountOff = 80  // uint32 + 4 pad
	mainNewCIDOff    = 88  // uint32 atomic
	mainNewSIDOff    = 92  // uint32 atomic
	mainNewSubIDOff  = 96  // uint32 atomic
	mainNewEvpipeOff = 100 // uint32 atomic
	MainHdrSize      = 104
)

// Module record layout (MainHdrSize + idx*ModRecSize).
const (
	modNameOff       = 0  // uint64: ext string
	modRevOff        = 8  // uint64: ext string
	modFeaturesOff   = 16 // uint64: ext array of uint64 string offsets
	modFeatureCntOff = 24 // uint32
	modFlagsOff      = 28 // uint32: bit 0 = replay support
	modDataDepsOff   = 32 // uint64: ext array of dataDepSize records
	modDataDepCntOff = 40 // uint32 + pad
	modInvDepsOff    = 48 // uint64: ext array of uint64 string offsets
	modInvDepCntOff  = 56 // uint32 + pad
	modOpDepsOff     = 64 // uint64: ext array of opDepSize records
	modOpDepCntOff   = 72 // uint32 + pad
	modVerOff        = 80 // uint32 data version + pad
	modDSLocksOff    = 88 // DatastoreCount × dsLockSize
	// per-datastore lock record: RWLock(16) + write-holder CID uint32 +
	// ds-lock owner SID uint32 + ds-lock owner CID uint32 + pad + ts int64
	dsLockSize       = 40
	modChangeSubsOff = modDSLocksOff + 4*dsLockSize // 248: 4 × {subsOff u64, count u32, pad}
	changeSubsHdr    = 16
	modOperSubsOff   = modChangeSubsOff + 4*changeSubsHdr // 312
	modOperSubCnt    = 320
	modNotifSubsOff  = 328
	modNotifSubCnt   = 336
	ModRecSize       = 344
)

const modFlagReplay = 0x1

// Ext-resident record sizes.
const (
	// data dependency: {moduleNameOff u64, xpathOff u64, flags u32, pad}
	dataDepSize    = 24
	dataDepInstID  = 0x1
	// operation dependency:
	// {xpathOff u64, notif u32, pad, inDepsOff u64, inCnt u32, pad,
	//  outDepsOff u64, outCnt u32, pad}
	opDepSize = 48

	// change subscription: {xpathOff u64, priority u32, opts u32,
	// evpipe u32, cid u32}
	changeSubSize = 24
	// operational subscription: {xpathOff u64, subType u32, opts u32,
	// evpipe u32, cid u32, xpathHash u32, pad}
	operSubSize = 32
	// notification subscription: {subID u32, evpipe u32, cid u32,
	// suspended u32, startTS i64, stopTS i64}
	notifSubSize = 32

	// RPC entry: {opPathOff u64, subsOff u64, subCount u32, pad}
	rpcRecSize = 24
	// RPC subscription: same shape as a change subscription.
	rpcSubSize = changeSubSize

	// connection record: {cid u32, pid u32, opts u32, pad,
	// evpipesOff u64, evpipeCount u32, pad}
	connRecSize = 32
)

// OperSubType mirrors the subscription flavors for operational data.
type OperSubType uint32

const (
	OperSubState OperSubType = iota
	OperSubConfig
	OperSubMixed
)

// dsLockRec offsets within a per-datastore lock record.
const (
	dsLockRWOff    = 0
	dsLockWrCIDOff = shmsync.RWLockSize      // CID of the current write holder, 0 if none
	dsLockSIDOff   = shmsync.RWLockSize + 4  // NETCONF ds-lock owner session
	dsLockCIDOff   = shmsync.RWLockSize + 8  // NETCONF ds-lock owner connection
	dsLockTSOff    = shmsync.RWLockSize + 16 // NETCONF ds-lock timestamp
)
