package block

import (
	"strings"
	"sync/atomic"
)

// Capability is a single bit in a block's permission mask, gating one class
// of privileged operation (spec §3 "Capability set").
type Capability uint32

const CapNone Capability = 0

const (
	CapSpawn Capability = 1 << iota
	CapSend
	CapReceive
	CapInfer
	CapHTTP
	CapFileRead
	CapFileWrite
	CapDB
	CapMemory
	CapLink
	CapShell
	CapExec
	CapMonitor
	CapTrapExit
)

// CapAll is the union of every defined capability bit.
const CapAll = CapSpawn | CapSend | CapReceive | CapInfer | CapHTTP | CapFileRead |
	CapFileWrite | CapDB | CapMemory | CapLink | CapShell | CapExec | CapMonitor | CapTrapExit

var capNames = map[Capability]string{
	CapSpawn:     "SPAWN",
	CapSend:      "SEND",
	CapReceive:   "RECEIVE",
	CapInfer:     "INFER",
	CapHTTP:      "HTTP",
	CapFileRead:  "FILE_READ",
	CapFileWrite: "FILE_WRITE",
	CapDB:        "DB",
	CapMemory:    "MEMORY",
	CapLink:      "LINK",
	CapShell:     "SHELL",
	CapExec:      "EXEC",
	CapMonitor:   "MONITOR",
	CapTrapExit:  "TRAP_EXIT",
}

// Name renders the capability as its spec-enumerated identifier, e.g. for use
// in the "missing capability: <NAME>" crash reason (spec §4.1).
func (c Capability) Name() string {
	if c == CapNone {
		return "NONE"
	}
	if c == CapAll {
		return "ALL"
	}
	if name, ok := capNames[c]; ok {
		return name
	}
	var names []string
	for bit, name := range capNames {
		if c&bit != 0 {
			names = append(names, name)
		}
	}
	return strings.Join(names, "|")
}

// CapSet is a bitmask over the closed capability enum. Capabilities are not
// transitive: a spawned child gets exactly the set the spawner specified,
// never the spawner's own superset (spec §4.1).
type CapSet Capability

func NewCapSet(caps ...Capability) CapSet {
	var s CapSet
	for _, c := range caps {
		s |= CapSet(c)
	}
	return s
}

func (s CapSet) Has(c Capability) bool {
	if c == CapAll {
		return CapSet(CapAll)&s == CapSet(CapAll)
	}
	return CapSet(c)&s == CapSet(c)
}

func (s CapSet) Grant(c Capability) CapSet {
	return s | CapSet(c)
}

func (s CapSet) Revoke(c Capability) CapSet {
	return s &^ CapSet(c)
}

// atomicCapSet guards a block's capability mask with a CAS loop so grant and
// revoke from concurrent callers (spec §6 "block_grant/block_revoke") never
// lose an update, matching the discipline used for Block.state.
type atomicCapSet struct {
	v atomic.Uint32
}

func (a *atomicCapSet) store(s CapSet) { a.v.Store(uint32(s)) }
func (a *atomicCapSet) load() CapSet   { return CapSet(a.v.Load()) }

func (a *atomicCapSet) update(fn func(CapSet) CapSet) {
	for {
		old := a.v.Load()
		next := uint32(fn(CapSet(old)))
		if a.v.CompareAndSwap(old, next) {
			return
		}
	}
}
