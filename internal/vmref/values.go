// Package vmref is a minimal reference implementation of the block.VM and
// block.Bytecode contracts (spec §6): a small stack machine with opcodes for
// pushing literals, sending, receiving, yielding, halting, and reading a
// map field, sufficient to drive the concrete end-to-end scenarios in
// spec §8. The instruction set and interpreter internals are intentionally
// minimal scaffolding, not a language implementation.
package vmref

import "github.com/kelpline/blockrt/internal/block"

// Int is the VM's integer value variant.
type Int int64

func (v Int) DeepCopy() block.Value { return v }

// Str is the VM's string value variant; Go strings are immutable so a deep
// copy is just the value itself.
type Str string

func (v Str) DeepCopy() block.Value { return v }

// ByteSize lets the mailbox's byte accounting charge the payload length
// (spec §4.2 Push step 1: "inline payload length for primitive strings").
func (v Str) ByteSize() int64 { return int64(len(v)) }

// Bool is the VM's boolean value variant, used for SEND's success result.
// JUMP_IF_ZERO does not accept it; its test operand must be an Int.
type Bool bool

func (v Bool) DeepCopy() block.Value { return v }

// Map is the VM's tagged-map value variant, used for the message format
// delivered to a receiver's stack (spec §6 "Message format delivered to
// receiver's VM stack").
type Map map[string]block.Value

func (m Map) DeepCopy() block.Value {
	out := make(Map, len(m))
	for k, v := range m {
		if v == nil {
			out[k] = nil
			continue
		}
		out[k] = v.DeepCopy()
	}
	return out
}

// NewMessage builds the map format the core delivers on receive (spec §6):
// {type, value, pid, code, reason}. Fields not relevant to msgType are
// simply omitted from the map rather than stored as zero values.
func NewMessage(msgType string, sender block.Pid, value block.Value) Map {
	return Map{"type": Str(msgType), "value": value, "pid": Int(sender)}
}

// NewExitMessage builds the {type: "exit"|"down", pid, code, reason} shape
// used by link/monitor fan-out (spec §4.5 steps 2-3).
func NewExitMessage(msgType string, pid block.Pid, code int, reason string) Map {
	return Map{
		"type":   Str(msgType),
		"pid":    Int(pid),
		"code":   Int(code),
		"reason": Str(reason),
	}
}
