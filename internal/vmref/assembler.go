package vmref

import (
	"encoding/binary"
	"fmt"

	"github.com/kelpline/blockrt/internal/block"
)

// Assembler builds a Main chunk for the reference VM's encoding: every
// instruction is big-endian on the wire, matching the checkpoint format's
// byte order convention (spec §6 "big-endian byte order on the wire").
// Labels support forward jumps via a two-pass backpatch.
type Assembler struct {
	buf      []byte
	labels   map[string]int
	fixups   map[string][]int // byte offset of the 4-byte operand to patch
}

func NewAssembler() *Assembler {
	return &Assembler{
		labels: make(map[string]int),
		fixups: make(map[string][]int),
	}
}

func (a *Assembler) Label(name string) *Assembler {
	a.labels[name] = len(a.buf)
	return a
}

func (a *Assembler) Halt() *Assembler { a.buf = append(a.buf, byte(OpHalt)); return a }
func (a *Assembler) Yield() *Assembler { a.buf = append(a.buf, byte(OpYield)); return a }
func (a *Assembler) Pop() *Assembler  { a.buf = append(a.buf, byte(OpPop)); return a }
func (a *Assembler) Dup() *Assembler  { a.buf = append(a.buf, byte(OpDup)); return a }
func (a *Assembler) Send() *Assembler { a.buf = append(a.buf, byte(OpSend)); return a }
func (a *Assembler) Receive() *Assembler { a.buf = append(a.buf, byte(OpReceive)); return a }

func (a *Assembler) PushInt(n int64) *Assembler {
	a.buf = append(a.buf, byte(OpPushInt))
	var tmp [8]byte
	binary.BigEndian.PutUint64(tmp[:], uint64(n))
	a.buf = append(a.buf, tmp[:]...)
	return a
}

func (a *Assembler) PushStr(s string) *Assembler {
	a.buf = append(a.buf, byte(OpPushStr))
	var tmp [4]byte
	binary.BigEndian.PutUint32(tmp[:], uint32(len(s)))
	a.buf = append(a.buf, tmp[:]...)
	a.buf = append(a.buf, s...)
	return a
}

func (a *Assembler) GetField(name string) *Assembler {
	return a.emitNamed(OpGetField, name)
}

func (a *Assembler) StoreGlobal(name string) *Assembler {
	return a.emitNamed(OpStoreGlobal, name)
}

func (a *Assembler) LoadGlobal(name string) *Assembler {
	return a.emitNamed(OpLoadGlobal, name)
}

func (a *Assembler) emitNamed(op Op, name string) *Assembler {
	if len(name) > 255 {
		panic("vmref: name too long")
	}
	a.buf = append(a.buf, byte(op), byte(len(name)))
	a.buf = append(a.buf, name...)
	return a
}

// Jump and JumpIfZero reference a label that may be defined later in the
// stream; the offset is backpatched once the label is known.
func (a *Assembler) Jump(label string) *Assembler    { return a.emitJump(OpJump, label) }
func (a *Assembler) JumpIfZero(label string) *Assembler { return a.emitJump(OpJumpIfZero, label) }

func (a *Assembler) emitJump(op Op, label string) *Assembler {
	a.buf = append(a.buf, byte(op))
	pos := len(a.buf)
	a.buf = append(a.buf, 0, 0, 0, 0)
	if target, ok := a.labels[label]; ok {
		binary.BigEndian.PutUint32(a.buf[pos:pos+4], uint32(target))
	} else {
		a.fixups[label] = append(a.fixups[label], pos)
	}
	return a
}

// Build resolves all pending label fixups and returns a ready-to-load
// Bytecode object (spec §6 "Bytecode contract consumed by the core").
func (a *Assembler) Build() (*block.Bytecode, error) {
	for label, positions := range a.fixups {
		target, ok := a.labels[label]
		if !ok {
			return nil, fmt.Errorf("vmref: undefined label %q", label)
		}
		for _, pos := range positions {
			binary.BigEndian.PutUint32(a.buf[pos:pos+4], uint32(target))
		}
	}
	return block.NewBytecode(a.buf), nil
}
