package vmref

import (
	"context"
	"encoding/binary"
	"fmt"

	"github.com/kelpline/blockrt/internal/block"
)

// VM is the reference implementation of block.VM (spec §6 "VM contract
// consumed by the core"). It executes the Assembler's encoding directly
// against Main; Functions/Tools are carried but unused by this minimal
// interpreter.
type VM struct {
	bc    *block.Bytecode
	pc    int
	stack []block.Value

	globals        map[string]block.Value
	reductionLimit int64
	reductions     int64
	errStr         string

	scheduler block.Scheduler
	self      block.Pid
}

func New() *VM {
	return &VM{globals: make(map[string]block.Value)}
}

func (v *VM) Load(bc *block.Bytecode) error {
	if v.bc != nil {
		return fmt.Errorf("vmref: bytecode already loaded")
	}
	v.bc = bc
	v.pc = 0
	return nil
}

func (v *VM) SetReductionLimit(n int64) { v.reductionLimit = n }
func (v *VM) Reductions() int64         { return v.reductions }

func (v *VM) Push(val block.Value) { v.stack = append(v.stack, val) }

func (v *VM) Peek(distance int) (block.Value, bool) {
	idx := len(v.stack) - 1 - distance
	if idx < 0 || idx >= len(v.stack) {
		return nil, false
	}
	return v.stack[idx], true
}

func (v *VM) Pop() (block.Value, bool) {
	if len(v.stack) == 0 {
		return nil, false
	}
	val := v.stack[len(v.stack)-1]
	v.stack = v.stack[:len(v.stack)-1]
	return val, true
}

func (v *VM) Error() string                     { return v.errStr }
func (v *VM) Globals() map[string]block.Value   { return v.globals }
func (v *VM) SetScheduler(s block.Scheduler)    { v.scheduler = s }
func (v *VM) SetSelf(pid block.Pid)             { v.self = pid }

func (v *VM) fail(format string, args ...any) block.StepResult {
	v.errStr = fmt.Sprintf(format, args...)
	return block.StepError
}

// Run executes instructions starting at the current program counter until
// the reduction budget is exhausted (StepYield, preserving pc to resume),
// an explicit YIELD is hit, the program runs off the end or hits HALT
// (StepHalted), RECEIVE finds an empty mailbox (StepWaiting, pc unchanged so
// the next Run retries the same instruction), or a runtime fault occurs
// (StepError).
func (v *VM) Run(ctx context.Context) block.StepResult {
	v.reductions = 0
	if v.bc == nil {
		return v.fail("vmref: no bytecode loaded")
	}
	code := v.bc.Main

	for {
		if ctx.Err() != nil {
			return block.StepYield
		}
		if v.reductionLimit > 0 && v.reductions >= v.reductionLimit {
			return block.StepYield
		}
		if v.pc >= len(code) {
			return block.StepHalted
		}

		op := Op(code[v.pc])
		v.reductions++

		switch op {
		case OpHalt:
			v.pc++
			return block.StepHalted

		case OpYield:
			v.pc++
			return block.StepYield

		case OpPushInt:
			if v.pc+9 > len(code) {
				return v.fail("truncated PUSH_INT at pc=%d", v.pc)
			}
			n := int64(binary.BigEndian.Uint64(code[v.pc+1 : v.pc+9]))
			v.Push(Int(n))
			v.pc += 9

		case OpPushStr:
			if v.pc+5 > len(code) {
				return v.fail("truncated PUSH_STR at pc=%d", v.pc)
			}
			length := int(binary.BigEndian.Uint32(code[v.pc+1 : v.pc+5]))
			start := v.pc + 5
			end := start + length
			if end > len(code) {
				return v.fail("truncated PUSH_STR payload at pc=%d", v.pc)
			}
			v.Push(Str(code[start:end]))
			v.pc = end

		case OpPop:
			if _, ok := v.Pop(); !ok {
				return v.fail("stack underflow on POP at pc=%d", v.pc)
			}
			v.pc++

		case OpDup:
			top, ok := v.Peek(0)
			if !ok {
				return v.fail("stack underflow on DUP at pc=%d", v.pc)
			}
			v.Push(top)
			v.pc++

		case OpSend:
			val, ok := v.Pop()
			if !ok {
				return v.fail("stack underflow on SEND value at pc=%d", v.pc)
			}
			targetVal, ok := v.Pop()
			if !ok {
				return v.fail("stack underflow on SEND target at pc=%d", v.pc)
			}
			target, ok := targetVal.(Int)
			if !ok {
				return v.fail("SEND target is not an integer pid at pc=%d", v.pc)
			}
			if v.scheduler == nil {
				return v.fail("SEND without an attached scheduler at pc=%d", v.pc)
			}
			sent := v.scheduler.Send(block.Pid(target), v.self, val)
			v.Push(Bool(sent))
			v.pc++

		case OpReceive:
			if v.scheduler == nil {
				return v.fail("RECEIVE without an attached scheduler at pc=%d", v.pc)
			}
			sender, val, ok := v.scheduler.Receive(v.self)
			if !ok {
				return block.StepWaiting
			}
			v.Push(NewMessage("message", sender, val))
			v.pc++

		case OpGetField:
			if v.pc+2 > len(code) {
				return v.fail("truncated GET_FIELD at pc=%d", v.pc)
			}
			length := int(code[v.pc+1])
			start := v.pc + 2
			end := start + length
			if end > len(code) {
				return v.fail("truncated GET_FIELD name at pc=%d", v.pc)
			}
			name := string(code[start:end])
			top, ok := v.Pop()
			if !ok {
				return v.fail("stack underflow on GET_FIELD at pc=%d", v.pc)
			}
			m, ok := top.(Map)
			if !ok {
				return v.fail("GET_FIELD on a non-map value at pc=%d", v.pc)
			}
			field, ok := m[name]
			if !ok {
				return v.fail("GET_FIELD: field %q not present at pc=%d", name, v.pc)
			}
			v.Push(field)
			v.pc = end

		case OpStoreGlobal:
			if v.pc+2 > len(code) {
				return v.fail("truncated STORE_GLOBAL at pc=%d", v.pc)
			}
			length := int(code[v.pc+1])
			start := v.pc + 2
			end := start + length
			if end > len(code) {
				return v.fail("truncated STORE_GLOBAL name at pc=%d", v.pc)
			}
			name := string(code[start:end])
			val, ok := v.Pop()
			if !ok {
				return v.fail("stack underflow on STORE_GLOBAL at pc=%d", v.pc)
			}
			v.globals[name] = val
			v.pc = end

		case OpLoadGlobal:
			if v.pc+2 > len(code) {
				return v.fail("truncated LOAD_GLOBAL at pc=%d", v.pc)
			}
			length := int(code[v.pc+1])
			start := v.pc + 2
			end := start + length
			if end > len(code) {
				return v.fail("truncated LOAD_GLOBAL name at pc=%d", v.pc)
			}
			name := string(code[start:end])
			val, ok := v.globals[name]
			if !ok {
				return v.fail("LOAD_GLOBAL: global %q not set at pc=%d", name, v.pc)
			}
			v.Push(val)
			v.pc = end

		case OpJump:
			if v.pc+5 > len(code) {
				return v.fail("truncated JUMP at pc=%d", v.pc)
			}
			v.pc = int(binary.BigEndian.Uint32(code[v.pc+1 : v.pc+5]))

		case OpJumpIfZero:
			if v.pc+5 > len(code) {
				return v.fail("truncated JUMP_IF_ZERO at pc=%d", v.pc)
			}
			target := int(binary.BigEndian.Uint32(code[v.pc+1 : v.pc+5]))
			val, ok := v.Pop()
			if !ok {
				return v.fail("stack underflow on JUMP_IF_ZERO at pc=%d", v.pc)
			}
			n, ok := val.(Int)
			if !ok {
				return v.fail("JUMP_IF_ZERO on a non-integer value at pc=%d", v.pc)
			}
			if n == 0 {
				v.pc = target
			} else {
				v.pc += 5
			}

		default:
			return v.fail("unknown opcode %d at pc=%d", op, v.pc)
		}
	}
}
