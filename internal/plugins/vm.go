package plugins

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// The plugin runtime is a small stack machine over a private linear
// memory. There are no syscalls: the only way out of the sandbox is the
// hostcall opcode, which dispatches into the capability-checked host
// API. CPU is budgeted in executed instructions, memory by the linear
// memory size.

var (
	ErrBudgetExceeded = errors.New("instruction budget exceeded")
	ErrMemoryFault    = errors.New("memory access out of bounds")
	ErrStackFault     = errors.New("stack fault")
	ErrBadProgram     = errors.New("malformed program")
)

const (
	OpHalt     byte = 0x00
	OpPush     byte = 0x01 // push imm64 (8-byte big-endian operand)
	OpPop      byte = 0x02
	OpDup      byte = 0x03
	OpAdd      byte = 0x04
	OpSub      byte = 0x05
	OpMul      byte = 0x06
	OpDiv      byte = 0x07
	OpLoad     byte = 0x10 // pop addr, push memory byte
	OpStore    byte = 0x11 // pop value, pop addr, write byte
	OpJmp      byte = 0x20 // absolute 4-byte target
	OpJz       byte = 0x21 // pop condition, jump when zero
	OpHostcall byte = 0x30 // 1-byte call id; args and results on the stack
)

const maxStackDepth = 256

// HostFunc handles one hostcall id. Arguments are popped by the caller
// and passed in order; the returned value is pushed back.
type HostFunc func(vm *VM, args []int64) (int64, error)

// hostcall ids and their stack arity
var hostcallArity = map[byte]int{
	HostLog:        2, // ptr, len
	HostChatSend:   2, // ptr, len
	HostKick:       1, // session id
	HostSetSetting: 4, // key ptr, key len, value ptr, value len
	HostFileWrite:  4, // name ptr, name len, data ptr, data len
	HostFileRead:   3, // name ptr, name len, dest ptr
	HostConnect:    2, // addr ptr, addr len
	HostAudioSend:  2, // ptr, len
}

const (
	HostLog        byte = 0
	HostChatSend   byte = 1
	HostKick       byte = 2
	HostSetSetting byte = 3
	HostFileWrite  byte = 4
	HostFileRead   byte = 5
	HostConnect    byte = 6
	HostAudioSend  byte = 7
)

type VM struct {
	program []byte
	memory  []byte
	stack   []int64

	steps    int64
	maxSteps int64

	host func(id byte, args []int64) (int64, error)
}

func NewVM(program []byte, memorySize int, maxSteps int64, host func(id byte, args []int64) (int64, error)) *VM {
	if memorySize <= 0 {
		memorySize = 64 * 1024
	}
	if maxSteps <= 0 {
		maxSteps = 1_000_000
	}
	return &VM{
		program:  program,
		memory:   make([]byte, memorySize),
		stack:    make([]int64, 0, maxStackDepth),
		maxSteps: maxSteps,
		host:     host,
	}
}

// Memory exposes the linear memory to host functions; plugins never see
// host memory, hosts read plugin memory through this view.
func (vm *VM) Memory() []byte {
	return vm.memory
}

// ReadString copies a (ptr, len) pair out of plugin memory.
func (vm *VM) ReadString(ptr int64, length int64) (string, error) {
	if ptr < 0 || length < 0 || ptr+length > int64(len(vm.memory)) {
		return "", ErrMemoryFault
	}
	return string(vm.memory[ptr : ptr+length]), nil
}

// WriteBytes copies host data into plugin memory, bounded by the memory
// size. Returns the number of bytes written.
func (vm *VM) WriteBytes(ptr int64, data []byte) (int64, error) {
	if ptr < 0 || ptr >= int64(len(vm.memory)) {
		return 0, ErrMemoryFault
	}
	n := copy(vm.memory[ptr:], data)
	return int64(n), nil
}

func (vm *VM) push(v int64) error {
	if len(vm.stack) >= maxStackDepth {
		return ErrStackFault
	}
	vm.stack = append(vm.stack, v)
	return nil
}

func (vm *VM) pop() (int64, error) {
	if len(vm.stack) == 0 {
		return 0, ErrStackFault
	}
	v := vm.stack[len(vm.stack)-1]
	vm.stack = vm.stack[:len(vm.stack)-1]
	return v, nil
}

// Run executes from entry until halt, end of program, error, or budget
// exhaustion. Run does not reset the step counter; it persists across
// runs until ResetBudget opens a new window.
func (vm *VM) Run(entry int) error {
	pc := entry

	for {
		if vm.steps >= vm.maxSteps {
			return ErrBudgetExceeded
		}
		vm.steps++

		if pc < 0 || pc >= len(vm.program) {
			return nil // running off the end halts
		}

		op := vm.program[pc]
		pc++

		switch op {
		case OpHalt:
			return nil

		case OpPush:
			if pc+8 > len(vm.program) {
				return ErrBadProgram
			}
			v := int64(binary.BigEndian.Uint64(vm.program[pc : pc+8]))
			pc += 8
			if err := vm.push(v); err != nil {
				return err
			}

		case OpPop:
			if _, err := vm.pop(); err != nil {
				return err
			}

		case OpDup:
			if len(vm.stack) == 0 {
				return ErrStackFault
			}
			if err := vm.push(vm.stack[len(vm.stack)-1]); err != nil {
				return err
			}

		case OpAdd, OpSub, OpMul, OpDiv:
			b, err := vm.pop()
			if err != nil {
				return err
			}
			a, err := vm.pop()
			if err != nil {
				return err
			}
			var v int64
			switch op {
			case OpAdd:
				v = a + b
			case OpSub:
				v = a - b
			case OpMul:
				v = a * b
			case OpDiv:
				if b == 0 {
					return fmt.Errorf("%w: division by zero", ErrBadProgram)
				}
				v = a / b
			}
			if err := vm.push(v); err != nil {
				return err
			}

		case OpLoad:
			addr, err := vm.pop()
			if err != nil {
				return err
			}
			if addr < 0 || addr >= int64(len(vm.memory)) {
				return ErrMemoryFault
			}
			if err := vm.push(int64(vm.memory[addr])); err != nil {
				return err
			}

		case OpStore:
			value, err := vm.pop()
			if err != nil {
				return err
			}
			addr, err := vm.pop()
			if err != nil {
				return err
			}
			if addr < 0 || addr >= int64(len(vm.memory)) {
				return ErrMemoryFault
			}
			vm.memory[addr] = byte(value)

		case OpJmp, OpJz:
			if pc+4 > len(vm.program) {
				return ErrBadProgram
			}
			target := int(binary.BigEndian.Uint32(vm.program[pc : pc+4]))
			pc += 4
			if op == OpJz {
				condition, err := vm.pop()
				if err != nil {
					return err
				}
				if condition != 0 {
					break
				}
			}
			pc = target

		case OpHostcall:
			if pc >= len(vm.program) {
				return ErrBadProgram
			}
			id := vm.program[pc]
			pc++

			arity, known := hostcallArity[id]
			if !known {
				return fmt.Errorf("%w: unknown hostcall %d", ErrBadProgram, id)
			}
			args := make([]int64, arity)
			for i := arity - 1; i >= 0; i-- {
				v, err := vm.pop()
				if err != nil {
					return err
				}
				args[i] = v
			}

			result, err := vm.host(id, args)
			if err != nil {
				return err
			}
			if err := vm.push(result); err != nil {
				return err
			}

		default:
			return fmt.Errorf("%w: opcode 0x%02x", ErrBadProgram, op)
		}
	}
}

// Steps reports the instructions executed so far.
func (vm *VM) Steps() int64 {
	return vm.steps
}

// ResetBudget opens a new CPU budget window, e.g. per delivered event.
func (vm *VM) ResetBudget() {
	vm.steps = 0
}
