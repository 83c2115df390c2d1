package plugins

import (
	"encoding/binary"
	"errors"
	"testing"
)

// tiny assembler for tests
type asm struct{ code []byte }

func (a *asm) push(v int64) *asm {
	a.code = append(a.code, OpPush)
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], uint64(v))
	a.code = append(a.code, buf[:]...)
	return a
}

func (a *asm) op(opcodes ...byte) *asm {
	a.code = append(a.code, opcodes...)
	return a
}

func (a *asm) hostcall(id byte) *asm {
	a.code = append(a.code, OpHostcall, id)
	return a
}

func noHost(id byte, args []int64) (int64, error) { return 0, nil }

func TestVMArithmetic(t *testing.T) {
	program := (&asm{}).push(6).push(7).op(OpMul).push(2).op(OpAdd).op(OpHalt).code
	vm := NewVM(program, 1024, 1000, noHost)

	if err := vm.Run(0); err != nil {
		t.Fatal(err)
	}
	result, err := vm.pop()
	if err != nil {
		t.Fatal(err)
	}
	if result != 44 {
		t.Errorf("6*7+2 = %d, want 44", result)
	}
}

func TestVMMemoryStoreLoad(t *testing.T) {
	// mem[10] = 42; push mem[10]
	program := (&asm{}).push(10).push(42).op(OpStore).push(10).op(OpLoad).op(OpHalt).code
	vm := NewVM(program, 1024, 1000, noHost)

	if err := vm.Run(0); err != nil {
		t.Fatal(err)
	}
	result, _ := vm.pop()
	if result != 42 {
		t.Errorf("load returned %d, want 42", result)
	}
}

func TestVMMemoryFault(t *testing.T) {
	program := (&asm{}).push(99999).op(OpLoad).op(OpHalt).code
	vm := NewVM(program, 64, 1000, noHost)

	if err := vm.Run(0); !errors.Is(err, ErrMemoryFault) {
		t.Errorf("expected memory fault, got %v", err)
	}
}

func TestVMBudgetExceeded(t *testing.T) {
	// infinite loop: jmp 0
	program := []byte{OpJmp, 0, 0, 0, 0}
	vm := NewVM(program, 64, 100, noHost)

	if err := vm.Run(0); !errors.Is(err, ErrBudgetExceeded) {
		t.Errorf("expected budget exhaustion, got %v", err)
	}
	if vm.Steps() != 100 {
		t.Errorf("expected exactly 100 steps, got %d", vm.Steps())
	}
}

func TestVMDivisionByZero(t *testing.T) {
	program := (&asm{}).push(1).push(0).op(OpDiv).op(OpHalt).code
	vm := NewVM(program, 64, 1000, noHost)

	if err := vm.Run(0); !errors.Is(err, ErrBadProgram) {
		t.Errorf("expected bad program, got %v", err)
	}
}

func TestVMUnknownOpcode(t *testing.T) {
	vm := NewVM([]byte{0xFF}, 64, 1000, noHost)
	if err := vm.Run(0); !errors.Is(err, ErrBadProgram) {
		t.Errorf("expected bad program, got %v", err)
	}
}

func TestVMStackUnderflow(t *testing.T) {
	vm := NewVM([]byte{OpAdd}, 64, 1000, noHost)
	if err := vm.Run(0); !errors.Is(err, ErrStackFault) {
		t.Errorf("expected stack fault, got %v", err)
	}
}

func TestVMHostcallArgsInOrder(t *testing.T) {
	var got []int64
	host := func(id byte, args []int64) (int64, error) {
		got = append([]int64{}, args...)
		return 7, nil
	}

	// hostcall log(ptr=4, len=9)
	program := (&asm{}).push(4).push(9).hostcall(HostLog).op(OpHalt).code
	vm := NewVM(program, 64, 1000, host)

	if err := vm.Run(0); err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 || got[0] != 4 || got[1] != 9 {
		t.Errorf("hostcall args = %v, want [4 9]", got)
	}
	result, _ := vm.pop()
	if result != 7 {
		t.Errorf("hostcall result %d not pushed", result)
	}
}

func TestVMJz(t *testing.T) {
	// push 0; jz +skip; push 1 (skipped); target: push 2
	a := &asm{}
	a.push(0)
	a.op(OpJz)
	// jump target computed after: skip the push(1) which is 9 bytes
	jumpTargetPos := len(a.code)
	a.op(0, 0, 0, 0) // placeholder
	a.push(1)
	target := len(a.code)
	a.push(2).op(OpHalt)
	binary.BigEndian.PutUint32(a.code[jumpTargetPos:], uint32(target))

	vm := NewVM(a.code, 64, 1000, noHost)
	if err := vm.Run(0); err != nil {
		t.Fatal(err)
	}
	result, _ := vm.pop()
	if result != 2 {
		t.Errorf("jz did not skip: top = %d, want 2", result)
	}
	if len(vm.stack) != 0 {
		t.Errorf("stack should only have held the jump result, %d values left", len(vm.stack))
	}
}
