package vmx

import (
	"errors"
	"fmt"

	"golang.org/x/arch/x86/x86asm"
)

// ErrStackPointerOperand is returned for operands naming RSP or one of its
// views. The guest stack pointer lives in the VMCS; use VCPU.RSP.
var ErrStackPointerOperand = errors.New("vmx: stack pointer operand is held in the VMCS")

type operandTarget struct {
	full  bool
	index uint8
	sub   Subregister
}

var operandTargets = buildOperandTargets()

func buildOperandTargets() map[x86asm.Reg]operandTarget {
	m := make(map[x86asm.Reg]operandTarget)

	full := []x86asm.Reg{
		x86asm.RAX, x86asm.RCX, x86asm.RDX, x86asm.RBX, x86asm.RSP, x86asm.RBP, x86asm.RSI, x86asm.RDI,
		x86asm.R8, x86asm.R9, x86asm.R10, x86asm.R11, x86asm.R12, x86asm.R13, x86asm.R14, x86asm.R15,
	}
	for i, r := range full {
		if i != RSPIndex {
			m[r] = operandTarget{full: true, index: uint8(i)}
		}
	}

	// Views in the Subregister table order (rsp views excluded).
	views := [][]x86asm.Reg{
		{x86asm.EAX, x86asm.ECX, x86asm.EDX, x86asm.EBX, x86asm.EBP, x86asm.ESI, x86asm.EDI,
			x86asm.R8L, x86asm.R9L, x86asm.R10L, x86asm.R11L, x86asm.R12L, x86asm.R13L, x86asm.R14L, x86asm.R15L},
		{x86asm.AX, x86asm.CX, x86asm.DX, x86asm.BX, x86asm.BP, x86asm.SI, x86asm.DI,
			x86asm.R8W, x86asm.R9W, x86asm.R10W, x86asm.R11W, x86asm.R12W, x86asm.R13W, x86asm.R14W, x86asm.R15W},
		{x86asm.AL, x86asm.CL, x86asm.DL, x86asm.BL, x86asm.BPB, x86asm.SIB, x86asm.DIB,
			x86asm.R8B, x86asm.R9B, x86asm.R10B, x86asm.R11B, x86asm.R12B, x86asm.R13B, x86asm.R14B, x86asm.R15B},
		{x86asm.AH, x86asm.CH, x86asm.DH, x86asm.BH},
	}
	next := Subregister(0)
	for _, group := range views {
		for _, r := range group {
			m[r] = operandTarget{sub: next}
			next++
		}
	}
	return m
}

func lookupOperand(r x86asm.Reg) (operandTarget, error) {
	switch r {
	case x86asm.RSP, x86asm.ESP, x86asm.SP, x86asm.SPB:
		return operandTarget{}, ErrStackPointerOperand
	}
	t, ok := operandTargets[r]
	if !ok {
		return operandTarget{}, fmt.Errorf("vmx: %v is not a general-purpose register", r)
	}
	return t, nil
}

// ReadOperand returns the value of a decoded register operand, zero-extended.
func (g *GeneralRegisters) ReadOperand(r x86asm.Reg) (uint64, error) {
	t, err := lookupOperand(r)
	if err != nil {
		return 0, err
	}
	if t.full {
		return g.Get(t.index), nil
	}
	return g.Read(t.sub), nil
}

// WriteOperand stores v into a decoded register operand with the
// architectural width rules of Write.
func (g *GeneralRegisters) WriteOperand(r x86asm.Reg, v uint64) error {
	t, err := lookupOperand(r)
	if err != nil {
		return err
	}
	if t.full {
		g.Set(t.index, v)
		return nil
	}
	g.Write(t.sub, v)
	return nil
}

// DecodeGuestInstruction decodes one 64-bit mode instruction, typically the
// bytes at the guest RIP of an exit.
func DecodeGuestInstruction(code []byte) (x86asm.Inst, error) {
	inst, err := x86asm.Decode(code, 64)
	if err != nil {
		return x86asm.Inst{}, fmt.Errorf("failed to decode instruction: %w", err)
	}
	// A lone prefix or escape byte decodes without an opcode.
	if inst.Op == 0 {
		return x86asm.Inst{}, fmt.Errorf("failed to decode instruction: %w", x86asm.ErrTruncated)
	}
	return inst, nil
}
