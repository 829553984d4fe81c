//go:build amd64

package vmx

import "encoding/binary"

// NativeProcessor executes VMX instructions directly. It only works in
// ring 0, for example in a unikernel or a kernel-mode Go runtime; every
// instruction it issues faults at user privilege.
type NativeProcessor struct{}

// NewNativeProcessor returns the hardware Processor, or an ErrUnsupported
// error when the caller does not run at CPL 0.
func NewNativeProcessor() (*NativeProcessor, error) {
	if cpl := readCS() & 3; cpl != 0 {
		return nil, newError("processor", ErrUnsupported, "VMX instructions require CPL 0")
	}
	return &NativeProcessor{}, nil
}

var _ Processor = (*NativeProcessor)(nil)

// Implemented in processor_amd64.s.
func cpuid(leaf, subleaf uint32) (eax, ebx, ecx, edx uint32)
func rdmsr(msr uint32) uint64
func wrmsr(msr uint32, value uint64)
func readCR0() uint64
func readCR3() uint64
func readCR4() uint64
func writeCR0(value uint64)
func writeCR4(value uint64)
func readCS() uint16
func readSelectors(sel *[7]uint16)
func sgdt(dst *[10]byte)
func sidt(dst *[10]byte)
func vmxon(region uint64) uint8
func vmxoff() uint8
func vmclear(vmcs uint64) uint8
func vmptrld(vmcs uint64) uint8
func vmread(field uint64) (value uint64, status uint8)
func vmwrite(field, value uint64) uint8
func invept(kind uint64, desc *[2]uint64) uint8

// vmxEnter saves BP, R12-R15 and RFLAGS in its own frame, points HOST_RSP at
// that frame and HOST_RIP at vmxExit, loads the guest registers from regs
// (slot 4 is skipped) and executes VMLAUNCH, or VMRESUME when resume is set.
//
// On VM exit the processor continues at vmxExit, which spills guest RAX to
// the frame scratch slot, stores the remaining registers into regs, restores
// the saved host registers and returns 0 to vmxEnter's caller. A failed entry
// instruction returns 1 (CF, VMfailInvalid) or 2 (ZF, VMfailValid) without
// touching regs.
//
//go:noescape
func vmxEnter(regs *GeneralRegisters, resume bool) uint8

// vmxExit is the HOST_RIP target. It must never be called from Go.
func vmxExit()

func (*NativeProcessor) CPUID(leaf, subleaf uint32) (eax, ebx, ecx, edx uint32) {
	return cpuid(leaf, subleaf)
}

func (*NativeProcessor) ReadMSR(msr uint32) uint64         { return rdmsr(msr) }
func (*NativeProcessor) WriteMSR(msr uint32, value uint64) { wrmsr(msr, value) }
func (*NativeProcessor) ReadCR0() uint64                   { return readCR0() }
func (*NativeProcessor) ReadCR3() uint64                   { return readCR3() }
func (*NativeProcessor) ReadCR4() uint64                   { return readCR4() }
func (*NativeProcessor) WriteCR0(value uint64)             { writeCR0(value) }
func (*NativeProcessor) WriteCR4(value uint64)             { writeCR4(value) }

// HostSegments reads the selectors and descriptor-table bases of the running
// CPU. The TR base is taken from the 16-byte TSS descriptor in the GDT.
func (*NativeProcessor) HostSegments() HostSegments {
	var sel [7]uint16
	readSelectors(&sel)
	var gdtr, idtr [10]byte
	sgdt(&gdtr)
	sidt(&idtr)

	s := HostSegments{
		CS: sel[0], SS: sel[1], DS: sel[2], ES: sel[3], FS: sel[4], GS: sel[5], TR: sel[6],
		GDTRBase: binary.LittleEndian.Uint64(gdtr[2:]),
		IDTRBase: binary.LittleEndian.Uint64(idtr[2:]),
	}
	if off := uint64(s.TR &^ 7); off != 0 {
		desc := gdtEntry(s.GDTRBase, off)
		s.TRBase = tssBase(desc[0], desc[1])
	}
	return s
}

func (*NativeProcessor) VMXOn(region PhysAddr) VMStatus {
	return VMStatus(vmxon(uint64(region)))
}

func (*NativeProcessor) VMXOff() VMStatus {
	return VMStatus(vmxoff())
}

func (*NativeProcessor) VMClear(vmcs PhysAddr) VMStatus {
	return VMStatus(vmclear(uint64(vmcs)))
}

func (*NativeProcessor) VMPtrLd(vmcs PhysAddr) VMStatus {
	return VMStatus(vmptrld(uint64(vmcs)))
}

func (*NativeProcessor) VMRead(field VMCSField) (uint64, VMStatus) {
	v, st := vmread(uint64(field))
	return v, VMStatus(st)
}

func (*NativeProcessor) VMWrite(field VMCSField, value uint64) VMStatus {
	return VMStatus(vmwrite(uint64(field), value))
}

// InvEPT executes INVEPT with a descriptor holding eptp.
func (*NativeProcessor) InvEPT(kind uint64, eptp uint64) VMStatus {
	desc := [2]uint64{eptp, 0}
	return VMStatus(invept(kind, &desc))
}

func (*NativeProcessor) Enter(regs *GeneralRegisters, launched bool) VMStatus {
	return VMStatus(vmxEnter(regs, launched))
}
