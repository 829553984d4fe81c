package vmx

// VMStatus is the outcome of a VMX instruction as reported in RFLAGS.
type VMStatus uint8

const (
	// VMSucceed: CF and ZF clear.
	VMSucceed VMStatus = iota
	// VMFailInvalid: CF set. There is no current VMCS to hold an error number.
	VMFailInvalid
	// VMFailValid: ZF set. The reason is in the VM-instruction error field.
	VMFailValid
)

func (s VMStatus) String() string {
	switch s {
	case VMSucceed:
		return "VMsucceed"
	case VMFailInvalid:
		return "VMfailInvalid"
	case VMFailValid:
		return "VMfailValid"
	default:
		return "VMstatus(?)"
	}
}

// HostSegments is a snapshot of the host segment state that VM exit reloads.
type HostSegments struct {
	CS, SS, DS, ES, FS, GS, TR uint16
	GDTRBase                   uint64
	IDTRBase                   uint64
	TRBase                     uint64
}

// Processor is the hardware the package drives. Every method acts on the
// logical CPU the caller is running on; callers pin themselves with
// runtime.LockOSThread before touching it.
//
// NewNativeProcessor returns the real implementation. Tests substitute a
// simulated one.
type Processor interface {
	CPUID(leaf, subleaf uint32) (eax, ebx, ecx, edx uint32)
	ReadMSR(msr uint32) uint64
	WriteMSR(msr uint32, value uint64)
	ReadCR0() uint64
	ReadCR3() uint64
	ReadCR4() uint64
	WriteCR0(value uint64)
	WriteCR4(value uint64)
	HostSegments() HostSegments

	VMXOn(region PhysAddr) VMStatus
	VMXOff() VMStatus
	VMClear(vmcs PhysAddr) VMStatus
	VMPtrLd(vmcs PhysAddr) VMStatus
	VMRead(field VMCSField) (uint64, VMStatus)
	VMWrite(field VMCSField, value uint64) VMStatus
	InvEPT(kind uint64, eptp uint64) VMStatus

	// Enter loads regs into the CPU and executes VMLAUNCH, or VMRESUME when
	// launched is set. On VM exit the guest registers are stored back into
	// regs and VMSucceed is returned. A failed entry leaves regs untouched.
	Enter(regs *GeneralRegisters, launched bool) VMStatus
}

// tssBase assembles the 64-bit base of a TSS descriptor from its two GDT
// quadwords.
func tssBase(lo, hi uint64) uint64 {
	base := (lo>>16)&0xffffff | (lo>>56&0xff)<<24
	return base | (hi&0xffffffff)<<32
}

const (
	cpuidVMXBit = 1 << 5
	cr4VMXE     = 1 << 13
)

// cpuHasVMX reports CPUID.1:ECX.VMX as seen through p.
func cpuHasVMX(p Processor) bool {
	_, _, ecx, _ := p.CPUID(1, 0)
	return ecx&cpuidVMXBit != 0
}
