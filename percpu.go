package vmx

import (
	"encoding/binary"
	"log/slog"
)

// PerCPUState is the VMX root-operation state of one logical CPU.
//
// A PerCPUState belongs to the CPU it was enabled on. All methods must be
// called from that CPU with the calling goroutine locked to its OS thread.
type PerCPUState struct {
	proc Processor
	mem  FrameAllocator

	revisionID  uint32
	vmxonRegion *PhysFrame
	enabled     bool

	// current is the VMCS loaded with VMPTRLD, if any.
	current *VMCS
	// active holds every VMCS that was made active on this CPU and has not
	// been cleared since.
	active map[*VMCS]struct{}
}

// NewPerCPUState returns the disabled state of the CPU driven by proc.
// VMX regions and control structures are allocated from mem.
func NewPerCPUState(proc Processor, mem FrameAllocator) *PerCPUState {
	return &PerCPUState{
		proc:        proc,
		mem:         mem,
		vmxonRegion: UninitFrame(),
		active:      make(map[*VMCS]struct{}),
	}
}

// Processor returns the hardware interface of the CPU.
func (c *PerCPUState) Processor() Processor {
	return c.proc
}

// Allocator returns the frame allocator backing this CPU's VMX structures.
func (c *PerCPUState) Allocator() FrameAllocator {
	return c.mem
}

// IsEnabled reports whether the CPU is in VMX root operation.
func (c *PerCPUState) IsEnabled() bool {
	return c.enabled
}

// RevisionID returns the VMCS revision identifier read by Enable.
func (c *PerCPUState) RevisionID() uint32 {
	return c.revisionID
}

// Current returns the current VMCS, or nil.
func (c *PerCPUState) Current() *VMCS {
	return c.current
}

// Enable puts the CPU into VMX root operation.
func (c *PerCPUState) Enable() error {
	if c.enabled {
		return newError("enable", ErrBusy, "VMX is already enabled on this CPU")
	}
	if !cpuHasVMX(c.proc) {
		return newError("enable", ErrUnsupported, "CPU does not support VMX")
	}

	// Enable VMXON outside SMX if the firmware left the MSR unlocked.
	fc := c.proc.ReadMSR(MSRFeatureControl)
	if fc&FeatureControlLocked == 0 {
		fc |= FeatureControlLocked | FeatureControlVMXOutsideSMX
		c.proc.WriteMSR(MSRFeatureControl, fc)
	} else if fc&FeatureControlVMXOutsideSMX == 0 {
		return newError("enable", ErrUnsupported, "VMX disabled by firmware in IA32_FEATURE_CONTROL")
	}

	cr0 := c.proc.ReadCR0()
	if !fixedBitsOK(cr0, c.proc.ReadMSR(MSRVMXCR0Fixed0), c.proc.ReadMSR(MSRVMXCR0Fixed1)) {
		return newError("enable", ErrBadState, "host CR0 is not valid in VMX operation")
	}
	cr4 := c.proc.ReadCR4()
	if !fixedBitsOK(cr4|cr4VMXE, c.proc.ReadMSR(MSRVMXCR4Fixed0), c.proc.ReadMSR(MSRVMXCR4Fixed1)) {
		return newError("enable", ErrBadState, "host CR4 is not valid in VMX operation")
	}

	basic := ReadVMXBasic(c.proc)
	if err := basic.check(); err != nil {
		return err
	}

	region, err := AllocZeroedFrame(c.mem)
	if err != nil {
		return err
	}
	putRevisionID(region, basic.RevisionID)

	c.proc.WriteCR4(cr4 | cr4VMXE)
	if st := c.proc.VMXOn(region.StartPaddr()); st != VMSucceed {
		c.proc.WriteCR4(cr4)
		region.Free()
		return statusError("vmxon", st, c.instructionErrorReader())
	}

	c.revisionID = basic.RevisionID
	c.vmxonRegion = region
	c.enabled = true
	recordVMXOn()
	slog.Debug("vmx: VMX enabled", "revision", basic.RevisionID, "vmxon", hexAddr(region.StartPaddr()))
	return nil
}

// Disable leaves VMX root operation. Every VMCS made active on this CPU must
// have been cleared first; Disable panics otherwise.
func (c *PerCPUState) Disable() error {
	if !c.enabled {
		return ErrVMXDisabled
	}
	if len(c.active) > 0 {
		panic("vmx: Disable with active VMCS on this CPU")
	}
	if st := c.proc.VMXOff(); st != VMSucceed {
		return statusError("vmxoff", st, c.instructionErrorReader())
	}
	c.proc.WriteCR4(c.proc.ReadCR4() &^ cr4VMXE)
	c.vmxonRegion.Free()
	c.vmxonRegion = UninitFrame()
	c.enabled = false
	recordVMXOff()
	slog.Debug("vmx: VMX disabled")
	return nil
}

// readInstructionError reads the VM-instruction error field of the current
// VMCS.
func (c *PerCPUState) readInstructionError() (uint64, VMStatus) {
	return c.proc.VMRead(VMInstructionError)
}

// instructionErrorReader returns readInstructionError when a VMCS is current
// to hold the error number, nil otherwise.
func (c *PerCPUState) instructionErrorReader() func() (uint64, VMStatus) {
	if c.current == nil {
		return nil
	}
	return c.readInstructionError
}

// putRevisionID stores the revision identifier in the first four bytes of a
// VMXON region or VMCS, with bit 31 (shadow VMCS) clear.
func putRevisionID(f *PhysFrame, id uint32) {
	binary.LittleEndian.PutUint32(f.Bytes(), id&0x7fffffff)
}
