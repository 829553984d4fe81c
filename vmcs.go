package vmx

import (
	"fmt"
	"log/slog"
)

// VMCSState is the launch state of a VMCS.
type VMCSState uint8

const (
	// VMCSCleared: inactive, or active but never launched since the last VMCLEAR.
	VMCSCleared VMCSState = iota
	// VMCSCurrent: loaded with VMPTRLD and not yet launched.
	VMCSCurrent
	// VMCSLaunched: VMLAUNCH succeeded; the next entry must use VMRESUME.
	VMCSLaunched
)

func (s VMCSState) String() string {
	switch s {
	case VMCSCleared:
		return "cleared"
	case VMCSCurrent:
		return "current"
	case VMCSLaunched:
		return "launched"
	default:
		return "unknown"
	}
}

// VMCS is a virtual-machine control structure region.
type VMCS struct {
	frame      *PhysFrame
	revisionID uint32
	state      VMCSState
	// cpu is the CPU the VMCS is active on, nil while inactive.
	cpu *PerCPUState
}

// NewVMCS allocates a zeroed VMCS region tagged with the CPU's revision
// identifier. VMX must be enabled on cpu.
func NewVMCS(cpu *PerCPUState) (*VMCS, error) {
	if !cpu.IsEnabled() {
		return nil, ErrVMXDisabled
	}
	f, err := AllocZeroedFrame(cpu.mem)
	if err != nil {
		return nil, err
	}
	putRevisionID(f, cpu.revisionID)
	return &VMCS{frame: f, revisionID: cpu.revisionID}, nil
}

// RevisionID returns the revision identifier the region is tagged with.
func (v *VMCS) RevisionID() uint32 {
	return v.revisionID
}

// PhysAddr returns the address of the VMCS region.
func (v *VMCS) PhysAddr() PhysAddr {
	return v.frame.StartPaddr()
}

// State returns the launch state.
func (v *VMCS) State() VMCSState {
	return v.state
}

// IsCurrent reports whether v is the current VMCS of the CPU it is active on.
func (v *VMCS) IsCurrent() bool {
	return v.cpu != nil && v.cpu.current == v
}

// Clear executes VMCLEAR, flushing the VMCS to memory and making it inactive
// and not launched. Clearing an inactive VMCS is a no-op.
func (v *VMCS) Clear(cpu *PerCPUState) error {
	if v.cpu == nil {
		v.state = VMCSCleared
		return nil
	}
	if v.cpu != cpu {
		panic("vmx: VMCS cleared from a CPU it is not active on")
	}
	if st := cpu.proc.VMClear(v.PhysAddr()); st != VMSucceed {
		return statusError("vmclear", st, cpu.readInstructionError)
	}
	if cpu.current == v {
		cpu.current = nil
	}
	delete(cpu.active, v)
	v.cpu = nil
	v.state = VMCSCleared
	slog.Debug("vmx: VMCS cleared", "vmcs", hexAddr(v.PhysAddr()))
	return nil
}

// Load executes VMPTRLD, making v the current VMCS on cpu. Loading fails if a
// different VMCS is already current (clear it first) or if v was tagged with
// another revision identifier than cpu uses.
func (v *VMCS) Load(cpu *PerCPUState) error {
	if !cpu.IsEnabled() {
		return ErrVMXDisabled
	}
	if cpu.current == v {
		return nil
	}
	if cpu.current != nil {
		return ErrOtherCurrent
	}
	if v.cpu != nil && v.cpu != cpu {
		return newError("vmptrld", ErrBusy, "VMCS is active on another CPU")
	}
	if v.revisionID != cpu.revisionID {
		return newError("vmptrld", ErrBadState,
			fmt.Sprintf("VMCS revision %#x does not match CPU revision %#x", v.revisionID, cpu.revisionID))
	}
	if st := cpu.proc.VMPtrLd(v.PhysAddr()); st != VMSucceed {
		return statusError("vmptrld", st, cpu.readInstructionError)
	}
	cpu.current = v
	cpu.active[v] = struct{}{}
	v.cpu = cpu
	if v.state == VMCSCleared {
		v.state = VMCSCurrent
	}
	return nil
}

func (v *VMCS) mustBeCurrent() error {
	if !v.IsCurrent() {
		return ErrNotCurrent
	}
	return nil
}

// Read returns a field of the current VMCS.
func (v *VMCS) Read(field VMCSField) (uint64, error) {
	if err := v.mustBeCurrent(); err != nil {
		return 0, err
	}
	val, st := v.cpu.proc.VMRead(field)
	if st != VMSucceed {
		return 0, statusError("vmread", st, v.cpu.readInstructionError)
	}
	return val, nil
}

// Write sets a field of the current VMCS.
func (v *VMCS) Write(field VMCSField, value uint64) error {
	if err := v.mustBeCurrent(); err != nil {
		return err
	}
	if st := v.cpu.proc.VMWrite(field, value); st != VMSucceed {
		return statusError("vmwrite", st, v.cpu.readInstructionError)
	}
	return nil
}

// enter runs the guest with VMLAUNCH or VMRESUME depending on the launch
// state. A successful VMLAUNCH moves the VMCS to VMCSLaunched; a failed entry
// leaves the state as it was.
func (v *VMCS) enter(regs *GeneralRegisters) (launch bool, err error) {
	if err := v.mustBeCurrent(); err != nil {
		return false, err
	}
	launch = v.state != VMCSLaunched
	op := "vmresume"
	if launch {
		op = "vmlaunch"
	}
	if st := v.cpu.proc.Enter(regs, !launch); st != VMSucceed {
		return launch, statusError(op, st, v.cpu.readInstructionError)
	}
	v.state = VMCSLaunched
	return launch, nil
}

// Release clears the VMCS if it is still active and frees its region. The
// region is never freed while the processor may still cache it.
func (v *VMCS) Release(cpu *PerCPUState) error {
	if !v.frame.Valid() {
		return nil
	}
	if err := v.Clear(cpu); err != nil {
		return err
	}
	v.frame.Free()
	return nil
}
