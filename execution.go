package vmx

import (
	"log/slog"
	"time"
)

const (
	interruptibilitySTI   = 1 << 0
	interruptibilityMovSS = 1 << 1

	invEPTSingleContext = 1
)

type pendingEvent struct {
	vector  uint8
	errCode uint32
}

// Run enters the guest and blocks until the next VM exit. The first Run after
// Setup executes VMLAUNCH; later calls execute VMRESUME.
//
// A failed VM entry instruction returns an error wrapping ErrBadState with the
// decoded VM-instruction error. The VMCS keeps its launch state, so the caller
// may fix the configuration and call Run again.
func (c *VCPU) Run() (ExitInfo, error) {
	c.closeMu.Lock()
	defer c.closeMu.Unlock()

	if c.closed {
		return ExitInfo{}, ErrVCPUClosed
	}
	if !c.configured {
		return ExitInfo{}, newError("run", ErrBadState, "vCPU is not configured")
	}
	if err := c.vmcs.Load(c.cpu); err != nil {
		return ExitInfo{}, err
	}
	injected, err := c.injectPending()
	if err != nil {
		return ExitInfo{}, err
	}

	start := time.Now()
	launch, err := c.vmcs.enter(&c.regs)
	if err != nil {
		slog.Debug("vmx: VM entry failed", "launch", launch, "err", err)
		return ExitInfo{}, err
	}
	recordEntry(launch, time.Since(start))

	raw, err := c.vmcs.Read(ExitReasonField)
	if err != nil {
		return ExitInfo{}, err
	}
	if raw&exitReasonEntryFailure != 0 {
		if launch {
			// The VMCS stays clear when entry fails while loading guest state.
			c.vmcs.state = VMCSCurrent
		}
	} else if injected {
		// Delivered, even if the exit reason below cannot be decoded.
		c.pending = c.pending[1:]
	}

	info, err := c.decodeExitInfo(raw)
	if err != nil {
		return info, err
	}
	c.lastExit = info
	recordExit(info.Reason)
	slog.Debug("vmx: VM exit", "reason", info.Reason, "rip", hexAddr(info.GuestRIP))
	return info, nil
}

// LastExit returns the exit information returned by the most recent Run.
func (c *VCPU) LastExit() ExitInfo {
	return c.lastExit
}

// QueueEvent queues an interrupt or exception for delivery on a later entry.
// The interruption type is derived from the vector. errCode is delivered only
// for vectors that push an error code.
//
// External interrupts are held back while the guest has interrupts disabled;
// interrupt-window exiting is enabled until they can be delivered.
func (c *VCPU) QueueEvent(vector uint8, errCode uint32) {
	c.pending = append(c.pending, pendingEvent{vector: vector, errCode: errCode})
}

// PendingEvents returns the number of queued events.
func (c *VCPU) PendingEvents() int {
	return len(c.pending)
}

// injectPending programs the first queued event into the VM-entry
// interruption fields. The event is dequeued by Run once entry succeeds.
func (c *VCPU) injectPending() (bool, error) {
	if len(c.pending) == 0 {
		return false, c.setInterruptWindow(false)
	}
	ev := c.pending[0]
	kind := InterruptionTypeFromVector(ev.vector)

	if kind == InterruptExternal {
		ready, err := c.interruptible()
		if err != nil {
			return false, err
		}
		if !ready {
			return false, c.setInterruptWindow(true)
		}
	}

	info := InterruptInfo{
		Valid:          true,
		Vector:         ev.vector,
		Type:           kind,
		ErrorCodeValid: kind == InterruptHardException && VectorHasErrorCode(ev.vector),
	}
	w := fieldWriter{vmcs: c.vmcs}
	w.set(EntryInterruptionInfo, uint64(info.Encode()))
	if info.ErrorCodeValid {
		w.set(EntryExceptionErrorCode, uint64(ev.errCode))
	}
	if kind.IsSoft() {
		w.set(EntryInstructionLength, uint64(c.lastExit.InstructionLength))
	}
	if w.err != nil {
		return false, w.err
	}
	slog.Debug("vmx: injecting event", "vector", ev.vector, "type", kind)
	return true, c.setInterruptWindow(len(c.pending) > 1)
}

// interruptible reports whether the guest accepts an external interrupt.
func (c *VCPU) interruptible() (bool, error) {
	rflags, err := c.vmcs.Read(GuestRFLAGS)
	if err != nil {
		return false, err
	}
	blocking, err := c.vmcs.Read(GuestInterruptibility)
	if err != nil {
		return false, err
	}
	return rflags&rflagsIF != 0 && blocking&(interruptibilitySTI|interruptibilityMovSS) == 0, nil
}

func (c *VCPU) setInterruptWindow(on bool) error {
	ctls := c.procCtls &^ ProcInterruptWindowExiting
	if on {
		ctls |= ProcInterruptWindowExiting
	}
	if ctls == c.procCtls {
		return nil
	}
	if err := c.vmcs.Write(ProcBasedControls, uint64(ctls)); err != nil {
		return err
	}
	c.procCtls = ctls
	return nil
}

// AdvanceRIP moves the guest instruction pointer past the instruction that
// caused the last exit.
func (c *VCPU) AdvanceRIP() error {
	rip, err := c.vmcs.Read(GuestRIP)
	if err != nil {
		return err
	}
	return c.vmcs.Write(GuestRIP, rip+uint64(c.lastExit.InstructionLength))
}

// RIP returns the guest instruction pointer.
func (c *VCPU) RIP() (uint64, error) {
	return c.vmcs.Read(GuestRIP)
}

// SetRIP sets the guest instruction pointer.
func (c *VCPU) SetRIP(rip uint64) error {
	return c.vmcs.Write(GuestRIP, rip)
}

// RSP returns the guest stack pointer, which lives in the VMCS rather than in
// the register file.
func (c *VCPU) RSP() (uint64, error) {
	return c.vmcs.Read(GuestRSP)
}

// SetRSP sets the guest stack pointer.
func (c *VCPU) SetRSP(rsp uint64) error {
	return c.vmcs.Write(GuestRSP, rsp)
}

// ReadField reads a raw VMCS field.
func (c *VCPU) ReadField(field VMCSField) (uint64, error) {
	return c.vmcs.Read(field)
}

// WriteField writes a raw VMCS field.
func (c *VCPU) WriteField(field VMCSField, value uint64) error {
	return c.vmcs.Write(field, value)
}

// InvalidateEPT flushes cached translations derived from the vCPU's EPT.
// Call it after changing or removing mappings.
func (c *VCPU) InvalidateEPT() error {
	if st := c.cpu.proc.InvEPT(invEPTSingleContext, c.eptp); st != VMSucceed {
		return statusError("invept", st, c.cpu.readInstructionError)
	}
	return nil
}

// GuestPageWalk translates a guest physical address through the vCPU's EPT.
// It fails with ErrNoEPT before Setup.
func (c *VCPU) GuestPageWalk(gpa GuestPhysAddr) (GuestPageWalkInfo, error) {
	if !c.configured || c.eptp == 0 {
		return GuestPageWalkInfo{}, ErrNoEPT
	}
	return WalkEPT(c.cpu.mem, PhysAddr(c.eptp&eptAddrMask), gpa)
}
