package vmx

import (
	"fmt"
	"log/slog"
	"runtime"
	"sync"
)

// Guest reset state.
const (
	cr0PE = 1 << 0
	cr0ET = 1 << 4
	cr0NE = 1 << 5
	cr0PG = 1 << 31

	rflagsReserved = 1 << 1
	rflagsIF       = 1 << 9

	dr7Reset  = 0x400
	patReset  = 0x0007040600070406
	realLimit = 0xffff

	arData = 0x93 // present, read/write, accessed
	arCode = 0x9b // present, execute/read, accessed
	arLDTR = 0x82
	arTSS  = 0x8b // present, busy 32-bit TSS
)

// GuestConfig is the initial state of a vCPU.
type GuestConfig struct {
	// EntryRIP is the first instruction executed, in real mode with all
	// segment bases at zero.
	EntryRIP uint64
	// InitialRSP is loaded into the guest stack pointer.
	InitialRSP uint64
	// EPTRoot is the PML4 table of the guest's extended page tables.
	EPTRoot PhysAddr
	// ExceptionBitmap selects the guest exceptions that cause a VM exit.
	ExceptionBitmap uint32
}

// VCPU is a virtual CPU backed by one VMCS.
//
// A VCPU has no internal synchronization beyond Close. It must be driven by a
// single goroutine that called runtime.LockOSThread and runs on the CPU that
// owns its PerCPUState.
type VCPU struct {
	cpu       *PerCPUState
	vmcs      *VMCS
	msrBitmap *PhysFrame
	regs      GeneralRegisters

	eptp       uint64
	procCtls   uint32
	configured bool
	pending    []pendingEvent
	lastExit   ExitInfo

	closed  bool
	closeMu sync.Mutex // Protect against concurrent Close() and finalizer
}

// NewVCPU allocates the VMCS and MSR bitmap of a new vCPU on cpu. The VMCS is
// not loaded until Setup.
func NewVCPU(cpu *PerCPUState) (*VCPU, error) {
	vmcs, err := NewVMCS(cpu)
	if err != nil {
		return nil, fmt.Errorf("failed to allocate VMCS: %w", err)
	}
	bitmap, err := AllocZeroedFrame(cpu.mem)
	if err != nil {
		vmcs.frame.Free()
		return nil, fmt.Errorf("failed to allocate MSR bitmap: %w", err)
	}

	c := &VCPU{cpu: cpu, vmcs: vmcs, msrBitmap: bitmap}

	// Set finalizer as safety net in case Close() is not called
	runtime.SetFinalizer(c, (*VCPU).finalize)

	recordVCPUCreate()
	slog.Debug("vmx: created vCPU", "vmcs", hexAddr(vmcs.PhysAddr()))
	return c, nil
}

// Regs returns the guest register file. Changes take effect on the next Run.
func (c *VCPU) Regs() *GeneralRegisters {
	return &c.regs
}

// VMCS returns the control structure of the vCPU.
func (c *VCPU) VMCS() *VMCS {
	return c.vmcs
}

// Setup makes the VMCS current and writes host state, guest reset state and
// execution controls. Afterwards the vCPU is configured: current but not
// launched.
func (c *VCPU) Setup(cfg GuestConfig) error {
	if c.closed {
		return ErrVCPUClosed
	}
	if cfg.EPTRoot == 0 {
		return ErrNoEPT
	}
	if err := c.vmcs.Clear(c.cpu); err != nil {
		return err
	}
	if err := c.vmcs.Load(c.cpu); err != nil {
		return err
	}

	c.eptp = eptPointer(cfg.EPTRoot)
	if err := c.setupHostState(); err != nil {
		return fmt.Errorf("failed to set up host state: %w", err)
	}
	if err := c.setupGuestState(cfg); err != nil {
		return fmt.Errorf("failed to set up guest state: %w", err)
	}
	if err := c.setupControls(cfg); err != nil {
		return fmt.Errorf("failed to set up controls: %w", err)
	}
	c.regs = GeneralRegisters{}
	c.pending = nil
	c.configured = true
	slog.Debug("vmx: vCPU configured", "rip", hexAddr(cfg.EntryRIP), "eptp", hexAddr(c.eptp))
	return nil
}

// fieldWriter writes VMCS fields until the first failure.
type fieldWriter struct {
	vmcs *VMCS
	err  error
}

func (w *fieldWriter) set(field VMCSField, value uint64) {
	if w.err == nil {
		w.err = w.vmcs.Write(field, value)
	}
}

func (c *VCPU) setupHostState() error {
	p := c.cpu.proc
	segs := p.HostSegments()
	w := fieldWriter{vmcs: c.vmcs}

	// The RPL and TI bits of host selectors must be zero.
	w.set(HostESSelector, uint64(segs.ES&^7))
	w.set(HostCSSelector, uint64(segs.CS&^7))
	w.set(HostSSSelector, uint64(segs.SS&^7))
	w.set(HostDSSelector, uint64(segs.DS&^7))
	w.set(HostFSSelector, uint64(segs.FS&^7))
	w.set(HostGSSelector, uint64(segs.GS&^7))
	w.set(HostTRSelector, uint64(segs.TR&^7))

	w.set(HostCR0, p.ReadCR0())
	w.set(HostCR3, p.ReadCR3())
	w.set(HostCR4, p.ReadCR4())

	w.set(HostFSBase, p.ReadMSR(MSRFSBase))
	w.set(HostGSBase, p.ReadMSR(MSRGSBase))
	w.set(HostTRBase, segs.TRBase)
	w.set(HostGDTRBase, segs.GDTRBase)
	w.set(HostIDTRBase, segs.IDTRBase)

	w.set(HostIA32SysenterCS, p.ReadMSR(MSRSysenterCS))
	w.set(HostIA32SysenterESP, p.ReadMSR(MSRSysenterESP))
	w.set(HostIA32SysenterEIP, p.ReadMSR(MSRSysenterEIP))
	w.set(HostIA32PAT, p.ReadMSR(MSRPAT))
	w.set(HostIA32EFER, p.ReadMSR(MSREFER))
	// HOST_RSP and HOST_RIP are written on every entry by Processor.Enter.
	return w.err
}

func (c *VCPU) setupGuestState(cfg GuestConfig) error {
	p := c.cpu.proc
	w := fieldWriter{vmcs: c.vmcs}

	type segment struct {
		selector, base, limit, rights VMCSField
		ar                            uint64
	}
	for _, s := range []segment{
		{GuestESSelector, GuestESBase, GuestESLimit, GuestESAccessRights, arData},
		{GuestCSSelector, GuestCSBase, GuestCSLimit, GuestCSAccessRights, arCode},
		{GuestSSSelector, GuestSSBase, GuestSSLimit, GuestSSAccessRights, arData},
		{GuestDSSelector, GuestDSBase, GuestDSLimit, GuestDSAccessRights, arData},
		{GuestFSSelector, GuestFSBase, GuestFSLimit, GuestFSAccessRights, arData},
		{GuestGSSelector, GuestGSBase, GuestGSLimit, GuestGSAccessRights, arData},
		{GuestLDTRSelector, GuestLDTRBase, GuestLDTRLimit, GuestLDTRAccessRights, arLDTR},
		{GuestTRSelector, GuestTRBase, GuestTRLimit, GuestTRAccessRights, arTSS},
	} {
		w.set(s.selector, 0)
		w.set(s.base, 0)
		w.set(s.limit, realLimit)
		w.set(s.rights, s.ar)
	}
	w.set(GuestGDTRBase, 0)
	w.set(GuestGDTRLimit, realLimit)
	w.set(GuestIDTRBase, 0)
	w.set(GuestIDTRLimit, realLimit)

	// Unrestricted guests may run with CR0.PE and CR0.PG clear.
	cr0Fixed0 := p.ReadMSR(MSRVMXCR0Fixed0) &^ (cr0PE | cr0PG)
	cr0 := (cr0Fixed0 | cr0ET) & p.ReadMSR(MSRVMXCR0Fixed1)
	w.set(GuestCR0, cr0)
	w.set(CR0GuestHostMask, cr0NE)
	w.set(CR0ReadShadow, cr0ET)

	// CR4.VMXE must stay set; the guest reads it as clear.
	cr4 := (p.ReadMSR(MSRVMXCR4Fixed0) | cr4VMXE) & p.ReadMSR(MSRVMXCR4Fixed1)
	w.set(GuestCR4, cr4)
	w.set(CR4GuestHostMask, cr4VMXE)
	w.set(CR4ReadShadow, 0)
	w.set(GuestCR3, 0)

	w.set(GuestDR7, dr7Reset)
	w.set(GuestRSP, cfg.InitialRSP)
	w.set(GuestRIP, cfg.EntryRIP)
	w.set(GuestRFLAGS, rflagsReserved)
	w.set(GuestPendingDebugExcept, 0)
	w.set(GuestIA32SysenterCS, 0)
	w.set(GuestIA32SysenterESP, 0)
	w.set(GuestIA32SysenterEIP, 0)
	w.set(GuestIA32PAT, patReset)
	w.set(GuestIA32EFER, 0)
	w.set(GuestInterruptibility, 0)
	w.set(GuestActivityState, 0)
	w.set(VMCSLinkPointer, ^uint64(0))
	return w.err
}

func (c *VCPU) setupControls(cfg GuestConfig) error {
	p := c.cpu.proc

	pin, err := readControls(p, "pin-based controls", MSRVMXTruePinbasedCtls,
		PinNMIExiting|PinExternalInterruptExiting, 0)
	if err != nil {
		return err
	}
	proc, err := readControls(p, "processor-based controls", MSRVMXTrueProcbasedCtl,
		ProcUseMSRBitmaps|ProcActivateSecondary|ProcHLTExiting|ProcUncondIOExiting,
		ProcCR3LoadExiting|ProcCR3StoreExiting|ProcInterruptWindowExiting)
	if err != nil {
		return err
	}
	cap2 := p.ReadMSR(MSRVMXProcbasedCtls2)
	proc2, err := adjustControls("secondary controls", cap2,
		Proc2EnableEPT|Proc2UnrestrictedGuest|
			allowedControls(cap2, Proc2EnableRDTSCP|Proc2EnableINVPCID|Proc2EnableXSAVES), 0)
	if err != nil {
		return err
	}
	exit, err := readControls(p, "exit controls", MSRVMXTrueExitCtls,
		ExitCtlHostAddrSpaceSize|ExitCtlAckInterruptOnExit|
			ExitCtlSavePAT|ExitCtlLoadPAT|ExitCtlSaveEFER|ExitCtlLoadEFER, 0)
	if err != nil {
		return err
	}
	entry, err := readControls(p, "entry controls", MSRVMXTrueEntryCtls,
		EntryCtlLoadPAT|EntryCtlLoadEFER, EntryCtlIA32eModeGuest)
	if err != nil {
		return err
	}

	w := fieldWriter{vmcs: c.vmcs}
	w.set(PinBasedControls, uint64(pin))
	w.set(ProcBasedControls, uint64(proc))
	w.set(SecondaryProcBasedControl, uint64(proc2))
	w.set(ExitControls, uint64(exit))
	w.set(EntryControls, uint64(entry))
	w.set(ExceptionBitmap, uint64(cfg.ExceptionBitmap))
	w.set(CR3TargetCount, 0)
	w.set(ExitMSRStoreCount, 0)
	w.set(ExitMSRLoadCount, 0)
	w.set(EntryMSRLoadCount, 0)
	w.set(EntryInterruptionInfo, 0)
	w.set(MSRBitmapAddr, uint64(c.msrBitmap.StartPaddr()))
	w.set(EPTPointer, c.eptp)
	if w.err != nil {
		return w.err
	}
	c.procCtls = proc
	return nil
}

// Unload clears the VMCS, flushing its state to memory so the CPU can load a
// different VMCS. The vCPU stays bound to the CPU it was created on and its
// host-state fields describe that CPU; the next Run loads the VMCS there again
// and relaunches the guest.
func (c *VCPU) Unload() error {
	return c.vmcs.Clear(c.cpu)
}

// Close clears the VMCS and releases its region and the MSR bitmap. The VMCS
// is always cleared before its frame is freed. Idempotent.
func (c *VCPU) Close() error {
	if c == nil {
		return nil
	}

	// Security: Lock instance to prevent finalizer race
	c.closeMu.Lock()
	defer c.closeMu.Unlock()

	if c.closed {
		return nil // Already closed
	}

	if err := c.vmcs.Release(c.cpu); err != nil {
		return fmt.Errorf("failed to release VMCS: %w", err)
	}
	c.msrBitmap.Free()
	c.closed = true
	c.configured = false

	// Clear finalizer since we've cleaned up properly
	runtime.SetFinalizer(c, nil)

	recordVCPUDestroy()
	slog.Debug("vmx: destroyed vCPU")
	return nil
}

// finalize reports vCPUs that were never closed. VMCLEAR must run on the
// owning CPU, so the frames are leaked rather than freed from the finalizer
// goroutine.
func (c *VCPU) finalize() {
	if c == nil {
		return
	}
	if c.closeMu.TryLock() {
		defer c.closeMu.Unlock()
		if !c.closed {
			slog.Warn("vmx: vCPU garbage collected without Close; VMCS leaked")
		}
	}
}
