package vmx

import (
	"encoding/binary"
	"os"
	"sort"
	"sync"
	"testing"
	"unsafe"

	"gvisor.dev/gvisor/pkg/hostarch"
)

// isCI detects if we're running in a CI environment
func isCI() bool {
	return os.Getenv("CI") != "" ||
		os.Getenv("GITHUB_ACTIONS") != "" ||
		os.Getenv("BUILDKITE") != "" ||
		os.Getenv("GITLAB_CI") != ""
}

const fakePoison = 0xcccccccccccccccc

// fakeHost is a FrameAllocator backed by Go memory. Pages are poisoned on
// allocation so tests notice missing zeroing.
type fakeHost struct {
	mu    sync.Mutex
	next  PhysAddr
	limit int
	pages map[PhysAddr]*[eptEntries]uint64
	freed []PhysAddr
}

func newFakeHost() *fakeHost {
	return &fakeHost{next: 0x1000, limit: -1, pages: make(map[PhysAddr]*[eptEntries]uint64)}
}

func (h *fakeHost) AllocFrame() (PhysAddr, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.limit == 0 {
		return 0, false
	}
	if h.limit > 0 {
		h.limit--
	}
	pa := h.next
	h.next += PageSize
	page := new([eptEntries]uint64)
	for i := range page {
		page[i] = fakePoison
	}
	h.pages[pa] = page
	return pa, true
}

func (h *fakeHost) DeallocFrame(pa PhysAddr) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.pages[pa]; !ok {
		panic("fakeHost: free of unallocated frame")
	}
	delete(h.pages, pa)
	h.freed = append(h.freed, pa)
}

func (h *fakeHost) PhysToVirt(pa PhysAddr) unsafe.Pointer {
	h.mu.Lock()
	defer h.mu.Unlock()
	page, ok := h.pages[pa&^(PageSize-1)]
	if !ok {
		panic("fakeHost: access to unallocated frame")
	}
	return unsafe.Pointer(page)
}

// outstanding returns the addresses still allocated, sorted.
func (h *fakeHost) outstanding() []PhysAddr {
	h.mu.Lock()
	defer h.mu.Unlock()
	var out []PhysAddr
	for pa := range h.pages {
		out = append(out, pa)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func (h *fakeHost) wasFreed(pa PhysAddr) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, f := range h.freed {
		if f == pa {
			return true
		}
	}
	return false
}

// Capability values of a processor that supports everything this package
// asks for.
const (
	fakeRevision   = 0x12
	fakeVMXBasic   = fakeRevision | PageSize<<32 | vmxMemoryTypeWriteBack<<50 | 1<<54 | 1<<55
	fakePinCaps    = 0x7f<<32 | 0x16
	fakeProcCaps   = 0xffffffff<<32 | 0x04006172
	fakeProc2Caps  = 0xffffffff << 32
	fakeExitCaps   = 0xffffffff<<32 | 0x36dfb
	fakeEntryCaps  = 0xffffffff<<32 | 0x11fb
	fakeHostCR0    = 0x80050033
	fakeHostCR4    = 0x6f0
	fakeCR0Fixed0  = 0x80000021
	fakeCR4Fixed0  = cr4VMXE
	fakeCR4Fixed1  = 0x3727ff
	fakeHostCR3    = 0x7000
	fakeHostFSBase = 0x7f0000001000
	fakeHostGSBase = 0xffff888000000000
)

type fakeVMCS struct {
	fields   map[VMCSField]uint64
	launched bool
}

// fakeEntry records one successful VM entry.
type fakeEntry struct {
	resume    bool
	interrupt uint64
	errCode   uint64
	insnLen   uint64
}

// fakeProcessor simulates the VMX instruction set closely enough to drive
// PerCPUState, VMCS and VCPU without hardware.
type fakeProcessor struct {
	cpuidECX uint32
	msrs     map[uint32]uint64
	cr0, cr4 uint64
	segs     HostSegments

	// mem, when set, lets VMPTRLD check the revision identifier of the region.
	mem FrameAllocator

	on     bool
	vmxon  PhysAddr
	vmcs   map[PhysAddr]*fakeVMCS
	curPtr PhysAddr

	// vmxonStatus is returned by the next VMXON when not VMSucceed.
	vmxonStatus VMStatus
	// entryError makes VMLAUNCH/VMRESUME fail with this VM-instruction error.
	entryError InstructionError
	// entryFailure makes entries exit with bit 31 of the exit reason set.
	entryFailure ExitReason

	// guest runs on every successful entry. The default guest halts.
	guest func(f *fakeProcessor, regs *GeneralRegisters)

	entries []fakeEntry
	inveptd []uint64
	msrLog  []uint32
}

func newFakeProcessor() *fakeProcessor {
	return &fakeProcessor{
		cpuidECX: cpuidVMXBit,
		msrs: map[uint32]uint64{
			MSRFeatureControl:      0,
			MSRVMXBasic:            fakeVMXBasic,
			MSRVMXCR0Fixed0:        fakeCR0Fixed0,
			MSRVMXCR0Fixed1:        0xffffffff,
			MSRVMXCR4Fixed0:        fakeCR4Fixed0,
			MSRVMXCR4Fixed1:        fakeCR4Fixed1,
			MSRVMXTruePinbasedCtls: fakePinCaps,
			MSRVMXTrueProcbasedCtl: fakeProcCaps,
			MSRVMXProcbasedCtls2:   fakeProc2Caps,
			MSRVMXTrueExitCtls:     fakeExitCaps,
			MSRVMXTrueEntryCtls:    fakeEntryCaps,
			MSRPAT:                 patReset,
			MSREFER:                0xd01,
			MSRFSBase:              fakeHostFSBase,
			MSRGSBase:              fakeHostGSBase,
			MSRSysenterCS:          0x10,
			MSRSysenterESP:         0xfffffe0000003000,
			MSRSysenterEIP:         0xffffffff81a00000,
		},
		cr0: fakeHostCR0,
		cr4: fakeHostCR4,
		segs: HostSegments{
			CS: 0x10, SS: 0x18, DS: 0x2b, ES: 0x2b, FS: 0, GS: 0, TR: 0x40,
			GDTRBase: 0xfffffe0000001000,
			IDTRBase: 0xfffffe0000000000,
			TRBase:   0xfffffe0000003000,
		},
		vmcs: make(map[PhysAddr]*fakeVMCS),
	}
}

var _ Processor = (*fakeProcessor)(nil)

func (f *fakeProcessor) CPUID(leaf, subleaf uint32) (eax, ebx, ecx, edx uint32) {
	if leaf == 1 {
		return 0, 0, f.cpuidECX, 0
	}
	return 0, 0, 0, 0
}

func (f *fakeProcessor) ReadMSR(msr uint32) uint64 { return f.msrs[msr] }

func (f *fakeProcessor) WriteMSR(msr uint32, value uint64) {
	f.msrLog = append(f.msrLog, msr)
	f.msrs[msr] = value
}

func (f *fakeProcessor) ReadCR0() uint64            { return f.cr0 }
func (f *fakeProcessor) ReadCR3() uint64            { return fakeHostCR3 }
func (f *fakeProcessor) ReadCR4() uint64            { return f.cr4 }
func (f *fakeProcessor) WriteCR0(value uint64)      { f.cr0 = value }
func (f *fakeProcessor) WriteCR4(value uint64)      { f.cr4 = value }
func (f *fakeProcessor) HostSegments() HostSegments { return f.segs }

// fail reports VMfailValid with code when a VMCS is current, VMfailInvalid
// otherwise.
func (f *fakeProcessor) fail(code InstructionError) VMStatus {
	if f.curPtr == 0 {
		return VMFailInvalid
	}
	f.vmcs[f.curPtr].fields[VMInstructionError] = uint64(code)
	return VMFailValid
}

func (f *fakeProcessor) state(pa PhysAddr) *fakeVMCS {
	s, ok := f.vmcs[pa]
	if !ok {
		s = &fakeVMCS{fields: make(map[VMCSField]uint64)}
		f.vmcs[pa] = s
	}
	return s
}

func (f *fakeProcessor) current() *fakeVMCS {
	if f.curPtr == 0 {
		return nil
	}
	return f.vmcs[f.curPtr]
}

func (f *fakeProcessor) VMXOn(region PhysAddr) VMStatus {
	if st := f.vmxonStatus; st != VMSucceed {
		f.vmxonStatus = VMSucceed
		return st
	}
	if f.on {
		return f.fail(15)
	}
	if f.cr4&cr4VMXE == 0 {
		return VMFailInvalid
	}
	f.on = true
	f.vmxon = region
	return VMSucceed
}

func (f *fakeProcessor) VMXOff() VMStatus {
	if !f.on {
		return VMFailInvalid
	}
	f.on = false
	f.vmxon = 0
	f.curPtr = 0
	return VMSucceed
}

func (f *fakeProcessor) VMClear(pa PhysAddr) VMStatus {
	if !f.on {
		return VMFailInvalid
	}
	if pa == f.vmxon {
		return f.fail(3)
	}
	f.state(pa).launched = false
	if f.curPtr == pa {
		f.curPtr = 0
	}
	return VMSucceed
}

func (f *fakeProcessor) VMPtrLd(pa PhysAddr) VMStatus {
	if !f.on {
		return VMFailInvalid
	}
	if pa == f.vmxon {
		return f.fail(10)
	}
	if f.mem != nil {
		tag := binary.LittleEndian.Uint32((*[PageSize]byte)(f.mem.PhysToVirt(pa))[:])
		if tag&0x7fffffff != uint32(f.msrs[MSRVMXBasic]&0x7fffffff) {
			return f.fail(11)
		}
	}
	f.state(pa)
	f.curPtr = pa
	return VMSucceed
}

func (f *fakeProcessor) VMRead(field VMCSField) (uint64, VMStatus) {
	s := f.current()
	if s == nil {
		return 0, VMFailInvalid
	}
	return s.fields[field], VMSucceed
}

func (f *fakeProcessor) VMWrite(field VMCSField, value uint64) VMStatus {
	s := f.current()
	if s == nil {
		return VMFailInvalid
	}
	if field.ReadOnly() {
		return f.fail(13)
	}
	s.fields[field] = value
	return VMSucceed
}

func (f *fakeProcessor) InvEPT(kind uint64, eptp uint64) VMStatus {
	if !f.on {
		return VMFailInvalid
	}
	if kind != invEPTSingleContext {
		return f.fail(28)
	}
	f.inveptd = append(f.inveptd, eptp)
	return VMSucceed
}

func (f *fakeProcessor) Enter(regs *GeneralRegisters, launched bool) VMStatus {
	s := f.current()
	if s == nil {
		return VMFailInvalid
	}
	if !launched && s.launched {
		return f.fail(4)
	}
	if launched && !s.launched {
		return f.fail(5)
	}
	if f.entryError != 0 {
		return f.fail(f.entryError)
	}
	if f.entryFailure != 0 {
		s.fields[ExitReasonField] = uint64(f.entryFailure) | exitReasonEntryFailure
		s.fields[ExitQualification] = 0
		return VMSucceed
	}

	s.launched = true
	f.entries = append(f.entries, fakeEntry{
		resume:    launched,
		interrupt: s.fields[EntryInterruptionInfo],
		errCode:   s.fields[EntryExceptionErrorCode],
		insnLen:   s.fields[EntryInstructionLength],
	})
	// The valid bit is cleared on every VM exit.
	s.fields[EntryInterruptionInfo] &^= 1 << 31

	if f.guest != nil {
		f.guest(f, regs)
	} else {
		f.exit(ExitHLT, 0, 1)
	}
	return VMSucceed
}

// exit fills the exit-information fields of the current VMCS.
func (f *fakeProcessor) exit(reason ExitReason, qual uint64, length uint32) {
	s := f.current()
	s.fields[ExitReasonField] = uint64(reason)
	s.fields[ExitQualification] = qual
	s.fields[ExitInstructionLength] = uint64(length)
}

// field returns a field of the VMCS at pa regardless of which one is current.
func (f *fakeProcessor) field(pa PhysAddr, field VMCSField) uint64 {
	return f.state(pa).fields[field]
}

// newEnabledCPU returns a CPU in VMX root operation on a simulated processor.
func newEnabledCPU(t *testing.T) (*PerCPUState, *fakeProcessor, *fakeHost) {
	t.Helper()
	host := newFakeHost()
	proc := newFakeProcessor()
	proc.mem = host
	cpu := NewPerCPUState(proc, host)
	if err := cpu.Enable(); err != nil {
		t.Fatalf("Enable() failed: %v", err)
	}
	return cpu, proc, host
}

// newRunnableVCPU returns a configured vCPU whose guest memory is one
// identity-mapped page at guest physical 0.
func newRunnableVCPU(t *testing.T) (*VCPU, *fakeProcessor, *fakeHost) {
	t.Helper()
	cpu, proc, host := newEnabledCPU(t)

	ept, err := NewEPT(host)
	if err != nil {
		t.Fatalf("NewEPT() failed: %v", err)
	}
	t.Cleanup(ept.Close)
	page, err := AllocZeroedFrame(host)
	if err != nil {
		t.Fatalf("AllocZeroedFrame() failed: %v", err)
	}
	t.Cleanup(page.Free)
	if err := ept.Map(0, page.StartPaddr(), PageSize4K, hostarch.AnyAccess); err != nil {
		t.Fatalf("Map() failed: %v", err)
	}

	vcpu, err := NewVCPU(cpu)
	if err != nil {
		t.Fatalf("NewVCPU() failed: %v", err)
	}
	t.Cleanup(func() {
		if err := vcpu.Close(); err != nil {
			t.Errorf("Close() failed: %v", err)
		}
	})
	if err := vcpu.Setup(GuestConfig{EntryRIP: 0x100, InitialRSP: 0x800, EPTRoot: ept.Root()}); err != nil {
		t.Fatalf("Setup() failed: %v", err)
	}
	return vcpu, proc, host
}
