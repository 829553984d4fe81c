package vmx

import "fmt"

// Model-specific registers used by VMX setup.
const (
	MSRFeatureControl      uint32 = 0x3A
	MSRSysenterCS          uint32 = 0x174
	MSRSysenterESP         uint32 = 0x175
	MSRSysenterEIP         uint32 = 0x176
	MSRPAT                 uint32 = 0x277
	MSRVMXBasic            uint32 = 0x480
	MSRVMXPinbasedCtls     uint32 = 0x481
	MSRVMXProcbasedCtls    uint32 = 0x482
	MSRVMXExitCtls         uint32 = 0x483
	MSRVMXEntryCtls        uint32 = 0x484
	MSRVMXCR0Fixed0        uint32 = 0x486
	MSRVMXCR0Fixed1        uint32 = 0x487
	MSRVMXCR4Fixed0        uint32 = 0x488
	MSRVMXCR4Fixed1        uint32 = 0x489
	MSRVMXProcbasedCtls2   uint32 = 0x48B
	MSRVMXTruePinbasedCtls uint32 = 0x48D
	MSRVMXTrueProcbasedCtl uint32 = 0x48E
	MSRVMXTrueExitCtls     uint32 = 0x48F
	MSRVMXTrueEntryCtls    uint32 = 0x490
	MSREFER                uint32 = 0xC0000080
	MSRFSBase              uint32 = 0xC0000100
	MSRGSBase              uint32 = 0xC0000101
)

// IA32_FEATURE_CONTROL bits.
const (
	FeatureControlLocked        = 1 << 0
	FeatureControlVMXInsideSMX  = 1 << 1
	FeatureControlVMXOutsideSMX = 1 << 2
	vmxMemoryTypeWriteBack      = 6
	vmxRegionSize               = PageSize
)

// Pin-based VM-execution controls.
const (
	PinExternalInterruptExiting uint32 = 1 << 0
	PinNMIExiting               uint32 = 1 << 3
	PinVirtualNMIs              uint32 = 1 << 5
	PinPreemptionTimer          uint32 = 1 << 6
)

// Primary processor-based VM-execution controls.
const (
	ProcInterruptWindowExiting uint32 = 1 << 2
	ProcUseTSCOffsetting       uint32 = 1 << 3
	ProcHLTExiting             uint32 = 1 << 7
	ProcINVLPGExiting          uint32 = 1 << 9
	ProcMWAITExiting           uint32 = 1 << 10
	ProcRDPMCExiting           uint32 = 1 << 11
	ProcRDTSCExiting           uint32 = 1 << 12
	ProcCR3LoadExiting         uint32 = 1 << 15
	ProcCR3StoreExiting        uint32 = 1 << 16
	ProcCR8LoadExiting         uint32 = 1 << 19
	ProcCR8StoreExiting        uint32 = 1 << 20
	ProcNMIWindowExiting       uint32 = 1 << 22
	ProcMovDRExiting           uint32 = 1 << 23
	ProcUncondIOExiting        uint32 = 1 << 24
	ProcUseIOBitmaps           uint32 = 1 << 25
	ProcMonitorTrapFlag        uint32 = 1 << 27
	ProcUseMSRBitmaps          uint32 = 1 << 28
	ProcMONITORExiting         uint32 = 1 << 29
	ProcPAUSEExiting           uint32 = 1 << 30
	ProcActivateSecondary      uint32 = 1 << 31
)

// Secondary processor-based VM-execution controls.
const (
	Proc2EnableEPT         uint32 = 1 << 1
	Proc2EnableRDTSCP      uint32 = 1 << 3
	Proc2EnableVPID        uint32 = 1 << 5
	Proc2UnrestrictedGuest uint32 = 1 << 7
	Proc2EnableINVPCID     uint32 = 1 << 12
	Proc2EnableXSAVES      uint32 = 1 << 20
)

// VM-exit controls.
const (
	ExitCtlSaveDebugControls  uint32 = 1 << 2
	ExitCtlHostAddrSpaceSize  uint32 = 1 << 9
	ExitCtlAckInterruptOnExit uint32 = 1 << 15
	ExitCtlSavePAT            uint32 = 1 << 18
	ExitCtlLoadPAT            uint32 = 1 << 19
	ExitCtlSaveEFER           uint32 = 1 << 20
	ExitCtlLoadEFER           uint32 = 1 << 21
)

// VM-entry controls.
const (
	EntryCtlLoadDebugControls uint32 = 1 << 2
	EntryCtlIA32eModeGuest    uint32 = 1 << 9
	EntryCtlLoadPAT           uint32 = 1 << 14
	EntryCtlLoadEFER          uint32 = 1 << 15
)

// VMXBasic is the decoded IA32_VMX_BASIC MSR.
type VMXBasic struct {
	RevisionID      uint32 `json:"revision_id"`
	RegionSize      uint16 `json:"region_size"`
	Is32BitAddress  bool   `json:"is_32bit_address"`
	MemoryType      uint8  `json:"memory_type"`
	IOExitInfo      bool   `json:"io_exit_info"`
	FlexibleControl bool   `json:"flexible_controls"`
}

// DecodeVMXBasic splits the raw IA32_VMX_BASIC value.
func DecodeVMXBasic(raw uint64) VMXBasic {
	return VMXBasic{
		RevisionID:      uint32(raw & 0x7fffffff),
		RegionSize:      uint16(raw >> 32 & 0x1fff),
		Is32BitAddress:  raw>>48&1 != 0,
		MemoryType:      uint8(raw >> 50 & 0xf),
		IOExitInfo:      raw>>54&1 != 0,
		FlexibleControl: raw>>55&1 != 0,
	}
}

// ReadVMXBasic reads IA32_VMX_BASIC through p.
func ReadVMXBasic(p Processor) VMXBasic {
	return DecodeVMXBasic(p.ReadMSR(MSRVMXBasic))
}

// ReadVMCSRevisionID returns the revision identifier that must tag every
// VMXON region and VMCS on this processor.
func ReadVMCSRevisionID(p Processor) uint32 {
	return ReadVMXBasic(p).RevisionID
}

// check verifies the properties this package relies on.
func (b VMXBasic) check() error {
	switch {
	case b.RevisionID == 0:
		return newError("vmx basic", ErrUnsupported, "VMCS revision identifier is zero")
	case b.RegionSize != vmxRegionSize:
		return newError("vmx basic", ErrUnsupported, fmt.Sprintf("unexpected VMCS region size %d", b.RegionSize))
	case b.MemoryType != vmxMemoryTypeWriteBack:
		return newError("vmx basic", ErrUnsupported, "VMCS memory type is not write-back")
	case b.Is32BitAddress:
		return newError("vmx basic", ErrUnsupported, "VMX regions are limited to 32-bit addresses")
	case !b.IOExitInfo:
		return newError("vmx basic", ErrUnsupported, "INS/OUTS exit information not reported")
	case !b.FlexibleControl:
		return newError("vmx basic", ErrUnsupported, "IA32_VMX_TRUE_* control MSRs not supported")
	}
	return nil
}

// adjustControls computes the value of a 32-bit VMX control field from its
// capability MSR. The low half of capability holds the allowed-0 settings
// (bits that must be 1), the high half the allowed-1 settings (bits that may
// be 1). set and clear are the bits the caller needs on and off.
func adjustControls(name string, capability uint64, set, clear uint32) (uint32, error) {
	if set&clear != 0 {
		panic(fmt.Sprintf("vmx: %s: control bits %#x both set and cleared", name, set&clear))
	}
	allowed0 := uint32(capability)
	allowed1 := uint32(capability >> 32)
	fixed1 := allowed0
	fixed0 := ^allowed1

	if missing := set & fixed0; missing != 0 {
		return 0, newError(name, ErrUnsupported, fmt.Sprintf("cannot set control bits %#x", missing))
	}
	if stuck := clear & fixed1; stuck != 0 {
		return 0, newError(name, ErrUnsupported, fmt.Sprintf("cannot clear control bits %#x", stuck))
	}
	return fixed1 | set, nil
}

// readControls adjusts a control field using the TRUE capability MSR.
func readControls(p Processor, name string, msr uint32, set, clear uint32) (uint32, error) {
	return adjustControls(name, p.ReadMSR(msr), set, clear)
}

// allowedControls returns the subset of want the capability permits.
func allowedControls(capability uint64, want uint32) uint32 {
	return want & uint32(capability>>32)
}

// fixedBitsOK reports whether value satisfies a FIXED0/FIXED1 MSR pair:
// bits set in fixed0 must be 1, bits clear in fixed1 must be 0.
func fixedBitsOK(value, fixed0, fixed1 uint64) bool {
	return value&fixed0 == fixed0 && value&^fixed1 == 0
}
