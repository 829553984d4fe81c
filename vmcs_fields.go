package vmx

import "fmt"

// VMCSField is a VMCS component encoding (SDM Vol. 3D, Appendix B).
type VMCSField uint32

// Width returns the component width encoded in bits 14:13.
func (f VMCSField) Width() int {
	switch f >> 13 & 3 {
	case 0:
		return 16
	case 1:
		return 64
	case 2:
		return 32
	default:
		return 64 // natural width
	}
}

// ReadOnly reports whether f is in the read-only VM-exit information group.
func (f VMCSField) ReadOnly() bool {
	return f>>10&3 == 1
}

func (f VMCSField) String() string {
	return fmt.Sprintf("VMCSField(%#06x)", uint32(f))
}

// 16-bit guest-state fields.
const (
	GuestESSelector   VMCSField = 0x0800
	GuestCSSelector   VMCSField = 0x0802
	GuestSSSelector   VMCSField = 0x0804
	GuestDSSelector   VMCSField = 0x0806
	GuestFSSelector   VMCSField = 0x0808
	GuestGSSelector   VMCSField = 0x080A
	GuestLDTRSelector VMCSField = 0x080C
	GuestTRSelector   VMCSField = 0x080E
)

// 16-bit host-state fields.
const (
	HostESSelector VMCSField = 0x0C00
	HostCSSelector VMCSField = 0x0C02
	HostSSSelector VMCSField = 0x0C04
	HostDSSelector VMCSField = 0x0C06
	HostFSSelector VMCSField = 0x0C08
	HostGSSelector VMCSField = 0x0C0A
	HostTRSelector VMCSField = 0x0C0C
)

// 64-bit control fields.
const (
	MSRBitmapAddr   VMCSField = 0x2004
	EPTPointer      VMCSField = 0x201A
	GuestPhysAddrRO VMCSField = 0x2400
)

// 64-bit guest-state fields.
const (
	VMCSLinkPointer VMCSField = 0x2800
	GuestIA32PAT    VMCSField = 0x2804
	GuestIA32EFER   VMCSField = 0x2806
)

// 64-bit host-state fields.
const (
	HostIA32PAT  VMCSField = 0x2C00
	HostIA32EFER VMCSField = 0x2C02
)

// 32-bit control fields.
const (
	PinBasedControls          VMCSField = 0x4000
	ProcBasedControls         VMCSField = 0x4002
	ExceptionBitmap           VMCSField = 0x4004
	CR3TargetCount            VMCSField = 0x400A
	ExitControls              VMCSField = 0x400C
	ExitMSRStoreCount         VMCSField = 0x400E
	ExitMSRLoadCount          VMCSField = 0x4010
	EntryControls             VMCSField = 0x4012
	EntryMSRLoadCount         VMCSField = 0x4014
	EntryInterruptionInfo     VMCSField = 0x4016
	EntryExceptionErrorCode   VMCSField = 0x4018
	EntryInstructionLength    VMCSField = 0x401A
	SecondaryProcBasedControl VMCSField = 0x401E
)

// 32-bit read-only data fields.
const (
	VMInstructionError       VMCSField = 0x4400
	ExitReasonField          VMCSField = 0x4402
	ExitInterruptionInfo     VMCSField = 0x4404
	ExitInterruptionError    VMCSField = 0x4406
	IDTVectoringInfo         VMCSField = 0x4408
	IDTVectoringErrorCode    VMCSField = 0x440A
	ExitInstructionLength    VMCSField = 0x440C
	ExitInstructionInfoField VMCSField = 0x440E
)

// 32-bit guest-state fields.
const (
	GuestESLimit              VMCSField = 0x4800
	GuestCSLimit              VMCSField = 0x4802
	GuestSSLimit              VMCSField = 0x4804
	GuestDSLimit              VMCSField = 0x4806
	GuestFSLimit              VMCSField = 0x4808
	GuestGSLimit              VMCSField = 0x480A
	GuestLDTRLimit            VMCSField = 0x480C
	GuestTRLimit              VMCSField = 0x480E
	GuestGDTRLimit            VMCSField = 0x4810
	GuestIDTRLimit            VMCSField = 0x4812
	GuestESAccessRights       VMCSField = 0x4814
	GuestCSAccessRights       VMCSField = 0x4816
	GuestSSAccessRights       VMCSField = 0x4818
	GuestDSAccessRights       VMCSField = 0x481A
	GuestFSAccessRights       VMCSField = 0x481C
	GuestGSAccessRights       VMCSField = 0x481E
	GuestLDTRAccessRights     VMCSField = 0x4820
	GuestTRAccessRights       VMCSField = 0x4822
	GuestInterruptibility     VMCSField = 0x4824
	GuestActivityState        VMCSField = 0x4826
	GuestIA32SysenterCS       VMCSField = 0x482A
	GuestPreemptionTimerValue VMCSField = 0x482E
	HostIA32SysenterCS        VMCSField = 0x4C00
)

// Natural-width control fields.
const (
	CR0GuestHostMask VMCSField = 0x6000
	CR4GuestHostMask VMCSField = 0x6002
	CR0ReadShadow    VMCSField = 0x6004
	CR4ReadShadow    VMCSField = 0x6006
)

// Natural-width read-only data fields.
const (
	ExitQualification  VMCSField = 0x6400
	GuestLinearAddress VMCSField = 0x640A
)

// Natural-width guest-state fields.
const (
	GuestCR0                VMCSField = 0x6800
	GuestCR3                VMCSField = 0x6802
	GuestCR4                VMCSField = 0x6804
	GuestESBase             VMCSField = 0x6806
	GuestCSBase             VMCSField = 0x6808
	GuestSSBase             VMCSField = 0x680A
	GuestDSBase             VMCSField = 0x680C
	GuestFSBase             VMCSField = 0x680E
	GuestGSBase             VMCSField = 0x6810
	GuestLDTRBase           VMCSField = 0x6812
	GuestTRBase             VMCSField = 0x6814
	GuestGDTRBase           VMCSField = 0x6816
	GuestIDTRBase           VMCSField = 0x6818
	GuestDR7                VMCSField = 0x681A
	GuestRSP                VMCSField = 0x681C
	GuestRIP                VMCSField = 0x681E
	GuestRFLAGS             VMCSField = 0x6820
	GuestPendingDebugExcept VMCSField = 0x6822
	GuestIA32SysenterESP    VMCSField = 0x6824
	GuestIA32SysenterEIP    VMCSField = 0x6826
)

// Natural-width host-state fields.
const (
	HostCR0             VMCSField = 0x6C00
	HostCR3             VMCSField = 0x6C02
	HostCR4             VMCSField = 0x6C04
	HostFSBase          VMCSField = 0x6C06
	HostGSBase          VMCSField = 0x6C08
	HostTRBase          VMCSField = 0x6C0A
	HostGDTRBase        VMCSField = 0x6C0C
	HostIDTRBase        VMCSField = 0x6C0E
	HostIA32SysenterESP VMCSField = 0x6C10
	HostIA32SysenterEIP VMCSField = 0x6C12
	HostRSP             VMCSField = 0x6C14
	HostRIP             VMCSField = 0x6C16
)
