package vmx

// InterruptionType is bits 10:8 of the VM-entry and VM-exit
// interruption-information fields.
type InterruptionType uint8

const (
	InterruptExternal          InterruptionType = 0
	InterruptReserved          InterruptionType = 1
	InterruptNMI               InterruptionType = 2
	InterruptHardException     InterruptionType = 3
	InterruptSoftIntr          InterruptionType = 4
	InterruptPrivSoftException InterruptionType = 5
	InterruptSoftException     InterruptionType = 6
	InterruptOther             InterruptionType = 7
)

// Exception vectors.
const (
	VectorDivideError        uint8 = 0
	VectorDebug              uint8 = 1
	VectorNMI                uint8 = 2
	VectorBreakpoint         uint8 = 3
	VectorOverflow           uint8 = 4
	VectorBoundRange         uint8 = 5
	VectorInvalidOpcode      uint8 = 6
	VectorDeviceNotAvailable uint8 = 7
	VectorDoubleFault        uint8 = 8
	VectorInvalidTSS         uint8 = 10
	VectorSegmentNotPresent  uint8 = 11
	VectorStackFault         uint8 = 12
	VectorGeneralProtection  uint8 = 13
	VectorPageFault          uint8 = 14
	VectorX87FloatingPoint   uint8 = 16
	VectorAlignmentCheck     uint8 = 17
	VectorMachineCheck       uint8 = 18
	VectorSIMDFloatingPoint  uint8 = 19
	VectorVirtualization     uint8 = 20
	VectorControlProtection  uint8 = 21
	firstExternalVector      uint8 = 32
)

var interruptionTypeNames = [8]string{
	"External", "Reserved", "NMI", "HardException",
	"SoftIntr", "PrivSoftException", "SoftException", "Other",
}

func (t InterruptionType) String() string {
	return interruptionTypeNames[t&7]
}

// InterruptionTypeFromBits decodes the 3-bit type field as reported by the
// processor. Only the low three bits of bits are used.
func InterruptionTypeFromBits(bits uint32) InterruptionType {
	return InterruptionType(bits & 7)
}

// InterruptionTypeFromVector returns the type to inject vector with.
func InterruptionTypeFromVector(vector uint8) InterruptionType {
	switch {
	case vector == VectorDebug:
		return InterruptPrivSoftException
	case vector == VectorNMI:
		return InterruptNMI
	case vector == VectorBreakpoint, vector == VectorOverflow:
		return InterruptSoftException
	case vector <= VectorControlProtection:
		return InterruptHardException
	case vector >= firstExternalVector:
		return InterruptExternal
	default:
		return InterruptOther
	}
}

// VectorHasErrorCode reports whether the exception pushes an error code.
func VectorHasErrorCode(vector uint8) bool {
	switch vector {
	case VectorDoubleFault, VectorInvalidTSS, VectorSegmentNotPresent,
		VectorStackFault, VectorGeneralProtection, VectorPageFault,
		VectorAlignmentCheck:
		return true
	}
	return false
}

// IsSoft reports whether injecting an event of this type requires the
// VM-entry instruction length.
func (t InterruptionType) IsSoft() bool {
	switch t {
	case InterruptSoftIntr, InterruptSoftException, InterruptPrivSoftException:
		return true
	}
	return false
}
