package vmx

import (
	"fmt"

	"gvisor.dev/gvisor/pkg/hostarch"
)

const exitReasonEntryFailure = 1 << 31

// ExitInfo describes the most recent VM exit.
type ExitInfo struct {
	// EntryFailure is set when VM entry itself failed after the entry
	// instruction succeeded (for example on invalid guest state).
	EntryFailure      bool       `json:"entry_failure"`
	Reason            ExitReason `json:"reason"`
	Qualification     uint64     `json:"qualification"`
	InstructionLength uint32     `json:"instruction_length"`
	GuestRIP          uint64     `json:"guest_rip"`
}

func (e ExitInfo) String() string {
	if e.EntryFailure {
		return fmt.Sprintf("VM-entry failure: %s (qualification %#x)", e.Reason, e.Qualification)
	}
	return fmt.Sprintf("%s at rip %#x (qualification %#x)", e.Reason, e.GuestRIP, e.Qualification)
}

// InterruptInfo is a decoded interruption-information field, as used by the
// VM-exit, IDT-vectoring and VM-entry interruption fields.
type InterruptInfo struct {
	Valid          bool             `json:"valid"`
	Vector         uint8            `json:"vector"`
	Type           InterruptionType `json:"type"`
	ErrorCodeValid bool             `json:"error_code_valid"`
	ErrorCode      uint32           `json:"error_code,omitempty"`
}

// DecodeInterruptInfo splits a raw interruption-information field.
func DecodeInterruptInfo(raw uint32) InterruptInfo {
	return InterruptInfo{
		Valid:          raw>>31&1 != 0,
		Vector:         uint8(raw),
		Type:           InterruptionTypeFromBits(raw >> 8),
		ErrorCodeValid: raw>>11&1 != 0,
	}
}

// Encode packs the interruption-information field. ErrorCode is not part of
// the field.
func (i InterruptInfo) Encode() uint32 {
	raw := uint32(i.Vector) | uint32(i.Type&7)<<8
	if i.ErrorCodeValid {
		raw |= 1 << 11
	}
	if i.Valid {
		raw |= 1 << 31
	}
	return raw
}

// IOExitInfo is the exit qualification of an I/O instruction exit.
type IOExitInfo struct {
	Port      uint16 `json:"port"`
	Size      uint8  `json:"size"`
	In        bool   `json:"in"`
	String    bool   `json:"string"`
	Rep       bool   `json:"rep"`
	Immediate bool   `json:"immediate"`
}

// DecodeIOQualification splits the exit qualification of an I/O exit.
func DecodeIOQualification(q uint64) IOExitInfo {
	return IOExitInfo{
		Size:      uint8(q&7) + 1,
		In:        q>>3&1 != 0,
		String:    q>>4&1 != 0,
		Rep:       q>>5&1 != 0,
		Immediate: q>>6&1 != 0,
		Port:      uint16(q >> 16),
	}
}

// EPTViolationInfo is the decoded exit qualification of an EPT violation.
type EPTViolationInfo struct {
	GPA GuestPhysAddr `json:"gpa"`
	// Access is the access that faulted.
	Access hostarch.AccessType `json:"access"`
	// Allowed is the effective access the EPT entries granted.
	Allowed hostarch.AccessType `json:"allowed"`
	// LinearValid is set when the guest linear address field is valid.
	LinearValid bool `json:"linear_valid"`
}

// DecodeEPTViolation splits the exit qualification of an EPT violation.
func DecodeEPTViolation(q uint64, gpa GuestPhysAddr) EPTViolationInfo {
	return EPTViolationInfo{
		GPA: gpa,
		Access: hostarch.AccessType{
			Read:    q&1 != 0,
			Write:   q>>1&1 != 0,
			Execute: q>>2&1 != 0,
		},
		Allowed: hostarch.AccessType{
			Read:    q>>3&1 != 0,
			Write:   q>>4&1 != 0,
			Execute: q>>5&1 != 0,
		},
		LinearValid: q>>7&1 != 0,
	}
}

// decodeExitInfo fills in the exit information for the raw exit reason
// field. An unknown basic reason is reported after the other fields are read.
func (c *VCPU) decodeExitInfo(raw uint64) (ExitInfo, error) {
	var err error
	info := ExitInfo{EntryFailure: raw&exitReasonEntryFailure != 0}
	if info.Qualification, err = c.vmcs.Read(ExitQualification); err != nil {
		return info, err
	}
	length, err := c.vmcs.Read(ExitInstructionLength)
	if err != nil {
		return info, err
	}
	info.InstructionLength = uint32(length)
	if info.GuestRIP, err = c.vmcs.Read(GuestRIP); err != nil {
		return info, err
	}
	reason, err := ExitReasonFromCode(uint32(raw & 0xffff))
	if err != nil {
		return info, err
	}
	info.Reason = reason
	return info, nil
}

// InterruptExitInfo returns the VM-exit interruption information of the last
// exit, including the error code when one was delivered.
func (c *VCPU) InterruptExitInfo() (InterruptInfo, error) {
	raw, err := c.vmcs.Read(ExitInterruptionInfo)
	if err != nil {
		return InterruptInfo{}, err
	}
	info := DecodeInterruptInfo(uint32(raw))
	if info.Valid && info.ErrorCodeValid {
		code, err := c.vmcs.Read(ExitInterruptionError)
		if err != nil {
			return info, err
		}
		info.ErrorCode = uint32(code)
	}
	return info, nil
}

// IOExitInfo decodes the last exit as an I/O instruction exit.
func (c *VCPU) IOExitInfo() (IOExitInfo, error) {
	if c.lastExit.Reason != ExitIOInstruction {
		return IOExitInfo{}, newError("io exit info", ErrBadState, "last exit was "+c.lastExit.Reason.String())
	}
	return DecodeIOQualification(c.lastExit.Qualification), nil
}

// EPTViolationInfo decodes the last exit as an EPT violation.
func (c *VCPU) EPTViolationInfo() (EPTViolationInfo, error) {
	if c.lastExit.Reason != ExitEPTViolation {
		return EPTViolationInfo{}, newError("ept violation info", ErrBadState, "last exit was "+c.lastExit.Reason.String())
	}
	gpa, err := c.vmcs.Read(GuestPhysAddrRO)
	if err != nil {
		return EPTViolationInfo{}, err
	}
	return DecodeEPTViolation(c.lastExit.Qualification, GuestPhysAddr(gpa)), nil
}
