package vmx

import (
	"errors"
	"fmt"
	"os"
	"strconv"
)

// Error kinds. Every *Error wraps exactly one of these, so callers can
// classify a failure with errors.Is.
var (
	// ErrNoMemory is returned when the host allocator has no physical frame left.
	ErrNoMemory = errors.New("vmx: out of physical memory")
	// ErrBadState is returned when a VMX instruction reports VMfailValid or
	// VMfailInvalid, or when an operation is issued in the wrong lifecycle state.
	ErrBadState = errors.New("vmx: bad hardware state")
	// ErrUnsupported is returned when the processor lacks a required VMX feature.
	ErrUnsupported = errors.New("vmx: unsupported")
	// ErrBusy is returned when a resource is already in use.
	ErrBusy = errors.New("vmx: resource busy")
	// ErrNotMapped is returned by EPT walks that hit a non-present entry.
	ErrNotMapped = errors.New("vmx: guest physical address not mapped")
)

// Error describes a failed VMX operation.
//
// Code holds the VM-instruction error number when the processor recorded one
// (VMfailValid); HasCode is false for VMfailInvalid and for software checks.
type Error struct {
	Op      string
	Kind    error
	Code    InstructionError
	HasCode bool
	Msg     string
}

func (e *Error) Error() string {
	if isProductionEnv() {
		return e.sanitizedError()
	}
	return e.detailedError()
}

// detailedError provides full error context for development
func (e *Error) detailedError() string {
	if e.HasCode {
		return fmt.Sprintf("vmx: %s: %s: %s (VM-instruction error %d)", e.Op, kindText(e.Kind), e.Msg, uint32(e.Code))
	}
	return fmt.Sprintf("vmx: %s: %s: %s", e.Op, kindText(e.Kind), e.Msg)
}

// sanitizedError provides minimal error information for production
func (e *Error) sanitizedError() string {
	return fmt.Sprintf("vmx: %s: %s", e.Op, e.Msg)
}

// Unwrap returns the error kind.
func (e *Error) Unwrap() error {
	return e.Kind
}

func kindText(kind error) string {
	switch kind {
	case ErrNoMemory:
		return "out of memory"
	case ErrBadState:
		return "bad state"
	case ErrUnsupported:
		return "unsupported"
	case ErrBusy:
		return "busy"
	case ErrNotMapped:
		return "not mapped"
	case nil:
		return "error"
	default:
		return kind.Error()
	}
}

func newError(op string, kind error, msg string) *Error {
	return &Error{Op: op, Kind: kind, Msg: msg}
}

// statusError translates the two-flag status of a VMX instruction into an
// error. For VMfailValid the VM-instruction error field of the current VMCS
// is decoded through readCode.
func statusError(op string, st VMStatus, readCode func() (uint64, VMStatus)) error {
	switch st {
	case VMSucceed:
		return nil
	case VMFailValid:
		recordHardwareError()
		if readCode != nil {
			if raw, rst := readCode(); rst == VMSucceed {
				code := InstructionError(raw)
				return &Error{Op: op, Kind: ErrBadState, Code: code, HasCode: true, Msg: code.String()}
			}
		}
		return newError(op, ErrBadState, "VM-instruction error not available")
	default:
		recordHardwareError()
		return newError(op, ErrBadState, "VMCS pointer is not valid")
	}
}

// isProductionEnv checks if we're running in production environment
func isProductionEnv() bool {
	env := os.Getenv("VMX_ENV")
	if env == "production" || env == "prod" {
		return true
	}

	// Check if debug mode is explicitly disabled
	if debug := os.Getenv("VMX_DEBUG"); debug != "" {
		if val, err := strconv.ParseBool(debug); err == nil && !val {
			return true
		}
	}

	return false
}

// Common specific errors for API consumers
var (
	ErrVCPUClosed    = newError("vcpu", ErrBadState, "vCPU is closed")
	ErrVMXDisabled   = newError("vmx", ErrBadState, "VMX is not enabled on this CPU")
	ErrNotCurrent    = newError("vmcs", ErrBadState, "VMCS is not current on this CPU")
	ErrOtherCurrent  = newError("vmptrld", ErrBadState, "another VMCS is current on this CPU")
	ErrNoEPT         = newError("setup", ErrBadState, "EPT root is not configured")
	ErrFrameAllocate = newError("alloc", ErrNoMemory, "allocate physical frame failed")
)
