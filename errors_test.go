package vmx

import (
	"errors"
	"strings"
	"testing"
)

func TestError(t *testing.T) {
	tests := []struct {
		name     string
		err      *Error
		kind     error
		expected string
	}{
		{
			name:     "software check",
			err:      newError("enable", ErrUnsupported, "CPU does not support VMX"),
			kind:     ErrUnsupported,
			expected: "vmx: enable: unsupported: CPU does not support VMX",
		},
		{
			name:     "instruction error",
			err:      &Error{Op: "vmlaunch", Kind: ErrBadState, Code: 7, HasCode: true, Msg: InstructionError(7).String()},
			kind:     ErrBadState,
			expected: "vmx: vmlaunch: bad state: VM entry with invalid control field(s) (VM-instruction error 7)",
		},
		{
			name:     "frame allocation",
			err:      ErrFrameAllocate,
			kind:     ErrNoMemory,
			expected: "vmx: alloc: out of memory: allocate physical frame failed",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.err.Error(); got != tt.expected {
				t.Errorf("Error() = %q, want %q", got, tt.expected)
			}
			if !errors.Is(tt.err, tt.kind) {
				t.Errorf("errors.Is(%v, %v) = false", tt.err, tt.kind)
			}
		})
	}
}

func TestErrorSanitized(t *testing.T) {
	err := &Error{Op: "vmresume", Kind: ErrBadState, Code: 5, HasCode: true, Msg: "VMRESUME with non-launched VMCS"}

	t.Run("production env", func(t *testing.T) {
		t.Setenv("VMX_ENV", "production")
		got := err.Error()
		if strings.Contains(got, "5)") || strings.Contains(got, "bad state") {
			t.Errorf("production error leaks details: %q", got)
		}
		if got != "vmx: vmresume: VMRESUME with non-launched VMCS" {
			t.Errorf("Error() = %q", got)
		}
	})

	t.Run("debug disabled", func(t *testing.T) {
		t.Setenv("VMX_DEBUG", "false")
		if got := err.Error(); strings.Contains(got, "VM-instruction error") {
			t.Errorf("Error() = %q, want sanitized message", got)
		}
	})

	t.Run("walk error", func(t *testing.T) {
		t.Setenv("VMX_ENV", "prod")
		werr := &WalkError{GPA: 0x1234000, Level: 2}
		if got := werr.Error(); strings.Contains(got, "0x1234000") {
			t.Errorf("Error() = %q leaks the address", got)
		}
	})
}

func TestStatusError(t *testing.T) {
	readCode := func() (uint64, VMStatus) { return 9, VMSucceed }

	t.Run("succeed", func(t *testing.T) {
		if err := statusError("vmptrld", VMSucceed, readCode); err != nil {
			t.Errorf("statusError(VMSucceed) = %v", err)
		}
	})

	t.Run("fail valid without an error field", func(t *testing.T) {
		for name, read := range map[string]func() (uint64, VMStatus){
			"no reader":   nil,
			"read failed": func() (uint64, VMStatus) { return 0, VMFailInvalid },
		} {
			err := statusError("vmxoff", VMFailValid, read)
			var verr *Error
			if !errors.As(err, &verr) {
				t.Fatalf("%s: statusError() = %T, want *Error", name, err)
			}
			if verr.HasCode || strings.Contains(err.Error(), "OK") {
				t.Errorf("%s: Error() = %q, want no instruction error", name, err.Error())
			}
			if !errors.Is(err, ErrBadState) {
				t.Errorf("%s: VMfailValid does not wrap ErrBadState", name)
			}
		}
	})

	t.Run("fail valid decodes the error field", func(t *testing.T) {
		before := GetMetrics().HardwareErrors
		err := statusError("vmptrld", VMFailValid, readCode)
		var verr *Error
		if !errors.As(err, &verr) {
			t.Fatalf("statusError() = %T, want *Error", err)
		}
		if !verr.HasCode || verr.Code != 9 {
			t.Errorf("Code = %d (HasCode %v), want 9", verr.Code, verr.HasCode)
		}
		if !errors.Is(err, ErrBadState) {
			t.Error("VMfailValid does not wrap ErrBadState")
		}
		if got := GetMetrics().HardwareErrors; got != before+1 {
			t.Errorf("HardwareErrors = %d, want %d", got, before+1)
		}
	})

	t.Run("fail invalid has no code", func(t *testing.T) {
		err := statusError("vmclear", VMFailInvalid, readCode)
		var verr *Error
		if !errors.As(err, &verr) {
			t.Fatalf("statusError() = %T, want *Error", err)
		}
		if verr.HasCode {
			t.Error("VMfailInvalid carries an instruction error")
		}
		if !strings.Contains(err.Error(), "VMCS pointer is not valid") {
			t.Errorf("Error() = %q", err.Error())
		}
	})
}

func TestErrorKindsDistinct(t *testing.T) {
	kinds := []error{ErrNoMemory, ErrBadState, ErrUnsupported, ErrBusy, ErrNotMapped}
	for i, a := range kinds {
		for j, b := range kinds {
			if i != j && errors.Is(a, b) {
				t.Errorf("%v matches %v", a, b)
			}
		}
	}
	if !errors.Is(&WalkError{}, ErrNotMapped) {
		t.Error("WalkError does not wrap ErrNotMapped")
	}
}
