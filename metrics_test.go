package vmx

import (
	"encoding/json"
	"testing"
)

func TestMetrics(t *testing.T) {
	// Reset metrics for clean test
	ResetMetrics()

	// Verify initial state
	metrics := GetMetrics()
	if metrics.VCPUCreated != 0 || metrics.Exits != nil {
		t.Errorf("metrics not reset: %+v", metrics)
	}

	vcpu, proc, _ := newRunnableVCPU(t)
	metrics = GetMetrics()
	if metrics.VMXOn != 1 {
		t.Errorf("Expected VMXOn=1, got %d", metrics.VMXOn)
	}
	if metrics.VCPUCreated != 1 {
		t.Errorf("Expected VCPUCreated=1, got %d", metrics.VCPUCreated)
	}
	if metrics.FramesAllocated == 0 {
		t.Error("Expected frame allocations to be recorded")
	}

	for i := 0; i < 3; i++ {
		if _, err := vcpu.Run(); err != nil {
			t.Fatalf("Run() failed: %v", err)
		}
	}
	proc.guest = func(f *fakeProcessor, _ *GeneralRegisters) {
		f.exit(ExitCPUID, 0, 2)
	}
	if _, err := vcpu.Run(); err != nil {
		t.Fatalf("Run() failed: %v", err)
	}

	metrics = GetMetrics()
	if metrics.Launches != 1 || metrics.Resumes != 3 {
		t.Errorf("Expected 1 launch and 3 resumes, got %d and %d", metrics.Launches, metrics.Resumes)
	}
	if metrics.Exits["HLT"] != 3 || metrics.Exits["CPUID"] != 1 {
		t.Errorf("Exits = %v, want HLT:3 CPUID:1", metrics.Exits)
	}

	proc.entryError = 8
	if _, err := vcpu.Run(); err == nil {
		t.Fatal("Run() succeeded with invalid host state")
	}
	if got := GetMetrics().HardwareErrors; got != 1 {
		t.Errorf("Expected HardwareErrors=1, got %d", got)
	}

	if err := vcpu.Close(); err != nil {
		t.Fatalf("Close() failed: %v", err)
	}
	if got := GetMetrics().VCPUDestroyed; got != 1 {
		t.Errorf("Expected VCPUDestroyed=1, got %d", got)
	}

	data, err := json.Marshal(GetMetrics())
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}
	var decoded map[string]any
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("Unmarshal failed: %v", err)
	}
	if _, ok := decoded["exits"]; !ok {
		t.Errorf("metrics JSON has no exits: %s", data)
	}
}

func TestResetMetrics(t *testing.T) {
	recordFrameAlloc()
	recordExit(ExitHLT)
	recordEntry(true, 0)
	ResetMetrics()

	m := GetMetrics()
	if m.FramesAllocated != 0 || m.Launches != 0 || len(m.Exits) != 0 {
		t.Errorf("ResetMetrics left %+v", m)
	}
}

func TestRecordExitOutOfRange(t *testing.T) {
	ResetMetrics()
	recordExit(ExitReason(exitReasonLimit + 5))
	if m := GetMetrics(); len(m.Exits) != 0 {
		t.Errorf("Exits = %v, want none", m.Exits)
	}
}
