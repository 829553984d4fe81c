//go:build amd64

package vmx

import (
	"sync"

	gcpuid "gvisor.dev/gvisor/pkg/cpuid"
)

var cpuidOnce sync.Once

// HasHardwareSupport reports whether the processor implements VMX
// (CPUID.1:ECX.VMX). It does not check that firmware left VMX enabled; that
// is done by PerCPUState.Enable.
func HasHardwareSupport() bool {
	cpuidOnce.Do(gcpuid.Initialize)
	return gcpuid.HostFeatureSet().HasFeature(gcpuid.X86FeatureVMX)
}
