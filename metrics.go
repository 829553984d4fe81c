package vmx

import (
	"sync/atomic"
	"time"
)

// Performance metrics for monitoring VMX operations
var (
	// Resource counters
	frameAllocCount  uint64
	frameFreeCount   uint64
	vmxonCount       uint64
	vmxoffCount      uint64
	vcpuCreateCount  uint64
	vcpuDestroyCount uint64

	// Entry counters
	launchCount uint64
	resumeCount uint64
	exitCounts  [exitReasonLimit]uint64

	// Timing metrics (nanoseconds)
	totalGuestTime uint64

	// Error counters
	hardwareErrors uint64
	resourceErrors uint64
)

// Metrics provides access to performance metrics
type Metrics struct {
	FramesAllocated uint64            `json:"frames_allocated"`
	FramesFreed     uint64            `json:"frames_freed"`
	VMXOn           uint64            `json:"vmxon"`
	VMXOff          uint64            `json:"vmxoff"`
	VCPUCreated     uint64            `json:"vcpu_created"`
	VCPUDestroyed   uint64            `json:"vcpu_destroyed"`
	Launches        uint64            `json:"launches"`
	Resumes         uint64            `json:"resumes"`
	Exits           map[string]uint64 `json:"exits,omitempty"`
	AvgGuestTimeNs  uint64            `json:"avg_guest_time_ns"`
	HardwareErrors  uint64            `json:"hardware_errors"`
	ResourceErrors  uint64            `json:"resource_errors"`
}

// GetMetrics returns current performance metrics
func GetMetrics() Metrics {
	launches := atomic.LoadUint64(&launchCount)
	resumes := atomic.LoadUint64(&resumeCount)

	var avgGuest uint64
	if entries := launches + resumes; entries > 0 {
		avgGuest = atomic.LoadUint64(&totalGuestTime) / entries
	}

	var exits map[string]uint64
	for code := range exitCounts {
		n := atomic.LoadUint64(&exitCounts[code])
		if n == 0 {
			continue
		}
		if exits == nil {
			exits = make(map[string]uint64)
		}
		exits[ExitReason(code).String()] = n
	}

	return Metrics{
		FramesAllocated: atomic.LoadUint64(&frameAllocCount),
		FramesFreed:     atomic.LoadUint64(&frameFreeCount),
		VMXOn:           atomic.LoadUint64(&vmxonCount),
		VMXOff:          atomic.LoadUint64(&vmxoffCount),
		VCPUCreated:     atomic.LoadUint64(&vcpuCreateCount),
		VCPUDestroyed:   atomic.LoadUint64(&vcpuDestroyCount),
		Launches:        launches,
		Resumes:         resumes,
		Exits:           exits,
		AvgGuestTimeNs:  avgGuest,
		HardwareErrors:  atomic.LoadUint64(&hardwareErrors),
		ResourceErrors:  atomic.LoadUint64(&resourceErrors),
	}
}

// ResetMetrics clears all performance metrics
func ResetMetrics() {
	atomic.StoreUint64(&frameAllocCount, 0)
	atomic.StoreUint64(&frameFreeCount, 0)
	atomic.StoreUint64(&vmxonCount, 0)
	atomic.StoreUint64(&vmxoffCount, 0)
	atomic.StoreUint64(&vcpuCreateCount, 0)
	atomic.StoreUint64(&vcpuDestroyCount, 0)
	atomic.StoreUint64(&launchCount, 0)
	atomic.StoreUint64(&resumeCount, 0)
	for i := range exitCounts {
		atomic.StoreUint64(&exitCounts[i], 0)
	}
	atomic.StoreUint64(&totalGuestTime, 0)
	atomic.StoreUint64(&hardwareErrors, 0)
	atomic.StoreUint64(&resourceErrors, 0)
}

// Internal metric recording functions
func recordFrameAlloc() {
	atomic.AddUint64(&frameAllocCount, 1)
}

func recordFrameFree() {
	atomic.AddUint64(&frameFreeCount, 1)
}

func recordVMXOn() {
	atomic.AddUint64(&vmxonCount, 1)
}

func recordVMXOff() {
	atomic.AddUint64(&vmxoffCount, 1)
}

func recordVCPUCreate() {
	atomic.AddUint64(&vcpuCreateCount, 1)
}

func recordVCPUDestroy() {
	atomic.AddUint64(&vcpuDestroyCount, 1)
}

func recordEntry(launch bool, duration time.Duration) {
	if launch {
		atomic.AddUint64(&launchCount, 1)
	} else {
		atomic.AddUint64(&resumeCount, 1)
	}
	atomic.AddUint64(&totalGuestTime, uint64(duration.Nanoseconds()))
}

func recordExit(reason ExitReason) {
	if uint32(reason) < exitReasonLimit {
		atomic.AddUint64(&exitCounts[reason], 1)
	}
}

func recordHardwareError() {
	atomic.AddUint64(&hardwareErrors, 1)
}

func recordResourceError() {
	atomic.AddUint64(&resourceErrors, 1)
}
