// Package vmx drives Intel VMX hardware virtualization from Go.
//
// It brings a logical CPU into VMX root operation, owns the virtual-machine
// control structure (VMCS) of each virtual CPU, switches the general-purpose
// registers across VM entry and VM exit, and classifies why the guest
// stopped. Physical pages for the VMXON region, VMCS, MSR bitmap and EPT
// tables come from a FrameAllocator supplied by the host.
//
// # Requirements
//
//   - amd64 processor with VMX, EPT and unrestricted guest support
//   - code running at CPL 0 (NewNativeProcessor refuses otherwise)
//   - one goroutine per CPU, locked with runtime.LockOSThread
//
// # Basic Usage
//
// Enable VMX on the current CPU:
//
//	runtime.LockOSThread()
//	proc, err := vmx.NewNativeProcessor()
//	if err != nil {
//		log.Fatal(err)
//	}
//	cpu := vmx.NewPerCPUState(proc, mem) // mem implements vmx.FrameAllocator
//	if err := cpu.Enable(); err != nil {
//		log.Fatal("failed to enable VMX:", err)
//	}
//	defer cpu.Disable()
//
// Build guest memory and a vCPU:
//
//	ept, err := vmx.NewEPT(mem)
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer ept.Close()
//	err = ept.Map(0, guestPage, vmx.PageSize4K, hostarch.AnyAccess)
//
//	vcpu, err := vmx.NewVCPU(cpu)
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer vcpu.Close()
//	err = vcpu.Setup(vmx.GuestConfig{EntryRIP: 0, EPTRoot: ept.Root()})
//
// Run until the guest halts:
//
//	for {
//		exit, err := vcpu.Run()
//		if err != nil {
//			log.Fatal(err)
//		}
//		switch exit.Reason {
//		case vmx.ExitHLT:
//			return
//		case vmx.ExitIOInstruction:
//			io, _ := vcpu.IOExitInfo()
//			handleIO(io, vcpu.Regs())
//			vcpu.AdvanceRIP()
//		case vmx.ExitEPTViolation:
//			v, _ := vcpu.EPTViolationInfo()
//			handleMMIO(v)
//		}
//	}
//
// # Error Handling
//
// Failures are returned as *Error values wrapping one of ErrNoMemory,
// ErrBadState, ErrUnsupported, ErrBusy or ErrNotMapped; use errors.Is to
// classify them. A VMX instruction that fails with VMfailValid carries the
// decoded VM-instruction error. Programming errors such as an out-of-range
// register index or disabling VMX with an active VMCS panic.
//
// Set VMX_ENV=production (or VMX_DEBUG=false) to drop numeric codes from
// error messages.
//
// # Resource Management
//
// A VMCS is always cleared before its frame is freed, and VMX can only be
// disabled once every VMCS active on the CPU has been cleared. Close every
// VCPU before PerCPUState.Disable. A finalizer logs vCPUs that are garbage
// collected without Close, but cannot release them: VMCLEAR must run on the
// owning CPU.
package vmx
