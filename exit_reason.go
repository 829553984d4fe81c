package vmx

import "fmt"

// ExitReason is the basic exit reason, bits 15:0 of the exit-reason field.
// Encodings follow the Intel SDM Vol. 3D, Appendix C.
type ExitReason uint32

const (
	ExitExceptionNMI      ExitReason = 0
	ExitExternalInterrupt ExitReason = 1
	ExitTripleFault       ExitReason = 2
	ExitINIT              ExitReason = 3
	ExitSIPI              ExitReason = 4
	ExitSMI               ExitReason = 5
	ExitOtherSMI          ExitReason = 6
	ExitInterruptWindow   ExitReason = 7
	ExitNMIWindow         ExitReason = 8
	ExitTaskSwitch        ExitReason = 9
	ExitCPUID             ExitReason = 10
	ExitGETSEC            ExitReason = 11
	ExitHLT               ExitReason = 12
	ExitINVD              ExitReason = 13
	ExitINVLPG            ExitReason = 14
	ExitRDPMC             ExitReason = 15
	ExitRDTSC             ExitReason = 16
	ExitRSM               ExitReason = 17
	ExitVMCALL            ExitReason = 18
	ExitVMCLEAR           ExitReason = 19
	ExitVMLAUNCH          ExitReason = 20
	ExitVMPTRLD           ExitReason = 21
	ExitVMPTRST           ExitReason = 22
	ExitVMREAD            ExitReason = 23
	ExitVMRESUME          ExitReason = 24
	ExitVMWRITE           ExitReason = 25
	ExitVMXOFF            ExitReason = 26
	ExitVMXON             ExitReason = 27
	ExitCRAccess          ExitReason = 28
	ExitDRAccess          ExitReason = 29
	ExitIOInstruction     ExitReason = 30
	ExitMSRRead           ExitReason = 31
	ExitMSRWrite          ExitReason = 32
	ExitInvalidGuestState ExitReason = 33
	ExitMSRLoadFail       ExitReason = 34
	ExitMWAIT             ExitReason = 36
	ExitMonitorTrapFlag   ExitReason = 37
	ExitMONITOR           ExitReason = 39
	ExitPAUSE             ExitReason = 40
	ExitMCEDuringVMEntry  ExitReason = 41
	ExitTPRBelowThreshold ExitReason = 43
	ExitAPICAccess        ExitReason = 44
	ExitVirtualizedEOI    ExitReason = 45
	ExitGDTRIDTR          ExitReason = 46
	ExitLDTRTR            ExitReason = 47
	ExitEPTViolation      ExitReason = 48
	ExitEPTMisconfig      ExitReason = 49
	ExitINVEPT            ExitReason = 50
	ExitRDTSCP            ExitReason = 51
	ExitPreemptionTimer   ExitReason = 52
	ExitINVVPID           ExitReason = 53
	ExitWBINVD            ExitReason = 54
	ExitXSETBV            ExitReason = 55
	ExitAPICWrite         ExitReason = 56
	ExitRDRAND            ExitReason = 57
	ExitINVPCID           ExitReason = 58
	ExitVMFUNC            ExitReason = 59
	ExitENCLS             ExitReason = 60
	ExitRDSEED            ExitReason = 61
	ExitPMLFull           ExitReason = 62
	ExitXSAVES            ExitReason = 63
	ExitXRSTORS           ExitReason = 64
	ExitPCONFIG           ExitReason = 65
	ExitSPPEvent          ExitReason = 66
	ExitUMWAIT            ExitReason = 67
	ExitTPAUSE            ExitReason = 68
	ExitLOADIWKEY         ExitReason = 69
)

const exitReasonLimit uint32 = 70

var exitReasonNames = [exitReasonLimit]string{
	ExitExceptionNMI:      "EXCEPTION_NMI",
	ExitExternalInterrupt: "EXTERNAL_INTERRUPT",
	ExitTripleFault:       "TRIPLE_FAULT",
	ExitINIT:              "INIT",
	ExitSIPI:              "SIPI",
	ExitSMI:               "SMI",
	ExitOtherSMI:          "OTHER_SMI",
	ExitInterruptWindow:   "INTERRUPT_WINDOW",
	ExitNMIWindow:         "NMI_WINDOW",
	ExitTaskSwitch:        "TASK_SWITCH",
	ExitCPUID:             "CPUID",
	ExitGETSEC:            "GETSEC",
	ExitHLT:               "HLT",
	ExitINVD:              "INVD",
	ExitINVLPG:            "INVLPG",
	ExitRDPMC:             "RDPMC",
	ExitRDTSC:             "RDTSC",
	ExitRSM:               "RSM",
	ExitVMCALL:            "VMCALL",
	ExitVMCLEAR:           "VMCLEAR",
	ExitVMLAUNCH:          "VMLAUNCH",
	ExitVMPTRLD:           "VMPTRLD",
	ExitVMPTRST:           "VMPTRST",
	ExitVMREAD:            "VMREAD",
	ExitVMRESUME:          "VMRESUME",
	ExitVMWRITE:           "VMWRITE",
	ExitVMXOFF:            "VMXOFF",
	ExitVMXON:             "VMXON",
	ExitCRAccess:          "CR_ACCESS",
	ExitDRAccess:          "DR_ACCESS",
	ExitIOInstruction:     "IO_INSTRUCTION",
	ExitMSRRead:           "MSR_READ",
	ExitMSRWrite:          "MSR_WRITE",
	ExitInvalidGuestState: "INVALID_GUEST_STATE",
	ExitMSRLoadFail:       "MSR_LOAD_FAIL",
	ExitMWAIT:             "MWAIT_INSTRUCTION",
	ExitMonitorTrapFlag:   "MONITOR_TRAP_FLAG",
	ExitMONITOR:           "MONITOR_INSTRUCTION",
	ExitPAUSE:             "PAUSE_INSTRUCTION",
	ExitMCEDuringVMEntry:  "MCE_DURING_VMENTRY",
	ExitTPRBelowThreshold: "TPR_BELOW_THRESHOLD",
	ExitAPICAccess:        "APIC_ACCESS",
	ExitVirtualizedEOI:    "VIRTUALIZED_EOI",
	ExitGDTRIDTR:          "GDTR_IDTR",
	ExitLDTRTR:            "LDTR_TR",
	ExitEPTViolation:      "EPT_VIOLATION",
	ExitEPTMisconfig:      "EPT_MISCONFIG",
	ExitINVEPT:            "INVEPT",
	ExitRDTSCP:            "RDTSCP",
	ExitPreemptionTimer:   "PREEMPTION_TIMER",
	ExitINVVPID:           "INVVPID",
	ExitWBINVD:            "WBINVD",
	ExitXSETBV:            "XSETBV",
	ExitAPICWrite:         "APIC_WRITE",
	ExitRDRAND:            "RDRAND",
	ExitINVPCID:           "INVPCID",
	ExitVMFUNC:            "VMFUNC",
	ExitENCLS:             "ENCLS",
	ExitRDSEED:            "RDSEED",
	ExitPMLFull:           "PML_FULL",
	ExitXSAVES:            "XSAVES",
	ExitXRSTORS:           "XRSTORS",
	ExitPCONFIG:           "PCONFIG",
	ExitSPPEvent:          "SPP_EVENT",
	ExitUMWAIT:            "UMWAIT",
	ExitTPAUSE:            "TPAUSE",
	ExitLOADIWKEY:         "LOADIWKEY",
}

// UnknownExitReasonError is returned when the processor reports a basic exit
// reason this package does not know.
type UnknownExitReasonError struct {
	Code uint32
}

func (e *UnknownExitReasonError) Error() string {
	return fmt.Sprintf("vmx: unknown exit reason %d", e.Code)
}

// ExitReasonFromCode decodes a basic exit reason.
func ExitReasonFromCode(code uint32) (ExitReason, error) {
	if code >= exitReasonLimit || exitReasonNames[code] == "" {
		return 0, &UnknownExitReasonError{Code: code}
	}
	return ExitReason(code), nil
}

// Valid reports whether r is a defined exit reason.
func (r ExitReason) Valid() bool {
	return uint32(r) < exitReasonLimit && exitReasonNames[r] != ""
}

func (r ExitReason) String() string {
	if !r.Valid() {
		return fmt.Sprintf("ExitReason(%d)", uint32(r))
	}
	return exitReasonNames[r]
}
