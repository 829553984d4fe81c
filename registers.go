package vmx

import "fmt"

// RSPIndex is the architectural index of the stack pointer. RSP lives in the
// VMCS guest-state area, not in GeneralRegisters, and is never accessible by
// index.
const RSPIndex = 4

// GeneralRegisters is the guest general-purpose register file.
//
// The layout is fixed: field i sits at byte offset i*8, following the
// architectural encoding order. The context switch in processor_amd64.s
// depends on it.
type GeneralRegisters struct {
	RAX       uint64 `json:"rax"`
	RCX       uint64 `json:"rcx"`
	RDX       uint64 `json:"rdx"`
	RBX       uint64 `json:"rbx"`
	unusedRSP uint64
	RBP       uint64 `json:"rbp"`
	RSI       uint64 `json:"rsi"`
	RDI       uint64 `json:"rdi"`
	R8        uint64 `json:"r8"`
	R9        uint64 `json:"r9"`
	R10       uint64 `json:"r10"`
	R11       uint64 `json:"r11"`
	R12       uint64 `json:"r12"`
	R13       uint64 `json:"r13"`
	R14       uint64 `json:"r14"`
	R15       uint64 `json:"r15"`
}

// registerNames follows the opcode encoding order.
var registerNames = [16]string{
	"rax", "rcx", "rdx", "rbx", "rsp", "rbp", "rsi", "rdi",
	"r8", "r9", "r10", "r11", "r12", "r13", "r14", "r15",
}

// RegisterName returns the name of the register with the given index.
func RegisterName(index uint8) string {
	if int(index) >= len(registerNames) {
		return fmt.Sprintf("reg%d", index)
	}
	return registerNames[index]
}

// slot returns a pointer to the register with the given index. It panics for
// RSPIndex and for indices above 15.
func (g *GeneralRegisters) slot(index uint8) *uint64 {
	switch index {
	case 0:
		return &g.RAX
	case 1:
		return &g.RCX
	case 2:
		return &g.RDX
	case 3:
		return &g.RBX
	case 5:
		return &g.RBP
	case 6:
		return &g.RSI
	case 7:
		return &g.RDI
	case 8:
		return &g.R8
	case 9:
		return &g.R9
	case 10:
		return &g.R10
	case 11:
		return &g.R11
	case 12:
		return &g.R12
	case 13:
		return &g.R13
	case 14:
		return &g.R14
	case 15:
		return &g.R15
	default:
		panic(fmt.Sprintf("vmx: illegal index of GeneralRegisters %d", index))
	}
}

// Get returns the register with the given index.
//
// Indices: 0 rax, 1 rcx, 2 rdx, 3 rbx, 5 rbp, 6 rsi, 7 rdi, 8-15 r8-r15.
// Get panics for index 4 (rsp) and for indices above 15.
func (g *GeneralRegisters) Get(index uint8) uint64 {
	return *g.slot(index)
}

// Set writes the register with the given index. It panics under the same
// conditions as Get.
func (g *GeneralRegisters) Set(index uint8, value uint64) {
	*g.slot(index) = value
}

// EDXEAX returns EDX:EAX as one 64-bit value, as consumed by WRMSR and XSETBV.
func (g *GeneralRegisters) EDXEAX() uint64 {
	return g.Read(EDX)<<32 | g.Read(EAX)
}

// SetEDXEAX splits v into EDX:EAX, clearing the upper halves, as RDMSR does.
func (g *GeneralRegisters) SetEDXEAX(v uint64) {
	g.Write(EAX, v&0xffffffff)
	g.Write(EDX, v>>32)
}
