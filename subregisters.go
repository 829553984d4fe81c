package vmx

// Subregister names a 32, 16 or 8-bit view of a general-purpose register.
type Subregister uint8

// 32-bit views. Writing one zero-extends into the full register.
const (
	EAX Subregister = iota
	ECX
	EDX
	EBX
	EBP
	ESI
	EDI
	R8D
	R9D
	R10D
	R11D
	R12D
	R13D
	R14D
	R15D
)

// 16-bit views. Writing one preserves bits 16-63.
const (
	AX Subregister = iota + R15D + 1
	CX
	DX
	BX
	BP
	SI
	DI
	R8W
	R9W
	R10W
	R11W
	R12W
	R13W
	R14W
	R15W
)

// Low 8-bit views, followed by the legacy high-byte views (bits 8-15).
const (
	AL Subregister = iota + R15W + 1
	CL
	DL
	BL
	BPL
	SIL
	DIL
	R8B
	R9B
	R10B
	R11B
	R12B
	R13B
	R14B
	R15B
	AH
	CH
	DH
	BH
)

type subregisterInfo struct {
	name  string
	slot  uint8
	shift uint8
	width uint8
	// clear zeroes the rest of the parent register on write.
	clear bool
}

// subregisters is indexed by Subregister.
var subregisters = buildSubregisters()

func buildSubregisters() []subregisterInfo {
	slots := []uint8{0, 1, 2, 3, 5, 6, 7, 8, 9, 10, 11, 12, 13, 14, 15}
	groups := []struct {
		names []string
		width uint8
		clear bool
	}{
		{[]string{"eax", "ecx", "edx", "ebx", "ebp", "esi", "edi", "r8d", "r9d", "r10d", "r11d", "r12d", "r13d", "r14d", "r15d"}, 32, true},
		{[]string{"ax", "cx", "dx", "bx", "bp", "si", "di", "r8w", "r9w", "r10w", "r11w", "r12w", "r13w", "r14w", "r15w"}, 16, false},
		{[]string{"al", "cl", "dl", "bl", "bpl", "sil", "dil", "r8b", "r9b", "r10b", "r11b", "r12b", "r13b", "r14b", "r15b"}, 8, false},
	}

	var table []subregisterInfo
	for _, g := range groups {
		for i, name := range g.names {
			table = append(table, subregisterInfo{name: name, slot: slots[i], width: g.width, clear: g.clear})
		}
	}
	for i, name := range []string{"ah", "ch", "dh", "bh"} {
		table = append(table, subregisterInfo{name: name, slot: uint8(i), shift: 8, width: 8})
	}
	return table
}

func (s Subregister) info() subregisterInfo {
	if int(s) >= len(subregisters) {
		panic("vmx: invalid subregister")
	}
	return subregisters[s]
}

func (s Subregister) String() string {
	if int(s) >= len(subregisters) {
		return "invalid"
	}
	return subregisters[s].name
}

// Width returns the size of the view in bits.
func (s Subregister) Width() int {
	return int(s.info().width)
}

// Parent returns the index of the full register the view belongs to.
func (s Subregister) Parent() uint8 {
	return s.info().slot
}

// SubregisterByName looks up a view by its lower-case assembler name.
func SubregisterByName(name string) (Subregister, bool) {
	for i, info := range subregisters {
		if info.name == name {
			return Subregister(i), true
		}
	}
	return 0, false
}

func (info subregisterInfo) mask() uint64 {
	return 1<<info.width - 1
}

// Read returns the value of the view, zero-extended.
func (g *GeneralRegisters) Read(s Subregister) uint64 {
	info := s.info()
	return g.Get(info.slot) >> info.shift & info.mask()
}

// Write stores v into the view. Bits of v beyond the view width are ignored.
// 32-bit views clear the upper half of the parent; narrower views leave every
// other bit untouched.
func (g *GeneralRegisters) Write(s Subregister, v uint64) {
	info := s.info()
	v &= info.mask()
	if info.clear {
		g.Set(info.slot, v<<info.shift)
		return
	}
	old := g.Get(info.slot)
	old &^= info.mask() << info.shift
	g.Set(info.slot, old|v<<info.shift)
}
