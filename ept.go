package vmx

import (
	"fmt"
	"log/slog"

	"gvisor.dev/gvisor/pkg/hostarch"
)

// Bits in EPT paging-structure entries.
const (
	eptRead     = 1 << 0
	eptWrite    = 1 << 1
	eptExecute  = 1 << 2
	eptRWX      = eptRead | eptWrite | eptExecute
	eptMemWB    = 6 << 3
	eptLarge    = 1 << 7
	eptAddrMask = 0x000FFFFFFFFFF000

	eptEntries   = 512
	eptLevels    = 4
	eptPointerWB = 6
	// Page-walk length minus one, bits 5:3 of the EPT pointer.
	eptPointerWalk = (eptLevels - 1) << 3
)

// Leaf sizes supported by EPT.
const (
	PageSize4K = 1 << 12
	PageSize2M = 1 << 21
	PageSize1G = 1 << 30
)

type eptTable [eptEntries]uint64

func tableAt(mem FrameAllocator, pa PhysAddr) *eptTable {
	return (*eptTable)(mem.PhysToVirt(pa))
}

// eptIndex returns the index of gpa in the table at level (4 = PML4, 1 = PT).
func eptIndex(gpa GuestPhysAddr, level int) int {
	return int(uint64(gpa)>>(12+9*(level-1))) & (eptEntries - 1)
}

func levelSize(level int) uint64 {
	return 1 << (12 + 9*(level-1))
}

func entryAccess(e uint64) hostarch.AccessType {
	return hostarch.AccessType{
		Read:    e&eptRead != 0,
		Write:   e&eptWrite != 0,
		Execute: e&eptExecute != 0,
	}
}

// eptPointer builds the EPTP for a 4-level, write-back hierarchy.
func eptPointer(root PhysAddr) uint64 {
	return uint64(root)&eptAddrMask | eptPointerWB | eptPointerWalk
}

// GuestPageWalkInfo is the result of translating one guest physical address.
type GuestPageWalkInfo struct {
	GPA GuestPhysAddr `json:"gpa"`
	// PhysBase is the host physical address of the page containing GPA.
	PhysBase PhysAddr `json:"phys_base"`
	// PhysAddr is the host physical address GPA translates to.
	PhysAddr PhysAddr `json:"phys_addr"`
	// Level is the level of the leaf entry: 1 for 4 KiB pages, 2 for 2 MiB
	// and 3 for 1 GiB.
	Level    int    `json:"level"`
	PageSize uint64 `json:"page_size"`
	// Access is the intersection of the rights at every level.
	Access hostarch.AccessType `json:"access"`
}

// WalkError reports a guest physical address with no present entry.
type WalkError struct {
	GPA   GuestPhysAddr
	Level int
}

func (e *WalkError) Error() string {
	if isProductionEnv() {
		return "vmx: guest physical address not mapped"
	}
	return fmt.Sprintf("vmx: guest physical address %#x not mapped at level %d", uint64(e.GPA), e.Level)
}

// Unwrap returns ErrNotMapped.
func (e *WalkError) Unwrap() error {
	return ErrNotMapped
}

// WalkEPT translates gpa through the EPT hierarchy rooted at root.
func WalkEPT(mem FrameAllocator, root PhysAddr, gpa GuestPhysAddr) (GuestPageWalkInfo, error) {
	access := hostarch.AnyAccess
	table := root
	for level := eptLevels; level >= 1; level-- {
		e := tableAt(mem, table)[eptIndex(gpa, level)]
		if e&eptRWX == 0 {
			return GuestPageWalkInfo{}, &WalkError{GPA: gpa, Level: level}
		}
		access = access.Intersect(entryAccess(e))

		large := level > 1 && e&eptLarge != 0
		if large && level == eptLevels {
			return GuestPageWalkInfo{}, newError("ept walk", ErrBadState, "large page bit set in PML4 entry")
		}
		if level == 1 || large {
			size := levelSize(level)
			base := PhysAddr(e & eptAddrMask &^ (size - 1))
			return GuestPageWalkInfo{
				GPA:      gpa,
				PhysBase: base,
				PhysAddr: base + PhysAddr(uint64(gpa)&(size-1)),
				Level:    level,
				PageSize: size,
				Access:   access,
			}, nil
		}
		table = PhysAddr(e & eptAddrMask)
	}
	panic("unreachable")
}

// EPT builds an extended page table hierarchy in frames from a
// FrameAllocator. It is not safe for concurrent use.
type EPT struct {
	mem    FrameAllocator
	root   *PhysFrame
	tables []*PhysFrame
}

// NewEPT allocates an empty PML4.
func NewEPT(mem FrameAllocator) (*EPT, error) {
	root, err := AllocZeroedFrame(mem)
	if err != nil {
		return nil, fmt.Errorf("failed to allocate EPT root: %w", err)
	}
	return &EPT{mem: mem, root: root}, nil
}

// Root returns the physical address of the PML4.
func (e *EPT) Root() PhysAddr {
	return e.root.StartPaddr()
}

// Pointer returns the EPTP value for this hierarchy.
func (e *EPT) Pointer() uint64 {
	return eptPointer(e.Root())
}

// Tables returns the number of frames used, including the root.
func (e *EPT) Tables() int {
	return len(e.tables) + 1
}

func leafLevel(size uint64) (int, error) {
	switch size {
	case PageSize4K:
		return 1, nil
	case PageSize2M:
		return 2, nil
	case PageSize1G:
		return 3, nil
	}
	return 0, newError("ept map", ErrUnsupported, fmt.Sprintf("unsupported page size %#x", size))
}

func accessBits(at hostarch.AccessType) (uint64, error) {
	if !at.Any() {
		return 0, newError("ept map", ErrBadState, "mapping grants no access")
	}
	if at.Write && !at.Read {
		// Write-only entries are an EPT misconfiguration.
		return 0, newError("ept map", ErrBadState, "write access without read access")
	}
	var bits uint64
	if at.Read {
		bits |= eptRead
	}
	if at.Write {
		bits |= eptWrite
	}
	if at.Execute {
		bits |= eptExecute
	}
	return bits, nil
}

// Map maps the size-byte page at gpa to hpa. size is PageSize4K, PageSize2M
// or PageSize1G, and both addresses must be aligned to it. Mapping over an
// existing leaf fails with ErrBusy.
func (e *EPT) Map(gpa GuestPhysAddr, hpa PhysAddr, size uint64, access hostarch.AccessType) error {
	level, err := leafLevel(size)
	if err != nil {
		return err
	}
	if uint64(gpa)&(size-1) != 0 || uint64(hpa)&(size-1) != 0 {
		return newError("ept map", ErrBadState, "address not aligned to page size")
	}
	bits, err := accessBits(access)
	if err != nil {
		return err
	}

	table := e.Root()
	for l := eptLevels; l > level; l-- {
		t := tableAt(e.mem, table)
		idx := eptIndex(gpa, l)
		if t[idx]&eptRWX == 0 {
			f, err := AllocZeroedFrame(e.mem)
			if err != nil {
				return fmt.Errorf("failed to allocate EPT table: %w", err)
			}
			e.tables = append(e.tables, f)
			t[idx] = uint64(f.StartPaddr()) | eptRWX
		} else if t[idx]&eptLarge != 0 {
			return newError("ept map", ErrBusy, "range is covered by a larger page")
		}
		table = PhysAddr(t[idx] & eptAddrMask)
	}

	t := tableAt(e.mem, table)
	idx := eptIndex(gpa, level)
	if t[idx]&eptRWX != 0 {
		return newError("ept map", ErrBusy, "guest physical address already mapped")
	}
	entry := uint64(hpa)&eptAddrMask | bits | eptMemWB
	if level > 1 {
		entry |= eptLarge
	}
	t[idx] = entry
	slog.Debug("vmx: EPT map", "gpa", hexAddr(gpa), "hpa", hexAddr(hpa), "size", size)
	return nil
}

// Unmap removes the leaf that maps gpa. Intermediate tables are kept until
// Close. Callers running a guest on these tables must follow up with
// VCPU.InvalidateEPT.
func (e *EPT) Unmap(gpa GuestPhysAddr) error {
	info, err := e.Walk(gpa)
	if err != nil {
		return err
	}
	table := e.Root()
	for l := eptLevels; l > info.Level; l-- {
		table = PhysAddr(tableAt(e.mem, table)[eptIndex(gpa, l)] & eptAddrMask)
	}
	tableAt(e.mem, table)[eptIndex(gpa, info.Level)] = 0
	return nil
}

// Walk translates gpa through this hierarchy.
func (e *EPT) Walk(gpa GuestPhysAddr) (GuestPageWalkInfo, error) {
	return WalkEPT(e.mem, e.Root(), gpa)
}

// IsMapped reports whether gpa has a present translation.
func (e *EPT) IsMapped(gpa GuestPhysAddr) bool {
	_, err := e.Walk(gpa)
	return err == nil
}

// Close frees every table frame, including the root.
func (e *EPT) Close() {
	for _, f := range e.tables {
		f.Free()
	}
	e.tables = nil
	e.root.Free()
}
