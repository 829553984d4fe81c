//go:build linux || darwin

package vmx

import (
	"fmt"
	"log/slog"
	"sync"
	"unsafe"

	"golang.org/x/sys/unix"
)

// DefaultArenaBase is the simulated physical address of the first arena page.
const DefaultArenaBase PhysAddr = 0x100000

// Arena is a FrameAllocator over an anonymous host mapping. Physical
// addresses are simulated: page i of the mapping is reported at base+i*4096.
//
// Arena is meant for tools and tests that build VMX structures (EPT
// hierarchies, VMCS images) in user space. Its addresses are not usable by
// real hardware.
type Arena struct {
	mu   sync.Mutex
	mem  []byte
	base PhysAddr
	free []PhysAddr
	used map[PhysAddr]bool
}

var _ FrameAllocator = (*Arena)(nil)

// NewArena maps pages frames of anonymous memory reported at base.
func NewArena(pages int, base PhysAddr) (*Arena, error) {
	if pages <= 0 {
		return nil, fmt.Errorf("vmx: arena needs at least one page, got %d", pages)
	}
	if uint64(base)%PageSize != 0 || base == 0 {
		return nil, fmt.Errorf("vmx: arena base %#x is not a non-zero page-aligned address", uint64(base))
	}
	if unix.Getpagesize() > PageSize {
		return nil, fmt.Errorf("vmx: host page size %d is larger than a frame", unix.Getpagesize())
	}
	mem, err := unix.Mmap(-1, 0, pages*PageSize, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANON|unix.MAP_PRIVATE)
	if err != nil {
		return nil, fmt.Errorf("failed to map arena: %w", err)
	}

	a := &Arena{
		mem:  mem,
		base: base,
		free: make([]PhysAddr, 0, pages),
		used: make(map[PhysAddr]bool, pages),
	}
	// Hand out low addresses first.
	for i := pages - 1; i >= 0; i-- {
		a.free = append(a.free, base+PhysAddr(i*PageSize))
	}
	slog.Debug("vmx: arena mapped", "pages", pages, "base", hexAddr(base))
	return a, nil
}

// AllocFrame implements FrameAllocator.
func (a *Arena) AllocFrame() (PhysAddr, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if len(a.free) == 0 {
		return 0, false
	}
	pa := a.free[len(a.free)-1]
	a.free = a.free[:len(a.free)-1]
	a.used[pa] = true
	return pa, true
}

// DeallocFrame implements FrameAllocator. It panics on a frame that is not
// currently allocated.
func (a *Arena) DeallocFrame(pa PhysAddr) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if !a.used[pa] {
		panic(fmt.Sprintf("vmx: arena: free of unallocated frame %#x", uint64(pa)))
	}
	delete(a.used, pa)
	a.free = append(a.free, pa)
}

// PhysToVirt implements FrameAllocator.
func (a *Arena) PhysToVirt(pa PhysAddr) unsafe.Pointer {
	off := a.offset(pa)
	return unsafe.Pointer(&a.mem[off])
}

func (a *Arena) offset(pa PhysAddr) int {
	if pa < a.base || uint64(pa-a.base) >= uint64(len(a.mem)) {
		panic(fmt.Sprintf("vmx: arena: address %#x out of range", uint64(pa)))
	}
	return int(pa - a.base)
}

// Contains reports whether pa lies inside the arena.
func (a *Arena) Contains(pa PhysAddr) bool {
	return pa >= a.base && uint64(pa-a.base) < uint64(len(a.mem))
}

// Bytes returns the contents of the page holding pa.
func (a *Arena) Bytes(pa PhysAddr) []byte {
	off := a.offset(pa) &^ (PageSize - 1)
	return a.mem[off : off+PageSize]
}

// FreeFrames returns the number of unallocated frames.
func (a *Arena) FreeFrames() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.free)
}

// Close unmaps the arena. Frames still allocated become invalid.
func (a *Arena) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.mem == nil {
		return nil
	}
	if err := unix.Munmap(a.mem); err != nil {
		return fmt.Errorf("failed to unmap arena: %w", err)
	}
	a.mem = nil
	a.free = nil
	return nil
}
