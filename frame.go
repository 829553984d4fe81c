package vmx

import (
	"fmt"
	"log/slog"
	"unsafe"

	"gvisor.dev/gvisor/pkg/hostarch"
)

// PageSize is the size of a physical frame.
const PageSize = hostarch.PageSize

// PhysAddr is a host physical address.
type PhysAddr uint64

// GuestPhysAddr is a guest physical address.
type GuestPhysAddr uint64

// FrameAllocator is the host memory manager the package depends on.
//
// Implementations must be safe for concurrent use from several CPUs.
type FrameAllocator interface {
	// AllocFrame returns a free 4 KiB physical frame, or false when none is left.
	AllocFrame() (PhysAddr, bool)
	// DeallocFrame releases a frame previously returned by AllocFrame.
	DeallocFrame(pa PhysAddr)
	// PhysToVirt returns an accessible pointer to a frame returned by AllocFrame.
	PhysToVirt(pa PhysAddr) unsafe.Pointer
}

// PhysFrame owns one 4 KiB physical frame.
//
// The zero value is a placeholder that owns nothing; its contents must never
// be accessed. Free releases the frame exactly once.
type PhysFrame struct {
	host  FrameAllocator
	start PhysAddr
	valid bool
}

// AllocFrame allocates one physical frame from h.
func AllocFrame(h FrameAllocator) (*PhysFrame, error) {
	pa, ok := h.AllocFrame()
	if !ok {
		recordResourceError()
		return nil, ErrFrameAllocate
	}
	if pa == 0 {
		panic("vmx: allocator returned the null physical address")
	}
	recordFrameAlloc()
	slog.Debug("vmx: allocated PhysFrame", "paddr", hexAddr(pa))
	return &PhysFrame{host: h, start: pa, valid: true}, nil
}

// AllocZeroedFrame allocates one physical frame and fills it with zeroes.
func AllocZeroedFrame(h FrameAllocator) (*PhysFrame, error) {
	f, err := AllocFrame(h)
	if err != nil {
		return nil, err
	}
	f.Fill(0)
	return f, nil
}

// UninitFrame returns a placeholder frame.
func UninitFrame() *PhysFrame {
	return &PhysFrame{}
}

// Valid reports whether f owns a frame.
func (f *PhysFrame) Valid() bool {
	return f != nil && f.valid
}

// StartPaddr returns the physical address of the frame. It panics on a
// placeholder.
func (f *PhysFrame) StartPaddr() PhysAddr {
	if !f.Valid() {
		panic("vmx: uninitialized PhysFrame")
	}
	return f.start
}

// Bytes returns a one-page window onto the frame. The slice must not be
// retained after Free.
func (f *PhysFrame) Bytes() []byte {
	p := f.host.PhysToVirt(f.StartPaddr())
	return unsafe.Slice((*byte)(p), PageSize)
}

// Fill writes b to every byte of the frame.
func (f *PhysFrame) Fill(b byte) {
	buf := f.Bytes()
	for i := range buf {
		buf[i] = b
	}
}

// Free returns the frame to the host allocator. Calling Free on a placeholder
// or on an already freed frame does nothing.
func (f *PhysFrame) Free() {
	if !f.Valid() {
		return
	}
	pa := f.start
	f.valid = false
	f.start = 0
	f.host.DeallocFrame(pa)
	recordFrameFree()
	slog.Debug("vmx: deallocated PhysFrame", "paddr", hexAddr(pa))
}

type hexAddr uint64

func (a hexAddr) LogValue() slog.Value {
	return slog.StringValue(fmt.Sprintf("%#x", uint64(a)))
}
