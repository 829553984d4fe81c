//go:build amd64

package vmx

import "unsafe"

// gdtEntry returns the 16-byte system descriptor at byte offset off in the
// GDT. gdtBase is the SGDT base: kernel memory outside the Go heap that stays
// mapped while the CPU runs.
func gdtEntry(gdtBase, off uint64) *[2]uint64 {
	return (*[2]uint64)(unsafe.Pointer(uintptr(gdtBase + off)))
}
