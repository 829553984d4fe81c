package vmx

import (
	"errors"
	"testing"

	"gvisor.dev/gvisor/pkg/hostarch"
)

func TestEPTMapWalk(t *testing.T) {
	tests := []struct {
		name  string
		gpa   GuestPhysAddr
		hpa   PhysAddr
		size  uint64
		query GuestPhysAddr
		level int
	}{
		{"4K page", 0x7000, 0x12345000, PageSize4K, 0x7abc, 1},
		{"2M page", 0x200000, 0x40000000, PageSize2M, 0x3fffff, 2},
		{"1G page", 0x80000000, 0x100000000, PageSize1G, 0x80123456, 3},
		{"high 4K page", 0x7ffffffff000, 0x5000, PageSize4K, 0x7fffffffff00, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			host := newFakeHost()
			ept, err := NewEPT(host)
			if err != nil {
				t.Fatalf("NewEPT() failed: %v", err)
			}
			defer ept.Close()

			if err := ept.Map(tt.gpa, tt.hpa, tt.size, hostarch.AnyAccess); err != nil {
				t.Fatalf("Map() failed: %v", err)
			}
			if got, want := ept.Tables(), 1+(4-tt.level); got != want {
				t.Errorf("Tables() = %d, want %d", got, want)
			}

			info, err := ept.Walk(tt.query)
			if err != nil {
				t.Fatalf("Walk(%#x) failed: %v", tt.query, err)
			}
			want := GuestPageWalkInfo{
				GPA:      tt.query,
				PhysBase: tt.hpa,
				PhysAddr: tt.hpa + PhysAddr(uint64(tt.query-tt.gpa)),
				Level:    tt.level,
				PageSize: tt.size,
				Access:   hostarch.AnyAccess,
			}
			if info != want {
				t.Errorf("Walk(%#x) = %+v, want %+v", tt.query, info, want)
			}
			if !ept.IsMapped(tt.gpa) {
				t.Error("IsMapped() = false")
			}
		})
	}
}

func TestEPTMapErrors(t *testing.T) {
	host := newFakeHost()
	ept, err := NewEPT(host)
	if err != nil {
		t.Fatalf("NewEPT() failed: %v", err)
	}
	defer ept.Close()
	if err := ept.Map(0x200000, 0x200000, PageSize2M, hostarch.ReadWrite); err != nil {
		t.Fatalf("Map() failed: %v", err)
	}

	tests := []struct {
		name   string
		gpa    GuestPhysAddr
		hpa    PhysAddr
		size   uint64
		access hostarch.AccessType
		kind   error
	}{
		{"unsupported size", 0, 0x1000, 0x2000, hostarch.AnyAccess, ErrUnsupported},
		{"misaligned gpa", 0x1800, 0x1000, PageSize4K, hostarch.AnyAccess, ErrBadState},
		{"misaligned hpa", 0x1000, 0x1000, PageSize2M, hostarch.AnyAccess, ErrBadState},
		{"no access", 0x1000, 0x1000, PageSize4K, hostarch.NoAccess, ErrBadState},
		{"write only", 0x1000, 0x1000, PageSize4K, hostarch.AccessType{Write: true}, ErrBadState},
		{"already mapped", 0x200000, 0x600000, PageSize2M, hostarch.AnyAccess, ErrBusy},
		{"inside large page", 0x201000, 0x1000, PageSize4K, hostarch.AnyAccess, ErrBusy},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ept.Map(tt.gpa, tt.hpa, tt.size, tt.access)
			if !errors.Is(err, tt.kind) {
				t.Errorf("Map() = %v, want %v", err, tt.kind)
			}
		})
	}
}

func TestEPTWalkNotMapped(t *testing.T) {
	ept, err := NewEPT(newFakeHost())
	if err != nil {
		t.Fatalf("NewEPT() failed: %v", err)
	}
	defer ept.Close()

	_, err = ept.Walk(0x1000)
	var werr *WalkError
	if !errors.As(err, &werr) || werr.Level != 4 {
		t.Fatalf("Walk() on empty EPT = %v, want WalkError at level 4", err)
	}
	if !errors.Is(err, ErrNotMapped) {
		t.Error("WalkError does not match ErrNotMapped")
	}

	if err := ept.Map(0x0, 0x5000, PageSize4K, hostarch.Read); err != nil {
		t.Fatalf("Map() failed: %v", err)
	}
	_, err = ept.Walk(0x1000)
	if !errors.As(err, &werr) || werr.Level != 1 {
		t.Errorf("Walk() of neighbour page = %v, want WalkError at level 1", err)
	}
}

func TestEPTAccessIntersection(t *testing.T) {
	host := newFakeHost()
	ept, err := NewEPT(host)
	if err != nil {
		t.Fatalf("NewEPT() failed: %v", err)
	}
	defer ept.Close()
	if err := ept.Map(0x3000, 0x9000, PageSize4K, hostarch.AnyAccess); err != nil {
		t.Fatalf("Map() failed: %v", err)
	}

	// Drop write permission in the PML4 entry; every leaf below loses it.
	root := tableAt(host, ept.Root())
	root[0] &^= eptWrite

	info, err := ept.Walk(0x3000)
	if err != nil {
		t.Fatalf("Walk() failed: %v", err)
	}
	if want := (hostarch.AccessType{Read: true, Execute: true}); info.Access != want {
		t.Errorf("Access = %v, want %v", info.Access, want)
	}
}

func TestEPTLargeBitInPML4(t *testing.T) {
	host := newFakeHost()
	ept, err := NewEPT(host)
	if err != nil {
		t.Fatalf("NewEPT() failed: %v", err)
	}
	defer ept.Close()

	tableAt(host, ept.Root())[0] = 0x40000000 | eptRWX | eptLarge
	if _, err := ept.Walk(0x1000); !errors.Is(err, ErrBadState) {
		t.Errorf("Walk() with a large PML4 entry = %v, want ErrBadState", err)
	}
}

func TestEPTUnmap(t *testing.T) {
	host := newFakeHost()
	ept, err := NewEPT(host)
	if err != nil {
		t.Fatalf("NewEPT() failed: %v", err)
	}
	defer ept.Close()

	if err := ept.Map(0x200000, 0x200000, PageSize2M, hostarch.AnyAccess); err != nil {
		t.Fatalf("Map() failed: %v", err)
	}
	if err := ept.Unmap(0x2fffff); err != nil {
		t.Fatalf("Unmap() failed: %v", err)
	}
	if ept.IsMapped(0x200000) {
		t.Error("still mapped after Unmap")
	}
	if err := ept.Unmap(0x200000); !errors.Is(err, ErrNotMapped) {
		t.Errorf("second Unmap() = %v, want ErrNotMapped", err)
	}

	// The range can be reused with smaller pages.
	if err := ept.Map(0x201000, 0x1000, PageSize4K, hostarch.AnyAccess); err != nil {
		t.Errorf("Map() after Unmap failed: %v", err)
	}
}

func TestEPTPointer(t *testing.T) {
	host := newFakeHost()
	ept, err := NewEPT(host)
	if err != nil {
		t.Fatalf("NewEPT() failed: %v", err)
	}
	defer ept.Close()

	want := uint64(ept.Root()) | 6 | 3<<3
	if got := ept.Pointer(); got != want {
		t.Errorf("Pointer() = %#x, want %#x", got, want)
	}
}

func TestEPTClose(t *testing.T) {
	host := newFakeHost()
	ept, err := NewEPT(host)
	if err != nil {
		t.Fatalf("NewEPT() failed: %v", err)
	}
	for _, gpa := range []GuestPhysAddr{0, 0x1000, 0x40000000, 0x8000000000} {
		if err := ept.Map(gpa, 0x1000, PageSize4K, hostarch.AnyAccess); err != nil {
			t.Fatalf("Map(%#x) failed: %v", gpa, err)
		}
	}
	ept.Close()
	if left := host.outstanding(); len(left) != 0 {
		t.Errorf("frames left after Close: %#x", left)
	}
}
