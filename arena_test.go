//go:build linux || darwin

package vmx

import (
	"testing"

	"gvisor.dev/gvisor/pkg/hostarch"
)

func TestArena(t *testing.T) {
	a, err := NewArena(4, DefaultArenaBase)
	if err != nil {
		t.Fatalf("NewArena() failed: %v", err)
	}
	defer a.Close()

	var frames []*PhysFrame
	for i := 0; i < 4; i++ {
		f, err := AllocZeroedFrame(a)
		if err != nil {
			t.Fatalf("AllocZeroedFrame() #%d failed: %v", i, err)
		}
		frames = append(frames, f)
	}
	for i, f := range frames {
		if want := DefaultArenaBase + PhysAddr(i*PageSize); f.StartPaddr() != want {
			t.Errorf("frame %d at %#x, want %#x", i, f.StartPaddr(), want)
		}
	}
	if a.FreeFrames() != 0 {
		t.Errorf("FreeFrames() = %d, want 0", a.FreeFrames())
	}
	if _, ok := a.AllocFrame(); ok {
		t.Error("AllocFrame() succeeded on an exhausted arena")
	}

	frames[1].Fill(0x5a)
	if got := a.Bytes(frames[1].StartPaddr() + 0x10)[0]; got != 0x5a {
		t.Errorf("Bytes() sees %#x, want 0x5a", got)
	}
	if frames[0].Bytes()[0] != 0 {
		t.Error("Fill leaked into the neighbouring frame")
	}

	frames[2].Free()
	if a.FreeFrames() != 1 {
		t.Errorf("FreeFrames() = %d after Free, want 1", a.FreeFrames())
	}
	if !a.Contains(frames[3].StartPaddr()) || a.Contains(DefaultArenaBase+4*PageSize) {
		t.Error("Contains() reports the wrong range")
	}
}

func TestArenaInvalid(t *testing.T) {
	tests := []struct {
		name  string
		pages int
		base  PhysAddr
	}{
		{"no pages", 0, DefaultArenaBase},
		{"null base", 1, 0},
		{"unaligned base", 1, DefaultArenaBase + 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if a, err := NewArena(tt.pages, tt.base); err == nil {
				a.Close()
				t.Error("NewArena() succeeded")
			}
		})
	}
}

func TestArenaDoubleFree(t *testing.T) {
	a, err := NewArena(1, DefaultArenaBase)
	if err != nil {
		t.Fatalf("NewArena() failed: %v", err)
	}
	defer a.Close()

	defer func() {
		if recover() == nil {
			t.Error("DeallocFrame() of a free frame did not panic")
		}
	}()
	a.DeallocFrame(DefaultArenaBase)
}

func TestArenaEPT(t *testing.T) {
	a, err := NewArena(16, DefaultArenaBase)
	if err != nil {
		t.Fatalf("NewArena() failed: %v", err)
	}
	defer a.Close()

	ept, err := NewEPT(a)
	if err != nil {
		t.Fatalf("NewEPT() failed: %v", err)
	}
	if err := ept.Map(0xfee00000, 0xfee00000, PageSize4K, hostarch.ReadWrite); err != nil {
		t.Fatalf("Map() failed: %v", err)
	}
	info, err := WalkEPT(a, ept.Root(), 0xfee00030)
	if err != nil {
		t.Fatalf("WalkEPT() failed: %v", err)
	}
	if info.PhysAddr != 0xfee00030 || info.Access.Execute {
		t.Errorf("WalkEPT() = %+v", info)
	}

	ept.Close()
	if a.FreeFrames() != 16 {
		t.Errorf("FreeFrames() = %d after EPT Close, want 16", a.FreeFrames())
	}
}
