package vmx

import "testing"

func TestSubregisterWrite(t *testing.T) {
	const full = 0xffffffffffffffff

	tests := []struct {
		name  string
		sub   Subregister
		value uint64
		want  uint64
	}{
		{"eax zero-extends", EAX, 0x12345678, 0x12345678},
		{"r8d zero-extends", R8D, 0xcafe, 0xcafe},
		{"ax preserves upper bits", AX, 0x1234, 0xffffffffffff1234},
		{"r15w preserves upper bits", R15W, 0, 0xffffffffffff0000},
		{"al preserves upper bits", AL, 0x42, 0xffffffffffffff42},
		{"sil preserves upper bits", SIL, 0, 0xffffffffffffff00},
		{"ah replaces bits 8-15", AH, 0x42, 0xffffffffffff42ff},
		{"bh replaces bits 8-15", BH, 0, 0xffffffffffff00ff},
		{"excess bits ignored", CL, 0x1234, 0xffffffffffffff34},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var g GeneralRegisters
			parent := tt.sub.Parent()
			g.Set(parent, full)
			g.Write(tt.sub, tt.value)
			if got := g.Get(parent); got != tt.want {
				t.Errorf("%s after Write(%s, %#x) = %#x, want %#x", RegisterName(parent), tt.sub, tt.value, got, tt.want)
			}
		})
	}
}

func TestSubregisterEveryView(t *testing.T) {
	const value = 0x0123456789abcdef

	for s := EAX; s <= BH; s++ {
		t.Run(s.String(), func(t *testing.T) {
			var g GeneralRegisters
			for i := uint8(0); i < 16; i++ {
				if i != RSPIndex {
					g.Set(i, 0xfedcba9876543210^uint64(i))
				}
			}
			before := g
			parent := s.Parent()
			width := s.Width()
			shift := 0
			if s >= AH {
				shift = 8
			}
			mask := uint64(1)<<width - 1

			g.Write(s, value)

			var want uint64
			if width == 32 {
				want = value & mask
			} else {
				want = before.Get(parent)&^(mask<<shift) | (value&mask)<<shift
			}
			if got := g.Get(parent); got != want {
				t.Errorf("%s = %#x after Write(%s), want %#x", RegisterName(parent), got, s, want)
			}
			if got := g.Read(s); got != value&mask {
				t.Errorf("Read(%s) = %#x, want %#x", s, got, value&mask)
			}
			for i := uint8(0); i < 16; i++ {
				if i != RSPIndex && i != parent && g.Get(i) != before.Get(i) {
					t.Errorf("Write(%s) changed %s", s, RegisterName(i))
				}
			}
		})
	}
	if n := int(BH) + 1; n != 49 {
		t.Errorf("%d views, want 49", n)
	}
}

func TestSubregisterRead(t *testing.T) {
	g := GeneralRegisters{RAX: 0x1122334455667788, RDI: 0x8877665544332211, R12: 0xf0e0d0c0b0a09080}

	tests := []struct {
		sub  Subregister
		want uint64
	}{
		{EAX, 0x55667788},
		{AX, 0x7788},
		{AL, 0x88},
		{AH, 0x77},
		{EDI, 0x44332211},
		{DIL, 0x11},
		{R12W, 0x9080},
		{R12B, 0x80},
	}
	for _, tt := range tests {
		t.Run(tt.sub.String(), func(t *testing.T) {
			if got := g.Read(tt.sub); got != tt.want {
				t.Errorf("Read(%s) = %#x, want %#x", tt.sub, got, tt.want)
			}
		})
	}
}

func TestSubregisterTable(t *testing.T) {
	tests := []struct {
		name   string
		sub    Subregister
		width  int
		parent uint8
	}{
		{"eax", EAX, 32, 0},
		{"ebp", EBP, 32, 5},
		{"r15d", R15D, 32, 15},
		{"bx", BX, 16, 3},
		{"r8w", R8W, 16, 8},
		{"bpl", BPL, 8, 5},
		{"r11b", R11B, 8, 11},
		{"ch", CH, 8, 1},
		{"dh", DH, 8, 2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.sub.String(); got != tt.name {
				t.Errorf("String() = %q, want %q", got, tt.name)
			}
			if got := tt.sub.Width(); got != tt.width {
				t.Errorf("Width() = %d, want %d", got, tt.width)
			}
			if got := tt.sub.Parent(); got != tt.parent {
				t.Errorf("Parent() = %d, want %d", got, tt.parent)
			}
			got, ok := SubregisterByName(tt.name)
			if !ok || got != tt.sub {
				t.Errorf("SubregisterByName(%q) = %v, %v", tt.name, got, ok)
			}
		})
	}

	if _, ok := SubregisterByName("esp"); ok {
		t.Error("SubregisterByName(\"esp\") found a stack pointer view")
	}
	if got := Subregister(200).String(); got != "invalid" {
		t.Errorf("String() of out-of-range view = %q", got)
	}
}

func TestSubregisterInvalidPanics(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Error("Read of an invalid view did not panic")
		}
	}()
	var g GeneralRegisters
	g.Read(Subregister(BH + 1))
}
