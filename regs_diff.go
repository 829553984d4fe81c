package vmx

import (
	"fmt"
	"strings"
)

// RegisterChange is one register that differs between two snapshots.
type RegisterChange struct {
	Name string `json:"name"`
	Old  uint64 `json:"old"`
	New  uint64 `json:"new"`
}

// RegistersDiff compares two register-file snapshots. RSP is never compared.
type RegistersDiff struct {
	old, new GeneralRegisters
}

// DiffRegisters compares old against new.
func DiffRegisters(old, new GeneralRegisters) RegistersDiff {
	return RegistersDiff{old: old, new: new}
}

// Changes returns the changed registers in index order.
func (d RegistersDiff) Changes() []RegisterChange {
	var out []RegisterChange
	for i := uint8(0); i < 16; i++ {
		if i == RSPIndex {
			continue
		}
		o, n := d.old.Get(i), d.new.Get(i)
		if o != n {
			out = append(out, RegisterChange{Name: RegisterName(i), Old: o, New: n})
		}
	}
	return out
}

// IsSame reports whether no tracked register changed.
func (d RegistersDiff) IsSame() bool {
	return len(d.Changes()) == 0
}

func (d RegistersDiff) String() string {
	var b strings.Builder
	b.WriteString("GeneralRegistersDiff{")
	for i, c := range d.Changes() {
		if i > 0 {
			b.WriteString(", ")
		}
		fmt.Fprintf(&b, "%s: %#x -> %#x", c.Name, c.Old, c.New)
	}
	b.WriteString("}")
	return b.String()
}
