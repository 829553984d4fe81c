/*
Copyright © 2025 blacktop

Permission is hereby granted, free of charge, to any person obtaining a copy
of this software and associated documentation files (the "Software"), to deal
in the Software without restriction, including without limitation the rights
to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
copies of the Software, and to permit persons to whom the Software is
furnished to do so, subject to the following conditions:

The above copyright notice and this permission notice shall be included in
all copies or substantial portions of the Software.

THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN
THE SOFTWARE.
*/

//go:build linux || darwin

package cmd

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/blacktop/go-vmx"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
	"gvisor.dev/gvisor/pkg/hostarch"
)

const defaultLayoutPages = 64

var (
	walkLayout string
	walkInit   bool
)

func init() {
	rootCmd.AddCommand(walkCmd)
	walkCmd.Flags().StringVarP(&walkLayout, "layout", "l", "ept.yaml", "EPT layout file")
	walkCmd.Flags().BoolVar(&walkInit, "init", false, "write a sample layout and exit")
}

// Layout describes a guest physical memory map to build an EPT hierarchy from.
type Layout struct {
	Version  int       `yaml:"version"`
	Pages    int       `yaml:"pages,omitempty"`
	Mappings []Mapping `yaml:"mappings"`
}

// Mapping is one EPT leaf. HPA may be omitted for 4K pages, in which case a
// frame is taken from the arena.
type Mapping struct {
	GPA    string `yaml:"gpa"`
	HPA    string `yaml:"hpa,omitempty"`
	Size   string `yaml:"size,omitempty"`
	Access string `yaml:"access,omitempty"`
}

func (l *Layout) normalize() {
	if l.Version == 0 {
		l.Version = 1
	}
	if l.Pages == 0 {
		l.Pages = defaultLayoutPages
	}
	for i := range l.Mappings {
		m := &l.Mappings[i]
		if m.Size == "" {
			m.Size = "4K"
		}
		if m.Access == "" {
			m.Access = "rwx"
		}
	}
}

func sampleLayout() Layout {
	return Layout{
		Version: 1,
		Pages:   defaultLayoutPages,
		Mappings: []Mapping{
			{GPA: "0x0", Size: "4K", Access: "rwx"},
			{GPA: "0x200000", HPA: "0x40000000", Size: "2M", Access: "rw"},
			{GPA: "0xfee00000", HPA: "0xfee00000", Size: "4K", Access: "rw"},
		},
	}
}

func loadLayout(path string) (Layout, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Layout{}, fmt.Errorf("read %s: %w", path, err)
	}
	var l Layout
	if err := yaml.Unmarshal(data, &l); err != nil {
		return Layout{}, fmt.Errorf("parse %s: %w", path, err)
	}
	l.normalize()
	return l, nil
}

func writeLayout(path string, l Layout) error {
	l.normalize()

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create %s: %w", path, err)
	}
	defer f.Close()

	enc := yaml.NewEncoder(f)
	enc.SetIndent(2)
	if err := enc.Encode(&l); err != nil {
		return fmt.Errorf("encode %s: %w", path, err)
	}
	if err := enc.Close(); err != nil {
		return fmt.Errorf("close %s: %w", path, err)
	}
	return nil
}

func parseSize(s string) (uint64, error) {
	switch strings.ToUpper(s) {
	case "4K":
		return vmx.PageSize4K, nil
	case "2M":
		return vmx.PageSize2M, nil
	case "1G":
		return vmx.PageSize1G, nil
	}
	return parseUint(s, 64)
}

func parseAccess(s string) (hostarch.AccessType, error) {
	var at hostarch.AccessType
	for _, c := range strings.ToLower(s) {
		switch c {
		case 'r':
			at.Read = true
		case 'w':
			at.Write = true
		case 'x':
			at.Execute = true
		case '-':
		default:
			return at, fmt.Errorf("invalid access %q", s)
		}
	}
	return at, nil
}

// guestMemory is an EPT hierarchy built in an arena.
type guestMemory struct {
	arena *vmx.Arena
	ept   *vmx.EPT
}

func (g *guestMemory) Close() error {
	if g.ept != nil {
		g.ept.Close()
	}
	return g.arena.Close()
}

func buildLayout(l Layout) (_ *guestMemory, err error) {
	arena, err := vmx.NewArena(l.Pages, vmx.DefaultArenaBase)
	if err != nil {
		return nil, err
	}
	g := &guestMemory{arena: arena}
	defer func() {
		if err != nil {
			g.Close()
		}
	}()

	if g.ept, err = vmx.NewEPT(arena); err != nil {
		return nil, err
	}
	for i, m := range l.Mappings {
		if err := mapOne(g, m); err != nil {
			return nil, fmt.Errorf("mapping %d (gpa %s): %w", i, m.GPA, err)
		}
	}
	return g, nil
}

func mapOne(g *guestMemory, m Mapping) error {
	gpa, err := parseUint(m.GPA, 64)
	if err != nil {
		return err
	}
	size, err := parseSize(m.Size)
	if err != nil {
		return err
	}
	access, err := parseAccess(m.Access)
	if err != nil {
		return err
	}

	var hpa vmx.PhysAddr
	if m.HPA != "" {
		v, err := parseUint(m.HPA, 64)
		if err != nil {
			return err
		}
		hpa = vmx.PhysAddr(v)
	} else {
		if size != vmx.PageSize4K {
			return errors.New("hpa is required for large pages")
		}
		f, err := vmx.AllocZeroedFrame(g.arena)
		if err != nil {
			return err
		}
		hpa = f.StartPaddr()
	}
	return g.ept.Map(vmx.GuestPhysAddr(gpa), hpa, size, access)
}

// WalkResult is the translation of one guest physical address.
type WalkResult struct {
	GPA   vmx.GuestPhysAddr      `json:"gpa"`
	Info  *vmx.GuestPageWalkInfo `json:"info,omitempty"`
	Error string                 `json:"error,omitempty"`
}

func walkAll(g *guestMemory, addrs []string) ([]WalkResult, error) {
	out := make([]WalkResult, 0, len(addrs))
	for _, a := range addrs {
		v, err := parseUint(a, 64)
		if err != nil {
			return nil, err
		}
		r := WalkResult{GPA: vmx.GuestPhysAddr(v)}
		info, err := g.ept.Walk(r.GPA)
		if err != nil {
			r.Error = err.Error()
		} else {
			r.Info = &info
		}
		out = append(out, r)
	}
	return out, nil
}

func accessString(at hostarch.AccessType) string {
	b := []byte("---")
	if at.Read {
		b[0] = 'r'
	}
	if at.Write {
		b[1] = 'w'
	}
	if at.Execute {
		b[2] = 'x'
	}
	return string(b)
}

var walkCmd = &cobra.Command{
	Use:   "walk <gpa>...",
	Short: "Build an EPT hierarchy from a layout file and translate guest physical addresses",
	RunE: func(cmd *cobra.Command, args []string) error {
		if walkInit {
			if err := writeLayout(walkLayout, sampleLayout()); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote %s\n", walkLayout)
			return nil
		}
		if len(args) == 0 {
			return errors.New("at least one guest physical address is required")
		}

		l, err := loadLayout(walkLayout)
		if err != nil {
			return err
		}
		g, err := buildLayout(l)
		if err != nil {
			return err
		}
		defer g.Close()

		results, err := walkAll(g, args)
		if err != nil {
			return err
		}
		if asJSON {
			return printJSON(cmd.OutOrStdout(), results)
		}
		w := cmd.OutOrStdout()
		fmt.Fprintf(w, "eptp: %#x (%d tables)\n", g.ept.Pointer(), g.ept.Tables())
		for _, r := range results {
			if r.Info == nil {
				fmt.Fprintf(w, "%#x: %s\n", uint64(r.GPA), r.Error)
				continue
			}
			fmt.Fprintf(w, "%#x -> %#x level=%d size=%#x access=%s\n",
				uint64(r.GPA), uint64(r.Info.PhysAddr), r.Info.Level, r.Info.PageSize, accessString(r.Info.Access))
		}
		return nil
	},
}
