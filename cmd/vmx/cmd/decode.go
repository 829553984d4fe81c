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
package cmd

import (
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"

	"github.com/blacktop/go-vmx"
	"github.com/spf13/cobra"
	"golang.org/x/arch/x86/x86asm"
)

var decodeRIP uint64

func init() {
	rootCmd.AddCommand(decodeCmd)
	decodeCmd.AddCommand(decodeExitCmd, decodeErrorCmd, decodeVectorCmd, decodeIntrInfoCmd, decodeIOCmd, decodeInsnCmd)
	decodeInsnCmd.Flags().Uint64Var(&decodeRIP, "rip", 0, "guest RIP of the first byte")
}

func parseUint(s string, bits int) (uint64, error) {
	v, err := strconv.ParseUint(strings.ReplaceAll(s, "_", ""), 0, bits)
	if err != nil {
		return 0, fmt.Errorf("invalid number %q: %w", s, err)
	}
	return v, nil
}

// ExitDecode is the output of `decode exit`.
type ExitDecode struct {
	Raw          uint32 `json:"raw"`
	Basic        uint32 `json:"basic"`
	Name         string `json:"name"`
	EntryFailure bool   `json:"entry_failure"`
}

func decodeExit(raw uint32) (ExitDecode, error) {
	d := ExitDecode{
		Raw:          raw,
		Basic:        raw & 0xffff,
		EntryFailure: raw>>31&1 != 0,
	}
	r, err := vmx.ExitReasonFromCode(d.Basic)
	if err != nil {
		return d, err
	}
	d.Name = r.String()
	return d, nil
}

// VectorDecode is the output of `decode vector`.
type VectorDecode struct {
	Vector       uint8                `json:"vector"`
	Type         vmx.InterruptionType `json:"type"`
	TypeName     string               `json:"type_name"`
	HasErrorCode bool                 `json:"has_error_code"`
}

func decodeVector(v uint8) VectorDecode {
	t := vmx.InterruptionTypeFromVector(v)
	return VectorDecode{
		Vector:       v,
		Type:         t,
		TypeName:     t.String(),
		HasErrorCode: vmx.VectorHasErrorCode(v),
	}
}

// InstructionDecode is the output of `decode insn`.
type InstructionDecode struct {
	RIP    uint64 `json:"rip"`
	Length int    `json:"length"`
	Intel  string `json:"intel"`
	GNU    string `json:"gnu"`
}

func decodeInstruction(code string, rip uint64) (InstructionDecode, error) {
	b, err := hex.DecodeString(strings.Join(strings.Fields(code), ""))
	if err != nil {
		return InstructionDecode{}, fmt.Errorf("invalid instruction bytes: %w", err)
	}
	inst, err := vmx.DecodeGuestInstruction(b)
	if err != nil {
		return InstructionDecode{}, err
	}
	return InstructionDecode{
		RIP:    rip,
		Length: inst.Len,
		Intel:  x86asm.IntelSyntax(inst, rip, nil),
		GNU:    x86asm.GNUSyntax(inst, rip, nil),
	}, nil
}

var decodeCmd = &cobra.Command{
	Use:   "decode",
	Short: "Decode raw VMX fields",
}

var decodeExitCmd = &cobra.Command{
	Use:   "exit <reason>",
	Short: "Decode a VM-exit reason",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		raw, err := parseUint(args[0], 32)
		if err != nil {
			return err
		}
		d, err := decodeExit(uint32(raw))
		if err != nil {
			return err
		}
		if asJSON {
			return printJSON(cmd.OutOrStdout(), d)
		}
		if d.EntryFailure {
			fmt.Fprintf(cmd.OutOrStdout(), "%s (%d, VM-entry failure)\n", d.Name, d.Basic)
		} else {
			fmt.Fprintf(cmd.OutOrStdout(), "%s (%d)\n", d.Name, d.Basic)
		}
		return nil
	},
}

var decodeErrorCmd = &cobra.Command{
	Use:   "error <number>",
	Short: "Decode a VM-instruction error number",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		raw, err := parseUint(args[0], 32)
		if err != nil {
			return err
		}
		e := vmx.InstructionError(raw)
		if asJSON {
			return printJSON(cmd.OutOrStdout(), map[string]any{
				"number":      raw,
				"known":       e.Known(),
				"description": e.String(),
			})
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%d: %s\n", raw, e)
		return nil
	},
}

var decodeVectorCmd = &cobra.Command{
	Use:   "vector <vector>",
	Short: "Show how an interrupt vector is injected",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		raw, err := parseUint(args[0], 8)
		if err != nil {
			return err
		}
		d := decodeVector(uint8(raw))
		if asJSON {
			return printJSON(cmd.OutOrStdout(), d)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "vector %d: type %s, error code %v\n", d.Vector, d.TypeName, d.HasErrorCode)
		return nil
	},
}

var decodeIntrInfoCmd = &cobra.Command{
	Use:   "intr-info <value>",
	Short: "Decode an interruption-information field",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		raw, err := parseUint(args[0], 32)
		if err != nil {
			return err
		}
		info := vmx.DecodeInterruptInfo(uint32(raw))
		if asJSON {
			return printJSON(cmd.OutOrStdout(), info)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "valid=%v vector=%d type=%s error_code_valid=%v\n",
			info.Valid, info.Vector, info.Type, info.ErrorCodeValid)
		return nil
	},
}

var decodeIOCmd = &cobra.Command{
	Use:   "io <qualification>",
	Short: "Decode the exit qualification of an I/O exit",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		raw, err := parseUint(args[0], 64)
		if err != nil {
			return err
		}
		info := vmx.DecodeIOQualification(raw)
		if asJSON {
			return printJSON(cmd.OutOrStdout(), info)
		}
		dir := "out"
		if info.In {
			dir = "in"
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s port=%#x size=%d string=%v rep=%v\n",
			dir, info.Port, info.Size, info.String, info.Rep)
		return nil
	},
}

var decodeInsnCmd = &cobra.Command{
	Use:   "insn <hex bytes>",
	Short: "Disassemble guest instruction bytes",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		d, err := decodeInstruction(strings.Join(args, " "), decodeRIP)
		if err != nil {
			return err
		}
		if asJSON {
			return printJSON(cmd.OutOrStdout(), d)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%#x: %s (%d bytes)\n", d.RIP, d.Intel, d.Length)
		return nil
	},
}
