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
	"fmt"

	"github.com/blacktop/go-vmx"
	"github.com/spf13/cobra"
)

var checkCPU int

func init() {
	rootCmd.AddCommand(checkCmd)
	checkCmd.Flags().IntVarP(&checkCPU, "cpu", "c", 0, "CPU whose MSRs are read")
}

// FeatureControl is the decoded IA32_FEATURE_CONTROL MSR.
type FeatureControl struct {
	Raw           uint64 `json:"raw"`
	Locked        bool   `json:"locked"`
	VMXInsideSMX  bool   `json:"vmx_inside_smx"`
	VMXOutsideSMX bool   `json:"vmx_outside_smx"`
}

// CheckResult is the output of the check command.
type CheckResult struct {
	Supported      bool            `json:"supported"`
	CPU            int             `json:"cpu"`
	Basic          *vmx.VMXBasic   `json:"vmx_basic,omitempty"`
	FeatureControl *FeatureControl `json:"feature_control,omitempty"`
	MSRError       string          `json:"msr_error,omitempty"`
}

// Usable reports whether VMXON can be executed outside SMX.
func (r CheckResult) Usable() bool {
	if !r.Supported || r.FeatureControl == nil {
		return false
	}
	return !r.FeatureControl.Locked || r.FeatureControl.VMXOutsideSMX
}

func decodeFeatureControl(raw uint64) *FeatureControl {
	return &FeatureControl{
		Raw:           raw,
		Locked:        raw&vmx.FeatureControlLocked != 0,
		VMXInsideSMX:  raw&vmx.FeatureControlVMXInsideSMX != 0,
		VMXOutsideSMX: raw&vmx.FeatureControlVMXOutsideSMX != 0,
	}
}

// runCheck collects the VMX capabilities of cpu through readMSR.
func runCheck(cpu int, readMSR func(cpu int, msr uint32) (uint64, error)) CheckResult {
	res := CheckResult{Supported: vmx.HasHardwareSupport(), CPU: cpu}
	if !res.Supported {
		return res
	}
	basic, err := readMSR(cpu, vmx.MSRVMXBasic)
	if err != nil {
		res.MSRError = err.Error()
		return res
	}
	b := vmx.DecodeVMXBasic(basic)
	res.Basic = &b
	fc, err := readMSR(cpu, vmx.MSRFeatureControl)
	if err != nil {
		res.MSRError = err.Error()
		return res
	}
	res.FeatureControl = decodeFeatureControl(fc)
	return res
}

var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "Check VMX support and firmware enablement",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		res := runCheck(checkCPU, readMSR)
		if asJSON {
			return printJSON(cmd.OutOrStdout(), res)
		}

		w := cmd.OutOrStdout()
		fmt.Fprintf(w, "vmx support: %v\n", res.Supported)
		if res.MSRError != "" {
			fmt.Fprintf(w, "msr: %s\n", res.MSRError)
		}
		if b := res.Basic; b != nil {
			fmt.Fprintf(w, "revision id: %#x\n", b.RevisionID)
			fmt.Fprintf(w, "region size: %d\n", b.RegionSize)
			fmt.Fprintf(w, "memory type: %d\n", b.MemoryType)
			fmt.Fprintf(w, "true controls: %v\n", b.FlexibleControl)
		}
		if fc := res.FeatureControl; fc != nil {
			fmt.Fprintf(w, "feature control: locked=%v vmx_outside_smx=%v\n", fc.Locked, fc.VMXOutsideSMX)
			fmt.Fprintf(w, "usable: %v\n", res.Usable())
		}
		return nil
	},
}
