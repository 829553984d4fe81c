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
	"encoding/json"
	"fmt"
	"os"

	"github.com/blacktop/go-vmx"
	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(regsCmd)
	regsCmd.AddCommand(regsDiffCmd)
}

func loadRegisters(path string) (vmx.GeneralRegisters, error) {
	var regs vmx.GeneralRegisters
	data, err := os.ReadFile(path)
	if err != nil {
		return regs, fmt.Errorf("failed to read registers: %w", err)
	}
	if err := json.Unmarshal(data, &regs); err != nil {
		return regs, fmt.Errorf("failed to parse %s: %w", path, err)
	}
	return regs, nil
}

var regsCmd = &cobra.Command{
	Use:   "regs",
	Short: "Work with guest register snapshots",
}

var regsDiffCmd = &cobra.Command{
	Use:   "diff <old.json> <new.json>",
	Short: "Show the registers that changed between two snapshots",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		old, err := loadRegisters(args[0])
		if err != nil {
			return err
		}
		cur, err := loadRegisters(args[1])
		if err != nil {
			return err
		}

		d := vmx.DiffRegisters(old, cur)
		if asJSON {
			changes := d.Changes()
			if changes == nil {
				changes = []vmx.RegisterChange{}
			}
			return printJSON(cmd.OutOrStdout(), changes)
		}
		if d.IsSame() {
			fmt.Fprintln(cmd.OutOrStdout(), "no changes")
			return nil
		}
		for _, c := range d.Changes() {
			fmt.Fprintf(cmd.OutOrStdout(), "%-4s %#018x -> %#018x\n", c.Name, c.Old, c.New)
		}
		return nil
	},
}
