package cmd

import (
	"bytes"
	"testing"
)

// flagResets restores command flags that are only built on some platforms.
var flagResets []func()

// run executes the root command with args and returns its standard output.
func run(t *testing.T, args ...string) (string, error) {
	t.Helper()

	asJSON, verbose = false, false
	decodeRIP = 0
	for _, reset := range flagResets {
		reset()
	}

	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	rootCmd.SetArgs(args)
	err := rootCmd.Execute()
	return out.String(), err
}
