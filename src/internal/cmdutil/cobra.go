// Package cmdutil has utilities for writing cobra commands.
package cmdutil

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// RunFixedArgs wraps a function in a function that checks its exact argument
// count.
func RunFixedArgs(numArgs int, run func([]string) error) func(*cobra.Command, []string) {
	return func(cmd *cobra.Command, args []string) {
		if len(args) != numArgs {
			fmt.Printf("expected %d arguments, got %d\n\n", numArgs, len(args))
			cmd.Usage() //nolint:errcheck
			return
		}
		if err := run(args); err != nil {
			ErrorAndExit("%v", err)
		}
	}
}

// Run wraps a function that takes no arguments.
func Run(run func() error) func(*cobra.Command, []string) {
	return RunFixedArgs(0, func([]string) error { return run() })
}

// ErrorAndExit prints an error message and exits nonzero.
func ErrorAndExit(format string, args ...interface{}) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}
