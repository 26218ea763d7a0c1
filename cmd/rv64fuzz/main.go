// Command rv64fuzz drives the emulation core as a coverage-guided fuzzer:
// a `fuzz` subcommand plus `replay`, `info`, and `triage` subcommands.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/rv64fuzz/rv64fuzz/internal/logging"
)

var debugLog bool

func main() {
	root := &cobra.Command{
		Use:   "rv64fuzz",
		Short: "Coverage-guided RV64I user-mode fuzzer",
		Long: `rv64fuzz emulates a statically linked RV64I ELF binary in pure Go — no
cgo, no native JIT, no virtual memory — and fuzzes it with a coverage-guided
byte-splicing mutator across a pool of forked emulator workers.

Examples:
  rv64fuzz fuzz ./target --corpus corpus/
  rv64fuzz replay ./target corpus/crashes/<id>
  rv64fuzz info ./target
  rv64fuzz triage ./target corpus/`,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			logging.Init(debugLog)
			return nil
		},
	}
	root.PersistentFlags().BoolVar(&debugLog, "debug", false, "enable debug-level structured logging")

	root.AddCommand(newFuzzCmd())
	root.AddCommand(newReplayCmd())
	root.AddCommand(newInfoCmd())
	root.AddCommand(newTriageCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
