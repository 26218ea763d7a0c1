package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/rv64fuzz/rv64fuzz/internal/disasm"
	"github.com/rv64fuzz/rv64fuzz/internal/emulator"
	"github.com/rv64fuzz/rv64fuzz/internal/exitreason"
	"github.com/rv64fuzz/rv64fuzz/internal/interp"
	rv64syscalls "github.com/rv64fuzz/rv64fuzz/internal/syscalls"
)

func newReplayCmd() *cobra.Command {
	var flags targetFlags
	var trace bool

	cmd := &cobra.Command{
		Use:   "replay <binary> <input>",
		Short: "Deterministically replay one stored input against a fresh emulator",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			// Replay always single-steps through the interpreter, never the
			// JIT, so a trace is exact regardless of what --jit was set to.
			flags.jitEnabled = false
			return runReplay(args[0], args[1], flags, trace)
		},
	}
	addTargetFlags(cmd.Flags(), &flags)
	cmd.Flags().BoolVar(&trace, "trace", false, "print a disassembled instruction trace")
	return cmd
}

func runReplay(binaryPath, inputPath string, flags targetFlags, trace bool) error {
	data, err := os.ReadFile(inputPath)
	if err != nil {
		return fmt.Errorf("replay: %w", err)
	}

	target, err := loadTarget(binaryPath, flags, []string{binaryPath})
	if err != nil {
		return fmt.Errorf("replay: %w", err)
	}
	e := target.Golden

	table := rv64syscalls.NewTable()
	table.Reset(data)

	exit := runTraced(e, table, trace)
	fmt.Printf("exit: %s  pc=%#x  addr=%#x  instrs=%d\n",
		exit.Kind, exit.ReentryPC, exit.Addr, e.Guest.InstrsExeced)
	return nil
}

// runTraced drives one case to completion via Emulator.StepTraced,
// printing a disassembled line per instruction when trace is set and
// dispatching syscall exits the same way the fuzzing loop does.
func runTraced(e *emulator.Emulator, table *rv64syscalls.Table, trace bool) exitreason.Exit {
	traceFn := emulator.Trace(nil)
	if trace {
		traceFn = func(pc uint64, word uint32) {
			fmt.Printf("%#08x: %s\n", pc, disasm.Instruction(interp.Decode(word), pc))
		}
	}

	for {
		exit := e.StepTraced(traceFn)
		if exit.Kind != exitreason.Syscall {
			return exit
		}
		if err := table.Handle(e.Guest); err != nil {
			if fault, ok := err.(*exitreason.Fault); ok {
				return fault.Exit
			}
			return exitreason.Exit{Kind: exitreason.InvalidOpcode, ReentryPC: exit.ReentryPC}
		}
		e.Guest.SetPC(exit.ReentryPC + 4)
	}
}
