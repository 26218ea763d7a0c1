package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/rv64fuzz/rv64fuzz/internal/disasm"
	"github.com/rv64fuzz/rv64fuzz/internal/emulator"
	"github.com/rv64fuzz/rv64fuzz/internal/interp"
	rv64syscalls "github.com/rv64fuzz/rv64fuzz/internal/syscalls"
)

func newTriageCmd() *cobra.Command {
	var flags targetFlags

	cmd := &cobra.Command{
		Use:   "triage <binary> <corpus-dir>",
		Short: "Replay every recorded crash in a corpus directory and report where it faults",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTriage(args[0], args[1], flags)
		},
	}
	addTargetFlags(cmd.Flags(), &flags)
	return cmd
}

func runTriage(binaryPath, corpusDir string, flags targetFlags) error {
	target, err := loadTarget(binaryPath, flags, []string{binaryPath})
	if err != nil {
		return fmt.Errorf("triage: %w", err)
	}

	crashDir := filepath.Join(corpusDir, "crashes")
	entries, err := os.ReadDir(crashDir)
	if err != nil {
		return fmt.Errorf("triage: read %s: %w", crashDir, err)
	}
	if len(entries) == 0 {
		fmt.Println("no recorded crashes")
		return nil
	}

	table := rv64syscalls.NewTable()
	for _, ent := range entries {
		if ent.IsDir() {
			continue
		}
		path := filepath.Join(crashDir, ent.Name())
		data, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("triage: read %s: %w", path, err)
		}

		emu := target.Golden.Fork()
		for r := 1; r < 32; r++ {
			emu.SetReg(r, target.Golden.Reg(r))
		}
		emu.Guest.SetPC(target.Golden.Guest.PC())
		emu.Reset(target.Golden)
		table.Reset(data)

		exit := runOne(emu, table, nil)
		fmt.Printf("%-40s %-16s pc=%#010x addr=%#x  %s\n",
			ent.Name(), exit.Kind, exit.ReentryPC, exit.Addr, disasmAt(emu, exit.ReentryPC))
	}
	return nil
}

// disasmAt disassembles the single instruction at pc, for annotating a
// crash's faulting address with what guest code actually sits there.
func disasmAt(emu *emulator.Emulator, pc uint64) string {
	word, _, ok := interp.Fetch(emu.Guest.Mem, pc)
	if !ok {
		return "<unreadable>"
	}
	return disasm.Instruction(interp.Decode(word), pc)
}
