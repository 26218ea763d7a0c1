package main

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/rv64fuzz/rv64fuzz/internal/emulator"
	"github.com/rv64fuzz/rv64fuzz/internal/exitreason"
	"github.com/rv64fuzz/rv64fuzz/internal/mmu"
	"github.com/rv64fuzz/rv64fuzz/internal/perm"
	rv64syscalls "github.com/rv64fuzz/rv64fuzz/internal/syscalls"
)

func pokeEcall(e *emulator.Emulator, pc uint64) {
	mem := e.Guest.Mem
	mem.SetPermission(mmu.VirtAddr(pc), 4, perm.Write)
	_ = mem.WriteFrom(mmu.VirtAddr(pc), []byte{0x73, 0x00, 0x00, 0x00})
	mem.SetPermission(mmu.VirtAddr(pc), 4, perm.Read|perm.Exec)
}

func TestRunOneAdvancesPastHandledSyscall(t *testing.T) {
	e := emulator.New(64*1024, 0)
	const base = 0x1000
	pokeEcall(e, base)
	// brk(0) at base is handled and resumed; the addi then switches A7 to
	// exit for the ecall at base+8, so a wrongly-not-advanced PC would loop
	// the first brk forever instead of reaching exit.
	mem := e.Guest.Mem
	mem.SetPermission(mmu.VirtAddr(base+4), 4, perm.Write)
	_ = mem.WriteFrom(mmu.VirtAddr(base+4), []byte{0x93, 0x08, 0xd0, 0x05}) // addi a7, zero, 93
	mem.SetPermission(mmu.VirtAddr(base+4), 4, perm.Read|perm.Exec)
	pokeEcall(e, base+8)
	e.Guest.SetPC(base)
	e.SetReg(17, 214) // A7 = brk

	table := rv64syscalls.NewTable()
	exit := runOne(e, table, nil)

	require.Equal(t, exitreason.ProgramExit, exit.Kind)
}

func TestRunOneReturnsInvalidOpcodeForUnknownSyscall(t *testing.T) {
	e := emulator.New(64*1024, 0)
	const base = 0x1000
	pokeEcall(e, base)
	e.Guest.SetPC(base)
	e.SetReg(17, 99999) // unknown syscall number

	table := rv64syscalls.NewTable()
	exit := runOne(e, table, nil)

	require.Equal(t, exitreason.InvalidOpcode, exit.Kind)
}

func TestMutateIsBoundedAndLeavesLengthUnchanged(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	input := []byte("the quick brown fox jumps over the lazy dog")

	out := mutate(rng, input)

	require.Len(t, out, len(input))
	require.NotSame(t, &input[0], &out[0])
}

func TestMutateOnEmptyInputReturnsEmpty(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	out := mutate(rng, nil)
	require.Empty(t, out)
}
