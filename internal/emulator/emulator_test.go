package emulator

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/rv64fuzz/rv64fuzz/internal/coverage"
	"github.com/rv64fuzz/rv64fuzz/internal/exitreason"
	"github.com/rv64fuzz/rv64fuzz/internal/jitcache"
	"github.com/rv64fuzz/rv64fuzz/internal/mmu"
	"github.com/rv64fuzz/rv64fuzz/internal/perm"
	"github.com/rv64fuzz/rv64fuzz/internal/state"
)

func encodeI(opcode uint32, rd, funct3, rs1 int, imm int32) uint32 {
	return opcode | uint32(rd)<<7 | uint32(funct3)<<12 | uint32(rs1)<<15 | (uint32(imm)&0xfff)<<20
}

func encodeJAL(rd int, imm int32) uint32 {
	u := uint32(imm)
	bit20 := (u >> 20) & 1
	bits10_1 := (u >> 1) & 0x3ff
	bit11 := (u >> 11) & 1
	bits19_12 := (u >> 12) & 0xff
	return 0x6f | uint32(rd)<<7 | bits19_12<<12 | bit11<<20 | bits10_1<<21 | bit20<<31
}

func loadCode(mem *mmu.Mmu, base uint64, code []uint32) {
	mem.SetPermission(mmu.VirtAddr(base), uint64(len(code)*4), perm.Write)
	for i, word := range code {
		for j := 0; j < 4; j++ {
			mem.FastWriteByte(mmu.VirtAddr(base+uint64(i*4+j)), byte(word>>(8*j)))
		}
	}
	mem.SetPermission(mmu.VirtAddr(base), uint64(len(code)*4), perm.Read|perm.Exec)
}

const base = 0x10000

func TestInterpreterOnlyRun(t *testing.T) {
	e := New(1024*1024, 0)
	loadCode(e.Guest.Mem, base, []uint32{
		encodeI(0x13, 1, 0, 0, 7), // addi x1, x0, 7
		0x73,                      // ecall
	})
	e.Guest.SetPC(base)

	exit := e.Run(nil)
	require.Equal(t, exitreason.Syscall, exit.Kind)
	require.Equal(t, uint64(7), e.Reg(1))
}

type recordingSink struct {
	edges [][2]uint64
}

func (s *recordingSink) NoteEdge(from, to uint64) {
	s.edges = append(s.edges, [2]uint64{from, to})
}

func TestJITRunChainsAndReportsCoverageOnce(t *testing.T) {
	e := New(1024*1024, 0)
	loadCode(e.Guest.Mem, base, []uint32{
		encodeJAL(0, 8), // jal x0, +8  (tail jump, always "taken")
		encodeI(0x13, 2, 0, 0, 99),
		encodeI(0x13, 2, 0, 0, 1),
		0x73,
	})
	cache := jitcache.New("")
	cov := coverage.NewBitmap(1024)
	e.EnableJIT(cache, cov)
	e.Guest.SetPC(base)

	sink := &recordingSink{}
	exit := e.Run(sink)
	require.Equal(t, exitreason.Syscall, exit.Kind)
	require.Len(t, sink.edges, 1)
	require.Equal(t, uint64(1), e.Reg(2))

	// Re-run from the same golden entry point: the edge was already set, so
	// the JIT chains straight through without another coverage notification.
	e.Guest.SetPC(base)
	e.Guest.InstrsExeced = 0
	sink2 := &recordingSink{}
	exit2 := e.Run(sink2)
	require.Equal(t, exitreason.Syscall, exit2.Kind)
	require.Empty(t, sink2.edges)
}

func TestForkAndResetRestoresGoldenMemory(t *testing.T) {
	golden := New(1024*1024, 0)
	addr, ok := golden.Guest.Mem.Allocate(64)
	require.True(t, ok)
	require.NoError(t, golden.Guest.Mem.WriteFrom(addr, []byte{0xAA}))

	child := golden.Fork()
	require.NoError(t, child.Guest.Mem.WriteFrom(addr, []byte{0xFF}))

	buf := make([]byte, 1)
	require.NoError(t, child.Guest.Mem.ReadInto(addr, buf))
	require.Equal(t, byte(0xFF), buf[0])

	child.Reset(golden)
	require.NoError(t, child.Guest.Mem.ReadInto(addr, buf))
	require.Equal(t, byte(0xAA), buf[0])
}

func TestBreakpointExitStopsJITRun(t *testing.T) {
	e := New(1024*1024, 0)
	loadCode(e.Guest.Mem, base, []uint32{0x73})
	cache := jitcache.New("")
	cov := coverage.NewBitmap(1024)
	e.EnableJIT(cache, cov)
	e.Guest.SetPC(base)

	hit := false
	e.AddBreakpoint(base, func(g *state.Guest) *exitreason.Exit {
		hit = true
		g.SetReg(5, 42)
		exit := exitreason.Exit{Kind: exitreason.Ebreak, ReentryPC: g.PC()}
		return &exit
	})

	exit := e.Run(nil)
	require.True(t, hit)
	require.Equal(t, exitreason.Ebreak, exit.Kind)
	require.Equal(t, uint64(42), e.Reg(5))
}
