package interp

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/rv64fuzz/rv64fuzz/internal/exitreason"
	"github.com/rv64fuzz/rv64fuzz/internal/mmu"
	"github.com/rv64fuzz/rv64fuzz/internal/perm"
	"github.com/rv64fuzz/rv64fuzz/internal/state"
)

func encodeI(opcode Opcode, rd, funct3, rs1 int, imm int32) uint32 {
	return uint32(opcode) | uint32(rd)<<7 | uint32(funct3)<<12 |
		uint32(rs1)<<15 | (uint32(imm)&0xfff)<<20
}

func encodeR(opcode Opcode, rd, funct3, rs1, rs2 int, funct7 uint32) uint32 {
	return uint32(opcode) | uint32(rd)<<7 | uint32(funct3)<<12 |
		uint32(rs1)<<15 | uint32(rs2)<<20 | funct7<<25
}

func encodeB(funct3, rs1, rs2 int, imm int32) uint32 {
	u := uint32(imm)
	bit12 := (u >> 12) & 1
	bit11 := (u >> 11) & 1
	bits10_5 := (u >> 5) & 0x3f
	bits4_1 := (u >> 1) & 0xf
	return uint32(OpBranch) | bit11<<7 | bits4_1<<8 | uint32(funct3)<<12 |
		uint32(rs1)<<15 | uint32(rs2)<<20 | bits10_5<<25 | bit12<<31
}

func encodeJ(rd int, imm int32) uint32 {
	u := uint32(imm)
	bit20 := (u >> 20) & 1
	bits10_1 := (u >> 1) & 0x3ff
	bit11 := (u >> 11) & 1
	bits19_12 := (u >> 12) & 0xff
	return uint32(OpJAL) | uint32(rd)<<7 | bits19_12<<12 | bit11<<20 |
		bits10_1<<21 | bit20<<31
}

func encodeSyscall() uint32 { return uint32(OpSystem) } // ECALL: funct3=0 imm=0
func encodeEbreak() uint32  { return uint32(OpSystem) | (1 << 20) }

func newGuestWithCode(t *testing.T, code []uint32, base uint64) *state.Guest {
	t.Helper()
	mem := mmu.New(1024 * 1024)
	mem.SetPermission(mmu.VirtAddr(base), uint64(len(code)*4), perm.Read|perm.Exec)
	for i, word := range code {
		var buf [4]byte
		buf[0] = byte(word)
		buf[1] = byte(word >> 8)
		buf[2] = byte(word >> 16)
		buf[3] = byte(word >> 24)
		// bypass WRITE perm check: text is R|X only, so poke bytes directly
		for j := 0; j < 4; j++ {
			mem.FastWriteByte(mmu.VirtAddr(base)+mmu.VirtAddr(i*4+j), buf[j])
		}
	}
	mem.SetPermission(mmu.VirtAddr(base), uint64(len(code)*4), perm.Read|perm.Exec)
	st := state.New(0)
	st.SetPC(base)
	return &state.Guest{State: st, Mem: mem}
}

func TestAddiSequenceEndsInSyscall(t *testing.T) {
	const base = 0x10000
	code := []uint32{
		encodeI(OpOpImm, 1, 0, 0, 5),  // addi x1, x0, 5
		encodeI(OpOpImm, 2, 0, 1, -3), // addi x2, x1, -3
		encodeSyscall(),
	}
	g := newGuestWithCode(t, code, base)

	exit := Run(g, nil)
	require.Equal(t, exitreason.Syscall, exit.Kind)
	require.Equal(t, uint64(5), g.Reg(1))
	require.Equal(t, uint64(2), g.Reg(2))
	require.Equal(t, uint64(base+8), exit.ReentryPC)
}

func TestEbreak(t *testing.T) {
	g := newGuestWithCode(t, []uint32{encodeEbreak()}, 0x10000)
	exit := Run(g, nil)
	require.Equal(t, exitreason.Ebreak, exit.Kind)
}

func TestRegisterZeroAlwaysReadsZero(t *testing.T) {
	code := []uint32{
		encodeI(OpOpImm, 0, 0, 0, 123), // addi x0, x0, 123 (dropped)
		encodeSyscall(),
	}
	g := newGuestWithCode(t, code, 0x10000)
	Run(g, nil)
	require.Equal(t, uint64(0), g.Reg(0))
}

func TestShiftBoundaries64(t *testing.T) {
	for _, shamt := range []int32{0, 63} {
		code := []uint32{
			encodeI(OpOpImm, 1, 0, 0, -1),          // addi x1, x0, -1  => all ones
			encodeI(OpOpImm, 2, 0b001, 1, shamt),   // slli x2, x1, shamt
			encodeSyscall(),
		}
		g := newGuestWithCode(t, code, 0x10000)
		Run(g, nil)
		want := uint64(0xFFFFFFFFFFFFFFFF) << uint(shamt)
		require.Equal(t, want, g.Reg(2), "SLLI by %d", shamt)
	}
}

func TestShiftBoundaries32(t *testing.T) {
	for _, shamt := range []int32{0, 31} {
		code := []uint32{
			encodeI(OpOpImm, 1, 0, 0, -1),
			encodeI(OpOpImm32, 2, 0b001, 1, shamt), // SLLIW
			encodeSyscall(),
		}
		g := newGuestWithCode(t, code, 0x10000)
		Run(g, nil)
		want := uint64(int64(int32(uint32(0xFFFFFFFF) << uint(shamt))))
		require.Equal(t, want, g.Reg(2), "SLLIW by %d", shamt)
	}
}

func TestBranchEquality(t *testing.T) {
	// BEQ x1, x2, +8 ; addi x3, x0, 1 (skipped) ; addi x3, x0, 2 ; ecall
	code := []uint32{
		encodeB(0b000, 1, 2, 8),
		encodeI(OpOpImm, 3, 0, 0, 1),
		encodeI(OpOpImm, 3, 0, 0, 2),
		encodeSyscall(),
	}
	g := newGuestWithCode(t, code, 0x10000)
	// x1 == x2 == 0 by default, so branch is taken.
	Run(g, nil)
	require.Equal(t, uint64(2), g.Reg(3))
}

func TestBranchUnsignedBoundaries(t *testing.T) {
	code := []uint32{
		encodeI(OpOpImm, 1, 0, 0, -1), // x1 = all-ones = u64::MAX
		encodeB(0b110, 0, 1, 8),       // BLTU x0, x1, +8  (0 < MAX, taken)
		encodeI(OpOpImm, 3, 0, 0, 1),  // skipped
		encodeSyscall(),
	}
	g := newGuestWithCode(t, code, 0x10000)
	Run(g, nil)
	require.Equal(t, uint64(0), g.Reg(3))
}

func TestJALLoopStopsAtTimeout(t *testing.T) {
	// A tiny loop: addi x1,x1,1 ; jal x0, -4 (infinite), bounded by timeout.
	code := []uint32{
		encodeI(OpOpImm, 1, 0, 1, 1),
		encodeJ(0, -4),
	}
	g := newGuestWithCode(t, code, 0x10000)
	g.Timeout = 10
	exit := Run(g, nil)
	require.Equal(t, exitreason.Timeout, exit.Kind)
	require.GreaterOrEqual(t, g.Reg(1), uint64(5))
}

func TestLoadStoreRoundTripAllWidths(t *testing.T) {
	mem := mmu.New(1024 * 1024)
	base, ok := mem.Allocate(64)
	require.True(t, ok)

	require.NoError(t, mmu.Write[uint8](mem, base, 0xAB))
	v1, err := mmu.Read[uint8](mem, base)
	require.NoError(t, err)
	require.Equal(t, uint8(0xAB), v1)

	require.NoError(t, mmu.Write[uint16](mem, base+8, 0xBEEF))
	v2, err := mmu.Read[uint16](mem, base+8)
	require.NoError(t, err)
	require.Equal(t, uint16(0xBEEF), v2)

	require.NoError(t, mmu.Write[uint32](mem, base+16, 0xDEADBEEF))
	v4, err := mmu.Read[uint32](mem, base+16)
	require.NoError(t, err)
	require.Equal(t, uint32(0xDEADBEEF), v4)

	require.NoError(t, mmu.Write[uint64](mem, base+24, 0x0123456789ABCDEF))
	v8, err := mmu.Read[uint64](mem, base+24)
	require.NoError(t, err)
	require.Equal(t, uint64(0x0123456789ABCDEF), v8)
}

func TestBreakpointRedirectsPC(t *testing.T) {
	code := []uint32{
		encodeI(OpOpImm, 1, 0, 0, 1), // addi x1, x0, 1 -- should be skipped
		encodeSyscall(),
	}
	g := newGuestWithCode(t, code, 0x10000)
	hit := false
	bps := map[uint64]Breakpoint{
		0x10000: func(g *state.Guest) *exitreason.Exit {
			hit = true
			g.SetPC(0x10004) // skip the addi
			return nil
		},
	}
	exit := Run(g, bps)
	require.True(t, hit)
	require.Equal(t, exitreason.Syscall, exit.Kind)
	require.Equal(t, uint64(0), g.Reg(1))
}

func TestExecFaultOnMisalignedPC(t *testing.T) {
	g := newGuestWithCode(t, []uint32{encodeSyscall()}, 0x10000)
	g.SetPC(0x10001)
	exit := Run(g, nil)
	require.Equal(t, exitreason.ExecFault, exit.Kind)
}

func TestRegisterRegisterAddSub(t *testing.T) {
	code := []uint32{
		encodeI(OpOpImm, 1, 0, 0, 7),
		encodeI(OpOpImm, 2, 0, 0, 3),
		encodeR(OpOp, 3, 0b000, 1, 2, 0x00), // add x3, x1, x2
		encodeR(OpOp, 4, 0b000, 1, 2, 0x20), // sub x4, x1, x2
		encodeSyscall(),
	}
	g := newGuestWithCode(t, code, 0x10000)
	Run(g, nil)
	require.Equal(t, uint64(10), g.Reg(3))
	require.Equal(t, uint64(4), g.Reg(4))
}

// TestArithmeticAgainstReferenceModel checks that RV64I arithmetic/shift/
// compare instructions agree with a reference software model on uniformly
// random 64-bit inputs.
func TestArithmeticAgainstReferenceModel(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	for i := 0; i < 256; i++ {
		a := rng.Uint64()
		b := rng.Uint64()

		code := []uint32{
			encodeR(OpOp, 3, 0b000, 1, 2, 0x00), // add
			encodeR(OpOp, 4, 0b010, 1, 2, 0x00), // slt
			encodeR(OpOp, 5, 0b011, 1, 2, 0x00), // sltu
			encodeSyscall(),
		}
		g := newGuestWithCode(t, code, 0x10000)
		g.SetReg(1, a)
		g.SetReg(2, b)
		Run(g, nil)

		require.Equal(t, a+b, g.Reg(3), "add iter %d", i)
		require.Equal(t, boolU64(int64(a) < int64(b)), g.Reg(4), "slt iter %d", i)
		require.Equal(t, boolU64(a < b), g.Reg(5), "sltu iter %d", i)
	}
}

func TestWVariantsSignExtend32Bit(t *testing.T) {
	rng := rand.New(rand.NewSource(2))
	for i := 0; i < 64; i++ {
		a := int32(rng.Uint32())
		b := int32(rng.Uint32())

		code := []uint32{
			encodeR(OpOp32, 3, 0b000, 1, 2, 0x00), // addw
			encodeSyscall(),
		}
		g := newGuestWithCode(t, code, 0x10000)
		g.SetReg(1, uint64(uint32(a)))
		g.SetReg(2, uint64(uint32(b)))
		Run(g, nil)

		want := uint64(int64(a + b))
		require.Equal(t, want, g.Reg(3), "addw iter %d", i)
	}
}
