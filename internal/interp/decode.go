// Package interp implements the RV64I decode/execute interpreter: the
// reference, always-correct execution path the JIT's translated code is
// checked against.
package interp

// Opcode is the 7-bit primary opcode field (bits [6:0]) of an instruction.
type Opcode uint32

const (
	OpLoad     Opcode = 0x03
	OpMiscMem  Opcode = 0x0f // FENCE, treated as nop
	OpOpImm    Opcode = 0x13
	OpAUIPC    Opcode = 0x17
	OpOpImm32  Opcode = 0x1b
	OpStore    Opcode = 0x23
	OpOp       Opcode = 0x33
	OpLUI      Opcode = 0x37
	OpOp32     Opcode = 0x3b
	OpBranch   Opcode = 0x63
	OpJALR     Opcode = 0x67
	OpJAL      Opcode = 0x6f
	OpSystem   Opcode = 0x73
)

// Inst is a decoded RV64I instruction: the raw word plus every field a
// RV32/64 instruction format might use. Unused fields for a given opcode
// are simply ignored by ExecuteOne.
type Inst struct {
	Raw    uint32
	Opcode Opcode
	Rd     int
	Rs1    int
	Rs2    int
	Funct3 uint32
	Funct7 uint32
	ImmI   int64
	ImmS   int64
	ImmB   int64
	ImmU   int64
	ImmJ   int64
}

func bits(v uint32, hi, lo int) uint32 {
	return (v >> lo) & ((1 << (hi - lo + 1)) - 1)
}

func signExtend(v uint32, bit int) int64 {
	shift := 31 - bit
	return int64(int32(v<<shift)) >> shift
}

// Decode decodes a 32-bit little-endian RV64I instruction word. Decoding
// never fails by itself; decode faults are raised at the execute boundary
// rather than at decode time: ExecuteOne returns InvalidOpcode for an
// unknown primary opcode and for unused funct3/funct7 values of LOAD,
// STORE, OP, OP-32 and SYSTEM. Other sub-fields are not validated: an
// OP-IMM-32 word with an unused funct3 leaves rd unchanged, a BRANCH with
// an unused funct3 is never taken, and the funct7 bits of immediate shifts
// and the funct3 of JALR are ignored.
func Decode(word uint32) Inst {
	in := Inst{
		Raw:    word,
		Opcode: Opcode(bits(word, 6, 0)),
		Rd:     int(bits(word, 11, 7)),
		Funct3: bits(word, 14, 12),
		Rs1:    int(bits(word, 19, 15)),
		Rs2:    int(bits(word, 24, 20)),
		Funct7: bits(word, 31, 25),
	}

	// I-type immediate: bits [31:20], sign-extended.
	in.ImmI = signExtend(bits(word, 31, 20), 11)

	// S-type immediate: bits [31:25] | [11:7].
	immS := bits(word, 31, 25)<<5 | bits(word, 11, 7)
	in.ImmS = signExtend(immS, 11)

	// B-type immediate: bit 31 sign | [7] | [30:25] | [11:8], times 2.
	immB := bits(word, 31, 31)<<12 | bits(word, 7, 7)<<11 |
		bits(word, 30, 25)<<5 | bits(word, 11, 8)<<1
	in.ImmB = signExtend(immB, 12)

	// U-type immediate: bits [31:12] << 12.
	in.ImmU = int64(int32(word & 0xfffff000))

	// J-type immediate: bit 31 sign | [19:12] | [20] | [30:21], times 2.
	immJ := bits(word, 31, 31)<<20 | bits(word, 19, 12)<<12 |
		bits(word, 20, 20)<<11 | bits(word, 30, 21)<<1
	in.ImmJ = signExtend(immJ, 20)

	return in
}
