// Package disasm renders a decoded instruction back to RV64I assembly
// text, for crash triage output. It never influences execution — it is
// read-only tooling layered on top of internal/interp's decode table,
// switching on opcode then funct3 the way bassosimone-risc32's
// Disassemble does for its own instruction set.
package disasm

import (
	"fmt"

	"github.com/rv64fuzz/rv64fuzz/internal/interp"
)

// regNames are the conventional RISC-V ABI register names, used in place
// of bare x<n> so triage output reads like real disassembly.
var regNames = [32]string{
	"zero", "ra", "sp", "gp", "tp", "t0", "t1", "t2",
	"s0", "s1", "a0", "a1", "a2", "a3", "a4", "a5",
	"a6", "a7", "s2", "s3", "s4", "s5", "s6", "s7",
	"s8", "s9", "s10", "s11", "t3", "t4", "t5", "t6",
}

func reg(r int) string {
	if r < 0 || r >= len(regNames) {
		return fmt.Sprintf("x%d", r)
	}
	return regNames[r]
}

// Instruction disassembles one instruction decoded by interp.Decode. pc is
// used to resolve PC-relative branch/jump targets to absolute addresses;
// AUIPC is printed with its raw upper immediate.
func Instruction(in interp.Inst, pc uint64) string {
	switch in.Opcode {
	case interp.OpLUI:
		return fmt.Sprintf("lui %s, %#x", reg(in.Rd), in.Raw>>12)
	case interp.OpAUIPC:
		return fmt.Sprintf("auipc %s, %#x", reg(in.Rd), in.Raw>>12)
	case interp.OpJAL:
		return fmt.Sprintf("jal %s, %#x", reg(in.Rd), pc+uint64(in.ImmJ))
	case interp.OpJALR:
		return fmt.Sprintf("jalr %s, %d(%s)", reg(in.Rd), in.ImmI, reg(in.Rs1))
	case interp.OpBranch:
		return disasmBranch(in, pc)
	case interp.OpLoad:
		return disasmLoad(in)
	case interp.OpStore:
		return disasmStore(in)
	case interp.OpOpImm:
		return disasmOpImm(in)
	case interp.OpOpImm32:
		return disasmOpImm32(in)
	case interp.OpOp:
		return disasmOp(in)
	case interp.OpOp32:
		return disasmOp32(in)
	case interp.OpMiscMem:
		return "fence"
	case interp.OpSystem:
		return disasmSystem(in)
	default:
		return fmt.Sprintf("<unknown opcode %#x, raw %#08x>", uint32(in.Opcode), in.Raw)
	}
}

func disasmBranch(in interp.Inst, pc uint64) string {
	target := uint64(int64(pc) + in.ImmB)
	names := map[uint32]string{0: "beq", 1: "bne", 4: "blt", 5: "bge", 6: "bltu", 7: "bgeu"}
	name, ok := names[in.Funct3]
	if !ok {
		name = fmt.Sprintf("b?%d", in.Funct3)
	}
	return fmt.Sprintf("%s %s, %s, %#x", name, reg(in.Rs1), reg(in.Rs2), target)
}

func disasmLoad(in interp.Inst) string {
	names := map[uint32]string{0: "lb", 1: "lh", 2: "lw", 3: "ld", 4: "lbu", 5: "lhu", 6: "lwu"}
	name, ok := names[in.Funct3]
	if !ok {
		name = fmt.Sprintf("l?%d", in.Funct3)
	}
	return fmt.Sprintf("%s %s, %d(%s)", name, reg(in.Rd), in.ImmI, reg(in.Rs1))
}

func disasmStore(in interp.Inst) string {
	names := map[uint32]string{0: "sb", 1: "sh", 2: "sw", 3: "sd"}
	name, ok := names[in.Funct3]
	if !ok {
		name = fmt.Sprintf("s?%d", in.Funct3)
	}
	return fmt.Sprintf("%s %s, %d(%s)", name, reg(in.Rs2), in.ImmS, reg(in.Rs1))
}

func disasmOpImm(in interp.Inst) string {
	shiftOp := in.Funct3 == 1 || in.Funct3 == 5
	if shiftOp {
		name := "slli"
		if in.Funct3 == 5 {
			if in.Funct7>>1 == 0x10 {
				name = "srai"
			} else {
				name = "srli"
			}
		}
		return fmt.Sprintf("%s %s, %s, %d", name, reg(in.Rd), reg(in.Rs1), in.ImmI&0x3f)
	}
	names := map[uint32]string{0: "addi", 2: "slti", 3: "sltiu", 4: "xori", 6: "ori", 7: "andi"}
	name, ok := names[in.Funct3]
	if !ok {
		name = fmt.Sprintf("op?%d", in.Funct3)
	}
	return fmt.Sprintf("%s %s, %s, %d", name, reg(in.Rd), reg(in.Rs1), in.ImmI)
}

func disasmOpImm32(in interp.Inst) string {
	switch in.Funct3 {
	case 0:
		return fmt.Sprintf("addiw %s, %s, %d", reg(in.Rd), reg(in.Rs1), in.ImmI)
	case 1:
		return fmt.Sprintf("slliw %s, %s, %d", reg(in.Rd), reg(in.Rs1), in.ImmI&0x1f)
	case 5:
		name := "srliw"
		if in.Funct7 == 0x20 {
			name = "sraiw"
		}
		return fmt.Sprintf("%s %s, %s, %d", name, reg(in.Rd), reg(in.Rs1), in.ImmI&0x1f)
	default:
		return fmt.Sprintf("op32i?%d %s, %s, %d", in.Funct3, reg(in.Rd), reg(in.Rs1), in.ImmI)
	}
}

func disasmOp(in interp.Inst) string {
	if in.Funct7 == 0x01 {
		names := map[uint32]string{0: "mul", 1: "mulh", 2: "mulhsu", 3: "mulhu", 4: "div", 5: "divu", 6: "rem", 7: "remu"}
		return fmt.Sprintf("%s %s, %s, %s", names[in.Funct3], reg(in.Rd), reg(in.Rs1), reg(in.Rs2))
	}
	names := map[uint32]string{0: "add", 1: "sll", 2: "slt", 3: "sltu", 4: "xor", 5: "srl", 6: "or", 7: "and"}
	name, ok := names[in.Funct3]
	if !ok {
		name = fmt.Sprintf("op?%d", in.Funct3)
	}
	if in.Funct3 == 0 && in.Funct7 == 0x20 {
		name = "sub"
	} else if in.Funct3 == 5 && in.Funct7 == 0x20 {
		name = "sra"
	}
	return fmt.Sprintf("%s %s, %s, %s", name, reg(in.Rd), reg(in.Rs1), reg(in.Rs2))
}

func disasmOp32(in interp.Inst) string {
	if in.Funct7 == 0x01 {
		names := map[uint32]string{0: "mulw", 4: "divw", 5: "divuw", 6: "remw", 7: "remuw"}
		return fmt.Sprintf("%s %s, %s, %s", names[in.Funct3], reg(in.Rd), reg(in.Rs1), reg(in.Rs2))
	}
	name := "addw"
	if in.Funct3 == 0 && in.Funct7 == 0x20 {
		name = "subw"
	} else if in.Funct3 == 1 {
		name = "sllw"
	} else if in.Funct3 == 5 {
		name = "srlw"
		if in.Funct7 == 0x20 {
			name = "sraw"
		}
	}
	return fmt.Sprintf("%s %s, %s, %s", name, reg(in.Rd), reg(in.Rs1), reg(in.Rs2))
}

func disasmSystem(in interp.Inst) string {
	if in.Raw>>20 == 1 {
		return "ebreak"
	}
	return "ecall"
}
