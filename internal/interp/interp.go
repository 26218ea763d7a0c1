package interp

import (
	"github.com/rv64fuzz/rv64fuzz/internal/exitreason"
	"github.com/rv64fuzz/rv64fuzz/internal/mmu"
	"github.com/rv64fuzz/rv64fuzz/internal/perm"
	"github.com/rv64fuzz/rv64fuzz/internal/state"
)

// Breakpoint is a host hook keyed by guest PC. It may mutate guest state
// and redirect PC; if it returns a non-nil Exit the run loop stops
// immediately with that exit (e.g. a libc shim returning Ebreak to signal
// "treat as trap"), otherwise the interpreter re-fetches at the (possibly
// redirected) PC without incrementing the instruction count.
type Breakpoint func(g *state.Guest) *exitreason.Exit

// Run executes RV64I instructions starting at the guest's current PC until
// a trap, fault, or timeout occurs. breakpoints maps guest PC to an
// installed hook; it may be nil.
func Run(g *state.Guest, breakpoints map[uint64]Breakpoint) exitreason.Exit {
	for {
		pc := g.PC()

		if bp, ok := breakpoints[pc]; ok {
			if exit := bp(g); exit != nil {
				return *exit
			}
			if g.PC() != pc {
				// Breakpoint redirected PC (e.g. emulated a call return);
				// restart the fetch without incrementing.
				continue
			}
		}

		if pc%4 != 0 {
			return exitreason.Exit{Kind: exitreason.ExecFault, ReentryPC: pc, Addr: pc}
		}

		word, exit, ok := Fetch(g.Mem, pc)
		if !ok {
			return exit
		}

		if g.Timeout != 0 && g.InstrsExeced >= g.Timeout {
			return exitreason.Exit{Kind: exitreason.Timeout, ReentryPC: pc}
		}

		g.SnapshotTrace()

		in := Decode(word)
		nextPC := pc + 4
		exitVal, handled, advances := execute(g, in, pc, &nextPC)
		if handled {
			return exitVal
		}
		g.InstrsExeced++
		if advances {
			g.SetPC(nextPC)
		}
	}
}

// Fetch reads a 4-byte instruction word from addr, requiring EXEC
// permission on every byte. Exported so the JIT's fault-rerun path (see
// internal/emulator) can re-fetch the exact faulting instruction without
// duplicating this check.
func Fetch(mem *mmu.Mmu, addr uint64) (uint32, exitreason.Exit, bool) {
	var buf [4]byte
	for i := 0; i < 4; i++ {
		b, p, ok := mem.FastReadByte(mmu.VirtAddr(addr + uint64(i)))
		if !ok {
			return 0, exitreason.Exit{Kind: exitreason.AddressMiss, ReentryPC: addr, Addr: addr, Len: 4}, false
		}
		if !p.Has(perm.Exec) {
			return 0, exitreason.Exit{Kind: exitreason.ExecFault, ReentryPC: addr, Addr: addr + uint64(i)}, false
		}
		buf[i] = b
	}
	return uint32(buf[0]) | uint32(buf[1])<<8 | uint32(buf[2])<<16 | uint32(buf[3])<<24, exitreason.Exit{}, true
}

// execute performs one decoded instruction. It returns (exit, true, _) when
// execution must stop (trap or fault); otherwise it returns
// (_, false, advancesPC), and *nextPC holds the PC to use if advancesPC is
// true (branches/jumps leave *nextPC alone, call g.SetPC themselves and
// return advancesPC=false).
func execute(g *state.Guest, in Inst, pc uint64, nextPC *uint64) (exitreason.Exit, bool, bool) {
	switch in.Opcode {
	case OpLUI:
		g.SetReg(in.Rd, uint64(in.ImmU))
		return exitreason.Exit{}, false, true

	case OpAUIPC:
		g.SetReg(in.Rd, pc+uint64(in.ImmU))
		return exitreason.Exit{}, false, true

	case OpJAL:
		g.SetReg(in.Rd, pc+4)
		g.SetPC(pc + uint64(in.ImmJ))
		return exitreason.Exit{}, false, false

	case OpJALR:
		target := (uint64(int64(g.Reg(in.Rs1)) + in.ImmI)) &^ 1
		g.SetReg(in.Rd, pc+4)
		g.SetPC(target)
		return exitreason.Exit{}, false, false

	case OpBranch:
		if branchTaken(g, in) {
			g.SetPC(uint64(int64(pc) + in.ImmB))
		} else {
			g.SetPC(pc + 4)
		}
		return exitreason.Exit{}, false, false

	case OpLoad:
		return execLoad(g, in, pc)

	case OpStore:
		return execStore(g, in, pc)

	case OpOpImm:
		execOpImm(g, in)
		return exitreason.Exit{}, false, true

	case OpOpImm32:
		execOpImm32(g, in)
		return exitreason.Exit{}, false, true

	case OpOp:
		if ok := execOp(g, in); !ok {
			return exitreason.Exit{Kind: exitreason.InvalidOpcode, ReentryPC: pc}, true, false
		}
		return exitreason.Exit{}, false, true

	case OpOp32:
		if ok := execOp32(g, in); !ok {
			return exitreason.Exit{Kind: exitreason.InvalidOpcode, ReentryPC: pc}, true, false
		}
		return exitreason.Exit{}, false, true

	case OpMiscMem:
		// FENCE is a nop in this single-hart, single-threaded-guest model.
		return exitreason.Exit{}, false, true

	case OpSystem:
		switch {
		case in.Funct3 == 0 && in.ImmI == 0:
			return exitreason.Exit{Kind: exitreason.Syscall, ReentryPC: pc}, true, false
		case in.Funct3 == 0 && in.ImmI == 1:
			return exitreason.Exit{Kind: exitreason.Ebreak, ReentryPC: pc}, true, false
		default:
			return exitreason.Exit{Kind: exitreason.InvalidOpcode, ReentryPC: pc}, true, false
		}

	default:
		return exitreason.Exit{Kind: exitreason.InvalidOpcode, ReentryPC: pc}, true, false
	}
}

// ExecuteOne executes exactly one decoded instruction against g and reports
// whether it terminated execution (trap/fault) along with the PC to
// continue at otherwise. It is exported so the JIT's block compiler (see
// internal/jit) can share the exact same per-instruction semantics as the
// interpreter rather than re-implementing them, which is what makes the
// JIT and interpreter agree on every fault and side effect by construction
// instead of by separately testing two implementations against each other.
func ExecuteOne(g *state.Guest, in Inst, pc uint64) (exit exitreason.Exit, terminal bool, nextPC uint64) {
	next := pc + 4
	e, handled, advances := execute(g, in, pc, &next)
	if handled {
		return e, true, 0
	}
	if advances {
		return exitreason.Exit{}, false, next
	}
	return exitreason.Exit{}, false, g.PC()
}

// BranchTaken reports whether a decoded Branch-opcode instruction would be
// taken given the current register file, without mutating state. Exported
// for the JIT block compiler, which must evaluate the branch condition
// before deciding whether to emit a coverage event, ahead of any
// side-effecting execution.
func BranchTaken(g *state.Guest, in Inst) bool {
	return branchTaken(g, in)
}

func branchTaken(g *state.Guest, in Inst) bool {
	a, b := g.Reg(in.Rs1), g.Reg(in.Rs2)
	switch in.Funct3 {
	case 0b000: // BEQ
		return a == b
	case 0b001: // BNE
		return a != b
	case 0b100: // BLT
		return int64(a) < int64(b)
	case 0b101: // BGE
		return int64(a) >= int64(b)
	case 0b110: // BLTU
		return a < b
	case 0b111: // BGEU
		return a >= b
	default:
		return false
	}
}

func execLoad(g *state.Guest, in Inst, pc uint64) (exitreason.Exit, bool, bool) {
	addr := mmu.VirtAddr(uint64(int64(g.Reg(in.Rs1)) + in.ImmI))
	var val uint64
	var err error
	switch in.Funct3 {
	case 0b000: // LB
		v, e := mmu.Read[uint8](g.Mem, addr)
		val, err = uint64(int64(int8(v))), e
	case 0b001: // LH
		v, e := mmu.Read[uint16](g.Mem, addr)
		val, err = uint64(int64(int16(v))), e
	case 0b010: // LW
		v, e := mmu.Read[uint32](g.Mem, addr)
		val, err = uint64(int64(int32(v))), e
	case 0b011: // LD
		v, e := mmu.Read[uint64](g.Mem, addr)
		val, err = v, e
	case 0b100: // LBU
		v, e := mmu.Read[uint8](g.Mem, addr)
		val, err = uint64(v), e
	case 0b101: // LHU
		v, e := mmu.Read[uint16](g.Mem, addr)
		val, err = uint64(v), e
	case 0b110: // LWU
		v, e := mmu.Read[uint32](g.Mem, addr)
		val, err = uint64(v), e
	default:
		return exitreason.Exit{Kind: exitreason.InvalidOpcode, ReentryPC: pc}, true, false
	}
	if err != nil {
		exit := err.(*exitreason.Fault).Exit
		exit.ReentryPC = pc
		return exit, true, false
	}
	g.SetReg(in.Rd, val)
	return exitreason.Exit{}, false, true
}

func execStore(g *state.Guest, in Inst, pc uint64) (exitreason.Exit, bool, bool) {
	addr := mmu.VirtAddr(uint64(int64(g.Reg(in.Rs1)) + in.ImmS))
	val := g.Reg(in.Rs2)
	var err error
	switch in.Funct3 {
	case 0b000: // SB
		err = mmu.Write[uint8](g.Mem, addr, uint8(val))
	case 0b001: // SH
		err = mmu.Write[uint16](g.Mem, addr, uint16(val))
	case 0b010: // SW
		err = mmu.Write[uint32](g.Mem, addr, uint32(val))
	case 0b011: // SD
		err = mmu.Write[uint64](g.Mem, addr, val)
	default:
		return exitreason.Exit{Kind: exitreason.InvalidOpcode, ReentryPC: pc}, true, false
	}
	if err != nil {
		exit := err.(*exitreason.Fault).Exit
		exit.ReentryPC = pc
		return exit, true, false
	}
	return exitreason.Exit{}, false, true
}

func execOpImm(g *state.Guest, in Inst) {
	a := g.Reg(in.Rs1)
	switch in.Funct3 {
	case 0b000: // ADDI
		g.SetReg(in.Rd, uint64(int64(a)+in.ImmI))
	case 0b010: // SLTI
		g.SetReg(in.Rd, boolU64(int64(a) < in.ImmI))
	case 0b011: // SLTIU
		g.SetReg(in.Rd, boolU64(a < uint64(in.ImmI)))
	case 0b100: // XORI
		g.SetReg(in.Rd, a^uint64(in.ImmI))
	case 0b110: // ORI
		g.SetReg(in.Rd, a|uint64(in.ImmI))
	case 0b111: // ANDI
		g.SetReg(in.Rd, a&uint64(in.ImmI))
	case 0b001: // SLLI, shamt masked to 6 bits
		shamt := uint(in.ImmI) & 0x3f
		g.SetReg(in.Rd, a<<shamt)
	case 0b101: // SRLI/SRAI
		shamt := uint(in.ImmI) & 0x3f
		if in.Funct7&0x20 != 0 {
			g.SetReg(in.Rd, uint64(int64(a)>>shamt)) // SRAI, arithmetic
		} else {
			g.SetReg(in.Rd, a>>shamt) // SRLI, logical
		}
	}
}

func execOpImm32(g *state.Guest, in Inst) {
	a := int32(g.Reg(in.Rs1))
	switch in.Funct3 {
	case 0b000: // ADDIW
		g.SetReg(in.Rd, uint64(int64(int32(a)+int32(in.ImmI))))
	case 0b001: // SLLIW, shamt masked to 5 bits
		shamt := uint(in.ImmI) & 0x1f
		g.SetReg(in.Rd, uint64(int64(a<<shamt)))
	case 0b101: // SRLIW/SRAIW
		shamt := uint(in.ImmI) & 0x1f
		if in.Funct7&0x20 != 0 {
			g.SetReg(in.Rd, uint64(int64(a>>shamt))) // SRAIW, arithmetic
		} else {
			g.SetReg(in.Rd, uint64(int64(int32(uint32(a)>>shamt)))) // SRLIW, logical then sign-extend
		}
	}
}

func execOp(g *state.Guest, in Inst) bool {
	a, b := g.Reg(in.Rs1), g.Reg(in.Rs2)
	switch {
	case in.Funct3 == 0b000 && in.Funct7 == 0x00: // ADD
		g.SetReg(in.Rd, a+b)
	case in.Funct3 == 0b000 && in.Funct7 == 0x20: // SUB
		g.SetReg(in.Rd, a-b)
	case in.Funct3 == 0b001 && in.Funct7 == 0x00: // SLL
		g.SetReg(in.Rd, a<<(b&0x3f))
	case in.Funct3 == 0b010 && in.Funct7 == 0x00: // SLT
		g.SetReg(in.Rd, boolU64(int64(a) < int64(b)))
	case in.Funct3 == 0b011 && in.Funct7 == 0x00: // SLTU
		g.SetReg(in.Rd, boolU64(a < b))
	case in.Funct3 == 0b100 && in.Funct7 == 0x00: // XOR
		g.SetReg(in.Rd, a^b)
	case in.Funct3 == 0b101 && in.Funct7 == 0x00: // SRL
		g.SetReg(in.Rd, a>>(b&0x3f))
	case in.Funct3 == 0b101 && in.Funct7 == 0x20: // SRA
		g.SetReg(in.Rd, uint64(int64(a)>>(b&0x3f)))
	case in.Funct3 == 0b110 && in.Funct7 == 0x00: // OR
		g.SetReg(in.Rd, a|b)
	case in.Funct3 == 0b111 && in.Funct7 == 0x00: // AND
		g.SetReg(in.Rd, a&b)
	default:
		return false
	}
	return true
}

func execOp32(g *state.Guest, in Inst) bool {
	a, b := int32(g.Reg(in.Rs1)), int32(g.Reg(in.Rs2))
	switch {
	case in.Funct3 == 0b000 && in.Funct7 == 0x00: // ADDW
		g.SetReg(in.Rd, uint64(int64(a+b)))
	case in.Funct3 == 0b000 && in.Funct7 == 0x20: // SUBW
		g.SetReg(in.Rd, uint64(int64(a-b)))
	case in.Funct3 == 0b001 && in.Funct7 == 0x00: // SLLW
		g.SetReg(in.Rd, uint64(int64(a<<(uint32(b)&0x1f))))
	case in.Funct3 == 0b101 && in.Funct7 == 0x00: // SRLW
		g.SetReg(in.Rd, uint64(int64(int32(uint32(a)>>(uint32(b)&0x1f)))))
	case in.Funct3 == 0b101 && in.Funct7 == 0x20: // SRAW
		g.SetReg(in.Rd, uint64(int64(a>>(uint32(b)&0x1f))))
	default:
		return false
	}
	return true
}

func boolU64(b bool) uint64 {
	if b {
		return 1
	}
	return 0
}
