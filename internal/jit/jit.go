// Package jit implements a translating lifter: it turns a connected region
// of guest code reachable from a requested PC into compiled "native
// entries" and wires coverage-edge emission into every control-flow
// transition.
//
// This repository's guest execution core is pure Go with no cgo and no
// runtime machine-code generation, so "native entry" is realized as a
// jit.Block per translated basic block (its pre-decoded instructions plus
// a Run method) instead of emitted machine code — see DESIGN.md for the
// full rationale.
// The lifter does work-queue/visited-set translation, direct-branch label
// reuse vs IndirectBranch for calls and register-indirect targets,
// coverage emitted strictly before any side-effecting part of the
// terminating instruction, and a block-entry timeout check.
package jit

import (
	"encoding/binary"

	"github.com/rv64fuzz/rv64fuzz/internal/coverage"
	"github.com/rv64fuzz/rv64fuzz/internal/exitreason"
	"github.com/rv64fuzz/rv64fuzz/internal/interp"
	"github.com/rv64fuzz/rv64fuzz/internal/jitcache"
	"github.com/rv64fuzz/rv64fuzz/internal/logging"
	"github.com/rv64fuzz/rv64fuzz/internal/mmu"
	"github.com/rv64fuzz/rv64fuzz/internal/perm"
	"github.com/rv64fuzz/rv64fuzz/internal/state"
)

// LayoutVersion identifies the guest-state record layout the current
// lifter assumes. It is folded into every translation's content hash so
// that a layout change invalidates every cached unit.
const LayoutVersion = 1

// maxBlockInstrs bounds straight-line block growth so a long run of
// branch-free code cannot grow a single translation unit unboundedly.
const maxBlockInstrs = 4096

// Block is one translated basic block: a run of straight-line instructions
// followed by a single control-flow terminator (branch, JAL, JALR, ECALL,
// or EBREAK).
type Block struct {
	startPC uint64
	instrs  []pcInst
	term    pcInst
	isCall  bool // JAL/JALR writing a link register; bounds region growth
}

type pcInst struct {
	pc uint64
	in interp.Inst
}

// Lifter translates guest code reachable from a PC into Blocks and installs
// them into a jitcache.Cache keyed by PC.
type Lifter struct {
	Cache *jitcache.Cache
	Cov   *coverage.Bitmap
	log   *logging.Logger
}

// New creates a Lifter sharing the given cache and coverage bitmap across
// every worker's emulator that enables this JIT — the cache and bitmap are
// the two pieces of state every worker in a fuzzing run shares.
func New(cache *jitcache.Cache, cov *coverage.Bitmap) *Lifter {
	return &Lifter{Cache: cache, Cov: cov, log: logging.L}
}

// EnsureCompiled returns the Block installed for pc, translating the
// connected region reachable from pc (and installing every block produced)
// if pc has not been seen before.
func (l *Lifter) EnsureCompiled(mem *mmu.Mmu, pc uint64) (*Block, exitreason.Exit, bool) {
	if e, ok := l.Cache.Lookup(pc); ok {
		return e.(*Block), exitreason.Exit{}, true
	}

	queue := []uint64{pc}
	visited := make(map[uint64]bool)

	var entryBlock *Block
	var faultExit exitreason.Exit
	faulted := false

	for len(queue) > 0 && !faulted {
		cur := queue[0]
		queue = queue[1:]
		if visited[cur] {
			continue
		}
		visited[cur] = true

		block, successors, exit, ok := l.compileBlock(mem, cur)
		if !ok {
			if cur != pc {
				// An unfetchable successor is not compiled here; it faults
				// when execution actually reaches it and lifts it as an entry.
				continue
			}
			faultExit = exit
			faulted = true
			break
		}
		blockBytes := appendBlockBytes(nil, block)

		hash := jitcache.HashContent(LayoutVersion, blockBytes)
		installed := l.Cache.GetOrCompile(cur, hash, func() jitcache.Entry { return block })
		b := installed.(*Block)
		if err := l.Cache.PersistRaw(hash, blockBytes); err != nil {
			l.log.Warn("jit cache persist failed", logging.Addr(cur))
		}
		if cur == pc {
			entryBlock = b
		}
		for _, succ := range successors {
			if !visited[succ] {
				queue = append(queue, succ)
			}
		}
	}

	if faulted {
		// Lift-time fault (EXEC perm denied at the requested entry PC, or an
		// address past the end of guest memory): install nothing and report
		// the fault the same way the interpreter would on first fetch.
		return nil, faultExit, false
	}
	return entryBlock, exitreason.Exit{}, true
}

// compileBlock translates a single basic block starting at pc: a run of
// straight-line instructions ending at the first control-flow instruction.
// It also returns the PCs this block may directly chain to, for the work
// queue — only in-region successors (conditional branch targets, and
// unconditional tail jumps that do not write a link register) are
// returned; calls and register-indirect branches are never eagerly
// enqueued, which bounds how large a single translation region can grow.
func (l *Lifter) compileBlock(mem *mmu.Mmu, startPC uint64) (*Block, []uint64, exitreason.Exit, bool) {
	block := &Block{startPC: startPC}
	pc := startPC

	for {
		if pc%4 != 0 {
			return nil, nil, exitreason.Exit{Kind: exitreason.ExecFault, ReentryPC: pc, Addr: pc}, false
		}
		word, exit, ok := interp.Fetch(mem, pc)
		if !ok {
			return nil, nil, exit, false
		}
		in := interp.Decode(word)

		if isTerminator(in.Opcode) {
			block.term = pcInst{pc: pc, in: in}
			break
		}

		block.instrs = append(block.instrs, pcInst{pc: pc, in: in})
		pc += 4
		if len(block.instrs) >= maxBlockInstrs {
			// Split an overlong straight-line run by terminating with a
			// synthetic "jal x0, +0" at the next PC. Its coverage edge
			// (pc, pc) is new exactly once, which bounces control back
			// through the ordinary Coverage/IndirectBranch dispatch in
			// internal/emulator and causes a fresh block to be compiled
			// starting exactly at pc — i.e. this reuses the existing
			// chaining machinery to continue translation rather than
			// introducing a separate "block too long" exit kind.
			block.term = pcInst{pc: pc, in: interp.Decode(uint32(interp.OpJAL))}
			break
		}
	}

	var successors []uint64
	switch block.term.in.Opcode {
	case interp.OpBranch:
		taken := block.term.pc + uint64(int64(block.term.in.ImmB))
		fallthrough_ := block.term.pc + 4
		successors = []uint64{taken, fallthrough_}
	case interp.OpJAL:
		if block.term.in.Rd == 0 {
			target := uint64(int64(block.term.pc) + block.term.in.ImmJ)
			successors = []uint64{target}
		} else {
			block.isCall = true
		}
	case interp.OpJALR:
		block.isCall = true
	case interp.OpSystem:
		// ECALL/EBREAK always exits the execution entry; no successor.
	}

	return block, successors, exitreason.Exit{}, true
}

func isTerminator(op interp.Opcode) bool {
	switch op {
	case interp.OpBranch, interp.OpJAL, interp.OpJALR, interp.OpSystem:
		return true
	default:
		return false
	}
}

func fetchWord(mem *mmu.Mmu, pc uint64) (uint32, bool) {
	var buf [4]byte
	for i := 0; i < 4; i++ {
		b, p, ok := mem.FastReadByte(mmu.VirtAddr(pc + uint64(i)))
		if !ok || !p.Has(perm.Exec) {
			return 0, false
		}
		buf[i] = b
	}
	return binary.LittleEndian.Uint32(buf[:]), true
}

// appendBlockBytes folds a compiled block's raw guest instruction words
// into the running content-hash input for the whole translation unit.
func appendBlockBytes(acc []byte, b *Block) []byte {
	var word [4]byte
	for _, pi := range b.instrs {
		binary.LittleEndian.PutUint32(word[:], pi.in.Raw)
		acc = append(acc, word[:]...)
	}
	binary.LittleEndian.PutUint32(word[:], b.term.in.Raw)
	return append(acc, word[:]...)
}

// Run executes this block against g starting at g's current PC: every
// straight-line instruction via interp.ExecuteOne (sharing exact
// interpreter semantics), then the terminator, with the coverage event
// emitted before any terminator side effect. Every PC is taken from g
// rather than from the address the block was first compiled at, because
// the cache may install one content-identical block under several PCs.
func (b *Block) Run(g *state.Guest, cov *coverage.Bitmap) exitreason.Exit {
	pc := g.PC()
	if g.Timeout != 0 && g.InstrsExeced > g.Timeout {
		return exitreason.Exit{Kind: exitreason.Timeout, ReentryPC: pc}
	}

	for _, pi := range b.instrs {
		exit, terminal, next := interp.ExecuteOne(g, pi.in, pc)
		if terminal {
			return coarsenFaultAddr(exit, pc)
		}
		g.InstrsExeced++
		pc = next
	}

	return b.runTerminator(g, cov, pc)
}

func (b *Block) runTerminator(g *state.Guest, cov *coverage.Bitmap, pc uint64) exitreason.Exit {
	in := b.term.in
	switch in.Opcode {
	case interp.OpBranch:
		target := pc + 4
		if interp.BranchTaken(g, in) {
			target = uint64(int64(pc) + in.ImmB)
		}
		if cov.TestAndSet(pc, target) {
			return exitreason.Exit{Kind: exitreason.Coverage, ReentryPC: pc, CovFrom: pc, CovTo: target}
		}
		g.SetPC(target)
		g.InstrsExeced++
		return exitreason.Exit{Kind: exitreason.IndirectBranch, ReentryPC: target}

	case interp.OpJAL:
		target := uint64(int64(pc) + in.ImmJ)
		if cov.TestAndSet(pc, target) {
			return exitreason.Exit{Kind: exitreason.Coverage, ReentryPC: pc, CovFrom: pc, CovTo: target}
		}
		g.SetReg(in.Rd, pc+4)
		g.SetPC(target)
		g.InstrsExeced++
		return exitreason.Exit{Kind: exitreason.IndirectBranch, ReentryPC: target}

	case interp.OpJALR:
		target := (uint64(int64(g.Reg(in.Rs1)) + in.ImmI)) &^ 1
		if cov.TestAndSet(pc, target) {
			return exitreason.Exit{Kind: exitreason.Coverage, ReentryPC: pc, CovFrom: pc, CovTo: target}
		}
		g.SetReg(in.Rd, pc+4)
		g.SetPC(target)
		g.InstrsExeced++
		return exitreason.Exit{Kind: exitreason.IndirectBranch, ReentryPC: target}

	case interp.OpSystem:
		exit, _, _ := interp.ExecuteOne(g, in, pc)
		return exit

	default:
		// Unreachable: compileBlock only assigns a terminator for one of the
		// opcodes above. Seeing anything else is a lifter logic bug.
		return exitreason.Exit{Kind: exitreason.None, ReentryPC: pc}
	}
}

// coarsenFaultAddr stamps a memory fault's ReentryPC to the faulting
// instruction's own PC (rather than the next instruction), so the
// execution entry (internal/emulator) reruns exactly that instruction
// through the interpreter for precision. This implementation's JIT shares
// the interpreter's exact per-byte bounds/permission checks (via
// interp.ExecuteOne) rather than inlining separately coarsened checks, so
// Exit.Addr is already byte-exact here — reporting only a coarser base
// address is an allowance this implementation doesn't need to take, not a
// requirement to discard precision already on hand. See DESIGN.md.
func coarsenFaultAddr(exit exitreason.Exit, pc uint64) exitreason.Exit {
	switch exit.Kind {
	case exitreason.ReadFault, exitreason.WriteFault, exitreason.UninitFault:
		exit.ReentryPC = pc
	}
	return exit
}
