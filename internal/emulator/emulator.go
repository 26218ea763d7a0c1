// Package emulator ties the interpreter, JIT, and memory unit together
// behind a single execution entry: the loop a fuzzing worker drives once
// per test case, plus the fork/reset lifecycle that makes repeated runs
// cheap.
package emulator

import (
	"github.com/rv64fuzz/rv64fuzz/internal/coverage"
	"github.com/rv64fuzz/rv64fuzz/internal/exitreason"
	"github.com/rv64fuzz/rv64fuzz/internal/interp"
	"github.com/rv64fuzz/rv64fuzz/internal/jit"
	"github.com/rv64fuzz/rv64fuzz/internal/jitcache"
	"github.com/rv64fuzz/rv64fuzz/internal/logging"
	"github.com/rv64fuzz/rv64fuzz/internal/mmu"
	"github.com/rv64fuzz/rv64fuzz/internal/state"
)

// CoverageSink receives newly-discovered edges as the emulator's run loop
// crosses them, so the caller can feed a corpus/queue without the emulator
// importing anything corpus-shaped itself.
type CoverageSink interface {
	NoteEdge(from, to uint64)
}

// Emulator is one guest's full execution context: register/memory state
// plus the optional JIT front-end. A worker typically keeps one golden
// Emulator per input family and Forks a scratch copy per test case.
type Emulator struct {
	Guest *state.Guest

	lifter      *jit.Lifter
	cov         *coverage.Bitmap
	breakpoints map[uint64]interp.Breakpoint
	log         *logging.Logger
}

// New creates an Emulator with a fresh guest address space of the given
// size and an instruction timeout (0 disables the timeout check).
func New(memSize, timeout uint64) *Emulator {
	return &Emulator{
		Guest: &state.Guest{State: state.New(timeout), Mem: mmu.New(memSize)},
		log:   logging.L,
	}
}

// EnableJIT turns on JIT-accelerated execution, sharing cache and cov
// across every Emulator built from the same fuzzing run.
func (e *Emulator) EnableJIT(cache *jitcache.Cache, cov *coverage.Bitmap) {
	e.lifter = jit.New(cache, cov)
	e.cov = cov
}

// AddBreakpoint installs a host hook at pc, replacing any earlier one at
// the same address.
func (e *Emulator) AddBreakpoint(pc uint64, fn interp.Breakpoint) {
	if e.breakpoints == nil {
		e.breakpoints = make(map[uint64]interp.Breakpoint)
	}
	e.breakpoints[pc] = fn
}

// Reg reads guest register r.
func (e *Emulator) Reg(r int) uint64 { return e.Guest.Reg(r) }

// SetReg writes guest register r.
func (e *Emulator) SetReg(r int, v uint64) { e.Guest.SetReg(r, v) }

// Fork produces an independent Emulator whose register file and memory are
// logical copies of self, sharing the same JIT cache/coverage bitmap (if
// enabled) and breakpoint table.
func (e *Emulator) Fork() *Emulator {
	st := *e.Guest.State
	st.Trace = nil
	if e.Guest.TraceEnabled {
		st.EnableTrace(len(e.Guest.Trace))
	}
	child := &Emulator{
		Guest:       &state.Guest{State: &st, Mem: e.Guest.Mem.Fork()},
		lifter:      e.lifter,
		cov:         e.cov,
		breakpoints: e.breakpoints,
		log:         e.log,
	}
	return child
}

// Reset restores self's memory to golden's snapshot and zeroes the
// per-run counters (instruction count, trace), leaving the register file
// as the caller set it up for the next run (callers typically call this
// right after restoring registers to the golden entry point).
func (e *Emulator) Reset(golden *Emulator) {
	e.Guest.Mem.Reset(golden.Guest.Mem)
	e.Guest.InstrsExeced = 0
	e.Guest.TraceIdx = 0
}

// Run drives one execution entry to completion: it alternates between the
// interpreter and, when enabled, the JIT, chaining from one compiled block
// to the next inside its own loop on every IndirectBranch, consulting sink
// on every newly discovered coverage edge, and reruns exactly the faulting
// instruction through the interpreter whenever the JIT reports a memory
// fault so the reported fault address is byte-precise.
func (e *Emulator) Run(sink CoverageSink) exitreason.Exit {
	if e.lifter == nil {
		return interp.Run(e.Guest, e.breakpoints)
	}
	return e.runJIT(sink)
}

// Trace is called once per fetched instruction during a StepTraced run,
// before it executes.
type Trace func(pc uint64, word uint32)

// StepTraced runs the guest purely through the interpreter, bypassing any
// JIT, invoking trace before every fetched instruction. Used by the replay
// subcommand's deterministic, disassembled single-case trace, where seeing
// every instruction matters more than raw speed.
func (e *Emulator) StepTraced(trace Trace) exitreason.Exit {
	for {
		pc := e.Guest.PC()

		if bp, ok := e.breakpoints[pc]; ok {
			if exit := bp(e.Guest); exit != nil {
				return *exit
			}
			if e.Guest.PC() != pc {
				continue
			}
		}

		word, exit, ok := interp.Fetch(e.Guest.Mem, pc)
		if !ok {
			return exit
		}
		if trace != nil {
			trace(pc, word)
		}
		in := interp.Decode(word)
		result, terminal, next := interp.ExecuteOne(e.Guest, in, pc)
		if terminal {
			return result
		}
		e.Guest.InstrsExeced++
		e.Guest.SetPC(next)
	}
}

func (e *Emulator) runJIT(sink CoverageSink) exitreason.Exit {
	for {
		pc := e.Guest.PC()

		if bp, ok := e.breakpoints[pc]; ok {
			if exit := bp(e.Guest); exit != nil {
				return *exit
			}
			if e.Guest.PC() != pc {
				continue
			}
		}

		block, exit, ok := e.lifter.EnsureCompiled(e.Guest.Mem, pc)
		if !ok {
			return exit
		}

		result := block.Run(e.Guest, e.cov)
		switch result.Kind {
		case exitreason.IndirectBranch:
			e.Guest.SetPC(result.ReentryPC)
			continue

		case exitreason.Coverage:
			e.Guest.LastCovFrom, e.Guest.LastCovTo = result.CovFrom, result.CovTo
			if sink != nil {
				sink.NoteEdge(result.CovFrom, result.CovTo)
			}
			e.Guest.SetPC(result.ReentryPC)
			continue

		case exitreason.ReadFault, exitreason.WriteFault, exitreason.UninitFault:
			return e.rerunFaultingInstruction(result)

		default:
			return result
		}
	}
}

// rerunFaultingInstruction replays a single instruction through the
// interpreter at the JIT's reported fault PC. Both execution paths share
// interp.ExecuteOne, so this never disagrees with what the JIT already
// computed; it exists to give a single, simple place the fault contract
// lives, rather than duplicating per-byte fault precision into the JIT's
// block runner.
func (e *Emulator) rerunFaultingInstruction(jitExit exitreason.Exit) exitreason.Exit {
	e.Guest.SetPC(jitExit.ReentryPC)
	word, fetchExit, ok := interp.Fetch(e.Guest.Mem, jitExit.ReentryPC)
	if !ok {
		return fetchExit
	}
	in := interp.Decode(word)
	exit, terminal, next := interp.ExecuteOne(e.Guest, in, jitExit.ReentryPC)
	if terminal {
		return exit
	}
	e.Guest.InstrsExeced++
	e.Guest.SetPC(next)
	return exitreason.Exit{}
}
