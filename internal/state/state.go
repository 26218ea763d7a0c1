// Package state defines the guest-state record shared by the interpreter
// and the JIT: the canonical register file plus the fields either execution
// path publishes into or reads back from across a single run invocation.
//
// An ABI-stable, JIT-indexable flat record is realized here as a Go struct
// passed by pointer to both the interpreter and the JIT's translated
// blocks (see internal/jit), rather than as a C-layout struct consumed by
// emitted machine code — this repository's JIT produces Go jit.Block
// values, not machine code, so there is no separate translated-code ABI to
// keep in sync; the struct itself *is* the shared layout. See DESIGN.md.
package state

import "github.com/rv64fuzz/rv64fuzz/internal/mmu"

// NumRegs is the guest register file size: x0..x31 plus PC at index 32.
const NumRegs = 33

// PC is the register index holding the program counter.
const PC = 32

// TraceEntry is one snapshot of the full register file, captured before an
// instruction executes, when tracing is enabled.
type TraceEntry [NumRegs]uint64

// State is the guest-state record: registers, instruction counter, timeout
// threshold, trace buffer, and the last observed coverage edge. It is
// shared by value-layout intent between the interpreter and the JIT's
// blocks; both read and write the same fields in the same way.
type State struct {
	regs [NumRegs]uint64

	// InstrsExeced counts retired guest instructions since the last
	// Emulator.Reset (it is not reset between the run invocations of one
	// test case; the driver reads it for statistics and the
	// JIT/interpreter both compare it to Timeout).
	InstrsExeced uint64

	// Timeout is the retired-instruction threshold; exceeding it produces a
	// Timeout exit at the current PC.
	Timeout uint64

	// LastCovFrom/LastCovTo record the edge that produced the most recent
	// Coverage exit, for driver bookkeeping.
	LastCovFrom uint64
	LastCovTo   uint64

	// Trace holds a bounded ring of register-file snapshots, one per
	// instruction, when TraceEnabled is set. Building with tracing off
	// avoids the snapshot cost entirely.
	TraceEnabled bool
	Trace        []TraceEntry
	TraceIdx     int
}

// New creates a zeroed guest-state record with the given instruction
// timeout (0 disables the timeout check).
func New(timeout uint64) *State {
	return &State{Timeout: timeout}
}

// EnableTrace allocates a bounded trace ring buffer of the given capacity.
func (s *State) EnableTrace(capacity int) {
	s.TraceEnabled = true
	s.Trace = make([]TraceEntry, capacity)
	s.TraceIdx = 0
}

// Reg reads register r. Register 0 always reads as zero.
func (s *State) Reg(r int) uint64 {
	if r == 0 {
		return 0
	}
	return s.regs[r]
}

// SetReg writes register r. Writes to register 0 are silently dropped.
func (s *State) SetReg(r int, v uint64) {
	if r == 0 {
		return
	}
	s.regs[r] = v
}

// PC returns the current program counter.
func (s *State) PC() uint64 { return s.regs[PC] }

// SetPC sets the program counter directly, used by branches/jumps which
// skip the normal post-retirement PC+4 advance.
func (s *State) SetPC(v uint64) { s.regs[PC] = v }

// snapshotTrace appends the current register file to the trace ring if
// tracing is enabled, called before executing the instruction at the
// current PC.
func (s *State) snapshotTrace() {
	if !s.TraceEnabled || len(s.Trace) == 0 {
		return
	}
	s.Trace[s.TraceIdx%len(s.Trace)] = TraceEntry(s.regs)
	s.TraceIdx++
}

// SnapshotTrace is the exported hook the interpreter's Run loop calls
// before retiring each instruction. JIT blocks and Emulator.StepTraced do
// not call it.
func (s *State) SnapshotTrace() { s.snapshotTrace() }

// Guest ties a State to the Mmu it executes against; this is the pairing
// both the interpreter's run_emu and the JIT's translated blocks operate
// on for a single execution entry invocation.
type Guest struct {
	*State
	Mem *mmu.Mmu
}
