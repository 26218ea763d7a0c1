// Package syscalls implements the open-ended policy layer above the
// emulation core: a RISC-V Linux-ABI syscall table plus libc allocator
// breakpoint shims, both driven off the RV64 calling convention (A0-A6 in
// x10-x16, syscall number in A7/x17, return value in A0, return address in
// RA/x1). Grounded on original_source/src/main.rs's handle_syscall and
// malloc_bp/calloc_bp/realloc_bp/free_bp, reimplemented against this
// repository's mmu/state/exitreason packages instead of translated line for
// line.
package syscalls

import (
	"github.com/rv64fuzz/rv64fuzz/internal/exitreason"
	"github.com/rv64fuzz/rv64fuzz/internal/mmu"
	"github.com/rv64fuzz/rv64fuzz/internal/perm"
	"github.com/rv64fuzz/rv64fuzz/internal/state"
)

// asExit unwraps an mmu fault error back into the *exitreason.Exit a
// breakpoint shim must return; every error the mmu package returns is a
// *exitreason.Fault under the hood.
func asExit(err error) *exitreason.Exit {
	if f, ok := err.(*exitreason.Fault); ok {
		return &f.Exit
	}
	exit := exitreason.Exit{Kind: exitreason.InvalidOpcode}
	return &exit
}

const (
	regA0 = 10
	regA1 = 11
	regA2 = 12
	regA7 = 17
	regRA = 1
)

// fileKind identifies what an open file descriptor is backed by. This
// implementation only ever backs descriptors with the fuzz input or the
// three standard streams; there is no real filesystem access.
type fileKind int

const (
	fileNone fileKind = iota
	fileStdin
	fileStdout
	fileStderr
	fileFuzzInput
)

type openFile struct {
	kind   fileKind
	cursor uint64 // FuzzInput read/seek position
}

// Table holds the open file descriptor set and the fuzz input bytes a
// FuzzInput-backed descriptor reads from. One Table is created per
// Emulator; Reset clears it back to the three standard streams for the
// next run.
type Table struct {
	files     []openFile
	fuzzInput []byte
}

// NewTable creates a Table with stdin/stdout/stderr pre-opened at fds 0-2,
// matching the guest's usual libc expectations.
func NewTable() *Table {
	t := &Table{}
	t.Reset(nil)
	return t
}

// Reset clears every non-standard descriptor and installs input as the
// bytes any newly opened "testfn" file will read from.
func (t *Table) Reset(input []byte) {
	t.files = []openFile{
		{kind: fileStdin},
		{kind: fileStdout},
		{kind: fileStderr},
	}
	t.fuzzInput = input
}

func (t *Table) alloc(kind fileKind) int {
	for i, f := range t.files {
		if f.kind == fileNone {
			t.files[i] = openFile{kind: kind}
			return i
		}
	}
	t.files = append(t.files, openFile{kind: kind})
	return len(t.files) - 1
}

func (t *Table) get(fd int) (*openFile, bool) {
	if fd < 0 || fd >= len(t.files) || t.files[fd].kind == fileNone {
		return nil, false
	}
	return &t.files[fd], true
}

// Handle dispatches one ECALL based on the A7 syscall number, mutating g's
// registers/memory per the RV64 Linux syscall ABI. A non-nil error means the
// guest must stop (e.g. sys_exit); anything the guest should merely see as a
// return value (including "syscall failed") is communicated via A0, not an
// error return.
func (t *Table) Handle(g *state.Guest) error {
	num := g.Reg(regA7)
	switch num {
	case 214:
		return t.brk(g)
	case 64:
		return t.write(g)
	case 63:
		return t.read(g)
	case 62:
		return t.lseek(g)
	case 1024:
		return t.openat(g)
	case 1038:
		return t.stat(g)
	case 80:
		return t.fstat(g)
	case 57:
		return t.close(g)
	case 93, 94:
		return exitreason.New(exitreason.Exit{Kind: exitreason.ProgramExit, ReentryPC: g.PC()})
	default:
		return exitreason.New(exitreason.Exit{Kind: exitreason.InvalidOpcode, ReentryPC: g.PC()})
	}
}

// brk only ever supports the query form brk(0), which always answers 0 (no
// program break is tracked); any non-zero request is a distinct,
// explicitly unsupported exit rather than a silent success or a panic.
func (t *Table) brk(g *state.Guest) error {
	req := g.Reg(regA0)
	if req == 0 {
		g.SetReg(regA0, 0)
		return nil
	}
	return exitreason.New(exitreason.Exit{Kind: exitreason.BrkUnsupported, ReentryPC: g.PC(), Addr: req})
}

func (t *Table) write(g *state.Guest) error {
	fd := int(g.Reg(regA0))
	buf := mmu.VirtAddr(g.Reg(regA1))
	length := g.Reg(regA2)

	f, ok := t.get(fd)
	if !ok || (f.kind != fileStdout && f.kind != fileStderr) {
		g.SetReg(regA0, ^uint64(0))
		return nil
	}
	if _, err := g.Mem.Peek(buf, length, perm.Read); err != nil {
		return err
	}
	g.SetReg(regA0, length)
	return nil
}

func (t *Table) read(g *state.Guest) error {
	fd := int(g.Reg(regA0))
	buf := mmu.VirtAddr(g.Reg(regA1))
	length := g.Reg(regA2)

	f, ok := t.get(fd)
	if !ok || f.kind != fileFuzzInput {
		g.SetReg(regA0, ^uint64(0))
		return nil
	}
	end := f.cursor + length
	if end > uint64(len(t.fuzzInput)) {
		end = uint64(len(t.fuzzInput))
	}
	chunk := t.fuzzInput[f.cursor:end]
	if err := g.Mem.WriteFrom(buf, chunk); err != nil {
		return err
	}
	n := end - f.cursor
	f.cursor = end
	g.SetReg(regA0, n)
	return nil
}

func (t *Table) lseek(g *state.Guest) error {
	fd := int(g.Reg(regA0))
	offset := int64(g.Reg(regA1))
	whence := int32(g.Reg(regA2))

	f, ok := t.get(fd)
	if !ok || f.kind != fileFuzzInput {
		g.SetReg(regA0, ^uint64(0))
		return nil
	}

	var newCursor int64
	switch whence {
	case 0: // SEEK_SET
		newCursor = offset
	case 1: // SEEK_CUR
		newCursor = int64(f.cursor) + offset
	case 2: // SEEK_END
		newCursor = int64(len(t.fuzzInput)) + offset
	default:
		g.SetReg(regA0, ^uint64(0))
		return nil
	}
	if newCursor < 0 {
		newCursor = 0
	}
	if newCursor > int64(len(t.fuzzInput)) {
		newCursor = int64(len(t.fuzzInput))
	}
	f.cursor = uint64(newCursor)
	g.SetReg(regA0, f.cursor)
	return nil
}

// testFileName is the only filename openat recognizes; any other name is
// reported as "no such file", matching the original harness's convention
// of a single well-known fuzz input handle.
const testFileName = "testfn"

func readCString(mem *mmu.Mmu, addr mmu.VirtAddr) (string, error) {
	var out []byte
	for i := uint64(0); ; i++ {
		b, err := mmu.Read[uint8](mem, addr+mmu.VirtAddr(i))
		if err != nil {
			return "", err
		}
		if b == 0 {
			break
		}
		out = append(out, b)
	}
	return string(out), nil
}

func (t *Table) openat(g *state.Guest) error {
	namePtr := mmu.VirtAddr(g.Reg(regA0))
	name, err := readCString(g.Mem, namePtr)
	if err != nil {
		return err
	}
	if name != testFileName {
		g.SetReg(regA0, ^uint64(0))
		return nil
	}
	fd := t.alloc(fileFuzzInput)
	t.files[fd].cursor = 0
	g.SetReg(regA0, uint64(fd))
	return nil
}

// writeStat fills in the subset of struct stat guest programs in this
// corpus actually inspect: size, and enough of the rest to look like a
// plausible regular file so libc's buffering logic doesn't special-case it
// away.
func writeStat(g *state.Guest, buf mmu.VirtAddr, size uint64) error {
	fields := []uint64{
		0x803,             // st_dev
		0x81889,           // st_ino
		0x81a4,            // st_mode (regular file, rw-r--r--)
		1,                 // st_nlink
		0x3e8, 0x3e8,      // st_uid, st_gid
		0,                 // st_rdev
		0,                 // padding
		size,              // st_size
		0x1000,            // st_blksize
		(size + 511) / 512, // st_blocks
		0x5f0fe246, 0,     // st_atime, st_atime_nsec
		0x5f0fe244, 0,     // st_mtime, st_mtime_nsec
		0x5f0fe244, 0,     // st_ctime, st_ctime_nsec
	}
	for i, v := range fields {
		if err := mmu.Write[uint64](g.Mem, buf+mmu.VirtAddr(i*8), v); err != nil {
			return err
		}
	}
	return nil
}

func (t *Table) stat(g *state.Guest) error {
	namePtr := mmu.VirtAddr(g.Reg(regA0))
	statBuf := mmu.VirtAddr(g.Reg(regA1))
	name, err := readCString(g.Mem, namePtr)
	if err != nil {
		return err
	}
	if name != testFileName {
		g.SetReg(regA0, ^uint64(0))
		return nil
	}
	if err := writeStat(g, statBuf, uint64(len(t.fuzzInput))); err != nil {
		return err
	}
	g.SetReg(regA0, 0)
	return nil
}

func (t *Table) fstat(g *state.Guest) error {
	fd := int(g.Reg(regA0))
	statBuf := mmu.VirtAddr(g.Reg(regA1))
	f, ok := t.get(fd)
	if !ok || f.kind != fileFuzzInput {
		g.SetReg(regA0, ^uint64(0))
		return nil
	}
	if err := writeStat(g, statBuf, uint64(len(t.fuzzInput))); err != nil {
		return err
	}
	g.SetReg(regA0, 0)
	return nil
}

func (t *Table) close(g *state.Guest) error {
	fd := int(g.Reg(regA0))
	f, ok := t.get(fd)
	if !ok {
		g.SetReg(regA0, ^uint64(0))
		return nil
	}
	f.kind = fileNone
	g.SetReg(regA0, 0)
	return nil
}

// MallocBreakpoint emulates libc malloc(size): size in A1 (the harness
// hooks the function body past its prologue, where the original argument
// register has already been shuffled into A1), base address returned in
// A0, control returned to RA.
func MallocBreakpoint(g *state.Guest) *exitreason.Exit {
	size := g.Reg(regA1)
	base, ok := g.Mem.Allocate(size)
	if !ok {
		g.SetReg(regA0, 0)
	} else {
		g.SetReg(regA0, uint64(base))
	}
	g.SetPC(g.Reg(regRA))
	return nil
}

// CallocBreakpoint emulates libc calloc(nmemb, size): nmemb in A1, size in
// A2, zero-initialized allocation returned in A0.
func CallocBreakpoint(g *state.Guest) *exitreason.Exit {
	nmemb := g.Reg(regA1)
	size := g.Reg(regA2)
	total := nmemb * size
	if nmemb != 0 && total/nmemb != size {
		g.SetReg(regA0, 0)
		g.SetPC(g.Reg(regRA))
		return nil
	}
	base, ok := g.Mem.Allocate(total)
	if !ok {
		g.SetReg(regA0, 0)
		g.SetPC(g.Reg(regRA))
		return nil
	}
	zeros := make([]byte, total)
	if err := g.Mem.WriteFrom(base, zeros); err != nil {
		g.SetPC(g.Reg(regRA))
		return asExit(err)
	}
	g.SetReg(regA0, uint64(base))
	g.SetPC(g.Reg(regRA))
	return nil
}

// ReallocBreakpoint emulates libc realloc(ptr, size): old pointer in A1,
// requested size in A2. Preserves as many bytes as both allocations can
// support, including bytes the old allocation never initialized (matching
// the "only copy if readable" behavior of the original breakpoint shim, so
// uninitialized-memory tracking survives a realloc).
func ReallocBreakpoint(g *state.Guest) *exitreason.Exit {
	oldBase := mmu.VirtAddr(g.Reg(regA1))
	size := g.Reg(regA2)

	newBase, ok := g.Mem.Allocate(size)
	if !ok {
		g.SetReg(regA0, 0)
		g.SetPC(g.Reg(regRA))
		return nil
	}
	if oldBase != 0 {
		toCopy := size
		var buf [1]byte
		for i := uint64(0); i < toCopy; i++ {
			if err := g.Mem.ReadInto(oldBase+mmu.VirtAddr(i), buf[:]); err == nil {
				_ = g.Mem.WriteFrom(newBase+mmu.VirtAddr(i), buf[:])
			}
		}
		if err := g.Mem.Free(oldBase); err != nil {
			g.SetPC(g.Reg(regRA))
			return asExit(err)
		}
	}
	g.SetReg(regA0, uint64(newBase))
	g.SetPC(g.Reg(regRA))
	return nil
}

// FreeBreakpoint emulates libc free(ptr): pointer in A1. free(0) is a no-op,
// matching the C standard.
func FreeBreakpoint(g *state.Guest) *exitreason.Exit {
	base := mmu.VirtAddr(g.Reg(regA1))
	if base != 0 {
		if err := g.Mem.Free(base); err != nil {
			g.SetPC(g.Reg(regRA))
			return asExit(err)
		}
	}
	g.SetPC(g.Reg(regRA))
	return nil
}
