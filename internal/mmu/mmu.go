// Package mmu implements the guest memory unit: a linear guest address
// space backed by a parallel permission array, a block-indexed dirty log
// for O(dirty) snapshot reset, and a bump allocator with a live-allocation
// table for free validation and use-after-free detection.
package mmu

import (
	"encoding/binary"

	"go.uber.org/zap"

	"github.com/rv64fuzz/rv64fuzz/internal/exitreason"
	"github.com/rv64fuzz/rv64fuzz/internal/logging"
	"github.com/rv64fuzz/rv64fuzz/internal/perm"
)

// DirtyBlockSize is the granularity of dirty tracking and reset. 4096 is the
// sweet spot noted in the design: amortizes bookkeeping while keeping
// restored bytes close to the bytes actually modified. It must match across
// every fork/reset pair and every JIT compilation that touches dirty state.
const DirtyBlockSize = 4096

// nullGuardSize reserves a small region at address zero so that stray
// null-pointer-ish guest addresses always land on denied permissions rather
// than on live allocator output.
const nullGuardSize = 0x10000

// VirtAddr is a guest virtual address.
type VirtAddr uint64

// Mmu is one guest's memory space: memory bytes, a parallel permission byte
// per guest byte, an ordered dirty-block log with a membership bitmap, a
// bump allocator, and a table of live allocations for free validity.
type Mmu struct {
	memory []byte
	perms  []perm.Perm

	dirty       []uint64 // block indices, insertion order, for O(dirty) reset
	dirtyBitmap []uint64 // one bit per block; membership mirror of dirty

	curAlloc    VirtAddr
	allocations map[VirtAddr]uint64 // base -> size, for free/realloc validity

	log *logging.Logger
}

// New allocates a fresh Mmu of the given size. All bytes start with no
// permissions; the allocator base is placed past the null-guard region.
func New(size uint64) *Mmu {
	numBlocks := size/DirtyBlockSize + 1
	return &Mmu{
		memory:      make([]byte, size),
		perms:       make([]perm.Perm, size),
		dirty:       make([]uint64, 0, numBlocks),
		dirtyBitmap: make([]uint64, numBlocks/64+1),
		curAlloc:    VirtAddr(nullGuardSize),
		allocations: make(map[VirtAddr]uint64),
		log:         logging.L,
	}
}

// Size returns the guest address space size in bytes.
func (m *Mmu) Size() uint64 { return uint64(len(m.memory)) }

// Fork produces an independent Mmu whose memory and permissions are logical
// copies of self. The dirty log starts empty; the allocator base and live
// allocation table are copied so the child can keep allocating/freeing from
// where the parent left off.
func (m *Mmu) Fork() *Mmu {
	clone := New(m.Size())
	copy(clone.memory, m.memory)
	copy(clone.perms, m.perms)
	clone.curAlloc = m.curAlloc
	for base, size := range m.allocations {
		clone.allocations[base] = size
	}
	return clone
}

// Reset restores every block listed in self's dirty log from snapshot,
// then truncates the dirty log to empty. Valid only if self was produced by
// snapshot.Fork() (or a descendant reset chain thereof); the MMU does not
// verify this lineage at runtime — it trusts the caller, since this path
// runs thousands of times per second.
func (m *Mmu) Reset(snapshot *Mmu) {
	for _, block := range m.dirty {
		start := block * DirtyBlockSize
		end := start + DirtyBlockSize
		if end > uint64(len(m.memory)) {
			end = uint64(len(m.memory))
		}
		copy(m.memory[start:end], snapshot.memory[start:end])
		copy(m.perms[start:end], snapshot.perms[start:end])
		m.dirtyBitmap[block/64] = 0
	}
	m.dirty = m.dirty[:0]
	m.curAlloc = snapshot.curAlloc
	for base := range m.allocations {
		delete(m.allocations, base)
	}
	for base, size := range snapshot.allocations {
		m.allocations[base] = size
	}
}

func alignUp(size, align uint64) uint64 {
	return (size + align - 1) &^ (align - 1)
}

// Allocate rounds size up to block alignment, bumps the allocator, grants
// WRITE|RAW on the range, and records base->size so a later Free can
// validate against it. Returns ok=false if the allocation would exceed the
// guest address space.
func (m *Mmu) Allocate(size uint64) (base VirtAddr, ok bool) {
	alignSize := alignUp(size, DirtyBlockSize)
	base = m.curAlloc
	if uint64(base)+alignSize > m.Size() || uint64(base)+alignSize < uint64(base) {
		return 0, false
	}
	m.curAlloc = VirtAddr(uint64(base) + alignSize)
	m.SetPermission(base, size, perm.RAW|perm.Write)
	m.allocations[base] = size
	m.log.Debug("allocate", logging.Addr(uint64(base)), zap.Uint64("size", size))
	return base, true
}

// Free validates base against the live allocation table and, on success,
// clears WRITE and READ (EXEC is left untouched) over the allocation's
// range so subsequent accesses fault. Double-free and interior-pointer free
// both fail with InvalidFree.
func (m *Mmu) Free(base VirtAddr) error {
	size, ok := m.allocations[base]
	if !ok {
		return exitreason.New(exitreason.Exit{Kind: exitreason.InvalidFree, Addr: uint64(base)})
	}
	delete(m.allocations, base)
	for i := uint64(0); i < size; i++ {
		addr := uint64(base) + i
		m.perms[addr] &^= perm.Write | perm.Read
	}
	return nil
}

// SetPermission applies perm to every byte in [addr, addr+size).
func (m *Mmu) SetPermission(addr VirtAddr, size uint64, p perm.Perm) {
	end := uint64(addr) + size
	if end > m.Size() {
		panic("mmu: SetPermission out of bounds of guest address space")
	}
	for i := uint64(addr); i < end; i++ {
		m.perms[i] = p
	}
}

// markDirty records every DirtyBlockSize block touched by [addr, addr+size)
// in the dirty log and bitmap, deduplicated in O(1) per block via the
// bitmap membership test.
func (m *Mmu) markDirty(addr VirtAddr, size uint64) {
	blockStart := uint64(addr) / DirtyBlockSize
	blockEnd := (uint64(addr) + size - 1) / DirtyBlockSize
	for block := blockStart; block <= blockEnd; block++ {
		idx, bit := block/64, block%64
		if m.dirtyBitmap[idx]&(1<<bit) == 0 {
			m.dirtyBitmap[idx] |= 1 << bit
			m.dirty = append(m.dirty, block)
		}
	}
}

// DirtyLen reports how many blocks are currently dirty.
func (m *Mmu) DirtyLen() int { return len(m.dirty) }

// checkRange verifies [addr, addr+size) neither wraps the address space
// nor runs past the end of guest memory. Permissions are checked by the
// callers.
func (m *Mmu) checkRange(addr VirtAddr, size uint64) error {
	end := uint64(addr) + size
	if end < uint64(addr) {
		return exitreason.New(exitreason.Exit{Kind: exitreason.AddressIntegerOverflow, Addr: uint64(addr)})
	}
	if end > m.Size() {
		return exitreason.New(exitreason.Exit{Kind: exitreason.AddressMiss, Addr: uint64(addr), Len: size})
	}
	return nil
}

// WriteFrom writes buf to addr. Every touched byte must carry WRITE; bytes
// that also carry RAW are promoted to READ (the RAW bit itself may be
// cleared or left set by an implementation, but observable behavior is only
// "READ becomes granted" per the data model). Every block touched is
// recorded in the dirty log.
func (m *Mmu) WriteFrom(addr VirtAddr, buf []byte) error {
	size := uint64(len(buf))
	if size == 0 {
		return nil
	}
	if err := m.checkRange(addr, size); err != nil {
		return err
	}
	base := uint64(addr)
	for i := uint64(0); i < size; i++ {
		if !m.perms[base+i].Has(perm.Write) {
			return exitreason.New(exitreason.Exit{Kind: exitreason.WriteFault, Addr: base + i})
		}
	}
	copy(m.memory[base:base+size], buf)
	for i := uint64(0); i < size; i++ {
		if m.perms[base+i].Has(perm.RAW) {
			m.perms[base+i] |= perm.Read
		}
	}
	m.markDirty(addr, size)
	return nil
}

// ReadInto reads len(buf) bytes from addr into buf, requiring READ on every
// byte. A byte that is writable but still carries RAW (never written) fails
// with UninitFault rather than the more generic ReadFault.
func (m *Mmu) ReadInto(addr VirtAddr, buf []byte) error {
	return m.readIntoPerm(addr, buf, perm.Read)
}

// readIntoPerm reads with an arbitrary required permission; ReadInto calls
// it with READ. UninitFault is only reported when required is READ.
func (m *Mmu) readIntoPerm(addr VirtAddr, buf []byte, required perm.Perm) error {
	size := uint64(len(buf))
	if size == 0 {
		return nil
	}
	if err := m.checkRange(addr, size); err != nil {
		return err
	}
	base := uint64(addr)
	for i := uint64(0); i < size; i++ {
		p := m.perms[base+i]
		if p.Has(required) {
			continue
		}
		if required == perm.Read && p.Has(perm.Write) && p.Has(perm.RAW) {
			return exitreason.New(exitreason.Exit{Kind: exitreason.UninitFault, Addr: base + i})
		}
		return exitreason.New(exitreason.Exit{Kind: exitreason.ReadFault, Addr: base + i})
	}
	copy(buf, m.memory[base:base+size])
	return nil
}

// Peek borrows a contiguous view of guest memory for host code (syscall
// handlers). It perm-checks the entire range against required up front,
// then returns a slice aliasing the Mmu's own backing array; callers must
// not retain it past the next mutating MMU call.
func (m *Mmu) Peek(addr VirtAddr, length uint64, required perm.Perm) ([]byte, error) {
	if err := m.checkRange(addr, length); err != nil {
		return nil, err
	}
	base := uint64(addr)
	for i := uint64(0); i < length; i++ {
		if !m.perms[base+i].Has(required) {
			return nil, exitreason.New(exitreason.Exit{Kind: exitreason.ReadFault, Addr: base + i})
		}
	}
	return m.memory[base : base+length], nil
}

// Read reads a width-typed, little-endian unsigned value from addr. Width
// must be one of {1,2,4,8}. Sign extension is left to the caller.
func Read[T uint8 | uint16 | uint32 | uint64](m *Mmu, addr VirtAddr) (T, error) {
	var zero T
	var buf [8]byte
	size := widthOf(zero)
	if err := m.ReadInto(addr, buf[:size]); err != nil {
		return zero, err
	}
	switch size {
	case 1:
		return T(buf[0]), nil
	case 2:
		return T(binary.LittleEndian.Uint16(buf[:2])), nil
	case 4:
		return T(binary.LittleEndian.Uint32(buf[:4])), nil
	default:
		return T(binary.LittleEndian.Uint64(buf[:8])), nil
	}
}

// Write writes a width-typed, little-endian value to addr.
func Write[T uint8 | uint16 | uint32 | uint64](m *Mmu, addr VirtAddr, v T) error {
	var buf [8]byte
	size := widthOf(v)
	switch size {
	case 1:
		buf[0] = byte(v)
	case 2:
		binary.LittleEndian.PutUint16(buf[:2], uint16(v))
	case 4:
		binary.LittleEndian.PutUint32(buf[:4], uint32(v))
	default:
		binary.LittleEndian.PutUint64(buf[:8], uint64(v))
	}
	return m.WriteFrom(addr, buf[:size])
}

func widthOf(v any) int {
	switch v.(type) {
	case uint8:
		return 1
	case uint16:
		return 2
	case uint32:
		return 4
	default:
		return 8
	}
}

// FastReadByte and FastWriteByte give direct access to a single guest byte
// plus its permission byte without going through the buffer-oriented
// Read/Write helpers, while staying inside Go's memory-safe slice indexing.
// Instruction fetch (interp.Fetch and the JIT lifter) uses FastReadByte;
// load and store instructions on both execution paths go through
// Read/Write instead.

// FastReadByte returns the byte at addr along with its permission byte, or
// reports out-of-bounds via ok=false so the caller can raise AddressMiss.
func (m *Mmu) FastReadByte(addr VirtAddr) (value byte, p perm.Perm, ok bool) {
	if uint64(addr) >= m.Size() {
		return 0, 0, false
	}
	return m.memory[addr], m.perms[addr], true
}

// FastWriteByte stores value at addr, marks the owning block dirty, and
// promotes RAW to READ if applicable. Callers must have already perm
// checked the byte; this never checks WRITE itself.
func (m *Mmu) FastWriteByte(addr VirtAddr, value byte) {
	m.memory[addr] = value
	if m.perms[addr].Has(perm.RAW) {
		m.perms[addr] |= perm.Read
	}
	m.markDirty(addr, 1)
}

// PermAt returns the permission byte at addr, without a bounds check.
func (m *Mmu) PermAt(addr VirtAddr) perm.Perm {
	return m.perms[addr]
}
