package mmu

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"

	"github.com/rv64fuzz/rv64fuzz/internal/exitreason"
	"github.com/rv64fuzz/rv64fuzz/internal/perm"
)

func exitKind(t *testing.T, err error) exitreason.Kind {
	t.Helper()
	fault, ok := err.(*exitreason.Fault)
	require.True(t, ok, "expected *exitreason.Fault, got %T", err)
	return fault.Kind
}

func TestAllocateWriteReadRoundTrip(t *testing.T) {
	m := New(64 * 1024)
	base, ok := m.Allocate(16)
	require.True(t, ok)

	require.NoError(t, m.WriteFrom(base, []byte{0xAA, 0xBB}))

	out := make([]byte, 2)
	require.NoError(t, m.ReadInto(base, out))
	require.Equal(t, []byte{0xAA, 0xBB}, out)
}

func TestUninitReadFaultsExactByte(t *testing.T) {
	m := New(64 * 1024)
	base, ok := m.Allocate(16)
	require.True(t, ok)

	out := make([]byte, 1)
	err := m.ReadInto(base+4, out)
	require.Error(t, err)
	require.Equal(t, exitreason.UninitFault, exitKind(t, err))
	require.Equal(t, uint64(base)+4, err.(*exitreason.Fault).Addr)
}

func TestRAWPromotedToReadOnWrite(t *testing.T) {
	m := New(64 * 1024)
	base, ok := m.Allocate(16)
	require.True(t, ok)

	require.NoError(t, m.WriteFrom(base, []byte{0xAA}))

	out := make([]byte, 1)
	require.NoError(t, m.ReadInto(base, out))
	require.Equal(t, byte(0xAA), out[0])
}

func TestFreeDeniesSubsequentWrite(t *testing.T) {
	m := New(64 * 1024)
	base, ok := m.Allocate(16)
	require.True(t, ok)

	require.NoError(t, m.Free(base))

	err := m.WriteFrom(base+4, []byte{1})
	require.Error(t, err)
	require.Equal(t, exitreason.WriteFault, exitKind(t, err))
	require.Equal(t, uint64(base)+4, err.(*exitreason.Fault).Addr)
}

func TestDoubleFreeFails(t *testing.T) {
	m := New(64 * 1024)
	base, ok := m.Allocate(16)
	require.True(t, ok)
	require.NoError(t, m.Free(base))

	err := m.Free(base)
	require.Error(t, err)
	require.Equal(t, exitreason.InvalidFree, exitKind(t, err))
}

func TestInteriorPointerFreeFails(t *testing.T) {
	m := New(64 * 1024)
	base, ok := m.Allocate(32)
	require.True(t, ok)

	err := m.Free(base + 8)
	require.Error(t, err)
	require.Equal(t, exitreason.InvalidFree, exitKind(t, err))
}

func TestForkResetRestoresSnapshot(t *testing.T) {
	golden := New(DirtyBlockSize * 4)
	base, ok := golden.Allocate(16)
	require.True(t, ok)
	require.NoError(t, golden.WriteFrom(base, []byte("golden state")))

	child := golden.Fork()
	require.Equal(t, 0, child.DirtyLen())

	require.NoError(t, child.WriteFrom(base, []byte("mutated!!!!!")))
	require.Greater(t, child.DirtyLen(), 0)

	child.Reset(golden)

	require.Equal(t, 0, child.DirtyLen())
	if diff := cmp.Diff(golden.memory, child.memory); diff != "" {
		t.Fatalf("memory mismatch after reset (-golden +child):\n%s", diff)
	}
	if diff := cmp.Diff(golden.perms, child.perms); diff != "" {
		t.Fatalf("perms mismatch after reset (-golden +child):\n%s", diff)
	}
}

func TestResetOnlyTouchesDirtyBlocks(t *testing.T) {
	golden := New(DirtyBlockSize * 8)
	child := golden.Fork()

	addr := VirtAddr(DirtyBlockSize * 3)
	child.SetPermission(addr, 4, perm.Write)
	require.NoError(t, child.WriteFrom(addr, []byte{1, 2, 3, 4}))
	require.Equal(t, 1, child.DirtyLen())

	child.Reset(golden)
	require.Equal(t, 0, child.DirtyLen())

	out := make([]byte, 4)
	err := child.ReadInto(addr, out)
	require.Error(t, err, "reset must restore original (denied) perms too")
}

func TestRegisterZeroInvariantIsMMUAgnostic(t *testing.T) {
	// Placeholder boundary check: MMU has no register concept; this test
	// documents that invariant 3 is owned by the state package, not MMU.
	t.Skip("register zero invariant is exercised in internal/interp")
}

func TestWriteOOBFails(t *testing.T) {
	m := New(4096)
	err := m.WriteFrom(VirtAddr(4090), make([]byte, 16))
	require.Error(t, err)
	require.Equal(t, exitreason.AddressMiss, exitKind(t, err))
}

func TestAllocationsArePageAlignedAndDisjoint(t *testing.T) {
	m := New(1024 * 1024)
	a, ok := m.Allocate(10)
	require.True(t, ok)
	b, ok := m.Allocate(10)
	require.True(t, ok)

	require.Zero(t, uint64(a)%DirtyBlockSize)
	require.Zero(t, uint64(b)%DirtyBlockSize)
	require.NotEqual(t, a, b)
	require.True(t, uint64(b) >= uint64(a)+DirtyBlockSize)
}
