package elfload

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/rv64fuzz/rv64fuzz/internal/mmu"
	"github.com/rv64fuzz/rv64fuzz/internal/perm"
)

func TestLoadWritesBytesAndPadsAndLocksPermissions(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "payload.bin")
	require.NoError(t, os.WriteFile(path, []byte{0x11, 0x22, 0x33}, 0o644))

	mem := mmu.New(1024 * 1024)
	sections := []Section{
		{FileOffset: 0, VirtAddr: 0x10000, FileSize: 3, MemSize: 8, Perms: perm.Read | perm.Write},
	}

	require.NoError(t, Load(mem, path, sections))

	buf := make([]byte, 8)
	require.NoError(t, mem.ReadInto(0x10000, buf))
	require.Equal(t, []byte{0x11, 0x22, 0x33, 0, 0, 0, 0, 0}, buf)

	// Final permissions must match the section definition (no EXEC), not
	// the transient WRITE used while copying bytes in.
	require.False(t, mem.PermAt(0x10000).Has(perm.Exec))
	require.True(t, mem.PermAt(0x10000).Has(perm.Write))
}

func TestLoadRejectsSectionPastEndOfFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "payload.bin")
	require.NoError(t, os.WriteFile(path, []byte{0x01}, 0o644))

	mem := mmu.New(1024 * 1024)
	sections := []Section{{FileOffset: 0, VirtAddr: 0x10000, FileSize: 16, MemSize: 16, Perms: perm.Read}}

	require.Error(t, Load(mem, path, sections))
}

func TestManifestLoadMissingPathIsEmpty(t *testing.T) {
	m, err := LoadManifest("")
	require.NoError(t, err)
	require.Empty(t, m.Overrides)

	m, err = LoadManifest(filepath.Join(t.TempDir(), "does-not-exist.jsonc"))
	require.NoError(t, err)
	require.Empty(t, m.Overrides)
}

func TestManifestParsesJSONCWithCommentsAndAppliesOverride(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "manifest.jsonc")
	content := `{
  // mark the bss-like tail as RAW so uninitialized reads fault
  "overrides": [
    {"virt_addr": "0x14728", "perms": "rwu"},
  ]
}`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	m, err := LoadManifest(path)
	require.NoError(t, err)
	require.Len(t, m.Overrides, 1)

	sections := []Section{{VirtAddr: 0x14728, Perms: perm.Read | perm.Write}}
	sections, err = m.Apply(sections)
	require.NoError(t, err)
	require.True(t, sections[0].Perms.Has(perm.RAW))
}

func TestParsePermStringRejectsUnknownChar(t *testing.T) {
	_, err := parsePermString("rwz")
	require.Error(t, err)
}
