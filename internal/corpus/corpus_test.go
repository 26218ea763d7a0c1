package corpus

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/rv64fuzz/rv64fuzz/internal/exitreason"
)

func TestAddInputDedupsByContent(t *testing.T) {
	dir := t.TempDir()
	c, err := New(dir)
	require.NoError(t, err)

	isNew, err := c.AddInput([]byte("AAAA"))
	require.NoError(t, err)
	require.True(t, isNew)

	isNew, err = c.AddInput([]byte("AAAA"))
	require.NoError(t, err)
	require.False(t, isNew)

	require.Equal(t, 1, c.InputCount())

	entries, err := os.ReadDir(filepath.Join(dir, "inputs"))
	require.NoError(t, err)
	require.Len(t, entries, 1)
}

func TestNoteCrashDedupsByPCKindAndBucket(t *testing.T) {
	c, err := New(t.TempDir())
	require.NoError(t, err)

	exit := exitreason.Exit{Kind: exitreason.WriteFault, ReentryPC: 0x1000, Addr: 0x2000}

	isNew, err := c.NoteCrash(exit, []byte("input-a"))
	require.NoError(t, err)
	require.True(t, isNew)

	// Same PC/kind/bucket, different faulting address within the same
	// bucket and different input bytes: still the same crash signature.
	exit2 := exitreason.Exit{Kind: exitreason.WriteFault, ReentryPC: 0x1000, Addr: 0x2080}
	isNew, err = c.NoteCrash(exit2, []byte("input-b"))
	require.NoError(t, err)
	require.False(t, isNew)

	require.Equal(t, 1, c.CrashCount())
}

func TestNoteCrashDistinguishesAddressBuckets(t *testing.T) {
	c, err := New(t.TempDir())
	require.NoError(t, err)

	normal := exitreason.Exit{Kind: exitreason.ReadFault, ReentryPC: 0x1000, Addr: 0x50000}
	null := exitreason.Exit{Kind: exitreason.ReadFault, ReentryPC: 0x1000, Addr: 0x100}

	_, err = c.NoteCrash(normal, []byte("x"))
	require.NoError(t, err)
	isNew, err := c.NoteCrash(null, []byte("y"))
	require.NoError(t, err)
	require.True(t, isNew)
	require.Equal(t, 2, c.CrashCount())
}

func TestNoteCrashPersistsOneFileNamedFromCrashKey(t *testing.T) {
	dir := t.TempDir()
	c, err := New(dir)
	require.NoError(t, err)

	exit := exitreason.Exit{Kind: exitreason.WriteFault, ReentryPC: 0x1000, Addr: 0x2000}
	key := CrashKey{PC: exit.ReentryPC, Kind: exit.Kind, Bucket: exit.Bucket()}

	_, err = c.NoteCrash(exit, []byte("input-a"))
	require.NoError(t, err)

	wantPath := filepath.Join(dir, "crashes", key.Filename())
	require.FileExists(t, wantPath)
	require.True(t, strings.HasSuffix(wantPath, ".crash"))

	// A second run-like instance hitting the exact same signature must
	// collapse onto the same file rather than writing a second one.
	c2, err := New(dir)
	require.NoError(t, err)
	require.NotEqual(t, c.RunID, c2.RunID)
	_, err = c2.NoteCrash(exit, []byte("input-a-from-another-run"))
	require.NoError(t, err)

	entries, err := os.ReadDir(filepath.Join(dir, "crashes"))
	require.NoError(t, err)
	require.Len(t, entries, 1)
}

func TestInMemoryCorpusSkipsPersistenceWithoutDir(t *testing.T) {
	c, err := New("")
	require.NoError(t, err)

	_, err = c.AddInput([]byte("x"))
	require.NoError(t, err)
	_, err = c.NoteCrash(exitreason.Exit{Kind: exitreason.Ebreak}, []byte("x"))
	require.NoError(t, err)

	require.Len(t, c.Crashes(), 1)
}
