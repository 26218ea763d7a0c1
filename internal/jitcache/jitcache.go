// Package jitcache implements the PC -> native-entry table and a
// content-addressed compile dedup: lookups are lock-free for the hot
// path, and the first thread to hash a translation unit installs it while
// others wait for that install to complete.
package jitcache

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"os"
	"path/filepath"
	"sync"

	"github.com/natefinch/atomic"

	"github.com/rv64fuzz/rv64fuzz/internal/logging"
	"github.com/rv64fuzz/rv64fuzz/internal/syscalls"
)

// Entry is an installed translation's native entry point. In this
// repository's pure-Go JIT (see internal/jit and DESIGN.md) the "native
// entry" is a *jit.Block value rather than a machine-code address; the
// cache's job — lock-free lookup, single-producer-per-hash install — is
// identical either way.
type Entry any

// Cache maps a guest PC to an installed Entry, deduplicating compiles that
// hash to the same content across concurrent workers.
type Cache struct {
	byPC sync.Map // uint64 -> Entry

	mu       sync.Mutex
	inflight map[string]*sync.WaitGroup // content hash -> in-progress compile
	byHash   map[string]Entry

	// dir, if non-empty, persists compiled units under a content-addressed
	// filename so repeated runs can share compiled code across processes.
	dir      string
	pageSize int
	log      *logging.Logger
}

// New creates an empty Cache. dir may be empty to disable persistence.
func New(dir string) *Cache {
	return &Cache{
		inflight: make(map[string]*sync.WaitGroup),
		byHash:   make(map[string]Entry),
		dir:      dir,
		pageSize: syscalls.HostPageSize(),
		log:      logging.L,
	}
}

// Lookup returns the installed entry for pc, if any. Safe to call from any
// worker goroutine without coarse locking.
func (c *Cache) Lookup(pc uint64) (Entry, bool) {
	v, ok := c.byPC.Load(pc)
	return v, ok
}

// HashContent computes the content hash used for compile dedup from the raw
// guest bytes of a translation unit plus a layout version, so that a change
// to the guest-state record's field layout invalidates every cached
// translation instead of silently reusing stale compiled code.
func HashContent(layoutVersion uint32, unitBytes []byte) string {
	h := sha256.New()
	h.Write([]byte{byte(layoutVersion), byte(layoutVersion >> 8), byte(layoutVersion >> 16), byte(layoutVersion >> 24)})
	h.Write(unitBytes)
	return hex.EncodeToString(h.Sum(nil))
}

// GetOrCompile installs compile()'s result for pc if no entry exists yet.
// If another goroutine is already compiling a unit with the same content
// hash, this call blocks until that install completes and reuses its
// result instead of compiling twice (single-producer-per-hash semantics).
func (c *Cache) GetOrCompile(pc uint64, contentHash string, compile func() Entry) Entry {
	if e, ok := c.Lookup(pc); ok {
		return e
	}

	c.mu.Lock()
	if e, ok := c.byHash[contentHash]; ok {
		c.mu.Unlock()
		c.byPC.Store(pc, e)
		return e
	}
	if wg, inflight := c.inflight[contentHash]; inflight {
		c.mu.Unlock()
		wg.Wait()
		c.mu.Lock()
		e := c.byHash[contentHash]
		c.mu.Unlock()
		c.byPC.Store(pc, e)
		return e
	}
	wg := &sync.WaitGroup{}
	wg.Add(1)
	c.inflight[contentHash] = wg
	c.mu.Unlock()

	entry := compile()

	c.mu.Lock()
	c.byHash[contentHash] = entry
	delete(c.inflight, contentHash)
	c.mu.Unlock()
	wg.Done()

	c.byPC.Store(pc, entry)
	c.log.Debug("jit compile installed", logging.Addr(pc))
	return entry
}

// PersistRaw writes raw native-code bytes (or, in this implementation, a
// serialized description of the compiled unit) to dir under a
// content-addressed filename, atomically via rename so a killed worker
// never leaves a partially-written file for the next run to load. The
// written file is zero-padded out to a multiple of the host page size, so
// every persisted unit occupies whole pages on disk.
func (c *Cache) PersistRaw(contentHash string, data []byte) error {
	if c.dir == "" {
		return nil
	}
	if err := os.MkdirAll(c.dir, 0o755); err != nil {
		return err
	}
	path := filepath.Join(c.dir, contentHash)
	if _, err := os.Stat(path); err == nil {
		return nil // already persisted by a prior run or peer worker
	}
	return atomic.WriteFile(path, bytes.NewReader(c.padToPage(data)))
}

// padToPage zero-extends data to the next multiple of the cache's page
// size, leaving already page-aligned input untouched.
func (c *Cache) padToPage(data []byte) []byte {
	if c.pageSize <= 0 {
		return data
	}
	rem := len(data) % c.pageSize
	if rem == 0 {
		return data
	}
	padded := make([]byte, len(data)+(c.pageSize-rem))
	copy(padded, data)
	return padded
}
