package main

import (
	"fmt"

	"github.com/spf13/pflag"

	"github.com/rv64fuzz/rv64fuzz/internal/coverage"
	"github.com/rv64fuzz/rv64fuzz/internal/elfload"
	"github.com/rv64fuzz/rv64fuzz/internal/emulator"
	"github.com/rv64fuzz/rv64fuzz/internal/jitcache"
	"github.com/rv64fuzz/rv64fuzz/internal/mmu"
	"github.com/rv64fuzz/rv64fuzz/internal/syscalls"
)

// targetFlags are the flags shared by every subcommand that has to stand up
// a guest: fuzz, replay, and triage (via target loading for disasm context).
type targetFlags struct {
	manifestPath string
	memSize      uint64
	stackSize    uint64
	timeout      uint64
	entry        uint64
	mallocAddr   uint64
	callocAddr   uint64
	reallocAddr  uint64
	freeAddr     uint64
	jitEnabled   bool
	coverageBits uint64
	jitCacheDir  string
}

func addTargetFlags(fs *pflag.FlagSet, f *targetFlags) {
	fs.StringVar(&f.manifestPath, "manifest", "", "JSONC manifest overriding section permissions")
	fs.Uint64Var(&f.memSize, "mem-size", 32*1024*1024, "guest address space size in bytes")
	fs.Uint64Var(&f.stackSize, "stack-size", 32*1024, "guest stack size in bytes")
	fs.Uint64Var(&f.timeout, "timeout", 50_000_000, "retired-instruction timeout per run")
	fs.Uint64Var(&f.entry, "entry", 0, "override the ELF entry point (0 = use the ELF header's own entry)")
	fs.Uint64Var(&f.mallocAddr, "malloc-addr", 0, "address of libc malloc to hook (0 = no hook)")
	fs.Uint64Var(&f.callocAddr, "calloc-addr", 0, "address of libc calloc to hook (0 = no hook)")
	fs.Uint64Var(&f.reallocAddr, "realloc-addr", 0, "address of libc realloc to hook (0 = no hook)")
	fs.Uint64Var(&f.freeAddr, "free-addr", 0, "address of libc free to hook (0 = no hook)")
	fs.BoolVar(&f.jitEnabled, "jit", true, "compile guest code through the JIT lifter instead of pure interpretation")
	fs.Uint64Var(&f.coverageBits, "coverage-bits", 20, "log2 size of the coverage-edge bitmap")
	fs.StringVar(&f.jitCacheDir, "jit-cache-dir", "", "directory to persist compiled JIT units to (empty = in-memory only)")
}

// goldenTarget is a fully loaded, not-yet-run emulator plus the shared
// infrastructure every fork shares: the coverage bitmap and the JIT cache.
type goldenTarget struct {
	Golden *emulator.Emulator
	Cov    *coverage.Bitmap
	Cache  *jitcache.Cache
}

// loadTarget builds the golden emulator: loads the ELF (plus any manifest
// permission overrides), sets up a stack and minimal argv/envp/auxv per the
// RV64 Linux calling convention, installs libc allocator breakpoints, and
// points PC at the program entry.
func loadTarget(binaryPath string, f targetFlags, argv []string) (*goldenTarget, error) {
	sections, err := elfload.FromELF(binaryPath)
	if err != nil {
		return nil, err
	}
	manifest, err := elfload.LoadManifest(f.manifestPath)
	if err != nil {
		return nil, err
	}
	sections, err = manifest.Apply(sections)
	if err != nil {
		return nil, err
	}

	e := emulator.New(f.memSize, f.timeout)
	if err := elfload.Load(e.Guest.Mem, binaryPath, sections); err != nil {
		return nil, err
	}

	entry := f.entry
	if entry == 0 {
		entry, err = elfload.Entry(binaryPath)
		if err != nil {
			return nil, err
		}
	}
	e.Guest.SetPC(entry)

	if err := setupStack(e, f.stackSize, argv); err != nil {
		return nil, err
	}

	if f.mallocAddr != 0 {
		e.AddBreakpoint(f.mallocAddr, syscalls.MallocBreakpoint)
	}
	if f.callocAddr != 0 {
		e.AddBreakpoint(f.callocAddr, syscalls.CallocBreakpoint)
	}
	if f.reallocAddr != 0 {
		e.AddBreakpoint(f.reallocAddr, syscalls.ReallocBreakpoint)
	}
	if f.freeAddr != 0 {
		e.AddBreakpoint(f.freeAddr, syscalls.FreeBreakpoint)
	}

	var cov *coverage.Bitmap
	var cache *jitcache.Cache
	if f.jitEnabled {
		cov = coverage.NewBitmap(1 << f.coverageBits)
		cache = jitcache.New(f.jitCacheDir)
		e.EnableJIT(cache, cov)
	}

	return &goldenTarget{Golden: e, Cov: cov, Cache: cache}, nil
}

// setupStack allocates a stack and pushes argc/argv/envp/auxv, mirroring
// the RV64 Linux process entry layout a freshly exec'd binary expects.
func setupStack(e *emulator.Emulator, stackSize uint64, argv []string) error {
	stackBase, ok := e.Guest.Mem.Allocate(stackSize)
	if !ok {
		return fmt.Errorf("target: failed to allocate %d byte stack", stackSize)
	}
	sp := uint64(stackBase) + stackSize

	argPtrs := make([]uint64, len(argv))
	for i, s := range argv {
		buf := append([]byte(s), 0)
		base, ok := e.Guest.Mem.Allocate(uint64(len(buf)))
		if !ok {
			return fmt.Errorf("target: failed to allocate argv[%d]", i)
		}
		if err := e.Guest.Mem.WriteFrom(base, buf); err != nil {
			return err
		}
		argPtrs[i] = uint64(base)
	}

	push := func(v uint64) error {
		sp -= 8
		return mmu.Write[uint64](e.Guest.Mem, mmu.VirtAddr(sp), v)
	}

	if err := push(0); err != nil { // auxv terminator
		return err
	}
	if err := push(0); err != nil { // envp terminator
		return err
	}
	if err := push(0); err != nil { // argv terminator
		return err
	}
	for i := len(argPtrs) - 1; i >= 0; i-- {
		if err := push(argPtrs[i]); err != nil {
			return err
		}
	}
	if err := push(uint64(len(argv))); err != nil { // argc
		return err
	}

	e.Guest.SetReg(2, sp) // x2 == sp
	return nil
}
