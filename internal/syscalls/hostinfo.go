package syscalls

import "golang.org/x/sys/unix"

// HostPageSize reports the host's memory page size. It has nothing to do
// with guest syscall emulation — the guest never sees a real brk/mmap — but
// lives here because it is the one place this codebase asks the real OS a
// question instead of the emulated one. Used by the JIT cache to
// page-align persisted translation files and by the driver's info output.
func HostPageSize() int {
	return unix.Getpagesize()
}
