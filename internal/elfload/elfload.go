// Package elfload loads guest executables into an Mmu. It reads real ELF64
// program headers via the standard library's debug/elf rather than relying
// on a hardcoded `readelf -l` listing, and layers an optional JSONC
// manifest of permission overrides on top.
package elfload

import (
	"debug/elf"
	"encoding/json"
	"fmt"
	"os"

	"github.com/tailscale/hujson"

	"github.com/rv64fuzz/rv64fuzz/internal/mmu"
	"github.com/rv64fuzz/rv64fuzz/internal/perm"
)

// Section is one loadable region: file bytes copied to virtAddr, padded
// with zeroes out to memSize, then permission-locked to perms.
type Section struct {
	FileOffset uint64
	VirtAddr   mmu.VirtAddr
	FileSize   uint64
	MemSize    uint64
	Perms      perm.Perm
}

// FromELF derives a Section list from an ELF64 file's PT_LOAD program
// headers, translating ELF segment flags (R/W/X) to perm.Perm bits. Guest
// RAW tracking is not representable in ELF, so every loaded byte starts
// readable immediately; Overrides can punch that back down to RAW for
// sections a manifest specifically flags.
func FromELF(path string) ([]Section, error) {
	f, err := elf.Open(path)
	if err != nil {
		return nil, fmt.Errorf("elfload: open %s: %w", path, err)
	}
	defer f.Close()

	var sections []Section
	for _, prog := range f.Progs {
		if prog.Type != elf.PT_LOAD {
			continue
		}
		sections = append(sections, Section{
			FileOffset: prog.Off,
			VirtAddr:   mmu.VirtAddr(prog.Vaddr),
			FileSize:   prog.Filesz,
			MemSize:    prog.Memsz,
			Perms:      permFromELFFlags(prog.Flags),
		})
	}
	if len(sections) == 0 {
		return nil, fmt.Errorf("elfload: %s has no PT_LOAD segments", path)
	}
	return sections, nil
}

// Entry returns an ELF64 file's program entry point address.
func Entry(path string) (uint64, error) {
	f, err := elf.Open(path)
	if err != nil {
		return 0, fmt.Errorf("elfload: open %s: %w", path, err)
	}
	defer f.Close()
	return f.Entry, nil
}

func permFromELFFlags(flags elf.ProgFlag) perm.Perm {
	var p perm.Perm
	if flags&elf.PF_R != 0 {
		p |= perm.Read
	}
	if flags&elf.PF_W != 0 {
		p |= perm.Write
	}
	if flags&elf.PF_X != 0 {
		p |= perm.Exec
	}
	return p
}

// Override narrows or widens one loaded section's permissions, keyed by its
// virtual address (as hex, e.g. "0x10000"), for cases an ELF's own flags
// don't capture — e.g. marking a .bss-like region RAW so uninitialized
// reads are caught, which ELF has no bit for.
type Override struct {
	VirtAddr string `json:"virt_addr"`
	Perms    string `json:"perms"` // any combination of "r","w","x","u" (u = RAW)
}

// Manifest is the JSONC (hujson) document layered over an ELF's own
// permissions, modeled on calvinalkan-agent-task's config file: comments
// and trailing commas are allowed, then standardized to plain JSON before
// unmarshaling.
type Manifest struct {
	Overrides []Override `json:"overrides"`
}

// LoadManifest reads and parses a JSONC permission-override manifest. A
// missing path is not an error: it returns an empty Manifest, since
// overrides are optional.
func LoadManifest(path string) (Manifest, error) {
	if path == "" {
		return Manifest{}, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Manifest{}, nil
		}
		return Manifest{}, fmt.Errorf("elfload: read manifest %s: %w", path, err)
	}
	standardized, err := hujson.Standardize(data)
	if err != nil {
		return Manifest{}, fmt.Errorf("elfload: invalid JSONC in %s: %w", path, err)
	}
	var m Manifest
	if err := json.Unmarshal(standardized, &m); err != nil {
		return Manifest{}, fmt.Errorf("elfload: invalid manifest JSON in %s: %w", path, err)
	}
	return m, nil
}

// Apply rewrites each Section's Perms for any Override matching its
// VirtAddr, in place, returning the same slice for chaining.
func (m Manifest) Apply(sections []Section) ([]Section, error) {
	byAddr := make(map[mmu.VirtAddr]perm.Perm, len(m.Overrides))
	for _, ov := range m.Overrides {
		var addr uint64
		if _, err := fmt.Sscanf(ov.VirtAddr, "0x%x", &addr); err != nil {
			return nil, fmt.Errorf("elfload: bad override virt_addr %q: %w", ov.VirtAddr, err)
		}
		p, err := parsePermString(ov.Perms)
		if err != nil {
			return nil, fmt.Errorf("elfload: bad override perms %q: %w", ov.Perms, err)
		}
		byAddr[mmu.VirtAddr(addr)] = p
	}
	for i := range sections {
		if p, ok := byAddr[sections[i].VirtAddr]; ok {
			sections[i].Perms = p
		}
	}
	return sections, nil
}

func parsePermString(s string) (perm.Perm, error) {
	var p perm.Perm
	for _, c := range s {
		switch c {
		case 'r':
			p |= perm.Read
		case 'w':
			p |= perm.Write
		case 'x':
			p |= perm.Exec
		case 'u':
			p |= perm.RAW
		default:
			return 0, fmt.Errorf("unrecognized permission character %q", c)
		}
	}
	return p, nil
}

// Load reads file and writes each section's bytes into mem, padding out to
// MemSize with zeroes for the bss-style tail, then locking down to the
// section's final permissions: write-as-WRITE while copying bytes in, then
// demote to the section's real permission bits once the copy is complete.
func Load(mem *mmu.Mmu, filePath string, sections []Section) error {
	contents, err := os.ReadFile(filePath)
	if err != nil {
		return fmt.Errorf("elfload: read %s: %w", filePath, err)
	}

	for _, s := range sections {
		mem.SetPermission(s.VirtAddr, s.MemSize, perm.Write)

		if s.FileOffset+s.FileSize > uint64(len(contents)) {
			return fmt.Errorf("elfload: section at %#x reads past end of %s", s.VirtAddr, filePath)
		}
		data := contents[s.FileOffset : s.FileOffset+s.FileSize]
		if err := mem.WriteFrom(s.VirtAddr, data); err != nil {
			return fmt.Errorf("elfload: writing section at %#x: %w", s.VirtAddr, err)
		}

		if s.MemSize > s.FileSize {
			padding := make([]byte, s.MemSize-s.FileSize)
			padAddr := mmu.VirtAddr(uint64(s.VirtAddr) + s.FileSize)
			if err := mem.WriteFrom(padAddr, padding); err != nil {
				return fmt.Errorf("elfload: padding section at %#x: %w", s.VirtAddr, err)
			}
		}

		mem.SetPermission(s.VirtAddr, s.MemSize, s.Perms)
	}
	return nil
}
