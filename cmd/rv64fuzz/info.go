package main

import (
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/rv64fuzz/rv64fuzz/internal/elfload"
	"github.com/rv64fuzz/rv64fuzz/internal/syscalls"
)

func newInfoCmd() *cobra.Command {
	var manifestPath string

	cmd := &cobra.Command{
		Use:   "info <binary>",
		Short: "Show an ELF target's loadable sections, permissions, and entry point",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runInfo(args[0], manifestPath)
		},
	}
	cmd.Flags().StringVar(&manifestPath, "manifest", "", "JSONC manifest overriding section permissions")
	return cmd
}

func runInfo(binaryPath, manifestPath string) error {
	sections, err := elfload.FromELF(binaryPath)
	if err != nil {
		return fmt.Errorf("info: %w", err)
	}
	manifest, err := elfload.LoadManifest(manifestPath)
	if err != nil {
		return fmt.Errorf("info: %w", err)
	}
	sections, err = manifest.Apply(sections)
	if err != nil {
		return fmt.Errorf("info: %w", err)
	}
	entry, err := elfload.Entry(binaryPath)
	if err != nil {
		return fmt.Errorf("info: %w", err)
	}

	fmt.Printf("Binary: %s\n", filepath.Base(binaryPath))
	fmt.Printf("Entry:  %#x\n", entry)
	fmt.Printf("Host page size: %d\n", syscalls.HostPageSize())
	fmt.Printf("Sections: %d\n\n", len(sections))

	for _, s := range sections {
		fmt.Printf("  %#010x  filesz=%-8d memsz=%-8d perms=%s\n",
			s.VirtAddr, s.FileSize, s.MemSize, s.Perms)
	}
	return nil
}
