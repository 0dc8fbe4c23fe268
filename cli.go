// Completion: 100% - All subcommands implemented
package main

import (
	"bytes"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/olekukonko/tablewriter"
	"github.com/xyproto/basereloc/internal/engine"
)

// cli.go - command-line interface for basereloc
//
// Subcommands:
// - basereloc build <fixups.txt>   (write a relocation directory)
// - basereloc describe <dir.bin>   (print the data directory pairing)
// - basereloc image [fixups.txt]   (write a minimal EFI image)
// - basereloc dump <image.efi>     (print an image's relocations)
// - basereloc fixdir <image.efi>   (re-pair slot 5 with .reloc)
// - basereloc load <image.efi>     (run the loader model)
// - basereloc watch <fixups.txt>   (rebuild on change)

// CommandContext holds the execution context for a CLI command
type CommandContext struct {
	Args      []string
	Arch      engine.Arch
	ImageBase uint64 // 0 means the architecture default
	Verbose   bool
	UseColor  bool
	Stdout    io.Writer
}

// RunCLI is the main entry point for the CLI. It determines which command to
// run based on the arguments.
func RunCLI(ctx *CommandContext) error {
	if ctx.Stdout == nil {
		ctx.Stdout = os.Stdout
	}
	args := ctx.Args
	if len(args) == 0 {
		return cmdHelp(ctx)
	}

	switch args[0] {
	case "build":
		return cmdBuild(ctx, args[1:])
	case "describe":
		return cmdDescribe(ctx, args[1:])
	case "image":
		return cmdImage(ctx, args[1:])
	case "dump":
		return cmdDump(ctx, args[1:])
	case "fixdir":
		return cmdFixDir(ctx, args[1:])
	case "load":
		return cmdLoad(ctx, args[1:])
	case "watch":
		return cmdWatch(ctx, args[1:])
	case "help", "--help", "-h":
		return cmdHelp(ctx)
	case "version", "--version", "-V":
		fmt.Fprintln(ctx.Stdout, versionString)
		return nil
	default:
		return fmt.Errorf("unknown command: %s\n\nRun 'basereloc help' for usage information", args[0])
	}
}

func newFlagSet(name string) *flag.FlagSet {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	return fs
}

// parseAddr parses a Go integer literal such as 0x3000
func parseAddr(name, s string, bits int) (uint64, error) {
	v, err := strconv.ParseUint(s, 0, bits)
	if err != nil {
		return 0, fmt.Errorf("invalid -%s value %q: %v", name, s, err)
	}
	return v, nil
}

// cmdBuild builds a relocation directory from a fixup list
// Confidence that this function is working: 90%
func cmdBuild(ctx *CommandContext, args []string) error {
	fs := newFlagSet("build")
	output := fs.String("o", "reloc.bin", "output file for the directory bytes")
	imageSize := fs.String("image-size", "", "reject fixups at or past this RVA")
	at := fs.String("at", "", "RVA where the directory will be placed; prints the data directory entry")
	if err := fs.Parse(args); err != nil {
		return fmt.Errorf("usage: basereloc build [-o out] [-image-size n] [-at rva] <fixups.txt>: %v", err)
	}
	if fs.NArg() != 1 {
		return fmt.Errorf("usage: basereloc build [-o out] [-image-size n] [-at rva] <fixups.txt>")
	}

	fixups, err := readFixupFile(fs.Arg(0), ctx.Arch)
	if err != nil {
		return err
	}

	limit := uint64(0xFFFFFFFF)
	if *imageSize != "" {
		if limit, err = parseAddr("image-size", *imageSize, 32); err != nil {
			return err
		}
	}
	dir, err := BuildChecked(ctx.Arch, uint32(limit), fixups)
	if err != nil {
		var re *RelocError
		if errors.As(err, &re) && re.Context.Source == "" {
			re.Context.Source = fs.Arg(0)
		}
		return err
	}

	if err := writeDirectoryFile(*output, dir); err != nil {
		return err
	}
	fmt.Fprintf(ctx.Stdout, "wrote %s: %d block(s), %d real entries, %s\n",
		*output, len(dir.Blocks), dir.RealEntries(), humanize.Bytes(uint64(dir.Size())))

	if *at != "" {
		placement, err := parseAddr("at", *at, 32)
		if err != nil {
			return err
		}
		dd, err := Describe(dir, uint32(placement))
		if err != nil {
			return err
		}
		printDataDirectory(ctx.Stdout, dd)
	}
	return nil
}

func writeDirectoryFile(path string, dir *Directory) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create %s: %v", path, err)
	}
	if _, err := dir.WriteTo(f); err != nil {
		f.Close()
		return fmt.Errorf("failed to write %s: %v", path, err)
	}
	return f.Close()
}

func printDataDirectory(w io.Writer, dd DataDirectory) {
	fmt.Fprintf(w, "DataDirectory[%d] (BASERELOC): VirtualAddress=0x%08x Size=0x%08x\n",
		dirEntryBaseReloc, dd.VirtualAddress, dd.Size)
}

// cmdDescribe prints the data directory entry for a serialized directory
func cmdDescribe(ctx *CommandContext, args []string) error {
	fs := newFlagSet("describe")
	at := fs.String("at", "", "RVA where the directory will be placed")
	if err := fs.Parse(args); err != nil || fs.NArg() != 1 || *at == "" {
		return fmt.Errorf("usage: basereloc describe -at <rva> <dir.bin>")
	}
	data, err := os.ReadFile(fs.Arg(0))
	if err != nil {
		return fmt.Errorf("failed to read directory: %v", err)
	}
	dir, err := ParseDirectory(data)
	if err != nil {
		return err
	}
	placement, err := parseAddr("at", *at, 32)
	if err != nil {
		return err
	}
	dd, err := Describe(dir, uint32(placement))
	if err != nil {
		return err
	}
	printDataDirectory(ctx.Stdout, dd)
	return nil
}

// cmdImage writes a minimal EFI image. Each fixup in the optional list is
// an offset in .data that receives a pointer to the entry point.
// Confidence that this function is working: 85%
func cmdImage(ctx *CommandContext, args []string) error {
	fs := newFlagSet("image")
	output := fs.String("o", "", "output image (default BOOT<ARCH>.EFI)")
	base := fs.String("base", "", "preferred image base")
	subsystem := fs.String("subsystem", "application", "application, boot-driver or runtime-driver")
	if err := fs.Parse(args); err != nil || fs.NArg() > 1 {
		return fmt.Errorf("usage: basereloc image [-o out.efi] [-base addr] [-subsystem s] [fixups.txt]")
	}

	ib := NewImageBuilder(ctx.Arch)
	if ctx.ImageBase != 0 {
		ib.ImageBase = ctx.ImageBase
	}
	if *base != "" {
		v, err := parseAddr("base", *base, 64)
		if err != nil {
			return err
		}
		ib.ImageBase = v
	}
	switch *subsystem {
	case "application":
		ib.Subsystem = subsystemEFIApplication
	case "boot-driver":
		ib.Subsystem = subsystemEFIBootDriver
	case "runtime-driver":
		ib.Subsystem = subsystemEFIRuntimeDriver
	default:
		return fmt.Errorf("unknown subsystem %q", *subsystem)
	}

	if fs.NArg() == 1 {
		fixups, err := readFixupFile(fs.Arg(0), ctx.Arch)
		if err != nil {
			return err
		}
		for _, f := range fixups {
			if err := ib.AddPointer(f.RVA, f.Kind, SectionText, 0); err != nil {
				return err
			}
		}
	}

	out := *output
	if out == "" {
		out = defaultBootName(ctx.Arch)
	}
	img, err := WriteEFIImage(ib, out)
	if err != nil {
		return err
	}
	fmt.Fprintf(ctx.Stdout, "wrote %s: %s, SizeOfImage=0x%x\n", out, humanize.Bytes(uint64(len(img.Bytes))), img.Layout.ImageSize)
	printDataDirectory(ctx.Stdout, img.RelocDir)
	return nil
}

// defaultBootName returns the removable-media boot file name for arch
func defaultBootName(arch engine.Arch) string {
	switch arch {
	case engine.ArchARM64:
		return "BOOTAA64.EFI"
	case engine.ArchRiscv64:
		return "BOOTRISCV64.EFI"
	case engine.ArchI386:
		return "BOOTIA32.EFI"
	default:
		return "BOOTX64.EFI"
	}
}

// cmdDump prints the relocation data of an image
func cmdDump(ctx *CommandContext, args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("usage: basereloc dump <image.efi>")
	}
	pr, err := OpenPE(args[0])
	if err != nil {
		return err
	}
	defer pr.Close()

	w := ctx.Stdout
	arch := engine.ArchFromMachine(pr.Machine())
	fmt.Fprintf(w, "%s: machine 0x%04x (%s), image base 0x%x, SizeOfImage 0x%x, subsystem %d\n",
		filepath.Base(args[0]), pr.Machine(), arch, pr.ImageBase(), pr.SizeOfImage(), pr.Subsystem())
	table := tablewriter.NewWriter(w)
	table.SetHeader([]string{"#", "Section", "VirtualAddress", "VirtualSize", "SizeOfRawData", "Characteristics"})
	for i, s := range pr.Sections() {
		table.Append([]string{
			strconv.Itoa(i),
			s.GetName(),
			fmt.Sprintf("0x%08x", s.VirtualAddress),
			fmt.Sprintf("0x%x", s.VirtualSize),
			humanize.Bytes(uint64(s.SizeOfRawData)),
			fmt.Sprintf("0x%08x", s.Characteristics),
		})
	}
	table.Render()

	dd, ok := pr.RelocDirectory()
	if !ok {
		fmt.Fprintf(w, "no data directory slot %d\n", dirEntryBaseReloc)
		return nil
	}
	printDataDirectory(w, dd)

	dir, err := pr.BaseRelocations()
	if err != nil {
		return err
	}
	dumpDirectory(w, dir, arch)
	return nil
}

func dumpDirectory(w io.Writer, dir *Directory, arch engine.Arch) {
	if dir.IsDegenerate() {
		fmt.Fprintln(w, "directory holds no fixups (placeholder block)")
	}
	for _, b := range dir.Blocks {
		fmt.Fprintf(w, "block page=0x%08x size=%d entries=%d padded=%v\n",
			b.PageRVA, b.Size(), len(b.Entries), b.Padded)
		for _, e := range b.Entries {
			fmt.Fprintf(w, "  0x%08x %s\n", b.PageRVA+uint32(e.Offset()), arch.RelocTypeName(uint8(e.Kind())))
		}
	}
}

// cmdFixDir re-pairs data directory slot 5 with the .reloc section in place
func cmdFixDir(ctx *CommandContext, args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("usage: basereloc fixdir <image.efi>")
	}
	image, err := os.ReadFile(args[0])
	if err != nil {
		return fmt.Errorf("failed to read image: %v", err)
	}
	dd, err := FixRelocDirectory(image)
	if err != nil {
		return err
	}
	if err := os.WriteFile(args[0], image, 0644); err != nil {
		return fmt.Errorf("failed to write image: %v", err)
	}
	printDataDirectory(ctx.Stdout, dd)
	return nil
}

// cmdLoad runs the loader model against an image
func cmdLoad(ctx *CommandContext, args []string) error {
	fs := newFlagSet("load")
	base := fs.String("base", "", "load address (default: the image's preferred base)")
	lenient := fs.Bool("lenient", false, "accept images without a relocation directory")
	if err := fs.Parse(args); err != nil || fs.NArg() != 1 {
		return fmt.Errorf("usage: basereloc load [-base addr] [-lenient] <image.efi>")
	}
	image, err := os.ReadFile(fs.Arg(0))
	if err != nil {
		return fmt.Errorf("failed to read image: %v", err)
	}

	loadBase := uint64(0)
	if *base != "" {
		if loadBase, err = parseAddr("base", *base, 64); err != nil {
			return err
		}
	} else {
		pr, err := NewPEReader(bytes.NewReader(image))
		if err != nil {
			return err
		}
		loadBase = pr.ImageBase()
	}

	opts := StrictLoader
	if *lenient {
		opts = LoaderOptions{}
	}
	li, err := LoadImage(image, loadBase, opts)
	if err != nil {
		return err
	}
	fmt.Fprintf(ctx.Stdout, "loaded at 0x%x (delta %+d): %d block(s), %d fixups applied, %d no-op entries, entry 0x%x\n",
		li.Base, li.Delta, li.BlocksSeen, li.Applied, li.Skipped, li.EntryPoint)
	return nil
}

// cmdWatch rebuilds the directory every time the fixup list changes
func cmdWatch(ctx *CommandContext, args []string) error {
	fs := newFlagSet("watch")
	output := fs.String("o", "reloc.bin", "output file for the directory bytes")
	if err := fs.Parse(args); err != nil || fs.NArg() != 1 {
		return fmt.Errorf("usage: basereloc watch [-o out] <fixups.txt>")
	}
	input := fs.Arg(0)

	rebuild := func(reason string) {
		fixups, err := readFixupFile(input, ctx.Arch)
		if err == nil {
			var dir *Directory
			if dir, err = BuildChecked(ctx.Arch, 0xFFFFFFFF, fixups); err == nil {
				err = writeDirectoryFile(*output, dir)
				if err == nil {
					fmt.Fprintf(ctx.Stdout, "%s: wrote %s (%s)\n", reason, *output, humanize.Bytes(uint64(dir.Size())))
				}
			}
		}
		if err != nil {
			fmt.Fprint(os.Stderr, formatError(err, ctx.UseColor))
		}
	}
	rebuild("initial build")

	watcher, err := NewFileWatcher(func(path string) {
		rebuild(fmt.Sprintf("%s changed", filepath.Base(path)))
	})
	if err != nil {
		return fmt.Errorf("failed to create file watcher: %v", err)
	}
	defer watcher.Close()

	if err := watcher.AddFile(input); err != nil {
		return fmt.Errorf("failed to watch file: %v", err)
	}
	watcher.Watch()
	return nil
}

// cmdHelp prints usage information
func cmdHelp(ctx *CommandContext) error {
	var sb strings.Builder
	sb.WriteString(versionString)
	sb.WriteString(` - PE/COFF base relocation directories for firmware-loaded images

Usage: basereloc [-arch a] [-v] [-no-color] <command> [arguments]

Commands:
  build [-o out] [-image-size n] [-at rva] <fixups.txt>
                         write a relocation directory for the fixup list
  describe -at <rva> <dir.bin>
                         print the data directory entry for a directory
  image [-o out.efi] [-base addr] [-subsystem s] [fixups.txt]
                         write a minimal EFI image with a .reloc section
  dump <image.efi>       print an image's relocation blocks
  fixdir <image.efi>     point data directory slot 5 at the .reloc section
  load [-base addr] [-lenient] <image.efi>
                         load the image with the firmware loader model
  watch [-o out] <fixups.txt>
                         rebuild the directory whenever the list changes
  help, version

Fixup lists hold one "<rva> [kind]" per line; '#' starts a comment.
An empty list gives the single placeholder block some firmware requires.

Environment: BASERELOC_ARCH, BASERELOC_IMAGE_BASE, BASERELOC_VERBOSE, NO_COLOR
`)
	fmt.Fprint(ctx.Stdout, sb.String())
	return nil
}
