package main

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/xyproto/basereloc/internal/engine"
)

// fixup_list.go - reading fixups from the text files the CLI accepts
//
// One fixup per line: an RVA in Go integer syntax, optionally followed by a
// kind name. '#' starts a comment.
//
//	0x1010 dir64
//	0x1018          # kind defaults to the pointer-sized type
//	0x2000 absolute

// ParseFixupList reads fixups for arch from r. Names are matched without
// regard to case; unknown names come back as UnsupportedFixupKind errors
// with a suggestion.
func ParseFixupList(r io.Reader, arch engine.Arch, source string) ([]Fixup, error) {
	var fixups []Fixup
	scanner := bufio.NewScanner(r)
	lineNum := 0
	for scanner.Scan() {
		lineNum++
		line := scanner.Text()
		if idx := strings.IndexByte(line, '#'); idx != -1 {
			line = line[:idx]
		}
		fields := strings.Fields(line)
		if len(fields) == 0 {
			continue
		}
		where := fmt.Sprintf("%s:%d", source, lineNum)
		if len(fields) > 2 {
			return nil, fmt.Errorf("%s: expected \"<rva> [kind]\", got %d fields", where, len(fields))
		}

		rva, err := strconv.ParseUint(fields[0], 0, 32)
		if err != nil {
			return nil, &RelocError{
				Kind:    KindAddressOutOfRange,
				Message: fmt.Sprintf("invalid RVA %q", fields[0]),
				Context: ErrorContext{Source: where, HelpText: "RVAs are 32-bit values such as 0x1010"},
			}
		}

		kind := FixupKind(arch.DefaultRelocType())
		if len(fields) == 2 {
			k, ok := arch.RelocTypeByName(fields[1])
			if !ok {
				re := &RelocError{
					Kind:    KindUnsupportedFixupKind,
					Message: fmt.Sprintf("%q is not a %s relocation type", fields[1], arch),
					Context: ErrorContext{Source: where, HelpText: "supported: " + strings.Join(arch.RelocTypeNames(), ", ")},
				}
				if similar := engine.FindSimilar(strings.ToLower(fields[1]), arch.RelocTypeNames(), 1); len(similar) > 0 {
					re.Context.Suggestion = fmt.Sprintf("did you mean '%s'?", similar[0])
				}
				return nil, re
			}
			kind = FixupKind(k)
		}
		fixups = append(fixups, Fixup{RVA: uint32(rva), Kind: kind})
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read %s: %v", source, err)
	}
	return fixups, nil
}

// readFixupFile reads a fixup list from path, or from stdin when path is "-"
func readFixupFile(path string, arch engine.Arch) ([]Fixup, error) {
	if path == "-" {
		return ParseFixupList(os.Stdin, arch, "<stdin>")
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open fixup list: %v", err)
	}
	defer f.Close()
	return ParseFixupList(f, arch, path)
}
