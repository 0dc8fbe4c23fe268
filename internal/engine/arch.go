// Completion: 100% - Architecture table complete
package engine

import (
	"fmt"
	"sort"
	"strings"
)

// Architecture type
type Arch int

const (
	ArchUnknown Arch = iota
	ArchX86_64
	ArchARM64
	ArchRiscv64
	ArchI386
)

func (a Arch) String() string {
	switch a {
	case ArchX86_64:
		return "x86_64"
	case ArchARM64:
		return "aarch64"
	case ArchRiscv64:
		return "riscv64"
	case ArchI386:
		return "i386"
	default:
		return "unknown"
	}
}

// ParseArch parses an architecture string (like GOARCH values)
func ParseArch(s string) (Arch, error) {
	switch strings.ToLower(s) {
	case "x86_64", "amd64", "x86-64", "x64":
		return ArchX86_64, nil
	case "aarch64", "arm64":
		return ArchARM64, nil
	case "riscv64", "riscv", "rv64":
		return ArchRiscv64, nil
	case "i386", "386", "x86", "ia32":
		return ArchI386, nil
	default:
		return ArchUnknown, fmt.Errorf("unsupported architecture: %s (supported: amd64, arm64, riscv64, 386)", s)
	}
}

// PE machine types (IMAGE_FILE_MACHINE_*)
const (
	MachineI386    uint16 = 0x014c
	MachineAMD64   uint16 = 0x8664
	MachineARM64   uint16 = 0xaa64
	MachineRISCV64 uint16 = 0x5064
)

// Machine returns the COFF machine field for the architecture
func (a Arch) Machine() uint16 {
	switch a {
	case ArchX86_64:
		return MachineAMD64
	case ArchARM64:
		return MachineARM64
	case ArchRiscv64:
		return MachineRISCV64
	case ArchI386:
		return MachineI386
	default:
		return 0
	}
}

// ArchFromMachine is the inverse of Machine
func ArchFromMachine(m uint16) Arch {
	switch m {
	case MachineAMD64:
		return ArchX86_64
	case MachineARM64:
		return ArchARM64
	case MachineRISCV64:
		return ArchRiscv64
	case MachineI386:
		return ArchI386
	default:
		return ArchUnknown
	}
}

// Is64Bit reports whether images for this architecture use PE32+
func (a Arch) Is64Bit() bool {
	return a != ArchI386 && a != ArchUnknown
}

// Base relocation type values (IMAGE_REL_BASED_*). Values 5, 7 and 8 mean
// different things depending on the machine.
const (
	RelAbsolute    uint8 = 0
	RelHigh        uint8 = 1
	RelLow         uint8 = 2
	RelHighLow     uint8 = 3
	RelHighAdj     uint8 = 4
	RelARMMov32    uint8 = 5
	RelRISCVHigh20 uint8 = 5
	RelThumbMov32  uint8 = 7
	RelRISCVLow12I uint8 = 7
	RelRISCVLow12S uint8 = 8
	RelDir64       uint8 = 10
)

// relocNames maps the accepted relocation type names per architecture.
// HIGHADJ is left out everywhere since it occupies two entry slots.
var relocNames = map[Arch]map[string]uint8{
	ArchX86_64: {
		"absolute": RelAbsolute,
		"highlow":  RelHighLow,
		"dir64":    RelDir64,
	},
	ArchI386: {
		"absolute": RelAbsolute,
		"high":     RelHigh,
		"low":      RelLow,
		"highlow":  RelHighLow,
	},
	ArchARM64: {
		"absolute": RelAbsolute,
		"highlow":  RelHighLow,
		"dir64":    RelDir64,
	},
	ArchRiscv64: {
		"absolute":     RelAbsolute,
		"highlow":      RelHighLow,
		"dir64":        RelDir64,
		"riscv_high20": RelRISCVHigh20,
		"riscv_low12i": RelRISCVLow12I,
		"riscv_low12s": RelRISCVLow12S,
	},
}

// RelocTypeAllowed reports whether t is a relocation type this
// architecture's loaders understand
func (a Arch) RelocTypeAllowed(t uint8) bool {
	for _, v := range relocNames[a] {
		if v == t {
			return true
		}
	}
	return false
}

// RelocTypeByName looks up a relocation type by its lower-case name
func (a Arch) RelocTypeByName(name string) (uint8, bool) {
	t, ok := relocNames[a][strings.ToLower(name)]
	return t, ok
}

// RelocTypeName returns the name used for t on this architecture
func (a Arch) RelocTypeName(t uint8) string {
	for name, v := range relocNames[a] {
		if v == t {
			return name
		}
	}
	return fmt.Sprintf("type%d", t)
}

// RelocTypeNames returns the sorted list of accepted type names
func (a Arch) RelocTypeNames() []string {
	names := make([]string, 0, len(relocNames[a]))
	for name := range relocNames[a] {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// DefaultRelocType is the kind used for a pointer-sized absolute address
func (a Arch) DefaultRelocType() uint8 {
	if a.Is64Bit() {
		return RelDir64
	}
	return RelHighLow
}
