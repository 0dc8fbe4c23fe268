package main

import (
	"bytes"
	"encoding/binary"

	"github.com/xyproto/basereloc/internal/engine"
)

// Describe pairs a directory with the RVA its bytes will occupy. The result
// is what belongs in data directory slot 5. The placement itself comes from
// the link step's layout; this only checks and reports the pairing.
func Describe(dir *Directory, placement uint32) (DataDirectory, error) {
	if !engine.IsAligned(placement, 4) {
		return DataDirectory{}, newRelocError(KindMisalignedDirectory,
			"placement RVA 0x%x is not 4-byte aligned", placement)
	}
	return DataDirectory{VirtualAddress: placement, Size: dir.Size()}, nil
}

// PatchRelocDirectory writes dd into data directory slot 5 of a PE32 or
// PE32+ image held in memory, and clears IMAGE_FILE_RELOCS_STRIPPED.
//
// Confidence that this function is working: 90%
func PatchRelocDirectory(image []byte, dd DataDirectory) error {
	pr, err := NewPEReader(bytes.NewReader(image))
	if err != nil {
		return err
	}
	if pr.NumDataDirectories() <= dirEntryBaseReloc {
		return invalidImage("optional header has %d data directories, slot %d is missing",
			pr.NumDataDirectories(), dirEntryBaseReloc)
	}
	if dd.Size != 0 && !engine.IsAligned(dd.VirtualAddress, 4) {
		return newRelocError(KindMisalignedDirectory,
			"directory RVA 0x%x is not 4-byte aligned", dd.VirtualAddress)
	}

	off := pr.dataDirectoryOffset(dirEntryBaseReloc)
	binary.LittleEndian.PutUint32(image[off:], dd.VirtualAddress)
	binary.LittleEndian.PutUint32(image[off+4:], dd.Size)

	coff := pr.characteristicsOffset()
	chars := binary.LittleEndian.Uint16(image[coff:])
	binary.LittleEndian.PutUint16(image[coff:], chars&^fileRelocsStripped)

	if VerboseMode {
		logf("patched relocation data directory: RVA=0x%x Size=0x%x\n", dd.VirtualAddress, dd.Size)
	}
	return nil
}

// FixRelocDirectory re-pairs data directory slot 5 with the image's .reloc
// section, for images whose layout moved the section after the directory
// entry was written
func FixRelocDirectory(image []byte) (DataDirectory, error) {
	pr, err := NewPEReader(bytes.NewReader(image))
	if err != nil {
		return DataDirectory{}, err
	}
	sec := pr.Section(".reloc")
	if sec == nil {
		return DataDirectory{}, newRelocError(KindMissingRelocDirectory, "image has no .reloc section")
	}
	raw, err := pr.ReadRVA(sec.VirtualAddress, sec.VirtualSize)
	if err != nil {
		return DataDirectory{}, err
	}
	dir, err := parseSectionDirectory(raw)
	if err != nil {
		return DataDirectory{}, err
	}
	dd, err := Describe(dir, sec.VirtualAddress)
	if err != nil {
		return DataDirectory{}, err
	}
	if err := PatchRelocDirectory(image, dd); err != nil {
		return DataDirectory{}, err
	}
	return dd, nil
}
