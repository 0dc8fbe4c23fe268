package main

import (
	"bytes"
	"encoding/binary"

	"github.com/xyproto/basereloc/internal/engine"
)

// loader.go - a model of how UEFI firmware loads a PE image
//
// The model maps headers and sections into a SizeOfImage buffer and applies
// base relocations for the chosen load address, checking the directory the
// way strict firmware does. Used by tests and by the "load" subcommand to
// check produced images without booting them.

// LoaderOptions selects how strict the loader is
type LoaderOptions struct {
	// Strict rejects images whose relocation data directory is absent or
	// has size zero, even when the image is loaded at its preferred base
	Strict bool
	// RequireAscending rejects blocks whose page RVA decreases
	RequireAscending bool
}

// StrictLoader matches the firmware that motivated the always-present
// relocation block
var StrictLoader = LoaderOptions{Strict: true, RequireAscending: true}

// LoadedImage is the mapped and relocated image
type LoadedImage struct {
	Base        uint64
	Delta       int64
	Memory      []byte
	Applied     int // fixups that changed memory
	Skipped     int // no-op entries seen
	BlocksSeen  int
	EntryPoint  uint64
	Relocatable bool
}

// LoadImage maps image at base and applies its base relocations
//
// Confidence that this function is working: 85%
func LoadImage(image []byte, base uint64, opts LoaderOptions) (*LoadedImage, error) {
	pr, err := NewPEReader(bytes.NewReader(image))
	if err != nil {
		return nil, err
	}
	arch := engine.ArchFromMachine(pr.Machine())
	if arch == engine.ArchUnknown {
		return nil, invalidImage("unknown machine type 0x%04x", pr.Machine())
	}
	if pr.SizeOfImage() == 0 || pr.SizeOfHeaders() > pr.SizeOfImage() {
		return nil, invalidImage("SizeOfImage 0x%x / SizeOfHeaders 0x%x", pr.SizeOfImage(), pr.SizeOfHeaders())
	}

	mem := make([]byte, pr.SizeOfImage())
	copy(mem, image[:min(int(pr.SizeOfHeaders()), len(image))])
	for _, s := range pr.Sections() {
		end := uint64(s.VirtualAddress) + uint64(s.VirtualSize)
		if end > uint64(len(mem)) {
			return nil, invalidImage("section %s ends at 0x%x, past SizeOfImage 0x%x", s.GetName(), end, len(mem))
		}
		n := min(s.SizeOfRawData, s.VirtualSize)
		if uint64(s.PointerToRawData)+uint64(n) > uint64(len(image)) {
			return nil, invalidImage("section %s raw data runs past end of file", s.GetName())
		}
		copy(mem[s.VirtualAddress:], image[s.PointerToRawData:s.PointerToRawData+n])
	}

	li := &LoadedImage{
		Base:       base,
		Delta:      int64(base - pr.ImageBase()),
		Memory:     mem,
		EntryPoint: base + uint64(pr.EntryPoint()),
	}

	dd, ok := pr.RelocDirectory()
	if !ok || dd.Size == 0 || dd.VirtualAddress == 0 {
		if opts.Strict {
			return nil, newRelocError(KindMissingRelocDirectory, "relocation data directory is absent or empty")
		}
		if li.Delta != 0 {
			return nil, newRelocError(KindMissingRelocDirectory,
				"image has no relocations and cannot be loaded away from 0x%x", pr.ImageBase())
		}
		return li, nil
	}
	li.Relocatable = true

	if uint64(dd.VirtualAddress)+uint64(dd.Size) > uint64(len(mem)) {
		return nil, newRelocError(KindMalformedDirectory,
			"directory 0x%x+0x%x lies outside the image", dd.VirtualAddress, dd.Size)
	}
	if err := li.applyRelocations(mem[dd.VirtualAddress:dd.VirtualAddress+dd.Size], opts); err != nil {
		return nil, err
	}

	if VerboseMode {
		logf("loaded at 0x%x (delta %d): %d block(s), %d fixups applied, %d no-op entries\n",
			base, li.Delta, li.BlocksSeen, li.Applied, li.Skipped)
	}
	return li, nil
}

// applyRelocations walks the directory bytes the way firmware does: block by
// block until the declared size is used up
func (li *LoadedImage) applyRelocations(dir []byte, opts LoaderOptions) error {
	le := binary.LittleEndian
	mem := li.Memory
	var lastPage uint32
	off := 0
	for off < len(dir) {
		if len(dir)-off < blockHeaderSize {
			return newRelocError(KindMalformedDirectory, "truncated block header at offset 0x%x", off)
		}
		page := le.Uint32(dir[off:])
		size := le.Uint32(dir[off+4:])
		if size < blockHeaderSize || size%4 != 0 || uint64(off)+uint64(size) > uint64(len(dir)) {
			return newRelocError(KindMalformedDirectory, "bad SizeOfBlock %d at offset 0x%x", size, off)
		}
		if opts.RequireAscending && li.BlocksSeen > 0 && page < lastPage {
			return newRelocError(KindMalformedDirectory,
				"page RVA 0x%x follows 0x%x", page, lastPage)
		}
		lastPage = page
		li.BlocksSeen++

		for p := off + blockHeaderSize; p < off+int(size); p += entrySize {
			e := Entry(le.Uint16(dir[p:]))
			if e.Kind() == KindAbsolute {
				li.Skipped++
				continue
			}
			rva := uint64(page) + uint64(e.Offset())
			if rva+uint64(e.Kind().Width()) > uint64(len(mem)) {
				return newRelocError(KindAddressOutOfRange, "fixup at RVA 0x%x lies outside the image", rva)
			}
			if err := li.applyOne(e.Kind(), mem[rva:]); err != nil {
				return err
			}
		}
		off += int(size)
	}
	return nil
}

// applyOne adjusts one location. Nothing moves at delta 0, so every kind is
// accepted there; otherwise only the x86 and generic kinds are modelled.
func (li *LoadedImage) applyOne(kind FixupKind, at []byte) error {
	if li.Delta == 0 {
		return nil
	}
	le := binary.LittleEndian
	delta := uint64(li.Delta)
	switch kind {
	case KindDir64:
		le.PutUint64(at, le.Uint64(at)+delta)
	case KindHighLow:
		le.PutUint32(at, le.Uint32(at)+uint32(delta))
	case KindHigh:
		le.PutUint16(at, le.Uint16(at)+uint16(uint32(delta)>>16))
	case KindLow:
		le.PutUint16(at, le.Uint16(at)+uint16(delta))
	default:
		return newRelocError(KindUnsupportedFixupKind, "the loader model does not apply %s", kind)
	}
	li.Applied++
	return nil
}
