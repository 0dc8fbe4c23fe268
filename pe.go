// Completion: 100% - EFI image generation complete
package main

import (
	"bytes"
	"fmt"
	"os"

	"github.com/xyproto/basereloc/internal/engine"
)

// PE (Portable Executable) format constants for EFI images
const (
	// DOS header (stub)
	dosHeaderSize = 64
	dosStubSize   = 128

	// PE headers
	peSignatureSize        = 4
	optionalHeaderSize32   = 224 // PE32
	optionalHeaderSize64   = 240 // PE32+
	numberOfDataDirs       = 16
	defaultEFIImageBase    = 0x10000000
	defaultEFIImageBase386 = 0x00400000
	peSectionAlign         = 0x1000 // 4KB section alignment in memory
	peFileAlign            = 0x200  // 512 byte file alignment
	maxDataSize            = 1 << 24

	// Subsystems
	subsystemEFIApplication   = 10
	subsystemEFIBootDriver    = 11
	subsystemEFIRuntimeDriver = 12

	// COFF characteristics
	fileExecutableImage   = 0x0002
	fileLargeAddressAware = 0x0020
	file32BitMachine      = 0x0100

	// DLL characteristics
	dllDynamicBase = 0x0040
	dllNXCompat    = 0x0100

	// Section characteristics
	scnCntCode        = 0x00000020
	scnCntInitData    = 0x00000040
	scnMemDiscardable = 0x02000000
	scnMemExecute     = 0x20000000
	scnMemRead        = 0x40000000
	scnMemWrite       = 0x80000000
)

// SectionRef names a section a pointer can refer to
type SectionRef int

const (
	SectionText SectionRef = iota
	SectionData
)

type pointerSlot struct {
	dataOff   uint32
	kind      FixupKind
	target    SectionRef
	targetOff uint32
}

// ImageBuilder lays out a minimal EFI image: .text, optional .data, and a
// .reloc section holding the base relocation directory. It plays the part of
// the link step: it places the directory, asks Describe for the data
// directory pairing, and writes that into the optional header.
type ImageBuilder struct {
	Arch      engine.Arch
	ImageBase uint64
	Subsystem uint16

	text     *SafeBuffer
	data     *SafeBuffer
	pointers []pointerSlot
}

// Image is a linked image plus the layout decisions behind it
type Image struct {
	Bytes     []byte
	Layout    Layout
	Directory *Directory
	RelocDir  DataDirectory
}

// Layout records where each section landed
type Layout struct {
	HeadersSize uint32
	TextRVA     uint32
	TextSize    uint32
	DataRVA     uint32
	DataSize    uint32
	RelocRVA    uint32
	RelocSize   uint32
	ImageSize   uint32
}

// NewImageBuilder creates an image builder with the architecture's default
// entry stub, which returns EFI_SUCCESS
func NewImageBuilder(arch engine.Arch) *ImageBuilder {
	ib := &ImageBuilder{
		Arch:      arch,
		ImageBase: defaultEFIImageBase,
		Subsystem: subsystemEFIApplication,
		text:      NewSafeBuffer(".text"),
		data:      NewSafeBuffer(".data"),
	}
	if !arch.Is64Bit() {
		ib.ImageBase = defaultEFIImageBase386
	}
	ib.text.Write(entryStub(arch))
	return ib
}

// entryStub returns code that loads 0 into the return register and returns
func entryStub(arch engine.Arch) []byte {
	switch arch {
	case engine.ArchARM64:
		return []byte{0x00, 0x00, 0x80, 0xD2, 0xC0, 0x03, 0x5F, 0xD6} // mov x0, #0; ret
	case engine.ArchRiscv64:
		return []byte{0x13, 0x05, 0x00, 0x00, 0x67, 0x80, 0x00, 0x00} // li a0, 0; ret
	default:
		return []byte{0x31, 0xC0, 0xC3} // xor eax, eax; ret
	}
}

// SetCode replaces the .text contents
func (ib *ImageBuilder) SetCode(code []byte) {
	ib.text = NewSafeBuffer(".text")
	ib.text.Write(code)
}

// AppendData appends to .data and returns the offset of the first byte
func (ib *ImageBuilder) AppendData(b []byte) uint32 {
	off := uint32(ib.data.Len())
	ib.data.Write(b)
	return off
}

// AddPointer reserves an absolute address at dataOff in .data, pointing at
// targetOff inside target. The address is written at link time, and a fixup
// of the given kind is recorded for it.
func (ib *ImageBuilder) AddPointer(dataOff uint32, kind FixupKind, target SectionRef, targetOff uint32) error {
	if kind != KindDir64 && kind != KindHighLow {
		return &RelocError{
			Kind:    KindUnsupportedFixupKind,
			Message: fmt.Sprintf("%s cannot hold a data pointer", kind),
			Context: ErrorContext{HelpText: "use dir64 or highlow"},
		}
	}
	if !ib.Arch.RelocTypeAllowed(uint8(kind)) {
		return newRelocError(KindUnsupportedFixupKind, "%s is not supported on %s", kind, ib.Arch)
	}
	end := uint64(dataOff) + uint64(kind.Width())
	if end > maxDataSize {
		return newRelocError(KindAddressOutOfRange,
			".data offset 0x%x is past the 0x%x byte limit", dataOff, maxDataSize)
	}
	if need := int(end) - ib.data.Len(); need > 0 {
		ib.data.Write(make([]byte, need))
	}
	ib.pointers = append(ib.pointers, pointerSlot{dataOff: dataOff, kind: kind, target: target, targetOff: targetOff})
	return nil
}

// layout assigns RVAs and file offsets to every section except .reloc's size
func (ib *ImageBuilder) layout(numSections int) Layout {
	var l Layout
	l.HeadersSize = engine.AlignUp(uint32(dosHeaderSize+dosStubSize+peSignatureSize+coffHeaderSize+
		ib.optionalHeaderSize()+numSections*peSectionHeaderSize), peFileAlign)
	l.TextRVA = engine.AlignUp(l.HeadersSize, peSectionAlign)
	l.TextSize = uint32(ib.text.Len())
	next := engine.AlignUp(l.TextRVA+l.TextSize, peSectionAlign)
	if ib.data.Len() > 0 {
		l.DataRVA = next
		l.DataSize = uint32(ib.data.Len())
		next = engine.AlignUp(l.DataRVA+l.DataSize, peSectionAlign)
	}
	l.RelocRVA = next
	return l
}

func (ib *ImageBuilder) optionalHeaderSize() int {
	if ib.Arch.Is64Bit() {
		return optionalHeaderSize64
	}
	return optionalHeaderSize32
}

// Link lays out the sections, fills in pointers, builds the relocation
// directory and writes the complete image
//
// Confidence that this function is working: 90%
func (ib *ImageBuilder) Link() (*Image, error) {
	if ib.Arch.Machine() == 0 {
		return nil, invalidImage("no PE machine type for architecture %s", ib.Arch)
	}
	if ib.text.Len() == 0 {
		return nil, invalidImage(".text is empty")
	}
	if ib.text.IsCommitted() {
		return nil, invalidImage("image was already linked")
	}

	numSections := 2
	if ib.data.Len() > 0 {
		numSections = 3
	}
	l := ib.layout(numSections)

	fixups := make([]Fixup, 0, len(ib.pointers))
	for _, p := range ib.pointers {
		var targetRVA uint32
		switch p.target {
		case SectionText:
			targetRVA = l.TextRVA + p.targetOff
		case SectionData:
			targetRVA = l.DataRVA + p.targetOff
		}
		addr := ib.ImageBase + uint64(targetRVA)
		if p.kind == KindDir64 {
			ib.data.PutUint64At(p.dataOff, addr)
		} else {
			if addr > 0xFFFFFFFF {
				return nil, newRelocError(KindAddressOutOfRange,
					"address 0x%x does not fit a 32-bit HIGHLOW slot", addr)
			}
			ib.data.PutUint32At(p.dataOff, uint32(addr))
		}
		fixups = append(fixups, Fixup{RVA: l.DataRVA + p.dataOff, Kind: p.kind})
	}

	// Fixups must land inside .text or .data, which end at l.RelocRVA
	dir, err := BuildChecked(ib.Arch, l.RelocRVA, fixups)
	if err != nil {
		return nil, err
	}
	dd, err := Describe(dir, l.RelocRVA)
	if err != nil {
		return nil, err
	}
	ib.text.Commit()
	ib.data.Commit()
	l.RelocSize = dd.Size
	l.ImageSize = engine.AlignUp(l.RelocRVA+l.RelocSize, peSectionAlign)

	relocBytes := dir.Bytes()
	if uint32(len(relocBytes)) != dd.Size {
		return nil, newRelocError(KindMalformedDirectory,
			"serialized directory is %d bytes, descriptor says %d", len(relocBytes), dd.Size)
	}

	var buf bytes.Buffer
	ib.writeHeaders(&buf, l, numSections, dd, dir.RealEntries() > 0)

	writeSection := func(content []byte) {
		buf.Write(content)
		raw := engine.AlignUp(uint32(len(content)), peFileAlign)
		buf.Write(make([]byte, int(raw)-len(content)))
	}
	writeSection(ib.text.Bytes())
	if ib.data.Len() > 0 {
		writeSection(ib.data.Bytes())
	}
	writeSection(relocBytes)

	if VerboseMode {
		logf("image: .text RVA=0x%x, .data RVA=0x%x, .reloc RVA=0x%x size=0x%x, SizeOfImage=0x%x\n",
			l.TextRVA, l.DataRVA, l.RelocRVA, l.RelocSize, l.ImageSize)
	}

	return &Image{Bytes: buf.Bytes(), Layout: l, Directory: dir, RelocDir: dd}, nil
}

// writeHeaders emits DOS header, PE signature, COFF header, optional header
// and section table, padded to the file alignment
func (ib *ImageBuilder) writeHeaders(w *bytes.Buffer, l Layout, numSections int, reloc DataDirectory, relocatable bool) {
	// Helper functions to write multi-byte values
	writeU16 := func(v uint16) {
		w.Write([]byte{byte(v), byte(v >> 8)})
	}
	writeU32 := func(v uint32) {
		w.Write([]byte{byte(v), byte(v >> 8), byte(v >> 16), byte(v >> 24)})
	}
	writeU64 := func(v uint64) {
		writeU32(uint32(v))
		writeU32(uint32(v >> 32))
	}
	writeN := func(n int) {
		w.Write(make([]byte, n))
	}
	is64 := ib.Arch.Is64Bit()

	// === DOS Header (64 bytes) ===
	writeU16(dosMagic)
	writeN(peOffsetField - 2)
	writeU32(uint32(dosHeaderSize + dosStubSize))

	// === DOS Stub ===
	stubMsg := []byte("This program requires UEFI.\r\n$")
	w.Write(stubMsg)
	writeN(dosStubSize - len(stubMsg))

	// === PE Signature ===
	writeU32(peSignature)

	// === COFF File Header (20 bytes) ===
	chars := uint16(fileExecutableImage)
	if is64 {
		chars |= fileLargeAddressAware
	} else {
		chars |= file32BitMachine
	}
	writeU16(ib.Arch.Machine())
	writeU16(uint16(numSections))
	writeU32(0) // TimeDateStamp (0 for reproducibility)
	writeU32(0) // Pointer to symbol table
	writeU32(0) // Number of symbols
	writeU16(uint16(ib.optionalHeaderSize()))
	writeU16(chars)

	// === Optional Header ===
	var dataSize uint32
	if l.DataSize > 0 {
		dataSize = engine.AlignUp(l.DataSize, peFileAlign)
	}
	dataSize += engine.AlignUp(l.RelocSize, peFileAlign)
	if is64 {
		writeU16(optMagicPE32Plus)
	} else {
		writeU16(optMagicPE32)
	}
	w.WriteByte(1) // Major linker version
	w.WriteByte(0) // Minor linker version
	writeU32(engine.AlignUp(l.TextSize, peFileAlign))
	writeU32(dataSize)
	writeU32(0)         // Size of uninitialized data
	writeU32(l.TextRVA) // Entry point
	writeU32(l.TextRVA) // Base of code
	if is64 {
		writeU64(ib.ImageBase)
	} else {
		writeU32(l.DataRVA) // Base of data
		writeU32(uint32(ib.ImageBase))
	}
	writeU32(peSectionAlign)
	writeU32(peFileAlign)
	writeU16(0) // Major OS version
	writeU16(0) // Minor OS version
	writeU16(0) // Major image version
	writeU16(0) // Minor image version
	writeU16(0) // Major subsystem version
	writeU16(0) // Minor subsystem version
	writeU32(0) // Win32 version value (reserved)
	writeU32(l.ImageSize)
	writeU32(l.HeadersSize)
	writeU32(0) // Checksum
	writeU16(ib.Subsystem)
	dllChars := uint16(dllNXCompat)
	if relocatable {
		dllChars |= dllDynamicBase
	}
	writeU16(dllChars)
	if is64 {
		writeU64(0x100000) // Size of stack reserve
		writeU64(0x1000)   // Size of stack commit
		writeU64(0x100000) // Size of heap reserve
		writeU64(0x1000)   // Size of heap commit
	} else {
		writeU32(0x100000)
		writeU32(0x1000)
		writeU32(0x100000)
		writeU32(0x1000)
	}
	writeU32(0) // Loader flags
	writeU32(numberOfDataDirs)

	for i := 0; i < numberOfDataDirs; i++ {
		if i == dirEntryBaseReloc {
			writeU32(reloc.VirtualAddress)
			writeU32(reloc.Size)
		} else {
			writeU64(0)
		}
	}

	// === Section table ===
	rawOff := l.HeadersSize
	writeSectionHeader := func(name string, vsize, rva uint32, characteristics uint32) {
		raw := engine.AlignUp(vsize, peFileAlign)
		nameBytes := []byte(name)
		w.Write(nameBytes)
		writeN(8 - len(nameBytes))
		writeU32(vsize)
		writeU32(rva)
		writeU32(raw)
		writeU32(rawOff)
		writeU32(0) // Pointer to relocations
		writeU32(0) // Pointer to line numbers
		writeU16(0) // Number of relocations
		writeU16(0) // Number of line numbers
		writeU32(characteristics)
		rawOff += raw
	}
	writeSectionHeader(".text", l.TextSize, l.TextRVA, scnCntCode|scnMemExecute|scnMemRead)
	if l.DataSize > 0 {
		writeSectionHeader(".data", l.DataSize, l.DataRVA, scnCntInitData|scnMemRead|scnMemWrite)
	}
	writeSectionHeader(".reloc", l.RelocSize, l.RelocRVA, scnCntInitData|scnMemRead|scnMemDiscardable)

	if pad := int(l.HeadersSize) - w.Len(); pad > 0 {
		writeN(pad)
	}
}

// WriteEFIImage links the image and writes it to outputPath
func WriteEFIImage(ib *ImageBuilder, outputPath string) (*Image, error) {
	img, err := ib.Link()
	if err != nil {
		return nil, err
	}
	if err := os.WriteFile(outputPath, img.Bytes, 0644); err != nil {
		return nil, fmt.Errorf("failed to write EFI image: %v", err)
	}
	return img, nil
}
