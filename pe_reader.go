// Completion: 100% - PE32/PE32+ reader complete
package main

import (
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"strings"
)

// PE header constants shared by the reader, the writer and the patcher
const (
	dosMagic            = 0x5A4D     // "MZ"
	peSignature         = 0x00004550 // "PE\0\0"
	peOffsetField       = 0x3C
	coffHeaderSize      = 20
	peSectionHeaderSize = 40
	optMagicPE32        = 0x010B
	optMagicPE32Plus    = 0x020B

	// Offsets of NumberOfRvaAndSizes inside the optional header; the data
	// directories follow it directly
	numRvaOffsetPE32     = 92
	numRvaOffsetPE32Plus = 108

	dirEntryBaseReloc = 5 // IMAGE_DIRECTORY_ENTRY_BASERELOC

	fileRelocsStripped = 0x0001 // IMAGE_FILE_RELOCS_STRIPPED
)

// PEReader parses the headers of a PE32 or PE32+ image
type PEReader struct {
	r        io.ReaderAt
	closer   io.Closer
	dosHdr   DOSHeader
	peOffset uint32
	coffHdr  COFFHeader
	opt      optionalHeaderInfo
	sections []SectionHeader
}

// DOSHeader represents the DOS header at the beginning of a PE file
type DOSHeader struct {
	Magic    uint16 // "MZ"
	PEOffset uint32 // Offset to PE header
}

// COFFHeader represents the COFF file header
type COFFHeader struct {
	Machine              uint16
	NumberOfSections     uint16
	TimeDateStamp        uint32
	PointerToSymbolTable uint32
	NumberOfSymbols      uint32
	SizeOfOptionalHeader uint16
	Characteristics      uint16
}

// DataDirectory represents a data directory entry
type DataDirectory struct {
	VirtualAddress uint32
	Size           uint32
}

// SectionHeader represents a PE section header
type SectionHeader struct {
	Name                 [8]byte
	VirtualSize          uint32
	VirtualAddress       uint32
	SizeOfRawData        uint32
	PointerToRawData     uint32
	PointerToRelocations uint32
	PointerToLinenumbers uint32
	NumberOfRelocations  uint16
	NumberOfLinenumbers  uint16
	Characteristics      uint32
}

// optionalHeaderInfo holds the optional header fields this tool needs, for
// both PE32 and PE32+
type optionalHeaderInfo struct {
	Magic            uint16
	EntryPoint       uint32
	ImageBase        uint64
	SectionAlignment uint32
	FileAlignment    uint32
	SizeOfImage      uint32
	SizeOfHeaders    uint32
	Subsystem        uint16
	DataDirectory    []DataDirectory
}

// OpenPE opens a PE file for reading
func OpenPE(filepath string) (*PEReader, error) {
	file, err := os.Open(filepath)
	if err != nil {
		return nil, fmt.Errorf("failed to open PE file: %v", err)
	}
	pr, err := NewPEReader(file)
	if err != nil {
		file.Close()
		return nil, err
	}
	pr.closer = file
	return pr, nil
}

// NewPEReader parses the headers available through r
func NewPEReader(r io.ReaderAt) (*PEReader, error) {
	pr := &PEReader{r: r}

	if err := pr.readDOSHeader(); err != nil {
		return nil, err
	}
	if err := pr.readPEHeaders(); err != nil {
		return nil, err
	}
	if err := pr.readSections(); err != nil {
		return nil, err
	}
	return pr, nil
}

// Close closes the PE file, if the reader owns one
func (pr *PEReader) Close() error {
	if pr.closer == nil {
		return nil
	}
	return pr.closer.Close()
}

func (pr *PEReader) readDOSHeader() error {
	var hdr [peOffsetField + 4]byte
	if _, err := pr.r.ReadAt(hdr[:], 0); err != nil {
		return invalidImage("failed to read DOS header: %v", err)
	}

	magic := binary.LittleEndian.Uint16(hdr[0:])
	if magic != dosMagic {
		return invalidImage("invalid DOS magic: 0x%04x (expected 0x5A4D)", magic)
	}

	pr.dosHdr.Magic = magic
	pr.dosHdr.PEOffset = binary.LittleEndian.Uint32(hdr[peOffsetField:])
	pr.peOffset = pr.dosHdr.PEOffset
	return nil
}

// readPEHeaders reads the PE signature, COFF header, and optional header
func (pr *PEReader) readPEHeaders() error {
	sr := io.NewSectionReader(pr.r, int64(pr.peOffset), 1<<20)

	var peSig uint32
	if err := binary.Read(sr, binary.LittleEndian, &peSig); err != nil {
		return invalidImage("failed to read PE signature: %v", err)
	}
	if peSig != peSignature {
		return invalidImage("invalid PE signature: 0x%08x", peSig)
	}

	if err := binary.Read(sr, binary.LittleEndian, &pr.coffHdr); err != nil {
		return invalidImage("failed to read COFF header: %v", err)
	}
	if pr.coffHdr.SizeOfOptionalHeader == 0 {
		return invalidImage("image has no optional header")
	}

	opt := make([]byte, pr.coffHdr.SizeOfOptionalHeader)
	if _, err := io.ReadFull(sr, opt); err != nil {
		return invalidImage("failed to read optional header: %v", err)
	}
	return pr.decodeOptionalHeader(opt)
}

func (pr *PEReader) decodeOptionalHeader(opt []byte) error {
	le := binary.LittleEndian
	if len(opt) < 2 {
		return invalidImage("optional header too short")
	}
	o := &pr.opt
	o.Magic = le.Uint16(opt)

	var numOff int
	switch o.Magic {
	case optMagicPE32Plus:
		numOff = numRvaOffsetPE32Plus
	case optMagicPE32:
		numOff = numRvaOffsetPE32
	default:
		return invalidImage("unknown optional header magic: 0x%04x", o.Magic)
	}
	if len(opt) < numOff+4 {
		return invalidImage("optional header too short: %d bytes", len(opt))
	}

	o.EntryPoint = le.Uint32(opt[16:])
	if o.Magic == optMagicPE32Plus {
		o.ImageBase = le.Uint64(opt[24:])
	} else {
		o.ImageBase = uint64(le.Uint32(opt[28:]))
	}
	o.SectionAlignment = le.Uint32(opt[32:])
	o.FileAlignment = le.Uint32(opt[36:])
	o.SizeOfImage = le.Uint32(opt[56:])
	o.SizeOfHeaders = le.Uint32(opt[60:])
	o.Subsystem = le.Uint16(opt[68:])

	n := int(le.Uint32(opt[numOff:]))
	avail := (len(opt) - numOff - 4) / 8
	if n > avail {
		return invalidImage("optional header declares %d data directories but has room for %d", n, avail)
	}
	o.DataDirectory = make([]DataDirectory, n)
	for i := range o.DataDirectory {
		base := numOff + 4 + i*8
		o.DataDirectory[i] = DataDirectory{
			VirtualAddress: le.Uint32(opt[base:]),
			Size:           le.Uint32(opt[base+4:]),
		}
	}
	return nil
}

// readSections reads the section headers
func (pr *PEReader) readSections() error {
	// Section headers immediately follow the optional header
	offset := int64(pr.peOffset) + 4 + coffHeaderSize + int64(pr.coffHdr.SizeOfOptionalHeader)
	sr := io.NewSectionReader(pr.r, offset, int64(pr.coffHdr.NumberOfSections)*peSectionHeaderSize)

	pr.sections = make([]SectionHeader, pr.coffHdr.NumberOfSections)
	for i := range pr.sections {
		if err := binary.Read(sr, binary.LittleEndian, &pr.sections[i]); err != nil {
			return invalidImage("failed to read section %d: %v", i, err)
		}
	}
	return nil
}

// Machine returns the COFF machine field
func (pr *PEReader) Machine() uint16 { return pr.coffHdr.Machine }

// Is64 reports whether the image is PE32+
func (pr *PEReader) Is64() bool { return pr.opt.Magic == optMagicPE32Plus }

// ImageBase returns the preferred load address
func (pr *PEReader) ImageBase() uint64 { return pr.opt.ImageBase }

// SizeOfImage returns the mapped size of the image
func (pr *PEReader) SizeOfImage() uint32 { return pr.opt.SizeOfImage }

// SizeOfHeaders returns the size of the headers rounded to file alignment
func (pr *PEReader) SizeOfHeaders() uint32 { return pr.opt.SizeOfHeaders }

// EntryPoint returns the entry point RVA
func (pr *PEReader) EntryPoint() uint32 { return pr.opt.EntryPoint }

// Subsystem returns the optional header subsystem value
func (pr *PEReader) Subsystem() uint16 { return pr.opt.Subsystem }

// Characteristics returns the COFF characteristics flags
func (pr *PEReader) Characteristics() uint16 { return pr.coffHdr.Characteristics }

// Sections returns the section headers in file order
func (pr *PEReader) Sections() []SectionHeader { return pr.sections }

// NumDataDirectories returns NumberOfRvaAndSizes
func (pr *PEReader) NumDataDirectories() int { return len(pr.opt.DataDirectory) }

// RelocDirectory returns data directory slot 5. ok is false when the optional
// header is too short to hold it.
func (pr *PEReader) RelocDirectory() (dd DataDirectory, ok bool) {
	if len(pr.opt.DataDirectory) <= dirEntryBaseReloc {
		return DataDirectory{}, false
	}
	return pr.opt.DataDirectory[dirEntryBaseReloc], true
}

// dataDirectoryOffset is the file offset of data directory slot i
func (pr *PEReader) dataDirectoryOffset(i int) int64 {
	numOff := numRvaOffsetPE32
	if pr.Is64() {
		numOff = numRvaOffsetPE32Plus
	}
	return int64(pr.peOffset) + 4 + coffHeaderSize + int64(numOff) + 4 + int64(i)*8
}

// characteristicsOffset is the file offset of the COFF Characteristics field
func (pr *PEReader) characteristicsOffset() int64 {
	return int64(pr.peOffset) + 4 + 18
}

// Section returns the first section with the given name, or nil
func (pr *PEReader) Section(name string) *SectionHeader {
	for i := range pr.sections {
		if pr.sections[i].GetName() == name {
			return &pr.sections[i]
		}
	}
	return nil
}

// ReadRVA reads n bytes of mapped image content starting at rva. Bytes past a
// section's raw data but inside its virtual size read as zero.
func (pr *PEReader) ReadRVA(rva, n uint32) ([]byte, error) {
	section := pr.rvaToSection(rva)
	if section == nil {
		return nil, invalidImage("RVA 0x%x not found in any section", rva)
	}
	if uint64(rva)+uint64(n) > uint64(section.VirtualAddress)+uint64(section.VirtualSize) {
		return nil, invalidImage("range 0x%x+0x%x crosses the end of section %s", rva, n, section.GetName())
	}
	out := make([]byte, n)
	rel := rva - section.VirtualAddress
	if rel < section.SizeOfRawData {
		avail := min(n, section.SizeOfRawData-rel)
		if _, err := pr.r.ReadAt(out[:avail], int64(section.PointerToRawData)+int64(rel)); err != nil {
			return nil, invalidImage("failed to read RVA 0x%x: %v", rva, err)
		}
	}
	return out, nil
}

// BaseRelocations parses the directory referenced by data directory slot 5
func (pr *PEReader) BaseRelocations() (*Directory, error) {
	dd, ok := pr.RelocDirectory()
	if !ok || dd.VirtualAddress == 0 || dd.Size == 0 {
		return nil, newRelocError(KindMissingRelocDirectory, "data directory slot %d is empty", dirEntryBaseReloc)
	}
	data, err := pr.ReadRVA(dd.VirtualAddress, dd.Size)
	if err != nil {
		return nil, err
	}
	return ParseDirectory(data)
}

// rvaToSection finds the section containing the given RVA
func (pr *PEReader) rvaToSection(rva uint32) *SectionHeader {
	for i := range pr.sections {
		section := &pr.sections[i]
		if rva >= section.VirtualAddress && rva < section.VirtualAddress+section.VirtualSize {
			return section
		}
	}
	return nil
}

// GetName returns the name of a section
func (sh *SectionHeader) GetName() string {
	// Section names are 8 bytes, null-terminated or space-padded
	name := string(sh.Name[:])
	if idx := strings.IndexByte(name, 0); idx != -1 {
		name = name[:idx]
	}
	return strings.TrimSpace(name)
}

func invalidImage(format string, args ...any) error {
	return newRelocError(KindInvalidImage, format, args...)
}
