package main

import (
	"encoding/binary"
)

// ParseDirectory decodes a serialized relocation directory. Every byte of
// data must belong to a block. A trailing no-op entry at offset 0 that makes
// the entry count even is taken as alignment, so Build output round-trips.
func ParseDirectory(data []byte) (*Directory, error) {
	return parseBlocks(data, false)
}

// parseSectionDirectory decodes the directory at the start of a section's raw
// data, which may be followed by zero fill up to the file alignment
func parseSectionDirectory(data []byte) (*Directory, error) {
	return parseBlocks(data, true)
}

func parseBlocks(data []byte, stopAtZero bool) (*Directory, error) {
	dir := &Directory{}
	off := 0
	for off < len(data) {
		if len(data)-off < blockHeaderSize {
			if stopAtZero && allZero(data[off:]) {
				break
			}
			return nil, newRelocError(KindMalformedDirectory,
				"%d trailing bytes at offset 0x%x are too short for a block header", len(data)-off, off)
		}
		page := binary.LittleEndian.Uint32(data[off:])
		size := binary.LittleEndian.Uint32(data[off+4:])
		if size == 0 && stopAtZero {
			break
		}
		if size < blockHeaderSize || size%4 != 0 {
			return nil, newRelocError(KindMalformedDirectory,
				"block at offset 0x%x has SizeOfBlock %d", off, size)
		}
		if uint64(off)+uint64(size) > uint64(len(data)) {
			return nil, newRelocError(KindMalformedDirectory,
				"block at offset 0x%x (size %d) runs past the end of the directory", off, size)
		}
		if page&pageMask != 0 {
			return nil, newRelocError(KindMalformedDirectory,
				"block at offset 0x%x has unaligned page RVA 0x%x", off, page)
		}

		n := int(size-blockHeaderSize) / entrySize
		entries := make([]Entry, n)
		for i := range entries {
			entries[i] = Entry(binary.LittleEndian.Uint16(data[off+blockHeaderSize+i*entrySize:]))
		}
		b := Block{PageRVA: page, Entries: entries}
		if n >= 2 && entries[n-1] == 0 {
			b.Entries = entries[:n-1]
			b.Padded = true
		}
		dir.Blocks = append(dir.Blocks, b)
		off += int(size)
	}
	if len(dir.Blocks) == 0 {
		return nil, newRelocError(KindMalformedDirectory, "no relocation blocks")
	}
	return dir, nil
}

func allZero(b []byte) bool {
	for _, c := range b {
		if c != 0 {
			return false
		}
	}
	return true
}
