package main

import (
	"bytes"
	"errors"
	"math/rand"
	"testing"

	"github.com/xyproto/basereloc/internal/engine"
)

// TestBuildEmptyGivesPlaceholderBlock tests that an image without fixups still
// gets one block, since strict firmware rejects an empty data directory
func TestBuildEmptyGivesPlaceholderBlock(t *testing.T) {
	for _, fixups := range [][]Fixup{nil, {}} {
		dir := Build(fixups)
		if len(dir.Blocks) != 1 {
			t.Fatalf("Expected 1 block, got %d", len(dir.Blocks))
		}
		b := dir.Blocks[0]
		if b.PageRVA != 0 {
			t.Errorf("Expected page RVA 0, got 0x%x", b.PageRVA)
		}
		if len(b.Entries) != 1 || b.Entries[0] != 0 {
			t.Errorf("Expected a single no-op entry, got %v", b.Entries)
		}
		if dir.Size() == 0 || dir.Size()%4 != 0 {
			t.Errorf("Directory size %d is not a positive multiple of 4", dir.Size())
		}
		if !dir.IsDegenerate() {
			t.Error("Expected IsDegenerate to be true")
		}
		want := []byte{0, 0, 0, 0, 12, 0, 0, 0, 0, 0, 0, 0}
		if got := dir.Bytes(); !bytes.Equal(got, want) {
			t.Errorf("Bytes mismatch:\n got %x\nwant %x", got, want)
		}
	}
}

// TestBuildSingleFixup tests the bytes for one DIR64 fixup at 0x1010
func TestBuildSingleFixup(t *testing.T) {
	dir := Build([]Fixup{{RVA: 0x1010, Kind: KindDir64}})
	if len(dir.Blocks) != 1 {
		t.Fatalf("Expected 1 block, got %d", len(dir.Blocks))
	}
	b := dir.Blocks[0]
	if b.PageRVA != 0x1000 {
		t.Errorf("Expected page 0x1000, got 0x%x", b.PageRVA)
	}
	if len(b.Entries) != 1 || b.Entries[0] != 0xA010 {
		t.Errorf("Expected entry 0xA010, got %v", b.Entries)
	}
	if !b.Padded {
		t.Error("Expected an alignment entry after an odd entry count")
	}
	if b.Size() != 12 {
		t.Errorf("Expected SizeOfBlock 12, got %d", b.Size())
	}
	want := []byte{0x00, 0x10, 0x00, 0x00, 0x0C, 0x00, 0x00, 0x00, 0x10, 0xA0, 0x00, 0x00}
	if got := dir.Bytes(); !bytes.Equal(got, want) {
		t.Errorf("Bytes mismatch:\n got %x\nwant %x", got, want)
	}
	if dir.IsDegenerate() {
		t.Error("A directory with a real fixup is not degenerate")
	}
}

func TestBuildSamePageOrdering(t *testing.T) {
	dir := Build([]Fixup{
		{RVA: 0x1020, Kind: KindDir64},
		{RVA: 0x1008, Kind: KindDir64},
		{RVA: 0x1010, Kind: KindDir64},
	})
	if len(dir.Blocks) != 1 {
		t.Fatalf("Expected 1 block, got %d", len(dir.Blocks))
	}
	var offsets []uint16
	for _, e := range dir.Blocks[0].Entries {
		offsets = append(offsets, e.Offset())
	}
	want := []uint16{0x008, 0x010, 0x020}
	if len(offsets) != len(want) {
		t.Fatalf("Expected %d entries, got %d", len(want), len(offsets))
	}
	for i := range want {
		if offsets[i] != want[i] {
			t.Errorf("Entry %d: expected offset 0x%x, got 0x%x", i, want[i], offsets[i])
		}
	}
	if got := dir.Blocks[0].Size(); got != 16 {
		t.Errorf("Expected SizeOfBlock 16 (three entries plus alignment), got %d", got)
	}
}

func TestBuildDifferentPages(t *testing.T) {
	dir := Build([]Fixup{
		{RVA: 0x3000, Kind: KindDir64},
		{RVA: 0x1000, Kind: KindDir64},
	})
	if len(dir.Blocks) != 2 {
		t.Fatalf("Expected 2 blocks, got %d", len(dir.Blocks))
	}
	if dir.Blocks[0].PageRVA != 0x1000 || dir.Blocks[1].PageRVA != 0x3000 {
		t.Errorf("Expected pages 0x1000, 0x3000; got 0x%x, 0x%x", dir.Blocks[0].PageRVA, dir.Blocks[1].PageRVA)
	}
	for i, b := range dir.Blocks {
		if b.Size() != 12 {
			t.Errorf("Block %d: expected size 12, got %d", i, b.Size())
		}
	}
}

func TestBuildDeduplicates(t *testing.T) {
	once := Build([]Fixup{{RVA: 0x2040, Kind: KindHighLow}})
	twice := Build([]Fixup{{RVA: 0x2040, Kind: KindHighLow}, {RVA: 0x2040, Kind: KindHighLow}})
	if !bytes.Equal(once.Bytes(), twice.Bytes()) {
		t.Errorf("Duplicate fixup changed the output:\n once  %x\n twice %x", once.Bytes(), twice.Bytes())
	}
}

func TestBuildDropsNoOpSharingOffset(t *testing.T) {
	dir := Build([]Fixup{{RVA: 0x1004, Kind: KindHighLow}, {RVA: 0x1004, Kind: KindAbsolute}})
	entries := dir.Blocks[0].Entries
	if len(entries) != 1 || entries[0] != NewEntry(KindHighLow, 4) {
		t.Fatalf("Expected only the HIGHLOW entry, got %v", entries)
	}
	if !dir.Blocks[0].Padded || dir.Size() != 12 {
		t.Errorf("Expected a padded 12-byte block, got padded=%v size=%d", dir.Blocks[0].Padded, dir.Size())
	}
}

// TestBuildSingleNoOpFixup tests an ABSOLUTE fixup at 0x1010: a real block
// with no adjustments, whose trailing alignment entry must survive parsing
func TestBuildSingleNoOpFixup(t *testing.T) {
	dir := Build([]Fixup{{RVA: 0x1010, Kind: KindAbsolute}})
	if len(dir.Blocks) != 1 {
		t.Fatalf("Expected 1 block, got %d", len(dir.Blocks))
	}
	b := dir.Blocks[0]
	if b.PageRVA != 0x1000 || len(b.Entries) != 1 || b.Entries[0] != 0x0010 || !b.Padded {
		t.Errorf("Unexpected block %+v", b)
	}
	if b.Size() != 12 {
		t.Errorf("Expected SizeOfBlock 12, got %d", b.Size())
	}
	if dir.RealEntries() != 0 {
		t.Errorf("Expected no real entries, got %d", dir.RealEntries())
	}
	if dir.IsDegenerate() {
		t.Error("A block at page 0x1000 is not the placeholder")
	}
	want := []byte{0x00, 0x10, 0x00, 0x00, 0x0C, 0x00, 0x00, 0x00, 0x10, 0x00, 0x00, 0x00}
	if got := dir.Bytes(); !bytes.Equal(got, want) {
		t.Errorf("Bytes mismatch:\n got %x\nwant %x", got, want)
	}

	parsed, err := ParseDirectory(want)
	if err != nil {
		t.Fatalf("ParseDirectory failed: %v", err)
	}
	if len(parsed.Blocks) != 1 || len(parsed.Blocks[0].Entries) != 1 || !parsed.Blocks[0].Padded {
		t.Errorf("Round trip changed the block: %+v", parsed.Blocks)
	}
	if !bytes.Equal(parsed.Bytes(), want) {
		t.Errorf("Re-serialized bytes differ: %x", parsed.Bytes())
	}
}

func TestCheckFixupsRejectsOverlap(t *testing.T) {
	tests := []struct {
		name    string
		fixups  []Fixup
		wantErr error
	}{
		{"same RVA, different kinds", []Fixup{{RVA: 0x1000, Kind: KindDir64}, {RVA: 0x1000, Kind: KindHighLow}}, ErrOverlappingFixups},
		{"dir64 covers the next slot", []Fixup{{RVA: 0x1000, Kind: KindDir64}, {RVA: 0x1004, Kind: KindHighLow}}, ErrOverlappingFixups},
		{"overlap across pages", []Fixup{{RVA: 0x1ffc, Kind: KindDir64}, {RVA: 0x2000, Kind: KindDir64}}, ErrOverlappingFixups},
		{"adjacent slots", []Fixup{{RVA: 0x1000, Kind: KindDir64}, {RVA: 0x1008, Kind: KindDir64}}, nil},
		{"identical fixups", []Fixup{{RVA: 0x1000, Kind: KindDir64}, {RVA: 0x1000, Kind: KindDir64}}, nil},
		{"no-op on a real fixup", []Fixup{{RVA: 0x1000, Kind: KindDir64}, {RVA: 0x1004, Kind: KindAbsolute}}, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := BuildChecked(engine.ArchX86_64, 0x4000, tt.fixups)
			if tt.wantErr == nil {
				if err != nil {
					t.Fatalf("Unexpected error: %v", err)
				}
				return
			}
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("Expected %v, got %v", tt.wantErr, err)
			}
		})
	}
}

// TestBuildIsOrderIndependent tests that shuffling the input never changes
// the output bytes
func TestBuildIsOrderIndependent(t *testing.T) {
	rng := rand.New(rand.NewSource(67))
	fixups := make([]Fixup, 200)
	for i := range fixups {
		fixups[i] = Fixup{RVA: uint32(rng.Intn(0x8000)) &^ 7, Kind: KindDir64}
	}
	want := Build(fixups).Bytes()
	for round := 0; round < 10; round++ {
		shuffled := append([]Fixup(nil), fixups...)
		rng.Shuffle(len(shuffled), func(i, j int) { shuffled[i], shuffled[j] = shuffled[j], shuffled[i] })
		if got := Build(shuffled).Bytes(); !bytes.Equal(got, want) {
			t.Fatalf("Round %d: output depends on input order", round)
		}
	}
}

// TestBuildAlignmentAndSize checks the size invariants over random inputs
func TestBuildAlignmentAndSize(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	for round := 0; round < 50; round++ {
		fixups := make([]Fixup, rng.Intn(40))
		for i := range fixups {
			fixups[i] = Fixup{RVA: uint32(rng.Intn(0x10000)), Kind: KindHighLow}
		}
		dir := Build(fixups)
		if dir.Size()%4 != 0 {
			t.Fatalf("Round %d: directory size %d is not 4-byte aligned", round, dir.Size())
		}
		if got := len(dir.Bytes()); uint32(got) != dir.Size() {
			t.Fatalf("Round %d: serialized %d bytes, Size() says %d", round, got, dir.Size())
		}
		var last uint32
		for i, b := range dir.Blocks {
			if b.Size()%4 != 0 {
				t.Errorf("Round %d: block %d has size %d", round, i, b.Size())
			}
			if b.PageRVA&pageMask != 0 {
				t.Errorf("Round %d: block %d page 0x%x is not page aligned", round, i, b.PageRVA)
			}
			if i > 0 && b.PageRVA <= last {
				t.Errorf("Round %d: pages not strictly ascending at block %d", round, i)
			}
			last = b.PageRVA
		}
	}
}

func TestEntryPacking(t *testing.T) {
	e := NewEntry(KindDir64, 0xFFF)
	if e != 0xAFFF {
		t.Errorf("Expected 0xAFFF, got 0x%04x", uint16(e))
	}
	if e.Offset() != 0xFFF || e.Kind() != KindDir64 {
		t.Errorf("Unpacked %s @ 0x%x", e.Kind(), e.Offset())
	}
	// Offsets are masked to 12 bits
	if NewEntry(KindHighLow, 0x1234).Offset() != 0x234 {
		t.Error("Offset was not masked to the page")
	}
}

func TestNewFixupErrors(t *testing.T) {
	tests := []struct {
		name    string
		arch    engine.Arch
		rva     uint64
		kind    FixupKind
		size    uint32
		wantErr error
	}{
		{"dir64 on amd64", engine.ArchX86_64, 0x1000, KindDir64, 0x2000, nil},
		{"highlow on i386", engine.ArchI386, 0x1000, KindHighLow, 0x2000, nil},
		{"highadj on amd64", engine.ArchX86_64, 0x1000, KindHighAdj, 0x2000, ErrUnsupportedFixupKind},
		{"dir64 on i386", engine.ArchI386, 0x1000, KindDir64, 0x2000, ErrUnsupportedFixupKind},
		{"riscv low12s on amd64", engine.ArchX86_64, 0x1000, KindRISCVLow12S, 0x2000, ErrUnsupportedFixupKind},
		{"riscv low12s on riscv64", engine.ArchRiscv64, 0x1000, KindRISCVLow12S, 0x2000, nil},
		{"past the image", engine.ArchX86_64, 0x2000, KindDir64, 0x2000, ErrAddressOutOfRange},
		{"straddles the end", engine.ArchX86_64, 0x1ffc, KindDir64, 0x2000, ErrAddressOutOfRange},
		{"wider than 32 bits", engine.ArchX86_64, 0x1_0000_0000, KindDir64, 0xFFFFFFFF, ErrAddressOutOfRange},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f, err := NewFixup(tt.arch, tt.rva, tt.kind, tt.size)
			if tt.wantErr == nil {
				if err != nil {
					t.Fatalf("Unexpected error: %v", err)
				}
				if uint64(f.RVA) != tt.rva || f.Kind != tt.kind {
					t.Errorf("Got %v", f)
				}
				return
			}
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("Expected %v, got %v", tt.wantErr, err)
			}
		})
	}
}

func TestBuildCheckedRejectsBadFixup(t *testing.T) {
	_, err := BuildChecked(engine.ArchX86_64, 0x3000, []Fixup{
		{RVA: 0x1000, Kind: KindDir64},
		{RVA: 0x5000, Kind: KindDir64},
	})
	if !errors.Is(err, ErrAddressOutOfRange) {
		t.Fatalf("Expected AddressOutOfRange, got %v", err)
	}
	var re *RelocError
	if errors.As(err, &re) && (re.Fixup == nil || re.Fixup.RVA != 0x5000) {
		t.Errorf("Expected the offending fixup in the error, got %+v", re.Fixup)
	}
}

func TestCheckBlockSizeOverflow(t *testing.T) {
	b := &Block{PageRVA: 0x4000, Entries: make([]Entry, 0x8000)}
	if err := checkBlockSize(b); !errors.Is(err, ErrBlockSizeOverflow) {
		t.Fatalf("Expected BlockSizeOverflow for %d bytes, got %v", b.Size(), err)
	}

	full := make([]Fixup, 0, pageSize)
	for off := uint32(0); off < pageSize; off++ {
		full = append(full, Fixup{RVA: 0x1000 + off, Kind: KindHighLow})
	}
	dir, err := BuildChecked(engine.ArchRiscv64, 0x3000, nil)
	if err != nil || !dir.IsDegenerate() {
		t.Fatalf("Expected the placeholder directory, got %v", err)
	}
	if dir = Build(full); checkBlockSize(&dir.Blocks[0]) != nil {
		t.Errorf("A fully populated page (%d bytes) should fit", dir.Blocks[0].Size())
	}
}
