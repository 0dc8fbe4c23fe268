package main

import (
	"bytes"
	"encoding/binary"
	"errors"
	"testing"

	"github.com/xyproto/basereloc/internal/engine"
)

func TestDescribe(t *testing.T) {
	dir := Build([]Fixup{{RVA: 0x1010, Kind: KindDir64}, {RVA: 0x2000, Kind: KindDir64}})
	dd, err := Describe(dir, 0x3000)
	if err != nil {
		t.Fatalf("Describe failed: %v", err)
	}
	if dd.VirtualAddress != 0x3000 {
		t.Errorf("Expected RVA 0x3000, got 0x%x", dd.VirtualAddress)
	}
	if dd.Size != uint32(len(dir.Bytes())) {
		t.Errorf("Descriptor size %d does not match %d serialized bytes", dd.Size, len(dir.Bytes()))
	}
}

func TestDescribeEmptyDirectoryIsNeverZeroSized(t *testing.T) {
	dd, err := Describe(Build(nil), 0x2000)
	if err != nil {
		t.Fatalf("Describe failed: %v", err)
	}
	if dd.Size == 0 {
		t.Fatal("Placeholder directory produced a zero-sized descriptor")
	}
}

func TestDescribeRejectsMisalignedPlacement(t *testing.T) {
	for _, placement := range []uint32{0x3001, 0x3002, 0x3003} {
		_, err := Describe(Build(nil), placement)
		if !errors.Is(err, ErrMisalignedDirectory) {
			t.Errorf("Placement 0x%x: expected MisalignedDirectory, got %v", placement, err)
		}
	}
}

func linkTestImage(t *testing.T, arch engine.Arch, pointers int) *Image {
	t.Helper()
	ib := NewImageBuilder(arch)
	kind := FixupKind(arch.DefaultRelocType())
	for i := 0; i < pointers; i++ {
		if err := ib.AddPointer(uint32(i)*kind.Width(), kind, SectionText, 0); err != nil {
			t.Fatalf("AddPointer failed: %v", err)
		}
	}
	img, err := ib.Link()
	if err != nil {
		t.Fatalf("Link failed: %v", err)
	}
	return img
}

// TestFixRelocDirectoryRestoresSlot tests that a cleared slot 5 is paired
// again with the .reloc section
func TestFixRelocDirectoryRestoresSlot(t *testing.T) {
	img := linkTestImage(t, engine.ArchX86_64, 0)
	image := append([]byte(nil), img.Bytes...)

	if err := PatchRelocDirectory(image, DataDirectory{}); err != nil {
		t.Fatalf("PatchRelocDirectory failed: %v", err)
	}
	pr, err := NewPEReader(bytes.NewReader(image))
	if err != nil {
		t.Fatalf("NewPEReader failed: %v", err)
	}
	if _, err := pr.BaseRelocations(); !errors.Is(err, ErrMissingRelocDirectory) {
		t.Fatalf("Expected MissingRelocDirectory after clearing the slot, got %v", err)
	}

	// Mark the image as stripped as well; the fix must clear that
	coff := pr.characteristicsOffset()
	binary.LittleEndian.PutUint16(image[coff:], binary.LittleEndian.Uint16(image[coff:])|fileRelocsStripped)

	dd, err := FixRelocDirectory(image)
	if err != nil {
		t.Fatalf("FixRelocDirectory failed: %v", err)
	}
	if dd != img.RelocDir {
		t.Errorf("Expected %+v, got %+v", img.RelocDir, dd)
	}
	if !bytes.Equal(image, img.Bytes) {
		t.Error("Fixed image differs from the freshly linked one")
	}
}

func TestPatchRelocDirectoryRejectsMisalignedRVA(t *testing.T) {
	img := linkTestImage(t, engine.ArchX86_64, 0)
	err := PatchRelocDirectory(img.Bytes, DataDirectory{VirtualAddress: 0x3002, Size: 12})
	if !errors.Is(err, ErrMisalignedDirectory) {
		t.Fatalf("Expected MisalignedDirectory, got %v", err)
	}
}

func TestPatchRelocDirectoryRejectsGarbage(t *testing.T) {
	err := PatchRelocDirectory([]byte("not a PE image at all, just some text"), DataDirectory{})
	if !errors.Is(err, ErrInvalidImage) {
		t.Fatalf("Expected InvalidImage, got %v", err)
	}
}
