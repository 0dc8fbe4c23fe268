package main

import (
	"bytes"
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestParseDirectoryRoundTrip(t *testing.T) {
	inputs := [][]Fixup{
		nil,
		{{RVA: 0x1010, Kind: KindDir64}},
		{{RVA: 0x1010, Kind: KindDir64}, {RVA: 0x1018, Kind: KindDir64}},
		{{RVA: 0x5ffc, Kind: KindHighLow}, {RVA: 0x1000, Kind: KindHighLow}, {RVA: 0x1002, Kind: KindLow}},
		{{RVA: 0x1000, Kind: KindAbsolute}, {RVA: 0x1000, Kind: KindHighLow}},
	}
	for i, fixups := range inputs {
		want := Build(fixups)
		got, err := ParseDirectory(want.Bytes())
		if err != nil {
			t.Fatalf("Input %d: ParseDirectory failed: %v", i, err)
		}
		if diff := cmp.Diff(want, got); diff != "" {
			t.Errorf("Input %d: directory mismatch (-want +got):\n%s", i, diff)
		}
		if !bytes.Equal(got.Bytes(), want.Bytes()) {
			t.Errorf("Input %d: re-serialized bytes differ", i)
		}
	}
}

func TestParseDirectoryRejectsMalformed(t *testing.T) {
	tests := []struct {
		name string
		data []byte
	}{
		{"empty", nil},
		{"short header", []byte{0, 0x10, 0, 0, 8, 0}},
		{"size below header", []byte{0, 0x10, 0, 0, 6, 0, 0, 0}},
		{"size not multiple of 4", []byte{0, 0x10, 0, 0, 10, 0, 0, 0, 0x10, 0xA0}},
		{"size past end", []byte{0, 0x10, 0, 0, 16, 0, 0, 0, 0x10, 0xA0, 0, 0}},
		{"unaligned page", []byte{0x10, 0x10, 0, 0, 12, 0, 0, 0, 0x10, 0xA0, 0, 0}},
		{"trailing bytes", []byte{0, 0x10, 0, 0, 12, 0, 0, 0, 0x10, 0xA0, 0, 0, 0, 0}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := ParseDirectory(tt.data); !errors.Is(err, ErrMalformedDirectory) {
				t.Errorf("Expected MalformedDirectory, got %v", err)
			}
		})
	}
}

func TestParseSectionDirectoryStopsAtZeroFill(t *testing.T) {
	want := Build([]Fixup{{RVA: 0x2008, Kind: KindDir64}})
	raw := append(want.Bytes(), make([]byte, 0x200-int(want.Size()))...)
	got, err := parseSectionDirectory(raw)
	if err != nil {
		t.Fatalf("parseSectionDirectory failed: %v", err)
	}
	if got.Size() != want.Size() {
		t.Errorf("Expected size %d, got %d", want.Size(), got.Size())
	}
	if _, err := ParseDirectory(raw); err == nil {
		t.Error("ParseDirectory should not accept zero fill")
	}
}
