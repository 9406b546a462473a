package peloader

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/kworker/kworker/internal/winapi"
)

// buildMinimalPE constructs a tiny, syntactically valid PE32+ image with one
// writable .data section, for exercising Parse/MapImage/quick-reset without
// a real compiler output on disk.
func buildMinimalPE(t *testing.T, dataSectionBytes []byte) []byte {
	t.Helper()

	var buf bytes.Buffer

	dos := winapi.ImageDosHeader{Magic: winapi.ImageDosSignature, LfaNew: 0x80}
	binary.Write(&buf, binary.LittleEndian, &dos)
	buf.Write(make([]byte, 0x80-buf.Len()))

	binary.Write(&buf, binary.LittleEndian, uint32(winapi.ImageNtSignature))

	fh := winapi.ImageFileHeader{
		Machine:              winapi.ImageFileMachineAMD64,
		NumberOfSections:     1,
		SizeOfOptionalHeader: 0, // unused by our hand reader, which reads a fixed struct size
	}
	binary.Write(&buf, binary.LittleEndian, &fh)

	sectionAlign := uint32(0x1000)
	dataRVA := sectionAlign
	sectionSize := uint32(len(dataSectionBytes))
	if sectionSize < 4096 {
		sectionSize = 4096
	}

	oh := winapi.ImageOptionalHeader64{
		Magic:            winapi.ImageNtOptionalHdr64Magic,
		SectionAlignment: sectionAlign,
		FileAlignment:    0x200,
		ImageBase:        0x140000000,
		SizeOfImage:      dataRVA + sectionSize,
		SizeOfHeaders:    0x200,
	}
	binary.Write(&buf, binary.LittleEndian, &oh)

	var sec winapi.ImageSectionHeader
	copy(sec.Name[:], ".data")
	sec.VirtualAddress = dataRVA
	sec.VirtualSize = uint32(len(dataSectionBytes))
	sec.PointerToRawData = 0x200
	sec.SizeOfRawData = uint32(len(dataSectionBytes))
	sec.Characteristics = winapi.ImageScnCntInitializedData | winapi.ImageScnMemRead | winapi.ImageScnMemWrite
	binary.Write(&buf, binary.LittleEndian, &sec)

	for buf.Len() < 0x200 {
		buf.WriteByte(0)
	}
	buf.Write(dataSectionBytes)

	return buf.Bytes()
}

func TestParseRejectsNonPE(t *testing.T) {
	if _, err := Parse([]byte("not a pe file"), winapi.ImageFileMachineAMD64); err == nil {
		t.Fatal("expected error for non-PE input")
	}
}

func TestParseRejectsArchMismatch(t *testing.T) {
	data := buildMinimalPE(t, []byte{1, 2, 3, 4})
	if _, err := Parse(data, winapi.ImageFileMachineI386); err == nil {
		t.Fatal("expected arch mismatch error")
	}
}

func TestParseAndMapImage(t *testing.T) {
	payload := append([]byte{0xAA, 0xBB, 0xCC, 0xDD}, make([]byte, 4092)...)
	data := buildMinimalPE(t, payload)

	img, err := Parse(data, winapi.ImageFileMachineAMD64)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if len(img.Sections) != 1 {
		t.Fatalf("expected 1 section, got %d", len(img.Sections))
	}
	if img.Sections[0].SectionName() != ".data" {
		t.Fatalf("section name = %q", img.Sections[0].SectionName())
	}

	mapped := img.MapImage()
	if uint32(len(mapped)) != img.OptionalHeader.SizeOfImage {
		t.Fatalf("mapped size = %d, want %d", len(mapped), img.OptionalHeader.SizeOfImage)
	}
	rva := img.Sections[0].VirtualAddress
	if !bytes.Equal(mapped[rva:rva+4], []byte{0xAA, 0xBB, 0xCC, 0xDD}) {
		t.Fatalf("mapped section bytes = %x", mapped[rva:rva+4])
	}
}

func TestQuickResetRoundTrip(t *testing.T) {
	payload := make([]byte, 4096)
	data := buildMinimalPE(t, payload)
	img, err := Parse(data, winapi.ImageFileMachineAMD64)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}

	virgin := img.MapImage()
	live := append([]byte(nil), virgin...)

	rva := img.Sections[0].VirtualAddress
	live[rva] = 0x42
	live[rva+1] = 0x43

	copies, zeros, ok := BuildQuickResetPlan(virgin, live, img.Sections)
	if !ok {
		t.Fatal("expected quick-reset plan to fit within caps")
	}

	ApplyQuickReset(live, virgin, copies, zeros)
	if !bytes.Equal(live, virgin) {
		t.Fatal("expected live bytes restored to virgin after quick reset")
	}
}

func TestSelectTLSSizeClass(t *testing.T) {
	cases := []struct {
		size    int
		want    int
		wantErr bool
	}{
		{size: 0, want: 1024},
		{size: 1024, want: 1024},
		{size: 1025, want: 64 * 1024},
		{size: 128 * 1024, want: 128 * 1024},
		{size: 512 * 1024, want: 512 * 1024},
		{size: 512*1024 + 1, wantErr: true},
	}
	for _, c := range cases {
		got, err := SelectTLSSizeClass(c.size)
		if c.wantErr {
			if err == nil {
				t.Errorf("size %d: expected ErrTLSTooLarge, got class %d", c.size, got)
			}
			continue
		}
		if err != nil {
			t.Errorf("size %d: unexpected error %v", c.size, err)
			continue
		}
		if got != c.want {
			t.Errorf("size %d: class = %d, want %d", c.size, got, c.want)
		}
	}
}

func TestParseTLSDirectoryRoundTrip(t *testing.T) {
	const imageBase = 0x140000000
	const tlsDirRVA = 0x2000
	const rawDataRVA = 0x3000
	const indexRVA = 0x3100
	const callbacksRVA = 0x3200

	mapped := make([]byte, 0x4000)
	copy(mapped[rawDataRVA:], []byte{1, 2, 3, 4})

	dir := winapi.ImageTLSDirectory64{
		StartAddressOfRawData: imageBase + rawDataRVA,
		EndAddressOfRawData:   imageBase + rawDataRVA + 4,
		AddressOfIndex:        imageBase + indexRVA,
		AddressOfCallBacks:    imageBase + callbacksRVA,
		SizeOfZeroFill:        8,
	}
	var buf bytes.Buffer
	binary.Write(&buf, binary.LittleEndian, &dir)
	copy(mapped[tlsDirRVA:], buf.Bytes())

	binary.LittleEndian.PutUint64(mapped[callbacksRVA:], imageBase+0x5000)
	binary.LittleEndian.PutUint64(mapped[callbacksRVA+8:], imageBase+0x5010)
	binary.LittleEndian.PutUint64(mapped[callbacksRVA+16:], 0)

	dd := winapi.ImageDataDirectory{VirtualAddress: tlsDirRVA, Size: uint32(binary.Size(dir))}
	info, err := ParseTLSDirectory(mapped, dd, imageBase)
	if err != nil {
		t.Fatalf("ParseTLSDirectory: %v", err)
	}
	if !bytes.Equal(info.RawData, []byte{1, 2, 3, 4}) {
		t.Fatalf("RawData = %v", info.RawData)
	}
	if info.IndexRVA != indexRVA {
		t.Fatalf("IndexRVA = %#x, want %#x", info.IndexRVA, indexRVA)
	}
	if info.ZeroFillSize != 8 {
		t.Fatalf("ZeroFillSize = %d", info.ZeroFillSize)
	}
	wantCallbacks := []uint32{0x5000, 0x5010}
	if len(info.Callbacks) != len(wantCallbacks) || info.Callbacks[0] != wantCallbacks[0] || info.Callbacks[1] != wantCallbacks[1] {
		t.Fatalf("Callbacks = %#x, want %#x", info.Callbacks, wantCallbacks)
	}
}

func TestParseTLSDirectoryEmpty(t *testing.T) {
	info, err := ParseTLSDirectory(make([]byte, 64), winapi.ImageDataDirectory{}, 0x140000000)
	if err != nil {
		t.Fatalf("ParseTLSDirectory: %v", err)
	}
	if info != nil {
		t.Fatalf("expected nil info for empty TLS directory, got %+v", info)
	}
}

func TestParseExceptionDirectory(t *testing.T) {
	mapped := make([]byte, 0x2000)
	entries := []winapi.RuntimeFunction{
		{BeginAddress: 0x1000, EndAddress: 0x1010, UnwindInfoAddress: 0x1800},
		{BeginAddress: 0x1010, EndAddress: 0x1030, UnwindInfoAddress: 0x1810},
	}
	var buf bytes.Buffer
	for _, e := range entries {
		binary.Write(&buf, binary.LittleEndian, &e)
	}
	const dirRVA = 0x1900
	copy(mapped[dirRVA:], buf.Bytes())

	dd := winapi.ImageDataDirectory{VirtualAddress: dirRVA, Size: uint32(buf.Len())}
	got, err := ParseExceptionDirectory(mapped, dd)
	if err != nil {
		t.Fatalf("ParseExceptionDirectory: %v", err)
	}
	if len(got) != len(entries) {
		t.Fatalf("got %d entries, want %d", len(got), len(entries))
	}
	for i := range entries {
		if got[i] != entries[i] {
			t.Errorf("entry %d = %+v, want %+v", i, got[i], entries[i])
		}
	}
}

func TestParseExceptionDirectoryEmpty(t *testing.T) {
	got, err := ParseExceptionDirectory(make([]byte, 64), winapi.ImageDataDirectory{})
	if err != nil {
		t.Fatalf("ParseExceptionDirectory: %v", err)
	}
	if got != nil {
		t.Fatalf("expected nil for empty exception directory, got %v", got)
	}
}

func TestApplyRelocationsDir64(t *testing.T) {
	mapped := make([]byte, 16)
	binary.LittleEndian.PutUint64(mapped[0:8], 0x140001000)
	relocs := []BaseRelocation{{RVA: 0, Type: winapi.ImageRelBasedDir64}}

	ApplyRelocations(mapped, relocs, 0x140000000, 0x150000000)

	got := binary.LittleEndian.Uint64(mapped[0:8])
	want := uint64(0x150001000)
	if got != want {
		t.Fatalf("relocated value = %#x, want %#x", got, want)
	}
}
