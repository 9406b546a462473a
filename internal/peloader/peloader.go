// Package peloader implements the manual PE image mapper described in
// spec.md §4.9: parsing, import resolution, relocation, TLS wiring, and the
// quick-copy/quick-zero table computation used to reset a module's image
// between jobs without a full re-copy.
package peloader

import (
	"bytes"
	"encoding/binary"

	"github.com/pkg/errors"

	"github.com/kworker/kworker/internal/errdefs"
	"github.com/kworker/kworker/internal/modreg"
	"github.com/kworker/kworker/internal/winapi"
)

// Image is a parsed PE file: its headers and section table, enough to
// drive manual mapping without re-reading the file.
type Image struct {
	FileHeader     winapi.ImageFileHeader
	OptionalHeader winapi.ImageOptionalHeader64
	Sections       []winapi.ImageSectionHeader
	raw            []byte // the full on-disk image bytes
}

// Parse validates and decodes a PE file's headers. It rejects non-PE files
// and (via wantMachine) images whose machine type doesn't match the worker's
// own bitness (spec.md §4.9 step 2).
func Parse(data []byte, wantMachine uint16) (*Image, error) {
	if len(data) < 0x40 {
		return nil, errdefs.ErrNotPE
	}
	var dos winapi.ImageDosHeader
	r := bytes.NewReader(data)
	if err := binary.Read(r, binary.LittleEndian, &dos); err != nil {
		return nil, errdefs.ErrNotPE
	}
	if dos.Magic != winapi.ImageDosSignature {
		return nil, errdefs.ErrNotPE
	}
	if int(dos.LfaNew) < 0 || int(dos.LfaNew)+4 > len(data) {
		return nil, errdefs.ErrNotPE
	}

	ntOff := int(dos.LfaNew)
	var sig uint32
	r2 := bytes.NewReader(data[ntOff:])
	if err := binary.Read(r2, binary.LittleEndian, &sig); err != nil || sig != winapi.ImageNtSignature {
		return nil, errdefs.ErrNotPE
	}

	img := &Image{raw: data}
	if err := binary.Read(r2, binary.LittleEndian, &img.FileHeader); err != nil {
		return nil, errdefs.ErrNotPE
	}
	if img.FileHeader.Machine != wantMachine {
		return nil, errdefs.ErrArchMismatch
	}
	if err := binary.Read(r2, binary.LittleEndian, &img.OptionalHeader); err != nil {
		return nil, errdefs.ErrNotPE
	}
	if img.OptionalHeader.Magic != winapi.ImageNtOptionalHdr64Magic {
		return nil, errors.New("peloader: only PE32+ images are supported")
	}

	img.Sections = make([]winapi.ImageSectionHeader, img.FileHeader.NumberOfSections)
	for i := range img.Sections {
		if err := binary.Read(r2, binary.LittleEndian, &img.Sections[i]); err != nil {
			return nil, errdefs.ErrNotPE
		}
	}
	return img, nil
}

// DataDirectory returns entry idx of the optional header's directory array.
func (img *Image) DataDirectory(idx int) winapi.ImageDataDirectory {
	return img.OptionalHeader.DataDirectory[idx]
}

// sectionForRVA finds the section containing rva, or nil.
func (img *Image) sectionForRVA(rva uint32) *winapi.ImageSectionHeader {
	for i := range img.Sections {
		s := &img.Sections[i]
		if rva >= s.VirtualAddress && rva < s.VirtualAddress+s.VirtualSize {
			return s
		}
	}
	return nil
}

// fileOffsetForRVA converts an RVA to a file offset using the section
// table, or returns false if rva isn't covered by any section.
func (img *Image) fileOffsetForRVA(rva uint32) (uint32, bool) {
	s := img.sectionForRVA(rva)
	if s == nil {
		return 0, false
	}
	return s.PointerToRawData + (rva - s.VirtualAddress), true
}

// MapImage builds the in-memory layout: a zero-filled buffer of size
// SizeOfImage with each section's raw bytes copied to its virtual address,
// matching what VirtualAlloc + manual section copy would produce.
func (img *Image) MapImage() []byte {
	mapped := make([]byte, img.OptionalHeader.SizeOfImage)
	copy(mapped, img.raw[:img.OptionalHeader.SizeOfHeaders])
	for i := range img.Sections {
		s := &img.Sections[i]
		if s.SizeOfRawData == 0 {
			continue
		}
		src := img.raw[s.PointerToRawData : s.PointerToRawData+s.SizeOfRawData]
		copy(mapped[s.VirtualAddress:], src)
	}
	return mapped
}

// ImportedDLL is one entry of the import directory, decoded from a mapped
// image: the DLL name and every (name-or-ordinal) thunk it imports.
type ImportedDLL struct {
	Name    string
	IATRVA  uint32 // RVA of the first IAT slot for this DLL
	Thunks  []ImportThunk
}

// ImportThunk is one imported symbol, by name or ordinal.
type ImportThunk struct {
	Name    string // empty if imported by ordinal
	Ordinal uint16
	IsOrdinal bool
	SlotRVA   uint32 // RVA of this thunk's IAT slot
}

// ParseImports walks the import directory of a mapped image.
func ParseImports(mapped []byte, dd winapi.ImageDataDirectory) ([]ImportedDLL, error) {
	if dd.Size == 0 {
		return nil, nil
	}
	var out []ImportedDLL
	off := dd.VirtualAddress
	for {
		if int(off)+20 > len(mapped) {
			return nil, errors.New("peloader: import directory truncated")
		}
		var desc winapi.ImageImportDescriptor
		r := bytes.NewReader(mapped[off : off+20])
		if err := binary.Read(r, binary.LittleEndian, &desc); err != nil {
			return nil, err
		}
		if desc.Name == 0 && desc.FirstThunk == 0 && desc.OriginalFirstThunk == 0 {
			break
		}
		name := readCString(mapped, desc.Name)

		thunkTableRVA := desc.OriginalFirstThunk
		if thunkTableRVA == 0 {
			thunkTableRVA = desc.FirstThunk
		}

		dll := ImportedDLL{Name: name, IATRVA: desc.FirstThunk}
		dll.Thunks = parseThunks(mapped, thunkTableRVA, desc.FirstThunk)
		out = append(out, dll)
		off += 20
	}
	return out, nil
}

func parseThunks(mapped []byte, intRVA, iatRVA uint32) []ImportThunk {
	var thunks []ImportThunk
	for i := 0; ; i++ {
		entryOff := intRVA + uint32(i)*8
		if int(entryOff)+8 > len(mapped) {
			break
		}
		val := binary.LittleEndian.Uint64(mapped[entryOff : entryOff+8])
		if val == 0 {
			break
		}
		slotRVA := iatRVA + uint32(i)*8
		if val&winapi.ImageOrdinalFlag64 != 0 {
			thunks = append(thunks, ImportThunk{
				Ordinal:   uint16(val & 0xFFFF),
				IsOrdinal: true,
				SlotRVA:   slotRVA,
			})
			continue
		}
		hintNameRVA := uint32(val)
		name := readCString(mapped, hintNameRVA+2) // skip 2-byte Hint
		thunks = append(thunks, ImportThunk{Name: name, SlotRVA: slotRVA})
	}
	return thunks
}

func readCString(mapped []byte, rva uint32) string {
	if int(rva) >= len(mapped) {
		return ""
	}
	end := int(rva)
	for end < len(mapped) && mapped[end] != 0 {
		end++
	}
	return string(mapped[rva:end])
}

// BaseRelocation is one decoded relocation entry at a given RVA.
type BaseRelocation struct {
	RVA  uint32
	Type uint16
}

// ParseRelocations walks the base relocation table.
func ParseRelocations(mapped []byte, dd winapi.ImageDataDirectory) ([]BaseRelocation, error) {
	if dd.Size == 0 {
		return nil, nil
	}
	var out []BaseRelocation
	off := dd.VirtualAddress
	end := dd.VirtualAddress + dd.Size
	for off < end {
		if int(off)+8 > len(mapped) {
			return nil, errors.New("peloader: relocation block truncated")
		}
		var block winapi.ImageBaseRelocation
		r := bytes.NewReader(mapped[off : off+8])
		if err := binary.Read(r, binary.LittleEndian, &block); err != nil {
			return nil, err
		}
		if block.SizeOfBlock < 8 {
			break
		}
		entryCount := (block.SizeOfBlock - 8) / 2
		for i := uint32(0); i < entryCount; i++ {
			entryOff := off + 8 + i*2
			raw := binary.LittleEndian.Uint16(mapped[entryOff : entryOff+2])
			typ := raw >> 12
			relOff := uint32(raw & 0xFFF)
			if typ == winapi.ImageRelBasedAbsolute {
				continue
			}
			out = append(out, BaseRelocation{RVA: block.VirtualAddress + relOff, Type: typ})
		}
		off += block.SizeOfBlock
	}
	return out, nil
}

// ApplyRelocations rewrites every relocation entry in mapped from
// preferredBase to actualBase. Only IMAGE_REL_BASED_DIR64 is expected on
// AMD64 images; HIGHLOW is handled for completeness on 32-bit payloads
// carried in a 64-bit worker's loader path (mixed toolchains occasionally
// ship 32-bit helper DLLs it must still parse, even though it won't map
// them manually).
func ApplyRelocations(mapped []byte, relocs []BaseRelocation, preferredBase, actualBase uint64) {
	delta := actualBase - preferredBase
	if delta == 0 {
		return
	}
	for _, r := range relocs {
		switch r.Type {
		case winapi.ImageRelBasedDir64:
			v := binary.LittleEndian.Uint64(mapped[r.RVA : r.RVA+8])
			binary.LittleEndian.PutUint64(mapped[r.RVA:r.RVA+8], v+delta)
		case winapi.ImageRelBasedHighLow:
			v := binary.LittleEndian.Uint32(mapped[r.RVA : r.RVA+4])
			binary.LittleEndian.PutUint32(mapped[r.RVA:r.RVA+4], uint32(uint64(v)+delta))
		}
	}
}

// TLSInfo is a parsed TLS directory (spec.md §4.9 "TLS handling"): the raw
// init-data template, the RVA of the index cell the loader fills in, the
// callback array, and the zero-fill tail size.
type TLSInfo struct {
	RawData      []byte
	IndexRVA     uint32
	Callbacks    []uint32 // RVAs, converted from the VAs stored in the directory
	ZeroFillSize uint32
}

// tlsSizeClasses mirrors spec.md §4.9's pre-provided helper-DLL sizes: the
// loader picks the smallest class whose TLS block (raw data + zero-fill)
// fits, never growing a block dynamically (spec.md §9 open question 3).
var tlsSizeClasses = []int{1024, 64 * 1024, 128 * 1024, 512 * 1024}

// SelectTLSSizeClass returns the smallest pre-built helper-DLL size class
// that fits totalSize, or errdefs.ErrTLSTooLarge if none does.
func SelectTLSSizeClass(totalSize int) (int, error) {
	for _, class := range tlsSizeClasses {
		if totalSize <= class {
			return class, nil
		}
	}
	return 0, errdefs.ErrTLSTooLarge
}

// ParseTLSDirectory decodes dd as an ImageTLSDirectory64 and returns the
// template bytes, index RVA, and callback RVAs, all relative to imageBase
// (the image's preferred base, matching the VAs the directory stores before
// relocation — callers apply relocation deltas themselves if actualBase
// differs, the same way ApplyRelocations does for the rest of the image).
func ParseTLSDirectory(mapped []byte, dd winapi.ImageDataDirectory, imageBase uint64) (*TLSInfo, error) {
	if dd.Size == 0 {
		return nil, nil
	}
	if int(dd.VirtualAddress)+binary.Size(winapi.ImageTLSDirectory64{}) > len(mapped) {
		return nil, errors.New("peloader: TLS directory truncated")
	}
	var dir winapi.ImageTLSDirectory64
	r := bytes.NewReader(mapped[dd.VirtualAddress:])
	if err := binary.Read(r, binary.LittleEndian, &dir); err != nil {
		return nil, errors.Wrap(err, "peloader: decode TLS directory")
	}

	info := &TLSInfo{ZeroFillSize: dir.SizeOfZeroFill}

	if dir.StartAddressOfRawData != 0 && dir.EndAddressOfRawData >= dir.StartAddressOfRawData {
		startRVA := uint32(dir.StartAddressOfRawData - imageBase)
		length := uint32(dir.EndAddressOfRawData - dir.StartAddressOfRawData)
		if int(startRVA)+int(length) > len(mapped) {
			return nil, errors.New("peloader: TLS raw data range truncated")
		}
		info.RawData = append([]byte(nil), mapped[startRVA:startRVA+length]...)
	}
	if dir.AddressOfIndex != 0 {
		info.IndexRVA = uint32(dir.AddressOfIndex - imageBase)
	}

	if dir.AddressOfCallBacks != 0 {
		cbRVA := uint32(dir.AddressOfCallBacks - imageBase)
		for i := 0; ; i++ {
			off := int(cbRVA) + i*8
			if off+8 > len(mapped) {
				break
			}
			va := binary.LittleEndian.Uint64(mapped[off : off+8])
			if va == 0 {
				break
			}
			info.Callbacks = append(info.Callbacks, uint32(va-imageBase))
		}
	}
	return info, nil
}

// ParseExceptionDirectory decodes the AMD64 exception directory (a flat
// RUNTIME_FUNCTION array, spec.md §4.9) so the caller can register it with
// RtlAddFunctionTable for SEH unwind support over manually-mapped code.
func ParseExceptionDirectory(mapped []byte, dd winapi.ImageDataDirectory) ([]winapi.RuntimeFunction, error) {
	if dd.Size == 0 {
		return nil, nil
	}
	const entrySize = 12
	count := dd.Size / entrySize
	if int(dd.VirtualAddress)+int(count)*entrySize > len(mapped) {
		return nil, errors.New("peloader: exception directory truncated")
	}
	out := make([]winapi.RuntimeFunction, count)
	r := bytes.NewReader(mapped[dd.VirtualAddress : dd.VirtualAddress+count*entrySize])
	if err := binary.Read(r, binary.LittleEndian, &out); err != nil {
		return nil, errors.Wrap(err, "peloader: decode exception directory")
	}
	return out, nil
}

const zeroRunThreshold = 128 // bytes; shorter zero runs aren't worth a dedicated quick-zero entry

// BuildQuickResetPlan scans every writable section and produces up to 3
// quick-copy regions (each the part of a section ahead of its trailing zero
// run, or the whole section if that run is short) and up to 3 quick-zero
// regions (trailing runs of bytes that are zero in both live and virgin,
// at least zeroRunThreshold bytes long), per spec.md §4.9. If more regions
// would be needed than the cap allows, it returns false and no plan.
func BuildQuickResetPlan(virgin, live []byte, sections []winapi.ImageSectionHeader) ([]modreg.QuickCopyRegion, []modreg.QuickZeroRegion, bool) {
	var copies []modreg.QuickCopyRegion
	var zeros []modreg.QuickZeroRegion

	for i := range sections {
		s := &sections[i]
		if s.Characteristics&winapi.ImageScnMemWrite == 0 {
			continue
		}
		start := s.VirtualAddress
		end := start + s.VirtualSize
		if int(end) > len(virgin) || int(end) > len(live) {
			continue
		}

		zeroStart := end
		for zeroStart > start && live[zeroStart-1] == 0 && virgin[zeroStart-1] == 0 {
			zeroStart--
		}
		if end-zeroStart >= zeroRunThreshold {
			if len(zeros) >= maxQuickZero {
				return nil, nil, false
			}
			zeros = append(zeros, modreg.QuickZeroRegion{Offset: zeroStart, Length: end - zeroStart})
			end = zeroStart
		}

		if end > start {
			if len(copies) >= maxQuickCopy {
				return nil, nil, false
			}
			copies = append(copies, modreg.QuickCopyRegion{Offset: start, Length: end - start})
		}
	}
	return copies, zeros, true
}

const (
	maxQuickCopy = 3
	maxQuickZero = 3
)

// ApplyQuickReset resets live from virgin using a precomputed plan: a
// handful of memcpy/memset calls instead of copying the whole image.
func ApplyQuickReset(live, virgin []byte, copies []modreg.QuickCopyRegion, zeros []modreg.QuickZeroRegion) {
	for _, c := range copies {
		copy(live[c.Offset:c.Offset+c.Length], virgin[c.Offset:c.Offset+c.Length])
	}
	for _, z := range zeros {
		zeroed := live[z.Offset : z.Offset+z.Length]
		for i := range zeroed {
			zeroed[i] = 0
		}
	}
}
