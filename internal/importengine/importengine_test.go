package importengine

import "testing"

func TestExactBeatsWildcard(t *testing.T) {
	tbl := NewTable()
	tbl.Register(&Replacement{FunctionName: "CreateFileW", Style: StyleSinglePointer, Pointer: 1})
	tbl.Register(&Replacement{FunctionName: "CreateFileW", ModuleName: "kernel32.dll", Style: StyleSinglePointer, Pointer: 2})

	r, ok := tbl.Lookup("CreateFileW", "kernel32.dll")
	if !ok || r.Pointer != 2 {
		t.Fatalf("expected exact match pointer 2, got %v ok=%v", r, ok)
	}
	r, ok = tbl.Lookup("CreateFileW", "other.dll")
	if !ok || r.Pointer != 1 {
		t.Fatalf("expected wildcard fallback pointer 1, got %v ok=%v", r, ok)
	}
}

func TestCRTSlotArrayResolution(t *testing.T) {
	r := &Replacement{Style: StyleCRTSlotArray}
	r.SlotArray[5] = 0xBEEF
	ptr, err := r.ResolvedPointer(5)
	if err != nil || ptr != 0xBEEF {
		t.Fatalf("ResolvedPointer(5) = %#x, %v", ptr, err)
	}
	if _, err := r.ResolvedPointer(99); err == nil {
		t.Fatal("expected out-of-range slot error")
	}
}

type fakePatcher struct {
	writes map[uintptr]uintptr
}

func (f *fakePatcher) WriteSlot(addr, value uintptr) error {
	if f.writes == nil {
		f.writes = make(map[uintptr]uintptr)
	}
	f.writes[addr] = value
	return nil
}

func TestPatchNativeIATHonorsExecutableOnly(t *testing.T) {
	e := NewEngine()
	e.NativeImage.Register(&Replacement{FunctionName: "atexit", Style: StyleSinglePointer, Pointer: 0x1111, ExecutableOnly: true})
	e.NativeImage.Register(&Replacement{FunctionName: "ExitProcess", Style: StyleSinglePointer, Pointer: 0x2222})

	thunks := []Thunk{
		{FunctionName: "atexit", SlotAddr: 100},
		{FunctionName: "ExitProcess", SlotAddr: 200},
	}

	p := &fakePatcher{}
	if err := e.PatchNativeIAT(p, thunks, false, -1); err != nil {
		t.Fatalf("PatchNativeIAT: %v", err)
	}
	if _, ok := p.writes[100]; ok {
		t.Fatal("expected executable-only replacement skipped for DLL")
	}
	if p.writes[200] != 0x2222 {
		t.Fatalf("expected ExitProcess patched, got %v", p.writes)
	}
}
