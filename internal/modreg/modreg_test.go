package modreg

import "testing"

func TestAddAndLookup(t *testing.T) {
	r := New()
	m := &Module{Path: `C:\Tools\cl.exe`}
	r.Add(m)

	got := r.Lookup(`c:\tools\cl.exe`)
	if got != m {
		t.Fatal("expected case-insensitive lookup to find module")
	}
	if m.RefCount != 1 {
		t.Fatalf("expected RefCount 1 on add, got %d", m.RefCount)
	}
	if m.CRTSlot != -1 {
		t.Fatalf("expected CRTSlot -1 by default, got %d", m.CRTSlot)
	}
}

func TestResetForJobMovesBackToBaseline(t *testing.T) {
	m := &Module{State: StateReady, ReinitBaseline: StateNeedsBits}
	m.ResetForJob()
	if m.State != StateNeedsBits {
		t.Fatalf("expected state reset to NeedsBits, got %v", m.State)
	}

	native := &Module{IsNative: true, State: StateReady, ReinitBaseline: StateNeedsBits}
	native.ResetForJob()
	if native.State != StateReady {
		t.Fatal("native module state should never reset")
	}
}

func TestAllocateCRTSlotUniqueness(t *testing.T) {
	r := New()
	var slots []int
	for i := 0; i < 32; i++ {
		m := &Module{Path: "m"}
		r.Add(m)
		if err := r.AllocateCRTSlot(m); err != nil {
			t.Fatalf("AllocateCRTSlot %d: %v", i, err)
		}
		slots = append(slots, m.CRTSlot)
	}
	seen := make(map[int]bool)
	for _, s := range slots {
		if seen[s] {
			t.Fatalf("duplicate CRT slot %d", s)
		}
		seen[s] = true
	}

	overflow := &Module{Path: "overflow"}
	r.Add(overflow)
	if err := r.AllocateCRTSlot(overflow); err == nil {
		t.Fatal("expected error allocating 33rd CRT slot")
	}
}

func TestByHandleVirtualOrdering(t *testing.T) {
	real := &Module{Path: "real.dll", OSHandle: 0x1000}
	virt := &Module{Path: "api-ms-real.dll", OSHandle: 0x1000, VirtualAPIMod: real}

	bh := NewByHandle()
	bh.Insert(virt)
	bh.Insert(real)

	found := bh.Find(0x1000)
	if found != real {
		t.Fatal("expected non-virtual module to be found first for shared handle")
	}
}

func TestByHandleFindMissing(t *testing.T) {
	bh := NewByHandle()
	bh.Insert(&Module{OSHandle: 5})
	if bh.Find(99) != nil {
		t.Fatal("expected nil for unregistered handle")
	}
}
