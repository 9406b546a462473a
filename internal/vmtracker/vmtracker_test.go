package vmtracker

import "testing"

func TestVirtualAllocTrackAndReap(t *testing.T) {
	vt := NewVirtualAllocTracker()
	vt.Track(0x1000, 0x2000)
	vt.ReserveFixed(0x5000)
	vt.Track(0x5000, 0x1000)

	if vt.Len() != 2 {
		t.Fatalf("expected 2 tracked regions, got %d", vt.Len())
	}

	leaked := vt.Reap()
	if len(leaked) != 1 || leaked[0].Base != 0x1000 {
		t.Fatalf("expected only non-fixed region reaped, got %v", leaked)
	}
	if !vt.IsFixedReservation(0x5000) {
		t.Fatal("fixed reservation should survive Reap")
	}
}

func TestHeapTrackerReap(t *testing.T) {
	ht := NewHeapTracker()
	ht.Track(1)
	ht.Track(2)
	ht.Untrack(1)
	leaked := ht.Reap()
	if len(leaked) != 1 || leaked[0] != 2 {
		t.Fatalf("expected [2] leaked, got %v", leaked)
	}
	if ht.Len() != 0 {
		t.Fatal("expected tracker empty after Reap")
	}
}

func TestIndexTrackerReap(t *testing.T) {
	it := NewIndexTracker()
	it.Track(7)
	it.Track(9)
	it.Untrack(9)
	leaked := it.Reap()
	if len(leaked) != 1 || leaked[0] != 7 {
		t.Fatalf("expected [7] leaked, got %v", leaked)
	}
}

func TestExitListLIFOOrder(t *testing.T) {
	el := NewExitList()
	var order []int
	el.Register(func() { order = append(order, 1) })
	el.Register(func() { order = append(order, 2) })
	el.Register(func() { order = append(order, 3) })

	el.RunAll()
	want := []int{3, 2, 1}
	for i, v := range want {
		if order[i] != v {
			t.Fatalf("order = %v, want %v", order, want)
		}
	}
	if el.Len() != 0 {
		t.Fatal("expected list cleared after RunAll")
	}
}

func TestExitListRecoversFromPanic(t *testing.T) {
	el := NewExitList()
	ran := false
	el.Register(func() { panic("boom") })
	el.Register(func() { ran = true })
	el.RunAll()
	if !ran {
		t.Fatal("expected later-registered (earlier-run) callback to still execute")
	}
}
