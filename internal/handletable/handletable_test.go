package handletable

import "testing"

func TestEnterLookupClose(t *testing.T) {
	tb := New()
	r := &Record{Variant: VariantTempFile}
	tb.Enter(5, r)

	got := tb.Lookup(5)
	if got != r {
		t.Fatal("Lookup did not return entered record")
	}
	if err := tb.Close(5); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if tb.Lookup(5) != nil {
		t.Fatal("expected entry removed after refcount reaches zero")
	}
}

func TestFixedEntryNeverCloses(t *testing.T) {
	tb := New()
	r := &Record{Variant: VariantOutputBuffer, Fixed: true}
	tb.Enter(1, r)
	if err := tb.Close(1); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if tb.Lookup(1) == nil {
		t.Fatal("fixed entry should survive Close")
	}
}

func TestGrowthPreservesExistingHandles(t *testing.T) {
	tb := New()
	r1 := &Record{Variant: VariantTempFile}
	tb.Enter(3, r1)

	big := uintptr(initialCapacity + 10)
	r2 := &Record{Variant: VariantTempFile}
	tb.Enter(big, r2)

	if tb.Lookup(3) != r1 {
		t.Fatal("low handle lost after growth")
	}
	if tb.Lookup(big) != r2 {
		t.Fatal("high handle not found after growth")
	}
}

func TestDuplicateBumpsRefcount(t *testing.T) {
	tb := New()
	r := &Record{Variant: VariantCachedFile}
	tb.Enter(10, r)

	if err := tb.Duplicate(10, 20); err != nil {
		t.Fatalf("Duplicate: %v", err)
	}
	if tb.Lookup(20) != r {
		t.Fatal("duplicate handle does not resolve to same record")
	}
	if r.Refcount != 2 {
		t.Fatalf("expected refcount 2 after duplicate, got %d", r.Refcount)
	}

	tb.Close(10)
	if tb.Lookup(20) == nil {
		t.Fatal("closing original should not remove entry while duplicate refcount alive")
	}
}

func TestReapRemovesOnlyNonFixed(t *testing.T) {
	tb := New()
	tb.Enter(1, &Record{Fixed: true})
	tb.Enter(2, &Record{})
	tb.Enter(3, &Record{})

	n := tb.Reap()
	if n != 2 {
		t.Fatalf("Reap removed %d, want 2", n)
	}
	if tb.Lookup(1) == nil {
		t.Fatal("fixed entry should survive Reap")
	}
	if tb.Lookup(2) != nil || tb.Lookup(3) != nil {
		t.Fatal("non-fixed entries should be gone after Reap")
	}
}
