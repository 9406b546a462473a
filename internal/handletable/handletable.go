// Package handletable implements the unified table of intercepted HANDLE
// values described in spec.md §4.6: a dynamic array indexed by the low
// bits of the handle value, refcounted, with per-entry ownership tracking.
package handletable

import (
	"sync"

	"github.com/kworker/kworker/internal/errdefs"
)

// Variant tags what kind of object a Record points at.
type Variant int

const (
	VariantCachedFile Variant = iota
	VariantCachedMapping
	VariantTempFile
	VariantTempMapping
	VariantOutputBuffer
)

// Record is one handle-table entry (spec.md data model "Handle").
type Record struct {
	Variant    Variant
	Payload    interface{}
	Refcount   int
	Offset     int64
	Access     uint32
	OSHandle   uintptr
	OwnerTID   uint32 // 0 when unowned
	Fixed      bool   // stdout/stderr output-buffer entries: never closed
}

const initialCapacity = 64

// Table is the handle table. index extracts the low bits used as the
// slot index (the high bit of a Win32 pseudo-handle is reserved).
type Table struct {
	mu      sync.Mutex
	entries []*Record
}

func New() *Table {
	return &Table{entries: make([]*Record, initialCapacity)}
}

func index(handle uintptr) int {
	const highBit = ^uintptr(0) &^ (^uintptr(0) >> 1)
	return int(handle &^ highBit)
}

// grow doubles capacity until idx is in range.
func (t *Table) grow(idx int) {
	for idx >= len(t.entries) {
		t.entries = append(t.entries, make([]*Record, len(t.entries))...)
	}
}

// Enter registers record under handle, growing the table if needed.
func (t *Table) Enter(handle uintptr, record *Record) {
	t.mu.Lock()
	defer t.mu.Unlock()
	idx := index(handle)
	t.grow(idx)
	record.Refcount++
	t.entries[idx] = record
}

// Lookup returns the record for handle without changing ownership, or nil.
func (t *Table) Lookup(handle uintptr) *Record {
	t.mu.Lock()
	defer t.mu.Unlock()
	idx := index(handle)
	if idx >= len(t.entries) {
		return nil
	}
	return t.entries[idx]
}

// Get returns the record for handle and marks tid as its owner.
func (t *Table) Get(handle uintptr, tid uint32) *Record {
	t.mu.Lock()
	defer t.mu.Unlock()
	idx := index(handle)
	if idx >= len(t.entries) || t.entries[idx] == nil {
		return nil
	}
	r := t.entries[idx]
	r.OwnerTID = tid
	return r
}

// Put clears ownership of the record at handle.
func (t *Table) Put(handle uintptr) {
	t.mu.Lock()
	defer t.mu.Unlock()
	idx := index(handle)
	if idx >= len(t.entries) || t.entries[idx] == nil {
		return
	}
	t.entries[idx].OwnerTID = 0
}

// Close decrements the record's refcount and clears handle's slot; the
// record leaves the table once its last handle is closed and the refcount
// reaches zero. Fixed entries (stdout/stderr output buffers) are never
// closed.
func (t *Table) Close(handle uintptr) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	idx := index(handle)
	if idx >= len(t.entries) || t.entries[idx] == nil {
		return errdefs.ErrInvalidHandle
	}
	r := t.entries[idx]
	if r.Fixed {
		return nil
	}
	r.Refcount--
	t.entries[idx] = nil
	return nil
}

// Duplicate registers handle as a second entry pointing at the same record
// as source, bumping its refcount, implementing the DuplicateHandle
// contract for intercepted source handles within the current process
// (spec.md §9 Open Question: cross-process duplication is out of scope and
// must fall back to the OS by the caller before reaching this method).
func (t *Table) Duplicate(source, handle uintptr) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	idx := index(source)
	if idx >= len(t.entries) || t.entries[idx] == nil {
		return errdefs.ErrInvalidHandle
	}
	r := t.entries[idx]
	r.Refcount++
	dst := index(handle)
	t.grow(dst)
	t.entries[dst] = r
	return nil
}

// Reap forcibly removes every non-fixed entry; called at per-job late
// cleanup. Returns the count of entries removed.
func (t *Table) Reap() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := 0
	for i, r := range t.entries {
		if r == nil || r.Fixed {
			continue
		}
		t.entries[i] = nil
		n++
	}
	return n
}

// Len returns the number of currently occupied slots (fixed and non-fixed).
func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := 0
	for _, r := range t.entries {
		if r != nil {
			n++
		}
	}
	return n
}
