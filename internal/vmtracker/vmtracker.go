// Package vmtracker implements the process-wide resource tracker described
// in spec.md §4.8: VirtualAlloc regions, HeapCreate handles, FLS/TLS
// indices, and atexit/_onexit registrations, each reclaimed at per-job late
// cleanup if the sandboxed tool leaked them.
package vmtracker

import (
	"sync"

	"github.com/kworker/kworker/internal/memory"
)

// VirtualAllocTracker tracks every VirtualAlloc made by a manually-loaded
// image, guarded by its own lock because the tolerated linker debug thread
// may touch it concurrently with the main thread (spec.md §5).
type VirtualAllocTracker struct {
	mu      sync.Mutex
	regions map[uintptr]uintptr // base -> size

	// reservePool is created with the tracker; nothing allocates from it.
	// Fixed pre-reserved ranges (e.g. cl.exe's PCH load address on 32-bit
	// builds) are only recorded by base address in fixedBases.
	reservePool *memory.PoolAllocator
	fixedBases  map[uintptr]bool
}

func NewVirtualAllocTracker() *VirtualAllocTracker {
	return &VirtualAllocTracker{
		regions:     make(map[uintptr]uintptr),
		reservePool: memory.NewPoolMemoryAllocator(),
		fixedBases:  make(map[uintptr]bool),
	}
}

// Track records a successful VirtualAlloc.
func (t *VirtualAllocTracker) Track(base uintptr, size uintptr) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.regions[base] = size
}

// Untrack removes base on VirtualFree(MEM_RELEASE); reports whether it was
// tracked.
func (t *VirtualAllocTracker) Untrack(base uintptr) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.regions[base]; !ok {
		return false
	}
	delete(t.regions, base)
	return true
}

// ReserveFixed marks base as one of the small table of fixed pre-reserved
// ranges. It records the base only; no memory is taken from reservePool.
// Reap never releases a fixed base.
func (t *VirtualAllocTracker) ReserveFixed(base uintptr) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.fixedBases[base] = true
}

// IsFixedReservation reports whether base falls in the pre-reserved table.
func (t *VirtualAllocTracker) IsFixedReservation(base uintptr) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.fixedBases[base]
}

// Reap frees every remaining non-fixed tracked region at late cleanup,
// returning the base/size pair of each region reclaimed. The caller performs the actual
// VirtualFree syscall per returned base/size pair.
func (t *VirtualAllocTracker) Reap() []struct{ Base, Size uintptr } {
	t.mu.Lock()
	defer t.mu.Unlock()
	var leaked []struct{ Base, Size uintptr }
	for base, size := range t.regions {
		if t.fixedBases[base] {
			continue
		}
		leaked = append(leaked, struct{ Base, Size uintptr }{base, size})
		delete(t.regions, base)
	}
	return leaked
}

// Len reports the number of currently tracked regions, fixed ones included.
func (t *VirtualAllocTracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.regions)
}

// HeapTracker tracks HeapCreate handles for statically linked tools.
// Unlike VirtualAllocTracker it is main-thread only (spec.md §5) so it
// needs no lock.
type HeapTracker struct {
	heaps map[uintptr]bool
}

func NewHeapTracker() *HeapTracker {
	return &HeapTracker{heaps: make(map[uintptr]bool)}
}

func (h *HeapTracker) Track(handle uintptr)   { h.heaps[handle] = true }
func (h *HeapTracker) Untrack(handle uintptr) { delete(h.heaps, handle) }

// Reap returns every leaked heap handle for HeapDestroy at late cleanup.
func (h *HeapTracker) Reap() []uintptr {
	out := make([]uintptr, 0, len(h.heaps))
	for handle := range h.heaps {
		out = append(out, handle)
	}
	h.heaps = make(map[uintptr]bool)
	return out
}

func (h *HeapTracker) Len() int { return len(h.heaps) }

// IndexTracker tracks FLS or TLS indices allocated by executables (not
// DLLs). Leaked indices are essential to free: a leftover FLS callback
// would otherwise fire during a later job against a dead sandbox
// (spec.md §4.8).
type IndexTracker struct {
	indices map[uint32]bool
}

func NewIndexTracker() *IndexTracker {
	return &IndexTracker{indices: make(map[uint32]bool)}
}

func (it *IndexTracker) Track(idx uint32)   { it.indices[idx] = true }
func (it *IndexTracker) Untrack(idx uint32) { delete(it.indices, idx) }

func (it *IndexTracker) Reap() []uint32 {
	out := make([]uint32, 0, len(it.indices))
	for idx := range it.indices {
		out = append(out, idx)
	}
	it.indices = make(map[uint32]bool)
	return out
}

func (it *IndexTracker) Len() int { return len(it.indices) }

// ExitCallback is one atexit/_onexit registration.
type ExitCallback func()

// ExitList replaces the CRT's process-level atexit list so late-running
// destructors never see a dead sandbox; run in LIFO order at end of job,
// with RunAll itself recovering a panic from each callback.
type ExitList struct {
	callbacks []ExitCallback
}

func NewExitList() *ExitList {
	return &ExitList{}
}

func (e *ExitList) Register(cb ExitCallback) {
	e.callbacks = append(e.callbacks, cb)
}

// RunAll invokes every registered callback in LIFO order, then clears the
// list. A panic from one callback is recovered so the remaining callbacks
// still run, mirroring the SEH-protected dispatch spec.md describes.
func (e *ExitList) RunAll() {
	for i := len(e.callbacks) - 1; i >= 0; i-- {
		func(cb ExitCallback) {
			defer func() { recover() }()
			cb()
		}(e.callbacks[i])
	}
	e.callbacks = nil
}

func (e *ExitList) Len() int { return len(e.callbacks) }
