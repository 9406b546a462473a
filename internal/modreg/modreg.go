// Package modreg implements the global module registry described in
// spec.md §4.11 and the Module record from spec.md's data model: a
// global, insertion-ordered list plus a hash index for path lookup, and
// per-tool sorted-by-handle arrays for GetModuleHandle/GetProcAddress
// emulation.
package modreg

import (
	"hash/fnv"
	"sort"
	"strings"

	"github.com/kworker/kworker/internal/errdefs"
)

// State is a manually loaded module's lifecycle stage (spec.md data model).
type State int

const (
	StateNeedsBits State = iota
	StateNeedsInit
	StateBeingInited
	StateInitFailed
	StateReady
)

// QuickCopyRegion is one source->destination memcpy descriptor used to
// reset a writable section without touching clean pages (spec.md §4.9,
// glossary "Quick-copy / quick-zero plan"). Up to 3 are kept per module.
type QuickCopyRegion struct {
	Offset uint32
	Length uint32
}

// QuickZeroRegion is one destination-only zero-fill descriptor, likewise
// capped at 3 per module.
type QuickZeroRegion struct {
	Offset uint32
	Length uint32
}

const (
	maxQuickCopyRegions = 3
	maxQuickZeroRegions = 3
	maxCRTSlots         = 32
)

// Module represents one loaded PE image (spec.md data model "Module").
type Module struct {
	Path       string // normalized, ANSI-equivalent form
	BaseName   string
	PathHash   uint32
	RefCount   int
	IsExecutable bool
	IsNative     bool
	OSHandle     uintptr
	ImageSize    uint32
	CRTSlot      int // -1 means "none"

	Imports []*Module

	// Manual-load-only fields; zero/nil for IsNative modules.
	VirginBytes []byte
	LiveBytes   []byte
	QuickCopy   []QuickCopyRegion
	QuickZero   []QuickZeroRegion

	TLSInitData []byte
	TLSIndex    uint32
	TLSCallbacks []uintptr

	State         State
	ReinitBaseline State

	// VirtualAPIMod is set on virtual-API forwarder modules
	// (api-ms-*/ext-ms-*): it points at the real DLL the forwarder
	// resolves exports through (spec.md glossary "Virtual-API module").
	VirtualAPIMod *Module
}

// ResetForJob moves a READY manually-loaded module back towards its
// reinit baseline at the start of a job (spec.md §4.13 step 1): the new
// state is whichever of {current, baseline} is earlier in the lifecycle.
func (m *Module) ResetForJob() {
	if m.IsNative {
		return
	}
	if m.ReinitBaseline < m.State {
		m.State = m.ReinitBaseline
	}
}

func pathHash(path string) uint32 {
	h := fnv.New32a()
	h.Write([]byte(strings.ToLower(path)))
	return h.Sum32()
}

const bucketCount = 127

// Registry is the global module table: insertion order preserved for
// deterministic depth-first walks (spec.md §4.13 step 4), plus a
// path-hash-mod-127 index for O(1) average lookup (spec.md §4.11).
type Registry struct {
	ordered []*Module
	buckets [bucketCount][]*Module
}

func New() *Registry {
	return &Registry{}
}

// Lookup finds a module by exact normalized path (case-insensitive).
func (r *Registry) Lookup(path string) *Module {
	b := pathHash(path) % bucketCount
	for _, m := range r.buckets[b] {
		if strings.EqualFold(m.Path, path) {
			return m
		}
	}
	return nil
}

// Add inserts a newly created module into the registry. The caller
// supplies PathHash/BaseName already computed, or leaves them zero for Add
// to fill in from Path.
func (r *Registry) Add(m *Module) {
	if m.PathHash == 0 {
		m.PathHash = pathHash(m.Path)
	}
	if m.BaseName == "" {
		m.BaseName = m.Path[strings.LastIndexAny(m.Path, `\/`)+1:]
	}
	m.CRTSlot = -1
	m.RefCount = 1
	r.ordered = append(r.ordered, m)
	b := m.PathHash % bucketCount
	r.buckets[b] = append(r.buckets[b], m)
}

// All returns every module in insertion order (never a copy the caller
// should mutate the slice header of, but element pointers are shared and
// mutable — matching the single global Module record spec.md describes).
func (r *Registry) All() []*Module {
	return r.ordered
}

// ResetAllForJob walks every module in insertion order and resets its
// state. Each module's reset depends only on its own state, so the order
// of the walk does not change the result.
func (r *Registry) ResetAllForJob() {
	for _, m := range r.ordered {
		m.ResetForJob()
	}
}

// AllocateCRTSlot assigns the next free CRT slot (0..31) to m. Returns an
// error if all 32 are in use.
func (r *Registry) AllocateCRTSlot(m *Module) error {
	used := make([]bool, maxCRTSlots)
	for _, mod := range r.ordered {
		if mod.CRTSlot >= 0 {
			used[mod.CRTSlot] = true
		}
	}
	for i := 0; i < maxCRTSlots; i++ {
		if !used[i] {
			m.CRTSlot = i
			return nil
		}
	}
	return errdefs.ErrNotEnoughMemory
}

// ByHandle is a per-tool sorted-by-OS-handle index supporting binary
// search for GetModuleHandle/GetProcAddress/RtlPcToFileHeader (spec.md
// §4.11). When multiple modules share one OS handle (virtual-API
// forwarders), the non-virtual module sorts first so a backward scan from
// a binary-search hit finds it.
type ByHandle struct {
	mods []*Module
}

func NewByHandle() *ByHandle {
	return &ByHandle{}
}

// Insert adds m and keeps the slice sorted by (OSHandle, isVirtual-last).
func (bh *ByHandle) Insert(m *Module) {
	bh.mods = append(bh.mods, m)
	sort.SliceStable(bh.mods, func(i, j int) bool {
		a, b := bh.mods[i], bh.mods[j]
		if a.OSHandle != b.OSHandle {
			return a.OSHandle < b.OSHandle
		}
		// non-virtual (VirtualAPIMod == nil) sorts first
		return a.VirtualAPIMod == nil && b.VirtualAPIMod != nil
	})
}

// Find returns the first (non-virtual-preferring) module registered under
// handle, or nil.
func (bh *ByHandle) Find(handle uintptr) *Module {
	i := sort.Search(len(bh.mods), func(i int) bool {
		return bh.mods[i].OSHandle >= handle
	})
	if i >= len(bh.mods) || bh.mods[i].OSHandle != handle {
		return nil
	}
	// scan backward to the first match, since duplicates sort
	// non-virtual-first but Search may have landed mid-run
	for i > 0 && bh.mods[i-1].OSHandle == handle {
		i--
	}
	return bh.mods[i]
}

// Len reports the number of modules indexed (test/diagnostic use).
func (bh *ByHandle) Len() int { return len(bh.mods) }
