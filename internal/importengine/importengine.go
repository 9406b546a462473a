// Package importengine implements the IAT rewriting described in
// spec.md §4.10: three replacement tables (manual-image, native-image,
// GetProcAddress), two replacement styles (single-pointer, CRT-slot
// array), and the read-only-page patching needed to rewrite a natively
// loaded DLL's import table.
package importengine

import (
	"strings"

	"github.com/pkg/errors"
)

// Style distinguishes a fixed function pointer from a per-CRT-instance
// dispatch array.
type Style int

const (
	StyleSinglePointer Style = iota
	StyleCRTSlotArray
)

const crtSlotCount = 32

// Replacement describes one intercepted import: the (function, optional
// module) key it matches, its style, and the pointer(s) it supplies.
type Replacement struct {
	FunctionName string
	ModuleName   string // "" matches any module exporting FunctionName

	Style Style

	// Single-pointer style: the fixed replacement address.
	Pointer uintptr

	// CRT-slot-array style: one function pointer per possible CRT slot
	// (spec.md §4.10 — lets a wrapper route to the caller's CRT instance).
	SlotArray [crtSlotCount]uintptr

	// ExecutableOnly restricts this replacement to the main executable's
	// imports, leaving shared DLLs with OS semantics (e.g. atexit
	// registration, per spec.md §4.10).
	ExecutableOnly bool
}

// Table is a (function, module) -> Replacement lookup. ModuleName "" acts
// as a wildcard matched only if no exact (function, module) pair exists.
type Table struct {
	exact    map[key]*Replacement
	wildcard map[string]*Replacement
}

type key struct {
	function, module string
}

func NewTable() *Table {
	return &Table{
		exact:    make(map[key]*Replacement),
		wildcard: make(map[string]*Replacement),
	}
}

// Register adds r to the table.
func (t *Table) Register(r *Replacement) {
	fn := strings.ToLower(r.FunctionName)
	if r.ModuleName == "" {
		t.wildcard[fn] = r
		return
	}
	t.exact[key{fn, strings.ToLower(r.ModuleName)}] = r
}

// Lookup finds a replacement for functionName imported from moduleName,
// preferring an exact module match over the wildcard.
func (t *Table) Lookup(functionName, moduleName string) (*Replacement, bool) {
	fn := strings.ToLower(functionName)
	if r, ok := t.exact[key{fn, strings.ToLower(moduleName)}]; ok {
		return r, true
	}
	if r, ok := t.wildcard[fn]; ok {
		return r, true
	}
	return nil, false
}

// ResolvedPointer returns the pointer to install in an IAT slot, resolving
// CRT-slot-array style by the importing module's crtSlot (spec.md §4.10).
func (r *Replacement) ResolvedPointer(crtSlot int) (uintptr, error) {
	if r.Style == StyleSinglePointer {
		return r.Pointer, nil
	}
	if crtSlot < 0 || crtSlot >= crtSlotCount {
		return 0, errors.Errorf("importengine: CRT slot %d out of range", crtSlot)
	}
	return r.SlotArray[crtSlot], nil
}

// Engine owns the three replacement tables and dispatches patch
// operations according to where an import is being resolved.
type Engine struct {
	ManualImage    *Table // applied resolving imports for manually loaded images; full set
	NativeImage    *Table // applied walking the IAT of whitelisted native DLLs; narrower set
	GetProcAddress *Table // applied when GetProcAddress would return an isolated symbol
}

func NewEngine() *Engine {
	return &Engine{
		ManualImage:    NewTable(),
		NativeImage:    NewTable(),
		GetProcAddress: NewTable(),
	}
}

// IATPatcher abstracts the VirtualProtect-guarded write needed to patch a
// natively loaded DLL's read-only .rdata IAT (spec.md §4.10: "requires
// making the read-only .rdata page writable, patching, restoring the
// original protection"). Production wires real VirtualProtect calls;
// tests use an in-memory fake over a byte slice.
type IATPatcher interface {
	WriteSlot(slotAddr uintptr, value uintptr) error
}

// PatchNativeIAT walks thunks (RVA-addressed-as-uintptr slot -> imported
// function name/module) and installs every matching NativeImage
// replacement via patcher, honoring ExecutableOnly and CRT-slot
// resolution.
func (e *Engine) PatchNativeIAT(patcher IATPatcher, thunks []Thunk, isExecutable bool, crtSlot int) error {
	for _, th := range thunks {
		repl, ok := e.NativeImage.Lookup(th.FunctionName, th.ModuleName)
		if !ok {
			continue
		}
		if repl.ExecutableOnly && !isExecutable {
			continue
		}
		ptr, err := repl.ResolvedPointer(crtSlot)
		if err != nil {
			return errors.Wrapf(err, "importengine: patching %s", th.FunctionName)
		}
		if err := patcher.WriteSlot(th.SlotAddr, ptr); err != nil {
			return errors.Wrapf(err, "importengine: write IAT slot for %s", th.FunctionName)
		}
	}
	return nil
}

// Thunk is one IAT slot to consider for patching.
type Thunk struct {
	FunctionName string
	ModuleName   string
	SlotAddr     uintptr
}
