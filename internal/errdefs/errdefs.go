// Package errdefs collects the Win32 error codes kWorker's replacement
// functions need to hand back via SetLastError, and a small set of Go
// sentinel errors for the internal (non-ABI-crossing) parts of the sandbox.
package errdefs

import (
	"errors"
	"syscall"
)

// Win32 error codes replacement functions translate internal failures into.
// Replacement functions never propagate a Go error across the Win32 ABI
// boundary (spec.md §7); they call windows.SetLastError with one of these
// and return the failure value the real API would have returned.
const (
	ErrFileNotFound        = syscall.Errno(0x2)
	ErrPathNotFound        = syscall.Errno(0x3)
	ErrAccessDenied        = syscall.Errno(0x5)
	ErrInvalidHandle       = syscall.Errno(0x6)
	ErrNotEnoughMemory     = syscall.Errno(0x8)
	ErrInvalidData         = syscall.Errno(0xd)
	ErrNegativeSeek        = syscall.Errno(0x83)
	ErrMoreData            = syscall.Errno(0xea)
	ErrFileExists          = syscall.Errno(0x50)
	ErrFilenameExcedRange  = syscall.Errno(0xce)
	ErrAlreadyExists       = syscall.Errno(0xb7)
	NTEBadHash             = syscall.Errno(0x80090002)
	NTEBadAlgid            = syscall.Errno(0x80090008)
)

// Internal sentinel errors. These never cross the Win32 ABI boundary; they
// are used for control flow inside the Go implementation of a component.
var (
	// ErrToolNotSandboxable is returned by the tool registry when a requested
	// executable is not a recognized sandboxed-tool kind.
	ErrToolNotSandboxable = errors.New("kworker: executable is not sandboxable")

	// ErrModuleCycle is returned by the PE loader/module registry if the
	// import graph it is resolving loops back on a module still being
	// initialized (should be architecturally impossible; surfaced as an
	// unrecoverable inconsistency per spec.md §7).
	ErrModuleCycle = errors.New("kworker: module import cycle detected")

	// ErrTLSTooLarge is returned by the PE loader when an image's TLS block
	// does not fit any pre-built helper DLL (spec.md §9 Open Question: no
	// dynamic growth path exists).
	ErrTLSTooLarge = errors.New("kworker: TLS block exceeds largest helper DLL")

	// ErrArchMismatch is returned when a PE image's machine type does not
	// match the worker's own bitness.
	ErrArchMismatch = errors.New("kworker: PE architecture mismatch")

	// ErrNotPE is returned when a file fails PE/COFF header validation.
	ErrNotPE = errors.New("kworker: not a valid PE image")

	// ErrBudgetExceeded signals the sandbox lifecycle that the worker should
	// restart after the current job (spec.md §4.13 step 9).
	ErrBudgetExceeded = errors.New("kworker: resource budget exceeded, restart scheduled")
)

// IsAny reports whether err matches any of targets via errors.Is.
func IsAny(err error, targets ...error) bool {
	for _, t := range targets {
		if errors.Is(err, t) {
			return true
		}
	}
	return false
}
