//go:build windows

// Package interop holds small pointer/string conversion helpers shared by
// every component that crosses the Win32 ABI boundary (replacement
// functions, the PE loader, the handle table).
package interop

import (
	"syscall"
	"unsafe"
)

// ConvertUTF16ToString converts a NUL-terminated UTF-16 buffer to a Go
// string, duplicating the underlying data and leaving buffer untouched.
func ConvertUTF16ToString(buffer *uint16) string {
	if buffer == nil {
		return ""
	}
	return syscall.UTF16ToString((*[1 << 29]uint16)(unsafe.Pointer(buffer))[:])
}

// ConvertUTF16ToStringN is like ConvertUTF16ToString but bounds the scan to
// n uint16 units instead of relying on a NUL terminator; used for fields
// such as UNICODE_STRING.Buffer that are not guaranteed to be terminated.
func ConvertUTF16ToStringN(buffer *uint16, n int) string {
	if buffer == nil || n <= 0 {
		return ""
	}
	s := (*[1 << 29]uint16)(unsafe.Pointer(buffer))[:n:n]
	return syscall.UTF16ToString(s)
}

// utf16UnitsToNUL counts the uint16 units at p up to (not including) its
// terminating NUL.
func utf16UnitsToNUL(p *uint16) int {
	units := (*[1 << 29]uint16)(unsafe.Pointer(p))
	n := 0
	for units[n] != 0 {
		n++
	}
	return n
}

// ConvertUTF16BlockToStrings walks a double-NUL-terminated UTF-16 block
// (the form lpEnvironment takes at the CreateProcessW/LoadLibrary ABI
// boundary) into its NAME=VALUE entries, stopping at the block's
// terminating empty entry.
func ConvertUTF16BlockToStrings(base *uint16) []string {
	if base == nil {
		return nil
	}
	var out []string
	p := base
	for {
		n := utf16UnitsToNUL(p)
		if n == 0 {
			return out
		}
		out = append(out, ConvertUTF16ToStringN(p, n))
		p = (*uint16)(unsafe.Pointer(uintptr(unsafe.Pointer(p)) + uintptr(n+1)*2))
	}
}

// Win32FromHresult extracts the Win32 error code embedded in an HRESULT, or
// returns the HRESULT itself as an Errno when it is not FACILITY_WIN32.
func Win32FromHresult(hr uintptr) syscall.Errno {
	if hr&0x1fff0000 == 0x00070000 {
		return syscall.Errno(hr & 0xffff)
	}
	return syscall.Errno(hr)
}
