//go:build windows

package winapi

// Exception-table registration for manually-mapped AMD64 images. The
// loader cannot rely on the OS loader to walk .pdata, so it registers each
// mapped image's function table itself and removes it at unload
// (spec.md §4.9: "SEH/unwind metadata the mapped image carries in its own
// .pdata section must still work for code running inside it").

//sys rtlAddFunctionTable(functionTable *RuntimeFunction, entryCount uint32, baseAddress uintptr) (ok bool) = ntdll.RtlAddFunctionTable
//sys rtlDeleteFunctionTable(functionTable *RuntimeFunction) (ok bool) = ntdll.RtlDeleteFunctionTable

// RegisterFunctionTable registers a manually-mapped AMD64 image's exception
// directory with the OS unwinder (spec.md §4.9). table must stay alive and
// unmodified for as long as the registration is in effect, since the OS
// keeps only a pointer to it.
func RegisterFunctionTable(table []RuntimeFunction, baseAddress uintptr) bool {
	if len(table) == 0 {
		return true
	}
	return rtlAddFunctionTable(&table[0], uint32(len(table)), baseAddress)
}

// UnregisterFunctionTable removes a previously registered table, identified
// by its first entry's address (the same identity RtlAddFunctionTable used).
func UnregisterFunctionTable(table []RuntimeFunction) bool {
	if len(table) == 0 {
		return true
	}
	return rtlDeleteFunctionTable(&table[0])
}
