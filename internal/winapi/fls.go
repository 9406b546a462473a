//go:build windows

package winapi

// Fiber-local-storage bindings. The sandboxed tool's CRT startup allocates
// an FLS slot per the process's TLS callback list; the worker must track
// and free these slots on job teardown the same way it tracks TLS indices
// (spec.md §4.9), since a stuck FLS slot would leak across jobs that share
// the process.

const FlsOutOfIndexes = 0xFFFFFFFF

//sys flsAlloc(callback uintptr) (index uint32, err error) = kernel32.FlsAlloc
//sys flsFree(index uint32) (err error) = kernel32.FlsFree
//sys flsGetValue(index uint32) (value uintptr, err error) = kernel32.FlsGetValue
//sys flsSetValue(index uint32, value uintptr) (err error) = kernel32.FlsSetValue
