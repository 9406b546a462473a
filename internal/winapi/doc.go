// Package winapi contains low-level bindings this sandbox needs beyond what
// golang.org/x/sys/windows already provides: the PE/COFF on-disk structures
// the loader walks directly, and the handful of CryptoAPI, FLS,
// unwind-table, thread-group-affinity, psapi and console-control syscalls
// with no existing wrapper.
package winapi

//go:generate go tool github.com/Microsoft/go-winio/tools/mkwinsyscall -output zsyscall_windows.go crypt.go fls.go unwind.go procgroup.go psapi.go ctrlhandler.go
