//go:build windows

package winapi

// ProcessMemoryCounters mirrors PROCESS_MEMORY_COUNTERS, used by the
// worker's resource probe to decide whether to schedule a restart after a
// job (spec.md §4.13 step 9, "Memory/handle budget check").
type ProcessMemoryCounters struct {
	Cb                         uint32
	PageFaultCount             uint32
	PeakWorkingSetSize         uintptr
	WorkingSetSize             uintptr
	QuotaPeakPagedPoolUsage    uintptr
	QuotaPagedPoolUsage        uintptr
	QuotaPeakNonPagedPoolUsage uintptr
	QuotaNonPagedPoolUsage     uintptr
	PagefileUsage              uintptr
	PeakPagefileUsage          uintptr
}

//sys GetProcessMemoryInfo(process uintptr, counters *ProcessMemoryCounters, cb uint32) (err error) = psapi.GetProcessMemoryInfo
//sys GetProcessHandleCount(process uintptr, count *uint32) (err error) = kernel32.GetProcessHandleCount
