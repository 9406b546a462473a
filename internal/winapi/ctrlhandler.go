//go:build windows

package winapi

import "golang.org/x/sys/windows"

// Console control event codes passed to a HandlerRoutine registered via
// SetConsoleCtrlHandler (spec.md §5 "ControlHandler").
const (
	CtrlCEvent        = 0
	CtrlBreakEvent    = 1
	CtrlCloseEvent    = 2
	CtrlLogoffEvent   = 5
	CtrlShutdownEvent = 6
)

// ctrlHandlerCallback keeps the callback trampoline alive for the process
// lifetime; SetConsoleCtrlHandler only stores the raw code pointer, so the
// Go value backing it must not be collected.
var ctrlHandlerCallback uintptr

//sys setConsoleCtrlHandler(handlerRoutine uintptr, add bool) (err error) = kernel32.SetConsoleCtrlHandler

// RegisterCtrlHandler installs fn as the process's console control handler.
// Windows invokes it on a dedicated system thread, never the main thread
// (spec.md §5), so fn must not touch unsynchronized sandbox state directly.
func RegisterCtrlHandler(fn func(ctrlType uint32) bool) error {
	ctrlHandlerCallback = windows.NewCallback(func(ctrlType uint32) uintptr {
		if fn(ctrlType) {
			return 1
		}
		return 0
	})
	return setConsoleCtrlHandler(ctrlHandlerCallback, true)
}
