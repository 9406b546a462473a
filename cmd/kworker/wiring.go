//go:build windows

package main

import (
	"os"
	"strings"
	"unsafe"

	"github.com/pkg/errors"
	"golang.org/x/sys/windows"

	"github.com/kworker/kworker/internal/errdefs"
	"github.com/kworker/kworker/internal/fscache"
	"github.com/kworker/kworker/internal/modreg"
	"github.com/kworker/kworker/internal/peloader"
	ksync "github.com/kworker/kworker/internal/sync"
	"github.com/kworker/kworker/internal/winapi"
)

// directFileSource is the production fscache.Source: the real volatile-tree
// metadata cache is an out-of-scope collaborator (spec.md §1), so this
// talks to the filesystem directly, for --test runs as well. It still satisfies the
// Source contract the rest of the worker is written against.
type directFileSource struct{}

func (directFileSource) Lookup(path string) (*fscache.Object, error) {
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return nil, errdefs.ErrFileNotFound
		}
		return nil, err
	}
	return &fscache.Object{FullPath: path}, nil
}

func (s directFileSource) LookupNoMissing(path string) (*fscache.Object, error) {
	obj, err := s.Lookup(path)
	if errdefs.IsAny(err, errdefs.ErrFileNotFound, errdefs.ErrPathNotFound) {
		return nil, nil
	}
	return obj, err
}

func (directFileSource) GetFullPath(obj *fscache.Object) string { return obj.FullPath }
func (directFileSource) InvalidateCustomBoth()                  {}
func (directFileSource) SetupCustomRevisionForTree(*fscache.Object) {}

// fileLoader implements toolreg.Loader by manually mapping the executable
// and every DLL it statically imports (spec.md §4.9-§4.11), reusing
// already-registered modules across tools.
type fileLoader struct {
	modules *modreg.Registry
}

func (l *fileLoader) LoadExecutable(path string) (*modreg.Module, uint32, []*modreg.Module, error) {
	exe, entry, err := l.loadOne(path, true)
	if err != nil {
		return nil, 0, nil, err
	}
	return exe, entry, l.transitiveImports(exe), nil
}

// transitiveImports walks the dependency graph recorded on each module's
// Imports field (populated by loadOne), returning every module reachable
// from exe excluding exe itself, deduplicated.
func (l *fileLoader) transitiveImports(exe *modreg.Module) []*modreg.Module {
	var out []*modreg.Module
	seen := map[*modreg.Module]bool{exe: true}
	var walk func(m *modreg.Module)
	walk = func(m *modreg.Module) {
		for _, dep := range m.Imports {
			if seen[dep] {
				continue
			}
			seen[dep] = true
			out = append(out, dep)
			walk(dep)
		}
	}
	walk(exe)
	return out
}

// loadOne manually maps the image at path, registering it (or returning the
// already-registered Module) and recursively loading its static imports.
func (l *fileLoader) loadOne(path string, isExecutable bool) (*modreg.Module, uint32, error) {
	if m := l.modules.Lookup(path); m != nil {
		return m, 0, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, 0, errors.Wrapf(err, "kworker: read %s", path)
	}
	img, err := peloader.Parse(data, winapi.ImageFileMachineAMD64)
	if err != nil {
		return nil, 0, errors.Wrapf(err, "kworker: parse %s", path)
	}
	mapped := img.MapImage()

	m := &modreg.Module{
		Path:         path,
		BaseName:     baseName(path),
		IsExecutable: isExecutable,
		ImageSize:    img.OptionalHeader.SizeOfImage,
		VirginBytes:  append([]byte(nil), mapped...),
		LiveBytes:    mapped,
	}
	l.modules.Add(m)

	importedDLLs, err := peloader.ParseImports(mapped, img.DataDirectory(winapi.ImageDirectoryEntryImport))
	if err != nil {
		return nil, 0, errors.Wrapf(err, "kworker: parse imports of %s", path)
	}
	for _, dll := range importedDLLs {
		depPath := resolveSystemDLL(dll.Name)
		dep, _, err := l.loadOne(depPath, false)
		if err != nil {
			// A missing system DLL on the loader's own box is a setup
			// failure, not a per-job one; surface it rather than silently
			// dropping the dependency edge.
			return nil, 0, err
		}
		m.Imports = append(m.Imports, dep)
	}

	relocs, err := peloader.ParseRelocations(mapped, img.DataDirectory(winapi.ImageDirectoryEntryBaseReloc))
	if err != nil {
		return nil, 0, errors.Wrapf(err, "kworker: parse relocations of %s", path)
	}
	peloader.ApplyRelocations(mapped, relocs, img.OptionalHeader.ImageBase, img.OptionalHeader.ImageBase)

	tls, err := peloader.ParseTLSDirectory(mapped, img.DataDirectory(winapi.ImageDirectoryEntryTLS), img.OptionalHeader.ImageBase)
	if err != nil {
		return nil, 0, errors.Wrapf(err, "kworker: parse TLS directory of %s", path)
	}
	if tls != nil {
		if _, err := peloader.SelectTLSSizeClass(len(tls.RawData) + int(tls.ZeroFillSize)); err != nil {
			return nil, 0, errors.Wrapf(err, "kworker: size TLS block of %s", path)
		}
		m.TLSInitData = tls.RawData
		m.TLSIndex = tls.IndexRVA
		m.TLSCallbacks = make([]uintptr, len(tls.Callbacks))
		for i, rva := range tls.Callbacks {
			m.TLSCallbacks[i] = uintptr(rva)
		}
	}

	excepts, err := peloader.ParseExceptionDirectory(mapped, img.DataDirectory(winapi.ImageDirectoryEntryException))
	if err != nil {
		return nil, 0, errors.Wrapf(err, "kworker: parse exception directory of %s", path)
	}
	if len(excepts) > 0 {
		// Registration needs the live image's actual base address; it is
		// keyed off m.LiveBytes (== mapped) rather than a separately
		// VirtualAlloc'd region, since this loader does not itself make the
		// image executable (see nativeEntrypoint's doc comment on why
		// actually running manually-mapped code is out of scope here).
		winapi.RegisterFunctionTable(excepts, uintptr(unsafe.Pointer(&mapped[0])))
	}

	return m, img.OptionalHeader.AddressOfEntryPoint, nil
}

func baseName(path string) string {
	if i := strings.LastIndexAny(path, `\/`); i >= 0 {
		return path[i+1:]
	}
	return path
}

// systemDirectory is resolved once and cached: every imported system DLL
// across every tool and job resolves against the same directory for the
// life of the process, so there is no reason to repeat the syscall.
var systemDirectory = ksync.OnceValue(windows.GetSystemDirectory)

// resolveSystemDLL expands a bare import name (e.g. "KERNEL32.dll") to a
// path under the system directory; a name that already contains a path
// separator is returned unchanged. loadOne maps the resolved DLL manually,
// like any other import: there is no native-load path for system DLLs.
func resolveSystemDLL(name string) string {
	if strings.ContainsAny(name, `\/`) {
		return name
	}
	sysDir, err := systemDirectory()
	if err != nil {
		return name
	}
	return sysDir + `\` + name
}

// liveProcessProbe reports the worker's own resource usage for the restart
// budget check (spec.md §4.13 step 9).
type liveProcessProbe struct {
	handle windows.Handle
}

func (p *liveProcessProbe) WorkingSetBytes() (uint64, error) {
	var counters winapi.ProcessMemoryCounters
	counters.Cb = uint32(unsafe.Sizeof(counters))
	if err := winapi.GetProcessMemoryInfo(uintptr(p.handle), &counters, counters.Cb); err != nil {
		return 0, err
	}
	return uint64(counters.WorkingSetSize), nil
}

func (p *liveProcessProbe) HandleCount() (int, error) {
	var count uint32
	if err := winapi.GetProcessHandleCount(uintptr(p.handle), &count); err != nil {
		return 0, err
	}
	return int(count), nil
}
