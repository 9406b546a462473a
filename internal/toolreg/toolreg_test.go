package toolreg

import (
	"testing"

	"github.com/kworker/kworker/internal/fscache"
	"github.com/kworker/kworker/internal/modreg"
)

type fakeSource struct {
	objects map[string]*fscache.Object
}

func newFakeSource() *fakeSource {
	return &fakeSource{objects: make(map[string]*fscache.Object)}
}

func (f *fakeSource) Lookup(path string) (*fscache.Object, error) {
	if obj, ok := f.objects[path]; ok {
		return obj, nil
	}
	obj := &fscache.Object{FullPath: path}
	f.objects[path] = obj
	return obj, nil
}
func (f *fakeSource) LookupNoMissing(path string) (*fscache.Object, error) { return f.Lookup(path) }
func (f *fakeSource) GetFullPath(obj *fscache.Object) string               { return obj.FullPath }
func (f *fakeSource) InvalidateCustomBoth()                                {}
func (f *fakeSource) SetupCustomRevisionForTree(obj *fscache.Object)       {}

type fakeLoader struct {
	loads int
}

func (f *fakeLoader) LoadExecutable(path string) (*modreg.Module, uint32, []*modreg.Module, error) {
	f.loads++
	exe := &modreg.Module{Path: path, IsExecutable: true, OSHandle: uintptr(0x1000 + f.loads)}
	dep := &modreg.Module{Path: path + ".dep.dll", OSHandle: uintptr(0x2000 + f.loads)}
	return exe, 0x1000, []*modreg.Module{dep}, nil
}

func TestLookupCachesTool(t *testing.T) {
	src := newFakeSource()
	adapter := fscache.New(src)
	loader := &fakeLoader{}
	reg := New(adapter, loader)

	tool1, err := reg.Lookup(`C:\bin\cl.exe`, nil)
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if tool1.Family != FamilyCL {
		t.Fatalf("expected FamilyCL, got %v", tool1.Family)
	}
	if loader.loads != 1 {
		t.Fatalf("expected 1 load, got %d", loader.loads)
	}

	tool2, err := reg.Lookup(`C:\bin\cl.exe`, nil)
	if err != nil {
		t.Fatalf("Lookup second: %v", err)
	}
	if tool1 != tool2 {
		t.Fatal("expected cached tool reused")
	}
	if loader.loads != 1 {
		t.Fatalf("expected still 1 load after cache hit, got %d", loader.loads)
	}
}

func TestResolvePathViaPATH(t *testing.T) {
	env := []string{`PATH=C:\tools;C:\other`}
	got := resolvePath("link.exe", env)
	want := `C:\tools\link.exe`
	if got != want {
		t.Fatalf("resolvePath = %q, want %q", got, want)
	}
}

func TestResolvePathLeavesQualifiedPaths(t *testing.T) {
	got := resolvePath(`C:\x\cl.exe`, nil)
	if got != `C:\x\cl.exe` {
		t.Fatalf("resolvePath altered qualified path: %q", got)
	}
}
