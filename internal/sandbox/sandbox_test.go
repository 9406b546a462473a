package sandbox

import (
	"context"
	"testing"

	"github.com/kworker/kworker/internal/fscache"
	"github.com/kworker/kworker/internal/handletable"
	"github.com/kworker/kworker/internal/modreg"
	"github.com/kworker/kworker/internal/toolreg"
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

type fakeLoader struct{}

func (f *fakeLoader) LoadExecutable(path string) (*modreg.Module, uint32, []*modreg.Module, error) {
	return &modreg.Module{Path: path, IsExecutable: true}, 0x1000, nil, nil
}

func newTestSandbox(entry Entrypoint) *Sandbox {
	modules := modreg.New()
	adapter := fscache.New(newFakeSource())
	tools := toolreg.New(adapter, &fakeLoader{})
	return New(modules, tools, entry, nil, Budget{})
}

func TestRunJobExitViaLongjmpScenario(t *testing.T) {
	entry := func(argv, env []string) (int32, bool) {
		return 7, false
	}
	s := newTestSandbox(entry)

	job := &Job{ExecutablePath: `C:\bin\tool.exe`, Argv: []string{"tool.exe"}}
	result, err := s.RunJob(context.Background(), job)
	if err != nil {
		t.Fatalf("RunJob: %v", err)
	}
	if result.ExitCode != 7 {
		t.Fatalf("ExitCode = %d, want 7", result.ExitCode)
	}
}

func TestRunJobSEHRecoveryScenario(t *testing.T) {
	entry := func(argv, env []string) (int32, bool) {
		return 0, true
	}
	s := newTestSandbox(entry)

	job := &Job{ExecutablePath: `C:\bin\tool.exe`, Argv: []string{"tool.exe"}}
	result, err := s.RunJob(context.Background(), job)
	if err != nil {
		t.Fatalf("RunJob: %v", err)
	}
	if result.ExitCode != 512 {
		t.Fatalf("ExitCode = %d, want 512", result.ExitCode)
	}
	if !result.Exiting {
		t.Fatal("expected restart scheduled after SEH recovery")
	}
}

func TestRunJobResetsHandleTableBetweenJobs(t *testing.T) {
	entry := func(argv, env []string) (int32, bool) { return 0, false }
	s := newTestSandbox(entry)

	s.Handles.Enter(100, &handletable.Record{Variant: handletable.VariantTempFile})

	job := &Job{ExecutablePath: `C:\bin\tool.exe`, Argv: []string{"tool.exe"}}
	if _, err := s.RunJob(context.Background(), job); err != nil {
		t.Fatalf("RunJob: %v", err)
	}
	if s.Handles.Len() != 0 {
		t.Fatalf("expected handle table reaped after job, len=%d", s.Handles.Len())
	}
}
