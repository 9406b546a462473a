// Package sandbox implements the per-job lifecycle described in
// spec.md §4.13: it owns the singleton sandbox state and drives a job
// through init, execution, essential cleanup, and late cleanup.
package sandbox

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/kworker/kworker/internal/environ"
	"github.com/kworker/kworker/internal/handletable"
	"github.com/kworker/kworker/internal/hashcache"
	"github.com/kworker/kworker/internal/log"
	"github.com/kworker/kworker/internal/modreg"
	"github.com/kworker/kworker/internal/outputbuf"
	"github.com/kworker/kworker/internal/tempfile"
	"github.com/kworker/kworker/internal/toolreg"
	"github.com/kworker/kworker/internal/vmtracker"
)

// Job is one submission from the driver (spec.md §6 JOB message, decoded).
type Job struct {
	ExecutablePath string
	WorkingDir     string
	Argv           []string
	Env            []string
	WatcomQuoting  bool
	NoPCHCaching   bool
	SpecialEnvName string
	PostCmdArgv    []string
}

// Budget thresholds controlling the restart-after-job decision
// (spec.md §4.13 "Memory/handle budget check").
type Budget struct {
	MaxWorkingSetBytes uint64
	MaxHandleCount      int
}

// ResourceProbe reports live process resource usage; production wires
// GetProcessWorkingSetSize/GetProcessHandleCount, tests use a fake.
type ResourceProbe interface {
	WorkingSetBytes() (uint64, error)
	HandleCount() (int, error)
}

// Entrypoint invokes the tool's PE entry point. A real worker calls into
// manually-mapped (or natively loaded) machine code; tests substitute a
// Go function standing in for "the tool's main".
type Entrypoint func(argv []string, env []string) (exitCode int32, panicked bool)

// Result is what the Sandbox reports back to the driver for one job.
type Result struct {
	ExitCode int32
	Exiting  bool // true when the worker is about to shut down (restart/cancel)
	Stdout   string
	Stderr   string
}

// Sandbox is the singleton per-job state described in spec.md §3
// ("Sandbox state"). It is reachable from replacement callbacks invoked by
// natively loaded DLLs via IAT patches, so its exported methods are safe
// to call from any thread the tool's code runs on, even though the
// worker's own scheduling model is single-threaded cooperative (spec.md §5).
type Sandbox struct {
	mu sync.Mutex

	Modules *modreg.Registry
	Tools   *toolreg.Registry

	Handles   *handletable.Table
	VirtAlloc *vmtracker.VirtualAllocTracker
	Heaps     *vmtracker.HeapTracker
	FLS       *vmtracker.IndexTracker
	TLS       *vmtracker.IndexTracker
	ExitList  *vmtracker.ExitList

	TempFiles *tempfile.Store
	Hashes    *hashcache.Store

	Env *environ.Vars

	entry Entrypoint
	probe ResourceProbe
	budget Budget

	restartAfterJob bool
	running         bool

	lastMSPDBEndpoint string
	priorCommandLine  string
}

// New constructs a Sandbox ready to run jobs. probe may be nil in tests
// that don't exercise the budget check.
func New(modules *modreg.Registry, tools *toolreg.Registry, entry Entrypoint, probe ResourceProbe, budget Budget) *Sandbox {
	return &Sandbox{
		Modules:   modules,
		Tools:     tools,
		Handles:   handletable.New(),
		VirtAlloc: vmtracker.NewVirtualAllocTracker(),
		Heaps:     vmtracker.NewHeapTracker(),
		FLS:       vmtracker.NewIndexTracker(),
		TLS:       vmtracker.NewIndexTracker(),
		ExitList:  vmtracker.NewExitList(),
		TempFiles: tempfile.NewStore(),
		Hashes:    hashcache.NewStore(),
		Env:       environ.New(),
		entry:     entry,
		probe:     probe,
		budget:    budget,
	}
}

// RestartScheduled reports whether the previous job's late cleanup tripped
// the resource budget, per spec.md §4.13.
func (s *Sandbox) RestartScheduled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.restartAfterJob
}

// RunJob drives one job through the full lifecycle: reset, init, execute,
// essential cleanup, late cleanup (spec.md §4.13 steps 1-9).
func (s *Sandbox) RunJob(ctx context.Context, job *Job) (*Result, error) {
	logger := log.G(ctx).WithField("exe", job.ExecutablePath)
	logger.Debug("starting job")

	tool, err := s.Tools.Lookup(job.ExecutablePath, job.Env)
	if err != nil {
		return nil, errors.Wrap(err, "sandbox: resolve tool")
	}

	// Step 1: reset module state: each module's state drops to its
	// ReinitBaseline when that is lower. A change of _MSPDBSRV_ENDPOINT_
	// between jobs is not detected (lastMSPDBEndpoint is never set), so no
	// mspdb module is scheduled for re-init on that account.
	s.Modules.ResetAllForJob()

	// Step 2: argv/env/command-line.
	for _, kv := range job.Env {
		name, value, ok := splitEnv(kv)
		if ok {
			s.Env.Set(name, value)
		}
	}
	style := environ.QuoteStyleMSVC
	if job.WatcomQuoting {
		style = environ.QuoteStyleWatcom
	}
	cmdLine := environ.BuildCommandLine(job.Argv, style)
	logger.WithField("cmdLine", cmdLine).Trace("built command line")

	pebCmdLine, err := environ.PEBCommandLine(cmdLine)
	if err != nil {
		logger.WithError(err).Warn("failed to build PEB command-line swap value")
	} else {
		logger.WithField("pebCommandLine", pebCmdLine.String()).Trace("PEB command-line swapped in for job")
	}

	sink := &captureSink{}
	family := outputbuf.ToolHintNone
	if tool.Family.IsCL() {
		family = outputbuf.ToolHintCL
	}
	outBuf := outputbuf.New(sink, family, true, true)

	// Steps 4-5 (module bit/init reset) are driven by the PE loader against
	// the tool's dependency graph; orchestration only needs the
	// depth-first module walk already reflected in s.Modules' insertion
	// order (see modreg.Registry.ResetAllForJob).

	// Steps 6-7: run the entry point.
	s.setRunning(true)
	exitCode, panicked := s.entry(job.Argv, job.Env)
	s.setRunning(false)

	if panicked {
		exitCode = 512
		logger.Warn("sandboxed exception recovered, scheduling restart")
		s.mu.Lock()
		s.restartAfterJob = true
		s.mu.Unlock()
	}

	// Step 8: essential cleanup. Swapping the built UNICODE_STRING values
	// into the real PEB/TIB belongs to the platform-specific entry
	// trampoline; restoring the pre-job command line and flushing output
	// are essential cleanup this package does own.
	if restored, err := environ.RestorePEBCommandLine(s.priorCommandLine); err != nil {
		logger.WithError(err).Warn("failed to build PEB command-line restore value")
	} else {
		logger.WithField("pebCommandLine", restored.String()).Trace("PEB command-line restored after job")
	}
	s.priorCommandLine = cmdLine

	if err := outBuf.FinalFlush(); err != nil {
		logger.WithError(err).Warn("final output flush failed")
	}

	result := &Result{
		ExitCode: exitCode,
		Stdout:   outBuf.CapturedOutput(),
	}

	// Step 9: late cleanup.
	s.lateCleanup(logger)

	result.Exiting = s.RestartScheduled()
	return result, nil
}

func splitEnv(kv string) (name, value string, ok bool) {
	for i := 0; i < len(kv); i++ {
		if kv[i] == '=' {
			return kv[:i], kv[i+1:], true
		}
	}
	return "", "", false
}

func (s *Sandbox) setRunning(v bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.running = v
}

// lateCleanup reclaims handles, temp files, virtual allocs, heaps, FLS/TLS
// indices, and hash contexts, then checks the resource budget.
func (s *Sandbox) lateCleanup(logger *logrus.Entry) {
	reaped := s.Handles.Reap()
	s.TempFiles.Reset()
	leakedVM := s.VirtAlloc.Reap()
	leakedHeaps := s.Heaps.Reap()
	leakedFLS := s.FLS.Reap()
	leakedTLS := s.TLS.Reap()
	s.ExitList.RunAll()
	s.Hashes.Reset()

	logger.WithFields(logrus.Fields{
		"handlesReaped": reaped,
		"vmLeaked":      len(leakedVM),
		"heapsLeaked":   len(leakedHeaps),
		"flsLeaked":     len(leakedFLS),
		"tlsLeaked":     len(leakedTLS),
	}).Debug("late cleanup complete")

	if s.probe == nil {
		return
	}
	ws, err := s.probe.WorkingSetBytes()
	if err == nil && s.budget.MaxWorkingSetBytes > 0 && ws > s.budget.MaxWorkingSetBytes {
		s.mu.Lock()
		s.restartAfterJob = true
		s.mu.Unlock()
	}
	hc, err := s.probe.HandleCount()
	if err == nil && s.budget.MaxHandleCount > 0 && hc > s.budget.MaxHandleCount {
		s.mu.Lock()
		s.restartAfterJob = true
		s.mu.Unlock()
	}
}

// captureSink is the Sink RunJob hands every job's output buffer. It
// discards all writes; no console or pipe writer is wired, so a job's
// output reaches the caller only as Result.Stdout.
type captureSink struct{}

func (c *captureSink) WriteConsole(s string) error { return nil }
func (c *captureSink) WriteRaw(b []byte) error      { return nil }

// CancellationState tracks Ctrl-C/Ctrl-Break handling (spec.md §4.13
// "Cancellation").
type CancellationState struct {
	mu       sync.Mutex
	rcCtrlC  int32
	occurred int
}

// Signal records one Ctrl-C/Ctrl-Break occurrence, returning the exit code
// to use and whether this is the second occurrence (which should
// terminate the process immediately rather than waiting for the grace
// period).
func (c *CancellationState) Signal(code int32) (exitCode int32, terminate bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.occurred++
	c.rcCtrlC = code
	return code, c.occurred >= 2
}

// GracePeriod is how long the worker waits after the first Ctrl-C before
// force-exiting (spec.md §5).
const GracePeriod = 5 * time.Second

// Pending reports the last recorded cancellation code, or 0 if none.
func (c *CancellationState) Pending() int32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.rcCtrlC
}
